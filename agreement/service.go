package agreement

import (
	"context"
	"fmt"

	"escrowflow/domain"
)

// Service runs registry operations in their own transactions.
type Service struct {
	store    domain.Store
	registry *Registry
}

func NewService(store domain.Store, registry *Registry) *Service {
	return &Service{store: store, registry: registry}
}

// Create registers an agreement atomically.
func (s *Service) Create(ctx context.Context, p CreateParams) (domain.Agreement, error) {
	tx, err := s.store.Begin(ctx)
	if err != nil {
		return domain.Agreement{}, fmt.Errorf("agreement: begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	a, err := s.registry.Create(ctx, tx, p)
	if err != nil {
		return domain.Agreement{}, err
	}
	if err := tx.Commit(ctx); err != nil {
		return domain.Agreement{}, fmt.Errorf("agreement: commit tx: %w", err)
	}
	return a, nil
}

// Details is an agreement with its conditions resolved.
type Details struct {
	Agreement  domain.Agreement
	Conditions []domain.Condition
}

func (s *Service) Get(ctx context.Context, id domain.Hash) (Details, error) {
	var d Details
	err := domain.InTx(ctx, s.store, func(tx domain.Tx) error {
		a, err := s.registry.Get(ctx, tx, id)
		if err != nil {
			return err
		}
		conds, err := s.registry.Conditions(ctx, tx, id)
		if err != nil {
			return err
		}
		d = Details{Agreement: a, Conditions: conds}
		return nil
	})
	return d, err
}

func (s *Service) ListByResource(ctx context.Context, resourceID domain.Hash) ([]domain.Agreement, error) {
	var out []domain.Agreement
	err := domain.InTx(ctx, s.store, func(tx domain.Tx) error {
		var err error
		out, err = s.registry.ListByResource(ctx, tx, resourceID)
		return err
	})
	return out, err
}

func (s *Service) ListByTemplate(ctx context.Context, templateID domain.Address) ([]domain.Agreement, error) {
	var out []domain.Agreement
	err := domain.InTx(ctx, s.store, func(tx domain.Tx) error {
		var err error
		out, err = s.registry.ListByTemplate(ctx, tx, templateID)
		return err
	})
	return out, err
}

// Timeline lists every event recorded against the agreement.
func (s *Service) Timeline(ctx context.Context, id domain.Hash) ([]domain.Event, error) {
	var out []domain.Event
	err := domain.InTx(ctx, s.store, func(tx domain.Tx) error {
		if _, err := s.registry.Get(ctx, tx, id); err != nil {
			return err
		}
		var err error
		out, err = tx.Events().ListByAgreement(ctx, id)
		return err
	})
	return out, err
}
