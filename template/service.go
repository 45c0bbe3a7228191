package template

import (
	"context"

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

func (s *Service) Propose(ctx context.Context, caller, id domain.Address, conditionTypes []domain.Address) (domain.Template, error) {
	return s.run(ctx, func(tx domain.Tx) (domain.Template, error) {
		return s.registry.Propose(ctx, tx, caller, id, conditionTypes)
	})
}

func (s *Service) Approve(ctx context.Context, caller, id domain.Address) (domain.Template, error) {
	return s.run(ctx, func(tx domain.Tx) (domain.Template, error) {
		return s.registry.Approve(ctx, tx, caller, id)
	})
}

func (s *Service) Revoke(ctx context.Context, caller, id domain.Address) (domain.Template, error) {
	return s.run(ctx, func(tx domain.Tx) (domain.Template, error) {
		return s.registry.Revoke(ctx, tx, caller, id)
	})
}

func (s *Service) Get(ctx context.Context, id domain.Address) (domain.Template, error) {
	return s.run(ctx, func(tx domain.Tx) (domain.Template, error) {
		return s.registry.Get(ctx, tx, id)
	})
}

// List returns every template in proposal order.
func (s *Service) List(ctx context.Context) ([]domain.Template, error) {
	var out []domain.Template
	err := domain.InTx(ctx, s.store, func(tx domain.Tx) error {
		var err error
		out, err = s.registry.List(ctx, tx)
		return err
	})
	return out, err
}

func (s *Service) run(ctx context.Context, fn func(tx domain.Tx) (domain.Template, error)) (domain.Template, error) {
	var tpl domain.Template
	err := domain.InTx(ctx, s.store, func(tx domain.Tx) error {
		var err error
		tpl, err = fn(tx)
		return err
	})
	return tpl, err
}
