package condition

import (
	"context"

	"escrowflow/domain"
)

// Service exposes registry reads and the timeout abort as standalone calls,
// each in its own transaction.
type Service struct {
	store    domain.Store
	registry *Registry
}

func NewService(store domain.Store, registry *Registry) *Service {
	return &Service{store: store, registry: registry}
}

// Get returns the condition with id.
func (s *Service) Get(ctx context.Context, id domain.Hash) (domain.Condition, error) {
	var c domain.Condition
	err := domain.InTx(ctx, s.store, func(tx domain.Tx) error {
		var err error
		c, err = s.registry.Get(ctx, tx, id)
		return err
	})
	return c, err
}

// GetState returns the state of id, Uninitialized when unknown.
func (s *Service) GetState(ctx context.Context, id domain.Hash) (domain.ConditionState, error) {
	var st domain.ConditionState
	err := domain.InTx(ctx, s.store, func(tx domain.Tx) error {
		var err error
		st, err = s.registry.State(ctx, tx, id)
		return err
	})
	return st, err
}

// AbortByTimeout aborts an expired condition on behalf of caller.
func (s *Service) AbortByTimeout(ctx context.Context, caller domain.Address, id domain.Hash) (domain.Condition, error) {
	var c domain.Condition
	err := domain.InTx(ctx, s.store, func(tx domain.Tx) error {
		var err error
		c, err = s.registry.AbortByTimeout(ctx, tx, caller, id)
		return err
	})
	return c, err
}

// Events lists the recorded history of a condition.
func (s *Service) Events(ctx context.Context, id domain.Hash) ([]domain.Event, error) {
	var events []domain.Event
	err := domain.InTx(ctx, s.store, func(tx domain.Tx) error {
		var err error
		events, err = tx.Events().ListByCondition(ctx, id)
		return err
	})
	return events, err
}
