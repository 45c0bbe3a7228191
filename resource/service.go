package resource

import (
	"context"

	"escrowflow/domain"
)

// Service exposes resource operations, each in its own transaction.
type Service struct {
	store    domain.Store
	registry *Registry
}

// NewService builds a Service over store.
func NewService(store domain.Store, registry *Registry) *Service {
	return &Service{store: store, registry: registry}
}

// Register creates a resource.
func (s *Service) Register(ctx context.Context, p RegisterParams) (domain.Resource, error) {
	var res domain.Resource
	err := domain.InTx(ctx, s.store, func(tx domain.Tx) error {
		var err error
		res, err = s.registry.Register(ctx, tx, p)
		return err
	})
	return res, err
}

// AddProvider authorizes provider on behalf of the owner.
func (s *Service) AddProvider(ctx context.Context, caller domain.Address, id domain.Hash, provider domain.Address) error {
	return domain.InTx(ctx, s.store, func(tx domain.Tx) error {
		return s.registry.AddProvider(ctx, tx, caller, id, provider)
	})
}

// TransferOwnership reassigns the owner.
func (s *Service) TransferOwnership(ctx context.Context, caller domain.Address, id domain.Hash, newOwner domain.Address) (domain.Resource, error) {
	var res domain.Resource
	err := domain.InTx(ctx, s.store, func(tx domain.Tx) error {
		var err error
		res, err = s.registry.TransferOwnership(ctx, tx, caller, id, newOwner)
		return err
	})
	return res, err
}

// GetByID returns the resource for the given identifier.
func (s *Service) GetByID(ctx context.Context, id domain.Hash) (domain.Resource, error) {
	var res domain.Resource
	err := domain.InTx(ctx, s.store, func(tx domain.Tx) error {
		var err error
		res, err = s.registry.Get(ctx, tx, id)
		return err
	})
	return res, err
}

// List returns up to limit resources.
func (s *Service) List(ctx context.Context, limit int) ([]domain.Resource, error) {
	var out []domain.Resource
	err := domain.InTx(ctx, s.store, func(tx domain.Tx) error {
		var err error
		out, err = s.registry.List(ctx, tx, limit)
		return err
	})
	return out, err
}
