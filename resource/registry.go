// Package resource is the identifier registry mapping a resource id to its
// owner, creator, royalty share and providers.
package resource

import (
	"context"
	"fmt"
	"strings"

	"github.com/rs/zerolog"

	"escrowflow/domain"
)

// MaxRoyaltyPPM is one hundred percent in parts per million.
const MaxRoyaltyPPM = 1_000_000

// ListLimit caps List results.
const ListLimit = 100

// RegisterParams creates a resource owned and created by Owner.
type RegisterParams struct {
	Seed       domain.Hash
	Owner      domain.Address
	RoyaltyPPM uint64
	URL        string
	Providers  []domain.Address
}

// Registry operates on the caller's transaction.
type Registry struct {
	clock  domain.Clock
	logger zerolog.Logger
}

func NewRegistry(clock domain.Clock) *Registry {
	if clock == nil {
		clock = domain.SystemClock{}
	}
	return &Registry{clock: clock, logger: zerolog.Nop()}
}

func (r *Registry) WithLogger(logger zerolog.Logger) *Registry {
	r.logger = logger.With().Str("component", "resource_registry").Logger()
	return r
}

// DeriveID binds a seed to its registering owner.
func DeriveID(seed domain.Hash, owner domain.Address) domain.Hash {
	return domain.HashValues("resource", seed, owner)
}

// Register stores a new resource and its initial providers.
func (r *Registry) Register(ctx context.Context, tx domain.Tx, p RegisterParams) (domain.Resource, error) {
	if p.Owner.IsZero() {
		return domain.Resource{}, domain.NewError(domain.CodeInvalidArgument, "resource: owner required")
	}
	if p.RoyaltyPPM > MaxRoyaltyPPM {
		return domain.Resource{}, domain.NewError(domain.CodeInvalidArgument,
			fmt.Sprintf("resource: royalty %d ppm exceeds %d", p.RoyaltyPPM, MaxRoyaltyPPM))
	}

	res := domain.Resource{
		ID:           DeriveID(p.Seed, p.Owner),
		Owner:        p.Owner,
		Creator:      p.Owner,
		RoyaltyPPM:   p.RoyaltyPPM,
		URL:          strings.TrimSpace(p.URL),
		RegisteredAt: r.clock.Now(),
	}
	if err := tx.Resources().Insert(ctx, res); err != nil {
		return domain.Resource{}, err
	}
	for _, provider := range p.Providers {
		if provider.IsZero() {
			continue
		}
		if err := tx.Resources().AddProvider(ctx, res.ID, provider); err != nil {
			return domain.Resource{}, fmt.Errorf("resource: add provider: %w", err)
		}
	}
	r.logger.Info().Str("resource_id", res.ID.Hex()).Str("owner", res.Owner.String()).Msg("resource_registered")
	return res, nil
}

// AddProvider lets the owner authorize another principal to serve the resource.
func (r *Registry) AddProvider(ctx context.Context, tx domain.Tx, caller domain.Address, id domain.Hash, provider domain.Address) error {
	res, err := r.owned(ctx, tx, caller, id)
	if err != nil {
		return err
	}
	if provider.IsZero() {
		return domain.NewError(domain.CodeInvalidArgument, "resource: provider required")
	}
	if err := tx.Resources().AddProvider(ctx, res.ID, provider); err != nil {
		return fmt.Errorf("resource: add provider: %w", err)
	}
	return nil
}

// TransferOwnership hands the resource to a new owner. The creator, who
// receives royalties, never changes.
func (r *Registry) TransferOwnership(ctx context.Context, tx domain.Tx, caller domain.Address, id domain.Hash, newOwner domain.Address) (domain.Resource, error) {
	res, err := r.owned(ctx, tx, caller, id)
	if err != nil {
		return domain.Resource{}, err
	}
	if newOwner.IsZero() {
		return domain.Resource{}, domain.NewError(domain.CodeInvalidArgument, "resource: new owner required")
	}
	res.Owner = newOwner
	if err := tx.Resources().Update(ctx, res); err != nil {
		return domain.Resource{}, fmt.Errorf("resource: transfer ownership: %w", err)
	}
	r.logger.Info().Str("resource_id", res.ID.Hex()).Str("owner", newOwner.String()).Msg("resource_transferred")
	return res, nil
}

func (r *Registry) owned(ctx context.Context, tx domain.Tx, caller domain.Address, id domain.Hash) (domain.Resource, error) {
	res, err := tx.Resources().Get(ctx, id)
	if err != nil {
		return domain.Resource{}, err
	}
	if res.Owner != caller {
		return domain.Resource{}, domain.NewError(domain.CodeUnauthorized,
			fmt.Sprintf("resource %s: %s is not the owner", id, caller))
	}
	return res, nil
}

// Get returns the resource or ErrNotFound.
func (r *Registry) Get(ctx context.Context, tx domain.Tx, id domain.Hash) (domain.Resource, error) {
	return tx.Resources().Get(ctx, id)
}

// OwnerOf returns the current owner; unknown resources fail with
// ResourceNotRegistered.
func (r *Registry) OwnerOf(ctx context.Context, tx domain.Tx, id domain.Hash) (domain.Address, error) {
	res, err := tx.Resources().Get(ctx, id)
	if err != nil {
		if code, ok := domain.CodeOf(err); ok && code == domain.CodeNotFound {
			return domain.ZeroAddress, domain.NewError(domain.CodeResourceNotRegistered,
				fmt.Sprintf("resource %s is not registered", id))
		}
		return domain.ZeroAddress, err
	}
	return res.Owner, nil
}

func (r *Registry) IsRegistered(ctx context.Context, tx domain.Tx, id domain.Hash) (bool, error) {
	_, err := tx.Resources().Get(ctx, id)
	if err != nil {
		if code, ok := domain.CodeOf(err); ok && code == domain.CodeNotFound {
			return false, nil
		}
		return false, err
	}
	return true, nil
}

func (r *Registry) IsProvider(ctx context.Context, tx domain.Tx, id domain.Hash, addr domain.Address) (bool, error) {
	return tx.Resources().IsProvider(ctx, id, addr)
}

// IsOwnerOrProvider reports whether addr may act for the resource.
func (r *Registry) IsOwnerOrProvider(ctx context.Context, tx domain.Tx, id domain.Hash, addr domain.Address) (bool, error) {
	owner, err := r.OwnerOf(ctx, tx, id)
	if err != nil {
		return false, err
	}
	if owner == addr {
		return true, nil
	}
	return r.IsProvider(ctx, tx, id, addr)
}

// List returns up to limit resources in registration order.
func (r *Registry) List(ctx context.Context, tx domain.Tx, limit int) ([]domain.Resource, error) {
	if limit <= 0 || limit > ListLimit {
		limit = ListLimit
	}
	return tx.Resources().List(ctx, limit)
}
