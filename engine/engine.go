// Package engine wires the registries, condition kinds and orchestrator
// onto one store.
package engine

import (
	"context"
	"errors"
	"fmt"

	"github.com/rs/zerolog"

	"escrowflow/agreement"
	"escrowflow/condition"
	"escrowflow/conditions"
	"escrowflow/custody"
	"escrowflow/domain"
	"escrowflow/orchestrator"
	"escrowflow/resource"
	"escrowflow/royalty"
	"escrowflow/template"
)

// Options configure New. Zero Clock means the system clock.
type Options struct {
	Store         domain.Store
	Clock         domain.Clock
	RegistryOwner domain.Address
	Governance    domain.Address
	// AgreementRegistry is the principal holding the condition create role.
	AgreementRegistry domain.Address
	Pipelines         []orchestrator.Pipeline
	Logger            zerolog.Logger
}

// DefaultAgreementRegistry is the agreement registry's principal.
const DefaultAgreementRegistry domain.Address = "agreement-registry"

// Engine holds every wired component.
type Engine struct {
	Store        domain.Store
	Clock        domain.Clock
	Conditions   *condition.Registry
	Templates    *template.Registry
	Resources    *resource.Registry
	Agreements   *agreement.Registry
	Vault        *custody.Vault
	Set          *conditions.Set
	Orchestrator *orchestrator.Orchestrator

	owner domain.Address
}

// New builds the components. Call Bootstrap before serving requests.
func New(opts Options) (*Engine, error) {
	if opts.Store == nil {
		return nil, fmt.Errorf("engine: store required")
	}
	if opts.RegistryOwner.IsZero() || opts.Governance.IsZero() {
		return nil, fmt.Errorf("engine: registry owner and governance required")
	}
	if opts.Clock == nil {
		opts.Clock = domain.SystemClock{}
	}
	if opts.AgreementRegistry.IsZero() {
		opts.AgreementRegistry = DefaultAgreementRegistry
	}

	e := &Engine{
		Store: opts.Store,
		Clock: opts.Clock,
		owner: opts.RegistryOwner,
	}
	e.Conditions = condition.NewRegistry(opts.RegistryOwner, opts.Clock).WithLogger(opts.Logger)
	e.Templates = template.NewRegistry(opts.Governance, opts.Clock).WithLogger(opts.Logger)
	e.Resources = resource.NewRegistry(opts.Clock).WithLogger(opts.Logger)
	e.Agreements = agreement.NewRegistry(opts.AgreementRegistry, e.Conditions, e.Templates, e.Resources).WithLogger(opts.Logger)
	e.Vault = custody.NewVault().WithLogger(opts.Logger)
	e.Set = conditions.NewSet(&conditions.Deps{
		Store:      opts.Store,
		Conditions: e.Conditions,
		Agreements: e.Agreements,
		Resources:  e.Resources,
		Vault:      e.Vault,
		Royalty:    royalty.StandardChecker{},
		Logger:     opts.Logger,
	})

	orch, err := orchestrator.New(opts.Store, e.Agreements, e.Templates, e.Set, opts.Pipelines...)
	if err != nil {
		return nil, fmt.Errorf("engine: %w", err)
	}
	e.Orchestrator = orch.WithLogger(opts.Logger)
	return e, nil
}

// Bootstrap grants the agreement registry the create role once and brings
// every pipeline template into the registry.
func (e *Engine) Bootstrap(ctx context.Context) error {
	err := domain.InTx(ctx, e.Store, func(tx domain.Tx) error {
		return e.Conditions.GrantCreateRole(ctx, tx, e.owner, e.Agreements.Address())
	})
	if err != nil && !errors.Is(err, domain.ErrRoleAlreadyGranted) {
		return fmt.Errorf("engine: grant create role: %w", err)
	}
	if err := e.Orchestrator.Bootstrap(ctx); err != nil {
		return fmt.Errorf("engine: %w", err)
	}
	return nil
}
