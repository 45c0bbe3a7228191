// Package agreement binds a resource and a template-defined condition set
// into one agreement, creating every condition or none.
package agreement

import (
	"context"
	"fmt"

	"github.com/rs/zerolog"

	"escrowflow/condition"
	"escrowflow/domain"
	"escrowflow/observability"
	"escrowflow/resource"
	"escrowflow/template"
	"escrowflow/timeline"
)

// CreateParams describes one agreement. ConditionHashes are content hashes;
// the registry scopes each to the agreement before registering it.
// TimeLocks and TimeOuts are durations relative to creation.
type CreateParams struct {
	Seed            domain.Hash
	Creator         domain.Address
	Caller          domain.Address
	ResourceID      domain.Hash
	ConditionTypes  []domain.Address
	ConditionHashes []domain.Hash
	TimeLocks       []uint64
	TimeOuts        []uint64
}

// Registry holds the condition create role and validates every agreement
// against the template and resource registries.
type Registry struct {
	address    domain.Address
	conditions *condition.Registry
	templates  *template.Registry
	resources  *resource.Registry
	clock      domain.Clock
	timeline   *timeline.Writer
	logger     zerolog.Logger
}

// NewRegistry wires an agreement registry acting as address.
func NewRegistry(address domain.Address, conditions *condition.Registry, templates *template.Registry, resources *resource.Registry) *Registry {
	clock := conditions.Clock()
	return &Registry{
		address:    address,
		conditions: conditions,
		templates:  templates,
		resources:  resources,
		clock:      clock,
		timeline:   timeline.NewWriter(clock),
		logger:     zerolog.Nop(),
	}
}

func (r *Registry) WithLogger(logger zerolog.Logger) *Registry {
	r.logger = logger.With().Str("component", "agreement_registry").Logger()
	return r
}

// Address is the principal that must hold the condition create role.
func (r *Registry) Address() domain.Address {
	return r.address
}

// Create validates p and registers the agreement with all its conditions.
// On any failure the caller must roll back tx.
func (r *Registry) Create(ctx context.Context, tx domain.Tx, p CreateParams) (domain.Agreement, error) {
	approved, err := r.templates.IsApproved(ctx, tx, p.Caller)
	if err != nil {
		return domain.Agreement{}, fmt.Errorf("agreement: check template: %w", err)
	}
	if !approved {
		return domain.Agreement{}, domain.NewError(domain.CodeTemplateNotApproved,
			fmt.Sprintf("agreement: template %s is not approved", p.Caller))
	}

	owner, err := r.resources.OwnerOf(ctx, tx, p.ResourceID)
	if err != nil {
		return domain.Agreement{}, err
	}

	n := len(p.ConditionTypes)
	if len(p.ConditionHashes) != n || len(p.TimeLocks) != n || len(p.TimeOuts) != n {
		return domain.Agreement{}, domain.NewError(domain.CodeArgumentLengthMismatch,
			fmt.Sprintf("agreement: %d types, %d conditions, %d time locks, %d time outs",
				n, len(p.ConditionHashes), len(p.TimeLocks), len(p.TimeOuts)))
	}

	tpl, err := r.templates.Get(ctx, tx, p.Caller)
	if err != nil {
		return domain.Agreement{}, err
	}
	if len(tpl.ConditionTypes) != n {
		return domain.Agreement{}, domain.NewError(domain.CodeArgumentLengthMismatch,
			fmt.Sprintf("agreement: template %s declares %d conditions, got %d", tpl.ID, len(tpl.ConditionTypes), n))
	}
	for i, ct := range p.ConditionTypes {
		if ct != tpl.ConditionTypes[i] {
			return domain.Agreement{}, domain.NewError(domain.CodeInvalidArgument,
				fmt.Sprintf("agreement: condition %d is %s, template declares %s", i, ct, tpl.ConditionTypes[i]))
		}
	}

	id := domain.AgreementID(p.Seed, p.Creator)
	if _, err := tx.Agreements().Get(ctx, id); err == nil {
		return domain.Agreement{}, domain.NewError(domain.CodeAlreadyExists,
			fmt.Sprintf("agreement %s already exists", id))
	} else if code, ok := domain.CodeOf(err); !ok || code != domain.CodeNotFound {
		return domain.Agreement{}, fmt.Errorf("agreement: lookup %s: %w", id, err)
	}

	conditionIDs := make([]domain.Hash, n)
	for i := range p.ConditionHashes {
		conditionIDs[i] = domain.ConditionID(id, p.ConditionHashes[i])
		if _, err := r.conditions.Create(ctx, tx, condition.CreateParams{
			ID:          conditionIDs[i],
			AgreementID: id,
			TypeRef:     p.ConditionTypes[i],
			TimeLock:    p.TimeLocks[i],
			TimeOut:     p.TimeOuts[i],
			Caller:      r.address,
		}); err != nil {
			return domain.Agreement{}, fmt.Errorf("agreement: create condition %d: %w", i, err)
		}
	}

	now := r.clock.Now()
	a := domain.Agreement{
		ID:            id,
		ResourceID:    p.ResourceID,
		ResourceOwner: owner,
		TemplateID:    p.Caller,
		Creator:       p.Creator,
		ConditionIDs:  conditionIDs,
		LastUpdatedBy: p.Creator,
		LastUpdatedAt: now,
	}
	if err := tx.Agreements().Insert(ctx, a); err != nil {
		return domain.Agreement{}, err
	}

	ids := make([]string, n)
	for i, cid := range conditionIDs {
		ids[i] = cid.Hex()
	}
	if err := r.timeline.Record(ctx, tx, domain.Event{
		Type:        domain.EventAgreementCreated,
		AgreementID: id,
		Actor:       p.Creator,
		Payload: map[string]any{
			"resource_id":   p.ResourceID.Hex(),
			"template_id":   p.Caller.String(),
			"condition_ids": ids,
		},
	}, domain.TopicAgreementCreated); err != nil {
		return domain.Agreement{}, err
	}

	observability.RecordAgreementCreated(p.Caller.String())
	r.logger.Info().
		Str("agreement_id", id.Hex()).
		Str("template_id", p.Caller.String()).
		Str("resource_id", p.ResourceID.Hex()).
		Str("creator", p.Creator.String()).
		Int("conditions", n).
		Msg("agreement_created")
	return a, nil
}

func (r *Registry) Get(ctx context.Context, tx domain.Tx, id domain.Hash) (domain.Agreement, error) {
	return tx.Agreements().Get(ctx, id)
}

func (r *Registry) ListByResource(ctx context.Context, tx domain.Tx, resourceID domain.Hash) ([]domain.Agreement, error) {
	return tx.Agreements().ListByResource(ctx, resourceID)
}

func (r *Registry) ListByTemplate(ctx context.Context, tx domain.Tx, templateID domain.Address) ([]domain.Agreement, error) {
	return tx.Agreements().ListByTemplate(ctx, templateID)
}

// IsResourceOwner reports whether addr currently owns the agreement's resource.
func (r *Registry) IsResourceOwner(ctx context.Context, tx domain.Tx, id domain.Hash, addr domain.Address) (bool, error) {
	a, err := tx.Agreements().Get(ctx, id)
	if err != nil {
		return false, err
	}
	owner, err := r.resources.OwnerOf(ctx, tx, a.ResourceID)
	if err != nil {
		return false, err
	}
	return owner == addr, nil
}

// IsResourceProvider reports whether addr is a provider of the agreement's
// resource.
func (r *Registry) IsResourceProvider(ctx context.Context, tx domain.Tx, id domain.Hash, addr domain.Address) (bool, error) {
	a, err := tx.Agreements().Get(ctx, id)
	if err != nil {
		return false, err
	}
	return r.resources.IsProvider(ctx, tx, a.ResourceID, addr)
}

// Conditions returns the agreement's conditions in template order.
func (r *Registry) Conditions(ctx context.Context, tx domain.Tx, id domain.Hash) ([]domain.Condition, error) {
	a, err := tx.Agreements().Get(ctx, id)
	if err != nil {
		return nil, err
	}
	out := make([]domain.Condition, 0, len(a.ConditionIDs))
	for _, cid := range a.ConditionIDs {
		c, err := r.conditions.Get(ctx, tx, cid)
		if err != nil {
			return nil, fmt.Errorf("agreement: load condition %s: %w", cid, err)
		}
		out = append(out, c)
	}
	return out, nil
}
