// Package template gates which orchestrators may create agreements.
package template

import (
	"context"
	"fmt"

	"github.com/rs/zerolog"

	"escrowflow/domain"
	"escrowflow/timeline"
)

// Registry records template lifecycle:
//
//	Uninitialized -> Proposed -> Approved -> Revoked
//
// Approve and revoke are restricted to the governance principal. Revoked is
// terminal.
type Registry struct {
	governance domain.Address
	clock      domain.Clock
	timeline   *timeline.Writer
	logger     zerolog.Logger
}

func NewRegistry(governance domain.Address, clock domain.Clock) *Registry {
	if clock == nil {
		clock = domain.SystemClock{}
	}
	return &Registry{
		governance: governance,
		clock:      clock,
		timeline:   timeline.NewWriter(clock),
		logger:     zerolog.Nop(),
	}
}

func (r *Registry) WithLogger(logger zerolog.Logger) *Registry {
	r.logger = logger.With().Str("component", "template_registry").Logger()
	return r
}

// Governance returns the principal allowed to approve and revoke.
func (r *Registry) Governance() domain.Address {
	return r.governance
}

// Propose registers id with the ordered condition types its agreements carry.
func (r *Registry) Propose(ctx context.Context, tx domain.Tx, caller, id domain.Address, conditionTypes []domain.Address) (domain.Template, error) {
	if id.IsZero() {
		return domain.Template{}, domain.NewError(domain.CodeInvalidArgument, "template: id required")
	}
	if len(conditionTypes) == 0 {
		return domain.Template{}, domain.NewError(domain.CodeInvalidArgument, "template: at least one condition type required")
	}
	for i, ct := range conditionTypes {
		if ct.IsZero() {
			return domain.Template{}, domain.NewError(domain.CodeInvalidArgument, fmt.Sprintf("template: condition type %d is empty", i))
		}
	}

	tpl := domain.Template{
		ID:             id,
		State:          domain.TemplateProposed,
		Owner:          caller,
		ConditionTypes: append([]domain.Address(nil), conditionTypes...),
		LastUpdatedBy:  caller,
		LastUpdatedAt:  r.clock.Now(),
	}
	if err := tx.Templates().Insert(ctx, tpl); err != nil {
		return domain.Template{}, err
	}
	if err := r.record(ctx, tx, tpl, domain.EventTemplateProposed, caller); err != nil {
		return domain.Template{}, err
	}
	return tpl, nil
}

// Approve moves a proposed template to Approved.
func (r *Registry) Approve(ctx context.Context, tx domain.Tx, caller, id domain.Address) (domain.Template, error) {
	return r.move(ctx, tx, caller, id, domain.TemplateProposed, domain.TemplateApproved, domain.EventTemplateApproved)
}

// Revoke moves an approved template to Revoked.
func (r *Registry) Revoke(ctx context.Context, tx domain.Tx, caller, id domain.Address) (domain.Template, error) {
	return r.move(ctx, tx, caller, id, domain.TemplateApproved, domain.TemplateRevoked, domain.EventTemplateRevoked)
}

func (r *Registry) move(ctx context.Context, tx domain.Tx, caller, id domain.Address, from, to domain.TemplateState, event domain.EventType) (domain.Template, error) {
	if caller != r.governance {
		return domain.Template{}, domain.NewError(domain.CodeUnauthorized, fmt.Sprintf("template: %s is not governance", caller))
	}
	tpl, err := tx.Templates().Get(ctx, id)
	if err != nil {
		return domain.Template{}, err
	}
	if tpl.State != from {
		return domain.Template{}, domain.NewError(domain.CodeInvalidTransition,
			fmt.Sprintf("template %s: cannot move %s -> %s", id, tpl.State, to))
	}
	tpl.State = to
	tpl.LastUpdatedBy = caller
	tpl.LastUpdatedAt = r.clock.Now()
	if err := tx.Templates().Update(ctx, tpl); err != nil {
		return domain.Template{}, fmt.Errorf("template: update %s: %w", id, err)
	}
	if err := r.record(ctx, tx, tpl, event, caller); err != nil {
		return domain.Template{}, err
	}
	return tpl, nil
}

func (r *Registry) record(ctx context.Context, tx domain.Tx, tpl domain.Template, event domain.EventType, caller domain.Address) error {
	types := make([]string, len(tpl.ConditionTypes))
	for i, ct := range tpl.ConditionTypes {
		types[i] = ct.String()
	}
	if err := r.timeline.Append(ctx, tx, domain.Event{
		Type:  event,
		Actor: caller,
		Payload: map[string]any{
			"template_id":     tpl.ID.String(),
			"state":           tpl.State.String(),
			"condition_types": types,
		},
	}); err != nil {
		return err
	}
	r.logger.Info().
		Str("template_id", tpl.ID.String()).
		Str("state", tpl.State.String()).
		Str("actor", caller.String()).
		Msg("template_" + tpl.State.String())
	return nil
}

// IsApproved reports whether id may currently create agreements. Unknown
// templates are not approved.
func (r *Registry) IsApproved(ctx context.Context, tx domain.Tx, id domain.Address) (bool, error) {
	tpl, err := tx.Templates().Get(ctx, id)
	if err != nil {
		if code, ok := domain.CodeOf(err); ok && code == domain.CodeNotFound {
			return false, nil
		}
		return false, err
	}
	return tpl.State == domain.TemplateApproved, nil
}

func (r *Registry) Get(ctx context.Context, tx domain.Tx, id domain.Address) (domain.Template, error) {
	return tx.Templates().Get(ctx, id)
}

func (r *Registry) List(ctx context.Context, tx domain.Tx) ([]domain.Template, error) {
	return tx.Templates().List(ctx)
}
