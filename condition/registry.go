// Package condition owns the canonical state of every condition instance.
// It is the only place condition state changes.
package condition

import (
	"context"
	"fmt"
	"math"

	"github.com/rs/zerolog"

	"escrowflow/domain"
	"escrowflow/observability"
	"escrowflow/timeline"
)

// CreateRole names the capability allowed to register new conditions.
const CreateRole = "condition.create"

// Registry applies the condition state machine:
//
//	Uninitialized -> Unfulfilled -> Fulfilled | Aborted
//
// Fulfilled is reachable only by the condition's type reference once its
// time lock has elapsed and before it times out. Aborted is reachable by the
// type reference at any time and by anyone after the time out.
type Registry struct {
	owner    domain.Address
	clock    domain.Clock
	timeline *timeline.Writer
	logger   zerolog.Logger
}

// NewRegistry builds a registry whose create capability can be delegated by
// owner.
func NewRegistry(owner domain.Address, clock domain.Clock) *Registry {
	if clock == nil {
		clock = domain.SystemClock{}
	}
	return &Registry{
		owner:    owner,
		clock:    clock,
		timeline: timeline.NewWriter(clock),
		logger:   zerolog.Nop(),
	}
}

func (r *Registry) WithLogger(logger zerolog.Logger) *Registry {
	r.logger = logger.With().Str("component", "condition_registry").Logger()
	return r
}

// Clock exposes the host clock shared with condition implementations.
func (r *Registry) Clock() domain.Clock {
	return r.clock
}

// GrantCreateRole delegates the create capability. It can be granted once.
func (r *Registry) GrantCreateRole(ctx context.Context, tx domain.Tx, caller, creator domain.Address) error {
	if caller != r.owner {
		return domain.NewError(domain.CodeUnauthorized, fmt.Sprintf("condition: %s may not delegate the create role", caller))
	}
	if creator.IsZero() {
		return domain.NewError(domain.CodeInvalidArgument, "condition: create role holder required")
	}
	holder, ok, err := tx.Roles().Get(ctx, CreateRole)
	if err != nil {
		return fmt.Errorf("condition: load create role: %w", err)
	}
	if ok {
		return domain.NewError(domain.CodeRoleAlreadyGranted, fmt.Sprintf("condition: create role already held by %s", holder))
	}
	if err := tx.Roles().Set(ctx, CreateRole, creator); err != nil {
		return fmt.Errorf("condition: grant create role: %w", err)
	}
	r.logger.Info().Str("holder", creator.String()).Msg("create_role_granted")
	return nil
}

// CreateParams registers one condition. TimeLock and TimeOut are durations
// relative to now; zero disables the bound.
type CreateParams struct {
	ID          domain.Hash
	AgreementID domain.Hash
	TypeRef     domain.Address
	TimeLock    uint64
	TimeOut     uint64
	Caller      domain.Address
}

// Create registers a condition in the Unfulfilled state.
func (r *Registry) Create(ctx context.Context, tx domain.Tx, p CreateParams) (domain.Condition, error) {
	holder, ok, err := tx.Roles().Get(ctx, CreateRole)
	if err != nil {
		return domain.Condition{}, fmt.Errorf("condition: load create role: %w", err)
	}
	if !ok || holder != p.Caller {
		return domain.Condition{}, domain.NewError(domain.CodeUnauthorized, fmt.Sprintf("condition: %s does not hold the create role", p.Caller))
	}
	if p.TypeRef.IsZero() {
		return domain.Condition{}, domain.NewError(domain.CodeInvalidArgument, "condition: type reference required")
	}
	if p.TimeOut > 0 && p.TimeLock >= p.TimeOut {
		return domain.Condition{}, domain.NewError(domain.CodeInvalidArgument, "condition: time lock must precede time out")
	}

	now := r.clock.Now()
	if p.TimeLock > math.MaxUint64-now || p.TimeOut > math.MaxUint64-now {
		return domain.Condition{}, domain.NewError(domain.CodeInvalidArgument, "condition: time bound overflows the clock")
	}
	c := domain.Condition{
		ID:            p.ID,
		TypeRef:       p.TypeRef,
		State:         domain.ConditionUnfulfilled,
		CreatedBy:     p.Caller,
		CreatedAt:     now,
		LastUpdatedBy: p.Caller,
		LastUpdatedAt: now,
	}
	if p.TimeLock > 0 {
		c.TimeLock = now + p.TimeLock
	}
	if p.TimeOut > 0 {
		c.TimeOut = now + p.TimeOut
	}

	if err := tx.Conditions().Insert(ctx, c); err != nil {
		return domain.Condition{}, err
	}
	if err := r.timeline.Append(ctx, tx, domain.Event{
		Type:        domain.EventConditionCreated,
		AgreementID: p.AgreementID,
		ConditionID: c.ID,
		Actor:       p.Caller,
		Payload: map[string]any{
			"type_ref":  c.TypeRef.String(),
			"time_lock": c.TimeLock,
			"time_out":  c.TimeOut,
		},
	}); err != nil {
		return domain.Condition{}, err
	}
	return c, nil
}

// TransitionParams moves a condition out of Unfulfilled.
type TransitionParams struct {
	ID          domain.Hash
	AgreementID domain.Hash
	State       domain.ConditionState
	Caller      domain.Address
	Payload     map[string]any
}

// Transition applies one state change and records it.
func (r *Registry) Transition(ctx context.Context, tx domain.Tx, p TransitionParams) (domain.Condition, error) {
	c, err := tx.Conditions().Get(ctx, p.ID)
	if err != nil {
		return domain.Condition{}, err
	}
	if c.State != domain.ConditionUnfulfilled {
		return domain.Condition{}, invalid(c, "condition is %s", c.State)
	}

	now := r.clock.Now()
	switch p.State {
	case domain.ConditionFulfilled:
		if p.Caller != c.TypeRef {
			return domain.Condition{}, invalid(c, "%s is not the condition type", p.Caller)
		}
		if c.TimeLocked(now) {
			return domain.Condition{}, invalid(c, "time locked until %d", c.TimeLock)
		}
		if c.TimedOut(now) {
			return domain.Condition{}, invalid(c, "timed out at %d", c.TimeOut)
		}
	case domain.ConditionAborted:
		if p.Caller != c.TypeRef && !c.TimedOut(now) {
			return domain.Condition{}, invalid(c, "abort by %s before time out", p.Caller)
		}
	default:
		return domain.Condition{}, invalid(c, "target state %s", p.State)
	}

	c.State = p.State
	c.LastUpdatedBy = p.Caller
	c.LastUpdatedAt = now
	if err := tx.Conditions().Update(ctx, c); err != nil {
		return domain.Condition{}, fmt.Errorf("condition: update %s: %w", c.ID, err)
	}

	eventType, topic := domain.EventConditionFulfilled, domain.TopicConditionFulfilled
	if p.State == domain.ConditionAborted {
		eventType, topic = domain.EventConditionAborted, domain.TopicConditionAborted
	}
	payload := map[string]any{"type_ref": c.TypeRef.String()}
	for k, v := range p.Payload {
		payload[k] = v
	}
	if err := r.timeline.Record(ctx, tx, domain.Event{
		Type:        eventType,
		AgreementID: p.AgreementID,
		ConditionID: c.ID,
		Actor:       p.Caller,
		Payload:     payload,
	}, topic); err != nil {
		return domain.Condition{}, err
	}

	observability.RecordConditionTransition(c.State.String())
	r.logger.Info().
		Str("condition_id", c.ID.Hex()).
		Str("agreement_id", p.AgreementID.Hex()).
		Str("state", c.State.String()).
		Str("actor", p.Caller.String()).
		Msg("condition_transitioned")
	return c, nil
}

// AbortByTimeout lets anyone abort a condition whose time out has passed.
func (r *Registry) AbortByTimeout(ctx context.Context, tx domain.Tx, caller domain.Address, id domain.Hash) (domain.Condition, error) {
	c, err := tx.Conditions().Get(ctx, id)
	if err != nil {
		return domain.Condition{}, err
	}
	if !c.TimedOut(r.clock.Now()) {
		return domain.Condition{}, invalid(c, "condition has not timed out")
	}
	return r.Transition(ctx, tx, TransitionParams{
		ID:     id,
		State:  domain.ConditionAborted,
		Caller: caller,
	})
}

// Get returns a condition or ErrNotFound.
func (r *Registry) Get(ctx context.Context, tx domain.Tx, id domain.Hash) (domain.Condition, error) {
	return tx.Conditions().Get(ctx, id)
}

// State returns Uninitialized for unknown ids rather than failing.
func (r *Registry) State(ctx context.Context, tx domain.Tx, id domain.Hash) (domain.ConditionState, error) {
	c, err := tx.Conditions().Get(ctx, id)
	if err != nil {
		if code, ok := domain.CodeOf(err); ok && code == domain.CodeNotFound {
			return domain.ConditionUninitialized, nil
		}
		return domain.ConditionUninitialized, err
	}
	return c.State, nil
}

func invalid(c domain.Condition, format string, args ...any) error {
	msg := fmt.Sprintf("condition %s: ", c.ID) + fmt.Sprintf(format, args...)
	return domain.NewError(domain.CodeInvalidTransition, msg)
}
