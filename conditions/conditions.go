// Package conditions implements the side-effecting condition kinds. Each
// kind derives condition ids from its typed parameters, performs its side
// effect and then asks the registry to mark the condition Fulfilled, all in
// one transaction.
package conditions

import (
	"context"
	"fmt"
	"math/big"

	"github.com/rs/zerolog"

	"escrowflow/agreement"
	"escrowflow/condition"
	"escrowflow/custody"
	"escrowflow/domain"
	"escrowflow/resource"
	"escrowflow/royalty"
	"escrowflow/timeline"
)

// Kind names a condition implementation.
type Kind string

const (
	KindLockPayment        Kind = "lock_payment"
	KindLockNFT            Kind = "lock_nft"
	KindTransferNFT        Kind = "transfer_nft"
	KindAccess             Kind = "access"
	KindComputeExecution   Kind = "compute_execution"
	KindNFTHolder          Kind = "nft_holder"
	KindEscrowPayment      Kind = "escrow_payment"
	KindMultiEscrowPayment Kind = "multi_escrow_payment"
)

// Kinds lists every implementation in a stable order.
var Kinds = []Kind{
	KindLockPayment,
	KindLockNFT,
	KindTransferNFT,
	KindAccess,
	KindComputeExecution,
	KindNFTHolder,
	KindEscrowPayment,
	KindMultiEscrowPayment,
}

// Address is the principal a kind acts as. It is the type reference stored
// on every condition the kind owns and, for escrow kinds, the custody
// account holding locked value.
func (k Kind) Address() domain.Address {
	return domain.Address("condition:" + string(k))
}

// Deps are the collaborators shared by every kind.
type Deps struct {
	Store      domain.Store
	Conditions *condition.Registry
	Agreements *agreement.Registry
	Resources  *resource.Registry
	Vault      *custody.Vault
	Royalty    royalty.Checker
	Logger     zerolog.Logger
}

type base struct {
	kind     Kind
	deps     *Deps
	timeline *timeline.Writer
	logger   zerolog.Logger
}

func newBase(kind Kind, deps *Deps) base {
	return base{
		kind:     kind,
		deps:     deps,
		timeline: timeline.NewWriter(deps.Conditions.Clock()),
		logger:   deps.Logger.With().Str("component", string(kind)).Logger(),
	}
}

func (b base) Kind() Kind { return b.kind }

func (b base) Address() domain.Address { return b.kind.Address() }

// GenerateID scopes a content hash to an agreement.
func (b base) GenerateID(agreementID, contentHash domain.Hash) domain.Hash {
	return domain.ConditionID(agreementID, contentHash)
}

func (b base) now() uint64 {
	return b.deps.Conditions.Clock().Now()
}

// fulfill marks id Fulfilled on behalf of actor.
func (b base) fulfill(ctx context.Context, tx domain.Tx, agreementID, id domain.Hash, actor domain.Address, payload map[string]any) (domain.Condition, error) {
	if payload == nil {
		payload = make(map[string]any, 2)
	}
	payload["kind"] = string(b.kind)
	payload["fulfilled_by"] = actor.String()
	c, err := b.deps.Conditions.Transition(ctx, tx, condition.TransitionParams{
		ID:          id,
		AgreementID: agreementID,
		State:       domain.ConditionFulfilled,
		Caller:      b.Address(),
		Payload:     payload,
	})
	if err != nil {
		return domain.Condition{}, err
	}
	b.logger.Info().
		Str("agreement_id", agreementID.Hex()).
		Str("condition_id", id.Hex()).
		Str("actor", actor.String()).
		Msg("condition_fulfilled")
	return c, nil
}

// expectUnfulfilled fails fast when id is unknown or already terminal, so a
// side effect is never attempted against a settled condition. A condition
// past its time out is aborted here instead and returned in the Aborted
// state; callers must then skip their side effect.
func (b base) expectUnfulfilled(ctx context.Context, tx domain.Tx, agreementID, id domain.Hash) (domain.Condition, error) {
	c, err := b.deps.Conditions.Get(ctx, tx, id)
	if err != nil {
		return domain.Condition{}, err
	}
	if c.TypeRef != b.Address() {
		return domain.Condition{}, domain.NewError(domain.CodeInvalidTransition,
			fmt.Sprintf("condition %s belongs to %s, not %s", id, c.TypeRef, b.Address()))
	}
	if c.State != domain.ConditionUnfulfilled {
		return domain.Condition{}, domain.NewError(domain.CodeInvalidTransition,
			fmt.Sprintf("condition %s is %s", id, c.State))
	}
	if !c.TimedOut(b.now()) {
		return c, nil
	}
	aborted, err := b.deps.Conditions.Transition(ctx, tx, condition.TransitionParams{
		ID:          id,
		AgreementID: agreementID,
		State:       domain.ConditionAborted,
		Caller:      b.Address(),
		Payload:     map[string]any{"kind": string(b.kind), "reason": "timed_out"},
	})
	if err != nil {
		return domain.Condition{}, err
	}
	b.logger.Info().
		Str("agreement_id", agreementID.Hex()).
		Str("condition_id", id.Hex()).
		Uint64("time_out", c.TimeOut).
		Msg("condition_expired")
	return aborted, nil
}

// forAgreement requires resourceID to be the resource agreementID was
// created for.
func (b base) forAgreement(ctx context.Context, tx domain.Tx, agreementID, resourceID domain.Hash) error {
	a, err := b.deps.Agreements.Get(ctx, tx, agreementID)
	if err != nil {
		return err
	}
	if a.ResourceID != resourceID {
		return domain.NewError(domain.CodeInvalidArgument,
			fmt.Sprintf("%s: resource %s does not belong to agreement %s", b.kind, resourceID, agreementID))
	}
	return nil
}

func expired(c domain.Condition) bool {
	return c.State == domain.ConditionAborted
}

// canServe reports whether actor owns or provides the agreement's resource.
func (b base) canServe(ctx context.Context, tx domain.Tx, agreementID domain.Hash, actor domain.Address) (bool, error) {
	owner, err := b.deps.Agreements.IsResourceOwner(ctx, tx, agreementID, actor)
	if err != nil || owner {
		return owner, err
	}
	return b.deps.Agreements.IsResourceProvider(ctx, tx, agreementID, actor)
}

func (b base) inTx(ctx context.Context, fn func(tx domain.Tx) error) error {
	return domain.InTx(ctx, b.deps.Store, fn)
}

// sum totals amounts, rejecting nil or negative entries.
func sum(amounts []*big.Int) (*big.Int, error) {
	total := new(big.Int)
	for i, a := range amounts {
		if a == nil || a.Sign() < 0 {
			return nil, domain.NewError(domain.CodeInvalidArgument, fmt.Sprintf("amount %d must be a non-negative integer", i))
		}
		total.Add(total, a)
	}
	return total, nil
}

func stringsOf(addrs []domain.Address) []string {
	out := make([]string, len(addrs))
	for i, a := range addrs {
		out[i] = a.String()
	}
	return out
}

func amountStrings(amounts []*big.Int) []string {
	out := make([]string, len(amounts))
	for i, a := range amounts {
		out[i] = a.String()
	}
	return out
}
