package conditions

import (
	"context"
	"fmt"
	"math/big"

	"escrowflow/domain"
	"escrowflow/observability"
)

// EscrowParams settle one lock payment against a single release condition.
type EscrowParams struct {
	ResourceID         domain.Hash      `json:"resource_id"`
	Amounts            []*big.Int       `json:"amounts"`
	Receivers          []domain.Address `json:"receivers"`
	Payer              domain.Address   `json:"payer"`
	Asset              domain.Address   `json:"asset"`
	LockConditionID    domain.Hash      `json:"lock_condition_id"`
	ReleaseConditionID domain.Hash      `json:"release_condition_id"`
}

func (p EscrowParams) Hash() domain.Hash {
	return domain.HashValues(string(KindEscrowPayment), p.ResourceID, p.Amounts, p.Receivers,
		p.Payer, p.Asset, p.LockConditionID, p.ReleaseConditionID)
}

func (p EscrowParams) Resource() domain.Hash { return p.ResourceID }

// MultiEscrowParams settle one lock payment against several release
// conditions.
type MultiEscrowParams struct {
	ResourceID          domain.Hash      `json:"resource_id"`
	Amounts             []*big.Int       `json:"amounts"`
	Receivers           []domain.Address `json:"receivers"`
	Payer               domain.Address   `json:"payer"`
	Asset               domain.Address   `json:"asset"`
	LockConditionID     domain.Hash      `json:"lock_condition_id"`
	ReleaseConditionIDs []domain.Hash    `json:"release_condition_ids"`
}

func (p MultiEscrowParams) Hash() domain.Hash {
	return domain.HashValues(string(KindMultiEscrowPayment), p.ResourceID, p.Amounts, p.Receivers,
		p.Payer, p.Asset, p.LockConditionID, p.ReleaseConditionIDs)
}

func (p MultiEscrowParams) Resource() domain.Hash { return p.ResourceID }

// Outcome is how an escrow settled.
type Outcome string

const (
	OutcomeReleased Outcome = "released"
	OutcomeRefunded Outcome = "refunded"
)

// Settlement describes a resolved escrow.
type Settlement struct {
	Condition domain.Condition `json:"-"`
	Outcome   Outcome          `json:"outcome"`
	Receivers []domain.Address `json:"receivers"`
	Amounts   []*big.Int       `json:"amounts"`
}

// EscrowPayment pays receivers when the release condition is Fulfilled and
// refunds the payer when it is Aborted. While the release is unresolved the
// call fails with ReleaseConditionNotYetResolved and changes nothing.
type EscrowPayment struct {
	base
}

func NewEscrowPayment(deps *Deps) *EscrowPayment {
	return &EscrowPayment{base: newBase(KindEscrowPayment, deps)}
}

func (e *EscrowPayment) Fulfill(ctx context.Context, caller domain.Address, agreementID domain.Hash, p EscrowParams) (Settlement, error) {
	var s Settlement
	err := e.inTx(ctx, func(tx domain.Tx) error {
		var err error
		s, err = e.FulfillTx(ctx, tx, caller, agreementID, p)
		return err
	})
	return s, err
}

func (e *EscrowPayment) FulfillTx(ctx context.Context, tx domain.Tx, caller domain.Address, agreementID domain.Hash, p EscrowParams) (Settlement, error) {
	id := e.GenerateID(agreementID, p.Hash())
	return settle(ctx, e.base, tx, caller, agreementID, id, escrowTerms{
		resourceID: p.ResourceID,
		amounts:    p.Amounts,
		receivers:  p.Receivers,
		asset:      p.Asset,
		lockID:     p.LockConditionID,
		releaseIDs: []domain.Hash{p.ReleaseConditionID},
	})
}

// MultiEscrowPayment pays only when every release condition is Fulfilled. A
// single Aborted release refunds the whole locked amount.
type MultiEscrowPayment struct {
	base
}

func NewMultiEscrowPayment(deps *Deps) *MultiEscrowPayment {
	return &MultiEscrowPayment{base: newBase(KindMultiEscrowPayment, deps)}
}

func (m *MultiEscrowPayment) Fulfill(ctx context.Context, caller domain.Address, agreementID domain.Hash, p MultiEscrowParams) (Settlement, error) {
	var s Settlement
	err := m.inTx(ctx, func(tx domain.Tx) error {
		var err error
		s, err = m.FulfillTx(ctx, tx, caller, agreementID, p)
		return err
	})
	return s, err
}

func (m *MultiEscrowPayment) FulfillTx(ctx context.Context, tx domain.Tx, caller domain.Address, agreementID domain.Hash, p MultiEscrowParams) (Settlement, error) {
	if len(p.ReleaseConditionIDs) == 0 {
		return Settlement{}, domain.NewError(domain.CodeInvalidArgument, "multi escrow: at least one release condition required")
	}
	id := m.GenerateID(agreementID, p.Hash())
	return settle(ctx, m.base, tx, caller, agreementID, id, escrowTerms{
		resourceID: p.ResourceID,
		amounts:    p.Amounts,
		receivers:  p.Receivers,
		asset:      p.Asset,
		lockID:     p.LockConditionID,
		releaseIDs: p.ReleaseConditionIDs,
	})
}

type escrowTerms struct {
	resourceID domain.Hash
	amounts    []*big.Int
	receivers  []domain.Address
	asset      domain.Address
	lockID     domain.Hash
	releaseIDs []domain.Hash
}

// settle resolves an escrow condition. The lock it draws from must be the
// lock payment this escrow's own parameters imply under agreementID, so a
// condition minted elsewhere can never reach value another payer locked.
func settle(ctx context.Context, b base, tx domain.Tx, caller domain.Address, agreementID, id domain.Hash, t escrowTerms) (Settlement, error) {
	if len(t.amounts) != len(t.receivers) {
		return Settlement{}, domain.NewError(domain.CodeArgumentLengthMismatch,
			fmt.Sprintf("escrow: %d amounts for %d receivers", len(t.amounts), len(t.receivers)))
	}
	total, err := sum(t.amounts)
	if err != nil {
		return Settlement{}, err
	}
	if err := b.forAgreement(ctx, tx, agreementID, t.resourceID); err != nil {
		return Settlement{}, err
	}
	if cur, err := b.expectUnfulfilled(ctx, tx, agreementID, id); err != nil || expired(cur) {
		return Settlement{Condition: cur}, err
	}

	escrow := b.Address()
	expectedLock := domain.ConditionID(agreementID, LockPaymentParams{
		ResourceID: t.resourceID,
		Escrow:     escrow,
		Asset:      t.asset,
		Amounts:    t.amounts,
		Receivers:  t.receivers,
	}.Hash())
	if t.lockID != expectedLock {
		return Settlement{}, domain.NewError(domain.CodeLockConditionNotFulfilled,
			fmt.Sprintf("escrow: lock condition %s does not match the payment this escrow guards", t.lockID))
	}
	lockState, err := b.deps.Conditions.State(ctx, tx, t.lockID)
	if err != nil {
		return Settlement{}, err
	}
	if lockState != domain.ConditionFulfilled {
		return Settlement{}, domain.NewError(domain.CodeLockConditionNotFulfilled,
			fmt.Sprintf("escrow: lock condition %s is %s", t.lockID, lockState))
	}

	lock, err := tx.Locks().Get(ctx, t.lockID)
	if err != nil {
		return Settlement{}, fmt.Errorf("escrow: load lock: %w", err)
	}
	if lock.Released {
		return Settlement{}, domain.NewError(domain.CodeLockAlreadyReleased,
			fmt.Sprintf("escrow: lock %s already released", t.lockID))
	}
	if lock.Escrow != escrow || lock.Asset != t.asset || lock.Amount.Cmp(total) != 0 {
		return Settlement{}, domain.NewError(domain.CodeInvalidArgument,
			fmt.Sprintf("escrow: lock holds %s %s in %s, release asks %s %s from %s",
				lock.Amount, lock.Asset, lock.Escrow, total, t.asset, escrow))
	}

	outcome, err := resolve(ctx, b, tx, t.releaseIDs)
	if err != nil {
		return Settlement{}, err
	}

	s := Settlement{Outcome: outcome}
	switch outcome {
	case OutcomeReleased:
		for i, r := range t.receivers {
			if r.IsZero() || r == escrow {
				return Settlement{}, domain.NewError(domain.CodeInvalidReceiver,
					fmt.Sprintf("escrow: receiver %d (%q) is not payable", i, r))
			}
		}
		for i, r := range t.receivers {
			if err := b.deps.Vault.TransferFungible(ctx, tx, t.asset, escrow, r, t.amounts[i]); err != nil {
				return Settlement{}, fmt.Errorf("escrow: pay receiver %d: %w", i, err)
			}
		}
		s.Receivers = t.receivers
		s.Amounts = t.amounts
	case OutcomeRefunded:
		if err := b.deps.Vault.TransferFungible(ctx, tx, t.asset, escrow, lock.Payer, total); err != nil {
			return Settlement{}, fmt.Errorf("escrow: refund payer: %w", err)
		}
		s.Receivers = []domain.Address{lock.Payer}
		s.Amounts = []*big.Int{total}
	}

	lock.Released = true
	lock.ReleasedBy = caller
	lock.ReleasedAt = b.now()
	if err := tx.Locks().Update(ctx, lock); err != nil {
		return Settlement{}, fmt.Errorf("escrow: mark lock released: %w", err)
	}

	payload := map[string]any{
		"outcome":   string(outcome),
		"asset":     t.asset.String(),
		"lock_id":   t.lockID.Hex(),
		"receivers": stringsOf(s.Receivers),
		"amounts":   amountStrings(s.Amounts),
	}
	c, err := b.fulfill(ctx, tx, agreementID, id, caller, payload)
	if err != nil {
		return Settlement{}, err
	}
	s.Condition = c

	eventType, topic := domain.EventEscrowReleased, domain.TopicEscrowReleased
	if outcome == OutcomeRefunded {
		eventType, topic = domain.EventEscrowRefunded, domain.TopicEscrowRefunded
	}
	if err := b.timeline.Record(ctx, tx, domain.Event{
		Type:        eventType,
		AgreementID: agreementID,
		ConditionID: id,
		Actor:       caller,
		Payload:     payload,
	}, topic); err != nil {
		return Settlement{}, err
	}

	observability.RecordEscrowSettlement(string(outcome))
	b.logger.Info().
		Str("agreement_id", agreementID.Hex()).
		Str("condition_id", id.Hex()).
		Str("outcome", string(outcome)).
		Str("amount", total.String()).
		Msg("escrow_" + string(outcome))
	return s, nil
}

// resolve applies the release rule: any Aborted refunds, all Fulfilled
// releases, anything else is not yet resolved.
func resolve(ctx context.Context, b base, tx domain.Tx, releaseIDs []domain.Hash) (Outcome, error) {
	fulfilled := 0
	for _, rid := range releaseIDs {
		c, err := b.deps.Conditions.Get(ctx, tx, rid)
		if err != nil {
			return "", fmt.Errorf("escrow: load release condition: %w", err)
		}
		switch c.State {
		case domain.ConditionAborted:
			return OutcomeRefunded, nil
		case domain.ConditionFulfilled:
			fulfilled++
		}
	}
	if fulfilled == len(releaseIDs) {
		return OutcomeReleased, nil
	}
	return "", domain.NewError(domain.CodeReleaseConditionNotYetResolved,
		fmt.Sprintf("escrow: %d of %d release conditions fulfilled", fulfilled, len(releaseIDs)))
}
