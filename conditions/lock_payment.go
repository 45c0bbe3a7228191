package conditions

import (
	"context"
	"fmt"
	"math/big"

	"escrowflow/domain"
)

// LockPaymentParams are the typed parameters of a lock payment condition.
type LockPaymentParams struct {
	ResourceID domain.Hash      `json:"resource_id"`
	Escrow     domain.Address   `json:"escrow"`
	Asset      domain.Address   `json:"asset"`
	Amounts    []*big.Int       `json:"amounts"`
	Receivers  []domain.Address `json:"receivers"`
}

// Hash digests the parameters.
func (p LockPaymentParams) Hash() domain.Hash {
	return domain.HashValues(string(KindLockPayment), p.ResourceID, p.Escrow, p.Asset, p.Amounts, p.Receivers)
}

func (p LockPaymentParams) Resource() domain.Hash { return p.ResourceID }

// LockPayment moves the summed amounts from the payer into an escrow
// account and records the lock for later release or refund.
type LockPayment struct {
	base
	escrows map[domain.Address]bool
}

// NewLockPayment accepts locks only into the given escrow accounts.
func NewLockPayment(deps *Deps, escrows ...domain.Address) *LockPayment {
	allowed := make(map[domain.Address]bool, len(escrows))
	for _, e := range escrows {
		allowed[e] = true
	}
	return &LockPayment{base: newBase(KindLockPayment, deps), escrows: allowed}
}

// Fulfill locks the payment in its own transaction.
func (l *LockPayment) Fulfill(ctx context.Context, payer domain.Address, agreementID domain.Hash, p LockPaymentParams) (domain.Condition, error) {
	var c domain.Condition
	err := l.inTx(ctx, func(tx domain.Tx) error {
		var err error
		c, err = l.FulfillTx(ctx, tx, payer, agreementID, p)
		return err
	})
	return c, err
}

// FulfillTx locks the payment inside tx. The caller is the payer.
func (l *LockPayment) FulfillTx(ctx context.Context, tx domain.Tx, payer domain.Address, agreementID domain.Hash, p LockPaymentParams) (domain.Condition, error) {
	if len(p.Amounts) != len(p.Receivers) {
		return domain.Condition{}, domain.NewError(domain.CodeArgumentLengthMismatch,
			fmt.Sprintf("lock payment: %d amounts for %d receivers", len(p.Amounts), len(p.Receivers)))
	}
	if !l.escrows[p.Escrow] {
		return domain.Condition{}, domain.NewError(domain.CodeInvalidReceiver,
			fmt.Sprintf("lock payment: %s is not an escrow account", p.Escrow))
	}
	if p.Asset.IsZero() {
		return domain.Condition{}, domain.NewError(domain.CodeInvalidArgument, "lock payment: asset required")
	}
	total, err := sum(p.Amounts)
	if err != nil {
		return domain.Condition{}, err
	}

	id := l.GenerateID(agreementID, p.Hash())
	if err := l.forAgreement(ctx, tx, agreementID, p.ResourceID); err != nil {
		return domain.Condition{}, err
	}
	if cur, err := l.expectUnfulfilled(ctx, tx, agreementID, id); err != nil || expired(cur) {
		return cur, err
	}

	ok, err := l.deps.Royalty.Check(ctx, tx, p.ResourceID, p.Amounts, p.Receivers)
	if err != nil {
		return domain.Condition{}, fmt.Errorf("lock payment: royalty check: %w", err)
	}
	if !ok {
		return domain.Condition{}, domain.NewError(domain.CodeRoyaltiesNotSatisfied,
			fmt.Sprintf("lock payment: split for %s does not honour royalties", p.ResourceID))
	}

	if err := l.deps.Vault.TransferFungible(ctx, tx, p.Asset, payer, p.Escrow, total); err != nil {
		return domain.Condition{}, err
	}
	if err := tx.Locks().Insert(ctx, domain.Lock{
		ConditionID: id,
		AgreementID: agreementID,
		Escrow:      p.Escrow,
		Asset:       p.Asset,
		Payer:       payer,
		Amount:      total,
	}); err != nil {
		return domain.Condition{}, fmt.Errorf("lock payment: record lock: %w", err)
	}

	return l.fulfill(ctx, tx, agreementID, id, payer, map[string]any{
		"asset":  p.Asset.String(),
		"escrow": p.Escrow.String(),
		"amount": total.String(),
	})
}
