package conditions

import (
	"context"
	"fmt"
	"math/big"

	"escrowflow/domain"
)

// LockNFTParams lock units of the resource's NFT into LockAddress.
type LockNFTParams struct {
	ResourceID  domain.Hash    `json:"resource_id"`
	LockAddress domain.Address `json:"lock_address"`
	Amount      *big.Int       `json:"amount"`
	NFTContract domain.Address `json:"nft_contract"`
}

func (p LockNFTParams) Hash() domain.Hash {
	return domain.HashValues(string(KindLockNFT), p.ResourceID, p.LockAddress, p.Amount, p.NFTContract)
}

func (p LockNFTParams) Resource() domain.Hash { return p.ResourceID }

// LockNFT moves NFT units from the caller into a lock address.
type LockNFT struct {
	base
}

func NewLockNFT(deps *Deps) *LockNFT {
	return &LockNFT{base: newBase(KindLockNFT, deps)}
}

func (l *LockNFT) Fulfill(ctx context.Context, caller domain.Address, agreementID domain.Hash, p LockNFTParams) (domain.Condition, error) {
	var c domain.Condition
	err := l.inTx(ctx, func(tx domain.Tx) error {
		var err error
		c, err = l.FulfillTx(ctx, tx, caller, agreementID, p)
		return err
	})
	return c, err
}

func (l *LockNFT) FulfillTx(ctx context.Context, tx domain.Tx, caller domain.Address, agreementID domain.Hash, p LockNFTParams) (domain.Condition, error) {
	if p.LockAddress.IsZero() {
		return domain.Condition{}, domain.NewError(domain.CodeInvalidReceiver, "lock nft: lock address required")
	}
	if p.Amount == nil || p.Amount.Sign() <= 0 {
		return domain.Condition{}, domain.NewError(domain.CodeInvalidArgument, "lock nft: amount must be positive")
	}
	id := l.GenerateID(agreementID, p.Hash())
	if err := l.forAgreement(ctx, tx, agreementID, p.ResourceID); err != nil {
		return domain.Condition{}, err
	}
	if cur, err := l.expectUnfulfilled(ctx, tx, agreementID, id); err != nil || expired(cur) {
		return cur, err
	}
	if err := l.deps.Vault.TransferNFT(ctx, tx, p.NFTContract, p.ResourceID, caller, p.LockAddress, p.Amount); err != nil {
		return domain.Condition{}, err
	}
	return l.fulfill(ctx, tx, agreementID, id, caller, map[string]any{
		"nft_contract": p.NFTContract.String(),
		"lock_address": p.LockAddress.String(),
		"amount":       p.Amount.String(),
	})
}

// TransferNFTParams hand NFT units from Holder to Receiver once the
// referenced lock payment is in escrow.
type TransferNFTParams struct {
	ResourceID      domain.Hash    `json:"resource_id"`
	Holder          domain.Address `json:"holder"`
	Receiver        domain.Address `json:"receiver"`
	Amount          *big.Int       `json:"amount"`
	LockConditionID domain.Hash    `json:"lock_condition_id"`
	NFTContract     domain.Address `json:"nft_contract"`
}

func (p TransferNFTParams) Hash() domain.Hash {
	return domain.HashValues(string(KindTransferNFT), p.ResourceID, p.Holder, p.Receiver, p.Amount, p.LockConditionID, p.NFTContract)
}

func (p TransferNFTParams) Resource() domain.Hash { return p.ResourceID }

// TransferNFT delivers the asset to the buyer. It refuses to run until the
// agreement's lock payment condition is Fulfilled.
type TransferNFT struct {
	base
}

func NewTransferNFT(deps *Deps) *TransferNFT {
	return &TransferNFT{base: newBase(KindTransferNFT, deps)}
}

func (t *TransferNFT) Fulfill(ctx context.Context, caller domain.Address, agreementID domain.Hash, p TransferNFTParams) (domain.Condition, error) {
	var c domain.Condition
	err := t.inTx(ctx, func(tx domain.Tx) error {
		var err error
		c, err = t.FulfillTx(ctx, tx, caller, agreementID, p)
		return err
	})
	return c, err
}

// FulfillTx transfers from Holder. The caller must be the holder or an
// operator the holder approved for the NFT contract.
func (t *TransferNFT) FulfillTx(ctx context.Context, tx domain.Tx, caller domain.Address, agreementID domain.Hash, p TransferNFTParams) (domain.Condition, error) {
	if p.Receiver.IsZero() {
		return domain.Condition{}, domain.NewError(domain.CodeInvalidReceiver, "transfer nft: receiver required")
	}
	if p.Amount == nil || p.Amount.Sign() <= 0 {
		return domain.Condition{}, domain.NewError(domain.CodeInvalidArgument, "transfer nft: amount must be positive")
	}
	id := t.GenerateID(agreementID, p.Hash())
	if err := t.forAgreement(ctx, tx, agreementID, p.ResourceID); err != nil {
		return domain.Condition{}, err
	}
	if cur, err := t.expectUnfulfilled(ctx, tx, agreementID, id); err != nil || expired(cur) {
		return cur, err
	}

	if caller != p.Holder {
		ok, err := t.deps.Vault.IsApprovedForAll(ctx, tx, p.NFTContract, p.Holder, caller)
		if err != nil {
			return domain.Condition{}, err
		}
		if !ok {
			return domain.Condition{}, domain.NewError(domain.CodeUnauthorized,
				fmt.Sprintf("transfer nft: %s is not an approved operator for %s", caller, p.Holder))
		}
	}

	if err := lockFulfilledInAgreement(ctx, t.base, tx, agreementID, p.LockConditionID); err != nil {
		return domain.Condition{}, err
	}

	if err := t.deps.Vault.TransferNFT(ctx, tx, p.NFTContract, p.ResourceID, p.Holder, p.Receiver, p.Amount); err != nil {
		return domain.Condition{}, err
	}
	return t.fulfill(ctx, tx, agreementID, id, caller, map[string]any{
		"nft_contract": p.NFTContract.String(),
		"holder":       p.Holder.String(),
		"receiver":     p.Receiver.String(),
		"amount":       p.Amount.String(),
	})
}

// lockFulfilledInAgreement requires lockID to be one of the agreement's own
// conditions and Fulfilled.
func lockFulfilledInAgreement(ctx context.Context, b base, tx domain.Tx, agreementID, lockID domain.Hash) error {
	a, err := b.deps.Agreements.Get(ctx, tx, agreementID)
	if err != nil {
		return err
	}
	member := false
	for _, cid := range a.ConditionIDs {
		if cid == lockID {
			member = true
			break
		}
	}
	if !member {
		return domain.NewError(domain.CodeLockConditionNotFulfilled,
			fmt.Sprintf("lock condition %s is not part of agreement %s", lockID, agreementID))
	}
	state, err := b.deps.Conditions.State(ctx, tx, lockID)
	if err != nil {
		return err
	}
	if state != domain.ConditionFulfilled {
		return domain.NewError(domain.CodeLockConditionNotFulfilled,
			fmt.Sprintf("lock condition %s is %s", lockID, state))
	}
	return nil
}

// NFTHolderParams assert Holder owns at least Amount units.
type NFTHolderParams struct {
	ResourceID  domain.Hash    `json:"resource_id"`
	Holder      domain.Address `json:"holder"`
	Amount      *big.Int       `json:"amount"`
	NFTContract domain.Address `json:"nft_contract"`
}

func (p NFTHolderParams) Hash() domain.Hash {
	return domain.HashValues(string(KindNFTHolder), p.ResourceID, p.Holder, p.Amount, p.NFTContract)
}

func (p NFTHolderParams) Resource() domain.Hash { return p.ResourceID }

// NFTHolder fulfills when the holder's balance covers the amount. Anyone may
// submit the proof.
type NFTHolder struct {
	base
}

func NewNFTHolder(deps *Deps) *NFTHolder {
	return &NFTHolder{base: newBase(KindNFTHolder, deps)}
}

func (h *NFTHolder) Fulfill(ctx context.Context, caller domain.Address, agreementID domain.Hash, p NFTHolderParams) (domain.Condition, error) {
	var c domain.Condition
	err := h.inTx(ctx, func(tx domain.Tx) error {
		var err error
		c, err = h.FulfillTx(ctx, tx, caller, agreementID, p)
		return err
	})
	return c, err
}

func (h *NFTHolder) FulfillTx(ctx context.Context, tx domain.Tx, caller domain.Address, agreementID domain.Hash, p NFTHolderParams) (domain.Condition, error) {
	if p.Amount == nil || p.Amount.Sign() < 0 {
		return domain.Condition{}, domain.NewError(domain.CodeInvalidArgument, "nft holder: amount must not be negative")
	}
	id := h.GenerateID(agreementID, p.Hash())
	if err := h.forAgreement(ctx, tx, agreementID, p.ResourceID); err != nil {
		return domain.Condition{}, err
	}
	if cur, err := h.expectUnfulfilled(ctx, tx, agreementID, id); err != nil || expired(cur) {
		return cur, err
	}
	balance, err := h.deps.Vault.NFTBalanceOf(ctx, tx, p.NFTContract, p.ResourceID, p.Holder)
	if err != nil {
		return domain.Condition{}, fmt.Errorf("nft holder: read balance: %w", err)
	}
	if balance.Cmp(p.Amount) < 0 {
		return domain.Condition{}, domain.NewError(domain.CodeInsufficientBalance,
			fmt.Sprintf("nft holder: %s holds %s, needs %s", p.Holder, balance, p.Amount))
	}
	return h.fulfill(ctx, tx, agreementID, id, caller, map[string]any{
		"holder": p.Holder.String(),
		"amount": p.Amount.String(),
	})
}
