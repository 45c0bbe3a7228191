package conditions

import (
	"context"
	"encoding/json"
	"fmt"

	"escrowflow/domain"
)

// Params is any kind's typed parameter set. Resource names the resource the
// parameters act on; it must be the agreement's resource.
type Params interface {
	Hash() domain.Hash
	Resource() domain.Hash
}

// Set is every condition kind wired to the same collaborators.
type Set struct {
	LockPayment        *LockPayment
	LockNFT            *LockNFT
	TransferNFT        *TransferNFT
	Access             *Access
	ComputeExecution   *ComputeExecution
	NFTHolder          *NFTHolder
	EscrowPayment      *EscrowPayment
	MultiEscrowPayment *MultiEscrowPayment
}

// NewSet builds every kind. Lock payments may only target the escrow kinds'
// accounts.
func NewSet(deps *Deps) *Set {
	return &Set{
		LockPayment:        NewLockPayment(deps, KindEscrowPayment.Address(), KindMultiEscrowPayment.Address()),
		LockNFT:            NewLockNFT(deps),
		TransferNFT:        NewTransferNFT(deps),
		Access:             NewAccess(deps),
		ComputeExecution:   NewComputeExecution(deps),
		NFTHolder:          NewNFTHolder(deps),
		EscrowPayment:      NewEscrowPayment(deps),
		MultiEscrowPayment: NewMultiEscrowPayment(deps),
	}
}

// ParseKind validates a kind name.
func ParseKind(name string) (Kind, error) {
	for _, k := range Kinds {
		if string(k) == name {
			return k, nil
		}
	}
	return "", domain.NewError(domain.CodeInvalidArgument, fmt.Sprintf("unknown condition kind %q", name))
}

// IsEscrowAccount reports whether addr is an escrow kind's custody account.
func IsEscrowAccount(addr domain.Address) bool {
	return addr == KindEscrowPayment.Address() || addr == KindMultiEscrowPayment.Address()
}

// IsConditionPrincipal reports whether addr belongs to a condition kind.
func IsConditionPrincipal(addr domain.Address) bool {
	for _, k := range Kinds {
		if k.Address() == addr {
			return true
		}
	}
	return false
}

// DecodeParams decodes raw JSON into the typed parameters of kind.
func DecodeParams(kind Kind, raw json.RawMessage) (Params, error) {
	switch kind {
	case KindLockPayment:
		return decodeAs[LockPaymentParams](kind, raw)
	case KindLockNFT:
		return decodeAs[LockNFTParams](kind, raw)
	case KindTransferNFT:
		return decodeAs[TransferNFTParams](kind, raw)
	case KindAccess:
		return decodeAs[AccessParams](kind, raw)
	case KindComputeExecution:
		return decodeAs[ComputeParams](kind, raw)
	case KindNFTHolder:
		return decodeAs[NFTHolderParams](kind, raw)
	case KindEscrowPayment:
		return decodeAs[EscrowParams](kind, raw)
	case KindMultiEscrowPayment:
		return decodeAs[MultiEscrowParams](kind, raw)
	default:
		return nil, domain.NewError(domain.CodeInvalidArgument, fmt.Sprintf("unknown condition kind %q", kind))
	}
}

func decodeAs[T Params](kind Kind, raw json.RawMessage) (Params, error) {
	var v T
	if err := json.Unmarshal(raw, &v); err != nil {
		return nil, domain.WrapError(domain.CodeInvalidArgument, fmt.Sprintf("decode %s params", kind), err)
	}
	return v, nil
}

// KindOf returns the kind a parameter set belongs to.
func KindOf(p Params) (Kind, bool) {
	switch p.(type) {
	case LockPaymentParams:
		return KindLockPayment, true
	case LockNFTParams:
		return KindLockNFT, true
	case TransferNFTParams:
		return KindTransferNFT, true
	case AccessParams:
		return KindAccess, true
	case ComputeParams:
		return KindComputeExecution, true
	case NFTHolderParams:
		return KindNFTHolder, true
	case EscrowParams:
		return KindEscrowPayment, true
	case MultiEscrowParams:
		return KindMultiEscrowPayment, true
	default:
		return "", false
	}
}

// Result is what a fulfillment produced. Expired reports that the condition
// had passed its time out and was aborted instead of fulfilled.
type Result struct {
	Condition  domain.Condition
	Settlement *Settlement
	Expired    bool
}

// Fulfill dispatches typed parameters to their kind in its own transaction.
func (s *Set) Fulfill(ctx context.Context, caller domain.Address, agreementID domain.Hash, params Params) (Result, error) {
	var res Result
	err := domain.InTx(ctx, s.LockPayment.deps.Store, func(tx domain.Tx) error {
		var err error
		res, err = s.FulfillTx(ctx, tx, caller, agreementID, params)
		return err
	})
	return res, err
}

// FulfillTx dispatches typed parameters to their kind inside tx.
func (s *Set) FulfillTx(ctx context.Context, tx domain.Tx, caller domain.Address, agreementID domain.Hash, params Params) (Result, error) {
	var (
		c   domain.Condition
		err error
	)
	switch p := params.(type) {
	case LockPaymentParams:
		c, err = s.LockPayment.FulfillTx(ctx, tx, caller, agreementID, p)
	case LockNFTParams:
		c, err = s.LockNFT.FulfillTx(ctx, tx, caller, agreementID, p)
	case TransferNFTParams:
		c, err = s.TransferNFT.FulfillTx(ctx, tx, caller, agreementID, p)
	case AccessParams:
		c, err = s.Access.FulfillTx(ctx, tx, caller, agreementID, p)
	case ComputeParams:
		c, err = s.ComputeExecution.FulfillTx(ctx, tx, caller, agreementID, p)
	case NFTHolderParams:
		c, err = s.NFTHolder.FulfillTx(ctx, tx, caller, agreementID, p)
	case EscrowParams:
		st, err := s.EscrowPayment.FulfillTx(ctx, tx, caller, agreementID, p)
		if err != nil {
			return Result{}, err
		}
		return settled(st), nil
	case MultiEscrowParams:
		st, err := s.MultiEscrowPayment.FulfillTx(ctx, tx, caller, agreementID, p)
		if err != nil {
			return Result{}, err
		}
		return settled(st), nil
	default:
		return Result{}, domain.NewError(domain.CodeInvalidArgument, fmt.Sprintf("unsupported params %T", params))
	}
	if err != nil {
		return Result{}, err
	}
	return Result{Condition: c, Expired: expired(c)}, nil
}

func settled(st Settlement) Result {
	if expired(st.Condition) {
		return Result{Condition: st.Condition, Expired: true}
	}
	return Result{Condition: st.Condition, Settlement: &st}
}
