package orchestrator

import (
	"math/big"

	"escrowflow/conditions"
	"escrowflow/domain"
)

// Deal describes a payment for a resource by Buyer.
type Deal struct {
	Seed       domain.Hash
	Buyer      domain.Address
	ResourceID domain.Hash
	Asset      domain.Address
	Amounts    []*big.Int
	Receivers  []domain.Address
	// ReleaseTimeOut bounds how long the provider has to serve the buyer.
	ReleaseTimeOut uint64
}

// AccessDeal fills the access pipeline: lock, grant access, settle.
func AccessDeal(d Deal) CreateParams {
	agreementID := domain.AgreementID(d.Seed, d.Buyer)
	lock := conditions.LockPaymentParams{
		ResourceID: d.ResourceID,
		Escrow:     conditions.KindEscrowPayment.Address(),
		Asset:      d.Asset,
		Amounts:    d.Amounts,
		Receivers:  d.Receivers,
	}
	access := conditions.AccessParams{ResourceID: d.ResourceID, Grantee: d.Buyer}
	escrow := conditions.EscrowParams{
		ResourceID:         d.ResourceID,
		Amounts:            d.Amounts,
		Receivers:          d.Receivers,
		Payer:              d.Buyer,
		Asset:              d.Asset,
		LockConditionID:    domain.ConditionID(agreementID, lock.Hash()),
		ReleaseConditionID: domain.ConditionID(agreementID, access.Hash()),
	}
	return CreateParams{
		Pipeline:   "access",
		Seed:       d.Seed,
		Creator:    d.Buyer,
		ResourceID: d.ResourceID,
		Steps: []Step{
			{Params: lock},
			{Params: access, TimeOut: d.ReleaseTimeOut},
			{Params: escrow},
		},
	}
}

// ComputeDeal fills the escrow_compute pipeline.
func ComputeDeal(d Deal) CreateParams {
	p := AccessDeal(d)
	agreementID := domain.AgreementID(d.Seed, d.Buyer)
	compute := conditions.ComputeParams{ResourceID: d.ResourceID, Consumer: d.Buyer}
	escrow := p.Steps[2].Params.(conditions.EscrowParams)
	escrow.ReleaseConditionID = domain.ConditionID(agreementID, compute.Hash())
	p.Pipeline = "escrow_compute"
	p.Steps[1].Params = compute
	p.Steps[2].Params = escrow
	return p
}
