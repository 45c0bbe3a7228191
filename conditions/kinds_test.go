package conditions

import (
	"encoding/json"
	"errors"
	"math/big"
	"testing"

	"escrowflow/domain"
)

func TestLockPaymentValidation(t *testing.T) {
	h := newHarness(t)
	h.approveTemplate(accessTemplate, KindLockPayment, KindAccess, KindEscrowPayment)
	res := h.register("dataset", 0)
	h.mint(buyer, 5)
	d := newAccessDeal(t, h, "deal-short", res, []int64{10}, []domain.Address{seller})

	t.Run("insufficient balance leaves everything untouched", func(t *testing.T) {
		if _, err := h.set.LockPayment.Fulfill(h.ctx, buyer, d.agreement.ID, d.lock); !errors.Is(err, domain.ErrInsufficientBalance) {
			t.Fatalf("expected ErrInsufficientBalance, got %v", err)
		}
		if h.balance(buyer) != 5 || h.state(d.lockID) != domain.ConditionUnfulfilled {
			t.Fatalf("failed lock must not move funds or state")
		}
		h.assertConserved()
	})

	t.Run("escrow must be an escrow account", func(t *testing.T) {
		p := d.lock
		p.Escrow = seller
		if _, err := h.set.LockPayment.Fulfill(h.ctx, buyer, d.agreement.ID, p); !errors.Is(err, domain.ErrInvalidReceiver) {
			t.Fatalf("expected ErrInvalidReceiver, got %v", err)
		}
	})

	t.Run("length mismatch", func(t *testing.T) {
		p := d.lock
		p.Receivers = []domain.Address{seller, "other"}
		if _, err := h.set.LockPayment.Fulfill(h.ctx, buyer, d.agreement.ID, p); !errors.Is(err, domain.ErrArgumentLengthMismatch) {
			t.Fatalf("expected ErrArgumentLengthMismatch, got %v", err)
		}
	})

	t.Run("negative amount", func(t *testing.T) {
		p := d.lock
		p.Amounts = ints(-1)
		if _, err := h.set.LockPayment.Fulfill(h.ctx, buyer, d.agreement.ID, p); !errors.Is(err, domain.ErrInvalidArgument) {
			t.Fatalf("expected ErrInvalidArgument, got %v", err)
		}
	})

	t.Run("parameters outside the agreement", func(t *testing.T) {
		p := d.lock
		p.Amounts = ints(1)
		if _, err := h.set.LockPayment.Fulfill(h.ctx, buyer, d.agreement.ID, p); !errors.Is(err, domain.ErrNotFound) {
			t.Fatalf("expected ErrNotFound, got %v", err)
		}
	})
}

func TestLockPaymentHonoursRoyalties(t *testing.T) {
	h := newHarness(t)
	h.approveTemplate(accessTemplate, KindLockPayment, KindAccess, KindEscrowPayment)
	res := h.register("art", 100_000)
	h.mint(buyer, 20)

	skipped := newAccessDeal(t, h, "no-royalty", res, []int64{10}, []domain.Address{"broker"})
	if _, err := h.set.LockPayment.Fulfill(h.ctx, buyer, skipped.agreement.ID, skipped.lock); !errors.Is(err, domain.ErrRoyaltiesNotSatisfied) {
		t.Fatalf("expected ErrRoyaltiesNotSatisfied, got %v", err)
	}
	if h.balance(buyer) != 20 {
		t.Fatalf("rejected lock moved funds")
	}

	honoured := newAccessDeal(t, h, "royalty", res, []int64{1, 9}, []domain.Address{seller, "broker"})
	if _, err := h.set.LockPayment.Fulfill(h.ctx, buyer, honoured.agreement.ID, honoured.lock); err != nil {
		t.Fatalf("lock with royalty: %v", err)
	}
	if h.balance(buyer) != 10 {
		t.Fatalf("expected 10 locked, buyer has %d", h.balance(buyer))
	}
	h.assertConserved()
}

func TestAccessRequiresOwnerOrProvider(t *testing.T) {
	h := newHarness(t)
	h.approveTemplate(accessTemplate, KindLockPayment, KindAccess, KindEscrowPayment)
	res := h.register("dataset", 0)
	d := newAccessDeal(t, h, "deal-access", res, []int64{10}, []domain.Address{seller})

	if _, err := h.set.Access.Fulfill(h.ctx, "stranger", d.agreement.ID, d.access); !errors.Is(err, domain.ErrUnauthorized) {
		t.Fatalf("expected ErrUnauthorized, got %v", err)
	}
	ok, err := h.set.Access.CheckPermissions(h.ctx, buyer, res)
	if err != nil || ok {
		t.Fatalf("no permission expected yet, got %v %v", ok, err)
	}

	h.must(func(tx domain.Tx) error {
		return h.resources.AddProvider(h.ctx, tx, seller, res, "gateway")
	})
	if _, err := h.set.Access.Fulfill(h.ctx, "gateway", d.agreement.ID, d.access); err != nil {
		t.Fatalf("provider access: %v", err)
	}
	if _, err := h.set.Access.Fulfill(h.ctx, "gateway", d.agreement.ID, d.access); !errors.Is(err, domain.ErrInvalidTransition) {
		t.Fatalf("second grant: expected ErrInvalidTransition, got %v", err)
	}
}

func TestTimeLockDefersFulfillment(t *testing.T) {
	h := newHarness(t)
	h.approveTemplate(accessTemplate, KindLockPayment, KindAccess, KindEscrowPayment)
	res := h.register("dataset", 0)

	lock := LockPaymentParams{ResourceID: res, Escrow: KindEscrowPayment.Address(), Asset: asset, Amounts: ints(1), Receivers: []domain.Address{seller}}
	access := AccessParams{ResourceID: res, Grantee: buyer}
	escrow := EscrowParams{ResourceID: res, Amounts: lock.Amounts, Receivers: lock.Receivers, Payer: buyer, Asset: asset}
	a, err := h.create(accessTemplate, "later", buyer, res,
		step{params: lock},
		step{params: access, timeLock: 10, timeOut: 20},
		step{params: escrow},
	)
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if _, err := h.set.Access.Fulfill(h.ctx, seller, a.ID, access); !errors.Is(err, domain.ErrInvalidTransition) {
		t.Fatalf("expected time locked, got %v", err)
	}
	h.clock.Advance(10)
	if _, err := h.set.Access.Fulfill(h.ctx, seller, a.ID, access); err != nil {
		t.Fatalf("access after time lock: %v", err)
	}
}

const nftTemplate domain.Address = "template:nft-sales"

func TestNFTSaleDeliversOnlyAfterPayment(t *testing.T) {
	h := newHarness(t)
	h.approveTemplate(nftTemplate, KindLockPayment, KindTransferNFT, KindEscrowPayment)
	res := h.register("edition", 0)
	h.mint(buyer, 7)
	h.must(func(tx domain.Tx) error {
		return h.vault.MintNFT(h.ctx, tx, nftToken, res, seller, big.NewInt(5))
	})

	agreementID := domain.AgreementID(domain.HashValues("sale"), buyer)
	lock := LockPaymentParams{ResourceID: res, Escrow: KindEscrowPayment.Address(), Asset: asset, Amounts: ints(7), Receivers: []domain.Address{seller}}
	lockID := domain.ConditionID(agreementID, lock.Hash())
	transfer := TransferNFTParams{
		ResourceID:      res,
		Holder:          seller,
		Receiver:        buyer,
		Amount:          big.NewInt(1),
		LockConditionID: lockID,
		NFTContract:     nftToken,
	}
	escrow := EscrowParams{
		ResourceID:         res,
		Amounts:            lock.Amounts,
		Receivers:          lock.Receivers,
		Payer:              buyer,
		Asset:              asset,
		LockConditionID:    lockID,
		ReleaseConditionID: domain.ConditionID(agreementID, transfer.Hash()),
	}
	a, err := h.create(nftTemplate, "sale", buyer, res, step{params: lock}, step{params: transfer}, step{params: escrow})
	if err != nil {
		t.Fatalf("create: %v", err)
	}

	if _, err := h.set.Fulfill(h.ctx, seller, a.ID, transfer); !errors.Is(err, domain.ErrLockConditionNotFulfilled) {
		t.Fatalf("expected ErrLockConditionNotFulfilled before payment, got %v", err)
	}
	if _, err := h.set.Fulfill(h.ctx, buyer, a.ID, lock); err != nil {
		t.Fatalf("lock: %v", err)
	}
	if _, err := h.set.Fulfill(h.ctx, "stranger", a.ID, transfer); !errors.Is(err, domain.ErrUnauthorized) {
		t.Fatalf("expected ErrUnauthorized, got %v", err)
	}
	if _, err := h.set.Fulfill(h.ctx, seller, a.ID, transfer); err != nil {
		t.Fatalf("transfer: %v", err)
	}

	h.must(func(tx domain.Tx) error {
		got, err := h.vault.NFTBalanceOf(h.ctx, tx, nftToken, res, buyer)
		if err != nil {
			return err
		}
		if got.Int64() != 1 {
			t.Fatalf("buyer holds %s units, want 1", got)
		}
		return nil
	})

	r, err := h.set.Fulfill(h.ctx, seller, a.ID, escrow)
	if err != nil {
		t.Fatalf("escrow: %v", err)
	}
	if r.Settlement == nil || r.Settlement.Outcome != OutcomeReleased {
		t.Fatalf("expected release settlement, got %+v", r)
	}
	if h.balance(seller) != 7 {
		t.Fatalf("seller paid %d, want 7", h.balance(seller))
	}
	h.assertConserved()
}

func TestTransferNFTRejectsForeignLock(t *testing.T) {
	h := newHarness(t)
	h.approveTemplate(nftTemplate, KindLockPayment, KindTransferNFT, KindEscrowPayment)
	res := h.register("edition", 0)
	h.mint(buyer, 3)

	paid := domain.AgreementID(domain.HashValues("paid"), buyer)
	lock := LockPaymentParams{ResourceID: res, Escrow: KindEscrowPayment.Address(), Asset: asset, Amounts: ints(3), Receivers: []domain.Address{seller}}
	paidLockID := domain.ConditionID(paid, lock.Hash())
	if _, err := h.create(nftTemplate, "paid", buyer, res,
		step{params: lock},
		step{params: TransferNFTParams{ResourceID: res, Holder: seller, Receiver: buyer, Amount: big.NewInt(1), LockConditionID: paidLockID, NFTContract: nftToken}},
		step{params: EscrowParams{ResourceID: res, Payer: buyer}},
	); err != nil {
		t.Fatalf("create paid: %v", err)
	}
	if _, err := h.set.LockPayment.Fulfill(h.ctx, buyer, paid, lock); err != nil {
		t.Fatalf("lock: %v", err)
	}

	// A second agreement points its transfer at the first agreement's lock.
	freeTransfer := TransferNFTParams{ResourceID: res, Holder: seller, Receiver: "freeloader", Amount: big.NewInt(1), LockConditionID: paidLockID, NFTContract: nftToken}
	free, err := h.create(nftTemplate, "free", "freeloader", res,
		step{params: LockPaymentParams{ResourceID: res, Escrow: KindEscrowPayment.Address(), Asset: asset, Amounts: ints(0), Receivers: []domain.Address{seller}}},
		step{params: freeTransfer},
		step{params: EscrowParams{ResourceID: res, Payer: "freeloader"}},
	)
	if err != nil {
		t.Fatalf("create free: %v", err)
	}
	if _, err := h.set.TransferNFT.Fulfill(h.ctx, seller, free.ID, freeTransfer); !errors.Is(err, domain.ErrLockConditionNotFulfilled) {
		t.Fatalf("expected ErrLockConditionNotFulfilled, got %v", err)
	}
}

const holderTemplate domain.Address = "template:nft-access"

func TestLockNFTAndHolderProof(t *testing.T) {
	h := newHarness(t)
	h.approveTemplate(holderTemplate, KindLockNFT, KindNFTHolder)
	res := h.register("pass", 0)
	h.must(func(tx domain.Tx) error {
		return h.vault.MintNFT(h.ctx, tx, nftToken, res, seller, big.NewInt(3))
	})

	lock := LockNFTParams{ResourceID: res, LockAddress: "nft-vault", Amount: big.NewInt(2), NFTContract: nftToken}
	proof := NFTHolderParams{ResourceID: res, Holder: "nft-vault", Amount: big.NewInt(2), NFTContract: nftToken}
	a, err := h.create(holderTemplate, "pass-lock", seller, res, step{params: lock}, step{params: proof})
	if err != nil {
		t.Fatalf("create: %v", err)
	}

	if _, err := h.set.NFTHolder.Fulfill(h.ctx, "anyone", a.ID, proof); !errors.Is(err, domain.ErrInsufficientBalance) {
		t.Fatalf("expected ErrInsufficientBalance before lock, got %v", err)
	}
	if _, err := h.set.LockNFT.Fulfill(h.ctx, seller, a.ID, lock); err != nil {
		t.Fatalf("lock nft: %v", err)
	}
	c, err := h.set.NFTHolder.Fulfill(h.ctx, "anyone", a.ID, proof)
	if err != nil {
		t.Fatalf("holder proof: %v", err)
	}
	if c.State != domain.ConditionFulfilled || c.LastUpdatedBy != KindNFTHolder.Address() {
		t.Fatalf("unexpected condition %+v", c)
	}
	h.must(func(tx domain.Tx) error {
		left, err := h.vault.NFTBalanceOf(h.ctx, tx, nftToken, res, seller)
		if err != nil {
			return err
		}
		if left.Int64() != 1 {
			t.Fatalf("seller keeps %s units, want 1", left)
		}
		return nil
	})
}

func TestDecodeParams(t *testing.T) {
	res := domain.HashValues("res")
	raw, err := json.Marshal(AccessParams{ResourceID: res, Grantee: buyer})
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}

	p, err := DecodeParams(KindAccess, raw)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	got, ok := p.(AccessParams)
	if !ok || got.ResourceID != res || got.Grantee != buyer {
		t.Fatalf("unexpected params %#v", p)
	}
	if kind, ok := KindOf(p); !ok || kind != KindAccess {
		t.Fatalf("KindOf = %s %v", kind, ok)
	}

	lock, err := DecodeParams(KindLockPayment, json.RawMessage(`{"escrow":"condition:escrow_payment","asset":"usdc","amounts":[3,4],"receivers":["a","b"]}`))
	if err != nil {
		t.Fatalf("decode lock: %v", err)
	}
	if lp := lock.(LockPaymentParams); lp.Amounts[1].Int64() != 4 {
		t.Fatalf("unexpected amounts %v", lp.Amounts)
	}

	if _, err := DecodeParams("bogus", raw); !errors.Is(err, domain.ErrInvalidArgument) {
		t.Fatalf("unknown kind: expected ErrInvalidArgument, got %v", err)
	}
	if _, err := DecodeParams(KindAccess, json.RawMessage(`{"grantee":`)); !errors.Is(err, domain.ErrInvalidArgument) {
		t.Fatalf("bad json: expected ErrInvalidArgument, got %v", err)
	}
}

func TestKindHelpers(t *testing.T) {
	if k, err := ParseKind("multi_escrow_payment"); err != nil || k != KindMultiEscrowPayment {
		t.Fatalf("ParseKind = %s %v", k, err)
	}
	if _, err := ParseKind("escrow"); err == nil {
		t.Fatalf("expected unknown kind error")
	}
	if !IsEscrowAccount(KindEscrowPayment.Address()) || IsEscrowAccount(KindAccess.Address()) {
		t.Fatalf("escrow account detection wrong")
	}
	if !IsConditionPrincipal(KindAccess.Address()) || IsConditionPrincipal(seller) {
		t.Fatalf("principal detection wrong")
	}
}

func TestKindsRejectResourceOutsideAgreement(t *testing.T) {
	const mallory domain.Address = "mallory"
	h := newHarness(t)
	victimRes := h.register("victim-dataset", 0)
	ownRes := h.registerFor(mallory, "mallory-dataset", 0)
	h.must(func(tx domain.Tx) error {
		return h.vault.MintNFT(h.ctx, tx, nftToken, victimRes, mallory, big.NewInt(1))
	})

	tests := []struct {
		name   string
		kind   Kind
		params Params
	}{
		{"access", KindAccess, AccessParams{ResourceID: victimRes, Grantee: mallory}},
		{"compute", KindComputeExecution, ComputeParams{ResourceID: victimRes, Consumer: mallory}},
		{"nft holder", KindNFTHolder, NFTHolderParams{ResourceID: victimRes, Holder: mallory, Amount: big.NewInt(1), NFTContract: nftToken}},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			tpl := domain.Address("template:single-" + string(tc.kind))
			h.approveTemplate(tpl, tc.kind)
			a, err := h.create(tpl, "cross-"+tc.name, mallory, ownRes, step{params: tc.params})
			if err != nil {
				t.Fatalf("create: %v", err)
			}
			if _, err := h.set.Fulfill(h.ctx, mallory, a.ID, tc.params); !errors.Is(err, domain.ErrInvalidArgument) {
				t.Fatalf("expected ErrInvalidArgument, got %v", err)
			}
			if st := h.state(a.ConditionIDs[0]); st != domain.ConditionUnfulfilled {
				t.Fatalf("condition moved to %s", st)
			}
		})
	}

	granted, err := h.set.Access.CheckPermissions(h.ctx, mallory, victimRes)
	if err != nil || granted {
		t.Fatalf("mallory must not reach the victim resource, got %v %v", granted, err)
	}
	triggered, err := h.set.ComputeExecution.WasComputeTriggered(h.ctx, victimRes, mallory)
	if err != nil || triggered {
		t.Fatalf("no compute expected on the victim resource, got %v %v", triggered, err)
	}
}

func TestTransferNFTRequiresHolderConsent(t *testing.T) {
	h := newHarness(t)
	h.approveTemplate(nftTemplate, KindLockPayment, KindTransferNFT, KindEscrowPayment)
	res := h.register("edition", 0)
	h.mint(seller, 1)
	h.must(func(tx domain.Tx) error {
		return h.vault.MintNFT(h.ctx, tx, nftToken, res, buyer, big.NewInt(3))
	})

	// The resource owner pays itself and names the buyer's units.
	agreementID := domain.AgreementID(domain.HashValues("grab"), seller)
	lock := LockPaymentParams{ResourceID: res, Escrow: KindEscrowPayment.Address(), Asset: asset, Amounts: ints(1), Receivers: []domain.Address{seller}}
	transfer := TransferNFTParams{
		ResourceID:      res,
		Holder:          buyer,
		Receiver:        seller,
		Amount:          big.NewInt(3),
		LockConditionID: domain.ConditionID(agreementID, lock.Hash()),
		NFTContract:     nftToken,
	}
	a, err := h.create(nftTemplate, "grab", seller, res,
		step{params: lock},
		step{params: transfer},
		step{params: EscrowParams{ResourceID: res, Payer: seller}},
	)
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if _, err := h.set.LockPayment.Fulfill(h.ctx, seller, a.ID, lock); err != nil {
		t.Fatalf("lock: %v", err)
	}

	if _, err := h.set.TransferNFT.Fulfill(h.ctx, seller, a.ID, transfer); !errors.Is(err, domain.ErrUnauthorized) {
		t.Fatalf("expected ErrUnauthorized without approval, got %v", err)
	}
	if h.nftBalance(res, buyer) != 3 || h.nftBalance(res, seller) != 0 {
		t.Fatalf("units moved without the holder's consent")
	}

	h.must(func(tx domain.Tx) error {
		return h.vault.SetApprovalForAll(h.ctx, tx, "other-contract", buyer, seller, true)
	})
	if _, err := h.set.TransferNFT.Fulfill(h.ctx, seller, a.ID, transfer); !errors.Is(err, domain.ErrUnauthorized) {
		t.Fatalf("approval on another contract: expected ErrUnauthorized, got %v", err)
	}

	h.must(func(tx domain.Tx) error {
		return h.vault.SetApprovalForAll(h.ctx, tx, nftToken, buyer, seller, true)
	})
	if _, err := h.set.TransferNFT.Fulfill(h.ctx, seller, a.ID, transfer); err != nil {
		t.Fatalf("approved operator: %v", err)
	}
	if h.nftBalance(res, buyer) != 0 || h.nftBalance(res, seller) != 3 {
		t.Fatalf("expected 3 units delivered to the operator's receiver")
	}
}

func TestFulfillAfterTimeOutAborts(t *testing.T) {
	h := newHarness(t)
	h.approveTemplate(accessTemplate, KindLockPayment, KindAccess, KindEscrowPayment)
	res := h.register("dataset", 0)
	h.mint(buyer, 10)
	d := newAccessDeal(t, h, "late", res, []int64{10}, []domain.Address{seller})
	if _, err := h.set.LockPayment.Fulfill(h.ctx, buyer, d.agreement.ID, d.lock); err != nil {
		t.Fatalf("lock: %v", err)
	}

	h.clock.Advance(101)
	r, err := h.set.Fulfill(h.ctx, seller, d.agreement.ID, d.access)
	if err != nil {
		t.Fatalf("late access: %v", err)
	}
	if !r.Expired || r.Condition.State != domain.ConditionAborted || r.Condition.LastUpdatedBy != KindAccess.Address() {
		t.Fatalf("expected an expired abort, got %+v", r)
	}
	if h.state(d.accessID) != domain.ConditionAborted {
		t.Fatalf("abort must be committed")
	}
	granted, err := h.set.Access.CheckPermissions(h.ctx, buyer, res)
	if err != nil || granted {
		t.Fatalf("expired access must not grant, got %v %v", granted, err)
	}
	if _, err := h.set.Fulfill(h.ctx, seller, d.agreement.ID, d.access); !errors.Is(err, domain.ErrInvalidTransition) {
		t.Fatalf("second attempt: expected ErrInvalidTransition, got %v", err)
	}

	s, err := h.set.Fulfill(h.ctx, buyer, d.agreement.ID, d.escrow)
	if err != nil {
		t.Fatalf("escrow: %v", err)
	}
	if s.Expired || s.Settlement == nil || s.Settlement.Outcome != OutcomeRefunded {
		t.Fatalf("expected refund, got %+v", s)
	}
	if h.balance(buyer) != 10 {
		t.Fatalf("buyer refunded %d, want 10", h.balance(buyer))
	}
	h.assertConserved()
}

func TestCreateRejectsOverflowingTimeBounds(t *testing.T) {
	h := newHarness(t)
	h.approveTemplate(accessTemplate, KindLockPayment, KindAccess, KindEscrowPayment)
	res := h.register("dataset", 0)

	lock := LockPaymentParams{ResourceID: res, Escrow: KindEscrowPayment.Address(), Asset: asset, Amounts: ints(1), Receivers: []domain.Address{seller}}
	access := AccessParams{ResourceID: res, Grantee: buyer}
	escrow := EscrowParams{ResourceID: res, Amounts: lock.Amounts, Receivers: lock.Receivers, Payer: buyer, Asset: asset}
	for _, s := range []step{
		{params: access, timeLock: ^uint64(0)},
		{params: access, timeOut: ^uint64(0)},
	} {
		if _, err := h.create(accessTemplate, "forever", buyer, res, step{params: lock}, s, step{params: escrow}); !errors.Is(err, domain.ErrInvalidArgument) {
			t.Fatalf("expected ErrInvalidArgument, got %v", err)
		}
	}
	agreementID := domain.AgreementID(domain.HashValues("forever"), buyer)
	if h.state(domain.ConditionID(agreementID, lock.Hash())) != domain.ConditionUninitialized {
		t.Fatalf("a rejected agreement must leave no conditions behind")
	}
}
