package orchestrator

import (
	"context"
	"errors"
	"math/big"
	"testing"

	"escrowflow/agreement"
	"escrowflow/condition"
	"escrowflow/conditions"
	"escrowflow/custody"
	"escrowflow/domain"
	"escrowflow/resource"
	"escrowflow/royalty"
	"escrowflow/store/memstore"
	"escrowflow/template"

	"github.com/rs/zerolog"
)

const (
	governance domain.Address = "governance"
	seller     domain.Address = "seller"
	buyer      domain.Address = "buyer"
	usdc       domain.Address = "usdc"
)

type fixture struct {
	ctx       context.Context
	store     *memstore.Store
	clock     *domain.ManualClock
	templates *template.Registry
	vault     *custody.Vault
	set       *conditions.Set
	orch      *Orchestrator
	resource  domain.Hash
}

func newFixture(t *testing.T, pipelines ...Pipeline) *fixture {
	t.Helper()
	f := &fixture{ctx: context.Background(), store: memstore.New(), clock: domain.NewManualClock(500)}
	conds := condition.NewRegistry("owner", f.clock)
	f.templates = template.NewRegistry(governance, f.clock)
	resources := resource.NewRegistry(f.clock)
	agreements := agreement.NewRegistry("agreement-registry", conds, f.templates, resources)
	f.vault = custody.NewVault()
	f.set = conditions.NewSet(&conditions.Deps{
		Store:      f.store,
		Conditions: conds,
		Agreements: agreements,
		Resources:  resources,
		Vault:      f.vault,
		Royalty:    royalty.StandardChecker{},
		Logger:     zerolog.Nop(),
	})
	if len(pipelines) == 0 {
		pipelines = Builtins()
	}
	var err error
	f.orch, err = New(f.store, agreements, f.templates, f.set, pipelines...)
	if err != nil {
		t.Fatalf("new orchestrator: %v", err)
	}

	err = domain.InTx(f.ctx, f.store, func(tx domain.Tx) error {
		if err := conds.GrantCreateRole(f.ctx, tx, "owner", agreements.Address()); err != nil {
			return err
		}
		res, err := resources.Register(f.ctx, tx, resource.RegisterParams{Seed: domain.HashValues("song"), Owner: seller})
		f.resource = res.ID
		if err != nil {
			return err
		}
		return f.vault.Mint(f.ctx, tx, usdc, buyer, big.NewInt(100))
	})
	if err != nil {
		t.Fatalf("fixture: %v", err)
	}
	return f
}

func (f *fixture) accessParams(seed string, amount int64) CreateParams {
	return accessParamsFor(seed, f.resource, amount)
}

func accessParamsFor(seed string, resourceID domain.Hash, amount int64) CreateParams {
	agreementID := domain.AgreementID(domain.HashValues(seed), buyer)
	lock := conditions.LockPaymentParams{
		ResourceID: resourceID,
		Escrow:     conditions.KindEscrowPayment.Address(),
		Asset:      usdc,
		Amounts:    []*big.Int{big.NewInt(amount)},
		Receivers:  []domain.Address{seller},
	}
	access := conditions.AccessParams{ResourceID: resourceID, Grantee: buyer}
	escrow := conditions.EscrowParams{
		ResourceID:         resourceID,
		Amounts:            lock.Amounts,
		Receivers:          lock.Receivers,
		Payer:              buyer,
		Asset:              usdc,
		LockConditionID:    domain.ConditionID(agreementID, lock.Hash()),
		ReleaseConditionID: domain.ConditionID(agreementID, access.Hash()),
	}
	return CreateParams{
		Pipeline:   "access",
		Seed:       domain.HashValues(seed),
		Creator:    buyer,
		ResourceID: resourceID,
		Steps: []Step{
			{Params: lock},
			{Params: access, TimeOut: 3600},
			{Params: escrow},
		},
	}
}

func (f *fixture) balance(t *testing.T, holder domain.Address) int64 {
	t.Helper()
	var out int64
	err := domain.InTx(f.ctx, f.store, func(tx domain.Tx) error {
		b, err := f.vault.BalanceOf(f.ctx, tx, usdc, holder)
		out = b.Int64()
		return err
	})
	if err != nil {
		t.Fatalf("balance: %v", err)
	}
	return out
}

func TestBootstrapApprovesBuiltins(t *testing.T) {
	f := newFixture(t)
	if err := f.orch.Bootstrap(f.ctx); err != nil {
		t.Fatalf("bootstrap: %v", err)
	}
	// Running it again must be harmless.
	if err := f.orch.Bootstrap(f.ctx); err != nil {
		t.Fatalf("second bootstrap: %v", err)
	}

	err := domain.InTx(f.ctx, f.store, func(tx domain.Tx) error {
		for _, p := range Builtins() {
			tpl, err := f.templates.Get(f.ctx, tx, p.Address)
			if err != nil {
				return err
			}
			if tpl.State != domain.TemplateApproved {
				t.Fatalf("template %s is %s", p.Name, tpl.State)
			}
			if len(tpl.ConditionTypes) != len(p.Kinds) {
				t.Fatalf("template %s declares %d types, want %d", p.Name, len(tpl.ConditionTypes), len(p.Kinds))
			}
		}
		return nil
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}

func TestBootstrapKeepsRevokedTemplates(t *testing.T) {
	f := newFixture(t)
	if err := f.orch.Bootstrap(f.ctx); err != nil {
		t.Fatalf("bootstrap: %v", err)
	}
	access, _ := f.orch.Pipeline("access")
	err := domain.InTx(f.ctx, f.store, func(tx domain.Tx) error {
		_, err := f.templates.Revoke(f.ctx, tx, governance, access.Address)
		return err
	})
	if err != nil {
		t.Fatalf("revoke: %v", err)
	}
	if err := f.orch.Bootstrap(f.ctx); err != nil {
		t.Fatalf("bootstrap after revoke: %v", err)
	}
	if _, err := f.orch.CreateAgreement(f.ctx, f.accessParams("after-revoke", 10)); !errors.Is(err, domain.ErrTemplateNotApproved) {
		t.Fatalf("expected ErrTemplateNotApproved, got %v", err)
	}
}

func TestProposedPipelineCannotCreate(t *testing.T) {
	pending := builtin("access", conditions.KindLockPayment, conditions.KindAccess, conditions.KindEscrowPayment)
	pending.Approve = false
	f := newFixture(t, pending)
	if err := f.orch.Bootstrap(f.ctx); err != nil {
		t.Fatalf("bootstrap: %v", err)
	}

	p := f.accessParams("gated", 10)
	if _, err := f.orch.CreateAgreement(f.ctx, p); !errors.Is(err, domain.ErrTemplateNotApproved) {
		t.Fatalf("expected ErrTemplateNotApproved, got %v", err)
	}

	err := domain.InTx(f.ctx, f.store, func(tx domain.Tx) error {
		_, err := f.templates.Approve(f.ctx, tx, governance, pending.Address)
		return err
	})
	if err != nil {
		t.Fatalf("approve: %v", err)
	}
	if _, err := f.orch.CreateAgreement(f.ctx, p); err != nil {
		t.Fatalf("create after approval: %v", err)
	}
}

func TestCreateAgreementPrecomputesIDs(t *testing.T) {
	f := newFixture(t)
	if err := f.orch.Bootstrap(f.ctx); err != nil {
		t.Fatalf("bootstrap: %v", err)
	}
	p := f.accessParams("ids", 10)
	a, err := f.orch.CreateAgreement(f.ctx, p)
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	want := ConditionIDs(p)
	for i, id := range a.ConditionIDs {
		if id != want[i] {
			t.Fatalf("condition %d: got %s want %s", i, id, want[i])
		}
	}
	if a.TemplateID != "template:access" || a.ResourceOwner != seller {
		t.Fatalf("unexpected agreement %+v", a)
	}
}

func TestCreateAgreementValidatesSteps(t *testing.T) {
	f := newFixture(t)
	if err := f.orch.Bootstrap(f.ctx); err != nil {
		t.Fatalf("bootstrap: %v", err)
	}

	tests := []struct {
		name   string
		mutate func(p *CreateParams)
		want   error
	}{
		{"unknown pipeline", func(p *CreateParams) { p.Pipeline = "missing" }, domain.ErrNotFound},
		{"too few steps", func(p *CreateParams) { p.Steps = p.Steps[:2] }, domain.ErrArgumentLengthMismatch},
		{"wrong kind", func(p *CreateParams) { p.Steps[1].Params = conditions.ComputeParams{ResourceID: f.resource, Consumer: buyer} }, domain.ErrInvalidArgument},
		{"missing params", func(p *CreateParams) { p.Steps[0].Params = nil }, domain.ErrInvalidArgument},
		{"unregistered resource", func(p *CreateParams) { *p = accessParamsFor("unregistered", domain.HashValues("nope"), 10) }, domain.ErrResourceNotRegistered},
		{"step on another resource", func(p *CreateParams) {
			p.Steps[1].Params = conditions.AccessParams{ResourceID: domain.HashValues("someone-else"), Grantee: buyer}
		}, domain.ErrInvalidArgument},
		{"agreement on another resource", func(p *CreateParams) { p.ResourceID = domain.HashValues("nope") }, domain.ErrInvalidArgument},
		{"escrow with a time out", func(p *CreateParams) { p.Steps[2].TimeOut = 60 }, domain.ErrInvalidArgument},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			p := f.accessParams("invalid-"+tc.name, 10)
			tc.mutate(&p)
			if _, err := f.orch.CreateAgreement(f.ctx, p); !errors.Is(err, tc.want) {
				t.Fatalf("expected %v, got %v", tc.want, err)
			}
		})
	}
}

func TestCreateAgreementAndPayRunsFullFlow(t *testing.T) {
	f := newFixture(t)
	if err := f.orch.Bootstrap(f.ctx); err != nil {
		t.Fatalf("bootstrap: %v", err)
	}
	p := f.accessParams("flow", 25)

	a, lock, err := f.orch.CreateAgreementAndPay(f.ctx, p)
	if err != nil {
		t.Fatalf("create and pay: %v", err)
	}
	if lock.State != domain.ConditionFulfilled || lock.ID != a.ConditionIDs[0] {
		t.Fatalf("unexpected lock condition %+v", lock)
	}
	if f.balance(t, buyer) != 75 || f.balance(t, conditions.KindEscrowPayment.Address()) != 25 {
		t.Fatalf("funds not locked")
	}

	if _, err := f.set.Fulfill(f.ctx, seller, a.ID, p.Steps[2].Params); !domain.IsNotYetResolved(err) {
		t.Fatalf("expected not yet resolved, got %v", err)
	}
	if _, err := f.set.Fulfill(f.ctx, seller, a.ID, p.Steps[1].Params); err != nil {
		t.Fatalf("access: %v", err)
	}
	r, err := f.set.Fulfill(f.ctx, seller, a.ID, p.Steps[2].Params)
	if err != nil {
		t.Fatalf("escrow: %v", err)
	}
	if r.Settlement.Outcome != conditions.OutcomeReleased || f.balance(t, seller) != 25 {
		t.Fatalf("seller not paid: %+v", r.Settlement)
	}
}

func TestCreateAgreementAndPayIsAtomic(t *testing.T) {
	f := newFixture(t)
	if err := f.orch.Bootstrap(f.ctx); err != nil {
		t.Fatalf("bootstrap: %v", err)
	}
	p := f.accessParams("too-expensive", 1_000)

	if _, _, err := f.orch.CreateAgreementAndPay(f.ctx, p); !errors.Is(err, domain.ErrInsufficientBalance) {
		t.Fatalf("expected ErrInsufficientBalance, got %v", err)
	}
	// The agreement must not exist, so the same seed can be reused.
	p.Steps = f.accessParams("too-expensive", 10).Steps
	if _, _, err := f.orch.CreateAgreementAndPay(f.ctx, p); err != nil {
		t.Fatalf("retry with affordable amount: %v", err)
	}
}

func TestCreateAgreementAndPayNeedsLockPayment(t *testing.T) {
	f := newFixture(t)
	if err := f.orch.Bootstrap(f.ctx); err != nil {
		t.Fatalf("bootstrap: %v", err)
	}
	p := CreateParams{
		Pipeline:   "nft_access",
		Seed:       domain.HashValues("holder"),
		Creator:    buyer,
		ResourceID: f.resource,
		Steps: []Step{
			{Params: conditions.NFTHolderParams{ResourceID: f.resource, Holder: buyer, Amount: big.NewInt(1), NFTContract: "nft"}},
			{Params: conditions.AccessParams{ResourceID: f.resource, Grantee: buyer}},
		},
	}
	if _, _, err := f.orch.CreateAgreementAndPay(f.ctx, p); !errors.Is(err, domain.ErrInvalidArgument) {
		t.Fatalf("expected ErrInvalidArgument, got %v", err)
	}
	if _, err := f.orch.CreateAgreement(f.ctx, p); err != nil {
		t.Fatalf("create without payment: %v", err)
	}
}

func TestNewRejectsDuplicatePipelines(t *testing.T) {
	a := builtin("access", conditions.KindAccess)
	if _, err := New(nil, nil, nil, nil, a, a); err == nil {
		t.Fatalf("expected duplicate name error")
	}
	b := a
	b.Name = "other"
	if _, err := New(nil, nil, nil, nil, a, b); err == nil {
		t.Fatalf("expected duplicate address error")
	}
	if _, err := New(nil, nil, nil, nil, Pipeline{Name: "empty"}); err == nil {
		t.Fatalf("expected incomplete pipeline error")
	}
}

func TestFromDefinitions(t *testing.T) {
	defs, err := template.DecodeDefinitions(`
[[template]]
name = "data_bundle"
conditions = ["lock_payment", "access", "compute_execution", "multi_escrow_payment"]

[[template]]
name = "draft"
address = "template:draft-v2"
conditions = ["access"]
approve = false
`)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	pipelines, err := FromDefinitions(defs)
	if err != nil {
		t.Fatalf("from definitions: %v", err)
	}
	if len(pipelines) != 2 {
		t.Fatalf("expected 2 pipelines, got %d", len(pipelines))
	}
	if pipelines[0].Address != "template:data_bundle" || pipelines[0].Kinds[3] != conditions.KindMultiEscrowPayment || !pipelines[0].Approve {
		t.Fatalf("unexpected pipeline %+v", pipelines[0])
	}
	if pipelines[1].Address != "template:draft-v2" || pipelines[1].Approve {
		t.Fatalf("unexpected pipeline %+v", pipelines[1])
	}

	bad, err := template.DecodeDefinitions(`
[[template]]
name = "broken"
conditions = ["teleport"]
`)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if _, err := FromDefinitions(bad); !errors.Is(err, domain.ErrInvalidArgument) {
		t.Fatalf("expected ErrInvalidArgument, got %v", err)
	}
}
