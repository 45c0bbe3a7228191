package conditions

import (
	"context"
	"math/big"
	"testing"

	"escrowflow/agreement"
	"escrowflow/condition"
	"escrowflow/custody"
	"escrowflow/domain"
	"escrowflow/resource"
	"escrowflow/royalty"
	"escrowflow/store/memstore"
	"escrowflow/template"

	"github.com/rs/zerolog"
)

const (
	owner      domain.Address = "registry-owner"
	governance domain.Address = "governance"
	registryID domain.Address = "agreement-registry"
	seller     domain.Address = "seller"
	buyer      domain.Address = "buyer"
	asset      domain.Address = "usdc"
	nftToken   domain.Address = "nft-contract"
)

type harness struct {
	t          *testing.T
	ctx        context.Context
	store      *memstore.Store
	clock      *domain.ManualClock
	conds      *condition.Registry
	templates  *template.Registry
	resources  *resource.Registry
	agreements *agreement.Registry
	vault      *custody.Vault
	set        *Set
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	h := &harness{t: t, ctx: context.Background(), store: memstore.New(), clock: domain.NewManualClock(1_000)}
	h.conds = condition.NewRegistry(owner, h.clock)
	h.templates = template.NewRegistry(governance, h.clock)
	h.resources = resource.NewRegistry(h.clock)
	h.agreements = agreement.NewRegistry(registryID, h.conds, h.templates, h.resources)
	h.vault = custody.NewVault()
	h.set = NewSet(&Deps{
		Store:      h.store,
		Conditions: h.conds,
		Agreements: h.agreements,
		Resources:  h.resources,
		Vault:      h.vault,
		Royalty:    royalty.StandardChecker{},
		Logger:     zerolog.Nop(),
	})
	h.must(func(tx domain.Tx) error {
		return h.conds.GrantCreateRole(h.ctx, tx, owner, registryID)
	})
	return h
}

func (h *harness) must(fn func(tx domain.Tx) error) {
	h.t.Helper()
	if err := domain.InTx(h.ctx, h.store, fn); err != nil {
		h.t.Fatalf("unexpected error: %v", err)
	}
}

// approveTemplate proposes and approves a template declaring kinds.
func (h *harness) approveTemplate(id domain.Address, kinds ...Kind) {
	h.t.Helper()
	types := make([]domain.Address, len(kinds))
	for i, k := range kinds {
		types[i] = k.Address()
	}
	h.must(func(tx domain.Tx) error {
		if _, err := h.templates.Propose(h.ctx, tx, governance, id, types); err != nil {
			return err
		}
		_, err := h.templates.Approve(h.ctx, tx, governance, id)
		return err
	})
}

func (h *harness) register(seed string, royaltyPPM uint64) domain.Hash {
	h.t.Helper()
	return h.registerFor(seller, seed, royaltyPPM)
}

func (h *harness) registerFor(resourceOwner domain.Address, seed string, royaltyPPM uint64) domain.Hash {
	h.t.Helper()
	var id domain.Hash
	h.must(func(tx domain.Tx) error {
		res, err := h.resources.Register(h.ctx, tx, resource.RegisterParams{
			Seed: domain.HashValues(seed), Owner: resourceOwner, RoyaltyPPM: royaltyPPM,
		})
		id = res.ID
		return err
	})
	return id
}

func (h *harness) mint(holder domain.Address, amount int64) {
	h.t.Helper()
	h.must(func(tx domain.Tx) error {
		return h.vault.Mint(h.ctx, tx, asset, holder, big.NewInt(amount))
	})
}

type step struct {
	params   Params
	timeLock uint64
	timeOut  uint64
}

// create registers an agreement for tpl with the given steps.
func (h *harness) create(tpl domain.Address, seed string, creator domain.Address, resourceID domain.Hash, steps ...step) (domain.Agreement, error) {
	h.t.Helper()
	p := agreement.CreateParams{
		Seed:       domain.HashValues(seed),
		Creator:    creator,
		Caller:     tpl,
		ResourceID: resourceID,
	}
	for _, s := range steps {
		kind, ok := KindOf(s.params)
		if !ok {
			h.t.Fatalf("unknown params %T", s.params)
		}
		p.ConditionTypes = append(p.ConditionTypes, kind.Address())
		p.ConditionHashes = append(p.ConditionHashes, s.params.Hash())
		p.TimeLocks = append(p.TimeLocks, s.timeLock)
		p.TimeOuts = append(p.TimeOuts, s.timeOut)
	}
	var a domain.Agreement
	err := domain.InTx(h.ctx, h.store, func(tx domain.Tx) error {
		var err error
		a, err = h.agreements.Create(h.ctx, tx, p)
		return err
	})
	return a, err
}

func (h *harness) nftBalance(tokenID domain.Hash, holder domain.Address) int64 {
	h.t.Helper()
	var out int64
	h.must(func(tx domain.Tx) error {
		b, err := h.vault.NFTBalanceOf(h.ctx, tx, nftToken, tokenID, holder)
		out = b.Int64()
		return err
	})
	return out
}

func (h *harness) balance(holder domain.Address) int64 {
	h.t.Helper()
	var out int64
	h.must(func(tx domain.Tx) error {
		b, err := h.vault.BalanceOf(h.ctx, tx, asset, holder)
		out = b.Int64()
		return err
	})
	return out
}

func (h *harness) state(id domain.Hash) domain.ConditionState {
	h.t.Helper()
	var st domain.ConditionState
	h.must(func(tx domain.Tx) error {
		var err error
		st, err = h.conds.State(h.ctx, tx, id)
		return err
	})
	return st
}

// assertConserved checks every escrow account holds exactly its unreleased
// locks.
func (h *harness) assertConserved() {
	h.t.Helper()
	h.must(func(tx domain.Tx) error {
		for _, escrow := range []domain.Address{KindEscrowPayment.Address(), KindMultiEscrowPayment.Address()} {
			held, err := h.vault.BalanceOf(h.ctx, tx, asset, escrow)
			if err != nil {
				return err
			}
			locked, err := tx.Locks().Unreleased(h.ctx, escrow, asset)
			if err != nil {
				return err
			}
			if held.Cmp(locked) != 0 {
				h.t.Fatalf("escrow %s holds %s but %s is locked", escrow, held, locked)
			}
		}
		return nil
	})
}

func ints(v ...int64) []*big.Int {
	out := make([]*big.Int, len(v))
	for i, x := range v {
		out[i] = big.NewInt(x)
	}
	return out
}
