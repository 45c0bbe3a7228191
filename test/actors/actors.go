package actors

import (
	"context"
	"fmt"
	"math/big"
	"math/rand"
	"sync"
	"sync/atomic"
	"time"

	"escrowflow/domain"
	"escrowflow/engine"
	"escrowflow/orchestrator"
	"escrowflow/outbox"
)

// Asset is the fungible token every actor trades in.
const Asset domain.Address = "usdc"

// Book shares created agreements between actors.
type Book struct {
	mu    sync.Mutex
	deals []orchestrator.CreateParams
}

func (b *Book) Add(p orchestrator.CreateParams) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.deals = append(b.deals, p)
}

// Pick returns a random recorded deal.
func (b *Book) Pick() (orchestrator.CreateParams, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if len(b.deals) == 0 {
		return orchestrator.CreateParams{}, false
	}
	return b.deals[rand.Intn(len(b.deals))], true
}

// Stats counts outcomes across actors.
type Stats struct {
	Created  atomic.Int64
	Granted  atomic.Int64
	Settled  atomic.Int64
	Aborted  atomic.Int64
	Rejected atomic.Int64
	Infra    atomic.Int64
}

func (s *Stats) String() string {
	return fmt.Sprintf("created=%d granted=%d settled=%d aborted=%d rejected=%d infra=%d",
		s.Created.Load(), s.Granted.Load(), s.Settled.Load(), s.Aborted.Load(), s.Rejected.Load(), s.Infra.Load())
}

// observe classifies err. Engine rejections are expected under contention;
// anything else is infrastructure (for example a backend killed by chaos).
func (s *Stats) observe(ok *atomic.Int64, err error) {
	switch {
	case err == nil:
		ok.Add(1)
	case isEngineError(err):
		s.Rejected.Add(1)
	default:
		s.Infra.Add(1)
	}
}

func isEngineError(err error) bool {
	_, ok := domain.CodeOf(err)
	return ok
}

func stopped(ctx context.Context, stop <-chan struct{}) (bool, error) {
	select {
	case <-ctx.Done():
		return true, ctx.Err()
	case <-stop:
		return true, nil
	default:
		return false, nil
	}
}

func pause(minMS, spreadMS int) {
	time.Sleep(time.Duration(minMS+rand.Intn(spreadMS)) * time.Millisecond)
}

// Buyer funds itself and opens access deals paying seller, each with a
// short release window so some of them time out.
func Buyer(ctx context.Context, e *engine.Engine, book *Book, stats *Stats, buyer, seller domain.Address, resourceID domain.Hash, stop <-chan struct{}) error {
	for n := 0; ; n++ {
		if done, err := stopped(ctx, stop); done {
			return err
		}
		amount := big.NewInt(int64(1 + rand.Intn(20)))
		err := domain.InTx(ctx, e.Store, func(tx domain.Tx) error {
			return e.Vault.Mint(ctx, tx, Asset, buyer, amount)
		})
		if err != nil {
			stats.Infra.Add(1)
			pause(10, 20)
			continue
		}

		deal := orchestrator.AccessDeal(orchestrator.Deal{
			Seed:           domain.HashValues(string(buyer), uint64(n), uint64(rand.Int63())),
			Buyer:          buyer,
			ResourceID:     resourceID,
			Asset:          Asset,
			Amounts:        []*big.Int{amount},
			Receivers:      []domain.Address{seller},
			ReleaseTimeOut: uint64(1 + rand.Intn(3)),
		})
		_, _, err = e.Orchestrator.CreateAgreementAndPay(ctx, deal)
		stats.observe(&stats.Created, err)
		if err == nil {
			book.Add(deal)
		}
		pause(10, 30)
	}
}

// Provider grants access on random deals, racing the time out.
func Provider(ctx context.Context, e *engine.Engine, book *Book, stats *Stats, seller domain.Address, stop <-chan struct{}) error {
	for {
		if done, err := stopped(ctx, stop); done {
			return err
		}
		if deal, ok := book.Pick(); ok {
			id := domain.AgreementID(deal.Seed, deal.Creator)
			res, err := e.Set.Fulfill(ctx, seller, id, deal.Steps[1].Params)
			if err == nil && res.Expired {
				stats.Aborted.Add(1)
			} else {
				stats.observe(&stats.Granted, err)
			}
		}
		pause(20, 40)
	}
}

// Settler repeatedly tries to settle random deals; most attempts are
// premature or duplicates and must be rejected.
func Settler(ctx context.Context, e *engine.Engine, book *Book, stats *Stats, stop <-chan struct{}) error {
	for {
		if done, err := stopped(ctx, stop); done {
			return err
		}
		if deal, ok := book.Pick(); ok {
			id := domain.AgreementID(deal.Seed, deal.Creator)
			_, err := e.Set.Fulfill(ctx, "settler", id, deal.Steps[2].Params)
			stats.observe(&stats.Settled, err)
		}
		pause(5, 20)
	}
}

// Aborter aborts access conditions whose time out has passed.
func Aborter(ctx context.Context, e *engine.Engine, book *Book, stats *Stats, stop <-chan struct{}) error {
	for {
		if done, err := stopped(ctx, stop); done {
			return err
		}
		if deal, ok := book.Pick(); ok {
			access := orchestrator.ConditionIDs(deal)[1]
			err := domain.InTx(ctx, e.Store, func(tx domain.Tx) error {
				_, err := e.Conditions.AbortByTimeout(ctx, tx, "aborter", access)
				return err
			})
			stats.observe(&stats.Aborted, err)
		}
		pause(50, 100)
	}
}

// OutboxWorker drains the outbox concurrently with the writers.
func OutboxWorker(ctx context.Context, relay *outbox.Relay, stats *Stats, stop <-chan struct{}) error {
	for {
		if done, err := stopped(ctx, stop); done {
			return err
		}
		if _, err := relay.Drain(ctx); err != nil {
			stats.Infra.Add(1)
		}
		pause(50, 50)
	}
}
