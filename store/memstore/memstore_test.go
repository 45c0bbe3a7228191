package memstore

import (
	"context"
	"errors"
	"math/big"
	"testing"

	"escrowflow/domain"
)

func TestRollbackRestoresState(t *testing.T) {
	ctx := context.Background()
	s := New()

	tx, err := s.Begin(ctx)
	if err != nil {
		t.Fatalf("begin: %v", err)
	}
	if err := tx.Balances().SetFungible(ctx, "usdc", "alice", big.NewInt(10)); err != nil {
		t.Fatalf("set balance: %v", err)
	}
	if err := tx.Commit(ctx); err != nil {
		t.Fatalf("commit: %v", err)
	}

	tx, _ = s.Begin(ctx)
	_ = tx.Balances().SetFungible(ctx, "usdc", "alice", big.NewInt(3))
	_ = tx.Balances().SetFungible(ctx, "usdc", "bob", big.NewInt(7))
	if err := tx.Conditions().Insert(ctx, domain.Condition{ID: domain.HashValues("c"), State: domain.ConditionUnfulfilled}); err != nil {
		t.Fatalf("insert condition: %v", err)
	}
	if _, err := tx.Events().Append(ctx, domain.Event{Type: domain.EventConditionCreated}); err != nil {
		t.Fatalf("append event: %v", err)
	}
	if err := tx.Rollback(ctx); err != nil {
		t.Fatalf("rollback: %v", err)
	}

	tx, _ = s.Begin(ctx)
	defer tx.Rollback(ctx)
	alice, _ := tx.Balances().Fungible(ctx, "usdc", "alice")
	bob, _ := tx.Balances().Fungible(ctx, "usdc", "bob")
	if alice.Int64() != 10 || bob.Sign() != 0 {
		t.Fatalf("expected balances restored, got alice=%s bob=%s", alice, bob)
	}
	if _, err := tx.Conditions().Get(ctx, domain.HashValues("c")); !errors.Is(err, domain.ErrNotFound) {
		t.Fatalf("expected condition gone, got %v", err)
	}
	events, _ := tx.Events().ListByCondition(ctx, domain.Hash{})
	if len(events) != 0 {
		t.Fatalf("expected no events, got %d", len(events))
	}
}

func TestRollbackAfterCommitIsNoop(t *testing.T) {
	ctx := context.Background()
	s := New()
	tx, _ := s.Begin(ctx)
	_ = tx.Roles().Set(ctx, "r", "holder")
	if err := tx.Commit(ctx); err != nil {
		t.Fatalf("commit: %v", err)
	}
	if err := tx.Rollback(ctx); err != nil {
		t.Fatalf("rollback after commit: %v", err)
	}
	if _, _, err := tx.Roles().Get(ctx, "r"); err == nil {
		t.Fatalf("expected closed transaction to reject reads")
	}

	tx, _ = s.Begin(ctx)
	defer tx.Rollback(ctx)
	holder, ok, err := tx.Roles().Get(ctx, "r")
	if err != nil || !ok || holder != "holder" {
		t.Fatalf("expected committed role, got %q %v %v", holder, ok, err)
	}
}

func TestDuplicateInsertsReportAlreadyExists(t *testing.T) {
	ctx := context.Background()
	s := New()
	tx, _ := s.Begin(ctx)
	defer tx.Rollback(ctx)

	id := domain.HashValues("dup")
	if err := tx.Conditions().Insert(ctx, domain.Condition{ID: id}); err != nil {
		t.Fatalf("insert: %v", err)
	}
	if err := tx.Conditions().Insert(ctx, domain.Condition{ID: id}); !errors.Is(err, domain.ErrAlreadyExists) {
		t.Fatalf("expected ErrAlreadyExists, got %v", err)
	}
	if err := tx.Agreements().Insert(ctx, domain.Agreement{ID: id}); err != nil {
		t.Fatalf("insert agreement: %v", err)
	}
	if err := tx.Agreements().Insert(ctx, domain.Agreement{ID: id}); !errors.Is(err, domain.ErrAlreadyExists) {
		t.Fatalf("expected ErrAlreadyExists, got %v", err)
	}
}

func TestUnreleasedSumsOpenLocks(t *testing.T) {
	ctx := context.Background()
	s := New()
	tx, _ := s.Begin(ctx)
	defer tx.Rollback(ctx)

	locks := []domain.Lock{
		{ConditionID: domain.HashValues("a"), Escrow: "escrow", Asset: "usdc", Amount: big.NewInt(10)},
		{ConditionID: domain.HashValues("b"), Escrow: "escrow", Asset: "usdc", Amount: big.NewInt(12), Released: true},
		{ConditionID: domain.HashValues("c"), Escrow: "escrow", Asset: "dai", Amount: big.NewInt(5)},
		{ConditionID: domain.HashValues("d"), Escrow: "escrow", Asset: "usdc", Amount: big.NewInt(3)},
	}
	for _, l := range locks {
		if err := tx.Locks().Insert(ctx, l); err != nil {
			t.Fatalf("insert lock: %v", err)
		}
	}
	total, err := tx.Locks().Unreleased(ctx, "escrow", "usdc")
	if err != nil {
		t.Fatalf("unreleased: %v", err)
	}
	if total.Int64() != 13 {
		t.Fatalf("expected 13, got %s", total)
	}
}

func TestOutboxDeadAfterMaxAttempts(t *testing.T) {
	ctx := context.Background()
	s := New()
	tx, _ := s.Begin(ctx)
	defer tx.Rollback(ctx)

	if err := tx.Outbox().Enqueue(ctx, domain.OutboxMessage{ID: "m1", Topic: "t", Status: domain.OutboxPending}); err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	for i := 0; i < 2; i++ {
		if err := tx.Outbox().MarkFailed(ctx, "m1", 2); err != nil {
			t.Fatalf("mark failed: %v", err)
		}
	}
	pending, _ := tx.Outbox().Pending(ctx, 10)
	if len(pending) != 0 {
		t.Fatalf("expected dead message to leave pending, got %+v", pending)
	}
}
