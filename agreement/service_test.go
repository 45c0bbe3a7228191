package agreement

import (
	"context"
	"errors"
	"testing"

	"escrowflow/domain"
)

func TestServiceCreate_RollsBackOnFailure(t *testing.T) {
	e := newEnv(t, false)
	store := &fakeStore{inner: e.store}
	svc := NewService(store, e.registry)

	if _, err := svc.Create(context.Background(), e.params("rollback")); !errors.Is(err, domain.ErrTemplateNotApproved) {
		t.Fatalf("expected ErrTemplateNotApproved, got %v", err)
	}
	if store.tx == nil {
		t.Fatalf("expected Begin to provide transaction")
	}
	if !store.tx.rolled {
		t.Errorf("expected rollback to be called")
	}
	if store.tx.committed {
		t.Errorf("expected commit to be skipped")
	}
}

func TestServiceCreate_Commits(t *testing.T) {
	e := newEnv(t, true)
	store := &fakeStore{inner: e.store}
	svc := NewService(store, e.registry)

	if _, err := svc.Create(context.Background(), e.params("commit")); err != nil {
		t.Fatalf("expected nil error, got %v", err)
	}
	if !store.tx.committed {
		t.Errorf("expected commit to be called")
	}
}

func TestServiceCreate_BeginFailure(t *testing.T) {
	e := newEnv(t, true)
	svc := NewService(&fakeStore{beginErr: errors.New("pool exhausted")}, e.registry)

	if _, err := svc.Create(context.Background(), e.params("begin")); err == nil {
		t.Fatalf("expected begin error")
	}
}

type fakeStore struct {
	inner    domain.Store
	beginErr error
	tx       *fakeTx
}

func (f *fakeStore) Begin(ctx context.Context) (domain.Tx, error) {
	if f.beginErr != nil {
		return nil, f.beginErr
	}
	inner, err := f.inner.Begin(ctx)
	if err != nil {
		return nil, err
	}
	f.tx = &fakeTx{Tx: inner}
	return f.tx, nil
}

type fakeTx struct {
	domain.Tx
	rolled    bool
	committed bool
}

func (f *fakeTx) Commit(ctx context.Context) error {
	f.committed = true
	return f.Tx.Commit(ctx)
}

func (f *fakeTx) Rollback(ctx context.Context) error {
	if !f.committed {
		f.rolled = true
	}
	return f.Tx.Rollback(ctx)
}
