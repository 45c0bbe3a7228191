package infra

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"

	"escrowflow/store/pgstore"
)

// engineTables are truncated between stress epochs, children first.
var engineTables = []string{
	"outbox",
	"events",
	"executions",
	"permissions",
	"locks",
	"nft_operators",
	"nft_balances",
	"balances",
	"resource_providers",
	"resources",
	"agreements",
	"templates",
	"conditions",
	"roles",
	"principals",
}

// Harness owns the lifecycle of the Postgres test database and the store on top of it.
type Harness struct {
	container *PGContainer
	pool      *pgxpool.Pool
	teardown  func(context.Context) error
	store     *pgstore.Store
	dsn       string
}

// NewHarness reuses dsn (or ESCROWFLOW_TEST_PG_DSN) in an isolated schema, or
// boots a Postgres 16 container when neither is set.
func NewHarness(ctx context.Context, dsn string) (*Harness, error) {
	container, dsn, err := StartPostgres16(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("start postgres: %w", err)
	}
	shared := container.Reused()

	pool, teardown, err := ApplyMigrations(ctx, dsn, shared)
	if err != nil {
		_ = container.Terminate(ctx)
		return nil, fmt.Errorf("apply migrations: %w", err)
	}

	return &Harness{
		container: container,
		pool:      pool,
		teardown:  teardown,
		store:     pgstore.New(pool),
		dsn:       dsn,
	}, nil
}

// Pool exposes the configured pgx pool.
func (h *Harness) Pool() *pgxpool.Pool {
	return h.pool
}

// Store is the engine store backed by the harness database.
func (h *Harness) Store() *pgstore.Store {
	return h.store
}

// DSN returns the connection string for direct connections (e.g., chaos).
func (h *Harness) DSN() string {
	return h.dsn
}

// Close tears down resources.
func (h *Harness) Close(ctx context.Context) error {
	if h.pool != nil {
		h.pool.Close()
	}
	var err error
	if h.teardown != nil {
		err = h.teardown(ctx)
	}
	if termErr := h.container.Terminate(ctx); termErr != nil && err == nil {
		err = termErr
	}
	return err
}

// Reset truncates mutable tables to provide a clean slate for next epoch.
func (h *Harness) Reset(ctx context.Context) error {
	tx, err := h.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("reset begin: %w", err)
	}
	defer tx.Rollback(ctx)

	for _, tbl := range engineTables {
		if _, err := tx.Exec(ctx, "TRUNCATE TABLE "+tbl+" CASCADE"); err != nil {
			return fmt.Errorf("truncate %s: %w", tbl, err)
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("reset commit: %w", err)
	}

	return nil
}
