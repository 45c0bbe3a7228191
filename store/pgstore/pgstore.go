// Package pgstore is the Postgres domain.Store. Every transaction takes a
// transaction-scoped advisory lock so units of work are serialized across
// all connections and processes sharing the database.
package pgstore

import (
	"context"
	"errors"
	"fmt"
	"math/big"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"escrowflow/domain"
	"escrowflow/migrations"
)

// EngineLockKey is the advisory lock every unit of work holds.
const EngineLockKey int64 = 0x65736372

// Store runs engine transactions on a pgx pool.
type Store struct {
	pool *pgxpool.Pool
}

// New wraps an open pool. Call Migrate before first use on a fresh database.
func New(pool *pgxpool.Pool) *Store {
	return &Store{pool: pool}
}

// Migrate applies the embedded schema.
func (s *Store) Migrate(ctx context.Context) error {
	return migrations.Apply(ctx, s.pool)
}

// Pool exposes the underlying pool for health checks and test oracles.
func (s *Store) Pool() *pgxpool.Pool {
	return s.pool
}

func (s *Store) Begin(ctx context.Context) (domain.Tx, error) {
	pgTx, err := s.pool.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("pgstore: begin: %w", err)
	}
	if _, err := pgTx.Exec(ctx, `SELECT pg_advisory_xact_lock($1)`, EngineLockKey); err != nil {
		_ = pgTx.Rollback(ctx)
		return nil, fmt.Errorf("pgstore: acquire engine lock: %w", err)
	}
	return &tx{tx: pgTx}, nil
}

type tx struct {
	tx pgx.Tx
}

func (t *tx) Commit(ctx context.Context) error {
	if err := t.tx.Commit(ctx); err != nil {
		return fmt.Errorf("pgstore: commit: %w", err)
	}
	return nil
}

func (t *tx) Rollback(ctx context.Context) error {
	err := t.tx.Rollback(ctx)
	if err == nil || errors.Is(err, pgx.ErrTxClosed) {
		return nil
	}
	return fmt.Errorf("pgstore: rollback: %w", err)
}

func (t *tx) Conditions() domain.ConditionRepository   { return conditionRepo{t.tx} }
func (t *tx) Agreements() domain.AgreementRepository   { return agreementRepo{t.tx} }
func (t *tx) Templates() domain.TemplateRepository     { return templateRepo{t.tx} }
func (t *tx) Resources() domain.ResourceRepository     { return resourceRepo{t.tx} }
func (t *tx) Balances() domain.BalanceRepository       { return balanceRepo{t.tx} }
func (t *tx) Locks() domain.LockRepository             { return lockRepo{t.tx} }
func (t *tx) Permissions() domain.PermissionRepository { return permissionRepo{t.tx} }
func (t *tx) Executions() domain.ExecutionRepository   { return executionRepo{t.tx} }
func (t *tx) Events() domain.EventRepository           { return eventRepo{t.tx} }
func (t *tx) Outbox() domain.OutboxRepository          { return outboxRepo{t.tx} }
func (t *tx) Roles() domain.RoleRepository             { return roleRepo{t.tx} }

// mapError translates constraint violations into engine codes.
func mapError(err error, what string) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, pgx.ErrNoRows) {
		return domain.NewError(domain.CodeNotFound, what+" not found")
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch pgErr.Code {
		case "23505":
			return domain.WrapError(domain.CodeAlreadyExists, what+" already exists", err)
		case "23503":
			return domain.WrapError(domain.CodeNotFound, what+" references a missing row", err)
		case "23514":
			return domain.WrapError(domain.CodeInvalidArgument, what+" violates a check constraint", err)
		case "P0001":
			return domain.WrapError(domain.CodeInvalidTransition, what+" rejected", err)
		}
	}
	return fmt.Errorf("pgstore: %s: %w", what, err)
}

// requireRow turns an update that touched nothing into a not found error.
func requireRow(tag pgconn.CommandTag, err error, what string) error {
	if err != nil {
		return mapError(err, what)
	}
	if tag.RowsAffected() == 0 {
		return domain.NewError(domain.CodeNotFound, what+" not found")
	}
	return nil
}

func hashes(in []domain.Hash) []string {
	out := make([]string, len(in))
	for i, h := range in {
		out[i] = h.Hex()
	}
	return out
}

func parseHashes(in []string) ([]domain.Hash, error) {
	out := make([]domain.Hash, len(in))
	for i, s := range in {
		h, err := domain.ParseHash(s)
		if err != nil {
			return nil, err
		}
		out[i] = h
	}
	return out, nil
}

func addresses(in []domain.Address) []string {
	out := make([]string, len(in))
	for i, a := range in {
		out[i] = string(a)
	}
	return out
}

func parseAddresses(in []string) []domain.Address {
	out := make([]domain.Address, len(in))
	for i, s := range in {
		out[i] = domain.Address(s)
	}
	return out
}

// numeric renders an amount for a ::numeric parameter.
func numeric(v *big.Int) string {
	if v == nil {
		return "0"
	}
	return v.String()
}

func parseNumeric(s string) (*big.Int, error) {
	v, ok := new(big.Int).SetString(s, 10)
	if !ok {
		return nil, fmt.Errorf("pgstore: malformed amount %q", s)
	}
	return v, nil
}

// nullableHash stores the zero hash as NULL.
func nullableHash(h domain.Hash) any {
	if h.IsZero() {
		return nil
	}
	return h.Hex()
}

func parseNullableHash(s *string) (domain.Hash, error) {
	if s == nil {
		return domain.Hash{}, nil
	}
	return domain.ParseHash(*s)
}
