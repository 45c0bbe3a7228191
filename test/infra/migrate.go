package infra

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"escrowflow/migrations"
	"escrowflow/store/pgstore"
)

// migrateLockKey serializes concurrent test binaries migrating one database.
// It differs from the engine lock so a stuck run does not block units of work.
const migrateLockKey = pgstore.EngineLockKey + 1

// ApplyMigrations applies the engine schema against the DSN.
// When isolate is true, a per-run schema is created and dropped via the returned teardown func.
func ApplyMigrations(ctx context.Context, dsn string, isolate bool) (*pgxpool.Pool, func(context.Context) error, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, nil, fmt.Errorf("parse pool config: %w", err)
	}
	cfg.MaxConns = 32

	cleanup := func(context.Context) error { return nil }

	if isolate {
		schema := fmt.Sprintf("escrow_run_%d", time.Now().UnixNano())
		ident := pgx.Identifier{schema}.Sanitize()

		conn, err := pgx.Connect(ctx, dsn)
		if err != nil {
			return nil, nil, fmt.Errorf("connect for schema: %w", err)
		}
		if _, err := conn.Exec(ctx, fmt.Sprintf("CREATE SCHEMA %s", ident)); err != nil {
			conn.Close(ctx)
			return nil, nil, fmt.Errorf("create schema %s: %w", schema, err)
		}
		conn.Close(ctx)

		setPath := fmt.Sprintf("SET search_path TO %s", ident)
		cfg.AfterConnect = func(ctx context.Context, conn *pgx.Conn) error {
			_, err := conn.Exec(ctx, setPath)
			return err
		}

		cleanup = func(ctx context.Context) error {
			dropConn, err := pgx.Connect(ctx, dsn)
			if err != nil {
				return err
			}
			defer dropConn.Close(ctx)
			_, err = dropConn.Exec(ctx, fmt.Sprintf("DROP SCHEMA IF EXISTS %s CASCADE", ident))
			return err
		}
	}

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, nil, fmt.Errorf("connect pool: %w", err)
	}

	if err := migrate(ctx, pool); err != nil {
		pool.Close()
		_ = cleanup(ctx)
		return nil, nil, err
	}

	return pool, cleanup, nil
}

// migrate applies the schema under a session advisory lock held on one
// connection, then checks every engine table resolves on the search path.
func migrate(ctx context.Context, pool *pgxpool.Pool) error {
	conn, err := pool.Acquire(ctx)
	if err != nil {
		return fmt.Errorf("acquire migration conn: %w", err)
	}
	defer conn.Release()

	if _, err := conn.Exec(ctx, `SELECT pg_advisory_lock($1)`, migrateLockKey); err != nil {
		return fmt.Errorf("migration lock: %w", err)
	}
	defer func() {
		_, _ = conn.Exec(context.WithoutCancel(ctx), `SELECT pg_advisory_unlock($1)`, migrateLockKey)
	}()

	if err := migrations.Apply(ctx, pool); err != nil {
		return err
	}

	for _, tbl := range engineTables {
		var ok bool
		if err := conn.QueryRow(ctx, `SELECT to_regclass($1) IS NOT NULL`, tbl).Scan(&ok); err != nil {
			return fmt.Errorf("check table %s: %w", tbl, err)
		}
		if !ok {
			return fmt.Errorf("migrations left table %s missing", tbl)
		}
	}
	return nil
}
