package infra

import (
	"context"
	"fmt"
	"net/url"
	"os"
	"os/exec"

	"github.com/jackc/pgx/v5"
)

// AdminDSNEnv overrides the superuser DSN used to prepare a local database.
const AdminDSNEnv = "ESCROWFLOW_TEST_PG_ADMIN_DSN"

const (
	localHost     = "127.0.0.1:5432"
	localDatabase = "escrowflow_stress"
	localRole     = "escrowflow_test"
	localPassword = "escrowflow"
)

// InitLocalDatabase recreates the stress database on a PostgreSQL listening
// on localhost and returns a DSN owned by an unprivileged test role. It is the
// fallback when neither Docker nor an explicit DSN is available.
func InitLocalDatabase(ctx context.Context) (string, error) {
	if err := exec.CommandContext(ctx, "pg_isready", "-h", "127.0.0.1", "-p", "5432").Run(); err != nil {
		return "", fmt.Errorf("infra: local postgres not ready: %w", err)
	}

	admin, err := connectAdmin(ctx)
	if err != nil {
		return "", err
	}
	defer admin.Close(ctx)

	role := pgx.Identifier{localRole}.Sanitize()
	dbName := pgx.Identifier{localDatabase}.Sanitize()
	steps := []struct {
		what string
		sql  string
	}{
		{"create role", fmt.Sprintf(`DO $$ BEGIN CREATE ROLE %s WITH LOGIN PASSWORD '%s'; EXCEPTION WHEN duplicate_object THEN NULL; END $$;`, role, localPassword)},
		{"drop database", fmt.Sprintf("DROP DATABASE IF EXISTS %s WITH (FORCE)", dbName)},
		{"create database", fmt.Sprintf("CREATE DATABASE %s OWNER %s", dbName, role)},
	}
	for _, st := range steps {
		if _, err := admin.Exec(ctx, st.sql); err != nil {
			return "", fmt.Errorf("infra: %s: %w", st.what, err)
		}
	}

	dsn := url.URL{
		Scheme:   "postgres",
		User:     url.UserPassword(localRole, localPassword),
		Host:     localHost,
		Path:     "/" + localDatabase,
		RawQuery: "sslmode=disable",
	}
	return dsn.String(), nil
}

func connectAdmin(ctx context.Context) (*pgx.Conn, error) {
	candidates := []string{os.Getenv(AdminDSNEnv)}
	for _, user := range []string{"postgres", os.Getenv("USER")} {
		if user == "" {
			continue
		}
		candidates = append(candidates,
			fmt.Sprintf("postgres://%s@%s/postgres?sslmode=disable", user, localHost),
			fmt.Sprintf("postgres://%s:postgres@%s/postgres?sslmode=disable", user, localHost),
		)
	}

	var lastErr error
	for _, dsn := range candidates {
		if dsn == "" {
			continue
		}
		conn, err := pgx.Connect(ctx, dsn)
		if err == nil {
			return conn, nil
		}
		lastErr = err
	}
	return nil, fmt.Errorf("infra: connect as admin (set %s): %w", AdminDSNEnv, lastErr)
}
