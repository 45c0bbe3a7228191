package infra

import (
	"context"
	"os"

	"github.com/testcontainers/testcontainers-go/modules/postgres"
)

const (
	// DSNEnv names the variable pointing tests at an existing database.
	DSNEnv = "ESCROWFLOW_TEST_PG_DSN"
	// ImageEnv overrides the Postgres image booted when no DSN is given.
	ImageEnv = "ESCROWFLOW_TEST_PG_IMAGE"

	defaultImage = "postgres:16-alpine"
)

// PGContainer is the database the engine tests run against. C is nil when an
// existing database is reused.
type PGContainer struct {
	C *postgres.PostgresContainer
}

// Reused reports whether the database outlives the tests, in which case each
// run must stay inside its own schema.
func (p *PGContainer) Reused() bool {
	return p == nil || p.C == nil
}

// StartPostgres16 returns a DSN for the engine schema. overrideDSN wins, then
// ESCROWFLOW_TEST_PG_DSN; otherwise a container is booted.
func StartPostgres16(ctx context.Context, overrideDSN string) (*PGContainer, string, error) {
	for _, dsn := range []string{overrideDSN, os.Getenv(DSNEnv)} {
		if dsn != "" {
			return &PGContainer{}, dsn, nil
		}
	}

	image := os.Getenv(ImageEnv)
	if image == "" {
		image = defaultImage
	}
	pgC, err := postgres.Run(ctx, image,
		postgres.WithDatabase("escrowflow"),
		postgres.WithUsername("escrowflow"),
		postgres.WithPassword("escrowflow"),
	)
	if err != nil {
		return nil, "", err
	}

	dsn, err := pgC.ConnectionString(ctx, "sslmode=disable", "application_name=escrowflow-test")
	if err != nil {
		_ = pgC.Terminate(ctx)
		return nil, "", err
	}
	return &PGContainer{C: pgC}, dsn, nil
}

func (p *PGContainer) Terminate(ctx context.Context) error {
	if p.Reused() {
		return nil
	}
	return p.C.Terminate(ctx)
}
