package chaos

import (
	"context"
	"math/rand"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"escrowflow/store/pgstore"
)

// lockHolderSQL kills whichever backend currently holds the engine lock, so
// the kill lands in the middle of a unit of work.
const lockHolderSQL = `
SELECT pg_terminate_backend(pid) FROM pg_locks
WHERE locktype = 'advisory' AND granted AND objsubid = 1
  AND classid = ($1::bigint >> 32)::oid AND objid = ($1::bigint & 4294967295)::oid
  AND pid <> pg_backend_pid()`

const randomBackendSQL = `
SELECT pg_terminate_backend(pid) FROM pg_stat_activity
WHERE datname = current_database() AND pid <> pg_backend_pid()
ORDER BY random() LIMIT 1`

// TerminateRandomBackend kills a backend of the test database every few
// ticks, usually the engine lock holder. A killed unit of work must roll back
// without leaving engine state half applied.
func TerminateRandomBackend(ctx context.Context, pool *pgxpool.Pool, every time.Duration, stop <-chan struct{}) {
	if every <= 0 {
		every = 2 * time.Second
	}
	ticker := time.NewTicker(every)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-stop:
			return
		case <-ticker.C:
			switch rand.Intn(5) {
			case 0, 1:
				_, _ = pool.Exec(ctx, lockHolderSQL, pgstore.EngineLockKey)
			case 2:
				_, _ = pool.Exec(ctx, randomBackendSQL)
			}
		}
	}
}
