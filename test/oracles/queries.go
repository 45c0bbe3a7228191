package oracles

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
)

type Oracle struct {
	Name string
	SQL  string
}

func All() []Oracle {
	return []Oracle{
		{
			Name: "O1_agreement_conditions_registered",
			SQL: `SELECT a.id, cid FROM agreements a
                  CROSS JOIN LATERAL unnest(a.condition_ids) AS cid
                  WHERE NOT EXISTS (SELECT 1 FROM conditions c WHERE c.id = cid)`,
		},
		{
			Name: "O2_single_terminal_transition",
			SQL: `SELECT condition_id, COUNT(*) FROM events
                  WHERE type IN ('CONDITION_FULFILLED','CONDITION_ABORTED')
                  GROUP BY condition_id HAVING COUNT(*) > 1`,
		},
		{
			Name: "O3_terminal_after_created",
			SQL: `SELECT t.condition_id, t.seq, c.seq FROM events t
                  JOIN events c ON c.condition_id = t.condition_id AND c.type = 'CONDITION_CREATED'
                  WHERE t.type IN ('CONDITION_FULFILLED','CONDITION_ABORTED') AND t.seq <= c.seq`,
		},
		{
			Name: "O4_terminal_state_matches_events",
			SQL: `SELECT c.id, c.state FROM conditions c
                  WHERE (c.state = 2 AND NOT EXISTS (SELECT 1 FROM events e WHERE e.condition_id = c.id AND e.type = 'CONDITION_FULFILLED'))
                     OR (c.state = 3 AND NOT EXISTS (SELECT 1 FROM events e WHERE e.condition_id = c.id AND e.type = 'CONDITION_ABORTED'))`,
		},
		{
			Name: "O5_lock_settled_once",
			SQL: `SELECT payload->>'lock_id', COUNT(*) FROM events
                  WHERE type IN ('ESCROW_RELEASED','ESCROW_REFUNDED')
                  GROUP BY 1 HAVING COUNT(*) > 1`,
		},
		{
			Name: "O6_settlement_releases_lock",
			SQL: `SELECT e.seq, e.payload->>'lock_id' FROM events e
                  LEFT JOIN locks l ON l.condition_id = e.payload->>'lock_id'
                  WHERE e.type IN ('ESCROW_RELEASED','ESCROW_REFUNDED')
                    AND (l.condition_id IS NULL OR NOT l.released)`,
		},
		{
			Name: "O7_escrow_conservation",
			SQL: `WITH locked AS (
                      SELECT escrow AS holder, asset, SUM(amount) AS amount FROM locks
                      WHERE NOT released GROUP BY escrow, asset),
                  held AS (
                      SELECT holder, asset, amount FROM balances
                      WHERE holder IN ('condition:escrow_payment','condition:multi_escrow_payment'))
                  SELECT COALESCE(l.holder, h.holder), COALESCE(l.asset, h.asset),
                         COALESCE(l.amount, 0), COALESCE(h.amount, 0)
                  FROM locked l FULL OUTER JOIN held h ON h.holder = l.holder AND h.asset = l.asset
                  WHERE COALESCE(l.amount, 0) <> COALESCE(h.amount, 0)`,
		},
		{
			Name: "O8_outbox_drained",
			SQL: `SELECT id, topic, attempts FROM outbox
                  WHERE status = 'pending' AND now() - created_at > interval '5 minutes'`,
		},
		{
			Name: "O9_guard_triggers_installed",
			SQL: `SELECT name FROM unnest(ARRAY['conditions_guard_transition','locks_guard_release','events_append_only']) AS name
                  WHERE NOT EXISTS (SELECT 1 FROM pg_trigger WHERE tgname = name)`,
		},
	}
}

// Run executes all oracles and returns the first failure (name and sample row text) or empty name if all pass.
func Run(ctx context.Context, pool *pgxpool.Pool) (string, string, error) {
	for _, o := range All() {
		rows, err := pool.Query(ctx, o.SQL)
		if err != nil {
			return o.Name, "", fmt.Errorf("oracle %s: %w", o.Name, err)
		}
		has := rows.Next()
		if has {
			vals, err := rows.Values()
			rows.Close()
			if err != nil {
				return o.Name, "", err
			}
			return o.Name, fmt.Sprintf("%v", vals), nil
		}
		rows.Close()
	}
	return "", "", nil
}
