package oracles

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
)

// Oracle is a query that must return no rows while the system is healthy.
type Oracle struct {
	Name string
	SQL  string
}

func All() []Oracle {
	return []Oracle{
		{
			Name: "O1_claim_status_coherent",
			SQL: `SELECT id, status, claimed_by FROM flexible_windows
                  WHERE (status = 'claimed') <> (claimed_by IS NOT NULL)
                     OR (claimed_by IS NULL) <> (claimed_at IS NULL)`,
		},
		{
			Name: "O2_scheduled_within_window",
			SQL: `SELECT id, start_date, end_date, scheduled_date FROM flexible_windows
                  WHERE scheduled_date IS NOT NULL
                    AND (scheduled_date < start_date OR scheduled_date > end_date)`,
		},
		{
			Name: "O3_window_span",
			SQL: `SELECT id, start_date, end_date FROM flexible_windows
                  WHERE end_date - start_date NOT BETWEEN 2 AND 14`,
		},
		{
			Name: "O4_single_holder",
			SQL: `WITH seq AS (
                      SELECT window_id, type,
                             LAG(type) OVER (PARTITION BY window_id ORDER BY id) AS prev
                      FROM window_events)
                  SELECT window_id FROM seq
                  WHERE type = 'WINDOW_CLAIMED' AND prev = 'WINDOW_CLAIMED'`,
		},
		{
			Name: "O5_history_matches_state",
			SQL: `SELECT w.id, w.status, last.type FROM flexible_windows w
                  JOIN LATERAL (
                      SELECT type FROM window_events e
                      WHERE e.window_id = w.id ORDER BY e.id DESC LIMIT 1) last ON true
                  WHERE (w.status = 'claimed') <> (last.type = 'WINDOW_CLAIMED')`,
		},
		{
			Name: "O6_terminal_is_final",
			SQL: `WITH seq AS (
                      SELECT window_id, type,
                             LAG(type) OVER (PARTITION BY window_id ORDER BY id) AS prev
                      FROM window_events)
                  SELECT window_id, prev, type FROM seq
                  WHERE prev IN ('WINDOW_SCHEDULED','WINDOW_CANCELLED','WINDOW_EXPIRED')`,
		},
		{
			Name: "O7_outbox_per_event",
			SQL: `SELECT e.window_id FROM window_events e
                  GROUP BY e.window_id
                  HAVING COUNT(*) <> (SELECT COUNT(*) FROM outbox o WHERE o.payload->>'window_id' = e.window_id::text)`,
		},
		{
			Name: "O8_window_delete_guard",
			SQL: `SELECT 'missing_no_delete_trigger' AS detail
                  WHERE NOT EXISTS (SELECT 1 FROM pg_trigger WHERE tgname='no_delete_flexible_windows')`,
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
		if err := rows.Err(); err != nil {
			return o.Name, "", fmt.Errorf("oracle %s: %w", o.Name, err)
		}
	}
	return "", "", nil
}
