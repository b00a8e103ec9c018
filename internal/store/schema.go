package store

import (
	"context"
	"database/sql"
	"fmt"
)

// EnsureSchema creates the period tables if they are missing. Postgres
// deployments normally run cmd/migrate instead; this keeps SQLite and
// test databases self-contained.
func EnsureSchema(ctx context.Context, db *sql.DB, d Dialect) error {
	for _, t := range Tables {
		stmts := []string{
			fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
				account_id   TEXT   NOT NULL,
				platform     TEXT   NOT NULL,
				granularity  TEXT   NOT NULL,
				period_id    TEXT   NOT NULL,
				period_start BIGINT NOT NULL,
				period_end   BIGINT NOT NULL,
				payload      %s     NOT NULL,
				updated_at   BIGINT NOT NULL,
				folded_at    BIGINT,
				PRIMARY KEY (account_id, platform, granularity, period_id)
			)`, t, d.PayloadType),
			fmt.Sprintf(`CREATE INDEX IF NOT EXISTS idx_%s_end ON %s (granularity, period_end)`, t, t),
			fmt.Sprintf(`CREATE INDEX IF NOT EXISTS idx_%s_updated ON %s (updated_at)`, t, t),
		}
		for _, stmt := range stmts {
			if _, err := db.ExecContext(ctx, stmt); err != nil {
				return fmt.Errorf("%w: ensure schema %s: %w", ErrPersistence, t, err)
			}
		}
	}
	return nil
}
