package postgres

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
)

const ddlCallSessions = `
CREATE TABLE IF NOT EXISTS call_sessions (
    id            TEXT             PRIMARY KEY,
    source_id     TEXT             NOT NULL,
    started_at    TIMESTAMPTZ      NOT NULL,
    completed_at  TIMESTAMPTZ,
    is_scam       BOOLEAN,
    probability   DOUBLE PRECISION,
    keywords      TEXT[],
    transcription TEXT,
    windows       JSONB,
    degraded      BOOLEAN          NOT NULL DEFAULT FALSE
);

CREATE INDEX IF NOT EXISTS idx_call_sessions_source_id
    ON call_sessions (source_id);

CREATE INDEX IF NOT EXISTS idx_call_sessions_started_at
    ON call_sessions (started_at);
`

// Migrate creates the required tables and indexes if they do not exist.
func Migrate(ctx context.Context, pool *pgxpool.Pool) error {
	if _, err := pool.Exec(ctx, ddlCallSessions); err != nil {
		return fmt.Errorf("migrate call_sessions: %w", err)
	}
	return nil
}
