// Package postgres provides the PostgreSQL-backed implementation of the
// call-lifecycle [recorder.Store].
//
// All tables are created by [Migrate], which is idempotent and safe to run on
// every application start. The append tables key on (call_id, seq) so that
// at-least-once writes from the recorder collapse to exactly-once rows.
package postgres

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
)

const ddlCalls = `
CREATE TABLE IF NOT EXISTS calls (
    id               TEXT         PRIMARY KEY,
    stream_id        TEXT         NOT NULL DEFAULT '',
    direction        TEXT         NOT NULL,
    from_number      TEXT         NOT NULL DEFAULT '',
    to_number        TEXT         NOT NULL DEFAULT '',
    agent_id         TEXT         NOT NULL DEFAULT '',
    tenant_id        TEXT         NOT NULL DEFAULT '',
    started_at       TIMESTAMPTZ  NOT NULL,
    ended_at         TIMESTAMPTZ,
    status           TEXT         NOT NULL,
    duration_seconds INTEGER      NOT NULL DEFAULT 0,
    recording_url    TEXT         NOT NULL DEFAULT '',
    transcript       TEXT         NOT NULL DEFAULT '',
    outcome          TEXT         NOT NULL DEFAULT '',
    sentiment        DOUBLE PRECISION,
    handle_count     INTEGER      NOT NULL DEFAULT 0,
    partial          BOOLEAN      NOT NULL DEFAULT FALSE
);

CREATE INDEX IF NOT EXISTS idx_calls_tenant_started
    ON calls (tenant_id, started_at);

CREATE INDEX IF NOT EXISTS idx_calls_agent
    ON calls (agent_id);

CREATE INDEX IF NOT EXISTS idx_calls_status
    ON calls (status);
`

const ddlCallEvents = `
CREATE TABLE IF NOT EXISTS call_events (
    call_id    TEXT         NOT NULL,
    seq        INTEGER      NOT NULL,
    event_type TEXT         NOT NULL,
    data       JSONB        NOT NULL DEFAULT '{}',
    at         TIMESTAMPTZ  NOT NULL,
    PRIMARY KEY (call_id, seq)
);

CREATE INDEX IF NOT EXISTS idx_call_events_call
    ON call_events (call_id, at);
`

const ddlCallTranscripts = `
CREATE TABLE IF NOT EXISTS call_transcripts (
    call_id TEXT         NOT NULL,
    seq     INTEGER      NOT NULL,
    source  TEXT         NOT NULL,
    text    TEXT         NOT NULL,
    at      TIMESTAMPTZ  NOT NULL,
    PRIMARY KEY (call_id, seq)
);

CREATE INDEX IF NOT EXISTS idx_call_transcripts_call
    ON call_transcripts (call_id, at);
`

const ddlCallToolCalls = `
CREATE TABLE IF NOT EXISTS call_tool_calls (
    call_id    TEXT         NOT NULL,
    seq        INTEGER      NOT NULL,
    tool_id    TEXT         NOT NULL,
    name       TEXT         NOT NULL,
    args       JSONB        NOT NULL DEFAULT '{}',
    response   JSONB        NOT NULL DEFAULT '{}',
    scheduling TEXT         NOT NULL DEFAULT '',
    at         TIMESTAMPTZ  NOT NULL,
    PRIMARY KEY (call_id, seq)
);

CREATE INDEX IF NOT EXISTS idx_call_tool_calls_call
    ON call_tool_calls (call_id, at);
`

// Migrate creates or ensures all required tables and indexes exist. It is
// idempotent (CREATE TABLE IF NOT EXISTS / CREATE INDEX IF NOT EXISTS) and
// safe to call on every application start.
func Migrate(ctx context.Context, pool *pgxpool.Pool) error {
	statements := []string{
		ddlCalls,
		ddlCallEvents,
		ddlCallTranscripts,
		ddlCallToolCalls,
	}

	for _, stmt := range statements {
		if _, err := pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("postgres migrate: %w", err)
		}
	}
	return nil
}
