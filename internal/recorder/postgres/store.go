package postgres

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/voicegate-ai/voicegate/internal/recorder"
)

// Compile-time interface check.
var _ recorder.Store = (*Store)(nil)

// Store is the PostgreSQL-backed call-lifecycle store. It holds a single
// [pgxpool.Pool]; all operations are safe for concurrent use.
type Store struct {
	pool *pgxpool.Pool
}

// NewStore creates a new Store, establishes a connection pool to the
// database at dsn, and runs [Migrate] to ensure all required tables exist.
func NewStore(ctx context.Context, dsn string) (*Store, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("call store: parse dsn: %w", err)
	}

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("call store: create pool: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("call store: ping: %w", err)
	}

	if err := Migrate(ctx, pool); err != nil {
		pool.Close()
		return nil, fmt.Errorf("call store: migrate: %w", err)
	}

	return &Store{pool: pool}, nil
}

// Close releases all connections held by the underlying connection pool.
func (s *Store) Close() {
	s.pool.Close()
}

// Ping verifies the database is reachable. Used by the readiness probe.
func (s *Store) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

// upsertCallSQL converges repeated writes of a call record onto the latest
// state. Every column that can change after the initial insert (the insert
// happens at Begin, before the carrier start event fills in the parties)
// must appear in the conflict branch.
const upsertCallSQL = `
		INSERT INTO calls
		    (id, stream_id, direction, from_number, to_number, agent_id, tenant_id,
		     started_at, ended_at, status, duration_seconds, recording_url,
		     transcript, outcome, sentiment, handle_count, partial)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17)
		ON CONFLICT (id) DO UPDATE SET
		    stream_id        = EXCLUDED.stream_id,
		    direction        = EXCLUDED.direction,
		    from_number      = EXCLUDED.from_number,
		    to_number        = EXCLUDED.to_number,
		    agent_id         = EXCLUDED.agent_id,
		    tenant_id        = EXCLUDED.tenant_id,
		    ended_at         = EXCLUDED.ended_at,
		    status           = EXCLUDED.status,
		    duration_seconds = EXCLUDED.duration_seconds,
		    recording_url    = EXCLUDED.recording_url,
		    transcript       = EXCLUDED.transcript,
		    outcome          = EXCLUDED.outcome,
		    sentiment        = EXCLUDED.sentiment,
		    handle_count     = EXCLUDED.handle_count,
		    partial          = EXCLUDED.partial`

// UpsertCall implements [recorder.Store]. The call row is keyed by ID so the
// recorder's at-least-once upserts converge on the latest state.
func (s *Store) UpsertCall(ctx context.Context, rec recorder.CallRecord) error {
	_, err := s.pool.Exec(ctx, upsertCallSQL,
		rec.ID,
		rec.StreamID,
		string(rec.Direction),
		rec.From,
		rec.To,
		rec.AgentID,
		rec.TenantID,
		rec.StartedAt,
		rec.EndedAt,
		string(rec.Status),
		rec.DurationSeconds,
		rec.RecordingURL,
		rec.Transcript,
		rec.Outcome,
		rec.Sentiment,
		rec.HandleCount,
		rec.Partial,
	)
	if err != nil {
		return fmt.Errorf("call store: upsert call: %w", err)
	}
	return nil
}

// AppendEvent implements [recorder.Store]. Replays of a (call_id, seq) pair
// are silently discarded.
func (s *Store) AppendEvent(ctx context.Context, ev recorder.Event) error {
	const q = `
		INSERT INTO call_events (call_id, seq, event_type, data, at)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (call_id, seq) DO NOTHING`

	_, err := s.pool.Exec(ctx, q, ev.CallID, ev.Seq, ev.Type, jsonOrEmpty(ev.Data), ev.At)
	if err != nil {
		return fmt.Errorf("call store: append event: %w", err)
	}
	return nil
}

// AppendTranscript implements [recorder.Store].
func (s *Store) AppendTranscript(ctx context.Context, frag recorder.TranscriptFragment) error {
	const q = `
		INSERT INTO call_transcripts (call_id, seq, source, text, at)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (call_id, seq) DO NOTHING`

	_, err := s.pool.Exec(ctx, q, frag.CallID, frag.Seq, string(frag.Source), frag.Text, frag.At)
	if err != nil {
		return fmt.Errorf("call store: append transcript: %w", err)
	}
	return nil
}

// AppendToolCall implements [recorder.Store].
func (s *Store) AppendToolCall(ctx context.Context, tc recorder.ToolCallRecord) error {
	const q = `
		INSERT INTO call_tool_calls (call_id, seq, tool_id, name, args, response, scheduling, at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		ON CONFLICT (call_id, seq) DO NOTHING`

	_, err := s.pool.Exec(ctx, q,
		tc.CallID,
		tc.Seq,
		tc.ToolID,
		tc.Name,
		jsonOrEmpty(tc.Args),
		jsonOrEmpty(tc.Response),
		tc.Scheduling,
		tc.At,
	)
	if err != nil {
		return fmt.Errorf("call store: append tool call: %w", err)
	}
	return nil
}

// jsonOrEmpty substitutes "{}" for nil payloads so JSONB columns never see
// SQL NULL.
func jsonOrEmpty(raw json.RawMessage) json.RawMessage {
	if len(raw) == 0 {
		return json.RawMessage("{}")
	}
	return raw
}
