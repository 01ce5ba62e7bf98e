// Package recorder turns in-memory call events into durable records at the
// persistence boundary.
//
// The orchestrator owns a call while it is live; the recorder owns its paper
// trail. Writes are at-least-once: every event carries an idempotency key
// (call ID, monotonic sequence number) so the store can discard replays.
// Persistence failures are retried with exponential backoff inside a per-call
// time budget; a call that exhausts its budget is downgraded to record-only
// partial with a logged warning, never failed.
package recorder

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/voicegate-ai/voicegate/pkg/carrier"
)

// Status is a call's position in the lifecycle state machine.
type Status string

// Call statuses.
const (
	StatusPending    Status = "pending"
	StatusRinging    Status = "ringing"
	StatusInProgress Status = "in_progress"
	StatusCompleted  Status = "completed"
	StatusFailed     Status = "failed"
	StatusAbandoned  Status = "abandoned"
)

// IsTerminal reports whether s ends the call.
func (s Status) IsTerminal() bool {
	switch s {
	case StatusCompleted, StatusFailed, StatusAbandoned:
		return true
	}
	return false
}

// CallRecord is the durable shape of one call. The orchestrator mutates it
// through the recorder while the call is live; after Finalize it is read-only.
type CallRecord struct {
	ID        string
	StreamID  string
	Direction carrier.Direction
	From      string
	To        string
	AgentID   string
	TenantID  string

	StartedAt time.Time
	EndedAt   *time.Time

	Status          Status
	DurationSeconds int

	RecordingURL string
	Transcript   string
	Outcome      string
	Sentiment    *float64

	// HandleCount is the number of resumption handles consumed over the
	// call's lifetime, i.e. how many session handovers the caller sat
	// through.
	HandleCount int

	// Partial marks a record whose event trail is known to be incomplete
	// because the persistence budget ran out mid-call.
	Partial bool
}

// TranscriptSource says who spoke a fragment.
type TranscriptSource string

// Transcript sources.
const (
	SourceCaller TranscriptSource = "caller"
	SourceAgent  TranscriptSource = "agent"
)

// Event is one lifecycle event on a call. Seq is the idempotency key within
// the call: the store must treat a replayed (CallID, Seq) pair as a no-op.
type Event struct {
	CallID string
	Seq    int
	Type   string
	Data   json.RawMessage
	At     time.Time
}

// TranscriptFragment is one piece of speech-to-text output. Fragments are
// ordered by timestamp within a call; their concatenation in that order is
// the aggregated transcript.
type TranscriptFragment struct {
	CallID string
	Seq    int
	Source TranscriptSource
	Text   string
	At     time.Time
}

// ToolCallRecord is one tool invocation made by the model during a call.
type ToolCallRecord struct {
	CallID     string
	Seq        int
	ToolID     string
	Name       string
	Args       json.RawMessage
	Response   json.RawMessage
	Scheduling string
	At         time.Time
}

// Store is the persistence boundary. Implementations must be idempotent on
// the (call_id, seq) key for the three append operations and upsert-by-ID for
// calls.
type Store interface {
	UpsertCall(ctx context.Context, rec CallRecord) error
	AppendEvent(ctx context.Context, ev Event) error
	AppendTranscript(ctx context.Context, frag TranscriptFragment) error
	AppendToolCall(ctx context.Context, tc ToolCallRecord) error
}

// ─────────────────────────────────────────────────────────────────────────────
// Recorder
// ─────────────────────────────────────────────────────────────────────────────

const (
	defaultRetryBudget    = 30 * time.Second
	defaultInitialBackoff = 100 * time.Millisecond
	defaultMaxBackoff     = 5 * time.Second
)

// Option is a functional option for configuring a Recorder.
type Option func(*Recorder)

// WithLogger sets the logger. Defaults to slog.Default.
func WithLogger(l *slog.Logger) Option {
	return func(r *Recorder) { r.log = l }
}

// WithRetryBudget sets the per-call wall-clock budget spent waiting between
// persistence retries before the call downgrades to record-only partial.
func WithRetryBudget(d time.Duration) Option {
	return func(r *Recorder) { r.budget = d }
}

// WithInitialBackoff sets the first retry delay. Subsequent delays double up
// to an internal cap.
func WithInitialBackoff(d time.Duration) Option {
	return func(r *Recorder) { r.initialBackoff = d }
}

// WithClock overrides the time source. Used in tests.
func WithClock(now func() time.Time) Option {
	return func(r *Recorder) { r.now = now }
}

// WithRetryMetric registers a hook fired once per persistence retry, with
// the operation name that failed. Defaults to a no-op.
func WithRetryMetric(fn func(op string)) Option {
	return func(r *Recorder) { r.retryMetric = fn }
}

// Recorder buffers per-call state and flushes lifecycle events through a
// Store. All methods are safe for concurrent use; operations on distinct
// calls never block each other beyond map access.
type Recorder struct {
	store          Store
	log            *slog.Logger
	now            func() time.Time
	budget         time.Duration
	initialBackoff time.Duration
	retryMetric    func(op string)

	mu    sync.Mutex
	calls map[string]*callState
}

type callState struct {
	mu sync.Mutex

	rec       CallRecord
	seq       int
	fragments []TranscriptFragment

	// consumed is the backoff time already spent on this call's retries.
	consumed  time.Duration
	partial   bool
	finalized bool
}

// New creates a Recorder flushing through store.
func New(store Store, opts ...Option) *Recorder {
	r := &Recorder{
		store:          store,
		log:            slog.Default(),
		now:            time.Now,
		budget:         defaultRetryBudget,
		initialBackoff: defaultInitialBackoff,
		calls:          make(map[string]*callState),
	}
	for _, o := range opts {
		o(r)
	}
	return r
}

// Begin registers a new call and writes its initial record. The record's
// Status is forced to pending and StartedAt to now when unset.
func (r *Recorder) Begin(ctx context.Context, rec CallRecord) error {
	if rec.ID == "" {
		return fmt.Errorf("recorder: call record without ID")
	}
	if rec.Status == "" {
		rec.Status = StatusPending
	}
	if rec.StartedAt.IsZero() {
		rec.StartedAt = r.now()
	}

	st := &callState{rec: rec}
	r.mu.Lock()
	r.calls[rec.ID] = st
	r.mu.Unlock()

	st.mu.Lock()
	defer st.mu.Unlock()
	return r.persist(ctx, st, "upsert call", func(ctx context.Context) error {
		return r.store.UpsertCall(ctx, st.rec)
	})
}

// UpdateStatus advances the call's status and persists the change. Terminal
// transitions go through Finalize instead.
func (r *Recorder) UpdateStatus(ctx context.Context, callID string, status Status) error {
	st, err := r.state(callID)
	if err != nil {
		return err
	}

	st.mu.Lock()
	defer st.mu.Unlock()
	if st.finalized {
		return nil
	}
	st.rec.Status = status
	return r.persist(ctx, st, "update status", func(ctx context.Context) error {
		return r.store.UpsertCall(ctx, st.rec)
	})
}

// SetParties records the direction, numbers, and resolved agent once the
// carrier stream has told us who is on the line.
func (r *Recorder) SetParties(ctx context.Context, callID string, dir carrier.Direction, from, to, agentID string) error {
	st, err := r.state(callID)
	if err != nil {
		return err
	}

	st.mu.Lock()
	defer st.mu.Unlock()
	st.rec.Direction = dir
	st.rec.From = from
	st.rec.To = to
	st.rec.AgentID = agentID
	return r.persist(ctx, st, "set parties", func(ctx context.Context) error {
		return r.store.UpsertCall(ctx, st.rec)
	})
}

// SetStreamID records the carrier stream identifier once media begins.
func (r *Recorder) SetStreamID(ctx context.Context, callID, streamID string) error {
	st, err := r.state(callID)
	if err != nil {
		return err
	}

	st.mu.Lock()
	defer st.mu.Unlock()
	st.rec.StreamID = streamID
	return r.persist(ctx, st, "set stream id", func(ctx context.Context) error {
		return r.store.UpsertCall(ctx, st.rec)
	})
}

// AppendEvent records one lifecycle event. The sequence number is assigned
// here; replays of the same (call, seq) pair are absorbed by the store.
func (r *Recorder) AppendEvent(ctx context.Context, callID, eventType string, data json.RawMessage) error {
	st, err := r.state(callID)
	if err != nil {
		return err
	}

	st.mu.Lock()
	defer st.mu.Unlock()
	st.seq++
	ev := Event{
		CallID: callID,
		Seq:    st.seq,
		Type:   eventType,
		Data:   data,
		At:     r.now(),
	}
	return r.persist(ctx, st, "append event", func(ctx context.Context) error {
		return r.store.AppendEvent(ctx, ev)
	})
}

// AppendTranscript records one transcript fragment and keeps it for the
// final aggregated transcript.
func (r *Recorder) AppendTranscript(ctx context.Context, callID string, source TranscriptSource, text string) error {
	st, err := r.state(callID)
	if err != nil {
		return err
	}

	st.mu.Lock()
	defer st.mu.Unlock()
	st.seq++
	frag := TranscriptFragment{
		CallID: callID,
		Seq:    st.seq,
		Source: source,
		Text:   text,
		At:     r.now(),
	}
	st.fragments = append(st.fragments, frag)
	return r.persist(ctx, st, "append transcript", func(ctx context.Context) error {
		return r.store.AppendTranscript(ctx, frag)
	})
}

// AppendToolCall records one tool invocation and its response.
func (r *Recorder) AppendToolCall(ctx context.Context, callID, toolID, name, scheduling string, args, response json.RawMessage) error {
	st, err := r.state(callID)
	if err != nil {
		return err
	}

	st.mu.Lock()
	defer st.mu.Unlock()
	st.seq++
	tc := ToolCallRecord{
		CallID:     callID,
		Seq:        st.seq,
		ToolID:     toolID,
		Name:       name,
		Args:       args,
		Response:   response,
		Scheduling: scheduling,
		At:         r.now(),
	}
	return r.persist(ctx, st, "append tool call", func(ctx context.Context) error {
		return r.store.AppendToolCall(ctx, tc)
	})
}

// RecordHandover counts one consumed resumption handle.
func (r *Recorder) RecordHandover(callID string) {
	st, err := r.state(callID)
	if err != nil {
		return
	}
	st.mu.Lock()
	st.rec.HandleCount++
	st.mu.Unlock()
}

// SetAnalysis attaches post-call analysis to the record: a sentiment score
// and, when non-empty, a refined outcome label. Callable after Finalize, so
// analysis can run in the background without holding the call open; the
// consolidated record is rewritten with the new fields.
func (r *Recorder) SetAnalysis(ctx context.Context, callID string, outcome string, score float64) error {
	st, err := r.state(callID)
	if err != nil {
		return err
	}

	st.mu.Lock()
	defer st.mu.Unlock()
	st.rec.Sentiment = &score
	if outcome != "" {
		st.rec.Outcome = outcome
	}
	return r.persist(ctx, st, "set analysis", func(ctx context.Context) error {
		return r.store.UpsertCall(ctx, st.rec)
	})
}

// Finalize writes the single consolidated terminal record: end instant,
// duration, outcome, aggregated transcript, and resumption-handle count.
// Idempotent: repeated calls after the first succeed without rewriting.
func (r *Recorder) Finalize(ctx context.Context, callID string, terminal Status, outcome string) (CallRecord, error) {
	st, err := r.state(callID)
	if err != nil {
		return CallRecord{}, err
	}

	st.mu.Lock()
	defer st.mu.Unlock()
	if st.finalized {
		return st.rec, nil
	}
	if !terminal.IsTerminal() {
		return st.rec, fmt.Errorf("recorder: finalize with non-terminal status %q", terminal)
	}

	end := r.now()
	st.rec.Status = terminal
	st.rec.EndedAt = &end
	st.rec.Outcome = outcome
	st.rec.Transcript = aggregateTranscript(st.fragments)
	st.rec.Partial = st.partial

	dur := end.Sub(st.rec.StartedAt)
	if dur < 0 {
		dur = 0
	}
	st.rec.DurationSeconds = int(dur.Round(time.Second) / time.Second)

	err = r.persist(ctx, st, "finalize", func(ctx context.Context) error {
		return r.store.UpsertCall(ctx, st.rec)
	})
	if err != nil {
		return st.rec, err
	}
	st.finalized = true
	return st.rec, nil
}

// Record returns a snapshot of the call's current record.
func (r *Recorder) Record(callID string) (CallRecord, bool) {
	st, err := r.state(callID)
	if err != nil {
		return CallRecord{}, false
	}
	st.mu.Lock()
	defer st.mu.Unlock()
	return st.rec, true
}

// Partial reports whether the call has been downgraded to record-only
// partial.
func (r *Recorder) Partial(callID string) bool {
	st, err := r.state(callID)
	if err != nil {
		return false
	}
	st.mu.Lock()
	defer st.mu.Unlock()
	return st.partial
}

// Forget drops the in-memory state for a finalized call. The durable record
// remains in the store.
func (r *Recorder) Forget(callID string) {
	r.mu.Lock()
	delete(r.calls, callID)
	r.mu.Unlock()
}

func (r *Recorder) state(callID string) (*callState, error) {
	r.mu.Lock()
	st, ok := r.calls[callID]
	r.mu.Unlock()
	if !ok {
		return nil, fmt.Errorf("recorder: unknown call %q", callID)
	}
	return st, nil
}

// persist runs op with exponential-backoff retries while the call has retry
// budget left. Once the budget is spent the call is downgraded to
// record-only partial: op gets exactly one attempt and failures are logged,
// never returned, so persistence trouble cannot take the call down with it.
// Callers hold st.mu.
func (r *Recorder) persist(ctx context.Context, st *callState, op string, fn func(context.Context) error) error {
	if st.partial {
		if err := fn(ctx); err != nil {
			r.log.Debug("dropping write for partial call",
				"call_id", st.rec.ID, "op", op, "error", err)
		}
		return nil
	}

	backoff := r.initialBackoff
	for {
		err := fn(ctx)
		if err == nil {
			return nil
		}
		if ctx.Err() != nil {
			return fmt.Errorf("recorder: %s: %w", op, ctx.Err())
		}

		if st.consumed+backoff > r.budget {
			st.partial = true
			st.rec.Partial = true
			r.log.Warn("persistence retry budget exhausted, downgrading call to record-only partial",
				"call_id", st.rec.ID, "op", op, "budget", r.budget, "error", err)
			return nil
		}

		r.log.Warn("persistence write failed, retrying",
			"call_id", st.rec.ID, "op", op, "backoff", backoff, "error", err)
		if r.retryMetric != nil {
			r.retryMetric(op)
		}

		select {
		case <-ctx.Done():
			return fmt.Errorf("recorder: %s: %w", op, ctx.Err())
		case <-time.After(backoff):
		}
		st.consumed += backoff
		backoff *= 2
		if backoff > defaultMaxBackoff {
			backoff = defaultMaxBackoff
		}
	}
}

// aggregateTranscript orders fragments by timestamp (sequence number breaks
// ties) and concatenates them into the call's transcript.
func aggregateTranscript(frags []TranscriptFragment) string {
	sorted := make([]TranscriptFragment, len(frags))
	copy(sorted, frags)
	sort.SliceStable(sorted, func(i, j int) bool {
		if !sorted[i].At.Equal(sorted[j].At) {
			return sorted[i].At.Before(sorted[j].At)
		}
		return sorted[i].Seq < sorted[j].Seq
	})

	var b strings.Builder
	for i, f := range sorted {
		if i > 0 {
			b.WriteByte('\n')
		}
		b.WriteString(string(f.Source))
		b.WriteString(": ")
		b.WriteString(f.Text)
	}
	return b.String()
}
