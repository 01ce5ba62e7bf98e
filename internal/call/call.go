// Package call orchestrates a single phone call end to end: it owns the call
// state machine, wires the carrier media stream to the model session through
// the audio codec, and feeds the lifecycle recorder.
//
// State machine:
//
//	Pending → Ringing → InProgress → (Completed | Failed | Abandoned)
//
// Pending→Ringing on the carrier's Connected signal. Ringing→InProgress once
// the carrier's Start has arrived and the model session has acknowledged its
// configuration; a setup timeout here fails the call. A caller who hangs up
// before the agent has produced any audio abandons the call; a hangup
// mid-utterance completes it.
package call

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"github.com/voicegate-ai/voicegate/internal/recorder"
	"github.com/voicegate-ai/voicegate/internal/routing"
	"github.com/voicegate-ai/voicegate/internal/sentiment"
	"github.com/voicegate-ai/voicegate/pkg/carrier"
	"github.com/voicegate-ai/voicegate/pkg/model"
)

// Default timing policy.
const (
	// defaultSetupTimeout bounds the window between accepting a carrier
	// connection and reaching InProgress.
	defaultSetupTimeout = 8 * time.Second

	// defaultIdleTimeout is how long the caller may stay silent before the
	// agent is prompted to check in; a second silent window ends the call.
	defaultIdleTimeout = 30 * time.Second

	// defaultHandoverBudget is the longest audible blackout a session
	// handover may cause before the call is ended instead.
	defaultHandoverBudget = 400 * time.Millisecond

	// defaultToolTimeout bounds a registered tool handler. On expiry the
	// model receives the stub response instead.
	defaultToolTimeout = 5 * time.Second

	// drainTimeout bounds the wait for the final mark echo before the
	// carrier connection is torn down on a normal completion.
	drainTimeout = 3 * time.Second

	// analysisTimeout bounds the post-call transcript analysis request.
	analysisTimeout = 15 * time.Second
)

// Outcome tags written to the lifecycle record.
const (
	OutcomeCompleted       = "completed"
	OutcomeForwarded       = "forwarded"
	OutcomeCallerHungUp    = "caller_hung_up"
	OutcomeIdleTimeout     = "idle_timeout"
	OutcomeSetupTimeout    = "setup_timeout"
	OutcomeEmergencyStop   = "emergency_stop"
	OutcomeHandoverFailed  = "session_handover_failed"
	OutcomeCarrierError    = "carrier_error"
	OutcomeModelError      = "model_error"
	OutcomeCorruptAudio    = "corrupt_audio"
	OutcomeRejectedByRoute = "rejected"
)

// idlePrompt is injected as a synthetic user turn when the caller has been
// silent past the idle window.
const idlePrompt = "The caller has been silent for a while. Briefly ask whether they are still there."

// ToolHandler executes one model-initiated tool call. It must return a JSON
// object; errors and deadline overruns fall back to the stub response.
type ToolHandler func(ctx context.Context, name string, args json.RawMessage) (json.RawMessage, error)

// stubToolResponse answers tool calls when no handler is registered or the
// registered one fails.
var stubToolResponse = json.RawMessage(`{"result":"ok"}`)

// Analyzer grades a finished call's aggregated transcript. Satisfied by
// [sentiment.Analyzer].
type Analyzer interface {
	Analyze(ctx context.Context, transcript string) (sentiment.Result, error)
}

// Metrics receives operational counters from the orchestrator. The zero
// orchestrator uses a no-op implementation.
type Metrics interface {
	// CallStarted fires when a call reaches InProgress; CallEnded fires when
	// such a call terminates. CallRefused fires instead of the pair for
	// calls that never got that far.
	CallStarted(direction string)
	CallEnded(status, outcome string)
	CallRefused(reason string)
	FramesIn(n int)
	FramesOut(n int)
	// FramesDropped and Reconnects surface the session's cumulative
	// counters, reported once when the call ends.
	FramesDropped(n int)
	Reconnects(n int)
	BargeIn()
	Handover(blackout time.Duration)
	ToolCall(name string)
}

type nopMetrics struct{}

func (nopMetrics) CallStarted(string)       {}
func (nopMetrics) CallEnded(string, string) {}
func (nopMetrics) CallRefused(string)       {}
func (nopMetrics) FramesIn(int)             {}
func (nopMetrics) FramesOut(int)            {}
func (nopMetrics) FramesDropped(int)        {}
func (nopMetrics) Reconnects(int)           {}
func (nopMetrics) BargeIn()                 {}
func (nopMetrics) Handover(time.Duration)   {}
func (nopMetrics) ToolCall(string)          {}

// Option is a functional option for configuring an Orchestrator.
type Option func(*Orchestrator)

// WithLogger sets the logger. Defaults to slog.Default.
func WithLogger(l *slog.Logger) Option {
	return func(o *Orchestrator) { o.log = l }
}

// WithSetupTimeout overrides the accept-to-InProgress deadline.
func WithSetupTimeout(d time.Duration) Option {
	return func(o *Orchestrator) { o.setupTimeout = d }
}

// WithIdleTimeout overrides the caller-silence window.
func WithIdleTimeout(d time.Duration) Option {
	return func(o *Orchestrator) { o.idleTimeout = d }
}

// WithHandoverBudget overrides the tolerable handover blackout.
func WithHandoverBudget(d time.Duration) Option {
	return func(o *Orchestrator) { o.handoverBudget = d }
}

// WithToolHandler registers a tool executor. Without one every tool call is
// answered with the stub response.
func WithToolHandler(h ToolHandler) Option {
	return func(o *Orchestrator) { o.toolHandler = h }
}

// WithToolTimeout bounds each tool handler invocation.
func WithToolTimeout(d time.Duration) Option {
	return func(o *Orchestrator) { o.toolTimeout = d }
}

// WithTools declares the tool surface offered to the model on session setup.
func WithTools(tools []model.ToolDefinition) Option {
	return func(o *Orchestrator) { o.tools = tools }
}

// WithMetrics sets the metrics sink.
func WithMetrics(m Metrics) Option {
	return func(o *Orchestrator) { o.metrics = m }
}

// WithAnalyzer enables post-call transcript analysis. The analyzer runs in
// the background after the lifecycle record is finalized and refines the
// record's outcome and sentiment fields.
func WithAnalyzer(a Analyzer) Option {
	return func(o *Orchestrator) { o.analyzer = a }
}

// Orchestrator runs calls. One Orchestrator serves the whole process; each
// accepted carrier session gets its own goroutine via Handle. All methods
// are safe for concurrent use.
type Orchestrator struct {
	resolver *routing.Resolver
	provider model.Provider
	rec      *recorder.Recorder
	log      *slog.Logger
	metrics  Metrics

	setupTimeout   time.Duration
	idleTimeout    time.Duration
	handoverBudget time.Duration
	toolTimeout    time.Duration
	toolHandler    ToolHandler
	tools          []model.ToolDefinition
	analyzer       Analyzer

	mu     sync.Mutex
	active map[string]*run
}

// New creates an Orchestrator over a resolver, a model provider, and a
// lifecycle recorder.
func New(resolver *routing.Resolver, provider model.Provider, rec *recorder.Recorder, opts ...Option) *Orchestrator {
	o := &Orchestrator{
		resolver:       resolver,
		provider:       provider,
		rec:            rec,
		log:            slog.Default(),
		metrics:        nopMetrics{},
		setupTimeout:   defaultSetupTimeout,
		idleTimeout:    defaultIdleTimeout,
		handoverBudget: defaultHandoverBudget,
		toolTimeout:    defaultToolTimeout,
		active:         make(map[string]*run),
	}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

// ActiveCalls returns the IDs of calls currently in flight.
func (o *Orchestrator) ActiveCalls() []string {
	o.mu.Lock()
	defer o.mu.Unlock()
	ids := make([]string, 0, len(o.active))
	for id := range o.active {
		ids = append(ids, id)
	}
	return ids
}

// StopCall ends one call with the emergency-stop outcome. Returns false if
// the call is unknown.
func (o *Orchestrator) StopCall(callID string) bool {
	o.mu.Lock()
	r, ok := o.active[callID]
	o.mu.Unlock()
	if ok {
		r.stop(OutcomeEmergencyStop)
	}
	return ok
}

// StopAgent ends every live call on one agent. Returns the number stopped.
func (o *Orchestrator) StopAgent(agentID string) int {
	return o.stopWhere(func(r *run) bool { return r.agentID() == agentID })
}

// StopTenant ends every live call for one tenant. Returns the number
// stopped.
func (o *Orchestrator) StopTenant(tenant string) int {
	return o.stopWhere(func(r *run) bool { return r.tenant == tenant })
}

// StopAll ends every live call. Returns the number stopped.
func (o *Orchestrator) StopAll() int {
	return o.stopWhere(func(*run) bool { return true })
}

func (o *Orchestrator) stopWhere(match func(*run) bool) int {
	o.mu.Lock()
	var victims []*run
	for _, r := range o.active {
		if match(r) {
			victims = append(victims, r)
		}
	}
	o.mu.Unlock()

	for _, r := range victims {
		r.stop(OutcomeEmergencyStop)
	}
	return len(victims)
}

// Handle runs one call to completion over an accepted carrier session. It
// blocks until the call reaches a terminal state and always returns with the
// carrier session closed and the lifecycle record finalized.
func (o *Orchestrator) Handle(ctx context.Context, cs carrier.Session) error {
	r := newRun(o, cs)

	o.mu.Lock()
	o.active[r.callID] = r
	o.mu.Unlock()
	defer func() {
		o.mu.Lock()
		delete(o.active, r.callID)
		o.mu.Unlock()
	}()

	return r.loop(ctx)
}
