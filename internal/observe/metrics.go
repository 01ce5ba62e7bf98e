// Package observe provides application-wide observability primitives for
// voicegate: OpenTelemetry metrics, distributed tracing, structured logging,
// and HTTP middleware that ties them together.
//
// Metrics are recorded through the OpenTelemetry Metrics API. A Prometheus
// exporter bridge is available via [InitProvider] so that metrics can still be
// scraped via the standard /metrics endpoint. A package-level default
// [Metrics] instance ([DefaultMetrics]) is provided for convenience; tests
// should use [NewMetrics] with a custom [metric.MeterProvider] to avoid
// cross-test pollution.
package observe

import (
	"context"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// meterName is the instrumentation scope name used for all voicegate metrics.
const meterName = "github.com/voicegate-ai/voicegate"

// Metrics holds all OpenTelemetry metric instruments for the gateway.
// All fields are safe for concurrent use — the underlying OTel types handle
// their own synchronisation.
type Metrics struct {
	// --- Call lifecycle ---

	// ActiveCalls tracks the number of calls currently in flight.
	ActiveCalls metric.Int64UpDownCounter

	// CallsStarted counts calls reaching InProgress. Use with attribute:
	//   attribute.String("direction", ...)
	CallsStarted metric.Int64Counter

	// CallsEnded counts terminated calls. Use with attributes:
	//   attribute.String("status", ...), attribute.String("outcome", ...)
	CallsEnded metric.Int64Counter

	// CallsRefused counts calls that never reached InProgress, by reason
	// (routing rejection, setup timeout, model open failure).
	CallsRefused metric.Int64Counter

	// --- Media plane ---

	// FramesIn counts 20 ms caller frames forwarded to the model.
	FramesIn metric.Int64Counter

	// FramesOut counts 20 ms agent frames queued to the carrier.
	FramesOut metric.Int64Counter

	// FramesDropped counts frames lost in flight: send-queue drop-oldest
	// evictions on the model side and wire sequence gaps on the carrier
	// side.
	FramesDropped metric.Int64Counter

	// BargeIns counts caller interruptions that cleared queued agent audio.
	BargeIns metric.Int64Counter

	// --- Model session continuity ---

	// Handovers counts planned session handovers (GoAway-driven redials).
	Handovers metric.Int64Counter

	// HandoverBlackout tracks the audible gap a handover caused.
	HandoverBlackout metric.Float64Histogram

	// Reconnects counts transient-failure reconnection attempts.
	Reconnects metric.Int64Counter

	// --- Persistence ---

	// FlushRetries counts lifecycle-record writes that needed a retry.
	FlushRetries metric.Int64Counter

	// --- Tools ---

	// ToolCalls counts model tool invocations. Use with attribute:
	//   attribute.String("tool", ...)
	ToolCalls metric.Int64Counter

	// --- HTTP middleware ---

	// HTTPRequestDuration tracks HTTP request processing time. Use with attributes:
	//   attribute.String("method", ...), attribute.String("path", ...)
	HTTPRequestDuration metric.Float64Histogram
}

// blackoutBuckets defines histogram bucket boundaries (in seconds) around the
// handover blackout budget.
var blackoutBuckets = []float64{
	0.05, 0.1, 0.2, 0.3, 0.4, 0.6, 0.8, 1, 2, 4,
}

// NewMetrics creates a fully initialised [Metrics] struct using the given
// [metric.MeterProvider]. Returns an error if any instrument creation fails.
func NewMetrics(mp metric.MeterProvider) (*Metrics, error) {
	m := mp.Meter(meterName)
	var err error
	met := &Metrics{}

	if met.ActiveCalls, err = m.Int64UpDownCounter("voicegate.calls.active",
		metric.WithDescription("Number of calls currently in flight."),
	); err != nil {
		return nil, err
	}
	if met.CallsStarted, err = m.Int64Counter("voicegate.calls.started",
		metric.WithDescription("Calls that reached InProgress, by direction."),
	); err != nil {
		return nil, err
	}
	if met.CallsEnded, err = m.Int64Counter("voicegate.calls.ended",
		metric.WithDescription("Terminated calls by status and outcome."),
	); err != nil {
		return nil, err
	}
	if met.CallsRefused, err = m.Int64Counter("voicegate.calls.refused",
		metric.WithDescription("Calls that never reached InProgress, by reason."),
	); err != nil {
		return nil, err
	}

	if met.FramesIn, err = m.Int64Counter("voicegate.frames.in",
		metric.WithDescription("Caller media frames forwarded to the model."),
	); err != nil {
		return nil, err
	}
	if met.FramesOut, err = m.Int64Counter("voicegate.frames.out",
		metric.WithDescription("Agent media frames queued to the carrier."),
	); err != nil {
		return nil, err
	}
	if met.FramesDropped, err = m.Int64Counter("voicegate.frames.dropped",
		metric.WithDescription("Frames shed under send-queue backpressure."),
	); err != nil {
		return nil, err
	}
	if met.BargeIns, err = m.Int64Counter("voicegate.barge_ins",
		metric.WithDescription("Caller interruptions that cleared queued agent audio."),
	); err != nil {
		return nil, err
	}

	if met.Handovers, err = m.Int64Counter("voicegate.session.handovers",
		metric.WithDescription("Planned model-session handovers."),
	); err != nil {
		return nil, err
	}
	if met.HandoverBlackout, err = m.Float64Histogram("voicegate.session.handover_blackout",
		metric.WithDescription("Audible gap caused by a session handover."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(blackoutBuckets...),
	); err != nil {
		return nil, err
	}
	if met.Reconnects, err = m.Int64Counter("voicegate.session.reconnects",
		metric.WithDescription("Transient-failure reconnection attempts."),
	); err != nil {
		return nil, err
	}

	if met.FlushRetries, err = m.Int64Counter("voicegate.recorder.flush_retries",
		metric.WithDescription("Lifecycle-record writes that needed a retry."),
	); err != nil {
		return nil, err
	}

	if met.ToolCalls, err = m.Int64Counter("voicegate.tool.calls",
		metric.WithDescription("Model tool invocations by tool name."),
	); err != nil {
		return nil, err
	}

	if met.HTTPRequestDuration, err = m.Float64Histogram("voicegate.http.request.duration",
		metric.WithDescription("HTTP request latency by method and path."),
		metric.WithUnit("s"),
	); err != nil {
		return nil, err
	}

	return met, nil
}

// defaultMetrics is the lazily-initialised package-level Metrics instance.
var (
	defaultMetrics     *Metrics
	defaultMetricsOnce sync.Once
)

// DefaultMetrics returns the package-level [Metrics] instance, creating it on
// first call using [otel.GetMeterProvider]. Subsequent calls return the same
// pointer. Panics if instrument creation fails (should not happen with the
// global provider).
func DefaultMetrics() *Metrics {
	defaultMetricsOnce.Do(func() {
		var err error
		defaultMetrics, err = NewMetrics(otel.GetMeterProvider())
		if err != nil {
			panic("observe: failed to create default metrics: " + err.Error())
		}
	})
	return defaultMetrics
}

// Attr is a convenience alias for [attribute.String] to reduce verbosity at
// call sites.
func Attr(key, value string) attribute.KeyValue {
	return attribute.String(key, value)
}

// CallSink adapts Metrics to the orchestrator's per-call metrics contract.
// Obtain one via [Metrics.CallSink].
type CallSink struct {
	m *Metrics
}

// CallSink returns an adapter satisfying the orchestrator's Metrics
// interface.
func (m *Metrics) CallSink() *CallSink { return &CallSink{m: m} }

// FlushRetry records one lifecycle-record write retry, by operation.
func (m *Metrics) FlushRetry(op string) {
	m.FlushRetries.Add(context.Background(), 1,
		metric.WithAttributes(attribute.String("op", op)))
}

// CallStarted records a call reaching InProgress.
func (s *CallSink) CallStarted(direction string) {
	ctx := context.Background()
	s.m.ActiveCalls.Add(ctx, 1)
	s.m.CallsStarted.Add(ctx, 1, metric.WithAttributes(attribute.String("direction", direction)))
}

// CallEnded records a terminated call.
func (s *CallSink) CallEnded(status, outcome string) {
	ctx := context.Background()
	s.m.ActiveCalls.Add(ctx, -1)
	s.m.CallsEnded.Add(ctx, 1, metric.WithAttributes(
		attribute.String("status", status),
		attribute.String("outcome", outcome),
	))
}

// CallRefused records a call that never reached InProgress.
func (s *CallSink) CallRefused(reason string) {
	s.m.CallsRefused.Add(context.Background(), 1,
		metric.WithAttributes(attribute.String("reason", reason)))
}

// FramesIn records caller frames forwarded to the model.
func (s *CallSink) FramesIn(n int) {
	s.m.FramesIn.Add(context.Background(), int64(n))
}

// FramesOut records agent frames queued to the carrier.
func (s *CallSink) FramesOut(n int) {
	s.m.FramesOut.Add(context.Background(), int64(n))
}

// FramesDropped records frames shed by the session's drop-oldest queue.
func (s *CallSink) FramesDropped(n int) {
	s.m.FramesDropped.Add(context.Background(), int64(n))
}

// Reconnects records transient-failure redials recovered over the call.
func (s *CallSink) Reconnects(n int) {
	s.m.Reconnects.Add(context.Background(), int64(n))
}

// BargeIn records one caller interruption.
func (s *CallSink) BargeIn() {
	s.m.BargeIns.Add(context.Background(), 1)
}

// Handover records one session handover and its blackout.
func (s *CallSink) Handover(blackout time.Duration) {
	ctx := context.Background()
	s.m.Handovers.Add(ctx, 1)
	s.m.HandoverBlackout.Record(ctx, blackout.Seconds())
}

// ToolCall records one model tool invocation.
func (s *CallSink) ToolCall(name string) {
	s.m.ToolCalls.Add(context.Background(), 1,
		metric.WithAttributes(attribute.String("tool", name)))
}
