package observe

import (
	"context"
	"testing"
	"time"

	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"
)

// newTestMetrics returns a Metrics instance backed by a ManualReader for
// programmatic metric inspection.
func newTestMetrics(t *testing.T) (*Metrics, *sdkmetric.ManualReader) {
	t.Helper()
	reader := sdkmetric.NewManualReader()
	mp := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))
	t.Cleanup(func() { _ = mp.Shutdown(context.Background()) })

	m, err := NewMetrics(mp)
	if err != nil {
		t.Fatalf("NewMetrics: %v", err)
	}
	return m, reader
}

// collect gathers all metric data from the reader.
func collect(t *testing.T, reader *sdkmetric.ManualReader) metricdata.ResourceMetrics {
	t.Helper()
	var rm metricdata.ResourceMetrics
	if err := reader.Collect(context.Background(), &rm); err != nil {
		t.Fatalf("Collect: %v", err)
	}
	return rm
}

// findMetric searches for a metric by name across all scope metrics.
func findMetric(rm metricdata.ResourceMetrics, name string) *metricdata.Metrics {
	for _, sm := range rm.ScopeMetrics {
		for i := range sm.Metrics {
			if sm.Metrics[i].Name == name {
				return &sm.Metrics[i]
			}
		}
	}
	return nil
}

// sumValue totals all data points of an int64 sum metric.
func sumValue(t *testing.T, m *metricdata.Metrics) int64 {
	t.Helper()
	sum, ok := m.Data.(metricdata.Sum[int64])
	if !ok {
		t.Fatalf("metric %q is not an int64 sum", m.Name)
	}
	var total int64
	for _, dp := range sum.DataPoints {
		total += dp.Value
	}
	return total
}

func TestNewMetrics_CreatesWithoutError(t *testing.T) {
	m, _ := newTestMetrics(t)
	if m == nil {
		t.Fatal("NewMetrics returned nil")
	}
}

func TestCallSink_ActiveGaugeBalances(t *testing.T) {
	m, reader := newTestMetrics(t)
	sink := m.CallSink()

	sink.CallStarted("inbound")
	sink.CallStarted("outbound")
	sink.CallEnded("completed", "completed")

	rm := collect(t, reader)

	active := findMetric(rm, "voicegate.calls.active")
	if active == nil {
		t.Fatal("voicegate.calls.active not found")
	}
	if got := sumValue(t, active); got != 1 {
		t.Errorf("active calls = %d, want 1", got)
	}

	started := findMetric(rm, "voicegate.calls.started")
	if started == nil {
		t.Fatal("voicegate.calls.started not found")
	}
	if got := sumValue(t, started); got != 2 {
		t.Errorf("calls started = %d, want 2", got)
	}
}

func TestCallSink_RefusedDoesNotTouchActive(t *testing.T) {
	m, reader := newTestMetrics(t)
	sink := m.CallSink()

	sink.CallRefused("setup_timeout")

	rm := collect(t, reader)
	if refused := findMetric(rm, "voicegate.calls.refused"); refused == nil || sumValue(t, refused) != 1 {
		t.Error("refused call not counted")
	}
	if active := findMetric(rm, "voicegate.calls.active"); active != nil && sumValue(t, active) != 0 {
		t.Error("refused call moved the active gauge")
	}
}

func TestCallSink_MediaCounters(t *testing.T) {
	m, reader := newTestMetrics(t)
	sink := m.CallSink()

	sink.FramesIn(50)
	sink.FramesOut(30)
	sink.BargeIn()
	sink.ToolCall("lookup_order")

	rm := collect(t, reader)
	checks := map[string]int64{
		"voicegate.frames.in":  50,
		"voicegate.frames.out": 30,
		"voicegate.barge_ins":  1,
		"voicegate.tool.calls": 1,
	}
	for name, want := range checks {
		met := findMetric(rm, name)
		if met == nil {
			t.Errorf("%s not found", name)
			continue
		}
		if got := sumValue(t, met); got != want {
			t.Errorf("%s = %d, want %d", name, got, want)
		}
	}
}

func TestCallSink_HandoverRecordsBlackout(t *testing.T) {
	m, reader := newTestMetrics(t)
	sink := m.CallSink()

	sink.Handover(150 * time.Millisecond)

	rm := collect(t, reader)
	met := findMetric(rm, "voicegate.session.handover_blackout")
	if met == nil {
		t.Fatal("voicegate.session.handover_blackout not found")
	}
	hist, ok := met.Data.(metricdata.Histogram[float64])
	if !ok {
		t.Fatal("blackout metric is not a histogram")
	}
	if len(hist.DataPoints) == 0 || hist.DataPoints[0].Count != 1 {
		t.Error("blackout not recorded")
	}
	if got := hist.DataPoints[0].Sum; got < 0.149 || got > 0.151 {
		t.Errorf("blackout sum = %v s, want ~0.15", got)
	}

	if counter := findMetric(rm, "voicegate.session.handovers"); counter == nil || sumValue(t, counter) != 1 {
		t.Error("handover counter not incremented")
	}
}
