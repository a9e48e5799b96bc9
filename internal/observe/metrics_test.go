package observe

import (
	"context"
	"testing"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
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

// sumByAttr returns the value of the sum data point whose attribute key has
// value want.
func sumByAttr(t *testing.T, rm metricdata.ResourceMetrics, name, key, want string) int64 {
	t.Helper()
	met := findMetric(rm, name)
	if met == nil {
		t.Fatalf("metric %q not found", name)
	}
	sum, ok := met.Data.(metricdata.Sum[int64])
	if !ok {
		t.Fatalf("metric %q is not a sum", name)
	}
	for _, dp := range sum.DataPoints {
		if v, ok := dp.Attributes.Value(attribute.Key(key)); ok && v.Emit() == want {
			return dp.Value
		}
	}
	t.Fatalf("metric %q: no data point with %s=%s", name, key, want)
	return 0
}

func TestNewMetrics_CreatesWithoutError(t *testing.T) {
	m, _ := newTestMetrics(t)
	if m == nil {
		t.Fatal("NewMetrics returned nil")
	}
}

func TestRecordFrame(t *testing.T) {
	m, reader := newTestMetrics(t)
	ctx := context.Background()

	m.RecordFrame(ctx, 4096, false)
	m.RecordFrame(ctx, 4096, false)
	m.RecordFrame(ctx, 0, true)

	rm := collect(t, reader)
	if got := sumByAttr(t, rm, "voxlink.uplink.frames", "commit", "false"); got != 2 {
		t.Errorf("data frames = %d, want 2", got)
	}
	if got := sumByAttr(t, rm, "voxlink.uplink.frames", "commit", "true"); got != 1 {
		t.Errorf("commit frames = %d, want 1", got)
	}

	met := findMetric(rm, "voxlink.uplink.bytes")
	if met == nil {
		t.Fatal("bytes metric not found")
	}
	sum := met.Data.(metricdata.Sum[int64])
	if len(sum.DataPoints) != 1 || sum.DataPoints[0].Value != 8192 {
		t.Errorf("bytes = %+v, want 8192", sum.DataPoints)
	}
}

func TestLabelledCounters(t *testing.T) {
	m, reader := newTestMetrics(t)
	ctx := context.Background()

	m.RecordInbound(ctx, "audio_chunk")
	m.RecordInbound(ctx, "audio_chunk")
	m.RecordInbound(ctx, "response")
	m.RecordUpstreamError(ctx, "quota")
	m.RecordPlayback(ctx, "ended")
	m.RecordPlayback(ctx, "interrupted")
	m.RecordPlayback(ctx, "ended")

	rm := collect(t, reader)
	tests := []struct {
		name, key, value string
		want             int64
	}{
		{"voxlink.inbound.messages", "kind", "audio_chunk", 2},
		{"voxlink.inbound.messages", "kind", "response", 1},
		{"voxlink.upstream.errors", "class", "quota", 1},
		{"voxlink.playback.items", "outcome", "ended", 2},
		{"voxlink.playback.items", "outcome", "interrupted", 1},
	}
	for _, tc := range tests {
		if got := sumByAttr(t, rm, tc.name, tc.key, tc.value); got != tc.want {
			t.Errorf("%s{%s=%s} = %d, want %d", tc.name, tc.key, tc.value, got, tc.want)
		}
	}
}

func TestGauges(t *testing.T) {
	m, reader := newTestMetrics(t)
	ctx := context.Background()

	m.ConnectionState.Record(ctx, 1)
	m.ConnectionState.Record(ctx, 2)
	m.QueueDepth.Record(ctx, 3)
	m.ActiveSessions.Add(ctx, 1)
	m.ActiveSessions.Add(ctx, 1)
	m.ActiveSessions.Add(ctx, -1)

	rm := collect(t, reader)
	for name, want := range map[string]int64{
		"voxlink.connection.state":     2,
		"voxlink.playback.queue_depth": 3,
	} {
		met := findMetric(rm, name)
		if met == nil {
			t.Fatalf("metric %q not found", name)
		}
		g, ok := met.Data.(metricdata.Gauge[int64])
		if !ok {
			t.Fatalf("metric %q is not a gauge", name)
		}
		if len(g.DataPoints) != 1 || g.DataPoints[0].Value != want {
			t.Errorf("%s = %+v, want %d", name, g.DataPoints, want)
		}
	}

	met := findMetric(rm, "voxlink.active_sessions")
	if met == nil {
		t.Fatal("active sessions not found")
	}
	if got := met.Data.(metricdata.Sum[int64]).DataPoints[0].Value; got != 1 {
		t.Errorf("active sessions = %d, want 1", got)
	}
}

func TestDecodeDurationAndInterruptions(t *testing.T) {
	m, reader := newTestMetrics(t)
	ctx := context.Background()

	m.DecodeDuration.Record(ctx, 0.004)
	m.DecodeDuration.Record(ctx, 0.02)
	m.Interruptions.Add(ctx, 1)
	m.ReconnectAttempts.Add(ctx, 1)

	rm := collect(t, reader)
	met := findMetric(rm, "voxlink.playback.decode.duration")
	if met == nil {
		t.Fatal("decode duration not found")
	}
	hist, ok := met.Data.(metricdata.Histogram[float64])
	if !ok {
		t.Fatal("decode duration is not a histogram")
	}
	if got := hist.DataPoints[0].Count; got != 2 {
		t.Errorf("sample count = %d, want 2", got)
	}
	for _, name := range []string{"voxlink.playback.interruptions", "voxlink.connection.reconnects"} {
		met := findMetric(rm, name)
		if met == nil {
			t.Fatalf("metric %q not found", name)
		}
		if got := met.Data.(metricdata.Sum[int64]).DataPoints[0].Value; got != 1 {
			t.Errorf("%s = %d, want 1", name, got)
		}
	}
}

func TestHTTPRequestDuration(t *testing.T) {
	m, reader := newTestMetrics(t)
	ctx := context.Background()

	m.HTTPRequestDuration.Record(ctx, 0.05,
		metric.WithAttributes(
			attribute.String("method", "GET"),
			attribute.String("path", "/healthz"),
		),
	)

	rm := collect(t, reader)
	met := findMetric(rm, "voxlink.http.request.duration")
	if met == nil {
		t.Fatal("metric not found")
	}
	hist, ok := met.Data.(metricdata.Histogram[float64])
	if !ok {
		t.Fatal("metric is not a histogram")
	}
	if len(hist.DataPoints) == 0 {
		t.Fatal("no data points")
	}
	if got := hist.DataPoints[0].Count; got != 1 {
		t.Errorf("sample count = %d, want 1", got)
	}
}

func TestDefaultMetrics_ReturnsSameInstance(t *testing.T) {
	// DefaultMetrics uses the global OTel provider so we just check
	// that repeated calls return the same pointer.
	a := DefaultMetrics()
	b := DefaultMetrics()
	if a != b {
		t.Error("DefaultMetrics returned different pointers")
	}
}
