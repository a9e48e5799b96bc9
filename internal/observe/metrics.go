// Package observe provides observability for voxlink: OpenTelemetry metrics
// for the voice pipeline, tracing, trace-aware logging and HTTP middleware.
//
// Metrics go through the OpenTelemetry Metrics API. [InitProvider] installs a
// Prometheus exporter bridge so they can be scraped from /metrics. Tests
// should build their own [Metrics] with [NewMetrics] and a manual reader.
package observe

import (
	"context"
	"sync"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// meterName is the instrumentation scope name used for all voxlink metrics.
const meterName = "github.com/MrWong99/voxlink"

// Metrics holds the metric instruments of a voice session.
type Metrics struct {
	// --- Uplink ---

	// FramesSent counts audio frames written to the uplink. Attribute
	// "commit" distinguishes commit markers from data frames.
	FramesSent metric.Int64Counter

	// BytesSent counts PCM bytes sent upstream.
	BytesSent metric.Int64Counter

	// --- Connection ---

	// ReconnectAttempts counts scheduled reconnect attempts.
	ReconnectAttempts metric.Int64Counter

	// ConnectionState records the current connection state as its ordinal
	// (0 closed, 1 connecting, 2 open, 3 reconnecting).
	ConnectionState metric.Int64Gauge

	// InboundMessages counts routed frames by attribute "kind".
	InboundMessages metric.Int64Counter

	// UpstreamErrors counts error frames by attribute "class".
	UpstreamErrors metric.Int64Counter

	// --- Playback ---

	// PlaybackItems counts finished items by attribute "outcome"
	// (ended, interrupted, error).
	PlaybackItems metric.Int64Counter

	// Interruptions counts barge-ins.
	Interruptions metric.Int64Counter

	// DecodeDuration tracks how long decoding one audio blob takes.
	DecodeDuration metric.Float64Histogram

	// QueueDepth records the playback queue length.
	QueueDepth metric.Int64Gauge

	// --- Turns ---

	// TurnLatency tracks the time from committing an utterance to the first
	// audio chunk of the answer.
	TurnLatency metric.Float64Histogram

	// --- Sessions ---

	// ActiveSessions tracks running session controllers.
	ActiveSessions metric.Int64UpDownCounter

	// --- HTTP middleware ---

	// HTTPRequestDuration tracks HTTP request processing time. Use with attributes:
	//   attribute.String("method", ...), attribute.String("path", ...)
	HTTPRequestDuration metric.Float64Histogram
}

// latencyBuckets are histogram boundaries in seconds.
var latencyBuckets = []float64{
	0.001, 0.0025, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1,
}

// turnBuckets are histogram boundaries in seconds for whole turns.
var turnBuckets = []float64{
	0.1, 0.25, 0.5, 0.75, 1, 1.5, 2, 3, 5, 10,
}

// NewMetrics creates every instrument on mp.
func NewMetrics(mp metric.MeterProvider) (*Metrics, error) {
	m := mp.Meter(meterName)
	var err error
	met := &Metrics{}

	// Counters.
	if met.FramesSent, err = m.Int64Counter("voxlink.uplink.frames",
		metric.WithDescription("Audio frames sent upstream, by commit flag."),
	); err != nil {
		return nil, err
	}
	if met.BytesSent, err = m.Int64Counter("voxlink.uplink.bytes",
		metric.WithDescription("PCM bytes sent upstream."),
		metric.WithUnit("By"),
	); err != nil {
		return nil, err
	}
	if met.ReconnectAttempts, err = m.Int64Counter("voxlink.connection.reconnects",
		metric.WithDescription("Scheduled reconnect attempts."),
	); err != nil {
		return nil, err
	}
	if met.InboundMessages, err = m.Int64Counter("voxlink.inbound.messages",
		metric.WithDescription("Inbound frames by message kind."),
	); err != nil {
		return nil, err
	}
	if met.UpstreamErrors, err = m.Int64Counter("voxlink.upstream.errors",
		metric.WithDescription("Upstream error frames by class."),
	); err != nil {
		return nil, err
	}
	if met.PlaybackItems, err = m.Int64Counter("voxlink.playback.items",
		metric.WithDescription("Finished playback items by outcome."),
	); err != nil {
		return nil, err
	}
	if met.Interruptions, err = m.Int64Counter("voxlink.playback.interruptions",
		metric.WithDescription("Barge-in interruptions."),
	); err != nil {
		return nil, err
	}

	// Gauges.
	if met.ConnectionState, err = m.Int64Gauge("voxlink.connection.state",
		metric.WithDescription("Connection state ordinal."),
	); err != nil {
		return nil, err
	}
	if met.QueueDepth, err = m.Int64Gauge("voxlink.playback.queue_depth",
		metric.WithDescription("Items waiting for playback."),
	); err != nil {
		return nil, err
	}
	if met.ActiveSessions, err = m.Int64UpDownCounter("voxlink.active_sessions",
		metric.WithDescription("Number of running voice sessions."),
	); err != nil {
		return nil, err
	}

	// Histograms.
	if met.DecodeDuration, err = m.Float64Histogram("voxlink.playback.decode.duration",
		metric.WithDescription("Latency of decoding one audio blob."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}
	if met.TurnLatency, err = m.Float64Histogram("voxlink.turn.first_audio",
		metric.WithDescription("Latency from utterance commit to the first answer audio."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(turnBuckets...),
	); err != nil {
		return nil, err
	}
	if met.HTTPRequestDuration, err = m.Float64Histogram("voxlink.http.request.duration",
		metric.WithDescription("HTTP request latency by method and path."),
		metric.WithUnit("s"),
	); err != nil {
		return nil, err
	}

	return met, nil
}

var (
	defaultMetrics     *Metrics
	defaultMetricsOnce sync.Once
)

// DefaultMetrics returns the package-level [Metrics] instance, created on
// first use from [otel.GetMeterProvider].
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

// Attr is a convenience alias for [attribute.String].
func Attr(key, value string) attribute.KeyValue {
	return attribute.String(key, value)
}

// RecordFrame records one uplink frame of n PCM bytes.
func (m *Metrics) RecordFrame(ctx context.Context, n int, commit bool) {
	m.FramesSent.Add(ctx, 1, metric.WithAttributes(attribute.Bool("commit", commit)))
	if n > 0 {
		m.BytesSent.Add(ctx, int64(n))
	}
}

// RecordInbound counts one routed frame of the given kind.
func (m *Metrics) RecordInbound(ctx context.Context, kind string) {
	m.InboundMessages.Add(ctx, 1, metric.WithAttributes(attribute.String("kind", kind)))
}

// RecordUpstreamError counts one error frame of class.
func (m *Metrics) RecordUpstreamError(ctx context.Context, class string) {
	m.UpstreamErrors.Add(ctx, 1, metric.WithAttributes(attribute.String("class", class)))
}

// RecordPlayback counts one finished playback item.
func (m *Metrics) RecordPlayback(ctx context.Context, outcome string) {
	m.PlaybackItems.Add(ctx, 1, metric.WithAttributes(attribute.String("outcome", outcome)))
}
