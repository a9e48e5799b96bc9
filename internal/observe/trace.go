package observe

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

const tracerName = "github.com/MrWong99/voxlink"

// Tracer returns the voxlink tracer from the global provider.
func Tracer() trace.Tracer {
	return otel.Tracer(tracerName)
}

// StartSpan starts a span on [Tracer]. The caller must end it.
func StartSpan(ctx context.Context, name string, opts ...trace.SpanStartOption) (context.Context, trace.Span) {
	return Tracer().Start(ctx, name, opts...)
}

// CorrelationID returns the trace ID of the span in ctx, or "" without one.
// Health and metrics responses carry it in X-Correlation-ID.
func CorrelationID(ctx context.Context) string {
	sc := trace.SpanContextFromContext(ctx)
	if sc.HasTraceID() {
		return sc.TraceID().String()
	}
	return ""
}

// Logger returns the default logger with trace_id and span_id attached when
// ctx carries a span.
func Logger(ctx context.Context) *slog.Logger {
	l := slog.Default()
	sc := trace.SpanContextFromContext(ctx)
	if sc.HasTraceID() {
		l = l.With(
			slog.String("trace_id", sc.TraceID().String()),
			slog.String("span_id", sc.SpanID().String()),
		)
	}
	return l
}

// ─── Turns ───────────────────────────────────────────────────────────────────

// Turn outcomes.
const (
	TurnResponse    = "response"
	TurnInterrupted = "interrupted"
	TurnError       = "error"
	TurnAbandoned   = "abandoned"
	TurnStopped     = "stopped"
)

// TurnTracer traces conversation turns. A turn opens when an utterance is
// committed and closes with an outcome; inbound milestones in between become
// span events. At most one turn is open: Begin abandons the previous one.
type TurnTracer struct {
	tracer trace.Tracer
	m      *Metrics
	now    func() time.Time

	mu         sync.Mutex
	ctx        context.Context
	span       trace.Span
	begun      time.Time
	heardAudio bool
}

// NewTurnTracer creates a tracer on tp; nil uses the global provider. The
// commit-to-first-audio latency is recorded in m.TurnLatency when m is set.
func NewTurnTracer(tp trace.TracerProvider, m *Metrics) *TurnTracer {
	if tp == nil {
		tp = otel.GetTracerProvider()
	}
	return &TurnTracer{tracer: tp.Tracer(tracerName), m: m, now: time.Now}
}

// Begin opens a turn for an utterance of n PCM bytes.
func (t *TurnTracer) Begin(ctx context.Context, n int) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.endLocked(TurnAbandoned)
	t.ctx, t.span = t.tracer.Start(ctx, "voxlink.turn",
		trace.WithSpanKind(trace.SpanKindClient),
		trace.WithAttributes(attribute.Int("voxlink.utterance.bytes", n)),
	)
	t.begun = t.now()
	t.heardAudio = false
}

// Mark records an inbound milestone such as "committed_transcript" or
// "audio_chunk" on the open turn.
func (t *TurnTracer) Mark(kind string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.span == nil {
		return
	}
	t.span.AddEvent(kind)
	if kind == "audio_chunk" && !t.heardAudio {
		t.heardAudio = true
		if t.m != nil {
			t.m.TurnLatency.Record(t.ctx, t.now().Sub(t.begun).Seconds())
		}
	}
}

// End closes the open turn with outcome. Without an open turn it does
// nothing.
func (t *TurnTracer) End(outcome string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.endLocked(outcome)
}

// Open reports whether a turn is in progress.
func (t *TurnTracer) Open() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.span != nil
}

func (t *TurnTracer) endLocked(outcome string) {
	if t.span == nil {
		return
	}
	d := t.now().Sub(t.begun)
	t.span.SetAttributes(attribute.String("voxlink.turn.outcome", outcome))
	Logger(t.ctx).Debug("turn finished", "outcome", outcome, "duration", d)
	t.span.End()
	t.span, t.ctx = nil, nil
}
