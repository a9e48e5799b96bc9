// Package session owns one voice conversation: it wires microphone capture,
// the connection manager, the protocol router and the playback controller
// together and keeps the session flags that collaborators query.
//
// A [Controller] is instantiable and holds all of its state; nothing here
// is package-global. Collaborators drive it with Start, Stop, Send,
// ForceReconnect and SetMuted, and observe it through Subscribe.
package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/MrWong99/voxlink/internal/event"
	"github.com/MrWong99/voxlink/internal/history"
	"github.com/MrWong99/voxlink/internal/observe"
	"github.com/MrWong99/voxlink/internal/protocol"
	"github.com/MrWong99/voxlink/internal/router"
	"github.com/MrWong99/voxlink/internal/transport"
	"github.com/MrWong99/voxlink/pkg/audio"
	"github.com/MrWong99/voxlink/pkg/audio/capture"
	"github.com/MrWong99/voxlink/pkg/audio/codec"
	"github.com/MrWong99/voxlink/pkg/audio/playback"
	"github.com/MrWong99/voxlink/pkg/provider/vad"
)

var (
	// ErrActive is returned by Start while a conversation is running.
	ErrActive = errors.New("session: conversation already active")

	// ErrClosed is returned after Close.
	ErrClosed = errors.New("session: closed")
)

// Flags is a snapshot of the session state.
type Flags struct {
	// ConversationActive is set between Start and Stop.
	ConversationActive bool

	// AudioPlaying is set while an assistant audio item is audible.
	AudioPlaying bool

	// Muted is set while captured audio is discarded.
	Muted bool

	// UserInteracted is set once the user started a conversation, sent a
	// message or changed the mute state.
	UserInteracted bool
}

// Config configures a [Controller].
type Config struct {
	Transport transport.Config
	Capture   capture.Config
	Sensor    playback.SensorConfig

	// Conversation keys the persisted history. Default "default".
	Conversation string
}

// Deps are the collaborators a [Controller] is built from. Microphone,
// Sink and Decoder are required.
type Deps struct {
	// Microphone is opened independently by the capture pipeline and the
	// barge-in sensor.
	Microphone audio.Microphone
	Sink       audio.Sink
	Decoder    codec.Decoder

	// History stores transcript turns. Nil uses an in-memory store.
	History history.Store

	// VAD is the capture pipeline's speech detector. Nil uses the RMS engine.
	VAD vad.Engine

	// Metrics receives voice metrics. Nil uses [observe.DefaultMetrics].
	Metrics *observe.Metrics
}

// Controller is one conversation session. All exported methods are safe for
// concurrent use.
type Controller struct {
	cfg     Config
	metrics *observe.Metrics
	turns   *observe.TurnTracer

	// utterance counts PCM bytes sent since the last commit.
	utterance atomic.Int64
	bus     *event.Bus
	log     *history.Log
	store   history.Store

	conn    *transport.Manager
	player  *playback.Controller
	sensor  *playback.Sensor
	capture *capture.Pipeline
	router  *router.Router

	// ctx scopes work done on behalf of inbound frames; cancelled by Close.
	ctx    context.Context
	cancel context.CancelFunc

	// opMu serializes Start and Stop.
	opMu sync.Mutex

	mu     sync.Mutex
	flags  Flags
	closed bool
}

// New builds a Controller. Nothing is opened until Start.
func New(cfg Config, deps Deps) (*Controller, error) {
	if deps.Microphone == nil || deps.Sink == nil || deps.Decoder == nil {
		return nil, errors.New("session: microphone, sink and decoder are required")
	}
	if cfg.Conversation == "" {
		cfg.Conversation = "default"
	}

	c := &Controller{
		cfg:     cfg,
		metrics: deps.Metrics,
		bus:     event.NewBus(),
		store:   deps.History,
	}
	if c.metrics == nil {
		c.metrics = observe.DefaultMetrics()
	}
	c.turns = observe.NewTurnTracer(nil, c.metrics)
	if c.store == nil {
		c.store = history.NewMemory()
	}
	c.log = history.NewLog(c.store, cfg.Conversation)
	c.ctx, c.cancel = context.WithCancel(context.Background())

	conn, err := transport.New(cfg.Transport, transport.Handlers{
		OnStateChange: c.onStateChange,
		OnMessage:     func(in transport.Inbound) { c.router.Route(c.ctx, in) },
		OnError:       c.onTransportError,
		OnReconnect:   c.onReconnect,
		OnFailure:     c.onReconnectFailed,
	})
	if err != nil {
		c.cancel()
		return nil, fmt.Errorf("session: %w", err)
	}
	c.conn = conn

	c.sensor = playback.NewSensor(deps.Microphone, cfg.Sensor, playback.WithOnBargeIn(c.onBargeIn))
	c.player = playback.New(deps.Decoder, deps.Sink,
		playback.WithSensor(c.sensor),
		playback.WithHooks(playback.Hooks{
			OnStart:       c.onPlaybackStart,
			OnEnded:       func(uint64) { c.metrics.RecordPlayback(c.ctx, "ended") },
			OnInterrupted: func(uint64) { c.metrics.RecordPlayback(c.ctx, "interrupted") },
			OnError:       c.onPlaybackError,
			OnDecode:      func(d time.Duration) { c.metrics.DecodeDuration.Record(c.ctx, d.Seconds()) },
			OnIdle:        c.onPlaybackIdle,
		}),
	)

	c.router = router.New(c.bus, c.player, c.log,
		router.WithOnRouted(c.onRouted),
		router.WithOnUpstreamError(func(cl protocol.ErrorClass) { c.metrics.RecordUpstreamError(c.ctx, cl.String()) }),
	)

	opts := []capture.Option{
		capture.WithOnVAD(func(speaking bool, rms float64) {
			c.bus.Publish(event.Event{Kind: event.VAD, Speaking: speaking, RMS: rms})
		}),
		// A new user turn accepts the next response's audio again.
		capture.WithOnCycleStart(c.player.ResetInterrupted),
	}
	if deps.VAD != nil {
		opts = append(opts, capture.WithVADEngine(deps.VAD))
	}
	c.capture = capture.New(deps.Microphone, uplink{c}, cfg.Capture, opts...)

	return c, nil
}

// ─── Commands ────────────────────────────────────────────────────────────────

// Start begins a conversation: the connection is opened (auto-reconnecting
// from now on) and microphone capture starts. If the microphone cannot be
// opened, the error is returned and published while the connection stays
// up, so text messages and playback keep working.
func (c *Controller) Start(ctx context.Context) error {
	c.opMu.Lock()
	defer c.opMu.Unlock()

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return ErrClosed
	}
	if c.flags.ConversationActive {
		c.mu.Unlock()
		return ErrActive
	}
	c.mu.Unlock()

	if err := c.conn.Connect(); err != nil {
		return fmt.Errorf("session: connect: %w", err)
	}
	c.mu.Lock()
	c.flags.ConversationActive = true
	c.flags.UserInteracted = true
	c.mu.Unlock()
	c.metrics.ActiveSessions.Add(ctx, 1)

	if err := c.capture.Start(ctx); err != nil {
		c.bus.Publish(event.Event{Kind: event.Error, Err: err})
		return fmt.Errorf("session: start capture: %w", err)
	}
	slog.Info("session: conversation started", "conversation", c.cfg.Conversation)
	return nil
}

// Stop ends the conversation. Buffered audio is flushed with a final
// commit before the connection closes; playback, the barge-in sensor and
// any pending reconnect are cancelled. Flags return to their defaults.
// Stop is a no-op when no conversation is active.
func (c *Controller) Stop() error {
	c.opMu.Lock()
	defer c.opMu.Unlock()

	c.mu.Lock()
	if !c.flags.ConversationActive {
		c.mu.Unlock()
		return nil
	}
	c.mu.Unlock()

	var g errgroup.Group
	g.Go(func() error {
		if err := c.capture.Stop(); err != nil && !errors.Is(err, capture.ErrNotStarted) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		c.player.Interrupt()
		c.sensor.Stop()
		c.player.ResetInterrupted()
		return nil
	})
	errs := []error{g.Wait()}

	// The final commit has been written or queued; a queued one is
	// discarded here.
	if err := c.conn.Close(false); err != nil {
		errs = append(errs, err)
	}
	c.capture.SetMuted(false)
	c.turns.End(observe.TurnStopped)
	c.utterance.Store(0)

	c.mu.Lock()
	c.flags = Flags{}
	c.mu.Unlock()
	c.metrics.ActiveSessions.Add(context.Background(), -1)

	slog.Info("session: conversation stopped", "conversation", c.cfg.Conversation)
	return errors.Join(errs...)
}

// Close stops the conversation and releases everything: the connection is
// closed permanently, playback shuts down, the history store is closed and
// every subscriber channel is closed. Close is idempotent.
func (c *Controller) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	c.mu.Unlock()

	errs := []error{c.Stop()}
	if err := c.conn.Close(true); err != nil {
		errs = append(errs, err)
	}
	if err := c.player.Close(); err != nil {
		errs = append(errs, err)
	}
	c.cancel()
	if err := c.store.Close(); err != nil {
		errs = append(errs, fmt.Errorf("session: close history: %w", err))
	}
	c.bus.Close()
	return errors.Join(errs...)
}

// Send writes a raw frame to the service, queueing it while disconnected.
func (c *Controller) Send(raw []byte) error {
	c.mu.Lock()
	c.flags.UserInteracted = true
	c.mu.Unlock()
	return c.conn.Send(raw)
}

// ForceReconnect drops the connection and dials again with a fresh retry
// budget.
func (c *Controller) ForceReconnect() error {
	return c.conn.ForceReconnect()
}

// SetMuted stops (or resumes) forwarding captured audio.
func (c *Controller) SetMuted(muted bool) {
	c.capture.SetMuted(muted)
	c.mu.Lock()
	c.flags.Muted = muted
	c.flags.UserInteracted = true
	c.mu.Unlock()
}

// Interrupt cuts off assistant playback as if the user had barged in, and
// asks the service to stop generating. With nothing playing or queued it is
// a no-op and reports false.
func (c *Controller) Interrupt() bool {
	if !c.player.InterruptActive() {
		return false
	}
	c.interrupted(0)
	return true
}

// SetVADThresholds applies new silence detection settings.
func (c *Controller) SetVADThresholds(threshold float64, timeout time.Duration) {
	c.capture.SetThresholds(threshold, timeout)
}

// SetInterruptionThreshold changes the barge-in level.
func (c *Controller) SetInterruptionThreshold(level float64) {
	c.sensor.SetThreshold(level)
}

// ─── Queries ─────────────────────────────────────────────────────────────────

// Flags returns a snapshot of the session flags.
func (c *Controller) Flags() Flags {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.flags
}

// State returns the connection state.
func (c *Controller) State() transport.State {
	return c.conn.State()
}

// Subscribe returns a channel receiving every event published after the
// call, in order. It is closed when ctx is done or the controller closes.
func (c *Controller) Subscribe(ctx context.Context, buf int) <-chan event.Event {
	return c.bus.Subscribe(ctx, buf)
}

// History returns the conversation transcript.
func (c *Controller) History() *history.Log {
	return c.log
}

// ─── Hooks ───────────────────────────────────────────────────────────────────

func (c *Controller) onStateChange(s transport.State) {
	c.metrics.ConnectionState.Record(c.ctx, int64(s))
	c.bus.Publish(event.Event{Kind: event.StateChange, State: s.String()})
}

func (c *Controller) onTransportError(err error) {
	c.bus.Publish(event.Event{Kind: event.Error, Err: err})
}

func (c *Controller) onReconnect(attempt int, delay time.Duration) {
	c.metrics.ReconnectAttempts.Add(c.ctx, 1)
	slog.Info("session: reconnect scheduled", "attempt", attempt, "delay", delay)
}

func (c *Controller) onReconnectFailed(err error) {
	slog.Error("session: connection lost for good", "err", err)
	c.bus.Publish(event.Event{Kind: event.ReconnectFailed, Err: err})
}

func (c *Controller) onPlaybackStart(ordinal uint64, d time.Duration) {
	c.mu.Lock()
	c.flags.AudioPlaying = true
	c.mu.Unlock()
	c.metrics.QueueDepth.Record(c.ctx, int64(c.player.Len()))
	c.bus.Publish(event.Event{Kind: event.PlaybackStarted, Ordinal: ordinal})
	slog.Debug("session: playing", "ordinal", ordinal, "duration", d)
}

func (c *Controller) onPlaybackError(ordinal uint64, err error) {
	c.metrics.RecordPlayback(c.ctx, "error")
	c.bus.Publish(event.Event{Kind: event.Error, Err: err, Ordinal: ordinal})
}

func (c *Controller) onPlaybackIdle() {
	c.mu.Lock()
	c.flags.AudioPlaying = false
	c.mu.Unlock()
	c.metrics.QueueDepth.Record(c.ctx, 0)
	c.bus.Publish(event.Event{Kind: event.PlaybackIdle})
}

// onBargeIn runs on the sensor goroutine after it interrupted playback.
func (c *Controller) onBargeIn(level float64) {
	c.interrupted(level)
}

// onRouted runs on the connection's read goroutine for every inbound frame.
func (c *Controller) onRouted(k protocol.Kind) {
	c.metrics.RecordInbound(c.ctx, k.String())
	switch k {
	case protocol.KindCommittedTranscript, protocol.KindAudioChunk, protocol.KindAudioFinal:
		c.turns.Mark(k.String())
	case protocol.KindResponse:
		c.turns.End(observe.TurnResponse)
	case protocol.KindError:
		c.turns.End(observe.TurnError)
	}
}

// interrupted tells the service to stop the superseded response.
func (c *Controller) interrupted(level float64) {
	c.metrics.Interruptions.Add(c.ctx, 1)
	c.turns.End(observe.TurnInterrupted)
	if err := c.conn.Send(protocol.StopAudio()); err != nil {
		slog.Warn("session: send stop_audio", "err", err)
	}
	c.bus.Publish(event.Event{Kind: event.Interrupted, RMS: level})
}

// ─── Uplink ──────────────────────────────────────────────────────────────────

// uplink adapts the connection manager to the capture pipeline.
type uplink struct{ c *Controller }

func (u uplink) SendChunk(ch capture.Chunk) error {
	frame, err := protocol.AudioChunk(ch.PCM, ch.Commit, ch.SampleRate)
	if err != nil {
		return err
	}
	// The turn opens before the commit leaves so a fast answer finds it.
	if ch.Commit {
		u.c.turns.Begin(u.c.ctx, int(u.c.utterance.Swap(0)))
	}
	if err := u.c.conn.Send(frame); err != nil {
		if ch.Commit {
			u.c.turns.End(observe.TurnError)
		}
		return err
	}
	u.c.metrics.RecordFrame(u.c.ctx, len(ch.PCM), ch.Commit)
	if !ch.Commit {
		u.c.utterance.Add(int64(len(ch.PCM)))
	}
	return nil
}

func (u uplink) RequestTranscription() error {
	return u.c.conn.Send(protocol.Transcribe())
}

var _ capture.Uplink = uplink{}
