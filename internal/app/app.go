// Package app wires the voxlink subsystems into a running voice client.
//
// The App struct owns the full lifecycle: New creates the devices, history
// store and session controller, Run holds the conversation open and serves
// the health and metrics endpoints, and Shutdown tears everything down in
// order.
//
// For testing, inject devices via functional options (WithMicrophone,
// WithSink, etc.). When an option is not provided, New creates the device
// from the config registry.
package app

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/MrWong99/voxlink/internal/config"
	"github.com/MrWong99/voxlink/internal/event"
	"github.com/MrWong99/voxlink/internal/health"
	"github.com/MrWong99/voxlink/internal/history"
	"github.com/MrWong99/voxlink/internal/observe"
	"github.com/MrWong99/voxlink/internal/session"
	"github.com/MrWong99/voxlink/internal/transport"
	"github.com/MrWong99/voxlink/pkg/audio"
	"github.com/MrWong99/voxlink/pkg/audio/capture"
	"github.com/MrWong99/voxlink/pkg/audio/codec"
	"github.com/MrWong99/voxlink/pkg/audio/codec/opus"
	"github.com/MrWong99/voxlink/pkg/audio/playback"
	"github.com/MrWong99/voxlink/pkg/provider/vad"
)

// DefaultVAD is the registry name of the capture pipeline's speech detector.
// When nothing is registered under it the pipeline uses its built-in RMS gate.
const DefaultVAD = "rms"

// App owns all subsystem lifetimes and runs one voice conversation.
type App struct {
	cfg *config.Config
	reg *config.Registry

	mic   audio.Microphone
	sink  audio.Sink
	store history.Store
	vad   vad.Engine

	ctrl      *session.Controller
	metrics   *observe.Metrics
	telemetry *observe.Telemetry
	watcher   *config.Watcher

	out      io.Writer
	level    *slog.LevelVar
	cfgPath  string
	interval time.Duration

	// closers are called in order during Shutdown.
	closers []func() error

	// stopOnce guards the Shutdown path.
	stopOnce sync.Once
}

// Option is a functional option for New. Use these to inject test doubles.
type Option func(*App)

// WithMicrophone injects a microphone instead of creating one from config.
func WithMicrophone(m audio.Microphone) Option {
	return func(a *App) { a.mic = m }
}

// WithSink injects an output device instead of creating one from config.
func WithSink(s audio.Sink) Option {
	return func(a *App) { a.sink = s }
}

// WithHistory injects a transcript store instead of opening one from config.
func WithHistory(s history.Store) Option {
	return func(a *App) { a.store = s }
}

// WithOutput sets where transcripts and responses are printed. Default
// os.Stdout.
func WithOutput(w io.Writer) Option {
	return func(a *App) { a.out = w }
}

// WithLevelVar lets configuration reloads change the log level.
func WithLevelVar(v *slog.LevelVar) Option {
	return func(a *App) { a.level = v }
}

// WithTelemetry records metrics through t and serves them on /metrics.
func WithTelemetry(t *observe.Telemetry) Option {
	return func(a *App) { a.telemetry = t }
}

// WithConfigWatch reloads path every interval and applies the hot-reloadable
// settings. A zero interval uses the watcher default.
func WithConfigWatch(path string, interval time.Duration) Option {
	return func(a *App) {
		a.cfgPath = path
		a.interval = interval
	}
}

// New creates an App from cfg. Devices that were not injected are created
// through reg, which may be nil only if every device is injected.
func New(ctx context.Context, cfg *config.Config, reg *config.Registry, opts ...Option) (*App, error) {
	a := &App{cfg: cfg, reg: reg, out: os.Stdout}
	for _, o := range opts {
		o(a)
	}

	if err := a.initDevices(ctx); err != nil {
		_ = a.closeAll()
		return nil, err
	}
	if err := a.initSession(); err != nil {
		_ = a.closeAll()
		return nil, err
	}
	if a.cfgPath != "" {
		var wopts []config.WatcherOption
		if a.interval > 0 {
			wopts = append(wopts, config.WithInterval(a.interval))
		}
		w, err := config.NewWatcher(a.cfgPath, a.applyConfig, wopts...)
		if err != nil {
			_ = a.closeAll()
			return nil, fmt.Errorf("app: watch config: %w", err)
		}
		a.watcher = w
		a.closers = append(a.closers, func() error { w.Stop(); return nil })
	}
	return a, nil
}

// ─── Initialisation ──────────────────────────────────────────────────────────

func (a *App) initDevices(ctx context.Context) error {
	needReg := a.mic == nil || a.sink == nil || a.store == nil
	if needReg && a.reg == nil {
		return errors.New("app: registry is required for devices that are not injected")
	}
	var err error
	if a.mic == nil {
		if a.mic, err = a.reg.CreateMicrophone(a.cfg.Capture); err != nil {
			return fmt.Errorf("app: microphone: %w", err)
		}
	}
	if a.sink == nil {
		if a.sink, err = a.reg.CreateSink(a.cfg.Playback); err != nil {
			return fmt.Errorf("app: sink: %w", err)
		}
	}
	if a.store == nil {
		if a.store, err = a.reg.CreateHistory(ctx, a.cfg.History); err != nil {
			return fmt.Errorf("app: history: %w", err)
		}
		slog.Info("history store opened", "backend", a.cfg.History.Backend)
	}
	if a.reg != nil {
		eng, err := a.reg.CreateVAD(DefaultVAD)
		switch {
		case err == nil:
			a.vad = eng
		case !errors.Is(err, config.ErrNotRegistered):
			return fmt.Errorf("app: vad: %w", err)
		}
	}
	return nil
}

func (a *App) initSession() error {
	dec, err := newDecoder(a.cfg.Playback)
	if err != nil {
		return fmt.Errorf("app: decoder: %w", err)
	}

	if a.telemetry != nil {
		m, err := observe.NewMetrics(a.telemetry.MeterProvider)
		if err != nil {
			return fmt.Errorf("app: metrics: %w", err)
		}
		a.metrics = m
	} else {
		a.metrics = observe.DefaultMetrics()
	}

	ctrl, err := session.New(sessionConfig(a.cfg), session.Deps{
		Microphone: a.mic,
		Sink:       a.sink,
		Decoder:    dec,
		History:    a.store,
		VAD:        a.vad,
		Metrics:    a.metrics,
	})
	if err != nil {
		return err
	}
	a.ctrl = ctrl
	// The controller closes the history store.
	a.closers = append(a.closers, ctrl.Close)
	return nil
}

// newDecoder builds the playback decoder. Containers (WAV, MP3) are always
// sniffed; bare payloads fall back to the configured format.
func newDecoder(cfg config.PlaybackConfig) (codec.Decoder, error) {
	var fallback codec.Decoder
	switch cfg.Format {
	case config.FormatOpus:
		d, err := opus.NewDecoder(cfg.RawChannels)
		if err != nil {
			return nil, err
		}
		fallback = d
	default:
		fallback = codec.PCM{Format: audio.Format{SampleRate: cfg.RawSampleRate, Channels: cfg.RawChannels}}
	}
	return codec.NewAuto(codec.WithFallback(fallback)), nil
}

func sessionConfig(cfg *config.Config) session.Config {
	return session.Config{
		Transport: transport.Config{
			URL:           cfg.Service.URL,
			Token:         cfg.Service.Token,
			SecureContext: cfg.Service.SecureContext,
			BaseBackoff:   cfg.Connection.BaseBackoff,
			MaxBackoff:    cfg.Connection.MaxBackoff,
			MaxAttempts:   cfg.Connection.MaxReconnectAttempts,
			PingInterval:  cfg.Connection.PingInterval,
			PongTimeout:   cfg.Connection.PongTimeout,
			QueueLimit:    cfg.Connection.QueueLimit,
		},
		Capture: capture.Config{
			FrameBytes:       cfg.Capture.FrameBytes,
			SilenceThreshold: cfg.Capture.SilenceThreshold,
			SilenceTimeout:   cfg.Capture.SilenceTimeout,
			MinCommitBytes:   cfg.Capture.MinCommitBytes,
			MaxBufferBytes:   cfg.Capture.MaxBufferBytes,
		},
		Sensor: playback.SensorConfig{
			Threshold:   cfg.Playback.InterruptionThreshold,
			Interval:    cfg.Playback.InterruptionInterval,
			Consecutive: cfg.Playback.InterruptionFrames,
		},
		Conversation: cfg.Service.Conversation,
	}
}

// ─── Accessors ───────────────────────────────────────────────────────────────

// Session returns the conversation controller.
func (a *App) Session() *session.Controller { return a.ctrl }

// Handler returns the health, readiness and metrics routes wrapped in the
// observability middleware.
func (a *App) Handler() http.Handler {
	mux := http.NewServeMux()
	health.New(
		health.StateChecker("connection", func() string { return a.ctrl.State().String() }, transport.StateOpen.String()),
		health.Checker{Name: "history", Check: a.checkHistory},
	).WithDetails(a.details).Register(mux)
	if a.telemetry != nil {
		mux.Handle("GET /metrics", a.telemetry.MetricsHandler())
	}
	return observe.Middleware(a.metrics)(mux)
}

// checkHistory reads the latest turn. A guarded backend that is spooling
// reports degraded instead of failing.
func (a *App) checkHistory(ctx context.Context) error {
	if g, ok := a.store.(*history.Guarded); ok && !g.Healthy() {
		return fmt.Errorf("%w: %s unavailable, %d turns spooled", health.ErrDegraded, a.cfg.History.Backend, g.Spooled())
	}
	_, err := a.ctrl.History().Recent(ctx, 1)
	return err
}

func (a *App) details() map[string]any {
	f := a.ctrl.Flags()
	return map[string]any{
		"state":         a.ctrl.State().String(),
		"conversation":  a.cfg.Service.Conversation,
		"active":        f.ConversationActive,
		"audio_playing": f.AudioPlaying,
		"muted":         f.Muted,
	}
}

// ─── Run ─────────────────────────────────────────────────────────────────────

// Run starts the conversation and blocks until ctx is cancelled. A
// microphone that cannot be opened is logged and the session keeps running
// without capture.
func (a *App) Run(ctx context.Context) error {
	g, gctx := errgroup.WithContext(ctx)

	events := a.ctrl.Subscribe(gctx, 512)
	g.Go(func() error {
		a.printEvents(events)
		return nil
	})

	if addr := a.cfg.Server.ListenAddr; addr != "" {
		g.Go(func() error { return a.serve(gctx, addr) })
	}

	if err := a.ctrl.Start(gctx); err != nil {
		if errors.Is(err, session.ErrActive) || errors.Is(err, session.ErrClosed) {
			return err
		}
		slog.Error("conversation started without microphone", "err", err)
	}
	slog.Info("conversation started", "url", a.cfg.Service.URL, "conversation", a.cfg.Service.Conversation)

	g.Go(func() error {
		<-gctx.Done()
		return a.ctrl.Stop()
	})

	return g.Wait()
}

func (a *App) serve(ctx context.Context, addr string) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           a.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}
	errCh := make(chan error, 1)
	go func() { errCh <- srv.ListenAndServe() }()
	slog.Info("health server listening", "addr", addr)

	select {
	case err := <-errCh:
		return fmt.Errorf("app: health server: %w", err)
	case <-ctx.Done():
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.Warn("health server shutdown error", "err", err)
	}
	return nil
}

// printEvents writes the dialogue to the output and logs everything else.
func (a *App) printEvents(events <-chan event.Event) {
	for ev := range events {
		switch ev.Kind {
		case event.Transcript:
			fmt.Fprintf(a.out, "you: %s\n", ev.Text)
		case event.Response:
			fmt.Fprintf(a.out, "assistant: %s\n", ev.Text)
		case event.Action:
			fmt.Fprintf(a.out, "action: %s\n", ev.Action)
		case event.SessionStarted:
			slog.Info("session started")
		case event.StateChange:
			slog.Info("connection state changed", "state", ev.State)
		case event.Interrupted:
			slog.Info("playback interrupted", "rms", ev.RMS)
		case event.UpstreamError:
			slog.Error("speech service error", "class", ev.ErrorClass, "message", ev.Text)
		case event.ReconnectFailed:
			slog.Error("reconnection abandoned", "err", ev.Err)
		case event.Error:
			slog.Warn("session error", "err", ev.Err)
		case event.VAD:
			slog.Debug("vad", "speaking", ev.Speaking, "rms", ev.RMS)
		}
	}
}

// applyConfig applies the hot-reloadable part of a configuration change.
func (a *App) applyConfig(old, next *config.Config) {
	d := config.Diff(old, next)
	if d.LogLevelChanged && a.level != nil {
		a.level.Set(d.NewLogLevel.Slog())
		slog.Info("log level changed", "level", d.NewLogLevel)
	}
	if d.VADChanged {
		a.ctrl.SetVADThresholds(d.Capture.SilenceThreshold, d.Capture.SilenceTimeout)
		slog.Info("vad thresholds changed",
			"silence_threshold", d.Capture.SilenceThreshold,
			"silence_timeout", d.Capture.SilenceTimeout,
		)
	}
	if d.InterruptionChanged {
		a.ctrl.SetInterruptionThreshold(d.InterruptionThreshold)
		slog.Info("interruption threshold changed", "threshold", d.InterruptionThreshold)
	}
	if len(d.RestartRequired) > 0 {
		slog.Warn("configuration changes require a restart", "sections", d.RestartRequired)
	}
}

// ─── Shutdown ────────────────────────────────────────────────────────────────

// Shutdown tears down all subsystems in reverse-init order. It respects the
// context deadline: if ctx expires before all closers finish, remaining
// closers are skipped and the context error is returned.
func (a *App) Shutdown(ctx context.Context) error {
	var shutdownErr error
	a.stopOnce.Do(func() {
		slog.Info("shutting down", "closers", len(a.closers))
		for i := len(a.closers) - 1; i >= 0; i-- {
			select {
			case <-ctx.Done():
				slog.Warn("shutdown deadline exceeded", "remaining", i+1)
				shutdownErr = ctx.Err()
				return
			default:
			}
			if err := a.closers[i](); err != nil {
				slog.Warn("closer error", "index", i, "err", err)
			}
		}
		slog.Info("shutdown complete")
	})
	return shutdownErr
}

// closeAll releases whatever New managed to create before failing.
func (a *App) closeAll() error {
	if a.ctrl == nil && a.store != nil {
		_ = a.store.Close()
	}
	return a.Shutdown(context.Background())
}
