package app_test

import (
	"bytes"
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/MrWong99/voxlink/internal/app"
	"github.com/MrWong99/voxlink/internal/config"
	"github.com/MrWong99/voxlink/internal/devserver"
	"github.com/MrWong99/voxlink/internal/history"
	"github.com/MrWong99/voxlink/internal/observe"
	"github.com/MrWong99/voxlink/internal/protocol"
	"github.com/MrWong99/voxlink/internal/transport"
	"github.com/MrWong99/voxlink/pkg/audio"
	audiomock "github.com/MrWong99/voxlink/pkg/audio/mock"
)

var deviceFormat = audio.Format{SampleRate: 48000, Channels: 1}

// syncBuffer is an io.Writer safe for the event printer and the test.
type syncBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *syncBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *syncBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

// testConfig returns a validated-looking config pointing at url.
func testConfig(url string) *config.Config {
	cfg := &config.Config{
		Service: config.ServiceConfig{URL: url},
		Connection: config.ConnectionConfig{
			BaseBackoff:  20 * time.Millisecond,
			MaxBackoff:   100 * time.Millisecond,
			PingInterval: time.Minute,
		},
		Capture: config.CaptureConfig{
			Device:         "mock",
			SilenceTimeout: 50 * time.Millisecond,
		},
		Playback: config.PlaybackConfig{Sink: "mock"},
		History:  config.HistoryConfig{Backend: history.BackendMemory},
	}
	config.ApplyDefaults(cfg)
	return cfg
}

func mockMic() *audiomock.Microphone {
	return &audiomock.Microphone{Streams: []audio.InputStream{
		audiomock.NewCallbackStream(deviceFormat),
		audiomock.NewStream(deviceFormat, 64),
	}}
}

func autoSink() *audiomock.Sink {
	s := audiomock.NewSink()
	s.AutoFinish = true
	return s
}

func newApp(t *testing.T, cfg *config.Config, opts ...app.Option) *app.App {
	t.Helper()
	opts = append([]app.Option{
		app.WithMicrophone(mockMic()),
		app.WithSink(autoSink()),
		app.WithHistory(history.NewMemory()),
		app.WithOutput(io.Discard),
	}, opts...)
	a, err := app.New(t.Context(), cfg, nil, opts...)
	if err != nil {
		t.Fatalf("New() error: %v", err)
	}
	t.Cleanup(func() { _ = a.Shutdown(context.Background()) })
	return a
}

func eventually(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(10 * time.Millisecond)
	}
}

// ─── New ─────────────────────────────────────────────────────────────────────

func TestNew_RequiresRegistry(t *testing.T) {
	t.Parallel()
	_, err := app.New(t.Context(), testConfig("ws://127.0.0.1:1/speech"), nil)
	if err == nil {
		t.Fatal("expected error without registry")
	}
}

func TestNew_UnknownDevice(t *testing.T) {
	t.Parallel()
	_, err := app.New(t.Context(), testConfig("ws://127.0.0.1:1/speech"), config.NewRegistry())
	if !errors.Is(err, config.ErrNotRegistered) {
		t.Fatalf("err = %v, want ErrNotRegistered", err)
	}
}

func TestNew_FromRegistry(t *testing.T) {
	t.Parallel()
	reg := config.NewRegistry()
	reg.RegisterMicrophone("mock", func(config.CaptureConfig) (audio.Microphone, error) { return mockMic(), nil })
	reg.RegisterSink("mock", func(config.PlaybackConfig) (audio.Sink, error) { return autoSink(), nil })
	config.RegisterHistoryBackends(reg)

	a, err := app.New(t.Context(), testConfig("ws://127.0.0.1:1/speech"), reg)
	if err != nil {
		t.Fatalf("New() error: %v", err)
	}
	if a.Session() == nil {
		t.Fatal("Session() is nil")
	}
	if err := a.Shutdown(t.Context()); err != nil {
		t.Fatalf("Shutdown() error: %v", err)
	}
	// Second call is a no-op.
	if err := a.Shutdown(t.Context()); err != nil {
		t.Fatalf("second Shutdown() error: %v", err)
	}
}

func TestNew_OpusPlayback(t *testing.T) {
	t.Parallel()
	cfg := testConfig("ws://127.0.0.1:1/speech")
	cfg.Playback.Format = config.FormatOpus
	newApp(t, cfg)
}

// ─── Run ─────────────────────────────────────────────────────────────────────

func TestRun_PrintsDialogue(t *testing.T) {
	t.Parallel()
	srv := devserver.New(devserver.WithChunkDelay(0))
	ts := httptest.NewServer(srv)
	t.Cleanup(ts.Close)

	out := &syncBuffer{}
	a := newApp(t, testConfig("ws"+strings.TrimPrefix(ts.URL, "http")+"/speech"), app.WithOutput(out))

	ctx, cancel := context.WithCancel(t.Context())
	errCh := make(chan error, 1)
	go func() { errCh <- a.Run(ctx) }()

	eventually(t, "open connection", func() bool { return a.Session().State() == transport.StateOpen })

	data, err := protocol.AudioChunk(make([]byte, 6400), false, audio.TargetSampleRate)
	if err != nil {
		t.Fatal(err)
	}
	commit, err := protocol.AudioChunk(nil, true, audio.TargetSampleRate)
	if err != nil {
		t.Fatal(err)
	}
	for _, frame := range [][]byte{data, commit} {
		if err := a.Session().Send(frame); err != nil {
			t.Fatalf("Send: %v", err)
		}
	}

	eventually(t, "printed response", func() bool {
		return strings.Contains(out.String(), "assistant: I heard about")
	})
	if got := out.String(); !strings.Contains(got, "you: (200 ms of speech)") {
		t.Errorf("output missing transcript: %q", got)
	}

	cancel()
	select {
	case err := <-errCh:
		if err != nil {
			t.Fatalf("Run() error: %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("Run() did not return within 5s after cancellation")
	}
	if a.Session().Flags().ConversationActive {
		t.Error("conversation still active after Run returned")
	}
}

func TestRun_WithoutMicrophone(t *testing.T) {
	t.Parallel()
	srv := devserver.New()
	ts := httptest.NewServer(srv)
	t.Cleanup(ts.Close)

	mic := &audiomock.Microphone{OpenErrors: []error{errors.New("no device"), errors.New("no device")}}
	a := newApp(t, testConfig("ws"+strings.TrimPrefix(ts.URL, "http")+"/speech"), app.WithMicrophone(mic))

	ctx, cancel := context.WithCancel(t.Context())
	errCh := make(chan error, 1)
	go func() { errCh <- a.Run(ctx) }()

	eventually(t, "open connection", func() bool { return a.Session().State() == transport.StateOpen })
	cancel()
	if err := <-errCh; err != nil {
		t.Fatalf("Run() error: %v", err)
	}
}

// ─── Handler ─────────────────────────────────────────────────────────────────

func TestHandler_Probes(t *testing.T) {
	t.Parallel()
	a := newApp(t, testConfig("ws://127.0.0.1:1/speech"))
	h := a.Handler()

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	if body := rec.Body.String(); !strings.Contains(body, `"state":"closed"`) || !strings.Contains(body, `"conversation":"default"`) {
		t.Errorf("healthz details missing: %s", body)
	}

	tests := []struct {
		path string
		want int
	}{
		{"/healthz", http.StatusOK},
		// Not connected yet.
		{"/readyz", http.StatusServiceUnavailable},
		// No telemetry configured.
		{"/metrics", http.StatusNotFound},
	}
	for _, tt := range tests {
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, tt.path, nil))
		if rec.Code != tt.want {
			t.Errorf("GET %s = %d, want %d", tt.path, rec.Code, tt.want)
		}
	}
}

func TestHandler_Metrics(t *testing.T) {
	tel, err := observe.InitProvider(t.Context(), observe.ProviderConfig{ServiceName: "voxlink-test"})
	if err != nil {
		t.Fatalf("InitProvider: %v", err)
	}
	t.Cleanup(func() { _ = tel.Shutdown(context.Background()) })

	a := newApp(t, testConfig("ws://127.0.0.1:1/speech"), app.WithTelemetry(tel))
	rec := httptest.NewRecorder()
	a.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("GET /metrics = %d", rec.Code)
	}
}

// ─── Hot reload ──────────────────────────────────────────────────────────────

const reloadYAML = `
server:
  log_level: %s
service:
  url: ws://127.0.0.1:1/speech
history:
  backend: memory
`

func TestConfigWatch_AppliesLogLevel(t *testing.T) {
	t.Parallel()
	path := filepath.Join(t.TempDir(), "voxlink.yaml")
	write := func(level string) {
		if err := os.WriteFile(path, []byte(strings.Replace(reloadYAML, "%s", level, 1)), 0o644); err != nil {
			t.Fatal(err)
		}
	}
	write("info")
	cfg, err := config.Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}

	var level slog.LevelVar
	newApp(t, cfg, app.WithLevelVar(&level), app.WithConfigWatch(path, 10*time.Millisecond))

	write("debug")
	future := time.Now().Add(2 * time.Second)
	if err := os.Chtimes(path, future, future); err != nil {
		t.Fatal(err)
	}
	eventually(t, "debug level", func() bool { return level.Level() == slog.LevelDebug })
}
