package config_test

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/MrWong99/voxlink/internal/config"
	"github.com/MrWong99/voxlink/pkg/audio"
	audiomock "github.com/MrWong99/voxlink/pkg/audio/mock"
	"github.com/MrWong99/voxlink/pkg/provider/vad"
	vadmock "github.com/MrWong99/voxlink/pkg/provider/vad/mock"
)

// ── helpers ──────────────────────────────────────────────────────────────────

const sampleYAML = `
server:
  listen_addr: ":9090"
  log_level: debug

service:
  url: wss://speech.example.com/v1/stream
  token: secret
  conversation: kitchen

connection:
  base_backoff: 500ms
  max_backoff: 10s
  max_reconnect_attempts: 5
  queue_limit: 64

capture:
  device: portaudio
  frame_bytes: 2048
  silence_threshold: 0.02
  silence_timeout: 800ms

playback:
  format: opus
  raw_channels: 2
  interruption_threshold: 0.1

history:
  backend: memory
`

func mustLoad(t *testing.T, yaml string) *config.Config {
	t.Helper()
	cfg, err := config.LoadFromReader(strings.NewReader(yaml))
	if err != nil {
		t.Fatalf("LoadFromReader: %v", err)
	}
	return cfg
}

// ── loading ──────────────────────────────────────────────────────────────────

func TestLoadFromReader_Valid(t *testing.T) {
	t.Parallel()
	cfg := mustLoad(t, sampleYAML)

	if cfg.Server.ListenAddr != ":9090" {
		t.Errorf("listen_addr: got %q", cfg.Server.ListenAddr)
	}
	if cfg.Server.LogLevel != config.LogDebug {
		t.Errorf("log_level: got %q", cfg.Server.LogLevel)
	}
	if cfg.Service.URL != "wss://speech.example.com/v1/stream" || cfg.Service.Token != "secret" {
		t.Errorf("service: got %+v", cfg.Service)
	}
	if cfg.Service.Conversation != "kitchen" {
		t.Errorf("conversation: got %q", cfg.Service.Conversation)
	}
	if cfg.Connection.BaseBackoff != 500*time.Millisecond || cfg.Connection.MaxBackoff != 10*time.Second {
		t.Errorf("backoff: got %s/%s", cfg.Connection.BaseBackoff, cfg.Connection.MaxBackoff)
	}
	if cfg.Connection.MaxReconnectAttempts != 5 || cfg.Connection.QueueLimit != 64 {
		t.Errorf("connection: got %+v", cfg.Connection)
	}
	if cfg.Capture.FrameBytes != 2048 || cfg.Capture.SilenceThreshold != 0.02 || cfg.Capture.SilenceTimeout != 800*time.Millisecond {
		t.Errorf("capture: got %+v", cfg.Capture)
	}
	if cfg.Playback.Format != config.FormatOpus || cfg.Playback.RawChannels != 2 {
		t.Errorf("playback: got %+v", cfg.Playback)
	}
	if cfg.History.Backend != "memory" {
		t.Errorf("history.backend: got %q", cfg.History.Backend)
	}
}

func TestLoadFromReader_Defaults(t *testing.T) {
	t.Parallel()
	cfg := mustLoad(t, "service:\n  url: ws://localhost:8080/speech\n")

	if cfg.Server.LogLevel != config.LogInfo {
		t.Errorf("log_level: got %q, want info", cfg.Server.LogLevel)
	}
	if cfg.Service.Conversation != "default" {
		t.Errorf("conversation: got %q", cfg.Service.Conversation)
	}
	c := cfg.Connection
	if c.BaseBackoff != time.Second || c.MaxBackoff != 30*time.Second || c.MaxReconnectAttempts != 10 {
		t.Errorf("connection defaults: got %+v", c)
	}
	if c.PingInterval != 30*time.Second || c.PongTimeout != 20*time.Second {
		t.Errorf("keepalive defaults: got %s/%s", c.PingInterval, c.PongTimeout)
	}
	if cfg.Capture.Device != "portaudio" || cfg.Capture.FrameBytes != 4096 {
		t.Errorf("capture defaults: got %+v", cfg.Capture)
	}
	if cfg.Capture.SilenceTimeout != 1200*time.Millisecond {
		t.Errorf("silence_timeout: got %s", cfg.Capture.SilenceTimeout)
	}
	p := cfg.Playback
	if p.Sink != "speaker" || p.SampleRate != 48000 || p.Format != config.FormatPCM || p.RawSampleRate != 24000 || p.RawChannels != 1 {
		t.Errorf("playback defaults: got %+v", p)
	}
	if p.InterruptionFrames != 3 || p.InterruptionInterval != 50*time.Millisecond {
		t.Errorf("interruption defaults: got %+v", p)
	}
	if cfg.History.Backend != "sqlite" || cfg.History.DSN != "voxlink-history.db" {
		t.Errorf("history defaults: got %+v", cfg.History)
	}
}

func TestLoadFromReader_UnknownField(t *testing.T) {
	t.Parallel()
	_, err := config.LoadFromReader(strings.NewReader("service:\n  url: ws://x\n  colour: blue\n"))
	if err == nil {
		t.Fatal("expected error for unknown field")
	}
}

func TestLoadFromReader_EmptyNeedsURL(t *testing.T) {
	t.Parallel()
	_, err := config.LoadFromReader(strings.NewReader(""))
	if err == nil || !strings.Contains(err.Error(), "service.url") {
		t.Fatalf("expected service.url error, got %v", err)
	}
}

// ── validation ───────────────────────────────────────────────────────────────

func TestValidate(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		mutate  func(*config.Config)
		wantErr string
	}{
		{"valid", func(*config.Config) {}, ""},
		{"log level", func(c *config.Config) { c.Server.LogLevel = "verbose" }, "server.log_level"},
		{"scheme", func(c *config.Config) { c.Service.URL = "ftp://example.com" }, "service.url scheme"},
		{"https accepted", func(c *config.Config) { c.Service.URL = "https://example.com" }, ""},
		{"backoff order", func(c *config.Config) { c.Connection.BaseBackoff = time.Minute }, "base_backoff"},
		{"negative attempts", func(c *config.Config) { c.Connection.MaxReconnectAttempts = -1 }, "max_reconnect_attempts"},
		{"odd frame", func(c *config.Config) { c.Capture.FrameBytes = 1023 }, "capture.frame_bytes"},
		{"silence threshold", func(c *config.Config) { c.Capture.SilenceThreshold = 1.5 }, "capture.silence_threshold"},
		{"small buffer", func(c *config.Config) { c.Capture.MaxBufferBytes = 100 }, "max_buffer_bytes"},
		{"format", func(c *config.Config) { c.Playback.Format = "aac" }, "playback.format"},
		{"channels", func(c *config.Config) { c.Playback.RawChannels = 6 }, "playback.raw_channels"},
		{"interruption frames", func(c *config.Config) { c.Playback.InterruptionFrames = 0 }, "interruption_frames"},
		{"backend", func(c *config.Config) { c.History.Backend = "cassandra" }, "history.backend"},
		{"postgres dsn", func(c *config.Config) { c.History.Backend = "postgres"; c.History.DSN = "" }, "history.dsn"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			cfg := &config.Config{Service: config.ServiceConfig{URL: "ws://localhost:8080"}}
			config.ApplyDefaults(cfg)
			tt.mutate(cfg)
			err := config.Validate(cfg)
			if tt.wantErr == "" {
				if err != nil {
					t.Fatalf("unexpected error: %v", err)
				}
				return
			}
			if err == nil || !strings.Contains(err.Error(), tt.wantErr) {
				t.Fatalf("error %v does not mention %q", err, tt.wantErr)
			}
		})
	}
}

func TestValidate_MultipleErrors(t *testing.T) {
	t.Parallel()
	cfg := &config.Config{}
	config.ApplyDefaults(cfg)
	cfg.Server.LogLevel = "loud"
	cfg.Playback.Format = "mp4"

	err := config.Validate(cfg)
	if err == nil {
		t.Fatal("expected errors")
	}
	for _, want := range []string{"service.url", "server.log_level", "playback.format"} {
		if !strings.Contains(err.Error(), want) {
			t.Errorf("joined error is missing %q: %v", want, err)
		}
	}
}

// ── registry ─────────────────────────────────────────────────────────────────

func TestRegistry_Unknown(t *testing.T) {
	t.Parallel()
	r := config.NewRegistry()

	if _, err := r.CreateMicrophone(config.CaptureConfig{Device: "nope"}); !errors.Is(err, config.ErrNotRegistered) {
		t.Errorf("microphone: got %v", err)
	}
	if _, err := r.CreateSink(config.PlaybackConfig{Sink: "nope"}); !errors.Is(err, config.ErrNotRegistered) {
		t.Errorf("sink: got %v", err)
	}
	if _, err := r.CreateVAD("nope"); !errors.Is(err, config.ErrNotRegistered) {
		t.Errorf("vad: got %v", err)
	}
	if _, err := r.CreateHistory(context.Background(), config.HistoryConfig{Backend: "nope"}); !errors.Is(err, config.ErrNotRegistered) {
		t.Errorf("history: got %v", err)
	}
}

func TestRegistry_Registered(t *testing.T) {
	t.Parallel()
	r := config.NewRegistry()

	mic := &audiomock.Microphone{}
	r.RegisterMicrophone("mock", func(config.CaptureConfig) (audio.Microphone, error) { return mic, nil })
	sink := audiomock.NewSink()
	r.RegisterSink("mock", func(config.PlaybackConfig) (audio.Sink, error) { return sink, nil })
	engine := &vadmock.Engine{}
	r.RegisterVAD("mock", func() (vad.Engine, error) { return engine, nil })

	gotMic, err := r.CreateMicrophone(config.CaptureConfig{Device: "mock"})
	if err != nil || gotMic != mic {
		t.Errorf("CreateMicrophone: got %v, %v", gotMic, err)
	}
	gotSink, err := r.CreateSink(config.PlaybackConfig{Sink: "mock"})
	if err != nil || gotSink != sink {
		t.Errorf("CreateSink: got %v, %v", gotSink, err)
	}
	gotVAD, err := r.CreateVAD("mock")
	if err != nil || gotVAD != engine {
		t.Errorf("CreateVAD: got %v, %v", gotVAD, err)
	}
}

func TestRegistry_FactoryError(t *testing.T) {
	t.Parallel()
	r := config.NewRegistry()
	boom := errors.New("device busy")
	r.RegisterMicrophone("busy", func(config.CaptureConfig) (audio.Microphone, error) { return nil, boom })

	if _, err := r.CreateMicrophone(config.CaptureConfig{Device: "busy"}); !errors.Is(err, boom) {
		t.Fatalf("got %v, want %v", err, boom)
	}
}

func TestRegistry_HistoryBackends(t *testing.T) {
	t.Parallel()
	r := config.NewRegistry()
	config.RegisterHistoryBackends(r)

	names := r.Names()["history"]
	want := []string{"memory", "postgres", "redis", "sqlite"}
	if strings.Join(names, ",") != strings.Join(want, ",") {
		t.Fatalf("history names: got %v, want %v", names, want)
	}

	store, err := r.CreateHistory(context.Background(), config.HistoryConfig{Backend: "memory"})
	if err != nil {
		t.Fatalf("CreateHistory(memory): %v", err)
	}
	if err := store.Close(); err != nil {
		t.Errorf("Close: %v", err)
	}
}
