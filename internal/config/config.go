// Package config provides the configuration schema, loader, hot-reload
// watcher and device/backend registry for voxlink.
package config

import (
	"log/slog"
	"time"
)

// LogLevel controls log verbosity.
type LogLevel string

const (
	LogDebug LogLevel = "debug"
	LogInfo  LogLevel = "info"
	LogWarn  LogLevel = "warn"
	LogError LogLevel = "error"
)

// IsValid reports whether l is a recognised log level.
func (l LogLevel) IsValid() bool {
	switch l {
	case LogDebug, LogInfo, LogWarn, LogError:
		return true
	}
	return false
}

// Slog maps l to the equivalent slog level. Unknown levels map to Info.
func (l LogLevel) Slog() slog.Level {
	switch l {
	case LogDebug:
		return slog.LevelDebug
	case LogWarn:
		return slog.LevelWarn
	case LogError:
		return slog.LevelError
	}
	return slog.LevelInfo
}

// Config is the root configuration structure.
// It is typically loaded from a YAML file using [Load] or [LoadFromReader].
type Config struct {
	Server     ServerConfig     `yaml:"server"`
	Service    ServiceConfig    `yaml:"service"`
	Connection ConnectionConfig `yaml:"connection"`
	Capture    CaptureConfig    `yaml:"capture"`
	Playback   PlaybackConfig   `yaml:"playback"`
	History    HistoryConfig    `yaml:"history"`
}

// ServerConfig holds the health/metrics listener and logging settings.
type ServerConfig struct {
	// ListenAddr is the address of the /healthz, /readyz and /metrics
	// server (e.g., ":9090"). Empty disables it.
	ListenAddr string `yaml:"listen_addr"`

	// LogLevel controls verbosity. Hot-reloadable.
	LogLevel LogLevel `yaml:"log_level"`
}

// ServiceConfig locates the speech service.
type ServiceConfig struct {
	// URL is the ws:// or wss:// endpoint.
	URL string `yaml:"url"`

	// Token is the bearer token. Use ${VAR} to keep it out of the file.
	Token string `yaml:"token"`

	// SecureContext upgrades ws:// to wss://.
	SecureContext bool `yaml:"secure_context"`

	// Conversation keys the persisted history. Default "default".
	Conversation string `yaml:"conversation"`
}

// ConnectionConfig tunes reconnection and keepalive.
type ConnectionConfig struct {
	BaseBackoff          time.Duration `yaml:"base_backoff"`
	MaxBackoff           time.Duration `yaml:"max_backoff"`
	MaxReconnectAttempts int           `yaml:"max_reconnect_attempts"`
	PingInterval         time.Duration `yaml:"ping_interval"`
	PongTimeout          time.Duration `yaml:"pong_timeout"`

	// QueueLimit bounds messages queued while disconnected. 0 = unbounded.
	QueueLimit int `yaml:"queue_limit"`
}

// CaptureConfig configures the microphone pipeline.
type CaptureConfig struct {
	// Device names the registered microphone. Default "portaudio".
	Device string `yaml:"device"`

	FrameBytes int `yaml:"frame_bytes"`

	// SilenceThreshold is the speech/silence RMS boundary. Hot-reloadable.
	SilenceThreshold float64 `yaml:"silence_threshold"`

	// SilenceTimeout is the silence that commits an utterance. Hot-reloadable.
	SilenceTimeout time.Duration `yaml:"silence_timeout"`

	MinCommitBytes int `yaml:"min_commit_bytes"`
	MaxBufferBytes int `yaml:"max_buffer_bytes"`

	// Strict makes devices reject processing constraints they cannot honour
	// instead of silently ignoring them.
	Strict bool `yaml:"strict"`
}

// PlaybackConfig configures the speaker and barge-in detection.
type PlaybackConfig struct {
	// Sink names the registered output device. Default "speaker".
	Sink string `yaml:"sink"`

	// SampleRate is the output device rate. Default 48000.
	SampleRate int `yaml:"sample_rate"`

	// Latency is the output buffer length. Default 100ms.
	Latency time.Duration `yaml:"latency"`

	// Format is how payloads without a container are decoded: "pcm" (PCM16
	// at RawSampleRate/RawChannels) or "opus". Default "pcm".
	Format        string `yaml:"format"`
	RawSampleRate int    `yaml:"raw_sample_rate"`
	RawChannels   int    `yaml:"raw_channels"`

	// InterruptionThreshold is the RMS level that counts as barge-in.
	// Hot-reloadable.
	InterruptionThreshold float64       `yaml:"interruption_threshold"`
	InterruptionInterval  time.Duration `yaml:"interruption_interval"`
	InterruptionFrames    int           `yaml:"interruption_frames"`
}

// HistoryConfig selects the transcript store.
type HistoryConfig struct {
	// Backend is one of memory, sqlite, redis, postgres. Default "sqlite".
	Backend string `yaml:"backend"`

	// DSN is the SQLite path or PostgreSQL connection string.
	DSN string `yaml:"dsn"`

	RedisAddr     string `yaml:"redis_addr"`
	RedisPassword string `yaml:"redis_password"`
	RedisDB       int    `yaml:"redis_db"`
	KeyPrefix     string `yaml:"key_prefix"`
}

// Playback formats.
const (
	FormatPCM  = "pcm"
	FormatOpus = "opus"
)

// ApplyDefaults fills every unset field with its default.
func ApplyDefaults(cfg *Config) {
	if cfg.Server.LogLevel == "" {
		cfg.Server.LogLevel = LogInfo
	}
	if cfg.Service.Conversation == "" {
		cfg.Service.Conversation = "default"
	}

	c := &cfg.Connection
	if c.BaseBackoff == 0 {
		c.BaseBackoff = time.Second
	}
	if c.MaxBackoff == 0 {
		c.MaxBackoff = 30 * time.Second
	}
	if c.MaxReconnectAttempts == 0 {
		c.MaxReconnectAttempts = 10
	}
	if c.PingInterval == 0 {
		c.PingInterval = 30 * time.Second
	}
	if c.PongTimeout == 0 {
		c.PongTimeout = 20 * time.Second
	}

	cp := &cfg.Capture
	if cp.Device == "" {
		cp.Device = "portaudio"
	}
	if cp.FrameBytes == 0 {
		cp.FrameBytes = 4096
	}
	if cp.SilenceThreshold == 0 {
		cp.SilenceThreshold = 0.01
	}
	if cp.SilenceTimeout == 0 {
		cp.SilenceTimeout = 1200 * time.Millisecond
	}
	if cp.MinCommitBytes == 0 {
		cp.MinCommitBytes = 3200
	}

	p := &cfg.Playback
	if p.Sink == "" {
		p.Sink = "speaker"
	}
	if p.SampleRate == 0 {
		p.SampleRate = 48000
	}
	if p.Latency == 0 {
		p.Latency = 100 * time.Millisecond
	}
	if p.Format == "" {
		p.Format = FormatPCM
	}
	if p.RawSampleRate == 0 {
		p.RawSampleRate = 24000
	}
	if p.RawChannels == 0 {
		p.RawChannels = 1
	}
	if p.InterruptionThreshold == 0 {
		p.InterruptionThreshold = 0.05
	}
	if p.InterruptionInterval == 0 {
		p.InterruptionInterval = 50 * time.Millisecond
	}
	if p.InterruptionFrames == 0 {
		p.InterruptionFrames = 3
	}

	if cfg.History.Backend == "" {
		cfg.History.Backend = "sqlite"
	}
	if cfg.History.Backend == "sqlite" && cfg.History.DSN == "" {
		cfg.History.DSN = "voxlink-history.db"
	}
}
