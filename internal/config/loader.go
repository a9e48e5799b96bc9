package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"net/url"
	"os"
	"regexp"
	"slices"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"github.com/MrWong99/voxlink/internal/history"
)

// envRef matches ${NAME} references expanded before decoding.
var envRef = regexp.MustCompile(`\$\{([A-Za-z_][A-Za-z0-9_]*)\}`)

// LoadDotEnv loads variables from the given .env files into the process
// environment. Missing files are skipped; variables already set win.
func LoadDotEnv(paths ...string) error {
	var existing []string
	for _, p := range paths {
		if _, err := os.Stat(p); err == nil {
			existing = append(existing, p)
		} else if !errors.Is(err, fs.ErrNotExist) {
			return fmt.Errorf("config: stat %q: %w", p, err)
		}
	}
	if len(existing) == 0 {
		return nil
	}
	if err := godotenv.Load(existing...); err != nil {
		return fmt.Errorf("config: load env files: %w", err)
	}
	slog.Debug("loaded env files", "files", existing)
	return nil
}

// ExpandEnv replaces ${NAME} references with environment values. Unset
// variables expand to the empty string. A bare $ is left alone.
func ExpandEnv(data []byte) []byte {
	return envRef.ReplaceAllFunc(data, func(m []byte) []byte {
		name := envRef.FindSubmatch(m)[1]
		return []byte(os.Getenv(string(name)))
	})
}

// Load reads the YAML configuration file at path and returns a validated
// [Config] with defaults applied.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: read %q: %w", path, err)
	}
	cfg, err := LoadFromReader(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("config: parse %q: %w", path, err)
	}
	return cfg, nil
}

// LoadFromReader decodes a YAML config from r, expands ${VAR} references,
// applies defaults and validates the result.
func LoadFromReader(r io.Reader) (*Config, error) {
	raw, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("config: read: %w", err)
	}
	cfg := &Config{}
	dec := yaml.NewDecoder(bytes.NewReader(ExpandEnv(raw)))
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("config: decode yaml: %w", err)
	}
	ApplyDefaults(cfg)
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks that cfg contains a coherent set of values.
// It returns a joined error listing all validation failures found.
func Validate(cfg *Config) error {
	var errs []error

	// Server
	if cfg.Server.LogLevel != "" && !cfg.Server.LogLevel.IsValid() {
		errs = append(errs, fmt.Errorf("server.log_level %q is invalid; valid values: debug, info, warn, error", cfg.Server.LogLevel))
	}

	// Service
	if cfg.Service.URL == "" {
		errs = append(errs, errors.New("service.url is required"))
	} else if u, err := url.Parse(cfg.Service.URL); err != nil {
		errs = append(errs, fmt.Errorf("service.url: %w", err))
	} else if !slices.Contains([]string{"ws", "wss", "http", "https"}, u.Scheme) {
		errs = append(errs, fmt.Errorf("service.url scheme %q is invalid; valid values: ws, wss", u.Scheme))
	}
	if cfg.Service.Token == "" {
		slog.Warn("service.token is empty; connecting without authorization")
	}

	// Connection
	c := cfg.Connection
	if c.BaseBackoff < 0 || c.MaxBackoff < 0 || c.PingInterval < 0 || c.PongTimeout < 0 {
		errs = append(errs, errors.New("connection durations must not be negative"))
	}
	if c.MaxBackoff > 0 && c.BaseBackoff > c.MaxBackoff {
		errs = append(errs, fmt.Errorf("connection.base_backoff %s exceeds max_backoff %s", c.BaseBackoff, c.MaxBackoff))
	}
	if c.MaxReconnectAttempts < 0 {
		errs = append(errs, fmt.Errorf("connection.max_reconnect_attempts %d must not be negative", c.MaxReconnectAttempts))
	}
	if c.QueueLimit < 0 {
		errs = append(errs, fmt.Errorf("connection.queue_limit %d must not be negative", c.QueueLimit))
	}

	// Capture
	cp := cfg.Capture
	if cp.FrameBytes <= 0 || cp.FrameBytes%2 != 0 {
		errs = append(errs, fmt.Errorf("capture.frame_bytes %d must be a positive even number", cp.FrameBytes))
	}
	if cp.SilenceThreshold <= 0 || cp.SilenceThreshold > 1 {
		errs = append(errs, fmt.Errorf("capture.silence_threshold %.3f is out of range (0, 1]", cp.SilenceThreshold))
	}
	if cp.SilenceTimeout < 0 {
		errs = append(errs, errors.New("capture.silence_timeout must not be negative"))
	}
	if cp.MinCommitBytes < 0 {
		errs = append(errs, fmt.Errorf("capture.min_commit_bytes %d must not be negative", cp.MinCommitBytes))
	}
	if cp.MaxBufferBytes != 0 && cp.MaxBufferBytes < cp.FrameBytes {
		errs = append(errs, fmt.Errorf("capture.max_buffer_bytes %d is smaller than frame_bytes %d", cp.MaxBufferBytes, cp.FrameBytes))
	}

	// Playback
	p := cfg.Playback
	if p.Format != FormatPCM && p.Format != FormatOpus {
		errs = append(errs, fmt.Errorf("playback.format %q is invalid; valid values: pcm, opus", p.Format))
	}
	if p.RawChannels != 1 && p.RawChannels != 2 {
		errs = append(errs, fmt.Errorf("playback.raw_channels %d is invalid; valid values: 1, 2", p.RawChannels))
	}
	if p.SampleRate <= 0 || p.RawSampleRate <= 0 {
		errs = append(errs, errors.New("playback sample rates must be positive"))
	}
	if p.InterruptionThreshold <= 0 || p.InterruptionThreshold > 1 {
		errs = append(errs, fmt.Errorf("playback.interruption_threshold %.3f is out of range (0, 1]", p.InterruptionThreshold))
	}
	if p.InterruptionFrames < 1 {
		errs = append(errs, fmt.Errorf("playback.interruption_frames %d must be at least 1", p.InterruptionFrames))
	}
	if p.InterruptionThreshold > 0 && p.InterruptionThreshold <= cp.SilenceThreshold {
		slog.Warn("playback.interruption_threshold is not above capture.silence_threshold; background noise may interrupt playback",
			"interruption_threshold", p.InterruptionThreshold,
			"silence_threshold", cp.SilenceThreshold,
		)
	}

	// History
	h := cfg.History
	switch h.Backend {
	case history.BackendMemory, history.BackendSQLite, history.BackendRedis:
	case history.BackendPostgres:
		if h.DSN == "" {
			errs = append(errs, errors.New("history.dsn is required for the postgres backend"))
		}
	default:
		errs = append(errs, fmt.Errorf("history.backend %q is invalid; valid values: memory, sqlite, redis, postgres", h.Backend))
	}

	return errors.Join(errs...)
}
