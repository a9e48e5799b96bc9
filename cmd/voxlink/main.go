// Command voxlink is a real-time voice client: it streams microphone speech
// to a speech service, plays the spoken answers and lets the user talk over
// them.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/MrWong99/voxlink/internal/app"
	"github.com/MrWong99/voxlink/internal/config"
	"github.com/MrWong99/voxlink/internal/observe"
	"github.com/MrWong99/voxlink/pkg/audio"
	"github.com/MrWong99/voxlink/pkg/audio/device/portaudio"
	"github.com/MrWong99/voxlink/pkg/audio/device/speaker"
	"github.com/MrWong99/voxlink/pkg/provider/vad"
	"github.com/MrWong99/voxlink/pkg/provider/vad/rms"
)

// version is set at build time via -ldflags.
var version = "dev"

func main() {
	os.Exit(run())
}

func run() int {
	// ── CLI flags ──────────────────────────────────────────────────────────────
	configPath := flag.String("config", "voxlink.yaml", "path to the YAML configuration file")
	envFile := flag.String("env", ".env", "dotenv file loaded before the configuration")
	watch := flag.Bool("watch", true, "reload hot-reloadable settings when the config file changes")
	listDevices := flag.Bool("list", false, "print the registered devices and backends, then exit")
	flag.Parse()

	// ── Provider registry ─────────────────────────────────────────────────────
	reg := config.NewRegistry()
	registerBuiltins(reg)

	if *listDevices {
		for kind, names := range reg.Names() {
			fmt.Printf("%-11s %s\n", kind+":", strings.Join(names, ", "))
		}
		return 0
	}

	// ── Load configuration ────────────────────────────────────────────────────
	if err := config.LoadDotEnv(*envFile); err != nil {
		fmt.Fprintf(os.Stderr, "voxlink: %v\n", err)
		return 1
	}
	cfg, err := config.Load(*configPath)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			fmt.Fprintf(os.Stderr, "voxlink: config file %q not found, copy configs/example.yaml to get started\n", *configPath)
		} else {
			fmt.Fprintf(os.Stderr, "voxlink: %v\n", err)
		}
		return 1
	}

	// ── Logger ────────────────────────────────────────────────────────────────
	var level slog.LevelVar
	level.Set(cfg.Server.LogLevel.Slog())
	slog.SetDefault(newLogger(&level))

	slog.Info("voxlink starting",
		"version", version,
		"config", *configPath,
		"listen_addr", cfg.Server.ListenAddr,
		"log_level", cfg.Server.LogLevel,
	)

	// ── Audio devices ─────────────────────────────────────────────────────────
	if cfg.Capture.Device == "portaudio" {
		terminate, err := portaudio.Initialize()
		if err != nil {
			slog.Error("failed to initialise portaudio", "err", err)
			return 1
		}
		defer func() {
			if err := terminate(); err != nil {
				slog.Warn("portaudio terminate error", "err", err)
			}
		}()
	}

	// ── Signal context ────────────────────────────────────────────────────────
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// ── Telemetry ─────────────────────────────────────────────────────────────
	tel, err := observe.InitProvider(ctx, observe.ProviderConfig{
		ServiceName:    "voxlink",
		ServiceVersion: version,
	})
	if err != nil {
		slog.Error("failed to initialise telemetry", "err", err)
		return 1
	}

	opts := []app.Option{app.WithLevelVar(&level), app.WithTelemetry(tel)}
	if *watch {
		opts = append(opts, app.WithConfigWatch(*configPath, 0))
	}

	printStartupSummary(cfg)

	application, err := app.New(ctx, cfg, reg, opts...)
	if err != nil {
		slog.Error("failed to initialise application", "err", err)
		return 1
	}

	slog.Info("client ready, press Ctrl+C to stop")

	if err := application.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		slog.Error("run error", "err", err)
		return 1
	}

	// ── Graceful shutdown ─────────────────────────────────────────────────────
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	slog.Info("shutdown signal received, stopping…")

	code := 0
	if err := application.Shutdown(shutdownCtx); err != nil {
		slog.Error("shutdown error", "err", err)
		code = 1
	}
	if err := tel.Shutdown(shutdownCtx); err != nil {
		slog.Warn("telemetry shutdown error", "err", err)
	}
	slog.Info("goodbye")
	return code
}

// ── Device wiring ─────────────────────────────────────────────────────────────

func registerBuiltins(reg *config.Registry) {
	reg.RegisterMicrophone("portaudio", func(cfg config.CaptureConfig) (audio.Microphone, error) {
		var opts []portaudio.Option
		if cfg.Strict {
			opts = append(opts, portaudio.WithStrict())
		}
		return portaudio.New(opts...), nil
	})
	reg.RegisterSink("speaker", func(cfg config.PlaybackConfig) (audio.Sink, error) {
		return speaker.Init(cfg.SampleRate, cfg.Latency)
	})
	reg.RegisterVAD(app.DefaultVAD, func() (vad.Engine, error) {
		return rms.New(), nil
	})
	config.RegisterHistoryBackends(reg)
}

// ── Startup summary ───────────────────────────────────────────────────────────

func printStartupSummary(cfg *config.Config) {
	fmt.Println("╔═══════════════════════════════════════╗")
	fmt.Println("║        voxlink: startup summary       ║")
	fmt.Println("╠═══════════════════════════════════════╣")
	printRow("Service", cfg.Service.URL)
	printRow("Conversation", cfg.Service.Conversation)
	printRow("Microphone", cfg.Capture.Device)
	printRow("Sink", fmt.Sprintf("%s / %d Hz", cfg.Playback.Sink, cfg.Playback.SampleRate))
	printRow("Format", cfg.Playback.Format)
	printRow("History", cfg.History.Backend)
	if cfg.Server.ListenAddr != "" {
		printRow("Listen addr", cfg.Server.ListenAddr)
	}
	fmt.Println("╚═══════════════════════════════════════╝")
}

func printRow(kind, value string) {
	if value == "" {
		value = "(not configured)"
	}
	if len(value) > 19 {
		value = value[:16] + "…"
	}
	fmt.Printf("║  %-12s    : %-19s ║\n", kind, value)
}

// ── Logger ─────────────────────────────────────────────────────────────────────

func newLogger(level *slog.LevelVar) *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
}
