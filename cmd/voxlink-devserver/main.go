// Command voxlink-devserver runs a local speech service that answers every
// utterance with a short transcript, a text reply and a synthesized tone. It
// speaks the same protocol as a production service and is meant for
// exercising the client without one.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/MrWong99/voxlink/internal/devserver"
	"github.com/MrWong99/voxlink/internal/protocol"
)

func main() {
	os.Exit(run())
}

func run() int {
	addr := flag.String("addr", ":8080", "listen address")
	token := flag.String("token", os.Getenv("VOXLINK_TOKEN"), "required bearer token (empty accepts everyone)")
	chunkDelay := flag.Duration("chunk-delay", 100*time.Millisecond, "pause between audio chunks of a reply")
	binary := flag.Bool("binary", false, "send audio as binary frames instead of JSON")
	verbose := flag.Bool("v", false, "log every client message")
	flag.Parse()

	lvl := slog.LevelInfo
	if *verbose {
		lvl = slog.LevelDebug
	}
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: lvl})))

	opts := []devserver.Option{
		devserver.WithToken(*token),
		devserver.WithChunkDelay(*chunkDelay),
		devserver.WithBinaryAudio(*binary),
	}
	if *verbose {
		opts = append(opts, devserver.WithOnClientMessage(func(m protocol.ClientMessage) {
			slog.Debug("client message", "kind", m.Kind)
		}))
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := devserver.New(opts...).ListenAndServe(ctx, *addr); err != nil && !errors.Is(err, context.Canceled) {
		fmt.Fprintf(os.Stderr, "voxlink-devserver: %v\n", err)
		return 1
	}
	return 0
}
