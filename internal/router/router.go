// Package router dispatches inbound service frames to playback, history and
// event subscribers.
package router

import (
	"context"
	"errors"
	"log/slog"

	"github.com/MrWong99/voxlink/internal/event"
	"github.com/MrWong99/voxlink/internal/history"
	"github.com/MrWong99/voxlink/internal/protocol"
	"github.com/MrWong99/voxlink/internal/transport"
	"github.com/MrWong99/voxlink/pkg/audio/playback"
)

// AudioQueue accepts encoded audio for playback. *playback.Controller
// satisfies it.
type AudioQueue interface {
	Enqueue(blob []byte) (uint64, error)
}

// Transcript records committed turns. *history.Log satisfies it.
type Transcript interface {
	Append(ctx context.Context, role history.Role, text string) (history.Turn, error)
}

var (
	_ AudioQueue = (*playback.Controller)(nil)
	_ Transcript = (*history.Log)(nil)
)

// Option is a functional option for [New].
type Option func(*Router)

// WithOnRouted registers a hook called with the kind of every decoded frame.
func WithOnRouted(fn func(protocol.Kind)) Option {
	return func(r *Router) { r.onRouted = fn }
}

// WithOnUpstreamError registers a hook called for every error frame.
func WithOnUpstreamError(fn func(protocol.ErrorClass)) Option {
	return func(r *Router) { r.onUpstreamError = fn }
}

// Router routes inbound frames. It holds no per-frame state; Route may be
// called from the transport read goroutine directly.
type Router struct {
	pub     event.Publisher
	audio   AudioQueue
	history Transcript

	onRouted        func(protocol.Kind)
	onUpstreamError func(protocol.ErrorClass)
}

// New creates a Router. history may be nil, in which case nothing is
// recorded.
func New(pub event.Publisher, audio AudioQueue, history Transcript, opts ...Option) *Router {
	r := &Router{pub: pub, audio: audio, history: history}
	for _, o := range opts {
		o(r)
	}
	return r
}

// Route handles one inbound frame. Malformed frames are logged and dropped.
func (r *Router) Route(ctx context.Context, in transport.Inbound) {
	var msg protocol.Message
	if in.Binary {
		msg = protocol.ParseBinary(in.Data)
	} else {
		var err error
		msg, err = protocol.Parse(in.Data)
		if err != nil {
			slog.Warn("router: dropping malformed frame", "err", err, "bytes", len(in.Data))
			return
		}
		r.pub.Publish(event.Event{Kind: event.Message, Text: msg.Text, Raw: in.Data})
	}
	if r.onRouted != nil {
		r.onRouted(msg.Kind)
	}

	switch msg.Kind {
	case protocol.KindSessionStarted:
		slog.Info("session started")
		r.pub.Publish(event.Event{Kind: event.SessionStarted, Raw: in.Data})

	case protocol.KindPartialTranscript:
		r.pub.Publish(event.Event{Kind: event.PartialTranscript, Text: msg.Text})

	case protocol.KindCommittedTranscript:
		r.pub.Publish(event.Event{Kind: event.Transcript, Text: msg.Text})
		r.record(ctx, history.RoleUser, msg.Text)

	case protocol.KindPartialResponse:
		r.pub.Publish(event.Event{Kind: event.PartialResponse, Text: msg.Text})

	case protocol.KindResponse:
		ev := event.Event{Kind: event.Response, Text: msg.Text}
		if msg.Failed {
			ev.ErrorClass = protocol.ErrorGeneric.String()
		}
		r.pub.Publish(ev)
		if !msg.Failed {
			r.record(ctx, history.RoleAssistant, msg.Text)
		}
		if len(msg.Audio) > 0 {
			r.enqueue(msg.Audio)
		}

	case protocol.KindAudioChunk:
		if len(msg.Audio) == 0 {
			slog.Debug("router: audio chunk without payload")
			return
		}
		r.enqueue(msg.Audio)

	case protocol.KindAudioFinal:
		r.pub.Publish(event.Event{Kind: event.AudioFinal})

	case protocol.KindError:
		slog.Warn("router: upstream error", "class", msg.ErrorClass, "type", msg.Type, "message", msg.Text)
		if r.onUpstreamError != nil {
			r.onUpstreamError(msg.ErrorClass)
		}
		r.pub.Publish(event.Event{
			Kind:       event.UpstreamError,
			Text:       msg.Text,
			ErrorClass: msg.ErrorClass.String(),
		})

	case protocol.KindAction:
		r.pub.Publish(event.Event{Kind: event.Action, Action: msg.Action, Raw: msg.Raw})

	case protocol.KindPong:
		// Consumed by the transport; a stray one is harmless.

	default:
		slog.Debug("router: ignoring unknown message", "type", msg.Type)
	}
}

// enqueue hands audio to playback. Chunks arriving while interrupted are
// dropped silently.
func (r *Router) enqueue(blob []byte) {
	ord, err := r.audio.Enqueue(blob)
	switch {
	case err == nil:
		r.pub.Publish(event.Event{Kind: event.AudioChunk, Ordinal: ord})
	case errors.Is(err, playback.ErrInterrupted):
		slog.Debug("router: dropped audio while interrupted", "bytes", len(blob))
	default:
		slog.Warn("router: enqueue audio", "err", err)
		r.pub.Publish(event.Event{Kind: event.Error, Err: err})
	}
}

func (r *Router) record(ctx context.Context, role history.Role, text string) {
	if r.history == nil {
		return
	}
	if _, err := r.history.Append(ctx, role, text); err != nil && !errors.Is(err, history.ErrEmptyTurn) {
		slog.Warn("router: append history", "role", role, "err", err)
		r.pub.Publish(event.Event{Kind: event.Error, Err: err})
	}
}
