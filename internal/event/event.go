// Package event carries session notifications to collaborators as typed
// values on ordered channels.
//
// Every subscriber owns one buffered channel and sees events in publish
// order. A subscriber that falls behind loses the events that do not fit its
// buffer, and the loss is counted. Connection-level kinds ([StateChange] and
// [ReconnectFailed]) are the exception: for those the publisher waits up to
// the bus's delivery timeout for buffer space, so a briefly slow collaborator
// still observes every transition.
package event

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

// Kind identifies an event.
type Kind int

const (
	// Message carries the raw text of every routed inbound frame.
	Message Kind = iota
	SessionStarted
	PartialTranscript
	Transcript
	PartialResponse
	Response
	AudioChunk
	AudioFinal
	StateChange
	Error
	UpstreamError
	VAD
	Action
	Interrupted
	PlaybackStarted
	PlaybackIdle
	ReconnectFailed
)

var kindNames = [...]string{
	Message:           "message",
	SessionStarted:    "session_started",
	PartialTranscript: "partial_transcript",
	Transcript:        "transcript",
	PartialResponse:   "partial_response",
	Response:          "response",
	AudioChunk:        "audio_chunk",
	AudioFinal:        "audio_final",
	StateChange:       "state_change",
	Error:             "error",
	UpstreamError:     "upstream_error",
	VAD:               "vad",
	Action:            "action",
	Interrupted:       "interrupted",
	PlaybackStarted:   "playback_started",
	PlaybackIdle:      "playback_idle",
	ReconnectFailed:   "reconnect_failed",
}

// String returns the event name.
func (k Kind) String() string {
	if int(k) >= 0 && int(k) < len(kindNames) {
		return kindNames[k]
	}
	return "unknown"
}

// Event is one notification. Only the fields relevant to Kind are set.
type Event struct {
	Kind Kind
	Time time.Time

	// Text is transcript or response text, or an upstream error message.
	Text string

	// State is the connection state name for StateChange.
	State string

	// Err is set for Error and ReconnectFailed.
	Err error

	// ErrorClass is "auth", "quota" or "generic" for UpstreamError.
	ErrorClass string

	// Speaking and RMS are set for VAD.
	Speaking bool
	RMS      float64

	// Action names the action; Raw holds the frame forwarded verbatim.
	Action string
	Raw    []byte

	// Ordinal identifies a playback item for AudioChunk and PlaybackStarted.
	Ordinal uint64
}

// Publisher accepts events.
type Publisher interface {
	Publish(ev Event)
}

// DefaultDeliveryTimeout bounds how long Publish waits on a full subscriber
// for a connection-level event.
const DefaultDeliveryTimeout = time.Second

// Bus fans events out to subscribers. The zero value is not usable; create
// one with [NewBus].
type Bus struct {
	timeout time.Duration

	mu      sync.Mutex
	subs    map[*subscriber]struct{}
	dropped int64
	closed  bool
}

type subscriber struct {
	ch       chan Event
	gone     chan struct{} // closed when the subscriber's context ends
	goneOnce sync.Once
}

func (s *subscriber) leave() { s.goneOnce.Do(func() { close(s.gone) }) }

// BusOption configures a [Bus].
type BusOption func(*Bus)

// WithDeliveryTimeout sets how long Publish waits for buffer space when
// delivering a connection-level event. Zero or negative keeps the default.
func WithDeliveryTimeout(d time.Duration) BusOption {
	return func(b *Bus) {
		if d > 0 {
			b.timeout = d
		}
	}
}

// NewBus creates an empty bus.
func NewBus(opts ...BusOption) *Bus {
	b := &Bus{timeout: DefaultDeliveryTimeout, subs: make(map[*subscriber]struct{})}
	for _, o := range opts {
		o(b)
	}
	return b
}

// mustDeliver reports whether k is worth stalling the publisher for.
func mustDeliver(k Kind) bool {
	return k == StateChange || k == ReconnectFailed
}

// Subscribe returns a channel receiving every event published after the call.
// The channel is closed when ctx is done or the bus is closed. buf sets the
// channel capacity; values below 1 use 256.
func (b *Bus) Subscribe(ctx context.Context, buf int) <-chan Event {
	if buf < 1 {
		buf = 256
	}
	s := &subscriber{ch: make(chan Event, buf), gone: make(chan struct{})}

	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		close(s.ch)
		return s.ch
	}
	b.subs[s] = struct{}{}
	b.mu.Unlock()

	context.AfterFunc(ctx, func() {
		// Wake a Publish waiting on this subscriber before taking the lock.
		s.leave()
		b.mu.Lock()
		defer b.mu.Unlock()
		if _, ok := b.subs[s]; ok {
			delete(b.subs, s)
			close(s.ch)
		}
	})
	return s.ch
}

// Publish implements [Publisher]. It stamps ev.Time when unset.
func (b *Bus) Publish(ev Event) {
	if ev.Time.IsZero() {
		ev.Time = time.Now()
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	for s := range b.subs {
		select {
		case s.ch <- ev:
			continue
		default:
		}
		if mustDeliver(ev.Kind) && b.wait(s, ev) {
			continue
		}
		b.dropped++
		if b.dropped == 1 || b.dropped%100 == 0 {
			slog.Warn("event: subscriber too slow, dropping events", "kind", ev.Kind, "dropped_total", b.dropped)
		}
	}
}

// wait blocks until ev fits s's buffer, s goes away or the delivery timeout
// passes. It reports false only on timeout.
func (b *Bus) wait(s *subscriber, ev Event) bool {
	timer := time.NewTimer(b.timeout)
	defer timer.Stop()
	select {
	case s.ch <- ev:
		return true
	case <-s.gone:
		return true
	case <-timer.C:
		return false
	}
}

// Dropped returns the number of events lost to full subscriber buffers.
func (b *Bus) Dropped() int64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.dropped
}

// Close closes every subscriber channel. Publishing after Close is a no-op.
func (b *Bus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	b.closed = true
	for s := range b.subs {
		close(s.ch)
		delete(b.subs, s)
	}
}

// Func adapts a function to [Publisher].
type Func func(Event)

// Publish implements [Publisher].
func (f Func) Publish(ev Event) { f(ev) }

var (
	_ Publisher = (*Bus)(nil)
	_ Publisher = Func(nil)
)
