// Package mock provides in-memory mock implementations of the [audio.Microphone],
// [audio.InputStream], and [audio.Sink] interfaces for use in unit tests.
//
// All mocks are safe for concurrent use. They record every method call so that
// tests can assert on call counts and arguments, and they expose exported fields
// that the test can set to control return values.
//
// Typical usage:
//
//	stream := mock.NewStream(audio.Format{SampleRate: 48000, Channels: 1}, 16)
//	mic := &mock.Microphone{Streams: []*mock.Stream{stream}}
//	// hand mic to the capture pipeline, then:
//	stream.Push(audio.Block{Samples: samples, SampleRate: 48000, Channels: 1})
package mock

import (
	"context"
	"errors"
	"sync"

	"github.com/MrWong99/voxlink/pkg/audio"
)

// ─── Stream ───────────────────────────────────────────────────────────────────

// Stream is a channel-backed mock of [audio.InputStream]. When Callback is
// true it also implements the push-style [audio.CallbackStream] contract via
// [CallbackStream].
type Stream struct {
	mu sync.Mutex

	format   audio.Format
	blocks   chan audio.Block
	closed   bool
	callback func(audio.Block)

	// CloseError is returned by [Stream.Close].
	CloseError error

	// CallCountClose records how many times Close was called.
	CallCountClose int
}

// NewStream returns an open stream delivering blocks in format f. buf sets
// the block channel capacity.
func NewStream(f audio.Format, buf int) *Stream {
	return &Stream{format: f, blocks: make(chan audio.Block, buf)}
}

// Blocks implements [audio.InputStream].
func (s *Stream) Blocks() <-chan audio.Block { return s.blocks }

// Format implements [audio.InputStream].
func (s *Stream) Format() audio.Format { return s.format }

// Close implements [audio.InputStream]. The block channel is closed on the
// first call only.
func (s *Stream) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.CallCountClose++
	if !s.closed {
		s.closed = true
		close(s.blocks)
	}
	return s.CloseError
}

// Closed reports whether Close has been called.
func (s *Stream) Closed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

// Push delivers b to the consumer. If a callback is registered it is invoked
// synchronously; otherwise b is offered on the block channel without
// blocking. Push reports false when the stream is closed or the channel is
// full.
func (s *Stream) Push(b audio.Block) bool {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return false
	}
	if cb := s.callback; cb != nil {
		s.mu.Unlock()
		cb(b)
		return true
	}
	defer s.mu.Unlock()
	select {
	case s.blocks <- b:
		return true
	default:
		return false
	}
}

// CallbackStream wraps a [Stream] and implements [audio.CallbackStream].
type CallbackStream struct {
	*Stream
}

// NewCallbackStream returns a push-style stream in format f.
func NewCallbackStream(f audio.Format) *CallbackStream {
	return &CallbackStream{Stream: NewStream(f, 1)}
}

// SetCallback implements [audio.CallbackStream].
func (s *CallbackStream) SetCallback(fn func(audio.Block)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.callback = fn
}

// HasCallback reports whether SetCallback registered a non-nil function.
func (s *CallbackStream) HasCallback() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.callback != nil
}

// ─── Microphone ───────────────────────────────────────────────────────────────

// ErrNoStream is returned by [Microphone.Open] when no prepared stream is left.
var ErrNoStream = errors.New("mock: no stream prepared")

// Microphone is a mock implementation of [audio.Microphone]. Each Open call
// consumes the next entry of OpenErrors (if any) and then the next entry of
// Streams.
type Microphone struct {
	mu sync.Mutex

	// Streams are handed out in order by successful Open calls.
	Streams []audio.InputStream

	// OpenErrors are returned by Open calls in order. A nil entry lets the call
	// proceed to Streams.
	OpenErrors []error

	// OpenCalls records the constraints of every Open invocation.
	OpenCalls []audio.Constraints
}

// Open implements [audio.Microphone].
func (m *Microphone) Open(ctx context.Context, c audio.Constraints) (audio.InputStream, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.OpenCalls = append(m.OpenCalls, c)
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if len(m.OpenErrors) > 0 {
		err := m.OpenErrors[0]
		m.OpenErrors = m.OpenErrors[1:]
		if err != nil {
			return nil, err
		}
	}
	if len(m.Streams) == 0 {
		return nil, ErrNoStream
	}
	s := m.Streams[0]
	m.Streams = m.Streams[1:]
	return s, nil
}

// Calls returns a copy of the recorded Open constraints.
func (m *Microphone) Calls() []audio.Constraints {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]audio.Constraints(nil), m.OpenCalls...)
}

// ─── Sink ─────────────────────────────────────────────────────────────────────

// Sink is a mock implementation of [audio.Sink]. By default each Play call
// blocks until the test calls [Sink.Finish] or the context is cancelled. Set
// AutoFinish to make Play return immediately.
type Sink struct {
	mu sync.Mutex

	// AutoFinish makes Play return nil without waiting for Finish.
	AutoFinish bool

	// PlayError, when non-nil, is returned by Play immediately.
	PlayError error

	// Played records the PCM length of each clip passed to Play, in order.
	Played []int

	// Cancelled counts Play calls that returned because ctx was cancelled.
	Cancelled int

	started chan *audio.Clip
	finish  chan struct{}
}

// NewSink returns a blocking sink. Started clips are announced on the channel
// returned by [Sink.Started].
func NewSink() *Sink {
	return &Sink{
		started: make(chan *audio.Clip, 64),
		finish:  make(chan struct{}),
	}
}

// Started delivers each clip as Play begins.
func (s *Sink) Started() <-chan *audio.Clip { return s.started }

// Finish ends the clip currently blocked in Play with its natural "ended"
// outcome. It blocks until a Play call is waiting.
func (s *Sink) Finish() { s.finish <- struct{}{} }

// Play implements [audio.Sink].
func (s *Sink) Play(ctx context.Context, clip *audio.Clip) error {
	s.mu.Lock()
	s.Played = append(s.Played, len(clip.PCM))
	playErr, auto := s.PlayError, s.AutoFinish
	started, finish := s.started, s.finish
	s.mu.Unlock()

	if playErr != nil {
		return playErr
	}
	if started != nil {
		select {
		case started <- clip:
		default:
		}
	}
	if auto || finish == nil {
		return nil
	}
	select {
	case <-finish:
		return nil
	case <-ctx.Done():
		s.mu.Lock()
		s.Cancelled++
		s.mu.Unlock()
		return ctx.Err()
	}
}

// PlayedLens returns a copy of the recorded clip lengths.
func (s *Sink) PlayedLens() []int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]int(nil), s.Played...)
}

// CancelledCount returns how many Play calls ended by cancellation.
func (s *Sink) CancelledCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.Cancelled
}

var (
	_ audio.Microphone     = (*Microphone)(nil)
	_ audio.InputStream    = (*Stream)(nil)
	_ audio.CallbackStream = (*CallbackStream)(nil)
	_ audio.Sink           = (*Sink)(nil)
)
