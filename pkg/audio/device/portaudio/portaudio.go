// Package portaudio implements [audio.Microphone] on top of PortAudio.
//
// PortAudio delivers raw device input and has no echo cancellation, noise
// suppression or gain control of its own. By default those constraint flags are
// accepted and ignored; with [WithStrict] they are rejected with
// [audio.ErrConstraintsRejected] so callers exercise their fallback path.
//
// [Initialize] must be called once before opening streams.
package portaudio

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/gordonklaus/portaudio"

	"github.com/MrWong99/voxlink/pkg/audio"
)

// framesPerBuffer is the device callback size.
const framesPerBuffer = 1024

// Initialize starts PortAudio and returns the matching terminate function.
func Initialize() (terminate func() error, err error) {
	if err := portaudio.Initialize(); err != nil {
		return nil, fmt.Errorf("portaudio: initialize: %w", err)
	}
	return func() error {
		if err := portaudio.Terminate(); err != nil {
			return fmt.Errorf("portaudio: terminate: %w", err)
		}
		return nil
	}, nil
}

// Microphone opens the default input device.
type Microphone struct {
	strict bool
	buffer int
}

// Option is a functional option for [New].
type Option func(*Microphone)

// WithStrict rejects constraints requesting processing PortAudio cannot do.
func WithStrict() Option {
	return func(m *Microphone) { m.strict = true }
}

// WithBuffer sets the block channel capacity used when no callback is set.
func WithBuffer(n int) Option {
	return func(m *Microphone) { m.buffer = n }
}

// New returns a Microphone for the default input device.
func New(opts ...Option) *Microphone {
	m := &Microphone{buffer: 32}
	for _, o := range opts {
		o(m)
	}
	return m
}

// Open implements [audio.Microphone].
func (m *Microphone) Open(ctx context.Context, c audio.Constraints) (audio.InputStream, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if c.EchoCancellation || c.NoiseSuppression || c.AutoGainControl {
		if m.strict {
			return nil, fmt.Errorf("portaudio: %w: no input processing available", audio.ErrConstraintsRejected)
		}
		slog.Debug("portaudio: ignoring processing constraints", "constraints", fmt.Sprintf("%+v", c))
	}

	dev, err := portaudio.DefaultInputDevice()
	if err != nil {
		return nil, fmt.Errorf("portaudio: default input device: %w", err)
	}
	channels := c.Channels
	if channels <= 0 {
		channels = min(max(dev.MaxInputChannels, 1), 2)
	}
	if channels > dev.MaxInputChannels {
		return nil, fmt.Errorf("portaudio: %w: %d channels requested, device has %d",
			audio.ErrConstraintsRejected, channels, dev.MaxInputChannels)
	}
	rate := c.SampleRate
	if rate <= 0 {
		rate = int(dev.DefaultSampleRate)
	}

	s := &stream{
		format: audio.Format{SampleRate: rate, Channels: channels},
		blocks: make(chan audio.Block, m.buffer),
		start:  time.Now(),
	}
	ps, err := portaudio.OpenDefaultStream(channels, 0, float64(rate), framesPerBuffer, s.process)
	if err != nil {
		return nil, fmt.Errorf("portaudio: open stream: %w", err)
	}
	s.ps = ps
	if err := ps.Start(); err != nil {
		return nil, errors.Join(fmt.Errorf("portaudio: start stream: %w", err), ps.Close())
	}
	return s, nil
}

// stream is a running PortAudio input stream.
type stream struct {
	ps     *portaudio.Stream
	format audio.Format
	start  time.Time

	mu       sync.Mutex
	blocks   chan audio.Block
	callback func(audio.Block)
	closed   bool
	dropped  int
}

// process runs on the PortAudio thread. in is reused between calls.
func (s *stream) process(in []float32) {
	b := audio.Block{
		Samples:    append([]float32(nil), in...),
		SampleRate: s.format.SampleRate,
		Channels:   s.format.Channels,
		Timestamp:  time.Since(s.start),
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	if s.callback != nil {
		s.callback(b)
		return
	}
	select {
	case s.blocks <- b:
	default:
		s.dropped++
	}
}

func (s *stream) Blocks() <-chan audio.Block { return s.blocks }

func (s *stream) Format() audio.Format { return s.format }

func (s *stream) SetCallback(fn func(audio.Block)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.callback = fn
}

func (s *stream) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	dropped := s.dropped
	close(s.blocks)
	s.mu.Unlock()

	if dropped > 0 {
		slog.Debug("portaudio: blocks dropped by slow consumer", "count", dropped)
	}
	return errors.Join(s.ps.Stop(), s.ps.Close())
}

var (
	_ audio.Microphone     = (*Microphone)(nil)
	_ audio.CallbackStream = (*stream)(nil)
)
