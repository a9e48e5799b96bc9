// Package rms provides an energy-based VAD engine.
//
// Frames are classified by their root-mean-square level against a speech
// threshold, with hysteresis: entering speech requires SpeechFrames consecutive
// frames at or above SpeechThreshold, and leaving it requires SilenceFrames
// consecutive frames below SilenceThreshold. The engine needs no model files
// and runs in constant time per sample, so it is cheap enough for both the
// capture callback and the 50 ms barge-in poll.
package rms

import (
	"sync"

	"github.com/MrWong99/voxlink/pkg/audio"
	"github.com/MrWong99/voxlink/pkg/provider/vad"
)

// Engine creates RMS VAD sessions. It is stateless and safe for concurrent use.
type Engine struct {
	speechFrames  int
	silenceFrames int
}

// Option is a functional option for [New].
type Option func(*Engine)

// WithSpeechFrames sets the default number of consecutive loud frames needed
// to enter speech when a session Config leaves SpeechFrames at zero.
func WithSpeechFrames(n int) Option {
	return func(e *Engine) { e.speechFrames = n }
}

// WithSilenceFrames sets the default number of consecutive quiet frames needed
// to leave speech when a session Config leaves SilenceFrames at zero.
func WithSilenceFrames(n int) Option {
	return func(e *Engine) { e.silenceFrames = n }
}

// New returns an Engine. Without options a single frame enters and leaves
// speech, which gives a plain threshold comparison.
func New(opts ...Option) *Engine {
	e := &Engine{speechFrames: 1, silenceFrames: 1}
	for _, o := range opts {
		o(e)
	}
	return e
}

// NewSession implements [vad.Engine].
func (e *Engine) NewSession(cfg vad.Config) (vad.SessionHandle, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	s := &Session{
		speech:        cfg.SpeechThreshold,
		silence:       cfg.SilenceThreshold,
		speechFrames:  cfg.SpeechFrames,
		silenceFrames: cfg.SilenceFrames,
	}
	if s.silence == 0 {
		s.silence = s.speech
	}
	if s.speechFrames <= 0 {
		s.speechFrames = max(e.speechFrames, 1)
	}
	if s.silenceFrames <= 0 {
		s.silenceFrames = max(e.silenceFrames, 1)
	}
	return s, nil
}

// Session is a single-stream RMS detector.
type Session struct {
	mu sync.Mutex

	speech, silence             float64
	speechFrames, silenceFrames int

	inSpeech     bool
	speechCount  int
	silenceCount int
	closed       bool
}

// ProcessFrame implements [vad.SessionHandle].
func (s *Session) ProcessFrame(frame []byte) (vad.VADEvent, error) {
	level := audio.RMS16(frame)
	return s.Observe(level)
}

// Observe feeds an already computed RMS level into the detector. It lets
// callers that work on float samples skip the PCM round trip.
func (s *Session) Observe(level float64) (vad.VADEvent, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return vad.VADEvent{}, vad.ErrSessionClosed
	}

	ev := vad.VADEvent{Probability: level}
	if s.inSpeech {
		if level < s.silence {
			s.silenceCount++
			if s.silenceCount >= s.silenceFrames {
				s.inSpeech = false
				s.silenceCount = 0
				ev.Type = vad.VADSpeechEnd
				return ev, nil
			}
		} else {
			s.silenceCount = 0
		}
		ev.Type = vad.VADSpeechContinue
		return ev, nil
	}

	if level >= s.speech {
		s.speechCount++
		if s.speechCount >= s.speechFrames {
			s.inSpeech = true
			s.speechCount = 0
			ev.Type = vad.VADSpeechStart
			return ev, nil
		}
	} else {
		s.speechCount = 0
	}
	ev.Type = vad.VADSilence
	return ev, nil
}

// Reset implements [vad.SessionHandle].
func (s *Session) Reset() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.inSpeech = false
	s.speechCount = 0
	s.silenceCount = 0
}

// Close implements [vad.SessionHandle].
func (s *Session) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}

var (
	_ vad.Engine        = (*Engine)(nil)
	_ vad.SessionHandle = (*Session)(nil)
)
