// Package mock provides scripted VAD engines for capture tests.
//
// A [Session] replays a script of events, one per processed frame, and then
// repeats EventResult. [Script] builds such a script from a speech pattern:
//
//	sess := &mock.Session{Events: mock.Script(true, true, false)}
//	eng := &mock.Engine{Session: sess}
package mock

import (
	"sync"

	"github.com/MrWong99/voxlink/pkg/provider/vad"
)

var (
	_ vad.Engine        = (*Engine)(nil)
	_ vad.SessionHandle = (*Session)(nil)
)

// Engine hands out Session (or a fresh silent session) and records the
// configurations it was asked for.
type Engine struct {
	mu sync.Mutex

	Session vad.SessionHandle

	// NewSessionErr fails every NewSession call.
	NewSessionErr error

	configs []vad.Config
}

func (e *Engine) NewSession(cfg vad.Config) (vad.SessionHandle, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.configs = append(e.configs, cfg)
	if e.NewSessionErr != nil {
		return nil, e.NewSessionErr
	}
	if e.Session != nil {
		return e.Session, nil
	}
	return &Session{EventResult: vad.VADEvent{Type: vad.VADSilence}}, nil
}

// Configs returns the configurations passed to NewSession, in order.
func (e *Engine) Configs() []vad.Config {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]vad.Config(nil), e.configs...)
}

// Session is a scripted [vad.SessionHandle].
type Session struct {
	mu sync.Mutex

	// Events are returned by successive ProcessFrame calls; afterwards
	// EventResult is returned.
	Events      []vad.VADEvent
	EventResult vad.VADEvent

	ProcessFrameErr error
	CloseErr        error

	// Counters, readable after the session is done.
	Frames         int
	FrameBytes     int
	ResetCallCount int
	CloseCallCount int
}

func (s *Session) ProcessFrame(frame []byte) (vad.VADEvent, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.Frames++
	s.FrameBytes += len(frame)
	ev := s.EventResult
	if len(s.Events) > 0 {
		ev, s.Events = s.Events[0], s.Events[1:]
	}
	return ev, s.ProcessFrameErr
}

func (s *Session) Reset() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.ResetCallCount++
}

func (s *Session) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.CloseCallCount++
	return s.CloseErr
}

// Script turns a per-frame speech pattern into the events an engine with
// no hysteresis would emit: a start on the first speaking frame, continues
// while speaking, an end on the first quiet frame and silence afterwards.
func Script(speaking ...bool) []vad.VADEvent {
	out := make([]vad.VADEvent, len(speaking))
	prev := false
	for i, sp := range speaking {
		var typ vad.VADEventType
		switch {
		case sp && !prev:
			typ = vad.VADSpeechStart
		case sp:
			typ = vad.VADSpeechContinue
		case prev:
			typ = vad.VADSpeechEnd
		default:
			typ = vad.VADSilence
		}
		level := 0.0
		if sp {
			level = 0.5
		}
		out[i] = vad.VADEvent{Type: typ, Probability: level}
		prev = sp
	}
	return out
}
