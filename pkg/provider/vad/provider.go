// Package vad defines the Engine interface for Voice Activity Detection backends.
//
// A VAD engine surfaces a frame-level speech detector as a stateful, per-stream
// session. Each session keeps its own hysteresis counters so that the capture
// pipeline and the barge-in sensor can classify independent streams without
// interfering with each other.
//
// ProcessFrame is synchronous and returns immediately, making it suitable for
// device callbacks and polling loops alike.
//
// Engines must be safe for concurrent use. A single SessionHandle should not be
// shared across goroutines unless the implementation documents otherwise.
package vad

import (
	"errors"
	"fmt"
)

// ErrSessionClosed is returned by ProcessFrame after Close.
var ErrSessionClosed = errors.New("vad: session closed")

// Config holds the parameters for a VAD session. Thresholds are expressed on
// the RMS scale of normalised samples ([0, 1]).
type Config struct {
	// SampleRate is the rate of the PCM frames passed to ProcessFrame in Hz.
	SampleRate int

	// SpeechThreshold is the level at or above which a frame counts as speech.
	SpeechThreshold float64

	// SilenceThreshold is the level below which a frame counts as silence while
	// speech is active. Zero means "same as SpeechThreshold". Must be
	// ≤ SpeechThreshold.
	SilenceThreshold float64

	// SpeechFrames is the number of consecutive speech frames needed before
	// VADSpeechStart is reported. Values below 1 are treated as 1.
	SpeechFrames int

	// SilenceFrames is the number of consecutive silence frames needed before
	// VADSpeechEnd is reported. Values below 1 are treated as 1.
	SilenceFrames int
}

// Validate reports configuration errors.
func (c Config) Validate() error {
	var errs []error
	if c.SampleRate <= 0 {
		errs = append(errs, fmt.Errorf("vad: sample rate must be positive, got %d", c.SampleRate))
	}
	if c.SpeechThreshold <= 0 || c.SpeechThreshold > 1 {
		errs = append(errs, fmt.Errorf("vad: speech threshold must be in (0, 1], got %g", c.SpeechThreshold))
	}
	if c.SilenceThreshold < 0 || c.SilenceThreshold > c.SpeechThreshold {
		errs = append(errs, fmt.Errorf("vad: silence threshold must be in [0, %g], got %g", c.SpeechThreshold, c.SilenceThreshold))
	}
	return errors.Join(errs...)
}

// SessionHandle represents an active VAD session for a single audio stream. It is
// an interface so that test code can supply mock implementations without a live
// engine.
type SessionHandle interface {
	// ProcessFrame classifies one frame of little-endian int16 PCM. Frames may
	// be any length; the result reflects the session's hysteresis state after
	// the frame has been counted.
	ProcessFrame(frame []byte) (VADEvent, error)

	// Reset clears accumulated detection state without closing the session.
	Reset()

	// Close releases the session. Calling Close more than once is safe.
	Close() error
}

// Engine is the factory for VAD sessions.
type Engine interface {
	// NewSession creates a session with the given configuration. Returns an
	// error if the configuration is invalid.
	NewSession(cfg Config) (SessionHandle, error)
}
