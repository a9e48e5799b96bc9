// Package audio defines the audio types, device interfaces, and sample
// conversion helpers shared by the VoxLink capture and playback pipelines.
//
// The device abstractions are:
//
//   - [Microphone] opens capture streams ([InputStream]) with optional
//     processing [Constraints].
//   - [CallbackStream] is an optional extension of [InputStream] for devices
//     that push samples from their own audio thread.
//   - [Sink] plays decoded [Clip] values one at a time.
//
// Concrete devices live in the audio/device subpackages; test doubles live in
// audio/mock.
package audio

import (
	"context"
	"errors"
)

// ErrConstraintsRejected is returned by [Microphone.Open] when the device
// cannot satisfy the requested [Constraints]. Callers may retry with a zero
// Constraints value.
var ErrConstraintsRejected = errors.New("audio: capture constraints rejected")

// Constraints describes the capture processing requested from a microphone.
// The zero value is the minimal, unconstrained request.
type Constraints struct {
	EchoCancellation bool
	NoiseSuppression bool
	AutoGainControl  bool

	// SampleRate requests a specific device rate in Hz. Zero lets the device
	// choose its native rate.
	SampleRate int

	// Channels requests a specific channel count. Zero lets the device choose.
	Channels int
}

// Preferred returns the constraints used for conversational capture: all
// speech-processing features enabled, device-native format.
func Preferred() Constraints {
	return Constraints{
		EchoCancellation: true,
		NoiseSuppression: true,
		AutoGainControl:  true,
	}
}

// InputStream is an open microphone stream. Each stream is owned by exactly
// one consumer and must be closed by it.
type InputStream interface {
	// Blocks returns the channel delivering captured blocks. It is closed when
	// the stream is closed or the device fails.
	Blocks() <-chan Block

	// Format reports the native format of the delivered blocks.
	Format() Format

	// Close stops capture and releases the device handle. Calling Close more
	// than once is safe.
	Close() error
}

// CallbackStream is implemented by input streams that can invoke a function
// directly on the device's audio thread instead of delivering blocks over a
// channel. When SetCallback has been called, Blocks delivers nothing.
type CallbackStream interface {
	InputStream

	// SetCallback registers fn to receive every captured block. fn runs on the
	// device thread and must not block.
	SetCallback(fn func(Block))
}

// Microphone opens capture streams. Every call to Open returns an independent
// stream so that separate consumers never share a device handle.
//
// Implementations must be safe for concurrent use.
type Microphone interface {
	Open(ctx context.Context, c Constraints) (InputStream, error)
}

// Sink plays decoded clips. Play blocks until the clip has finished playing
// (the "ended" event), ctx is cancelled (the clip is muted and stopped
// immediately), or playback fails. Play never releases the clip; the caller
// owns it.
//
// Implementations must be safe for concurrent use, although callers only ever
// play one clip at a time.
type Sink interface {
	Play(ctx context.Context, clip *Clip) error
}
