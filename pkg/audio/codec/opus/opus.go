// Package opus decodes binary Opus packets into clips. Servers that stream
// assistant audio as raw Opus frames over binary WebSocket messages need a
// stateful decoder per connection, since each packet depends on the previous
// one.
package opus

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"layeh.com/gopus"

	"github.com/MrWong99/voxlink/pkg/audio"
	"github.com/MrWong99/voxlink/pkg/audio/codec"
)

const (
	// SampleRate is the Opus decode rate.
	SampleRate = 48000

	// maxFrameSize is the largest Opus frame (120 ms at 48 kHz) per channel.
	maxFrameSize = 5760

	// FrameSize is the 20 ms frame the encoder produces.
	FrameSize = 960
)

// Decoder is a [codec.Decoder] for single Opus packets. It is safe for
// concurrent use, but packets must arrive in stream order.
type Decoder struct {
	mu       sync.Mutex
	dec      *gopus.Decoder
	channels int
}

// NewDecoder creates a decoder producing channels-channel 48 kHz PCM.
func NewDecoder(channels int) (*Decoder, error) {
	dec, err := gopus.NewDecoder(SampleRate, channels)
	if err != nil {
		return nil, fmt.Errorf("opus: create decoder: %w", err)
	}
	return &Decoder{dec: dec, channels: channels}, nil
}

// Decode implements [codec.Decoder].
func (d *Decoder) Decode(ctx context.Context, packet []byte) (*audio.Clip, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if len(packet) == 0 {
		return nil, codec.ErrEmpty
	}
	d.mu.Lock()
	pcm, err := d.dec.Decode(packet, maxFrameSize, false)
	d.mu.Unlock()
	if err != nil {
		return nil, fmt.Errorf("opus: decode: %w", err)
	}
	format := audio.Format{SampleRate: SampleRate, Channels: d.channels}
	return audio.NewClip(audio.Int16ToBytes(pcm), format, nil), nil
}

// Encoder produces Opus packets from 48 kHz PCM. The development server uses
// it to exercise binary audio delivery.
type Encoder struct {
	mu       sync.Mutex
	enc      *gopus.Encoder
	channels int
}

// NewEncoder creates a voice-tuned encoder.
func NewEncoder(channels int) (*Encoder, error) {
	enc, err := gopus.NewEncoder(SampleRate, channels, gopus.Voip)
	if err != nil {
		return nil, fmt.Errorf("opus: create encoder: %w", err)
	}
	return &Encoder{enc: enc, channels: channels}, nil
}

// Encode splits pcm into 20 ms frames and encodes each one. A trailing
// partial frame is zero-padded.
func (e *Encoder) Encode(pcm []byte) ([][]byte, error) {
	samples := audio.BytesToInt16(pcm)
	if len(samples) == 0 {
		return nil, errors.New("opus: empty pcm")
	}
	step := FrameSize * e.channels

	e.mu.Lock()
	defer e.mu.Unlock()
	var packets [][]byte
	for off := 0; off < len(samples); off += step {
		frame := samples[off:min(off+step, len(samples))]
		if len(frame) < step {
			padded := make([]int16, step)
			copy(padded, frame)
			frame = padded
		}
		pkt, err := e.enc.Encode(frame, FrameSize, 4000)
		if err != nil {
			return nil, fmt.Errorf("opus: encode: %w", err)
		}
		packets = append(packets, pkt)
	}
	return packets, nil
}

var _ codec.Decoder = (*Decoder)(nil)
