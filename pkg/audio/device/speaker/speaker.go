// Package speaker implements [audio.Sink] on the system output device using
// beep's speaker package.
//
// The device runs at a single output rate chosen at [Init]; clips at other
// rates are resampled on the fly. Only one Sink may exist per process because
// the underlying speaker is global.
package speaker

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/faiface/beep"
	"github.com/faiface/beep/speaker"

	"github.com/MrWong99/voxlink/pkg/audio"
)

// resampleQuality trades CPU for fidelity in beep.Resample.
const resampleQuality = 3

// Sink plays clips on the default output device.
type Sink struct {
	rate beep.SampleRate
	mu   sync.Mutex // serialises Play
}

var initOnce sync.Once

// Init opens the output device at sampleRate with the given buffer latency.
// Subsequent calls return a sink sharing the first device.
func Init(sampleRate int, latency time.Duration) (*Sink, error) {
	rate := beep.SampleRate(sampleRate)
	var err error
	initOnce.Do(func() {
		err = speaker.Init(rate, rate.N(latency))
	})
	if err != nil {
		return nil, fmt.Errorf("speaker: init: %w", err)
	}
	return &Sink{rate: rate}, nil
}

// Play implements [audio.Sink]. It blocks until the clip has played out or ctx
// is cancelled, in which case the clip is cut immediately.
func (s *Sink) Play(ctx context.Context, clip *audio.Clip) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if len(clip.PCM) == 0 {
		return nil
	}
	var st beep.Streamer = &pcmStreamer{pcm: clip.PCM, channels: clip.Format.Channels}
	if src := beep.SampleRate(clip.Format.SampleRate); src != s.rate {
		st = beep.Resample(resampleQuality, src, s.rate, st)
	}

	done := make(chan struct{})
	ctrl := &beep.Ctrl{Streamer: beep.Seq(st, beep.Callback(func() { close(done) }))}
	speaker.Play(ctrl)

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		speaker.Lock()
		ctrl.Streamer = nil
		speaker.Unlock()
		return ctx.Err()
	}
}

// pcmStreamer adapts interleaved PCM16 to beep's stereo float frames.
type pcmStreamer struct {
	pcm      []byte
	channels int
	pos      int // byte offset
}

func (p *pcmStreamer) Stream(samples [][2]float64) (int, bool) {
	frameBytes := 2 * max(p.channels, 1)
	n := 0
	for n < len(samples) && p.pos+frameBytes <= len(p.pcm) {
		l := float64(int16(uint16(p.pcm[p.pos])|uint16(p.pcm[p.pos+1])<<8)) / 0x8000
		r := l
		if p.channels >= 2 {
			r = float64(int16(uint16(p.pcm[p.pos+2])|uint16(p.pcm[p.pos+3])<<8)) / 0x8000
		}
		samples[n] = [2]float64{l, r}
		p.pos += frameBytes
		n++
	}
	return n, n > 0
}

func (p *pcmStreamer) Err() error { return nil }

var _ audio.Sink = (*Sink)(nil)
