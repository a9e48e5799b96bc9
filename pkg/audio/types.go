package audio

import (
	"fmt"
	"sync"
	"time"
)

// Format describes the sample rate and channel count of an audio stream.
type Format struct {
	SampleRate int
	Channels   int
}

// String returns a human-readable form such as "16000Hz mono".
func (f Format) String() string {
	ch := "mono"
	switch {
	case f.Channels == 2:
		ch = "stereo"
	case f.Channels > 2:
		ch = fmt.Sprintf("%dch", f.Channels)
	}
	return fmt.Sprintf("%dHz %s", f.SampleRate, ch)
}

// Block is one device callback's worth of captured audio as normalised float
// samples in [-1, 1]. Multi-channel data is interleaved.
type Block struct {
	Samples    []float32
	SampleRate int
	Channels   int

	// Timestamp marks when the block was captured, relative to stream start.
	Timestamp time.Duration
}

// Frames returns the number of sample frames (samples per channel) in b.
func (b Block) Frames() int {
	if b.Channels <= 0 {
		return len(b.Samples)
	}
	return len(b.Samples) / b.Channels
}

// Clip is a decoded, playable audio buffer. Clips hold decoder output that can
// be large; every Clip must be released exactly once via [Clip.Release] when
// playback ends, fails, or is interrupted.
type Clip struct {
	// PCM holds little-endian int16 samples. Nil after Release.
	PCM []byte

	// Format describes PCM.
	Format Format

	mu       sync.Mutex
	released bool
	onFree   func()
}

// NewClip wraps pcm in a Clip. onFree, if non-nil, runs once on Release and is
// where decoders return pooled buffers.
func NewClip(pcm []byte, format Format, onFree func()) *Clip {
	return &Clip{PCM: pcm, Format: format, onFree: onFree}
}

// Duration returns the playback length of the clip.
func (c *Clip) Duration() time.Duration {
	c.mu.Lock()
	defer c.mu.Unlock()
	return pcmDuration(len(c.PCM), c.Format)
}

// Release frees the clip's sample storage. Safe to call more than once; only
// the first call has effect.
func (c *Clip) Release() {
	c.mu.Lock()
	if c.released {
		c.mu.Unlock()
		return
	}
	c.released = true
	c.PCM = nil
	free := c.onFree
	c.mu.Unlock()

	if free != nil {
		free()
	}
}

// Released reports whether Release has been called.
func (c *Clip) Released() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.released
}

// pcmDuration computes the duration of n bytes of int16 PCM in format f.
func pcmDuration(n int, f Format) time.Duration {
	if f.SampleRate <= 0 || f.Channels <= 0 {
		return 0
	}
	samples := n / 2 / f.Channels
	return time.Duration(samples) * time.Second / time.Duration(f.SampleRate)
}
