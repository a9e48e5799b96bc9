// Package capture turns microphone input into framed 16 kHz mono PCM16 chunks
// for the speech service, with VAD-driven end-of-utterance detection.
//
// A [Pipeline] opens its own microphone stream, converts every captured block
// (channel-average down-mix, linear resample, float→PCM16), slices the result
// into fixed-size frames and hands them to an [Uplink]. An energy VAD watches
// each block; after speech followed by a configurable stretch of silence the
// pipeline flushes its buffer, emits a commit chunk and asks the service to
// transcribe the utterance.
package capture

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/MrWong99/voxlink/pkg/audio"
	"github.com/MrWong99/voxlink/pkg/provider/vad"
	"github.com/MrWong99/voxlink/pkg/provider/vad/rms"
)

// ErrNotStarted is returned by Stop when the pipeline is not running.
var ErrNotStarted = errors.New("capture: pipeline not started")

// ErrAlreadyStarted is returned by Start when the pipeline is already running.
var ErrAlreadyStarted = errors.New("capture: pipeline already started")

// Chunk is one outbound audio frame. A commit chunk carries no audio and
// marks the end of an utterance.
type Chunk struct {
	PCM        []byte
	Commit     bool
	SampleRate int
}

// Uplink receives the pipeline's output. Calls arrive in capture order from a
// single goroutine at a time.
type Uplink interface {
	SendChunk(c Chunk) error
	RequestTranscription() error
}

// Config holds the pipeline tuning parameters. Zero fields take defaults.
type Config struct {
	// FrameBytes is the size of every dispatched data chunk. Default 4096.
	FrameBytes int

	// SilenceThreshold is the RMS level separating speech from silence.
	// Default 0.01.
	SilenceThreshold float64

	// SilenceTimeout is how long the level must stay below SilenceThreshold
	// after speech before the utterance is committed. Default 1200ms.
	SilenceTimeout time.Duration

	// MinCommitBytes discards utterances smaller than this instead of
	// committing them. Default 3200 (100ms of 16 kHz PCM16).
	MinCommitBytes int

	// MaxBufferBytes caps unsent bytes; the oldest bytes are dropped beyond
	// it. Zero means unbounded.
	MaxBufferBytes int

	// PortSize is the channel capacity of the port processor. Default 8.
	PortSize int
}

const (
	defaultFrameBytes       = 4096
	defaultSilenceThreshold = 0.01
	defaultSilenceTimeout   = 1200 * time.Millisecond
	defaultMinCommitBytes   = 3200
	defaultPortSize         = 8
)

func (c Config) withDefaults() Config {
	if c.FrameBytes <= 0 {
		c.FrameBytes = defaultFrameBytes
	}
	if c.SilenceThreshold <= 0 {
		c.SilenceThreshold = defaultSilenceThreshold
	}
	if c.SilenceTimeout <= 0 {
		c.SilenceTimeout = defaultSilenceTimeout
	}
	if c.MinCommitBytes <= 0 {
		c.MinCommitBytes = defaultMinCommitBytes
	}
	if c.PortSize <= 0 {
		c.PortSize = defaultPortSize
	}
	return c
}

// Option is a functional option for [New].
type Option func(*Pipeline)

// WithVADEngine replaces the default RMS engine.
func WithVADEngine(e vad.Engine) Option {
	return func(p *Pipeline) { p.vadEngine = e }
}

// WithClock overrides the time source used for silence timing.
func WithClock(now func() time.Time) Option {
	return func(p *Pipeline) { p.now = now }
}

// WithOnVAD registers a hook invoked for every processed block with the
// speaking decision and the block's RMS level.
func WithOnVAD(fn func(speaking bool, rms float64)) Option {
	return func(p *Pipeline) { p.onVAD = fn }
}

// WithOnCycleStart registers a hook invoked whenever a new recording cycle
// begins: on Start and after every commit.
func WithOnCycleStart(fn func()) Option {
	return func(p *Pipeline) { p.onCycleStart = fn }
}

// WithOnCommit registers a hook invoked after each commit with the utterance
// size in bytes.
func WithOnCommit(fn func(bytes int)) Option {
	return func(p *Pipeline) { p.onCommit = fn }
}

// WithOnFrame registers a hook invoked after each data chunk is handed to the
// uplink.
func WithOnFrame(fn func(bytes int)) Option {
	return func(p *Pipeline) { p.onFrame = fn }
}

// Pipeline is the capture and encoding pipeline. It is safe for concurrent
// use. A stopped pipeline may be started again.
type Pipeline struct {
	mic       audio.Microphone
	uplink    Uplink
	vadEngine vad.Engine
	now       func() time.Time

	onVAD        func(bool, float64)
	onCycleStart func()
	onCommit     func(int)
	onFrame      func(int)

	mu       sync.Mutex
	cfg      Config
	running  bool
	starting bool
	muted    bool
	stream   audio.InputStream
	proc     processor
	vadSess  vad.SessionHandle

	buf        []byte
	utterBytes int
	speechSeen bool
	committed  bool
	lastSpeech time.Time
	dropped    int
}

// New creates a pipeline reading from mic and writing to uplink.
func New(mic audio.Microphone, uplink Uplink, cfg Config, opts ...Option) *Pipeline {
	p := &Pipeline{
		mic:       mic,
		uplink:    uplink,
		cfg:       cfg.withDefaults(),
		vadEngine: rms.New(),
		now:       time.Now,
	}
	for _, o := range opts {
		o(p)
	}
	return p
}

// Start opens the microphone and begins streaming. Preferred processing
// constraints are requested first; if the device rejects them, capture is
// retried once with an unconstrained request.
func (p *Pipeline) Start(ctx context.Context) error {
	p.mu.Lock()
	if p.running || p.starting {
		p.mu.Unlock()
		return ErrAlreadyStarted
	}
	p.starting = true
	cfg := p.cfg
	p.mu.Unlock()
	defer func() {
		p.mu.Lock()
		p.starting = false
		p.mu.Unlock()
	}()

	stream, err := p.mic.Open(ctx, audio.Preferred())
	if err != nil {
		if ctx.Err() != nil {
			return fmt.Errorf("capture: open microphone: %w", err)
		}
		slog.Warn("capture: preferred constraints rejected, retrying unconstrained", "err", err)
		stream, err = p.mic.Open(ctx, audio.Constraints{})
		if err != nil {
			return fmt.Errorf("capture: open microphone: %w", err)
		}
	}

	sess, err := p.vadEngine.NewSession(vad.Config{
		SampleRate:      audio.TargetSampleRate,
		SpeechThreshold: cfg.SilenceThreshold,
	})
	if err != nil {
		return errors.Join(fmt.Errorf("capture: vad session: %w", err), stream.Close())
	}

	proc := newProcessor(stream, cfg.PortSize)

	p.mu.Lock()
	p.running = true
	p.stream = stream
	p.vadSess = sess
	p.proc = proc
	p.resetCycleLocked()
	p.buf = p.buf[:0]
	p.mu.Unlock()

	slog.Info("capture: started", "format", stream.Format(), "processor", proc.name())
	p.cycleStarted()
	proc.start(stream, p.handle)
	return nil
}

// Stop flushes buffered audio with a final commit (subject to the minimum
// utterance size) and releases the processor, the stream and the VAD
// session. Every release step runs even if an earlier one fails.
func (p *Pipeline) Stop() error {
	p.mu.Lock()
	if !p.running {
		p.mu.Unlock()
		return ErrNotStarted
	}
	p.running = false
	proc, stream, sess := p.proc, p.stream, p.vadSess
	p.proc, p.stream, p.vadSess = nil, nil, nil
	p.mu.Unlock()

	var errs []error
	proc.stop()

	p.mu.Lock()
	if err := p.commitLocked(); err != nil {
		errs = append(errs, err)
	}
	p.buf = p.buf[:0]
	p.mu.Unlock()

	if err := stream.Close(); err != nil {
		errs = append(errs, fmt.Errorf("capture: close stream: %w", err))
	}
	if err := sess.Close(); err != nil {
		errs = append(errs, fmt.Errorf("capture: close vad session: %w", err))
	}
	slog.Info("capture: stopped")
	return errors.Join(errs...)
}

// Running reports whether the pipeline is capturing.
func (p *Pipeline) Running() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.running
}

// SetMuted drops captured blocks while muted is true.
func (p *Pipeline) SetMuted(muted bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.muted = muted
}

// SetThresholds updates the silence threshold and timeout. The threshold
// applies from the next Start; the timeout immediately.
func (p *Pipeline) SetThresholds(threshold float64, timeout time.Duration) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if threshold > 0 {
		p.cfg.SilenceThreshold = threshold
	}
	if timeout > 0 {
		p.cfg.SilenceTimeout = timeout
	}
}

// handle receives one converted block from the processor.
func (p *Pipeline) handle(pcm []byte) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.running || p.muted || len(pcm) == 0 {
		return
	}

	p.buf = append(p.buf, pcm...)
	p.utterBytes += len(pcm)
	if limit := p.cfg.MaxBufferBytes; limit > 0 && len(p.buf) > limit {
		drop := len(p.buf) - limit
		drop += drop % 2
		p.buf = p.buf[drop:]
		p.dropped += drop
		slog.Warn("capture: buffer full, dropped oldest audio", "bytes", drop)
	}
	for len(p.buf) >= p.cfg.FrameBytes {
		frame := make([]byte, p.cfg.FrameBytes)
		copy(frame, p.buf)
		p.buf = p.buf[p.cfg.FrameBytes:]
		p.sendLocked(frame)
	}

	p.detectLocked(pcm)
}

// detectLocked runs VAD on one block and fires the auto-commit.
func (p *Pipeline) detectLocked(pcm []byte) {
	ev, err := p.vadSess.ProcessFrame(pcm)
	if err != nil {
		slog.Warn("capture: vad failed", "err", err)
		return
	}
	speaking := ev.Speaking()
	if p.onVAD != nil {
		p.onVAD(speaking, ev.Probability)
	}

	now := p.now()
	if speaking {
		p.lastSpeech = now
		p.speechSeen = true
		p.committed = false
		return
	}
	if !p.speechSeen || p.committed || now.Sub(p.lastSpeech) <= p.cfg.SilenceTimeout {
		return
	}
	if err := p.commitLocked(); err != nil {
		slog.Warn("capture: auto-commit failed", "err", err)
	}
	p.committed = true
	p.speechSeen = false
	if p.onCycleStart != nil {
		// Runs under the lock so a new cycle is observed before further audio.
		p.onCycleStart()
	}
}

// commitLocked flushes the buffer and sends a commit followed by a
// transcription request. Utterances under the minimum size are discarded.
func (p *Pipeline) commitLocked() error {
	size := p.utterBytes
	if size < p.cfg.MinCommitBytes {
		if size > 0 {
			slog.Debug("capture: discarding short utterance", "bytes", size)
		}
		p.buf = p.buf[:0]
		p.utterBytes = 0
		return nil
	}

	if len(p.buf) > 0 {
		rest := make([]byte, len(p.buf))
		copy(rest, p.buf)
		p.buf = p.buf[:0]
		p.sendLocked(rest)
	}
	p.utterBytes = 0

	var errs []error
	if err := p.uplink.SendChunk(Chunk{Commit: true, SampleRate: audio.TargetSampleRate}); err != nil {
		errs = append(errs, fmt.Errorf("capture: send commit: %w", err))
	}
	if err := p.uplink.RequestTranscription(); err != nil {
		errs = append(errs, fmt.Errorf("capture: request transcription: %w", err))
	}
	if p.onCommit != nil {
		p.onCommit(size)
	}
	slog.Debug("capture: committed utterance", "bytes", size)
	return errors.Join(errs...)
}

func (p *Pipeline) sendLocked(frame []byte) {
	if err := p.uplink.SendChunk(Chunk{PCM: frame, SampleRate: audio.TargetSampleRate}); err != nil {
		slog.Warn("capture: send frame failed", "bytes", len(frame), "err", err)
		return
	}
	if p.onFrame != nil {
		p.onFrame(len(frame))
	}
}

func (p *Pipeline) resetCycleLocked() {
	p.utterBytes = 0
	p.speechSeen = false
	p.committed = false
	p.lastSpeech = time.Time{}
}

func (p *Pipeline) cycleStarted() {
	if p.onCycleStart != nil {
		p.onCycleStart()
	}
}

// Dropped returns the number of bytes discarded because the buffer cap was
// reached.
func (p *Pipeline) Dropped() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.dropped
}
