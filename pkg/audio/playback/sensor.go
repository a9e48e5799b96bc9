package playback

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/MrWong99/voxlink/pkg/audio"
	"github.com/MrWong99/voxlink/pkg/provider/vad"
	"github.com/MrWong99/voxlink/pkg/provider/vad/rms"
)

// SensorConfig tunes barge-in detection.
type SensorConfig struct {
	// Threshold is the RMS level that counts as the user speaking over
	// playback. Default 0.05.
	Threshold float64

	// Interval is the sampling period. Default 50ms.
	Interval time.Duration

	// Consecutive is the number of consecutive loud samples required to
	// trigger, rejecting transient noise. Default 3.
	Consecutive int
}

func (c SensorConfig) withDefaults() SensorConfig {
	if c.Threshold <= 0 {
		c.Threshold = 0.05
	}
	if c.Interval <= 0 {
		c.Interval = 50 * time.Millisecond
	}
	if c.Consecutive <= 0 {
		c.Consecutive = 3
	}
	return c
}

// SensorOption is a functional option for [NewSensor].
type SensorOption func(*Sensor)

// WithSensorEngine replaces the default RMS VAD engine.
func WithSensorEngine(e vad.Engine) SensorOption {
	return func(s *Sensor) { s.engine = e }
}

// WithOnBargeIn registers the hook invoked after the sensor interrupted
// playback, with the triggering level. This is where the remote side is told
// to stop generating.
func WithOnBargeIn(fn func(level float64)) SensorOption {
	return func(s *Sensor) { s.onBargeIn = fn }
}

// Sensor samples microphone energy while playback is active and interrupts
// the bound [Controller] when the user starts speaking. It holds its own
// microphone stream only while running.
type Sensor struct {
	mic       audio.Microphone
	engine    vad.Engine
	onBargeIn func(float64)

	mu     sync.Mutex
	cfg    SensorConfig
	ctrl   *Controller
	cancel context.CancelFunc
	done   chan struct{}
}

// NewSensor creates a sensor reading from mic. Pass it to [New] via
// [WithSensor].
func NewSensor(mic audio.Microphone, cfg SensorConfig, opts ...SensorOption) *Sensor {
	s := &Sensor{
		mic:    mic,
		engine: rms.New(),
		cfg:    cfg.withDefaults(),
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

func (s *Sensor) bind(c *Controller) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.ctrl = c
}

// SetThreshold changes the trigger level from the next activation on.
func (s *Sensor) SetThreshold(level float64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if level > 0 {
		s.cfg.Threshold = level
	}
}

// Running reports whether the sensing loop is active.
func (s *Sensor) Running() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cancel != nil
}

// Start launches the sensing loop unless it is already running.
func (s *Sensor) Start() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cancel != nil {
		return
	}
	ctx, cancel := context.WithCancel(context.Background())
	s.cancel = cancel
	s.done = make(chan struct{})
	go s.run(ctx, s.cfg, s.ctrl, s.done)
}

// Stop ends the sensing loop and waits until its stream is released.
func (s *Sensor) Stop() {
	s.mu.Lock()
	cancel, done := s.cancel, s.done
	s.cancel, s.done = nil, nil
	s.mu.Unlock()

	if cancel == nil {
		return
	}
	cancel()
	<-done
}

// run exits on Stop, or on its own after a barge-in or a failure. In the
// latter case it detaches itself so the next Start launches a fresh loop.
func (s *Sensor) run(ctx context.Context, cfg SensorConfig, ctrl *Controller, done chan struct{}) {
	defer func() {
		s.mu.Lock()
		if s.done == done {
			s.cancel()
			s.cancel, s.done = nil, nil
		}
		s.mu.Unlock()
		close(done)
	}()

	stream, err := s.mic.Open(ctx, audio.Preferred())
	if err != nil && ctx.Err() == nil {
		stream, err = s.mic.Open(ctx, audio.Constraints{})
	}
	if err != nil {
		if ctx.Err() == nil {
			slog.Warn("playback: barge-in sensor unavailable", "err", err)
		}
		return
	}
	defer func() {
		if err := stream.Close(); err != nil {
			slog.Warn("playback: close sensor stream", "err", err)
		}
	}()

	sess, err := s.engine.NewSession(vad.Config{
		SampleRate:      audio.TargetSampleRate,
		SpeechThreshold: cfg.Threshold,
		SpeechFrames:    cfg.Consecutive,
	})
	if err != nil {
		slog.Warn("playback: barge-in vad session", "err", err)
		return
	}
	defer sess.Close()

	ticker := time.NewTicker(cfg.Interval)
	defer ticker.Stop()

	blocks := stream.Blocks()
	var window []float32
	for {
		select {
		case <-ctx.Done():
			return
		case b, ok := <-blocks:
			if !ok {
				return
			}
			window = append(window, audio.DownmixToMono(b.Samples, b.Channels)...)
		case <-ticker.C:
			if len(window) == 0 {
				continue
			}
			ev, err := sess.ProcessFrame(audio.FloatToPCM16(window))
			window = window[:0]
			if err != nil {
				slog.Warn("playback: barge-in vad", "err", err)
				return
			}
			if ev.Type != vad.VADSpeechStart {
				continue
			}
			slog.Info("playback: barge-in detected", "level", ev.Probability)
			if ctrl != nil {
				ctrl.Interrupt()
			}
			if s.onBargeIn != nil {
				s.onBargeIn(ev.Probability)
			}
			return
		}
	}
}
