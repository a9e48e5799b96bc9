package playback_test

import (
	"errors"
	"math"
	"sync/atomic"
	"testing"
	"time"

	"github.com/MrWong99/voxlink/pkg/audio"
	"github.com/MrWong99/voxlink/pkg/audio/mock"
	"github.com/MrWong99/voxlink/pkg/audio/playback"
)

func speechBlock() audio.Block {
	s := make([]float32, 800)
	for i := range s {
		s[i] = float32(0.4 * math.Sin(2*math.Pi*300*float64(i)/16000))
	}
	return audio.Block{Samples: s, SampleRate: 16000, Channels: 1}
}

func TestSensor_BargeInClearsQueue(t *testing.T) {
	stream := mock.NewStream(audio.Format{SampleRate: 16000, Channels: 1}, 64)
	mic := &mock.Microphone{Streams: []audio.InputStream{stream}}

	bargedIn := make(chan float64, 1)
	sensor := playback.NewSensor(mic, playback.SensorConfig{Interval: 10 * time.Millisecond, Consecutive: 3},
		playback.WithOnBargeIn(func(level float64) { bargedIn <- level }))

	dec, sink := newDecoder(), mock.NewSink()
	c := newController(t, dec, sink, playback.WithSensor(sensor))

	for i := range 3 {
		if _, err := c.Enqueue(blob(byte(i + 1))); err != nil {
			t.Fatal(err)
		}
	}
	nextStarted(t, sink)
	waitFor(t, "sensor running", sensor.Running)

	stop := make(chan struct{})
	defer close(stop)
	go func() {
		tick := time.NewTicker(3 * time.Millisecond)
		defer tick.Stop()
		for {
			select {
			case <-stop:
				return
			case <-tick.C:
				if stream.Closed() {
					return
				}
				stream.Push(speechBlock())
			}
		}
	}()

	select {
	case level := <-bargedIn:
		if level < 0.05 {
			t.Errorf("barge-in level = %v, below threshold", level)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("barge-in not detected")
	}

	if !c.Interrupted() {
		t.Error("controller not interrupted")
	}
	if c.Len() != 0 {
		t.Errorf("Len = %d, want 0", c.Len())
	}
	waitFor(t, "playback idle", func() bool { return !c.Playing() })
	waitFor(t, "sensor stream released", stream.Closed)
	if got := len(sink.PlayedLens()); got != 1 {
		t.Errorf("items reached the sink: %d, want 1", got)
	}
}

func TestSensor_StopsWhenPlaybackEnds(t *testing.T) {
	stream := mock.NewStream(audio.Format{SampleRate: 16000, Channels: 1}, 8)
	mic := &mock.Microphone{Streams: []audio.InputStream{stream}}
	var fired atomic.Bool
	sensor := playback.NewSensor(mic, playback.SensorConfig{},
		playback.WithOnBargeIn(func(float64) { fired.Store(true) }))

	dec, sink := newDecoder(), mock.NewSink()
	c := newController(t, dec, sink, playback.WithSensor(sensor))
	if _, err := c.Enqueue(blob(1)); err != nil {
		t.Fatal(err)
	}
	nextStarted(t, sink)
	waitFor(t, "sensor running", sensor.Running)

	sink.Finish()
	waitFor(t, "sensor stopped", func() bool { return !sensor.Running() })
	waitFor(t, "sensor stream released", stream.Closed)
	if fired.Load() {
		t.Error("barge-in fired without speech")
	}
	if c.Interrupted() {
		t.Error("controller interrupted without speech")
	}
}

func TestSensor_IgnoresTransientNoise(t *testing.T) {
	stream := mock.NewStream(audio.Format{SampleRate: 16000, Channels: 1}, 8)
	mic := &mock.Microphone{Streams: []audio.InputStream{stream}}
	var fired atomic.Bool
	sensor := playback.NewSensor(mic, playback.SensorConfig{Interval: 20 * time.Millisecond, Consecutive: 3},
		playback.WithOnBargeIn(func(float64) { fired.Store(true) }))

	dec, sink := newDecoder(), mock.NewSink()
	c := newController(t, dec, sink, playback.WithSensor(sensor))
	if _, err := c.Enqueue(blob(1)); err != nil {
		t.Fatal(err)
	}
	nextStarted(t, sink)
	waitFor(t, "sensor running", sensor.Running)

	// One loud sample followed by quiet ones never reaches three in a row.
	stream.Push(speechBlock())
	for range 5 {
		time.Sleep(25 * time.Millisecond)
		stream.Push(audio.Block{Samples: make([]float32, 800), SampleRate: 16000, Channels: 1})
	}
	if fired.Load() || c.Interrupted() {
		t.Error("transient noise triggered barge-in")
	}
	sink.Finish()
}

func TestSensor_RestartsAfterFailedRun(t *testing.T) {
	stream := mock.NewStream(audio.Format{SampleRate: 16000, Channels: 1}, 8)
	busy := errors.New("device busy")
	mic := &mock.Microphone{
		OpenErrors: []error{busy, busy},
		Streams:    []audio.InputStream{stream},
	}
	sensor := playback.NewSensor(mic, playback.SensorConfig{})

	dec, sink := newDecoder(), mock.NewSink()
	c := newController(t, dec, sink, playback.WithSensor(sensor))
	for i := range 2 {
		if _, err := c.Enqueue(blob(byte(i + 1))); err != nil {
			t.Fatal(err)
		}
	}

	nextStarted(t, sink)
	waitFor(t, "failed sensor to report stopped", func() bool { return !sensor.Running() })

	sink.Finish()
	nextStarted(t, sink)
	waitFor(t, "sensor running for the next item", sensor.Running)

	sink.Finish()
	waitFor(t, "sensor stream released", stream.Closed)
}
