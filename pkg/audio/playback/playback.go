// Package playback plays streamed assistant audio strictly in arrival order
// and lets the user cut it off mid-utterance.
//
// A [Controller] owns a FIFO of encoded blobs. A single dispatch goroutine
// plays one item at a time on an [audio.Sink]; decoding of the following item
// starts as soon as the current one starts playing, so decode latency hides
// behind playback without the next item ever becoming audible early.
//
// [Controller.Interrupt] stops the audible item, discards the queue and sets
// an interrupted flag under the same lock as [Controller.Enqueue], so no blob
// can slip in between. While the flag is set, late chunks of the superseded
// response are dropped. An optional [Sensor] watches microphone energy during
// playback and triggers the interrupt on barge-in.
package playback

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/MrWong99/voxlink/pkg/audio"
	"github.com/MrWong99/voxlink/pkg/audio/codec"
)

var (
	// ErrInterrupted is returned by Enqueue while the interrupted flag is set.
	ErrInterrupted = errors.New("playback: interrupted, chunk dropped")

	// ErrClosed is returned by Enqueue after Close.
	ErrClosed = errors.New("playback: controller closed")
)

// Hooks are optional callbacks fired by the dispatch goroutine. They must not
// block and must not call back into the Controller synchronously except for
// the read-only methods.
type Hooks struct {
	// OnStart fires when an item becomes audible.
	OnStart func(ordinal uint64, d time.Duration)

	// OnEnded fires when an item played to completion.
	OnEnded func(ordinal uint64)

	// OnInterrupted fires when the audible item was cut off.
	OnInterrupted func(ordinal uint64)

	// OnError fires when an item could not be decoded or played. The item is
	// skipped and the queue continues.
	OnError func(ordinal uint64, err error)

	// OnDecode reports the decode latency of every successfully decoded item.
	OnDecode func(d time.Duration)

	// OnIdle fires when the queue drained and nothing is playing.
	OnIdle func()
}

// Option is a functional option for [New].
type Option func(*Controller)

// WithHooks installs lifecycle hooks.
func WithHooks(h Hooks) Option {
	return func(c *Controller) { c.hooks = h }
}

// WithSensor attaches a barge-in sensor. It runs only while an item plays.
func WithSensor(s *Sensor) Option {
	return func(c *Controller) { c.sensor = s }
}

// item is one queued blob. Fields other than ordinal and src are guarded by
// Controller.mu.
type item struct {
	ordinal uint64
	src     []byte

	decoding bool
	ready    chan struct{} // closed when decoding finished
	clip     *audio.Clip
	err      error
	dropped  bool
}

// Controller is the playback and interruption controller. All exported
// methods are safe for concurrent use.
type Controller struct {
	decoder codec.Decoder
	sink    audio.Sink
	hooks   Hooks
	sensor  *Sensor

	ctx    context.Context
	cancel context.CancelFunc

	mu            sync.Mutex
	queue         []*item
	current       *item
	cancelCurrent context.CancelFunc
	seq           uint64
	interrupted   bool
	closed        bool

	notify chan struct{}
	done   chan struct{}
}

// New creates a Controller and starts its dispatch goroutine. Call Close to
// stop it.
func New(decoder codec.Decoder, sink audio.Sink, opts ...Option) *Controller {
	ctx, cancel := context.WithCancel(context.Background())
	c := &Controller{
		decoder: decoder,
		sink:    sink,
		ctx:     ctx,
		cancel:  cancel,
		notify:  make(chan struct{}, 1),
		done:    make(chan struct{}),
	}
	for _, o := range opts {
		o(c)
	}
	if c.sensor != nil {
		c.sensor.bind(c)
	}
	go c.dispatch()
	return c
}

// Enqueue appends blob to the tail of the queue and returns its ordinal.
// Playback starts immediately when idle. While interrupted the blob is
// dropped and ErrInterrupted is returned.
func (c *Controller) Enqueue(blob []byte) (uint64, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return 0, ErrClosed
	}
	if c.interrupted {
		return 0, ErrInterrupted
	}
	if len(blob) == 0 {
		return 0, codec.ErrEmpty
	}

	c.seq++
	it := &item{ordinal: c.seq, src: blob, ready: make(chan struct{})}
	c.queue = append(c.queue, it)

	// Nothing audible and this is the head: decode right away.
	if c.current == nil && len(c.queue) == 1 {
		c.decodeLocked(it)
	}

	select {
	case c.notify <- struct{}{}:
	default:
	}
	return it.ordinal, nil
}

// Interrupt cancels the audible item, discards and releases every queued
// item and sets the interrupted flag. The audible clip is released by the
// dispatch goroutine after the sink returns. It reports whether this call
// set the flag; a second call is a no-op with the same end state.
func (c *Controller) Interrupt() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.interruptLocked()
}

// InterruptActive interrupts only when an item is audible or queued, and
// reports whether this call set the flag. When idle the flag stays clear so the next
// response is not dropped.
func (c *Controller) InterruptActive() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.current == nil && len(c.queue) == 0 {
		return false
	}
	return c.interruptLocked()
}

func (c *Controller) interruptLocked() bool {
	if c.cancelCurrent != nil {
		c.cancelCurrent()
		c.cancelCurrent = nil
	}
	if c.current != nil {
		// The sink may still read the clip; play releases it once Play returns.
		c.current.dropped = true
	}
	for _, it := range c.queue {
		c.dropLocked(it)
	}
	c.queue = nil

	if c.interrupted {
		return false
	}
	c.interrupted = true
	return true
}

// ResetInterrupted clears the interrupted flag so that chunks of the next
// response are accepted.
func (c *Controller) ResetInterrupted() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.interrupted = false
}

// Interrupted reports whether the interrupted flag is set.
func (c *Controller) Interrupted() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.interrupted
}

// Playing reports whether an item is currently audible or about to be.
func (c *Controller) Playing() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.current != nil
}

// Len returns the number of queued items, excluding the audible one.
func (c *Controller) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.queue)
}

// Close stops playback, releases every queued clip and waits for the dispatch
// goroutine and the sensor to exit. Close is idempotent.
func (c *Controller) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	if c.cancelCurrent != nil {
		c.cancelCurrent()
		c.cancelCurrent = nil
	}
	if c.current != nil {
		c.current.dropped = true
	}
	for _, it := range c.queue {
		c.dropLocked(it)
	}
	c.queue = nil
	c.mu.Unlock()

	c.cancel()
	<-c.done
	if c.sensor != nil {
		c.sensor.Stop()
	}
	return nil
}

// dropLocked marks a queued item as discarded and releases its clip if
// decoding already finished. A decode still in flight releases its own
// result. Never call it on the current item.
func (c *Controller) dropLocked(it *item) {
	it.dropped = true
	if it.clip != nil {
		it.clip.Release()
	}
}

// decodeLocked starts decoding it in the background unless already started.
func (c *Controller) decodeLocked(it *item) {
	if it.decoding {
		return
	}
	it.decoding = true
	go func() {
		start := time.Now()
		clip, err := c.decoder.Decode(c.ctx, it.src)
		elapsed := time.Since(start)

		c.mu.Lock()
		if it.dropped {
			if clip != nil {
				clip.Release()
			}
		} else {
			it.clip, it.err = clip, err
		}
		close(it.ready)
		c.mu.Unlock()

		if err == nil && c.hooks.OnDecode != nil {
			c.hooks.OnDecode(elapsed)
		}
	}()
}

// dispatch pulls items from the queue and plays them one at a time until
// Close.
func (c *Controller) dispatch() {
	defer close(c.done)
	for {
		select {
		case <-c.ctx.Done():
			return
		case <-c.notify:
		}

		played := false
		for {
			it, ctx, ok := c.dequeue()
			if !ok {
				break
			}
			played = true
			c.play(ctx, it)

			c.mu.Lock()
			if c.current == it {
				c.current = nil
				c.cancelCurrent = nil
			}
			c.mu.Unlock()
		}

		if played {
			if c.sensor != nil {
				c.sensor.Stop()
			}
			if c.hooks.OnIdle != nil {
				c.hooks.OnIdle()
			}
		}
	}
}

// dequeue pops the head item, marks it current and makes sure its decode
// has started. Returns ok=false when the queue is empty or closed.
func (c *Controller) dequeue() (*item, context.Context, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed || len(c.queue) == 0 {
		return nil, nil, false
	}
	it := c.queue[0]
	c.queue[0] = nil
	c.queue = c.queue[1:]

	ctx, cancel := context.WithCancel(c.ctx)
	c.current = it
	c.cancelCurrent = cancel
	c.decodeLocked(it)
	return it, ctx, true
}

// play waits for it to be decoded and plays it on the sink. The clip is
// released on every exit path.
func (c *Controller) play(ctx context.Context, it *item) {
	select {
	case <-it.ready:
	case <-ctx.Done():
		c.finish(it)
		return
	}

	c.mu.Lock()
	clip, err, dropped := it.clip, it.err, it.dropped
	if !dropped && len(c.queue) > 0 {
		// Preload: the successor decodes while this item plays.
		c.decodeLocked(c.queue[0])
	}
	c.mu.Unlock()

	if dropped {
		c.finish(it)
		return
	}
	if err != nil {
		slog.Warn("playback: decode failed, skipping item", "ordinal", it.ordinal, "err", err)
		c.reportError(it.ordinal, err)
		c.finish(it)
		return
	}

	if c.sensor != nil {
		c.sensor.Start()
	}
	if c.hooks.OnStart != nil {
		c.hooks.OnStart(it.ordinal, clip.Duration())
	}

	err = c.sink.Play(ctx, clip)
	clip.Release()

	switch {
	case ctx.Err() != nil:
		slog.Debug("playback: item interrupted", "ordinal", it.ordinal)
		if c.hooks.OnInterrupted != nil {
			c.hooks.OnInterrupted(it.ordinal)
		}
	case err != nil:
		slog.Warn("playback: sink failed, skipping item", "ordinal", it.ordinal, "err", err)
		c.reportError(it.ordinal, err)
	default:
		if c.hooks.OnEnded != nil {
			c.hooks.OnEnded(it.ordinal)
		}
	}
	c.finish(it)
}

// finish releases whatever it still holds.
func (c *Controller) finish(it *item) {
	c.mu.Lock()
	if it.clip != nil {
		it.clip.Release()
	}
	c.mu.Unlock()
}

func (c *Controller) reportError(ordinal uint64, err error) {
	if c.hooks.OnError != nil {
		c.hooks.OnError(ordinal, err)
	}
}
