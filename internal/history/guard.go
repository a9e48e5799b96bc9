package history

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"
)

var _ Store = (*Guarded)(nil)

// ErrUnavailable is returned by a breaker that is open.
var ErrUnavailable = errors.New("history: backend unavailable")

// GuardConfig tunes a [Guarded] store.
type GuardConfig struct {
	// Name labels log messages. Default "history".
	Name string

	// MaxFailures is the number of consecutive failures that open the
	// breaker. Default 3.
	MaxFailures int

	// ResetTimeout is how long the breaker stays open before one probe call
	// is let through. Default 15s.
	ResetTimeout time.Duration
}

// Guarded shields a network backend behind a circuit breaker. While the
// backend is failing, appended turns are spooled in memory and listing
// serves the spool; the first successful call after recovery replays the
// spool in order.
type Guarded struct {
	remote Store
	br     *breaker

	mu    sync.Mutex
	spool map[string][]Turn
}

// NewGuarded wraps remote.
func NewGuarded(remote Store, cfg GuardConfig) *Guarded {
	return &Guarded{
		remote: remote,
		br:     newBreaker(cfg),
		spool:  make(map[string][]Turn),
	}
}

// Healthy reports whether the breaker is closed.
func (g *Guarded) Healthy() bool { return g.br.state() == breakerClosed }

// Spooled returns the number of turns waiting to be replayed.
func (g *Guarded) Spooled() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	n := 0
	for _, ts := range g.spool {
		n += len(ts)
	}
	return n
}

func (g *Guarded) Append(ctx context.Context, conversation string, t Turn) error {
	if err := checkTurn(t); err != nil {
		return err
	}
	err := g.br.do(func() error {
		if err := g.flush(ctx); err != nil {
			return err
		}
		return g.remote.Append(ctx, conversation, t)
	})
	if err == nil {
		return nil
	}
	if ctx.Err() != nil {
		return err
	}
	slog.Warn("history: spooling turn", "backend", g.br.name, "conversation", conversation, "err", err)
	g.mu.Lock()
	g.spool[conversation] = append(g.spool[conversation], t)
	g.mu.Unlock()
	return nil
}

func (g *Guarded) List(ctx context.Context, conversation string, limit int) ([]Turn, error) {
	var remote []Turn
	err := g.br.do(func() error {
		if err := g.flush(ctx); err != nil {
			return err
		}
		var err error
		remote, err = g.remote.List(ctx, conversation, limit)
		return err
	})

	g.mu.Lock()
	pending := append([]Turn(nil), g.spool[conversation]...)
	g.mu.Unlock()

	if err != nil {
		if len(pending) == 0 {
			return nil, err
		}
		return latest(pending, limit), nil
	}
	return latest(append(remote, pending...), limit), nil
}

func (g *Guarded) Clear(ctx context.Context, conversation string) error {
	g.mu.Lock()
	delete(g.spool, conversation)
	g.mu.Unlock()
	return g.br.do(func() error { return g.remote.Clear(ctx, conversation) })
}

func (g *Guarded) Close() error {
	if n := g.Spooled(); n > 0 {
		slog.Warn("history: discarding spooled turns", "backend", g.br.name, "turns", n)
	}
	return g.remote.Close()
}

// flush replays spooled turns. Turns are removed only once written, so a
// failure part way keeps order for the next attempt.
func (g *Guarded) flush(ctx context.Context) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	for conv, turns := range g.spool {
		for len(turns) > 0 {
			if err := g.remote.Append(ctx, conv, turns[0]); err != nil {
				g.spool[conv] = turns
				return err
			}
			turns = turns[1:]
		}
		delete(g.spool, conv)
	}
	return nil
}

// ─── Breaker ─────────────────────────────────────────────────────────────────

type breakerState int

const (
	breakerClosed breakerState = iota
	breakerOpen
	breakerHalfOpen
)

func (s breakerState) String() string {
	switch s {
	case breakerClosed:
		return "closed"
	case breakerOpen:
		return "open"
	case breakerHalfOpen:
		return "half-open"
	}
	return "unknown"
}

// breaker is a three-state circuit breaker admitting a single probe call
// while half-open.
type breaker struct {
	name        string
	maxFailures int
	reset       time.Duration
	now         func() time.Time

	mu       sync.Mutex
	st       breakerState
	failures int
	openedAt time.Time
	probing  bool
}

func newBreaker(cfg GuardConfig) *breaker {
	if cfg.Name == "" {
		cfg.Name = "history"
	}
	if cfg.MaxFailures <= 0 {
		cfg.MaxFailures = 3
	}
	if cfg.ResetTimeout <= 0 {
		cfg.ResetTimeout = 15 * time.Second
	}
	return &breaker{name: cfg.Name, maxFailures: cfg.MaxFailures, reset: cfg.ResetTimeout, now: time.Now}
}

func (b *breaker) state() breakerState {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.st == breakerOpen && b.now().Sub(b.openedAt) >= b.reset {
		return breakerHalfOpen
	}
	return b.st
}

func (b *breaker) do(fn func() error) error {
	b.mu.Lock()
	if b.st == breakerOpen {
		if b.now().Sub(b.openedAt) < b.reset {
			b.mu.Unlock()
			return ErrUnavailable
		}
		b.st = breakerHalfOpen
	}
	if b.st == breakerHalfOpen {
		if b.probing {
			b.mu.Unlock()
			return ErrUnavailable
		}
		b.probing = true
	}
	b.mu.Unlock()

	err := fn()

	b.mu.Lock()
	defer b.mu.Unlock()
	wasProbe := b.st == breakerHalfOpen
	b.probing = false
	if err == nil {
		if wasProbe {
			slog.Info("history: backend recovered", "backend", b.name)
		}
		b.st, b.failures = breakerClosed, 0
		return nil
	}
	b.failures++
	if wasProbe || b.failures >= b.maxFailures {
		if b.st != breakerOpen {
			slog.Warn("history: circuit opened", "backend", b.name, "failures", b.failures)
		}
		b.st, b.openedAt = breakerOpen, b.now()
	}
	return err
}
