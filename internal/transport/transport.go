// Package transport owns the single WebSocket connection to the speech
// service. It reconnects with exponential backoff, keeps the socket alive
// with application-level pings and queues outbound messages while the
// connection is not open.
//
// The socket is never exposed: everything goes through [Manager].
package transport

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/url"
	"sync"
	"time"

	"github.com/coder/websocket"

	"github.com/MrWong99/voxlink/internal/protocol"
)

// Default connection parameters.
const (
	DefaultBaseBackoff  = 1 * time.Second
	DefaultMaxBackoff   = 30 * time.Second
	DefaultMaxAttempts  = 10
	DefaultPingInterval = 30 * time.Second
	DefaultPongTimeout  = 20 * time.Second

	defaultDialTimeout  = 10 * time.Second
	defaultWriteTimeout = 10 * time.Second
	defaultReadLimit    = 8 << 20
)

var (
	// ErrClosed is returned after the manager has been closed permanently.
	ErrClosed = errors.New("transport: closed")

	// ErrReconnectExhausted is reported once the reconnect budget is spent.
	ErrReconnectExhausted = errors.New("transport: reconnect attempts exhausted")

	// ErrPongTimeout is reported when no pong arrives in time.
	ErrPongTimeout = errors.New("transport: pong timeout")
)

// State is the connection state.
type State int

const (
	StateClosed State = iota
	StateConnecting
	StateOpen
	StateReconnecting
)

func (s State) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateConnecting:
		return "connecting"
	case StateOpen:
		return "open"
	case StateReconnecting:
		return "reconnecting"
	default:
		return fmt.Sprintf("State(%d)", int(s))
	}
}

// Inbound is one frame received from the service. Pongs are consumed by the
// manager and never delivered.
type Inbound struct {
	Binary bool
	Data   []byte
}

// Handlers receive connection events. Any field may be nil. State changes
// and failures are delivered in the order they happened; messages are
// delivered from the read goroutine in arrival order.
type Handlers struct {
	OnStateChange func(State)
	OnMessage     func(Inbound)
	OnError       func(error)

	// OnReconnect fires when a reconnect attempt is scheduled.
	OnReconnect func(attempt int, delay time.Duration)

	// OnFailure fires once the reconnect budget is exhausted.
	OnFailure func(error)
}

// Config configures a [Manager].
type Config struct {
	// URL is the ws:// or wss:// endpoint.
	URL string

	// Token is appended as the "token" query parameter and sent in the
	// authorization message after every open.
	Token string

	// SecureContext upgrades ws:// to wss://.
	SecureContext bool

	BaseBackoff  time.Duration
	MaxBackoff   time.Duration
	MaxAttempts  int
	PingInterval time.Duration
	PongTimeout  time.Duration

	// QueueLimit bounds the outbound queue. Zero means unbounded; when
	// bounded the oldest message is dropped.
	QueueLimit int

	DialTimeout  time.Duration
	WriteTimeout time.Duration
}

func (c *Config) applyDefaults() {
	if c.BaseBackoff <= 0 {
		c.BaseBackoff = DefaultBaseBackoff
	}
	if c.MaxBackoff <= 0 {
		c.MaxBackoff = DefaultMaxBackoff
	}
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = DefaultMaxAttempts
	}
	if c.PingInterval <= 0 {
		c.PingInterval = DefaultPingInterval
	}
	if c.PongTimeout <= 0 {
		c.PongTimeout = DefaultPongTimeout
	}
	if c.DialTimeout <= 0 {
		c.DialTimeout = defaultDialTimeout
	}
	if c.WriteTimeout <= 0 {
		c.WriteTimeout = defaultWriteTimeout
	}
}

// Backoff returns the delay before reconnect attempt n (1-based):
// base*2^(n-1), capped at max.
func Backoff(base, max time.Duration, attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	d := base
	for i := 1; i < attempt; i++ {
		d *= 2
		if d >= max {
			return max
		}
	}
	return min(d, max)
}

// BuildURL returns the dial URL for cfg.
func BuildURL(cfg Config) (string, error) {
	u, err := url.Parse(cfg.URL)
	if err != nil {
		return "", fmt.Errorf("transport: parse url: %w", err)
	}
	switch u.Scheme {
	case "ws", "wss":
	case "http":
		u.Scheme = "ws"
	case "https":
		u.Scheme = "wss"
	default:
		return "", fmt.Errorf("transport: unsupported scheme %q", u.Scheme)
	}
	if cfg.SecureContext && u.Scheme == "ws" {
		u.Scheme = "wss"
	}
	if cfg.Token != "" {
		q := u.Query()
		q.Set("token", cfg.Token)
		u.RawQuery = q.Encode()
	}
	return u.String(), nil
}

// notification is a queued state change or terminal failure.
type notification struct {
	state   State
	failure error
}

// Manager is the connection manager. All methods are safe for concurrent use.
type Manager struct {
	cfg Config
	url string
	h   Handlers

	// writeMu serialises socket writes. When both are needed it is taken
	// before mu.
	writeMu sync.Mutex

	mu         sync.Mutex
	state      State
	conn       *websocket.Conn
	gen        uint64
	connCancel context.CancelFunc
	queue      [][]byte
	dropped    int
	attempts   int
	auto       bool
	permanent  bool
	retry      *time.Timer
	pongTimer  *time.Timer
	pending    []notification
	notifyMu   sync.Mutex
}

// New creates a Manager in the Closed state. Nothing is dialled until
// [Manager.Connect].
func New(cfg Config, h Handlers) (*Manager, error) {
	cfg.applyDefaults()
	u, err := BuildURL(cfg)
	if err != nil {
		return nil, err
	}
	return &Manager{cfg: cfg, url: u, h: h}, nil
}

// State returns the current connection state.
func (m *Manager) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// QueueLen returns the number of messages waiting for an open connection.
func (m *Manager) QueueLen() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.queue)
}

// Dropped returns how many queued messages were discarded by the queue limit.
func (m *Manager) Dropped() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.dropped
}

// Connect starts connecting and enables auto-reconnect. It is a no-op while
// connecting or open. A pending reconnect is started immediately.
func (m *Manager) Connect() error {
	m.mu.Lock()
	if m.permanent {
		m.mu.Unlock()
		return ErrClosed
	}
	m.auto = true
	if m.state == StateConnecting || m.state == StateOpen {
		m.mu.Unlock()
		return nil
	}
	m.stopRetryLocked()
	m.attempts = 0
	m.dialLocked()
	m.mu.Unlock()
	m.notify()
	return nil
}

// Send writes data when the connection is open and queues it otherwise.
func (m *Manager) Send(data []byte) error {
	m.mu.Lock()
	if m.permanent {
		m.mu.Unlock()
		return ErrClosed
	}
	if m.state != StateOpen || m.conn == nil {
		m.enqueueLocked(data)
		m.mu.Unlock()
		return nil
	}
	conn := m.conn
	m.mu.Unlock()

	m.writeMu.Lock()
	defer m.writeMu.Unlock()
	return m.write(conn, data)
}

// Close tears the connection down and cancels any pending reconnect. With
// permanent set the manager refuses every later call; otherwise
// auto-reconnect stays off until the next Connect. Queued messages are
// discarded.
func (m *Manager) Close(permanent bool) error {
	m.mu.Lock()
	m.auto = false
	if permanent {
		m.permanent = true
	}
	m.stopRetryLocked()
	m.queue = nil
	conn, cancel := m.detachLocked()
	m.setStateLocked(StateClosed)
	m.mu.Unlock()
	m.notify()

	var err error
	if conn != nil {
		// The read goroutine is still running and completes the handshake.
		err = conn.Close(websocket.StatusNormalClosure, "client closing")
	}
	if cancel != nil {
		cancel()
	}
	if err != nil && !isClosedErr(err) {
		return fmt.Errorf("transport: close: %w", err)
	}
	return nil
}

// ForceReconnect drops the current connection, resets the retry budget and
// dials again immediately.
func (m *Manager) ForceReconnect() error {
	m.mu.Lock()
	if m.permanent {
		m.mu.Unlock()
		return ErrClosed
	}
	m.auto = true
	m.stopRetryLocked()
	m.attempts = 0
	conn, cancel := m.detachLocked()
	m.dialLocked()
	m.mu.Unlock()
	m.notify()

	slog.Info("forcing reconnection", "url", m.cfg.URL)
	if conn != nil {
		go func() {
			_ = conn.Close(websocket.StatusNormalClosure, "reconnecting")
			cancel()
		}()
	} else if cancel != nil {
		cancel()
	}
	return nil
}

// ─── Connection lifecycle ────────────────────────────────────────────────────

// dialLocked bumps the generation and starts a dial goroutine.
func (m *Manager) dialLocked() {
	m.gen++
	gen := m.gen
	ctx, cancel := context.WithCancel(context.Background())
	m.connCancel = cancel
	m.setStateLocked(StateConnecting)
	go m.dial(ctx, gen)
}

// detachLocked invalidates the current generation and returns the socket
// and its cancel func for the caller to release.
func (m *Manager) detachLocked() (*websocket.Conn, context.CancelFunc) {
	m.gen++
	conn, cancel := m.conn, m.connCancel
	m.conn, m.connCancel = nil, nil
	if m.pongTimer != nil {
		m.pongTimer.Stop()
		m.pongTimer = nil
	}
	return conn, cancel
}

func (m *Manager) dial(ctx context.Context, gen uint64) {
	dctx, cancel := context.WithTimeout(ctx, m.cfg.DialTimeout)
	conn, _, err := websocket.Dial(dctx, m.url, nil)
	cancel()
	if err != nil {
		if ctx.Err() == nil {
			m.reportError(fmt.Errorf("transport: dial: %w", err))
		}
		m.closed(gen)
		return
	}
	conn.SetReadLimit(defaultReadLimit)

	m.writeMu.Lock()
	m.mu.Lock()
	if gen != m.gen {
		m.mu.Unlock()
		m.writeMu.Unlock()
		_ = conn.CloseNow()
		return
	}
	m.conn = conn
	m.attempts = 0
	queued := m.queue
	m.queue = nil
	m.setStateLocked(StateOpen)
	m.mu.Unlock()

	if m.cfg.Token != "" {
		_ = m.write(conn, protocol.Authorization(m.cfg.Token))
	}
	for _, msg := range queued {
		_ = m.write(conn, msg)
	}
	m.writeMu.Unlock()

	slog.Info("connection open", "url", m.cfg.URL, "flushed", len(queued))
	m.notify()

	go m.keepalive(ctx, gen, conn)
	m.readLoop(ctx, gen, conn)
}

func (m *Manager) readLoop(ctx context.Context, gen uint64, conn *websocket.Conn) {
	for {
		typ, data, err := conn.Read(ctx)
		if err != nil {
			if ctx.Err() == nil && !isClosedErr(err) {
				slog.Debug("read ended", "err", err)
			}
			m.closed(gen)
			return
		}
		if typ == websocket.MessageText && protocol.IsPong(data) {
			m.pong(gen)
			continue
		}
		if m.h.OnMessage != nil {
			m.h.OnMessage(Inbound{Binary: typ == websocket.MessageBinary, Data: data})
		}
	}
}

// closed handles the end of generation gen: the socket is gone, so either
// schedule a reconnect or, with the budget spent, report a terminal failure.
func (m *Manager) closed(gen uint64) {
	m.mu.Lock()
	if gen != m.gen {
		m.mu.Unlock()
		return
	}
	_, cancel := m.detachLocked()
	m.setStateLocked(StateClosed)

	var (
		attempt int
		delay   time.Duration
	)
	if m.auto && !m.permanent {
		m.attempts++
		if m.attempts > m.cfg.MaxAttempts {
			m.auto = false
			m.pending = append(m.pending, notification{failure: ErrReconnectExhausted})
			slog.Error("reconnection failed", "attempts", m.cfg.MaxAttempts, "url", m.cfg.URL)
		} else {
			attempt = m.attempts
			delay = Backoff(m.cfg.BaseBackoff, m.cfg.MaxBackoff, attempt)
			m.setStateLocked(StateReconnecting)
			retryGen := m.gen
			m.retry = time.AfterFunc(delay, func() { m.reconnect(retryGen) })
		}
	}
	m.mu.Unlock()
	if cancel != nil {
		cancel()
	}
	m.notify()

	if attempt > 0 {
		slog.Info("attempting reconnection", "attempt", attempt, "backoff", delay)
		if m.h.OnReconnect != nil {
			m.h.OnReconnect(attempt, delay)
		}
	}
}

func (m *Manager) reconnect(gen uint64) {
	m.mu.Lock()
	if gen != m.gen || m.state != StateReconnecting || !m.auto {
		m.mu.Unlock()
		return
	}
	m.retry = nil
	m.dialLocked()
	m.mu.Unlock()
	m.notify()
}

func (m *Manager) stopRetryLocked() {
	if m.retry != nil {
		m.retry.Stop()
		m.retry = nil
	}
}

// ─── Keepalive ───────────────────────────────────────────────────────────────

func (m *Manager) keepalive(ctx context.Context, gen uint64, conn *websocket.Conn) {
	ticker := time.NewTicker(m.cfg.PingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
		m.mu.Lock()
		if gen != m.gen {
			m.mu.Unlock()
			return
		}
		if m.pongTimer == nil {
			m.pongTimer = time.AfterFunc(m.cfg.PongTimeout, func() { m.pongTimeout(gen) })
		}
		m.mu.Unlock()

		m.writeMu.Lock()
		_ = m.write(conn, protocol.Ping())
		m.writeMu.Unlock()
	}
}

func (m *Manager) pong(gen uint64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if gen == m.gen && m.pongTimer != nil {
		m.pongTimer.Stop()
		m.pongTimer = nil
	}
}

// pongTimeout forces the socket closed; the read loop then runs the normal
// reconnect path.
func (m *Manager) pongTimeout(gen uint64) {
	m.mu.Lock()
	if gen != m.gen || m.conn == nil {
		m.mu.Unlock()
		return
	}
	m.pongTimer = nil
	conn := m.conn
	m.mu.Unlock()

	slog.Warn("pong timeout, closing connection", "timeout", m.cfg.PongTimeout)
	m.reportError(ErrPongTimeout)
	_ = conn.CloseNow()
}

// ─── Helpers ─────────────────────────────────────────────────────────────────

// write sends one text message. Callers hold writeMu. Failures are reported
// but never tear the connection down.
func (m *Manager) write(conn *websocket.Conn, data []byte) error {
	ctx, cancel := context.WithTimeout(context.Background(), m.cfg.WriteTimeout)
	defer cancel()
	if err := conn.Write(ctx, websocket.MessageText, data); err != nil {
		err = fmt.Errorf("transport: write: %w", err)
		m.reportError(err)
		return err
	}
	return nil
}

func (m *Manager) enqueueLocked(data []byte) {
	if m.cfg.QueueLimit > 0 && len(m.queue) >= m.cfg.QueueLimit {
		m.queue[0] = nil
		m.queue = m.queue[1:]
		m.dropped++
	}
	m.queue = append(m.queue, data)
}

func (m *Manager) reportError(err error) {
	if m.h.OnError != nil {
		m.h.OnError(err)
	}
}

func (m *Manager) setStateLocked(s State) {
	if m.state == s {
		return
	}
	m.state = s
	m.pending = append(m.pending, notification{state: s})
}

// notify delivers pending notifications in order. A goroutine that finds
// another one delivering leaves its notifications to that goroutine, which
// also makes re-entrant calls from handlers safe.
func (m *Manager) notify() {
	for {
		if !m.notifyMu.TryLock() {
			return
		}
		for {
			m.mu.Lock()
			if len(m.pending) == 0 {
				m.mu.Unlock()
				break
			}
			n := m.pending[0]
			m.pending = m.pending[1:]
			m.mu.Unlock()
			m.deliver(n)
		}
		m.notifyMu.Unlock()

		m.mu.Lock()
		empty := len(m.pending) == 0
		m.mu.Unlock()
		if empty {
			return
		}
	}
}

func (m *Manager) deliver(n notification) {
	if n.failure != nil {
		if m.h.OnFailure != nil {
			m.h.OnFailure(n.failure)
		}
		return
	}
	if m.h.OnStateChange != nil {
		m.h.OnStateChange(n.state)
	}
}

func isClosedErr(err error) bool {
	if errors.Is(err, context.Canceled) || errors.Is(err, net.ErrClosed) {
		return true
	}
	switch websocket.CloseStatus(err) {
	case websocket.StatusNormalClosure, websocket.StatusGoingAway:
		return true
	}
	return false
}
