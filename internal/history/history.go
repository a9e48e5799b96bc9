// Package history persists the conversation transcript: committed user
// utterances and assistant responses, in arrival order, under a
// conversation key.
//
// Four backends implement [Store]: an in-process [Memory] store, [SQLite]
// (the default durable store), [Redis] and [Postgres]. [Open] selects one
// from a [Config] and wraps the network backends in a [Guarded] store so an
// outage spools turns instead of losing them.
package history

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

// ErrEmptyTurn is returned when appending a turn without text.
var ErrEmptyTurn = errors.New("history: empty turn")

// Role identifies who produced a turn.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// Turn is one entry of the conversation history.
type Turn struct {
	ID   uuid.UUID `json:"id"`
	Role Role      `json:"role"`
	Text string    `json:"text"`
	At   time.Time `json:"at"`
}

// NewTurn returns a turn with a fresh ID. Text consisting only of
// whitespace yields ErrEmptyTurn.
func NewTurn(role Role, text string, at time.Time) (Turn, error) {
	if strings.TrimSpace(text) == "" {
		return Turn{}, ErrEmptyTurn
	}
	switch role {
	case RoleUser, RoleAssistant:
	default:
		return Turn{}, fmt.Errorf("history: unknown role %q", role)
	}
	return Turn{ID: uuid.New(), Role: role, Text: text, At: at}, nil
}

// Store is an append-only transcript keyed by conversation. Implementations
// are safe for concurrent use.
type Store interface {
	// Append adds t to the end of the conversation.
	Append(ctx context.Context, conversation string, t Turn) error

	// List returns turns oldest first. With limit > 0 only the latest limit
	// turns are returned.
	List(ctx context.Context, conversation string, limit int) ([]Turn, error)

	// Clear removes every turn of the conversation.
	Clear(ctx context.Context, conversation string) error

	Close() error
}

func checkTurn(t Turn) error {
	if strings.TrimSpace(t.Text) == "" {
		return ErrEmptyTurn
	}
	if t.ID == uuid.Nil {
		return errors.New("history: turn without id")
	}
	return nil
}

// Log is a Store bound to a single conversation.
type Log struct {
	store        Store
	conversation string
	now          func() time.Time
}

// NewLog binds store to conversation.
func NewLog(store Store, conversation string) *Log {
	return &Log{store: store, conversation: conversation, now: time.Now}
}

// Conversation returns the bound conversation key.
func (l *Log) Conversation() string { return l.conversation }

// Append records text as a new turn by role.
func (l *Log) Append(ctx context.Context, role Role, text string) (Turn, error) {
	t, err := NewTurn(role, text, l.now())
	if err != nil {
		return Turn{}, err
	}
	if err := l.store.Append(ctx, l.conversation, t); err != nil {
		return Turn{}, err
	}
	return t, nil
}

// Turns returns the full history, oldest first.
func (l *Log) Turns(ctx context.Context) ([]Turn, error) {
	return l.store.List(ctx, l.conversation, 0)
}

// Recent returns the latest n turns, oldest first.
func (l *Log) Recent(ctx context.Context, n int) ([]Turn, error) {
	return l.store.List(ctx, l.conversation, n)
}

// Clear removes the whole history.
func (l *Log) Clear(ctx context.Context) error {
	return l.store.Clear(ctx, l.conversation)
}

// ─── Backend selection ───────────────────────────────────────────────────────

// Backend names accepted by [Open].
const (
	BackendMemory   = "memory"
	BackendSQLite   = "sqlite"
	BackendRedis    = "redis"
	BackendPostgres = "postgres"
)

// Config selects and configures a backend.
type Config struct {
	Backend string

	// DSN is the SQLite file path or the PostgreSQL connection string.
	DSN string

	RedisAddr     string
	RedisPassword string
	RedisDB       int

	// KeyPrefix namespaces Redis keys. Defaults to "voxlink:history:".
	KeyPrefix string
}

// Open creates the store named by cfg.Backend. An empty backend selects the
// in-memory store.
func Open(ctx context.Context, cfg Config) (Store, error) {
	switch cfg.Backend {
	case "", BackendMemory:
		return NewMemory(), nil
	case BackendSQLite:
		return NewSQLite(ctx, cfg.DSN)
	case BackendRedis:
		r, err := NewRedis(ctx, RedisOptions{
			Addr:      cfg.RedisAddr,
			Password:  cfg.RedisPassword,
			DB:        cfg.RedisDB,
			KeyPrefix: cfg.KeyPrefix,
		})
		if err != nil {
			return nil, err
		}
		return NewGuarded(r, GuardConfig{Name: BackendRedis}), nil
	case BackendPostgres:
		p, err := NewPostgres(ctx, cfg.DSN)
		if err != nil {
			return nil, err
		}
		return NewGuarded(p, GuardConfig{Name: BackendPostgres}), nil
	default:
		return nil, fmt.Errorf("history: unknown backend %q", cfg.Backend)
	}
}

// latest returns the last n elements of turns, or all of them when n <= 0.
func latest(turns []Turn, n int) []Turn {
	if n > 0 && len(turns) > n {
		return turns[len(turns)-n:]
	}
	return turns
}
