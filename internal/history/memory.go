package history

import (
	"context"
	"sync"
)

var _ Store = (*Memory)(nil)

// Memory keeps history in process memory. It is lost on exit.
type Memory struct {
	mu    sync.Mutex
	turns map[string][]Turn
}

// NewMemory returns an empty in-memory store.
func NewMemory() *Memory {
	return &Memory{turns: make(map[string][]Turn)}
}

func (m *Memory) Append(_ context.Context, conversation string, t Turn) error {
	if err := checkTurn(t); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.turns[conversation] = append(m.turns[conversation], t)
	return nil
}

func (m *Memory) List(_ context.Context, conversation string, limit int) ([]Turn, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	src := latest(m.turns[conversation], limit)
	out := make([]Turn, len(src))
	copy(out, src)
	return out, nil
}

func (m *Memory) Clear(_ context.Context, conversation string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.turns, conversation)
	return nil
}

func (m *Memory) Close() error { return nil }
