package config

import (
	"context"
	"errors"
	"fmt"
	"maps"
	"slices"
	"sync"

	"github.com/MrWong99/voxlink/internal/history"
	"github.com/MrWong99/voxlink/pkg/audio"
	"github.com/MrWong99/voxlink/pkg/provider/vad"
)

// ErrNotRegistered is returned by Create* methods when no factory has been
// registered under the requested name.
var ErrNotRegistered = errors.New("config: not registered")

// Registry maps device, VAD engine and history backend names to their
// constructors. It is safe for concurrent use.
type Registry struct {
	mu          sync.RWMutex
	microphones map[string]func(CaptureConfig) (audio.Microphone, error)
	sinks       map[string]func(PlaybackConfig) (audio.Sink, error)
	vad         map[string]func() (vad.Engine, error)
	history     map[string]func(context.Context, HistoryConfig) (history.Store, error)
}

// NewRegistry returns an empty, ready-to-use [Registry].
func NewRegistry() *Registry {
	return &Registry{
		microphones: make(map[string]func(CaptureConfig) (audio.Microphone, error)),
		sinks:       make(map[string]func(PlaybackConfig) (audio.Sink, error)),
		vad:         make(map[string]func() (vad.Engine, error)),
		history:     make(map[string]func(context.Context, HistoryConfig) (history.Store, error)),
	}
}

// RegisterMicrophone registers a microphone factory under name.
// Subsequent calls with the same name overwrite the previous registration.
func (r *Registry) RegisterMicrophone(name string, factory func(CaptureConfig) (audio.Microphone, error)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.microphones[name] = factory
}

// RegisterSink registers an output device factory under name.
func (r *Registry) RegisterSink(name string, factory func(PlaybackConfig) (audio.Sink, error)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sinks[name] = factory
}

// RegisterVAD registers a VAD engine factory under name.
func (r *Registry) RegisterVAD(name string, factory func() (vad.Engine, error)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.vad[name] = factory
}

// RegisterHistory registers a history backend factory under name.
func (r *Registry) RegisterHistory(name string, factory func(context.Context, HistoryConfig) (history.Store, error)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.history[name] = factory
}

// CreateMicrophone instantiates the microphone named by cfg.Device.
func (r *Registry) CreateMicrophone(cfg CaptureConfig) (audio.Microphone, error) {
	r.mu.RLock()
	factory, ok := r.microphones[cfg.Device]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: microphone/%q", ErrNotRegistered, cfg.Device)
	}
	return factory(cfg)
}

// CreateSink instantiates the output device named by cfg.Sink.
func (r *Registry) CreateSink(cfg PlaybackConfig) (audio.Sink, error) {
	r.mu.RLock()
	factory, ok := r.sinks[cfg.Sink]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: sink/%q", ErrNotRegistered, cfg.Sink)
	}
	return factory(cfg)
}

// CreateVAD instantiates the VAD engine registered under name.
func (r *Registry) CreateVAD(name string) (vad.Engine, error) {
	r.mu.RLock()
	factory, ok := r.vad[name]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: vad/%q", ErrNotRegistered, name)
	}
	return factory()
}

// CreateHistory opens the history backend named by cfg.Backend.
func (r *Registry) CreateHistory(ctx context.Context, cfg HistoryConfig) (history.Store, error) {
	r.mu.RLock()
	factory, ok := r.history[cfg.Backend]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: history/%q", ErrNotRegistered, cfg.Backend)
	}
	return factory(ctx, cfg)
}

// Names returns the registered names per kind, sorted. Used for help output.
func (r *Registry) Names() map[string][]string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return map[string][]string{
		"microphone": slices.Sorted(maps.Keys(r.microphones)),
		"sink":       slices.Sorted(maps.Keys(r.sinks)),
		"vad":        slices.Sorted(maps.Keys(r.vad)),
		"history":    slices.Sorted(maps.Keys(r.history)),
	}
}

// RegisterHistoryBackends registers the four built-in history stores.
func RegisterHistoryBackends(r *Registry) {
	open := func(ctx context.Context, cfg HistoryConfig) (history.Store, error) {
		return history.Open(ctx, history.Config{
			Backend:       cfg.Backend,
			DSN:           cfg.DSN,
			RedisAddr:     cfg.RedisAddr,
			RedisPassword: cfg.RedisPassword,
			RedisDB:       cfg.RedisDB,
			KeyPrefix:     cfg.KeyPrefix,
		})
	}
	for _, name := range []string{history.BackendMemory, history.BackendSQLite, history.BackendRedis, history.BackendPostgres} {
		r.RegisterHistory(name, open)
	}
}
