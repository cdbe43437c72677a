package model

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/book-expert/logger"
	"github.com/book-expert/vc-service/internal/core"
)

// Status is a point-in-time view of the managed model.
type Status struct {
	Loaded     bool        `json:"model_loaded"`
	Generation uint64      `json:"generation"`
	Device     core.Device `json:"device,omitempty"`
}

// Manager holds the process-wide model. The first access loads it; loads
// and reloads are serialised, and a reload waits for every outstanding Lease.
type Manager struct {
	backend core.Backend
	opts    Options
	log     *logger.Logger

	// gate is read-held by leases and write-held by Reload and Unload.
	gate sync.RWMutex
	// loadMu serialises deserialisation.
	loadMu sync.Mutex

	mu         sync.RWMutex
	current    *Wrapper
	generation uint64

	listenersMu sync.Mutex
	listeners   []Listener
}

// NewManager creates a Manager with nothing loaded.
func NewManager(backend core.Backend, opts Options, log *logger.Logger) *Manager {
	return &Manager{
		backend: backend,
		opts:    opts,
		log:     log,
	}
}

// Subscribe registers a listener for lifecycle events.
func (m *Manager) Subscribe(listener Listener) {
	m.listenersMu.Lock()
	defer m.listenersMu.Unlock()

	m.listeners = append(m.listeners, listener)
}

// EnsureLoaded returns the loaded model, loading it on first use. Concurrent
// callers share a single load.
func (m *Manager) EnsureLoaded(ctx context.Context) (*Wrapper, error) {
	if current := m.loadedModel(); current != nil {
		return current, nil
	}

	m.loadMu.Lock()
	defer m.loadMu.Unlock()

	if current := m.loadedModel(); current != nil {
		return current, nil
	}

	return m.loadLocked(ctx)
}

// Current is EnsureLoaded behind the core.VoiceModel interface.
func (m *Manager) Current(ctx context.Context) (core.VoiceModel, error) {
	current, err := m.EnsureLoaded(ctx)
	if err != nil {
		return nil, err
	}

	return current, nil
}

// Reload deserialises the checkpoint again and swaps it in once every
// in-flight lease has been released. On failure the previous model stays.
func (m *Manager) Reload(ctx context.Context) (uint64, error) {
	m.gate.Lock()
	defer m.gate.Unlock()

	m.loadMu.Lock()
	defer m.loadMu.Unlock()

	current, err := m.loadLocked(ctx)
	if err != nil {
		return 0, err
	}

	return current.Generation(), nil
}

// Unload drops the model. The next access loads it again.
func (m *Manager) Unload(ctx context.Context) error {
	m.gate.Lock()
	defer m.gate.Unlock()

	m.loadMu.Lock()
	defer m.loadMu.Unlock()

	m.mu.Lock()
	previous := m.current
	m.current = nil
	m.mu.Unlock()

	if previous == nil {
		return nil
	}

	err := previous.Unload(ctx)
	if err != nil {
		m.log.Warn("Backend unload reported an error: %v", err)
	}

	m.log.Info("Model generation %d unloaded", previous.Generation())
	m.notify(ctx, Event{
		Kind:       EventUnloaded,
		Generation: previous.Generation(),
		Device:     previous.Device(),
		Model:      nil,
		At:         time.Now(),
	})

	return err
}

// Acquire returns a lease on the loaded model. The model cannot be replaced
// until the lease is released.
func (m *Manager) Acquire(ctx context.Context) (*Lease, error) {
	m.gate.RLock()

	current, err := m.EnsureLoaded(ctx)
	if err != nil {
		m.gate.RUnlock()

		return nil, err
	}

	return &Lease{model: current, release: m.gate.RUnlock}, nil
}

// Status reports whether a model is loaded and which generation it is.
func (m *Manager) Status() Status {
	current := m.loadedModel()
	if current == nil {
		m.mu.RLock()
		defer m.mu.RUnlock()

		return Status{Loaded: false, Generation: m.generation, Device: ""}
	}

	return Status{Loaded: true, Generation: current.Generation(), Device: current.Device()}
}

// Health checks the backend.
func (m *Manager) Health(ctx context.Context) error {
	return m.backend.Health(ctx)
}

func (m *Manager) loadedModel() *Wrapper {
	m.mu.RLock()
	defer m.mu.RUnlock()

	return m.current
}

// loadLocked must be called with loadMu held.
func (m *Manager) loadLocked(ctx context.Context) (*Wrapper, error) {
	m.mu.RLock()
	generation := m.generation + 1
	m.mu.RUnlock()

	start := time.Now()
	next := NewWrapper(m.backend, m.opts, generation, m.log)

	err := next.Load(ctx)
	if err != nil {
		m.log.Error("Failed to load model generation %d: %v", generation, err)

		return nil, err
	}

	m.mu.Lock()
	previous := m.current
	m.current = next
	m.generation = generation
	m.mu.Unlock()

	kind := EventLoaded
	if previous != nil {
		kind = EventReplaced

		previous.retire()
	}

	m.log.Info("Model generation %d %s in %s", generation, kind, time.Since(start))
	m.notify(ctx, Event{
		Kind:       kind,
		Generation: generation,
		Device:     next.Device(),
		Model:      next,
		At:         time.Now(),
	})

	return next, nil
}

func (m *Manager) notify(ctx context.Context, event Event) {
	m.listenersMu.Lock()
	listeners := append([]Listener(nil), m.listeners...)
	m.listenersMu.Unlock()

	var errs []error

	for _, listener := range listeners {
		err := listener(ctx, event)
		if err != nil {
			errs = append(errs, err)
		}
	}

	if len(errs) > 0 {
		m.log.Warn("Model %s listeners reported errors: %v", event.Kind, errors.Join(errs...))
	}
}

// Lease pins one model generation for the duration of a request.
type Lease struct {
	model   *Wrapper
	release func()
	once    sync.Once
}

// Model returns the leased model.
func (l *Lease) Model() core.VoiceModel {
	return l.model
}

// Release lets a pending reload proceed. It is safe to call more than once.
func (l *Lease) Release() {
	l.once.Do(l.release)
}
