package mem

import (
	"context"
	"slices"
	"sync"
	"time"

	"github.com/DoyleJ11/roomsync-backend/internal/engine"
	"github.com/DoyleJ11/roomsync-backend/internal/store"
)

// Config represents the in-memory store config.
type Config struct {
	TTL time.Duration `koanf:"ttl"`
}

// InMemory is the in-memory implementation of the Store interface.
type InMemory struct {
	cfg    Config
	mu     sync.Mutex
	states map[string]entry
	stop   chan struct{}
	once   sync.Once
}

type entry struct {
	state  engine.State
	expire time.Time
}

// New returns a new in-memory store. Entries expire ttl after their last save;
// a zero ttl keeps them forever.
func New(cfg Config) *InMemory {
	m := &InMemory{
		cfg:    cfg,
		states: map[string]entry{},
		stop:   make(chan struct{}),
	}
	if cfg.TTL > 0 {
		go m.watch()
	}
	return m
}

// watch the store to clean it up.
func (m *InMemory) watch() {
	t := time.NewTicker(time.Minute)
	defer t.Stop()
	for {
		select {
		case <-t.C:
			m.cleanup(time.Now())
		case <-m.stop:
			return
		}
	}
}

// cleanup removes expired entries.
func (m *InMemory) cleanup(now time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for id, e := range m.states {
		if !e.expire.IsZero() && e.expire.Before(now) {
			delete(m.states, id)
		}
	}
}

// SaveState stores s under its room id.
func (m *InMemory) SaveState(_ context.Context, s engine.State) error {
	s.Queue = slices.Clone(s.Queue)
	e := entry{state: s}
	if m.cfg.TTL > 0 {
		e.expire = time.Now().Add(m.cfg.TTL)
	}

	m.mu.Lock()
	m.states[s.RoomID] = e
	m.mu.Unlock()
	return nil
}

// LoadState returns the stored state of a room.
func (m *InMemory) LoadState(_ context.Context, roomID string) (engine.State, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	e, ok := m.states[roomID]
	if !ok || (!e.expire.IsZero() && e.expire.Before(time.Now())) {
		return engine.State{}, store.ErrNotFound
	}
	return e.state, nil
}

// RemoveState deletes a room's state.
func (m *InMemory) RemoveState(_ context.Context, roomID string) error {
	m.mu.Lock()
	delete(m.states, roomID)
	m.mu.Unlock()
	return nil
}

// Close stops the cleanup loop.
func (m *InMemory) Close() error {
	m.once.Do(func() { close(m.stop) })
	return nil
}
