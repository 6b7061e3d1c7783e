// Package catalog resolves track ids to playable metadata.
package catalog

import (
	"context"
	"fmt"
	"sync"

	"github.com/DoyleJ11/roomsync-backend/internal/engine"
	"golang.org/x/sync/singleflight"
)

// ErrNotFound is returned for unknown track ids.
var ErrNotFound = engine.ErrTrackNotFound

// Catalog is a read-only track lookup.
type Catalog interface {
	Track(ctx context.Context, id string) (engine.Track, error)
}

// Memory is an in-memory catalog, seeded from config or tests.
type Memory struct {
	mu     sync.RWMutex
	tracks map[string]engine.Track
}

// NewMemory returns a memory catalog holding tracks.
func NewMemory(tracks ...engine.Track) *Memory {
	m := &Memory{tracks: make(map[string]engine.Track, len(tracks))}
	for _, t := range tracks {
		m.tracks[t.ID] = t
	}
	return m
}

// Track implements Catalog.
func (m *Memory) Track(_ context.Context, id string) (engine.Track, error) {
	m.mu.RLock()
	t, ok := m.tracks[id]
	m.mu.RUnlock()
	if !ok {
		return engine.Track{}, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return t, nil
}

// Put adds or replaces a track.
func (m *Memory) Put(t engine.Track) {
	m.mu.Lock()
	m.tracks[t.ID] = t
	m.mu.Unlock()
}

// Cached fronts a slower catalog: concurrent lookups of one id share a single
// backend call and hits are kept in memory. Misses are not cached.
type Cached struct {
	next  Catalog
	group singleflight.Group

	mu    sync.RWMutex
	cache map[string]engine.Track
}

// NewCached wraps next.
func NewCached(next Catalog) *Cached {
	return &Cached{next: next, cache: make(map[string]engine.Track)}
}

// Track implements Catalog.
func (c *Cached) Track(ctx context.Context, id string) (engine.Track, error) {
	c.mu.RLock()
	t, ok := c.cache[id]
	c.mu.RUnlock()
	if ok {
		return t, nil
	}

	v, err, _ := c.group.Do(id, func() (any, error) {
		return c.next.Track(ctx, id)
	})
	if err != nil {
		return engine.Track{}, err
	}

	t = v.(engine.Track)
	c.mu.Lock()
	c.cache[id] = t
	c.mu.Unlock()
	return t, nil
}

// Invalidate drops id from the cache.
func (c *Cached) Invalidate(id string) {
	c.mu.Lock()
	delete(c.cache, id)
	c.mu.Unlock()
}

// Lookup adapts a Catalog to the engine's lookup function.
func Lookup(ctx context.Context, c Catalog) engine.Lookup {
	return func(id string) (engine.Track, error) {
		return c.Track(ctx, id)
	}
}
