// Package statecache caches reconstructed entity states keyed by
// (entity_id, as_of). Entries are invalidated per entity whenever an event
// involving that entity is written.
package statecache

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/ekaya-inc/ekaya-threatgraph/pkg/models"
)

// Cache stores derived states. Writers read Generation before computing a
// state and pass it to Set; a Set racing with Invalidate is dropped.
type Cache interface {
	Get(ctx context.Context, entityID uuid.UUID, asOf time.Time) (*models.EntityState, bool, error)
	Generation(ctx context.Context, entityID uuid.UUID) (uint64, error)
	Set(ctx context.Context, generation uint64, state *models.EntityState) error
	Invalidate(ctx context.Context, entityID uuid.UUID) error
}

// MemoryCache is an in-process Cache.
type MemoryCache struct {
	ttl        time.Duration
	maxEntries int
	now        func() time.Time

	mu      sync.Mutex
	entries map[uuid.UUID]*entityEntries
	// seq numbers invalidations. absent is the generation of every entity
	// without entries: the seq of the latest invalidation that found none.
	seq    uint64
	absent uint64
}

type entityEntries struct {
	generation uint64
	states     map[int64]cachedState
}

type cachedState struct {
	state    models.EntityState
	storedAt time.Time
}

var _ Cache = (*MemoryCache)(nil)

// NewMemoryCache creates a MemoryCache. ttl <= 0 disables expiry;
// maxEntries <= 0 means unbounded per entity.
func NewMemoryCache(ttl time.Duration, maxEntries int) *MemoryCache {
	return &MemoryCache{
		ttl:        ttl,
		maxEntries: maxEntries,
		now:        time.Now,
		entries:    make(map[uuid.UUID]*entityEntries),
	}
}

func (c *MemoryCache) Get(_ context.Context, entityID uuid.UUID, asOf time.Time) (*models.EntityState, bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	e, ok := c.entries[entityID]
	if !ok {
		return nil, false, nil
	}
	cs, ok := e.states[asOf.UnixNano()]
	if !ok {
		return nil, false, nil
	}
	if c.ttl > 0 && c.now().Sub(cs.storedAt) > c.ttl {
		delete(e.states, asOf.UnixNano())
		return nil, false, nil
	}
	state := cs.state
	return &state, true, nil
}

func (c *MemoryCache) Generation(_ context.Context, entityID uuid.UUID) (uint64, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if e, ok := c.entries[entityID]; ok {
		return e.generation, nil
	}
	return c.absent, nil
}

func (c *MemoryCache) Set(_ context.Context, generation uint64, state *models.EntityState) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	e, ok := c.entries[state.EntityID]
	if !ok {
		if generation != c.absent {
			return nil
		}
		e = &entityEntries{generation: generation, states: make(map[int64]cachedState)}
		c.entries[state.EntityID] = e
	}
	if e.generation != generation {
		return nil
	}
	if c.maxEntries > 0 && len(e.states) >= c.maxEntries {
		clear(e.states)
	}
	e.states[state.AsOf.UnixNano()] = cachedState{state: *state, storedAt: c.now()}
	return nil
}

func (c *MemoryCache) Invalidate(_ context.Context, entityID uuid.UUID) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.seq++
	e, ok := c.entries[entityID]
	if !ok {
		c.absent = c.seq
		return nil
	}
	e.generation = c.seq
	clear(e.states)
	return nil
}
