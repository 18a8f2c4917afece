// Package cache implements the short-TTL read cache in front of the
// contribution store.
package cache

import (
	"sync"
	"time"

	"github.com/chenchen71956/ContribTracker/internal/app/domain/contribution"
	"github.com/chenchen71956/ContribTracker/internal/app/metrics"
)

// DefaultTTL bounds how stale a cached read may be.
const DefaultTTL = 5 * time.Second

type entry struct {
	value     *contribution.Contribution
	expiresAt time.Time
}

type listEntry struct {
	values    []contribution.Contribution
	expiresAt time.Time
}

// ReadCache caches hydrated contributions by id plus one snapshot of the
// full listing. Values are deep-copied on the way in and on the way out,
// so callers and the cache never alias each other's state.
//
// Consistency is time-bounded only: a mutation elsewhere in the process
// must call Invalidate, and even without it an entry dies at its TTL.
type ReadCache struct {
	mu   sync.RWMutex
	ttl  time.Duration
	byID map[int64]entry
	list *listEntry
	m    *metrics.Metrics
}

// New creates a cache with the given TTL. A non-positive ttl falls back
// to DefaultTTL. The metrics set may be nil.
func New(ttl time.Duration, m *metrics.Metrics) *ReadCache {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &ReadCache{
		ttl:  ttl,
		byID: make(map[int64]entry),
		m:    m,
	}
}

// GetByID returns a copy of the cached contribution, or false on a miss
// or an expired entry.
func (c *ReadCache) GetByID(id int64) (*contribution.Contribution, bool) {
	c.mu.RLock()
	e, ok := c.byID[id]
	c.mu.RUnlock()

	if !ok || time.Now().After(e.expiresAt) {
		c.miss("byid")
		return nil, false
	}
	c.hit("byid")
	return e.value.Clone(), true
}

// PutByID stores a copy of the contribution under its id.
func (c *ReadCache) PutByID(v *contribution.Contribution) {
	if v == nil {
		return
	}
	c.mu.Lock()
	c.byID[v.ID] = entry{value: v.Clone(), expiresAt: time.Now().Add(c.ttl)}
	c.mu.Unlock()
}

// GetList returns a copy of the cached full listing, or false on a miss.
func (c *ReadCache) GetList() ([]contribution.Contribution, bool) {
	c.mu.RLock()
	e := c.list
	c.mu.RUnlock()

	if e == nil || time.Now().After(e.expiresAt) {
		c.miss("list")
		return nil, false
	}
	c.hit("list")
	return cloneList(e.values), true
}

// PutList stores a copy of the full listing.
func (c *ReadCache) PutList(values []contribution.Contribution) {
	c.mu.Lock()
	c.list = &listEntry{values: cloneList(values), expiresAt: time.Now().Add(c.ttl)}
	c.mu.Unlock()
}

// Invalidate drops the entry for the id and the whole listing snapshot.
// Any mutation of a contribution must invalidate before broadcasting so
// the fan-out never reads the pre-mutation state.
func (c *ReadCache) Invalidate(id int64) {
	c.mu.Lock()
	delete(c.byID, id)
	c.list = nil
	c.mu.Unlock()
}

// InvalidateAll empties the cache.
func (c *ReadCache) InvalidateAll() {
	c.mu.Lock()
	c.byID = make(map[int64]entry)
	c.list = nil
	c.mu.Unlock()
}

// Sweep removes expired entries. Called periodically so a quiet server
// does not hold dead entries until the next lookup.
func (c *ReadCache) Sweep(now time.Time) int {
	c.mu.Lock()
	defer c.mu.Unlock()

	removed := 0
	for id, e := range c.byID {
		if now.After(e.expiresAt) {
			delete(c.byID, id)
			removed++
		}
	}
	if c.list != nil && now.After(c.list.expiresAt) {
		c.list = nil
		removed++
	}
	return removed
}

func (c *ReadCache) hit(region string) {
	if c.m != nil {
		c.m.CacheHits.WithLabelValues(region).Inc()
	}
}

func (c *ReadCache) miss(region string) {
	if c.m != nil {
		c.m.CacheMisses.WithLabelValues(region).Inc()
	}
}

func cloneList(values []contribution.Contribution) []contribution.Contribution {
	out := make([]contribution.Contribution, len(values))
	for i := range values {
		out[i] = *values[i].Clone()
	}
	return out
}
