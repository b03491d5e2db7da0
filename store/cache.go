package store

import (
	"context"
	"sync"
	"time"
)

// CachedFlowStoreConfig configures a CachedFlowStore.
type CachedFlowStoreConfig struct {
	// TTL is how long a cached flow stays fresh (default: 5 minutes).
	TTL time.Duration

	// MaxEntries caps the number of cached flows (default: 1000). The
	// oldest entry is evicted when the cap is hit.
	MaxEntries int

	// Now overrides the clock, for tests.
	Now func() time.Time
}

// CachedFlowStore wraps a FlowStore with a TTL read cache for Get.
// Writes go straight through and invalidate the cached entry, so a
// read after a write through the same store always sees fresh data.
type CachedFlowStore struct {
	inner      FlowStore
	ttl        time.Duration
	maxEntries int
	now        func() time.Time

	mu      sync.Mutex
	entries map[string]cacheEntry
	order   []string // insertion order, for eviction
}

type cacheEntry struct {
	rec      FlowRecord
	storedAt time.Time
}

// NewCachedFlowStore wraps inner with a TTL cache.
func NewCachedFlowStore(inner FlowStore, cfg CachedFlowStoreConfig) *CachedFlowStore {
	ttl := cfg.TTL
	if ttl <= 0 {
		ttl = 5 * time.Minute
	}
	maxEntries := cfg.MaxEntries
	if maxEntries <= 0 {
		maxEntries = 1000
	}
	now := cfg.Now
	if now == nil {
		now = time.Now
	}
	return &CachedFlowStore{
		inner:      inner,
		ttl:        ttl,
		maxEntries: maxEntries,
		now:        now,
		entries:    make(map[string]cacheEntry),
	}
}

// List always hits the inner store.
func (c *CachedFlowStore) List(ctx context.Context) ([]FlowRecord, error) {
	return c.inner.List(ctx)
}

func (c *CachedFlowStore) Get(ctx context.Context, id string) (FlowRecord, bool, error) {
	c.mu.Lock()
	if entry, ok := c.entries[id]; ok {
		if c.now().Sub(entry.storedAt) < c.ttl {
			rec := entry.rec
			c.mu.Unlock()
			return rec, true, nil
		}
		c.removeLocked(id)
	}
	c.mu.Unlock()

	rec, found, err := c.inner.Get(ctx, id)
	if err != nil || !found {
		return rec, found, err
	}

	c.mu.Lock()
	c.storeLocked(id, rec)
	c.mu.Unlock()
	return rec, true, nil
}

func (c *CachedFlowStore) Create(ctx context.Context, rec FlowRecord) error {
	if err := c.inner.Create(ctx, rec); err != nil {
		return err
	}
	c.Invalidate(rec.ID)
	return nil
}

func (c *CachedFlowStore) Update(ctx context.Context, rec FlowRecord) error {
	if err := c.inner.Update(ctx, rec); err != nil {
		return err
	}
	c.Invalidate(rec.ID)
	return nil
}

func (c *CachedFlowStore) Delete(ctx context.Context, id string) error {
	if err := c.inner.Delete(ctx, id); err != nil {
		return err
	}
	c.Invalidate(id)
	return nil
}

// Invalidate drops the cached entry for a flow, if any.
func (c *CachedFlowStore) Invalidate(id string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.removeLocked(id)
}

// InvalidateAll empties the cache.
func (c *CachedFlowStore) InvalidateAll() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries = make(map[string]cacheEntry)
	c.order = nil
}

func (c *CachedFlowStore) storeLocked(id string, rec FlowRecord) {
	if _, ok := c.entries[id]; !ok {
		if len(c.order) >= c.maxEntries {
			c.removeLocked(c.order[0])
		}
		c.order = append(c.order, id)
	}
	c.entries[id] = cacheEntry{rec: rec, storedAt: c.now()}
}

func (c *CachedFlowStore) removeLocked(id string) {
	if _, ok := c.entries[id]; !ok {
		return
	}
	delete(c.entries, id)
	for i, cid := range c.order {
		if cid == id {
			c.order = append(c.order[:i], c.order[i+1:]...)
			break
		}
	}
}

// Compile-time interface check.
var _ FlowStore = (*CachedFlowStore)(nil)
