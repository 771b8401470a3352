package cache

import (
	"context"
	"fmt"
	"sync"

	lru "github.com/hashicorp/golang-lru/v2"
	"golang.org/x/sync/singleflight"
)

// DefaultMaxEntries is the capacity used when none is configured
const DefaultMaxEntries = 1000

type entry[V any] struct {
	canonical string
	value     V
	size      int64
}

// Options configures a Cache
type Options[V any] struct {
	MaxEntries int
	Disabled   bool
	// Sizer estimates the memory held by a value. Optional.
	Sizer    func(V) int64
	Observer Observer
}

// Cache memoizes computed values under a Key with strict LRU eviction by
// entry count. Concurrent misses on one key share a single compute. Failed
// computes are never stored.
type Cache[V any] struct {
	mu       sync.Mutex
	store    *lru.Cache[uint64, *entry[V]]
	flights  singleflight.Group
	capacity int
	enabled  bool
	sizer    func(V) int64
	observer Observer

	hits      uint64
	misses    uint64
	evictions uint64
	errors    uint64
	bytes     int64
}

// New creates a cache
func New[V any](opts Options[V]) (*Cache[V], error) {
	capacity := opts.MaxEntries
	if capacity == 0 {
		capacity = DefaultMaxEntries
	}
	if capacity < 0 {
		return nil, fmt.Errorf("max entries must be positive, got %d", capacity)
	}

	c := &Cache[V]{
		capacity: capacity,
		enabled:  !opts.Disabled,
		sizer:    opts.Sizer,
		observer: opts.Observer,
	}
	if c.observer == nil {
		c.observer = nopObserver{}
	}

	store, err := lru.NewWithEvict[uint64, *entry[V]](capacity, func(_ uint64, e *entry[V]) {
		// Runs for evictions, removals and purges alike; only byte
		// accounting belongs here.
		c.bytes -= e.size
	})
	if err != nil {
		return nil, err
	}
	c.store = store
	return c, nil
}

// GetOrInsert returns the value cached under key, or runs compute, stores its
// result and returns it. hit reports whether the value came from the cache.
// A compute error is returned unmodified and nothing is stored.
//
// While the cache is disabled compute always runs and no counter moves.
// Callers that join an in-flight compute for the same key share its result,
// which runs under the first caller's context.
func (c *Cache[V]) GetOrInsert(ctx context.Context, key Key, compute func(context.Context) (V, error)) (V, bool, error) {
	c.mu.Lock()
	if !c.enabled {
		c.mu.Unlock()
		v, err := compute(ctx)
		return v, false, err
	}
	if e, ok := c.store.Get(key.Hash); ok && e.canonical == key.Canonical {
		c.hits++
		c.observer.Hit()
		c.mu.Unlock()
		return e.value, true, nil
	}
	c.misses++
	c.observer.Miss()
	c.mu.Unlock()

	res, err, _ := c.flights.Do(key.Canonical, func() (interface{}, error) {
		v, err := compute(ctx)
		if err != nil {
			c.mu.Lock()
			c.errors++
			c.observer.ComputeFailed()
			c.mu.Unlock()
			return nil, err
		}
		c.insert(key, v)
		return v, nil
	})
	if err != nil {
		var zero V
		return zero, false, err
	}
	v, _ := res.(V)
	return v, false, nil
}

// Get returns the value under key without computing anything. It counts as
// a hit or a miss.
func (c *Cache[V]) Get(key Key) (V, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	var zero V
	if !c.enabled {
		return zero, false
	}
	if e, ok := c.store.Get(key.Hash); ok && e.canonical == key.Canonical {
		c.hits++
		c.observer.Hit()
		return e.value, true
	}
	c.misses++
	c.observer.Miss()
	return zero, false
}

func (c *Cache[V]) insert(key Key, v V) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.enabled {
		return
	}

	e := &entry[V]{canonical: key.Canonical, value: v}
	if c.sizer != nil {
		e.size = c.sizer(v)
	}
	if old, ok := c.store.Peek(key.Hash); ok {
		// Same slot: either a racing insert or a hash collision; the newest wins.
		c.bytes -= old.size
	}
	c.bytes += e.size
	if evicted := c.store.Add(key.Hash, e); evicted {
		c.evictions++
		c.observer.Evicted(1)
	}
	c.observer.Resized(c.store.Len(), c.bytes)
}

// Resize changes the capacity, evicting least recently used entries as needed
func (c *Cache[V]) Resize(maxEntries int) error {
	if maxEntries <= 0 {
		return fmt.Errorf("max entries must be positive, got %d", maxEntries)
	}
	c.mu.Lock()
	defer c.mu.Unlock()

	if evicted := c.store.Resize(maxEntries); evicted > 0 {
		c.evictions += uint64(evicted)
		c.observer.Evicted(evicted)
	}
	c.capacity = maxEntries
	c.observer.Resized(c.store.Len(), c.bytes)
	return nil
}

// SetEnabled turns caching on or off. Disabling drops every entry.
func (c *Cache[V]) SetEnabled(enabled bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !enabled {
		c.store.Purge()
		c.observer.Resized(0, c.bytes)
	}
	c.enabled = enabled
}

// Enabled reports whether caching is on
func (c *Cache[V]) Enabled() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.enabled
}

// Purge drops every entry. Dropped entries do not count as evictions.
func (c *Cache[V]) Purge() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.store.Purge()
	c.observer.Resized(0, c.bytes)
}

// Len returns the number of live entries
func (c *Cache[V]) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.store.Len()
}

// Stats returns a snapshot of the counters
func (c *Cache[V]) Stats() Stats {
	c.mu.Lock()
	defer c.mu.Unlock()
	return Stats{
		Hits:        c.hits,
		Misses:      c.misses,
		Evictions:   c.evictions,
		Errors:      c.errors,
		Size:        c.store.Len(),
		Capacity:    c.capacity,
		Enabled:     c.enabled,
		ApproxBytes: c.bytes,
	}
}
