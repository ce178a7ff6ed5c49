// Package snapcache memoizes expensive snapshot computations per time bucket.
package snapcache

import (
	"context"
	"errors"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/singleflight"
)

// Clock supplies the current time.
type Clock interface {
	Now() time.Time
}

// ClockFunc adapts a function to Clock.
type ClockFunc func() time.Time

// Now returns f().
func (f ClockFunc) Now() time.Time { return f() }

// SystemClock reads the wall clock.
var SystemClock Clock = ClockFunc(time.Now)

// Options configures a Cache.
type Options struct {
	Window     time.Duration
	MaxEntries int
	Clock      Clock
}

// Entry is an immutable cached value and the bucket it was computed for.
type Entry[V any] struct {
	Value    V
	Bucket   int64
	StoredAt time.Time
}

// Stats is a point-in-time view of cache counters.
type Stats struct {
	Hits         uint64
	Misses       uint64
	Coalesced    uint64
	Computations uint64
	Failures     uint64
	StaleServes  uint64
	Entries      int
}

// Cache holds at most one entry per key, valid for the bucket it was computed in.
type Cache[V any] struct {
	window     time.Duration
	maxEntries int
	clock      Clock

	mu       sync.Mutex
	entries  map[string]Entry[V]
	lastGood map[string]Entry[V]

	group singleflight.Group

	hits         atomic.Uint64
	misses       atomic.Uint64
	coalesced    atomic.Uint64
	computations atomic.Uint64
	failures     atomic.Uint64
	staleServes  atomic.Uint64
}

// New creates a cache.
func New[V any](opts Options) (*Cache[V], error) {
	if opts.Window <= 0 {
		return nil, errors.New("snapcache: window must be > 0")
	}
	if opts.MaxEntries <= 0 {
		return nil, errors.New("snapcache: max entries must be > 0")
	}
	clock := opts.Clock
	if clock == nil {
		clock = SystemClock
	}
	return &Cache[V]{
		window:     opts.Window,
		maxEntries: opts.MaxEntries,
		clock:      clock,
		entries:    make(map[string]Entry[V]),
		lastGood:   make(map[string]Entry[V]),
	}, nil
}

// Bucket returns floor(t / window).
func (c *Cache[V]) Bucket(t time.Time) int64 {
	n := t.UnixNano()
	w := c.window.Nanoseconds()
	q := n / w
	if n%w != 0 && n < 0 {
		q--
	}
	return q
}

// Get returns the entry for key in the current bucket, running compute on a miss.
// Concurrent misses for the same key and bucket share one compute call, which runs
// detached from the caller's cancellation. A failed compute is not stored.
func (c *Cache[V]) Get(ctx context.Context, key string, compute func(context.Context) (V, error)) (Entry[V], error) {
	now := c.clock.Now()
	bucket := c.Bucket(now)

	if entry, ok := c.lookup(key, bucket); ok {
		c.hits.Add(1)
		return entry, nil
	}
	c.misses.Add(1)

	detached := context.WithoutCancel(ctx)
	ran := false
	ch := c.group.DoChan(key+"@"+strconv.FormatInt(bucket, 10), func() (any, error) {
		ran = true
		if entry, ok := c.lookup(key, bucket); ok {
			return entry, nil
		}
		c.computations.Add(1)
		value, err := compute(detached)
		if err != nil {
			c.failures.Add(1)
			return nil, err
		}
		return c.store(key, bucket, value), nil
	})

	select {
	case res := <-ch:
		if !ran {
			c.coalesced.Add(1)
		}
		if res.Err != nil {
			return Entry[V]{}, res.Err
		}
		return res.Val.(Entry[V]), nil
	case <-ctx.Done():
		return Entry[V]{}, ctx.Err()
	}
}

// Fallback returns the last successfully computed entry for key, from any bucket.
func (c *Cache[V]) Fallback(key string) (Entry[V], bool) {
	c.mu.Lock()
	entry, ok := c.lastGood[key]
	c.mu.Unlock()
	if ok {
		c.staleServes.Add(1)
	}
	return entry, ok
}

// Stats returns the current counters.
func (c *Cache[V]) Stats() Stats {
	return Stats{
		Hits:         c.hits.Load(),
		Misses:       c.misses.Load(),
		Coalesced:    c.coalesced.Load(),
		Computations: c.computations.Load(),
		Failures:     c.failures.Load(),
		StaleServes:  c.staleServes.Load(),
		Entries:      c.Len(),
	}
}

// Len returns the number of stored entries.
func (c *Cache[V]) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}

func (c *Cache[V]) lookup(key string, bucket int64) (Entry[V], bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	entry, ok := c.entries[key]
	if !ok || entry.Bucket != bucket {
		return Entry[V]{}, false
	}
	return entry, true
}

func (c *Cache[V]) store(key string, bucket int64, value V) Entry[V] {
	entry := Entry[V]{Value: value, Bucket: bucket, StoredAt: c.clock.Now()}

	c.mu.Lock()
	defer c.mu.Unlock()

	c.entries[key] = entry
	for k, e := range c.entries {
		if e.Bucket < bucket {
			delete(c.entries, k)
		}
	}
	evictOldest(c.entries, c.maxEntries, key)

	c.lastGood[key] = entry
	evictOldest(c.lastGood, c.maxEntries, key)
	return entry
}

// evictOldest trims entries to limit, never removing keep.
func evictOldest[V any](entries map[string]Entry[V], limit int, keep string) {
	for len(entries) > limit {
		var (
			oldestKey string
			oldest    time.Time
			found     bool
		)
		for k, e := range entries {
			if k == keep {
				continue
			}
			if !found || e.StoredAt.Before(oldest) || (e.StoredAt.Equal(oldest) && k < oldestKey) {
				oldestKey, oldest, found = k, e.StoredAt, true
			}
		}
		if !found {
			return
		}
		delete(entries, oldestKey)
	}
}
