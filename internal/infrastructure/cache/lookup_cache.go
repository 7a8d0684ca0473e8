package cache

import (
	"context"
	"errors"
	"math"
	"strings"
	"sync"
	"time"

	"github.com/hashicorp/golang-lru/v2/simplelru"
	"golang.org/x/sync/singleflight"

	"forecastcache/internal/errs"
	"forecastcache/internal/ports"
)

// lookupEntry is never mutated after creation; Set swaps in a new one.
type lookupEntry[V any] struct {
	value    V
	storedAt time.Time
	ttl      time.Duration
}

func (e *lookupEntry[V]) expired(now time.Time) bool {
	return now.Sub(e.storedAt) >= e.ttl
}

type Option func(*lookupOptions)

type lookupOptions struct {
	now    func() time.Time
	onHit  func()
	onMiss func()
}

// WithClock replaces time.Now, mostly for tests.
func WithClock(now func() time.Time) Option {
	return func(o *lookupOptions) {
		if now != nil {
			o.now = now
		}
	}
}

// WithHitMissHooks registers counters called on every Get outcome.
func WithHitMissHooks(onHit func(), onMiss func()) Option {
	return func(o *lookupOptions) {
		o.onHit = onHit
		o.onMiss = onMiss
	}
}

// LookupCache is an in-process TTL cache for upstream lookup results.
// Entries expire lazily on access. With a capacity bound the entry stored
// longest ago is evicted first; reads do not refresh an entry's position.
type LookupCache[V any] struct {
	mu         sync.RWMutex
	lru        *simplelru.LRU[string, *lookupEntry[V]]
	defaultTTL time.Duration
	opts       lookupOptions
	group      singleflight.Group
}

var _ ports.LookupCacheInspector = (*LookupCache[[]byte])(nil)

// NewLookupCache builds a cache. capacity <= 0 means unbounded.
func NewLookupCache[V any](defaultTTL time.Duration, capacity int, opts ...Option) (*LookupCache[V], error) {
	if defaultTTL <= 0 {
		return nil, errors.New("lookup cache ttl must be positive")
	}
	if capacity <= 0 {
		capacity = math.MaxInt
	}

	options := lookupOptions{now: time.Now}
	for _, opt := range opts {
		opt(&options)
	}

	lru, err := simplelru.NewLRU[string, *lookupEntry[V]](capacity, nil)
	if err != nil {
		return nil, errs.Wrap(err, "create lru")
	}

	return &LookupCache[V]{
		lru:        lru,
		defaultTTL: defaultTTL,
		opts:       options,
	}, nil
}

// Get returns the value stored under key if it has not expired.
func (c *LookupCache[V]) Get(key string) (V, bool) {
	var zero V
	now := c.opts.now()

	c.mu.RLock()
	entry, ok := c.lru.Peek(key)
	c.mu.RUnlock()

	if !ok {
		c.miss()
		return zero, false
	}
	if entry.expired(now) {
		c.evict(key, entry)
		c.miss()
		return zero, false
	}

	c.hit()
	return entry.value, true
}

// Set stores value under key, replacing any previous entry and restarting
// its clock. ttl <= 0 uses the cache default.
func (c *LookupCache[V]) Set(key string, value V, ttl time.Duration) {
	if ttl <= 0 {
		ttl = c.defaultTTL
	}
	entry := &lookupEntry[V]{
		value:    value,
		storedAt: c.opts.now(),
		ttl:      ttl,
	}

	c.mu.Lock()
	// Remove first so a replaced key moves to the newest position.
	c.lru.Remove(key)
	c.lru.Add(key, entry)
	c.mu.Unlock()
}

// GetOrLoad returns the cached value or calls load once per key, however
// many callers miss concurrently. Load errors are not cached.
func (c *LookupCache[V]) GetOrLoad(ctx context.Context, key string, ttl time.Duration, load func(context.Context) (V, error)) (V, error) {
	if value, ok := c.Get(key); ok {
		return value, nil
	}

	result, err, _ := c.group.Do(key, func() (any, error) {
		if value, ok := c.peekValid(key); ok {
			return value, nil
		}
		value, err := load(ctx)
		if err != nil {
			return nil, err
		}
		c.Set(key, value, ttl)
		return value, nil
	})
	if err != nil {
		var zero V
		return zero, err
	}
	return result.(V), nil
}

// Stats counts the entries still visible to readers. It does not evict.
func (c *LookupCache[V]) Stats() ports.LookupCacheStats {
	now := c.opts.now()

	c.mu.RLock()
	defer c.mu.RUnlock()

	stats := ports.LookupCacheStats{}
	for _, key := range c.lru.Keys() {
		entry, ok := c.lru.Peek(key)
		if !ok || entry.expired(now) {
			continue
		}
		stats.EntryCount++
		if age := now.Sub(entry.storedAt); age > stats.OldestEntryAge {
			stats.OldestEntryAge = age
		}
	}
	return stats
}

// Purge drops every entry.
func (c *LookupCache[V]) Purge() {
	c.mu.Lock()
	c.lru.Purge()
	c.mu.Unlock()
}

func (c *LookupCache[V]) peekValid(key string) (V, bool) {
	var zero V
	c.mu.RLock()
	entry, ok := c.lru.Peek(key)
	c.mu.RUnlock()
	if !ok || entry.expired(c.opts.now()) {
		return zero, false
	}
	return entry.value, true
}

// evict removes key only if it still holds the expired entry; a concurrent
// Set may already have replaced it.
func (c *LookupCache[V]) evict(key string, stale *lookupEntry[V]) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if current, ok := c.lru.Peek(key); ok && current == stale {
		c.lru.Remove(key)
	}
}

func (c *LookupCache[V]) hit() {
	if c.opts.onHit != nil {
		c.opts.onHit()
	}
}

func (c *LookupCache[V]) miss() {
	if c.opts.onMiss != nil {
		c.opts.onMiss()
	}
}

// Key joins subject and parameters into a cache key. The subject is
// case-folded and whitespace-collapsed; empty parameters are kept so
// positions stay stable.
func Key(subject string, params ...string) string {
	parts := make([]string, 0, len(params)+1)
	parts = append(parts, strings.ToLower(strings.Join(strings.Fields(subject), " ")))
	for _, p := range params {
		parts = append(parts, strings.TrimSpace(p))
	}
	return strings.Join(parts, "|")
}
