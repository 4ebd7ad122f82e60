package core

import (
	"strings"
	"sync"
	"time"
)

// DefaultCacheTTL is used when Set is called with a non-positive TTL.
const DefaultCacheTTL = 5 * time.Minute

type cacheEntry[V any] struct {
	value     V
	expiresAt time.Time
}

// TTLCacheOptions configures a TTLCache.
type TTLCacheOptions struct {
	DefaultTTL time.Duration
	Clock      TimeProvider
}

// TTLCache is an in-process key/value cache whose entries expire a fixed
// duration after insertion. Expiry is checked lazily on read; there is no
// background sweeper. Safe for concurrent use.
type TTLCache[V any] struct {
	mu         sync.RWMutex
	entries    map[string]cacheEntry[V]
	defaultTTL time.Duration
	clock      TimeProvider
}

// NewTTLCache creates an empty TTLCache.
func NewTTLCache[V any](opts TTLCacheOptions) *TTLCache[V] {
	ttl := opts.DefaultTTL
	if ttl <= 0 {
		ttl = DefaultCacheTTL
	}
	return &TTLCache[V]{
		entries:    make(map[string]cacheEntry[V]),
		defaultTTL: ttl,
		clock:      clockOrReal(opts.Clock),
	}
}

// Set stores value under key for ttl (DefaultTTL when ttl <= 0).
func (c *TTLCache[V]) Set(key string, value V, ttl time.Duration) {
	if ttl <= 0 {
		ttl = c.defaultTTL
	}
	c.mu.Lock()
	c.entries[key] = cacheEntry[V]{value: value, expiresAt: c.clock.Now().Add(ttl)}
	c.mu.Unlock()
}

// Get returns the live value for key. An entry is dead once now >= expiresAt;
// dead entries are evicted and reported as missing.
func (c *TTLCache[V]) Get(key string) (V, bool) {
	var zero V
	now := c.clock.Now()

	c.mu.RLock()
	e, ok := c.entries[key]
	c.mu.RUnlock()
	if !ok {
		return zero, false
	}
	if now.Before(e.expiresAt) {
		return e.value, true
	}

	c.mu.Lock()
	// Re-check: a concurrent Set may have replaced the entry.
	if cur, still := c.entries[key]; still && !now.Before(cur.expiresAt) {
		delete(c.entries, key)
	}
	c.mu.Unlock()
	return zero, false
}

// Has reports whether key holds a live entry. It does not evict.
func (c *TTLCache[V]) Has(key string) bool {
	now := c.clock.Now()
	c.mu.RLock()
	defer c.mu.RUnlock()
	e, ok := c.entries[key]
	return ok && now.Before(e.expiresAt)
}

// Clear removes a single entry.
func (c *TTLCache[V]) Clear(key string) {
	c.mu.Lock()
	delete(c.entries, key)
	c.mu.Unlock()
}

// ClearAll removes every entry.
func (c *TTLCache[V]) ClearAll() {
	c.mu.Lock()
	c.entries = make(map[string]cacheEntry[V])
	c.mu.Unlock()
}

// ClearPrefix removes every entry whose key starts with prefix and returns how many were removed.
func (c *TTLCache[V]) ClearPrefix(prefix string) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	n := 0
	for k := range c.entries {
		if strings.HasPrefix(k, prefix) {
			delete(c.entries, k)
			n++
		}
	}
	return n
}

// Len returns the number of stored entries, including ones that have expired but not yet been read.
func (c *TTLCache[V]) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.entries)
}
