package cache

import (
	"sync"
	"time"
)

// TTLCache is a simple, concurrent-safe in-memory key-value store where
// every entry expires after a per-entry TTL. Expired entries are dropped
// lazily on read and swept opportunistically on write.
type TTLCache struct {
	mu    sync.RWMutex
	items map[string]entry
}

type entry struct {
	value     any
	expiresAt time.Time
}

// NewTTLCache creates and returns a new TTLCache.
func NewTTLCache() *TTLCache {
	return &TTLCache{
		items: make(map[string]entry),
	}
}

// Get retrieves a value from the cache.
// It returns the value and true if the key exists and has not expired.
func (c *TTLCache) Get(key string) (any, bool) {
	c.mu.RLock()
	item, found := c.items[key]
	c.mu.RUnlock()

	if !found {
		return nil, false
	}
	if time.Now().After(item.expiresAt) {
		c.mu.Lock()
		// Re-check under the write lock; another Set may have refreshed it.
		if cur, ok := c.items[key]; ok && time.Now().After(cur.expiresAt) {
			delete(c.items, key)
		}
		c.mu.Unlock()
		return nil, false
	}

	return item.value, true
}

// Set adds or updates a value in the cache with the given TTL.
func (c *TTLCache) Set(key string, value any, ttl time.Duration) {
	now := time.Now()

	c.mu.Lock()
	defer c.mu.Unlock()

	c.items[key] = entry{value: value, expiresAt: now.Add(ttl)}

	// Cheap incremental sweep so long-lived caches don't accumulate
	// expired entries between reads.
	if len(c.items)%64 == 0 {
		for k, v := range c.items {
			if now.After(v.expiresAt) {
				delete(c.items, k)
			}
		}
	}
}

// Delete removes a value from the cache.
func (c *TTLCache) Delete(key string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.items, key)
}

// Seen records key with the given TTL and reports whether it was already
// present and unexpired. Used for at-least-once message deduplication.
func (c *TTLCache) Seen(key string, ttl time.Duration) bool {
	now := time.Now()

	c.mu.Lock()
	defer c.mu.Unlock()

	item, found := c.items[key]
	already := found && now.Before(item.expiresAt)
	c.items[key] = entry{value: struct{}{}, expiresAt: now.Add(ttl)}

	return already
}

// Len returns the number of entries currently held, including any not
// yet swept expired entries.
func (c *TTLCache) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.items)
}
