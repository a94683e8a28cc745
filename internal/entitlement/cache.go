package entitlement

import (
	"sync"
	"time"

	"medreel.org/internal/access"
)

// Cache holds recent decisions per user. Expiry is symmetric here; the
// asymmetric trust rule (only granted states are served from cache) lives in
// the resolver, which is the one place that knows why.
type Cache struct {
	mu      sync.RWMutex
	entries map[string]cacheEntry
	ttl     time.Duration
	now     func() time.Time
}

type cacheEntry struct {
	decision access.Decision
	storedAt time.Time
}

// CacheOption customizes a Cache.
type CacheOption func(*Cache)

// WithCacheClock injects the time source, for tests.
func WithCacheClock(now func() time.Time) CacheOption {
	return func(c *Cache) { c.now = now }
}

// NewCache builds a decision cache with the given TTL.
func NewCache(ttl time.Duration, opts ...CacheOption) *Cache {
	c := &Cache{
		entries: make(map[string]cacheEntry),
		ttl:     ttl,
		now:     time.Now,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Get returns the unexpired decision for the user, if any.
func (c *Cache) Get(userID string) (access.Decision, bool) {
	c.mu.RLock()
	e, ok := c.entries[userID]
	c.mu.RUnlock()
	if !ok {
		return access.Decision{}, false
	}
	if c.now().Sub(e.storedAt) > c.ttl {
		c.Delete(userID)
		return access.Decision{}, false
	}
	return e.decision, true
}

// Put stores the decision, restarting its TTL.
func (c *Cache) Put(userID string, d access.Decision) {
	c.mu.Lock()
	c.entries[userID] = cacheEntry{decision: d, storedAt: c.now()}
	c.mu.Unlock()
}

// Delete drops the user's cached decision.
func (c *Cache) Delete(userID string) {
	c.mu.Lock()
	delete(c.entries, userID)
	c.mu.Unlock()
}

// Len reports the number of cached entries, expired ones included.
func (c *Cache) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.entries)
}
