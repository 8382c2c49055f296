// Package cache provides the keyed request cache the CLI reads entity
// data through, and the dispatch that maps a completed operation onto
// the cache keys that must be refreshed.
package cache

import (
	"strings"
	"sync"
	"time"
)

// DefaultTTL is how long a cached entry is served before callers fall
// through to the backend again.
const DefaultTTL = 30 * time.Second

// Key builders. Keys are hierarchical, slash-separated, so prefix
// invalidation can clear a whole family at once.
func StoriesListKey() string               { return "stories/list" }
func StoryDetailKey(storyID string) string { return "stories/detail/" + storyID }
func ShotsListKey(storyID string) string   { return "shots/list/" + storyID }
func ShotDetailKey(storyID, shotID string) string {
	return "shots/detail/" + storyID + "/" + shotID
}

// Invalidator is the part of the cache the operation tracker depends on.
type Invalidator interface {
	Invalidate(key string)
	InvalidatePrefix(prefix string)
}

type entry struct {
	value     any
	expiresAt time.Time
}

// Cache is a concurrency-safe TTL'd key-value cache.
type Cache struct {
	mu      sync.Mutex
	entries map[string]entry
	ttl     time.Duration
	now     func() time.Time
}

// New returns a Cache with the given TTL; non-positive falls back to
// DefaultTTL.
func New(ttl time.Duration) *Cache {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &Cache{
		entries: make(map[string]entry),
		ttl:     ttl,
		now:     time.Now,
	}
}

// Get returns the cached value for key, or false when absent or expired.
func (c *Cache) Get(key string) (any, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	e, ok := c.entries[key]
	if !ok {
		return nil, false
	}
	if c.now().After(e.expiresAt) {
		delete(c.entries, key)
		return nil, false
	}
	return e.value, true
}

// Set stores value under key with the cache's TTL.
func (c *Cache) Set(key string, value any) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries[key] = entry{value: value, expiresAt: c.now().Add(c.ttl)}
}

// GetOr is the read-through path: a fresh cached value is returned as
// is, anything else is fetched, stored and returned. Fetch errors are
// never cached.
func GetOr[T any](c *Cache, key string, fetch func() (T, error)) (T, error) {
	if v, ok := c.Get(key); ok {
		if typed, ok := v.(T); ok {
			return typed, nil
		}
	}
	v, err := fetch()
	if err != nil {
		var zero T
		return zero, err
	}
	c.Set(key, v)
	return v, nil
}

// Invalidate discards the entry for key, if any.
func (c *Cache) Invalidate(key string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.entries, key)
}

// InvalidatePrefix discards every entry whose key starts with prefix.
func (c *Cache) InvalidatePrefix(prefix string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for key := range c.entries {
		if strings.HasPrefix(key, prefix) {
			delete(c.entries, key)
		}
	}
}

// Len returns the number of live entries, expired ones included until
// their next Get.
func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}
