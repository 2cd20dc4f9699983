package memory

import (
	"context"
	"strconv"
	"sync"
	"time"
)

type cacheEntry struct {
	value     string
	expiresAt time.Time
}

// Cache is a TTL map with the same miss semantics as the Redis cache: a
// missing or expired key reads as an empty string and no error.
type Cache struct {
	mu      sync.Mutex
	entries map[string]cacheEntry
	nowFn   func() time.Time
}

func NewCache() *Cache {
	return &Cache{entries: map[string]cacheEntry{}, nowFn: time.Now}
}

func (c *Cache) Get(_ context.Context, key string) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	entry, ok := c.liveLocked(key)
	if !ok {
		return "", nil
	}
	return entry.value, nil
}

func (c *Cache) Set(_ context.Context, key string, value string, ttl time.Duration) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries[key] = cacheEntry{value: value, expiresAt: c.expiry(ttl)}
	return nil
}

func (c *Cache) Delete(_ context.Context, keys ...string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, key := range keys {
		delete(c.entries, key)
	}
	return nil
}

func (c *Cache) IncrWithTTL(_ context.Context, key string, ttl time.Duration) (int64, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	entry, ok := c.liveLocked(key)
	if !ok {
		entry = cacheEntry{value: "0", expiresAt: c.expiry(ttl)}
	}
	n, err := strconv.ParseInt(entry.value, 10, 64)
	if err != nil {
		return 0, err
	}
	n++
	entry.value = strconv.FormatInt(n, 10)
	c.entries[key] = entry
	return n, nil
}

func (c *Cache) SetNX(_ context.Context, key string, value string, ttl time.Duration) (bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.liveLocked(key); ok {
		return false, nil
	}
	c.entries[key] = cacheEntry{value: value, expiresAt: c.expiry(ttl)}
	return true, nil
}

func (c *Cache) liveLocked(key string) (cacheEntry, bool) {
	entry, ok := c.entries[key]
	if !ok {
		return cacheEntry{}, false
	}
	if !entry.expiresAt.IsZero() && !c.nowFn().Before(entry.expiresAt) {
		delete(c.entries, key)
		return cacheEntry{}, false
	}
	return entry, true
}

func (c *Cache) expiry(ttl time.Duration) time.Time {
	if ttl <= 0 {
		return time.Time{}
	}
	return c.nowFn().Add(ttl)
}
