// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0

// Package cache provides small TTL caches (in-memory or Redis) used to remember
// objects already confirmed present in storage.
package cache

import (
	"sync"
	"sync/atomic"
	"time"
)

// Backend kinds.
const (
	KindNone   = "none"
	KindMemory = "memory"
	KindRedis  = "redis"
)

// Cache provides thread-safe caching with expiration support.
type Cache interface {
	// Get retrieves a value from the cache. Returns nil if not found or expired.
	Get(key string) (any, bool)
	// Set stores a value in the cache with the specified TTL.
	Set(key string, value any, ttl time.Duration)
	// Delete removes a value from the cache.
	Delete(key string)
	// Stats returns cache statistics.
	Stats() CacheStats
	// Kind names the backend (memory, redis, none).
	Kind() string
	// Close releases background resources.
	Close() error
}

// CacheStats holds cache performance metrics.
type CacheStats struct {
	Hits        int64 // Number of successful Get operations
	Misses      int64 // Number of failed Get operations (not found or expired)
	Sets        int64 // Number of Set operations
	Evictions   int64 // Number of expired entries cleaned up
	CurrentSize int   // Current number of cached entries
}

type entry struct {
	value      any
	expiration time.Time
}

func (e *entry) isExpired(now time.Time) bool {
	return now.After(e.expiration)
}

type counters struct {
	hits      atomic.Int64
	misses    atomic.Int64
	sets      atomic.Int64
	evictions atomic.Int64
}

// memoryCache is an in-memory implementation of Cache.
type memoryCache struct {
	mu      sync.RWMutex
	entries map[string]*entry
	stats   counters
	stop    chan struct{}
	once    sync.Once
}

// NewMemoryCache creates a new in-memory cache.
// A positive cleanupInterval starts a janitor that removes expired entries.
func NewMemoryCache(cleanupInterval time.Duration) Cache {
	c := &memoryCache{
		entries: make(map[string]*entry),
		stop:    make(chan struct{}),
	}
	if cleanupInterval > 0 {
		go c.janitor(cleanupInterval)
	}
	return c
}

func (c *memoryCache) Get(key string) (any, bool) {
	c.mu.RLock()
	e, found := c.entries[key]
	c.mu.RUnlock()

	if !found || e.isExpired(time.Now()) {
		c.stats.misses.Add(1)
		return nil, false
	}
	c.stats.hits.Add(1)
	return e.value, true
}

func (c *memoryCache) Set(key string, value any, ttl time.Duration) {
	c.mu.Lock()
	c.entries[key] = &entry{value: value, expiration: time.Now().Add(ttl)}
	c.mu.Unlock()
	c.stats.sets.Add(1)
}

func (c *memoryCache) Delete(key string) {
	c.mu.Lock()
	delete(c.entries, key)
	c.mu.Unlock()
}

func (c *memoryCache) Stats() CacheStats {
	c.mu.RLock()
	size := len(c.entries)
	c.mu.RUnlock()

	return CacheStats{
		Hits:        c.stats.hits.Load(),
		Misses:      c.stats.misses.Load(),
		Sets:        c.stats.sets.Load(),
		Evictions:   c.stats.evictions.Load(),
		CurrentSize: size,
	}
}

func (c *memoryCache) Kind() string { return KindMemory }

// Close stops the janitor. It is safe to call more than once.
func (c *memoryCache) Close() error {
	c.once.Do(func() { close(c.stop) })
	return nil
}

// deleteExpired removes all expired entries and returns how many were removed.
func (c *memoryCache) deleteExpired() int {
	now := time.Now()
	c.mu.Lock()
	defer c.mu.Unlock()

	count := 0
	for key, e := range c.entries {
		if e.isExpired(now) {
			delete(c.entries, key)
			count++
		}
	}
	c.stats.evictions.Add(int64(count))
	return count
}

func (c *memoryCache) janitor(interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			c.deleteExpired()
		case <-c.stop:
			return
		}
	}
}

// noOpCache caches nothing; used when the existence cache is disabled.
type noOpCache struct{}

// NewNoOpCache creates a cache that doesn't cache anything.
func NewNoOpCache() Cache {
	return noOpCache{}
}

func (noOpCache) Get(string) (any, bool)         { return nil, false }
func (noOpCache) Set(string, any, time.Duration) {}
func (noOpCache) Delete(string)                  {}
func (noOpCache) Stats() CacheStats              { return CacheStats{} }
func (noOpCache) Kind() string                   { return KindNone }
func (noOpCache) Close() error                   { return nil }
