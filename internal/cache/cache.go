// Package cache provides the session-scoped tool result cache.
package cache

import (
	"sync/atomic"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"

	"github.com/vinayprograms/agentcore/internal/tool"
)

// Default limits.
const (
	DefaultTTL        = 5 * time.Minute
	DefaultMaxEntries = 256
)

// Stats are cumulative counters for one cache.
type Stats struct {
	Hits      int
	Misses    int
	Evictions int
	// Expirations counts entries dropped because their TTL elapsed.
	Expirations int
}

// Cache is a TTL-bounded LRU of successful tool results.
type Cache struct {
	lru *expirable.LRU[string, tool.Result]

	hits      atomic.Int64
	misses    atomic.Int64
	evictions atomic.Int64
	// removed counts every entry handed to the eviction callback; dropped
	// counts the ones removed by Delete or Purge.
	removed atomic.Int64
	dropped atomic.Int64
}

// New creates a cache. Non-positive arguments fall back to the defaults.
func New(ttl time.Duration, maxEntries int) *Cache {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	if maxEntries <= 0 {
		maxEntries = DefaultMaxEntries
	}
	c := &Cache{}
	// The callback runs under the LRU's own lock, so it only touches atomics.
	c.lru = expirable.NewLRU[string, tool.Result](maxEntries, func(string, tool.Result) {
		c.removed.Add(1)
	}, ttl)
	return c
}

// Get returns the live result stored under key and marks it recently used.
func (c *Cache) Get(key string) (tool.Result, bool) {
	res, ok := c.lru.Get(key)
	if !ok {
		c.misses.Add(1)
		lookups.WithLabelValues("miss").Inc()
		return tool.Result{}, false
	}
	c.hits.Add(1)
	lookups.WithLabelValues("hit").Inc()
	return res, true
}

// Put stores a successful result. Failed results are ignored and Put
// reports false.
func (c *Cache) Put(key string, result tool.Result) bool {
	if !result.Success {
		return false
	}
	if c.lru.Add(key, result) {
		c.evictions.Add(1)
		evictions.Inc()
	}
	entries.Set(float64(c.lru.Len()))
	return true
}

// Delete removes key if present.
func (c *Cache) Delete(key string) {
	if c.lru.Remove(key) {
		c.dropped.Add(1)
	}
	entries.Set(float64(c.lru.Len()))
}

// Purge drops every entry and returns how many were removed.
func (c *Cache) Purge() int {
	n := c.lru.Len()
	c.dropped.Add(int64(n))
	c.lru.Purge()
	entries.Set(0)
	return n
}

// Len returns the number of stored entries. Expired entries count until the
// background sweep removes them.
func (c *Cache) Len() int {
	return c.lru.Len()
}

// Stats returns a snapshot of the counters.
func (c *Cache) Stats() Stats {
	evicted := c.evictions.Load()
	expired := c.removed.Load() - evicted - c.dropped.Load()
	if expired < 0 {
		expired = 0
	}
	return Stats{
		Hits:        int(c.hits.Load()),
		Misses:      int(c.misses.Load()),
		Evictions:   int(evicted),
		Expirations: int(expired),
	}
}
