// Package cache provides tenant-scoped caching implementations for Kestrel.
package cache

import (
	"container/list"
	"context"
	"fmt"
	"sync"
	"time"
)

// LRUCache is a thread-safe LRU cache with TTL support.
// Used as the Community tier cache and as L1 in two-phase caching.
type LRUCache struct {
	mu       sync.RWMutex
	maxSize  int
	items    map[string]*list.Element
	order    *list.List
	counters map[string]*counterEntry
	swept    time.Time

	now func() time.Time
}

// counterSweepInterval is how often IncrementCounter drops counters whose
// window has fully elapsed.
const counterSweepInterval = time.Minute

type cacheEntry struct {
	key       string
	value     []byte
	expiresAt time.Time
}

// counterEntry holds event timestamps for a sliding window, oldest first.
type counterEntry struct {
	hits   []time.Time
	window time.Duration
}

// NewLRUCache creates a new LRU cache with the specified max size.
func NewLRUCache(maxSize int) *LRUCache {
	if maxSize <= 0 {
		maxSize = 10000
	}
	return &LRUCache{
		maxSize:  maxSize,
		items:    make(map[string]*list.Element),
		order:    list.New(),
		counters: make(map[string]*counterEntry),
		now:      time.Now,
	}
}

// Get retrieves a value from cache. Returns nil, nil on a miss.
func (c *LRUCache) Get(ctx context.Context, tenantID string, key string) ([]byte, error) {
	if tenantID == "" {
		return nil, fmt.Errorf("tenantID is required")
	}

	fullKey := makeKey(tenantID, key)

	c.mu.Lock()
	defer c.mu.Unlock()

	elem, ok := c.items[fullKey]
	if !ok {
		return nil, nil
	}

	entry := elem.Value.(*cacheEntry)
	if c.now().After(entry.expiresAt) {
		c.removeElement(elem)
		return nil, nil
	}

	c.order.MoveToFront(elem)
	return entry.value, nil
}

// Set stores a value in cache with TTL.
func (c *LRUCache) Set(ctx context.Context, tenantID string, key string, value []byte, ttl time.Duration) error {
	if tenantID == "" {
		return fmt.Errorf("tenantID is required")
	}

	fullKey := makeKey(tenantID, key)

	c.mu.Lock()
	defer c.mu.Unlock()

	expiresAt := c.now().Add(ttl)
	if elem, ok := c.items[fullKey]; ok {
		c.order.MoveToFront(elem)
		entry := elem.Value.(*cacheEntry)
		entry.value = value
		entry.expiresAt = expiresAt
		return nil
	}

	elem := c.order.PushFront(&cacheEntry{
		key:       fullKey,
		value:     value,
		expiresAt: expiresAt,
	})
	c.items[fullKey] = elem

	for c.order.Len() > c.maxSize {
		c.removeOldest()
	}

	return nil
}

// Delete removes a value from cache.
func (c *LRUCache) Delete(ctx context.Context, tenantID string, key string) error {
	if tenantID == "" {
		return fmt.Errorf("tenantID is required")
	}

	fullKey := makeKey(tenantID, key)

	c.mu.Lock()
	defer c.mu.Unlock()

	if elem, ok := c.items[fullKey]; ok {
		c.removeElement(elem)
	}
	return nil
}

// IncrementCounter records one event and returns the number of events seen
// in the trailing window, including this one.
func (c *LRUCache) IncrementCounter(ctx context.Context, tenantID string, key string, window time.Duration) (int64, error) {
	if tenantID == "" {
		return 0, fmt.Errorf("tenantID is required")
	}
	if window <= 0 {
		return 0, fmt.Errorf("window must be positive")
	}

	fullKey := makeKey(tenantID, "counter:"+key)

	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.now()
	cutoff := now.Add(-window)
	c.sweepCounters(now)

	entry, ok := c.counters[fullKey]
	if !ok {
		entry = &counterEntry{}
		c.counters[fullKey] = entry
	}
	entry.window = window

	// Drop events that fell out of the window
	i := 0
	for i < len(entry.hits) && !entry.hits[i].After(cutoff) {
		i++
	}
	entry.hits = append(entry.hits[i:], now)

	return int64(len(entry.hits)), nil
}

// sweepCounters deletes counters whose newest event is outside their window.
// Caller holds c.mu.
func (c *LRUCache) sweepCounters(now time.Time) {
	if now.Sub(c.swept) < counterSweepInterval {
		return
	}
	c.swept = now
	for key, entry := range c.counters {
		if len(entry.hits) == 0 || !entry.hits[len(entry.hits)-1].After(now.Add(-entry.window)) {
			delete(c.counters, key)
		}
	}
}

// CounterKeys returns the number of live counter keys.
func (c *LRUCache) CounterKeys() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.counters)
}

// Ping checks cache health.
func (c *LRUCache) Ping(ctx context.Context) error {
	return nil
}

// Close cleans up the cache.
func (c *LRUCache) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.items = make(map[string]*list.Element)
	c.order = list.New()
	c.counters = make(map[string]*counterEntry)
	return nil
}

// Stats returns cache statistics.
func (c *LRUCache) Stats() (size int, capacity int) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.order.Len(), c.maxSize
}

func makeKey(tenantID, key string) string {
	return tenantID + ":" + key
}

func (c *LRUCache) removeElement(elem *list.Element) {
	c.order.Remove(elem)
	entry := elem.Value.(*cacheEntry)
	delete(c.items, entry.key)
}

func (c *LRUCache) removeOldest() {
	elem := c.order.Back()
	if elem != nil {
		c.removeElement(elem)
	}
}
