// Package cache provides the IP record cache and counters for Kestrel.
package cache

import (
	"container/list"
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/opensource-finance/kestrel/internal/domain"
	"github.com/opensource-finance/kestrel/internal/metrics"
)

// LRUCache is a thread-safe LRU cache with TTL support.
// Used on its own in the community tier and as L1 in two-phase caching.
type LRUCache struct {
	mu       sync.RWMutex
	maxSize  int
	items    map[string]*list.Element
	order    *list.List
	counters map[string]*counterEntry
}

type cacheEntry struct {
	key       string
	value     []byte
	expiresAt time.Time
}

type counterEntry struct {
	count     int64
	expiresAt time.Time
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
	}
}

// Get retrieves a value from cache.
func (c *LRUCache) Get(ctx context.Context, namespace string, key string) ([]byte, error) {
	if namespace == "" {
		return nil, fmt.Errorf("namespace is required")
	}

	fullKey := c.makeKey(namespace, key)

	c.mu.Lock()
	defer c.mu.Unlock()

	elem, ok := c.items[fullKey]
	if !ok {
		metrics.CacheLookups.WithLabelValues("memory", "miss").Inc()
		return nil, nil
	}

	entry := elem.Value.(*cacheEntry)
	if time.Now().After(entry.expiresAt) {
		c.removeElement(elem)
		metrics.CacheLookups.WithLabelValues("memory", "expired").Inc()
		return nil, nil
	}
	metrics.CacheLookups.WithLabelValues("memory", "hit").Inc()

	// Move to front (most recently used)
	c.order.MoveToFront(elem)
	return entry.value, nil
}

// Set stores a value in cache with TTL.
func (c *LRUCache) Set(ctx context.Context, namespace string, key string, value []byte, ttl time.Duration) error {
	if namespace == "" {
		return fmt.Errorf("namespace is required")
	}

	fullKey := c.makeKey(namespace, key)

	c.mu.Lock()
	defer c.mu.Unlock()

	// Update existing entry
	if elem, ok := c.items[fullKey]; ok {
		c.order.MoveToFront(elem)
		entry := elem.Value.(*cacheEntry)
		entry.value = value
		entry.expiresAt = time.Now().Add(ttl)
		return nil
	}

	// Add new entry
	entry := &cacheEntry{
		key:       fullKey,
		value:     value,
		expiresAt: time.Now().Add(ttl),
	}
	elem := c.order.PushFront(entry)
	c.items[fullKey] = elem

	// Evict if over capacity
	for c.order.Len() > c.maxSize {
		c.removeOldest()
	}

	return nil
}

// Delete removes a value from cache.
func (c *LRUCache) Delete(ctx context.Context, namespace string, key string) error {
	if namespace == "" {
		return fmt.Errorf("namespace is required")
	}

	fullKey := c.makeKey(namespace, key)

	c.mu.Lock()
	defer c.mu.Unlock()

	if elem, ok := c.items[fullKey]; ok {
		c.removeElement(elem)
	}
	return nil
}

// GetIPRecord retrieves a cached IP list record.
func (c *LRUCache) GetIPRecord(ctx context.Context, list domain.IPList, ip string) (*domain.IPRecord, error) {
	return decodeIPRecord(c.Get(ctx, domain.IPListNamespace, ipKey(list, ip)))
}

// SetIPRecord caches an IP list record.
func (c *LRUCache) SetIPRecord(ctx context.Context, list domain.IPList, rec *domain.IPRecord, ttl time.Duration) error {
	data, err := json.Marshal(rec)
	if err != nil {
		return err
	}
	return c.Set(ctx, domain.IPListNamespace, ipKey(list, rec.IP), data, ttl)
}

// IncrementCounter atomically increments a counter.
func (c *LRUCache) IncrementCounter(ctx context.Context, namespace string, key string, window time.Duration) (int64, error) {
	if namespace == "" {
		return 0, fmt.Errorf("namespace is required")
	}

	fullKey := c.makeKey(namespace, "counter:"+key)

	c.mu.Lock()
	defer c.mu.Unlock()

	now := time.Now()
	entry, ok := c.counters[fullKey]

	if !ok || now.After(entry.expiresAt) {
		// Seen counters are keyed per IP, so the map is bounded like items.
		if !ok && len(c.counters) >= c.maxSize {
			c.pruneCounters(now)
		}
		c.counters[fullKey] = &counterEntry{
			count:     1,
			expiresAt: now.Add(window),
		}
		return 1, nil
	}

	entry.count++
	return entry.count, nil
}

// pruneCounters drops expired windows, then the soonest to expire until
// there is room for one more. Caller holds c.mu.
func (c *LRUCache) pruneCounters(now time.Time) {
	var soonestKey string
	var soonest time.Time
	for k, e := range c.counters {
		if now.After(e.expiresAt) {
			delete(c.counters, k)
			continue
		}
		if soonestKey == "" || e.expiresAt.Before(soonest) {
			soonestKey, soonest = k, e.expiresAt
		}
	}
	if len(c.counters) >= c.maxSize && soonestKey != "" {
		delete(c.counters, soonestKey)
	}
}

// CounterCount returns how many counter windows are tracked.
func (c *LRUCache) CounterCount() int {
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

func (c *LRUCache) makeKey(namespace, key string) string {
	return namespace + ":" + key
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
