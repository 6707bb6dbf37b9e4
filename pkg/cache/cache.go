package cache

import (
	"fmt"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"
)

// ResponseCache memoizes upstream results for a short TTL to bound load
// on the metrics store and inference service. Key cardinality is low
// (scope x hour bucket x operation), so eviction is lazy on lookup and
// no background sweeper runs.
//
// Concurrent callers asking for the same missing key share a single
// in-flight computation; the second caller waits for the first result
// instead of issuing a duplicate upstream call.
type ResponseCache struct {
	data  map[string]*cacheEntry
	mutex sync.RWMutex
	group singleflight.Group
}

type cacheEntry struct {
	value     interface{}
	expiresAt time.Time
}

func New() *ResponseCache {
	return &ResponseCache{
		data: make(map[string]*cacheEntry),
	}
}

// GetOrCompute returns the cached value for key, or runs compute once and
// caches its result for ttl. Values should be self-contained copies; the
// cache hands the same value to every caller.
func (c *ResponseCache) GetOrCompute(key string, ttl time.Duration, compute func() (interface{}, error)) (interface{}, error) {
	if v, ok := c.get(key); ok {
		return v, nil
	}

	v, err, _ := c.group.Do(key, func() (interface{}, error) {
		// A concurrent caller may have populated the entry while this
		// caller was waiting on the flight group.
		if v, ok := c.get(key); ok {
			return v, nil
		}
		v, err := compute()
		if err != nil {
			return nil, err
		}
		c.set(key, v, ttl)
		return v, nil
	})
	return v, err
}

func (c *ResponseCache) get(key string) (interface{}, bool) {
	c.mutex.RLock()
	entry, exists := c.data[key]
	c.mutex.RUnlock()

	if !exists {
		return nil, false
	}
	if time.Now().After(entry.expiresAt) {
		c.mutex.Lock()
		// Re-check under the write lock; another caller may have
		// refreshed the entry already.
		if cur, ok := c.data[key]; ok && time.Now().After(cur.expiresAt) {
			delete(c.data, key)
		}
		c.mutex.Unlock()
		return nil, false
	}
	return entry.value, true
}

func (c *ResponseCache) set(key string, value interface{}, ttl time.Duration) {
	c.mutex.Lock()
	defer c.mutex.Unlock()

	c.data[key] = &cacheEntry{
		value:     value,
		expiresAt: time.Now().Add(ttl),
	}
}

// Clear drops every entry. Used by tests and the shutdown path.
func (c *ResponseCache) Clear() {
	c.mutex.Lock()
	defer c.mutex.Unlock()

	c.data = make(map[string]*cacheEntry)
}

// Len reports the number of entries, expired or not.
func (c *ResponseCache) Len() int {
	c.mutex.RLock()
	defer c.mutex.RUnlock()

	return len(c.data)
}

// Key builds a deterministic composite key from an operation name, a
// canonical scope key, a metric kind, and an hour-granularity time
// bucket.
func Key(op, scopeKey, metric string, at time.Time) string {
	bucket := at.UTC().Truncate(time.Hour).Format("2006-01-02T15")
	return strings.Join([]string{op, scopeKey, metric, bucket}, "|")
}

// KeyWithParams appends extra request parameters to a base key so
// requests differing only in, say, target hour do not collide.
func KeyWithParams(base string, params ...interface{}) string {
	parts := make([]string, 0, len(params)+1)
	parts = append(parts, base)
	for _, p := range params {
		parts = append(parts, fmt.Sprintf("%v", p))
	}
	return strings.Join(parts, "|")
}
