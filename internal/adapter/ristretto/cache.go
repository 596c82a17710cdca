// Package ristretto implements the cache port with an in-process
// dgraph-io/ristretto cache. Its main tenant is the per-thread latest state
// snapshot, written on every STATE_SNAPSHOT emission and read when a
// reconnecting client asks for a thread's state, so the warm path skips the
// event store rebuild entirely.
package ristretto

import (
	"context"
	"time"

	"github.com/dgraph-io/ristretto/v2"
)

// Snapshots are a few KB each; size admission counters for values around
// this order so one thread's snapshot does not evict another's needlessly.
const assumedEntryBytes = 1024

// Cache adapts a ristretto cache to the cache port. Cost is the value's
// byte length, so MaxCost bounds resident snapshot bytes, not entry count.
type Cache struct {
	inner *ristretto.Cache[string, []byte]
}

// New creates a cache holding at most maxCostBytes of values.
func New(maxCostBytes int64) (*Cache, error) {
	inner, err := ristretto.NewCache(&ristretto.Config[string, []byte]{
		NumCounters: maxCostBytes / assumedEntryBytes * 10,
		MaxCost:     maxCostBytes,
		BufferItems: 64,
	})
	if err != nil {
		return nil, err
	}
	return &Cache{inner: inner}, nil
}

// Get returns the cached value for key, reporting a miss without error.
func (c *Cache) Get(_ context.Context, key string) (data []byte, ok bool, err error) {
	val, found := c.inner.Get(key)
	if !found {
		return nil, false, nil
	}
	return val, true, nil
}

// Set stores value under key for at most ttl. Admission is best-effort; a
// rejected write reads as a miss later, which callers treat as cold.
func (c *Cache) Set(_ context.Context, key string, value []byte, ttl time.Duration) error {
	c.inner.SetWithTTL(key, value, int64(len(value)), ttl)
	return nil
}

// Delete evicts key.
func (c *Cache) Delete(_ context.Context, key string) error {
	c.inner.Del(key)
	return nil
}

// Close releases the cache's internal goroutines.
func (c *Cache) Close() {
	c.inner.Close()
}
