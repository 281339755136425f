package cache

import (
	"context"
	"sync"
	"time"

	"deploy-go/internal/deploy"
)

type memoryEntry struct {
	value   []byte
	expires time.Time // zero means no expiry
}

// sweepInterval bounds how often Set scans for expired entries. Keys from
// an older change stamp are never read again and only leave this way.
const sweepInterval = time.Minute

// MemoryCache keeps descriptors in process. It is the default for a single
// server; expired entries are dropped on read and by a periodic sweep.
type MemoryCache struct {
	mu        sync.Mutex
	entries   map[string]memoryEntry
	clock     deploy.Clock
	nextSweep time.Time
}

var _ deploy.DescriptorCache = (*MemoryCache)(nil)

func NewMemoryCache(clock deploy.Clock) *MemoryCache {
	return &MemoryCache{entries: make(map[string]memoryEntry), clock: clock}
}

func (c *MemoryCache) Get(_ context.Context, key string) ([]byte, bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.entries[key]
	if !ok {
		return nil, false, nil
	}
	if !e.expires.IsZero() && !c.clock.Now().Before(e.expires) {
		delete(c.entries, key)
		return nil, false, nil
	}
	return e.value, true, nil
}

func (c *MemoryCache) Set(_ context.Context, key string, value []byte, ttl time.Duration) error {
	now := c.clock.Now()
	e := memoryEntry{value: append([]byte(nil), value...)}
	if ttl > 0 {
		e.expires = now.Add(ttl)
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if !now.Before(c.nextSweep) {
		for k, old := range c.entries {
			if !old.expires.IsZero() && !now.Before(old.expires) {
				delete(c.entries, k)
			}
		}
		c.nextSweep = now.Add(sweepInterval)
	}
	c.entries[key] = e
	return nil
}

func (c *MemoryCache) Invalidate(context.Context) error {
	c.mu.Lock()
	clear(c.entries)
	c.mu.Unlock()
	return nil
}

// Len returns the number of entries, expired or not.
func (c *MemoryCache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}
