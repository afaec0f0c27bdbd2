package health

import (
	"sync"

	"github.com/kmirotor/rotor/pkg/usage"
)

// Cache is the in-memory map from key label to the latest scored health
// snapshot. Only the Refresher writes it; the request pipeline takes
// read-only snapshots.
type Cache struct {
	mu      sync.RWMutex
	entries map[string]usage.HealthInfo
}

// NewCache returns an empty cache.
func NewCache() *Cache {
	return &Cache{entries: make(map[string]usage.HealthInfo)}
}

// Get returns the entry for label, if any.
func (c *Cache) Get(label string) (usage.HealthInfo, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	info, ok := c.entries[label]
	return info, ok
}

// Snapshot returns a copy of all entries. An empty cache yields nil so that
// callers can distinguish "no usage data at all" from partial coverage.
func (c *Cache) Snapshot() map[string]usage.HealthInfo {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if len(c.entries) == 0 {
		return nil
	}
	snapshot := make(map[string]usage.HealthInfo, len(c.entries))
	for label, info := range c.entries {
		snapshot[label] = info
	}
	return snapshot
}

// Len returns the number of cached entries.
func (c *Cache) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.entries)
}

func (c *Cache) set(label string, info usage.HealthInfo) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries[label] = info
}
