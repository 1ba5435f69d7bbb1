package assets

import (
	"context"
	"sync"
)

// MemoryCache is a process-local asset cache used when redis is not
// configured. Entries live until invalidated or the process restarts.
type MemoryCache struct {
	mu     sync.RWMutex
	assets map[string]Asset
}

func NewMemoryCache() *MemoryCache {
	return &MemoryCache{assets: make(map[string]Asset)}
}

func (c *MemoryCache) Get(_ context.Context, key string) (*Asset, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	asset, ok := c.assets[key]
	if !ok {
		return nil, false
	}
	return &asset, true
}

func (c *MemoryCache) Put(_ context.Context, key string, asset Asset) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.assets[key] = asset
	return nil
}

func (c *MemoryCache) Invalidate(_ context.Context, key string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.assets, key)
	return nil
}
