package main

import (
	"sync"
	"time"
)

// CatalogCache provides thread-safe caching of the backend's
// installed-model catalog so /api/config/validate does not hit the
// backend on every call.
type CatalogCache struct {
	mu          sync.RWMutex
	models      []string
	lastUpdated time.Time
	ttl         time.Duration
}

// NewCatalogCache creates a catalog cache with the specified TTL.
func NewCatalogCache(ttl time.Duration) *CatalogCache {
	return &CatalogCache{ttl: ttl}
}

// Get retrieves the cached catalog if present and not expired.
func (c *CatalogCache) Get() ([]string, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	if len(c.models) == 0 {
		return nil, false
	}
	if time.Since(c.lastUpdated) > c.ttl {
		return nil, false
	}

	modelsCopy := make([]string, len(c.models))
	copy(modelsCopy, c.models)
	return modelsCopy, true
}

// Set replaces the cached catalog.
func (c *CatalogCache) Set(models []string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.models = make([]string, len(models))
	copy(c.models, models)
	c.lastUpdated = time.Now()
}

// Clear drops the cached catalog.
func (c *CatalogCache) Clear() {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.models = nil
	c.lastUpdated = time.Time{}
}

// IsExpired reports whether the cache needs a refetch.
func (c *CatalogCache) IsExpired() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()

	if len(c.models) == 0 {
		return true
	}
	return time.Since(c.lastUpdated) > c.ttl
}
