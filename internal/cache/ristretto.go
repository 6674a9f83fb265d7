package cache

import (
	"encoding/json"

	"github.com/dgraph-io/ristretto"

	"changecache/internal/models"
)

// MemoryCache holds entity snapshots. A snapshot is only trustworthy until
// the entity changes after the snapshot's revision; callers check that
// against the change tracker.
type MemoryCache interface {
	Get(id string) (models.Entity, bool)
	Set(id string, entity models.Entity)
	Delete(id string)
	GetMultiple(ids []string) map[string]models.Entity
	Size() int
	Clear()
	Metrics() CacheMetrics
}

// CacheMetrics provides cache performance metrics
type CacheMetrics struct {
	Hits        uint64
	Misses      uint64
	KeysAdded   uint64
	KeysEvicted uint64
	CostAdded   uint64
	CostEvicted uint64
}

// RistrettoConfig holds Ristretto cache configuration
type RistrettoConfig struct {
	MaxCost     int64 // Maximum cost of cache (bytes)
	NumCounters int64 // Number of counters for TinyLFU admission policy
	BufferItems int64 // Buffer size for async operations
	Metrics     bool  // Enable metrics collection
}

// avgEntitySize is the assumed snapshot size when sizing by item count.
const avgEntitySize = int64(256)

// ristrettoCache implements MemoryCache using Ristretto
type ristrettoCache struct {
	cache  *ristretto.Cache
	config RistrettoConfig
}

// NewRistrettoCache creates a new Ristretto-based memory cache
func NewRistrettoCache(config RistrettoConfig) (MemoryCache, error) {
	cache, err := ristretto.NewCache(&ristretto.Config{
		MaxCost:     config.MaxCost,
		NumCounters: config.NumCounters,
		BufferItems: config.BufferItems,
		Metrics:     config.Metrics,
	})
	if err != nil {
		return nil, err
	}

	return &ristrettoCache{
		cache:  cache,
		config: config,
	}, nil
}

// NewMemoryCache sizes a Ristretto cache for roughly maxItems snapshots.
func NewMemoryCache(maxItems int) (MemoryCache, error) {
	if maxItems <= 0 {
		maxItems = 1
	}
	return NewRistrettoCache(RistrettoConfig{
		MaxCost:     int64(maxItems) * avgEntitySize,
		NumCounters: int64(maxItems * 10), // 10x for good admission policy
		BufferItems: 64,
		Metrics:     true,
	})
}

// Get retrieves a snapshot from the cache
func (c *ristrettoCache) Get(id string) (models.Entity, bool) {
	value, found := c.cache.Get(id)
	if !found {
		return models.Entity{}, false
	}

	entity, ok := value.(models.Entity)
	if !ok {
		// Handle corrupted cache entry
		c.cache.Del(id)
		return models.Entity{}, false
	}
	return entity, true
}

// Set stores a snapshot. Ristretto may still reject it at admission.
func (c *ristrettoCache) Set(id string, entity models.Entity) {
	c.cache.Set(id, entity, c.estimateCost(entity))

	// Wait for the set to leave Ristretto's buffers so a following Get sees it
	c.cache.Wait()
}

// Delete removes a snapshot from the cache
func (c *ristrettoCache) Delete(id string) {
	c.cache.Del(id)
	c.cache.Wait()
}

// GetMultiple retrieves the cached snapshots among ids
func (c *ristrettoCache) GetMultiple(ids []string) map[string]models.Entity {
	result := make(map[string]models.Entity)

	for _, id := range ids {
		if entity, found := c.Get(id); found {
			result[id] = entity
		}
	}

	return result
}

// Size returns the approximate number of items in the cache
// Note: Ristretto is eventually consistent, so this might not be exact
func (c *ristrettoCache) Size() int {
	if c.config.Metrics {
		metrics := c.cache.Metrics
		return int(metrics.KeysAdded() - metrics.KeysEvicted())
	}
	// Without metrics the size is unknown
	return 0
}

// Clear removes all items from the cache
func (c *ristrettoCache) Clear() {
	c.cache.Clear()
}

// Metrics returns cache performance metrics
func (c *ristrettoCache) Metrics() CacheMetrics {
	if !c.config.Metrics {
		return CacheMetrics{}
	}

	metrics := c.cache.Metrics
	return CacheMetrics{
		Hits:        metrics.Hits(),
		Misses:      metrics.Misses(),
		KeysAdded:   metrics.KeysAdded(),
		KeysEvicted: metrics.KeysEvicted(),
		CostAdded:   metrics.CostAdded(),
		CostEvicted: metrics.CostEvicted(),
	}
}

// estimateCost estimates the memory cost of a snapshot
func (c *ristrettoCache) estimateCost(entity models.Entity) int64 {
	data, err := json.Marshal(entity)
	if err != nil {
		return avgEntitySize
	}

	// Add some overhead for Go object structure
	return int64(len(data) + 100)
}
