package repository

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/hashicorp/go-hclog"
	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/hashicorp/golang-lru/v2/expirable"
	"github.com/pbinitiative/zenrepo/pkg/repository/exporter"
	"github.com/pbinitiative/zenrepo/pkg/repository/runtime"
	zenotel "github.com/pbinitiative/zenrepo/pkg/otel"
	"go.opentelemetry.io/otel/metric"
)

const DefaultCacheSize = 1000

// lruCache is the subset of lru.Cache and expirable.LRU used by DefinitionCache.
type lruCache interface {
	Get(key string) (*runtime.CacheEntry, bool)
	Peek(key string) (*runtime.CacheEntry, bool)
	Add(key string, value *runtime.CacheEntry) bool
	Remove(key string) bool
	Len() int
	Purge()
}

type CacheStats struct {
	Hits      uint64 `json:"hits"`
	Misses    uint64 `json:"misses"`
	Evictions uint64 `json:"evictions"`
	Size      int    `json:"size"`
	Capacity  int    `json:"capacity"`
}

// DefinitionCache is a bounded map from definition id to a fully built cache entry.
// All methods are safe for concurrent use. Entries are stored as pointers and never modified,
// callers get the same entry until it is replaced or evicted.
type DefinitionCache struct {
	cache     lruCache
	capacity  int
	hits      atomic.Uint64
	misses    atomic.Uint64
	evictions atomic.Uint64

	metrics      *zenotel.RepositoryMetrics
	registration metric.Registration
	exporters    []exporter.EventExporter
	logger       hclog.Logger
}

// NewDefinitionCache creates a cache holding at most size entries. A positive ttl additionally expires
// entries after ttl, which starts one janitor goroutine owned by the expirable LRU.
func NewDefinitionCache(size int, ttl time.Duration, metrics *zenotel.RepositoryMetrics, logger hclog.Logger, exporters ...exporter.EventExporter) (*DefinitionCache, error) {
	if size <= 0 {
		return nil, fmt.Errorf("definition cache size must be positive, got %d", size)
	}
	if metrics == nil {
		metrics = zenotel.NoopMetrics()
	}
	if logger == nil {
		logger = hclog.NewNullLogger()
	}
	c := &DefinitionCache{
		capacity:  size,
		metrics:   metrics,
		exporters: exporters,
		logger:    logger,
	}
	if ttl > 0 {
		c.cache = expirable.NewLRU[string, *runtime.CacheEntry](size, c.onEvict, ttl)
	} else {
		cache, err := lru.NewWithEvict[string, *runtime.CacheEntry](size, c.onEvict)
		if err != nil {
			return nil, fmt.Errorf("failed to create definition cache: %w", err)
		}
		c.cache = cache
	}
	registration, err := metrics.ObserveCacheSize(c.Len)
	if err != nil {
		return nil, fmt.Errorf("failed to register cache size metric: %w", err)
	}
	c.registration = registration
	return c, nil
}

// onEvict is called for every entry that leaves the cache, whether by capacity pressure, expiry or explicit removal.
// The expirable LRU calls it with its lock held so it must not call back into the cache.
func (c *DefinitionCache) onEvict(id string, entry *runtime.CacheEntry) {
	c.evictions.Add(1)
	c.metrics.CacheEvictions.Add(context.Background(), 1)
	c.logger.Trace("definition left the cache", "definitionId", id)
	if entry == nil {
		return
	}
	for _, e := range c.exporters {
		e.DefinitionEvicted(&exporter.DefinitionEvent{
			Intent:       exporter.Evicted,
			DefinitionId: id,
			Key:          entry.Definition.Key,
			Version:      entry.Definition.Version,
			TenantId:     entry.Definition.TenantId,
			DeploymentId: entry.Definition.DeploymentId,
			ResourceName: entry.Definition.ResourceName,
			Kind:         entry.Definition.Kind,
		})
	}
}

// Get returns the cached entry and records a hit or a miss.
func (c *DefinitionCache) Get(id string) (*runtime.CacheEntry, bool) {
	entry, ok := c.cache.Get(id)
	if ok {
		c.hits.Add(1)
		c.metrics.CacheHits.Add(context.Background(), 1)
	} else {
		c.misses.Add(1)
		c.metrics.CacheMisses.Add(context.Background(), 1)
	}
	return entry, ok
}

// Peek returns the cached entry without touching statistics or recency.
func (c *DefinitionCache) Peek(id string) (*runtime.CacheEntry, bool) {
	return c.cache.Peek(id)
}

// Add puts the entry into the cache, replacing any entry with the same id.
func (c *DefinitionCache) Add(id string, entry *runtime.CacheEntry) {
	c.cache.Add(id, entry)
}

// Remove evicts the entry and reports whether it was cached.
func (c *DefinitionCache) Remove(id string) bool {
	return c.cache.Remove(id)
}

func (c *DefinitionCache) Len() int {
	return c.cache.Len()
}

func (c *DefinitionCache) Purge() {
	c.cache.Purge()
}

func (c *DefinitionCache) Stats() CacheStats {
	return CacheStats{
		Hits:      c.hits.Load(),
		Misses:    c.misses.Load(),
		Evictions: c.evictions.Load(),
		Size:      c.cache.Len(),
		Capacity:  c.capacity,
	}
}

// Close stops reporting the cache size metric.
func (c *DefinitionCache) Close() error {
	if c.registration == nil {
		return nil
	}
	return c.registration.Unregister()
}
