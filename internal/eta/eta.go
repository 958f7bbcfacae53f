package eta

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/example/ride-dispatch/internal/geo"
	"github.com/example/ride-dispatch/internal/models"
)

// Client is the interface used by the matcher to get ETAs.
type Client interface {
	EstimateSeconds(ctx context.Context, from, to models.Coord) (float64, error)
}

// defaultCacheEntries bounds the cache; one offer round adds one entry per
// eligible driver.
const defaultCacheEntries = 10000

// Cache memoizes pickup ETAs keyed by rounded origin and destination.
type Cache struct {
	mu         sync.Mutex
	store      map[string]cacheEntry
	ttl        time.Duration
	maxEntries int
	now        func() time.Time
}

type cacheEntry struct {
	v       float64
	expires time.Time
}

func NewCache(ttl time.Duration) *Cache {
	return &Cache{store: make(map[string]cacheEntry), ttl: ttl, maxEntries: defaultCacheEntries, now: time.Now}
}

func keyFor(a, b models.Coord) string {
	return fmtCoord(a) + "->" + fmtCoord(b)
}

// ~11m buckets so a driver creeping forward still hits the cache
func fmtCoord(c models.Coord) string {
	return fmt.Sprintf("%.4f,%.4f", c.Lat, c.Lng)
}

func (c *Cache) Get(a, b models.Coord) (float64, bool) {
	k := keyFor(a, b)
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.store[k]
	if !ok {
		return 0, false
	}
	if c.now().After(e.expires) {
		delete(c.store, k)
		return 0, false
	}
	return e.v, true
}

// Set stores v. A full cache first drops expired entries and, if still
// full, skips the write.
func (c *Cache) Set(a, b models.Coord, v float64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	now := c.now()
	if len(c.store) >= c.maxEntries {
		for k, e := range c.store {
			if now.After(e.expires) {
				delete(c.store, k)
			}
		}
		if len(c.store) >= c.maxEntries {
			return
		}
	}
	c.store[keyFor(a, b)] = cacheEntry{v: v, expires: now.Add(c.ttl)}
}

func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.store)
}

// EstimateSeconds is the naive straight-line ETA: distance / speed.
func EstimateSeconds(from, to models.Coord, speedMps float64) float64 {
	if speedMps <= 0 {
		speedMps = 8.0 // ~28.8 km/h default city speed
	}
	return geo.Distance(from, to) / speedMps
}

// Estimator picks the best available ETA source: cache, then routing
// engine, then the straight-line fallback.
type Estimator struct {
	Client          Client // optional OSRM client
	Cache           *Cache // optional
	DefaultSpeedMps float64
}

func (e *Estimator) Estimate(ctx context.Context, from, to models.Coord) float64 {
	if e.Cache != nil {
		if v, ok := e.Cache.Get(from, to); ok {
			return v
		}
	}
	if e.Client != nil {
		if v, err := e.Client.EstimateSeconds(ctx, from, to); err == nil {
			if e.Cache != nil {
				e.Cache.Set(from, to, v)
			}
			return v
		}
	}
	return EstimateSeconds(from, to, e.DefaultSpeedMps)
}
