package eta

import (
	"context"
	"fmt"
	"math"
	"sync"
	"time"

	"github.com/example/ride-dispatch/internal/geo"
	"github.com/example/ride-dispatch/internal/models"
)

// Estimator returns a pickup ETA in whole minutes.
type Estimator interface {
	EstimateMinutes(ctx context.Context, from, to models.Coord) (int, error)
}

// Heuristic is the default estimator: ceil(distanceKm * 2) minutes.
type Heuristic struct{}

func (Heuristic) EstimateMinutes(_ context.Context, from, to models.Coord) (int, error) {
	return geo.ETAMinutes(geo.DistanceKm(from, to)), nil
}

// Cache is a tiny in-memory cache for ETA lookups keyed by coords.
type Cache struct {
	mu    sync.RWMutex
	store map[string]cacheEntry
	ttl   time.Duration
}

type cacheEntry struct {
	v  int
	ts time.Time
}

// NewCache creates a cache with the provided TTL.
func NewCache(ttl time.Duration) *Cache {
	return &Cache{store: make(map[string]cacheEntry), ttl: ttl}
}

func keyFor(a, b models.Coord) string {
	return fmtCoord(a) + "->" + fmtCoord(b)
}

// ~11m resolution so a driver creeping forward still hits the cache
func fmtCoord(c models.Coord) string {
	return fmt.Sprintf("%.4f,%.4f", c.Lat, c.Lng)
}

// Get returns cached value and true if present and not expired.
func (c *Cache) Get(a, b models.Coord) (int, bool) {
	k := keyFor(a, b)
	c.mu.RLock()
	e, ok := c.store[k]
	c.mu.RUnlock()
	if !ok {
		return 0, false
	}
	if time.Since(e.ts) > c.ttl {
		c.mu.Lock()
		delete(c.store, k)
		c.mu.Unlock()
		return 0, false
	}
	return e.v, true
}

// Set stores a value in the cache.
func (c *Cache) Set(a, b models.Coord, v int) {
	k := keyFor(a, b)
	c.mu.Lock()
	c.store[k] = cacheEntry{v: v, ts: time.Now()}
	c.mu.Unlock()
}

// Fallback asks Primary first (through the cache when set) and answers
// with the heuristic when Primary fails.
type Fallback struct {
	Primary Estimator
	Cache   *Cache
}

func (f *Fallback) EstimateMinutes(ctx context.Context, from, to models.Coord) (int, error) {
	if f.Cache != nil {
		if v, ok := f.Cache.Get(from, to); ok {
			return v, nil
		}
	}
	if f.Primary != nil {
		if v, err := f.Primary.EstimateMinutes(ctx, from, to); err == nil {
			if f.Cache != nil {
				f.Cache.Set(from, to, v)
			}
			return v, nil
		}
	}
	return Heuristic{}.EstimateMinutes(ctx, from, to)
}

func secondsToMinutes(s float64) int {
	return int(math.Ceil(s / 60))
}
