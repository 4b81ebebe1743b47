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

// Estimate is a trip distance and duration between two points.
type Estimate struct {
	DistanceKm float64
	Duration   time.Duration
}

// Minutes rounds the duration up to whole minutes.
func (e Estimate) Minutes() int {
	return int(math.Ceil(e.Duration.Minutes()))
}

// Estimator is consumed by the dispatch engine when a ride is created.
type Estimator interface {
	Estimate(ctx context.Context, from, to models.Coord) (Estimate, error)
}

// Naive estimates straight-line distance at a constant speed.
type Naive struct {
	SpeedMps float64
}

func (n Naive) Estimate(_ context.Context, from, to models.Coord) (Estimate, error) {
	speed := n.SpeedMps
	if speed <= 0 {
		speed = 8.0 // ~28.8 km/h city speed
	}
	km := geo.Haversine(from.Lat, from.Lon, to.Lat, to.Lon)
	secs := km * 1000 / speed
	return Estimate{DistanceKm: km, Duration: time.Duration(secs * float64(time.Second))}, nil
}

// Cache is a small in-memory TTL cache keyed by coordinate pair.
type Cache struct {
	mu    sync.RWMutex
	store map[string]cacheEntry
	ttl   time.Duration
	now   func() time.Time
}

type cacheEntry struct {
	v  Estimate
	ts time.Time
}

func NewCache(ttl time.Duration) *Cache {
	return &Cache{store: make(map[string]cacheEntry), ttl: ttl, now: time.Now}
}

func keyFor(a, b models.Coord) string {
	return fmtCoord(a) + "->" + fmtCoord(b)
}

func fmtCoord(c models.Coord) string {
	return fmt.Sprintf("%.5f,%.5f", c.Lat, c.Lon)
}

// Get returns the cached estimate if present and not expired.
func (c *Cache) Get(a, b models.Coord) (Estimate, bool) {
	k := keyFor(a, b)
	c.mu.RLock()
	e, ok := c.store[k]
	c.mu.RUnlock()
	if !ok {
		return Estimate{}, false
	}
	if c.now().Sub(e.ts) > c.ttl {
		c.mu.Lock()
		delete(c.store, k)
		c.mu.Unlock()
		return Estimate{}, false
	}
	return e.v, true
}

func (c *Cache) Set(a, b models.Coord, v Estimate) {
	k := keyFor(a, b)
	c.mu.Lock()
	c.store[k] = cacheEntry{v: v, ts: c.now()}
	c.mu.Unlock()
}

// Cached fronts a primary estimator with a cache and falls back to another
// estimator when the primary fails.
type Cached struct {
	Primary  Estimator
	Fallback Estimator
	Cache    *Cache
}

func (c *Cached) Estimate(ctx context.Context, from, to models.Coord) (Estimate, error) {
	if c.Cache != nil {
		if v, ok := c.Cache.Get(from, to); ok {
			return v, nil
		}
	}
	v, err := c.Primary.Estimate(ctx, from, to)
	if err != nil {
		if c.Fallback == nil {
			return Estimate{}, err
		}
		// fallback results are not cached so the primary is retried next time
		return c.Fallback.Estimate(ctx, from, to)
	}
	if c.Cache != nil {
		c.Cache.Set(from, to, v)
	}
	return v, nil
}
