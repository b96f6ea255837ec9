package eta

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/example/carpool/internal/geo"
	"github.com/example/carpool/internal/models"
)

// Client returns a driving duration between two points.
type Client interface {
	EstimateSeconds(ctx context.Context, from, to models.Coord) (float64, error)
}

// Cache is a tiny in-memory cache for duration lookups keyed by coords.
type Cache struct {
	mu    sync.RWMutex
	store map[string]cacheEntry
	ttl   time.Duration
}

type cacheEntry struct {
	v  float64
	ts time.Time
}

func NewCache(ttl time.Duration) *Cache {
	return &Cache{store: make(map[string]cacheEntry), ttl: ttl}
}

func keyFor(a, b models.Coord) string {
	return fmtCoord(a) + "->" + fmtCoord(b)
}

func fmtCoord(c models.Coord) string {
	return fmt.Sprintf("%.5f,%.5f", c.Lat, c.Lon)
}

// Get returns cached value and true if present and not expired.
func (c *Cache) Get(a, b models.Coord) (float64, bool) {
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

func (c *Cache) Set(a, b models.Coord, v float64) {
	k := keyFor(a, b)
	c.mu.Lock()
	c.store[k] = cacheEntry{v: v, ts: time.Now()}
	c.mu.Unlock()
}

// DefaultSpeedMps is roughly 50 km/h, a mixed city/road average.
const DefaultSpeedMps = 14.0

// EstimateSeconds is the straight-line fallback: distance / speed.
func EstimateSeconds(from, to models.Coord, speedMps float64) float64 {
	if speedMps <= 0 {
		speedMps = DefaultSpeedMps
	}
	return geo.Haversine(from.Lat, from.Lon, to.Lat, to.Lon) / speedMps
}

// Estimator fills estimated_duration_s for new rides. Routing is optional;
// without it, or when it fails, the haversine estimate is used.
type Estimator struct {
	Routing  Client
	Cache    *Cache
	SpeedMps float64
	Logger   *slog.Logger
}

func (e *Estimator) TripSeconds(ctx context.Context, from, to models.Coord) float64 {
	if e.Cache != nil {
		if v, ok := e.Cache.Get(from, to); ok {
			return v
		}
	}
	if e.Routing != nil {
		v, err := e.Routing.EstimateSeconds(ctx, from, to)
		if err == nil {
			if e.Cache != nil {
				e.Cache.Set(from, to, v)
			}
			return v
		}
		if e.Logger != nil {
			e.Logger.Warn("routing estimate failed, using straight line", "err", err)
		}
	}
	return EstimateSeconds(from, to, e.SpeedMps)
}
