package storage

import (
	"context"
	"log/slog"
	"time"

	"github.com/example/carpool/internal/cache"
	"github.com/example/carpool/internal/models"
)

// CachedStore reads rides through a cache and invalidates the ride and its
// driver's list on every ride mutation. Everything else passes through.
type CachedStore struct {
	Store
	cache  cache.Cache
	ttl    time.Duration
	logger *slog.Logger
}

func NewCachedStore(s Store, c cache.Cache, ttl time.Duration, logger *slog.Logger) *CachedStore {
	if ttl <= 0 {
		ttl = cache.DefaultTTL
	}
	return &CachedStore{Store: s, cache: c, ttl: ttl, logger: logger}
}

func (c *CachedStore) GetRide(ctx context.Context, id string) (*models.Ride, error) {
	var r models.Ride
	if ok, err := c.cache.Get(ctx, cache.RideKey(id), &r); err == nil && ok {
		return &r, nil
	} else if err != nil {
		c.logger.Warn("ride cache read failed", "ride_id", id, "err", err)
	}
	fresh, err := c.Store.GetRide(ctx, id)
	if err != nil {
		return nil, err
	}
	c.put(ctx, cache.RideKey(id), fresh)
	return fresh, nil
}

// ListRides caches only the plain per-driver listing.
func (c *CachedStore) ListRides(ctx context.Context, f RideFilter) ([]models.Ride, error) {
	if f.DriverID == "" || len(f.Statuses) > 0 || f.AfterNumber > 0 || f.Limit > 0 {
		return c.Store.ListRides(ctx, f)
	}
	key := cache.DriverRidesKey(f.DriverID)
	var rides []models.Ride
	if ok, err := c.cache.Get(ctx, key, &rides); err == nil && ok {
		return rides, nil
	}
	rides, err := c.Store.ListRides(ctx, f)
	if err != nil {
		return nil, err
	}
	c.put(ctx, key, rides)
	return rides, nil
}

func (c *CachedStore) CreateRide(ctx context.Context, r *models.Ride) error {
	if err := c.Store.CreateRide(ctx, r); err != nil {
		return err
	}
	c.invalidate(ctx, r.ID, r.DriverID)
	return nil
}

func (c *CachedStore) TransitionRide(ctx context.Context, id string, from []models.RideStatus, to models.RideStatus) (*models.Ride, error) {
	return c.mutated(ctx, id)(c.Store.TransitionRide(ctx, id, from, to))
}

func (c *CachedStore) ReserveSeat(ctx context.Context, id string) (*models.Ride, error) {
	return c.mutated(ctx, id)(c.Store.ReserveSeat(ctx, id))
}

func (c *CachedStore) ReleaseSeat(ctx context.Context, id string) (*models.Ride, error) {
	return c.mutated(ctx, id)(c.Store.ReleaseSeat(ctx, id))
}

func (c *CachedStore) mutated(ctx context.Context, id string) func(*models.Ride, error) (*models.Ride, error) {
	return func(r *models.Ride, err error) (*models.Ride, error) {
		if err != nil {
			// a failed CAS may still mean our cached copy is stale
			_ = c.cache.Del(ctx, cache.RideKey(id))
			return nil, err
		}
		c.invalidate(ctx, id, r.DriverID)
		return r, nil
	}
}

func (c *CachedStore) invalidate(ctx context.Context, rideID, driverID string) {
	if err := c.cache.Del(ctx, cache.RideKey(rideID), cache.DriverRidesKey(driverID)); err != nil {
		c.logger.Warn("ride cache invalidation failed", "ride_id", rideID, "err", err)
	}
}

func (c *CachedStore) put(ctx context.Context, key string, v any) {
	if err := c.cache.Set(ctx, key, v, c.ttl); err != nil {
		c.logger.Warn("ride cache write failed", "key", key, "err", err)
	}
}
