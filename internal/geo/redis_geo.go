package geo

import (
	"context"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/example/carpool/internal/models"
)

// RedisGeo implements Index using Redis GEO commands plus a metadata hash
// per ride.
type RedisGeo struct {
	client *redis.Client
	key    string
}

func NewRedisGeo(client *redis.Client, key string) *RedisGeo {
	return &RedisGeo{client: client, key: key}
}

func (r *RedisGeo) Upsert(ctx context.Context, ride models.Ride) error {
	if !ride.Status.Bookable() {
		return r.Remove(ctx, ride.ID)
	}
	if err := r.client.GeoAdd(ctx, r.key, &redis.GeoLocation{
		Longitude: ride.Origin.Lon,
		Latitude:  ride.Origin.Lat,
		Name:      ride.ID,
	}).Err(); err != nil {
		return err
	}
	return r.client.HSet(ctx, MetaKey(ride.ID), MetaFields(ride)).Err()
}

func (r *RedisGeo) Remove(ctx context.Context, rideID string) error {
	if err := r.client.ZRem(ctx, r.key, rideID).Err(); err != nil {
		return err
	}
	return r.client.Del(ctx, MetaKey(rideID)).Err()
}

func (r *RedisGeo) Nearby(ctx context.Context, at models.Coord, radiusM float64, limit int) ([]Hit, error) {
	res, err := r.client.GeoRadius(ctx, r.key, at.Lon, at.Lat, &redis.GeoRadiusQuery{
		Radius:   radiusM,
		Unit:     "m",
		WithDist: true,
		Count:    limit,
		Sort:     "ASC",
	}).Result()
	if err != nil {
		return nil, err
	}
	out := make([]Hit, 0, len(res))
	for _, g := range res {
		out = append(out, Hit{RideID: g.Name, DistanceM: g.Dist})
	}
	return out, nil
}

func MetaKey(rideID string) string { return "ride:meta:" + rideID }

// MetaFields is the hash stored next to each indexed ride.
func MetaFields(r models.Ride) map[string]interface{} {
	return map[string]interface{}{
		"driver_id":       r.DriverID,
		"status":          string(r.Status),
		"available_seats": strconv.Itoa(r.AvailableSeats),
		"departure_at":    r.DepartureAt.Format(time.RFC3339),
		"required_gender": string(r.Preferences.RequiredGender),
	}
}
