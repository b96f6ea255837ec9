package booking

import (
	"context"
	"errors"
	"sort"

	"github.com/example/carpool/internal/geo"
	"github.com/example/carpool/internal/models"
	"github.com/example/carpool/internal/storage"
)

const (
	DefaultSearchRadiusM = 5000
	DefaultSearchLimit   = 20
	maxSearchLimit       = 100
)

// SearchQuery finds bookable rides departing near At. The preference flags
// are requirements of the passenger: a true flag only matches rides that
// enforce the same rule.
type SearchQuery struct {
	At         models.Coord
	RadiusM    float64
	Limit      int
	NoSmoking  bool
	NoMusic    bool
	NoChildren bool
}

type SearchResult struct {
	Ride      models.Ride `json:"ride"`
	DistanceM float64     `json:"distance_m"`
}

// SearchRides lists rides the passenger could book, nearest first.
func (s *Service) SearchRides(ctx context.Context, passengerID string, q SearchQuery) ([]SearchResult, error) {
	const op = "SearchRides"
	if !validCoord(q.At) {
		return nil, newError(op, ErrIncompleteRideData, "coordinates out of range")
	}
	if q.RadiusM <= 0 {
		q.RadiusM = DefaultSearchRadiusM
	}
	if q.Limit <= 0 {
		q.Limit = DefaultSearchLimit
	}
	if q.Limit > maxSearchLimit {
		q.Limit = maxSearchLimit
	}

	gender := ""
	if u, err := s.store.GetUser(ctx, passengerID); err == nil {
		gender = u.Gender
	} else if !errors.Is(err, storage.ErrNotFound) {
		return nil, wrap(op, err)
	}

	hits, err := s.candidates(ctx, q)
	if err != nil {
		return nil, wrap(op, err)
	}
	now := s.now()
	out := make([]SearchResult, 0, len(hits))
	for _, h := range hits {
		r, err := s.store.GetRide(ctx, h.RideID)
		if errors.Is(err, storage.ErrNotFound) {
			continue
		}
		if err != nil {
			return nil, wrap(op, err)
		}
		if !r.Status.Bookable() || !r.DepartureAt.After(now) || r.DriverID == passengerID {
			continue
		}
		if !r.Preferences.RequiredGender.Allows(gender) || !matches(r.Preferences, q) {
			continue
		}
		out = append(out, SearchResult{Ride: *r, DistanceM: h.DistanceM})
		if len(out) == q.Limit {
			break
		}
	}
	return out, nil
}

// candidates asks the geo index for nearby origins, overfetching since
// some hits are filtered out afterwards. Without an index every bookable
// ride in the store is measured.
func (s *Service) candidates(ctx context.Context, q SearchQuery) ([]geo.Hit, error) {
	if s.geo != nil {
		return s.geo.Nearby(ctx, q.At, q.RadiusM, q.Limit*4)
	}
	rides, err := s.store.ListRides(ctx, storage.RideFilter{Statuses: []models.RideStatus{models.RideAvailable, models.RideFull}})
	if err != nil {
		return nil, err
	}
	var hits []geo.Hit
	for _, r := range rides {
		d := geo.Haversine(q.At.Lat, q.At.Lon, r.Origin.Lat, r.Origin.Lon)
		if d <= q.RadiusM {
			hits = append(hits, geo.Hit{RideID: r.ID, DistanceM: d})
		}
	}
	sort.Slice(hits, func(i, j int) bool { return hits[i].DistanceM < hits[j].DistanceM })
	return hits, nil
}

func matches(p models.Preferences, q SearchQuery) bool {
	return (!q.NoSmoking || p.NoSmoking) && (!q.NoMusic || p.NoMusic) && (!q.NoChildren || p.NoChildren)
}
