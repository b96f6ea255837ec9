package geo

import (
	"context"
	"math"
	"sync"

	"github.com/example/carpool/internal/models"
)

// Hit is a ride whose origin lies within a search radius.
type Hit struct {
	RideID    string
	DistanceM float64
}

// Index locates bookable rides by origin. Upsert drops rides that are no
// longer bookable so searches never surface them.
type Index interface {
	Upsert(ctx context.Context, r models.Ride) error
	Remove(ctx context.Context, rideID string) error
	Nearby(ctx context.Context, at models.Coord, radiusM float64, limit int) ([]Hit, error)
}

type MemoryIndex struct {
	mu      sync.RWMutex
	origins map[string]models.Coord
}

func NewMemoryIndex() *MemoryIndex {
	return &MemoryIndex{origins: make(map[string]models.Coord)}
}

func (g *MemoryIndex) Upsert(_ context.Context, r models.Ride) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	if !r.Status.Bookable() {
		delete(g.origins, r.ID)
		return nil
	}
	g.origins[r.ID] = r.Origin.Coord
	return nil
}

func (g *MemoryIndex) Remove(_ context.Context, rideID string) error {
	g.mu.Lock()
	delete(g.origins, rideID)
	g.mu.Unlock()
	return nil
}

// Nearby scans every origin; fine for the in-process fallback.
func (g *MemoryIndex) Nearby(_ context.Context, at models.Coord, radiusM float64, limit int) ([]Hit, error) {
	g.mu.RLock()
	arr := make([]Hit, 0, len(g.origins))
	for id, c := range g.origins {
		d := Haversine(at.Lat, at.Lon, c.Lat, c.Lon)
		if radiusM > 0 && d > radiusM {
			continue
		}
		arr = append(arr, Hit{RideID: id, DistanceM: d})
	}
	g.mu.RUnlock()

	// partial selection sort for top-N
	n := len(arr)
	if limit > 0 && limit < n {
		n = limit
	}
	for i := 0; i < n; i++ {
		minIdx := i
		for j := i + 1; j < len(arr); j++ {
			if less(arr[j], arr[minIdx]) {
				minIdx = j
			}
		}
		arr[i], arr[minIdx] = arr[minIdx], arr[i]
	}
	return arr[:n], nil
}

func less(a, b Hit) bool {
	if a.DistanceM != b.DistanceM {
		return a.DistanceM < b.DistanceM
	}
	return a.RideID < b.RideID
}

// Haversine distance in meters
func Haversine(lat1, lon1, lat2, lon2 float64) float64 {
	const R = 6371000.0
	dLat := (lat2 - lat1) * math.Pi / 180
	dLon := (lon2 - lon1) * math.Pi / 180
	a := math.Sin(dLat/2)*math.Sin(dLat/2) + math.Cos(lat1*math.Pi/180)*math.Cos(lat2*math.Pi/180)*math.Sin(dLon/2)*math.Sin(dLon/2)
	c := 2 * math.Atan2(math.Sqrt(a), math.Sqrt(1-a))
	return R * c
}
