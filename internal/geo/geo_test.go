package geo

import (
	"context"
	"math"
	"testing"

	"github.com/example/carpool/internal/models"
)

func TestHaversineZero(t *testing.T) {
	d := Haversine(0, 0, 0, 0)
	if d != 0 {
		t.Fatalf("expected 0, got %f", d)
	}
}

func TestHaversineOneDegreeLatitude(t *testing.T) {
	d := Haversine(0, 0, 1, 0)
	if math.Abs(d-111195) > 100 {
		t.Fatalf("expected ~111.2km, got %f", d)
	}
}

func ride(id string, lat, lon float64, st models.RideStatus) models.Ride {
	return models.Ride{ID: id, Status: st, Origin: models.Place{Coord: models.Coord{Lat: lat, Lon: lon}}}
}

func TestMemoryIndexNearby(t *testing.T) {
	ctx := context.Background()
	g := NewMemoryIndex()
	_ = g.Upsert(ctx, ride("far", 0, 0.1, models.RideAvailable))
	_ = g.Upsert(ctx, ride("near", 0, 0.01, models.RideFull))
	_ = g.Upsert(ctx, ride("here", 0, 0, models.RideAvailable))

	hits, err := g.Nearby(ctx, models.Coord{}, 5000, 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(hits) != 2 || hits[0].RideID != "here" || hits[1].RideID != "near" {
		t.Fatalf("hits=%v", hits)
	}

	hits, _ = g.Nearby(ctx, models.Coord{}, 0, 1)
	if len(hits) != 1 || hits[0].RideID != "here" {
		t.Fatalf("limited hits=%v", hits)
	}
}

func TestMemoryIndexDropsUnbookable(t *testing.T) {
	ctx := context.Background()
	g := NewMemoryIndex()
	_ = g.Upsert(ctx, ride("r", 0, 0, models.RideAvailable))
	_ = g.Upsert(ctx, ride("r", 0, 0, models.RideInProgress))
	hits, _ := g.Nearby(ctx, models.Coord{}, 1000, 10)
	if len(hits) != 0 {
		t.Fatalf("in-progress ride must leave the index, got %v", hits)
	}
}
