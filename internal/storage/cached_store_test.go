package storage

import (
	"context"
	"io"
	"log/slog"
	"testing"

	"github.com/example/carpool/internal/cache"
	"github.com/example/carpool/internal/models"
)

// countingStore counts reads reaching the backing store.
type countingStore struct {
	*MemoryStore
	gets  int
	lists int
}

func (c *countingStore) GetRide(ctx context.Context, id string) (*models.Ride, error) {
	c.gets++
	return c.MemoryStore.GetRide(ctx, id)
}

func (c *countingStore) ListRides(ctx context.Context, f RideFilter) ([]models.Ride, error) {
	c.lists++
	return c.MemoryStore.ListRides(ctx, f)
}

func newCached(t *testing.T) (*CachedStore, *countingStore) {
	t.Helper()
	backing := &countingStore{MemoryStore: NewMemoryStore()}
	logger := slog.New(slog.NewJSONHandler(io.Discard, nil))
	return NewCachedStore(backing, cache.NewMemory(), 0, logger), backing
}

func TestCachedStoreReadThrough(t *testing.T) {
	ctx := context.Background()
	s, backing := newCached(t)
	if err := s.CreateRide(ctx, newRide("r", 2)); err != nil {
		t.Fatal(err)
	}
	for i := 0; i < 3; i++ {
		if _, err := s.GetRide(ctx, "r"); err != nil {
			t.Fatal(err)
		}
	}
	if backing.gets != 1 {
		t.Fatalf("backing gets=%d, want 1", backing.gets)
	}
}

func TestCachedStoreInvalidatesOnSeatChange(t *testing.T) {
	ctx := context.Background()
	s, backing := newCached(t)
	_ = s.CreateRide(ctx, newRide("r", 2))
	if _, err := s.GetRide(ctx, "r"); err != nil {
		t.Fatal(err)
	}
	if _, err := s.ReserveSeat(ctx, "r"); err != nil {
		t.Fatal(err)
	}
	r, err := s.GetRide(ctx, "r")
	if err != nil {
		t.Fatal(err)
	}
	if r.AvailableSeats != 1 {
		t.Fatalf("stale seats %d", r.AvailableSeats)
	}
	if backing.gets != 2 {
		t.Fatalf("backing gets=%d, want 2", backing.gets)
	}
}

func TestCachedStoreDriverListing(t *testing.T) {
	ctx := context.Background()
	s, backing := newCached(t)
	_ = s.CreateRide(ctx, newRide("a", 2))
	f := RideFilter{DriverID: "driver-1"}
	first, _ := s.ListRides(ctx, f)
	_, _ = s.ListRides(ctx, f)
	if backing.lists != 1 || len(first) != 1 {
		t.Fatalf("lists=%d len=%d", backing.lists, len(first))
	}

	_ = s.CreateRide(ctx, newRide("b", 2))
	again, _ := s.ListRides(ctx, f)
	if len(again) != 2 || backing.lists != 2 {
		t.Fatalf("listing not invalidated: lists=%d len=%d", backing.lists, len(again))
	}

	// filtered listings bypass the cache
	_, _ = s.ListRides(ctx, RideFilter{DriverID: "driver-1", Limit: 1})
	if backing.lists != 3 {
		t.Fatalf("filtered listing should hit the store")
	}
}
