package main

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/example/carpool/internal/events"
	"github.com/example/carpool/internal/logging"
	"github.com/example/carpool/internal/models"
)

// fakeUpdater implements RedisUpdater for tests
type fakeUpdater struct {
	failGeo  int // number of times to fail GeoAdd before succeeding
	geoCalls int
	hashes   map[string]map[string]interface{}
	members  map[string]bool
	deleted  []string
}

func newFakeUpdater() *fakeUpdater {
	return &fakeUpdater{hashes: map[string]map[string]interface{}{}, members: map[string]bool{}}
}

func (f *fakeUpdater) GeoAdd(_ context.Context, _ string, loc *redis.GeoLocation) error {
	f.geoCalls++
	if f.geoCalls <= f.failGeo {
		return errors.New("geo fail")
	}
	f.members[loc.Name] = true
	return nil
}

func (f *fakeUpdater) HSet(_ context.Context, key string, values map[string]interface{}) error {
	f.hashes[key] = values
	return nil
}

func (f *fakeUpdater) ZRem(_ context.Context, _ string, member string) error {
	delete(f.members, member)
	return nil
}

func (f *fakeUpdater) Del(_ context.Context, keys ...string) error {
	for _, k := range keys {
		delete(f.hashes, k)
		f.deleted = append(f.deleted, k)
	}
	return nil
}

func testRide(status models.RideStatus) *models.Ride {
	return &models.Ride{
		ID:             "r1",
		DriverID:       "d1",
		Origin:         models.Place{Coord: models.Coord{Lat: 40.4168, Lon: -3.7038}},
		Status:         status,
		AvailableSeats: 2,
		DepartureAt:    time.Date(2026, 3, 2, 10, 0, 0, 0, time.UTC),
	}
}

func TestUpdateRedisWithRetry_SucceedsAfterRetries(t *testing.T) {
	f := newFakeUpdater()
	f.failGeo = 1
	start := time.Now()
	if err := updateRedisWithRetry(context.Background(), f, "rides_geo", testRide(models.RideAvailable), 3, 10*time.Millisecond); err != nil {
		t.Fatalf("expected success, got err=%v", err)
	}
	if f.geoCalls != 2 {
		t.Fatalf("expected one retry, got %d geo calls", f.geoCalls)
	}
	if time.Since(start) < 10*time.Millisecond {
		t.Fatalf("expected at least one backoff")
	}
	if !f.members["r1"] || f.hashes["ride:meta:r1"]["status"] != "available" {
		t.Fatalf("ride not indexed: members=%v hashes=%v", f.members, f.hashes)
	}
}

func TestUpdateRedisWithRetry_FailsWhenExhausted(t *testing.T) {
	f := newFakeUpdater()
	f.failGeo = 5
	if err := updateRedisWithRetry(context.Background(), f, "rides_geo", testRide(models.RideAvailable), 3, 5*time.Millisecond); err == nil {
		t.Fatalf("expected error after retries")
	}
	if f.geoCalls != 3 {
		t.Fatalf("expected 3 attempts, got %d", f.geoCalls)
	}
}

func TestUpdateRedisWithRetry_RemovesUnbookableRide(t *testing.T) {
	f := newFakeUpdater()
	ctx := context.Background()
	if err := updateRedisWithRetry(ctx, f, "rides_geo", testRide(models.RideAvailable), 1, time.Millisecond); err != nil {
		t.Fatalf("index: %v", err)
	}
	if err := updateRedisWithRetry(ctx, f, "rides_geo", testRide(models.RideInProgress), 1, time.Millisecond); err != nil {
		t.Fatalf("remove: %v", err)
	}
	if f.members["r1"] {
		t.Fatalf("in-progress ride still indexed")
	}
	if _, ok := f.hashes["ride:meta:r1"]; ok {
		t.Fatalf("meta hash not deleted")
	}
}

func TestProjectorHandle(t *testing.T) {
	f := newFakeUpdater()
	p := &projector{redis: f, geoKey: "rides_geo", logger: logging.Discard()}
	ctx := context.Background()

	if got := p.handle(ctx, []byte("{not json")); got != "invalid" {
		t.Fatalf("garbage: got %q", got)
	}

	rr := events.ForRequest(events.RequestCreated, models.RideRequest{ID: "q1", RideID: "r1"}, time.Now())
	body, _ := json.Marshal(rr)
	if got := p.handle(ctx, body); got != "skipped" {
		t.Fatalf("request event: got %q", got)
	}

	body, _ = json.Marshal(events.ForRide(events.RideUpdated, *testRide(models.RideFull), time.Now()))
	if got := p.handle(ctx, body); got != "ok" {
		t.Fatalf("ride event: got %q", got)
	}
	var evicted bool
	for _, k := range f.deleted {
		if k == "ride_r1" {
			evicted = true
		}
	}
	if !evicted {
		t.Fatalf("ride cache not evicted, deleted=%v", f.deleted)
	}
}
