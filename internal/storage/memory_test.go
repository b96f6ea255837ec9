package storage

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/example/carpool/internal/models"
)

func newRide(id string, seats int) *models.Ride {
	now := time.Now().UTC()
	return &models.Ride{
		ID:             id,
		DriverID:       "driver-1",
		Status:         models.RideAvailable,
		SeatsTotal:     seats,
		AvailableSeats: seats,
		DepartureAt:    now.Add(time.Hour),
		CreatedAt:      now,
		UpdatedAt:      now,
	}
}

func TestMemoryCreateRideAssignsIncreasingNumbers(t *testing.T) {
	ctx := context.Background()
	m := NewMemoryStore()
	a, b := newRide("a", 2), newRide("b", 2)
	if err := m.CreateRide(ctx, a); err != nil {
		t.Fatal(err)
	}
	if err := m.CreateRide(ctx, b); err != nil {
		t.Fatal(err)
	}
	if a.RideNumber != 1 || b.RideNumber != 2 {
		t.Fatalf("ride numbers %d, %d", a.RideNumber, b.RideNumber)
	}
	if err := m.CreateRide(ctx, newRide("a", 1)); !errors.Is(err, ErrDuplicate) {
		t.Fatalf("expected ErrDuplicate, got %v", err)
	}
}

func TestMemoryReserveSeatNeverOverbooks(t *testing.T) {
	ctx := context.Background()
	m := NewMemoryStore()
	if err := m.CreateRide(ctx, newRide("r", 3)); err != nil {
		t.Fatal(err)
	}

	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		granted int
	)
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := m.ReserveSeat(ctx, "r"); err == nil {
				mu.Lock()
				granted++
				mu.Unlock()
			} else if !errors.Is(err, ErrNoSeats) {
				t.Errorf("unexpected error %v", err)
			}
		}()
	}
	wg.Wait()

	if granted != 3 {
		t.Fatalf("granted %d seats, want 3", granted)
	}
	r, _ := m.GetRide(ctx, "r")
	if r.AvailableSeats != 0 || r.Status != models.RideFull {
		t.Fatalf("ride after booking: seats=%d status=%s", r.AvailableSeats, r.Status)
	}
}

func TestMemoryReleaseSeatIsBounded(t *testing.T) {
	ctx := context.Background()
	m := NewMemoryStore()
	_ = m.CreateRide(ctx, newRide("r", 1))
	if _, err := m.ReserveSeat(ctx, "r"); err != nil {
		t.Fatal(err)
	}
	r, err := m.ReleaseSeat(ctx, "r")
	if err != nil {
		t.Fatal(err)
	}
	if r.AvailableSeats != 1 || r.Status != models.RideAvailable {
		t.Fatalf("after release: seats=%d status=%s", r.AvailableSeats, r.Status)
	}
	r, _ = m.ReleaseSeat(ctx, "r")
	if r.AvailableSeats != 1 {
		t.Fatalf("release must not exceed seats_total, got %d", r.AvailableSeats)
	}
}

func TestMemoryReserveDoesNotFlipOnHold(t *testing.T) {
	ctx := context.Background()
	m := NewMemoryStore()
	_ = m.CreateRide(ctx, newRide("r", 1))
	if _, err := m.TransitionRide(ctx, "r", []models.RideStatus{models.RideAvailable}, models.RideOnHold); err != nil {
		t.Fatal(err)
	}
	r, err := m.ReserveSeat(ctx, "r")
	if err != nil {
		t.Fatal(err)
	}
	if r.Status != models.RideOnHold {
		t.Fatalf("status=%s, want on-hold kept", r.Status)
	}
}

func TestMemorySeatsFrozenOnEndedRide(t *testing.T) {
	ctx := context.Background()
	m := NewMemoryStore()
	_ = m.CreateRide(ctx, newRide("r", 2))
	if _, err := m.ReserveSeat(ctx, "r"); err != nil {
		t.Fatal(err)
	}
	if _, err := m.TransitionRide(ctx, "r", []models.RideStatus{models.RideAvailable}, models.RideCancelled); err != nil {
		t.Fatal(err)
	}
	if _, err := m.ReserveSeat(ctx, "r"); !errors.Is(err, ErrConflict) {
		t.Fatalf("reserve on cancelled ride: expected ErrConflict, got %v", err)
	}
	if _, err := m.ReleaseSeat(ctx, "r"); !errors.Is(err, ErrConflict) {
		t.Fatalf("release on cancelled ride: expected ErrConflict, got %v", err)
	}
	r, _ := m.GetRide(ctx, "r")
	if r.AvailableSeats != 1 || r.Status != models.RideCancelled {
		t.Fatalf("ended ride changed: seats=%d status=%s", r.AvailableSeats, r.Status)
	}
}

func TestMemoryReleaseSeatDuringRide(t *testing.T) {
	ctx := context.Background()
	m := NewMemoryStore()
	_ = m.CreateRide(ctx, newRide("r", 2))
	_, _ = m.ReserveSeat(ctx, "r")
	if _, err := m.TransitionRide(ctx, "r", []models.RideStatus{models.RideAvailable}, models.RideInProgress); err != nil {
		t.Fatal(err)
	}
	if _, err := m.ReserveSeat(ctx, "r"); !errors.Is(err, ErrConflict) {
		t.Fatalf("started ride took a passenger: %v", err)
	}
	r, err := m.ReleaseSeat(ctx, "r")
	if err != nil || r.AvailableSeats != 2 {
		t.Fatalf("release during ride: %+v %v", r, err)
	}
}

func TestMemoryTransitionRideConflict(t *testing.T) {
	ctx := context.Background()
	m := NewMemoryStore()
	_ = m.CreateRide(ctx, newRide("r", 2))
	if _, err := m.TransitionRide(ctx, "r", []models.RideStatus{models.RideInProgress}, models.RideCompleted); !errors.Is(err, ErrConflict) {
		t.Fatalf("expected ErrConflict, got %v", err)
	}
	if _, err := m.TransitionRide(ctx, "missing", nil, models.RideCompleted); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestMemoryRidesDueForHold(t *testing.T) {
	ctx := context.Background()
	m := NewMemoryStore()
	now := time.Now().UTC()
	past := newRide("past", 2)
	past.DepartureAt = now.Add(-time.Hour)
	future := newRide("future", 2)
	done := newRide("done", 2)
	done.DepartureAt = now.Add(-time.Hour)
	done.Status = models.RideCompleted
	for _, r := range []*models.Ride{past, future, done} {
		_ = m.CreateRide(ctx, r)
	}
	due, err := m.RidesDueForHold(ctx, now.Add(-15*time.Minute))
	if err != nil {
		t.Fatal(err)
	}
	if len(due) != 1 || due[0].ID != "past" {
		t.Fatalf("due=%v", due)
	}
}

func TestMemoryDuplicateActiveRequest(t *testing.T) {
	ctx := context.Background()
	m := NewMemoryStore()
	rr := &models.RideRequest{ID: "q1", RideID: "r", UserID: "p", Status: models.RequestWaiting}
	if err := m.CreateRequest(ctx, rr); err != nil {
		t.Fatal(err)
	}
	if err := m.CreateRequest(ctx, &models.RideRequest{ID: "q2", RideID: "r", UserID: "p", Status: models.RequestWaiting}); !errors.Is(err, ErrDuplicate) {
		t.Fatalf("expected ErrDuplicate, got %v", err)
	}
	if _, err := m.TransitionRequest(ctx, "q1", []models.RequestStatus{models.RequestWaiting}, models.RequestCancelled); err != nil {
		t.Fatal(err)
	}
	if err := m.CreateRequest(ctx, &models.RideRequest{ID: "q3", RideID: "r", UserID: "p", Status: models.RequestWaiting}); err != nil {
		t.Fatalf("rebooking after cancel must succeed, got %v", err)
	}
}

func TestMemoryNotificationsNewestFirst(t *testing.T) {
	ctx := context.Background()
	m := NewMemoryStore()
	for _, id := range []string{"n1", "n2", "n3"} {
		_ = m.CreateNotification(ctx, &models.Notification{ID: id, UserID: "u", RideID: "r", Kind: models.NotifyRideRequest})
	}
	_ = m.CreateNotification(ctx, &models.Notification{ID: "other", UserID: "v", RideID: "r", Kind: models.NotifyRideRequest})

	got, _ := m.ListNotifications(ctx, "u", 2)
	if len(got) != 2 || got[0].ID != "n3" || got[1].ID != "n2" {
		t.Fatalf("got %+v", got)
	}
	n, _ := m.MarkNotificationsRead(ctx, "u", "r", models.NotifyRideRequest)
	if n != 3 {
		t.Fatalf("marked %d, want 3", n)
	}
	if n, _ := m.MarkNotificationsRead(ctx, "u", "r", models.NotifyRideRequest); n != 0 {
		t.Fatalf("second mark must be a no-op, got %d", n)
	}
}

func TestMemoryUserMerge(t *testing.T) {
	ctx := context.Background()
	m := NewMemoryStore()
	_ = m.UpsertUser(ctx, &models.User{ID: "u", Name: "Ana", Gender: "female"})
	_ = m.AddDeviceToken(ctx, "u", "tok")
	_ = m.AddDeviceToken(ctx, "u", "tok")
	_ = m.UpsertUser(ctx, &models.User{ID: "u", ImageURL: "http://img"})
	u, err := m.GetUser(ctx, "u")
	if err != nil {
		t.Fatal(err)
	}
	if u.Name != "Ana" || u.Gender != "female" || u.ImageURL != "http://img" || len(u.DeviceTokens) != 1 {
		t.Fatalf("merged user %+v", u)
	}
}
