package events

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/example/carpool/internal/models"
)

func TestHubDeliversToRideSubscribers(t *testing.T) {
	h := NewHub()
	a := h.Subscribe("r1")
	other := h.Subscribe("r2")
	defer a.Close()
	defer other.Close()

	_ = h.Publish(context.Background(), ForRide(RideUpdated, models.Ride{ID: "r1", Status: models.RideFull}, time.Now()))

	select {
	case ev := <-a.C:
		if ev.Type != RideUpdated || ev.Ride.Status != models.RideFull {
			t.Fatalf("unexpected event %+v", ev)
		}
	default:
		t.Fatal("subscriber of r1 got nothing")
	}
	select {
	case ev := <-other.C:
		t.Fatalf("r2 subscriber got %+v", ev)
	default:
	}
}

func TestSubscriptionCloseIsIdempotent(t *testing.T) {
	h := NewHub()
	s := h.Subscribe("r1")
	s.Close()
	s.Close()
	if _, ok := <-s.C; ok {
		t.Fatal("channel must be closed")
	}
	if n := h.Subscribers("r1"); n != 0 {
		t.Fatalf("subscribers=%d", n)
	}
}

func TestSlowSubscriberIsDropped(t *testing.T) {
	h := NewHub()
	s := h.Subscribe("r1")
	ev := ForRide(RideUpdated, models.Ride{ID: "r1"}, time.Now())
	for i := 0; i < subscriptionBuffer+1; i++ {
		_ = h.Publish(context.Background(), ev)
	}
	if n := h.Subscribers("r1"); n != 0 {
		t.Fatalf("slow subscriber still registered")
	}
	count := 0
	for range s.C {
		count++
	}
	if count != subscriptionBuffer {
		t.Fatalf("drained %d buffered events", count)
	}
}

type failing struct{ err error }

func (f failing) Publish(context.Context, Event) error { return f.err }

func TestMultiJoinsErrors(t *testing.T) {
	boom := errors.New("boom")
	h := NewHub()
	s := h.Subscribe("r1")
	defer s.Close()
	err := Multi{h, failing{boom}, nil}.Publish(context.Background(), ForRequest(RequestCreated, models.RideRequest{RideID: "r1"}, time.Now()))
	if !errors.Is(err, boom) {
		t.Fatalf("expected joined error, got %v", err)
	}
	if len(s.C) != 1 {
		t.Fatal("hub must still receive the event")
	}
}
