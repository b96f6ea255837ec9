package storage

import (
	"context"
	"errors"
	"testing"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo/integration/mtest"

	"github.com/example/carpool/internal/models"
)

const ridesNS = "carpool.rides"

func mongoRide(t *testing.T, seats int, status models.RideStatus) bson.D {
	t.Helper()
	ts := time.Date(2026, 6, 10, 9, 0, 0, 0, time.UTC)
	raw, err := bson.Marshal(models.Ride{
		ID: "r1", RideNumber: 4, DriverID: "driver-1", Status: status,
		SeatsTotal: 3, AvailableSeats: seats, DepartureAt: ts, RideDateTime: "10/06/2026 09:00",
		CreatedAt: ts, UpdatedAt: ts,
	})
	if err != nil {
		t.Fatalf("marshal ride: %v", err)
	}
	var d bson.D
	if err := bson.Unmarshal(raw, &d); err != nil {
		t.Fatalf("unmarshal ride: %v", err)
	}
	return d
}

// modified answers a findAndModify with doc, or with no match when doc is nil.
func modified(doc bson.D) bson.D {
	if doc == nil {
		return mtest.CreateSuccessResponse(bson.E{Key: "value", Value: nil})
	}
	return mtest.CreateSuccessResponse(bson.E{Key: "value", Value: doc})
}

func found(docs ...bson.D) bson.D {
	return mtest.CreateCursorResponse(0, ridesNS, mtest.FirstBatch, docs...)
}

func TestMongoSeats(t *testing.T) {
	mt := mtest.New(t, mtest.NewOptions().ClientType(mtest.Mock))
	ctx := context.Background()

	mt.Run("reserve filters on live status", func(mt *mtest.T) {
		s := NewMongoStoreFromDB(mt.DB)
		mt.AddMockResponses(modified(mongoRide(mt.T, 0, models.RideFull)))

		r, err := s.ReserveSeat(ctx, "r1")
		if err != nil {
			mt.Fatalf("ReserveSeat: %v", err)
		}
		if r.AvailableSeats != 0 || r.Status != models.RideFull {
			mt.Fatalf("unexpected ride %+v", r)
		}
		started := mt.GetStartedEvent()
		if started == nil || started.CommandName != "findAndModify" {
			mt.Fatalf("expected findAndModify, got %+v", started)
		}
		if _, err := started.Command.LookupErr("query", "status", "$in"); err != nil {
			mt.Fatalf("reserve filter has no status guard: %v", started.Command)
		}
	})

	mt.Run("reserve on cancelled ride conflicts", func(mt *mtest.T) {
		s := NewMongoStoreFromDB(mt.DB)
		mt.AddMockResponses(modified(nil), found(mongoRide(mt.T, 2, models.RideCancelled)))
		if _, err := s.ReserveSeat(ctx, "r1"); !errors.Is(err, ErrConflict) {
			mt.Fatalf("expected ErrConflict, got %v", err)
		}
	})

	mt.Run("reserve without seats", func(mt *mtest.T) {
		s := NewMongoStoreFromDB(mt.DB)
		mt.AddMockResponses(modified(nil), found(mongoRide(mt.T, 0, models.RideFull)))
		if _, err := s.ReserveSeat(ctx, "r1"); !errors.Is(err, ErrNoSeats) {
			mt.Fatalf("expected ErrNoSeats, got %v", err)
		}
	})

	mt.Run("reserve missing ride", func(mt *mtest.T) {
		s := NewMongoStoreFromDB(mt.DB)
		mt.AddMockResponses(modified(nil), found())
		if _, err := s.ReserveSeat(ctx, "r1"); !errors.Is(err, ErrNotFound) {
			mt.Fatalf("expected ErrNotFound, got %v", err)
		}
	})

	mt.Run("release on ended ride conflicts", func(mt *mtest.T) {
		s := NewMongoStoreFromDB(mt.DB)
		mt.AddMockResponses(modified(nil), found(mongoRide(mt.T, 1, models.RideCompleted)))
		if _, err := s.ReleaseSeat(ctx, "r1"); !errors.Is(err, ErrConflict) {
			mt.Fatalf("expected ErrConflict, got %v", err)
		}
	})

	mt.Run("release at capacity returns snapshot", func(mt *mtest.T) {
		s := NewMongoStoreFromDB(mt.DB)
		mt.AddMockResponses(modified(nil), found(mongoRide(mt.T, 3, models.RideAvailable)))
		r, err := s.ReleaseSeat(ctx, "r1")
		if err != nil || r.AvailableSeats != 3 {
			mt.Fatalf("expected unchanged ride, got %+v %v", r, err)
		}
	})

	mt.Run("release frees a seat", func(mt *mtest.T) {
		s := NewMongoStoreFromDB(mt.DB)
		mt.AddMockResponses(modified(mongoRide(mt.T, 1, models.RideAvailable)))
		r, err := s.ReleaseSeat(ctx, "r1")
		if err != nil || r.AvailableSeats != 1 || r.Status != models.RideAvailable {
			mt.Fatalf("unexpected release %+v %v", r, err)
		}
	})
}

func TestMongoTransitionRide(t *testing.T) {
	mt := mtest.New(t, mtest.NewOptions().ClientType(mtest.Mock))
	ctx := context.Background()
	from := []models.RideStatus{models.RideAvailable, models.RideFull}

	mt.Run("applies", func(mt *mtest.T) {
		s := NewMongoStoreFromDB(mt.DB)
		mt.AddMockResponses(modified(mongoRide(mt.T, 2, models.RideOnHold)))
		r, err := s.TransitionRide(ctx, "r1", from, models.RideOnHold)
		if err != nil || r.Status != models.RideOnHold {
			mt.Fatalf("unexpected transition %+v %v", r, err)
		}
	})

	mt.Run("status moved on", func(mt *mtest.T) {
		s := NewMongoStoreFromDB(mt.DB)
		mt.AddMockResponses(modified(nil), found(bson.D{{Key: "n", Value: int32(1)}}))
		if _, err := s.TransitionRide(ctx, "r1", from, models.RideOnHold); !errors.Is(err, ErrConflict) {
			mt.Fatalf("expected ErrConflict, got %v", err)
		}
	})

	mt.Run("missing ride", func(mt *mtest.T) {
		s := NewMongoStoreFromDB(mt.DB)
		mt.AddMockResponses(modified(nil), found())
		if _, err := s.TransitionRide(ctx, "r1", from, models.RideOnHold); !errors.Is(err, ErrNotFound) {
			mt.Fatalf("expected ErrNotFound, got %v", err)
		}
	})
}
