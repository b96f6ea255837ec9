package events

import (
	"context"
	"errors"
	"time"

	"github.com/example/carpool/internal/models"
)

type Type string

const (
	RideCreated    Type = "ride.created"
	RideUpdated    Type = "ride.updated"
	RequestCreated Type = "request.created"
	RequestUpdated Type = "request.updated"
	RatingCreated  Type = "rating.created"
)

// Event is a lifecycle change of one ride. Exactly one snapshot is set,
// matching Type.
type Event struct {
	Type    Type                `json:"type"`
	RideID  string              `json:"ride_id"`
	At      time.Time           `json:"at"`
	Ride    *models.Ride        `json:"ride,omitempty"`
	Request *models.RideRequest `json:"request,omitempty"`
	Rating  *models.Rating      `json:"rating,omitempty"`
}

func ForRide(t Type, r models.Ride, at time.Time) Event {
	return Event{Type: t, RideID: r.ID, At: at, Ride: &r}
}

func ForRequest(t Type, rr models.RideRequest, at time.Time) Event {
	return Event{Type: t, RideID: rr.RideID, At: at, Request: &rr}
}

func ForRating(r models.Rating, at time.Time) Event {
	return Event{Type: RatingCreated, RideID: r.RideID, At: at, Rating: &r}
}

type Publisher interface {
	Publish(ctx context.Context, ev Event) error
}

// Multi fans an event out to every publisher and joins their errors.
type Multi []Publisher

func (m Multi) Publish(ctx context.Context, ev Event) error {
	var errs []error
	for _, p := range m {
		if p == nil {
			continue
		}
		if err := p.Publish(ctx, ev); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
