package booking

import (
	"context"
	"errors"
	"time"

	"github.com/example/carpool/internal/events"
	"github.com/example/carpool/internal/models"
	"github.com/example/carpool/internal/observability"
	"github.com/example/carpool/internal/storage"
)

func (s *Service) observe(op string, start time.Time, err *error) {
	result := "ok"
	if *err != nil {
		result = Code(*err)
	}
	observability.BookingOps.WithLabelValues(op, result).Inc()
	observability.BookingLatency.WithLabelValues(op).Observe(time.Since(start).Seconds())
	if *err != nil && errors.Is(*err, ErrNetworkFailure) {
		s.logger.Error("booking operation failed", "op", op, "err", *err)
	}
}

// bestEffort records a failed side effect of an already committed change.
func (s *Service) bestEffort(kind string, err error, attrs ...any) {
	if err == nil {
		return
	}
	observability.SideEffectFailures.WithLabelValues(kind).Inc()
	s.logger.Warn(kind+" failed", append(attrs, "err", err)...)
}

func (s *Service) notification(userID string, r models.Ride, kind models.NotificationKind) models.Notification {
	title, body := message(kind, r)
	return models.Notification{UserID: userID, RideID: r.ID, Kind: kind, Title: title, Body: body}
}

func (s *Service) notify(ctx context.Context, userID string, r models.Ride, kind models.NotificationKind) {
	n := s.notification(userID, r, kind)
	s.bestEffort("notify", s.notifier.Send(ctx, &n), "user_id", userID, "kind", kind)
}

// remind schedules a departure reminder and returns its id, or "" when
// scheduling failed.
func (s *Service) remind(ctx context.Context, userID string, r models.Ride) string {
	n := s.notification(userID, r, models.NotifyReminder)
	id, err := s.notifier.Schedule(ctx, n, r.DepartureAt.Add(-s.cfg.ReminderLead))
	if err != nil {
		s.bestEffort("schedule reminder", err, "user_id", userID, "ride_id", r.ID)
		return ""
	}
	return id
}

func (s *Service) cancelReminder(ctx context.Context, id string) {
	if id == "" {
		return
	}
	s.bestEffort("cancel reminder", s.notifier.Cancel(ctx, id), "reminder_id", id)
}

func (s *Service) requests(ctx context.Context, rideID string, statuses ...models.RequestStatus) []models.RideRequest {
	out, err := s.store.ListRequests(ctx, storage.RequestFilter{RideID: rideID, Statuses: statuses})
	s.bestEffort("list requests", err, "ride_id", rideID)
	return out
}

func (s *Service) notifyPassengers(ctx context.Context, r models.Ride, kind models.NotificationKind) {
	for _, rr := range s.requests(ctx, r.ID, models.RequestAccepted, models.RequestCheckedIn) {
		s.notify(ctx, rr.UserID, r, kind)
	}
}

// announceSeat tells waitlisted passengers that a seat opened up.
func (s *Service) announceSeat(ctx context.Context, r models.Ride) {
	if r.AvailableSeats <= 0 || !r.Status.Bookable() {
		return
	}
	for _, rr := range s.requests(ctx, r.ID, models.RequestWaiting) {
		if rr.IsWaitlist {
			s.notify(ctx, rr.UserID, r, models.NotifySeatAvailable)
		}
	}
}

// releaseSeat returns a seat to the ride. It reports nil when nothing
// changed, including rides that already ended.
func (s *Service) releaseSeat(ctx context.Context, rideID string) *models.Ride {
	r, err := s.store.ReleaseSeat(ctx, rideID)
	if errors.Is(err, storage.ErrConflict) {
		s.logger.Debug("seat not released, ride ended", "ride_id", rideID)
		return nil
	}
	if err != nil {
		s.bestEffort("release seat", err, "ride_id", rideID)
		return nil
	}
	observability.SeatsReleased.Inc()
	return r
}

// undoAccept puts a request accepted on a ride that ended concurrently back
// to waiting and drops its payment hold.
func (s *Service) undoAccept(ctx context.Context, rr *models.RideRequest, paymentID string) {
	if paymentID != "" {
		s.bestEffort("cancel payment hold", s.payments.Cancel(ctx, paymentID), "request_id", rr.ID)
	}
	_, err := s.store.TransitionRequest(ctx, rr.ID, []models.RequestStatus{models.RequestAccepted}, models.RequestWaiting)
	s.bestEffort("revert accept", err, "request_id", rr.ID)
}

func (s *Service) rideChanged(ctx context.Context, t events.Type, r models.Ride) {
	if s.geo != nil {
		s.bestEffort("geo index", s.geo.Upsert(ctx, r), "ride_id", r.ID)
	}
	s.publish(ctx, events.ForRide(t, r, s.now().UTC()))
}

func (s *Service) requestChanged(ctx context.Context, t events.Type, rr models.RideRequest) {
	s.publish(ctx, events.ForRequest(t, rr, s.now().UTC()))
}

func (s *Service) publish(ctx context.Context, ev events.Event) {
	if err := s.events.Publish(ctx, ev); err != nil {
		observability.EventsPublished.WithLabelValues("all", "error").Inc()
		s.bestEffort("publish event", err, "type", ev.Type, "ride_id", ev.RideID)
		return
	}
	observability.EventsPublished.WithLabelValues("all", "ok").Inc()
}

type nopNotifier struct{}

func (nopNotifier) Send(context.Context, *models.Notification) error { return nil }
func (nopNotifier) Schedule(context.Context, models.Notification, time.Time) (string, error) {
	return "", nil
}
func (nopNotifier) Cancel(context.Context, string) error { return nil }
func (nopNotifier) MarkRead(context.Context, string, string, models.NotificationKind) error {
	return nil
}
