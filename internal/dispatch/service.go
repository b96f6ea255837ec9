package dispatch

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/example/carpool/internal/models"
	"github.com/example/carpool/internal/observability"
	"github.com/example/carpool/internal/storage"
)

// Store is the persistence the dispatcher needs: in-app records and the
// device tokens of each user.
type Store interface {
	storage.NotificationStore
	GetUser(ctx context.Context, id string) (*models.User, error)
}

// Service delivers notifications on every channel a user has: the in-app
// list, FCM push and a live websocket session. Only persisting the in-app
// record can fail a Send; the push channels are best effort.
type Service struct {
	store     Store
	push      Pusher
	ws        *WSRegistry
	scheduler Scheduler
	logger    *slog.Logger
	now       func() time.Time
}

// NewService wires the dispatcher. push and ws may be nil.
func NewService(store Store, push Pusher, ws *WSRegistry, scheduler Scheduler, logger *slog.Logger) *Service {
	if scheduler == nil {
		scheduler = NewMemoryScheduler()
	}
	return &Service{
		store:     store,
		push:      push,
		ws:        ws,
		scheduler: scheduler,
		logger:    logger.With("component", "dispatch"),
		now:       time.Now,
	}
}

func (s *Service) Send(ctx context.Context, n *models.Notification) error {
	if n.ID == "" {
		n.ID = uuid.NewString()
	}
	if n.CreatedAt.IsZero() {
		n.CreatedAt = s.now().UTC()
	}
	if err := s.store.CreateNotification(ctx, n); err != nil {
		observability.NotificationsSent.WithLabelValues("inapp", "error").Inc()
		return err
	}
	observability.NotificationsSent.WithLabelValues("inapp", "ok").Inc()

	if s.push != nil {
		s.pushDevices(ctx, *n)
	}
	if s.ws != nil {
		switch err := s.ws.Send(n.UserID, n); {
		case err == nil:
			observability.NotificationsSent.WithLabelValues("ws", "ok").Inc()
		case errors.Is(err, ErrNoSession):
		default:
			observability.NotificationsSent.WithLabelValues("ws", "error").Inc()
			s.logger.Debug("ws push failed", "user_id", n.UserID, "err", err)
		}
	}
	return nil
}

func (s *Service) pushDevices(ctx context.Context, n models.Notification) {
	u, err := s.store.GetUser(ctx, n.UserID)
	if err != nil {
		if !errors.Is(err, storage.ErrNotFound) {
			s.logger.Warn("load device tokens failed", "user_id", n.UserID, "err", err)
		}
		return
	}
	if len(u.DeviceTokens) == 0 {
		return
	}
	if err := s.push.Push(ctx, u.DeviceTokens, n); err != nil {
		observability.NotificationsSent.WithLabelValues("fcm", "error").Inc()
		s.logger.Warn("fcm push failed", "user_id", n.UserID, "kind", n.Kind, "err", err)
		return
	}
	observability.NotificationsSent.WithLabelValues("fcm", "ok").Inc()
}

// Schedule holds n back until at and returns the reminder id. A time in
// the past is delivered right away.
func (s *Service) Schedule(ctx context.Context, n models.Notification, at time.Time) (string, error) {
	id := uuid.NewString()
	if !at.After(s.now()) {
		n.ID = id
		return id, s.Send(ctx, &n)
	}
	return id, s.scheduler.Add(ctx, Reminder{ID: id, At: at, Notification: n})
}

// Cancel drops a pending reminder. Unknown ids are ignored.
func (s *Service) Cancel(ctx context.Context, id string) error {
	if id == "" {
		return nil
	}
	return s.scheduler.Remove(ctx, id)
}

func (s *Service) MarkRead(ctx context.Context, userID, rideID string, kind models.NotificationKind) error {
	_, err := s.store.MarkNotificationsRead(ctx, userID, rideID, kind)
	return err
}

func (s *Service) List(ctx context.Context, userID string, limit int) ([]models.Notification, error) {
	return s.store.ListNotifications(ctx, userID, limit)
}

// FireDue delivers every reminder due at now and returns how many fired.
func (s *Service) FireDue(ctx context.Context, now time.Time) (int, error) {
	due, err := s.scheduler.Due(ctx, now)
	fired := 0
	for i := range due {
		n := due[i].Notification
		n.ID = due[i].ID
		if sendErr := s.Send(ctx, &n); sendErr != nil {
			s.logger.Warn("reminder delivery failed", "reminder_id", due[i].ID, "err", sendErr)
			continue
		}
		fired++
		observability.RemindersFired.Inc()
	}
	return fired, err
}

// RunReminders polls the scheduler until ctx is done.
func (s *Service) RunReminders(ctx context.Context, every time.Duration) {
	if every <= 0 {
		every = 15 * time.Second
	}
	ticker := time.NewTicker(every)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := s.FireDue(ctx, s.now()); err != nil {
				s.logger.Error("reminder poll failed", "err", err)
			}
		}
	}
}
