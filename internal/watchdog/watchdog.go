package watchdog

import (
	"context"
	"log/slog"
	"time"

	"github.com/example/carpool/internal/models"
	"github.com/example/carpool/internal/observability"
	"github.com/example/carpool/internal/schedule"
)

// Holder is the part of the booking engine the watchdog drives.
type Holder interface {
	RidesDueForHold(ctx context.Context, cutoff time.Time) ([]models.Ride, error)
	PutOnHold(ctx context.Context, rideID string) (bool, error)
}

// Watchdog puts rides on hold once their departure plus the grace period
// has passed without the driver starting them.
type Watchdog struct {
	holder   Holder
	grace    time.Duration
	interval time.Duration
	logger   *slog.Logger
	now      func() time.Time
}

func New(holder Holder, grace, interval time.Duration, logger *slog.Logger) *Watchdog {
	if grace <= 0 {
		grace = schedule.DefaultGracePeriod
	}
	if interval <= 0 {
		interval = time.Minute
	}
	return &Watchdog{
		holder:   holder,
		grace:    grace,
		interval: interval,
		logger:   logger.With("component", "watchdog"),
		now:      time.Now,
	}
}

// Run sweeps once immediately and then on every tick until ctx is done.
func (w *Watchdog) Run(ctx context.Context) {
	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()
	w.sweepAndLog(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			w.sweepAndLog(ctx)
		}
	}
}

func (w *Watchdog) sweepAndLog(ctx context.Context) {
	n, err := w.Sweep(ctx, w.now())
	if err != nil {
		observability.WatchdogFailures.Inc()
		w.logger.Error("sweep failed", "err", err)
		return
	}
	if n > 0 {
		w.logger.Info("rides put on hold", "count", n)
	}
}

// Sweep demotes every ride due at now and returns how many it changed.
// Rides another replica already moved are skipped.
func (w *Watchdog) Sweep(ctx context.Context, now time.Time) (int, error) {
	observability.WatchdogSweeps.Inc()
	due, err := w.holder.RidesDueForHold(ctx, now.Add(-w.grace))
	if err != nil {
		return 0, err
	}
	held := 0
	for _, r := range due {
		if !schedule.PastGrace(r.DepartureAt, now, w.grace) {
			continue
		}
		ok, err := w.holder.PutOnHold(ctx, r.ID)
		if err != nil {
			observability.WatchdogFailures.Inc()
			w.logger.Warn("put on hold failed", "ride_id", r.ID, "err", err)
			continue
		}
		if ok {
			held++
			observability.WatchdogOnHold.Inc()
			w.logger.Info("ride on hold", "ride_id", r.ID, "ride_number", r.RideNumber, "departure", r.RideDateTime)
		}
	}
	return held, nil
}
