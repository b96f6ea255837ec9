package booking

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/example/carpool/internal/events"
	"github.com/example/carpool/internal/geo"
	"github.com/example/carpool/internal/models"
	"github.com/example/carpool/internal/observability"
	"github.com/example/carpool/internal/payments"
	"github.com/example/carpool/internal/schedule"
	"github.com/example/carpool/internal/storage"
)

// Notifier delivers user notifications and manages scheduled reminders.
type Notifier interface {
	Send(ctx context.Context, n *models.Notification) error
	Schedule(ctx context.Context, n models.Notification, at time.Time) (string, error)
	Cancel(ctx context.Context, id string) error
	MarkRead(ctx context.Context, userID, rideID string, kind models.NotificationKind) error
}

type Estimator interface {
	TripSeconds(ctx context.Context, from, to models.Coord) float64
}

type Config struct {
	// Location is the zone ride_datetime values are written in.
	Location       *time.Location
	ReminderLead   time.Duration
	ConflictWindow time.Duration
	Currency       string
}

// Deps are the collaborators of the Service. Store is required; everything
// else may be nil.
type Deps struct {
	Store    storage.Store
	Notifier Notifier
	Events   events.Publisher
	Payments payments.Processor
	Geo      geo.Index
	ETA      Estimator
	Logger   *slog.Logger
	Now      func() time.Time
}

// Service runs the ride and request lifecycle. Every transition is a
// compare-and-set in the store; notifications, events, indexing and
// payment capture afterwards are best effort.
type Service struct {
	store    storage.Store
	notifier Notifier
	events   events.Publisher
	payments payments.Processor
	geo      geo.Index
	eta      Estimator
	cfg      Config
	logger   *slog.Logger
	now      func() time.Time
}

func NewService(d Deps, cfg Config) *Service {
	if cfg.Location == nil {
		cfg.Location = time.UTC
	}
	if cfg.ReminderLead <= 0 {
		cfg.ReminderLead = 30 * time.Minute
	}
	if cfg.ConflictWindow <= 0 {
		cfg.ConflictWindow = schedule.ConflictWindow
	}
	if cfg.Currency == "" {
		cfg.Currency = "eur"
	}
	s := &Service{
		store:    d.Store,
		notifier: d.Notifier,
		events:   d.Events,
		payments: d.Payments,
		geo:      d.Geo,
		eta:      d.ETA,
		cfg:      cfg,
		logger:   d.Logger,
		now:      d.Now,
	}
	if s.notifier == nil {
		s.notifier = nopNotifier{}
	}
	if s.events == nil {
		s.events = events.Multi{}
	}
	if s.payments == nil {
		s.payments = payments.Noop{}
	}
	if s.logger == nil {
		s.logger = slog.Default()
	}
	s.logger = s.logger.With("component", "booking")
	if s.now == nil {
		s.now = time.Now
	}
	return s
}

func (s *Service) CreateRide(ctx context.Context, driverID string, in RideInput) (ride *models.Ride, err error) {
	const op = "CreateRide"
	defer s.observe(op, time.Now(), &err)

	now := s.now()
	dep, days, err := ValidateRide(in, now, s.cfg.Location)
	if err != nil {
		return nil, err
	}
	existing, err := s.store.ListRides(ctx, storage.RideFilter{DriverID: driverID, Statuses: nonTerminal})
	if err != nil {
		return nil, wrap(op, err)
	}
	if c, ok := FindConflict(existing, schedule.Slot{Departure: dep, Days: days}, s.cfg.ConflictWindow, s.cfg.Location); ok {
		return nil, newError(op, ErrScheduleConflict, "ride #%d departs %s", c.RideNumber, c.RideDateTime)
	}

	prefs := in.Preferences
	if prefs.RequiredGender == "" {
		prefs.RequiredGender = models.Either
	}
	ride = &models.Ride{
		ID:             uuid.NewString(),
		DriverID:       driverID,
		Origin:         in.Origin,
		Destination:    in.Destination,
		RideDateTime:   schedule.Format(dep),
		DepartureAt:    dep,
		Status:         models.RideAvailable,
		SeatsTotal:     in.AvailableSeats,
		AvailableSeats: in.AvailableSeats,
		IsRecurring:    in.IsRecurring,
		Preferences:    prefs,
		PricePerSeat:   in.PricePerSeat,
		CreatedAt:      now.UTC(),
		UpdatedAt:      now.UTC(),
	}
	for _, d := range days {
		ride.RideDays = append(ride.RideDays, d.String())
	}
	if s.eta != nil {
		ride.EstimatedDurationS = s.eta.TripSeconds(ctx, in.Origin.Coord, in.Destination.Coord)
	}
	if err := s.store.CreateRide(ctx, ride); err != nil {
		return nil, wrap(op, err)
	}
	s.logger.Info("ride created", "ride_id", ride.ID, "ride_number", ride.RideNumber, "driver_id", driverID)
	s.rideChanged(ctx, events.RideCreated, *ride)
	return ride, nil
}

func (s *Service) RequestBooking(ctx context.Context, passengerID, rideID string, confirmWaitlist bool) (rr *models.RideRequest, err error) {
	const op = "RequestBooking"
	defer s.observe(op, time.Now(), &err)

	ride, err := s.store.GetRide(ctx, rideID)
	if err != nil {
		return nil, wrap(op, err)
	}
	passenger, err := s.store.GetUser(ctx, passengerID)
	if errors.Is(err, storage.ErrNotFound) {
		passenger, err = &models.User{ID: passengerID}, nil
	}
	if err != nil {
		return nil, wrap(op, err)
	}
	waitlist, err := CheckBooking(*ride, *passenger, confirmWaitlist)
	if err != nil {
		return nil, err
	}

	now := s.now().UTC()
	rr = &models.RideRequest{
		ID:         uuid.NewString(),
		RideID:     ride.ID,
		UserID:     passengerID,
		DriverID:   ride.DriverID,
		Status:     models.RequestWaiting,
		IsWaitlist: waitlist,
		CreatedAt:  now,
		UpdatedAt:  now,
	}
	if err := s.store.CreateRequest(ctx, rr); err != nil {
		return nil, wrap(op, err)
	}

	s.notify(ctx, ride.DriverID, *ride, models.NotifyRideRequest)
	if id := s.remind(ctx, ride.DriverID, *ride); id != "" {
		rr.NotificationID = id
		s.bestEffort("store reminder ref", s.store.SetRequestRefs(ctx, rr.ID, models.RequestRefs{NotificationID: &id}), "request_id", rr.ID)
	}
	s.requestChanged(ctx, events.RequestCreated, *rr)
	return rr, nil
}

func (s *Service) AcceptRequest(ctx context.Context, driverID, requestID string) (rr *models.RideRequest, err error) {
	const op = "AcceptRequest"
	defer s.observe(op, time.Now(), &err)

	req, ride, err := s.loadForDriver(ctx, op, driverID, requestID)
	if err != nil {
		return nil, err
	}
	if err := CheckAccept(*ride, *req); err != nil {
		return nil, err
	}
	updated, err := s.store.ReserveSeat(ctx, ride.ID)
	if errors.Is(err, storage.ErrConflict) {
		return nil, newError(op, ErrRideNotBookable, "ride is no longer taking passengers")
	}
	if err != nil {
		return nil, wrap(op, err)
	}
	observability.SeatsReserved.Inc()

	var paymentID string
	if ride.PricePerSeat > 0 {
		paymentID, err = s.payments.Hold(ctx, payments.HoldRequest{
			Amount:    ride.PricePerSeat,
			Currency:  s.cfg.Currency,
			RideID:    ride.ID,
			RequestID: req.ID,
		})
		if err != nil {
			s.releaseSeat(ctx, ride.ID)
			return nil, &Error{Op: op, Err: ErrNetworkFailure, Detail: "payment hold failed", Cause: err}
		}
	}

	rr, err = s.store.TransitionRequest(ctx, req.ID, []models.RequestStatus{models.RequestWaiting}, models.RequestAccepted)
	if err != nil {
		s.releaseSeat(ctx, ride.ID)
		if paymentID != "" {
			s.bestEffort("cancel payment hold", s.payments.Cancel(ctx, paymentID), "request_id", req.ID)
		}
		return nil, wrap(op, err)
	}
	// CancelRide may have swept the ride's requests between the seat
	// reservation and the transition above.
	if cur, err := s.store.GetRide(ctx, ride.ID); err == nil && cur.Status.Terminal() {
		s.undoAccept(ctx, rr, paymentID)
		return nil, newError(op, ErrRideNotBookable, "ride %s while accepting", cur.Status)
	}

	s.bestEffort("mark read", s.notifier.MarkRead(ctx, driverID, ride.ID, models.NotifyRideRequest), "ride_id", ride.ID)
	s.notify(ctx, rr.UserID, *updated, models.NotifyRequestAccepted)
	var refs models.RequestRefs
	if paymentID != "" {
		rr.PaymentID = paymentID
		refs.PaymentID = &paymentID
	}
	if id := s.remind(ctx, rr.UserID, *updated); id != "" {
		rr.NotificationID = id
		refs.NotificationID = &id
	}
	if refs.PaymentID != nil || refs.NotificationID != nil {
		s.bestEffort("store request refs", s.store.SetRequestRefs(ctx, rr.ID, refs), "request_id", rr.ID)
	}
	s.requestChanged(ctx, events.RequestUpdated, *rr)
	s.rideChanged(ctx, events.RideUpdated, *updated)
	return rr, nil
}

func (s *Service) RejectRequest(ctx context.Context, driverID, requestID string) (rr *models.RideRequest, err error) {
	const op = "RejectRequest"
	defer s.observe(op, time.Now(), &err)

	req, ride, err := s.loadForDriver(ctx, op, driverID, requestID)
	if err != nil {
		return nil, err
	}
	if err := CheckReject(*req); err != nil {
		return nil, err
	}
	rr, err = s.store.TransitionRequest(ctx, req.ID, []models.RequestStatus{models.RequestWaiting}, models.RequestRejected)
	if err != nil {
		return nil, wrap(op, err)
	}
	s.cancelReminder(ctx, rr.NotificationID)
	s.bestEffort("mark read", s.notifier.MarkRead(ctx, driverID, ride.ID, models.NotifyRideRequest), "ride_id", ride.ID)
	s.notify(ctx, rr.UserID, *ride, models.NotifyRequestRejected)
	s.requestChanged(ctx, events.RequestUpdated, *rr)
	return rr, nil
}

// CancelRequest withdraws a passenger's request. Cancelling an already
// cancelled request succeeds without side effects.
func (s *Service) CancelRequest(ctx context.Context, passengerID, requestID string) (rr *models.RideRequest, err error) {
	const op = "CancelRequest"
	defer s.observe(op, time.Now(), &err)

	req, err := s.loadForPassenger(ctx, op, passengerID, requestID)
	if err != nil {
		return nil, err
	}
	// the CAS is on the exact status we saw, so only one caller performs
	// the side effects and a seat is released only if one was held
	for attempt := 0; attempt < 3 && rr == nil; attempt++ {
		noop, err := CheckCancelRequest(*req)
		if err != nil {
			return nil, err
		}
		if noop {
			return req, nil
		}
		rr, err = s.store.TransitionRequest(ctx, req.ID, []models.RequestStatus{req.Status}, models.RequestCancelled)
		if err == nil {
			break
		}
		if !errors.Is(err, storage.ErrConflict) {
			return nil, wrap(op, err)
		}
		if req, err = s.store.GetRequest(ctx, requestID); err != nil {
			return nil, wrap(op, err)
		}
	}
	if rr == nil {
		return nil, newError(op, ErrInvalidTransition, "request changed concurrently")
	}

	s.cancelReminder(ctx, req.NotificationID)
	ride, rideErr := s.store.GetRide(ctx, req.RideID)
	s.bestEffort("load ride", rideErr, "ride_id", req.RideID)
	if req.Status == models.RequestAccepted {
		if req.PaymentID != "" {
			s.bestEffort("cancel payment hold", s.payments.Cancel(ctx, req.PaymentID), "request_id", req.ID)
		}
		if updated := s.releaseSeat(ctx, req.RideID); updated != nil {
			ride = updated
			s.rideChanged(ctx, events.RideUpdated, *updated)
			s.announceSeat(ctx, *updated)
		}
	}
	if ride != nil {
		if req.Status == models.RequestWaiting {
			s.bestEffort("mark read", s.notifier.MarkRead(ctx, ride.DriverID, ride.ID, models.NotifyRideRequest), "ride_id", ride.ID)
		}
		s.notify(ctx, ride.DriverID, *ride, models.NotifyRequestCancelled)
	}
	s.requestChanged(ctx, events.RequestUpdated, *rr)
	return rr, nil
}

func (s *Service) CheckIn(ctx context.Context, passengerID, requestID string) (rr *models.RideRequest, err error) {
	const op = "CheckIn"
	defer s.observe(op, time.Now(), &err)

	req, err := s.loadForPassenger(ctx, op, passengerID, requestID)
	if err != nil {
		return nil, err
	}
	ride, err := s.store.GetRide(ctx, req.RideID)
	if err != nil {
		return nil, wrap(op, err)
	}
	if err := CheckCheckIn(*ride, *req); err != nil {
		return nil, err
	}
	rr, err = s.store.TransitionRequest(ctx, req.ID, []models.RequestStatus{models.RequestAccepted}, models.RequestCheckedIn)
	if err != nil {
		return nil, wrap(op, err)
	}
	s.notify(ctx, ride.DriverID, *ride, models.NotifyCheckedIn)
	s.requestChanged(ctx, events.RequestUpdated, *rr)
	return rr, nil
}

// CheckOut ends a passenger's trip. The caller should prompt for a rating.
func (s *Service) CheckOut(ctx context.Context, passengerID, requestID string) (rr *models.RideRequest, err error) {
	const op = "CheckOut"
	defer s.observe(op, time.Now(), &err)

	req, err := s.loadForPassenger(ctx, op, passengerID, requestID)
	if err != nil {
		return nil, err
	}
	ride, err := s.store.GetRide(ctx, req.RideID)
	if err != nil {
		return nil, wrap(op, err)
	}
	if err := CheckCheckOut(*ride, *req); err != nil {
		return nil, err
	}
	rr, err = s.store.TransitionRequest(ctx, req.ID, []models.RequestStatus{models.RequestCheckedIn}, models.RequestCheckedOut)
	if err != nil {
		return nil, wrap(op, err)
	}
	s.cancelReminder(ctx, rr.NotificationID)
	if rr.PaymentID != "" {
		s.bestEffort("capture payment", s.payments.Capture(ctx, rr.PaymentID), "request_id", rr.ID)
	}
	s.notify(ctx, ride.DriverID, *ride, models.NotifyCheckedOut)
	s.requestChanged(ctx, events.RequestUpdated, *rr)
	return rr, nil
}

func (s *Service) StartRide(ctx context.Context, driverID, rideID string) (ride *models.Ride, err error) {
	const op = "StartRide"
	defer s.observe(op, time.Now(), &err)

	cur, err := s.loadRideForDriver(ctx, op, driverID, rideID)
	if err != nil {
		return nil, err
	}
	if err := CheckStart(*cur, s.now()); err != nil {
		return nil, err
	}
	ride, err = s.store.TransitionRide(ctx, rideID, startableFrom, models.RideInProgress)
	if err != nil {
		return nil, wrap(op, err)
	}
	s.notifyPassengers(ctx, *ride, models.NotifyRideStarted)
	s.rideChanged(ctx, events.RideUpdated, *ride)
	return ride, nil
}

// FinishRide completes a ride. With repeat set on a recurring ride it also
// publishes next week's occurrence and returns it.
func (s *Service) FinishRide(ctx context.Context, driverID, rideID string, repeat bool) (ride, next *models.Ride, err error) {
	const op = "FinishRide"
	defer s.observe(op, time.Now(), &err)

	cur, err := s.loadRideForDriver(ctx, op, driverID, rideID)
	if err != nil {
		return nil, nil, err
	}
	if err := CheckFinish(*cur); err != nil {
		return nil, nil, err
	}
	ride, err = s.store.TransitionRide(ctx, rideID, []models.RideStatus{models.RideInProgress}, models.RideCompleted)
	if err != nil {
		return nil, nil, wrap(op, err)
	}
	s.notifyPassengers(ctx, *ride, models.NotifyRideFinished)
	s.rideChanged(ctx, events.RideUpdated, *ride)

	if !repeat || !ride.IsRecurring {
		return ride, nil, nil
	}
	clone := NextOccurrence(*ride, uuid.NewString(), s.now().UTC(), s.cfg.Location)
	existing, err := s.store.ListRides(ctx, storage.RideFilter{DriverID: driverID, Statuses: nonTerminal})
	if err != nil {
		return ride, nil, wrap(op, err)
	}
	if c, ok := FindConflict(existing, SlotOf(clone, s.cfg.Location), s.cfg.ConflictWindow, s.cfg.Location); ok {
		return ride, nil, newError(op, ErrScheduleConflict, "next occurrence overlaps ride #%d at %s", c.RideNumber, c.RideDateTime)
	}
	if err := s.store.CreateRide(ctx, &clone); err != nil {
		return ride, nil, wrap(op, err)
	}
	s.logger.Info("recurring ride repeated", "ride_id", ride.ID, "next_ride_id", clone.ID, "ride_number", clone.RideNumber)
	s.rideChanged(ctx, events.RideCreated, clone)
	return ride, &clone, nil
}

func (s *Service) CancelRide(ctx context.Context, driverID, rideID string) (ride *models.Ride, err error) {
	const op = "CancelRide"
	defer s.observe(op, time.Now(), &err)

	cur, err := s.loadRideForDriver(ctx, op, driverID, rideID)
	if err != nil {
		return nil, err
	}
	if err := CheckCancelRide(*cur); err != nil {
		return nil, err
	}
	ride, err = s.store.TransitionRide(ctx, rideID, nonTerminal, models.RideCancelled)
	if err != nil {
		return nil, wrap(op, err)
	}
	for _, rr := range s.requests(ctx, rideID, models.RequestWaiting, models.RequestAccepted, models.RequestCheckedIn) {
		s.cancelReminder(ctx, rr.NotificationID)
		if rr.PaymentID != "" {
			s.bestEffort("cancel payment hold", s.payments.Cancel(ctx, rr.PaymentID), "request_id", rr.ID)
		}
		s.notify(ctx, rr.UserID, *ride, models.NotifyRideCancelled)
	}
	s.rideChanged(ctx, events.RideUpdated, *ride)
	return ride, nil
}

// RidesDueForHold lists bookable rides that departed before cutoff.
func (s *Service) RidesDueForHold(ctx context.Context, cutoff time.Time) ([]models.Ride, error) {
	rides, err := s.store.RidesDueForHold(ctx, cutoff)
	return rides, wrap("RidesDueForHold", err)
}

// PutOnHold demotes a ride that missed its departure. It reports false
// when the ride had already left the bookable states.
func (s *Service) PutOnHold(ctx context.Context, rideID string) (bool, error) {
	ride, err := s.store.TransitionRide(ctx, rideID, holdableFrom, models.RideOnHold)
	if errors.Is(err, storage.ErrConflict) {
		return false, nil
	}
	if err != nil {
		return false, wrap("PutOnHold", err)
	}
	s.notify(ctx, ride.DriverID, *ride, models.NotifyRideOnHold)
	s.notifyPassengers(ctx, *ride, models.NotifyRideOnHold)
	s.rideChanged(ctx, events.RideUpdated, *ride)
	return true, nil
}

func (s *Service) RateRequest(ctx context.Context, passengerID, requestID string, in RatingInput) (rating *models.Rating, err error) {
	const op = "RateRequest"
	defer s.observe(op, time.Now(), &err)

	req, err := s.loadForPassenger(ctx, op, passengerID, requestID)
	if err != nil {
		return nil, err
	}
	if err := CheckRating(*req, in); err != nil {
		return nil, err
	}
	rating = &models.Rating{
		ID:            uuid.NewString(),
		RequestID:     req.ID,
		RideID:        req.RideID,
		RaterID:       passengerID,
		RateeID:       req.DriverID,
		Overall:       in.Overall,
		Punctuality:   in.Punctuality,
		Driving:       in.Driving,
		Cleanliness:   in.Cleanliness,
		Communication: in.Communication,
		Comment:       in.Comment,
		CreatedAt:     s.now().UTC(),
	}
	if err := s.store.CreateRating(ctx, rating); err != nil {
		if errors.Is(err, storage.ErrDuplicate) {
			return nil, &Error{Op: op, Err: ErrAlreadyRated}
		}
		return nil, wrap(op, err)
	}
	s.publish(ctx, events.ForRating(*rating, rating.CreatedAt))
	return rating, nil
}

func (s *Service) GetRide(ctx context.Context, rideID string) (*models.Ride, error) {
	r, err := s.store.GetRide(ctx, rideID)
	return r, wrap("GetRide", err)
}

func (s *Service) ListRides(ctx context.Context, f storage.RideFilter) ([]models.Ride, error) {
	rides, err := s.store.ListRides(ctx, f)
	return rides, wrap("ListRides", err)
}

// ListRideRequests returns every request to the driver and only the
// caller's own requests to anyone else.
func (s *Service) ListRideRequests(ctx context.Context, userID, rideID string) ([]models.RideRequest, error) {
	const op = "ListRideRequests"
	ride, err := s.store.GetRide(ctx, rideID)
	if err != nil {
		return nil, wrap(op, err)
	}
	f := storage.RequestFilter{RideID: rideID}
	if ride.DriverID != userID {
		f.UserID = userID
	}
	out, err := s.store.ListRequests(ctx, f)
	return out, wrap(op, err)
}

// DriverRating is the aggregate shown on a driver's profile.
type DriverRating struct {
	Count   int             `json:"count"`
	Average float64         `json:"average"`
	Ratings []models.Rating `json:"ratings"`
}

func (s *Service) DriverRatings(ctx context.Context, driverID string) (*DriverRating, error) {
	ratings, err := s.store.ListRatings(ctx, driverID)
	if err != nil {
		return nil, wrap("DriverRatings", err)
	}
	out := &DriverRating{Count: len(ratings), Ratings: ratings}
	if len(ratings) > 0 {
		sum := 0
		for _, r := range ratings {
			sum += r.Overall
		}
		out.Average = float64(sum) / float64(len(ratings))
	}
	return out, nil
}

// Reindex loads every bookable ride into the geo index. Used at startup
// when the index is in memory.
func (s *Service) Reindex(ctx context.Context) (int, error) {
	if s.geo == nil {
		return 0, nil
	}
	var (
		after int64
		n     int
	)
	for {
		page, err := s.store.ListRides(ctx, storage.RideFilter{
			Statuses:    []models.RideStatus{models.RideAvailable, models.RideFull},
			AfterNumber: after,
			Limit:       200,
		})
		if err != nil {
			return n, wrap("Reindex", err)
		}
		for _, r := range page {
			if err := s.geo.Upsert(ctx, r); err != nil {
				return n, wrap("Reindex", err)
			}
			n++
			after = r.RideNumber
		}
		if len(page) < 200 {
			return n, nil
		}
	}
}

func (s *Service) loadForDriver(ctx context.Context, op, driverID, requestID string) (*models.RideRequest, *models.Ride, error) {
	req, err := s.store.GetRequest(ctx, requestID)
	if err != nil {
		return nil, nil, wrap(op, err)
	}
	ride, err := s.store.GetRide(ctx, req.RideID)
	if err != nil {
		return nil, nil, wrap(op, err)
	}
	if ride.DriverID != driverID {
		return nil, nil, newError(op, ErrPermissionDenied, "only the driver can do this")
	}
	return req, ride, nil
}

func (s *Service) loadForPassenger(ctx context.Context, op, passengerID, requestID string) (*models.RideRequest, error) {
	req, err := s.store.GetRequest(ctx, requestID)
	if err != nil {
		return nil, wrap(op, err)
	}
	if req.UserID != passengerID {
		return nil, newError(op, ErrPermissionDenied, "only the passenger can do this")
	}
	return req, nil
}

func (s *Service) loadRideForDriver(ctx context.Context, op, driverID, rideID string) (*models.Ride, error) {
	ride, err := s.store.GetRide(ctx, rideID)
	if err != nil {
		return nil, wrap(op, err)
	}
	if ride.DriverID != driverID {
		return nil, newError(op, ErrPermissionDenied, "only the driver can do this")
	}
	return ride, nil
}
