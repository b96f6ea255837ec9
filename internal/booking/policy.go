package booking

import (
	"strings"
	"time"

	"github.com/example/carpool/internal/models"
	"github.com/example/carpool/internal/schedule"
)

// The functions in this file decide whether a transition is legal on
// snapshots of a ride and its requests. They never do I/O.

const (
	MaxSeats           = 8
	MaxCommentLength   = 500
	minScore, maxScore = 1, 5
)

var (
	startableFrom = []models.RideStatus{models.RideAvailable, models.RideFull, models.RideOnHold}
	acceptableOn  = []models.RideStatus{models.RideAvailable, models.RideFull, models.RideOnHold}
	checkInOn     = []models.RideStatus{models.RideAvailable, models.RideFull, models.RideOnHold, models.RideInProgress}
	nonTerminal   = []models.RideStatus{models.RideAvailable, models.RideFull, models.RideOnHold, models.RideInProgress}
	holdableFrom  = []models.RideStatus{models.RideAvailable, models.RideFull}
)

func rideIn(s models.RideStatus, set []models.RideStatus) bool {
	for _, x := range set {
		if x == s {
			return true
		}
	}
	return false
}

// RideInput is what a driver submits to publish a ride.
type RideInput struct {
	Origin         models.Place       `json:"origin"`
	Destination    models.Place       `json:"destination"`
	RideDateTime   string             `json:"ride_datetime"`
	AvailableSeats int                `json:"available_seats"`
	IsRecurring    bool               `json:"is_recurring"`
	RideDays       []string           `json:"ride_days"`
	Preferences    models.Preferences `json:"preferences"`
	PricePerSeat   int64              `json:"price_per_seat"`
}

// ValidateRide checks a new ride and returns its departure instant and
// normalized weekdays.
func ValidateRide(in RideInput, now time.Time, loc *time.Location) (time.Time, []time.Weekday, error) {
	const op = "CreateRide"
	if strings.TrimSpace(in.Origin.Address) == "" || strings.TrimSpace(in.Destination.Address) == "" {
		return time.Time{}, nil, newError(op, ErrIncompleteRideData, "origin and destination addresses are required")
	}
	if !validCoord(in.Origin.Coord) || !validCoord(in.Destination.Coord) {
		return time.Time{}, nil, newError(op, ErrIncompleteRideData, "coordinates out of range")
	}
	dep, err := schedule.Parse(in.RideDateTime, loc)
	if err != nil {
		return time.Time{}, nil, &Error{Op: op, Err: ErrIncompleteRideData, Cause: err}
	}
	if !dep.After(now) {
		return time.Time{}, nil, newError(op, ErrIncompleteRideData, "departure must be in the future")
	}
	if in.AvailableSeats < 1 || in.AvailableSeats > MaxSeats {
		return time.Time{}, nil, newError(op, ErrIncompleteRideData, "available_seats must be between 1 and %d", MaxSeats)
	}
	g := in.Preferences.RequiredGender
	if g != "" && !g.Valid() {
		return time.Time{}, nil, newError(op, ErrIncompleteRideData, "unknown required_gender %q", g)
	}
	if in.PricePerSeat < 0 {
		return time.Time{}, nil, newError(op, ErrIncompleteRideData, "price_per_seat must not be negative")
	}
	var days []time.Weekday
	if in.IsRecurring {
		if len(in.RideDays) == 0 {
			return time.Time{}, nil, newError(op, ErrIncompleteRideData, "recurring rides need ride_days")
		}
		if days, err = schedule.ParseWeekdays(in.RideDays); err != nil {
			return time.Time{}, nil, &Error{Op: op, Err: ErrIncompleteRideData, Cause: err}
		}
	}
	return dep, days, nil
}

func validCoord(c models.Coord) bool {
	return c.Lat >= -90 && c.Lat <= 90 && c.Lon >= -180 && c.Lon <= 180
}

// SlotOf describes when a stored ride departs, in the ride time zone.
func SlotOf(r models.Ride, loc *time.Location) schedule.Slot {
	s := schedule.Slot{Departure: r.DepartureAt.In(loc)}
	if r.IsRecurring {
		s.Days, _ = schedule.ParseWeekdays(r.RideDays)
	}
	return s
}

// FindConflict returns the first live ride of the driver that overlaps slot.
func FindConflict(existing []models.Ride, slot schedule.Slot, window time.Duration, loc *time.Location) (models.Ride, bool) {
	for _, r := range existing {
		if r.Status.Terminal() {
			continue
		}
		if schedule.Conflicts(SlotOf(r, loc), slot, window) {
			return r, true
		}
	}
	return models.Ride{}, false
}

// CheckBooking decides whether passenger may request a seat. It reports
// whether the request goes onto the waitlist. A full ride is never refused:
// without confirmWaitlist the caller gets ErrWaitlistConfirmationRequired,
// which asks the passenger to confirm and retry, and nothing is stored.
func CheckBooking(r models.Ride, passenger models.User, confirmWaitlist bool) (bool, error) {
	const op = "RequestBooking"
	if r.DriverID == passenger.ID {
		return false, newError(op, ErrPermissionDenied, "drivers cannot book their own ride")
	}
	if !r.Status.Bookable() {
		return false, newError(op, ErrRideNotBookable, "ride is %s", r.Status)
	}
	if !r.Preferences.RequiredGender.Allows(passenger.Gender) {
		return false, newError(op, ErrPreferenceMismatch, "ride is %s", r.Preferences.RequiredGender)
	}
	if r.AvailableSeats > 0 {
		return false, nil
	}
	if !confirmWaitlist {
		return false, &Error{Op: op, Err: ErrWaitlistConfirmationRequired}
	}
	return true, nil
}

// CheckAccept fails with ErrRideFull whenever no seat is left, whatever
// the ride status.
func CheckAccept(r models.Ride, rr models.RideRequest) error {
	const op = "AcceptRequest"
	if r.AvailableSeats <= 0 {
		return &Error{Op: op, Err: ErrRideFull}
	}
	if !rideIn(r.Status, acceptableOn) {
		return newError(op, ErrRideNotBookable, "ride is %s", r.Status)
	}
	if rr.Status != models.RequestWaiting {
		return newError(op, ErrInvalidTransition, "request is %s", rr.Status)
	}
	return nil
}

func CheckReject(rr models.RideRequest) error {
	if rr.Status != models.RequestWaiting {
		return newError("RejectRequest", ErrInvalidTransition, "request is %s", rr.Status)
	}
	return nil
}

// CheckCancelRequest reports noop=true for an already cancelled request.
func CheckCancelRequest(rr models.RideRequest) (noop bool, err error) {
	switch rr.Status {
	case models.RequestCancelled:
		return true, nil
	case models.RequestWaiting, models.RequestAccepted:
		return false, nil
	}
	return false, newError("CancelRequest", ErrInvalidTransition, "request is %s", rr.Status)
}

func CheckCheckIn(r models.Ride, rr models.RideRequest) error {
	const op = "CheckIn"
	if !rideIn(r.Status, checkInOn) {
		return newError(op, ErrRideNotBookable, "ride is %s", r.Status)
	}
	if rr.Status != models.RequestAccepted {
		return newError(op, ErrInvalidTransition, "request is %s", rr.Status)
	}
	return nil
}

func CheckCheckOut(r models.Ride, rr models.RideRequest) error {
	const op = "CheckOut"
	if r.Status == models.RideCancelled {
		return newError(op, ErrRideNotBookable, "ride is cancelled")
	}
	if rr.Status != models.RequestCheckedIn {
		return newError(op, ErrInvalidTransition, "request is %s", rr.Status)
	}
	return nil
}

// CheckStart allows starting from the departure time on; no grace period
// has to elapse first.
func CheckStart(r models.Ride, now time.Time) error {
	const op = "StartRide"
	if !rideIn(r.Status, startableFrom) {
		return newError(op, ErrInvalidTransition, "ride is %s", r.Status)
	}
	if !schedule.StartReached(r.DepartureAt, now) {
		return newError(op, ErrInvalidTransition, "departure time %s not reached", r.RideDateTime)
	}
	return nil
}

func CheckFinish(r models.Ride) error {
	if r.Status != models.RideInProgress {
		return newError("FinishRide", ErrInvalidTransition, "ride is %s", r.Status)
	}
	return nil
}

func CheckCancelRide(r models.Ride) error {
	if r.Status.Terminal() {
		return newError("CancelRide", ErrInvalidTransition, "ride is %s", r.Status)
	}
	return nil
}

// RatingInput is a passenger's review of the driver after checkout.
type RatingInput struct {
	Overall       int    `json:"overall"`
	Punctuality   int    `json:"punctuality"`
	Driving       int    `json:"driving"`
	Cleanliness   int    `json:"cleanliness"`
	Communication int    `json:"communication"`
	Comment       string `json:"comment"`
}

func CheckRating(rr models.RideRequest, in RatingInput) error {
	const op = "RateRequest"
	if rr.Status != models.RequestCheckedOut {
		return newError(op, ErrInvalidTransition, "only checked out requests can be rated")
	}
	for _, v := range []int{in.Overall, in.Punctuality, in.Driving, in.Cleanliness, in.Communication} {
		if v < minScore || v > maxScore {
			return newError(op, ErrIncompleteRideData, "scores must be between %d and %d", minScore, maxScore)
		}
	}
	if len([]rune(in.Comment)) > MaxCommentLength {
		return newError(op, ErrIncompleteRideData, "comment longer than %d characters", MaxCommentLength)
	}
	return nil
}

// NextOccurrence copies a recurring ride to the first weekly slot after
// now, with a fresh identity and full capacity. The wall-clock time in loc
// is kept.
func NextOccurrence(r models.Ride, id string, now time.Time, loc *time.Location) models.Ride {
	next := r
	next.ID = id
	next.RideNumber = 0
	next.DepartureAt = schedule.NextWeek(r.DepartureAt.In(loc))
	for !next.DepartureAt.After(now) {
		next.DepartureAt = schedule.NextWeek(next.DepartureAt)
	}
	next.RideDateTime = schedule.Format(next.DepartureAt)
	next.Status = models.RideAvailable
	next.AvailableSeats = r.SeatsTotal
	next.RideDays = append([]string(nil), r.RideDays...)
	next.CreatedAt = now
	next.UpdatedAt = now
	return next
}
