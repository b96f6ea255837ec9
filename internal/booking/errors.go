package booking

import (
	"errors"
	"fmt"

	"github.com/example/carpool/internal/storage"
)

var (
	ErrRideNotBookable    = errors.New("ride is not bookable")
	ErrPreferenceMismatch = errors.New("passenger does not match the ride preferences")
	ErrRideFull           = errors.New("ride has no available seats")
	ErrIncompleteRideData = errors.New("incomplete ride data")
	ErrPermissionDenied   = errors.New("permission denied")
	ErrNetworkFailure     = errors.New("upstream service failure")
	ErrNotFound           = errors.New("not found")
	ErrInvalidTransition  = errors.New("invalid state transition")
	ErrDuplicateRequest   = errors.New("passenger already has an active request on this ride")
	// ErrWaitlistConfirmationRequired is a prompt, not a refusal: repeating
	// the booking with confirmWaitlist set joins the waitlist.
	ErrWaitlistConfirmationRequired = errors.New("ride is full, joining the waitlist must be confirmed")
	ErrScheduleConflict             = errors.New("driver already has a ride around that time")
	ErrAlreadyRated                 = errors.New("request already rated")
)

// Error carries the failing operation, the taxonomy sentinel and, when the
// failure came from a dependency, its cause.
type Error struct {
	Op     string
	Err    error
	Detail string
	Cause  error
}

func (e *Error) Error() string {
	msg := e.Op + ": " + e.Err.Error()
	if e.Detail != "" {
		msg += ": " + e.Detail
	}
	if e.Cause != nil {
		msg += ": " + e.Cause.Error()
	}
	return msg
}

func (e *Error) Unwrap() []error {
	if e.Cause == nil {
		return []error{e.Err}
	}
	return []error{e.Err, e.Cause}
}

func newError(op string, kind error, format string, args ...any) *Error {
	return &Error{Op: op, Err: kind, Detail: fmt.Sprintf(format, args...)}
}

// wrap classifies an error from a collaborator. Storage outcomes map onto
// the taxonomy; anything unknown is treated as a network failure.
func wrap(op string, err error) error {
	if err == nil {
		return nil
	}
	var be *Error
	if errors.As(err, &be) {
		return err
	}
	switch {
	case errors.Is(err, storage.ErrNotFound):
		return &Error{Op: op, Err: ErrNotFound}
	case errors.Is(err, storage.ErrConflict):
		return &Error{Op: op, Err: ErrInvalidTransition, Detail: "state changed concurrently"}
	case errors.Is(err, storage.ErrNoSeats):
		return &Error{Op: op, Err: ErrRideFull}
	case errors.Is(err, storage.ErrDuplicate):
		return &Error{Op: op, Err: ErrDuplicateRequest}
	}
	return &Error{Op: op, Err: ErrNetworkFailure, Cause: err}
}

// Code is the stable, machine-readable name of an error's kind.
func Code(err error) string {
	for _, c := range codes {
		if errors.Is(err, c.err) {
			return c.code
		}
	}
	return "Internal"
}

var codes = []struct {
	err  error
	code string
}{
	{ErrRideNotBookable, "RideNotBookable"},
	{ErrPreferenceMismatch, "PreferenceMismatch"},
	{ErrRideFull, "RideFull"},
	{ErrIncompleteRideData, "IncompleteRideData"},
	{ErrPermissionDenied, "PermissionDenied"},
	{ErrNetworkFailure, "NetworkFailure"},
	{ErrNotFound, "NotFound"},
	{ErrInvalidTransition, "InvalidTransition"},
	{ErrDuplicateRequest, "DuplicateRequest"},
	{ErrWaitlistConfirmationRequired, "WaitlistConfirmationRequired"},
	{ErrScheduleConflict, "ScheduleConflict"},
	{ErrAlreadyRated, "AlreadyRated"},
}
