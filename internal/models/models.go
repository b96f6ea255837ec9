package models

import "time"

type Coord struct {
	Lat float64 `json:"lat" bson:"lat"`
	Lon float64 `json:"lon" bson:"lon"`
}

// Place is an address with its resolved coordinates.
type Place struct {
	Address string `json:"address" bson:"address"`
	Coord   `bson:",inline"`
}

type RideStatus string

const (
	RideAvailable  RideStatus = "available"
	RideFull       RideStatus = "full"
	RideInProgress RideStatus = "in-progress"
	RideCompleted  RideStatus = "completed"
	RideOnHold     RideStatus = "on-hold"
	RideCancelled  RideStatus = "cancelled"
)

// Terminal reports whether no further transition is possible.
func (s RideStatus) Terminal() bool {
	return s == RideCompleted || s == RideCancelled
}

// Bookable reports whether passengers may still request seats.
func (s RideStatus) Bookable() bool {
	return s == RideAvailable || s == RideFull
}

type RequestStatus string

const (
	RequestWaiting    RequestStatus = "waiting"
	RequestAccepted   RequestStatus = "accepted"
	RequestRejected   RequestStatus = "rejected"
	RequestCheckedIn  RequestStatus = "checked_in"
	RequestCheckedOut RequestStatus = "checked_out"
	RequestCancelled  RequestStatus = "cancelled"
)

func (s RequestStatus) Terminal() bool {
	return s == RequestRejected || s == RequestCheckedOut || s == RequestCancelled
}

// Active reports whether the request still claims (or waits for) a seat.
func (s RequestStatus) Active() bool {
	return s == RequestWaiting || s == RequestAccepted || s == RequestCheckedIn
}

type GenderPreference string

const (
	MaleOnly   GenderPreference = "male only"
	FemaleOnly GenderPreference = "female only"
	Either     GenderPreference = "either"
)

func (g GenderPreference) Valid() bool {
	return g == MaleOnly || g == FemaleOnly || g == Either
}

// Allows reports whether a passenger with the given profile gender may book.
func (g GenderPreference) Allows(gender string) bool {
	switch g {
	case MaleOnly:
		return gender == "male"
	case FemaleOnly:
		return gender == "female"
	default:
		return true
	}
}

// Preferences are the driver-chosen ride rules shown to passengers.
type Preferences struct {
	NoSmoking      bool             `json:"no_smoking" bson:"no_smoking"`
	NoMusic        bool             `json:"no_music" bson:"no_music"`
	NoChildren     bool             `json:"no_children" bson:"no_children"`
	RequiredGender GenderPreference `json:"required_gender" bson:"required_gender"`
}

type Ride struct {
	ID                 string      `json:"id" bson:"_id"`
	RideNumber         int64       `json:"ride_number" bson:"ride_number"`
	DriverID           string      `json:"driver_id" bson:"driver_id"`
	Origin             Place       `json:"origin" bson:"origin"`
	Destination        Place       `json:"destination" bson:"destination"`
	RideDateTime       string      `json:"ride_datetime" bson:"ride_datetime"` // DD/MM/YYYY HH:mm, local
	DepartureAt        time.Time   `json:"departure_at" bson:"departure_at"`
	Status             RideStatus  `json:"status" bson:"status"`
	SeatsTotal         int         `json:"seats_total" bson:"seats_total"`
	AvailableSeats     int         `json:"available_seats" bson:"available_seats"`
	IsRecurring        bool        `json:"is_recurring" bson:"is_recurring"`
	RideDays           []string    `json:"ride_days,omitempty" bson:"ride_days,omitempty"`
	Preferences        Preferences `json:"preferences" bson:"preferences"`
	PricePerSeat       int64       `json:"price_per_seat" bson:"price_per_seat"`
	EstimatedDurationS float64     `json:"estimated_duration_s" bson:"estimated_duration_s"`
	CreatedAt          time.Time   `json:"created_at" bson:"created_at"`
	UpdatedAt          time.Time   `json:"updated_at" bson:"updated_at"`
}

type RideRequest struct {
	ID             string        `json:"id" bson:"_id"`
	RideID         string        `json:"ride_id" bson:"ride_id"`
	UserID         string        `json:"user_id" bson:"user_id"`
	DriverID       string        `json:"driver_id" bson:"driver_id"`
	Status         RequestStatus `json:"status" bson:"status"`
	IsWaitlist     bool          `json:"is_waitlist" bson:"is_waitlist"`
	NotificationID string        `json:"notification_id,omitempty" bson:"notification_id,omitempty"`
	PaymentID      string        `json:"payment_id,omitempty" bson:"payment_id,omitempty"`
	CreatedAt      time.Time     `json:"created_at" bson:"created_at"`
	UpdatedAt      time.Time     `json:"updated_at" bson:"updated_at"`
}

// RequestRefs are external references attached to a request after creation.
// Nil fields are left untouched.
type RequestRefs struct {
	NotificationID *string
	PaymentID      *string
}

type Rating struct {
	ID            string    `json:"id" bson:"_id"`
	RequestID     string    `json:"request_id" bson:"request_id"`
	RideID        string    `json:"ride_id" bson:"ride_id"`
	RaterID       string    `json:"rater_id" bson:"rater_id"`
	RateeID       string    `json:"ratee_id" bson:"ratee_id"`
	Overall       int       `json:"overall" bson:"overall"`
	Punctuality   int       `json:"punctuality" bson:"punctuality"`
	Driving       int       `json:"driving" bson:"driving"`
	Cleanliness   int       `json:"cleanliness" bson:"cleanliness"`
	Communication int       `json:"communication" bson:"communication"`
	Comment       string    `json:"comment,omitempty" bson:"comment,omitempty"`
	CreatedAt     time.Time `json:"created_at" bson:"created_at"`
}

// User is the local projection of an identity-provider account.
type User struct {
	ID           string    `json:"id" bson:"_id"`
	Name         string    `json:"name" bson:"name"`
	Gender       string    `json:"gender" bson:"gender"`
	ImageURL     string    `json:"image_url,omitempty" bson:"image_url,omitempty"`
	DeviceTokens []string  `json:"-" bson:"device_tokens,omitempty"`
	UpdatedAt    time.Time `json:"updated_at" bson:"updated_at"`
}

type NotificationKind string

const (
	NotifyRideRequest      NotificationKind = "ride_request"
	NotifyRequestAccepted  NotificationKind = "request_accepted"
	NotifyRequestRejected  NotificationKind = "request_rejected"
	NotifyRequestCancelled NotificationKind = "request_cancelled"
	NotifyCheckedIn        NotificationKind = "checked_in"
	NotifyCheckedOut       NotificationKind = "checked_out"
	NotifyRideStarted      NotificationKind = "ride_started"
	NotifyRideFinished     NotificationKind = "ride_finished"
	NotifyRideCancelled    NotificationKind = "ride_cancelled"
	NotifyRideOnHold       NotificationKind = "ride_on_hold"
	NotifySeatAvailable    NotificationKind = "seat_available"
	NotifyReminder         NotificationKind = "reminder"
)

type Notification struct {
	ID        string           `json:"id" bson:"_id"`
	UserID    string           `json:"user_id" bson:"user_id"`
	RideID    string           `json:"ride_id" bson:"ride_id"`
	Kind      NotificationKind `json:"kind" bson:"kind"`
	Title     string           `json:"title" bson:"title"`
	Body      string           `json:"body" bson:"body"`
	Read      bool             `json:"read" bson:"read"`
	CreatedAt time.Time        `json:"created_at" bson:"created_at"`
}
