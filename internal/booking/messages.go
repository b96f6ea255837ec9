package booking

import (
	"fmt"

	"github.com/example/carpool/internal/models"
)

func message(kind models.NotificationKind, r models.Ride) (title, body string) {
	route := fmt.Sprintf("%s → %s on %s", r.Origin.Address, r.Destination.Address, r.RideDateTime)
	switch kind {
	case models.NotifyRideRequest:
		return "New ride request", "A passenger wants to join your ride " + route
	case models.NotifyRequestAccepted:
		return "Request accepted", "You have a seat on " + route
	case models.NotifyRequestRejected:
		return "Request declined", "The driver declined your request for " + route
	case models.NotifyRequestCancelled:
		return "Passenger cancelled", "A passenger cancelled their request for " + route
	case models.NotifyCheckedIn:
		return "Passenger checked in", "A passenger checked in for " + route
	case models.NotifyCheckedOut:
		return "Passenger checked out", "A passenger checked out of " + route
	case models.NotifyRideStarted:
		return "Ride started", "Your ride " + route + " has started"
	case models.NotifyRideFinished:
		return "Ride finished", "Your ride " + route + " is complete. How was it?"
	case models.NotifyRideCancelled:
		return "Ride cancelled", "The driver cancelled " + route
	case models.NotifyRideOnHold:
		return "Ride on hold", "The ride " + route + " did not start on time and is on hold"
	case models.NotifySeatAvailable:
		return "Seat available", "A seat opened up on " + route
	case models.NotifyReminder:
		return "Upcoming ride", "Reminder: " + route
	}
	return "Ride update", route
}
