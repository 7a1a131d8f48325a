package models

import "fmt"

// BookingStatus is the lifecycle position of a booking
type BookingStatus string

const (
	BookingStatusPending   BookingStatus = "pending"
	BookingStatusAccepted  BookingStatus = "accepted"
	BookingStatusDeployed  BookingStatus = "deployed"
	BookingStatusEnRoute   BookingStatus = "en_route"
	BookingStatusArrived   BookingStatus = "arrived"
	BookingStatusInService BookingStatus = "in_service"
	BookingStatusCompleted BookingStatus = "completed"
	BookingStatusCancelled BookingStatus = "cancelled"
)

var statusRank = map[BookingStatus]int{
	BookingStatusPending:   0,
	BookingStatusAccepted:  1,
	BookingStatusDeployed:  2,
	BookingStatusEnRoute:   3,
	BookingStatusArrived:   4,
	BookingStatusInService: 5,
	BookingStatusCompleted: 6,
	BookingStatusCancelled: 7,
}

// statusTemplates is the single canonical status -> system message table
var statusTemplates = map[BookingStatus]string{
	BookingStatusPending:   "Your booking has been received and is awaiting confirmation.",
	BookingStatusAccepted:  "Your booking has been accepted. An operator has been assigned.",
	BookingStatusDeployed:  "Your security team has been deployed.",
	BookingStatusEnRoute:   "Your security team is en route to your location.",
	BookingStatusArrived:   "Your security team has arrived at your location.",
	BookingStatusInService: "Your security service is now in progress.",
	BookingStatusCompleted: "Your security service has been completed. Thank you for booking with us.",
	BookingStatusCancelled: "This booking has been cancelled.",
}

// ParseBookingStatus validates a raw status string
func ParseBookingStatus(s string) (BookingStatus, error) {
	status := BookingStatus(s)
	if _, ok := statusRank[status]; !ok {
		return "", fmt.Errorf("unknown booking status %q", s)
	}
	return status, nil
}

// Valid reports whether the status is known
func (s BookingStatus) Valid() bool {
	_, ok := statusRank[s]
	return ok
}

// IsTerminal reports whether no further transitions are allowed
func (s BookingStatus) IsTerminal() bool {
	return s == BookingStatusCompleted || s == BookingStatusCancelled
}

// CanTransitionTo reports whether moving from s to next is a forward
// transition. Cancelled is reachable from every non-terminal status.
func (s BookingStatus) CanTransitionTo(next BookingStatus) bool {
	if !s.Valid() || !next.Valid() || s.IsTerminal() || s == next {
		return false
	}
	if next == BookingStatusCancelled {
		return true
	}
	return statusRank[next] > statusRank[s]
}

// SystemMessage returns the chat text announcing the status
func (s BookingStatus) SystemMessage() string {
	if text, ok := statusTemplates[s]; ok {
		return text
	}
	return fmt.Sprintf("Booking status changed to %s.", s)
}
