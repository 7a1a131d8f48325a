package service

import (
	"fmt"
	"time"

	"guardlink/internal/models"

	"github.com/nrednav/cuid2"
)

// NewTemporaryID returns a client-generated ID for an optimistic message.
// It doubles as the idempotency key sent to the endpoint.
func NewTemporaryID() string {
	return fmt.Sprintf("%s%d_%s", models.TemporaryIDPrefix, time.Now().UnixNano(), cuid2.Generate())
}

// SystemTemporaryID is deterministic per booking and status so that every
// participant announcing the same transition uses the same idempotency key.
func SystemTemporaryID(bookingID string, status models.BookingStatus) string {
	return fmt.Sprintf("%ssys_%s_%s", models.TemporaryIDPrefix, bookingID, status)
}
