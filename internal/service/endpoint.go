package service

import (
	"context"
	"errors"

	"guardlink/internal/models"
)

// Endpoint is the remote persistence and notification service the chat
// core talks to. Implementations live in pkg/transport.
type Endpoint interface {
	// FetchMessages returns every persisted message of the booking
	FetchMessages(ctx context.Context, bookingID string) ([]models.Message, error)

	// CreateMessage persists a message. Repeating a request with the same
	// idempotency key returns the originally persisted row.
	CreateMessage(ctx context.Context, msg models.NewMessage) (models.Message, error)

	// Subscribe delivers change events until the subscription ends. It
	// returns ErrPushUnsupported when the endpoint has no push channel.
	Subscribe(ctx context.Context, bookingID string, onEvent func(models.ChangeEvent)) (Subscription, error)

	FetchBookingStatus(ctx context.Context, bookingID string) (models.BookingStatus, error)
}

// Subscription is a live push channel
type Subscription interface {
	// Done is closed when the channel ends for any reason
	Done() <-chan struct{}
	// Err reports why the channel ended, nil after Unsubscribe
	Err() error
	Unsubscribe()
}

var (
	// ErrPushUnsupported is returned by Subscribe when only polling is available
	ErrPushUnsupported = errors.New("push subscriptions not supported by endpoint")

	// ErrAlreadyStarted is returned when Start is called on a running connection manager
	ErrAlreadyStarted = errors.New("connection manager already started")
)
