package models

import (
	"strings"
	"time"
)

// SenderRole identifies who authored a chat message
type SenderRole string

const (
	SenderRoleClient   SenderRole = "client"
	SenderRoleOperator SenderRole = "operator"
	SenderRoleSystem   SenderRole = "system"
)

// SystemSenderID is the reserved sender ID carried by platform-generated messages
const SystemSenderID = "system"

// TemporaryIDPrefix marks client-generated IDs that have not been confirmed by the endpoint
const TemporaryIDPrefix = "tmp_"

// Valid reports whether the role is one of the known sender roles
func (r SenderRole) Valid() bool {
	switch r {
	case SenderRoleClient, SenderRoleOperator, SenderRoleSystem:
		return true
	}
	return false
}

// DeliveryState tracks an outgoing message on the client side only. It is
// never persisted by the endpoint.
type DeliveryState string

const (
	DeliveryStatePending DeliveryState = "pending"
	DeliveryStateSent    DeliveryState = "sent"
	DeliveryStateFailed  DeliveryState = "failed"
)

// Message is one entry of a booking's chat stream
type Message struct {
	ID              string        `json:"id"`
	BookingID       string        `json:"bookingId"`
	SenderRole      SenderRole    `json:"senderRole"`
	SenderID        string        `json:"senderId"`
	Body            string        `json:"body"`
	CreatedAt       time.Time     `json:"createdAt"`
	DeliveryState   DeliveryState `json:"deliveryState"`
	IsSystemMessage bool          `json:"isSystemMessage"`

	// ClientKey is the idempotency key the message was created with, as
	// echoed back by the endpoint. Empty for rows created without one.
	ClientKey string `json:"clientKey,omitempty"`

	// ReplacesTemporaryID is set on delivery confirmations so the store can
	// swap the optimistic entry for the persisted one.
	ReplacesTemporaryID string `json:"-"`
}

// IsTemporary reports whether the message still carries a client-generated ID
func (m Message) IsTemporary() bool {
	return IsTemporaryID(m.ID)
}

// IsTemporaryID reports whether id was generated client-side
func IsTemporaryID(id string) bool {
	return strings.HasPrefix(id, TemporaryIDPrefix)
}

// Before orders messages by creation time, breaking ties by ID
func (m Message) Before(other Message) bool {
	if !m.CreatedAt.Equal(other.CreatedAt) {
		return m.CreatedAt.Before(other.CreatedAt)
	}
	return m.ID < other.ID
}

// SameContent reports whether two versions of a message differ in anything
// a reader of the chat would notice.
func (m Message) SameContent(other Message) bool {
	return m.ID == other.ID &&
		m.Body == other.Body &&
		m.SenderRole == other.SenderRole &&
		m.SenderID == other.SenderID &&
		m.CreatedAt.Equal(other.CreatedAt) &&
		m.IsSystemMessage == other.IsSystemMessage &&
		m.DeliveryState == other.DeliveryState
}

// NewMessage is the write request handed to the endpoint
type NewMessage struct {
	BookingID      string
	SenderRole     SenderRole
	SenderID       string
	Body           string
	IdempotencyKey string
}

// DeliveryQueueEntry exists only while a message is pending or failed
type DeliveryQueueEntry struct {
	Message     Message   `json:"message"`
	Attempts    int       `json:"attempts"`
	NextRetryAt time.Time `json:"nextRetryAt"`
	LastError   string    `json:"lastError,omitempty"`

	// Parked entries exhausted their attempt budget or failed permanently.
	// They wait for an explicit RetryFailed.
	Parked bool `json:"parked"`
}
