package types

import (
	"time"

	"guardlink/internal/models"
)

// Event types sent over the push channel
const (
	EventMessage   = "message"
	EventStatus    = "status"
	EventHeartbeat = "heartbeat"
)

// MessageDTO is a persisted chat message on the wire
type MessageDTO struct {
	ID              string    `json:"id"`
	BookingID       string    `json:"bookingId"`
	SenderRole      string    `json:"senderRole"`
	SenderID        string    `json:"senderId"`
	Body            string    `json:"body"`
	CreatedAt       time.Time `json:"createdAt"`
	IsSystemMessage bool      `json:"isSystemMessage"`
	ClientKey       string    `json:"clientKey,omitempty"`
}

// CreateMessageRequest is the body of POST /v1/bookings/{id}/messages
type CreateMessageRequest struct {
	SenderRole     string `json:"senderRole"`
	SenderID       string `json:"senderId"`
	Body           string `json:"body"`
	IdempotencyKey string `json:"idempotencyKey,omitempty"`
}

type MessagesResponse struct {
	Messages []MessageDTO `json:"messages"`
}

type StatusResponse struct {
	BookingID string    `json:"bookingId"`
	Status    string    `json:"status"`
}

// UpdateStatusRequest is the body of PUT /v1/bookings/{id}/status
type UpdateStatusRequest struct {
	Status string `json:"status"`
}

// Event is one frame of the push channel
type Event struct {
	Type      string      `json:"type"`
	Message   *MessageDTO `json:"message,omitempty"`
	Status    string      `json:"status,omitempty"`
	Timestamp time.Time   `json:"timestamp"`
}

type ErrorResponse struct {
	Error string `json:"error"`
	Code  string `json:"code,omitempty"`
}

type HealthResponse struct {
	Status    string    `json:"status"`
	Timestamp time.Time `json:"timestamp"`
	Version   string    `json:"version,omitempty"`
}

// FromMessage converts a persisted message for the wire
func FromMessage(m models.Message) MessageDTO {
	return MessageDTO{
		ID:              m.ID,
		BookingID:       m.BookingID,
		SenderRole:      string(m.SenderRole),
		SenderID:        m.SenderID,
		Body:            m.Body,
		CreatedAt:       m.CreatedAt.UTC(),
		IsSystemMessage: m.IsSystemMessage,
		ClientKey:       m.ClientKey,
	}
}

// ToMessage converts a wire message. Delivery state is client-side and left empty.
func (d MessageDTO) ToMessage() models.Message {
	return models.Message{
		ID:              d.ID,
		BookingID:       d.BookingID,
		SenderRole:      models.SenderRole(d.SenderRole),
		SenderID:        d.SenderID,
		Body:            d.Body,
		CreatedAt:       d.CreatedAt,
		IsSystemMessage: d.IsSystemMessage,
		ClientKey:       d.ClientKey,
	}
}

// ToChangeEvent converts a push frame. Unknown or malformed frames report false.
func (e Event) ToChangeEvent() (models.ChangeEvent, bool) {
	switch e.Type {
	case EventMessage:
		if e.Message == nil {
			return models.ChangeEvent{}, false
		}
		msg := e.Message.ToMessage()
		return models.ChangeEvent{Type: models.ChangeEventMessage, Message: &msg}, true
	case EventStatus:
		status := models.BookingStatus(e.Status)
		if !status.Valid() {
			return models.ChangeEvent{}, false
		}
		return models.ChangeEvent{Type: models.ChangeEventStatus, Status: status}, true
	case EventHeartbeat:
		return models.ChangeEvent{Type: models.ChangeEventHeartbeat}, true
	default:
		return models.ChangeEvent{}, false
	}
}

// MessageEvent builds the push frame announcing a persisted message
func MessageEvent(m models.Message) Event {
	dto := FromMessage(m)
	return Event{Type: EventMessage, Message: &dto, Timestamp: time.Now().UTC()}
}

// StatusEvent builds the push frame announcing a status change
func StatusEvent(status models.BookingStatus) Event {
	return Event{Type: EventStatus, Status: string(status), Timestamp: time.Now().UTC()}
}

// HeartbeatEvent builds a keep-alive frame
func HeartbeatEvent() Event {
	return Event{Type: EventHeartbeat, Timestamp: time.Now().UTC()}
}
