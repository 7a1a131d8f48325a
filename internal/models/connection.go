package models

// ConnectionState is the health of the live channel to the endpoint
type ConnectionState string

const (
	ConnectionStateConnecting   ConnectionState = "connecting"
	ConnectionStateConnected    ConnectionState = "connected"
	ConnectionStateDisconnected ConnectionState = "disconnected"
)

// ChangeEventType distinguishes push notifications
type ChangeEventType string

const (
	ChangeEventMessage   ChangeEventType = "message"
	ChangeEventStatus    ChangeEventType = "status"
	ChangeEventHeartbeat ChangeEventType = "heartbeat"
)

// ChangeEvent is one notification received over the push channel
type ChangeEvent struct {
	Type    ChangeEventType
	Message *Message
	Status  BookingStatus
}
