package tracing

import (
	"context"

	"github.com/google/uuid"
)

// RequestIDHeader carries the request ID between the transport client and
// the reference server
const RequestIDHeader = "X-Request-ID"

const maxRequestIDLength = 64

type contextKey string

const requestIDKey contextKey = "request_id"

// NewRequestID returns a fresh request ID
func NewRequestID() string {
	return "req_" + uuid.NewString()
}

// RequestIDFromHeader reuses a caller-supplied ID when it is short and
// printable, otherwise it mints a new one.
func RequestIDFromHeader(value string) string {
	if value == "" || len(value) > maxRequestIDLength {
		return NewRequestID()
	}
	for _, c := range value {
		if !(c >= 'a' && c <= 'z' || c >= 'A' && c <= 'Z' || c >= '0' && c <= '9' || c == '_' || c == '-' || c == '.') {
			return NewRequestID()
		}
	}
	return value
}

// WithRequestID adds a request ID to the context
func WithRequestID(ctx context.Context, requestID string) context.Context {
	return context.WithValue(ctx, requestIDKey, requestID)
}

// GetRequestID extracts the request ID from context
func GetRequestID(ctx context.Context) string {
	if requestID, ok := ctx.Value(requestIDKey).(string); ok {
		return requestID
	}
	return ""
}

// EnsureRequestID returns ctx carrying a request ID, adding one if missing
func EnsureRequestID(ctx context.Context) (context.Context, string) {
	if id := GetRequestID(ctx); id != "" {
		return ctx, id
	}
	id := NewRequestID()
	return WithRequestID(ctx, id), id
}
