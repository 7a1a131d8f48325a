package service

import (
	"context"

	"guardlink/internal/models"
	"guardlink/internal/privacy"

	"github.com/sirupsen/logrus"
)

// ContextKey is a package-local type to prevent context key collisions
// See staticcheck SA1029 guidance
type ContextKey string

// VerboseContextKey is the strongly-typed context key for verbose logging flag
const VerboseContextKey ContextKey = "verbose"

// WithVerboseLogging marks ctx so that identifiers and bodies are logged unmasked
func WithVerboseLogging(ctx context.Context, verbose bool) context.Context {
	return context.WithValue(ctx, VerboseContextKey, verbose)
}

// IsVerboseLogging checks if verbose logging is enabled from context
func IsVerboseLogging(ctx context.Context) bool {
	if verbose, ok := ctx.Value(VerboseContextKey).(bool); ok {
		return verbose
	}
	return false
}

// defaultLogger is used by components constructed without a logger
func defaultLogger(logger *logrus.Logger) *logrus.Logger {
	if logger != nil {
		return logger
	}
	l := logrus.New()
	l.SetLevel(logrus.WarnLevel)
	return l
}

// bookingFields returns the fields identifying a booking, masked unless verbose
func bookingFields(ctx context.Context, component, bookingID string) logrus.Fields {
	if !IsVerboseLogging(ctx) {
		bookingID = privacy.MaskBookingID(bookingID)
	}
	return logrus.Fields{
		LogFieldComponent: component,
		LogFieldBookingID: bookingID,
	}
}

// messageFields describes a message for logging with privacy controls
func messageFields(ctx context.Context, msg models.Message) logrus.Fields {
	fields := logrus.Fields{
		LogFieldSenderRole: msg.SenderRole,
	}
	if IsVerboseLogging(ctx) {
		fields[LogFieldMessageID] = msg.ID
		fields[LogFieldSenderID] = msg.SenderID
		fields["body"] = msg.Body
		if msg.ReplacesTemporaryID != "" {
			fields[LogFieldTemporaryID] = msg.ReplacesTemporaryID
		}
		return fields
	}

	fields[LogFieldMessageID] = privacy.MaskMessageID(msg.ID)
	fields[LogFieldSenderID] = privacy.MaskSenderID(msg.SenderID)
	fields["body"] = privacy.MaskBody(msg.Body)
	if msg.ReplacesTemporaryID != "" {
		fields[LogFieldTemporaryID] = privacy.MaskMessageID(msg.ReplacesTemporaryID)
	}
	return fields
}
