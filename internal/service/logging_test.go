package service

import (
	"context"
	"testing"

	"guardlink/internal/models"

	"github.com/stretchr/testify/assert"
)

func TestIsVerboseLogging(t *testing.T) {
	tests := []struct {
		name     string
		verbose  bool
		expected bool
	}{
		{name: "verbose enabled", verbose: true, expected: true},
		{name: "verbose disabled", verbose: false, expected: false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ctx := WithVerboseLogging(context.Background(), tt.verbose)
			assert.Equal(t, tt.expected, IsVerboseLogging(ctx))
		})
	}

	t.Run("no verbose in context", func(t *testing.T) {
		assert.False(t, IsVerboseLogging(context.Background()))
	})

	t.Run("untyped key is ignored", func(t *testing.T) {
		ctx := context.WithValue(context.Background(), "verbose", true) //nolint:staticcheck
		assert.False(t, IsVerboseLogging(ctx))
	})
}

func TestMessageFields_MasksUnlessVerbose(t *testing.T) {
	msg := models.Message{
		ID:                  "server-message-0001",
		SenderRole:          models.SenderRoleClient,
		SenderID:            "client-42",
		Body:                "On my way",
		ReplacesTemporaryID: "tmp_1_abcdefgh",
	}

	masked := messageFields(context.Background(), msg)
	assert.Equal(t, "***********age-0001", masked[LogFieldMessageID])
	assert.Equal(t, "*****t-42", masked[LogFieldSenderID])
	assert.Equal(t, "[9 chars]", masked["body"])
	assert.Equal(t, "tmp_******efgh", masked[LogFieldTemporaryID])

	verbose := messageFields(WithVerboseLogging(context.Background(), true), msg)
	assert.Equal(t, "server-message-0001", verbose[LogFieldMessageID])
	assert.Equal(t, "On my way", verbose["body"])
	assert.Equal(t, "tmp_1_abcdefgh", verbose[LogFieldTemporaryID])
}

func TestBookingFields(t *testing.T) {
	fields := bookingFields(context.Background(), ComponentStore, "booking-123456")
	assert.Equal(t, ComponentStore, fields[LogFieldComponent])
	assert.Equal(t, "**********3456", fields[LogFieldBookingID])

	fields = bookingFields(WithVerboseLogging(context.Background(), true), ComponentStore, "booking-123456")
	assert.Equal(t, "booking-123456", fields[LogFieldBookingID])
}

func TestDefaultLogger(t *testing.T) {
	logger := defaultLogger(nil)
	assert.NotNil(t, logger)
	assert.Same(t, logger, defaultLogger(logger))
}
