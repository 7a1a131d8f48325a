package validation

import (
	"fmt"
	"unicode"

	"guardlink/internal/constants"
	"guardlink/internal/errors"
)

// ValidateBookingID checks a booking ID taken from a request path
func ValidateBookingID(bookingID string) error {
	return validateIdentifier("bookingId", bookingID)
}

// ValidateSenderID checks the sender ID of an incoming message
func ValidateSenderID(senderID string) error {
	return validateIdentifier("senderId", senderID)
}

// validateIdentifier allows letters, digits and the separators that
// upstream booking and user IDs are built from.
func validateIdentifier(field, value string) error {
	if value == "" {
		return errors.NewValidationError(field, "cannot be empty")
	}
	if len(value) > constants.MaxIdentifierLength {
		return errors.NewValidationError(field,
			fmt.Sprintf("too long (max %d characters)", constants.MaxIdentifierLength))
	}

	for _, char := range value {
		if !unicode.IsLetter(char) && !unicode.IsDigit(char) && char != '_' && char != '-' && char != '.' && char != ':' {
			return errors.NewValidationError(field,
				"must contain only letters, numbers, underscores, dashes, dots and colons")
		}
	}

	return nil
}

// ValidateIdempotencyKey checks an optional client key. Empty is valid.
func ValidateIdempotencyKey(key string) error {
	if len(key) > constants.MaxIdempotencyKeyLength {
		return errors.NewValidationError("idempotencyKey",
			fmt.Sprintf("too long (max %d characters)", constants.MaxIdempotencyKeyLength))
	}

	// Check for control characters that could cause issues
	for _, char := range key {
		if unicode.IsControl(char) {
			return errors.NewValidationError("idempotencyKey", "contains invalid characters")
		}
	}

	return nil
}

// ValidateNumericRange validates numeric values against bounds
func ValidateNumericRange(value int, fieldName string, min, max int) error {
	if value < min {
		return errors.NewValidationError(fieldName, fmt.Sprintf("too small (min %d)", min))
	}

	if value > max {
		return errors.NewValidationError(fieldName, fmt.Sprintf("too large (max %d)", max))
	}

	return nil
}
