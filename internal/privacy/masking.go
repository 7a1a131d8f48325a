package privacy

import (
	"fmt"
	"strings"
	"unicode/utf8"
)

const temporaryPrefix = "tmp_"

// MaskBookingID masks a booking identifier showing only the last 4 characters
// Example: "booking-8f2a91c4" -> "************91c4"
func MaskBookingID(bookingID string) string {
	if bookingID == "" {
		return ""
	}
	return maskString(bookingID, 4)
}

// MaskSenderID masks a participant identifier. The system sender is not
// personal data and is returned unchanged.
func MaskSenderID(senderID string) string {
	if senderID == "" || senderID == "system" {
		return senderID
	}
	return maskString(senderID, 4)
}

// MaskMessageID masks a message ID while keeping the temporary prefix
// visible, so pending and confirmed entries stay distinguishable in logs.
// Example: "tmp_1700000000_abcdef" -> "tmp_*************cdef"
func MaskMessageID(messageID string) string {
	if messageID == "" {
		return ""
	}

	if strings.HasPrefix(messageID, temporaryPrefix) && len(messageID) > len(temporaryPrefix) {
		return temporaryPrefix + maskString(messageID[len(temporaryPrefix):], 4)
	}

	return maskString(messageID, 8)
}

// MaskBody replaces message content with its length
func MaskBody(body string) string {
	if body == "" {
		return ""
	}
	return fmt.Sprintf("[%d chars]", utf8.RuneCountInString(body))
}

// maskString masks a string showing only the last n characters
func maskString(s string, keepLast int) string {
	if s == "" {
		return ""
	}

	if len(s) <= keepLast {
		return strings.Repeat("*", len(s))
	}

	return strings.Repeat("*", len(s)-keepLast) + s[len(s)-keepLast:]
}

// MaskSensitiveFields applies appropriate masking to common logging fields
func MaskSensitiveFields(fields map[string]interface{}) map[string]interface{} {
	if fields == nil {
		return nil
	}

	masked := make(map[string]interface{}, len(fields))
	for k, v := range fields {
		s, ok := v.(string)
		if !ok {
			masked[k] = v
			continue
		}

		switch k {
		case "booking_id", "bookingId":
			masked[k] = MaskBookingID(s)
		case "sender_id", "senderId", "sender":
			masked[k] = MaskSenderID(s)
		case "message_id", "messageId", "temp_id", "replaces_temporary_id":
			masked[k] = MaskMessageID(s)
		case "body", "content":
			masked[k] = MaskBody(s)
		default:
			masked[k] = v
		}
	}

	return masked
}
