package privacy

import (
	"strings"
	"testing"
)

func TestMaskBookingID(t *testing.T) {
	tests := []struct {
		input    string
		expected string
	}{
		{"booking-8f2a91c4", "************91c4"},
		{"B1", "**"},
		{"abcd", "****"},
		{"abcde", "*bcde"},
		{"", ""},
	}

	for _, test := range tests {
		result := MaskBookingID(test.input)
		if result != test.expected {
			t.Errorf("MaskBookingID(%q) = %q, expected %q", test.input, result, test.expected)
		}
	}
}

func TestMaskSenderID(t *testing.T) {
	tests := []struct {
		input    string
		expected string
	}{
		{"client-42", "*****t-42"},
		{"op7", "***"},
		{"system", "system"},
		{"", ""},
	}

	for _, test := range tests {
		result := MaskSenderID(test.input)
		if result != test.expected {
			t.Errorf("MaskSenderID(%q) = %q, expected %q", test.input, result, test.expected)
		}
	}
}

func TestMaskMessageID(t *testing.T) {
	tests := []struct {
		input    string
		expected string
	}{
		// Temporary IDs keep their prefix
		{"tmp_1700000000_abcdef", "tmp_*************cdef"},
		{"tmp_sys_B1_accepted", "tmp_***********pted"},
		{"tmp_ab", "tmp_**"},

		// Server IDs show the last 8 characters
		{"7d1c2b9e-4f3a-4c1b-9a7e-1234567890ab", "****************************567890ab"},
		{"s1", "**"},
		{"", ""},

		// Bare prefix is treated as an ordinary ID
		{"tmp_", "****"},
	}

	for _, test := range tests {
		result := MaskMessageID(test.input)
		if result != test.expected {
			t.Errorf("MaskMessageID(%q) = %q, expected %q", test.input, result, test.expected)
		}
	}
}

func TestMaskBody(t *testing.T) {
	tests := []struct {
		input    string
		expected string
	}{
		{"On my way", "[9 chars]"},
		{"héllo", "[5 chars]"},
		{"", ""},
	}

	for _, test := range tests {
		result := MaskBody(test.input)
		if result != test.expected {
			t.Errorf("MaskBody(%q) = %q, expected %q", test.input, result, test.expected)
		}
	}
}

func TestMaskString(t *testing.T) {
	tests := []struct {
		input    string
		keepLast int
		expected string
	}{
		{"hello world", 5, "******world"},
		{"test", 2, "**st"},
		{"test", 4, "****"},
		{"test", 5, "****"},
		{"", 3, ""},
		{"ab", 1, "*b"},
	}

	for _, test := range tests {
		result := maskString(test.input, test.keepLast)
		if result != test.expected {
			t.Errorf("maskString(%q, %d) = %q, expected %q",
				test.input, test.keepLast, result, test.expected)
		}
	}
}

func TestMaskSensitiveFields(t *testing.T) {
	input := map[string]interface{}{
		"booking_id":  "booking-8f2a91c4",
		"sender_id":   "client-42",
		"message_id":  "tmp_1700000000_abcdef",
		"body":        "On my way",
		"other_field": "not_masked",
		"count":       42,
	}

	result := MaskSensitiveFields(input)

	expected := map[string]interface{}{
		"booking_id":  "************91c4",
		"sender_id":   "*****t-42",
		"message_id":  "tmp_*************cdef",
		"body":        "[9 chars]",
		"other_field": "not_masked",
		"count":       42,
	}

	for key, expectedVal := range expected {
		if result[key] != expectedVal {
			t.Errorf("MaskSensitiveFields()[%q] = %v, expected %v",
				key, result[key], expectedVal)
		}
	}

	if MaskSensitiveFields(nil) != nil {
		t.Error("MaskSensitiveFields(nil) should return nil")
	}
}

func TestMaskSensitiveFields_Aliases(t *testing.T) {
	input := map[string]interface{}{
		"bookingId":             "booking-123456",
		"senderId":              "operator-99",
		"sender":                "client-77",
		"messageId":             "server-message-0001",
		"temp_id":               "tmp_1_abcdefgh",
		"replaces_temporary_id": "tmp_2_ijklmnop",
		"content":               "secret",
	}

	for key, value := range MaskSensitiveFields(input) {
		if !strings.Contains(value.(string), "*") && !strings.HasPrefix(value.(string), "[") {
			t.Errorf("Expected field %q to be masked, got %q", key, value)
		}
	}
}
