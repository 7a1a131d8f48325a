package service

// Logging Standards for guardlink
//
// This file defines standard field names, log levels, and patterns
// to ensure consistent logging across the chat core.

// Standard Field Names
// Use these exact field names for consistency across all logging calls
const (
	// Core identifiers
	LogFieldBookingID   = "booking_id"
	LogFieldMessageID   = "message_id"
	LogFieldTemporaryID = "temp_id"
	LogFieldSenderID    = "sender_id"
	LogFieldSenderRole  = "sender_role"

	// Service and operation fields
	LogFieldComponent = "component"
	LogFieldOperation = "operation"

	// Chat state fields
	LogFieldState         = "state"
	LogFieldPreviousState = "previous_state"
	LogFieldStatus        = "status"
	LogFieldPrevStatus    = "previous_status"
	LogFieldMode          = "mode" // "push" or "poll"

	// Performance and metrics
	LogFieldDuration = "duration_ms"
	LogFieldCount    = "count"
	LogFieldDelay    = "delay_ms"

	// HTTP fields used by the reference server
	LogFieldRequestID  = "request_id"
	LogFieldTraceID    = "trace_id"
	LogFieldMethod     = "method"
	LogFieldRoute      = "route"
	LogFieldStatusCode = "status_code"
	LogFieldRemoteIP   = "remote_ip"
	LogFieldUserAgent  = "user_agent"
	LogFieldSize       = "size_bytes"

	// Error and retry
	LogFieldErrorCode   = "error_code"
	LogFieldAttempt     = "attempt"
	LogFieldMaxAttempts = "max_attempts"
	LogFieldFailures    = "consecutive_failures"
)

// Component names
const (
	ComponentConnection = "connection_manager"
	ComponentPipeline   = "delivery_pipeline"
	ComponentStore      = "message_store"
	ComponentStatus     = "status_machine"
	ComponentSession    = "chat_session"
)

// Log Level Usage Guidelines
//
// DEBUG: per-message flow (merge decisions, poll diffs, heartbeat receipt).
//
// INFO: lifecycle and state changes (session opened, connected, status
// advanced, entry delivered after retries).
//
// WARN: retryable failures (poll failure, send failure with retry scheduled,
// push channel lost) and ignored status observations after a terminal status.
//
// ERROR: permanent failures (entry parked, invalid endpoint response).

// Standard Log Message Patterns
//
// Starting operations: "Starting [operation]"
// Failed operations: "Failed to [operation]"
// Retrying operations: "Retrying [operation]"
// Skipping operations: "Skipping [operation]: [reason]"
