package errors

import (
	"context"
	stderrors "errors"
	"fmt"
	"net"
	"net/http"
)

// NewValidationError creates a validation error with field context
func NewValidationError(field, message string) *AppError {
	return New(ErrCodeInvalidInput, message).
		WithContext("field", field).
		WithUserMessage(fmt.Sprintf("Invalid %s: %s", field, message))
}

// NewConfigError creates a configuration error
func NewConfigError(key, message string) *AppError {
	return New(ErrCodeInvalidConfig, message).
		WithContext("config_key", key).
		WithUserMessage("Configuration error")
}

// NewDatabaseError creates a database error with operation context
func NewDatabaseError(operation string, err error) *AppError {
	return Wrap(err, ErrCodeDatabaseQuery, fmt.Sprintf("database %s failed", operation)).
		WithContext("operation", operation).
		WithUserMessage("Database operation failed")
}

// NewNotFoundError creates a not found error with resource context
func NewNotFoundError(resource, identifier string) *AppError {
	return New(ErrCodeNotFound, fmt.Sprintf("%s not found", resource)).
		WithContext("resource", resource).
		WithContext("identifier", identifier).
		WithUserMessage(fmt.Sprintf("%s not found", resource))
}

// NewConflictError reports a request that contradicts current state
func NewConflictError(message string) *AppError {
	return New(ErrCodeConflict, message).WithUserMessage(message)
}

// NewTransportError classifies a failed call to the transport endpoint.
// A zero statusCode means the request never produced a response.
func NewTransportError(operation string, statusCode int, err error) *AppError {
	if statusCode == 0 {
		code := ErrCodeTransport
		if stderrors.Is(err, context.DeadlineExceeded) || isNetTimeout(err) {
			code = ErrCodeTimeout
		}
		// Connectivity loss is an expected operating condition
		retryable := !stderrors.Is(err, context.Canceled)
		appErr := Wrap(err, code, fmt.Sprintf("%s request failed", operation)).
			WithContext("operation", operation).
			WithUserMessage("Connection problem, retrying")
		appErr.Retryable = retryable
		return appErr
	}

	retryable := statusCode >= 500 ||
		statusCode == http.StatusTooManyRequests ||
		statusCode == http.StatusRequestTimeout

	code := ErrCodeTransport
	switch statusCode {
	case http.StatusBadRequest, http.StatusUnprocessableEntity:
		code = ErrCodeInvalidInput
	case http.StatusNotFound:
		code = ErrCodeNotFound
	case http.StatusConflict:
		code = ErrCodeConflict
	}

	appErr := Wrap(err, code, fmt.Sprintf("%s request failed", operation)).
		WithContext("operation", operation).
		WithContext("status_code", statusCode)
	appErr.Retryable = retryable
	if !retryable {
		appErr.UserMessage = "Message could not be delivered"
	}
	return appErr
}

func isNetTimeout(err error) bool {
	var netErr net.Error
	return stderrors.As(err, &netErr) && netErr.Timeout()
}

// HTTPStatusCode maps error codes to appropriate HTTP status codes
func HTTPStatusCode(err error) int {
	switch GetCode(err) {
	case ErrCodeInvalidInput, ErrCodeInvalidConfig:
		return http.StatusBadRequest
	case ErrCodeUnauthorized:
		return http.StatusUnauthorized
	case ErrCodeNotFound:
		return http.StatusNotFound
	case ErrCodeConflict:
		return http.StatusConflict
	case ErrCodeTimeout:
		return http.StatusGatewayTimeout
	case ErrCodeDatabaseQuery:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

// HTTPErrorResponse is the error body written by the reference server
type HTTPErrorResponse struct {
	Error string    `json:"error"`
	Code  ErrorCode `json:"code,omitempty"`
}

// ToHTTPResponse converts an error to a standardized HTTP response
func ToHTTPResponse(err error) HTTPErrorResponse {
	return HTTPErrorResponse{
		Error: GetUserMessage(err),
		Code:  GetCode(err),
	}
}
