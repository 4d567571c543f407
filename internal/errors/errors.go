// Package errors provides the error taxonomy of the discovery API and its
// mapping onto HTTP status codes.
package errors

import (
	"fmt"
	"net/http"
)

// ErrorCode represents a standardized error code for the discovery service.
type ErrorCode string

const (
	// Request errors
	DISC_VALIDATION  ErrorCode = "DISC_VALIDATION"  // Field-level validation failed
	DISC_BAD_REQUEST ErrorCode = "DISC_BAD_REQUEST" // Malformed request
	DISC_TOO_LARGE   ErrorCode = "DISC_TOO_LARGE"   // Request body over the size limit

	// Resource errors
	DISC_NOT_FOUND        ErrorCode = "DISC_NOT_FOUND"        // Record or review not found
	DISC_CONFLICT         ErrorCode = "DISC_CONFLICT"         // Provenance already belongs to another record
	DISC_SYNC_IN_PROGRESS ErrorCode = "DISC_SYNC_IN_PROGRESS" // Another sync is running

	// Server errors
	DISC_STORE       ErrorCode = "DISC_STORE"       // Catalogue store failure
	DISC_INTERNAL    ErrorCode = "DISC_INTERNAL"    // Internal server error
	DISC_UNAVAILABLE ErrorCode = "DISC_UNAVAILABLE" // Dependency unavailable
)

// Error represents a standardized error response.
type Error struct {
	Code          ErrorCode `json:"code"`
	Message       string    `json:"message"`
	CorrelationID string    `json:"correlationId"`
	Details       any       `json:"details,omitempty"`
	HTTPStatus    int       `json:"-"`
}

// New creates a new Error with the specified code and message.
func New(code ErrorCode, message string, correlationID string) *Error {
	return &Error{
		Code:          code,
		Message:       message,
		CorrelationID: correlationID,
		HTTPStatus:    httpStatusCodeForCode(code),
	}
}

// NewWithDetails creates a new Error with the specified code, message, and details.
func NewWithDetails(code ErrorCode, message string, correlationID string, details any) *Error {
	e := New(code, message, correlationID)
	e.Details = details
	return e
}

// Error implements the error interface.
func (e *Error) Error() string {
	if e.Details != nil {
		return fmt.Sprintf("%s: %s (details: %v)", e.Code, e.Message, e.Details)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// httpStatusCodeForCode maps error codes to HTTP status codes.
func httpStatusCodeForCode(code ErrorCode) int {
	switch code {
	case DISC_VALIDATION, DISC_BAD_REQUEST:
		return http.StatusBadRequest
	case DISC_TOO_LARGE:
		return http.StatusRequestEntityTooLarge
	case DISC_NOT_FOUND:
		return http.StatusNotFound
	case DISC_CONFLICT, DISC_SYNC_IN_PROGRESS:
		return http.StatusConflict
	case DISC_UNAVAILABLE:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}
