package engine

import (
	"errors"
	"fmt"
)

// Sentinel errors for the engine package.
var (
	// ErrMissingAPIKey indicates the engine credential was not provided.
	ErrMissingAPIKey = errors.New("engine: API key is required")

	// ErrConnectionClosed indicates the connection was closed.
	ErrConnectionClosed = errors.New("engine: connection closed")

	// ErrSendFailed indicates a message could not be written.
	ErrSendFailed = errors.New("engine: send failed")

	// ErrInvalidMessage indicates a malformed message was received.
	ErrInvalidMessage = errors.New("engine: invalid message")
)

// ConnectionError represents a failure of the upstream connection.
type ConnectionError struct {
	// Reason describes what failed.
	Reason string

	// Cause is the underlying error.
	Cause error

	// Retryable indicates if reconnecting could help.
	Retryable bool
}

// Error implements the error interface.
func (e *ConnectionError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("engine: connection error: %s: %v", e.Reason, e.Cause)
	}
	return fmt.Sprintf("engine: connection error: %s", e.Reason)
}

// Unwrap returns the underlying cause.
func (e *ConnectionError) Unwrap() error {
	return e.Cause
}

// NewConnectionError creates a new ConnectionError.
func NewConnectionError(reason string, cause error, retryable bool) *ConnectionError {
	return &ConnectionError{Reason: reason, Cause: cause, Retryable: retryable}
}

// IsNotConnected returns true if the error indicates no usable connection.
func IsNotConnected(err error) bool {
	return errors.Is(err, ErrConnectionClosed)
}

// IsRetryable returns true if reconnecting may succeed.
func IsRetryable(err error) bool {
	var connErr *ConnectionError
	if errors.As(err, &connErr) {
		return connErr.Retryable
	}
	return false
}

// IsCredential returns true if the error is a missing or rejected credential.
func IsCredential(err error) bool {
	return errors.Is(err, ErrMissingAPIKey)
}
