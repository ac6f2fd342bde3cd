package agentfs

import (
	"errors"
	"fmt"
)

// Common errors.
var (
	// ErrInvalidConfig is returned when the agent configuration is invalid.
	ErrInvalidConfig = errors.New("invalid configuration")

	// ErrToolNotFound is returned when the assistant requests a tool that
	// is not registered. The failure is reported back to the model as a
	// tool result rather than aborting the turn.
	ErrToolNotFound = errors.New("tool not found")

	// ErrMaxToolIterations is returned when a single turn exceeds the
	// configured number of tool round-trips.
	ErrMaxToolIterations = errors.New("max tool iterations reached")
)

// OpError carries the failed operation and session alongside the cause.
type OpError struct {
	Op        string // Operation that failed
	SessionID string // Session ID if applicable
	Err       error  // Underlying error
}

// Error implements the error interface.
func (e *OpError) Error() string {
	if e.SessionID != "" {
		return fmt.Sprintf("%s (session=%s): %v", e.Op, e.SessionID, e.Err)
	}
	return fmt.Sprintf("%s: %v", e.Op, e.Err)
}

// Unwrap returns the underlying error.
func (e *OpError) Unwrap() error { return e.Err }

// NewOpError creates an OpError without a session.
func NewOpError(op string, err error) *OpError {
	return &OpError{Op: op, Err: err}
}

// NewSessionError creates an OpError bound to a session.
func NewSessionError(op, sessionID string, err error) *OpError {
	return &OpError{Op: op, SessionID: sessionID, Err: err}
}

// RemoteError is a non-success response from the completion service. The
// current turn or compaction is aborted and reported; no partial records
// are ever written from it.
type RemoteError struct {
	StatusCode int    // HTTP status, zero when the call never reached the service
	Body       string // Raw response body or transport error text
	Err        error
}

// Error implements the error interface.
func (e *RemoteError) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("completion service returned %d: %s", e.StatusCode, e.Body)
	}
	return fmt.Sprintf("completion service unreachable: %s", e.Body)
}

// Unwrap returns the underlying error.
func (e *RemoteError) Unwrap() error { return e.Err }
