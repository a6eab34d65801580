// Package errors provides error types and handling for upload engine operations.
package errors

import (
	"errors"
	"fmt"
)

// Error represents an upload engine error with context about the operation
// that failed. It wraps the underlying error with session and part context
// for better debugging.
type Error struct {
	// Op is the operation that failed (e.g., "start", "uploadPart", "sweep")
	Op string

	// SessionID is the upload session identifier (if applicable)
	SessionID string

	// PartNumber is the 1-based part number (if applicable, 0 otherwise)
	PartNumber int32

	// Err is the underlying error
	Err error
}

// Error implements the error interface by providing a formatted error message.
func (e *Error) Error() string {
	switch {
	case e.SessionID != "" && e.PartNumber > 0:
		return fmt.Sprintf("upload.%s session %s part %d: %v", e.Op, e.SessionID, e.PartNumber, e.Err)
	case e.SessionID != "":
		return fmt.Sprintf("upload.%s session %s: %v", e.Op, e.SessionID, e.Err)
	case e.PartNumber > 0:
		return fmt.Sprintf("upload.%s part %d: %v", e.Op, e.PartNumber, e.Err)
	default:
		return fmt.Sprintf("upload.%s: %v", e.Op, e.Err)
	}
}

// Unwrap returns the underlying error for error chaining support.
func (e *Error) Unwrap() error {
	return e.Err
}

// WithSession adds session context to an existing error.
func (e *Error) WithSession(id string) *Error {
	e.SessionID = id
	return e
}

// WithPart adds part context to an existing error.
func (e *Error) WithPart(partNumber int32) *Error {
	e.PartNumber = partNumber
	return e
}

// WithMessage wraps the underlying error with a custom message.
func (e *Error) WithMessage(message string) *Error {
	e.Err = fmt.Errorf("%s: %w", message, e.Err)
	return e
}

// NewError creates a new Error with the given operation and underlying error.
func NewError(op string, err error) *Error {
	return &Error{
		Op:  op,
		Err: err,
	}
}

// Sentinel errors for upload engine failures.
// These can be used with errors.Is() for error checking.
var (
	// ErrInvalidInput indicates that the provided input is invalid
	ErrInvalidInput = errors.New("upload: invalid input")

	// ErrSessionNotFound indicates that the requested session does not exist
	ErrSessionNotFound = errors.New("upload: session not found")

	// ErrInvalidTransition indicates a command not valid for the session's
	// current status, e.g. resume on a completed session
	ErrInvalidTransition = errors.New("upload: invalid status transition")

	// ErrInitFailed indicates the backend rejected the multipart upload
	// initiation after the retry budget was exhausted
	ErrInitFailed = errors.New("upload: initiate failed")

	// ErrPartFailed indicates a part upload failed
	ErrPartFailed = errors.New("upload: part upload failed")

	// ErrCompleteFailed indicates the backend rejected finalization; the
	// remote upload is left intact for manual recovery
	ErrCompleteFailed = errors.New("upload: complete failed")

	// ErrSessionExpired indicates the session was force-failed by the
	// expiry sweep
	ErrSessionExpired = errors.New("upload: session expired")

	// ErrClosed indicates the manager has been closed
	ErrClosed = errors.New("upload: manager closed")
)

// PartError classifies a single part upload failure. Retryable failures are
// re-queued by the coordinator up to the retry budget; non-retryable
// failures fail the whole session.
type PartError struct {
	// PartNumber is the 1-based part that failed
	PartNumber int32

	// Retryable is true for transient network, timeout, and 5xx failures
	Retryable bool

	// Err is the underlying error
	Err error
}

// Error implements the error interface.
func (e *PartError) Error() string {
	kind := "permanent"
	if e.Retryable {
		kind = "retryable"
	}
	return fmt.Sprintf("upload: part %d failed (%s): %v", e.PartNumber, kind, e.Err)
}

// Unwrap returns the underlying error.
func (e *PartError) Unwrap() error {
	return e.Err
}

// IsRetryable reports whether err is a part failure marked retryable.
// Errors that are not PartError are treated as non-retryable.
func IsRetryable(err error) bool {
	var pe *PartError
	if errors.As(err, &pe) {
		return pe.Retryable
	}
	return false
}

// IsInvalidTransition checks if an error indicates a rejected state
// machine transition.
func IsInvalidTransition(err error) bool {
	return errors.Is(err, ErrInvalidTransition)
}

// IsSessionNotFound checks if an error indicates a missing session record.
func IsSessionNotFound(err error) bool {
	return errors.Is(err, ErrSessionNotFound)
}

// IsInvalidInput checks if an error indicates invalid input.
func IsInvalidInput(err error) bool {
	return errors.Is(err, ErrInvalidInput)
}
