package remote

import (
	"context"
	"errors"
	"fmt"
	"net"
)

// Failure classes surfaced by Source implementations and by the components
// built on top of them. Callers classify with errors.Is.
var (
	// ErrNotFound indicates the remote target vanished.
	ErrNotFound = errors.New("remote: not found")

	// ErrNotADirectory indicates the id does not name a directory.
	ErrNotADirectory = errors.New("remote: not a directory")

	// ErrBusy indicates a concurrent structural mutation was detected
	// (duplicate id within one listing pass, or total-count drift).
	// Always retryable later, never repaired in place.
	ErrBusy = errors.New("remote: busy")
)

// StatusError carries a protocol status code alongside the underlying error.
// Codes >= 400 indicate a client/server fault that must propagate.
type StatusError struct {
	Code int
	Err  error
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("remote: status %d: %v", e.Code, e.Err)
}

func (e *StatusError) Unwrap() error { return e.Err }

// StatusCode extracts the protocol status code from err, or 0 if none.
func StatusCode(err error) int {
	var se *StatusError
	if errors.As(err, &se) {
		return se.Code
	}
	return 0
}

// IsTimeout reports whether err is a timeout-class failure: transient
// backend slowness that is expected and safe to retry at the same offset.
func IsTimeout(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var ne net.Error
	if errors.As(err, &ne) && ne.Timeout() {
		return true
	}
	var te interface{ Timeout() bool }
	if errors.As(err, &te) {
		return te.Timeout()
	}
	return false
}
