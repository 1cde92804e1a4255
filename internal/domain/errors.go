package domain

import (
	"errors"
	"fmt"
)

var (
	// ErrEmptyInput rejects blank submissions. The transcript is not touched.
	ErrEmptyInput = errors.New("message is empty")
	// ErrInputTooLong rejects submissions over the configured size.
	ErrInputTooLong = errors.New("message is too long")
	// ErrBusy rejects submissions while a request is in flight.
	ErrBusy = errors.New("a response is already in progress")
	// ErrInvalidState signals an illegal transition; it indicates a wiring defect.
	ErrInvalidState = errors.New("invalid state")
	// ErrNotFound signals a reference to a turn that is not where it must be.
	ErrNotFound = errors.New("turn not found")
	// ErrNothingToRetry is returned by retry when the last turn did not fail.
	ErrNothingToRetry = fmt.Errorf("%w: no failed response to retry", ErrNotFound)
	// ErrTransport covers unreachable backends, broken streams and timeouts.
	ErrTransport = errors.New("transport error")
	// ErrBackend is matched by *BackendError.
	ErrBackend = errors.New("backend error")
	// ErrCancelled marks a request stopped by the user.
	ErrCancelled = errors.New("cancelled")
	// ErrSessionClosed is returned by operations on a torn-down session.
	ErrSessionClosed = errors.New("session closed")
)

// BackendError is an explicit error payload returned by the language-model backend.
type BackendError struct {
	Status  int
	Message string
}

func (e *BackendError) Error() string {
	if e.Status > 0 {
		return fmt.Sprintf("backend error (status %d): %s", e.Status, e.Message)
	}
	return "backend error: " + e.Message
}

// Is lets errors.Is(err, ErrBackend) match any *BackendError.
func (e *BackendError) Is(target error) bool {
	return target == ErrBackend
}

// ClassifyFailure maps an error to the failure kind and the reason shown to the user.
// Backend messages are surfaced verbatim.
func ClassifyFailure(err error) (FailureKind, string) {
	var be *BackendError
	switch {
	case err == nil:
		return FailureInternal, "unknown error"
	case errors.Is(err, ErrCancelled):
		return FailureCancelled, "Response cancelled"
	case errors.As(err, &be):
		if be.Message == "" {
			return FailureBackend, "The assistant returned an error"
		}
		return FailureBackend, be.Message
	case errors.Is(err, ErrTransport):
		return FailureTransport, err.Error()
	default:
		return FailureInternal, "Something went wrong"
	}
}
