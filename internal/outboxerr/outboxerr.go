// Package outboxerr defines the typed error kinds named in spec.md §7, so
// callers can branch on error identity instead of matching strings.
package outboxerr

import (
	"fmt"
	"time"
)

// ErrNotFound is the error kind for a job record that no longer exists in
// the Job Store.
var ErrNotFound = fmt.Errorf("job record not found")

// ErrAlreadySent is the error kind for a job whose record is already SENT.
var ErrAlreadySent = fmt.Errorf("job already sent")

// ErrRateLimited signals a rate-limit deferral: no status change, a fresh
// queue entry is scheduled RetryAfter in the future.
type ErrRateLimited struct {
	RetryAfter time.Duration
}

func (e ErrRateLimited) Error() string {
	return fmt.Sprintf("rate limited, retry after %s", e.RetryAfter)
}

// ErrTransportFailure wraps an SMTP collaborator error.
type ErrTransportFailure struct {
	Cause error
}

func (e ErrTransportFailure) Error() string { return fmt.Sprintf("transport failure: %v", e.Cause) }
func (e ErrTransportFailure) Unwrap() error { return e.Cause }

// ErrStoreWrite wraps a Job Store write failure.
type ErrStoreWrite struct {
	Cause error
}

func (e ErrStoreWrite) Error() string { return fmt.Sprintf("store write failure: %v", e.Cause) }
func (e ErrStoreWrite) Unwrap() error { return e.Cause }

// ErrQueueUnavailable wraps a Delay Queue enqueue failure at schedule time.
type ErrQueueUnavailable struct {
	Cause error
}

func (e ErrQueueUnavailable) Error() string {
	return fmt.Sprintf("queue unavailable: %v", e.Cause)
}
func (e ErrQueueUnavailable) Unwrap() error { return e.Cause }

// ErrValidation is returned at the API boundary for malformed requests
// (empty recipient list, missing subject/body, etc). The core never writes
// a store record when this is returned.
type ErrValidation struct {
	Details string
}

func (e ErrValidation) Error() string { return fmt.Sprintf("validation error: %s", e.Details) }
