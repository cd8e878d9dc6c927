package core

import (
	"errors"
	"fmt"
	"time"
)

// ErrNotFound reports that the provider has no item with the requested id.
var ErrNotFound = errors.New("catalog item not found")

// ErrAlreadyExists reports a create against an id that is taken.
var ErrAlreadyExists = errors.New("already exists")

// ThrottledError reports that a call was not made (or was refused by the
// provider) because a rate limit is exhausted.
type ThrottledError struct {
	Scope      string
	ResetAt    time.Time
	RetryAfter time.Duration
	// Upstream is true when the provider answered 429.
	Upstream bool
}

func (e *ThrottledError) Error() string {
	if e.Upstream {
		return fmt.Sprintf("%s: provider rate limited, retry after %s", e.Scope, e.RetryAfter.Round(time.Second))
	}
	return fmt.Sprintf("%s: rate limit exhausted until %s", e.Scope, e.ResetAt.Format(time.RFC3339))
}

// UnavailableError reports that the dependency is presumed down and no
// network attempt was made.
type UnavailableError struct {
	Dependency string
	RetryAt    time.Time
	Err        error
}

func (e *UnavailableError) Error() string {
	return fmt.Sprintf("%s unavailable: %v", e.Dependency, e.Err)
}

func (e *UnavailableError) Unwrap() error { return e.Err }

// TransientError is a timeout, transport failure or 5xx. It counts against
// the breaker and may be retried.
type TransientError struct {
	Op         string
	StatusCode int
	Timeout    bool
	Err        error
}

func (e *TransientError) Error() string {
	switch {
	case e.Timeout:
		return fmt.Sprintf("%s: timed out", e.Op)
	case e.StatusCode > 0:
		return fmt.Sprintf("%s: upstream status %d", e.Op, e.StatusCode)
	default:
		return fmt.Sprintf("%s: %v", e.Op, e.Err)
	}
}

func (e *TransientError) Unwrap() error { return e.Err }

// UpstreamError is a definitive 4xx rejection. It is not retried and does
// not count against the breaker.
type UpstreamError struct {
	Op         string
	StatusCode int
	Message    string
}

func (e *UpstreamError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("%s: upstream rejected request with status %d", e.Op, e.StatusCode)
	}
	return fmt.Sprintf("%s: upstream rejected request with status %d: %s", e.Op, e.StatusCode, e.Message)
}

// IsRetryable reports whether err may succeed on a later attempt within the
// same run.
func IsRetryable(err error) bool {
	var transient *TransientError
	return errors.As(err, &transient)
}

// IsAdmissionDenied reports whether err came from admission control rather
// than from the provider answering.
func IsAdmissionDenied(err error) bool {
	var throttled *ThrottledError
	var unavailable *UnavailableError
	return errors.As(err, &throttled) || errors.As(err, &unavailable)
}
