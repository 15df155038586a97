// Package errors defines the error kinds surfaced by opskit primitives.
//
// Deny decisions (a full bucket, an open breaker, a duplicate id) are regular
// return values. Only the conditions below surface as errors; callers match
// them with errors.Is since they are always wrapped with the offending key.
package errors

import "errors"

var (
	// ErrTimeout is returned when a store call exceeds its deadline.
	ErrTimeout = errors.New("timeout")
	// ErrConnectionClosed is returned when the store client was closed.
	ErrConnectionClosed = errors.New("connection closed")
	// ErrStoreUnavailable wraps every transport level store failure.
	ErrStoreUnavailable = errors.New("opskit: store unavailable")

	// ErrRateLimitExceeded is the fail-fast deny of a rate limit gate.
	ErrRateLimitExceeded = errors.New("opskit: rate limit exceeded")
	// ErrRateLimitWaitTimeout is returned when the max wait elapses while polling.
	ErrRateLimitWaitTimeout = errors.New("opskit: rate limit wait exceeded")
	// ErrSemaphoreFull is returned when an acquire finds every slot taken.
	ErrSemaphoreFull = errors.New("opskit: semaphore limit reached")

	// ErrInvalidDuration is returned for malformed duration literals.
	ErrInvalidDuration = errors.New("opskit: invalid duration")
	// ErrInvalidConfig is returned when configuration or limits fail validation.
	ErrInvalidConfig = errors.New("opskit: invalid configuration")

	// ErrGaveUp is returned by retry policies once attempts are exhausted.
	ErrGaveUp = errors.New("opskit: retry attempts exhausted")
)
