package platform

import (
	"errors"
	"fmt"
	"time"
)

// Sentinel errors for the failure modes callers branch on.
var (
	// ErrSessionUnavailable means the tenant has no connected session.
	// Surfaced to the caller, never retried automatically.
	ErrSessionUnavailable = errors.New("no connected session for tenant")

	// ErrSessionExpired means the platform revoked the session. Callers
	// should prompt re-authentication instead of retrying.
	ErrSessionExpired = errors.New("session expired or revoked")

	// ErrTargetNotFound means a target could not be resolved. Recorded
	// per item; never aborts a batch.
	ErrTargetNotFound = errors.New("target not found")
)

// RateLimitedError is the platform's backoff signal. RetryAfter is the
// mandated wait before the current operation may be retried.
type RateLimitedError struct {
	RetryAfter time.Duration
}

func (e *RateLimitedError) Error() string {
	return fmt.Sprintf("rate limited by platform, retry after %s", e.RetryAfter)
}

// RetryAfter extracts the mandated wait from err. The second return is
// false when err is not a rate-limit signal.
func RetryAfter(err error) (time.Duration, bool) {
	var rl *RateLimitedError
	if errors.As(err, &rl) {
		return rl.RetryAfter, true
	}
	return 0, false
}

// IsSessionExpired reports whether err indicates a revoked session.
func IsSessionExpired(err error) bool {
	return errors.Is(err, ErrSessionExpired)
}

// IsTargetNotFound reports whether err indicates an unresolvable target.
func IsTargetNotFound(err error) bool {
	return errors.Is(err, ErrTargetNotFound)
}
