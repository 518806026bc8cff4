// Package retry provides bounded retries for single operations against
// the platform. Retries never span more than the current item: a
// rate-limited send pauses that send only, not the tenant's other timers.
package retry

import (
	"context"
	"math"
	"math/rand"
	"strings"
	"time"

	"github.com/herald/internal/platform"
)

// Config configures retry behavior with exponential backoff.
type Config struct {
	MaxRetries int           `json:"max_retries"`
	BaseDelay  time.Duration `json:"base_delay"`
	MaxDelay   time.Duration `json:"max_delay"`
	Multiplier float64       `json:"multiplier"`
	Jitter     bool          `json:"jitter"`

	// MaxRetryAfter caps the wait a platform backoff signal may demand
	// before we treat the operation as failed instead of sleeping.
	MaxRetryAfter time.Duration `json:"max_retry_after"`
}

// DefaultConfig returns sensible defaults for platform sends.
func DefaultConfig() Config {
	return Config{
		MaxRetries:    3,
		BaseDelay:     2 * time.Second,
		MaxDelay:      60 * time.Second,
		Multiplier:    2.0,
		Jitter:        true,
		MaxRetryAfter: 5 * time.Minute,
	}
}

// Do runs op, retrying transient failures. A RateLimitedError is honored
// by sleeping the platform-mandated wait (bounded by MaxRetryAfter);
// other errors retry only when Retryable says so. Session expiry and
// unknown targets are never retried.
func Do(ctx context.Context, cfg Config, op func() error) error {
	var lastErr error
	for attempt := 0; attempt <= cfg.MaxRetries; attempt++ {
		lastErr = op()
		if lastErr == nil {
			return nil
		}

		if attempt >= cfg.MaxRetries {
			break
		}

		var delay time.Duration
		if wait, ok := platform.RetryAfter(lastErr); ok {
			if cfg.MaxRetryAfter > 0 && wait > cfg.MaxRetryAfter {
				return lastErr
			}
			delay = wait
		} else if Retryable(lastErr) {
			delay = backoffDelay(cfg, attempt)
		} else {
			return lastErr
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(delay):
		}
	}
	return lastErr
}

func backoffDelay(cfg Config, attempt int) time.Duration {
	delay := float64(cfg.BaseDelay) * math.Pow(cfg.Multiplier, float64(attempt))
	if delay > float64(cfg.MaxDelay) {
		delay = float64(cfg.MaxDelay)
	}
	if cfg.Jitter {
		jitterRange := delay * 0.1
		delay += (rand.Float64() - 0.5) * 2 * jitterRange
		if delay < 0 {
			delay = float64(cfg.BaseDelay)
		}
	}
	return time.Duration(delay)
}

// Retryable reports whether an error is worth retrying. Session expiry
// and unresolvable targets are permanent by definition.
func Retryable(err error) bool {
	if err == nil {
		return false
	}
	if platform.IsSessionExpired(err) || platform.IsTargetNotFound(err) {
		return false
	}
	if _, ok := platform.RetryAfter(err); ok {
		return true
	}

	errStr := strings.ToLower(err.Error())
	transient := []string{
		"connection refused",
		"connection reset",
		"timeout",
		"temporary failure",
		"service unavailable",
		"too many requests",
		"broken pipe",
		"network unreachable",
	}
	for _, marker := range transient {
		if strings.Contains(errStr, marker) {
			return true
		}
	}
	return false
}
