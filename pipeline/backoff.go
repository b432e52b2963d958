package pipeline

import (
	"context"
	"math/rand"
	"time"
)

// RetryPolicy defines retry behavior for transient store contention inside
// the guard.
//
// When an acquire attempt hits transient contention, the policy determines
// whether another attempt is made and how long to wait before it.
// Exponential backoff with jitter is used to avoid thundering herd problems.
type RetryPolicy struct {
	// MaxAttempts is the maximum number of attempts (including the first).
	// Must be >= 1. A value of 1 means no retries.
	MaxAttempts int

	// BaseDelay is the base delay for exponential backoff between retries.
	// The actual delay is computed as: min(BaseDelay * 2^attempt, MaxDelay) + jitter.
	BaseDelay time.Duration

	// MaxDelay is the maximum delay cap for exponential backoff.
	// Must be >= BaseDelay when both are set.
	MaxDelay time.Duration
}

// DefaultRetryPolicy bounds guard retries at five attempts with delays
// between 50ms and 500ms. Contention windows are short: the racing writer
// either commits its insert or rolls back within milliseconds.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxAttempts: 5,
		BaseDelay:   50 * time.Millisecond,
		MaxDelay:    500 * time.Millisecond,
	}
}

// Validate checks if the RetryPolicy configuration is valid.
// Returns an error if any constraints are violated:
//   - MaxAttempts must be >= 1 (1 means no retries, just initial attempt)
//   - If both MaxDelay and BaseDelay are > 0, then MaxDelay must be >= BaseDelay
//     (MaxDelay == 0 is treated as "no maximum delay cap")
func (rp RetryPolicy) Validate() error {
	if rp.MaxAttempts < 1 {
		return ErrInvalidRetryPolicy
	}
	if rp.MaxDelay > 0 && rp.BaseDelay > 0 && rp.MaxDelay < rp.BaseDelay {
		return ErrInvalidRetryPolicy
	}
	return nil
}

// computeBackoff calculates the delay before the next acquire attempt using
// exponential backoff with jitter:
//
//	delay = min(base * 2^attempt, maxDelay) + jitter(0, base)
//
// The exponential component doubles the delay with each retry, backing off
// a contended subject. Jitter randomizes retry timing across concurrent
// callers so they do not re-collide in lockstep.
//
// Example delays with base=50ms, maxDelay=500ms:
//   - attempt 0: 50ms + jitter(0, 50ms)
//   - attempt 1: 100ms + jitter(0, 50ms)
//   - attempt 2: 200ms + jitter(0, 50ms)
//   - attempt 4: 500ms + jitter(0, 50ms) (capped)
func computeBackoff(attempt int, base, maxDelay time.Duration) time.Duration {
	if base <= 0 {
		return 0
	}

	// Use bit shift for efficient 2^attempt calculation.
	exponentialDelay := base * (1 << attempt)

	// Cap at maxDelay; the shift overflows for large attempt counts, which
	// shows up as a non-positive duration.
	if maxDelay > 0 && (exponentialDelay <= 0 || exponentialDelay > maxDelay) {
		exponentialDelay = maxDelay
	}

	// Note: Using math/rand for jitter timing, not security-sensitive
	jitter := time.Duration(rand.Int63n(int64(base))) // #nosec G404 -- jitter for retry timing, not security

	return exponentialDelay + jitter
}

// sleepContext waits for d or until ctx is done, whichever comes first.
func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
