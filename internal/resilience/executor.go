// Package resilience wraps upstream calls with classified retries and
// jittered exponential backoff.
package resilience

import (
	"context"
	"crypto/rand"
	"fmt"
	"time"

	"assistant-core/internal/common/errors"
)

// Outcome is a classifier's verdict on a failed call.
type Outcome int

const (
	// Retryable means the failure is transient and the call may be retried.
	Retryable Outcome = iota
	// Permanent means retrying cannot help; the error propagates immediately.
	Permanent
)

// Classifier decides whether a failed call is worth retrying.
type Classifier func(error) Outcome

// Config controls the retry schedule.
type Config struct {
	// MaxAttempts is the total number of attempts, including the first.
	MaxAttempts int

	// BaseDelay is the delay before the first retry. Attempt n (0-indexed)
	// waits BaseDelay * 2^n before the next try.
	BaseDelay time.Duration

	// MaxDelay caps the exponential growth.
	MaxDelay time.Duration

	// JitterFactor adds up to this fraction of extra random delay
	// (0.3 = up to 30%) so concurrent callers do not retry in lockstep.
	JitterFactor float64
}

// DefaultConfig returns the standard schedule for upstream calls.
func DefaultConfig() Config {
	return Config{
		MaxAttempts:  3,
		BaseDelay:    1 * time.Second,
		MaxDelay:     30 * time.Second,
		JitterFactor: 0.3,
	}
}

// ExhaustedError reports that every attempt failed. It wraps the last error.
type ExhaustedError struct {
	Attempts int
	Err      error
}

func (e *ExhaustedError) Error() string {
	return fmt.Sprintf("all %d attempts failed: %v", e.Attempts, e.Err)
}

func (e *ExhaustedError) Unwrap() error {
	return e.Err
}

// Do invokes fn up to cfg.MaxAttempts times. After each failure classify
// decides whether to retry; a Permanent verdict returns the error as is.
// A nil classifier retries every error. When attempts run out the last
// error is returned wrapped in an *ExhaustedError. Context cancellation
// aborts the backoff wait.
//
// Do re-invokes the same closure on every attempt, so fn must be idempotent
// or otherwise safe to re-invoke.
func Do(ctx context.Context, cfg Config, classify Classifier, fn func() error) error {
	var lastErr error

	for attempt := 0; attempt < cfg.MaxAttempts; attempt++ {
		if err := fn(); err == nil {
			return nil
		} else {
			lastErr = err
		}

		if classify != nil && classify(lastErr) == Permanent {
			return lastErr
		}

		if attempt == cfg.MaxAttempts-1 {
			break
		}

		select {
		case <-ctx.Done():
			return fmt.Errorf("retry aborted: %w", ctx.Err())
		case <-time.After(backoffDelay(cfg, attempt)):
		}
	}

	return &ExhaustedError{Attempts: cfg.MaxAttempts, Err: lastErr}
}

// ClassifyAppError is the default classifier over the application error
// taxonomy: rate-limit, unavailable, timeout and connection errors are
// retryable, everything else is permanent.
func ClassifyAppError(err error) Outcome {
	if errors.IsTransient(err) {
		return Retryable
	}
	return Permanent
}

// backoffDelay computes the wait before the retry following 0-indexed
// attempt: BaseDelay * 2^attempt, capped at MaxDelay, plus jitter.
func backoffDelay(cfg Config, attempt int) time.Duration {
	delay := cfg.BaseDelay << uint(attempt)
	if cfg.MaxDelay > 0 && delay > cfg.MaxDelay {
		delay = cfg.MaxDelay
	}
	if cfg.JitterFactor > 0 {
		jitter := time.Duration(float64(delay) * cfg.JitterFactor)
		delay += time.Duration(randomInt64n(int64(jitter)))
	}
	return delay
}

// randomInt64n returns a random int64 in [0, n), falling back to a
// time-based value if the system randomness source fails.
func randomInt64n(n int64) int64 {
	if n <= 0 {
		return 0
	}

	bytes := make([]byte, 8)
	if _, err := rand.Read(bytes); err != nil {
		return time.Now().UnixNano() % n
	}

	val := int64(bytes[0])<<56 | int64(bytes[1])<<48 | int64(bytes[2])<<40 | int64(bytes[3])<<32 |
		int64(bytes[4])<<24 | int64(bytes[5])<<16 | int64(bytes[6])<<8 | int64(bytes[7])
	if val < 0 {
		val = -val
	}
	return val % n
}
