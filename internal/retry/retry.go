// Package retry runs network operations under a bounded exponential backoff
// policy. Only errors marked with Retryable are retried; anything else ends
// the loop at once.
package retry

import (
	"context"
	"errors"
	"math"
	"math/rand"
	"time"

	"github.com/cognitedata/cdffs/internal/logging"
	"github.com/cognitedata/cdffs/internal/metrics"
)

// Config holds retry configuration.
type Config struct {
	MaxAttempts int           // Maximum number of attempts (0 = infinite, 1 = no retries)
	InitialWait time.Duration // Wait before the second attempt
	MaxWait     time.Duration // Maximum wait time (0 = uncapped)
	Multiplier  float64       // Backoff multiplier
	Jitter      float64       // Jitter factor (0-1)
	Operation   string        // Label for logs and metrics
}

// DefaultConfig returns the policy used for uploads and metadata updates.
func DefaultConfig() Config {
	return Config{
		MaxAttempts: 5,
		InitialWait: 500 * time.Millisecond,
		MaxWait:     30 * time.Second,
		Multiplier:  2.0,
	}
}

// Named returns a copy of cfg labelled with operation.
func (cfg Config) Named(operation string) Config {
	cfg.Operation = operation
	return cfg
}

// RetryableError wraps an error that should be retried.
type RetryableError struct {
	Err error
}

func (e RetryableError) Error() string {
	return e.Err.Error()
}

func (e RetryableError) Unwrap() error {
	return e.Err
}

// PermanentError wraps an error whose retry budget has been spent.
type PermanentError struct {
	Err error
}

func (e PermanentError) Error() string {
	return e.Err.Error()
}

func (e PermanentError) Unwrap() error {
	return e.Err
}

// Permanent marks err as final. Enclosing loops stop on it even when it
// wraps a Retryable error, so nested policies never multiply.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return PermanentError{Err: err}
}

// IsRetryable returns true if the error should be retried.
func IsRetryable(err error) bool {
	var permanent PermanentError
	if errors.As(err, &permanent) {
		return false
	}
	var retryable RetryableError
	return errors.As(err, &retryable)
}

// Retryable wraps an error to mark it as retryable.
func Retryable(err error) error {
	if err == nil {
		return nil
	}
	var retryable RetryableError
	if errors.As(err, &retryable) {
		return err
	}
	return RetryableError{Err: err}
}

// Do executes fn with retries.
func Do(ctx context.Context, cfg Config, fn func() error) error {
	_, err := DoWithResult(ctx, cfg, func() (struct{}, error) {
		return struct{}{}, fn()
	})
	return err
}

// DoWithResult executes fn with retries and returns a result.
func DoWithResult[T any](ctx context.Context, cfg Config, fn func() (T, error)) (T, error) {
	var result T
	var lastErr error

	for attempt := 1; cfg.MaxAttempts <= 0 || attempt <= cfg.MaxAttempts; attempt++ {
		r, err := fn()
		if err == nil {
			return r, nil
		}

		lastErr = err

		if !IsRetryable(err) {
			return result, err
		}
		if cfg.MaxAttempts > 0 && attempt == cfg.MaxAttempts {
			break
		}

		if ctx.Err() != nil {
			return result, ctx.Err()
		}

		wait := cfg.backoff(attempt)
		if cfg.Operation != "" {
			metrics.RecordRetry(cfg.Operation)
			logging.WithContext(ctx).Info("retrying operation",
				logging.String("operation", cfg.Operation),
				logging.Int("attempt", attempt),
				logging.Duration("wait", wait),
				logging.Err(err))
		}

		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return result, ctx.Err()
		case <-timer.C:
		}
	}

	return result, lastErr
}

// backoff returns the wait after the given failed attempt (1-based).
func (cfg Config) backoff(attempt int) time.Duration {
	multiplier := cfg.Multiplier
	if multiplier <= 0 {
		multiplier = 1
	}
	wait := float64(cfg.InitialWait) * math.Pow(multiplier, float64(attempt-1))
	if cfg.MaxWait > 0 && wait > float64(cfg.MaxWait) {
		wait = float64(cfg.MaxWait)
	}

	if cfg.Jitter > 0 {
		jitter := wait * cfg.Jitter * (rand.Float64()*2 - 1)
		wait += jitter
	}
	return time.Duration(wait)
}
