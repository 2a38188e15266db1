package resilience

import (
	"context"
	"fmt"
	"math"
	"math/rand"
	"strings"
	"time"
)

// RetryConfig holds configuration for the exponential backoff retry logic.
type RetryConfig struct {
	MaxRetries int           // Maximum number of retry attempts after the first call
	BaseDelay  time.Duration // Initial delay before first retry
	MaxDelay   time.Duration // Maximum delay cap

	// Retryable decides whether an error is worth another attempt.
	// Defaults to IsServerError.
	Retryable func(error) bool
	// OnRetry is called before each backoff sleep.
	OnRetry func(attempt int, err error, delay time.Duration)
}

// DefaultRetryConfig returns sensible defaults for retry configuration.
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		MaxRetries: 3,
		BaseDelay:  500 * time.Millisecond,
		MaxDelay:   30 * time.Second,
	}
}

// RetryableFunc is a function that can be retried.
// It should return a non-nil error to trigger a retry.
type RetryableFunc func(ctx context.Context) error

// Retry executes fn with exponential backoff and full jitter.
// delay = rand(0, min(maxDelay, baseDelay * 2^attempt))
// Errors rejected by cfg.Retryable are returned unchanged on first sight.
// It respects context cancellation at every step.
func Retry(ctx context.Context, cfg RetryConfig, fn RetryableFunc) error {
	retryable := cfg.Retryable
	if retryable == nil {
		retryable = IsServerError
	}
	var lastErr error

	for attempt := 0; attempt <= cfg.MaxRetries; attempt++ {
		select {
		case <-ctx.Done():
			return fmt.Errorf("retry: context cancelled: %w", ctx.Err())
		default:
		}

		lastErr = fn(ctx)
		if lastErr == nil {
			return nil
		}
		if !retryable(lastErr) {
			return lastErr
		}
		if attempt == cfg.MaxRetries {
			break
		}

		delay := calculateDelay(attempt, cfg.BaseDelay, cfg.MaxDelay)
		if cfg.OnRetry != nil {
			cfg.OnRetry(attempt+1, lastErr, delay)
		}

		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return fmt.Errorf("retry: context cancelled during backoff: %w", ctx.Err())
		case <-timer.C:
		}
	}

	return fmt.Errorf("retry: max retries (%d) exceeded: %w", cfg.MaxRetries, lastErr)
}

// calculateDelay computes the jittered backoff delay.
// Uses "Full Jitter": delay = rand(0, min(cap, base * 2^attempt))
func calculateDelay(attempt int, baseDelay, maxDelay time.Duration) time.Duration {
	expDelay := float64(baseDelay) * math.Pow(2, float64(attempt))
	if maxDelay > 0 && expDelay > float64(maxDelay) {
		expDelay = float64(maxDelay)
	}

	jitteredDelay := time.Duration(rand.Float64() * expDelay)
	if jitteredDelay < time.Millisecond {
		jitteredDelay = time.Millisecond
	}
	return jitteredDelay
}

// IsServerError returns true if the error text carries a 5xx or 429 status.
// It is the fallback predicate for errors without a typed classification.
func IsServerError(err error) bool {
	if err == nil {
		return false
	}
	msg := err.Error()
	for _, code := range []string{"429", "500", "502", "503", "504"} {
		if strings.Contains(msg, code) {
			return true
		}
	}
	return false
}
