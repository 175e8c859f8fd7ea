package engine

import (
	"context"
	"errors"
	"net"
	"strings"
	"time"

	"github.com/rendis/agentflow/pkg/schema"
)

// DefaultRetryDelay is the base backoff when a step configures retries
// without a delay.
const DefaultRetryDelay = time.Second

// maxBackoff caps a single sleep regardless of attempt count.
const maxBackoff = 5 * time.Minute

// RetryConfig bounds WithRetry. MaxRetries counts additional attempts after
// the first one.
type RetryConfig struct {
	MaxRetries int
	RetryDelay time.Duration
	// OnRetry, if set, is called before each backoff sleep.
	OnRetry func(attempt int, delay time.Duration, err error)
}

// RetryConfigFrom converts a step's retryConfig, applying the defaults
// (no retries, 1s base delay).
func RetryConfigFrom(c *schema.RetryConfig) RetryConfig {
	cfg := RetryConfig{RetryDelay: DefaultRetryDelay}
	if c == nil {
		return cfg
	}
	cfg.MaxRetries = c.MaxRetries
	if c.RetryDelay != nil {
		cfg.RetryDelay = time.Duration(*c.RetryDelay) * time.Millisecond
	}
	return cfg
}

// IsRetryableError classifies whether an error should be retried.
// Retryable by default: network errors, timeouts, context.DeadlineExceeded.
// Non-retryable: cancellation and FlowErrors with non-retryable codes.
func IsRetryableError(err error) bool {
	if err == nil {
		return false
	}

	// Context cancelled means the run is going away.
	if errors.Is(err, context.Canceled) {
		return false
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}

	if fe, ok := schema.AsFlowError(err); ok {
		return fe.IsRetryable()
	}

	var netErr net.Error
	if errors.As(err, &netErr) {
		return true
	}

	msg := strings.ToLower(err.Error())
	for _, p := range []string{
		"connection refused",
		"connection reset",
		"broken pipe",
		"eof",
		"temporary failure",
		"i/o timeout",
		"service unavailable",
		"bad gateway",
		"gateway timeout",
		"too many requests",
	} {
		if strings.Contains(msg, p) {
			return true
		}
	}

	// Let the retry budget limit unknown errors.
	return true
}

// ComputeBackoff returns base * 2^attempt, capped at five minutes.
// attempt is zero-based: the sleep after the first failure is base.
func ComputeBackoff(base time.Duration, attempt int) time.Duration {
	if base <= 0 || attempt < 0 {
		return 0
	}
	delay := base
	for i := 0; i < attempt; i++ {
		delay *= 2
		if delay >= maxBackoff {
			return maxBackoff
		}
	}
	return delay
}

// WaitForBackoff sleeps for delay or returns early with ctx's error.
func WaitForBackoff(ctx context.Context, delay time.Duration) error {
	if delay <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(delay)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// WithRetry calls fn up to cfg.MaxRetries+1 times, sleeping
// ComputeBackoff(cfg.RetryDelay, attempt) between failures. It returns the
// last value, the number of attempts made and the error.
//
// A non-retryable error is returned as-is. When every configured retry
// fails the error is RETRY_EXHAUSTED wrapping the last failure. A context
// cancelled during backoff yields CANCELLED (or TIMEOUT_ERROR for a deadline).
func WithRetry[T any](ctx context.Context, cfg RetryConfig, fn func(ctx context.Context, attempt int) (T, error)) (T, int, error) {
	if cfg.MaxRetries < 0 {
		cfg.MaxRetries = 0
	}

	var (
		val     T
		lastErr error
	)
	for attempt := 0; ; attempt++ {
		val, lastErr = fn(ctx, attempt)
		if lastErr == nil {
			return val, attempt + 1, nil
		}
		if cfg.MaxRetries == 0 || !IsRetryableError(lastErr) {
			return val, attempt + 1, lastErr
		}
		if attempt == cfg.MaxRetries {
			break
		}

		delay := ComputeBackoff(cfg.RetryDelay, attempt)
		if cfg.OnRetry != nil {
			cfg.OnRetry(attempt+1, delay, lastErr)
		}
		if err := WaitForBackoff(ctx, delay); err != nil {
			return val, attempt + 1, contextError(err, "retry backoff interrupted")
		}
	}

	attempts := cfg.MaxRetries + 1
	return val, attempts, schema.NewErrorf(schema.ErrCodeRetryExhausted,
		"failed after %d attempts: %s", attempts, errorMessage(lastErr)).
		WithCause(lastErr).
		WithDetails(map[string]any{"attempts": attempts})
}

// contextError maps a context error to CANCELLED or TIMEOUT_ERROR.
func contextError(err error, msg string) *schema.FlowError {
	if errors.Is(err, context.DeadlineExceeded) {
		return schema.NewErrorf(schema.ErrCodeTimeout, "%s: deadline exceeded", msg).WithCause(err)
	}
	return schema.NewErrorf(schema.ErrCodeCancelled, "%s: cancelled", msg).WithCause(err)
}

// errorMessage returns the bare message of a FlowError, or err.Error().
func errorMessage(err error) string {
	if fe, ok := schema.AsFlowError(err); ok {
		return fe.Message
	}
	return err.Error()
}
