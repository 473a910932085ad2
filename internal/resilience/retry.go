package resilience

import (
	"context"
	"math"
	"math/rand/v2"
	"time"

	"go.uber.org/zap"
)

// RetryPolicy controls retry behavior with exponential backoff and jitter.
// Attempts are 1-indexed: attempt 1 runs immediately, attempt n >= 2 waits
// BaseDelay * 2^(n-2) plus up to JitterFraction of that delay.
type RetryPolicy struct {
	// MaxRetries is the total number of attempts (including the first try).
	// A value of 1 means no retries. Default: 4.
	MaxRetries int

	// BaseDelay is the delay before the second attempt. Default: 1s.
	BaseDelay time.Duration

	// MaxDelay caps the backoff duration before jitter. Default: 30s.
	MaxDelay time.Duration

	// JitterFraction bounds the uniform random jitter added to each delay,
	// as a fraction of that delay (0.0 = no jitter). Default: 0.3.
	JitterFraction float64

	// Retryable optionally overrides the default transient-error check.
	// If nil, IsTransient is used.
	Retryable func(err error) bool

	// OnRetry is called before each retry sleep with attempt number and error.
	OnRetry func(attempt int, err error)
}

// DefaultRetryPolicy returns the standard engine retry policy.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxRetries:     4,
		BaseDelay:      1 * time.Second,
		MaxDelay:       30 * time.Second,
		JitterFraction: 0.3,
	}
}

func (p RetryPolicy) withDefaults() RetryPolicy {
	if p.MaxRetries <= 0 {
		p.MaxRetries = 4
	}
	if p.BaseDelay <= 0 {
		p.BaseDelay = 1 * time.Second
	}
	if p.MaxDelay <= 0 {
		p.MaxDelay = 30 * time.Second
	}
	if p.JitterFraction < 0 {
		p.JitterFraction = 0
	}
	return p
}

// DelayFor returns how long to wait before the given 1-indexed attempt.
func (p RetryPolicy) DelayFor(attempt int) time.Duration {
	if attempt <= 1 {
		return 0
	}
	p = p.withDefaults()

	delay := float64(p.BaseDelay) * math.Pow(2, float64(attempt-2))
	if delay > float64(p.MaxDelay) {
		delay = float64(p.MaxDelay)
	}

	if p.JitterFraction > 0 {
		delay += rand.Float64() * p.JitterFraction * delay // [0, JitterFraction*delay)
	}
	return time.Duration(delay)
}

// ShouldRetry reports whether another attempt should follow the given
// failed attempt.
func (p RetryPolicy) ShouldRetry(attempt int, err error) bool {
	if err == nil {
		return false
	}
	p = p.withDefaults()
	if attempt >= p.MaxRetries {
		return false
	}
	if p.Retryable != nil {
		return p.Retryable(err)
	}
	return IsTransient(err)
}

// Execute runs fn until it succeeds, returns a non-retryable error, or the
// attempts are exhausted. The last error is returned. Context cancellation
// stops retries immediately.
func (p RetryPolicy) Execute(ctx context.Context, fn func(ctx context.Context) error) error {
	_, err := ExecuteVal(ctx, p, func(ctx context.Context) (struct{}, error) {
		return struct{}{}, fn(ctx)
	})
	return err
}

// ExecuteVal is like Execute but preserves the return value from the
// successful call.
func ExecuteVal[T any](ctx context.Context, p RetryPolicy, fn func(ctx context.Context) (T, error)) (T, error) {
	p = p.withDefaults()

	var zero T
	var lastErr error
	for attempt := 1; attempt <= p.MaxRetries; attempt++ {
		if attempt > 1 {
			timer := time.NewTimer(p.DelayFor(attempt))
			select {
			case <-ctx.Done():
				timer.Stop()
				return zero, lastErr
			case <-timer.C:
			}
		}

		val, err := fn(ctx)
		if err == nil {
			return val, nil
		}
		lastErr = err

		// Don't retry on context cancellation.
		if ctx.Err() != nil {
			return zero, lastErr
		}

		if !p.ShouldRetry(attempt, lastErr) {
			return zero, lastErr
		}

		if p.OnRetry != nil {
			p.OnRetry(attempt, lastErr)
		}
	}

	return zero, lastErr
}

// RetryLogger returns an OnRetry callback that logs each retry attempt.
func RetryLogger(service, operation string) func(int, error) {
	return func(attempt int, err error) {
		zap.L().Warn("retrying operation",
			zap.String("service", service),
			zap.String("operation", operation),
			zap.Int("attempt", attempt),
			zap.Error(err),
		)
	}
}

// BreakerLogger returns an OnStateChange callback that logs transitions
// of the named endpoint's circuit breaker.
func BreakerLogger(endpoint string) func(from, to CircuitState) {
	return func(from, to CircuitState) {
		log := zap.L().With(
			zap.String("endpoint", endpoint),
			zap.String("from", from.String()),
			zap.String("to", to.String()),
		)
		switch to {
		case CircuitOpen:
			log.Warn("circuit breaker opened, requests will fast-fail")
		case CircuitHalfOpen:
			log.Info("circuit breaker half-open, testing recovery")
		default:
			log.Info("circuit breaker closed")
		}
	}
}
