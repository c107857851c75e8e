package resilience

import (
	"context"
	"math"
	"math/rand"
	"time"
)

// Policy defines generic retry behavior, adapted from the token-bucket
// family's RetryPolicy but specialized to the LLM transport's fixed
// schedule: 4 total attempts, backoff 1000ms * 2^attempt plus jitter in
// [0, 500ms).
type Policy struct {
	MaxAttempts     int
	BaseDelay       time.Duration
	JitterMax       time.Duration
	RetryableErrors func(error) bool
	OnRetry         func(attempt int, err error, delay time.Duration)
}

// DefaultTransportPolicy matches §4.5's retry contract exactly.
func DefaultTransportPolicy() *Policy {
	return &Policy{
		MaxAttempts: 4,
		BaseDelay:   time.Second,
		JitterMax:   500 * time.Millisecond,
	}
}

// Delay computes the backoff before the given zero-based retry attempt:
// baseDelay * 2^attempt, plus uniform jitter in [0, jitterMax).
func (p *Policy) Delay(attempt int) time.Duration {
	backoff := time.Duration(float64(p.BaseDelay) * math.Pow(2, float64(attempt)))
	if p.JitterMax > 0 {
		backoff += time.Duration(rand.Int63n(int64(p.JitterMax)))
	}
	return backoff
}

// Do executes fn up to p.MaxAttempts times, sleeping Delay(attempt) between
// attempts and calling OnRetry before each sleep. Stops immediately if
// RetryableErrors rejects the error. Returns the last error on exhaustion.
func Do(ctx context.Context, p *Policy, fn func(attempt int) error) error {
	if p == nil {
		p = DefaultTransportPolicy()
	}

	var lastErr error
	for attempt := 0; attempt < p.MaxAttempts; attempt++ {
		err := fn(attempt)
		if err == nil {
			return nil
		}
		lastErr = err

		if p.RetryableErrors != nil && !p.RetryableErrors(err) {
			return err
		}
		if attempt == p.MaxAttempts-1 {
			break
		}

		delay := p.Delay(attempt)
		if p.OnRetry != nil {
			p.OnRetry(attempt, err, delay)
		}

		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return lastErr
}
