package resilience

import (
	"context"
	"fmt"
	"math"
	"math/rand"
	"time"

	"github.com/sentinelops/medic/core"
)

// RetryConfig shapes the backoff schedule for outbound calls and store
// writes.
type RetryConfig struct {
	MaxAttempts   int
	InitialDelay  time.Duration
	MaxDelay      time.Duration
	BackoffFactor float64
	JitterEnabled bool
}

// DefaultRetryConfig is the schedule used for enrichment and supervisor
// calls: three attempts inside the time one kill event may reasonably
// wait.
func DefaultRetryConfig() *RetryConfig {
	return &RetryConfig{
		MaxAttempts:   3,
		InitialDelay:  100 * time.Millisecond,
		MaxDelay:      5 * time.Second,
		BackoffFactor: 2.0,
		JitterEnabled: true,
	}
}

// backoff returns the pause after the given attempt (1-based; the first
// retry waits InitialDelay). Jitter adds up to a quarter of the delay so
// callers that failed together do not retry together.
func (c *RetryConfig) backoff(attempt int) time.Duration {
	factor := c.BackoffFactor
	if factor <= 0 {
		factor = 1
	}
	d := float64(c.InitialDelay) * math.Pow(factor, float64(attempt-1))
	if limit := float64(c.MaxDelay); c.MaxDelay > 0 && d > limit {
		d = limit
	}
	if c.JitterEnabled {
		d += rand.Float64() * d * 0.25
	}
	return time.Duration(d)
}

// Retry runs fn with exponential backoff until it succeeds, a permanent
// error surfaces, the attempt budget is spent, or ctx ends. Permanent
// errors (validation, configuration, not-found, already-resolved) abort
// immediately: retrying a malformed kill event or a resolved outcome can
// never succeed and only delays the pipeline.
func Retry(ctx context.Context, config *RetryConfig, fn func() error) error {
	if config == nil {
		config = DefaultRetryConfig()
	}
	attempts := config.MaxAttempts
	if attempts <= 0 {
		attempts = 1
	}

	var lastErr error
	for attempt := 1; attempt <= attempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return err
		}

		lastErr = fn()
		if lastErr == nil {
			return nil
		}
		if isPermanent(lastErr) {
			return lastErr
		}
		if attempt == attempts {
			break
		}
		if err := pause(ctx, config.backoff(attempt)); err != nil {
			return err
		}
	}

	return fmt.Errorf("max retry attempts (%d) exceeded for %v: %w",
		attempts, lastErr, core.ErrMaxRetriesExceeded)
}

// isPermanent reports whether retrying the error is pointless.
func isPermanent(err error) bool {
	return core.IsInvalidInput(err) ||
		core.IsConfigurationError(err) ||
		core.IsNotFound(err) ||
		core.IsAlreadyResolved(err) ||
		core.IsStateError(err)
}

// pause waits for d unless ctx ends first.
func pause(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// RetryWithCircuitBreaker retries fn through cb. Rejections from an open
// breaker burn attempts like any transient error, so a sleep window that
// elapses mid-backoff still gets its probe.
func RetryWithCircuitBreaker(ctx context.Context, config *RetryConfig, cb *CircuitBreaker, fn func() error) error {
	return Retry(ctx, config, func() error {
		return cb.Execute(ctx, fn)
	})
}
