package recovery

import (
	"context"
	"fmt"
	"math"
	"math/rand"
	"time"

	"github.com/charmbracelet/log"

	"github.com/loomhq/loom/internal/logging"
)

// Retrier wraps a unit of work with bounded, classified retries. The delay
// before attempt n is min(backoff * base^(n-1), maxDelay) scaled by a
// jitter factor in [0.5, 1.0), where backoff comes from the error's
// classification. Non-retryable errors short-circuit immediately.
type Retrier struct {
	maxAttempts int
	base        float64
	maxDelay    time.Duration
	jitter      func() float64
	sleep       func(ctx context.Context, d time.Duration) error
	logger      *log.Logger
}

// RetrierOption configures a Retrier.
type RetrierOption func(*Retrier)

// WithMaxAttempts overrides the default of 3 attempts.
func WithMaxAttempts(n int) RetrierOption {
	return func(r *Retrier) {
		if n > 0 {
			r.maxAttempts = n
		}
	}
}

// WithBackoffBase overrides the default exponential base of 2.
func WithBackoffBase(base float64) RetrierOption {
	return func(r *Retrier) {
		if base > 0 {
			r.base = base
		}
	}
}

// WithMaxDelay overrides the default delay cap of 60 seconds.
func WithMaxDelay(d time.Duration) RetrierOption {
	return func(r *Retrier) {
		if d > 0 {
			r.maxDelay = d
		}
	}
}

// withJitter fixes the jitter factor; tests use it for determinism.
func withJitter(fn func() float64) RetrierOption {
	return func(r *Retrier) { r.jitter = fn }
}

// withSleep replaces the delay; tests use it to avoid real sleeping.
func withSleep(fn func(ctx context.Context, d time.Duration) error) RetrierOption {
	return func(r *Retrier) { r.sleep = fn }
}

// NewRetrier returns a Retrier with the default policy: 3 attempts,
// exponential base 2, 60s delay cap.
func NewRetrier(opts ...RetrierOption) *Retrier {
	r := &Retrier{
		maxAttempts: 3,
		base:        2,
		maxDelay:    60 * time.Second,
		jitter:      func() float64 { return 0.5 + rand.Float64()*0.5 },
		sleep:       ctxSleep,
		logger:      logging.New("retry"),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Do runs fn until it succeeds, the error classifies as non-retryable, or
// attempts run out. The last error is returned annotated with the attempt
// count. Context cancellation interrupts the backoff sleep.
func (r *Retrier) Do(ctx context.Context, fn func(ctx context.Context) error) error {
	var lastErr error
	for attempt := 1; attempt <= r.maxAttempts; attempt++ {
		lastErr = fn(ctx)
		if lastErr == nil {
			return nil
		}

		cls := Classify(lastErr)
		if !cls.Retryable {
			return fmt.Errorf("recovery: non-retryable %s error: %w", cls.Category, lastErr)
		}
		if attempt == r.maxAttempts {
			break
		}

		delay := r.delay(cls.Backoff, attempt)
		r.logger.Debug("retrying after failure",
			"attempt", attempt,
			"category", cls.Category,
			"delay", delay,
			"error", lastErr,
		)
		if err := r.sleep(ctx, delay); err != nil {
			return fmt.Errorf("recovery: retry interrupted: %w", err)
		}
	}
	return fmt.Errorf("recovery: %d attempts exhausted: %w", r.maxAttempts, lastErr)
}

// delay computes the jittered backoff before the retry following attempt.
func (r *Retrier) delay(backoff time.Duration, attempt int) time.Duration {
	d := time.Duration(float64(backoff) * math.Pow(r.base, float64(attempt-1)))
	if d > r.maxDelay {
		d = r.maxDelay
	}
	return time.Duration(float64(d) * r.jitter())
}

// ctxSleep waits for d or until the context is done.
func ctxSleep(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
