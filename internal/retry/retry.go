// Package retry runs an operation with bounded exponential backoff. Only
// errors classified as retryable by apperr.IsRetryable are retried; any other
// error is returned immediately.
package retry

import (
	"context"
	"time"

	"github.com/iliyamo/supper-club-booking/internal/apperr"
)

// Policy bounds the retry loop. Attempts counts the first call, so
// Attempts=1 disables retries.
type Policy struct {
	Attempts  int
	BaseDelay time.Duration
	MaxDelay  time.Duration

	// OnRetry, when set, is called before each sleep with the attempt
	// number that just failed and its error.
	OnRetry func(attempt int, err error)
}

// Default is used when a component is built without an explicit policy.
var Default = Policy{Attempts: 4, BaseDelay: 100 * time.Millisecond, MaxDelay: 2 * time.Second}

// Do calls fn until it succeeds, returns a non-retryable error, the attempts
// are exhausted, or ctx is cancelled. The last error is returned as is so
// callers can still match it with errors.Is.
func Do(ctx context.Context, p Policy, fn func(ctx context.Context) error) error {
	attempts := p.Attempts
	if attempts < 1 {
		attempts = 1
	}
	var err error
	for attempt := 1; attempt <= attempts; attempt++ {
		err = fn(ctx)
		if err == nil || !apperr.IsRetryable(err) {
			return err
		}
		if attempt == attempts {
			break
		}
		if p.OnRetry != nil {
			p.OnRetry(attempt, err)
		}
		select {
		case <-time.After(p.delay(attempt)):
		case <-ctx.Done():
			return err
		}
	}
	return err
}

// delay doubles BaseDelay per attempt and caps it at MaxDelay.
func (p Policy) delay(attempt int) time.Duration {
	d := p.BaseDelay
	if d <= 0 {
		return 0
	}
	for i := 1; i < attempt; i++ {
		d *= 2
		if p.MaxDelay > 0 && d >= p.MaxDelay {
			return p.MaxDelay
		}
	}
	return d
}
