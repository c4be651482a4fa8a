package resilience

import (
	"context"
	"errors"
	"time"
)

type RetryPolicy struct {
	MaxAttempts int
	BaseBackoff time.Duration

	// OnRetry, when set, is called before each wait.
	OnRetry func(attempt int, delay time.Duration, err error)
}

// Delay is the wait after the failed attempt with zero-based index attempt.
func (p RetryPolicy) Delay(attempt int) time.Duration {
	if p.BaseBackoff <= 0 || attempt < 0 {
		return 0
	}
	d := p.BaseBackoff
	for i := 0; i < attempt; i++ {
		d *= 2
	}
	return d
}

// Invoke calls fn until it succeeds, returns a Permanent error, the context
// ends, or MaxAttempts calls have failed. It reports the attempts made.
func (p RetryPolicy) Invoke(ctx context.Context, fn func(ctx context.Context) error) (int, error) {
	maxAttempts := p.MaxAttempts
	if maxAttempts <= 0 {
		maxAttempts = 1
	}

	var err error
	for attempt := 0; attempt < maxAttempts; attempt++ {
		err = fn(ctx)
		if err == nil {
			return attempt + 1, nil
		}
		var perm permanentError
		if errors.As(err, &perm) {
			return attempt + 1, perm.err
		}
		if attempt == maxAttempts-1 {
			return attempt + 1, err
		}

		delay := p.Delay(attempt)
		if p.OnRetry != nil {
			p.OnRetry(attempt+1, delay, err)
		}
		if delay <= 0 {
			continue
		}
		tmr := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			tmr.Stop()
			return attempt + 1, err
		case <-tmr.C:
		}
	}
	return maxAttempts, err
}
