package transport

import (
	"context"
	"time"

	"github.com/goliatone/go-openbanking/core"
)

const defaultRetryAttempts = 3

// Retrier re-runs an operation while it fails with a retryable kind.
// Certificate, protocol and consent failures are returned at once.
type Retrier struct {
	MaxAttempts int
	Scheduler   core.RefreshBackoffScheduler
	Sleep       func(ctx context.Context, delay time.Duration) error
}

func NewRetrier(maxAttempts int, scheduler core.RefreshBackoffScheduler) *Retrier {
	if scheduler == nil {
		scheduler = core.ExponentialBackoffScheduler{}
	}
	return &Retrier{MaxAttempts: maxAttempts, Scheduler: scheduler, Sleep: sleepContext}
}

// Do calls fn until it succeeds, fails terminally, attempts run out or ctx
// ends. attempt starts at 1.
func (r *Retrier) Do(ctx context.Context, fn func(ctx context.Context, attempt int) error) error {
	maxAttempts := defaultRetryAttempts
	var scheduler core.RefreshBackoffScheduler = core.ExponentialBackoffScheduler{}
	sleep := sleepContext
	if r != nil {
		if r.MaxAttempts > 0 {
			maxAttempts = r.MaxAttempts
		}
		if r.Scheduler != nil {
			scheduler = r.Scheduler
		}
		if r.Sleep != nil {
			sleep = r.Sleep
		}
	}

	var lastErr error
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		lastErr = fn(ctx, attempt)
		if lastErr == nil {
			return nil
		}
		if !core.IsRetryable(lastErr) || attempt == maxAttempts {
			return lastErr
		}
		if err := sleep(ctx, scheduler.NextDelay(attempt)); err != nil {
			return TranslateTransportError(err)
		}
	}
	return lastErr
}

func sleepContext(ctx context.Context, delay time.Duration) error {
	if delay <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(delay)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
