package transport

import (
	"context"
	"testing"
	"time"

	"github.com/goliatone/go-openbanking/core"
)

func noSleep(context.Context, time.Duration) error { return nil }

func TestRetrier_RetriesRetryableKinds(t *testing.T) {
	retrier := &Retrier{MaxAttempts: 3, Sleep: noSleep}
	attempts := 0
	err := retrier.Do(context.Background(), func(_ context.Context, attempt int) error {
		attempts = attempt
		if attempt < 3 {
			return core.NewError(core.ErrorKindBankUnavailable, "503")
		}
		return nil
	})
	if err != nil {
		t.Fatalf("expected success on third attempt: %v", err)
	}
	if attempts != 3 {
		t.Fatalf("expected 3 attempts, got %d", attempts)
	}
}

func TestRetrier_StopsOnTerminalKinds(t *testing.T) {
	retrier := &Retrier{MaxAttempts: 5, Sleep: noSleep}
	attempts := 0
	err := retrier.Do(context.Background(), func(context.Context, int) error {
		attempts++
		return core.NewError(core.ErrorKindCertificateMismatch, "pin")
	})
	if !core.IsKind(err, core.ErrorKindCertificateMismatch) {
		t.Fatalf("expected certificate mismatch, got %v", err)
	}
	if attempts != 1 {
		t.Fatalf("expected no retry of terminal errors, got %d attempts", attempts)
	}
}

func TestRetrier_GivesUpAfterMaxAttempts(t *testing.T) {
	delays := []time.Duration{}
	retrier := NewRetrier(3, core.ExponentialBackoffScheduler{Initial: 10 * time.Millisecond, Max: time.Second})
	retrier.Sleep = func(_ context.Context, delay time.Duration) error {
		delays = append(delays, delay)
		return nil
	}
	err := retrier.Do(context.Background(), func(context.Context, int) error {
		return core.NewError(core.ErrorKindNetworkTimeout, "timeout")
	})
	if !core.IsKind(err, core.ErrorKindNetworkTimeout) {
		t.Fatalf("expected last error, got %v", err)
	}
	if len(delays) != 2 || delays[0] != 10*time.Millisecond || delays[1] != 20*time.Millisecond {
		t.Fatalf("unexpected backoff delays %v", delays)
	}
}

func TestRetrier_HonoursCancellation(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	retrier := NewRetrier(3, core.ExponentialBackoffScheduler{Initial: time.Hour})
	err := retrier.Do(ctx, func(context.Context, int) error {
		return core.NewError(core.ErrorKindBankUnavailable, "503")
	})
	if err == nil {
		t.Fatalf("expected cancellation to stop retries")
	}
}
