package ratelimit

import (
	"errors"
	"testing"
	"time"

	"github.com/goliatone/go-openbanking/core"
)

func TestThrottledError_ToServiceError(t *testing.T) {
	err := ThrottledError{
		BankID:     "bankA",
		Endpoint:   "token",
		RetryAfter: 3 * time.Second,
	}

	mapped := err.ToServiceError()
	if mapped == nil {
		t.Fatalf("expected mapped error")
	}
	if !core.IsKind(mapped, core.ErrorKindRateLimited) {
		t.Fatalf("expected rate limited kind, got %q", core.KindOf(mapped))
	}
	if !core.IsRetryable(mapped) {
		t.Fatalf("expected throttle to be retryable")
	}
	var throttled ThrottledError
	if !errors.As(mapped, &throttled) || throttled.BankID != "bankA" {
		t.Fatalf("expected throttle error in chain")
	}
}
