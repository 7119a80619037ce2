package ratelimit

import (
	"context"
	"errors"
	"net/http"
	"testing"
	"time"
)

func TestAdaptivePolicy_BeforeCallAllowsWhenNoState(t *testing.T) {
	policy := NewAdaptivePolicy(NewMemoryStateStore())

	err := policy.BeforeCall(context.Background(), Key{BankID: "bankA", Endpoint: "Consents"})
	if err != nil {
		t.Fatalf("expected no error when no state exists, got %v", err)
	}
}

func TestAdaptivePolicy_AfterCallParsesHeadersAndPersistsState(t *testing.T) {
	store := NewMemoryStateStore()
	policy := NewAdaptivePolicy(store)
	now := time.Unix(1_700_000_000, 0).UTC()
	policy.Now = func() time.Time { return now }

	key := Key{BankID: "bankA", Endpoint: "Consents"}
	resetAt := now.Add(45 * time.Second)
	err := policy.AfterCall(context.Background(), key, ResponseMeta{
		StatusCode: 200,
		Headers: map[string]string{
			"X-RateLimit-Limit":     "120",
			"X-RateLimit-Remaining": "119",
			"X-RateLimit-Reset":     "1700000045",
		},
		Metadata: map[string]any{"interaction_id": "ix-1"},
	})
	if err != nil {
		t.Fatalf("after call: %v", err)
	}

	state, err := store.Get(context.Background(), key)
	if err != nil {
		t.Fatalf("get state: %v", err)
	}
	if state.Limit != 120 {
		t.Fatalf("expected limit 120, got %d", state.Limit)
	}
	if state.Remaining != 119 {
		t.Fatalf("expected remaining 119, got %d", state.Remaining)
	}
	if state.ResetAt == nil || !state.ResetAt.Equal(resetAt) {
		t.Fatalf("expected reset at %s, got %+v", resetAt, state.ResetAt)
	}
	if state.Metadata["interaction_id"] != "ix-1" {
		t.Fatalf("expected metadata to include interaction id")
	}
}

func TestAdaptivePolicy_BlocksWhenThrottleWindowIsActive(t *testing.T) {
	store := NewMemoryStateStore()
	policy := NewAdaptivePolicy(store)
	now := time.Unix(1_700_000_000, 0).UTC()
	policy.Now = func() time.Time { return now }

	key := Key{BankID: "bankA", Endpoint: "Consents"}
	until := now.Add(20 * time.Second)
	if err := store.Upsert(context.Background(), State{Key: key, ThrottledUntil: &until, Remaining: 0}); err != nil {
		t.Fatalf("seed state: %v", err)
	}

	err := policy.BeforeCall(context.Background(), key)
	if err == nil {
		t.Fatalf("expected throttle error")
	}
	var throttledErr ThrottledError
	if !errors.As(err, &throttledErr) {
		t.Fatalf("expected ThrottledError, got %T", err)
	}
	if throttledErr.RetryAfter <= 0 {
		t.Fatalf("expected retry_after > 0")
	}
}

func TestAdaptivePolicy_AfterCall429UsesRetryAfterAndAttempts(t *testing.T) {
	store := NewMemoryStateStore()
	policy := NewAdaptivePolicy(store)
	now := time.Unix(1_700_000_000, 0).UTC()
	policy.Now = func() time.Time { return now }

	key := Key{BankID: "bankA", Endpoint: "Consents"}
	if err := policy.AfterCall(context.Background(), key, ResponseMeta{
		StatusCode: 429,
		Headers: map[string]string{
			"Retry-After": "10",
		},
	}); err != nil {
		t.Fatalf("after call throttled: %v", err)
	}

	state, err := store.Get(context.Background(), key)
	if err != nil {
		t.Fatalf("get state: %v", err)
	}
	if state.Attempts != 1 {
		t.Fatalf("expected attempts 1, got %d", state.Attempts)
	}
	if state.ThrottledUntil == nil {
		t.Fatalf("expected throttled_until")
	}
	if got := state.ThrottledUntil.Sub(now); got != 10*time.Second {
		t.Fatalf("expected throttled window of 10s, got %s", got)
	}
	if state.RetryAfter == nil || *state.RetryAfter != 10*time.Second {
		t.Fatalf("expected retry_after 10s")
	}
}

func TestAdaptivePolicy_AdaptiveBackoffWithoutRetryAfter(t *testing.T) {
	store := NewMemoryStateStore()
	policy := NewAdaptivePolicy(store)
	policy.InitialBackoff = 2 * time.Second
	policy.MaxBackoff = 30 * time.Second
	now := time.Unix(1_700_000_000, 0).UTC()
	policy.Now = func() time.Time { return now }

	key := Key{BankID: "bankA", Endpoint: "Consents"}
	if err := policy.AfterCall(context.Background(), key, ResponseMeta{StatusCode: 429}); err != nil {
		t.Fatalf("first throttled call: %v", err)
	}

	now = now.Add(3 * time.Second)
	if err := policy.AfterCall(context.Background(), key, ResponseMeta{StatusCode: 429}); err != nil {
		t.Fatalf("second throttled call: %v", err)
	}

	state, err := store.Get(context.Background(), key)
	if err != nil {
		t.Fatalf("get state: %v", err)
	}
	if state.Attempts != 2 {
		t.Fatalf("expected attempts 2, got %d", state.Attempts)
	}
	if state.ThrottledUntil == nil {
		t.Fatalf("expected throttled_until")
	}
	if got := state.ThrottledUntil.Sub(now); got != 4*time.Second {
		t.Fatalf("expected adaptive delay of 4s, got %s", got)
	}
}

func TestAdaptivePolicy_ResetsAttemptsOnSuccessfulCall(t *testing.T) {
	store := NewMemoryStateStore()
	policy := NewAdaptivePolicy(store)
	now := time.Unix(1_700_000_000, 0).UTC()
	policy.Now = func() time.Time { return now }

	key := Key{BankID: "bankA", Endpoint: "Consents"}
	if err := store.Upsert(context.Background(), State{
		Key:      key,
		Attempts: 3,
		ThrottledUntil: func() *time.Time {
			value := now.Add(10 * time.Second)
			return &value
		}(),
	}); err != nil {
		t.Fatalf("seed throttled state: %v", err)
	}

	now = now.Add(12 * time.Second)
	if err := policy.AfterCall(context.Background(), key, ResponseMeta{StatusCode: 200}); err != nil {
		t.Fatalf("after successful call: %v", err)
	}

	state, err := store.Get(context.Background(), key)
	if err != nil {
		t.Fatalf("get state: %v", err)
	}
	if state.Attempts != 0 {
		t.Fatalf("expected attempts reset to zero, got %d", state.Attempts)
	}
	if state.ThrottledUntil != nil {
		t.Fatalf("expected throttle window cleared")
	}
}

func TestAdaptivePolicy_KeysAreNormalizedPerBank(t *testing.T) {
	store := NewMemoryStateStore()
	policy := NewAdaptivePolicy(store)
	now := time.Unix(1_700_000_000, 0).UTC()
	policy.Now = func() time.Time { return now }

	if err := policy.AfterCall(context.Background(), Key{BankID: " bankA ", Endpoint: "TOKEN"}, ResponseMeta{StatusCode: 429}); err != nil {
		t.Fatalf("after call: %v", err)
	}
	if err := policy.BeforeCall(context.Background(), Key{BankID: "bankA", Endpoint: "token"}); err == nil {
		t.Fatalf("expected normalized key to be throttled")
	}
	if err := policy.BeforeCall(context.Background(), Key{BankID: "bankB", Endpoint: "token"}); err != nil {
		t.Fatalf("expected other bank unaffected, got %v", err)
	}
	if _, err := store.Get(context.Background(), Key{BankID: "bankA", Endpoint: "consents"}); !errors.Is(err, ErrStateNotFound) {
		t.Fatalf("expected no state for untouched endpoint, got %v", err)
	}
}

func TestAdaptivePolicy_MaintenanceWindowOnlyWithRetryAfter(t *testing.T) {
	store := NewMemoryStateStore()
	policy := NewAdaptivePolicy(store)
	now := time.Unix(1_700_000_000, 0).UTC()
	policy.Now = func() time.Time { return now }
	key := Key{BankID: "bankA", Endpoint: "consents"}

	if err := policy.AfterCall(context.Background(), key, ResponseMeta{StatusCode: 503}); err != nil {
		t.Fatalf("after bare 503: %v", err)
	}
	if err := policy.BeforeCall(context.Background(), key); err != nil {
		t.Fatalf("expected bare 503 to leave the bucket open, got %v", err)
	}

	retryAt := now.Add(90 * time.Second).Format(http.TimeFormat)
	if err := policy.AfterCall(context.Background(), key, ResponseMeta{
		StatusCode: 503,
		Headers:    map[string]string{"Retry-After": retryAt},
	}); err != nil {
		t.Fatalf("after 503 with retry-after: %v", err)
	}
	var throttledErr ThrottledError
	if err := policy.BeforeCall(context.Background(), key); !errors.As(err, &throttledErr) {
		t.Fatalf("expected maintenance window, got %v", err)
	}
	if throttledErr.RetryAfter != 90*time.Second {
		t.Fatalf("expected 90s window, got %s", throttledErr.RetryAfter)
	}
}

func TestAdaptivePolicy_UnderstandsIETFRateLimitHeaders(t *testing.T) {
	store := NewMemoryStateStore()
	policy := NewAdaptivePolicy(store)
	now := time.Unix(1_700_000_000, 0).UTC()
	policy.Now = func() time.Time { return now }
	key := Key{BankID: "bankA", Endpoint: "token"}

	if err := policy.AfterCall(context.Background(), key, ResponseMeta{
		StatusCode: 200,
		Headers: map[string]string{
			"RateLimit-Limit":     "50",
			"RateLimit-Remaining": "0",
			"RateLimit-Reset":     "30",
		},
	}); err != nil {
		t.Fatalf("after call: %v", err)
	}
	state, err := store.Get(context.Background(), key)
	if err != nil {
		t.Fatalf("get state: %v", err)
	}
	if state.Limit != 50 || state.Remaining != 0 {
		t.Fatalf("unexpected quota %d/%d", state.Remaining, state.Limit)
	}
	if state.ResetAt == nil || !state.ResetAt.Equal(now.Add(30*time.Second)) {
		t.Fatalf("expected relative reset, got %+v", state.ResetAt)
	}
	if err := policy.BeforeCall(context.Background(), key); err == nil {
		t.Fatalf("expected exhausted quota to throttle")
	}
}

func TestAdaptivePolicy_BackoffIsCapped(t *testing.T) {
	policy := NewAdaptivePolicy(NewMemoryStateStore())
	policy.InitialBackoff = time.Second
	policy.MaxBackoff = 10 * time.Second

	for attempt, want := range map[int]time.Duration{1: time.Second, 2: 2 * time.Second, 4: 8 * time.Second, 5: 10 * time.Second, 80: 10 * time.Second} {
		if got := policy.nextBackoff(attempt); got != want {
			t.Fatalf("attempt %d: expected %s, got %s", attempt, want, got)
		}
	}
}
