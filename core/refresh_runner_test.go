package core

import (
	"context"
	"testing"
	"time"
)

type zeroBackoff struct{}

func (zeroBackoff) NextDelay(int) time.Duration { return 0 }

func newRefreshService(t *testing.T, flow *stubFlow, vault *memoryVault, clock *fixedClock) *Service {
	t.Helper()
	svc, err := NewService(
		Config{},
		WithAuthorizationFlow(flow),
		WithConsentLifecycle(newStubConsents()),
		WithCredentialVault(vault),
		WithRefreshBackoffScheduler(zeroBackoff{}),
		WithClock(clock.Now),
	)
	if err != nil {
		t.Fatalf("new service: %v", err)
	}
	return svc
}

func seedCredential(t *testing.T, vault *memoryVault, tokens TokenBundle) string {
	t.Helper()
	key, err := ConnectionKey("bankA", "user1")
	if err != nil {
		t.Fatalf("connection key: %v", err)
	}
	payload, err := JSONTokenCodec{}.Encode(StoredCredential{
		BankID:    "bankA",
		UserID:    "user1",
		ConsentID: "cons-1",
		Tokens:    tokens,
	})
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	if err := vault.Store(context.Background(), key, payload); err != nil {
		t.Fatalf("seed vault: %v", err)
	}
	return key
}

func TestRunRefreshWithRetry_RetriesAndSucceeds(t *testing.T) {
	ctx := context.Background()
	clock := &fixedClock{now: time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)}
	flow := newStubFlow()
	flow.refreshErrs = []error{NewError(ErrorKindBankUnavailable, "bank returned 503"), nil}
	flow.refreshed = TokenBundle{AccessToken: "tok2", ExpiresAt: clock.Now().Add(time.Hour)}
	vault := newMemoryVault()
	key := seedCredential(t, vault, TokenBundle{AccessToken: "tok1", RefreshToken: "ref1", ExpiresAt: clock.Now().Add(-time.Minute)})

	svc := newRefreshService(t, flow, vault, clock)
	result, err := svc.RunRefreshWithRetry(ctx, RefreshRequest{BankID: "bankA", UserID: "user1"}, RefreshRunOptions{MaxAttempts: 3})
	if err != nil {
		t.Fatalf("run refresh with retry: %v", err)
	}
	if result.Attempts != 2 || !result.Refreshed {
		t.Fatalf("expected refresh on second attempt, got %+v", result)
	}

	payload, _, _ := vault.Retrieve(ctx, key)
	stored, err := JSONTokenCodec{}.Decode(payload)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if stored.Tokens.AccessToken != "tok2" {
		t.Fatalf("expected refreshed access token to be stored, got %q", stored.Tokens.AccessToken)
	}
	if stored.Tokens.RefreshToken != "ref1" {
		t.Fatalf("expected previous refresh token to be kept, got %q", stored.Tokens.RefreshToken)
	}
}

func TestRunRefreshWithRetry_StopsOnReauthorizationRequired(t *testing.T) {
	ctx := context.Background()
	clock := &fixedClock{now: time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)}
	flow := newStubFlow()
	flow.refreshErrs = []error{NewError(ErrorKindReauthorizationRequired, "invalid_grant")}
	vault := newMemoryVault()
	seedCredential(t, vault, TokenBundle{AccessToken: "tok1", RefreshToken: "ref1", ExpiresAt: clock.Now().Add(-time.Minute)})

	svc := newRefreshService(t, flow, vault, clock)
	result, err := svc.RunRefreshWithRetry(ctx, RefreshRequest{BankID: "bankA", UserID: "user1"}, RefreshRunOptions{MaxAttempts: 3})
	if err == nil {
		t.Fatalf("expected reauthorization error")
	}
	if !result.PendingReauth || result.Attempts != 1 {
		t.Fatalf("expected single attempt with pending reauth, got %+v", result)
	}
	if flow.refreshCalls != 1 {
		t.Fatalf("expected no retry after reauth error, got %d calls", flow.refreshCalls)
	}
}

func TestRunRefreshWithRetry_SkipsLiveTokensUnlessForced(t *testing.T) {
	ctx := context.Background()
	clock := &fixedClock{now: time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)}
	flow := newStubFlow()
	flow.refreshed = TokenBundle{AccessToken: "tok2"}
	vault := newMemoryVault()
	seedCredential(t, vault, TokenBundle{AccessToken: "tok1", RefreshToken: "ref1", ExpiresAt: clock.Now().Add(time.Hour)})

	svc := newRefreshService(t, flow, vault, clock)
	result, err := svc.RunRefreshWithRetry(ctx, RefreshRequest{BankID: "bankA", UserID: "user1"}, RefreshRunOptions{})
	if err != nil {
		t.Fatalf("refresh: %v", err)
	}
	if result.Refreshed || flow.refreshCalls != 0 {
		t.Fatalf("expected live token to be left alone, got %+v", result)
	}

	result, err = svc.RunRefreshWithRetry(ctx, RefreshRequest{BankID: "bankA", UserID: "user1", Force: true}, RefreshRunOptions{})
	if err != nil {
		t.Fatalf("forced refresh: %v", err)
	}
	if !result.Refreshed || flow.refreshCalls != 1 {
		t.Fatalf("expected forced refresh, got %+v", result)
	}
}

func TestMemoryConnectionLocker_RejectsConcurrentHolders(t *testing.T) {
	ctx := context.Background()
	locker := NewMemoryConnectionLocker()
	handle, err := locker.Acquire(ctx, "credential/bankA/user1", time.Minute)
	if err != nil {
		t.Fatalf("acquire: %v", err)
	}
	if _, err := locker.Acquire(ctx, "credential/bankA/user1", time.Minute); !IsRetryable(err) {
		t.Fatalf("expected retryable lock contention error, got %v", err)
	}
	if err := handle.Unlock(ctx); err != nil {
		t.Fatalf("unlock: %v", err)
	}
	if _, err := locker.Acquire(ctx, "credential/bankA/user1", time.Minute); err != nil {
		t.Fatalf("expected lock to be free after unlock: %v", err)
	}
}

func TestExponentialBackoffScheduler_CapsAtMax(t *testing.T) {
	scheduler := ExponentialBackoffScheduler{Initial: 100 * time.Millisecond, Max: 300 * time.Millisecond}
	if got := scheduler.NextDelay(1); got != 100*time.Millisecond {
		t.Fatalf("expected initial delay, got %s", got)
	}
	if got := scheduler.NextDelay(2); got != 200*time.Millisecond {
		t.Fatalf("expected doubled delay, got %s", got)
	}
	if got := scheduler.NextDelay(5); got != 300*time.Millisecond {
		t.Fatalf("expected capped delay, got %s", got)
	}
}
