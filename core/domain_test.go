package core

import (
	"testing"
	"time"
)

func TestConsentStatusTransitions(t *testing.T) {
	cases := []struct {
		from ConsentStatus
		to   ConsentStatus
		want bool
	}{
		{ConsentStatusAwaitingAuthorisation, ConsentStatusAuthorised, true},
		{ConsentStatusAwaitingAuthorisation, ConsentStatusRejected, true},
		{ConsentStatusAwaitingAuthorisation, ConsentStatusExpired, true},
		{ConsentStatusAwaitingAuthorisation, ConsentStatusRevoked, false},
		{ConsentStatusAuthorised, ConsentStatusRevoked, true},
		{ConsentStatusAuthorised, ConsentStatusExpired, true},
		{ConsentStatusAuthorised, ConsentStatusAwaitingAuthorisation, false},
		{ConsentStatusRevoked, ConsentStatusAuthorised, false},
		{ConsentStatusExpired, ConsentStatusExpired, true},
	}
	for _, tc := range cases {
		if got := tc.from.CanTransition(tc.to); got != tc.want {
			t.Fatalf("%s -> %s: expected %v, got %v", tc.from, tc.to, tc.want, got)
		}
	}
	for _, status := range []ConsentStatus{ConsentStatusRejected, ConsentStatusRevoked, ConsentStatusExpired} {
		if !status.Terminal() {
			t.Fatalf("expected %s to be terminal", status)
		}
	}
	if ConsentStatus("Consumed").Valid() {
		t.Fatalf("expected unknown status to be invalid")
	}
}

func TestTokenBundleExpiry(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	tokens := TokenBundle{AccessToken: "a", ExpiresAt: now.Add(45 * time.Second)}
	if tokens.Expired(now, 0) {
		t.Fatalf("expected token valid without skew")
	}
	if !tokens.Expired(now, time.Minute) {
		t.Fatalf("expected token inside skew to count as expired")
	}
	if (TokenBundle{AccessToken: "a"}).Expired(now, time.Hour) {
		t.Fatalf("expected zero expiry to never expire")
	}
	if tokens.Refreshable() {
		t.Fatalf("expected bundle without refresh token to be non-refreshable")
	}
}

func TestSecurityLevelOrdering(t *testing.T) {
	if !SecurityLevelHigh.AtLeast(SecurityLevelMedium) {
		t.Fatalf("expected high >= medium")
	}
	if SecurityLevelUnknown.AtLeast(SecurityLevelLow) {
		t.Fatalf("expected unknown to fail any minimum")
	}
	if ParseSecurityLevel(" HIGH ") != SecurityLevelHigh {
		t.Fatalf("expected case-insensitive parse")
	}
	if ParseSecurityLevel("unsure") != SecurityLevelUnknown {
		t.Fatalf("expected unknown for unrecognised level")
	}
}

func TestConsentCloneIsolatesSlices(t *testing.T) {
	original := Consent{
		ConsentID:   "c1",
		Permissions: []string{"ReadAccountsBasic"},
		Payment:     &PaymentDetails{Amount: "10.00", Currency: "GBP"},
	}
	clone := original.Clone()
	clone.Permissions[0] = "ReadBalances"
	clone.Payment.Amount = "99.00"
	if original.Permissions[0] != "ReadAccountsBasic" || original.Payment.Amount != "10.00" {
		t.Fatalf("expected clone to be independent, got %#v", original)
	}
}
