package core

import (
	"context"
	stderrors "errors"
	"fmt"
	"net/http"
	"testing"

	goerrors "github.com/goliatone/go-errors"
)

func TestNewError_CarriesKindPolicyAndTextCode(t *testing.T) {
	err := NewError(ErrorKindParRejected, "bank rejected request")

	var rich *goerrors.Error
	if !goerrors.As(err, &rich) {
		t.Fatalf("expected go-errors type, got %T", err)
	}
	if rich.TextCode != ErrorCodeParRejected {
		t.Fatalf("expected par rejected text code, got %q", rich.TextCode)
	}
	if rich.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 code, got %d", rich.Code)
	}
	if KindOf(err) != ErrorKindParRejected {
		t.Fatalf("expected par rejected kind, got %q", KindOf(err))
	}
	if PolicyOf(err) != PolicyTerminal {
		t.Fatalf("expected terminal policy, got %q", PolicyOf(err))
	}
	if IsRetryable(err) {
		t.Fatalf("expected par rejected to not be retryable")
	}
}

func TestNewError_RetryableKindsUseRetryableEnvelope(t *testing.T) {
	for _, kind := range []ErrorKind{ErrorKindNetworkTimeout, ErrorKindNetworkUnavailable, ErrorKindRateLimited, ErrorKindBankUnavailable} {
		err := NewError(kind, "transient")
		var retryable *goerrors.RetryableError
		if !stderrors.As(err, &retryable) {
			t.Fatalf("expected retryable envelope for %s, got %T", kind, err)
		}
		if !retryable.IsRetryable() {
			t.Fatalf("expected %s to be retryable", kind)
		}
		if !IsRetryable(err) {
			t.Fatalf("expected IsRetryable for %s", kind)
		}
		if KindOf(err) != kind {
			t.Fatalf("expected kind %s, got %s", kind, KindOf(err))
		}
	}
}

func TestKindOf_SurvivesWrappingAndPrefersOutermostKind(t *testing.T) {
	inner := NewError(ErrorKindNetworkTimeout, "token call timed out")
	wrapped := fmt.Errorf("exchange: %w", inner)
	if KindOf(wrapped) != ErrorKindNetworkTimeout {
		t.Fatalf("expected kind through fmt wrap, got %q", KindOf(wrapped))
	}

	outer := WrapError(ErrorKindReauthorizationRequired, inner, "refresh failed")
	if KindOf(outer) != ErrorKindReauthorizationRequired {
		t.Fatalf("expected outermost kind, got %q", KindOf(outer))
	}
	if IsRetryable(outer) {
		t.Fatalf("expected outer reauth kind to win over retryable source")
	}
	if !stderrors.Is(outer, inner) {
		t.Fatalf("expected source to stay in chain")
	}
}

func TestKindOf_UntypedErrors(t *testing.T) {
	if KindOf(nil) != "" {
		t.Fatalf("expected empty kind for nil")
	}
	if KindOf(context.DeadlineExceeded) != ErrorKindNetworkTimeout {
		t.Fatalf("expected deadline to map to network timeout")
	}
	if KindOf(stderrors.New("boom")) != ErrorKindInternal {
		t.Fatalf("expected untyped error to map to internal")
	}
	if KindOf(goerrors.New("bad", goerrors.CategoryBadInput)) != ErrorKindBadInput {
		t.Fatalf("expected category fallback to bad input")
	}
}

func TestNewErrorWithPolicy_OverridesDefault(t *testing.T) {
	err := NewErrorWithPolicy(ErrorKindConsentRevoked, PolicyTerminal, "payment consent revoked")
	if KindOf(err) != ErrorKindConsentRevoked {
		t.Fatalf("expected consent revoked kind")
	}
	if PolicyOf(err) != PolicyTerminal {
		t.Fatalf("expected terminal override, got %q", PolicyOf(err))
	}
	if ErrorKindConsentRevoked.DefaultPolicy() != PolicyReauthRequired {
		t.Fatalf("expected default consent policy to stay reauth-required")
	}
}

func TestTaxonomy_PoliciesMatchContract(t *testing.T) {
	expected := map[ErrorKind]Policy{
		ErrorKindCertificateMismatch:     PolicyTerminal,
		ErrorKindParRejected:             PolicyTerminal,
		ErrorKindSessionExpired:          PolicyTerminal,
		ErrorKindInvalidGrant:            PolicyReauthRequired,
		ErrorKindConsentExpired:          PolicyReauthRequired,
		ErrorKindConsentRevoked:          PolicyReauthRequired,
		ErrorKindNetworkTimeout:          PolicyRetryable,
		ErrorKindNetworkUnavailable:      PolicyRetryable,
		ErrorKindAuthenticationCancelled: PolicyTerminal,
		ErrorKindKeystoreUnavailable:     PolicyTerminal,
		ErrorKindCredentialCorrupted:     PolicyReauthRequired,
		ErrorKindCancelled:               PolicyTerminal,
		ErrorKindInsufficientFunds:       PolicyUserCorrectable,
		ErrorKindInvalidAccount:          PolicyUserCorrectable,
		ErrorKindLimitExceeded:           PolicyUserCorrectable,
	}
	for kind, policy := range expected {
		if got := kind.DefaultPolicy(); got != policy {
			t.Fatalf("expected %s policy %s, got %s", kind, policy, got)
		}
	}
	for _, kind := range Kinds() {
		if kind.TextCode() == "" {
			t.Fatalf("expected text code for %s", kind)
		}
	}
}

func TestServiceErrorMapper_AssignsStableKinds(t *testing.T) {
	mapped := serviceErrorMapper(stderrors.New("core: bank id is required"))
	if KindOf(mapped) != ErrorKindBadInput {
		t.Fatalf("expected bad input kind, got %q", KindOf(mapped))
	}

	mapped = serviceErrorMapper(stderrors.New("core: unknown bank \"x\""))
	if KindOf(mapped) != ErrorKindConfiguration {
		t.Fatalf("expected configuration kind, got %q", KindOf(mapped))
	}

	mapped = serviceErrorMapper(fmt.Errorf("call: %w", context.DeadlineExceeded))
	if !IsRetryable(mapped) {
		t.Fatalf("expected deadline to become retryable timeout")
	}

	mapped = serviceErrorMapper(fmt.Errorf("call: %w", context.Canceled))
	if KindOf(mapped) != ErrorKindCancelled || IsRetryable(mapped) {
		t.Fatalf("expected cancellation to be terminal, got %q", KindOf(mapped))
	}

	typed := NewError(ErrorKindInsufficientFunds, "nope")
	if serviceErrorMapper(typed) != typed {
		t.Fatalf("expected typed errors to pass through unchanged")
	}
}
