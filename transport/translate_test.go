package transport

import (
	"context"
	"crypto/x509"
	"errors"
	"fmt"
	"net"
	"net/http"
	"syscall"
	"testing"

	"github.com/goliatone/go-openbanking/core"
)

func TestTranslateResponse_StatusAndBodyMapping(t *testing.T) {
	cases := []struct {
		name   string
		status int
		body   string
		want   core.ErrorKind
	}{
		{name: "oauth invalid grant", status: 400, body: `{"error":"invalid_grant","error_description":"code expired"}`, want: core.ErrorKindInvalidGrant},
		{name: "oauth invalid token", status: 401, body: `{"error":"invalid_token"}`, want: core.ErrorKindReauthorizationRequired},
		{name: "oauth invalid client", status: 401, body: `{"error":"invalid_client"}`, want: core.ErrorKindConfiguration},
		{name: "oauth slow down", status: 400, body: `{"error":"slow_down"}`, want: core.ErrorKindRateLimited},
		{name: "insufficient funds", status: 400, body: `{"Code":"400 BadRequest","Errors":[{"ErrorCode":"UK.OBIE.Rules.InsufficientFunds","Message":"balance too low"}]}`, want: core.ErrorKindInsufficientFunds},
		{name: "control parameters", status: 400, body: `{"Errors":[{"ErrorCode":"UK.OBIE.Rules.FailsControlParameters"}]}`, want: core.ErrorKindLimitExceeded},
		{name: "unsupported account", status: 400, body: `{"Errors":[{"ErrorCode":"UK.OBIE.Field.Unknown"},{"ErrorCode":"UK.OBIE.Unsupported.AccountIdentifier"}]}`, want: core.ErrorKindInvalidAccount},
		{name: "resource not found", status: 404, body: `{"Errors":[{"ErrorCode":"UK.OBIE.Resource.NotFound"}]}`, want: core.ErrorKindInvalidAccount},
		{name: "plain 401", status: 401, body: ``, want: core.ErrorKindInvalidGrant},
		{name: "plain 403", status: 403, body: `forbidden`, want: core.ErrorKindConsentRevoked},
		{name: "rate limited", status: 429, body: ``, want: core.ErrorKindRateLimited},
		{name: "bank down", status: 503, body: `<html>maintenance</html>`, want: core.ErrorKindBankUnavailable},
		{name: "gateway timeout", status: 504, body: ``, want: core.ErrorKindNetworkTimeout},
		{name: "other 4xx", status: 422, body: `{}`, want: core.ErrorKindBadInput},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			err := TranslateResponse(tc.status, []byte(tc.body))
			if got := core.KindOf(err); got != tc.want {
				t.Fatalf("expected %s, got %s (%v)", tc.want, got, err)
			}
		})
	}
}

func TestTranslateResponse_SuccessIsNil(t *testing.T) {
	for _, status := range []int{200, 201, 204} {
		if err := TranslateResponse(status, nil); err != nil {
			t.Fatalf("expected nil for %d, got %v", status, err)
		}
	}
}

func TestTranslateResponse_Policies(t *testing.T) {
	if !core.IsRetryable(TranslateResponse(http.StatusTooManyRequests, nil)) {
		t.Fatalf("expected 429 retryable")
	}
	if !core.IsRetryable(TranslateResponse(http.StatusBadGateway, nil)) {
		t.Fatalf("expected 5xx retryable")
	}
	if !core.RequiresReauthorization(TranslateResponse(http.StatusBadRequest, []byte(`{"error":"invalid_grant"}`))) {
		t.Fatalf("expected invalid_grant to require reauthorization")
	}
	funds := TranslateResponse(http.StatusBadRequest, []byte(`{"Errors":[{"ErrorCode":"UK.OBIE.Rules.InsufficientFunds"}]}`))
	if core.PolicyOf(funds) != core.PolicyUserCorrectable {
		t.Fatalf("expected insufficient funds to be user correctable, got %s", core.PolicyOf(funds))
	}
}

func TestTranslateHTTPResponse_CarriesRetryAfter(t *testing.T) {
	err := TranslateHTTPResponse(core.TransportResponse{
		StatusCode: http.StatusTooManyRequests,
		Headers:    map[string]string{"Retry-After": "7"},
	})
	var rich interface{ Error() string }
	if !errors.As(err, &rich) {
		t.Fatalf("expected error")
	}
	if !core.IsKind(err, core.ErrorKindRateLimited) {
		t.Fatalf("expected rate limited, got %v", err)
	}
}

type timeoutError struct{}

func (timeoutError) Error() string   { return "i/o timeout" }
func (timeoutError) Timeout() bool   { return true }
func (timeoutError) Temporary() bool { return true }

func TestTranslateTransportError(t *testing.T) {
	cases := []struct {
		name string
		err  error
		want core.ErrorKind
	}{
		{name: "deadline", err: fmt.Errorf("post: %w", context.DeadlineExceeded), want: core.ErrorKindNetworkTimeout},
		{name: "cancelled", err: fmt.Errorf("post: %w", context.Canceled), want: core.ErrorKindCancelled},
		{name: "net timeout", err: &net.OpError{Op: "read", Err: timeoutError{}}, want: core.ErrorKindNetworkTimeout},
		{name: "dns", err: &net.DNSError{Err: "no such host", Name: "bank.invalid"}, want: core.ErrorKindNetworkUnavailable},
		{name: "refused", err: &net.OpError{Op: "dial", Err: syscall.ECONNREFUSED}, want: core.ErrorKindNetworkUnavailable},
		{name: "unknown authority", err: fmt.Errorf("tls: %w", x509.UnknownAuthorityError{}), want: core.ErrorKindCertificateMismatch},
		{name: "already typed", err: core.NewError(core.ErrorKindCertificateMismatch, "pin"), want: core.ErrorKindCertificateMismatch},
		{name: "anything else", err: errors.New("eof"), want: core.ErrorKindNetworkUnavailable},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := core.KindOf(TranslateTransportError(tc.err)); got != tc.want {
				t.Fatalf("expected %s, got %s", tc.want, got)
			}
		})
	}
	if TranslateTransportError(nil) != nil {
		t.Fatalf("expected nil passthrough")
	}
	if !core.IsRetryable(TranslateTransportError(context.DeadlineExceeded)) {
		t.Fatalf("expected timeouts to be retryable")
	}
	if core.IsRetryable(TranslateTransportError(x509.UnknownAuthorityError{})) {
		t.Fatalf("expected certificate failures to be terminal")
	}
}
