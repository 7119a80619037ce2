package transport

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	goerrors "github.com/goliatone/go-errors"
	"github.com/goliatone/go-openbanking/core"
)

func TestClient_ResponseLimitReturnsRichError(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("12345"))
	}))
	defer server.Close()

	client := NewClient(server.Client(), WithMaxResponseBodyBytes(4))
	_, err := client.Do(context.Background(), core.TransportRequest{Method: http.MethodGet, URL: server.URL})
	if err == nil {
		t.Fatalf("expected response body limit error")
	}

	var rich *goerrors.Error
	if !goerrors.As(err, &rich) {
		t.Fatalf("expected go-errors envelope, got %T", err)
	}
	if rich.Category != goerrors.CategoryExternal {
		t.Fatalf("expected external category, got %q", rich.Category)
	}
	if rich.TextCode != core.ErrorCodeBankUnavailable {
		t.Fatalf("expected %q text code, got %q", core.ErrorCodeBankUnavailable, rich.TextCode)
	}
	if rich.Code != http.StatusBadGateway {
		t.Fatalf("expected %d code, got %d", http.StatusBadGateway, rich.Code)
	}
}

func TestClient_NilReturnsRichError(t *testing.T) {
	var client *Client
	_, err := client.Do(context.Background(), core.TransportRequest{})
	if err == nil {
		t.Fatalf("expected nil client error")
	}

	var rich *goerrors.Error
	if !goerrors.As(err, &rich) {
		t.Fatalf("expected go-errors envelope, got %T", err)
	}
	if rich.TextCode != core.ErrorCodeConfiguration {
		t.Fatalf("expected %q text code, got %q", core.ErrorCodeConfiguration, rich.TextCode)
	}
	if rich.Code != http.StatusInternalServerError {
		t.Fatalf("expected %d code, got %d", http.StatusInternalServerError, rich.Code)
	}
}

func TestTranslateResponse_RateLimitEnvelope(t *testing.T) {
	err := TranslateResponse(http.StatusTooManyRequests, []byte(`{"Code":"429","Message":"slow down"}`))

	var rich *goerrors.Error
	if !goerrors.As(err, &rich) {
		t.Fatalf("expected go-errors envelope, got %T", err)
	}
	if rich.Category != goerrors.CategoryRateLimit {
		t.Fatalf("expected rate limit category, got %q", rich.Category)
	}
	if !core.IsRetryable(err) {
		t.Fatalf("expected rate limited response to be retryable")
	}
}
