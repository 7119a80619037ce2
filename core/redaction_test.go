package core

import (
	"strings"
	"testing"
)

func TestRedactSensitiveMapPreservesTraceabilityMetadata(t *testing.T) {
	redacted := RedactSensitiveMap(map[string]any{
		"trace_id":      "trace_1",
		"bank_id":       "bankA",
		"consent_id":    "cons-1",
		"access_token":  "secret-token",
		"code_verifier": "verifier-value",
		"code":          "code-xyz",
		"client_secret": "s3cr3t",
		"nested":        map[string]any{"refresh_token": "refresh", "trace_id": "trace_nested"},
		"events":        []any{map[string]any{"api_key": "key_1"}, map[string]any{"session_id": "sess_1"}},
	})

	if redacted["trace_id"] != "trace_1" || redacted["bank_id"] != "bankA" || redacted["consent_id"] != "cons-1" {
		t.Fatalf("expected traceability keys to remain visible, got %#v", redacted)
	}
	for _, key := range []string{"access_token", "code_verifier", "code", "client_secret"} {
		if redacted[key] != RedactedValue {
			t.Fatalf("expected %s to be redacted, got %#v", key, redacted[key])
		}
	}
	nested, ok := redacted["nested"].(map[string]any)
	if !ok {
		t.Fatalf("expected nested redacted map")
	}
	if nested["refresh_token"] != RedactedValue {
		t.Fatalf("expected nested refresh_token to be redacted, got %#v", nested["refresh_token"])
	}
	if nested["trace_id"] != "trace_nested" {
		t.Fatalf("expected nested trace_id to remain visible, got %#v", nested["trace_id"])
	}
	events, ok := redacted["events"].([]any)
	if !ok || len(events) != 2 {
		t.Fatalf("expected redacted events slice")
	}
	if first := events[0].(map[string]any); first["api_key"] != RedactedValue {
		t.Fatalf("expected api_key in slice to be redacted")
	}
}

func TestRedactSensitiveMapScrubsCallbackURLsAndHeaders(t *testing.T) {
	redacted := RedactSensitiveMap(map[string]any{
		"redirect":      "https://app.example/cb?code=code-xyz&state=st-1",
		"authorize_url": "https://bank.example/authorize?client_id=c1&request_uri=urn%3Ax",
		"header":        "Bearer abc.def",
		"headers":       map[string]string{"Authorization": "Bearer abc", "x-fapi-interaction-id": "ix-1"},
	})

	redirect, _ := redacted["redirect"].(string)
	if strings.Contains(redirect, "code-xyz") || !strings.Contains(redirect, "state=st-1") {
		t.Fatalf("expected code to be scrubbed from redirect, got %q", redirect)
	}
	if redacted["authorize_url"] != "https://bank.example/authorize?client_id=c1&request_uri=urn%3Ax" {
		t.Fatalf("expected url without secrets to be untouched, got %#v", redacted["authorize_url"])
	}
	if redacted["header"] != RedactedValue {
		t.Fatalf("expected bearer value to be redacted, got %#v", redacted["header"])
	}
	headers, ok := redacted["headers"].(map[string]string)
	if !ok {
		t.Fatalf("expected header map to keep its type")
	}
	if headers["Authorization"] != RedactedValue || headers["x-fapi-interaction-id"] != "ix-1" {
		t.Fatalf("unexpected header redaction %#v", headers)
	}
}
