package core

import (
	"net/url"
	"strings"
)

const RedactedValue = "[REDACTED]"

// sensitiveKeyFragments mark a field as secret when they appear anywhere in
// its lower-cased name.
var sensitiveKeyFragments = []string{
	"password",
	"secret",
	"token",
	"authorization",
	"api_key",
	"apikey",
	"access_key",
	"refresh",
	"credential",
	"signature",
	"verifier",
	"private_key",
	"master_key",
}

// sensitiveQueryParams are scrubbed from URL-shaped string values, which is
// how authorization codes leak through logged redirect URLs.
var sensitiveQueryParams = []string{"code", "access_token", "refresh_token", "id_token", "client_secret", "code_verifier"}

// RedactSensitiveMap returns a deep copy of metadata with secret values
// replaced by RedactedValue.
func RedactSensitiveMap(metadata map[string]any) map[string]any {
	out := make(map[string]any, len(metadata))
	for key, value := range metadata {
		if secretKey(key) {
			out[key] = RedactedValue
			continue
		}
		out[key] = redactValue(value)
	}
	return out
}

func redactValue(value any) any {
	switch typed := value.(type) {
	case map[string]any:
		return RedactSensitiveMap(typed)
	case map[string]string:
		out := make(map[string]string, len(typed))
		for key, inner := range typed {
			if secretKey(key) {
				out[key] = RedactedValue
				continue
			}
			out[key] = redactString(inner)
		}
		return out
	case []any:
		out := make([]any, len(typed))
		for i, inner := range typed {
			out[i] = redactValue(inner)
		}
		return out
	case string:
		return redactString(typed)
	default:
		return value
	}
}

func redactString(value string) string {
	trimmed := strings.TrimSpace(value)
	if len(trimmed) > 7 && strings.EqualFold(trimmed[:7], "bearer ") {
		return RedactedValue
	}
	if !strings.Contains(trimmed, "?") || !strings.Contains(trimmed, "=") {
		return value
	}
	parsed, err := url.Parse(trimmed)
	if err != nil || parsed.RawQuery == "" {
		return value
	}
	query := parsed.Query()
	changed := false
	for _, param := range sensitiveQueryParams {
		if query.Has(param) {
			query.Set(param, RedactedValue)
			changed = true
		}
	}
	if !changed {
		return value
	}
	parsed.RawQuery = query.Encode()
	return parsed.String()
}

func secretKey(key string) bool {
	key = strings.ToLower(strings.TrimSpace(key))
	if key == "" || traceKey(key) {
		return false
	}
	switch key {
	case "code", "authorization_code", "plaintext", "ciphertext":
		return true
	}
	for _, fragment := range sensitiveKeyFragments {
		if strings.Contains(key, fragment) {
			return true
		}
	}
	return false
}

// traceKey lists identifiers that must survive redaction even though their
// names contain a sensitive fragment.
func traceKey(key string) bool {
	switch key {
	case "bank_id", "user_id", "consent_id", "session_id",
		"token_type", "token_url", "revocation_url",
		"idempotency_key", "trace_id", "request_id", "interaction_id":
		return true
	}
	return false
}
