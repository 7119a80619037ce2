package authorization

import (
	"encoding/json"
	"fmt"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/goliatone/go-openbanking/core"
)

type tokenEndpointPayload struct {
	AccessToken  string
	TokenType    string
	RefreshToken string
	Scope        string
	ExpiresIn    int64
}

type parEndpointPayload struct {
	RequestURI string
	ExpiresIn  int64
}

// parseTokenPayload accepts JSON and, for older bank gateways, form encoded
// token responses.
func parseTokenPayload(body []byte, contentType string) (tokenEndpointPayload, error) {
	contentType = strings.ToLower(strings.TrimSpace(contentType))
	if strings.Contains(contentType, "x-www-form-urlencoded") {
		return parseTokenPayloadForm(body)
	}
	payload, err := parseTokenPayloadJSON(body)
	if err == nil || strings.Contains(contentType, "json") {
		return payload, err
	}
	return parseTokenPayloadForm(body)
}

func parseTokenPayloadJSON(body []byte) (tokenEndpointPayload, error) {
	decoded, err := decodeObject(body)
	if err != nil {
		return tokenEndpointPayload{}, err
	}
	return tokenEndpointPayload{
		AccessToken:  readAnyString(decoded["access_token"]),
		TokenType:    readAnyString(decoded["token_type"]),
		RefreshToken: readAnyString(decoded["refresh_token"]),
		Scope:        readAnyString(decoded["scope"]),
		ExpiresIn:    readAnyInt64(decoded["expires_in"]),
	}, nil
}

func parseTokenPayloadForm(body []byte) (tokenEndpointPayload, error) {
	if strings.TrimSpace(string(body)) == "" {
		return tokenEndpointPayload{}, fmt.Errorf("empty payload")
	}
	values, err := url.ParseQuery(string(body))
	if err != nil {
		return tokenEndpointPayload{}, err
	}
	expiresIn, _ := strconv.ParseInt(strings.TrimSpace(values.Get("expires_in")), 10, 64)
	return tokenEndpointPayload{
		AccessToken:  strings.TrimSpace(values.Get("access_token")),
		TokenType:    strings.TrimSpace(values.Get("token_type")),
		RefreshToken: strings.TrimSpace(values.Get("refresh_token")),
		Scope:        strings.TrimSpace(values.Get("scope")),
		ExpiresIn:    expiresIn,
	}, nil
}

func parseParPayload(body []byte) (parEndpointPayload, error) {
	decoded, err := decodeObject(body)
	if err != nil {
		return parEndpointPayload{}, err
	}
	return parEndpointPayload{
		RequestURI: readAnyString(decoded["request_uri"]),
		ExpiresIn:  readAnyInt64(decoded["expires_in"]),
	}, nil
}

func decodeObject(body []byte) (map[string]any, error) {
	if strings.TrimSpace(string(body)) == "" {
		return nil, fmt.Errorf("empty payload")
	}
	var decoded map[string]any
	if err := json.Unmarshal(body, &decoded); err != nil {
		return nil, err
	}
	return decoded, nil
}

func (p tokenEndpointPayload) bundle(now time.Time) core.TokenBundle {
	bundle := core.TokenBundle{
		AccessToken:  strings.TrimSpace(p.AccessToken),
		RefreshToken: strings.TrimSpace(p.RefreshToken),
		TokenType:    normalizeTokenType(p.TokenType),
		Scope:        strings.TrimSpace(p.Scope),
	}
	if p.ExpiresIn > 0 {
		bundle.ExpiresAt = now.Add(time.Duration(p.ExpiresIn) * time.Second)
	}
	return bundle
}

func normalizeTokenType(value string) string {
	normalized := strings.TrimSpace(value)
	if normalized == "" || strings.EqualFold(normalized, "bearer") {
		return "Bearer"
	}
	return normalized
}

func readAnyString(value any) string {
	switch typed := value.(type) {
	case string:
		return strings.TrimSpace(typed)
	case json.Number:
		return typed.String()
	case nil:
		return ""
	default:
		return strings.TrimSpace(fmt.Sprint(value))
	}
}

func readAnyInt64(value any) int64 {
	switch typed := value.(type) {
	case float64:
		return int64(typed)
	case int64:
		return typed
	case int:
		return int64(typed)
	case json.Number:
		parsed, err := typed.Int64()
		if err == nil {
			return parsed
		}
	case string:
		parsed, err := strconv.ParseInt(strings.TrimSpace(typed), 10, 64)
		if err == nil {
			return parsed
		}
	}
	return 0
}
