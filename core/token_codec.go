package core

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

const (
	TokenPayloadFormatJSONV1 = "openbanking_credential_json"
	TokenPayloadVersionV1    = 1
)

// TokenCodec serializes a stored credential before it is handed to the vault.
type TokenCodec interface {
	Format() string
	Version() int
	Encode(credential StoredCredential) ([]byte, error)
	Decode(payload []byte) (StoredCredential, error)
}

type JSONTokenCodec struct{}

func (JSONTokenCodec) Format() string {
	return TokenPayloadFormatJSONV1
}

func (JSONTokenCodec) Version() int {
	return TokenPayloadVersionV1
}

type jsonTokenPayload struct {
	Format       string     `json:"format"`
	Version      int        `json:"version"`
	BankID       string     `json:"bank_id"`
	UserID       string     `json:"user_id"`
	ConsentID    string     `json:"consent_id,omitempty"`
	AccessToken  string     `json:"access_token"`
	RefreshToken string     `json:"refresh_token,omitempty"`
	TokenType    string     `json:"token_type,omitempty"`
	Scope        string     `json:"scope,omitempty"`
	ExpiresAt    *time.Time `json:"expires_at,omitempty"`
	StoredAt     time.Time  `json:"stored_at"`
}

func (c JSONTokenCodec) Encode(credential StoredCredential) ([]byte, error) {
	if strings.TrimSpace(credential.Tokens.AccessToken) == "" {
		return nil, fmt.Errorf("core: credential payload requires an access token")
	}
	payload := jsonTokenPayload{
		Format:       c.Format(),
		Version:      c.Version(),
		BankID:       strings.TrimSpace(credential.BankID),
		UserID:       strings.TrimSpace(credential.UserID),
		ConsentID:    strings.TrimSpace(credential.ConsentID),
		AccessToken:  credential.Tokens.AccessToken,
		RefreshToken: credential.Tokens.RefreshToken,
		TokenType:    strings.TrimSpace(credential.Tokens.TokenType),
		Scope:        strings.TrimSpace(credential.Tokens.Scope),
		ExpiresAt:    timePointer(credential.Tokens.ExpiresAt),
		StoredAt:     credential.StoredAt.UTC(),
	}
	encoded, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("core: encode credential payload: %w", err)
	}
	return encoded, nil
}

func (c JSONTokenCodec) Decode(payload []byte) (StoredCredential, error) {
	if len(payload) == 0 {
		return StoredCredential{}, fmt.Errorf("core: credential payload is empty")
	}
	decoded := jsonTokenPayload{}
	if err := json.Unmarshal(payload, &decoded); err != nil {
		return StoredCredential{}, fmt.Errorf("core: decode credential payload: %w", err)
	}
	if decoded.Format != "" && decoded.Format != c.Format() {
		return StoredCredential{}, fmt.Errorf("core: unsupported credential payload format %q", decoded.Format)
	}
	if decoded.Version > c.Version() {
		return StoredCredential{}, fmt.Errorf("core: unsupported credential payload version %d", decoded.Version)
	}
	credential := StoredCredential{
		BankID:    decoded.BankID,
		UserID:    decoded.UserID,
		ConsentID: decoded.ConsentID,
		Tokens: TokenBundle{
			AccessToken:  decoded.AccessToken,
			RefreshToken: decoded.RefreshToken,
			TokenType:    decoded.TokenType,
			Scope:        decoded.Scope,
		},
		StoredAt: decoded.StoredAt.UTC(),
	}
	if decoded.ExpiresAt != nil {
		credential.Tokens.ExpiresAt = decoded.ExpiresAt.UTC()
	}
	return credential, nil
}

func timePointer(value time.Time) *time.Time {
	if value.IsZero() {
		return nil
	}
	clone := value.UTC()
	return &clone
}
