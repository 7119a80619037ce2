package authorization

import (
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/base64"
	"fmt"

	"github.com/goliatone/go-openbanking/core"
)

const (
	MethodS256 = "S256"

	minVerifierLength = 43
	maxVerifierLength = 128
	// 48 random bytes encode to a 64 character verifier.
	verifierEntropyBytes = 48
)

// PKCEChallenge is a proof key pair. The verifier stays with the session and
// is never logged; only the challenge leaves the process before the token
// exchange.
type PKCEChallenge struct {
	Verifier  string
	Challenge string
	Method    string
}

// NewPKCE generates a fresh S256 challenge.
func NewPKCE() (PKCEChallenge, error) {
	raw := make([]byte, verifierEntropyBytes)
	if _, err := rand.Read(raw); err != nil {
		return PKCEChallenge{}, core.WrapError(core.ErrorKindInternal, err, "authorization: generate pkce verifier")
	}
	verifier := base64.RawURLEncoding.EncodeToString(raw)
	return PKCEChallenge{
		Verifier:  verifier,
		Challenge: S256Challenge(verifier),
		Method:    MethodS256,
	}, nil
}

// PKCEFromVerifier derives the challenge for a caller supplied verifier.
func PKCEFromVerifier(verifier string) (PKCEChallenge, error) {
	if err := ValidateVerifier(verifier); err != nil {
		return PKCEChallenge{}, err
	}
	return PKCEChallenge{
		Verifier:  verifier,
		Challenge: S256Challenge(verifier),
		Method:    MethodS256,
	}, nil
}

// S256Challenge returns base64url(SHA-256(verifier)) without padding.
func S256Challenge(verifier string) string {
	sum := sha256.Sum256([]byte(verifier))
	return base64.RawURLEncoding.EncodeToString(sum[:])
}

// ValidateVerifier checks length and the RFC 7636 unreserved character set.
func ValidateVerifier(verifier string) error {
	if len(verifier) < minVerifierLength || len(verifier) > maxVerifierLength {
		return core.NewErrorWithMetadata(
			core.ErrorKindBadInput,
			nil,
			fmt.Sprintf("authorization: pkce verifier must be %d-%d characters", minVerifierLength, maxVerifierLength),
			map[string]any{"length": len(verifier)},
		)
	}
	for i := 0; i < len(verifier); i++ {
		if !isUnreserved(verifier[i]) {
			return core.NewError(core.ErrorKindBadInput, "authorization: pkce verifier contains a reserved character")
		}
	}
	return nil
}

// Matches reports whether verifier hashes to the challenge.
func (p PKCEChallenge) Matches(verifier string) bool {
	if ValidateVerifier(verifier) != nil || p.Challenge == "" {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(S256Challenge(verifier)), []byte(p.Challenge)) == 1
}

func isUnreserved(c byte) bool {
	switch {
	case c >= 'A' && c <= 'Z', c >= 'a' && c <= 'z', c >= '0' && c <= '9':
		return true
	case c == '-', c == '.', c == '_', c == '~':
		return true
	default:
		return false
	}
}

func randomToken(size int) (string, error) {
	raw := make([]byte, size)
	if _, err := rand.Read(raw); err != nil {
		return "", core.WrapError(core.ErrorKindInternal, err, "authorization: generate random token")
	}
	return base64.RawURLEncoding.EncodeToString(raw), nil
}
