package security

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/goliatone/go-openbanking/core"
)

const (
	envelopePrefix  = "obvault.v1:"
	envelopeVersion = 1
)

// envelope is the persisted form of a vault entry. The key id, key version
// and gate flag travel with the ciphertext so rotation and biometric gating
// survive restarts.
type envelope struct {
	KeyID      string `json:"kid"`
	KeyVersion int    `json:"ver"`
	Algorithm  string `json:"alg"`
	Gated      bool   `json:"gate,omitempty"`
	Ciphertext string `json:"ct"`
}

type EnvelopeMetadata struct {
	KeyID      string
	KeyVersion int
	Algorithm  Cipher
	Gated      bool
}

// ParseEnvelopeMetadata reads the header of a stored entry without
// decrypting it.
func ParseEnvelopeMetadata(blob []byte) (EnvelopeMetadata, error) {
	env, err := decodeEnvelope(blob)
	if err != nil {
		return EnvelopeMetadata{}, err
	}
	return EnvelopeMetadata{
		KeyID:      env.KeyID,
		KeyVersion: env.KeyVersion,
		Algorithm:  Cipher(env.Algorithm),
		Gated:      env.Gated,
	}, nil
}

func encodeEnvelope(env envelope) ([]byte, error) {
	env = normalizeEnvelope(env)
	data, err := json.Marshal(env)
	if err != nil {
		return nil, core.WrapError(core.ErrorKindInternal, err, "security: encode envelope")
	}
	return append([]byte(envelopePrefix), data...), nil
}

func decodeEnvelope(blob []byte) (envelope, error) {
	if len(blob) == 0 {
		return envelope{}, core.NewError(core.ErrorKindCredentialCorrupted, "security: stored entry is empty")
	}
	payload := string(blob)
	if !strings.HasPrefix(payload, envelopePrefix) {
		return envelope{}, core.NewError(core.ErrorKindCredentialCorrupted, "security: stored entry has an unknown format")
	}
	parsed := envelope{}
	if err := json.Unmarshal([]byte(strings.TrimPrefix(payload, envelopePrefix)), &parsed); err != nil {
		return envelope{}, core.WrapError(core.ErrorKindCredentialCorrupted, err, "security: decode envelope")
	}
	parsed = normalizeEnvelope(parsed)
	if parsed.Ciphertext == "" {
		return envelope{}, core.NewError(core.ErrorKindCredentialCorrupted, "security: envelope ciphertext is required")
	}
	return parsed, nil
}

func normalizeEnvelope(in envelope) envelope {
	in.KeyID = strings.TrimSpace(in.KeyID)
	in.Algorithm = strings.ToLower(strings.TrimSpace(in.Algorithm))
	if in.Algorithm == "" {
		in.Algorithm = string(CipherAES256GCM)
	}
	return in
}

func (e envelope) sealed() ([]byte, error) {
	decoded, err := base64.StdEncoding.DecodeString(strings.TrimSpace(e.Ciphertext))
	if err != nil {
		return nil, core.WrapError(core.ErrorKindCredentialCorrupted, err, "security: decode ciphertext payload")
	}
	return decoded, nil
}

// entryAAD binds the entry name and gate flag to the ciphertext so blobs
// cannot be swapped between keys or have their gate stripped.
func entryAAD(entry string, gated bool) []byte {
	return []byte(fmt.Sprintf("%s%s|gate=%t|v%d", envelopePrefix, entry, gated, envelopeVersion))
}
