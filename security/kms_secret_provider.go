package security

import (
	"context"
	"fmt"
	"strings"

	"github.com/goliatone/go-openbanking/core"
)

type KMSEncryptRequest struct {
	KeyID      string
	KeyVersion int
	Plaintext  []byte
	Metadata   map[string]string
}

type KMSEncryptResponse struct {
	Ciphertext []byte
}

type KMSDecryptRequest struct {
	KeyID      string
	KeyVersion int
	Ciphertext []byte
	Metadata   map[string]string
}

type KMSDecryptResponse struct {
	Plaintext []byte
}

// KMSClient is the narrow surface of a platform key management service or
// hardware keystore able to wrap and unwrap a data key.
type KMSClient interface {
	Encrypt(ctx context.Context, req KMSEncryptRequest) (KMSEncryptResponse, error)
	Decrypt(ctx context.Context, req KMSDecryptRequest) (KMSDecryptResponse, error)
}

type KMSOption func(*KMSKeyProvider)

func WithKMSMetadata(metadata map[string]string) KMSOption {
	return func(provider *KMSKeyProvider) {
		if provider == nil {
			return
		}
		provider.metadata = copyStringMap(metadata)
	}
}

// KMSKeyProvider unwraps a vault master key that was wrapped by a KMS. Only
// the wrapped form is ever persisted by the host application.
type KMSKeyProvider struct {
	client   KMSClient
	keyID    string
	version  int
	wrapped  []byte
	metadata map[string]string
}

func NewKMSKeyProvider(client KMSClient, keyID string, version int, wrapped []byte, opts ...KMSOption) (*KMSKeyProvider, error) {
	if client == nil {
		return nil, core.NewError(core.ErrorKindConfiguration, "security: kms client is required")
	}
	keyID = strings.TrimSpace(keyID)
	if keyID == "" {
		return nil, core.NewError(core.ErrorKindConfiguration, "security: key id is required")
	}
	if version <= 0 {
		return nil, core.NewError(core.ErrorKindConfiguration, "security: key version must be greater than zero")
	}
	if len(wrapped) == 0 {
		return nil, core.NewError(core.ErrorKindConfiguration, "security: wrapped key is required")
	}
	provider := &KMSKeyProvider{
		client:  client,
		keyID:   keyID,
		version: version,
		wrapped: append([]byte(nil), wrapped...),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(provider)
		}
	}
	return provider, nil
}

func (p *KMSKeyProvider) MasterKey(ctx context.Context) (KeyMaterial, error) {
	if p == nil {
		return KeyMaterial{}, core.NewError(core.ErrorKindKeystoreUnavailable, "security: key provider is nil")
	}
	response, err := p.client.Decrypt(ctx, KMSDecryptRequest{
		KeyID:      p.keyID,
		KeyVersion: p.version,
		Ciphertext: append([]byte(nil), p.wrapped...),
		Metadata:   copyStringMap(p.metadata),
	})
	if err != nil {
		return KeyMaterial{}, core.WrapError(core.ErrorKindKeystoreUnavailable, err, "security: kms unwrap failed")
	}
	if len(response.Plaintext) != KeySize {
		return KeyMaterial{}, core.NewError(
			core.ErrorKindKeystoreUnavailable,
			fmt.Sprintf("security: kms returned a %d byte key, want %d", len(response.Plaintext), KeySize),
		)
	}
	return KeyMaterial{ID: p.keyID, Version: p.version, Key: response.Plaintext}, nil
}

// WrapMasterKey asks the KMS to wrap key so it can be persisted and later
// handed to NewKMSKeyProvider.
func WrapMasterKey(ctx context.Context, client KMSClient, keyID string, version int, key []byte) ([]byte, error) {
	if client == nil {
		return nil, core.NewError(core.ErrorKindConfiguration, "security: kms client is required")
	}
	if len(key) != KeySize {
		return nil, core.NewError(core.ErrorKindBadInput, fmt.Sprintf("security: master key must be %d bytes", KeySize))
	}
	response, err := client.Encrypt(ctx, KMSEncryptRequest{
		KeyID:      strings.TrimSpace(keyID),
		KeyVersion: version,
		Plaintext:  append([]byte(nil), key...),
	})
	if err != nil {
		return nil, core.WrapError(core.ErrorKindKeystoreUnavailable, err, "security: kms wrap failed")
	}
	if len(response.Ciphertext) == 0 {
		return nil, core.NewError(core.ErrorKindKeystoreUnavailable, "security: kms wrap returned empty ciphertext")
	}
	return response.Ciphertext, nil
}

func copyStringMap(input map[string]string) map[string]string {
	if len(input) == 0 {
		return nil
	}
	output := make(map[string]string, len(input))
	for key, value := range input {
		trimmedKey := strings.TrimSpace(key)
		if trimmedKey == "" {
			continue
		}
		output[trimmedKey] = strings.TrimSpace(value)
	}
	if len(output) == 0 {
		return nil
	}
	return output
}

var _ KeyProvider = (*KMSKeyProvider)(nil)
