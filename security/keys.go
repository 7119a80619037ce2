package security

import (
	"bytes"
	"context"
	"fmt"
	"strings"

	"github.com/goliatone/go-openbanking/core"
)

// KeyMaterial is a versioned master key.
type KeyMaterial struct {
	ID      string
	Version int
	Key     []byte
}

func (k KeyMaterial) validate() error {
	if strings.TrimSpace(k.ID) == "" {
		return core.NewError(core.ErrorKindConfiguration, "security: key id is required")
	}
	if k.Version < 1 {
		return core.NewError(core.ErrorKindConfiguration, "security: key version must be positive")
	}
	if len(k.Key) != KeySize {
		return core.NewError(core.ErrorKindConfiguration, fmt.Sprintf("security: master key must be %d bytes", KeySize))
	}
	return nil
}

func (k KeyMaterial) clone() KeyMaterial {
	k.ID = strings.TrimSpace(k.ID)
	k.Key = append([]byte(nil), k.Key...)
	return k
}

func (k KeyMaterial) ref() string {
	return keyRef(k.ID, k.Version)
}

// KeyProvider supplies the vault master key. The vault reads it once at
// construction and never hands it back out.
type KeyProvider interface {
	MasterKey(ctx context.Context) (KeyMaterial, error)
}

type KeyOption func(*KeyMaterial)

func WithKeyID(id string) KeyOption {
	return func(key *KeyMaterial) {
		if trimmed := strings.TrimSpace(id); trimmed != "" {
			key.ID = trimmed
		}
	}
}

func WithKeyVersion(version int) KeyOption {
	return func(key *KeyMaterial) {
		if version > 0 {
			key.Version = version
		}
	}
}

// StaticKeyProvider serves key material supplied by the host application,
// typically loaded from a platform keystore or secret manager.
type StaticKeyProvider struct {
	key KeyMaterial
}

func NewStaticKeyProvider(material []byte, opts ...KeyOption) (*StaticKeyProvider, error) {
	trimmed := bytes.TrimSpace(material)
	if len(trimmed) == 0 {
		return nil, core.NewError(core.ErrorKindConfiguration, "security: key material is required")
	}
	key := KeyMaterial{ID: "master", Version: 1, Key: normalizeKey(trimmed)}
	for _, opt := range opts {
		if opt != nil {
			opt(&key)
		}
	}
	return &StaticKeyProvider{key: key}, nil
}

func (p *StaticKeyProvider) MasterKey(context.Context) (KeyMaterial, error) {
	if p == nil {
		return KeyMaterial{}, core.NewError(core.ErrorKindKeystoreUnavailable, "security: key provider is nil")
	}
	return p.key.clone(), nil
}

// GeneratedKeyProvider creates a random master key on construction. Entries
// sealed with it do not survive a restart, which suits in-memory vaults.
type GeneratedKeyProvider struct {
	key KeyMaterial
}

func NewGeneratedKeyProvider(opts ...KeyOption) (*GeneratedKeyProvider, error) {
	material, err := GenerateKey()
	if err != nil {
		return nil, err
	}
	key := KeyMaterial{ID: "generated", Version: 1, Key: material}
	for _, opt := range opts {
		if opt != nil {
			opt(&key)
		}
	}
	return &GeneratedKeyProvider{key: key}, nil
}

func (p *GeneratedKeyProvider) MasterKey(context.Context) (KeyMaterial, error) {
	if p == nil {
		return KeyMaterial{}, core.NewError(core.ErrorKindKeystoreUnavailable, "security: key provider is nil")
	}
	return p.key.clone(), nil
}
