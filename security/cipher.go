package security

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"fmt"
	"io"
	"strings"

	"github.com/goliatone/go-openbanking/core"
	"golang.org/x/crypto/chacha20poly1305"
	"golang.org/x/crypto/hkdf"
)

// KeySize is the length of every symmetric key handled by the vault.
const KeySize = 32

type Cipher string

const (
	CipherAES256GCM        Cipher = "aes-256-gcm"
	CipherChaCha20Poly1305 Cipher = "chacha20-poly1305"
)

func ParseCipher(raw string) (Cipher, error) {
	switch Cipher(strings.ToLower(strings.TrimSpace(raw))) {
	case "", CipherAES256GCM:
		return CipherAES256GCM, nil
	case CipherChaCha20Poly1305:
		return CipherChaCha20Poly1305, nil
	default:
		return "", core.NewError(core.ErrorKindConfiguration, fmt.Sprintf("security: unknown cipher %q", raw))
	}
}

// GenerateKey draws a fresh 256-bit key from crypto/rand.
func GenerateKey() ([]byte, error) {
	key := make([]byte, KeySize)
	if _, err := io.ReadFull(rand.Reader, key); err != nil {
		return nil, core.WrapError(core.ErrorKindKeystoreUnavailable, err, "security: key generation failed")
	}
	return key, nil
}

// Seal encrypts plaintext under key and returns nonce || ciphertext || tag.
// A fresh random nonce is drawn for every call.
func Seal(alg Cipher, key []byte, plaintext []byte, additionalData []byte) ([]byte, error) {
	aead, err := newAEAD(alg, key)
	if err != nil {
		return nil, err
	}
	nonce := make([]byte, aead.NonceSize(), aead.NonceSize()+len(plaintext)+aead.Overhead())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return nil, core.WrapError(core.ErrorKindKeystoreUnavailable, err, "security: nonce generation failed")
	}
	return aead.Seal(nonce, nonce, plaintext, additionalData), nil
}

// Open reverses Seal. Wrong keys, wrong associated data and tampered input
// all fail without returning plaintext.
func Open(alg Cipher, key []byte, sealed []byte, additionalData []byte) ([]byte, error) {
	aead, err := newAEAD(alg, key)
	if err != nil {
		return nil, err
	}
	if len(sealed) < aead.NonceSize()+aead.Overhead() {
		return nil, core.NewError(core.ErrorKindCredentialCorrupted, "security: ciphertext is truncated")
	}
	nonce, payload := sealed[:aead.NonceSize()], sealed[aead.NonceSize():]
	plaintext, err := aead.Open(nil, nonce, payload, additionalData)
	if err != nil {
		return nil, core.WrapError(core.ErrorKindCredentialCorrupted, err, "security: ciphertext failed authentication")
	}
	return plaintext, nil
}

func newAEAD(alg Cipher, key []byte) (cipher.AEAD, error) {
	if len(key) != KeySize {
		return nil, core.NewError(core.ErrorKindBadInput, fmt.Sprintf("security: key must be %d bytes", KeySize))
	}
	switch alg {
	case "", CipherAES256GCM:
		block, err := aes.NewCipher(key)
		if err != nil {
			return nil, core.WrapError(core.ErrorKindInternal, err, "security: create cipher")
		}
		aead, err := cipher.NewGCM(block)
		if err != nil {
			return nil, core.WrapError(core.ErrorKindInternal, err, "security: create gcm")
		}
		return aead, nil
	case CipherChaCha20Poly1305:
		aead, err := chacha20poly1305.New(key)
		if err != nil {
			return nil, core.WrapError(core.ErrorKindInternal, err, "security: create chacha20-poly1305")
		}
		return aead, nil
	default:
		return nil, core.NewError(core.ErrorKindConfiguration, fmt.Sprintf("security: unknown cipher %q", alg))
	}
}

// deriveEntryKey derives the data key of one vault entry from the master key.
func deriveEntryKey(master []byte, entry string) ([]byte, error) {
	reader := hkdf.New(sha256.New, master, nil, []byte(envelopePrefix+entry))
	key := make([]byte, KeySize)
	if _, err := io.ReadFull(reader, key); err != nil {
		return nil, core.WrapError(core.ErrorKindInternal, err, "security: derive entry key")
	}
	return key, nil
}

// normalizeKey accepts 32 raw bytes as-is and hashes any other material down
// to a 256-bit key.
func normalizeKey(value []byte) []byte {
	if len(value) == KeySize {
		key := make([]byte, len(value))
		copy(key, value)
		return key
	}
	sum := sha256.Sum256(value)
	key := make([]byte, len(sum))
	copy(key, sum[:])
	return key
}

func zero(b []byte) {
	for i := range b {
		b[i] = 0
	}
}
