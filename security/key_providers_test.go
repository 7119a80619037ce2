package security

import (
	"bytes"
	"context"
	"encoding/base64"
	"fmt"
	"strings"
	"testing"

	"github.com/goliatone/go-openbanking/core"
)

type fakeKMSClient struct {
	failEncrypt bool
	failDecrypt bool
	lastDecrypt KMSDecryptRequest
}

func (c *fakeKMSClient) Encrypt(_ context.Context, req KMSEncryptRequest) (KMSEncryptResponse, error) {
	if c.failEncrypt {
		return KMSEncryptResponse{}, fmt.Errorf("kms unavailable")
	}
	if len(req.Plaintext) == 0 {
		return KMSEncryptResponse{}, fmt.Errorf("plaintext is required")
	}
	encoded := base64.StdEncoding.EncodeToString(req.Plaintext)
	wire := fmt.Sprintf("kms|%s|%d|%s", req.KeyID, req.KeyVersion, encoded)
	return KMSEncryptResponse{Ciphertext: []byte(wire)}, nil
}

func (c *fakeKMSClient) Decrypt(_ context.Context, req KMSDecryptRequest) (KMSDecryptResponse, error) {
	c.lastDecrypt = req
	if c.failDecrypt {
		return KMSDecryptResponse{}, fmt.Errorf("kms unavailable")
	}
	parts := strings.Split(string(req.Ciphertext), "|")
	if len(parts) != 4 || parts[0] != "kms" {
		return KMSDecryptResponse{}, fmt.Errorf("invalid kms payload")
	}
	if parts[1] != req.KeyID {
		return KMSDecryptResponse{}, fmt.Errorf("kms key mismatch")
	}
	if fmt.Sprintf("%d", req.KeyVersion) != parts[2] {
		return KMSDecryptResponse{}, fmt.Errorf("kms version mismatch")
	}
	decoded, err := base64.StdEncoding.DecodeString(parts[3])
	if err != nil {
		return KMSDecryptResponse{}, err
	}
	return KMSDecryptResponse{Plaintext: decoded}, nil
}

func TestKMSKeyProvider_UnwrapsMasterKey(t *testing.T) {
	client := &fakeKMSClient{}
	master := bytes.Repeat([]byte{7}, KeySize)
	wrapped, err := WrapMasterKey(context.Background(), client, "kms-openbanking", 2, master)
	if err != nil {
		t.Fatalf("wrap master key: %v", err)
	}
	if bytes.Contains(wrapped, master) {
		t.Fatalf("expected wrapped key to differ from raw material")
	}

	provider, err := NewKMSKeyProvider(client, "kms-openbanking", 2, wrapped, WithKMSMetadata(map[string]string{" app ": "wallet "}))
	if err != nil {
		t.Fatalf("new kms key provider: %v", err)
	}
	key, err := provider.MasterKey(context.Background())
	if err != nil {
		t.Fatalf("master key: %v", err)
	}
	if key.ID != "kms-openbanking" || key.Version != 2 {
		t.Fatalf("unexpected key identity %s:%d", key.ID, key.Version)
	}
	if !bytes.Equal(key.Key, master) {
		t.Fatalf("expected unwrapped key to match original")
	}
	if client.lastDecrypt.Metadata["app"] != "wallet" {
		t.Fatalf("expected normalized metadata on decrypt request, got %#v", client.lastDecrypt.Metadata)
	}
}

func TestKMSKeyProvider_FailuresAreKeystoreUnavailable(t *testing.T) {
	provider, err := NewKMSKeyProvider(&fakeKMSClient{failDecrypt: true}, "kms-openbanking", 1, []byte("kms|x|1|AA=="))
	if err != nil {
		t.Fatalf("new kms key provider: %v", err)
	}
	if _, err := provider.MasterKey(context.Background()); !core.IsKind(err, core.ErrorKindKeystoreUnavailable) {
		t.Fatalf("expected keystore unavailable, got %v", err)
	}

	short, err := WrapMasterKey(context.Background(), &fakeKMSClient{}, "kms-openbanking", 1, bytes.Repeat([]byte{1}, KeySize))
	if err != nil {
		t.Fatalf("wrap: %v", err)
	}
	wrongVersion, err := NewKMSKeyProvider(&fakeKMSClient{}, "kms-openbanking", 3, short)
	if err != nil {
		t.Fatalf("new kms key provider: %v", err)
	}
	if _, err := wrongVersion.MasterKey(context.Background()); !core.IsKind(err, core.ErrorKindKeystoreUnavailable) {
		t.Fatalf("expected version mismatch to surface as keystore unavailable, got %v", err)
	}
}

func TestNewKMSKeyProvider_RequiresConfiguration(t *testing.T) {
	if _, err := NewKMSKeyProvider(nil, "id", 1, []byte("x")); !core.IsKind(err, core.ErrorKindConfiguration) {
		t.Fatalf("expected configuration error for nil client, got %v", err)
	}
	if _, err := NewKMSKeyProvider(&fakeKMSClient{}, " ", 1, []byte("x")); !core.IsKind(err, core.ErrorKindConfiguration) {
		t.Fatalf("expected configuration error for empty key id, got %v", err)
	}
	if _, err := NewKMSKeyProvider(&fakeKMSClient{}, "id", 0, []byte("x")); !core.IsKind(err, core.ErrorKindConfiguration) {
		t.Fatalf("expected configuration error for zero version, got %v", err)
	}
	if _, err := NewKMSKeyProvider(&fakeKMSClient{}, "id", 1, nil); !core.IsKind(err, core.ErrorKindConfiguration) {
		t.Fatalf("expected configuration error for missing wrapped key, got %v", err)
	}
}

func TestStaticKeyProvider_NormalizesMaterial(t *testing.T) {
	provider, err := NewStaticKeyProvider([]byte("a passphrase that is not 32 bytes"), WithKeyID("app-v1"), WithKeyVersion(4))
	if err != nil {
		t.Fatalf("new static key provider: %v", err)
	}
	key, err := provider.MasterKey(context.Background())
	if err != nil {
		t.Fatalf("master key: %v", err)
	}
	if len(key.Key) != KeySize {
		t.Fatalf("expected %d byte key, got %d", KeySize, len(key.Key))
	}
	if key.ID != "app-v1" || key.Version != 4 {
		t.Fatalf("unexpected key identity %s:%d", key.ID, key.Version)
	}
	key.Key[0] ^= 0xFF
	again, _ := provider.MasterKey(context.Background())
	if bytes.Equal(again.Key, key.Key) {
		t.Fatalf("expected provider to hand out copies")
	}

	if _, err := NewStaticKeyProvider([]byte("  ")); !core.IsKind(err, core.ErrorKindConfiguration) {
		t.Fatalf("expected configuration error for blank material, got %v", err)
	}
}

func TestGeneratedKeyProvider_ProducesDistinctKeys(t *testing.T) {
	first, err := NewGeneratedKeyProvider()
	if err != nil {
		t.Fatalf("new generated provider: %v", err)
	}
	second, err := NewGeneratedKeyProvider()
	if err != nil {
		t.Fatalf("new generated provider: %v", err)
	}
	a, _ := first.MasterKey(context.Background())
	b, _ := second.MasterKey(context.Background())
	if bytes.Equal(a.Key, b.Key) {
		t.Fatalf("expected independent random keys")
	}
}
