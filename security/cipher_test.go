package security

import (
	"bytes"
	"testing"

	"github.com/goliatone/go-openbanking/core"
)

func TestSealOpen_RoundTripBothCiphers(t *testing.T) {
	key, err := GenerateKey()
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	for _, alg := range []Cipher{CipherAES256GCM, CipherChaCha20Poly1305} {
		sealed, err := Seal(alg, key, []byte("refresh-token"), []byte("aad"))
		if err != nil {
			t.Fatalf("%s seal: %v", alg, err)
		}
		if bytes.Contains(sealed, []byte("refresh-token")) {
			t.Fatalf("%s: ciphertext leaks plaintext", alg)
		}
		opened, err := Open(alg, key, sealed, []byte("aad"))
		if err != nil {
			t.Fatalf("%s open: %v", alg, err)
		}
		if string(opened) != "refresh-token" {
			t.Fatalf("%s: unexpected plaintext %q", alg, opened)
		}
	}
}

func TestSeal_FreshNoncePerCall(t *testing.T) {
	key, _ := GenerateKey()
	seen := map[string]struct{}{}
	for i := 0; i < 64; i++ {
		sealed, err := Seal(CipherAES256GCM, key, []byte("same"), nil)
		if err != nil {
			t.Fatalf("seal: %v", err)
		}
		nonce := string(sealed[:12])
		if _, dup := seen[nonce]; dup {
			t.Fatalf("nonce reused after %d calls", i)
		}
		seen[nonce] = struct{}{}
	}
}

func TestOpen_RejectsWrongKeyTamperAndAAD(t *testing.T) {
	key, _ := GenerateKey()
	other, _ := GenerateKey()
	sealed, err := Seal(CipherAES256GCM, key, []byte("payload"), []byte("entry-a"))
	if err != nil {
		t.Fatalf("seal: %v", err)
	}

	if _, err := Open(CipherAES256GCM, other, sealed, []byte("entry-a")); !core.IsKind(err, core.ErrorKindCredentialCorrupted) {
		t.Fatalf("expected wrong key to fail, got %v", err)
	}
	if _, err := Open(CipherAES256GCM, key, sealed, []byte("entry-b")); err == nil {
		t.Fatalf("expected mismatched associated data to fail")
	}
	tampered := append([]byte(nil), sealed...)
	tampered[len(tampered)-1] ^= 0x01
	if _, err := Open(CipherAES256GCM, key, tampered, []byte("entry-a")); err == nil {
		t.Fatalf("expected tampered tag to fail")
	}
	if _, err := Open(CipherAES256GCM, key, sealed[:8], []byte("entry-a")); err == nil {
		t.Fatalf("expected truncated input to fail")
	}
}

func TestSeal_RejectsShortKey(t *testing.T) {
	if _, err := Seal(CipherAES256GCM, []byte("short"), []byte("x"), nil); !core.IsKind(err, core.ErrorKindBadInput) {
		t.Fatalf("expected bad input for short key, got %v", err)
	}
}

func TestParseCipher(t *testing.T) {
	cases := map[string]Cipher{
		"":                   CipherAES256GCM,
		"AES-256-GCM":        CipherAES256GCM,
		" chacha20-poly1305": CipherChaCha20Poly1305,
	}
	for raw, want := range cases {
		got, err := ParseCipher(raw)
		if err != nil || got != want {
			t.Fatalf("parse %q: got %q, %v", raw, got, err)
		}
	}
	if _, err := ParseCipher("rot13"); !core.IsKind(err, core.ErrorKindConfiguration) {
		t.Fatalf("expected configuration error, got %v", err)
	}
}

func TestDeriveEntryKey_DiffersPerEntry(t *testing.T) {
	master, _ := GenerateKey()
	a, err := deriveEntryKey(master, "bankA:user1")
	if err != nil {
		t.Fatalf("derive: %v", err)
	}
	b, _ := deriveEntryKey(master, "bankB:user1")
	again, _ := deriveEntryKey(master, "bankA:user1")
	if bytes.Equal(a, b) {
		t.Fatalf("expected distinct keys per entry")
	}
	if !bytes.Equal(a, again) {
		t.Fatalf("expected derivation to be deterministic")
	}
}
