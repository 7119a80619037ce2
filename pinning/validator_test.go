package pinning

import (
	"crypto/tls"
	"crypto/x509"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/goliatone/go-openbanking/core"
)

func TestValidator_ValidateMatchesOnlyPinnedFingerprints(t *testing.T) {
	validator := NewValidator(nil)
	leaf := newCert(t, "api.banka.example")
	other := newCert(t, "api.banka.example")
	pins := []string{Fingerprint(leaf)}

	if !validator.Validate("api.banka.example", leaf, pins) {
		t.Fatalf("expected pinned certificate to be trusted")
	}
	if validator.Validate("api.banka.example", other, pins) {
		t.Fatalf("expected unpinned certificate to be rejected")
	}
	if validator.Validate("api.banka.example", []byte{0x30, 0x82}, pins) {
		t.Fatalf("expected garbage to be rejected")
	}
	if validator.Validate("api.banka.example", leaf, []string{"not-a-pin"}) {
		t.Fatalf("expected malformed pins to never match")
	}
	if validator.Validate("", leaf, pins) {
		t.Fatalf("expected empty hostname to be rejected")
	}
}

func TestValidator_RotationAcceptsEveryCandidate(t *testing.T) {
	store := NewTrustStore()
	validator := NewValidator(store)
	oldCert := newCert(t, "api.banka.example")
	newCertificate := newCert(t, "api.banka.example")
	if err := store.Configure("api.banka.example", []string{Fingerprint(oldCert), Fingerprint(newCertificate)}); err != nil {
		t.Fatalf("configure: %v", err)
	}
	if !validator.ValidateCertificate("api.banka.example", oldCert) {
		t.Fatalf("expected old certificate to be trusted")
	}
	if !validator.ValidateCertificate("api.banka.example", newCertificate) {
		t.Fatalf("expected new certificate to be trusted")
	}
}

func TestValidator_CachedVerdictsNeverCrossHosts(t *testing.T) {
	store := NewTrustStore()
	metrics := &countingRecorder{}
	validator := NewValidator(store, WithMetricsRecorder(metrics))
	shared := newCert(t, "cdn.example")
	if err := store.Configure("api.banka.example", []string{Fingerprint(shared)}); err != nil {
		t.Fatalf("configure bank A: %v", err)
	}
	if err := store.Configure("api.bankb.example", []string{Fingerprint([]byte("bank-b-only"))}); err != nil {
		t.Fatalf("configure bank B: %v", err)
	}

	if !validator.ValidateCertificate("api.banka.example", shared) {
		t.Fatalf("expected bank A to trust its pinned certificate")
	}
	if !validator.ValidateCertificate("api.banka.example", shared) {
		t.Fatalf("expected cached verdict to stay trusted")
	}
	if metrics.countCache("hit") != 1 {
		t.Fatalf("expected second validation to hit the cache")
	}
	if validator.ValidateCertificate("api.bankb.example", shared) {
		t.Fatalf("expected bank B to reject a certificate only pinned for bank A")
	}
	if _, ok := validator.Cache().Get("api.bankb.example", Fingerprint(shared)); !ok {
		t.Fatalf("expected bank B verdict to be cached under its own host")
	}
}

func TestValidator_PinChangeInvalidatesVerdicts(t *testing.T) {
	store := NewTrustStore()
	validator := NewValidator(store)
	leaf := newCert(t, "api.banka.example")
	if err := store.Configure("api.banka.example", []string{Fingerprint(leaf)}); err != nil {
		t.Fatalf("configure: %v", err)
	}
	if !validator.ValidateCertificate("api.banka.example", leaf) {
		t.Fatalf("expected certificate to be trusted")
	}
	if err := store.Configure("api.banka.example", []string{Fingerprint([]byte("replacement"))}); err != nil {
		t.Fatalf("reconfigure: %v", err)
	}
	if validator.Cache().Len() != 0 {
		t.Fatalf("expected host verdicts to be dropped on pin change")
	}
	if validator.ValidateCertificate("api.banka.example", leaf) {
		t.Fatalf("expected certificate to be rejected after rotation away from it")
	}
}

func TestValidator_ChainTrustsAnyPinnedLink(t *testing.T) {
	store := NewTrustStore()
	validator := NewValidator(store)
	leaf := newCert(t, "api.banka.example")
	intermediate := newCert(t, "Bank Intermediate CA")
	root := newCert(t, "Bank Root CA")
	if err := store.Configure("api.banka.example", []string{Fingerprint(intermediate)}); err != nil {
		t.Fatalf("configure: %v", err)
	}

	if !validator.ValidateChain("api.banka.example", [][]byte{leaf, intermediate, root}) {
		t.Fatalf("expected intermediate pin to trust the chain")
	}
	if validator.ValidateChain("api.banka.example", [][]byte{leaf, root}) {
		t.Fatalf("expected chain without pinned link to be rejected")
	}
	if validator.ValidateChain("api.banka.example", nil) {
		t.Fatalf("expected empty chain to be rejected")
	}
}

func TestValidator_StrictModeRejectsUnpinnedHosts(t *testing.T) {
	leaf := newCert(t, "sandbox.example")
	strict := NewValidator(NewTrustStore())
	if strict.ValidateChain("sandbox.example", [][]byte{leaf}) {
		t.Fatalf("expected strict validator to reject unpinned host")
	}

	relaxed := NewValidator(NewTrustStore(), WithStrict(false))
	if !relaxed.ValidateChain("sandbox.example", [][]byte{leaf}) {
		t.Fatalf("expected non-strict validator to allow unpinned host")
	}
	if relaxed.ValidateChain("sandbox.example", nil) {
		t.Fatalf("expected empty chain to be rejected even when not strict")
	}
}

func TestValidator_SPKIMode(t *testing.T) {
	key := newTestKey(t)
	original := newCertWithKey(t, "api.banka.example", key)
	reissued := newCertWithKey(t, "api.banka.example", key)
	store := NewTrustStore()
	validator := NewValidator(store, WithPinMode(PinModeSPKI))
	if err := store.Configure("api.banka.example", []string{SPKIFingerprint(original)}); err != nil {
		t.Fatalf("configure: %v", err)
	}
	if !validator.ValidateCertificate("api.banka.example", reissued) {
		t.Fatalf("expected reissued certificate with the same key to be trusted")
	}
}

func TestValidator_VerifyPeerCertificateReturnsMismatch(t *testing.T) {
	store := NewTrustStore()
	validator := NewValidator(store)
	leaf := newCert(t, "api.banka.example")
	if err := store.Configure("api.banka.example", []string{Fingerprint([]byte("other"))}); err != nil {
		t.Fatalf("configure: %v", err)
	}
	hook := validator.VerifyPeerCertificate("api.banka.example")
	err := hook([][]byte{leaf}, nil)
	if !core.IsKind(err, core.ErrorKindCertificateMismatch) {
		t.Fatalf("expected certificate mismatch, got %v", err)
	}
	if core.IsRetryable(err) {
		t.Fatalf("expected certificate mismatch to be terminal")
	}
}

func TestValidator_TLSHandshakeHonoursPins(t *testing.T) {
	server := httptest.NewTLSServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	}))
	defer server.Close()

	roots := x509.NewCertPool()
	roots.AddCert(server.Certificate())
	newClient := func(validator *Validator) *http.Client {
		return &http.Client{Transport: &http.Transport{
			TLSClientConfig: validator.TLSConfig(&tls.Config{
				RootCAs:    roots,
				ServerName: "example.com",
			}),
		}}
	}

	store := NewTrustStore()
	if err := store.Configure("example.com", []string{Fingerprint(server.Certificate().Raw)}); err != nil {
		t.Fatalf("configure: %v", err)
	}
	resp, err := newClient(NewValidator(store)).Get(server.URL)
	if err != nil {
		t.Fatalf("expected pinned handshake to succeed: %v", err)
	}
	_ = resp.Body.Close()

	wrong := NewTrustStore()
	if err := wrong.Configure("example.com", []string{Fingerprint([]byte("someone else"))}); err != nil {
		t.Fatalf("configure: %v", err)
	}
	if _, err := newClient(NewValidator(wrong)).Get(server.URL); err == nil {
		t.Fatalf("expected handshake to abort on pin mismatch")
	}
}
