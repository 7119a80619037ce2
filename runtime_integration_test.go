package openbanking_test

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"net/http"
	"net/http/httptest"
	"net/url"
	"testing"

	openbanking "github.com/goliatone/go-openbanking"
	"github.com/goliatone/go-openbanking/core"
	"github.com/goliatone/go-openbanking/pinning"
	"github.com/goliatone/go-openbanking/sandbox"

	obcommand "github.com/goliatone/go-openbanking/command"
	obquery "github.com/goliatone/go-openbanking/query"
)

type sandboxFixture struct {
	bank    *sandbox.Bank
	server  *httptest.Server
	runtime *openbanking.Runtime
	metrics *core.MemoryMetricsRecorder
}

func leafPin(server *httptest.Server) []string {
	return []string{pinning.Fingerprint(server.Certificate().Raw)}
}

func newSandboxFixture(t *testing.T, pins func(*httptest.Server) []string, opts ...openbanking.RuntimeOption) *sandboxFixture {
	t.Helper()
	bank := sandbox.New(sandbox.Config{ClientID: "c1", ClientSecret: "s1"})
	server := httptest.NewTLSServer(bank.Handler())
	t.Cleanup(server.Close)

	roots := x509.NewCertPool()
	roots.AddCert(server.Certificate())

	bankCfg := bank.BankConfig("bankA", server.URL, "https://app/cb")
	bankCfg.Fingerprints = pins(server)

	cfg := openbanking.DefaultConfig()
	cfg.Banks["bankA"] = bankCfg

	metrics := openbanking.NewMemoryMetricsRecorder()
	base := []openbanking.RuntimeOption{
		openbanking.WithTLSConfig(&tls.Config{RootCAs: roots, MinVersion: tls.VersionTLS12}),
		openbanking.WithRuntimeMetricsRecorder(metrics),
	}
	runtime, err := openbanking.NewRuntime(context.Background(), cfg, append(base, opts...)...)
	if err != nil {
		t.Fatalf("new runtime: %v", err)
	}
	return &sandboxFixture{bank: bank, server: server, runtime: runtime, metrics: metrics}
}

func requestURIFrom(t *testing.T, authorizationURL string) string {
	t.Helper()
	parsed, err := url.Parse(authorizationURL)
	if err != nil {
		t.Fatalf("parse authorization url: %v", err)
	}
	requestURI := parsed.Query().Get("request_uri")
	if requestURI == "" {
		t.Fatalf("authorization url has no request_uri: %s", authorizationURL)
	}
	return requestURI
}

func connectAccounts(t *testing.T, fx *sandboxFixture) openbanking.ConnectResponse {
	t.Helper()
	fx.bank.QueueConsentID("cons-1")
	fx.bank.QueueCode("code-xyz")
	fx.bank.QueueAccessToken("tok1")

	service := fx.runtime.Service()
	resp, err := service.Connect(context.Background(), openbanking.ConnectRequest{
		BankID:      "bankA",
		UserID:      "u1",
		Permissions: []string{"ReadAccountsBasic", "ReadBalances"},
	})
	if err != nil {
		t.Fatalf("connect: %v", err)
	}
	if resp.ConsentID != "cons-1" {
		t.Fatalf("expected consent cons-1, got %q", resp.ConsentID)
	}

	code, state, err := fx.bank.Approve(requestURIFrom(t, resp.AuthorizationURL))
	if err != nil {
		t.Fatalf("approve at bank: %v", err)
	}
	if code != "code-xyz" {
		t.Fatalf("expected queued code, got %q", code)
	}
	if err := service.CompleteAuthorization(context.Background(), openbanking.CompleteRequest{
		Code:  code,
		State: state,
	}); err != nil {
		t.Fatalf("complete authorization: %v", err)
	}
	return resp
}

func TestRuntime_ConnectAuthorizeAndDisconnectAgainstSandbox(t *testing.T) {
	fx := newSandboxFixture(t, leafPin)
	service := fx.runtime.Service()
	connectAccounts(t, fx)

	tokens, err := service.AccessToken(context.Background(), "bankA", "u1")
	if err != nil {
		t.Fatalf("access token: %v", err)
	}
	if tokens.AccessToken != "tok1" {
		t.Fatalf("expected tok1, got %q", tokens.AccessToken)
	}

	consent, err := service.RequireConsent(context.Background(), "cons-1", openbanking.PurposeAccounts)
	if err != nil {
		t.Fatalf("require consent: %v", err)
	}
	if consent.Status != core.ConsentStatusAuthorised {
		t.Fatalf("expected authorised consent, got %s", consent.Status)
	}

	fx.bank.FailNext(sandbox.EndpointRevoke, http.StatusInternalServerError, `{"error":"server_error"}`)
	result, err := service.Disconnect(context.Background(), "bankA", "u1")
	if err != nil {
		t.Fatalf("disconnect: %v", err)
	}
	if !result.CredentialsDeleted {
		t.Fatalf("expected credentials to be deleted")
	}
	if result.RemoteRevoked || result.RemoteRevocationError == nil {
		t.Fatalf("expected remote token revocation failure to be reported: %#v", result)
	}
	if fx.bank.Calls(sandbox.EndpointRevoke) != 1 {
		t.Fatalf("expected one revoke call, got %d", fx.bank.Calls(sandbox.EndpointRevoke))
	}

	if _, err := service.AccessToken(context.Background(), "bankA", "u1"); !core.RequiresReauthorization(err) {
		t.Fatalf("expected reauthorization after disconnect, got %v", err)
	}
	if fx.metrics.Counter("openbanking.disconnect.total", map[string]string{"status": "success"}) != 1 {
		t.Fatalf("expected disconnect success metric")
	}
}

func TestRuntime_PinMismatchBlocksConnect(t *testing.T) {
	fx := newSandboxFixture(t, func(*httptest.Server) []string {
		return []string{pinning.Fingerprint([]byte("some other certificate"))}
	})

	_, err := fx.runtime.Service().Connect(context.Background(), openbanking.ConnectRequest{
		BankID:      "bankA",
		UserID:      "u1",
		Permissions: []string{"ReadAccountsBasic"},
	})
	if !core.IsKind(err, core.ErrorKindCertificateMismatch) {
		t.Fatalf("expected certificate mismatch, got %v", err)
	}
	if fx.bank.Calls(sandbox.EndpointAccountConsents) != 0 {
		t.Fatalf("expected no request to reach the bank handler")
	}
}

func TestRuntime_FacadeDrivesCommandsAndQueries(t *testing.T) {
	fx := newSandboxFixture(t, leafPin)
	connectAccounts(t, fx)
	facade := fx.runtime.Facade()

	listed, err := facade.Queries().ListConsents.Query(context.Background(), obquery.ListConsentsMessage{BankID: "bankA"})
	if err != nil {
		t.Fatalf("list consents: %v", err)
	}
	if len(listed) != 1 || listed[0].ConsentID != "cons-1" {
		t.Fatalf("unexpected consents: %#v", listed)
	}

	if err := facade.Commands().RevokeConsent.Execute(context.Background(), obcommand.RevokeConsentMessage{ConsentID: "cons-1"}); err != nil {
		t.Fatalf("revoke consent: %v", err)
	}
	if status, _ := fx.bank.ConsentStatus("cons-1"); status != string(core.ConsentStatusRevoked) {
		t.Fatalf("expected bank-side consent to be revoked, got %q", status)
	}
	if _, err := facade.Queries().RequireConsent.Query(context.Background(), obquery.RequireConsentMessage{
		ConsentID: "cons-1",
		Purpose:   core.PurposeAccounts,
	}); !core.IsKind(err, core.ErrorKindConsentRevoked) {
		t.Fatalf("expected revoked consent error, got %v", err)
	}
}

func TestNewRuntime_RejectsInvalidConfiguration(t *testing.T) {
	cfg := openbanking.DefaultConfig()
	cfg.Banks["broken"] = core.BankConfig{ID: "broken", ParURL: "https://broken.example/par"}

	if _, err := openbanking.NewRuntime(context.Background(), cfg); !core.IsKind(err, core.ErrorKindConfiguration) {
		t.Fatalf("expected configuration error, got %v", err)
	}
}

func TestNewRuntime_AppliesBankPacksAndBundles(t *testing.T) {
	bank := sandbox.New(sandbox.Config{})
	hooks := openbanking.NewExtensionHooks()
	if err := hooks.RegisterBankPack(openbanking.BankPack{
		Name:  "sandbox-pack",
		Banks: []openbanking.BankConfig{bank.BankConfig("packBank", "https://pack.example", "https://app/cb")},
	}); err != nil {
		t.Fatalf("register pack: %v", err)
	}
	if err := hooks.RegisterCommandQueryBundle("status", func(facade *openbanking.Facade) (any, error) {
		return facade.Queries().ConsentStatus, nil
	}); err != nil {
		t.Fatalf("register bundle: %v", err)
	}

	runtime, err := openbanking.NewRuntime(context.Background(), openbanking.DefaultConfig(), openbanking.WithExtensionHooks(hooks))
	if err != nil {
		t.Fatalf("new runtime: %v", err)
	}
	if _, err := runtime.Banks().Lookup("packBank"); err != nil {
		t.Fatalf("expected pack bank to be registered: %v", err)
	}
	if _, ok := runtime.Config().Bank("packBank"); !ok {
		t.Fatalf("expected pack bank in runtime config")
	}
	bundle, ok := runtime.Bundle("status")
	if !ok {
		t.Fatalf("expected status bundle")
	}
	if _, ok := bundle.(*obquery.ConsentStatusQuery); !ok {
		t.Fatalf("unexpected bundle type %T", bundle)
	}
}
