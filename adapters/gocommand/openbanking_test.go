package gocommand

import (
	"context"
	"testing"

	"github.com/goliatone/go-command"
	obcommand "github.com/goliatone/go-openbanking/command"
	"github.com/goliatone/go-openbanking/core"
	obquery "github.com/goliatone/go-openbanking/query"
)

func TestRegisterOpenBanking_DispatchesCommandsAndQueries(t *testing.T) {
	bus := NewBus(command.NewRegistry())
	service := &stubOpenBankingService{}
	consents := &stubConsentReader{consent: core.Consent{ConsentID: "cons-1", Status: core.ConsentStatusAuthorised}}

	reg, err := RegisterOpenBanking(bus, Handlers{
		Service: service,
		Reader:  consents,
	})
	if err != nil {
		t.Fatalf("register openbanking: %v", err)
	}
	t.Cleanup(reg.Unsubscribe)
	if reg.Len() != 6 {
		t.Fatalf("expected 6 subscriptions, got %d", reg.Len())
	}
	if err := bus.Initialize(); err != nil {
		t.Fatalf("initialize registry: %v", err)
	}

	collector := command.NewResult[core.ConnectResponse]()
	ctx := command.ContextWithResult(context.Background(), collector)
	err = Dispatch(ctx, obcommand.ConnectMessage{Request: core.ConnectRequest{
		BankID:      "bankA",
		UserID:      "u1",
		Permissions: []string{"ReadAccountsBasic"},
	}})
	if err != nil {
		t.Fatalf("dispatch connect: %v", err)
	}
	out, ok := collector.Load()
	if !ok || out.ConsentID != "cons-1" {
		t.Fatalf("expected connect result, got %#v ok=%v", out, ok)
	}
	if service.connects != 1 {
		t.Fatalf("expected one connect call, got %d", service.connects)
	}

	consent, err := Query[obquery.ConsentStatusMessage, core.Consent](context.Background(), obquery.ConsentStatusMessage{ConsentID: "cons-1"})
	if err != nil {
		t.Fatalf("query consent status: %v", err)
	}
	if consent.ConsentID != "cons-1" || consents.lastID != "cons-1" {
		t.Fatalf("unexpected consent %#v", consent)
	}
}

func TestRegisterOpenBanking_RequiresRegistry(t *testing.T) {
	if _, err := RegisterOpenBanking(nil, Handlers{}); err == nil {
		t.Fatalf("expected error without registry")
	}
	reg, err := RegisterOpenBanking(NewBus(nil), Handlers{})
	if err != nil {
		t.Fatalf("register empty handlers: %v", err)
	}
	if reg.Len() != 0 {
		t.Fatalf("expected no subscriptions, got %d", reg.Len())
	}
}

type stubOpenBankingService struct {
	connects int
}

func (s *stubOpenBankingService) Connect(context.Context, core.ConnectRequest) (core.ConnectResponse, error) {
	s.connects++
	return core.ConnectResponse{ConsentID: "cons-1", AuthorizationURL: "https://bank.example/authorize"}, nil
}

func (s *stubOpenBankingService) CompleteAuthorization(context.Context, core.CompleteRequest) error {
	return nil
}

func (s *stubOpenBankingService) Disconnect(_ context.Context, bankID string, userID string) (core.DisconnectResult, error) {
	return core.DisconnectResult{BankID: bankID, UserID: userID, CredentialsDeleted: true}, nil
}

func (s *stubOpenBankingService) RunRefreshWithRetry(context.Context, core.RefreshRequest, core.RefreshRunOptions) (core.RefreshRunResult, error) {
	return core.RefreshRunResult{Attempts: 1, Refreshed: true}, nil
}

type stubConsentReader struct {
	consent core.Consent
	lastID  string
}

func (s *stubConsentReader) ConsentStatus(_ context.Context, consentID string) (core.Consent, error) {
	s.lastID = consentID
	return s.consent, nil
}

func (s *stubConsentReader) RequireConsent(_ context.Context, consentID string, _ core.ConsentPurpose) (core.Consent, error) {
	s.lastID = consentID
	return s.consent, nil
}
