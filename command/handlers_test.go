package command

import (
	"context"
	"errors"
	"fmt"
	"testing"

	gocmd "github.com/goliatone/go-command"
	"github.com/goliatone/go-openbanking/core"
)

func TestConnectCommand_ExecuteDelegatesAndStoresResult(t *testing.T) {
	expected := core.ConnectResponse{
		AuthorizationURL: "https://bank.example/authorize?request_uri=urn:par:1",
		State:            "st",
		ConsentID:        "cons-1",
		SessionID:        "sess-1",
	}
	called := false

	svc := stubMutatingService{
		connectFn: func(_ context.Context, req core.ConnectRequest) (core.ConnectResponse, error) {
			called = true
			if req.BankID != "bankA" || req.UserID != "u1" {
				t.Fatalf("unexpected connect request: %#v", req)
			}
			return expected, nil
		},
	}

	cmd := NewConnectCommand(svc)
	collector := gocmd.NewResult[core.ConnectResponse]()
	ctx := gocmd.ContextWithResult(context.Background(), collector)

	err := cmd.Execute(ctx, ConnectMessage{Request: core.ConnectRequest{
		BankID:      "bankA",
		UserID:      "u1",
		Permissions: []string{"ReadAccountsBasic"},
	}})
	if err != nil {
		t.Fatalf("execute connect: %v", err)
	}
	if !called {
		t.Fatalf("expected connect service invocation")
	}
	result, ok := collector.Load()
	if !ok {
		t.Fatalf("expected result to be stored")
	}
	if result.AuthorizationURL != expected.AuthorizationURL || result.ConsentID != expected.ConsentID {
		t.Fatalf("unexpected result: %#v", result)
	}
}

func TestMutationCommands_DelegateToService(t *testing.T) {
	t.Run("complete authorization", func(t *testing.T) {
		called := false
		svc := stubMutatingService{
			completeFn: func(_ context.Context, req core.CompleteRequest) error {
				called = true
				if req.Code != "code-xyz" || req.ConsentID != "cons-1" {
					t.Fatalf("unexpected complete payload: %#v", req)
				}
				return nil
			},
		}
		cmd := NewCompleteAuthorizationCommand(svc)
		err := cmd.Execute(context.Background(), CompleteAuthorizationMessage{
			Request: core.CompleteRequest{Code: "code-xyz", ConsentID: "cons-1"},
		})
		if err != nil {
			t.Fatalf("execute complete: %v", err)
		}
		if !called {
			t.Fatalf("expected complete invocation")
		}
	})

	t.Run("disconnect stores partial result on error", func(t *testing.T) {
		svc := stubMutatingService{
			disconnectFn: func(_ context.Context, bankID string, userID string) (core.DisconnectResult, error) {
				return core.DisconnectResult{BankID: bankID, UserID: userID, RemoteRevocationError: errors.New("revoke 500")},
					core.NewError(core.ErrorKindKeystoreUnavailable, "delete failed")
			},
		}
		cmd := NewDisconnectCommand(svc)
		collector := gocmd.NewResult[core.DisconnectResult]()
		ctx := gocmd.ContextWithResult(context.Background(), collector)
		err := cmd.Execute(ctx, DisconnectMessage{BankID: "bankA", UserID: "u1"})
		if !core.IsKind(err, core.ErrorKindKeystoreUnavailable) {
			t.Fatalf("expected keystore error, got %v", err)
		}
		stored, ok := collector.Load()
		if !ok || stored.BankID != "bankA" || stored.RemoteRevocationError == nil {
			t.Fatalf("expected partial disconnect result, got %#v", stored)
		}
	})

	t.Run("refresh passes run options", func(t *testing.T) {
		svc := stubMutatingService{
			refreshFn: func(_ context.Context, req core.RefreshRequest, opts core.RefreshRunOptions) (core.RefreshRunResult, error) {
				if !req.Force || opts.MaxAttempts != 5 {
					t.Fatalf("unexpected refresh payload: %#v %#v", req, opts)
				}
				return core.RefreshRunResult{Attempts: 2, Refreshed: true}, nil
			},
		}
		cmd := NewRefreshTokenCommand(svc)
		collector := gocmd.NewResult[core.RefreshRunResult]()
		ctx := gocmd.ContextWithResult(context.Background(), collector)
		err := cmd.Execute(ctx, RefreshTokenMessage{
			Request:     core.RefreshRequest{BankID: "bankA", UserID: "u1", Force: true},
			MaxAttempts: 5,
		})
		if err != nil {
			t.Fatalf("execute refresh: %v", err)
		}
		stored, ok := collector.Load()
		if !ok || stored.Attempts != 2 || !stored.Refreshed {
			t.Fatalf("unexpected refresh result: %#v", stored)
		}
	})

	t.Run("revoke consent", func(t *testing.T) {
		revoker := &stubConsentRevoker{}
		cmd := NewRevokeConsentCommand(revoker)
		if err := cmd.Execute(context.Background(), RevokeConsentMessage{ConsentID: "cons-1"}); err != nil {
			t.Fatalf("execute revoke consent: %v", err)
		}
		if len(revoker.revoked) != 1 || revoker.revoked[0] != "cons-1" {
			t.Fatalf("unexpected revocations: %v", revoker.revoked)
		}
	})
}

func TestMessages_Validate(t *testing.T) {
	cases := []struct {
		name    string
		msg     interface{ Validate() error }
		wantErr bool
	}{
		{"connect missing bank", ConnectMessage{Request: core.ConnectRequest{UserID: "u1", Permissions: []string{"ReadBalances"}}}, true},
		{"connect missing user", ConnectMessage{Request: core.ConnectRequest{BankID: "bankA", Permissions: []string{"ReadBalances"}}}, true},
		{"connect missing permissions", ConnectMessage{Request: core.ConnectRequest{BankID: "bankA", UserID: "u1"}}, true},
		{"connect permissions and payment", ConnectMessage{Request: core.ConnectRequest{
			BankID: "bankA", UserID: "u1", Permissions: []string{"ReadBalances"}, Payment: &core.PaymentDetails{},
		}}, true},
		{"connect payment", ConnectMessage{Request: core.ConnectRequest{BankID: "bankA", UserID: "u1", Payment: &core.PaymentDetails{}}}, false},
		{"complete missing code", CompleteAuthorizationMessage{Request: core.CompleteRequest{ConsentID: "cons-1"}}, true},
		{"complete missing correlation", CompleteAuthorizationMessage{Request: core.CompleteRequest{Code: "c"}}, true},
		{"complete by state", CompleteAuthorizationMessage{Request: core.CompleteRequest{Code: "c", State: "st"}}, false},
		{"disconnect missing user", DisconnectMessage{BankID: "bankA"}, true},
		{"disconnect", DisconnectMessage{BankID: "bankA", UserID: "u1"}, false},
		{"refresh negative attempts", RefreshTokenMessage{Request: core.RefreshRequest{BankID: "bankA", UserID: "u1"}, MaxAttempts: -1}, true},
		{"revoke consent blank", RevokeConsentMessage{ConsentID: " "}, true},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			err := tc.msg.Validate()
			if tc.wantErr && err == nil {
				t.Fatalf("expected validation error")
			}
			if !tc.wantErr && err != nil {
				t.Fatalf("unexpected validation error: %v", err)
			}
		})
	}
}

func TestMessageTypes_AreNamespaced(t *testing.T) {
	types := []string{
		ConnectMessage{}.Type(),
		CompleteAuthorizationMessage{}.Type(),
		DisconnectMessage{}.Type(),
		RefreshTokenMessage{}.Type(),
		RevokeConsentMessage{}.Type(),
	}
	seen := map[string]bool{}
	for _, typ := range types {
		if seen[typ] {
			t.Fatalf("duplicate message type %q", typ)
		}
		seen[typ] = true
		if len(typ) < len("openbanking.command.") || typ[:len("openbanking.command.")] != "openbanking.command." {
			t.Fatalf("expected openbanking command namespace, got %q", typ)
		}
	}
}

type stubMutatingService struct {
	connectFn    func(ctx context.Context, req core.ConnectRequest) (core.ConnectResponse, error)
	completeFn   func(ctx context.Context, req core.CompleteRequest) error
	disconnectFn func(ctx context.Context, bankID string, userID string) (core.DisconnectResult, error)
	refreshFn    func(ctx context.Context, req core.RefreshRequest, opts core.RefreshRunOptions) (core.RefreshRunResult, error)
}

func (s stubMutatingService) Connect(ctx context.Context, req core.ConnectRequest) (core.ConnectResponse, error) {
	if s.connectFn == nil {
		return core.ConnectResponse{}, fmt.Errorf("connect not configured")
	}
	return s.connectFn(ctx, req)
}

func (s stubMutatingService) CompleteAuthorization(ctx context.Context, req core.CompleteRequest) error {
	if s.completeFn == nil {
		return fmt.Errorf("complete not configured")
	}
	return s.completeFn(ctx, req)
}

func (s stubMutatingService) Disconnect(ctx context.Context, bankID string, userID string) (core.DisconnectResult, error) {
	if s.disconnectFn == nil {
		return core.DisconnectResult{}, fmt.Errorf("disconnect not configured")
	}
	return s.disconnectFn(ctx, bankID, userID)
}

func (s stubMutatingService) RunRefreshWithRetry(
	ctx context.Context,
	req core.RefreshRequest,
	opts core.RefreshRunOptions,
) (core.RefreshRunResult, error) {
	if s.refreshFn == nil {
		return core.RefreshRunResult{}, fmt.Errorf("refresh not configured")
	}
	return s.refreshFn(ctx, req, opts)
}

type stubConsentRevoker struct {
	revoked []string
}

func (s *stubConsentRevoker) Revoke(_ context.Context, consentID string) error {
	s.revoked = append(s.revoked, consentID)
	return nil
}
