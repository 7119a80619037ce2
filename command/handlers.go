package command

import (
	"context"

	gocmd "github.com/goliatone/go-command"
	"github.com/goliatone/go-openbanking/core"
)

type MutatingService interface {
	Connect(ctx context.Context, req core.ConnectRequest) (core.ConnectResponse, error)
	CompleteAuthorization(ctx context.Context, req core.CompleteRequest) error
	Disconnect(ctx context.Context, bankID string, userID string) (core.DisconnectResult, error)
	RunRefreshWithRetry(ctx context.Context, req core.RefreshRequest, opts core.RefreshRunOptions) (core.RefreshRunResult, error)
}

// ConsentRevoker is satisfied by the consent lifecycle manager.
type ConsentRevoker interface {
	Revoke(ctx context.Context, consentID string) error
}

type ConnectCommand struct {
	service MutatingService
}

func NewConnectCommand(service MutatingService) *ConnectCommand {
	return &ConnectCommand{service: service}
}

func (c *ConnectCommand) Execute(ctx context.Context, msg ConnectMessage) error {
	if c == nil || c.service == nil {
		return commandDependencyError("command: connect service is required")
	}
	out, err := c.service.Connect(ctx, msg.Request)
	if err != nil {
		return err
	}
	storeResult(ctx, out)
	return nil
}

type CompleteAuthorizationCommand struct {
	service MutatingService
}

func NewCompleteAuthorizationCommand(service MutatingService) *CompleteAuthorizationCommand {
	return &CompleteAuthorizationCommand{service: service}
}

func (c *CompleteAuthorizationCommand) Execute(ctx context.Context, msg CompleteAuthorizationMessage) error {
	if c == nil || c.service == nil {
		return commandDependencyError("command: authorization service is required")
	}
	return c.service.CompleteAuthorization(ctx, msg.Request)
}

type DisconnectCommand struct {
	service MutatingService
}

func NewDisconnectCommand(service MutatingService) *DisconnectCommand {
	return &DisconnectCommand{service: service}
}

func (c *DisconnectCommand) Execute(ctx context.Context, msg DisconnectMessage) error {
	if c == nil || c.service == nil {
		return commandDependencyError("command: disconnect service is required")
	}
	out, err := c.service.Disconnect(ctx, msg.BankID, msg.UserID)
	storeResult(ctx, out)
	return err
}

type RefreshTokenCommand struct {
	service MutatingService
}

func NewRefreshTokenCommand(service MutatingService) *RefreshTokenCommand {
	return &RefreshTokenCommand{service: service}
}

func (c *RefreshTokenCommand) Execute(ctx context.Context, msg RefreshTokenMessage) error {
	if c == nil || c.service == nil {
		return commandDependencyError("command: refresh service is required")
	}
	out, err := c.service.RunRefreshWithRetry(ctx, msg.Request, core.RefreshRunOptions{
		MaxAttempts: msg.MaxAttempts,
		LockTTL:     msg.LockTTL,
	})
	storeResult(ctx, out)
	return err
}

type RevokeConsentCommand struct {
	revoker ConsentRevoker
}

func NewRevokeConsentCommand(revoker ConsentRevoker) *RevokeConsentCommand {
	return &RevokeConsentCommand{revoker: revoker}
}

func (c *RevokeConsentCommand) Execute(ctx context.Context, msg RevokeConsentMessage) error {
	if c == nil || c.revoker == nil {
		return commandDependencyError("command: consent revoker is required")
	}
	return c.revoker.Revoke(ctx, msg.ConsentID)
}

func storeResult[T any](ctx context.Context, value T) {
	collector := gocmd.ResultFromContext[T](ctx)
	if collector == nil {
		return
	}
	collector.Store(value)
}
