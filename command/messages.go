package command

import (
	"strings"
	"time"

	"github.com/goliatone/go-openbanking/core"
)

const (
	TypeConnect               = "openbanking.command.connect"
	TypeCompleteAuthorization = "openbanking.command.authorization.complete"
	TypeDisconnect            = "openbanking.command.disconnect"
	TypeRefreshToken          = "openbanking.command.token.refresh"
	TypeRevokeConsent         = "openbanking.command.consent.revoke"
)

type ConnectMessage struct {
	Request core.ConnectRequest
}

func (ConnectMessage) Type() string { return TypeConnect }

func (m ConnectMessage) Validate() error {
	if strings.TrimSpace(m.Request.BankID) == "" {
		return commandValidationError("bank_id", "bank id is required")
	}
	if strings.TrimSpace(m.Request.UserID) == "" {
		return commandValidationError("user_id", "user id is required")
	}
	if m.Request.Payment == nil && len(m.Request.Permissions) == 0 {
		return commandValidationError("permissions", "permissions or payment details are required")
	}
	if m.Request.Payment != nil && len(m.Request.Permissions) > 0 {
		return commandValidationError("permissions", "permissions and payment details are mutually exclusive")
	}
	return nil
}

type CompleteAuthorizationMessage struct {
	Request core.CompleteRequest
}

func (CompleteAuthorizationMessage) Type() string { return TypeCompleteAuthorization }

func (m CompleteAuthorizationMessage) Validate() error {
	if strings.TrimSpace(m.Request.Code) == "" {
		return commandValidationError("code", "authorization code is required")
	}
	if strings.TrimSpace(m.Request.ConsentID) == "" && strings.TrimSpace(m.Request.State) == "" {
		return commandValidationError("consent_id", "consent id or state is required")
	}
	return nil
}

type DisconnectMessage struct {
	BankID string
	UserID string
}

func (DisconnectMessage) Type() string { return TypeDisconnect }

func (m DisconnectMessage) Validate() error {
	return validateConnection(m.BankID, m.UserID)
}

type RefreshTokenMessage struct {
	Request core.RefreshRequest
	// MaxAttempts overrides the configured retry budget when positive.
	MaxAttempts int
	LockTTL     time.Duration
}

func (RefreshTokenMessage) Type() string { return TypeRefreshToken }

func (m RefreshTokenMessage) Validate() error {
	if err := validateConnection(m.Request.BankID, m.Request.UserID); err != nil {
		return err
	}
	if m.MaxAttempts < 0 {
		return commandValidationError("max_attempts", "max attempts must be >= 0")
	}
	return nil
}

type RevokeConsentMessage struct {
	ConsentID string
}

func (RevokeConsentMessage) Type() string { return TypeRevokeConsent }

func (m RevokeConsentMessage) Validate() error {
	if strings.TrimSpace(m.ConsentID) == "" {
		return commandValidationError("consent_id", "consent id is required")
	}
	return nil
}

func validateConnection(bankID string, userID string) error {
	if strings.TrimSpace(bankID) == "" {
		return commandValidationError("bank_id", "bank id is required")
	}
	if strings.TrimSpace(userID) == "" {
		return commandValidationError("user_id", "user id is required")
	}
	return nil
}
