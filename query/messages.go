package query

import (
	"strings"

	"github.com/goliatone/go-openbanking/core"
)

const (
	TypeConsentStatus      = "openbanking.query.consent.status"
	TypeRequireConsent     = "openbanking.query.consent.require"
	TypeListConsents       = "openbanking.query.consent.list"
	TypeSecurityCompliance = "openbanking.query.security.compliance"
)

type ConsentStatusMessage struct {
	ConsentID string
}

func (ConsentStatusMessage) Type() string { return TypeConsentStatus }

func (m ConsentStatusMessage) Validate() error {
	if strings.TrimSpace(m.ConsentID) == "" {
		return queryValidationError("consent_id", "consent id is required")
	}
	return nil
}

type RequireConsentMessage struct {
	ConsentID string
	Purpose   core.ConsentPurpose
}

func (RequireConsentMessage) Type() string { return TypeRequireConsent }

func (m RequireConsentMessage) Validate() error {
	if strings.TrimSpace(m.ConsentID) == "" {
		return queryValidationError("consent_id", "consent id is required")
	}
	switch m.Purpose {
	case core.PurposeAccounts, core.PurposePayment:
		return nil
	default:
		return queryValidationError("purpose", "purpose must be accounts or payment")
	}
}

// ListConsentsMessage lists local consent records. An empty BankID lists
// every bank.
type ListConsentsMessage struct {
	BankID string
}

func (ListConsentsMessage) Type() string { return TypeListConsents }

func (ListConsentsMessage) Validate() error { return nil }

type SecurityComplianceMessage struct{}

func (SecurityComplianceMessage) Type() string { return TypeSecurityCompliance }

func (SecurityComplianceMessage) Validate() error { return nil }
