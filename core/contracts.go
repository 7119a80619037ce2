package core

import (
	"context"
	"time"

	glog "github.com/goliatone/go-logger/glog"
)

// CertificateTrust decides whether a presented certificate or chain is pinned
// for a hostname.
type CertificateTrust interface {
	ValidateCertificate(hostname string, der []byte) bool
	ValidateChain(hostname string, chain [][]byte) bool
}

// CredentialVault stores secrets encrypted at rest.
type CredentialVault interface {
	Store(ctx context.Context, key string, plaintext []byte) error
	Retrieve(ctx context.Context, key string) ([]byte, bool, error)
	Delete(ctx context.Context, key string) error
	RequireBiometricGate(ctx context.Context, key string) error
	SecurityCompliance(ctx context.Context) (ComplianceReport, error)
}

// AuthorizationFlow drives the pushed authorization and token lifecycle.
type AuthorizationFlow interface {
	Begin(ctx context.Context, req BeginAuthorization) (AuthorizationHandle, error)
	Complete(ctx context.Context, req CompleteAuthorization) (AuthorizationResult, error)
	Refresh(ctx context.Context, bankID string, tokens TokenBundle) (TokenBundle, error)
	Revoke(ctx context.Context, bankID string, token string) error
}

// ConsentLifecycle creates, tracks and gates bank consents.
type ConsentLifecycle interface {
	CreateAccountConsent(ctx context.Context, bankID string, permissions []string, expiration time.Time) (Consent, error)
	CreatePaymentConsent(ctx context.Context, bankID string, details PaymentDetails, expiration time.Time) (Consent, error)
	GetStatus(ctx context.Context, consentID string) (Consent, error)
	Revoke(ctx context.Context, consentID string) error
	MarkAuthorised(ctx context.Context, consentID string) (Consent, error)
	RequireUsable(ctx context.Context, consentID string, purpose ConsentPurpose) (Consent, error)
}

type TransportRequest struct {
	Method      string
	URL         string
	Headers     map[string]string
	Query       map[string]string
	Body        []byte
	Metadata    map[string]any
	Timeout     time.Duration
	Idempotency string
}

type TransportResponse struct {
	StatusCode int
	Headers    map[string]string
	Body       []byte
	Metadata   map[string]any
}

type MetricsRecorder interface {
	IncCounter(ctx context.Context, name string, value int64, tags map[string]string)
	ObserveHistogram(ctx context.Context, name string, value float64, tags map[string]string)
}

type Logger = glog.Logger

type LoggerProvider = glog.LoggerProvider

type FieldsLogger = glog.FieldsLogger
