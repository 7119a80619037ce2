// Package openbanking is the entry point of the Open Banking trust and
// authorization core. It re-exports the service surface from core and wires
// the pinning, vault, authorization and consent components into a Runtime.
package openbanking

import "github.com/goliatone/go-openbanking/core"

type Config = core.Config

type BankConfig = core.BankConfig

type Option = core.Option

type Service = core.Service

type ServiceDependencies = core.ServiceDependencies
type ConnectionLocker = core.ConnectionLocker
type RefreshBackoffScheduler = core.RefreshBackoffScheduler
type RefreshRequest = core.RefreshRequest
type RefreshRunOptions = core.RefreshRunOptions
type RefreshRunResult = core.RefreshRunResult
type MetricsRecorder = core.MetricsRecorder

type ConnectRequest = core.ConnectRequest
type ConnectResponse = core.ConnectResponse
type CompleteRequest = core.CompleteRequest
type DisconnectResult = core.DisconnectResult

type Consent = core.Consent
type ConsentStatus = core.ConsentStatus
type ConsentPurpose = core.ConsentPurpose
type PaymentDetails = core.PaymentDetails
type TokenBundle = core.TokenBundle
type ComplianceReport = core.ComplianceReport
type SecurityLevel = core.SecurityLevel

type ErrorKind = core.ErrorKind
type Policy = core.Policy

const (
	PurposeAccounts = core.PurposeAccounts
	PurposePayment  = core.PurposePayment
)

var (
	WithLogger                  = core.WithLogger
	WithLoggerProvider          = core.WithLoggerProvider
	WithMetricsRecorder         = core.WithMetricsRecorder
	WithErrorMapper             = core.WithErrorMapper
	WithConfigProvider          = core.WithConfigProvider
	WithOptionsResolver         = core.WithOptionsResolver
	WithCertificateTrust        = core.WithCertificateTrust
	WithCredentialVault         = core.WithCredentialVault
	WithAuthorizationFlow       = core.WithAuthorizationFlow
	WithConsentLifecycle        = core.WithConsentLifecycle
	WithTokenCodec              = core.WithTokenCodec
	WithConnectionLocker        = core.WithConnectionLocker
	WithRefreshBackoffScheduler = core.WithRefreshBackoffScheduler
	WithClock                   = core.WithClock
)

var (
	KindOf                   = core.KindOf
	PolicyOf                 = core.PolicyOf
	IsRetryable              = core.IsRetryable
	RequiresReauthorization  = core.RequiresReauthorization
	ConnectionKey            = core.ConnectionKey
	NewStaticConfigLoader    = core.NewStaticConfigLoader
	NewCfgxConfigProvider    = core.NewCfgxConfigProvider
	NewMemoryMetricsRecorder = core.NewMemoryMetricsRecorder
)

func DefaultConfig() Config {
	return core.DefaultConfig()
}

// Setup builds a bare service from collaborators supplied through opts. Use
// NewRuntime to get the default component wiring.
func Setup(cfg Config, opts ...Option) (*Service, error) {
	return core.Setup(cfg, opts...)
}
