package core

import (
	"strings"
	"time"
)

type TokenBundle struct {
	AccessToken  string
	RefreshToken string
	TokenType    string
	ExpiresAt    time.Time
	Scope        string
}

// Expired reports whether the access token is expired at now, treating tokens
// within skew of their expiry as already expired. A zero ExpiresAt never
// expires.
func (t TokenBundle) Expired(now time.Time, skew time.Duration) bool {
	if t.ExpiresAt.IsZero() {
		return false
	}
	return !now.Add(skew).Before(t.ExpiresAt)
}

func (t TokenBundle) Refreshable() bool {
	return strings.TrimSpace(t.RefreshToken) != ""
}

// StoredCredential is the vault payload for one bank connection of one user.
type StoredCredential struct {
	BankID    string
	UserID    string
	ConsentID string
	Tokens    TokenBundle
	StoredAt  time.Time
}

type ConsentKind string

const (
	ConsentKindAccount ConsentKind = "account"
	ConsentKindPayment ConsentKind = "payment"
)

type ConsentStatus string

const (
	ConsentStatusAwaitingAuthorisation ConsentStatus = "AwaitingAuthorisation"
	ConsentStatusAuthorised            ConsentStatus = "Authorised"
	ConsentStatusRejected              ConsentStatus = "Rejected"
	ConsentStatusRevoked               ConsentStatus = "Revoked"
	ConsentStatusExpired               ConsentStatus = "Expired"
)

// Terminal reports whether no further transition is allowed from s.
func (s ConsentStatus) Terminal() bool {
	switch s {
	case ConsentStatusRejected, ConsentStatusRevoked, ConsentStatusExpired:
		return true
	default:
		return false
	}
}

// CanTransition reports whether s may move to next. Staying in the same
// status is always allowed.
func (s ConsentStatus) CanTransition(next ConsentStatus) bool {
	if s == next {
		return true
	}
	switch s {
	case ConsentStatusAwaitingAuthorisation:
		return next == ConsentStatusAuthorised || next == ConsentStatusRejected || next == ConsentStatusExpired
	case ConsentStatusAuthorised:
		return next == ConsentStatusRevoked || next == ConsentStatusExpired
	default:
		return false
	}
}

func (s ConsentStatus) Valid() bool {
	switch s {
	case ConsentStatusAwaitingAuthorisation,
		ConsentStatusAuthorised,
		ConsentStatusRejected,
		ConsentStatusRevoked,
		ConsentStatusExpired:
		return true
	default:
		return false
	}
}

// ConsentPurpose identifies what a consent is about to be used for.
type ConsentPurpose string

const (
	PurposeAccounts ConsentPurpose = "accounts"
	PurposePayment  ConsentPurpose = "payment"
)

type AccountIdentification struct {
	SchemeName     string
	Identification string
	Name           string
}

type PaymentDetails struct {
	InstructionIdentification string
	EndToEndIdentification    string
	Amount                    string
	Currency                  string
	CreditorAccount           AccountIdentification
	Reference                 string
}

type Consent struct {
	ConsentID          string
	BankID             string
	Kind               ConsentKind
	Status             ConsentStatus
	Permissions        []string
	Payment            *PaymentDetails
	ExpirationDateTime time.Time
	CreatedAt          time.Time
	StatusUpdatedAt    time.Time
	CheckedAt          time.Time
}

// ExpiredAt reports whether the consent's expiration has passed at now.
func (c Consent) ExpiredAt(now time.Time) bool {
	return !c.ExpirationDateTime.IsZero() && !now.Before(c.ExpirationDateTime)
}

func (c Consent) Clone() Consent {
	out := c
	out.Permissions = append([]string(nil), c.Permissions...)
	if c.Payment != nil {
		payment := *c.Payment
		out.Payment = &payment
	}
	return out
}

type SecurityLevel string

const (
	SecurityLevelCompromised SecurityLevel = "Compromised"
	SecurityLevelLow         SecurityLevel = "Low"
	SecurityLevelMedium      SecurityLevel = "Medium"
	SecurityLevelHigh        SecurityLevel = "High"
	SecurityLevelUnknown     SecurityLevel = "Unknown"
)

// Rank orders levels for comparisons. Unknown ranks with Compromised so a
// failed probe never satisfies a minimum.
func (l SecurityLevel) Rank() int {
	switch l {
	case SecurityLevelHigh:
		return 3
	case SecurityLevelMedium:
		return 2
	case SecurityLevelLow:
		return 1
	default:
		return 0
	}
}

func (l SecurityLevel) AtLeast(min SecurityLevel) bool {
	return l.Rank() >= min.Rank()
}

func ParseSecurityLevel(value string) SecurityLevel {
	switch strings.ToLower(strings.TrimSpace(value)) {
	case "high":
		return SecurityLevelHigh
	case "medium":
		return SecurityLevelMedium
	case "low":
		return SecurityLevelLow
	case "compromised":
		return SecurityLevelCompromised
	default:
		return SecurityLevelUnknown
	}
}

type ComplianceReport struct {
	DeviceSecure       bool
	BiometricAvailable bool
	PasscodeSet        bool
	SecurityLevel      SecurityLevel
	EvaluatedAt        time.Time
}

type ConnectRequest struct {
	BankID      string
	UserID      string
	Permissions []string
	Payment     *PaymentDetails
	Expiration  time.Time
}

type ConnectResponse struct {
	AuthorizationURL string
	State            string
	ConsentID        string
	SessionID        string
	ExpiresAt        time.Time
}

type CompleteRequest struct {
	Code      string
	ConsentID string
	State     string
}

type DisconnectResult struct {
	BankID                 string
	UserID                 string
	CredentialsDeleted     bool
	RemoteRevoked          bool
	RemoteRevocationError  error
	ConsentRevoked         bool
	ConsentRevocationError error
}

// BeginAuthorization is what the authorization flow needs to push a request.
type BeginAuthorization struct {
	BankID    string
	UserID    string
	ConsentID string
	Scope     string
}

type AuthorizationHandle struct {
	SessionID        string
	State            string
	RequestURI       string
	AuthorizationURL string
	ExpiresAt        time.Time
}

type CompleteAuthorization struct {
	State     string
	ConsentID string
	Code      string
}

type AuthorizationResult struct {
	BankID    string
	UserID    string
	ConsentID string
	Tokens    TokenBundle
}
