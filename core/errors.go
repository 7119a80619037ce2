package core

import (
	"context"
	stderrors "errors"
	"net/http"
	"strings"

	goerrors "github.com/goliatone/go-errors"
)

// ErrorKind is the closed set of failures surfaced by the banking core.
type ErrorKind string

const (
	ErrorKindCertificateMismatch       ErrorKind = "certificate_mismatch"
	ErrorKindParRejected               ErrorKind = "par_rejected"
	ErrorKindSessionExpired            ErrorKind = "session_expired"
	ErrorKindSessionConsumed           ErrorKind = "session_consumed"
	ErrorKindInvalidGrant              ErrorKind = "invalid_grant"
	ErrorKindReauthorizationRequired   ErrorKind = "reauthorization_required"
	ErrorKindConsentExpired            ErrorKind = "consent_expired"
	ErrorKindConsentRevoked            ErrorKind = "consent_revoked"
	ErrorKindConsentNotAuthorised      ErrorKind = "consent_not_authorised"
	ErrorKindNetworkTimeout            ErrorKind = "network_timeout"
	ErrorKindNetworkUnavailable        ErrorKind = "network_unavailable"
	ErrorKindAuthenticationCancelled   ErrorKind = "authentication_cancelled"
	ErrorKindAuthenticationUnavailable ErrorKind = "authentication_unavailable"
	ErrorKindKeystoreUnavailable       ErrorKind = "keystore_unavailable"
	ErrorKindCredentialCorrupted       ErrorKind = "credential_corrupted"
	ErrorKindInsufficientFunds         ErrorKind = "insufficient_funds"
	ErrorKindInvalidAccount            ErrorKind = "invalid_account"
	ErrorKindLimitExceeded             ErrorKind = "limit_exceeded"
	ErrorKindConfiguration             ErrorKind = "configuration"
	ErrorKindBadInput                  ErrorKind = "bad_input"
	ErrorKindRateLimited               ErrorKind = "rate_limited"
	ErrorKindBankUnavailable           ErrorKind = "bank_unavailable"
	ErrorKindCancelled                 ErrorKind = "cancelled"
	ErrorKindInternal                  ErrorKind = "internal"
)

// Policy tells callers how to react to an error kind.
type Policy string

const (
	PolicyRetryable       Policy = "retryable"
	PolicyTerminal        Policy = "terminal"
	PolicyReauthRequired  Policy = "reauth_required"
	PolicyUserCorrectable Policy = "user_correctable"
)

const (
	ErrorCodeCertificateMismatch       = "OPENBANKING_CERTIFICATE_MISMATCH"
	ErrorCodeParRejected               = "OPENBANKING_PAR_REJECTED"
	ErrorCodeSessionExpired            = "OPENBANKING_SESSION_EXPIRED"
	ErrorCodeSessionConsumed           = "OPENBANKING_SESSION_CONSUMED"
	ErrorCodeInvalidGrant              = "OPENBANKING_INVALID_GRANT"
	ErrorCodeReauthorizationRequired   = "OPENBANKING_REAUTHORIZATION_REQUIRED"
	ErrorCodeConsentExpired            = "OPENBANKING_CONSENT_EXPIRED"
	ErrorCodeConsentRevoked            = "OPENBANKING_CONSENT_REVOKED"
	ErrorCodeConsentNotAuthorised      = "OPENBANKING_CONSENT_NOT_AUTHORISED"
	ErrorCodeNetworkTimeout            = "OPENBANKING_NETWORK_TIMEOUT"
	ErrorCodeNetworkUnavailable        = "OPENBANKING_NETWORK_UNAVAILABLE"
	ErrorCodeAuthenticationCancelled   = "OPENBANKING_AUTHENTICATION_CANCELLED"
	ErrorCodeAuthenticationUnavailable = "OPENBANKING_AUTHENTICATION_UNAVAILABLE"
	ErrorCodeKeystoreUnavailable       = "OPENBANKING_KEYSTORE_UNAVAILABLE"
	ErrorCodeCredentialCorrupted       = "OPENBANKING_CREDENTIAL_CORRUPTED"
	ErrorCodeInsufficientFunds         = "OPENBANKING_INSUFFICIENT_FUNDS"
	ErrorCodeInvalidAccount            = "OPENBANKING_INVALID_ACCOUNT"
	ErrorCodeLimitExceeded             = "OPENBANKING_LIMIT_EXCEEDED"
	ErrorCodeConfiguration             = "OPENBANKING_CONFIGURATION"
	ErrorCodeBadInput                  = "OPENBANKING_BAD_INPUT"
	ErrorCodeRateLimited               = "OPENBANKING_RATE_LIMITED"
	ErrorCodeBankUnavailable           = "OPENBANKING_BANK_UNAVAILABLE"
	ErrorCodeCancelled                 = "OPENBANKING_CANCELLED"
	ErrorCodeInternal                  = "OPENBANKING_INTERNAL_ERROR"
)

const (
	errorMetaKind      = "kind"
	errorMetaPolicy    = "policy"
	errorMetaRetryable = "retryable"
)

type kindSpec struct {
	category goerrors.Category
	textCode string
	status   int
	policy   Policy
}

var kindSpecs = map[ErrorKind]kindSpec{
	ErrorKindCertificateMismatch:       {goerrors.CategoryAuth, ErrorCodeCertificateMismatch, http.StatusBadGateway, PolicyTerminal},
	ErrorKindParRejected:               {goerrors.CategoryExternal, ErrorCodeParRejected, http.StatusBadRequest, PolicyTerminal},
	ErrorKindSessionExpired:            {goerrors.CategoryAuth, ErrorCodeSessionExpired, http.StatusGone, PolicyTerminal},
	ErrorKindSessionConsumed:           {goerrors.CategoryConflict, ErrorCodeSessionConsumed, http.StatusConflict, PolicyTerminal},
	ErrorKindInvalidGrant:              {goerrors.CategoryAuth, ErrorCodeInvalidGrant, http.StatusUnauthorized, PolicyReauthRequired},
	ErrorKindReauthorizationRequired:   {goerrors.CategoryAuth, ErrorCodeReauthorizationRequired, http.StatusUnauthorized, PolicyReauthRequired},
	ErrorKindConsentExpired:            {goerrors.CategoryAuthz, ErrorCodeConsentExpired, http.StatusForbidden, PolicyReauthRequired},
	ErrorKindConsentRevoked:            {goerrors.CategoryAuthz, ErrorCodeConsentRevoked, http.StatusForbidden, PolicyReauthRequired},
	ErrorKindConsentNotAuthorised:      {goerrors.CategoryAuthz, ErrorCodeConsentNotAuthorised, http.StatusForbidden, PolicyReauthRequired},
	ErrorKindNetworkTimeout:            {goerrors.CategoryExternal, ErrorCodeNetworkTimeout, http.StatusGatewayTimeout, PolicyRetryable},
	ErrorKindNetworkUnavailable:        {goerrors.CategoryExternal, ErrorCodeNetworkUnavailable, http.StatusServiceUnavailable, PolicyRetryable},
	ErrorKindAuthenticationCancelled:   {goerrors.CategoryAuth, ErrorCodeAuthenticationCancelled, http.StatusUnauthorized, PolicyTerminal},
	ErrorKindAuthenticationUnavailable: {goerrors.CategoryAuth, ErrorCodeAuthenticationUnavailable, http.StatusPreconditionFailed, PolicyTerminal},
	ErrorKindKeystoreUnavailable:       {goerrors.CategoryInternal, ErrorCodeKeystoreUnavailable, http.StatusServiceUnavailable, PolicyTerminal},
	ErrorKindCredentialCorrupted:       {goerrors.CategoryInternal, ErrorCodeCredentialCorrupted, http.StatusUnprocessableEntity, PolicyReauthRequired},
	ErrorKindInsufficientFunds:         {goerrors.CategoryOperation, ErrorCodeInsufficientFunds, http.StatusUnprocessableEntity, PolicyUserCorrectable},
	ErrorKindInvalidAccount:            {goerrors.CategoryValidation, ErrorCodeInvalidAccount, http.StatusUnprocessableEntity, PolicyUserCorrectable},
	ErrorKindLimitExceeded:             {goerrors.CategoryOperation, ErrorCodeLimitExceeded, http.StatusUnprocessableEntity, PolicyUserCorrectable},
	ErrorKindConfiguration:             {goerrors.CategoryValidation, ErrorCodeConfiguration, http.StatusInternalServerError, PolicyTerminal},
	ErrorKindBadInput:                  {goerrors.CategoryBadInput, ErrorCodeBadInput, http.StatusBadRequest, PolicyTerminal},
	ErrorKindRateLimited:               {goerrors.CategoryRateLimit, ErrorCodeRateLimited, http.StatusTooManyRequests, PolicyRetryable},
	ErrorKindBankUnavailable:           {goerrors.CategoryExternal, ErrorCodeBankUnavailable, http.StatusBadGateway, PolicyRetryable},
	ErrorKindCancelled:                 {goerrors.CategoryOperation, ErrorCodeCancelled, http.StatusRequestTimeout, PolicyTerminal},
	ErrorKindInternal:                  {goerrors.CategoryInternal, ErrorCodeInternal, http.StatusInternalServerError, PolicyTerminal},
}

// Kinds returns every kind in the taxonomy.
func Kinds() []ErrorKind {
	return []ErrorKind{
		ErrorKindCertificateMismatch,
		ErrorKindParRejected,
		ErrorKindSessionExpired,
		ErrorKindSessionConsumed,
		ErrorKindInvalidGrant,
		ErrorKindReauthorizationRequired,
		ErrorKindConsentExpired,
		ErrorKindConsentRevoked,
		ErrorKindConsentNotAuthorised,
		ErrorKindNetworkTimeout,
		ErrorKindNetworkUnavailable,
		ErrorKindAuthenticationCancelled,
		ErrorKindAuthenticationUnavailable,
		ErrorKindKeystoreUnavailable,
		ErrorKindCredentialCorrupted,
		ErrorKindInsufficientFunds,
		ErrorKindInvalidAccount,
		ErrorKindLimitExceeded,
		ErrorKindConfiguration,
		ErrorKindBadInput,
		ErrorKindRateLimited,
		ErrorKindBankUnavailable,
		ErrorKindCancelled,
		ErrorKindInternal,
	}
}

// DefaultPolicy returns the policy a kind carries unless overridden.
func (k ErrorKind) DefaultPolicy() Policy {
	return specFor(k).policy
}

// TextCode returns the stable text code attached to errors of this kind.
func (k ErrorKind) TextCode() string {
	return specFor(k).textCode
}

func specFor(kind ErrorKind) kindSpec {
	if spec, ok := kindSpecs[kind]; ok {
		return spec
	}
	return kindSpecs[ErrorKindInternal]
}

// NewError builds a typed error for kind using the kind's default policy.
func NewError(kind ErrorKind, message string) error {
	return buildKindError(kind, "", nil, message, nil)
}

// WrapError builds a typed error for kind that keeps source in its chain.
func WrapError(kind ErrorKind, source error, message string) error {
	return buildKindError(kind, "", source, message, nil)
}

// NewErrorWithPolicy overrides the default policy of kind. Consent errors use
// it to flag a payment-scoped failure as terminal.
func NewErrorWithPolicy(kind ErrorKind, policy Policy, message string) error {
	return buildKindError(kind, policy, nil, message, nil)
}

// NewErrorWithMetadata attaches extra metadata to a typed error.
func NewErrorWithMetadata(kind ErrorKind, source error, message string, metadata map[string]any) error {
	return buildKindError(kind, "", source, message, metadata)
}

func buildKindError(kind ErrorKind, policy Policy, source error, message string, metadata map[string]any) error {
	if _, ok := kindSpecs[kind]; !ok {
		kind = ErrorKindInternal
	}
	spec := specFor(kind)
	if policy == "" {
		policy = spec.policy
	}
	message = strings.TrimSpace(message)
	if message == "" {
		message = strings.ReplaceAll(string(kind), "_", " ")
	}
	meta := map[string]any{
		errorMetaKind:      string(kind),
		errorMetaPolicy:    string(policy),
		errorMetaRetryable: policy == PolicyRetryable,
	}
	for key, value := range metadata {
		if _, reserved := meta[key]; reserved {
			continue
		}
		meta[key] = value
	}

	if policy == PolicyRetryable {
		retryable := goerrors.NewRetryable(message, spec.category).
			WithCode(spec.status).
			WithTextCode(spec.textCode).
			WithMetadata(meta)
		retryable.Source = source
		return retryable
	}
	rich := goerrors.New(message, spec.category).
		WithCode(spec.status).
		WithTextCode(spec.textCode).
		WithMetadata(meta)
	rich.Source = source
	return rich
}

// KindOf reports the kind of the outermost typed error in err's chain. Errors
// without a kind map by category, falling back to Internal.
func KindOf(err error) ErrorKind {
	if err == nil {
		return ""
	}
	if rich := typedError(err); rich != nil {
		if kind, ok := kindFromMetadata(rich.Metadata); ok {
			return kind
		}
		return kindFromCategory(rich.Category)
	}
	switch {
	case stderrors.Is(err, context.DeadlineExceeded):
		return ErrorKindNetworkTimeout
	}
	return ErrorKindInternal
}

// HasKind reports whether err already carries an explicit kind.
func HasKind(err error) bool {
	if rich := typedError(err); rich != nil {
		_, ok := kindFromMetadata(rich.Metadata)
		return ok
	}
	return false
}

// PolicyOf reports the policy recorded on err.
func PolicyOf(err error) Policy {
	if err == nil {
		return ""
	}
	if rich := typedError(err); rich != nil {
		if value, ok := rich.Metadata[errorMetaPolicy].(string); ok && value != "" {
			return Policy(value)
		}
	}
	return KindOf(err).DefaultPolicy()
}

// IsKind reports whether err carries kind.
func IsKind(err error, kind ErrorKind) bool {
	return err != nil && KindOf(err) == kind
}

// IsRetryable reports whether err should be retried with backoff.
func IsRetryable(err error) bool {
	return err != nil && PolicyOf(err) == PolicyRetryable
}

// RequiresReauthorization reports whether the caller must restart authorization.
func RequiresReauthorization(err error) bool {
	return err != nil && PolicyOf(err) == PolicyReauthRequired
}

// typedError walks the chain and returns the first go-errors envelope. A
// RetryableError does not unwrap to its base, so both shapes are checked at
// every link.
func typedError(err error) *goerrors.Error {
	var fallback *goerrors.Error
	for current := err; current != nil; current = stderrors.Unwrap(current) {
		switch typed := current.(type) {
		case *goerrors.RetryableError:
			if typed.BaseError == nil {
				continue
			}
			if _, ok := kindFromMetadata(typed.Metadata); ok {
				return typed.BaseError
			}
			if fallback == nil {
				fallback = typed.BaseError
			}
		case *goerrors.Error:
			if _, ok := kindFromMetadata(typed.Metadata); ok {
				return typed
			}
			if fallback == nil {
				fallback = typed
			}
		}
	}
	return fallback
}

func kindFromMetadata(metadata map[string]any) (ErrorKind, bool) {
	if len(metadata) == 0 {
		return "", false
	}
	value, ok := metadata[errorMetaKind].(string)
	if !ok || value == "" {
		return "", false
	}
	kind := ErrorKind(value)
	if _, known := kindSpecs[kind]; !known {
		return "", false
	}
	return kind, true
}

func kindFromCategory(category goerrors.Category) ErrorKind {
	switch category {
	case goerrors.CategoryBadInput, goerrors.CategoryValidation:
		return ErrorKindBadInput
	case goerrors.CategoryRateLimit:
		return ErrorKindRateLimited
	case goerrors.CategoryAuth:
		return ErrorKindReauthorizationRequired
	case goerrors.CategoryExternal:
		return ErrorKindBankUnavailable
	default:
		return ErrorKindInternal
	}
}

func serviceErrorMapper(err error) error {
	if err == nil {
		return nil
	}
	if rich := typedError(err); rich != nil {
		if _, ok := kindFromMetadata(rich.Metadata); ok {
			return err
		}
	}
	if stderrors.Is(err, context.DeadlineExceeded) {
		return WrapError(ErrorKindNetworkTimeout, err, "operation timed out")
	}
	if stderrors.Is(err, context.Canceled) {
		return WrapError(ErrorKindCancelled, err, "operation cancelled")
	}

	msg := strings.ToLower(strings.TrimSpace(err.Error()))
	switch {
	case strings.Contains(msg, "not configured"), strings.Contains(msg, "unknown bank"):
		return WrapError(ErrorKindConfiguration, err, err.Error())
	case strings.Contains(msg, "throttl"), strings.Contains(msg, "rate limit"):
		return WrapError(ErrorKindRateLimited, err, err.Error())
	case strings.Contains(msg, "required"), strings.Contains(msg, "invalid"), strings.Contains(msg, "mismatch"):
		return WrapError(ErrorKindBadInput, err, err.Error())
	}
	return WrapError(ErrorKindInternal, err, "an unexpected error occurred")
}

func defaultErrorMapper(err error) error {
	if err == nil {
		return nil
	}
	return serviceErrorMapper(err)
}
