package transport

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/goliatone/go-openbanking/core"
)

// OAuth error codes from RFC 6749 section 5.2 and RFC 7009.
const (
	OAuthErrorInvalidGrant           = "invalid_grant"
	OAuthErrorInvalidToken           = "invalid_token"
	OAuthErrorInvalidRequest         = "invalid_request"
	OAuthErrorInvalidClient          = "invalid_client"
	OAuthErrorUnauthorizedClient     = "unauthorized_client"
	OAuthErrorAccessDenied           = "access_denied"
	OAuthErrorServerError            = "server_error"
	OAuthErrorTemporarilyUnavailable = "temporarily_unavailable"
	OAuthErrorSlowDown               = "slow_down"
)

// Open Banking (OBIE) error codes with a dedicated mapping.
const (
	OBIEInsufficientFunds          = "UK.OBIE.Rules.InsufficientFunds"
	OBIEFailsControlParameters     = "UK.OBIE.Rules.FailsControlParameters"
	OBIEResourceNotFound           = "UK.OBIE.Resource.NotFound"
	OBIEUnsupportedAccount         = "UK.OBIE.Unsupported.AccountIdentifier"
	OBIEUnsupportedSecondaryAcct   = "UK.OBIE.Unsupported.AccountSecondaryIdentifier"
	OBIEInvalidConsentStatus       = "UK.OBIE.Resource.InvalidConsentStatus"
	OBIEConsentMismatch            = "UK.OBIE.Resource.ConsentMismatch"
	OBIEFieldInvalid               = "UK.OBIE.Field.Invalid"
	OBIEFieldMissing               = "UK.OBIE.Field.Missing"
	OBIEFieldExpected              = "UK.OBIE.Field.Expected"
	OBIEFieldInvalidDate           = "UK.OBIE.Field.InvalidDate"
	OBIEUnexpectedError            = "UK.OBIE.UnexpectedError"
	OBIEHeaderMissing              = "UK.OBIE.Header.Missing"
	OBIEHeaderInvalid              = "UK.OBIE.Header.Invalid"
	OBIESignatureInvalid           = "UK.OBIE.Signature.Invalid"
	OBIESignatureMissing           = "UK.OBIE.Signature.Missing"
	OBIEResourceConsentExpired     = "UK.OBIE.Resource.ConsentExpired"
	OBIERulesAfterCutOffDateTime   = "UK.OBIE.Rules.AfterCutOffDateTime"
	OBIERulesDuplicateReference    = "UK.OBIE.Rules.DuplicateReference"
	OBIEUnsupportedCurrency        = "UK.OBIE.Unsupported.Currency"
	OBIEUnsupportedLocalInstrument = "UK.OBIE.Unsupported.LocalInstrument"
)

var obieKinds = map[string]core.ErrorKind{
	OBIEInsufficientFunds:          core.ErrorKindInsufficientFunds,
	OBIEFailsControlParameters:     core.ErrorKindLimitExceeded,
	OBIEResourceNotFound:           core.ErrorKindInvalidAccount,
	OBIEUnsupportedAccount:         core.ErrorKindInvalidAccount,
	OBIEUnsupportedSecondaryAcct:   core.ErrorKindInvalidAccount,
	OBIEInvalidConsentStatus:       core.ErrorKindConsentNotAuthorised,
	OBIEConsentMismatch:            core.ErrorKindConsentRevoked,
	OBIEResourceConsentExpired:     core.ErrorKindConsentExpired,
	OBIEFieldInvalid:               core.ErrorKindBadInput,
	OBIEFieldMissing:               core.ErrorKindBadInput,
	OBIEFieldExpected:              core.ErrorKindBadInput,
	OBIEFieldInvalidDate:           core.ErrorKindBadInput,
	OBIEHeaderMissing:              core.ErrorKindBadInput,
	OBIEHeaderInvalid:              core.ErrorKindBadInput,
	OBIESignatureInvalid:           core.ErrorKindBadInput,
	OBIESignatureMissing:           core.ErrorKindBadInput,
	OBIERulesAfterCutOffDateTime:   core.ErrorKindLimitExceeded,
	OBIERulesDuplicateReference:    core.ErrorKindBadInput,
	OBIEUnsupportedCurrency:        core.ErrorKindInvalidAccount,
	OBIEUnsupportedLocalInstrument: core.ErrorKindBadInput,
	OBIEUnexpectedError:            core.ErrorKindBankUnavailable,
}

// errorBody covers both the OAuth error response and the OBIE error
// envelope. Banks mix the two, so every field is optional.
type errorBody struct {
	Error            string `json:"error"`
	ErrorDescription string `json:"error_description"`
	Code             string `json:"Code"`
	ID               string `json:"Id"`
	Message          string `json:"Message"`
	Errors           []struct {
		ErrorCode string `json:"ErrorCode"`
		Message   string `json:"Message"`
		Path      string `json:"Path"`
	} `json:"Errors"`
}

// TranslateResponse maps a non-2xx bank response into the error taxonomy.
// It returns nil for 2xx statuses.
func TranslateResponse(status int, body []byte) error {
	return translate(status, body, nil)
}

// TranslateHTTPResponse is TranslateResponse for a transport response. A
// Retry-After header is carried into the error metadata.
func TranslateHTTPResponse(res core.TransportResponse) error {
	return translate(res.StatusCode, res.Body, res.Headers)
}

func translate(status int, body []byte, headers map[string]string) error {
	if status >= 200 && status < 300 {
		return nil
	}
	parsed := errorBody{}
	_ = json.Unmarshal(body, &parsed)

	metadata := map[string]any{"status_code": status}
	oauthCode := strings.TrimSpace(parsed.Error)
	if oauthCode != "" {
		metadata["oauth_error"] = oauthCode
		if desc := strings.TrimSpace(parsed.ErrorDescription); desc != "" {
			metadata["oauth_error_description"] = desc
		}
	}
	obieCode := ""
	for _, item := range parsed.Errors {
		code := strings.TrimSpace(item.ErrorCode)
		if code == "" {
			continue
		}
		if obieCode == "" {
			obieCode = code
		}
		if _, known := obieKinds[code]; known {
			obieCode = code
			if path := strings.TrimSpace(item.Path); path != "" {
				metadata["obie_path"] = path
			}
			break
		}
	}
	if obieCode != "" {
		metadata["obie_error_code"] = obieCode
	}
	if code := strings.TrimSpace(parsed.Code); code != "" {
		metadata["obie_code"] = code
	}
	if retryAfter, ok := parseRetryAfter(headerValue(headers, "Retry-After")); ok {
		metadata["retry_after_ms"] = retryAfter.Milliseconds()
	}

	kind := kindForResponse(status, oauthCode, obieCode)
	return core.NewErrorWithMetadata(kind, nil, responseMessage(status, parsed, oauthCode, obieCode), metadata)
}

func kindForResponse(status int, oauthCode string, obieCode string) core.ErrorKind {
	if kind, ok := obieKinds[obieCode]; ok {
		return kind
	}
	switch oauthCode {
	case OAuthErrorInvalidGrant:
		return core.ErrorKindInvalidGrant
	case OAuthErrorInvalidToken:
		return core.ErrorKindReauthorizationRequired
	case OAuthErrorAccessDenied:
		return core.ErrorKindConsentNotAuthorised
	case OAuthErrorSlowDown:
		return core.ErrorKindRateLimited
	case OAuthErrorServerError, OAuthErrorTemporarilyUnavailable:
		return core.ErrorKindBankUnavailable
	case OAuthErrorInvalidClient, OAuthErrorUnauthorizedClient:
		return core.ErrorKindConfiguration
	}
	switch {
	case status == http.StatusUnauthorized:
		return core.ErrorKindInvalidGrant
	case status == http.StatusForbidden:
		return core.ErrorKindConsentRevoked
	case status == http.StatusRequestTimeout, status == http.StatusGatewayTimeout:
		return core.ErrorKindNetworkTimeout
	case status == http.StatusTooManyRequests:
		return core.ErrorKindRateLimited
	case status >= 500:
		return core.ErrorKindBankUnavailable
	default:
		return core.ErrorKindBadInput
	}
}

func responseMessage(status int, parsed errorBody, oauthCode string, obieCode string) string {
	detail := ""
	switch {
	case obieCode != "":
		detail = obieCode
		for _, item := range parsed.Errors {
			if strings.TrimSpace(item.ErrorCode) == obieCode && strings.TrimSpace(item.Message) != "" {
				detail = obieCode + ": " + strings.TrimSpace(item.Message)
				break
			}
		}
	case oauthCode != "":
		detail = oauthCode
		if desc := strings.TrimSpace(parsed.ErrorDescription); desc != "" {
			detail = oauthCode + ": " + desc
		}
	case strings.TrimSpace(parsed.Message) != "":
		detail = strings.TrimSpace(parsed.Message)
	}
	if detail == "" {
		return fmt.Sprintf("transport: bank responded with status %d", status)
	}
	return fmt.Sprintf("transport: bank responded with status %d (%s)", status, detail)
}

// TranslateTransportError maps a failure raised before a response was read.
// Errors that already carry a kind, such as pin mismatches raised inside the
// TLS handshake, pass through unchanged.
func TranslateTransportError(err error) error {
	if err == nil {
		return nil
	}
	if core.HasKind(err) {
		return err
	}
	switch {
	case errors.Is(err, context.DeadlineExceeded):
		return core.WrapError(core.ErrorKindNetworkTimeout, err, "transport: request timed out")
	case errors.Is(err, context.Canceled):
		return core.WrapError(core.ErrorKindCancelled, err, "transport: request cancelled")
	case isCertificateError(err):
		return core.WrapError(core.ErrorKindCertificateMismatch, err, "transport: certificate rejected")
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return core.WrapError(core.ErrorKindNetworkTimeout, err, "transport: request timed out")
	}
	var dnsErr *net.DNSError
	if errors.As(err, &dnsErr) {
		return core.WrapError(core.ErrorKindNetworkUnavailable, err, "transport: host lookup failed")
	}
	if errors.Is(err, syscall.ECONNREFUSED) || errors.Is(err, syscall.ECONNRESET) {
		return core.WrapError(core.ErrorKindNetworkUnavailable, err, "transport: connection failed")
	}
	return core.WrapError(core.ErrorKindNetworkUnavailable, err, "transport: request failed")
}

func isCertificateError(err error) bool {
	var verifyErr *tls.CertificateVerificationError
	if errors.As(err, &verifyErr) {
		return true
	}
	var unknownAuthority x509.UnknownAuthorityError
	if errors.As(err, &unknownAuthority) {
		return true
	}
	var hostnameErr x509.HostnameError
	if errors.As(err, &hostnameErr) {
		return true
	}
	var invalidErr x509.CertificateInvalidError
	return errors.As(err, &invalidErr)
}

func parseRetryAfter(raw string) (time.Duration, bool) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return 0, false
	}
	if seconds, err := strconv.Atoi(raw); err == nil && seconds > 0 {
		return time.Duration(seconds) * time.Second, true
	}
	if at, err := http.ParseTime(raw); err == nil {
		if delay := time.Until(at); delay > 0 {
			return delay, true
		}
	}
	return 0, false
}

func headerValue(headers map[string]string, key string) string {
	for existing, value := range headers {
		if strings.EqualFold(strings.TrimSpace(existing), key) {
			return strings.TrimSpace(value)
		}
	}
	return ""
}
