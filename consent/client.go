package consent

import (
	"context"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/goliatone/go-openbanking/core"
	"github.com/goliatone/go-openbanking/transport"
	"github.com/google/uuid"
)

const (
	AccountConsentsPath = "/open-banking/v3.1/aisp/account-access-consents"
	PaymentConsentsPath = "/open-banking/v3.1/pisp/domestic-payment-consents"

	headerFinancialID    = "x-fapi-financial-id"
	headerInteractionID  = "x-fapi-interaction-id"
	headerIdempotencyKey = "x-idempotency-key"

	obieStatusConsumed = "Consumed"
)

type obieAmount struct {
	Amount   string `json:"Amount"`
	Currency string `json:"Currency"`
}

type obieAccount struct {
	SchemeName     string `json:"SchemeName"`
	Identification string `json:"Identification"`
	Name           string `json:"Name,omitempty"`
}

type obieRemittance struct {
	Reference string `json:"Reference,omitempty"`
}

type obieInitiation struct {
	InstructionIdentification string          `json:"InstructionIdentification"`
	EndToEndIdentification    string          `json:"EndToEndIdentification"`
	InstructedAmount          obieAmount      `json:"InstructedAmount"`
	CreditorAccount           obieAccount     `json:"CreditorAccount"`
	RemittanceInformation     *obieRemittance `json:"RemittanceInformation,omitempty"`
}

type obieConsentRequestData struct {
	Permissions        []string        `json:"Permissions,omitempty"`
	ExpirationDateTime string          `json:"ExpirationDateTime,omitempty"`
	Initiation         *obieInitiation `json:"Initiation,omitempty"`
}

type obieConsentRequest struct {
	Data obieConsentRequestData `json:"Data"`
	Risk map[string]any         `json:"Risk"`
}

type obieConsentData struct {
	ConsentID            string          `json:"ConsentId"`
	Status               string          `json:"Status"`
	CreationDateTime     string          `json:"CreationDateTime"`
	StatusUpdateDateTime string          `json:"StatusUpdateDateTime"`
	Permissions          []string        `json:"Permissions"`
	ExpirationDateTime   string          `json:"ExpirationDateTime"`
	Initiation           *obieInitiation `json:"Initiation"`
}

type obieConsentResponse struct {
	Data obieConsentData `json:"Data"`
}

// Remote is the bank side of the consent lifecycle.
type Remote interface {
	CreateAccountConsent(ctx context.Context, bank core.BankConfig, permissions []string, expiration time.Time) (core.Consent, error)
	CreatePaymentConsent(ctx context.Context, bank core.BankConfig, details core.PaymentDetails) (core.Consent, error)
	GetConsent(ctx context.Context, bank core.BankConfig, kind core.ConsentKind, consentID string) (core.Consent, error)
	DeleteAccountConsent(ctx context.Context, bank core.BankConfig, consentID string) (bool, error)
}

// Client speaks the OBIE consent endpoints using a client-credentials
// bearer.
type Client struct {
	http    *transport.Client
	tokens  TokenSource
	timeout time.Duration
	newID   func() string
}

type ClientOption func(*Client)

func WithClientTimeout(timeout time.Duration) ClientOption {
	return func(c *Client) {
		if timeout > 0 {
			c.timeout = timeout
		}
	}
}

func WithInteractionIDGenerator(fn func() string) ClientOption {
	return func(c *Client) {
		if fn != nil {
			c.newID = fn
		}
	}
}

func NewClient(httpClient *transport.Client, tokens TokenSource, opts ...ClientOption) (*Client, error) {
	if httpClient == nil {
		return nil, core.NewError(core.ErrorKindConfiguration, "consent: transport client is required")
	}
	if tokens == nil {
		tokens = NewClientCredentialsSource(httpClient, ClientCredentialsConfig{})
	}
	client := &Client{http: httpClient, tokens: tokens, newID: uuid.NewString}
	for _, opt := range opts {
		if opt != nil {
			opt(client)
		}
	}
	return client, nil
}

func (c *Client) CreateAccountConsent(
	ctx context.Context,
	bank core.BankConfig,
	permissions []string,
	expiration time.Time,
) (core.Consent, error) {
	request := obieConsentRequest{
		Data: obieConsentRequestData{Permissions: append([]string(nil), permissions...)},
		Risk: map[string]any{},
	}
	if !expiration.IsZero() {
		request.Data.ExpirationDateTime = expiration.UTC().Format(time.RFC3339)
	}
	var response obieConsentResponse
	if _, err := c.send(ctx, bank, http.MethodPost, AccountConsentsPath, "create_account_consent", request, &response, nil); err != nil {
		return core.Consent{}, err
	}
	return fromOBIE(bank.ID, core.ConsentKindAccount, response.Data)
}

func (c *Client) CreatePaymentConsent(ctx context.Context, bank core.BankConfig, details core.PaymentDetails) (core.Consent, error) {
	initiation := toInitiation(details)
	request := obieConsentRequest{
		Data: obieConsentRequestData{Initiation: &initiation},
		Risk: map[string]any{},
	}
	headers := map[string]string{headerIdempotencyKey: details.InstructionIdentification}
	var response obieConsentResponse
	if _, err := c.send(ctx, bank, http.MethodPost, PaymentConsentsPath, "create_payment_consent", request, &response, headers); err != nil {
		return core.Consent{}, err
	}
	out, err := fromOBIE(bank.ID, core.ConsentKindPayment, response.Data)
	if err != nil {
		return core.Consent{}, err
	}
	if out.Payment == nil {
		payment := details
		out.Payment = &payment
	}
	return out, nil
}

// GetConsent reads the bank's view of a consent. A consent the bank no
// longer knows is reported as revoked.
func (c *Client) GetConsent(ctx context.Context, bank core.BankConfig, kind core.ConsentKind, consentID string) (core.Consent, error) {
	path := AccountConsentsPath
	if kind == core.ConsentKindPayment {
		path = PaymentConsentsPath
	}
	var response obieConsentResponse
	res, err := c.send(ctx, bank, http.MethodGet, path+"/"+url.PathEscape(consentID), "get_consent", nil, &response, nil)
	if err != nil {
		if res.StatusCode == http.StatusNotFound {
			return core.Consent{}, core.NewErrorWithMetadata(
				core.ErrorKindConsentRevoked,
				err,
				"consent: bank no longer knows the consent",
				map[string]any{"bank_id": bank.ID, "consent_id": consentID},
			)
		}
		return core.Consent{}, err
	}
	return fromOBIE(bank.ID, kind, response.Data)
}

// DeleteAccountConsent revokes an account access consent at the bank. It
// reports false without error when the bank no longer has the consent.
func (c *Client) DeleteAccountConsent(ctx context.Context, bank core.BankConfig, consentID string) (bool, error) {
	res, err := c.send(ctx, bank, http.MethodDelete, AccountConsentsPath+"/"+url.PathEscape(consentID), "delete_account_consent", nil, nil, nil)
	if err != nil {
		if res.StatusCode == http.StatusNotFound {
			return false, nil
		}
		return false, err
	}
	return true, nil
}

// send issues one consent call. A 401 drops the cached client token and is
// retried once with a fresh one.
func (c *Client) send(
	ctx context.Context,
	bank core.BankConfig,
	method string,
	path string,
	endpoint string,
	in any,
	out any,
	extra map[string]string,
) (core.TransportResponse, error) {
	base := strings.TrimRight(strings.TrimSpace(bank.APIBaseURL), "/")
	if base == "" {
		return core.TransportResponse{}, core.NewErrorWithMetadata(
			core.ErrorKindConfiguration,
			nil,
			"consent: bank has no api base url",
			map[string]any{"bank_id": bank.ID},
		)
	}
	var (
		res core.TransportResponse
		err error
	)
	for attempt := 0; attempt < 2; attempt++ {
		var token string
		token, err = c.tokens.Token(ctx, bank)
		if err != nil {
			return core.TransportResponse{}, err
		}
		headers := map[string]string{
			"Authorization":     "Bearer " + token,
			headerInteractionID: c.newID(),
		}
		if id := strings.TrimSpace(bank.FinancialID); id != "" {
			headers[headerFinancialID] = id
		}
		for key, value := range extra {
			if strings.TrimSpace(value) != "" {
				headers[key] = value
			}
		}
		res, err = c.http.DoJSON(ctx, method, base+path, in, out, transport.Call{
			BankID:   bank.ID,
			Endpoint: endpoint,
			Headers:  headers,
			Timeout:  c.timeout,
		})
		if err == nil || res.StatusCode != http.StatusUnauthorized {
			return res, err
		}
		c.tokens.Invalidate(bank.ID)
	}
	return res, err
}

func toInitiation(details core.PaymentDetails) obieInitiation {
	initiation := obieInitiation{
		InstructionIdentification: details.InstructionIdentification,
		EndToEndIdentification:    details.EndToEndIdentification,
		InstructedAmount: obieAmount{
			Amount:   strings.TrimSpace(details.Amount),
			Currency: strings.TrimSpace(details.Currency),
		},
		CreditorAccount: obieAccount{
			SchemeName:     strings.TrimSpace(details.CreditorAccount.SchemeName),
			Identification: strings.TrimSpace(details.CreditorAccount.Identification),
			Name:           strings.TrimSpace(details.CreditorAccount.Name),
		},
	}
	if reference := strings.TrimSpace(details.Reference); reference != "" {
		initiation.RemittanceInformation = &obieRemittance{Reference: reference}
	}
	return initiation
}

func fromInitiation(initiation *obieInitiation) *core.PaymentDetails {
	if initiation == nil {
		return nil
	}
	details := &core.PaymentDetails{
		InstructionIdentification: initiation.InstructionIdentification,
		EndToEndIdentification:    initiation.EndToEndIdentification,
		Amount:                    initiation.InstructedAmount.Amount,
		Currency:                  initiation.InstructedAmount.Currency,
		CreditorAccount: core.AccountIdentification{
			SchemeName:     initiation.CreditorAccount.SchemeName,
			Identification: initiation.CreditorAccount.Identification,
			Name:           initiation.CreditorAccount.Name,
		},
	}
	if initiation.RemittanceInformation != nil {
		details.Reference = initiation.RemittanceInformation.Reference
	}
	return details
}

func fromOBIE(bankID string, kind core.ConsentKind, data obieConsentData) (core.Consent, error) {
	consentID := strings.TrimSpace(data.ConsentID)
	if consentID == "" {
		return core.Consent{}, core.NewErrorWithMetadata(
			core.ErrorKindBankUnavailable,
			nil,
			"consent: bank response has no consent id",
			map[string]any{"bank_id": bankID},
		)
	}
	status, err := ParseStatus(data.Status)
	if err != nil {
		return core.Consent{}, err
	}
	return core.Consent{
		ConsentID:          consentID,
		BankID:             bankID,
		Kind:               kind,
		Status:             status,
		Permissions:        append([]string(nil), data.Permissions...),
		Payment:            fromInitiation(data.Initiation),
		ExpirationDateTime: parseTimestamp(data.ExpirationDateTime),
		CreatedAt:          parseTimestamp(data.CreationDateTime),
		StatusUpdatedAt:    parseTimestamp(data.StatusUpdateDateTime),
	}, nil
}

// ParseStatus maps an OBIE consent status. A consumed payment consent can
// never be used again, so it is reported as revoked.
func ParseStatus(value string) (core.ConsentStatus, error) {
	trimmed := strings.TrimSpace(value)
	if strings.EqualFold(trimmed, obieStatusConsumed) {
		return core.ConsentStatusRevoked, nil
	}
	for _, status := range []core.ConsentStatus{
		core.ConsentStatusAwaitingAuthorisation,
		core.ConsentStatusAuthorised,
		core.ConsentStatusRejected,
		core.ConsentStatusRevoked,
		core.ConsentStatusExpired,
	} {
		if strings.EqualFold(trimmed, string(status)) {
			return status, nil
		}
	}
	return "", core.NewErrorWithMetadata(
		core.ErrorKindBankUnavailable,
		nil,
		"consent: unknown consent status from bank",
		map[string]any{"status": trimmed},
	)
}

func parseTimestamp(value string) time.Time {
	trimmed := strings.TrimSpace(value)
	if trimmed == "" {
		return time.Time{}
	}
	for _, layout := range []string{time.RFC3339Nano, time.RFC3339, "2006-01-02T15:04:05"} {
		if parsed, err := time.Parse(layout, trimmed); err == nil {
			return parsed.UTC()
		}
	}
	return time.Time{}
}

var _ Remote = (*Client)(nil)
