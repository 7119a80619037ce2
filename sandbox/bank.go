// Package sandbox is an in-process mock ASPSP. It implements the pushed
// authorization, token, revocation and consent endpoints closely enough to
// drive the full connect flow in tests and local development.
package sandbox

import (
	"crypto/sha256"
	"encoding/base64"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/goliatone/go-openbanking/core"
	"github.com/google/uuid"
	"github.com/gorilla/mux"
)

// Endpoint names used for fault injection and call counting.
const (
	EndpointPAR             = "par"
	EndpointAuthorize       = "authorize"
	EndpointToken           = "token"
	EndpointRevoke          = "revoke"
	EndpointAccountConsents = "account-access-consents"
	EndpointPaymentConsents = "domestic-payment-consents"
)

const (
	PathPAR             = "/as/par"
	PathAuthorize       = "/as/authorize"
	PathToken           = "/as/token"
	PathRevoke          = "/as/revoke"
	PathAccountConsents = "/open-banking/v3.1/aisp/account-access-consents"
	PathPaymentConsents = "/open-banking/v3.1/pisp/domestic-payment-consents"

	requestURIPrefix = "urn:ietf:params:oauth:request_uri:"
)

type Config struct {
	ClientID       string
	ClientSecret   string
	FinancialID    string
	RequestURITTL  time.Duration
	AccessTokenTTL time.Duration
	Now            func() time.Time
}

type consentRecord struct {
	ID           string
	Kind         core.ConsentKind
	Status       string
	Permissions  []string
	Expiration   string
	Initiation   *initiation
	CreatedAt    time.Time
	StatusUpdate time.Time
}

type pushedRequest struct {
	RequestURI    string
	ClientID      string
	RedirectURI   string
	State         string
	Scope         string
	Challenge     string
	ConsentID     string
	ExpiresAt     time.Time
	Authorized    bool
	CodeIssued    string
	ChallengeUsed bool
}

type issuedCode struct {
	Code        string
	Request     *pushedRequest
	Used        bool
	RedirectURI string
}

type grant struct {
	ConsentID string
	Scope     string
	Revoked   bool
}

type fault struct {
	Status int
	Body   string
}

// Bank is safe for concurrent use.
type Bank struct {
	mu  sync.Mutex
	cfg Config

	router        *mux.Router
	consents      map[string]*consentRecord
	requests      map[string]*pushedRequest
	codes         map[string]*issuedCode
	accessTokens  map[string]*grant
	refreshTokens map[string]*grant
	clientTokens  map[string]time.Time

	queuedConsentIDs    []string
	queuedCodes         []string
	queuedAccessTokens  []string
	queuedRefreshTokens []string

	faults map[string][]fault
	calls  map[string]int
}

func New(cfg Config) *Bank {
	if strings.TrimSpace(cfg.ClientID) == "" {
		cfg.ClientID = "sandbox-client"
	}
	if cfg.RequestURITTL <= 0 {
		cfg.RequestURITTL = 90 * time.Second
	}
	if cfg.AccessTokenTTL <= 0 {
		cfg.AccessTokenTTL = time.Hour
	}
	if cfg.Now == nil {
		cfg.Now = func() time.Time { return time.Now().UTC() }
	}
	bank := &Bank{
		cfg:           cfg,
		consents:      map[string]*consentRecord{},
		requests:      map[string]*pushedRequest{},
		codes:         map[string]*issuedCode{},
		accessTokens:  map[string]*grant{},
		refreshTokens: map[string]*grant{},
		clientTokens:  map[string]time.Time{},
		faults:        map[string][]fault{},
		calls:         map[string]int{},
	}
	bank.router = bank.routes()
	return bank
}

func (b *Bank) Handler() http.Handler {
	return b.router
}

func (b *Bank) routes() *mux.Router {
	r := mux.NewRouter()
	r.HandleFunc(PathPAR, b.counted(EndpointPAR, b.handlePAR)).Methods(http.MethodPost)
	r.HandleFunc(PathAuthorize, b.counted(EndpointAuthorize, b.handleAuthorize)).Methods(http.MethodGet)
	r.HandleFunc(PathToken, b.counted(EndpointToken, b.handleToken)).Methods(http.MethodPost)
	r.HandleFunc(PathRevoke, b.counted(EndpointRevoke, b.handleRevoke)).Methods(http.MethodPost)

	aisp := r.PathPrefix(PathAccountConsents).Subrouter()
	aisp.HandleFunc("", b.counted(EndpointAccountConsents, b.bearer(b.handleCreateAccountConsent))).Methods(http.MethodPost)
	aisp.HandleFunc("/{ConsentId}", b.counted(EndpointAccountConsents, b.bearer(b.handleGetConsent))).Methods(http.MethodGet)
	aisp.HandleFunc("/{ConsentId}", b.counted(EndpointAccountConsents, b.bearer(b.handleDeleteConsent))).Methods(http.MethodDelete)

	pisp := r.PathPrefix(PathPaymentConsents).Subrouter()
	pisp.HandleFunc("", b.counted(EndpointPaymentConsents, b.bearer(b.handleCreatePaymentConsent))).Methods(http.MethodPost)
	pisp.HandleFunc("/{ConsentId}", b.counted(EndpointPaymentConsents, b.bearer(b.handleGetConsent))).Methods(http.MethodGet)
	return r
}

// BankConfig returns a bank entry whose endpoints point at baseURL, usually
// an httptest server URL.
func (b *Bank) BankConfig(id string, baseURL string, redirectURI string) core.BankConfig {
	baseURL = strings.TrimRight(strings.TrimSpace(baseURL), "/")
	return core.BankConfig{
		ID:               id,
		Name:             "Sandbox " + id,
		ClientID:         b.cfg.ClientID,
		ClientSecret:     b.cfg.ClientSecret,
		RedirectURI:      redirectURI,
		Scope:            "openid accounts payments",
		ParURL:           baseURL + PathPAR,
		AuthorizationURL: baseURL + PathAuthorize,
		TokenURL:         baseURL + PathToken,
		RevocationURL:    baseURL + PathRevoke,
		APIBaseURL:       baseURL,
		FinancialID:      b.cfg.FinancialID,
	}
}

// QueueConsentID makes the next created consents use ids in order.
func (b *Bank) QueueConsentID(ids ...string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.queuedConsentIDs = append(b.queuedConsentIDs, ids...)
}

func (b *Bank) QueueCode(codes ...string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.queuedCodes = append(b.queuedCodes, codes...)
}

func (b *Bank) QueueAccessToken(tokens ...string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.queuedAccessTokens = append(b.queuedAccessTokens, tokens...)
}

func (b *Bank) QueueRefreshToken(tokens ...string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.queuedRefreshTokens = append(b.queuedRefreshTokens, tokens...)
}

// FailNext makes the next call to endpoint answer status with body. Calls
// queue up, one fault per request.
func (b *Bank) FailNext(endpoint string, status int, body string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.faults[endpoint] = append(b.faults[endpoint], fault{Status: status, Body: body})
}

// Calls returns how many requests endpoint has received, faults included.
func (b *Bank) Calls(endpoint string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.calls[endpoint]
}

// Approve plays the user consenting at the bank for a pushed request. It
// authorises the bound consent and returns the code and state the bank would
// redirect back with.
func (b *Bank) Approve(requestURI string) (code string, state string, err error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.approveLocked(requestURI)
}

// Reject plays the user declining at the bank.
func (b *Bank) Reject(requestURI string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	request, ok := b.requests[requestURI]
	if !ok {
		return core.NewError(core.ErrorKindBadInput, "sandbox: unknown request_uri")
	}
	if consent, ok := b.consents[request.ConsentID]; ok && consent.Status == statusAwaitingAuthorisation {
		b.setStatusLocked(consent, statusRejected)
	}
	return nil
}

// SetConsentStatus forces a consent status, as a bank back office would.
func (b *Bank) SetConsentStatus(consentID string, status string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	consent, ok := b.consents[consentID]
	if ok {
		b.setStatusLocked(consent, status)
	}
	return ok
}

func (b *Bank) ConsentStatus(consentID string) (string, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	consent, ok := b.consents[consentID]
	if !ok {
		return "", false
	}
	return consent.Status, true
}

// TokenActive reports whether an access or refresh token is known and not
// revoked.
func (b *Bank) TokenActive(token string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	if g, ok := b.accessTokens[token]; ok {
		return !g.Revoked
	}
	if g, ok := b.refreshTokens[token]; ok {
		return !g.Revoked
	}
	return false
}

func (b *Bank) approveLocked(requestURI string) (string, string, error) {
	request, ok := b.requests[requestURI]
	if !ok {
		return "", "", core.NewError(core.ErrorKindBadInput, "sandbox: unknown request_uri")
	}
	if !b.cfg.Now().Before(request.ExpiresAt) {
		return "", "", core.NewError(core.ErrorKindSessionExpired, "sandbox: request_uri expired")
	}
	if request.CodeIssued != "" {
		return request.CodeIssued, request.State, nil
	}
	if consent, ok := b.consents[request.ConsentID]; ok && consent.Status == statusAwaitingAuthorisation {
		b.setStatusLocked(consent, statusAuthorised)
	}
	code := b.nextLocked(&b.queuedCodes, "code")
	request.Authorized = true
	request.CodeIssued = code
	b.codes[code] = &issuedCode{Code: code, Request: request, RedirectURI: request.RedirectURI}
	return code, request.State, nil
}

func (b *Bank) setStatusLocked(consent *consentRecord, status string) {
	consent.Status = status
	consent.StatusUpdate = b.cfg.Now()
}

func (b *Bank) nextLocked(queue *[]string, prefix string) string {
	if len(*queue) > 0 {
		next := (*queue)[0]
		*queue = (*queue)[1:]
		return next
	}
	return prefix + "-" + uuid.NewString()
}

// counted records the call and serves a queued fault if there is one.
func (b *Bank) counted(endpoint string, next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		b.mu.Lock()
		b.calls[endpoint]++
		var injected *fault
		if queue := b.faults[endpoint]; len(queue) > 0 {
			injected = &queue[0]
			b.faults[endpoint] = queue[1:]
		}
		b.mu.Unlock()
		if injected != nil {
			if strings.HasPrefix(strings.TrimSpace(injected.Body), "{") {
				w.Header().Set("Content-Type", "application/json")
			}
			if injected.Status == http.StatusTooManyRequests {
				w.Header().Set("Retry-After", "1")
			}
			w.WriteHeader(injected.Status)
			_, _ = w.Write([]byte(injected.Body))
			return
		}
		next(w, r)
	}
}

// bearer guards resource endpoints with a client credentials token and the
// financial id header when one is configured.
func (b *Bank) bearer(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if b.cfg.FinancialID != "" && r.Header.Get("x-fapi-financial-id") != b.cfg.FinancialID {
			writeOBIEError(w, http.StatusBadRequest, "UK.OBIE.Header.Invalid", "x-fapi-financial-id", "invalid financial id")
			return
		}
		token := strings.TrimSpace(strings.TrimPrefix(r.Header.Get("Authorization"), "Bearer "))
		b.mu.Lock()
		expiresAt, ok := b.clientTokens[token]
		now := b.cfg.Now()
		b.mu.Unlock()
		if !ok || !now.Before(expiresAt) {
			w.Header().Set("WWW-Authenticate", `Bearer error="invalid_token"`)
			writeOAuthError(w, http.StatusUnauthorized, "invalid_token", "client credentials token required")
			return
		}
		next(w, r)
	}
}

func s256(verifier string) string {
	sum := sha256.Sum256([]byte(verifier))
	return base64.RawURLEncoding.EncodeToString(sum[:])
}
