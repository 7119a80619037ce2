package sandbox

import (
	"encoding/json"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/goliatone/go-openbanking/core"
	"github.com/gorilla/mux"
)

const (
	statusAwaitingAuthorisation = "AwaitingAuthorisation"
	statusAuthorised            = "Authorised"
	statusRejected              = "Rejected"
	statusRevoked               = "Revoked"
	statusConsumed              = "Consumed"
)

type amount struct {
	Amount   string `json:"Amount"`
	Currency string `json:"Currency"`
}

type account struct {
	SchemeName     string `json:"SchemeName"`
	Identification string `json:"Identification"`
	Name           string `json:"Name,omitempty"`
}

type remittance struct {
	Reference string `json:"Reference,omitempty"`
}

type initiation struct {
	InstructionIdentification string      `json:"InstructionIdentification"`
	EndToEndIdentification    string      `json:"EndToEndIdentification"`
	InstructedAmount          amount      `json:"InstructedAmount"`
	CreditorAccount           account     `json:"CreditorAccount"`
	RemittanceInformation     *remittance `json:"RemittanceInformation,omitempty"`
}

type consentRequest struct {
	Data struct {
		Permissions        []string    `json:"Permissions,omitempty"`
		ExpirationDateTime string      `json:"ExpirationDateTime,omitempty"`
		Initiation         *initiation `json:"Initiation,omitempty"`
	} `json:"Data"`
}

type consentData struct {
	ConsentID            string      `json:"ConsentId"`
	Status               string      `json:"Status"`
	CreationDateTime     string      `json:"CreationDateTime"`
	StatusUpdateDateTime string      `json:"StatusUpdateDateTime"`
	Permissions          []string    `json:"Permissions,omitempty"`
	ExpirationDateTime   string      `json:"ExpirationDateTime,omitempty"`
	Initiation           *initiation `json:"Initiation,omitempty"`
}

type consentResponse struct {
	Data  consentData       `json:"Data"`
	Risk  map[string]any    `json:"Risk"`
	Links map[string]string `json:"Links"`
	Meta  map[string]any    `json:"Meta"`
}

func (b *Bank) handlePAR(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseForm(); err != nil {
		writeOAuthError(w, http.StatusBadRequest, "invalid_request", "malformed form body")
		return
	}
	form := r.PostForm
	if !b.clientAuthenticated(form) {
		writeOAuthError(w, http.StatusUnauthorized, "invalid_client", "unknown client")
		return
	}
	if form.Get("response_type") != "code" {
		writeOAuthError(w, http.StatusBadRequest, "unsupported_response_type", "response_type must be code")
		return
	}
	if form.Get("code_challenge_method") != "S256" || len(form.Get("code_challenge")) != 43 {
		writeOAuthError(w, http.StatusBadRequest, "invalid_request", "S256 code_challenge required")
		return
	}
	redirect, err := url.Parse(form.Get("redirect_uri"))
	if err != nil || redirect.Scheme == "" || redirect.Host == "" {
		writeOAuthError(w, http.StatusBadRequest, "invalid_redirect_uri", "redirect_uri must be absolute")
		return
	}
	consentID := form.Get("openbanking_intent_id")
	if consentID == "" {
		consentID = form.Get("consent_id")
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if consentID != "" {
		if consent, ok := b.consents[consentID]; ok && consent.Status != statusAwaitingAuthorisation {
			writeOAuthError(w, http.StatusBadRequest, "invalid_request", "consent is not awaiting authorisation")
			return
		}
	}
	requestURI := b.nextLocked(new([]string), requestURIPrefix+"sandbox")
	b.requests[requestURI] = &pushedRequest{
		RequestURI:  requestURI,
		ClientID:    form.Get("client_id"),
		RedirectURI: form.Get("redirect_uri"),
		State:       form.Get("state"),
		Scope:       form.Get("scope"),
		Challenge:   form.Get("code_challenge"),
		ConsentID:   consentID,
		ExpiresAt:   b.cfg.Now().Add(b.cfg.RequestURITTL),
	}
	writeJSON(w, http.StatusCreated, map[string]any{
		"request_uri": requestURI,
		"expires_in":  int64(b.cfg.RequestURITTL / time.Second),
	})
}

func (b *Bank) handleAuthorize(w http.ResponseWriter, r *http.Request) {
	query := r.URL.Query()
	b.mu.Lock()
	request, ok := b.requests[query.Get("request_uri")]
	if !ok || request.ClientID != query.Get("client_id") {
		b.mu.Unlock()
		writeOAuthError(w, http.StatusBadRequest, "invalid_request_uri", "unknown request_uri")
		return
	}
	code, state, err := b.approveLocked(request.RequestURI)
	redirectURI := request.RedirectURI
	b.mu.Unlock()
	if err != nil {
		writeOAuthError(w, http.StatusBadRequest, "invalid_request_uri", err.Error())
		return
	}
	target, _ := url.Parse(redirectURI)
	values := target.Query()
	values.Set("code", code)
	values.Set("state", state)
	target.RawQuery = values.Encode()
	http.Redirect(w, r, target.String(), http.StatusFound)
}

func (b *Bank) handleToken(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseForm(); err != nil {
		writeOAuthError(w, http.StatusBadRequest, "invalid_request", "malformed form body")
		return
	}
	form := r.PostForm
	if !b.clientAuthenticated(form) {
		writeOAuthError(w, http.StatusUnauthorized, "invalid_client", "unknown client")
		return
	}
	switch form.Get("grant_type") {
	case "authorization_code":
		b.exchangeCode(w, form)
	case "refresh_token":
		b.refresh(w, form)
	case "client_credentials":
		b.clientCredentials(w)
	default:
		writeOAuthError(w, http.StatusBadRequest, "unsupported_grant_type", "unsupported grant_type")
	}
}

func (b *Bank) exchangeCode(w http.ResponseWriter, form url.Values) {
	b.mu.Lock()
	defer b.mu.Unlock()
	issued, ok := b.codes[form.Get("code")]
	if !ok || issued.Used {
		if ok {
			b.revokeConsentGrantsLocked(issued.Request.ConsentID)
		}
		writeOAuthError(w, http.StatusBadRequest, "invalid_grant", "code is invalid or already used")
		return
	}
	issued.Used = true
	if issued.RedirectURI != form.Get("redirect_uri") {
		writeOAuthError(w, http.StatusBadRequest, "invalid_grant", "redirect_uri mismatch")
		return
	}
	if s256(form.Get("code_verifier")) != issued.Request.Challenge {
		writeOAuthError(w, http.StatusBadRequest, "invalid_grant", "pkce verification failed")
		return
	}
	b.issueTokensLocked(w, grant{ConsentID: issued.Request.ConsentID, Scope: issued.Request.Scope})
}

func (b *Bank) refresh(w http.ResponseWriter, form url.Values) {
	b.mu.Lock()
	defer b.mu.Unlock()
	previous, ok := b.refreshTokens[form.Get("refresh_token")]
	if !ok || previous.Revoked {
		writeOAuthError(w, http.StatusBadRequest, "invalid_grant", "refresh token is invalid")
		return
	}
	if consent, ok := b.consents[previous.ConsentID]; ok && consent.Status != statusAuthorised {
		writeOAuthError(w, http.StatusBadRequest, "invalid_grant", "consent is no longer authorised")
		return
	}
	previous.Revoked = true
	b.issueTokensLocked(w, grant{ConsentID: previous.ConsentID, Scope: previous.Scope})
}

func (b *Bank) clientCredentials(w http.ResponseWriter) {
	b.mu.Lock()
	defer b.mu.Unlock()
	token := b.nextLocked(new([]string), "cc")
	b.clientTokens[token] = b.cfg.Now().Add(b.cfg.AccessTokenTTL)
	writeJSON(w, http.StatusOK, map[string]any{
		"access_token": token,
		"token_type":   "Bearer",
		"expires_in":   int64(b.cfg.AccessTokenTTL / time.Second),
		"scope":        "accounts payments",
	})
}

func (b *Bank) issueTokensLocked(w http.ResponseWriter, g grant) {
	access := b.nextLocked(&b.queuedAccessTokens, "at")
	refresh := b.nextLocked(&b.queuedRefreshTokens, "rt")
	accessGrant, refreshGrant := g, g
	b.accessTokens[access] = &accessGrant
	b.refreshTokens[refresh] = &refreshGrant
	writeJSON(w, http.StatusOK, map[string]any{
		"access_token":  access,
		"refresh_token": refresh,
		"token_type":    "Bearer",
		"expires_in":    int64(b.cfg.AccessTokenTTL / time.Second),
		"scope":         g.Scope,
	})
}

func (b *Bank) revokeConsentGrantsLocked(consentID string) {
	for _, g := range b.accessTokens {
		if g.ConsentID == consentID {
			g.Revoked = true
		}
	}
	for _, g := range b.refreshTokens {
		if g.ConsentID == consentID {
			g.Revoked = true
		}
	}
}

// handleRevoke follows RFC 7009: unknown tokens are not an error.
func (b *Bank) handleRevoke(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseForm(); err != nil {
		writeOAuthError(w, http.StatusBadRequest, "invalid_request", "malformed form body")
		return
	}
	if !b.clientAuthenticated(r.PostForm) {
		writeOAuthError(w, http.StatusUnauthorized, "invalid_client", "unknown client")
		return
	}
	token := r.PostForm.Get("token")
	b.mu.Lock()
	if g, ok := b.refreshTokens[token]; ok {
		g.Revoked = true
		b.revokeConsentGrantsLocked(g.ConsentID)
	}
	if g, ok := b.accessTokens[token]; ok {
		g.Revoked = true
	}
	b.mu.Unlock()
	w.WriteHeader(http.StatusOK)
}

func (b *Bank) handleCreateAccountConsent(w http.ResponseWriter, r *http.Request) {
	var req consentRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeOBIEError(w, http.StatusBadRequest, "UK.OBIE.Field.Invalid", "Data", "malformed consent request")
		return
	}
	if len(req.Data.Permissions) == 0 {
		writeOBIEError(w, http.StatusBadRequest, "UK.OBIE.Field.Missing", "Data.Permissions", "permissions are required")
		return
	}
	b.mu.Lock()
	consent := b.newConsentLocked(core.ConsentKindAccount)
	consent.Permissions = append([]string(nil), req.Data.Permissions...)
	consent.Expiration = req.Data.ExpirationDateTime
	response := b.consentResponseLocked(consent, PathAccountConsents)
	b.mu.Unlock()
	writeJSON(w, http.StatusCreated, response)
}

func (b *Bank) handleCreatePaymentConsent(w http.ResponseWriter, r *http.Request) {
	var req consentRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Data.Initiation == nil {
		writeOBIEError(w, http.StatusBadRequest, "UK.OBIE.Field.Missing", "Data.Initiation", "initiation is required")
		return
	}
	if req.Data.Initiation.CreditorAccount.SchemeName != "UK.OBIE.SortCodeAccountNumber" &&
		req.Data.Initiation.CreditorAccount.SchemeName != "UK.OBIE.IBAN" {
		writeOBIEError(w, http.StatusBadRequest, "UK.OBIE.Unsupported.AccountIdentifier", "Data.Initiation.CreditorAccount.SchemeName", "unsupported scheme")
		return
	}
	b.mu.Lock()
	consent := b.newConsentLocked(core.ConsentKindPayment)
	copied := *req.Data.Initiation
	consent.Initiation = &copied
	response := b.consentResponseLocked(consent, PathPaymentConsents)
	b.mu.Unlock()
	writeJSON(w, http.StatusCreated, response)
}

func (b *Bank) handleGetConsent(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["ConsentId"]
	b.mu.Lock()
	consent, ok := b.consents[id]
	var response consentResponse
	if ok {
		base := PathAccountConsents
		if consent.Kind == core.ConsentKindPayment {
			base = PathPaymentConsents
		}
		response = b.consentResponseLocked(consent, base)
	}
	b.mu.Unlock()
	if !ok {
		writeOBIEError(w, http.StatusNotFound, "UK.OBIE.Resource.NotFound", "ConsentId", "consent not found")
		return
	}
	writeJSON(w, http.StatusOK, response)
}

func (b *Bank) handleDeleteConsent(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["ConsentId"]
	b.mu.Lock()
	consent, ok := b.consents[id]
	if ok {
		b.setStatusLocked(consent, statusRevoked)
		b.revokeConsentGrantsLocked(id)
	}
	b.mu.Unlock()
	if !ok {
		writeOBIEError(w, http.StatusNotFound, "UK.OBIE.Resource.NotFound", "ConsentId", "consent not found")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (b *Bank) newConsentLocked(kind core.ConsentKind) *consentRecord {
	now := b.cfg.Now()
	consent := &consentRecord{
		ID:           b.nextLocked(&b.queuedConsentIDs, string(kind)),
		Kind:         kind,
		Status:       statusAwaitingAuthorisation,
		CreatedAt:    now,
		StatusUpdate: now,
	}
	b.consents[consent.ID] = consent
	return consent
}

func (b *Bank) consentResponseLocked(consent *consentRecord, basePath string) consentResponse {
	return consentResponse{
		Data: consentData{
			ConsentID:            consent.ID,
			Status:               consent.Status,
			CreationDateTime:     consent.CreatedAt.Format(time.RFC3339),
			StatusUpdateDateTime: consent.StatusUpdate.Format(time.RFC3339),
			Permissions:          append([]string(nil), consent.Permissions...),
			ExpirationDateTime:   consent.Expiration,
			Initiation:           consent.Initiation,
		},
		Risk:  map[string]any{},
		Links: map[string]string{"Self": basePath + "/" + consent.ID},
		Meta:  map[string]any{},
	}
}

func (b *Bank) clientAuthenticated(form url.Values) bool {
	if form.Get("client_id") != b.cfg.ClientID {
		return false
	}
	return b.cfg.ClientSecret == "" || form.Get("client_secret") == b.cfg.ClientSecret
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Cache-Control", "no-store")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeOAuthError(w http.ResponseWriter, status int, code string, description string) {
	writeJSON(w, status, map[string]string{"error": code, "error_description": description})
}

func writeOBIEError(w http.ResponseWriter, status int, errorCode string, path string, message string) {
	writeJSON(w, status, map[string]any{
		"Code":    strings.TrimSpace(http.StatusText(status)),
		"Id":      "sandbox",
		"Message": message,
		"Errors": []map[string]string{{
			"ErrorCode": errorCode,
			"Message":   message,
			"Path":      path,
		}},
	})
}
