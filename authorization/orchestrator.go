package authorization

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	glog "github.com/goliatone/go-logger/glog"
	"github.com/goliatone/go-openbanking/core"
	"github.com/goliatone/go-openbanking/transport"
	"github.com/google/uuid"
)

const (
	defaultSessionTTL     = 10 * time.Minute
	defaultRequestTimeout = 15 * time.Second
	stateEntropyBytes     = 32
)

type InitiateRequest struct {
	BankID      string
	UserID      string
	ClientID    string
	RedirectURI string
	Scope       string
	ConsentID   string
}

type ExchangeRequest struct {
	SessionID string
	State     string
	Code      string
	// CodeVerifier, when set, must match the session's challenge. The exchange
	// always sends the session's own verifier.
	CodeVerifier string
}

type ExchangeResult struct {
	Session Session
	Tokens  core.TokenBundle
}

// Orchestrator runs the pushed authorization request, PKCE and token
// lifecycle against the banks in its registry.
type Orchestrator struct {
	banks          *core.BankRegistry
	client         *transport.Client
	sessions       SessionStore
	sessionTTL     time.Duration
	requestTimeout time.Duration
	locks          *core.KeyedMutex
	metrics        core.MetricsRecorder
	logger         core.Logger
	now            func() time.Time
	newID          func() string
}

type Option func(*Orchestrator)

func WithSessionStore(store SessionStore) Option {
	return func(o *Orchestrator) {
		if store != nil {
			o.sessions = store
		}
	}
}

func WithSessionTTL(ttl time.Duration) Option {
	return func(o *Orchestrator) {
		if ttl > 0 {
			o.sessionTTL = ttl
		}
	}
}

func WithRequestTimeout(timeout time.Duration) Option {
	return func(o *Orchestrator) {
		if timeout > 0 {
			o.requestTimeout = timeout
		}
	}
}

func WithMetricsRecorder(recorder core.MetricsRecorder) Option {
	return func(o *Orchestrator) {
		if recorder != nil {
			o.metrics = recorder
		}
	}
}

func WithLogger(logger core.Logger) Option {
	return func(o *Orchestrator) {
		o.logger = logger
	}
}

func WithClock(now func() time.Time) Option {
	return func(o *Orchestrator) {
		if now != nil {
			o.now = now
		}
	}
}

func WithIDGenerator(newID func() string) Option {
	return func(o *Orchestrator) {
		if newID != nil {
			o.newID = newID
		}
	}
}

// WithConfig applies the authorization section of the service config.
func WithConfig(cfg core.AuthorizationConfig) Option {
	return func(o *Orchestrator) {
		WithSessionTTL(cfg.SessionTTL)(o)
		WithRequestTimeout(cfg.RequestTimeout)(o)
	}
}

func NewOrchestrator(banks *core.BankRegistry, client *transport.Client, opts ...Option) (*Orchestrator, error) {
	if banks == nil {
		return nil, core.NewError(core.ErrorKindConfiguration, "authorization: bank registry is required")
	}
	if client == nil {
		return nil, core.NewError(core.ErrorKindConfiguration, "authorization: transport client is required")
	}
	orchestrator := &Orchestrator{
		banks:          banks,
		client:         client,
		sessions:       NewMemorySessionStore(),
		sessionTTL:     defaultSessionTTL,
		requestTimeout: defaultRequestTimeout,
		locks:          core.NewKeyedMutex(),
		metrics:        core.NopMetricsRecorder{},
		logger:         glog.Nop(),
		now:            func() time.Time { return time.Now().UTC() },
		newID:          uuid.NewString,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(orchestrator)
		}
	}
	orchestrator.logger = glog.Ensure(orchestrator.logger)
	return orchestrator, nil
}

func (o *Orchestrator) Sessions() SessionStore {
	return o.sessions
}

// Initiate pushes a new authorization request for the consent. Any live
// session for the same client and consent is superseded first, so at most one
// of them can ever complete.
func (o *Orchestrator) Initiate(ctx context.Context, req InitiateRequest) (session Session, err error) {
	defer func() { o.record(ctx, "initiate", req.BankID, err) }()

	bank, err := o.banks.Lookup(req.BankID)
	if err != nil {
		return Session{}, err
	}
	req = withBankDefaults(req, bank)
	if err = validateInitiate(req); err != nil {
		return Session{}, err
	}

	unlock := o.locks.Lock(consentIndexKey(req.ClientID, req.ConsentID))
	defer unlock()

	if err = o.supersede(ctx, req.ClientID, req.ConsentID); err != nil {
		return Session{}, err
	}

	pkce, err := NewPKCE()
	if err != nil {
		return Session{}, err
	}
	state, err := randomToken(stateEntropyBytes)
	if err != nil {
		return Session{}, err
	}
	now := o.now()
	session = Session{
		ID:          o.newID(),
		State:       state,
		PKCE:        pkce,
		ConsentID:   req.ConsentID,
		ClientID:    req.ClientID,
		RedirectURI: req.RedirectURI,
		Scope:       req.Scope,
		BankID:      bank.ID,
		UserID:      strings.TrimSpace(req.UserID),
		Status:      StatusCreated,
		CreatedAt:   now,
		UpdatedAt:   now,
		ExpiresAt:   now.Add(o.sessionTTL),
	}
	if err = o.sessions.Save(ctx, session); err != nil {
		return Session{}, err
	}

	form := url.Values{}
	form.Set("response_type", "code")
	form.Set("client_id", session.ClientID)
	form.Set("redirect_uri", session.RedirectURI)
	form.Set("scope", session.Scope)
	form.Set("state", session.State)
	form.Set("code_challenge", session.PKCE.Challenge)
	form.Set("code_challenge_method", session.PKCE.Method)
	form.Set("openbanking_intent_id", session.ConsentID)
	form.Set("consent_id", session.ConsentID)
	setClientSecret(form, bank)

	res, err := o.client.PostForm(ctx, bank.ParURL, form, o.call(bank, "par"))
	if err == nil {
		var payload parEndpointPayload
		payload, err = parseParPayload(res.Body)
		switch {
		case err != nil:
			err = core.WrapError(core.ErrorKindParRejected, err, "authorization: unreadable pushed authorization response")
		case payload.RequestURI == "":
			err = core.NewError(core.ErrorKindParRejected, "authorization: pushed authorization response has no request_uri")
		default:
			session.RequestURI = payload.RequestURI
			if payload.ExpiresIn > 0 {
				if parExpiry := now.Add(time.Duration(payload.ExpiresIn) * time.Second); parExpiry.Before(session.ExpiresAt) {
					session.ExpiresAt = parExpiry
				}
			}
		}
	} else if rejectedByBank(res.StatusCode) {
		err = core.NewErrorWithMetadata(
			core.ErrorKindParRejected,
			err,
			fmt.Sprintf("authorization: bank rejected pushed authorization request (%d)", res.StatusCode),
			map[string]any{"bank_id": bank.ID, "status_code": res.StatusCode},
		)
	}
	if err != nil {
		o.fail(ctx, session, "par_failed")
		return Session{}, err
	}

	if err = session.Transition(StatusPushed, o.now()); err != nil {
		return Session{}, err
	}
	if err = o.sessions.Save(ctx, session); err != nil {
		return Session{}, err
	}
	o.logger.Debug("authorization request pushed",
		"bank_id", bank.ID,
		"session_id", session.ID,
		"consent_id", session.ConsentID,
		"expires_at", session.ExpiresAt,
	)
	return session, nil
}

// AuthorizationURL formats the front-channel URL for a pushed session.
func AuthorizationURL(bank core.BankConfig, session Session) (string, error) {
	if strings.TrimSpace(session.RequestURI) == "" {
		return "", core.NewError(core.ErrorKindBadInput, "authorization: session has not been pushed")
	}
	base, err := url.Parse(strings.TrimSpace(bank.AuthorizationURL))
	if err != nil || base.Host == "" {
		return "", core.NewErrorWithMetadata(
			core.ErrorKindConfiguration, err, "authorization: invalid authorization url",
			map[string]any{"bank_id": bank.ID},
		)
	}
	query := base.Query()
	query.Set("client_id", session.ClientID)
	query.Set("request_uri", session.RequestURI)
	query.Set("state", session.State)
	base.RawQuery = query.Encode()
	return base.String(), nil
}

// BuildAuthorizationURL formats the URL for a pushed session and records that
// the user has been sent to the bank.
func (o *Orchestrator) BuildAuthorizationURL(ctx context.Context, sessionID string) (string, error) {
	session, found, err := o.sessions.Get(ctx, sessionID)
	if err != nil {
		return "", err
	}
	if !found {
		return "", core.NewError(core.ErrorKindSessionConsumed, "authorization: session not found")
	}
	if session.ExpiredAt(o.now()) {
		return "", sessionExpiredError(session)
	}
	bank, err := o.banks.Lookup(session.BankID)
	if err != nil {
		return "", err
	}
	authURL, err := AuthorizationURL(bank, session)
	if err != nil {
		return "", err
	}
	if session.Status == StatusPushed {
		if err := session.Transition(StatusAwaitingUserAuthorization, o.now()); err != nil {
			return "", err
		}
		if err := o.sessions.Save(ctx, session); err != nil {
			return "", err
		}
	}
	return authURL, nil
}

// VerifyPKCE fails with InvalidGrant when verifier does not hash to the
// session's challenge.
func VerifyPKCE(session Session, verifier string) error {
	if session.PKCE.Matches(verifier) {
		return nil
	}
	return core.NewErrorWithMetadata(
		core.ErrorKindInvalidGrant, nil, "authorization: pkce verifier does not match challenge",
		map[string]any{"session_id": session.ID},
	)
}

// ExchangeCode claims the session and trades the code for tokens. The claim
// happens before any network call, so a code can only ever be sent once.
func (o *Orchestrator) ExchangeCode(ctx context.Context, req ExchangeRequest) (result ExchangeResult, err error) {
	bankID := ""
	defer func() { o.record(ctx, "exchange", bankID, err) }()

	code := strings.TrimSpace(req.Code)
	if code == "" {
		return ExchangeResult{}, core.NewError(core.ErrorKindBadInput, "authorization: authorization code is required")
	}
	sessionID, err := o.resolveSessionID(ctx, req.SessionID, req.State)
	if err != nil {
		return ExchangeResult{}, err
	}
	session, err := o.sessions.Claim(ctx, sessionID, o.now())
	if err != nil {
		return ExchangeResult{}, err
	}
	bankID = session.BankID

	if req.CodeVerifier != "" {
		if err = VerifyPKCE(session, req.CodeVerifier); err != nil {
			o.fail(ctx, session, "pkce_mismatch")
			return ExchangeResult{}, err
		}
	}
	bank, err := o.banks.Lookup(session.BankID)
	if err != nil {
		o.fail(ctx, session, "unknown_bank")
		return ExchangeResult{}, err
	}

	form := url.Values{}
	form.Set("grant_type", "authorization_code")
	form.Set("code", code)
	form.Set("redirect_uri", session.RedirectURI)
	form.Set("client_id", session.ClientID)
	form.Set("code_verifier", session.PKCE.Verifier)
	setClientSecret(form, bank)

	tokens, err := o.fetchTokens(ctx, bank, form)
	if err != nil {
		o.fail(ctx, session, string(core.KindOf(err)))
		return ExchangeResult{}, err
	}

	// Initiate supersedes under the same lock, so the status read here is
	// the one that decides whether this exchange may complete.
	unlock := o.locks.Lock(consentIndexKey(session.ClientID, session.ConsentID))
	defer unlock()
	current, found, err := o.sessions.Get(ctx, session.ID)
	if err != nil {
		return ExchangeResult{}, err
	}
	if !found || current.Status != StatusCodeReceived {
		o.discardTokens(ctx, bank.ID, tokens)
		return ExchangeResult{}, core.NewErrorWithMetadata(
			core.ErrorKindSessionConsumed, nil, "authorization: session was superseded during token exchange",
			map[string]any{"session_id": session.ID, "status": string(current.Status), "reason": current.FailureReason},
		)
	}
	session = current

	now := o.now()
	if err = session.Transition(StatusTokenExchanged, now); err != nil {
		return ExchangeResult{}, err
	}
	if err = session.Transition(StatusCompleted, now); err != nil {
		return ExchangeResult{}, err
	}
	if err = o.sessions.Save(ctx, session); err != nil {
		return ExchangeResult{}, err
	}
	o.logger.Info("authorization completed", "bank_id", bank.ID, "session_id", session.ID, "consent_id", session.ConsentID)
	return ExchangeResult{Session: session, Tokens: tokens}, nil
}

// Refresh trades the refresh token for a new bundle. A rejected or missing
// refresh token means the user has to authorize again.
func (o *Orchestrator) Refresh(ctx context.Context, bankID string, tokens core.TokenBundle) (refreshed core.TokenBundle, err error) {
	defer func() { o.record(ctx, "refresh", bankID, err) }()

	if !tokens.Refreshable() {
		return core.TokenBundle{}, core.NewError(core.ErrorKindReauthorizationRequired, "authorization: no refresh token")
	}
	bank, err := o.banks.Lookup(bankID)
	if err != nil {
		return core.TokenBundle{}, err
	}
	form := url.Values{}
	form.Set("grant_type", "refresh_token")
	form.Set("refresh_token", strings.TrimSpace(tokens.RefreshToken))
	form.Set("client_id", bank.ClientID)
	if strings.TrimSpace(tokens.Scope) != "" {
		form.Set("scope", strings.TrimSpace(tokens.Scope))
	}
	setClientSecret(form, bank)

	refreshed, err = o.fetchTokens(ctx, bank, form)
	if err != nil {
		if core.IsKind(err, core.ErrorKindInvalidGrant) || core.RequiresReauthorization(err) {
			return core.TokenBundle{}, core.WrapError(core.ErrorKindReauthorizationRequired, err, "authorization: refresh token rejected")
		}
		return core.TokenBundle{}, err
	}
	if refreshed.RefreshToken == "" {
		refreshed.RefreshToken = tokens.RefreshToken
	}
	if refreshed.Scope == "" {
		refreshed.Scope = tokens.Scope
	}
	return refreshed, nil
}

// Revoke asks the bank to revoke token (RFC 7009). Banks without a revocation
// endpoint are treated as nothing to do.
func (o *Orchestrator) Revoke(ctx context.Context, bankID string, token string) (err error) {
	defer func() { o.record(ctx, "revoke", bankID, err) }()

	token = strings.TrimSpace(token)
	if token == "" {
		return core.NewError(core.ErrorKindBadInput, "authorization: token is required")
	}
	bank, err := o.banks.Lookup(bankID)
	if err != nil {
		return err
	}
	if strings.TrimSpace(bank.RevocationURL) == "" {
		o.logger.Debug("bank has no revocation endpoint", "bank_id", bank.ID)
		return nil
	}
	form := url.Values{}
	form.Set("token", token)
	form.Set("client_id", bank.ClientID)
	setClientSecret(form, bank)
	_, err = o.client.PostForm(ctx, bank.RevocationURL, form, o.call(bank, "revoke"))
	return err
}

// Sweep expires overdue sessions and drops old terminal ones.
func (o *Orchestrator) Sweep(ctx context.Context) (int, error) {
	return o.sessions.Sweep(ctx, o.now())
}

// Begin implements core.AuthorizationFlow.
func (o *Orchestrator) Begin(ctx context.Context, req core.BeginAuthorization) (core.AuthorizationHandle, error) {
	session, err := o.Initiate(ctx, InitiateRequest{
		BankID:    req.BankID,
		UserID:    req.UserID,
		ConsentID: req.ConsentID,
		Scope:     req.Scope,
	})
	if err != nil {
		return core.AuthorizationHandle{}, err
	}
	authURL, err := o.BuildAuthorizationURL(ctx, session.ID)
	if err != nil {
		return core.AuthorizationHandle{}, err
	}
	return core.AuthorizationHandle{
		SessionID:        session.ID,
		State:            session.State,
		RequestURI:       session.RequestURI,
		AuthorizationURL: authURL,
		ExpiresAt:        session.ExpiresAt,
	}, nil
}

// Complete implements core.AuthorizationFlow. The session is found by state
// when given, otherwise by its live consent binding.
func (o *Orchestrator) Complete(ctx context.Context, req core.CompleteAuthorization) (core.AuthorizationResult, error) {
	state := strings.TrimSpace(req.State)
	consentID := strings.TrimSpace(req.ConsentID)
	var sessionID string
	if state == "" {
		session, found, err := o.sessions.FindActive(ctx, "", consentID)
		if err != nil {
			return core.AuthorizationResult{}, err
		}
		if !found {
			return core.AuthorizationResult{}, core.NewErrorWithMetadata(
				core.ErrorKindSessionConsumed, nil, "authorization: no live session for consent",
				map[string]any{"consent_id": consentID},
			)
		}
		sessionID = session.ID
	} else if consentID != "" {
		session, found, err := o.sessions.FindByState(ctx, state)
		if err != nil {
			return core.AuthorizationResult{}, err
		}
		if found && session.ConsentID != consentID {
			return core.AuthorizationResult{}, core.NewError(core.ErrorKindBadInput, "authorization: state does not belong to consent")
		}
	}
	result, err := o.ExchangeCode(ctx, ExchangeRequest{SessionID: sessionID, State: state, Code: req.Code})
	if err != nil {
		return core.AuthorizationResult{}, err
	}
	return core.AuthorizationResult{
		BankID:    result.Session.BankID,
		UserID:    result.Session.UserID,
		ConsentID: result.Session.ConsentID,
		Tokens:    result.Tokens,
	}, nil
}

func (o *Orchestrator) fetchTokens(ctx context.Context, bank core.BankConfig, form url.Values) (core.TokenBundle, error) {
	res, err := o.client.PostForm(ctx, bank.TokenURL, form, o.call(bank, "token"))
	if err != nil {
		return core.TokenBundle{}, err
	}
	payload, err := parseTokenPayload(res.Body, headerValue(res.Headers, "Content-Type"))
	if err != nil {
		return core.TokenBundle{}, core.WrapError(core.ErrorKindBankUnavailable, err, "authorization: unreadable token response")
	}
	if strings.TrimSpace(payload.AccessToken) == "" {
		return core.TokenBundle{}, core.NewError(core.ErrorKindBankUnavailable, "authorization: token response missing access_token")
	}
	return payload.bundle(o.now()), nil
}

func (o *Orchestrator) supersede(ctx context.Context, clientID string, consentID string) error {
	previous, found, err := o.sessions.FindActive(ctx, clientID, consentID)
	if err != nil || !found {
		return err
	}
	previous.Fail(ReasonSuperseded, o.now())
	if err := o.sessions.Save(ctx, previous); err != nil {
		return err
	}
	o.logger.Info("authorization session superseded", "session_id", previous.ID, "consent_id", consentID)
	return nil
}

func (o *Orchestrator) resolveSessionID(ctx context.Context, sessionID string, state string) (string, error) {
	if id := strings.TrimSpace(sessionID); id != "" {
		return id, nil
	}
	state = strings.TrimSpace(state)
	if state == "" {
		return "", core.NewError(core.ErrorKindBadInput, "authorization: session id or state is required")
	}
	session, found, err := o.sessions.FindByState(ctx, state)
	if err != nil {
		return "", err
	}
	if !found {
		return "", core.NewError(core.ErrorKindSessionConsumed, "authorization: unknown state")
	}
	return session.ID, nil
}

// discardTokens revokes tokens issued to a session that can no longer
// complete. Failures are logged only.
func (o *Orchestrator) discardTokens(ctx context.Context, bankID string, tokens core.TokenBundle) {
	for _, token := range []string{tokens.RefreshToken, tokens.AccessToken} {
		if strings.TrimSpace(token) == "" {
			continue
		}
		if err := o.Revoke(ctx, bankID, token); err != nil {
			o.logger.Warn("revoking orphaned token failed", "bank_id", bankID, "error", err)
		}
	}
}

func (o *Orchestrator) fail(ctx context.Context, session Session, reason string) {
	current, found, err := o.sessions.Get(ctx, session.ID)
	if err != nil || !found {
		current = session
	}
	current.Fail(reason, o.now())
	if err := o.sessions.Save(ctx, current); err != nil {
		o.logger.Warn("authorization session update failed", "session_id", session.ID, "error", err)
	}
}

func (o *Orchestrator) call(bank core.BankConfig, endpoint string) transport.Call {
	call := transport.Call{BankID: bank.ID, Endpoint: endpoint, Timeout: o.requestTimeout}
	if financialID := strings.TrimSpace(bank.FinancialID); financialID != "" {
		call.Headers = map[string]string{"x-fapi-financial-id": financialID}
	}
	return call
}

func (o *Orchestrator) record(ctx context.Context, operation string, bankID string, err error) {
	result := "success"
	tags := map[string]string{"operation": operation, "bank_id": strings.TrimSpace(bankID)}
	if err != nil {
		result = "failure"
		tags["error_kind"] = string(core.KindOf(err))
	}
	tags["result"] = result
	o.metrics.IncCounter(ctx, "authorization.operation.total", 1, tags)
}

func withBankDefaults(req InitiateRequest, bank core.BankConfig) InitiateRequest {
	req.ClientID = firstNonEmpty(req.ClientID, bank.ClientID)
	req.RedirectURI = firstNonEmpty(req.RedirectURI, bank.RedirectURI)
	req.Scope = firstNonEmpty(req.Scope, bank.Scope, "openid accounts")
	req.ConsentID = strings.TrimSpace(req.ConsentID)
	return req
}

func validateInitiate(req InitiateRequest) error {
	if req.ClientID == "" {
		return core.NewError(core.ErrorKindConfiguration, "authorization: client id is required")
	}
	if req.ConsentID == "" {
		return core.NewError(core.ErrorKindBadInput, "authorization: consent id is required")
	}
	parsed, err := url.Parse(req.RedirectURI)
	if err != nil || parsed.Scheme == "" || parsed.Host == "" {
		return core.NewErrorWithMetadata(
			core.ErrorKindBadInput, err, "authorization: redirect uri must be absolute",
			map[string]any{"redirect_uri": req.RedirectURI},
		)
	}
	return nil
}

func setClientSecret(form url.Values, bank core.BankConfig) {
	if secret := strings.TrimSpace(bank.ClientSecret); secret != "" {
		form.Set("client_secret", secret)
	}
}

// rejectedByBank reports a PAR refusal, as opposed to throttling or a bank
// outage.
func rejectedByBank(status int) bool {
	return status >= http.StatusBadRequest && status < http.StatusInternalServerError && status != http.StatusTooManyRequests && status != http.StatusRequestTimeout
}

func headerValue(headers map[string]string, key string) string {
	for candidate, value := range headers {
		if strings.EqualFold(candidate, key) {
			return value
		}
	}
	return ""
}

func firstNonEmpty(values ...string) string {
	for _, value := range values {
		if trimmed := strings.TrimSpace(value); trimmed != "" {
			return trimmed
		}
	}
	return ""
}

var _ core.AuthorizationFlow = (*Orchestrator)(nil)
