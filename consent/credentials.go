package consent

import (
	"context"
	"encoding/json"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/goliatone/go-openbanking/core"
	"github.com/goliatone/go-openbanking/transport"
)

const (
	defaultClientCredentialsScope = "accounts payments"
	defaultClientTokenTTL         = time.Hour
	defaultClientTokenRenewBefore = 2 * time.Minute
)

// TokenSource supplies the client-credentials bearer used on consent
// endpoints.
type TokenSource interface {
	Token(ctx context.Context, bank core.BankConfig) (string, error)
	Invalidate(bankID string)
}

type ClientCredentialsConfig struct {
	Scope       string
	TokenTTL    time.Duration
	RenewBefore time.Duration
	Timeout     time.Duration
	Now         func() time.Time
}

type cachedClientToken struct {
	token     string
	expiresAt time.Time
}

// ClientCredentialsSource fetches and caches one client-credentials token
// per bank, renewing it shortly before it expires.
type ClientCredentialsSource struct {
	client *transport.Client
	config ClientCredentialsConfig

	mu    sync.Mutex
	cache map[string]cachedClientToken
	locks *core.KeyedMutex
}

func NewClientCredentialsSource(client *transport.Client, cfg ClientCredentialsConfig) *ClientCredentialsSource {
	if strings.TrimSpace(cfg.Scope) == "" {
		cfg.Scope = defaultClientCredentialsScope
	}
	if cfg.TokenTTL <= 0 {
		cfg.TokenTTL = defaultClientTokenTTL
	}
	if cfg.RenewBefore <= 0 {
		cfg.RenewBefore = defaultClientTokenRenewBefore
	}
	if cfg.Now == nil {
		cfg.Now = func() time.Time { return time.Now().UTC() }
	}
	return &ClientCredentialsSource{
		client: client,
		config: cfg,
		cache:  map[string]cachedClientToken{},
		locks:  core.NewKeyedMutex(),
	}
}

func (s *ClientCredentialsSource) Token(ctx context.Context, bank core.BankConfig) (string, error) {
	if s == nil || s.client == nil {
		return "", core.NewError(core.ErrorKindConfiguration, "consent: client credentials source requires a transport client")
	}
	if strings.TrimSpace(bank.TokenURL) == "" || strings.TrimSpace(bank.ClientID) == "" {
		return "", core.NewErrorWithMetadata(
			core.ErrorKindConfiguration,
			nil,
			"consent: bank has no token endpoint or client id",
			map[string]any{"bank_id": bank.ID},
		)
	}
	if token, ok := s.cached(bank.ID); ok {
		return token, nil
	}

	unlock := s.locks.Lock(bank.ID)
	defer unlock()
	if token, ok := s.cached(bank.ID); ok {
		return token, nil
	}

	form := url.Values{}
	form.Set("grant_type", "client_credentials")
	form.Set("client_id", bank.ClientID)
	form.Set("scope", s.config.Scope)
	if secret := strings.TrimSpace(bank.ClientSecret); secret != "" {
		form.Set("client_secret", secret)
	}
	headers := map[string]string{}
	if id := strings.TrimSpace(bank.FinancialID); id != "" {
		headers[headerFinancialID] = id
	}
	res, err := s.client.PostForm(ctx, bank.TokenURL, form, transport.Call{
		BankID:   bank.ID,
		Endpoint: "client_credentials",
		Headers:  headers,
		Timeout:  s.config.Timeout,
	})
	if err != nil {
		return "", err
	}

	var payload struct {
		AccessToken string `json:"access_token"`
		ExpiresIn   int64  `json:"expires_in"`
	}
	if err := json.Unmarshal(res.Body, &payload); err != nil || strings.TrimSpace(payload.AccessToken) == "" {
		return "", core.WrapError(core.ErrorKindBankUnavailable, err, "consent: unreadable client credentials response")
	}
	ttl := s.config.TokenTTL
	if payload.ExpiresIn > 0 {
		ttl = time.Duration(payload.ExpiresIn) * time.Second
	}

	s.mu.Lock()
	s.cache[bank.ID] = cachedClientToken{
		token:     strings.TrimSpace(payload.AccessToken),
		expiresAt: s.config.Now().Add(ttl),
	}
	s.mu.Unlock()
	return strings.TrimSpace(payload.AccessToken), nil
}

// Invalidate drops the cached token for bankID so the next call fetches a
// new one.
func (s *ClientCredentialsSource) Invalidate(bankID string) {
	if s == nil {
		return
	}
	s.mu.Lock()
	delete(s.cache, bankID)
	s.mu.Unlock()
}

func (s *ClientCredentialsSource) cached(bankID string) (string, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	entry, ok := s.cache[bankID]
	if !ok {
		return "", false
	}
	if !s.config.Now().Add(s.config.RenewBefore).Before(entry.expiresAt) {
		delete(s.cache, bankID)
		return "", false
	}
	return entry.token, true
}

var _ TokenSource = (*ClientCredentialsSource)(nil)
