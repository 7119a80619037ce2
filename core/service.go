package core

import (
	"context"
	"fmt"
	"net/url"
	"strings"
	"time"

	glog "github.com/goliatone/go-logger/glog"
)

const credentialKeyPrefix = "credential"

type Service struct {
	config                  Config
	logger                  Logger
	loggerProvider          LoggerProvider
	metricsRecorder         MetricsRecorder
	errorMapper             ErrorMapper
	configProvider          ConfigProvider
	optionsResolver         OptionsResolver
	trust                   CertificateTrust
	vault                   CredentialVault
	flow                    AuthorizationFlow
	consents                ConsentLifecycle
	tokenCodec              TokenCodec
	connectionLocker        ConnectionLocker
	refreshBackoffScheduler RefreshBackoffScheduler
	credentialLocks         *KeyedMutex
	now                     func() time.Time
}

type ServiceDependencies struct {
	Logger           Logger
	LoggerProvider   LoggerProvider
	MetricsRecorder  MetricsRecorder
	ErrorMapper      ErrorMapper
	ConfigProvider   ConfigProvider
	OptionsResolver  OptionsResolver
	CertificateTrust CertificateTrust
	CredentialVault  CredentialVault
	Authorization    AuthorizationFlow
	Consents         ConsentLifecycle
	TokenCodec       TokenCodec
	ConnectionLocker ConnectionLocker
	RefreshScheduler RefreshBackoffScheduler
}

func NewService(cfg Config, opts ...Option) (*Service, error) {
	builder := defaultServiceBuilder(cfg)
	for _, opt := range opts {
		if opt == nil {
			continue
		}
		opt(&builder)
	}

	provider, logger := glog.Resolve("openbanking", builder.loggerProvider, builder.logger)
	logger = glog.Ensure(logger)
	if provider != nil {
		if named := provider.GetLogger("openbanking"); named != nil {
			logger = glog.Ensure(named)
		}
	}

	if builder.metricsRecorder == nil {
		builder.metricsRecorder = NopMetricsRecorder{}
	}
	if builder.errorMapper == nil {
		builder.errorMapper = defaultErrorMapper
	}
	if builder.configProvider == nil {
		builder.configProvider = NewCfgxConfigProvider(nil)
	}
	if builder.optionsResolver == nil {
		builder.optionsResolver = GoOptionsResolver{}
	}
	if builder.tokenCodec == nil {
		builder.tokenCodec = JSONTokenCodec{}
	}
	if builder.connectionLocker == nil {
		builder.connectionLocker = NewMemoryConnectionLocker()
	}
	if builder.now == nil {
		builder.now = func() time.Time { return time.Now().UTC() }
	}

	defaults := DefaultConfig()
	loaded, err := builder.configProvider.Load(context.Background(), defaults)
	if err != nil {
		return nil, WrapError(ErrorKindConfiguration, err, "core: load configuration")
	}
	finalConfig, err := builder.optionsResolver.Resolve(defaults, loaded, builder.runtimeConfig)
	if err != nil {
		return nil, WrapError(ErrorKindConfiguration, err, "core: resolve configuration")
	}
	if builder.refreshScheduler == nil {
		builder.refreshScheduler = ExponentialBackoffScheduler{
			Initial: finalConfig.Refresh.InitialBackoff,
			Max:     finalConfig.Refresh.MaxBackoff,
		}
	}

	return &Service{
		config:                  finalConfig,
		logger:                  logger,
		loggerProvider:          provider,
		metricsRecorder:         builder.metricsRecorder,
		errorMapper:             builder.errorMapper,
		configProvider:          builder.configProvider,
		optionsResolver:         builder.optionsResolver,
		trust:                   builder.trust,
		vault:                   builder.vault,
		flow:                    builder.flow,
		consents:                builder.consents,
		tokenCodec:              builder.tokenCodec,
		connectionLocker:        builder.connectionLocker,
		refreshBackoffScheduler: builder.refreshScheduler,
		credentialLocks:         NewKeyedMutex(),
		now:                     builder.now,
	}, nil
}

func Setup(cfg Config, opts ...Option) (*Service, error) {
	return NewService(cfg, opts...)
}

func (s *Service) Config() Config {
	if s == nil {
		return Config{}
	}
	return s.config
}

func (s *Service) Dependencies() ServiceDependencies {
	if s == nil {
		return ServiceDependencies{}
	}
	return ServiceDependencies{
		Logger:           s.logger,
		LoggerProvider:   s.loggerProvider,
		MetricsRecorder:  s.metricsRecorder,
		ErrorMapper:      s.errorMapper,
		ConfigProvider:   s.configProvider,
		OptionsResolver:  s.optionsResolver,
		CertificateTrust: s.trust,
		CredentialVault:  s.vault,
		Authorization:    s.flow,
		Consents:         s.consents,
		TokenCodec:       s.tokenCodec,
		ConnectionLocker: s.connectionLocker,
		RefreshScheduler: s.refreshBackoffScheduler,
	}
}

// ConnectionKey returns the vault key holding the credential of userID at
// bankID.
func ConnectionKey(bankID string, userID string) (string, error) {
	bankID = strings.TrimSpace(bankID)
	userID = strings.TrimSpace(userID)
	if bankID == "" {
		return "", NewError(ErrorKindBadInput, "core: bank id is required")
	}
	if userID == "" {
		return "", NewError(ErrorKindBadInput, "core: user id is required")
	}
	return credentialKeyPrefix + "/" + url.PathEscape(bankID) + "/" + url.PathEscape(userID), nil
}

// Connect creates a consent at the bank, pushes the authorization request and
// returns the URL the user must visit.
func (s *Service) Connect(ctx context.Context, req ConnectRequest) (response ConnectResponse, err error) {
	startedAt := s.clock()
	fields := map[string]any{
		"bank_id":      req.BankID,
		"user_id":      req.UserID,
		"consent_kind": string(ConsentKindAccount),
	}
	if req.Payment != nil {
		fields["consent_kind"] = string(ConsentKindPayment)
	}
	defer func() {
		if response.ConsentID != "" {
			fields["consent_id"] = response.ConsentID
			fields["session_id"] = response.SessionID
		}
		s.observeOperation(ctx, startedAt, "connect", err, fields)
	}()

	if err = s.requireCollaborators(true, true, false); err != nil {
		return ConnectResponse{}, err
	}
	bankID := strings.TrimSpace(req.BankID)
	userID := strings.TrimSpace(req.UserID)
	if _, err = ConnectionKey(bankID, userID); err != nil {
		return ConnectResponse{}, err
	}
	if err = s.requireSecurityLevel(ctx); err != nil {
		return ConnectResponse{}, err
	}

	expiration := req.Expiration
	if expiration.IsZero() && s.config.Consent.DefaultExpiration > 0 {
		expiration = s.clock().Add(s.config.Consent.DefaultExpiration)
	}

	var consent Consent
	if req.Payment != nil {
		consent, err = s.consents.CreatePaymentConsent(ctx, bankID, *req.Payment, expiration)
	} else {
		consent, err = s.consents.CreateAccountConsent(ctx, bankID, req.Permissions, expiration)
	}
	if err != nil {
		err = s.mapError(err)
		return ConnectResponse{}, err
	}

	handle, err := s.flow.Begin(ctx, BeginAuthorization{
		BankID:    bankID,
		UserID:    userID,
		ConsentID: consent.ConsentID,
	})
	if err != nil {
		err = s.mapError(err)
		return ConnectResponse{}, err
	}

	return ConnectResponse{
		AuthorizationURL: handle.AuthorizationURL,
		State:            handle.State,
		ConsentID:        consent.ConsentID,
		SessionID:        handle.SessionID,
		ExpiresAt:        handle.ExpiresAt,
	}, nil
}

// CompleteAuthorization exchanges the code returned by the bank, persists the
// tokens in the vault and marks the consent authorised.
func (s *Service) CompleteAuthorization(ctx context.Context, req CompleteRequest) (err error) {
	startedAt := s.clock()
	fields := map[string]any{
		"consent_id": req.ConsentID,
	}
	defer func() {
		s.observeOperation(ctx, startedAt, "complete_authorization", err, fields)
	}()

	if err = s.requireCollaborators(true, true, true); err != nil {
		return err
	}
	if strings.TrimSpace(req.Code) == "" {
		err = NewError(ErrorKindBadInput, "core: authorization code is required")
		return err
	}
	if strings.TrimSpace(req.ConsentID) == "" && strings.TrimSpace(req.State) == "" {
		err = NewError(ErrorKindBadInput, "core: consent id or state is required")
		return err
	}
	if err = s.requireSecurityLevel(ctx); err != nil {
		return err
	}

	result, err := s.flow.Complete(ctx, CompleteAuthorization{
		State:     strings.TrimSpace(req.State),
		ConsentID: strings.TrimSpace(req.ConsentID),
		Code:      strings.TrimSpace(req.Code),
	})
	if err != nil {
		err = s.mapError(err)
		return err
	}
	fields["bank_id"] = result.BankID
	fields["user_id"] = result.UserID
	fields["consent_id"] = result.ConsentID

	key, err := ConnectionKey(result.BankID, result.UserID)
	if err != nil {
		return err
	}
	unlock := s.credentialLocks.Lock(key)
	defer unlock()

	if err = s.storeCredential(ctx, key, StoredCredential{
		BankID:    result.BankID,
		UserID:    result.UserID,
		ConsentID: result.ConsentID,
		Tokens:    result.Tokens,
		StoredAt:  s.clock(),
	}); err != nil {
		return err
	}
	if s.config.Vault.RequireBiometric {
		if err = s.vault.RequireBiometricGate(ctx, key); err != nil {
			s.discardCredential(ctx, key, result.BankID, "biometric gate")
			err = s.mapError(err)
			return err
		}
	}

	if _, err = s.consents.MarkAuthorised(ctx, result.ConsentID); err != nil {
		s.discardCredential(ctx, key, result.BankID, "consent authorisation")
		err = s.mapError(err)
		return err
	}
	return nil
}

// discardCredential removes a credential stored by a completion that did not
// finish. A failed delete is logged only.
func (s *Service) discardCredential(ctx context.Context, key string, bankID string, stage string) {
	if err := s.vault.Delete(ctx, key); err != nil {
		s.logWarn(ctx, "discarding credential after "+stage+" failure failed", map[string]any{
			"bank_id": bankID,
			"error":   err.Error(),
		})
	}
}

// Disconnect forgets the stored credential for a connection. Remote token and
// consent revocation are best effort; their outcome is reported in the result
// and never prevents local deletion.
func (s *Service) Disconnect(ctx context.Context, bankID string, userID string) (result DisconnectResult, err error) {
	startedAt := s.clock()
	fields := map[string]any{
		"bank_id": bankID,
		"user_id": userID,
	}
	defer func() {
		fields["remote_revoked"] = result.RemoteRevoked
		fields["consent_revoked"] = result.ConsentRevoked
		s.observeOperation(ctx, startedAt, "disconnect", err, fields)
	}()

	result = DisconnectResult{BankID: strings.TrimSpace(bankID), UserID: strings.TrimSpace(userID)}
	if err = s.requireCollaborators(false, false, true); err != nil {
		return result, err
	}
	key, err := ConnectionKey(bankID, userID)
	if err != nil {
		return result, err
	}
	unlock := s.credentialLocks.Lock(key)
	defer unlock()

	stored, found, loadErr := s.loadCredential(ctx, key)
	switch {
	case loadErr != nil:
		result.RemoteRevocationError = loadErr
		s.logWarn(ctx, "stored credential unreadable, skipping remote revocation", map[string]any{
			"bank_id": result.BankID,
			"error":   loadErr.Error(),
		})
	case found:
		s.revokeRemote(ctx, stored, &result)
	}

	if err = s.vault.Delete(ctx, key); err != nil {
		err = s.mapError(err)
		return result, err
	}
	result.CredentialsDeleted = true
	return result, nil
}

func (s *Service) revokeRemote(ctx context.Context, stored StoredCredential, result *DisconnectResult) {
	if s.flow != nil {
		token := stored.Tokens.RefreshToken
		if strings.TrimSpace(token) == "" {
			token = stored.Tokens.AccessToken
		}
		revokeCtx, cancel := s.revokeContext(ctx)
		revokeErr := s.flow.Revoke(revokeCtx, stored.BankID, token)
		cancel()
		if revokeErr != nil {
			result.RemoteRevocationError = revokeErr
			s.logWarn(ctx, "remote token revocation failed", map[string]any{
				"bank_id":    stored.BankID,
				"error":      revokeErr.Error(),
				"error_kind": string(KindOf(revokeErr)),
			})
		} else {
			result.RemoteRevoked = true
		}
	}

	if s.consents != nil && strings.TrimSpace(stored.ConsentID) != "" {
		revokeCtx, cancel := s.revokeContext(ctx)
		consentErr := s.consents.Revoke(revokeCtx, stored.ConsentID)
		cancel()
		if consentErr != nil {
			result.ConsentRevocationError = consentErr
			s.logWarn(ctx, "remote consent revocation failed", map[string]any{
				"bank_id":    stored.BankID,
				"consent_id": stored.ConsentID,
				"error":      consentErr.Error(),
			})
		} else {
			result.ConsentRevoked = true
		}
	}
}

func (s *Service) revokeContext(ctx context.Context) (context.Context, context.CancelFunc) {
	timeout := s.config.Authorization.RevokeTimeout
	if timeout <= 0 {
		timeout = defaultRevokeTimeout
	}
	return context.WithTimeout(ctx, timeout)
}

// AccessToken returns live tokens for a connection, refreshing them first when
// they are expired.
func (s *Service) AccessToken(ctx context.Context, bankID string, userID string) (tokens TokenBundle, err error) {
	startedAt := s.clock()
	fields := map[string]any{
		"bank_id": bankID,
		"user_id": userID,
	}
	defer func() {
		s.observeOperation(ctx, startedAt, "access_token", err, fields)
	}()

	if err = s.requireCollaborators(false, false, true); err != nil {
		return TokenBundle{}, err
	}
	key, err := ConnectionKey(bankID, userID)
	if err != nil {
		return TokenBundle{}, err
	}
	if err = s.requireSecurityLevel(ctx); err != nil {
		return TokenBundle{}, err
	}
	unlock := s.credentialLocks.Lock(key)
	defer unlock()

	stored, found, err := s.loadCredential(ctx, key)
	if err != nil {
		return TokenBundle{}, err
	}
	if !found {
		err = NewError(ErrorKindReauthorizationRequired, "core: no stored credential for connection")
		return TokenBundle{}, err
	}
	if !stored.Tokens.Expired(s.clock(), s.config.Refresh.Skew) {
		return stored.Tokens, nil
	}
	fields["refreshed"] = true
	stored, err = s.refreshCredential(ctx, key, stored)
	if err != nil {
		return TokenBundle{}, err
	}
	return stored.Tokens, nil
}

func (s *Service) refreshStored(ctx context.Context, bankID string, userID string, force bool) (refreshed bool, err error) {
	startedAt := s.clock()
	fields := map[string]any{
		"bank_id": bankID,
		"user_id": userID,
	}
	defer func() {
		fields["refreshed"] = refreshed
		s.observeOperation(ctx, startedAt, "refresh", err, fields)
	}()

	if err = s.requireCollaborators(true, false, true); err != nil {
		return false, err
	}
	key, err := ConnectionKey(bankID, userID)
	if err != nil {
		return false, err
	}
	unlock := s.credentialLocks.Lock(key)
	defer unlock()

	stored, found, err := s.loadCredential(ctx, key)
	if err != nil {
		return false, err
	}
	if !found {
		err = NewError(ErrorKindReauthorizationRequired, "core: no stored credential for connection")
		return false, err
	}
	if !force && !stored.Tokens.Expired(s.clock(), s.config.Refresh.Skew) {
		return false, nil
	}
	if _, err = s.refreshCredential(ctx, key, stored); err != nil {
		return false, err
	}
	return true, nil
}

func (s *Service) refreshCredential(ctx context.Context, key string, stored StoredCredential) (StoredCredential, error) {
	if s.flow == nil {
		return StoredCredential{}, NewError(ErrorKindConfiguration, "core: authorization flow is not configured")
	}
	if !stored.Tokens.Refreshable() {
		return StoredCredential{}, NewError(ErrorKindReauthorizationRequired, "core: stored credential has no refresh token")
	}
	tokens, err := s.flow.Refresh(ctx, stored.BankID, stored.Tokens)
	if err != nil {
		return StoredCredential{}, s.mapError(err)
	}
	if strings.TrimSpace(tokens.RefreshToken) == "" {
		tokens.RefreshToken = stored.Tokens.RefreshToken
	}
	stored.Tokens = tokens
	stored.StoredAt = s.clock()
	if err := s.storeCredential(ctx, key, stored); err != nil {
		return StoredCredential{}, err
	}
	return stored, nil
}

// RequireConsent fails unless consentID is authorised and unexpired for purpose.
func (s *Service) RequireConsent(ctx context.Context, consentID string, purpose ConsentPurpose) (consent Consent, err error) {
	startedAt := s.clock()
	fields := map[string]any{
		"consent_id": consentID,
		"purpose":    string(purpose),
	}
	defer func() {
		s.observeOperation(ctx, startedAt, "require_consent", err, fields)
	}()

	if err = s.requireCollaborators(false, true, false); err != nil {
		return Consent{}, err
	}
	consent, err = s.consents.RequireUsable(ctx, consentID, purpose)
	if err != nil {
		err = s.mapError(err)
		return Consent{}, err
	}
	return consent, nil
}

// ConsentStatus fetches the current consent state from the bank.
func (s *Service) ConsentStatus(ctx context.Context, consentID string) (consent Consent, err error) {
	startedAt := s.clock()
	fields := map[string]any{"consent_id": consentID}
	defer func() {
		if consent.Status != "" {
			fields["status"] = string(consent.Status)
		}
		s.observeOperation(ctx, startedAt, "consent_status", err, fields)
	}()

	if err = s.requireCollaborators(false, true, false); err != nil {
		return Consent{}, err
	}
	consent, err = s.consents.GetStatus(ctx, consentID)
	if err != nil {
		err = s.mapError(err)
		return Consent{}, err
	}
	return consent, nil
}

// ValidateCertificate is the handshake hook for a single certificate. A
// missing trust component never fails open.
func (s *Service) ValidateCertificate(hostname string, der []byte) bool {
	if s == nil || s.trust == nil {
		return false
	}
	return s.trust.ValidateCertificate(hostname, der)
}

func (s *Service) ValidateChain(hostname string, chain [][]byte) bool {
	if s == nil || s.trust == nil {
		return false
	}
	return s.trust.ValidateChain(hostname, chain)
}

func (s *Service) SecurityCompliance(ctx context.Context) (report ComplianceReport, err error) {
	startedAt := s.clock()
	fields := map[string]any{}
	defer func() {
		fields["security_level"] = string(report.SecurityLevel)
		s.observeOperation(ctx, startedAt, "security_compliance", err, fields)
	}()

	if err = s.requireCollaborators(false, false, true); err != nil {
		return ComplianceReport{}, err
	}
	report, err = s.vault.SecurityCompliance(ctx)
	if err != nil {
		err = s.mapError(err)
		return report, err
	}
	return report, nil
}

func (s *Service) requireSecurityLevel(ctx context.Context) error {
	minimum := strings.TrimSpace(s.config.Vault.MinimumSecurityLevel)
	if minimum == "" || s.vault == nil {
		return nil
	}
	report, err := s.vault.SecurityCompliance(ctx)
	if err != nil {
		return s.mapError(err)
	}
	required := ParseSecurityLevel(minimum)
	if !report.SecurityLevel.AtLeast(required) {
		return NewErrorWithMetadata(
			ErrorKindKeystoreUnavailable,
			nil,
			fmt.Sprintf("core: device security level %s is below required %s", report.SecurityLevel, required),
			map[string]any{
				"security_level": string(report.SecurityLevel),
				"required_level": string(required),
			},
		)
	}
	return nil
}

func (s *Service) loadCredential(ctx context.Context, key string) (StoredCredential, bool, error) {
	payload, found, err := s.vault.Retrieve(ctx, key)
	if err != nil {
		return StoredCredential{}, false, s.mapError(err)
	}
	if !found {
		return StoredCredential{}, false, nil
	}
	stored, err := s.tokenCodec.Decode(payload)
	if err != nil {
		return StoredCredential{}, false, WrapError(ErrorKindReauthorizationRequired, err, "core: stored credential is unreadable")
	}
	return stored, true, nil
}

func (s *Service) storeCredential(ctx context.Context, key string, credential StoredCredential) error {
	payload, err := s.tokenCodec.Encode(credential)
	if err != nil {
		return WrapError(ErrorKindInternal, err, "core: encode credential")
	}
	if err := s.vault.Store(ctx, key, payload); err != nil {
		return s.mapError(err)
	}
	return nil
}

func (s *Service) requireCollaborators(flow bool, consents bool, vault bool) error {
	if s == nil {
		return NewError(ErrorKindConfiguration, "core: service is nil")
	}
	if flow && s.flow == nil {
		return NewError(ErrorKindConfiguration, "core: authorization flow is not configured")
	}
	if consents && s.consents == nil {
		return NewError(ErrorKindConfiguration, "core: consent lifecycle is not configured")
	}
	if vault && s.vault == nil {
		return NewError(ErrorKindConfiguration, "core: credential vault is not configured")
	}
	return nil
}

func (s *Service) clock() time.Time {
	if s == nil || s.now == nil {
		return time.Now().UTC()
	}
	return s.now()
}

func (s *Service) mapError(err error) error {
	if err == nil {
		return nil
	}
	if s == nil || s.errorMapper == nil {
		return err
	}
	mapped := s.errorMapper(err)
	if mapped == nil {
		return err
	}
	return mapped
}
