package core

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/goliatone/go-config/cfgx"
	glog "github.com/goliatone/go-logger/glog"
	opts "github.com/goliatone/go-options"
)

type ErrorMapper func(err error) error

type ConfigProvider interface {
	Load(ctx context.Context, defaults Config) (Config, error)
}

type RawConfigLoader interface {
	LoadRaw(ctx context.Context) (map[string]any, error)
}

type OptionsResolver interface {
	Resolve(defaults Config, loaded Config, runtime Config) (Config, error)
}

type serviceBuilder struct {
	runtimeConfig    Config
	logger           Logger
	loggerProvider   LoggerProvider
	metricsRecorder  MetricsRecorder
	errorMapper      ErrorMapper
	configProvider   ConfigProvider
	optionsResolver  OptionsResolver
	trust            CertificateTrust
	vault            CredentialVault
	flow             AuthorizationFlow
	consents         ConsentLifecycle
	tokenCodec       TokenCodec
	connectionLocker ConnectionLocker
	refreshScheduler RefreshBackoffScheduler
	now              func() time.Time
}

type Option func(*serviceBuilder)

func WithLogger(logger Logger) Option {
	return func(b *serviceBuilder) {
		b.logger = logger
	}
}

func WithLoggerProvider(provider LoggerProvider) Option {
	return func(b *serviceBuilder) {
		b.loggerProvider = provider
	}
}

func WithMetricsRecorder(recorder MetricsRecorder) Option {
	return func(b *serviceBuilder) {
		b.metricsRecorder = recorder
	}
}

func WithErrorMapper(mapper ErrorMapper) Option {
	return func(b *serviceBuilder) {
		b.errorMapper = mapper
	}
}

func WithConfigProvider(provider ConfigProvider) Option {
	return func(b *serviceBuilder) {
		b.configProvider = provider
	}
}

func WithOptionsResolver(resolver OptionsResolver) Option {
	return func(b *serviceBuilder) {
		b.optionsResolver = resolver
	}
}

func WithCertificateTrust(trust CertificateTrust) Option {
	return func(b *serviceBuilder) {
		b.trust = trust
	}
}

func WithCredentialVault(vault CredentialVault) Option {
	return func(b *serviceBuilder) {
		b.vault = vault
	}
}

func WithAuthorizationFlow(flow AuthorizationFlow) Option {
	return func(b *serviceBuilder) {
		b.flow = flow
	}
}

func WithConsentLifecycle(consents ConsentLifecycle) Option {
	return func(b *serviceBuilder) {
		b.consents = consents
	}
}

func WithTokenCodec(codec TokenCodec) Option {
	return func(b *serviceBuilder) {
		b.tokenCodec = codec
	}
}

func WithConnectionLocker(locker ConnectionLocker) Option {
	return func(b *serviceBuilder) {
		b.connectionLocker = locker
	}
}

func WithRefreshBackoffScheduler(scheduler RefreshBackoffScheduler) Option {
	return func(b *serviceBuilder) {
		b.refreshScheduler = scheduler
	}
}

func WithClock(now func() time.Time) Option {
	return func(b *serviceBuilder) {
		b.now = now
	}
}

func defaultServiceBuilder(runtime Config) serviceBuilder {
	loggerProvider, logger := glog.Resolve("openbanking", nil, nil)
	return serviceBuilder{
		runtimeConfig:   runtime,
		loggerProvider:  loggerProvider,
		logger:          logger,
		metricsRecorder: NopMetricsRecorder{},
		errorMapper:     defaultErrorMapper,
		configProvider:  NewCfgxConfigProvider(nil),
		optionsResolver: GoOptionsResolver{},
		tokenCodec:      JSONTokenCodec{},
		now:             func() time.Time { return time.Now().UTC() },
	}
}

type staticRawConfigLoader struct {
	Values map[string]any
}

func (l staticRawConfigLoader) LoadRaw(context.Context) (map[string]any, error) {
	if len(l.Values) == 0 {
		return map[string]any{}, nil
	}
	out := make(map[string]any, len(l.Values))
	for key, value := range l.Values {
		out[key] = value
	}
	return out, nil
}

// NewStaticConfigLoader serves a fixed raw map, typically decoded from a file.
func NewStaticConfigLoader(values map[string]any) RawConfigLoader {
	return staticRawConfigLoader{Values: values}
}

type CfgxConfigProvider struct {
	Loader RawConfigLoader
}

func NewCfgxConfigProvider(loader RawConfigLoader) *CfgxConfigProvider {
	return &CfgxConfigProvider{Loader: loader}
}

func (p *CfgxConfigProvider) Load(ctx context.Context, defaults Config) (Config, error) {
	if p == nil {
		return defaults, nil
	}
	loader := p.Loader
	if loader == nil {
		loader = staticRawConfigLoader{}
	}
	raw, err := loader.LoadRaw(ctx)
	if err != nil {
		return Config{}, err
	}
	cfg, err := cfgx.Build[Config](raw,
		cfgx.WithDefaults(defaults),
		cfgx.WithValidator[Config]((*Config).Validate),
	)
	if err != nil {
		return Config{}, err
	}
	return cfg, nil
}

type GoOptionsResolver struct{}

func (GoOptionsResolver) Resolve(defaults Config, loaded Config, runtime Config) (Config, error) {
	defaultLayer := configToLayerMap(defaults, true)
	loadedLayer := configToLayerMap(loaded, false)
	runtimeLayer := configToLayerMap(runtime, false)

	stack, err := opts.NewStack(
		opts.NewLayer(
			opts.NewScope("defaults", 0),
			defaultLayer,
			opts.WithSnapshotID[map[string]any]("defaults"),
		),
		opts.NewLayer(
			opts.NewScope("config", 10),
			loadedLayer,
			opts.WithSnapshotID[map[string]any]("config"),
		),
		opts.NewLayer(
			opts.NewScope("runtime", 20),
			runtimeLayer,
			opts.WithSnapshotID[map[string]any]("runtime"),
		),
	)
	if err != nil {
		return Config{}, fmt.Errorf("core: options stack build failed: %w", err)
	}
	merged, err := stack.Merge()
	if err != nil {
		return Config{}, fmt.Errorf("core: options merge failed: %w", err)
	}
	resolved, err := cfgx.Build[Config](merged.Value,
		cfgx.WithDefaults(defaults),
		cfgx.WithValidator[Config]((*Config).Validate),
	)
	if err != nil {
		return Config{}, err
	}
	if err := resolved.Validate(); err != nil {
		return Config{}, err
	}
	return resolved, nil
}

func configToLayerMap(cfg Config, includeZero bool) map[string]any {
	layer := map[string]any{}
	if includeZero || strings.TrimSpace(cfg.ServiceName) != "" {
		layer["service_name"] = cfg.ServiceName
	}
	if includeZero || len(cfg.Banks) > 0 {
		banks := make(map[string]any, len(cfg.Banks))
		for id, bank := range cfg.Banks {
			banks[id] = bankToLayerMap(id, bank)
		}
		layer["banks"] = banks
	}

	pinning := map[string]any{}
	if includeZero || cfg.Pinning.Strict {
		pinning["strict"] = cfg.Pinning.Strict
	}
	if includeZero || len(cfg.Pinning.RequiredBanks) > 0 {
		pinning["required_banks"] = append([]string(nil), cfg.Pinning.RequiredBanks...)
	}
	putSection(layer, "pinning", pinning)

	authorization := map[string]any{}
	putDuration(authorization, "session_ttl", cfg.Authorization.SessionTTL, includeZero)
	putDuration(authorization, "request_timeout", cfg.Authorization.RequestTimeout, includeZero)
	putDuration(authorization, "revoke_timeout", cfg.Authorization.RevokeTimeout, includeZero)
	putSection(layer, "authorization", authorization)

	consent := map[string]any{}
	putDuration(consent, "status_cache_ttl", cfg.Consent.StatusCacheTTL, includeZero)
	putDuration(consent, "default_expiration", cfg.Consent.DefaultExpiration, includeZero)
	putSection(layer, "consent", consent)

	vault := map[string]any{}
	if includeZero || strings.TrimSpace(cfg.Vault.MinimumSecurityLevel) != "" {
		vault["minimum_security_level"] = cfg.Vault.MinimumSecurityLevel
	}
	if includeZero || cfg.Vault.RequireBiometric {
		vault["require_biometric"] = cfg.Vault.RequireBiometric
	}
	putSection(layer, "vault", vault)

	refresh := map[string]any{}
	putDuration(refresh, "skew", cfg.Refresh.Skew, includeZero)
	putDuration(refresh, "initial_backoff", cfg.Refresh.InitialBackoff, includeZero)
	putDuration(refresh, "max_backoff", cfg.Refresh.MaxBackoff, includeZero)
	if includeZero || cfg.Refresh.MaxAttempts > 0 {
		refresh["max_attempts"] = cfg.Refresh.MaxAttempts
	}
	putSection(layer, "refresh", refresh)
	return layer
}

func bankToLayerMap(id string, bank BankConfig) map[string]any {
	if strings.TrimSpace(bank.ID) == "" {
		bank.ID = id
	}
	return map[string]any{
		"id":                bank.ID,
		"name":              bank.Name,
		"client_id":         bank.ClientID,
		"client_secret":     bank.ClientSecret,
		"redirect_uri":      bank.RedirectURI,
		"scope":             bank.Scope,
		"par_url":           bank.ParURL,
		"authorization_url": bank.AuthorizationURL,
		"token_url":         bank.TokenURL,
		"revocation_url":    bank.RevocationURL,
		"api_base_url":      bank.APIBaseURL,
		"financial_id":      bank.FinancialID,
		"hosts":             append([]string(nil), bank.Hosts...),
		"fingerprints":      append([]string(nil), bank.Fingerprints...),
	}
}

func putDuration(section map[string]any, key string, value time.Duration, includeZero bool) {
	if includeZero || value > 0 {
		section[key] = value
	}
}

func putSection(layer map[string]any, key string, section map[string]any) {
	if len(section) == 0 {
		return
	}
	layer[key] = section
}
