package openbanking

import (
	"context"
	"crypto/tls"
	"time"

	"github.com/goliatone/go-openbanking/adapters/gologger"
	"github.com/goliatone/go-openbanking/authorization"
	"github.com/goliatone/go-openbanking/consent"
	"github.com/goliatone/go-openbanking/core"
	"github.com/goliatone/go-openbanking/pinning"
	"github.com/goliatone/go-openbanking/ratelimit"
	"github.com/goliatone/go-openbanking/security"
	"github.com/goliatone/go-openbanking/transport"
)

// Runtime is the default composition of the trust, authorization, consent and
// vault components behind one Service.
type Runtime struct {
	config       Config
	service      *Service
	facade       *Facade
	trustStore   *pinning.TrustStore
	validator    *pinning.Validator
	vault        *security.Vault
	orchestrator *authorization.Orchestrator
	consents     *consent.Manager
	transport    *transport.Client
	banks        *core.BankRegistry
	bundles      map[string]any
}

type RuntimeOption func(*runtimeOptions)

type runtimeOptions struct {
	logger         core.Logger
	loggerProvider core.LoggerProvider
	metrics        core.MetricsRecorder
	tlsConfig      *tls.Config
	requestTimeout time.Duration
	secureStore    security.SecureStore
	keyProvider    security.KeyProvider
	consentStore   consent.Store
	sessionStore   authorization.SessionStore
	rateLimitStore ratelimit.StateStore
	posture        security.DevicePosture
	authenticator  security.Authenticator
	hooks          *ExtensionHooks
	serviceOptions []Option
	now            func() time.Time
}

func WithRuntimeLogger(logger core.Logger) RuntimeOption {
	return func(o *runtimeOptions) { o.logger = logger }
}

func WithRuntimeLoggerProvider(provider core.LoggerProvider) RuntimeOption {
	return func(o *runtimeOptions) { o.loggerProvider = provider }
}

func WithRuntimeMetricsRecorder(recorder core.MetricsRecorder) RuntimeOption {
	return func(o *runtimeOptions) { o.metrics = recorder }
}

// WithTLSConfig sets the base TLS configuration for bank connections. Pin
// verification is layered on top of it.
func WithTLSConfig(cfg *tls.Config) RuntimeOption {
	return func(o *runtimeOptions) { o.tlsConfig = cfg }
}

func WithTransportTimeout(timeout time.Duration) RuntimeOption {
	return func(o *runtimeOptions) { o.requestTimeout = timeout }
}

func WithSecureStore(store security.SecureStore) RuntimeOption {
	return func(o *runtimeOptions) { o.secureStore = store }
}

func WithKeyProvider(provider security.KeyProvider) RuntimeOption {
	return func(o *runtimeOptions) { o.keyProvider = provider }
}

func WithConsentStore(store consent.Store) RuntimeOption {
	return func(o *runtimeOptions) { o.consentStore = store }
}

func WithSessionStore(store authorization.SessionStore) RuntimeOption {
	return func(o *runtimeOptions) { o.sessionStore = store }
}

func WithRateLimitStore(store ratelimit.StateStore) RuntimeOption {
	return func(o *runtimeOptions) { o.rateLimitStore = store }
}

func WithDevicePosture(posture security.DevicePosture) RuntimeOption {
	return func(o *runtimeOptions) { o.posture = posture }
}

func WithAuthenticator(authenticator security.Authenticator) RuntimeOption {
	return func(o *runtimeOptions) { o.authenticator = authenticator }
}

func WithExtensionHooks(hooks *ExtensionHooks) RuntimeOption {
	return func(o *runtimeOptions) { o.hooks = hooks }
}

// WithServiceOptions forwards options to the core service after the runtime
// collaborators, so callers can replace any of them.
func WithServiceOptions(opts ...Option) RuntimeOption {
	return func(o *runtimeOptions) { o.serviceOptions = append(o.serviceOptions, opts...) }
}

func WithRuntimeClock(now func() time.Time) RuntimeOption {
	return func(o *runtimeOptions) { o.now = now }
}

// NewRuntime validates cfg, merges registered bank packs and wires every
// component. Any configuration problem aborts construction.
func NewRuntime(ctx context.Context, cfg Config, opts ...RuntimeOption) (*Runtime, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	options := runtimeOptions{}
	for _, opt := range opts {
		if opt != nil {
			opt(&options)
		}
	}
	if options.metrics == nil {
		options.metrics = core.NopMetricsRecorder{}
	}
	if options.now == nil {
		options.now = func() time.Time { return time.Now().UTC() }
	}

	cfg, err := options.hooks.ApplyBankPacks(cfg)
	if err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, core.WrapError(core.ErrorKindConfiguration, err, err.Error())
	}
	logFor := func(component string) core.Logger {
		return gologger.ForComponent(component, options.loggerProvider, options.logger)
	}

	trustStore, validator, err := pinning.New(
		pinning.ConfigFromCore(cfg),
		pinning.WithMetricsRecorder(options.metrics),
		pinning.WithLogger(logFor(gologger.ComponentPinning)),
		pinning.WithClock(options.now),
	)
	if err != nil {
		return nil, err
	}

	timeout := options.requestTimeout
	if timeout <= 0 {
		timeout = cfg.Authorization.RequestTimeout
	}
	httpClient, err := transport.NewPinnedHTTPClient(validator, transport.PinnedClientConfig{
		Timeout: timeout,
		TLS:     options.tlsConfig,
	})
	if err != nil {
		return nil, err
	}
	rateLimitStore := options.rateLimitStore
	if rateLimitStore == nil {
		rateLimitStore = ratelimit.NewMemoryStateStore()
	}
	throttle := ratelimit.NewAdaptivePolicy(rateLimitStore)
	throttle.Now = options.now
	client := transport.NewClient(
		httpClient,
		transport.WithThrottle(throttle),
		transport.WithRequestTimeout(timeout),
		transport.WithMetricsRecorder(options.metrics),
		transport.WithLogger(logFor(gologger.ComponentTransport)),
		transport.WithClock(options.now),
	)

	banks := core.NewBankRegistry(cfg.Banks)

	authOpts := []authorization.Option{
		authorization.WithConfig(cfg.Authorization),
		authorization.WithMetricsRecorder(options.metrics),
		authorization.WithLogger(logFor(gologger.ComponentAuth)),
		authorization.WithClock(options.now),
	}
	if options.sessionStore != nil {
		authOpts = append(authOpts, authorization.WithSessionStore(options.sessionStore))
	}
	orchestrator, err := authorization.NewOrchestrator(banks, client, authOpts...)
	if err != nil {
		return nil, err
	}

	remote, err := consent.NewClient(client, nil, consent.WithClientTimeout(timeout))
	if err != nil {
		return nil, err
	}
	consentOpts := []consent.Option{
		consent.WithConfig(cfg.Consent),
		consent.WithMetricsRecorder(options.metrics),
		consent.WithLogger(logFor(gologger.ComponentConsent)),
		consent.WithClock(options.now),
	}
	if options.consentStore != nil {
		consentOpts = append(consentOpts, consent.WithStore(options.consentStore))
	}
	consents, err := consent.NewManager(banks, remote, consentOpts...)
	if err != nil {
		return nil, err
	}

	vault, err := newRuntimeVault(ctx, cfg, options, logFor(gologger.ComponentVault))
	if err != nil {
		return nil, err
	}

	serviceOpts := []Option{
		core.WithLogger(logFor(gologger.ComponentService)),
		core.WithMetricsRecorder(options.metrics),
		core.WithCertificateTrust(validator),
		core.WithCredentialVault(vault),
		core.WithAuthorizationFlow(orchestrator),
		core.WithConsentLifecycle(consents),
		core.WithClock(options.now),
	}
	if options.loggerProvider != nil {
		serviceOpts = append(serviceOpts, core.WithLoggerProvider(options.loggerProvider))
	}
	serviceOpts = append(serviceOpts, options.serviceOptions...)
	service, err := core.NewService(cfg, serviceOpts...)
	if err != nil {
		return nil, err
	}

	facade, err := NewFacade(service)
	if err != nil {
		return nil, err
	}
	bundles, err := options.hooks.BuildCommandQueryBundles(facade)
	if err != nil {
		return nil, err
	}

	return &Runtime{
		config:       cfg,
		service:      service,
		facade:       facade,
		trustStore:   trustStore,
		validator:    validator,
		vault:        vault,
		orchestrator: orchestrator,
		consents:     consents,
		transport:    client,
		banks:        banks,
		bundles:      bundles,
	}, nil
}

func newRuntimeVault(ctx context.Context, cfg Config, options runtimeOptions, logger core.Logger) (*security.Vault, error) {
	store := options.secureStore
	if store == nil {
		store = security.NewMemoryStore()
	}
	provider := options.keyProvider
	if provider == nil {
		generated, err := security.NewGeneratedKeyProvider()
		if err != nil {
			return nil, err
		}
		provider = generated
	}
	vaultOpts := []security.VaultOption{
		security.WithVaultMetricsRecorder(options.metrics),
		security.WithVaultLogger(logger),
		security.WithVaultClock(options.now),
	}
	if level := core.ParseSecurityLevel(cfg.Vault.MinimumSecurityLevel); level != core.SecurityLevelUnknown {
		vaultOpts = append(vaultOpts, security.WithMinimumSecurityLevel(level))
	}
	if options.posture != nil {
		vaultOpts = append(vaultOpts, security.WithDevicePosture(options.posture))
	}
	if options.authenticator != nil {
		vaultOpts = append(vaultOpts, security.WithAuthenticator(options.authenticator))
	}
	return security.NewVault(ctx, store, provider, vaultOpts...)
}

func (r *Runtime) Config() Config { return r.config }
func (r *Runtime) Service() *Service { return r.service }
func (r *Runtime) Facade() *Facade { return r.facade }
func (r *Runtime) TrustStore() *pinning.TrustStore { return r.trustStore }
func (r *Runtime) Validator() *pinning.Validator { return r.validator }
func (r *Runtime) Vault() *security.Vault { return r.vault }
func (r *Runtime) Orchestrator() *authorization.Orchestrator { return r.orchestrator }
func (r *Runtime) Consents() *consent.Manager { return r.consents }
func (r *Runtime) Transport() *transport.Client { return r.transport }
func (r *Runtime) Banks() *core.BankRegistry { return r.banks }

// Bundle returns a command/query bundle built from the extension hooks.
func (r *Runtime) Bundle(name string) (any, bool) {
	bundle, ok := r.bundles[name]
	return bundle, ok
}
