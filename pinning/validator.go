package pinning

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"fmt"
	"strings"
	"sync"
	"time"

	glog "github.com/goliatone/go-logger/glog"
	"github.com/goliatone/go-openbanking/core"
)

type PinMode string

const (
	// PinModeCertificate pins the SHA-256 of the whole DER certificate.
	PinModeCertificate PinMode = "certificate"
	// PinModeSPKI pins the SHA-256 of the SubjectPublicKeyInfo.
	PinModeSPKI PinMode = "spki"
)

func ParsePinMode(raw string) (PinMode, error) {
	switch PinMode(strings.ToLower(strings.TrimSpace(raw))) {
	case "", PinModeCertificate:
		return PinModeCertificate, nil
	case PinModeSPKI:
		return PinModeSPKI, nil
	default:
		return "", core.NewError(core.ErrorKindConfiguration, fmt.Sprintf("pinning: unknown pin mode %q", raw))
	}
}

// Verdict is a cached trust decision for one hostname and fingerprint.
type Verdict struct {
	Hostname    string
	Fingerprint string
	Trusted     bool
	EvaluatedAt time.Time
	pinsVersion uint64
}

// VerdictCache memoizes trust decisions in process memory. Entries are keyed
// by hostname and fingerprint together and are never persisted.
type VerdictCache struct {
	mu      sync.RWMutex
	entries map[string]Verdict
}

func NewVerdictCache() *VerdictCache {
	return &VerdictCache{entries: map[string]Verdict{}}
}

func (c *VerdictCache) Get(hostname string, fingerprint string) (Verdict, bool) {
	if c == nil {
		return Verdict{}, false
	}
	c.mu.RLock()
	defer c.mu.RUnlock()
	verdict, ok := c.entries[verdictKey(hostname, fingerprint)]
	return verdict, ok
}

func (c *VerdictCache) Put(verdict Verdict) {
	if c == nil {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries[verdictKey(verdict.Hostname, verdict.Fingerprint)] = verdict
}

// InvalidateHost drops every verdict recorded for the given hostnames.
func (c *VerdictCache) InvalidateHost(hostnames ...string) {
	if c == nil || len(hostnames) == 0 {
		return
	}
	targets := make(map[string]struct{}, len(hostnames))
	for _, host := range hostnames {
		targets[NormalizeHostname(host)] = struct{}{}
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	for key, verdict := range c.entries {
		if _, ok := targets[verdict.Hostname]; ok {
			delete(c.entries, key)
		}
	}
}

func (c *VerdictCache) Clear() {
	if c == nil {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries = map[string]Verdict{}
}

func (c *VerdictCache) Len() int {
	if c == nil {
		return 0
	}
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.entries)
}

func verdictKey(hostname string, fingerprint string) string {
	return hostname + "|" + fingerprint
}

// Validator decides whether certificates presented by a host match its pins.
// Every failure, including unparseable input, is reported as untrusted.
type Validator struct {
	store   *TrustStore
	cache   *VerdictCache
	mode    PinMode
	strict  bool
	metrics core.MetricsRecorder
	logger  core.Logger
	now     func() time.Time
}

type Option func(*Validator)

func WithPinMode(mode PinMode) Option {
	return func(v *Validator) {
		v.mode = mode
	}
}

// WithStrict toggles strict mode. Non-strict validators let unpinned hosts
// through and exist for development against sandboxes only.
func WithStrict(strict bool) Option {
	return func(v *Validator) {
		v.strict = strict
	}
}

func WithVerdictCache(cache *VerdictCache) Option {
	return func(v *Validator) {
		v.cache = cache
	}
}

func WithMetricsRecorder(recorder core.MetricsRecorder) Option {
	return func(v *Validator) {
		v.metrics = recorder
	}
}

func WithLogger(logger core.Logger) Option {
	return func(v *Validator) {
		v.logger = logger
	}
}

func WithClock(now func() time.Time) Option {
	return func(v *Validator) {
		v.now = now
	}
}

func NewValidator(store *TrustStore, opts ...Option) *Validator {
	if store == nil {
		store = NewTrustStore()
	}
	validator := &Validator{
		store:   store,
		cache:   NewVerdictCache(),
		mode:    PinModeCertificate,
		strict:  true,
		metrics: core.NopMetricsRecorder{},
		logger:  glog.Nop(),
		now:     func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		if opt != nil {
			opt(validator)
		}
	}
	validator.logger = glog.Ensure(validator.logger)
	store.OnChange(func(hosts []string) { validator.cache.InvalidateHost(hosts...) })
	return validator
}

func (v *Validator) Store() *TrustStore {
	if v == nil {
		return nil
	}
	return v.store
}

func (v *Validator) Cache() *VerdictCache {
	if v == nil {
		return nil
	}
	return v.cache
}

// Fingerprint computes the pin of der in the validator's pin mode.
func (v *Validator) Fingerprint(der []byte) string {
	if v != nil && v.mode == PinModeSPKI {
		return SPKIFingerprint(der)
	}
	return Fingerprint(der)
}

// Validate checks der against an explicit pin set without touching the
// verdict cache. Malformed pins never match.
func (v *Validator) Validate(hostname string, der []byte, pins []string) bool {
	if NormalizeHostname(hostname) == "" || len(pins) == 0 {
		return false
	}
	fingerprint := v.Fingerprint(der)
	if fingerprint == "" {
		return false
	}
	for _, pin := range pins {
		normalized, err := NormalizeFingerprint(pin)
		if err != nil {
			continue
		}
		if normalized == fingerprint {
			return true
		}
	}
	return false
}

// ValidateCertificate checks der against the trust store's pins for hostname.
func (v *Validator) ValidateCertificate(hostname string, der []byte) bool {
	if v == nil {
		return false
	}
	host := NormalizeHostname(hostname)
	if host == "" {
		v.record(host, "untrusted", "none")
		return false
	}
	pins, pinned := v.store.lookup(host)
	if !pinned {
		if v.strict {
			v.record(host, "unpinned", "none")
			return false
		}
		v.logger.Warn("pinning disabled for unpinned host", "hostname", host)
		v.record(host, "unpinned_allowed", "none")
		return true
	}

	fingerprint := v.Fingerprint(der)
	if fingerprint == "" {
		v.record(host, "untrusted", "none")
		return false
	}
	if cached, ok := v.cache.Get(host, fingerprint); ok && cached.pinsVersion == pins.version {
		v.record(host, resultLabel(cached.Trusted), "hit")
		return cached.Trusted
	}

	trusted := pins.contains(fingerprint)
	v.cache.Put(Verdict{
		Hostname:    host,
		Fingerprint: fingerprint,
		Trusted:     trusted,
		EvaluatedAt: v.now(),
		pinsVersion: pins.version,
	})
	v.record(host, resultLabel(trusted), "miss")
	return trusted
}

// ValidateChain trusts the chain when any certificate in it is pinned for
// hostname. An empty chain is never trusted.
func (v *Validator) ValidateChain(hostname string, chain [][]byte) bool {
	if v == nil || len(chain) == 0 {
		return false
	}
	if !v.strict && !v.store.IsPinned(hostname) {
		return v.ValidateCertificate(hostname, chain[0])
	}
	for _, der := range chain {
		if v.ValidateCertificate(hostname, der) {
			return true
		}
	}
	return false
}

// VerifyPeerCertificate returns a crypto/tls hook pinning connections to
// hostname.
func (v *Validator) VerifyPeerCertificate(hostname string) func(rawCerts [][]byte, verifiedChains [][]*x509.Certificate) error {
	return func(rawCerts [][]byte, _ [][]*x509.Certificate) error {
		if v.ValidateChain(hostname, rawCerts) {
			return nil
		}
		return v.mismatch(hostname, rawCerts)
	}
}

// VerifyConnection is a tls.Config.VerifyConnection hook that pins against
// the negotiated server name.
func (v *Validator) VerifyConnection(state tls.ConnectionState) error {
	chain := make([][]byte, 0, len(state.PeerCertificates))
	for _, cert := range state.PeerCertificates {
		if cert != nil {
			chain = append(chain, cert.Raw)
		}
	}
	if v.ValidateChain(state.ServerName, chain) {
		return nil
	}
	return v.mismatch(state.ServerName, chain)
}

// TLSConfig clones base and installs the pinning hook.
func (v *Validator) TLSConfig(base *tls.Config) *tls.Config {
	var cfg *tls.Config
	if base != nil {
		cfg = base.Clone()
	} else {
		cfg = &tls.Config{}
	}
	if cfg.MinVersion < tls.VersionTLS12 {
		cfg.MinVersion = tls.VersionTLS12
	}
	cfg.VerifyConnection = v.VerifyConnection
	return cfg
}

func (v *Validator) mismatch(hostname string, chain [][]byte) error {
	host := NormalizeHostname(hostname)
	fingerprints := make([]string, 0, len(chain))
	for _, der := range chain {
		if fp := v.Fingerprint(der); fp != "" {
			fingerprints = append(fingerprints, fp)
		}
	}
	if v != nil {
		v.logger.Error("certificate pin mismatch", "hostname", host, "presented", fingerprints)
	}
	return core.NewErrorWithMetadata(
		core.ErrorKindCertificateMismatch,
		nil,
		fmt.Sprintf("pinning: certificate for %q is not pinned", host),
		map[string]any{"hostname": host, "presented": fingerprints},
	)
}

func (v *Validator) record(hostname string, result string, cache string) {
	if v == nil || v.metrics == nil {
		return
	}
	v.metrics.IncCounter(context.Background(), "pinning.validate.total", 1, map[string]string{
		"hostname": hostname,
		"result":   result,
		"cache":    cache,
	})
}

func resultLabel(trusted bool) string {
	if trusted {
		return "trusted"
	}
	return "untrusted"
}

var _ core.CertificateTrust = (*Validator)(nil)
