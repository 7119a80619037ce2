package core

import (
	"fmt"
	"net/url"
	"strings"
	"time"
)

const (
	defaultSessionTTL        = 10 * time.Minute
	defaultRequestTimeout    = 15 * time.Second
	defaultRevokeTimeout     = 5 * time.Second
	defaultStatusCacheTTL    = time.Minute
	defaultConsentExpiration = 90 * 24 * time.Hour
	defaultRefreshSkew       = 30 * time.Second
)

type BankConfig struct {
	ID               string   `koanf:"id" mapstructure:"id"`
	Name             string   `koanf:"name" mapstructure:"name"`
	ClientID         string   `koanf:"client_id" mapstructure:"client_id"`
	ClientSecret     string   `koanf:"client_secret" mapstructure:"client_secret"`
	RedirectURI      string   `koanf:"redirect_uri" mapstructure:"redirect_uri"`
	Scope            string   `koanf:"scope" mapstructure:"scope"`
	ParURL           string   `koanf:"par_url" mapstructure:"par_url"`
	AuthorizationURL string   `koanf:"authorization_url" mapstructure:"authorization_url"`
	TokenURL         string   `koanf:"token_url" mapstructure:"token_url"`
	RevocationURL    string   `koanf:"revocation_url" mapstructure:"revocation_url"`
	APIBaseURL       string   `koanf:"api_base_url" mapstructure:"api_base_url"`
	FinancialID      string   `koanf:"financial_id" mapstructure:"financial_id"`
	Hosts            []string `koanf:"hosts" mapstructure:"hosts"`
	Fingerprints     []string `koanf:"fingerprints" mapstructure:"fingerprints"`
}

func (b BankConfig) Validate() error {
	if strings.TrimSpace(b.ClientID) == "" {
		return fmt.Errorf("core: bank %q client_id is required", b.ID)
	}
	for name, raw := range map[string]string{
		"par_url":           b.ParURL,
		"authorization_url": b.AuthorizationURL,
		"token_url":         b.TokenURL,
	} {
		if strings.TrimSpace(raw) == "" {
			return fmt.Errorf("core: bank %q %s is required", b.ID, name)
		}
		if _, err := url.ParseRequestURI(strings.TrimSpace(raw)); err != nil {
			return fmt.Errorf("core: bank %q %s is invalid: %w", b.ID, name, err)
		}
	}
	return nil
}

// PinHosts returns the hostnames pins should be installed for. When no
// explicit hosts are configured the endpoint hosts are used.
func (b BankConfig) PinHosts() []string {
	if len(b.Hosts) > 0 {
		return append([]string(nil), b.Hosts...)
	}
	seen := map[string]struct{}{}
	hosts := []string{}
	for _, raw := range []string{b.ParURL, b.AuthorizationURL, b.TokenURL, b.RevocationURL, b.APIBaseURL} {
		parsed, err := url.Parse(strings.TrimSpace(raw))
		if err != nil || parsed.Hostname() == "" {
			continue
		}
		host := strings.ToLower(parsed.Hostname())
		if _, ok := seen[host]; ok {
			continue
		}
		seen[host] = struct{}{}
		hosts = append(hosts, host)
	}
	return hosts
}

type PinningConfig struct {
	Strict        bool     `koanf:"strict" mapstructure:"strict"`
	RequiredBanks []string `koanf:"required_banks" mapstructure:"required_banks"`
}

type AuthorizationConfig struct {
	SessionTTL     time.Duration `koanf:"session_ttl" mapstructure:"session_ttl"`
	RequestTimeout time.Duration `koanf:"request_timeout" mapstructure:"request_timeout"`
	RevokeTimeout  time.Duration `koanf:"revoke_timeout" mapstructure:"revoke_timeout"`
}

type ConsentConfig struct {
	StatusCacheTTL    time.Duration `koanf:"status_cache_ttl" mapstructure:"status_cache_ttl"`
	DefaultExpiration time.Duration `koanf:"default_expiration" mapstructure:"default_expiration"`
}

type VaultConfig struct {
	MinimumSecurityLevel string `koanf:"minimum_security_level" mapstructure:"minimum_security_level"`
	RequireBiometric     bool   `koanf:"require_biometric" mapstructure:"require_biometric"`
}

type RefreshConfig struct {
	Skew           time.Duration `koanf:"skew" mapstructure:"skew"`
	MaxAttempts    int           `koanf:"max_attempts" mapstructure:"max_attempts"`
	InitialBackoff time.Duration `koanf:"initial_backoff" mapstructure:"initial_backoff"`
	MaxBackoff     time.Duration `koanf:"max_backoff" mapstructure:"max_backoff"`
}

type Config struct {
	ServiceName   string                `koanf:"service_name" mapstructure:"service_name"`
	Banks         map[string]BankConfig `koanf:"banks" mapstructure:"banks"`
	Pinning       PinningConfig         `koanf:"pinning" mapstructure:"pinning"`
	Authorization AuthorizationConfig   `koanf:"authorization" mapstructure:"authorization"`
	Consent       ConsentConfig         `koanf:"consent" mapstructure:"consent"`
	Vault         VaultConfig           `koanf:"vault" mapstructure:"vault"`
	Refresh       RefreshConfig         `koanf:"refresh" mapstructure:"refresh"`
}

func DefaultConfig() Config {
	return Config{
		ServiceName: "openbanking",
		Banks:       map[string]BankConfig{},
		Pinning: PinningConfig{
			Strict: true,
		},
		Authorization: AuthorizationConfig{
			SessionTTL:     defaultSessionTTL,
			RequestTimeout: defaultRequestTimeout,
			RevokeTimeout:  defaultRevokeTimeout,
		},
		Consent: ConsentConfig{
			StatusCacheTTL:    defaultStatusCacheTTL,
			DefaultExpiration: defaultConsentExpiration,
		},
		Refresh: RefreshConfig{
			Skew:           defaultRefreshSkew,
			MaxAttempts:    defaultRefreshMaxAttempts,
			InitialBackoff: defaultRefreshInitialBackoff,
			MaxBackoff:     defaultRefreshMaxBackoff,
		},
	}
}

func (c Config) Validate() error {
	if strings.TrimSpace(c.ServiceName) == "" {
		return fmt.Errorf("core: service_name is required")
	}
	for id, bank := range c.Banks {
		if strings.TrimSpace(id) == "" {
			return fmt.Errorf("core: bank id is required")
		}
		if bank.ID == "" {
			bank.ID = id
		}
		if err := bank.Validate(); err != nil {
			return err
		}
	}
	for _, required := range c.Pinning.RequiredBanks {
		if _, ok := c.Banks[strings.TrimSpace(required)]; !ok {
			return fmt.Errorf("core: required bank %q is not configured", required)
		}
	}
	if c.Authorization.SessionTTL < 0 || c.Authorization.RequestTimeout < 0 || c.Authorization.RevokeTimeout < 0 {
		return fmt.Errorf("core: authorization timeouts must not be negative")
	}
	if c.Consent.StatusCacheTTL < 0 {
		return fmt.Errorf("core: consent status_cache_ttl must not be negative")
	}
	if level := strings.TrimSpace(c.Vault.MinimumSecurityLevel); level != "" {
		if ParseSecurityLevel(level) == SecurityLevelUnknown {
			return fmt.Errorf("core: vault minimum_security_level %q is invalid", level)
		}
	}
	return nil
}

// Bank returns the configuration for id with its ID field populated.
func (c Config) Bank(id string) (BankConfig, bool) {
	id = strings.TrimSpace(id)
	bank, ok := c.Banks[id]
	if !ok {
		return BankConfig{}, false
	}
	if bank.ID == "" {
		bank.ID = id
	}
	return bank, true
}
