package pinning

import (
	"fmt"
	"strings"

	"github.com/goliatone/go-config/cfgx"
	"github.com/goliatone/go-openbanking/core"
)

type BankPins struct {
	Hosts        []string `koanf:"hosts" mapstructure:"hosts"`
	Fingerprints []string `koanf:"fingerprints" mapstructure:"fingerprints"`
}

type Config struct {
	Strict        bool                `koanf:"strict" mapstructure:"strict"`
	Mode          string              `koanf:"mode" mapstructure:"mode"`
	RequiredBanks []string            `koanf:"required_banks" mapstructure:"required_banks"`
	Banks         map[string]BankPins `koanf:"banks" mapstructure:"banks"`
}

func DefaultConfig() Config {
	return Config{
		Strict: true,
		Mode:   string(PinModeCertificate),
		Banks:  map[string]BankPins{},
	}
}

func (c Config) Validate() error {
	if _, err := ParsePinMode(c.Mode); err != nil {
		return err
	}
	for id, bank := range c.Banks {
		if strings.TrimSpace(id) == "" {
			return fmt.Errorf("pinning: bank id is required")
		}
		if len(bank.Hosts) == 0 {
			return fmt.Errorf("pinning: bank %q has no hosts", id)
		}
		if _, err := normalizeFingerprints(id, bank.Fingerprints); err != nil {
			return err
		}
	}
	return nil
}

// LoadConfig decodes raw pinning settings such as
// {"strict": true, "banks": {"bankA": {"hosts": [...], "fingerprints": [...]}}}.
func LoadConfig(raw map[string]any) (Config, error) {
	if raw == nil {
		raw = map[string]any{}
	}
	cfg, err := cfgx.Build[Config](raw,
		cfgx.WithDefaults(DefaultConfig()),
		cfgx.WithValidator[Config]((*Config).Validate),
	)
	if err != nil {
		return Config{}, core.WrapError(core.ErrorKindConfiguration, err, "pinning: load configuration")
	}
	return cfg, nil
}

// ConfigFromCore derives pinning settings from the bank section of the module
// configuration. Banks without fingerprints stay unpinned.
func ConfigFromCore(cfg core.Config) Config {
	out := DefaultConfig()
	out.Strict = cfg.Pinning.Strict
	out.RequiredBanks = append([]string(nil), cfg.Pinning.RequiredBanks...)
	for id := range cfg.Banks {
		bank, _ := cfg.Bank(id)
		if len(bank.Fingerprints) == 0 {
			continue
		}
		out.Banks[id] = BankPins{
			Hosts:        bank.PinHosts(),
			Fingerprints: append([]string(nil), bank.Fingerprints...),
		}
	}
	return out
}

func (c Config) resolver() StaticResolver {
	resolver := make(StaticResolver, len(c.Banks))
	for id, bank := range c.Banks {
		resolver[strings.TrimSpace(id)] = append([]string(nil), bank.Hosts...)
	}
	return resolver
}

// New builds a trust store and validator from cfg. Configuration is rejected
// as a whole when any bank entry is invalid.
func New(cfg Config, opts ...Option) (*TrustStore, *Validator, error) {
	if err := cfg.Validate(); err != nil {
		return nil, nil, core.WrapError(core.ErrorKindConfiguration, err, err.Error())
	}
	mode, _ := ParsePinMode(cfg.Mode)

	resolver := cfg.resolver()
	store := NewTrustStore(
		WithRequiredBanks(cfg.RequiredBanks...),
		WithHostnameResolver(resolver),
	)
	pins := make(map[string][]string, len(cfg.Banks))
	for id, bank := range cfg.Banks {
		pins[strings.TrimSpace(id)] = append([]string(nil), bank.Fingerprints...)
	}
	if len(pins) > 0 {
		if err := store.ConfigureBulk(pins, resolver); err != nil {
			return nil, nil, err
		}
	}

	validatorOpts := append([]Option{WithPinMode(mode), WithStrict(cfg.Strict)}, opts...)
	return store, NewValidator(store, validatorOpts...), nil
}
