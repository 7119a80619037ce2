package openbanking

import (
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/goliatone/go-openbanking/core"
)

// BankPack bundles the endpoint configuration for a group of banks, usually
// shipped by a downstream module for one market.
type BankPack struct {
	Name  string
	Banks []BankConfig
}

type CommandQueryBundleFactory func(facade *Facade) (any, error)

type ExtensionHooks struct {
	mu sync.RWMutex

	bankPacks map[string]BankPack
	bundles   map[string]CommandQueryBundleFactory
}

func NewExtensionHooks() *ExtensionHooks {
	return &ExtensionHooks{
		bankPacks: map[string]BankPack{},
		bundles:   map[string]CommandQueryBundleFactory{},
	}
}

func (h *ExtensionHooks) RegisterBankPack(pack BankPack) error {
	if h == nil {
		return fmt.Errorf("openbanking: extension hooks are nil")
	}
	name := strings.TrimSpace(pack.Name)
	if name == "" {
		return fmt.Errorf("openbanking: bank pack name is required")
	}
	if len(pack.Banks) == 0 {
		return fmt.Errorf("openbanking: bank pack %q has no banks", name)
	}

	normalized := BankPack{Name: name, Banks: make([]BankConfig, 0, len(pack.Banks))}
	seen := map[string]struct{}{}
	for _, bank := range pack.Banks {
		bank.ID = strings.TrimSpace(bank.ID)
		if bank.ID == "" {
			return fmt.Errorf("openbanking: bank pack %q contains a bank without id", name)
		}
		if _, dup := seen[bank.ID]; dup {
			return fmt.Errorf("openbanking: bank pack %q lists bank %q twice", name, bank.ID)
		}
		if err := bank.Validate(); err != nil {
			return fmt.Errorf("openbanking: bank pack %q: %w", name, err)
		}
		seen[bank.ID] = struct{}{}
		bank.Hosts = append([]string(nil), bank.Hosts...)
		bank.Fingerprints = append([]string(nil), bank.Fingerprints...)
		normalized.Banks = append(normalized.Banks, bank)
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	if _, exists := h.bankPacks[name]; exists {
		return fmt.Errorf("openbanking: bank pack %q already registered", name)
	}
	h.bankPacks[name] = normalized
	return nil
}

func (h *ExtensionHooks) RegisterCommandQueryBundle(
	name string,
	factory CommandQueryBundleFactory,
) error {
	if h == nil {
		return fmt.Errorf("openbanking: extension hooks are nil")
	}
	name = strings.TrimSpace(name)
	if name == "" {
		return fmt.Errorf("openbanking: command/query bundle name is required")
	}
	if factory == nil {
		return fmt.Errorf("openbanking: command/query bundle %q factory is required", name)
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	if _, exists := h.bundles[name]; exists {
		return fmt.Errorf("openbanking: command/query bundle %q already registered", name)
	}
	h.bundles[name] = factory
	return nil
}

// ApplyBankPacks returns a copy of cfg with every registered pack's banks
// merged into cfg.Banks. A bank id that is already configured, or that two
// packs both provide, is a Configuration error.
func (h *ExtensionHooks) ApplyBankPacks(cfg Config) (Config, error) {
	out := cfg
	out.Banks = make(map[string]BankConfig, len(cfg.Banks))
	for id, bank := range cfg.Banks {
		out.Banks[id] = bank
	}
	if h == nil {
		return out, nil
	}

	owners := map[string]string{}
	for _, pack := range h.BankPacks() {
		for _, bank := range pack.Banks {
			if owner, ok := owners[bank.ID]; ok {
				return cfg, core.NewErrorWithMetadata(
					core.ErrorKindConfiguration,
					nil,
					fmt.Sprintf("openbanking: bank %q is provided by packs %q and %q", bank.ID, owner, pack.Name),
					map[string]any{"bank_id": bank.ID},
				)
			}
			if _, ok := out.Banks[bank.ID]; ok {
				return cfg, core.NewErrorWithMetadata(
					core.ErrorKindConfiguration,
					nil,
					fmt.Sprintf("openbanking: bank %q from pack %q is already configured", bank.ID, pack.Name),
					map[string]any{"bank_id": bank.ID},
				)
			}
			owners[bank.ID] = pack.Name
			out.Banks[bank.ID] = bank
		}
	}
	return out, nil
}

func (h *ExtensionHooks) BuildCommandQueryBundles(facade *Facade) (map[string]any, error) {
	if h == nil {
		return map[string]any{}, nil
	}
	if facade == nil {
		return nil, fmt.Errorf("openbanking: facade is required")
	}

	h.mu.RLock()
	names := make([]string, 0, len(h.bundles))
	for name := range h.bundles {
		names = append(names, name)
	}
	sort.Strings(names)
	factories := make(map[string]CommandQueryBundleFactory, len(h.bundles))
	for name, factory := range h.bundles {
		factories[name] = factory
	}
	h.mu.RUnlock()

	result := make(map[string]any, len(names))
	for _, name := range names {
		bundle, err := factories[name](facade)
		if err != nil {
			return nil, fmt.Errorf("openbanking: build bundle %q: %w", name, err)
		}
		result[name] = bundle
	}
	return result, nil
}

func (h *ExtensionHooks) BankPacks() []BankPack {
	if h == nil {
		return nil
	}
	h.mu.RLock()
	defer h.mu.RUnlock()

	names := make([]string, 0, len(h.bankPacks))
	for name := range h.bankPacks {
		names = append(names, name)
	}
	sort.Strings(names)

	out := make([]BankPack, 0, len(names))
	for _, name := range names {
		pack := h.bankPacks[name]
		out = append(out, BankPack{
			Name:  pack.Name,
			Banks: append([]BankConfig(nil), pack.Banks...),
		})
	}
	return out
}

func (h *ExtensionHooks) BundleNames() []string {
	if h == nil {
		return nil
	}
	h.mu.RLock()
	defer h.mu.RUnlock()
	names := make([]string, 0, len(h.bundles))
	for name := range h.bundles {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
