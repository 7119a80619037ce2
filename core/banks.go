package core

import (
	"fmt"
	"sort"
	"strings"
	"sync"
)

// BankRegistry resolves bank endpoint configuration by id. It is built once
// from Config and passed to the components that need it.
type BankRegistry struct {
	mu    sync.RWMutex
	banks map[string]BankConfig
}

func NewBankRegistry(banks map[string]BankConfig) *BankRegistry {
	registry := &BankRegistry{banks: map[string]BankConfig{}}
	for id, bank := range banks {
		id = strings.TrimSpace(id)
		if id == "" {
			continue
		}
		if bank.ID == "" {
			bank.ID = id
		}
		registry.banks[id] = cloneBankConfig(bank)
	}
	return registry
}

// Register adds or replaces a bank.
func (r *BankRegistry) Register(bank BankConfig) error {
	if r == nil {
		return fmt.Errorf("core: bank registry is nil")
	}
	bank.ID = strings.TrimSpace(bank.ID)
	if bank.ID == "" {
		return NewError(ErrorKindConfiguration, "core: bank id is required")
	}
	if err := bank.Validate(); err != nil {
		return WrapError(ErrorKindConfiguration, err, err.Error())
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.banks[bank.ID] = cloneBankConfig(bank)
	return nil
}

// Lookup returns the bank configuration or a Configuration error.
func (r *BankRegistry) Lookup(id string) (BankConfig, error) {
	id = strings.TrimSpace(id)
	if id == "" {
		return BankConfig{}, NewError(ErrorKindBadInput, "core: bank id is required")
	}
	if r == nil {
		return BankConfig{}, NewError(ErrorKindConfiguration, "core: bank registry is not configured")
	}
	r.mu.RLock()
	bank, ok := r.banks[id]
	r.mu.RUnlock()
	if !ok {
		return BankConfig{}, NewErrorWithMetadata(
			ErrorKindConfiguration,
			nil,
			fmt.Sprintf("core: unknown bank %q", id),
			map[string]any{"bank_id": id},
		)
	}
	return cloneBankConfig(bank), nil
}

func (r *BankRegistry) IDs() []string {
	if r == nil {
		return nil
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	ids := make([]string, 0, len(r.banks))
	for id := range r.banks {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

func cloneBankConfig(bank BankConfig) BankConfig {
	bank.Hosts = append([]string(nil), bank.Hosts...)
	bank.Fingerprints = append([]string(nil), bank.Fingerprints...)
	return bank
}
