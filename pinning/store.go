package pinning

import (
	"fmt"
	"sort"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/goliatone/go-openbanking/core"
)

// HostnameResolver maps a logical bank code to the real hostnames serving it
// (primary, backup, disaster recovery).
type HostnameResolver interface {
	Resolve(bankID string) []string
}

type HostnameResolverFunc func(bankID string) []string

func (f HostnameResolverFunc) Resolve(bankID string) []string {
	if f == nil {
		return nil
	}
	return f(bankID)
}

// StaticResolver resolves bank codes from a fixed table.
type StaticResolver map[string][]string

func (r StaticResolver) Resolve(bankID string) []string {
	return append([]string(nil), r[strings.TrimSpace(bankID)]...)
}

// BankResolver resolves bank codes through the configured bank endpoints.
func BankResolver(registry *core.BankRegistry) HostnameResolver {
	return HostnameResolverFunc(func(bankID string) []string {
		bank, err := registry.Lookup(bankID)
		if err != nil {
			return nil
		}
		return bank.PinHosts()
	})
}

// Violation reports a required bank whose hosts are not fully pinned.
type Violation struct {
	BankID   string
	Hostname string
	Reason   string
}

func (v Violation) String() string {
	if v.Hostname == "" {
		return fmt.Sprintf("%s: %s", v.BankID, v.Reason)
	}
	return fmt.Sprintf("%s (%s): %s", v.BankID, v.Hostname, v.Reason)
}

type hostPins struct {
	fingerprints []string
	set          map[string]struct{}
	version      uint64
}

func (p hostPins) contains(fingerprint string) bool {
	_, ok := p.set[fingerprint]
	return ok
}

type snapshot struct {
	hosts map[string]hostPins
	banks map[string][]string
}

func emptySnapshot() *snapshot {
	return &snapshot{hosts: map[string]hostPins{}, banks: map[string][]string{}}
}

func (s *snapshot) clone() *snapshot {
	next := &snapshot{
		hosts: make(map[string]hostPins, len(s.hosts)),
		banks: make(map[string][]string, len(s.banks)),
	}
	for host, pins := range s.hosts {
		next.hosts[host] = pins
	}
	for bank, hosts := range s.banks {
		next.banks[bank] = hosts
	}
	return next
}

// TrustStore holds the pinned fingerprint set per hostname. Writers are
// serialized and publish a new immutable snapshot, so readers always observe
// either the old or the new configuration.
type TrustStore struct {
	mu        sync.Mutex
	current   atomic.Pointer[snapshot]
	version   uint64
	required  []string
	resolver  HostnameResolver
	listeners []func(hosts []string)
}

type StoreOption func(*TrustStore)

// WithRequiredBanks sets the banks ValidateConfiguration expects to be pinned.
func WithRequiredBanks(bankIDs ...string) StoreOption {
	return func(s *TrustStore) {
		for _, id := range bankIDs {
			if id = strings.TrimSpace(id); id != "" {
				s.required = append(s.required, id)
			}
		}
	}
}

func WithHostnameResolver(resolver HostnameResolver) StoreOption {
	return func(s *TrustStore) {
		s.resolver = resolver
	}
}

func NewTrustStore(opts ...StoreOption) *TrustStore {
	store := &TrustStore{}
	store.current.Store(emptySnapshot())
	for _, opt := range opts {
		if opt != nil {
			opt(store)
		}
	}
	return store
}

// OnChange registers fn to be called with the hostnames whose pins changed.
func (s *TrustStore) OnChange(fn func(hosts []string)) {
	if s == nil || fn == nil {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.listeners = append(s.listeners, fn)
}

// Configure replaces the pin set of a single hostname.
func (s *TrustStore) Configure(hostname string, fingerprints []string) error {
	if s == nil {
		return core.NewError(core.ErrorKindConfiguration, "pinning: trust store is nil")
	}
	host := NormalizeHostname(hostname)
	if host == "" {
		return core.NewError(core.ErrorKindConfiguration, "pinning: hostname is required")
	}
	normalized, err := normalizeFingerprints(host, fingerprints)
	if err != nil {
		return err
	}
	s.apply(func(next *snapshot, version uint64) []string {
		next.hosts[host] = newHostPins(normalized, version)
		return []string{host}
	})
	return nil
}

// ConfigureBulk installs each bank's fingerprints on every hostname the
// resolver returns for it. Input is validated in full before anything is
// installed. A nil resolver falls back to the store resolver.
func (s *TrustStore) ConfigureBulk(pins map[string][]string, resolver HostnameResolver) error {
	if s == nil {
		return core.NewError(core.ErrorKindConfiguration, "pinning: trust store is nil")
	}
	if resolver == nil {
		resolver = s.resolver
	}
	if resolver == nil {
		return core.NewError(core.ErrorKindConfiguration, "pinning: hostname resolver is required for bulk configuration")
	}

	bankIDs := make([]string, 0, len(pins))
	for bankID := range pins {
		bankIDs = append(bankIDs, bankID)
	}
	sort.Strings(bankIDs)

	type bankPins struct {
		hosts        []string
		fingerprints []string
	}
	resolved := make(map[string]bankPins, len(pins))
	for _, rawID := range bankIDs {
		bankID := strings.TrimSpace(rawID)
		if bankID == "" {
			return core.NewError(core.ErrorKindConfiguration, "pinning: bank id is required")
		}
		normalized, err := normalizeFingerprints(bankID, pins[rawID])
		if err != nil {
			return err
		}
		hosts := normalizeHosts(resolver.Resolve(bankID))
		if len(hosts) == 0 {
			return core.NewErrorWithMetadata(
				core.ErrorKindConfiguration,
				nil,
				fmt.Sprintf("pinning: no hostnames resolved for bank %q", bankID),
				map[string]any{"bank_id": bankID},
			)
		}
		resolved[bankID] = bankPins{hosts: hosts, fingerprints: normalized}
	}

	s.apply(func(next *snapshot, version uint64) []string {
		changed := []string{}
		for bankID, entry := range resolved {
			for _, host := range entry.hosts {
				next.hosts[host] = newHostPins(entry.fingerprints, version)
				changed = append(changed, host)
			}
			next.banks[bankID] = entry.hosts
		}
		if s.resolver == nil {
			s.resolver = resolver
		}
		return changed
	})
	return nil
}

// IsPinned reports whether hostname has at least one fingerprint.
func (s *TrustStore) IsPinned(hostname string) bool {
	_, ok := s.lookup(hostname)
	return ok
}

// PinsFor returns the ordered fingerprints for hostname.
func (s *TrustStore) PinsFor(hostname string) []string {
	pins, ok := s.lookup(hostname)
	if !ok {
		return nil
	}
	return append([]string(nil), pins.fingerprints...)
}

// Hosts lists every pinned hostname.
func (s *TrustStore) Hosts() []string {
	if s == nil {
		return nil
	}
	snap := s.current.Load()
	hosts := make([]string, 0, len(snap.hosts))
	for host := range snap.hosts {
		hosts = append(hosts, host)
	}
	sort.Strings(hosts)
	return hosts
}

// Clear removes pins for the given hostnames, or for every host when called
// without arguments.
func (s *TrustStore) Clear(hostnames ...string) {
	if s == nil {
		return
	}
	s.apply(func(next *snapshot, _ uint64) []string {
		if len(hostnames) == 0 {
			changed := make([]string, 0, len(next.hosts))
			for host := range next.hosts {
				changed = append(changed, host)
			}
			next.hosts = map[string]hostPins{}
			next.banks = map[string][]string{}
			return changed
		}
		changed := []string{}
		for _, raw := range hostnames {
			host := NormalizeHostname(raw)
			if _, ok := next.hosts[host]; ok {
				delete(next.hosts, host)
				changed = append(changed, host)
			}
		}
		return changed
	})
}

// ValidateConfiguration reports required banks that are missing pins on any
// of their hostnames.
func (s *TrustStore) ValidateConfiguration() []Violation {
	if s == nil {
		return nil
	}
	s.mu.Lock()
	required := append([]string(nil), s.required...)
	resolver := s.resolver
	s.mu.Unlock()
	snap := s.current.Load()

	violations := []Violation{}
	for _, bankID := range required {
		hosts := snap.banks[bankID]
		if resolver != nil {
			if resolvedHosts := normalizeHosts(resolver.Resolve(bankID)); len(resolvedHosts) > 0 {
				hosts = resolvedHosts
			}
		}
		if len(hosts) == 0 {
			violations = append(violations, Violation{BankID: bankID, Reason: "no hostnames resolved"})
			continue
		}
		for _, host := range hosts {
			if _, ok := snap.hosts[host]; !ok {
				violations = append(violations, Violation{BankID: bankID, Hostname: host, Reason: "missing pins"})
			}
		}
	}
	return violations
}

func (s *TrustStore) lookup(hostname string) (hostPins, bool) {
	if s == nil {
		return hostPins{}, false
	}
	pins, ok := s.current.Load().hosts[NormalizeHostname(hostname)]
	if !ok || len(pins.fingerprints) == 0 {
		return hostPins{}, false
	}
	return pins, true
}

func (s *TrustStore) apply(mutate func(next *snapshot, version uint64) []string) {
	s.mu.Lock()
	s.version++
	next := s.current.Load().clone()
	changed := mutate(next, s.version)
	s.current.Store(next)
	listeners := append([]func([]string){}, s.listeners...)
	s.mu.Unlock()

	if len(changed) == 0 {
		return
	}
	sort.Strings(changed)
	for _, listener := range listeners {
		listener(append([]string(nil), changed...))
	}
}

func newHostPins(fingerprints []string, version uint64) hostPins {
	set := make(map[string]struct{}, len(fingerprints))
	for _, fp := range fingerprints {
		set[fp] = struct{}{}
	}
	return hostPins{
		fingerprints: append([]string(nil), fingerprints...),
		set:          set,
		version:      version,
	}
}

func normalizeHosts(hosts []string) []string {
	seen := map[string]struct{}{}
	out := make([]string, 0, len(hosts))
	for _, raw := range hosts {
		host := NormalizeHostname(raw)
		if host == "" {
			continue
		}
		if _, ok := seen[host]; ok {
			continue
		}
		seen[host] = struct{}{}
		out = append(out, host)
	}
	return out
}
