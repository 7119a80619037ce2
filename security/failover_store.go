package security

import (
	"context"
	"fmt"
	"reflect"
	"sort"
	"strings"
	"time"

	"github.com/goliatone/go-openbanking/core"
)

type StoreFailurePolicy string

const (
	StoreFailurePolicyStrict   StoreFailurePolicy = "strict_fail"
	StoreFailurePolicyFallback StoreFailurePolicy = "fallback_allowed"
)

type StoreDiagnostic struct {
	OccurredAt time.Time
	Operation  string
	Policy     StoreFailurePolicy
	Outcome    string
	Primary    string
	Fallback   string
	Error      string
}

type StoreDiagnosticHook func(event StoreDiagnostic)

type FailoverOption func(*FailoverStore)

// FailoverStore fronts a primary SecureStore, typically a hardware backed
// keystore, with an optional fallback. Under the strict policy the fallback
// is never consulted.
type FailoverStore struct {
	primary        SecureStore
	fallback       SecureStore
	policy         StoreFailurePolicy
	diagnosticHook StoreDiagnosticHook
	now            func() time.Time
}

func NewFailoverStore(primary SecureStore, opts ...FailoverOption) (*FailoverStore, error) {
	if primary == nil {
		return nil, core.NewError(core.ErrorKindConfiguration, "security: primary secure store is required")
	}
	store := &FailoverStore{
		primary: primary,
		policy:  StoreFailurePolicyStrict,
		now:     func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		if opt == nil {
			continue
		}
		opt(store)
	}
	store.policy = normalizeFailurePolicy(store.policy)
	if store.policy == StoreFailurePolicyFallback && store.fallback == nil {
		return nil, core.NewError(core.ErrorKindConfiguration, "security: fallback policy requires a configured fallback store")
	}
	if store.now == nil {
		store.now = func() time.Time { return time.Now().UTC() }
	}
	return store, nil
}

func WithFallbackStore(store SecureStore) FailoverOption {
	return func(f *FailoverStore) {
		if f == nil {
			return
		}
		f.fallback = store
	}
}

func WithStoreFailurePolicy(policy StoreFailurePolicy) FailoverOption {
	return func(f *FailoverStore) {
		if f == nil {
			return
		}
		f.policy = normalizeFailurePolicy(policy)
	}
}

func WithStoreDiagnostics(hook StoreDiagnosticHook) FailoverOption {
	return func(f *FailoverStore) {
		if f == nil {
			return
		}
		f.diagnosticHook = hook
	}
}

func WithFailoverClock(now func() time.Time) FailoverOption {
	return func(f *FailoverStore) {
		if f == nil {
			return
		}
		f.now = now
	}
}

// Get reads from the primary first. Under the fallback policy a primary
// failure or miss is retried against the fallback, which holds entries
// written while the primary was down.
func (s *FailoverStore) Get(ctx context.Context, key string) ([]byte, bool, error) {
	value, found, err := s.primary.Get(ctx, key)
	if err == nil && (found || !s.fallbackAllowed()) {
		return value, found, nil
	}
	if err != nil {
		s.emit("get", "primary_failed", err)
		if !s.fallbackAllowed() {
			return nil, false, wrapKeystore(err, fmt.Sprintf("security: primary get failed with %s policy", s.policy))
		}
	}
	fallbackValue, fallbackFound, fallbackErr := s.fallback.Get(ctx, key)
	if fallbackErr != nil {
		s.emit("get", "fallback_failed", fallbackErr)
		if err != nil {
			return nil, false, wrapKeystore(fallbackErr, fmt.Sprintf("security: primary get failed: %v; fallback get failed", err))
		}
		return nil, false, wrapKeystore(fallbackErr, "security: fallback get failed")
	}
	if err != nil {
		s.emit("get", "fallback_succeeded", err)
	}
	return fallbackValue, fallbackFound, nil
}

func (s *FailoverStore) Put(ctx context.Context, key string, value []byte) error {
	err := s.primary.Put(ctx, key, value)
	if err == nil {
		return nil
	}
	s.emit("put", "primary_failed", err)
	if !s.fallbackAllowed() {
		return wrapKeystore(err, fmt.Sprintf("security: primary put failed with %s policy", s.policy))
	}
	if fallbackErr := s.fallback.Put(ctx, key, value); fallbackErr != nil {
		s.emit("put", "fallback_failed", fallbackErr)
		return wrapKeystore(fallbackErr, fmt.Sprintf("security: primary put failed: %v; fallback put failed", err))
	}
	s.emit("put", "fallback_succeeded", err)
	return nil
}

// Delete removes key from every backend so no copy outlives a disconnect.
func (s *FailoverStore) Delete(ctx context.Context, key string) error {
	err := s.primary.Delete(ctx, key)
	if err != nil {
		s.emit("delete", "primary_failed", err)
	}
	if s.fallback == nil {
		if err != nil {
			return wrapKeystore(err, "security: primary delete failed")
		}
		return nil
	}
	if fallbackErr := s.fallback.Delete(ctx, key); fallbackErr != nil {
		s.emit("delete", "fallback_failed", fallbackErr)
		return wrapKeystore(fallbackErr, "security: fallback delete failed")
	}
	if err != nil && !s.fallbackAllowed() {
		return wrapKeystore(err, fmt.Sprintf("security: primary delete failed with %s policy", s.policy))
	}
	return nil
}

func (s *FailoverStore) Keys(ctx context.Context) ([]string, error) {
	keys, err := s.primary.Keys(ctx)
	if err != nil {
		s.emit("keys", "primary_failed", err)
		if !s.fallbackAllowed() {
			return nil, wrapKeystore(err, fmt.Sprintf("security: primary keys failed with %s policy", s.policy))
		}
	}
	if s.fallback == nil {
		return keys, nil
	}
	fallbackKeys, fallbackErr := s.fallback.Keys(ctx)
	if fallbackErr != nil {
		s.emit("keys", "fallback_failed", fallbackErr)
		if err != nil {
			return nil, wrapKeystore(fallbackErr, "security: fallback keys failed")
		}
		return keys, nil
	}
	seen := make(map[string]struct{}, len(keys)+len(fallbackKeys))
	merged := make([]string, 0, len(keys)+len(fallbackKeys))
	for _, key := range append(keys, fallbackKeys...) {
		if _, ok := seen[key]; ok {
			continue
		}
		seen[key] = struct{}{}
		merged = append(merged, key)
	}
	sort.Strings(merged)
	return merged, nil
}

func (s *FailoverStore) fallbackAllowed() bool {
	return s.policy == StoreFailurePolicyFallback && s.fallback != nil
}

func (s *FailoverStore) emit(operation string, outcome string, err error) {
	if s == nil || s.diagnosticHook == nil {
		return
	}
	now := s.now
	if now == nil {
		now = func() time.Time { return time.Now().UTC() }
	}
	msg := ""
	if err != nil {
		msg = err.Error()
	}
	s.diagnosticHook(StoreDiagnostic{
		OccurredAt: now().UTC(),
		Operation:  operation,
		Policy:     s.policy,
		Outcome:    outcome,
		Primary:    describeStore(s.primary),
		Fallback:   describeStore(s.fallback),
		Error:      msg,
	})
}

func normalizeFailurePolicy(policy StoreFailurePolicy) StoreFailurePolicy {
	normalized := StoreFailurePolicy(strings.ToLower(strings.TrimSpace(string(policy))))
	switch normalized {
	case StoreFailurePolicyFallback:
		return StoreFailurePolicyFallback
	default:
		return StoreFailurePolicyStrict
	}
}

func describeStore(store SecureStore) string {
	if store == nil {
		return ""
	}
	return reflect.TypeOf(store).String()
}

var _ SecureStore = (*FailoverStore)(nil)
