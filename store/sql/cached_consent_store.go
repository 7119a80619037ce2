package sqlstore

import (
	"context"
	"fmt"
	"strings"

	"github.com/goliatone/go-openbanking/consent"
	"github.com/goliatone/go-openbanking/core"
	repositorycache "github.com/goliatone/go-repository-cache/cache"
)

// cachedConsent lets a miss be cached alongside hits.
type cachedConsent struct {
	Consent core.Consent
	Found   bool
}

// CachedConsentStore serves consent reads from a cache and invalidates on
// every write.
type CachedConsentStore struct {
	base  consent.Store
	cache repositorycache.CacheService
}

func NewCachedConsentStore(base consent.Store, cacheService repositorycache.CacheService) (*CachedConsentStore, error) {
	if base == nil {
		return nil, fmt.Errorf("sqlstore: base consent store is required")
	}
	if cacheService == nil {
		return nil, fmt.Errorf("sqlstore: consent cache service is required")
	}
	return &CachedConsentStore{base: base, cache: cacheService}, nil
}

// ConsentCacheKey returns go-openbanking::consent::v1::<consent_id>.
func ConsentCacheKey(consentID string) (string, error) {
	trimmed := strings.TrimSpace(consentID)
	if trimmed == "" {
		return "", fmt.Errorf("sqlstore: consent id is required")
	}
	return cacheKey("consent", trimmed)
}

func (s *CachedConsentStore) Get(ctx context.Context, consentID string) (core.Consent, bool, error) {
	if s == nil || s.base == nil || s.cache == nil {
		return core.Consent{}, false, fmt.Errorf("sqlstore: cached consent store is not configured")
	}
	cacheKey, err := ConsentCacheKey(consentID)
	if err != nil {
		return core.Consent{}, false, err
	}
	entry, err := repositorycache.GetOrFetch(ctx, s.cache, cacheKey, func(ctx context.Context) (cachedConsent, error) {
		fetched, found, fetchErr := s.base.Get(ctx, consentID)
		if fetchErr != nil {
			return cachedConsent{}, fetchErr
		}
		return cachedConsent{Consent: fetched.Clone(), Found: found}, nil
	})
	if err != nil {
		return core.Consent{}, false, err
	}
	return entry.Consent.Clone(), entry.Found, nil
}

func (s *CachedConsentStore) Save(ctx context.Context, in core.Consent) error {
	if s == nil || s.base == nil || s.cache == nil {
		return fmt.Errorf("sqlstore: cached consent store is not configured")
	}
	if err := s.base.Save(ctx, in); err != nil {
		return err
	}
	return s.invalidate(ctx, in.ConsentID)
}

func (s *CachedConsentStore) Delete(ctx context.Context, consentID string) error {
	if s == nil || s.base == nil || s.cache == nil {
		return fmt.Errorf("sqlstore: cached consent store is not configured")
	}
	if err := s.base.Delete(ctx, consentID); err != nil {
		return err
	}
	return s.invalidate(ctx, consentID)
}

// ListByBank reads through to the base store.
func (s *CachedConsentStore) ListByBank(ctx context.Context, bankID string) ([]core.Consent, error) {
	if s == nil || s.base == nil {
		return nil, fmt.Errorf("sqlstore: cached consent store is not configured")
	}
	return s.base.ListByBank(ctx, bankID)
}

func (s *CachedConsentStore) invalidate(ctx context.Context, consentID string) error {
	cacheKey, err := ConsentCacheKey(consentID)
	if err != nil {
		return err
	}
	return s.cache.Delete(ctx, cacheKey)
}
