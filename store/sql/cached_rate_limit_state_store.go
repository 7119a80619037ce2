package sqlstore

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/goliatone/go-openbanking/ratelimit"
	repositorycache "github.com/goliatone/go-repository-cache/cache"
)

// cachedBucket records absence too: most buckets have never been throttled
// and BeforeCall runs ahead of every bank request.
type cachedBucket struct {
	State ratelimit.State
	Found bool
}

// CachedRateLimitStateStore fronts a state store with a read cache and drops
// the entry on every write.
type CachedRateLimitStateStore struct {
	base  ratelimit.StateStore
	cache repositorycache.CacheService
}

func NewCachedRateLimitStateStore(
	base ratelimit.StateStore,
	cacheService repositorycache.CacheService,
) (*CachedRateLimitStateStore, error) {
	if base == nil {
		return nil, fmt.Errorf("sqlstore: base rate-limit state store is required")
	}
	if cacheService == nil {
		return nil, fmt.Errorf("sqlstore: rate-limit cache service is required")
	}
	return &CachedRateLimitStateStore{base: base, cache: cacheService}, nil
}

// RateLimitStateCacheKey returns
// go-openbanking::ratelimit_state::v1::<bank_id>::<endpoint> for the
// normalized key.
func RateLimitStateCacheKey(key ratelimit.Key) (string, error) {
	key = normalizeRateLimitKey(key)
	if err := validateRateLimitKey(key); err != nil {
		return "", err
	}
	return cacheKey("ratelimit_state", key.BankID, key.Endpoint)
}

func (s *CachedRateLimitStateStore) Get(ctx context.Context, key ratelimit.Key) (ratelimit.State, error) {
	if s == nil || s.base == nil || s.cache == nil {
		return ratelimit.State{}, fmt.Errorf("sqlstore: cached rate-limit state store is not configured")
	}
	key = normalizeRateLimitKey(key)
	ck, err := RateLimitStateCacheKey(key)
	if err != nil {
		return ratelimit.State{}, err
	}

	entry, err := repositorycache.GetOrFetch(ctx, s.cache, ck, func(ctx context.Context) (cachedBucket, error) {
		state, fetchErr := s.base.Get(ctx, key)
		switch {
		case errors.Is(fetchErr, ratelimit.ErrStateNotFound):
			return cachedBucket{}, nil
		case fetchErr != nil:
			return cachedBucket{}, fetchErr
		}
		return cachedBucket{State: cloneRateLimitState(state), Found: true}, nil
	})
	if err != nil {
		return ratelimit.State{}, err
	}
	if !entry.Found {
		return ratelimit.State{}, ratelimit.ErrStateNotFound
	}
	return cloneRateLimitState(entry.State), nil
}

func (s *CachedRateLimitStateStore) Upsert(ctx context.Context, state ratelimit.State) error {
	if s == nil || s.base == nil || s.cache == nil {
		return fmt.Errorf("sqlstore: cached rate-limit state store is not configured")
	}
	state = cloneRateLimitState(state)
	ck, err := RateLimitStateCacheKey(state.Key)
	if err != nil {
		return err
	}
	if err := s.base.Upsert(ctx, state); err != nil {
		return err
	}
	return s.cache.Delete(ctx, ck)
}

func cloneRateLimitState(state ratelimit.State) ratelimit.State {
	out := state
	out.Key = normalizeRateLimitKey(state.Key)
	out.Metadata = copyAnyMap(state.Metadata)
	out.ResetAt = copyTimePointer(state.ResetAt)
	out.ThrottledUntil = copyTimePointer(state.ThrottledUntil)
	if state.RetryAfter != nil {
		retry := time.Duration(*state.RetryAfter)
		out.RetryAfter = &retry
	}
	return out
}
