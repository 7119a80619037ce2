package core

import (
	"cmp"
	"context"
	"fmt"
	"strings"
	"sync"
	"time"
)

const (
	defaultRefreshMaxAttempts    = 3
	defaultRefreshInitialBackoff = 500 * time.Millisecond
	defaultRefreshMaxBackoff     = 10 * time.Second
	defaultRefreshLockTTL        = 30 * time.Second
)

type LockHandle interface {
	Unlock(ctx context.Context) error
}

type ConnectionLocker interface {
	Acquire(ctx context.Context, connectionKey string, ttl time.Duration) (LockHandle, error)
}

type RefreshBackoffScheduler interface {
	NextDelay(attempt int) time.Duration
}

// ExponentialBackoffScheduler doubles Initial per attempt up to Max.
type ExponentialBackoffScheduler struct {
	Initial time.Duration
	Max     time.Duration
}

func (s ExponentialBackoffScheduler) NextDelay(attempt int) time.Duration {
	initial := cmp.Or(max(s.Initial, 0), defaultRefreshInitialBackoff)
	ceiling := cmp.Or(max(s.Max, 0), defaultRefreshMaxBackoff)
	delay := initial
	for n := 1; n < attempt && delay < ceiling; n++ {
		delay *= 2
	}
	return min(delay, ceiling)
}

type RefreshRequest struct {
	BankID string
	UserID string
	// Force refreshes even when the access token is still live.
	Force bool
}

type RefreshRunResult struct {
	Attempts      int
	PendingReauth bool
	Refreshed     bool
}

type RefreshRunOptions struct {
	MaxAttempts int
	LockTTL     time.Duration
}

// RunRefreshWithRetry refreshes the stored tokens for a connection, retrying
// retryable failures with backoff. Failures that need a new authorization stop
// immediately and report PendingReauth.
func (s *Service) RunRefreshWithRetry(ctx context.Context, req RefreshRequest, opts RefreshRunOptions) (RefreshRunResult, error) {
	if s == nil {
		return RefreshRunResult{}, fmt.Errorf("core: service is nil")
	}
	key, err := ConnectionKey(req.BankID, req.UserID)
	if err != nil {
		return RefreshRunResult{}, s.mapError(err)
	}
	release, err := s.lockConnection(ctx, key, opts.LockTTL)
	if err != nil {
		return RefreshRunResult{}, s.mapError(err)
	}
	defer release()

	attempts := s.refreshAttempts(opts.MaxAttempts)
	var result RefreshRunResult
	for result.Attempts < attempts {
		result.Attempts++
		refreshed, err := s.refreshStored(ctx, req.BankID, req.UserID, req.Force)
		switch {
		case err == nil:
			result.Refreshed = refreshed
			return result, nil
		case !IsRetryable(err):
			result.PendingReauth = RequiresReauthorization(err)
			return result, s.mapError(err)
		case result.Attempts == attempts:
			return result, s.mapError(err)
		}
		if err := sleepContext(ctx, s.refreshDelay(result.Attempts)); err != nil {
			return result, s.mapError(err)
		}
	}
	return result, nil
}

func (s *Service) refreshAttempts(requested int) int {
	if requested > 0 {
		return requested
	}
	if s.config.Refresh.MaxAttempts > 0 {
		return s.config.Refresh.MaxAttempts
	}
	return defaultRefreshMaxAttempts
}

func (s *Service) refreshDelay(attempt int) time.Duration {
	if s.refreshBackoffScheduler == nil {
		return defaultRefreshInitialBackoff
	}
	return s.refreshBackoffScheduler.NextDelay(attempt)
}

// lockConnection returns a no-op release when no locker is configured.
func (s *Service) lockConnection(ctx context.Context, key string, ttl time.Duration) (func(), error) {
	if s.connectionLocker == nil {
		return func() {}, nil
	}
	handle, err := s.connectionLocker.Acquire(ctx, key, cmp.Or(max(ttl, 0), defaultRefreshLockTTL))
	if err != nil {
		return nil, err
	}
	return func() { _ = handle.Unlock(ctx) }, nil
}

func sleepContext(ctx context.Context, delay time.Duration) error {
	if delay <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(delay)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// MemoryConnectionLocker is a process-local ConnectionLocker. Contention is
// reported as a retryable RateLimited error. Each grant carries a generation
// so a stale handle cannot release a lock re-acquired after its TTL lapsed.
type MemoryConnectionLocker struct {
	mu     sync.Mutex
	grants map[string]lockGrant
	seq    uint64
	now    func() time.Time
}

type lockGrant struct {
	until      time.Time
	generation uint64
}

func NewMemoryConnectionLocker() *MemoryConnectionLocker {
	return &MemoryConnectionLocker{
		grants: map[string]lockGrant{},
		now:    func() time.Time { return time.Now().UTC() },
	}
}

func (l *MemoryConnectionLocker) Acquire(_ context.Context, connectionKey string, ttl time.Duration) (LockHandle, error) {
	if l == nil {
		return nil, fmt.Errorf("core: connection locker is not configured")
	}
	connectionKey = strings.TrimSpace(connectionKey)
	if connectionKey == "" {
		return nil, NewError(ErrorKindBadInput, "core: connection key is required for lock acquisition")
	}
	now := l.now()

	l.mu.Lock()
	defer l.mu.Unlock()
	if held, ok := l.grants[connectionKey]; ok && now.Before(held.until) {
		return nil, NewError(ErrorKindRateLimited, fmt.Sprintf("core: refresh lock already held for %q", connectionKey))
	}
	l.seq++
	grant := lockGrant{until: now.Add(cmp.Or(max(ttl, 0), defaultRefreshLockTTL)), generation: l.seq}
	l.grants[connectionKey] = grant
	return &memoryLockHandle{locker: l, key: connectionKey, generation: grant.generation}, nil
}

type memoryLockHandle struct {
	locker     *MemoryConnectionLocker
	key        string
	generation uint64
}

func (h *memoryLockHandle) Unlock(context.Context) error {
	if h == nil || h.locker == nil {
		return nil
	}
	h.locker.mu.Lock()
	defer h.locker.mu.Unlock()
	if held, ok := h.locker.grants[h.key]; ok && held.generation == h.generation {
		delete(h.locker.grants, h.key)
	}
	return nil
}
