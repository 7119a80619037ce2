package ratelimit

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/goliatone/go-openbanking/core"
)

var ErrStateNotFound = errors.New("ratelimit: state not found")

// Key identifies a throttle bucket: one bank endpoint family such as "token"
// or "consents".
type Key struct {
	BankID   string
	Endpoint string
}

// ResponseMeta is what the policy needs to know about a finished call.
type ResponseMeta struct {
	StatusCode int
	Headers    map[string]string
	RetryAfter *time.Duration
	Metadata   map[string]any
}

type State struct {
	Key            Key
	Limit          int
	Remaining      int
	ResetAt        *time.Time
	RetryAfter     *time.Duration
	ThrottledUntil *time.Time
	LastStatus     int
	Attempts       int
	UpdatedAt      time.Time
	Metadata       map[string]any
}

type StateStore interface {
	Get(ctx context.Context, key Key) (State, error)
	Upsert(ctx context.Context, state State) error
}

type ThrottledError struct {
	BankID     string
	Endpoint   string
	RetryAfter time.Duration
}

func (e ThrottledError) Error() string {
	return fmt.Sprintf(
		"ratelimit: bank %q endpoint %q throttled for %s",
		strings.TrimSpace(e.BankID),
		strings.TrimSpace(e.Endpoint),
		e.RetryAfter,
	)
}

// ToServiceError maps the throttle into a retryable RateLimited error so
// callers back off instead of hitting the bank.
func (e ThrottledError) ToServiceError() error {
	metadata := map[string]any{
		"bank_id":  strings.TrimSpace(e.BankID),
		"endpoint": strings.TrimSpace(e.Endpoint),
	}
	if e.RetryAfter > 0 {
		metadata["retry_after_ms"] = e.RetryAfter.Milliseconds()
	}
	return core.NewErrorWithMetadata(core.ErrorKindRateLimited, e, e.Error(), metadata)
}

type AdaptivePolicy struct {
	Store            StateStore
	Now              func() time.Time
	InitialBackoff   time.Duration
	MaxBackoff       time.Duration
	DefaultRetryHint time.Duration
}

func NewAdaptivePolicy(store StateStore) *AdaptivePolicy {
	return &AdaptivePolicy{
		Store:            store,
		Now:              func() time.Time { return time.Now().UTC() },
		InitialBackoff:   time.Second,
		MaxBackoff:       time.Minute,
		DefaultRetryHint: 5 * time.Second,
	}
}

// BeforeCall reports a ThrottledError while the bucket is inside a throttle
// window or has exhausted its quota.
func (p *AdaptivePolicy) BeforeCall(ctx context.Context, key Key) error {
	if p == nil || p.Store == nil {
		return nil
	}
	state, err := p.Store.Get(ctx, normalizeKey(key))
	if err != nil {
		if errors.Is(err, ErrStateNotFound) {
			return nil
		}
		return err
	}

	now := p.now()
	if until := state.ThrottledUntil; until != nil && now.Before(*until) {
		return ThrottledError{BankID: state.Key.BankID, Endpoint: state.Key.Endpoint, RetryAfter: until.Sub(now)}
	}
	if state.Remaining == 0 && state.ResetAt != nil && now.Before(*state.ResetAt) {
		return ThrottledError{BankID: state.Key.BankID, Endpoint: state.Key.Endpoint, RetryAfter: state.ResetAt.Sub(now)}
	}
	return nil
}

// AfterCall folds the response into the bucket state. A 429, a 503 carrying
// Retry-After, or an exhausted quota opens a throttle window; anything else
// clears it.
func (p *AdaptivePolicy) AfterCall(ctx context.Context, key Key, res ResponseMeta) error {
	if p == nil || p.Store == nil {
		return nil
	}
	key = normalizeKey(key)
	now := p.now()
	state, err := p.Store.Get(ctx, key)
	switch {
	case errors.Is(err, ErrStateNotFound):
		state = State{Key: key}
	case err != nil:
		return err
	}

	state.LastStatus = res.StatusCode
	state.UpdatedAt = now
	state.Metadata = mergeMetadata(state.Metadata, res.Metadata)

	q := readQuota(res.Headers, now)
	if q.limit != nil {
		state.Limit = *q.limit
	}
	if q.remaining != nil {
		state.Remaining = *q.remaining
	}
	if q.resetAt != nil {
		state.ResetAt = q.resetAt
	}
	retryAfter, hinted := retryHint(res, now)
	state.RetryAfter = nil
	if hinted {
		state.RetryAfter = &retryAfter
	}

	exhausted := q.remaining != nil && *q.remaining == 0
	if !throttled(res.StatusCode, hinted, exhausted) {
		state.Attempts = 0
		state.ThrottledUntil = nil
		return p.Store.Upsert(ctx, state)
	}

	state.Attempts++
	delay := retryAfter
	if !hinted {
		delay = p.nextBackoff(state.Attempts)
	}
	until := now.Add(delay)
	state.ThrottledUntil = &until
	return p.Store.Upsert(ctx, state)
}

func (p *AdaptivePolicy) now() time.Time {
	if p != nil && p.Now != nil {
		return p.Now().UTC()
	}
	return time.Now().UTC()
}

// nextBackoff doubles from InitialBackoff per consecutive throttle, capped at
// MaxBackoff.
func (p *AdaptivePolicy) nextBackoff(attempt int) time.Duration {
	initial, maximum := p.InitialBackoff, p.MaxBackoff
	if initial <= 0 {
		initial = time.Second
	}
	if maximum <= 0 {
		maximum = time.Minute
	}
	if attempt <= 1 {
		return min(initial, maximum)
	}
	if attempt > 31 {
		return maximum
	}
	delay := initial << uint(attempt-1)
	if delay <= 0 {
		return p.defaultRetryHint()
	}
	return min(delay, maximum)
}

func (p *AdaptivePolicy) defaultRetryHint() time.Duration {
	if p != nil && p.DefaultRetryHint > 0 {
		return p.DefaultRetryHint
	}
	return 5 * time.Second
}

// throttled decides whether a response should open a throttle window. Banks
// answer planned maintenance with 503 and Retry-After; other server errors
// are left to the caller's retry policy.
func throttled(status int, hinted bool, exhausted bool) bool {
	switch {
	case status == http.StatusTooManyRequests:
		return true
	case status == http.StatusServiceUnavailable:
		return hinted
	case status >= http.StatusInternalServerError:
		return false
	}
	return exhausted
}

// quota is the rate limit information advertised by a bank. Both the
// x-ratelimit-* family and the IETF RateLimit-* family are understood; the
// former wins when both are present.
type quota struct {
	limit     *int
	remaining *int
	resetAt   *time.Time
}

func readQuota(headers map[string]string, now time.Time) quota {
	var q quota
	if v, ok := headerInt(headers, "x-ratelimit-limit", "ratelimit-limit"); ok {
		q.limit = &v
	}
	if v, ok := headerInt(headers, "x-ratelimit-remaining", "ratelimit-remaining"); ok {
		q.remaining = &v
	}
	if v, ok := headerInt(headers, "x-ratelimit-reset"); ok && v > 0 {
		at := time.Unix(int64(v), 0).UTC()
		q.resetAt = &at
	} else if v, ok := headerInt(headers, "ratelimit-reset"); ok && v >= 0 {
		at := now.Add(time.Duration(v) * time.Second)
		q.resetAt = &at
	}
	return q
}

// retryHint returns the server's Retry-After as a delay. Both delta seconds
// and HTTP dates are accepted; past dates and non-positive values are
// ignored.
func retryHint(res ResponseMeta, now time.Time) (time.Duration, bool) {
	if res.RetryAfter != nil && *res.RetryAfter > 0 {
		return *res.RetryAfter, true
	}
	raw := headerValue(res.Headers, "retry-after")
	if raw == "" {
		return 0, false
	}
	if seconds, err := strconv.Atoi(raw); err == nil {
		return time.Duration(seconds) * time.Second, seconds > 0
	}
	at, err := http.ParseTime(raw)
	if err != nil || !at.After(now) {
		return 0, false
	}
	return at.Sub(now), true
}

func headerInt(headers map[string]string, names ...string) (int, bool) {
	for _, name := range names {
		raw := headerValue(headers, name)
		if raw == "" {
			continue
		}
		if v, err := strconv.Atoi(raw); err == nil {
			return v, true
		}
	}
	return 0, false
}

func headerValue(headers map[string]string, name string) string {
	for k, v := range headers {
		if strings.EqualFold(strings.TrimSpace(k), name) {
			return strings.TrimSpace(v)
		}
	}
	return ""
}

func normalizeKey(key Key) Key {
	return Key{
		BankID:   strings.TrimSpace(key.BankID),
		Endpoint: strings.TrimSpace(strings.ToLower(key.Endpoint)),
	}
}

func mergeMetadata(existing map[string]any, update map[string]any) map[string]any {
	out := make(map[string]any, len(existing)+len(update))
	for k, v := range existing {
		out[k] = v
	}
	for k, v := range update {
		out[k] = v
	}
	return out
}

type MemoryStateStore struct {
	mu    sync.RWMutex
	items map[string]State
}

func NewMemoryStateStore() *MemoryStateStore {
	return &MemoryStateStore{items: map[string]State{}}
}

func (s *MemoryStateStore) Get(_ context.Context, key Key) (State, error) {
	if s == nil {
		return State{}, fmt.Errorf("ratelimit: state store is nil")
	}
	normalized := normalizeKey(key)
	s.mu.RLock()
	defer s.mu.RUnlock()
	state, ok := s.items[stateKey(normalized)]
	if !ok {
		return State{}, ErrStateNotFound
	}
	state.Metadata = mergeMetadata(state.Metadata, nil)
	return state, nil
}

func (s *MemoryStateStore) Upsert(_ context.Context, state State) error {
	if s == nil {
		return fmt.Errorf("ratelimit: state store is nil")
	}
	state.Key = normalizeKey(state.Key)
	state.Metadata = mergeMetadata(state.Metadata, nil)
	s.mu.Lock()
	defer s.mu.Unlock()
	s.items[stateKey(state.Key)] = state
	return nil
}

func stateKey(key Key) string {
	return key.BankID + "|" + key.Endpoint
}
