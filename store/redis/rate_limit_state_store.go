package redisstore

import (
	"context"
	"encoding/json"
	"errors"
	"net/url"
	"strings"
	"time"

	"github.com/goliatone/go-openbanking/core"
	"github.com/goliatone/go-openbanking/ratelimit"
	"github.com/redis/go-redis/v9"
)

const DefaultRateLimitPrefix = "openbanking:ratelimit:"

// stateDocument is the JSON shape stored per throttle bucket.
type stateDocument struct {
	BankID            string         `json:"bank_id"`
	Endpoint          string         `json:"endpoint"`
	Limit             int            `json:"limit"`
	Remaining         int            `json:"remaining"`
	ResetAt           *time.Time     `json:"reset_at,omitempty"`
	RetryAfterSeconds *int64         `json:"retry_after_seconds,omitempty"`
	ThrottledUntil    *time.Time     `json:"throttled_until,omitempty"`
	LastStatus        int            `json:"last_status"`
	Attempts          int            `json:"attempts"`
	UpdatedAt         time.Time      `json:"updated_at"`
	Metadata          map[string]any `json:"metadata,omitempty"`
}

// RateLimitStateStore shares throttle state between processes. Entries expire
// once both the reset and throttle windows have passed.
type RateLimitStateStore struct {
	client redis.UniversalClient
	prefix string
	now    func() time.Time
}

func NewRateLimitStateStore(client redis.UniversalClient) (*RateLimitStateStore, error) {
	if client == nil {
		return nil, core.NewError(core.ErrorKindConfiguration, "redisstore: client is required")
	}
	return &RateLimitStateStore{
		client: client,
		prefix: DefaultRateLimitPrefix,
		now:    time.Now,
	}, nil
}

func (s *RateLimitStateStore) Get(ctx context.Context, key ratelimit.Key) (ratelimit.State, error) {
	redisKey, err := s.stateKey(key)
	if err != nil {
		return ratelimit.State{}, err
	}
	raw, err := s.client.Get(ctx, redisKey).Bytes()
	if errors.Is(err, redis.Nil) {
		return ratelimit.State{}, ratelimit.ErrStateNotFound
	}
	if err != nil {
		return ratelimit.State{}, err
	}
	var doc stateDocument
	if err := json.Unmarshal(raw, &doc); err != nil {
		return ratelimit.State{}, err
	}
	return doc.toDomain(), nil
}

func (s *RateLimitStateStore) Upsert(ctx context.Context, state ratelimit.State) error {
	redisKey, err := s.stateKey(state.Key)
	if err != nil {
		return err
	}
	if state.UpdatedAt.IsZero() {
		state.UpdatedAt = s.now().UTC()
	}
	raw, err := json.Marshal(newStateDocument(state))
	if err != nil {
		return err
	}
	return s.client.Set(ctx, redisKey, raw, stateTTL(state)).Err()
}

func (s *RateLimitStateStore) stateKey(key ratelimit.Key) (string, error) {
	bankID := strings.TrimSpace(key.BankID)
	endpoint := strings.ToLower(strings.TrimSpace(key.Endpoint))
	if bankID == "" || endpoint == "" {
		return "", core.NewError(core.ErrorKindBadInput, "redisstore: bank id and endpoint are required")
	}
	return s.prefix + url.QueryEscape(bankID) + ":" + url.QueryEscape(endpoint), nil
}

// stateTTL keeps the entry until the later of the reset and throttle
// windows. State without either window never expires.
func stateTTL(state ratelimit.State) time.Duration {
	var until time.Time
	if state.ResetAt != nil {
		until = *state.ResetAt
	}
	if state.ThrottledUntil != nil && state.ThrottledUntil.After(until) {
		until = *state.ThrottledUntil
	}
	if until.IsZero() {
		return 0
	}
	ttl := until.Sub(state.UpdatedAt)
	if ttl < time.Second {
		return time.Second
	}
	return ttl
}

func newStateDocument(state ratelimit.State) stateDocument {
	doc := stateDocument{
		BankID:         strings.TrimSpace(state.Key.BankID),
		Endpoint:       strings.ToLower(strings.TrimSpace(state.Key.Endpoint)),
		Limit:          state.Limit,
		Remaining:      state.Remaining,
		ResetAt:        state.ResetAt,
		ThrottledUntil: state.ThrottledUntil,
		LastStatus:     state.LastStatus,
		Attempts:       state.Attempts,
		UpdatedAt:      state.UpdatedAt.UTC(),
		Metadata:       state.Metadata,
	}
	if state.RetryAfter != nil {
		seconds := int64(state.RetryAfter.Seconds())
		doc.RetryAfterSeconds = &seconds
	}
	return doc
}

func (d stateDocument) toDomain() ratelimit.State {
	state := ratelimit.State{
		Key:            ratelimit.Key{BankID: d.BankID, Endpoint: d.Endpoint},
		Limit:          d.Limit,
		Remaining:      d.Remaining,
		ResetAt:        d.ResetAt,
		ThrottledUntil: d.ThrottledUntil,
		LastStatus:     d.LastStatus,
		Attempts:       d.Attempts,
		UpdatedAt:      d.UpdatedAt,
		Metadata:       d.Metadata,
	}
	if d.RetryAfterSeconds != nil {
		value := time.Duration(*d.RetryAfterSeconds) * time.Second
		state.RetryAfter = &value
	}
	return state
}

var _ ratelimit.StateStore = (*RateLimitStateStore)(nil)
