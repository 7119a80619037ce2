package sqlstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/goliatone/go-openbanking/ratelimit"
	repository "github.com/goliatone/go-repository-bun"
	"github.com/google/uuid"
	"github.com/uptrace/bun"
)

// RateLimitStateStore persists per bank endpoint throttle state so a
// throttle window survives restarts and is shared between processes.
type RateLimitStateStore struct {
	db   *bun.DB
	repo repository.Repository[*rateLimitStateRecord]
}

func NewRateLimitStateStore(db *bun.DB) (*RateLimitStateStore, error) {
	if db == nil {
		return nil, fmt.Errorf("sqlstore: bun db is required")
	}
	repo := repository.NewRepository[*rateLimitStateRecord](db, rateLimitStateHandlers())
	if validator, ok := repo.(repository.Validator); ok {
		if err := validator.Validate(); err != nil {
			return nil, fmt.Errorf("sqlstore: invalid rate-limit state repository wiring: %w", err)
		}
	}
	return &RateLimitStateStore{
		db:   db,
		repo: repo,
	}, nil
}

func (s *RateLimitStateStore) Get(ctx context.Context, key ratelimit.Key) (ratelimit.State, error) {
	if s == nil || s.db == nil {
		return ratelimit.State{}, fmt.Errorf("sqlstore: rate-limit state store is not configured")
	}
	key = normalizeRateLimitKey(key)
	if err := validateRateLimitKey(key); err != nil {
		return ratelimit.State{}, err
	}
	record, err := selectRateLimitState(ctx, s.db, key)
	if err != nil {
		return ratelimit.State{}, err
	}
	if record == nil {
		return ratelimit.State{}, ratelimit.ErrStateNotFound
	}
	return record.toDomain(), nil
}

// Upsert keeps one row per (bank_id, endpoint). The surrogate id and
// created_at of an existing row are preserved.
func (s *RateLimitStateStore) Upsert(ctx context.Context, state ratelimit.State) error {
	if s == nil || s.db == nil {
		return fmt.Errorf("sqlstore: rate-limit state store is not configured")
	}
	state.Key = normalizeRateLimitKey(state.Key)
	if err := validateRateLimitKey(state.Key); err != nil {
		return err
	}
	if state.UpdatedAt.IsZero() {
		state.UpdatedAt = time.Now().UTC()
	}

	return s.db.RunInTx(ctx, nil, func(ctx context.Context, tx bun.Tx) error {
		existing, err := selectRateLimitState(ctx, tx, state.Key)
		if err != nil {
			return err
		}
		record := newRateLimitStateRecord(state)
		if existing == nil {
			_, err = s.repo.CreateTx(ctx, tx, record)
			return err
		}
		record.ID = existing.ID
		record.CreatedAt = existing.CreatedAt
		_, err = tx.NewUpdate().Model(record).WherePK().Exec(ctx)
		return err
	})
}

func newRateLimitStateRecord(state ratelimit.State) *rateLimitStateRecord {
	at := state.UpdatedAt.UTC()
	return &rateLimitStateRecord{
		ID:             uuid.NewString(),
		BankID:         state.Key.BankID,
		Endpoint:       state.Key.Endpoint,
		Limit:          state.Limit,
		Remaining:      state.Remaining,
		ResetAt:        copyTimePointer(state.ResetAt),
		RetryAfter:     durationToSecondsPointer(state.RetryAfter),
		ThrottledUntil: copyTimePointer(state.ThrottledUntil),
		LastStatus:     state.LastStatus,
		Attempts:       state.Attempts,
		Metadata:       copyAnyMap(state.Metadata),
		CreatedAt:      at,
		UpdatedAt:      at,
	}
}

func (r *rateLimitStateRecord) toDomain() ratelimit.State {
	if r == nil {
		return ratelimit.State{}
	}
	state := ratelimit.State{
		Key:            ratelimit.Key{BankID: r.BankID, Endpoint: r.Endpoint},
		Limit:          r.Limit,
		Remaining:      r.Remaining,
		ResetAt:        copyTimePointer(r.ResetAt),
		ThrottledUntil: copyTimePointer(r.ThrottledUntil),
		LastStatus:     r.LastStatus,
		Attempts:       r.Attempts,
		UpdatedAt:      r.UpdatedAt.UTC(),
		Metadata:       copyAnyMap(r.Metadata),
	}
	if r.RetryAfter != nil && *r.RetryAfter > 0 {
		retry := time.Duration(*r.RetryAfter) * time.Second
		state.RetryAfter = &retry
	}
	return state
}

// selectRateLimitState returns nil, nil when no row matches.
func selectRateLimitState(ctx context.Context, db bun.IDB, key ratelimit.Key) (*rateLimitStateRecord, error) {
	record := &rateLimitStateRecord{}
	err := db.NewSelect().
		Model(record).
		Where("?TableAlias.bank_id = ?", key.BankID).
		Where("?TableAlias.endpoint = ?", key.Endpoint).
		Limit(1).
		Scan(ctx)
	switch {
	case errors.Is(err, sql.ErrNoRows):
		return nil, nil
	case err != nil:
		return nil, err
	}
	return record, nil
}

func normalizeRateLimitKey(key ratelimit.Key) ratelimit.Key {
	return ratelimit.Key{
		BankID:   strings.TrimSpace(key.BankID),
		Endpoint: strings.TrimSpace(strings.ToLower(key.Endpoint)),
	}
}

func validateRateLimitKey(key ratelimit.Key) error {
	if strings.TrimSpace(key.BankID) == "" {
		return fmt.Errorf("sqlstore: rate-limit bank id is required")
	}
	if strings.TrimSpace(key.Endpoint) == "" {
		return fmt.Errorf("sqlstore: rate-limit endpoint is required")
	}
	return nil
}

func copyTimePointer(input *time.Time) *time.Time {
	if input == nil {
		return nil
	}
	value := input.UTC()
	return &value
}

func durationToSecondsPointer(input *time.Duration) *int {
	if input == nil || *input <= 0 {
		return nil
	}
	seconds := int(input.Seconds())
	if seconds <= 0 {
		seconds = 1
	}
	return &seconds
}

func copyAnyMap(in map[string]any) map[string]any {
	if len(in) == 0 {
		return map[string]any{}
	}
	out := make(map[string]any, len(in))
	for key, value := range in {
		out[key] = value
	}
	return out
}
