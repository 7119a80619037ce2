package sqlstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/goliatone/go-openbanking/core"
	repository "github.com/goliatone/go-repository-bun"
	"github.com/google/uuid"
	"github.com/uptrace/bun"
)

// SecureStore keeps sealed vault envelopes in SQL. It never sees plaintext.
type SecureStore struct {
	db   *bun.DB
	repo repository.Repository[*secureEntryRecord]
	now  func() time.Time
}

func NewSecureStore(db *bun.DB) (*SecureStore, error) {
	if db == nil {
		return nil, fmt.Errorf("sqlstore: bun db is required")
	}
	repo := repository.NewRepository[*secureEntryRecord](db, secureEntryHandlers())
	if validator, ok := repo.(repository.Validator); ok {
		if err := validator.Validate(); err != nil {
			return nil, fmt.Errorf("sqlstore: invalid secure entry repository wiring: %w", err)
		}
	}
	return &SecureStore{
		db:   db,
		repo: repo,
		now:  func() time.Time { return time.Now().UTC() },
	}, nil
}

func (s *SecureStore) Get(ctx context.Context, key string) ([]byte, bool, error) {
	if s == nil || s.repo == nil {
		return nil, false, unavailable(fmt.Errorf("sqlstore: secure store is not configured"), "get")
	}
	records, _, err := s.repo.List(ctx,
		repository.SelectBy("entry_key", "=", strings.TrimSpace(key)),
		repository.SelectPaginate(1, 0),
	)
	if err != nil {
		return nil, false, unavailable(err, "get")
	}
	if len(records) == 0 {
		return nil, false, nil
	}
	return append([]byte(nil), records[0].Envelope...), true, nil
}

func (s *SecureStore) Put(ctx context.Context, key string, value []byte) error {
	if s == nil || s.db == nil {
		return unavailable(fmt.Errorf("sqlstore: secure store is not configured"), "put")
	}
	trimmed := strings.TrimSpace(key)
	if trimmed == "" {
		return core.NewError(core.ErrorKindBadInput, "sqlstore: secure entry key is required")
	}
	now := s.now()
	err := s.db.RunInTx(ctx, nil, func(ctx context.Context, tx bun.Tx) error {
		existing := &secureEntryRecord{}
		err := tx.NewSelect().
			Model(existing).
			Where("?TableAlias.entry_key = ?", trimmed).
			Limit(1).
			Scan(ctx)
		switch {
		case errors.Is(err, sql.ErrNoRows):
			record := &secureEntryRecord{
				ID:        uuid.NewString(),
				Key:       trimmed,
				Envelope:  append([]byte(nil), value...),
				CreatedAt: now,
				UpdatedAt: now,
			}
			_, createErr := s.repo.CreateTx(ctx, tx, record)
			return createErr
		case err != nil:
			return err
		}
		_, updateErr := tx.NewUpdate().
			Model((*secureEntryRecord)(nil)).
			Set("envelope = ?", append([]byte(nil), value...)).
			Set("updated_at = ?", now).
			Where("id = ?", existing.ID).
			Exec(ctx)
		return updateErr
	})
	if err != nil {
		return unavailable(err, "put")
	}
	return nil
}

func (s *SecureStore) Delete(ctx context.Context, key string) error {
	if s == nil || s.db == nil {
		return unavailable(fmt.Errorf("sqlstore: secure store is not configured"), "delete")
	}
	_, err := s.db.NewDelete().
		Model((*secureEntryRecord)(nil)).
		Where("entry_key = ?", strings.TrimSpace(key)).
		Exec(ctx)
	if err != nil {
		return unavailable(err, "delete")
	}
	return nil
}

func (s *SecureStore) Keys(ctx context.Context) ([]string, error) {
	if s == nil || s.repo == nil {
		return nil, unavailable(fmt.Errorf("sqlstore: secure store is not configured"), "keys")
	}
	records, _, err := s.repo.List(ctx, repository.OrderBy("entry_key ASC"))
	if err != nil {
		return nil, unavailable(err, "keys")
	}
	keys := make([]string, 0, len(records))
	for _, record := range records {
		keys = append(keys, record.Key)
	}
	return keys, nil
}

func unavailable(err error, operation string) error {
	return core.WrapError(core.ErrorKindKeystoreUnavailable, err, "sqlstore: secure store "+operation)
}
