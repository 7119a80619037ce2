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

// ConsentStore persists the local consent view keyed by the bank's consent
// id.
type ConsentStore struct {
	db   *bun.DB
	repo repository.Repository[*consentRecord]
	now  func() time.Time
}

func NewConsentStore(db *bun.DB) (*ConsentStore, error) {
	if db == nil {
		return nil, fmt.Errorf("sqlstore: bun db is required")
	}
	repo := repository.NewRepository[*consentRecord](db, consentHandlers())
	if validator, ok := repo.(repository.Validator); ok {
		if err := validator.Validate(); err != nil {
			return nil, fmt.Errorf("sqlstore: invalid consent repository wiring: %w", err)
		}
	}
	return &ConsentStore{
		db:   db,
		repo: repo,
		now:  func() time.Time { return time.Now().UTC() },
	}, nil
}

func (s *ConsentStore) Get(ctx context.Context, consentID string) (core.Consent, bool, error) {
	if s == nil || s.repo == nil {
		return core.Consent{}, false, fmt.Errorf("sqlstore: consent store is not configured")
	}
	records, _, err := s.repo.List(ctx,
		repository.SelectBy("consent_id", "=", strings.TrimSpace(consentID)),
		repository.SelectPaginate(1, 0),
	)
	if err != nil {
		return core.Consent{}, false, err
	}
	if len(records) == 0 {
		return core.Consent{}, false, nil
	}
	return records[0].toDomain(), true, nil
}

func (s *ConsentStore) Save(ctx context.Context, in core.Consent) error {
	if s == nil || s.db == nil {
		return fmt.Errorf("sqlstore: consent store is not configured")
	}
	consentID := strings.TrimSpace(in.ConsentID)
	if consentID == "" {
		return fmt.Errorf("sqlstore: consent id is required")
	}
	if !in.Status.Valid() {
		return fmt.Errorf("sqlstore: invalid consent status %q", in.Status)
	}
	now := s.now()

	return s.db.RunInTx(ctx, nil, func(ctx context.Context, tx bun.Tx) error {
		existing := &consentRecord{}
		err := tx.NewSelect().
			Model(existing).
			Where("?TableAlias.consent_id = ?", consentID).
			Limit(1).
			Scan(ctx)
		switch {
		case errors.Is(err, sql.ErrNoRows):
			record := newConsentRecord(in, now)
			record.ID = uuid.NewString()
			_, createErr := s.repo.CreateTx(ctx, tx, record)
			return createErr
		case err != nil:
			return err
		}

		record := newConsentRecord(in, now)
		record.ID = existing.ID
		record.CreatedAt = existing.CreatedAt
		_, updateErr := tx.NewUpdate().
			Model(record).
			Column("bank_id", "kind", "status", "permissions", "payment",
				"expiration_date_time", "status_updated_at", "checked_at", "updated_at").
			Where("id = ?", existing.ID).
			Exec(ctx)
		return updateErr
	})
}

func (s *ConsentStore) Delete(ctx context.Context, consentID string) error {
	if s == nil || s.db == nil {
		return fmt.Errorf("sqlstore: consent store is not configured")
	}
	_, err := s.db.NewDelete().
		Model((*consentRecord)(nil)).
		Where("consent_id = ?", strings.TrimSpace(consentID)).
		Exec(ctx)
	return err
}

func (s *ConsentStore) ListByBank(ctx context.Context, bankID string) ([]core.Consent, error) {
	if s == nil || s.repo == nil {
		return nil, fmt.Errorf("sqlstore: consent store is not configured")
	}
	criteria := []repository.SelectCriteria{repository.OrderBy("created_at ASC")}
	if trimmed := strings.TrimSpace(bankID); trimmed != "" {
		criteria = append(criteria, repository.SelectBy("bank_id", "=", trimmed))
	}
	records, _, err := s.repo.List(ctx, criteria...)
	if err != nil {
		return nil, err
	}
	out := make([]core.Consent, 0, len(records))
	for _, record := range records {
		out = append(out, record.toDomain())
	}
	return out, nil
}

func newConsentRecord(in core.Consent, now time.Time) *consentRecord {
	created := in.CreatedAt
	if created.IsZero() {
		created = now
	}
	record := &consentRecord{
		ConsentID:          strings.TrimSpace(in.ConsentID),
		BankID:             strings.TrimSpace(in.BankID),
		Kind:               string(in.Kind),
		Status:             string(in.Status),
		Permissions:        append([]string{}, in.Permissions...),
		ExpirationDateTime: timePointer(in.ExpirationDateTime),
		StatusUpdatedAt:    timePointer(in.StatusUpdatedAt),
		CheckedAt:          timePointer(in.CheckedAt),
		CreatedAt:          created.UTC(),
		UpdatedAt:          now,
	}
	if in.Payment != nil {
		record.Payment = &paymentDocument{
			InstructionIdentification: in.Payment.InstructionIdentification,
			EndToEndIdentification:    in.Payment.EndToEndIdentification,
			Amount:                    in.Payment.Amount,
			Currency:                  in.Payment.Currency,
			CreditorSchemeName:        in.Payment.CreditorAccount.SchemeName,
			CreditorIdentification:    in.Payment.CreditorAccount.Identification,
			CreditorName:              in.Payment.CreditorAccount.Name,
			Reference:                 in.Payment.Reference,
		}
	}
	return record
}

func (r *consentRecord) toDomain() core.Consent {
	if r == nil {
		return core.Consent{}
	}
	out := core.Consent{
		ConsentID:          r.ConsentID,
		BankID:             r.BankID,
		Kind:               core.ConsentKind(r.Kind),
		Status:             core.ConsentStatus(r.Status),
		Permissions:        append([]string(nil), r.Permissions...),
		ExpirationDateTime: timeValue(r.ExpirationDateTime),
		CreatedAt:          r.CreatedAt.UTC(),
		StatusUpdatedAt:    timeValue(r.StatusUpdatedAt),
		CheckedAt:          timeValue(r.CheckedAt),
	}
	if r.Payment != nil {
		out.Payment = &core.PaymentDetails{
			InstructionIdentification: r.Payment.InstructionIdentification,
			EndToEndIdentification:    r.Payment.EndToEndIdentification,
			Amount:                    r.Payment.Amount,
			Currency:                  r.Payment.Currency,
			CreditorAccount: core.AccountIdentification{
				SchemeName:     r.Payment.CreditorSchemeName,
				Identification: r.Payment.CreditorIdentification,
				Name:           r.Payment.CreditorName,
			},
			Reference: r.Payment.Reference,
		}
	}
	return out
}

func timePointer(value time.Time) *time.Time {
	if value.IsZero() {
		return nil
	}
	utc := value.UTC()
	return &utc
}

func timeValue(value *time.Time) time.Time {
	if value == nil {
		return time.Time{}
	}
	return value.UTC()
}
