package sqlstore

import (
	"time"

	"github.com/uptrace/bun"
)

type secureEntryRecord struct {
	bun.BaseModel `bun:"table:openbanking_secure_entries,alias:ose"`

	ID        string    `bun:"id,pk"`
	Key       string    `bun:"entry_key,notnull"`
	Envelope  []byte    `bun:"envelope,notnull"`
	CreatedAt time.Time `bun:"created_at,nullzero,notnull,default:current_timestamp"`
	UpdatedAt time.Time `bun:"updated_at,nullzero,notnull,default:current_timestamp"`
}

type paymentDocument struct {
	InstructionIdentification string `json:"instruction_identification"`
	EndToEndIdentification    string `json:"end_to_end_identification"`
	Amount                    string `json:"amount"`
	Currency                  string `json:"currency"`
	CreditorSchemeName        string `json:"creditor_scheme_name"`
	CreditorIdentification    string `json:"creditor_identification"`
	CreditorName              string `json:"creditor_name,omitempty"`
	Reference                 string `json:"reference,omitempty"`
}

type consentRecord struct {
	bun.BaseModel `bun:"table:openbanking_consents,alias:oc"`

	ID                 string           `bun:"id,pk"`
	ConsentID          string           `bun:"consent_id,notnull"`
	BankID             string           `bun:"bank_id,notnull"`
	Kind               string           `bun:"kind,notnull"`
	Status             string           `bun:"status,notnull"`
	Permissions        []string         `bun:"permissions,type:jsonb,notnull"`
	Payment            *paymentDocument `bun:"payment,type:jsonb"`
	ExpirationDateTime *time.Time       `bun:"expiration_date_time,nullzero"`
	StatusUpdatedAt    *time.Time       `bun:"status_updated_at,nullzero"`
	CheckedAt          *time.Time       `bun:"checked_at,nullzero"`
	CreatedAt          time.Time        `bun:"created_at,nullzero,notnull,default:current_timestamp"`
	UpdatedAt          time.Time        `bun:"updated_at,nullzero,notnull,default:current_timestamp"`
}

type rateLimitStateRecord struct {
	bun.BaseModel `bun:"table:openbanking_rate_limit_state,alias:orl"`

	ID             string         `bun:"id,pk"`
	BankID         string         `bun:"bank_id,notnull"`
	Endpoint       string         `bun:"endpoint,notnull"`
	Limit          int            `bun:"limit,notnull"`
	Remaining      int            `bun:"remaining,notnull"`
	ResetAt        *time.Time     `bun:"reset_at,nullzero"`
	RetryAfter     *int           `bun:"retry_after_seconds"`
	ThrottledUntil *time.Time     `bun:"throttled_until,nullzero"`
	LastStatus     int            `bun:"last_status,notnull"`
	Attempts       int            `bun:"attempts,notnull"`
	Metadata       map[string]any `bun:"metadata,type:jsonb,notnull"`
	CreatedAt      time.Time      `bun:"created_at,nullzero,notnull,default:current_timestamp"`
	UpdatedAt      time.Time      `bun:"updated_at,nullzero,notnull,default:current_timestamp"`
}
