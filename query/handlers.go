package query

import (
	"context"

	"github.com/goliatone/go-openbanking/core"
)

type ConsentReader interface {
	ConsentStatus(ctx context.Context, consentID string) (core.Consent, error)
	RequireConsent(ctx context.Context, consentID string, purpose core.ConsentPurpose) (core.Consent, error)
}

// ConsentLister is satisfied by every consent record store.
type ConsentLister interface {
	ListByBank(ctx context.Context, bankID string) ([]core.Consent, error)
}

type ComplianceReader interface {
	SecurityCompliance(ctx context.Context) (core.ComplianceReport, error)
}

type ConsentStatusQuery struct {
	reader ConsentReader
}

func NewConsentStatusQuery(reader ConsentReader) *ConsentStatusQuery {
	return &ConsentStatusQuery{reader: reader}
}

func (q *ConsentStatusQuery) Query(ctx context.Context, msg ConsentStatusMessage) (core.Consent, error) {
	if q == nil || q.reader == nil {
		return core.Consent{}, queryDependencyError("query: consent reader is required")
	}
	return q.reader.ConsentStatus(ctx, msg.ConsentID)
}

type RequireConsentQuery struct {
	reader ConsentReader
}

func NewRequireConsentQuery(reader ConsentReader) *RequireConsentQuery {
	return &RequireConsentQuery{reader: reader}
}

func (q *RequireConsentQuery) Query(ctx context.Context, msg RequireConsentMessage) (core.Consent, error) {
	if q == nil || q.reader == nil {
		return core.Consent{}, queryDependencyError("query: consent reader is required")
	}
	return q.reader.RequireConsent(ctx, msg.ConsentID, msg.Purpose)
}

type ListConsentsQuery struct {
	lister ConsentLister
}

func NewListConsentsQuery(lister ConsentLister) *ListConsentsQuery {
	return &ListConsentsQuery{lister: lister}
}

func (q *ListConsentsQuery) Query(ctx context.Context, msg ListConsentsMessage) ([]core.Consent, error) {
	if q == nil || q.lister == nil {
		return nil, queryDependencyError("query: consent lister is required")
	}
	return q.lister.ListByBank(ctx, msg.BankID)
}

type SecurityComplianceQuery struct {
	reader ComplianceReader
}

func NewSecurityComplianceQuery(reader ComplianceReader) *SecurityComplianceQuery {
	return &SecurityComplianceQuery{reader: reader}
}

func (q *SecurityComplianceQuery) Query(ctx context.Context, _ SecurityComplianceMessage) (core.ComplianceReport, error) {
	if q == nil || q.reader == nil {
		return core.ComplianceReport{}, queryDependencyError("query: compliance reader is required")
	}
	return q.reader.SecurityCompliance(ctx)
}
