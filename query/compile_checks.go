package query

import (
	gocmd "github.com/goliatone/go-command"
	"github.com/goliatone/go-openbanking/core"
)

var (
	_ gocmd.Querier[ConsentStatusMessage, core.Consent]               = (*ConsentStatusQuery)(nil)
	_ gocmd.Querier[RequireConsentMessage, core.Consent]              = (*RequireConsentQuery)(nil)
	_ gocmd.Querier[ListConsentsMessage, []core.Consent]              = (*ListConsentsQuery)(nil)
	_ gocmd.Querier[SecurityComplianceMessage, core.ComplianceReport] = (*SecurityComplianceQuery)(nil)
)
