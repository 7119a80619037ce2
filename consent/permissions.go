package consent

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/goliatone/go-openbanking/core"
)

// Account access permission codes.
const (
	ReadAccountsBasic           = "ReadAccountsBasic"
	ReadAccountsDetail          = "ReadAccountsDetail"
	ReadBalances                = "ReadBalances"
	ReadBeneficiariesBasic      = "ReadBeneficiariesBasic"
	ReadBeneficiariesDetail     = "ReadBeneficiariesDetail"
	ReadDirectDebits            = "ReadDirectDebits"
	ReadOffers                  = "ReadOffers"
	ReadPAN                     = "ReadPAN"
	ReadParty                   = "ReadParty"
	ReadPartyPSU                = "ReadPartyPSU"
	ReadProducts                = "ReadProducts"
	ReadScheduledPaymentsBasic  = "ReadScheduledPaymentsBasic"
	ReadScheduledPaymentsDetail = "ReadScheduledPaymentsDetail"
	ReadStandingOrdersBasic     = "ReadStandingOrdersBasic"
	ReadStandingOrdersDetail    = "ReadStandingOrdersDetail"
	ReadStatementsBasic         = "ReadStatementsBasic"
	ReadStatementsDetail        = "ReadStatementsDetail"
	ReadTransactionsBasic       = "ReadTransactionsBasic"
	ReadTransactionsCredits     = "ReadTransactionsCredits"
	ReadTransactionsDebits      = "ReadTransactionsDebits"
	ReadTransactionsDetail      = "ReadTransactionsDetail"
)

var knownPermissions = map[string]string{}

func init() {
	for _, code := range []string{
		ReadAccountsBasic, ReadAccountsDetail, ReadBalances,
		ReadBeneficiariesBasic, ReadBeneficiariesDetail, ReadDirectDebits,
		ReadOffers, ReadPAN, ReadParty, ReadPartyPSU, ReadProducts,
		ReadScheduledPaymentsBasic, ReadScheduledPaymentsDetail,
		ReadStandingOrdersBasic, ReadStandingOrdersDetail,
		ReadStatementsBasic, ReadStatementsDetail,
		ReadTransactionsBasic, ReadTransactionsCredits, ReadTransactionsDebits, ReadTransactionsDetail,
	} {
		knownPermissions[strings.ToLower(code)] = code
	}
}

// ValidatePermissions canonicalizes and de-duplicates codes, keeping their
// order. Transaction permissions must come in pairs: Basic or Detail together
// with Credits or Debits.
func ValidatePermissions(permissions []string) ([]string, error) {
	out := make([]string, 0, len(permissions))
	seen := map[string]struct{}{}
	unknown := []string{}
	for _, raw := range permissions {
		trimmed := strings.TrimSpace(raw)
		if trimmed == "" {
			continue
		}
		code, ok := knownPermissions[strings.ToLower(trimmed)]
		if !ok {
			unknown = append(unknown, trimmed)
			continue
		}
		if _, dup := seen[code]; dup {
			continue
		}
		seen[code] = struct{}{}
		out = append(out, code)
	}
	if len(unknown) > 0 {
		return nil, core.NewErrorWithMetadata(
			core.ErrorKindBadInput,
			nil,
			fmt.Sprintf("consent: unknown permission %q", unknown[0]),
			map[string]any{"unknown_permissions": unknown},
		)
	}
	if len(out) == 0 {
		return nil, core.NewError(core.ErrorKindBadInput, "consent: at least one permission is required")
	}

	_, basic := seen[ReadTransactionsBasic]
	_, detail := seen[ReadTransactionsDetail]
	_, credits := seen[ReadTransactionsCredits]
	_, debits := seen[ReadTransactionsDebits]
	if (basic || detail) && !credits && !debits {
		return nil, core.NewError(core.ErrorKindBadInput,
			"consent: transaction permissions need ReadTransactionsCredits or ReadTransactionsDebits")
	}
	if (credits || debits) && !basic && !detail {
		return nil, core.NewError(core.ErrorKindBadInput,
			"consent: ReadTransactionsCredits and ReadTransactionsDebits need ReadTransactionsBasic or ReadTransactionsDetail")
	}
	return out, nil
}

var (
	amountPattern   = regexp.MustCompile(`^\d{1,13}(\.\d{1,5})?$`)
	currencyPattern = regexp.MustCompile(`^[A-Z]{3}$`)
)

const (
	maxIdentificationLength = 256
	maxCreditorNameLength   = 350
	maxReferenceLength      = 35
	maxInstructionIDLength  = 35
)

// ValidatePayment checks a domestic payment initiation before it is sent.
func ValidatePayment(details core.PaymentDetails) error {
	violations := map[string]string{}
	amount := strings.TrimSpace(details.Amount)
	switch {
	case !amountPattern.MatchString(amount):
		violations["amount"] = "must be a decimal with at most 13 integer and 5 fraction digits"
	case strings.Trim(strings.ReplaceAll(amount, ".", ""), "0") == "":
		violations["amount"] = "must be positive"
	}
	if !currencyPattern.MatchString(strings.TrimSpace(details.Currency)) {
		violations["currency"] = "must be an ISO 4217 code"
	}
	creditor := details.CreditorAccount
	if strings.TrimSpace(creditor.SchemeName) == "" {
		violations["creditor_account.scheme_name"] = "is required"
	}
	switch identification := strings.TrimSpace(creditor.Identification); {
	case identification == "":
		violations["creditor_account.identification"] = "is required"
	case len(identification) > maxIdentificationLength:
		violations["creditor_account.identification"] = "is too long"
	}
	switch name := strings.TrimSpace(creditor.Name); {
	case name == "":
		violations["creditor_account.name"] = "is required"
	case len(name) > maxCreditorNameLength:
		violations["creditor_account.name"] = "is too long"
	}
	if len(strings.TrimSpace(details.Reference)) > maxReferenceLength {
		violations["reference"] = "is too long"
	}
	if len(strings.TrimSpace(details.InstructionIdentification)) > maxInstructionIDLength {
		violations["instruction_identification"] = "is too long"
	}
	if len(strings.TrimSpace(details.EndToEndIdentification)) > maxInstructionIDLength {
		violations["end_to_end_identification"] = "is too long"
	}
	if len(violations) == 0 {
		return nil
	}
	metadata := make(map[string]any, len(violations))
	for field, reason := range violations {
		metadata[field] = reason
	}
	return core.NewErrorWithMetadata(core.ErrorKindBadInput, nil, "consent: invalid payment details", metadata)
}
