package consent

import (
	"reflect"
	"testing"

	"github.com/goliatone/go-openbanking/core"
)

func TestValidatePermissions(t *testing.T) {
	tests := []struct {
		name  string
		input []string
		want  []string
		kind  core.ErrorKind
	}{
		{
			name:  "canonicalizes and dedupes",
			input: []string{"readaccountsbasic", " ReadBalances ", "ReadAccountsBasic"},
			want:  []string{ReadAccountsBasic, ReadBalances},
		},
		{
			name:  "transactions with companion",
			input: []string{ReadTransactionsDetail, ReadTransactionsCredits, ReadTransactionsDebits},
			want:  []string{ReadTransactionsDetail, ReadTransactionsCredits, ReadTransactionsDebits},
		},
		{name: "empty", input: []string{" "}, kind: core.ErrorKindBadInput},
		{name: "unknown code", input: []string{ReadBalances, "ReadEverything"}, kind: core.ErrorKindBadInput},
		{name: "basic without direction", input: []string{ReadTransactionsBasic}, kind: core.ErrorKindBadInput},
		{name: "direction without detail", input: []string{ReadTransactionsDebits}, kind: core.ErrorKindBadInput},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			got, err := ValidatePermissions(tc.input)
			if tc.kind != "" {
				if !core.IsKind(err, tc.kind) {
					t.Fatalf("expected %s, got %v", tc.kind, err)
				}
				return
			}
			if err != nil {
				t.Fatalf("validate: %v", err)
			}
			if !reflect.DeepEqual(got, tc.want) {
				t.Fatalf("expected %v, got %v", tc.want, got)
			}
		})
	}
}

func validPayment() core.PaymentDetails {
	return core.PaymentDetails{
		Amount:   "10.50",
		Currency: "GBP",
		CreditorAccount: core.AccountIdentification{
			SchemeName:     "UK.OBIE.SortCodeAccountNumber",
			Identification: "08080021325698",
			Name:           "ACME Inc",
		},
		Reference: "FRESCO-101",
	}
}

func TestValidatePayment(t *testing.T) {
	if err := ValidatePayment(validPayment()); err != nil {
		t.Fatalf("expected valid payment, got %v", err)
	}

	tests := map[string]func(*core.PaymentDetails){
		"zero amount":        func(p *core.PaymentDetails) { p.Amount = "0.00" },
		"negative amount":    func(p *core.PaymentDetails) { p.Amount = "-1" },
		"non numeric amount": func(p *core.PaymentDetails) { p.Amount = "ten" },
		"lowercase currency": func(p *core.PaymentDetails) { p.Currency = "gbp" },
		"missing scheme":     func(p *core.PaymentDetails) { p.CreditorAccount.SchemeName = "" },
		"missing account":    func(p *core.PaymentDetails) { p.CreditorAccount.Identification = "" },
		"missing creditor":   func(p *core.PaymentDetails) { p.CreditorAccount.Name = " " },
		"long reference":     func(p *core.PaymentDetails) { p.Reference = "0123456789012345678901234567890123456789" },
	}
	for name, mutate := range tests {
		t.Run(name, func(t *testing.T) {
			payment := validPayment()
			mutate(&payment)
			err := ValidatePayment(payment)
			if !core.IsKind(err, core.ErrorKindBadInput) {
				t.Fatalf("expected bad input, got %v", err)
			}
		})
	}
}

func TestParseStatus(t *testing.T) {
	for input, want := range map[string]core.ConsentStatus{
		"AwaitingAuthorisation": core.ConsentStatusAwaitingAuthorisation,
		"authorised":            core.ConsentStatusAuthorised,
		"Rejected":              core.ConsentStatusRejected,
		"Revoked":               core.ConsentStatusRevoked,
		"Expired":               core.ConsentStatusExpired,
		"Consumed":              core.ConsentStatusRevoked,
	} {
		got, err := ParseStatus(input)
		if err != nil || got != want {
			t.Fatalf("%s: expected %s, got %s (%v)", input, want, got, err)
		}
	}
	if _, err := ParseStatus("Pending"); !core.IsKind(err, core.ErrorKindBankUnavailable) {
		t.Fatalf("expected bank unavailable for unknown status, got %v", err)
	}
}
