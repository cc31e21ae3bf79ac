package rules

import (
	"fmt"
	"net/mail"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"github.com/zombor/invoice-pipeline/internal/invoice"
)

// Built-in rule names, as referenced by configuration
const (
	NameDateNotInFuture     = "date-not-in-future"
	NameUniqueInvoiceNumber = "invoice-number-unique"
	NameTotalMatchesItems   = "total-matches-line-items"
	NameEmailSanity         = "email-format-sanity"
	NameLineItemArithmetic  = "line-item-arithmetic"
	NameSubtotalMatches     = "subtotal-matches-line-items"
	NameTaxRateCeiling      = "tax-rate-ceiling"
	NameInvoiceNumberPrefix = "invoice-number-prefix"
	NameVendorPresent       = "vendor-present"
)

// Failure codes
const (
	CodeDateInFuture           = "DateInFuture"
	CodeDuplicateInvoiceNumber = "DuplicateInvoiceNumber"
	CodeTotalMismatch          = "TotalMismatch"
	CodeInvalidEmail           = "InvalidEmail"
	CodeLineItemMismatch       = "LineItemMismatch"
	CodeSubtotalMismatch       = "SubtotalMismatch"
	CodeTaxRateExceeded        = "TaxRateExceeded"
	CodeInvoiceNumberFormat    = "InvoiceNumberFormat"
	CodeMissingVendor          = "MissingVendor"
)

// DateNotInFuture fails invoices dated after today
type DateNotInFuture struct {
	Now    func() time.Time
	Locale invoice.DateLocale
}

func (r DateNotInFuture) Name() string { return NameDateNotInFuture }

func (r DateNotInFuture) Evaluate(record *invoice.CandidateRecord, _ *BatchContext) Outcome {
	raw := record.Value(invoice.FieldDate)
	if raw == "" {
		return Pass()
	}
	date, err := invoice.ParseDate(raw, r.Locale)
	if err != nil {
		return Pass()
	}
	now := time.Now
	if r.Now != nil {
		now = r.Now
	}
	y, m, d := now().Date()
	today := time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
	if date.After(today) {
		return Failure(CodeDateInFuture, "invoice date %s is after %s", date.Format(invoice.ISODate), today.Format(invoice.ISODate))
	}
	return Pass()
}

// UniqueInvoiceNumber fails a record whose invoice number was already claimed
// by a different record in the batch
type UniqueInvoiceNumber struct{}

func (UniqueInvoiceNumber) Name() string { return NameUniqueInvoiceNumber }

func (UniqueInvoiceNumber) Evaluate(record *invoice.CandidateRecord, batch *BatchContext) Outcome {
	number := record.Value(invoice.FieldInvoiceNumber)
	if number == "" {
		return Pass()
	}
	owner, ok := batch.Owner(number)
	if ok && owner != record.SourceID() {
		return Failure(CodeDuplicateInvoiceNumber, "invoice number %s already used by %s", number, owner)
	}
	return Pass()
}

// TotalMatchesLineItems compares the stated total with the line items plus
// any stated tax
type TotalMatchesLineItems struct {
	Tolerance decimal.Decimal
}

func (r TotalMatchesLineItems) Name() string { return NameTotalMatchesItems }

func (r TotalMatchesLineItems) Evaluate(record *invoice.CandidateRecord, _ *BatchContext) Outcome {
	if len(record.LineItems()) == 0 {
		return Pass()
	}
	total, err := invoice.ParseAmount(record.Value(invoice.FieldTotal))
	if err != nil {
		return Pass()
	}
	expected := record.LineItemsTotal()
	if tax, err := invoice.ParseAmount(record.Value(invoice.FieldTax)); err == nil {
		expected = expected.Add(tax)
	}
	if total.Sub(expected).Abs().GreaterThan(r.Tolerance) {
		return Failure(CodeTotalMismatch, "total %s does not match line items %s (tolerance %s)",
			total.StringFixed(2), expected.StringFixed(2), r.Tolerance.String())
	}
	return Pass()
}

// EmailSanity flags addresses that have the right shape but are unlikely to
// be deliverable
type EmailSanity struct{}

func (EmailSanity) Name() string { return NameEmailSanity }

func (EmailSanity) Evaluate(record *invoice.CandidateRecord, _ *BatchContext) Outcome {
	email := record.Value(invoice.FieldEmail)
	if email == "" {
		return Pass()
	}
	if problem := emailProblem(email); problem != "" {
		return Failure(CodeInvalidEmail, "email %q %s", email, problem)
	}
	return Pass()
}

func emailProblem(email string) string {
	if len(email) > 254 {
		return "is too long"
	}
	addr, err := mail.ParseAddress(email)
	if err != nil || addr.Address != email {
		return "is not a bare address"
	}
	at := strings.LastIndex(email, "@")
	local, domain := email[:at], email[at+1:]
	if len(local) > 64 {
		return "has a local part longer than 64 characters"
	}
	if strings.HasPrefix(local, ".") || strings.HasSuffix(local, ".") || strings.Contains(local, "..") {
		return "has misplaced dots in the local part"
	}
	labels := strings.Split(domain, ".")
	if len(labels) < 2 {
		return "has no top-level domain"
	}
	for _, label := range labels {
		if label == "" || strings.HasPrefix(label, "-") || strings.HasSuffix(label, "-") {
			return "has a malformed domain"
		}
	}
	tld := labels[len(labels)-1]
	if len(tld) < 2 || strings.IndexFunc(tld, func(r rune) bool { return r < 'A' || (r > 'Z' && r < 'a') || r > 'z' }) >= 0 {
		return "has a malformed top-level domain"
	}
	return ""
}

// LineItemArithmetic checks quantity times unit price on every line
type LineItemArithmetic struct {
	Tolerance decimal.Decimal
}

func (r LineItemArithmetic) Name() string { return NameLineItemArithmetic }

func (r LineItemArithmetic) Evaluate(record *invoice.CandidateRecord, _ *BatchContext) Outcome {
	var bad []string
	for i, item := range record.LineItems() {
		expected := item.Quantity.Mul(item.UnitPrice)
		if expected.Sub(item.Amount).Abs().GreaterThan(r.Tolerance) {
			bad = append(bad, fmt.Sprintf("line %d (%s): %s x %s = %s, stated %s",
				i+1, item.Description, item.Quantity.String(), item.UnitPrice.StringFixed(2),
				expected.StringFixed(2), item.Amount.StringFixed(2)))
		}
	}
	if len(bad) > 0 {
		return Failure(CodeLineItemMismatch, "%s", strings.Join(bad, "; "))
	}
	return Pass()
}

// SubtotalMatchesLineItems compares the stated subtotal with the line items
type SubtotalMatchesLineItems struct {
	Tolerance decimal.Decimal
}

func (r SubtotalMatchesLineItems) Name() string { return NameSubtotalMatches }

func (r SubtotalMatchesLineItems) Evaluate(record *invoice.CandidateRecord, _ *BatchContext) Outcome {
	if len(record.LineItems()) == 0 {
		return Pass()
	}
	subtotal, err := invoice.ParseAmount(record.Value(invoice.FieldSubtotal))
	if err != nil {
		return Pass()
	}
	sum := record.LineItemsTotal()
	if subtotal.Sub(sum).Abs().GreaterThan(r.Tolerance) {
		return Failure(CodeSubtotalMismatch, "subtotal %s does not match line items %s", subtotal.StringFixed(2), sum.StringFixed(2))
	}
	return Pass()
}

// TaxRateCeiling flags tax above a fraction of the subtotal
type TaxRateCeiling struct {
	MaxRate decimal.Decimal
}

func (r TaxRateCeiling) Name() string { return NameTaxRateCeiling }

func (r TaxRateCeiling) Evaluate(record *invoice.CandidateRecord, _ *BatchContext) Outcome {
	tax, err := invoice.ParseAmount(record.Value(invoice.FieldTax))
	if err != nil {
		return Pass()
	}
	base, err := invoice.ParseAmount(record.Value(invoice.FieldSubtotal))
	if err != nil {
		base = record.LineItemsTotal()
	}
	if !base.IsPositive() {
		return Pass()
	}
	if limit := base.Mul(r.MaxRate); tax.GreaterThan(limit) {
		return Failure(CodeTaxRateExceeded, "tax %s exceeds %s%% of %s",
			tax.StringFixed(2), r.MaxRate.Mul(decimal.NewFromInt(100)).String(), base.StringFixed(2))
	}
	return Pass()
}

// InvoiceNumberPrefix flags invoice numbers without the expected prefix
type InvoiceNumberPrefix struct {
	Prefix string
}

func (r InvoiceNumberPrefix) Name() string { return NameInvoiceNumberPrefix }

func (r InvoiceNumberPrefix) Evaluate(record *invoice.CandidateRecord, _ *BatchContext) Outcome {
	number := record.Value(invoice.FieldInvoiceNumber)
	if number == "" || r.Prefix == "" {
		return Pass()
	}
	if !strings.HasPrefix(strings.ToUpper(number), strings.ToUpper(r.Prefix)) {
		return Failure(CodeInvoiceNumberFormat, "invoice number %s does not start with %s", number, r.Prefix)
	}
	return Pass()
}

// VendorPresent flags records with no vendor
type VendorPresent struct{}

func (VendorPresent) Name() string { return NameVendorPresent }

func (VendorPresent) Evaluate(record *invoice.CandidateRecord, _ *BatchContext) Outcome {
	if strings.TrimSpace(record.Value(invoice.FieldVendor)) == "" {
		return Failure(CodeMissingVendor, "vendor is missing")
	}
	return Pass()
}
