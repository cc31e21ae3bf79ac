package rules

import (
	"time"

	"github.com/shopspring/decimal"

	"github.com/zombor/invoice-pipeline/internal/invoice"
)

// Settings configures the built-in rule set
type Settings struct {
	Now           func() time.Time
	Locale        invoice.DateLocale
	Tolerance     decimal.Decimal
	MaxTaxRate    decimal.Decimal
	InvoicePrefix string
	// Severities overrides the default severity per rule name
	Severities map[string]invoice.Severity
	// Disabled drops rules by name
	Disabled map[string]bool
}

// DefaultSettings uses a 0.01 tolerance, a 20% tax ceiling and the US locale
func DefaultSettings() Settings {
	return Settings{
		Now:        time.Now,
		Locale:     invoice.LocaleUS,
		Tolerance:  decimal.RequireFromString("0.01"),
		MaxTaxRate: decimal.RequireFromString("0.20"),
	}
}

var defaultSeverities = map[string]invoice.Severity{
	NameDateNotInFuture:     invoice.Blocking,
	NameUniqueInvoiceNumber: invoice.Blocking,
	NameTotalMatchesItems:   invoice.Blocking,
	NameEmailSanity:         invoice.Advisory,
	NameLineItemArithmetic:  invoice.Blocking,
	NameSubtotalMatches:     invoice.Blocking,
	NameTaxRateCeiling:      invoice.Advisory,
	NameInvoiceNumberPrefix: invoice.Advisory,
	NameVendorPresent:       invoice.Advisory,
}

// BuiltinNames lists every built-in rule in registration order
var BuiltinNames = []string{
	NameDateNotInFuture,
	NameUniqueInvoiceNumber,
	NameTotalMatchesItems,
	NameEmailSanity,
	NameLineItemArithmetic,
	NameSubtotalMatches,
	NameTaxRateCeiling,
	NameInvoiceNumberPrefix,
	NameVendorPresent,
}

// DefaultSeverity returns the built-in severity of a rule
func DefaultSeverity(name string) (invoice.Severity, bool) {
	s, ok := defaultSeverities[name]
	return s, ok
}

// NewDefaultEngine registers the built-in rules. The invoice number prefix
// rule is only registered when a prefix is configured.
func NewDefaultEngine(s Settings) *Engine {
	builtins := map[string]Rule{
		NameDateNotInFuture:     DateNotInFuture{Now: s.Now, Locale: s.Locale},
		NameUniqueInvoiceNumber: UniqueInvoiceNumber{},
		NameTotalMatchesItems:   TotalMatchesLineItems{Tolerance: s.Tolerance},
		NameEmailSanity:         EmailSanity{},
		NameLineItemArithmetic:  LineItemArithmetic{Tolerance: s.Tolerance},
		NameSubtotalMatches:     SubtotalMatchesLineItems{Tolerance: s.Tolerance},
		NameTaxRateCeiling:      TaxRateCeiling{MaxRate: s.MaxTaxRate},
		NameInvoiceNumberPrefix: InvoiceNumberPrefix{Prefix: s.InvoicePrefix},
		NameVendorPresent:       VendorPresent{},
	}

	engine := NewEngine()
	for _, name := range BuiltinNames {
		if s.Disabled[name] {
			continue
		}
		if name == NameInvoiceNumberPrefix && s.InvoicePrefix == "" {
			continue
		}
		severity := defaultSeverities[name]
		if override, ok := s.Severities[name]; ok {
			severity = override
		}
		engine.Register(builtins[name], severity)
	}
	return engine
}
