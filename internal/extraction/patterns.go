package extraction

import (
	"strings"
	"unicode"

	"github.com/zombor/invoice-pipeline/internal/invoice"
)

const (
	amountExpr = `[$€£¥]?[ \t]?\d[\d,]*(?:\.\d{1,2})?`
	centsExpr  = `[$€£¥]?[ \t]?\d[\d,]*\.\d{2}`
	emailExpr  = `[A-Za-z0-9._%+-]+@[A-Za-z0-9.-]+\.[A-Za-z]{2,}`
	phoneExpr  = `\+?\(?\d{1,3}\)?[ \t.-]?\d{2,4}[ \t.-]?\d{3,4}(?:[ \t.-]?\d{3,4})?`
	monthExpr  = `(?i:jan|feb|mar|apr|may|jun|jul|aug|sep|oct|nov|dec)[a-z]*\.?`
	dateExpr   = `\d{4}[-/.]\d{1,2}[-/.]\d{1,2}` +
		`|\d{1,2}[-/.]\d{1,2}[-/.]\d{4}` +
		`|` + monthExpr + `[ \t]+\d{1,2},?[ \t]+\d{4}` +
		`|\d{1,2}[ \t]+` + monthExpr + `[ \t]+\d{4}` +
		`|\d{1,2}-` + monthExpr + `-\d{4}`
	personExpr = `[A-Z][a-z]+(?:[ \t]+[A-Z][a-z'.-]*)+`

	// label, optional "(10%)" or "(USD)", separator, amount, optional currency code
	moneyLineSuffix = `[ \t]*(?:\([^)\n]*\))?[ \t]*[:#=.\-]*[ \t]*(` + amountExpr + `)(?:[ \t]*[A-Z]{3})?[ \t]*$`
)

var currencySymbols = map[string]string{
	"$": "USD",
	"€": "EUR",
	"£": "GBP",
	"¥": "JPY",
}

// labelWords never appear inside a person or vendor name
var labelWords = []string{
	"invoice", "bill to", "billed", "ship to", "date", "due", "total", "subtotal",
	"tax", "amount", "balance", "description", "qty", "quantity", "unit", "price",
	"phone", "email", "page", "payment", "terms", "number", "receipt", "statement",
}

func moneyMatcher(field, labels string) matcher {
	return matcher{
		field: field,
		tiers: []pattern{
			labelled(`(?m)^[ \t]*(?i:` + labels + `)` + moneyLineSuffix),
			heuristic(`(?m)(?i:\b(?:` + labels + `))\b[^\n]*?(` + centsExpr + `)(?:[ \t]*[A-Z]{3})?[ \t]*$`),
		},
		accept: hasDigit,
	}
}

// defaultMatchers is the fixed, ordered matcher set
func defaultMatchers() []matcher {
	return []matcher{
		{
			field: invoice.FieldInvoiceNumber,
			tiers: []pattern{
				labelled(`(?i:\binvoice[ \t]*(?:no\.?|number|num\.?|#|id)|\binv[ \t]*(?:no\.?|#))[ \t]*[:#]?[ \t]*([A-Za-z0-9][A-Za-z0-9/_-]*)`),
				heuristic(`\b(INV[-_/]?[A-Za-z0-9][A-Za-z0-9/_-]*)`),
			},
			accept: hasDigit,
		},
		{
			field: invoice.FieldName,
			tiers: []pattern{
				labelled(`(?m)^[ \t]*(?i:bill(?:ed)?[ \t]+to|customer(?:[ \t]+name)?|client(?:[ \t]+name)?|name|attn\.?|attention)[ \t]*:?[ \t]*(?:\n[ \t]*)?(` + personExpr + `)`),
				weak(`(?m)^[ \t]*(?:[A-Za-z]+[ \t]+)?([A-Z][a-z]+[ \t]+[A-Z][a-z]+)[ \t]*$`),
			},
			accept:    notLabel,
			normalize: invoice.NormalizeText,
		},
		{
			field: invoice.FieldVendor,
			tiers: []pattern{
				labelled(`(?m)^[ \t]*(?i:vendor|from|seller|supplier|sold[ \t]+by|company)[ \t]*:[ \t]*(?:\n[ \t]*)?([^\n]*[A-Za-z][^\n]*?)[ \t]*$`),
				weak(`(?m)^[ \t]*([A-Z][A-Za-z0-9&.,'() -]*[A-Za-z.)])[ \t]*$`),
			},
			accept:    notLabel,
			normalize: invoice.NormalizeText,
		},
		{
			field: invoice.FieldEmail,
			tiers: []pattern{
				labelled(`(?i:e-?mail)[ \t]*:?[ \t]*(` + emailExpr + `)`),
				heuristic(`(` + emailExpr + `)`),
			},
		},
		{
			field: invoice.FieldPhone,
			tiers: []pattern{
				labelled(`(?i:\b(?:phone|tel(?:ephone)?|mobile|ph)\b)\.?[ \t]*[:#]?[ \t]*(` + phoneExpr + `)`),
				heuristic(`(\+?\(?\d{1,3}\)?[ \t.-]?\d{2,4}[ \t.-]?\d{3,4}[ \t.-]?\d{3,4})`),
			},
			accept: looksLikePhone,
		},
		{
			field: invoice.FieldDate,
			tiers: []pattern{
				labelled(`(?m)^[ \t]*(?i:(?:invoice|issue|billing)[ \t]+date|date(?:[ \t]+of[ \t]+issue)?|dated)[ \t]*:?[ \t]*(` + dateExpr + `)`),
				heuristic(`\b(` + dateExpr + `)\b`),
			},
		},
		{
			field: invoice.FieldCurrency,
			tiers: []pattern{
				labelled(`(?i:\bcurrency)[ \t]*:?[ \t]*([A-Z]{3})\b`),
				heuristic(`\b(USD|EUR|GBP|CAD|AUD|JPY|CHF|INR|NZD|SEK|NOK|DKK)\b`),
				weak(`([$€£¥])[ \t]?\d`),
			},
			normalize: func(v string) string {
				if code, ok := currencySymbols[v]; ok {
					return code
				}
				return v
			},
		},
		moneyMatcher(invoice.FieldSubtotal, `sub[ \t-]?total`),
		moneyMatcher(invoice.FieldTax, `(?:sales[ \t]+)?tax|vat|gst|hst`),
		moneyMatcher(invoice.FieldTotal, `total[ \t]+(?:due|amount|payable)|(?:grand|invoice)[ \t]+total|amount[ \t]+due|balance[ \t]+due|total`),
	}
}

func hasDigit(s string) bool {
	return strings.IndexFunc(s, unicode.IsDigit) >= 0
}

func notLabel(s string) bool {
	lower := strings.ToLower(s)
	for _, w := range labelWords {
		if strings.Contains(lower, w) {
			return false
		}
	}
	return true
}

// looksLikePhone drops candidates that are really dates or too short
func looksLikePhone(s string) bool {
	digits := 0
	for _, r := range s {
		if unicode.IsDigit(r) {
			digits++
		}
	}
	if digits < 7 || digits > 15 {
		return false
	}
	for _, locale := range []invoice.DateLocale{invoice.LocaleUS, invoice.LocaleEU} {
		if _, err := invoice.ParseDate(s, locale); err == nil {
			return false
		}
	}
	return true
}
