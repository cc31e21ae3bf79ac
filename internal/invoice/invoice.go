package invoice

import (
	"encoding/json"
	"fmt"

	"github.com/shopspring/decimal"
)

// Field names produced by the extractor. The order of FieldNames is the
// order in which fields are reported and exported.
const (
	FieldInvoiceNumber = "invoice_number"
	FieldName          = "name"
	FieldVendor        = "vendor"
	FieldEmail         = "email"
	FieldPhone         = "phone"
	FieldDate          = "date"
	FieldCurrency      = "currency"
	FieldSubtotal      = "subtotal"
	FieldTax           = "tax"
	FieldTotal         = "total"
)

// FieldNames lists every field a CandidateRecord carries
var FieldNames = []string{
	FieldInvoiceNumber,
	FieldName,
	FieldVendor,
	FieldEmail,
	FieldPhone,
	FieldDate,
	FieldCurrency,
	FieldSubtotal,
	FieldTax,
	FieldTotal,
}

// MatchKind tags a Field as matched or unmatched
type MatchKind string

const (
	KindUnmatched MatchKind = "unmatched"
	KindMatched   MatchKind = "matched"
)

// Field is a single extracted value. An Unmatched field has an empty Value
// and zero Confidence.
type Field struct {
	Name       string    `json:"name"`
	Kind       MatchKind `json:"kind"`
	Value      string    `json:"value,omitempty"`
	Confidence float64   `json:"confidence,omitempty"`
}

// Matched builds a matched field
func Matched(name, value string, confidence float64) Field {
	return Field{Name: name, Kind: KindMatched, Value: value, Confidence: confidence}
}

// Unmatched builds a present-but-empty field
func Unmatched(name string) Field {
	return Field{Name: name, Kind: KindUnmatched}
}

// IsMatched reports whether the field carries a non-empty value
func (f Field) IsMatched() bool {
	return f.Kind == KindMatched && f.Value != ""
}

// LineItem is one billed line on an invoice
type LineItem struct {
	Description string          `json:"description"`
	Quantity    decimal.Decimal `json:"quantity"`
	UnitPrice   decimal.Decimal `json:"unit_price"`
	Amount      decimal.Decimal `json:"amount"`
}

// CandidateRecord is the frozen output of extraction for one document.
// It has no mutators; accessors hand out copies.
type CandidateRecord struct {
	sourceID string
	fields   []Field
	items    []LineItem
}

// NewCandidateRecord copies fields and items into a new record. Every name in
// FieldNames is present afterwards; names missing from fields become Unmatched.
func NewCandidateRecord(sourceID string, fields []Field, items []LineItem) *CandidateRecord {
	byName := make(map[string]Field, len(fields))
	extra := make([]Field, 0)
	for _, f := range fields {
		if _, seen := byName[f.Name]; seen {
			continue
		}
		byName[f.Name] = f
		if !isKnownField(f.Name) {
			extra = append(extra, f)
		}
	}

	all := make([]Field, 0, len(FieldNames)+len(extra))
	for _, name := range FieldNames {
		f, ok := byName[name]
		if !ok {
			f = Unmatched(name)
		}
		all = append(all, f)
	}
	all = append(all, extra...)

	return &CandidateRecord{
		sourceID: sourceID,
		fields:   all,
		items:    append([]LineItem(nil), items...),
	}
}

func isKnownField(name string) bool {
	for _, n := range FieldNames {
		if n == name {
			return true
		}
	}
	return false
}

// SourceID returns the id of the document the record was extracted from
func (c *CandidateRecord) SourceID() string {
	return c.sourceID
}

// Field returns the named field, or an Unmatched field if the record has none
func (c *CandidateRecord) Field(name string) Field {
	for _, f := range c.fields {
		if f.Name == name {
			return f
		}
	}
	return Unmatched(name)
}

// Value returns the named field's value, empty when unmatched
func (c *CandidateRecord) Value(name string) string {
	f := c.Field(name)
	if !f.IsMatched() {
		return ""
	}
	return f.Value
}

// Fields returns a copy of every field in report order
func (c *CandidateRecord) Fields() []Field {
	return append([]Field(nil), c.fields...)
}

// LineItems returns a copy of the record's line items
func (c *CandidateRecord) LineItems() []LineItem {
	return append([]LineItem(nil), c.items...)
}

// LineItemsTotal sums the amount column of every line item
func (c *CandidateRecord) LineItemsTotal() decimal.Decimal {
	sum := decimal.Zero
	for _, item := range c.items {
		sum = sum.Add(item.Amount)
	}
	return sum
}

type candidateRecordJSON struct {
	SourceID  string     `json:"source_id"`
	Fields    []Field    `json:"fields"`
	LineItems []LineItem `json:"line_items"`
}

// MarshalJSON implements json.Marshaler
func (c *CandidateRecord) MarshalJSON() ([]byte, error) {
	return json.Marshal(candidateRecordJSON{
		SourceID:  c.sourceID,
		Fields:    c.fields,
		LineItems: c.items,
	})
}

// UnmarshalJSON implements json.Unmarshaler. It is only meant for decoding
// persisted records.
func (c *CandidateRecord) UnmarshalJSON(data []byte) error {
	var raw candidateRecordJSON
	if err := json.Unmarshal(data, &raw); err != nil {
		return fmt.Errorf("unmarshaling candidate record: %w", err)
	}
	*c = *NewCandidateRecord(raw.SourceID, raw.Fields, raw.LineItems)
	return nil
}

// RawDocument is the text recognized from one uploaded document
type RawDocument struct {
	SourceID string `json:"source_id"`
	Text     string `json:"text"`
	// Method names the recognizer that produced Text (pdf-text, gemini, ...)
	Method string `json:"method,omitempty"`
}
