package validation

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/zombor/invoice-pipeline/internal/invoice"
)

// FieldType is the expected shape of a field's value
type FieldType string

const (
	TypeString  FieldType = "string"
	TypeDate    FieldType = "date"
	TypeNumeric FieldType = "numeric"
	TypeEmail   FieldType = "email"
)

// ParseFieldType accepts one of string, date, numeric or email
func ParseFieldType(s string) (FieldType, error) {
	switch t := FieldType(strings.ToLower(strings.TrimSpace(s))); t {
	case TypeString, TypeDate, TypeNumeric, TypeEmail:
		return t, nil
	}
	return "", fmt.Errorf("unknown field type %q", s)
}

// FieldSpec is one row of the schema table
type FieldSpec struct {
	Field    string    `json:"field"`
	Required bool      `json:"required"`
	Type     FieldType `json:"type"`
}

// Schema is the ordered schema table. Violations are reported in this order.
type Schema []FieldSpec

// DefaultSchema requires the fields an exportable invoice cannot do without
func DefaultSchema() Schema {
	return Schema{
		{Field: invoice.FieldInvoiceNumber, Required: true, Type: TypeString},
		{Field: invoice.FieldName, Required: true, Type: TypeString},
		{Field: invoice.FieldVendor, Required: false, Type: TypeString},
		{Field: invoice.FieldEmail, Required: true, Type: TypeEmail},
		{Field: invoice.FieldPhone, Required: false, Type: TypeString},
		{Field: invoice.FieldDate, Required: true, Type: TypeDate},
		{Field: invoice.FieldCurrency, Required: false, Type: TypeString},
		{Field: invoice.FieldSubtotal, Required: false, Type: TypeNumeric},
		{Field: invoice.FieldTax, Required: false, Type: TypeNumeric},
		{Field: invoice.FieldTotal, Required: true, Type: TypeNumeric},
	}
}

// emailShape is the plain local@domain.tld form. Deeper sanity checks live in
// the email-format-sanity rule.
var emailShape = regexp.MustCompile(`^[A-Za-z0-9._%+-]+@[A-Za-z0-9.-]+\.[A-Za-z]{2,}$`)

// Validator checks CandidateRecords against a Schema
type Validator struct {
	schema Schema
	locale invoice.DateLocale
}

// NewValidator creates a Validator. Numeric dates are read under locale.
func NewValidator(schema Schema, locale invoice.DateLocale) *Validator {
	if locale == "" {
		locale = invoice.LocaleUS
	}
	return &Validator{
		schema: append(Schema(nil), schema...),
		locale: locale,
	}
}

// Validate returns every violation in schema order, or an empty slice
func (v *Validator) Validate(record *invoice.CandidateRecord) []invoice.SchemaViolation {
	violations := make([]invoice.SchemaViolation, 0)
	if record == nil {
		return violations
	}

	for _, spec := range v.schema {
		value := strings.TrimSpace(record.Value(spec.Field))
		if value == "" {
			if spec.Required {
				violations = append(violations, invoice.SchemaViolation{
					Field:   spec.Field,
					Kind:    invoice.MissingField,
					Message: fmt.Sprintf("%s is required", spec.Field),
				})
			}
			continue
		}
		if err := v.checkType(spec.Type, value); err != nil {
			violations = append(violations, invoice.SchemaViolation{
				Field:   spec.Field,
				Kind:    invoice.TypeMismatch,
				Message: fmt.Sprintf("%s: %v", spec.Field, err),
			})
		}
	}
	return violations
}

func (v *Validator) checkType(t FieldType, value string) error {
	switch t {
	case TypeDate:
		if _, err := invoice.ParseDate(value, v.locale); err != nil {
			return err
		}
	case TypeNumeric:
		if _, err := invoice.ParseAmount(value); err != nil {
			return err
		}
	case TypeEmail:
		if !emailShape.MatchString(value) {
			return fmt.Errorf("%q is not an email address", value)
		}
	}
	return nil
}
