// Package config loads the rules file: the schema table, rule severities and
// the thresholds the built-in rules use.
package config

import (
	"bytes"
	_ "embed"
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/goccy/go-yaml"
	"github.com/santhosh-tekuri/jsonschema/v5"
	"github.com/shopspring/decimal"

	"github.com/zombor/invoice-pipeline/internal/invoice"
	"github.com/zombor/invoice-pipeline/internal/rules"
	"github.com/zombor/invoice-pipeline/internal/validation"
)

//go:embed schema.json
var rulesSchema []byte

// RuleConfig overrides one built-in rule
type RuleConfig struct {
	Severity string `json:"severity"`
	Enabled  *bool  `json:"enabled"`
}

// Rules is the decoded rules file. Zero values fall back to the defaults.
type Rules struct {
	DateLocale    string                 `json:"date_locale"`
	Tolerance     *decimal.Decimal       `json:"tolerance"`
	TaxCeiling    *decimal.Decimal       `json:"tax_ceiling"`
	InvoicePrefix string                 `json:"invoice_prefix"`
	SchemaTable   []validation.FieldSpec `json:"schema"`
	RuleOverrides map[string]RuleConfig  `json:"rules"`
}

// Defaults returns the configuration used when no rules file is given
func Defaults() *Rules {
	return &Rules{}
}

// LoadRules reads and parses a rules file. An empty path yields the defaults.
func LoadRules(path string) (*Rules, error) {
	if path == "" {
		return Defaults(), nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading rules file: %w", err)
	}
	r, err := ParseRules(data)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return r, nil
}

func compileSchema() (*jsonschema.Schema, error) {
	compiler := jsonschema.NewCompiler()
	if err := compiler.AddResource("rules.schema.json", bytes.NewReader(rulesSchema)); err != nil {
		return nil, fmt.Errorf("add schema: %w", err)
	}
	schema, err := compiler.Compile("rules.schema.json")
	if err != nil {
		return nil, fmt.Errorf("compile schema: %w", err)
	}
	return schema, nil
}

// ParseRules decodes YAML (or JSON) rules and checks them against the rules
// file schema before use
func ParseRules(data []byte) (*Rules, error) {
	if len(bytes.TrimSpace(data)) == 0 {
		return Defaults(), nil
	}

	raw, err := yaml.YAMLToJSON(data)
	if err != nil {
		return nil, fmt.Errorf("parsing yaml: %w", err)
	}

	var doc any
	if err := json.Unmarshal(raw, &doc); err != nil {
		return nil, fmt.Errorf("decoding rules: %w", err)
	}

	schema, err := compileSchema()
	if err != nil {
		return nil, err
	}
	if err := schema.Validate(doc); err != nil {
		return nil, fmt.Errorf("rules file does not match schema: %w", err)
	}

	var r Rules
	if err := json.Unmarshal(raw, &r); err != nil {
		return nil, fmt.Errorf("decoding rules: %w", err)
	}
	return &r, nil
}

// Locale returns the configured date locale
func (r *Rules) Locale() invoice.DateLocale {
	locale, err := invoice.ParseDateLocale(r.DateLocale)
	if err != nil {
		return invoice.LocaleUS
	}
	return locale
}

// Schema returns the configured schema table or the default one
func (r *Rules) Schema() validation.Schema {
	if len(r.SchemaTable) == 0 {
		return validation.DefaultSchema()
	}
	return append(validation.Schema(nil), r.SchemaTable...)
}

// RuleSettings builds settings for rules.NewDefaultEngine
func (r *Rules) RuleSettings(now func() time.Time) (rules.Settings, error) {
	s := rules.DefaultSettings()
	if now != nil {
		s.Now = now
	}
	s.Locale = r.Locale()
	if r.Tolerance != nil {
		s.Tolerance = *r.Tolerance
	}
	if r.TaxCeiling != nil {
		s.MaxTaxRate = *r.TaxCeiling
	}
	s.InvoicePrefix = r.InvoicePrefix

	for name, override := range r.RuleOverrides {
		if _, ok := rules.DefaultSeverity(name); !ok {
			return rules.Settings{}, fmt.Errorf("unknown rule %q", name)
		}
		if override.Severity != "" {
			severity, err := invoice.ParseSeverity(override.Severity)
			if err != nil {
				return rules.Settings{}, fmt.Errorf("rule %s: %w", name, err)
			}
			if s.Severities == nil {
				s.Severities = map[string]invoice.Severity{}
			}
			s.Severities[name] = severity
		}
		if override.Enabled != nil && !*override.Enabled {
			if s.Disabled == nil {
				s.Disabled = map[string]bool{}
			}
			s.Disabled[name] = true
		}
	}
	return s, nil
}

// Engine builds the rule engine these rules describe
func (r *Rules) Engine(now func() time.Time) (*rules.Engine, error) {
	s, err := r.RuleSettings(now)
	if err != nil {
		return nil, err
	}
	return rules.NewDefaultEngine(s), nil
}

// Validator builds the schema validator these rules describe
func (r *Rules) Validator() *validation.Validator {
	return validation.NewValidator(r.Schema(), r.Locale())
}
