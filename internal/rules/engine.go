package rules

import (
	"fmt"
	"strings"
	"sync"

	"github.com/zombor/invoice-pipeline/internal/invoice"
)

// Outcome is what a Rule reports; the Engine adds name and severity
type Outcome struct {
	Passed  bool
	Code    string
	Message string
}

// Pass is a passing outcome
func Pass() Outcome {
	return Outcome{Passed: true}
}

// Failure is a failing outcome with a machine-readable code
func Failure(code string, format string, args ...any) Outcome {
	return Outcome{Code: code, Message: fmt.Sprintf(format, args...)}
}

// Rule is a single business check. Evaluate must not modify the record or
// the batch context.
type Rule interface {
	Name() string
	Evaluate(record *invoice.CandidateRecord, batch *BatchContext) Outcome
}

// Registration binds a Rule to the severity its failures carry
type Registration struct {
	Rule     Rule
	Severity invoice.Severity
}

// Engine evaluates an ordered collection of rules
type Engine struct {
	rules []Registration
}

// NewEngine creates an Engine with the given registrations
func NewEngine(registrations ...Registration) *Engine {
	return &Engine{rules: append([]Registration(nil), registrations...)}
}

// Register appends a rule
func (e *Engine) Register(rule Rule, severity invoice.Severity) {
	e.rules = append(e.rules, Registration{Rule: rule, Severity: severity})
}

// Registrations returns the registered rules in order
func (e *Engine) Registrations() []Registration {
	return append([]Registration(nil), e.rules...)
}

// Apply runs every rule and returns one result per rule, in registration
// order. It never stops at the first failure.
func (e *Engine) Apply(record *invoice.CandidateRecord, batch *BatchContext) []invoice.RuleResult {
	results := make([]invoice.RuleResult, 0, len(e.rules))
	for _, reg := range e.rules {
		out := reg.Rule.Evaluate(record, batch)
		results = append(results, invoice.RuleResult{
			Rule:     reg.Rule.Name(),
			Severity: reg.Severity,
			Passed:   out.Passed,
			Code:     out.Code,
			Message:  out.Message,
		})
	}
	return results
}

// BatchContext is the state shared by every record of one run. It maps
// invoice numbers to the id of the record that claimed them.
type BatchContext struct {
	mu     sync.Mutex
	owners map[string]string
}

// NewBatchContext creates an empty BatchContext
func NewBatchContext() *BatchContext {
	return &BatchContext{owners: make(map[string]string)}
}

func normalizeInvoiceNumber(n string) string {
	return strings.ToUpper(strings.TrimSpace(n))
}

// Owner returns the record id that claimed invoiceNumber, if any
func (b *BatchContext) Owner(invoiceNumber string) (string, bool) {
	if b == nil {
		return "", false
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	owner, ok := b.owners[normalizeInvoiceNumber(invoiceNumber)]
	return owner, ok
}

// Commit claims invoiceNumber for recordID. It returns false when another
// record already holds it. Committing the same pair twice is a no-op.
func (b *BatchContext) Commit(invoiceNumber, recordID string) bool {
	key := normalizeInvoiceNumber(invoiceNumber)
	if key == "" {
		return true
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if owner, ok := b.owners[key]; ok {
		return owner == recordID
	}
	b.owners[key] = recordID
	return true
}

// Len returns how many invoice numbers are claimed
func (b *BatchContext) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.owners)
}
