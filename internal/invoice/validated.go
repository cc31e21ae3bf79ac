package invoice

import (
	"fmt"
	"strings"
	"time"
)

// Status is the validation verdict for a record
type Status string

const (
	StatusAccepted    Status = "accepted"
	StatusRejected    Status = "rejected"
	StatusNeedsReview Status = "needs_review"
)

// Severity decides what a failed rule does to a record's status
type Severity string

const (
	Blocking Severity = "blocking"
	Advisory Severity = "advisory"
)

// ParseSeverity accepts "blocking" or "advisory" in any case
func ParseSeverity(s string) (Severity, error) {
	switch Severity(strings.ToLower(strings.TrimSpace(s))) {
	case Blocking:
		return Blocking, nil
	case Advisory:
		return Advisory, nil
	}
	return "", fmt.Errorf("unknown severity %q", s)
}

// ViolationKind classifies a schema violation
type ViolationKind string

const (
	MissingField ViolationKind = "MissingField"
	TypeMismatch ViolationKind = "TypeMismatch"
)

// SchemaViolation is one field failing the schema table
type SchemaViolation struct {
	Field   string        `json:"field"`
	Kind    ViolationKind `json:"kind"`
	Message string        `json:"message"`
}

func (v SchemaViolation) String() string {
	return fmt.Sprintf("%s: %s", v.Kind, v.Message)
}

// RuleResult is the outcome of one business rule against one record
type RuleResult struct {
	Rule     string   `json:"rule"`
	Severity Severity `json:"severity"`
	Passed   bool     `json:"passed"`
	Code     string   `json:"code,omitempty"`
	Message  string   `json:"message,omitempty"`
}

func (r RuleResult) String() string {
	return fmt.Sprintf("%s (%s): %s", r.Code, r.Severity, r.Message)
}

// ValidatedRecord pairs a CandidateRecord with its schema and rule verdicts.
// Build it with NewValidatedRecord; re-validation produces a new value.
type ValidatedRecord struct {
	ID               string            `json:"id"`
	Record           *CandidateRecord  `json:"record"`
	SchemaViolations []SchemaViolation `json:"schema_violations"`
	RuleResults      []RuleResult      `json:"rule_results"`
	Status           Status            `json:"status"`
}

// NewValidatedRecord derives the status from the violations and rule results:
// any schema violation or failed Blocking rule rejects, a failed Advisory rule
// asks for review, and everything else is accepted.
func NewValidatedRecord(id string, record *CandidateRecord, violations []SchemaViolation, results []RuleResult) *ValidatedRecord {
	return &ValidatedRecord{
		ID:               id,
		Record:           record,
		SchemaViolations: append([]SchemaViolation{}, violations...),
		RuleResults:      append([]RuleResult{}, results...),
		Status:           deriveStatus(violations, results),
	}
}

func deriveStatus(violations []SchemaViolation, results []RuleResult) Status {
	if len(violations) > 0 {
		return StatusRejected
	}
	status := StatusAccepted
	for _, r := range results {
		if r.Passed {
			continue
		}
		if r.Severity == Blocking {
			return StatusRejected
		}
		status = StatusNeedsReview
	}
	return status
}

// Reasons lists every schema violation followed by every failed rule, in order
func (v *ValidatedRecord) Reasons() []string {
	reasons := make([]string, 0, len(v.SchemaViolations))
	for _, sv := range v.SchemaViolations {
		reasons = append(reasons, sv.String())
	}
	for _, r := range v.RuleResults {
		if !r.Passed {
			reasons = append(reasons, r.String())
		}
	}
	return reasons
}

// BlockingFailures counts failed rules with Blocking severity
func (v *ValidatedRecord) BlockingFailures() int {
	n := 0
	for _, r := range v.RuleResults {
		if !r.Passed && r.Severity == Blocking {
			n++
		}
	}
	return n
}

// ExportBatch is the set of accepted records handed to one export attempt
type ExportBatch struct {
	ID          string             `json:"id"`
	Destination string             `json:"destination"`
	CreatedAt   time.Time          `json:"created_at"`
	Records     []*ValidatedRecord `json:"records"`
}

// NewExportBatch refuses records that are not Accepted
func NewExportBatch(id, destination string, createdAt time.Time, records []*ValidatedRecord) (*ExportBatch, error) {
	for _, r := range records {
		if r.Status != StatusAccepted {
			return nil, fmt.Errorf("record %s has status %s, only accepted records can be exported", r.ID, r.Status)
		}
	}
	return &ExportBatch{
		ID:          id,
		Destination: destination,
		CreatedAt:   createdAt,
		Records:     append([]*ValidatedRecord(nil), records...),
	}, nil
}

// RecordIDs returns the ids of the batch's records in order
func (b *ExportBatch) RecordIDs() []string {
	ids := make([]string, 0, len(b.Records))
	for _, r := range b.Records {
		ids = append(ids, r.ID)
	}
	return ids
}

// ExportReceipt confirms a batch reached its destination
type ExportReceipt struct {
	BatchID     string    `json:"batch_id"`
	Destination string    `json:"destination"`
	Location    string    `json:"location"`
	Rows        int       `json:"rows"`
	ExportedAt  time.Time `json:"exported_at"`
}
