package pipeline

import (
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/olekukonko/tablewriter"

	"github.com/zombor/invoice-pipeline/internal/invoice"
)

// State is a step in a document's life
type State string

const (
	StateReceived      State = "received"
	StateExtracted     State = "extracted"
	StateSchemaChecked State = "schema_checked"
	StateRuleChecked   State = "rule_checked"
	StateAccepted      State = "accepted"
	StateRejected      State = "rejected"
	StateNeedsReview   State = "needs_review"
	StateExported      State = "exported"
)

// Terminal reports whether a document stops at s
func (s State) Terminal() bool {
	switch s {
	case StateAccepted, StateRejected, StateNeedsReview, StateExported:
		return true
	}
	return false
}

func stateFor(status invoice.Status) State {
	switch status {
	case invoice.StatusAccepted:
		return StateAccepted
	case invoice.StatusNeedsReview:
		return StateNeedsReview
	}
	return StateRejected
}

// ReasonExtractionFailed prefixes the reason of a document whose text could
// not be recognized or read
const ReasonExtractionFailed = "ExtractionFailed"

// MethodPlainText marks documents uploaded as text/plain, which skip
// recognition
const MethodPlainText = "plain-text"

// Document is one uploaded file
type Document struct {
	// SourceID is a caller label shown when Filename is empty. Document ids
	// are always assigned by the coordinator.
	SourceID    string
	Filename    string
	ContentType string
	Data        []byte
}

func (d Document) label() string {
	if d.Filename != "" {
		return d.Filename
	}
	return d.SourceID
}

// Outcome is what happened to one document
type Outcome struct {
	DocumentID string                   `json:"document_id"`
	Source     string                   `json:"source,omitempty"`
	Method     string                   `json:"method,omitempty"`
	State      State                    `json:"state"`
	History    []State                  `json:"history"`
	Reasons    []string                 `json:"reasons"`
	Record     *invoice.ValidatedRecord `json:"record,omitempty"`
}

func (o *Outcome) advance(s State) {
	o.State = s
	o.History = append(o.History, s)
}

// Counts tallies terminal statuses. Exported records are also counted as
// Accepted.
type Counts struct {
	Accepted    int `json:"accepted"`
	Rejected    int `json:"rejected"`
	NeedsReview int `json:"needs_review"`
	Exported    int `json:"exported"`
}

// Export status values
const (
	ExportStatusExported = "exported"
	ExportStatusFailed   = "failed"
	ExportStatusSkipped  = "skipped"
)

// ErrorUnrecordedExport prefixes the summary error of a batch that reached
// its destination but is still pending in the ledger. Retrying it exports the
// records again.
const ErrorUnrecordedExport = "exported but not recorded; retry will export again"

// ExportSummary describes the export attempt of a run or retry
type ExportSummary struct {
	BatchID     string `json:"batch_id,omitempty"`
	Destination string `json:"destination,omitempty"`
	Status      string `json:"status"`
	Location    string `json:"location,omitempty"`
	Rows        int    `json:"rows"`
	Error       string `json:"error,omitempty"`
}

// RunReport is the result of one run
type RunReport struct {
	RunID      string        `json:"run_id"`
	StartedAt  time.Time     `json:"started_at"`
	FinishedAt time.Time     `json:"finished_at"`
	Counts     Counts        `json:"counts"`
	Documents  []Outcome     `json:"documents"`
	Export     ExportSummary `json:"export"`
}

func countOutcomes(outcomes []Outcome) Counts {
	var c Counts
	for _, o := range outcomes {
		switch o.State {
		case StateExported:
			c.Exported++
			c.Accepted++
		case StateAccepted:
			c.Accepted++
		case StateNeedsReview:
			c.NeedsReview++
		case StateRejected:
			c.Rejected++
		}
	}
	return c
}

// WriteTable renders the report for a terminal
func (r *RunReport) WriteTable(w io.Writer) error {
	table := tablewriter.NewWriter(w)
	table.SetHeader([]string{"Document", "Source", "Status", "Reasons"})
	table.SetAutoWrapText(false)
	for _, o := range r.Documents {
		table.Append([]string{o.DocumentID, o.Source, string(o.State), strings.Join(o.Reasons, "\n")})
	}
	table.Render()

	_, err := fmt.Fprintf(w, "run %s: %d accepted, %d rejected, %d needs review, %d exported\n",
		r.RunID, r.Counts.Accepted, r.Counts.Rejected, r.Counts.NeedsReview, r.Counts.Exported)
	if err != nil {
		return err
	}
	return r.Export.write(w)
}

func (e ExportSummary) write(w io.Writer) error {
	var err error
	switch e.Status {
	case ExportStatusExported:
		_, err = fmt.Fprintf(w, "export %s: %d rows to %s (%s)\n", e.BatchID, e.Rows, e.Destination, e.Location)
		if err == nil && e.Error != "" {
			_, err = fmt.Fprintf(w, "warning: %s\n", e.Error)
		}
	case ExportStatusFailed:
		_, err = fmt.Fprintf(w, "export %s to %s failed: %s\n", e.BatchID, e.Destination, e.Error)
	default:
		_, err = fmt.Fprintln(w, "export skipped: nothing to export")
	}
	return err
}
