package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"mime"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/zombor/invoice-pipeline/internal/export"
	"github.com/zombor/invoice-pipeline/internal/invoice"
	"github.com/zombor/invoice-pipeline/internal/rules"
)

// Recognizer turns document bytes into text
type Recognizer interface {
	RecognizeText(ctx context.Context, sourceID string, data []byte, contentType string) (invoice.RawDocument, error)
}

// Extractor turns text into a CandidateRecord
type Extractor interface {
	Extract(rawText string, sourceID string) (*invoice.CandidateRecord, error)
}

// SchemaValidator checks a record against the schema table
type SchemaValidator interface {
	Validate(record *invoice.CandidateRecord) []invoice.SchemaViolation
}

// RuleApplier runs the business rules against a record
type RuleApplier interface {
	Apply(record *invoice.CandidateRecord, batch *rules.BatchContext) []invoice.RuleResult
}

// Stages are the collaborators a document passes through. Recognizer is only
// needed by Run and Exporter may be nil when nothing should be exported.
type Stages struct {
	Recognizer Recognizer
	Extractor  Extractor
	Validator  SchemaValidator
	Rules      RuleApplier
	Exporter   export.Exporter
}

// IDGenerator generates unique ids for runs, documents and batches
type IDGenerator interface {
	Generate() string
}

// TimeSource provides the current time
type TimeSource interface {
	Now() time.Time
}

type uuidGenerator struct{}

func (uuidGenerator) Generate() string {
	return uuid.NewString()
}

type defaultTimeSource struct{}

func (defaultTimeSource) Now() time.Time {
	return time.Now()
}

// Coordinator drives documents through recognition, extraction, schema
// validation, business rules and export
type Coordinator struct {
	stages      Stages
	ledger      Ledger
	workers     int
	ocrTimeout  time.Duration
	idGenerator IDGenerator
	timeSource  TimeSource

	// exportMu keeps a run and a retry from exporting the same records
	exportMu sync.Mutex
}

type Option func(*Coordinator)

// WithWorkers bounds how many documents are recognized at once
func WithWorkers(n int) Option {
	return func(c *Coordinator) {
		if n > 0 {
			c.workers = n
		}
	}
}

// WithOCRTimeout bounds each recognition call
func WithOCRTimeout(d time.Duration) Option {
	return func(c *Coordinator) {
		if d > 0 {
			c.ocrTimeout = d
		}
	}
}

func WithIDGenerator(g IDGenerator) Option {
	return func(c *Coordinator) {
		if g != nil {
			c.idGenerator = g
		}
	}
}

func WithTimeSource(t TimeSource) Option {
	return func(c *Coordinator) {
		if t != nil {
			c.timeSource = t
		}
	}
}

// NewCoordinator creates a Coordinator with 4 workers and a 2 minute OCR
// timeout unless overridden
func NewCoordinator(stages Stages, ledger Ledger, opts ...Option) *Coordinator {
	c := &Coordinator{
		stages:      stages,
		ledger:      ledger,
		workers:     4,
		ocrTimeout:  2 * time.Minute,
		idGenerator: uuidGenerator{},
		timeSource:  defaultTimeSource{},
	}
	for _, o := range opts {
		o(c)
	}
	return c
}

// job is one document moving through the concurrent stage
type job struct {
	id          string
	source      string
	contentType string
	data        []byte
	text        string
	hasText     bool

	outcome Outcome
	record  *invoice.CandidateRecord
}

// Run processes uploaded documents. Per-document failures end up in the
// report; an error is only returned when the ledger cannot be written.
func (c *Coordinator) Run(ctx context.Context, docs []Document) (*RunReport, error) {
	jobs := make([]*job, 0, len(docs))
	for _, d := range docs {
		j := &job{
			id:          c.idGenerator.Generate(),
			source:      d.label(),
			contentType: d.ContentType,
			data:        d.Data,
		}
		// Plain text needs no recognition
		if isPlainText(d.ContentType) {
			j.text = string(d.Data)
			j.hasText = true
			j.outcome.Method = MethodPlainText
		}
		jobs = append(jobs, j)
	}
	return c.run(ctx, jobs)
}

func isPlainText(contentType string) bool {
	mediaType, _, err := mime.ParseMediaType(contentType)
	return err == nil && mediaType == "text/plain"
}

// RunText processes documents whose text is already known. SourceID is kept
// as the source label only.
func (c *Coordinator) RunText(ctx context.Context, docs []invoice.RawDocument) (*RunReport, error) {
	jobs := make([]*job, 0, len(docs))
	for _, d := range docs {
		jobs = append(jobs, &job{
			id:      c.idGenerator.Generate(),
			source:  d.SourceID,
			text:    d.Text,
			hasText: true,
			outcome: Outcome{Method: d.Method},
		})
	}
	return c.run(ctx, jobs)
}

func (c *Coordinator) run(ctx context.Context, jobs []*job) (*RunReport, error) {
	report := &RunReport{
		RunID:     c.idGenerator.Generate(),
		StartedAt: c.timeSource.Now(),
	}
	slog.Info("Starting run", "run_id", report.RunID, "documents", len(jobs))

	// Recognition, extraction and schema checks are independent per document
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(c.workers)
	for _, j := range jobs {
		g.Go(func() error {
			c.prepare(gctx, j)
			return nil
		})
	}
	_ = g.Wait()

	// Rules run in input order so the first of two duplicates wins
	batch := rules.NewBatchContext()
	for _, j := range jobs {
		if j.outcome.State.Terminal() {
			continue
		}
		c.checkRules(j, batch)
	}

	report.Documents = make([]Outcome, len(jobs))
	accepted := make([]int, 0, len(jobs))
	for i, j := range jobs {
		report.Documents[i] = j.outcome
		if j.outcome.State == StateAccepted {
			accepted = append(accepted, i)
		}
	}

	summary, err := c.exportAccepted(ctx, report, accepted)
	if err != nil {
		return nil, err
	}
	report.Export = summary
	report.Counts = countOutcomes(report.Documents)
	report.FinishedAt = c.timeSource.Now()

	if err := c.ledger.SaveRun(report); err != nil {
		return nil, fmt.Errorf("saving run: %w", err)
	}

	slog.Info("Finished run",
		"run_id", report.RunID,
		"accepted", report.Counts.Accepted,
		"rejected", report.Counts.Rejected,
		"needs_review", report.Counts.NeedsReview,
		"exported", report.Counts.Exported,
		"export_status", report.Export.Status,
	)
	return report, nil
}

// prepare takes a job from Received to SchemaChecked, or to Rejected
func (c *Coordinator) prepare(ctx context.Context, j *job) {
	j.outcome.DocumentID = j.id
	j.outcome.Source = j.source
	j.outcome.advance(StateReceived)

	text := j.text
	if !j.hasText {
		raw, err := c.recognize(ctx, j)
		if err != nil {
			c.reject(j, extractionReason(err))
			return
		}
		text = raw.Text
		j.outcome.Method = raw.Method
	}

	record, err := c.stages.Extractor.Extract(text, j.id)
	if err != nil {
		c.reject(j, extractionReason(err))
		return
	}
	j.record = record
	j.outcome.advance(StateExtracted)

	violations := c.stages.Validator.Validate(record)
	j.outcome.advance(StateSchemaChecked)
	if len(violations) > 0 {
		vr := invoice.NewValidatedRecord(j.id, record, violations, nil)
		j.outcome.Record = vr
		j.outcome.Reasons = vr.Reasons()
		j.outcome.advance(stateFor(vr.Status))
		slog.Info("Document rejected by schema", "document_id", j.id, "violations", len(violations))
	}
}

type recognition struct {
	raw invoice.RawDocument
	err error
}

// recognize calls the Recognizer under the OCR timeout. A recognizer that
// ignores its context is abandoned when the timeout fires.
func (c *Coordinator) recognize(ctx context.Context, j *job) (invoice.RawDocument, error) {
	if c.stages.Recognizer == nil {
		return invoice.RawDocument{}, &invoice.ExtractionError{SourceID: j.id, Reason: "no recognizer configured"}
	}

	octx, cancel := context.WithTimeout(ctx, c.ocrTimeout)
	defer cancel()

	done := make(chan recognition, 1)
	go func() {
		raw, err := c.stages.Recognizer.RecognizeText(octx, j.id, j.data, j.contentType)
		done <- recognition{raw: raw, err: err}
	}()

	select {
	case r := <-done:
		if r.err != nil {
			return invoice.RawDocument{}, &invoice.ExtractionError{SourceID: j.id, Reason: "recognizing text", Err: r.err}
		}
		return r.raw, nil
	case <-octx.Done():
		return invoice.RawDocument{}, &invoice.ExtractionError{SourceID: j.id, Reason: "recognizing text", Err: octx.Err()}
	}
}

func extractionReason(err error) string {
	var extractionErr *invoice.ExtractionError
	if errors.As(err, &extractionErr) {
		return fmt.Sprintf("%s: %s", ReasonExtractionFailed, extractionErr.Error())
	}
	return fmt.Sprintf("%s: %v", ReasonExtractionFailed, err)
}

func (c *Coordinator) reject(j *job, reason string) {
	j.outcome.Reasons = append(j.outcome.Reasons, reason)
	j.outcome.advance(StateRejected)
	slog.Warn("Document rejected", "document_id", j.id, "source", j.source, "reason", reason)
}

func (c *Coordinator) checkRules(j *job, batch *rules.BatchContext) {
	results := c.stages.Rules.Apply(j.record, batch)
	vr := invoice.NewValidatedRecord(j.id, j.record, nil, results)
	j.outcome.advance(StateRuleChecked)
	if vr.Status == invoice.StatusAccepted {
		batch.Commit(j.record.Value(invoice.FieldInvoiceNumber), j.id)
	}
	j.outcome.Record = vr
	j.outcome.Reasons = vr.Reasons()
	j.outcome.advance(stateFor(vr.Status))
}

// exportAccepted sends the run's accepted records out as one batch and
// advances them to Exported on success
func (c *Coordinator) exportAccepted(ctx context.Context, report *RunReport, accepted []int) (ExportSummary, error) {
	c.exportMu.Lock()
	defer c.exportMu.Unlock()

	records := make([]*invoice.ValidatedRecord, 0, len(accepted))
	for _, i := range accepted {
		records = append(records, report.Documents[i].Record)
	}

	if err := c.ledger.SavePending(records); err != nil {
		return ExportSummary{}, fmt.Errorf("saving pending records: %w", err)
	}

	summary, err := c.exportBatch(ctx, records)
	if err != nil {
		return ExportSummary{}, err
	}
	if summary.Status == ExportStatusExported {
		for _, i := range accepted {
			report.Documents[i].advance(StateExported)
		}
	}
	return summary, nil
}

// RetryPending exports every record the ledger still holds as pending
func (c *Coordinator) RetryPending(ctx context.Context) (ExportSummary, error) {
	c.exportMu.Lock()
	defer c.exportMu.Unlock()

	pending, err := c.ledger.PendingRecords()
	if err != nil {
		return ExportSummary{}, fmt.Errorf("loading pending records: %w", err)
	}

	records := make([]*invoice.ValidatedRecord, 0, len(pending))
	for _, rec := range pending {
		done, err := c.ledger.IsExported(rec.ID)
		if err != nil {
			return ExportSummary{}, fmt.Errorf("checking ledger: %w", err)
		}
		if !done {
			records = append(records, rec)
		}
	}

	slog.Info("Retrying pending export", "records", len(records))
	return c.exportBatch(ctx, records)
}

// exportBatch returns an error only when the batch cannot be built. Exporter
// failures are reported in the summary and leave the records pending. When
// the export succeeds but the ledger cannot record it, the summary still says
// exported and carries the ledger error, since a retry would send the records
// again.
func (c *Coordinator) exportBatch(ctx context.Context, records []*invoice.ValidatedRecord) (ExportSummary, error) {
	if len(records) == 0 || c.stages.Exporter == nil {
		return ExportSummary{Status: ExportStatusSkipped}, nil
	}

	destination := c.stages.Exporter.Destination()
	batch, err := invoice.NewExportBatch(c.idGenerator.Generate(), destination, c.timeSource.Now(), records)
	if err != nil {
		return ExportSummary{}, fmt.Errorf("building export batch: %w", err)
	}

	summary := ExportSummary{BatchID: batch.ID, Destination: destination}
	receipt, err := c.stages.Exporter.Export(ctx, batch)
	if err != nil {
		slog.Error("Export failed", "batch_id", batch.ID, "destination", destination, "records", len(records), "error", err)
		summary.Status = ExportStatusFailed
		summary.Error = err.Error()
		return summary, nil
	}

	summary.Status = ExportStatusExported
	summary.Location = receipt.Location
	summary.Rows = receipt.Rows

	if err := c.ledger.MarkExported(receipt, batch.RecordIDs()); err != nil {
		slog.Error("Exported batch not recorded in ledger",
			"batch_id", batch.ID,
			"location", receipt.Location,
			"records", len(records),
			"error", err,
		)
		summary.Error = fmt.Sprintf("%s: %v", ErrorUnrecordedExport, err)
	}
	return summary, nil
}

// GetRun returns the report of a past run
func (c *Coordinator) GetRun(id string) (*RunReport, error) {
	return c.ledger.GetRun(id)
}

// ListRuns returns every past run, newest first
func (c *Coordinator) ListRuns() ([]*RunReport, error) {
	return c.ledger.ListRuns()
}
