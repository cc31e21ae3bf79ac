package pipeline

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"sync"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/zombor/invoice-pipeline/internal/extraction"
	"github.com/zombor/invoice-pipeline/internal/invoice"
	"github.com/zombor/invoice-pipeline/internal/rules"
	"github.com/zombor/invoice-pipeline/internal/validation"
)

// sequentialIDGenerator hands out id-1, id-2, ...
type sequentialIDGenerator struct {
	mu sync.Mutex
	n  int
}

func (g *sequentialIDGenerator) Generate() string {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.n++
	return fmt.Sprintf("id-%d", g.n)
}

type mockTimeSource struct {
	now time.Time
}

func (m *mockTimeSource) Now() time.Time {
	return m.now
}

// mockRecognizer returns the document bytes as text. "fail" errors and
// "stall" blocks until release is closed, ignoring its context.
type mockRecognizer struct {
	release chan struct{}
}

func (m *mockRecognizer) RecognizeText(ctx context.Context, sourceID string, data []byte, contentType string) (invoice.RawDocument, error) {
	switch string(data) {
	case "fail":
		return invoice.RawDocument{}, errors.New("ocr service unavailable")
	case "stall":
		<-m.release
		return invoice.RawDocument{SourceID: sourceID, Text: "late"}, nil
	}
	return invoice.RawDocument{SourceID: sourceID, Text: string(data), Method: "mock"}, nil
}

type mockExporter struct {
	err     error
	batches []*invoice.ExportBatch
}

func (m *mockExporter) Destination() string {
	return "mock"
}

func (m *mockExporter) Export(ctx context.Context, batch *invoice.ExportBatch) (*invoice.ExportReceipt, error) {
	m.batches = append(m.batches, batch)
	if m.err != nil {
		return nil, &invoice.ExportError{BatchID: batch.ID, Destination: "mock", Err: m.err}
	}
	return &invoice.ExportReceipt{
		BatchID:     batch.ID,
		Destination: "mock",
		Location:    "mock://" + batch.ID,
		Rows:        len(batch.Records),
	}, nil
}

// markFailingLedger loses every MarkExported call
type markFailingLedger struct {
	*BoltLedger
	err error
}

func (l *markFailingLedger) MarkExported(receipt *invoice.ExportReceipt, recordIDs []string) error {
	return l.err
}

func invoiceText(number, email, tax, total string) string {
	var b strings.Builder
	b.WriteString("Acme Supplies Ltd.\nINVOICE\n")
	fmt.Fprintf(&b, "Invoice Number: %s\n", number)
	b.WriteString("Invoice Date: 2024-03-15\nBill To: Jane Doe\n")
	if email != "" {
		fmt.Fprintf(&b, "Email: %s\n", email)
	}
	b.WriteString("\nDescription Qty Unit Price Amount\nWidget A 2 25.00 50.00\nGadget B 1 50.00 50.00\n\n")
	b.WriteString("Subtotal: $100.00\n")
	if tax != "" {
		fmt.Fprintf(&b, "Tax: %s\n", tax)
	}
	fmt.Fprintf(&b, "Total: %s\n", total)
	return b.String()
}

func validInvoice(number string) []byte {
	return []byte(invoiceText(number, "jane.doe@example.com", "$5.00", "$105.00"))
}

func historyTerminals(o Outcome) int {
	n := 0
	for _, s := range o.History {
		if s == StateAccepted || s == StateRejected || s == StateNeedsReview {
			n++
		}
	}
	return n
}

var _ = Describe("Coordinator", func() {
	var (
		ctx         context.Context
		ledger      *BoltLedger
		recognizer  *mockRecognizer
		exporter    *mockExporter
		engine      *rules.Engine
		coordinator *Coordinator
		opts        []Option
		docs        []Document
		report      *RunReport
		err         error
	)

	BeforeEach(func() {
		ctx = context.Background()
		var openErr error
		ledger, openErr = NewBoltLedger(filepath.Join(GinkgoT().TempDir(), "ledger.db"))
		Expect(openErr).NotTo(HaveOccurred())

		recognizer = &mockRecognizer{release: make(chan struct{})}
		exporter = &mockExporter{}

		settings := rules.DefaultSettings()
		settings.Now = func() time.Time { return time.Date(2024, 6, 1, 0, 0, 0, 0, time.UTC) }
		engine = rules.NewDefaultEngine(settings)

		opts = []Option{
			WithIDGenerator(&sequentialIDGenerator{}),
			WithTimeSource(&mockTimeSource{now: time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)}),
		}
		docs = nil
	})

	AfterEach(func() {
		close(recognizer.release)
		Expect(ledger.Close()).To(Succeed())
	})

	JustBeforeEach(func() {
		coordinator = NewCoordinator(Stages{
			Recognizer: recognizer,
			Extractor:  extraction.New(),
			Validator:  validation.NewValidator(validation.DefaultSchema(), invoice.LocaleUS),
			Rules:      engine,
			Exporter:   exporter,
		}, ledger, opts...)
		report, err = coordinator.Run(ctx, docs)
	})

	When("every document is a valid invoice", func() {
		BeforeEach(func() {
			docs = []Document{
				{Filename: "a.pdf", Data: validInvoice("INV-1")},
				{Filename: "b.pdf", Data: validInvoice("INV-2")},
			}
		})

		It("exports all of them in one batch", func() {
			Expect(err).NotTo(HaveOccurred())
			Expect(exporter.batches).To(HaveLen(1))
			Expect(exporter.batches[0].RecordIDs()).To(Equal([]string{"id-1", "id-2"}))
		})

		It("walks each document through every state", func() {
			for _, o := range report.Documents {
				Expect(o.State).To(Equal(StateExported))
				Expect(o.History).To(Equal([]State{
					StateReceived, StateExtracted, StateSchemaChecked, StateRuleChecked, StateAccepted, StateExported,
				}))
				Expect(o.Method).To(Equal("mock"))
				Expect(o.Reasons).To(BeEmpty())
			}
			Expect(report.Documents[0].Source).To(Equal("a.pdf"))
		})

		It("counts exported records as accepted too", func() {
			Expect(report.Counts).To(Equal(Counts{Accepted: 2, Exported: 2}))
			Expect(report.Export.Status).To(Equal(ExportStatusExported))
			Expect(report.Export.Rows).To(Equal(2))
			Expect(report.Export.Location).To(Equal("mock://" + report.Export.BatchID))
		})

		It("leaves nothing pending and stores the run", func() {
			pending, pErr := ledger.PendingRecords()
			Expect(pErr).NotTo(HaveOccurred())
			Expect(pending).To(BeEmpty())

			saved, gErr := coordinator.GetRun(report.RunID)
			Expect(gErr).NotTo(HaveOccurred())
			Expect(saved.Counts).To(Equal(report.Counts))

			runs, lErr := coordinator.ListRuns()
			Expect(lErr).NotTo(HaveOccurred())
			Expect(runs).To(HaveLen(1))
		})
	})

	When("two documents share an invoice number", func() {
		BeforeEach(func() {
			docs = []Document{
				{Data: validInvoice("INV-7")},
				{Data: validInvoice("inv-7")},
			}
		})

		It("accepts the first in input order and rejects the second", func() {
			Expect(report.Documents[0].State).To(Equal(StateExported))
			Expect(report.Documents[1].State).To(Equal(StateRejected))
			Expect(report.Documents[1].Reasons).To(ContainElement(ContainSubstring(rules.CodeDuplicateInvoiceNumber)))
			Expect(report.Documents[1].Reasons).To(ContainElement(ContainSubstring("id-1")))
		})

		It("exports only the first", func() {
			Expect(exporter.batches).To(HaveLen(1))
			Expect(exporter.batches[0].RecordIDs()).To(Equal([]string{"id-1"}))
		})
	})

	When("the total does not match the line items", func() {
		BeforeEach(func() {
			docs = []Document{{Data: []byte(invoiceText("INV-9", "jane.doe@example.com", "", "$105.00"))}}
		})

		It("rejects with TotalMismatch", func() {
			o := report.Documents[0]
			Expect(o.State).To(Equal(StateRejected))
			Expect(o.Record.Status).To(Equal(invoice.StatusRejected))
			Expect(o.Reasons).To(ConsistOf(ContainSubstring(rules.CodeTotalMismatch)))
			Expect(o.Reasons[0]).To(ContainSubstring("105.00"))
			Expect(o.Reasons[0]).To(ContainSubstring("100.00"))
		})

		It("exports nothing", func() {
			Expect(exporter.batches).To(BeEmpty())
			Expect(report.Export.Status).To(Equal(ExportStatusSkipped))
		})
	})

	When("the email is missing", func() {
		BeforeEach(func() {
			docs = []Document{{Data: []byte(invoiceText("INV-3", "", "$5.00", "$105.00"))}}
		})

		It("rejects at the schema check without running rules", func() {
			o := report.Documents[0]
			Expect(o.State).To(Equal(StateRejected))
			Expect(o.Reasons).To(Equal([]string{"MissingField: email is required"}))
			Expect(o.History).To(Equal([]State{StateReceived, StateExtracted, StateSchemaChecked, StateRejected}))
			Expect(o.Record.RuleResults).To(BeEmpty())
		})
	})

	When("an advisory rule fails", func() {
		BeforeEach(func() {
			docs = []Document{{Data: []byte(invoiceText("INV-4", "jane.doe@example.com", "$30.00", "$130.00"))}}
		})

		It("asks for review and does not export", func() {
			Expect(report.Documents[0].State).To(Equal(StateNeedsReview))
			Expect(report.Documents[0].Reasons).To(ConsistOf(ContainSubstring(rules.CodeTaxRateExceeded)))
			Expect(report.Counts).To(Equal(Counts{NeedsReview: 1}))
			Expect(exporter.batches).To(BeEmpty())
		})
	})

	When("recognition fails", func() {
		BeforeEach(func() {
			docs = []Document{{Data: []byte("fail")}, {Data: validInvoice("INV-5")}}
		})

		It("rejects only that document as ExtractionFailed", func() {
			Expect(err).NotTo(HaveOccurred())
			Expect(report.Documents[0].State).To(Equal(StateRejected))
			Expect(report.Documents[0].Reasons).To(ConsistOf(HavePrefix(ReasonExtractionFailed)))
			Expect(report.Documents[0].Reasons[0]).To(ContainSubstring("ocr service unavailable"))
			Expect(report.Documents[0].Record).To(BeNil())
			Expect(report.Documents[1].State).To(Equal(StateExported))
		})
	})

	When("recognition outlives the OCR timeout", func() {
		BeforeEach(func() {
			opts = append(opts, WithOCRTimeout(50*time.Millisecond))
			docs = []Document{{Data: []byte("stall")}}
		})

		It("rejects the document as ExtractionFailed", func() {
			Expect(report.Documents[0].State).To(Equal(StateRejected))
			Expect(report.Documents[0].Reasons[0]).To(HavePrefix(ReasonExtractionFailed))
			Expect(report.Documents[0].Reasons[0]).To(ContainSubstring(context.DeadlineExceeded.Error()))
		})
	})

	When("the text cannot be read", func() {
		BeforeEach(func() {
			docs = []Document{{Data: []byte("   \n\t ")}}
		})

		It("rejects the document as ExtractionFailed", func() {
			Expect(report.Documents[0].State).To(Equal(StateRejected))
			Expect(report.Documents[0].Reasons[0]).To(HavePrefix(ReasonExtractionFailed))
			Expect(report.Documents[0].History).To(Equal([]State{StateReceived, StateRejected}))
		})
	})

	When("the exporter fails for three accepted records", func() {
		BeforeEach(func() {
			exporter.err = errors.New("sheet is read-only")
			docs = []Document{
				{Data: validInvoice("INV-10")},
				{Data: validInvoice("INV-11")},
				{Data: validInvoice("INV-12")},
			}
		})

		It("keeps every record accepted and reports the batch as failed", func() {
			Expect(err).NotTo(HaveOccurred())
			for _, o := range report.Documents {
				Expect(o.State).To(Equal(StateAccepted))
				Expect(o.Record.Status).To(Equal(invoice.StatusAccepted))
			}
			Expect(report.Counts).To(Equal(Counts{Accepted: 3}))
			Expect(report.Export.Status).To(Equal(ExportStatusFailed))
			Expect(report.Export.Error).To(ContainSubstring("sheet is read-only"))
		})

		It("keeps the records pending", func() {
			pending, pErr := ledger.PendingRecords()
			Expect(pErr).NotTo(HaveOccurred())
			Expect(pending).To(HaveLen(3))
			Expect(pending[0].ID).To(Equal("id-1"))
		})

		Describe("RetryPending", func() {
			It("exports the pending records once the destination recovers", func() {
				exporter.err = nil
				summary, rErr := coordinator.RetryPending(ctx)
				Expect(rErr).NotTo(HaveOccurred())
				Expect(summary.Status).To(Equal(ExportStatusExported))
				Expect(summary.Rows).To(Equal(3))

				pending, _ := ledger.PendingRecords()
				Expect(pending).To(BeEmpty())

				again, rErr := coordinator.RetryPending(ctx)
				Expect(rErr).NotTo(HaveOccurred())
				Expect(again.Status).To(Equal(ExportStatusSkipped))
				Expect(exporter.batches).To(HaveLen(2))
			})

			It("reports another failure and keeps the records pending", func() {
				summary, rErr := coordinator.RetryPending(ctx)
				Expect(rErr).NotTo(HaveOccurred())
				Expect(summary.Status).To(Equal(ExportStatusFailed))
				pending, _ := ledger.PendingRecords()
				Expect(pending).To(HaveLen(3))
			})
		})
	})

	When("two documents carry the same source id", func() {
		BeforeEach(func() {
			docs = []Document{
				{SourceID: "scan.pdf", Data: validInvoice("INV-20")},
				{SourceID: "scan.pdf", Data: validInvoice("INV-20")},
			}
		})

		It("assigns each its own id and keeps the source id as the label", func() {
			Expect(report.Documents[0].DocumentID).To(Equal("id-1"))
			Expect(report.Documents[1].DocumentID).To(Equal("id-2"))
			Expect(report.Documents[0].Source).To(Equal("scan.pdf"))
			Expect(report.Documents[1].Source).To(Equal("scan.pdf"))
		})

		It("still rejects the duplicate invoice number", func() {
			Expect(report.Documents[0].State).To(Equal(StateExported))
			Expect(report.Documents[1].State).To(Equal(StateRejected))
			Expect(report.Documents[1].Reasons).To(ConsistOf(ContainSubstring(rules.CodeDuplicateInvoiceNumber)))
		})

		It("exports a later run that reuses the source id", func() {
			second, rErr := coordinator.Run(ctx, []Document{{SourceID: "scan.pdf", Data: validInvoice("INV-21")}})
			Expect(rErr).NotTo(HaveOccurred())
			Expect(second.Documents[0].DocumentID).NotTo(Equal(report.Documents[0].DocumentID))
			Expect(second.Documents[0].State).To(Equal(StateExported))
			Expect(exporter.batches).To(HaveLen(2))
		})
	})

	When("the ledger cannot record a successful export", func() {
		var failing *markFailingLedger

		JustBeforeEach(func() {
			failing = &markFailingLedger{BoltLedger: ledger, err: errors.New("disk full")}
			coordinator = NewCoordinator(Stages{
				Recognizer: recognizer,
				Extractor:  extraction.New(),
				Validator:  validation.NewValidator(validation.DefaultSchema(), invoice.LocaleUS),
				Rules:      engine,
				Exporter:   exporter,
			}, failing, opts...)
			report, err = coordinator.Run(ctx, []Document{{Data: validInvoice("INV-60")}})
		})

		It("still reports the batch as exported", func() {
			Expect(err).NotTo(HaveOccurred())
			Expect(report.Documents[0].State).To(Equal(StateExported))
			Expect(report.Export.Status).To(Equal(ExportStatusExported))
			Expect(report.Export.Location).To(Equal("mock://" + report.Export.BatchID))
		})

		It("warns that the records are still pending", func() {
			Expect(report.Export.Error).To(HavePrefix(ErrorUnrecordedExport))
			Expect(report.Export.Error).To(ContainSubstring("disk full"))
			pending, pErr := ledger.PendingRecords()
			Expect(pErr).NotTo(HaveOccurred())
			Expect(pending).To(HaveLen(1))
		})

		It("saves the run report", func() {
			saved, gErr := ledger.GetRun(report.RunID)
			Expect(gErr).NotTo(HaveOccurred())
			Expect(saved.Export.Error).To(ContainSubstring("disk full"))
		})
	})

	When("a document is uploaded as plain text", func() {
		BeforeEach(func() {
			docs = []Document{
				{Filename: "scan.txt", ContentType: "text/plain; charset=utf-8", Data: validInvoice("INV-70")},
				{Filename: "fail.txt", ContentType: "text/plain", Data: []byte("fail")},
			}
		})

		It("skips recognition and reads the text directly", func() {
			Expect(report.Documents[0].State).To(Equal(StateExported))
			Expect(report.Documents[0].Method).To(Equal(MethodPlainText))
			Expect(report.Documents[0].Source).To(Equal("scan.txt"))
		})

		It("extracts from the text even when it would fail recognition", func() {
			Expect(report.Documents[1].State).To(Equal(StateRejected))
			Expect(report.Documents[1].Reasons).NotTo(ContainElement(ContainSubstring("ocr service unavailable")))
			Expect(report.Documents[1].History).To(ContainElement(StateExtracted))
		})
	})

	When("there is no exporter", func() {
		JustBeforeEach(func() {
			coordinator = NewCoordinator(Stages{
				Recognizer: recognizer,
				Extractor:  extraction.New(),
				Validator:  validation.NewValidator(validation.DefaultSchema(), invoice.LocaleUS),
				Rules:      engine,
			}, ledger, opts...)
			report, err = coordinator.Run(ctx, []Document{{Data: validInvoice("INV-30")}})
		})

		It("skips the export and keeps the record pending", func() {
			Expect(report.Export.Status).To(Equal(ExportStatusSkipped))
			Expect(report.Documents[0].State).To(Equal(StateAccepted))
			pending, _ := ledger.PendingRecords()
			Expect(pending).To(HaveLen(1))
		})
	})

	When("a batch mixes every outcome", func() {
		BeforeEach(func() {
			docs = []Document{
				{Data: validInvoice("INV-40")},
				{Data: validInvoice("INV-40")},
				{Data: []byte("fail")},
				{Data: []byte(invoiceText("INV-41", "", "$5.00", "$105.00"))},
				{Data: []byte(invoiceText("INV-42", "jane.doe@example.com", "$30.00", "$130.00"))},
			}
		})

		It("gives every document exactly one terminal status", func() {
			Expect(report.Documents).To(HaveLen(len(docs)))
			for _, o := range report.Documents {
				Expect(o.State.Terminal()).To(BeTrue())
				Expect(historyTerminals(o)).To(Equal(1))
			}
			Expect(report.Counts).To(Equal(Counts{Accepted: 1, Exported: 1, Rejected: 3, NeedsReview: 1}))
		})

		It("accepts only records without blocking failures", func() {
			for _, o := range report.Documents {
				if o.Record == nil {
					continue
				}
				accepted := o.Record.Status == invoice.StatusAccepted
				Expect(accepted).To(Equal(len(o.Record.SchemaViolations) == 0 && o.Record.BlockingFailures() == 0))
			}
		})

		It("validates idempotently", func() {
			batch := rules.NewBatchContext()
			batch.Commit("INV-40", "id-1")
			for _, o := range report.Documents {
				if o.Record == nil || len(o.Record.SchemaViolations) > 0 {
					continue
				}
				again := invoice.NewValidatedRecord(o.Record.ID, o.Record.Record, nil, engine.Apply(o.Record.Record, batch))
				Expect(again.Status).To(Equal(o.Record.Status))
				Expect(again.Reasons()).To(Equal(o.Record.Reasons()))
			}
		})
	})

	Describe("RunText", func() {
		It("skips recognition", func() {
			r, rErr := coordinator.RunText(ctx, []invoice.RawDocument{
				{SourceID: "text-1", Text: string(validInvoice("INV-50")), Method: "pdf-text"},
			})
			Expect(rErr).NotTo(HaveOccurred())
			Expect(r.Documents[0].Source).To(Equal("text-1"))
			Expect(r.Documents[0].DocumentID).NotTo(Equal("text-1"))
			Expect(r.Documents[0].Method).To(Equal("pdf-text"))
			Expect(r.Documents[0].State).To(Equal(StateExported))
		})

		It("rejects a duplicate invoice number even when the source ids match", func() {
			r, rErr := coordinator.RunText(ctx, []invoice.RawDocument{
				{SourceID: "scan.txt", Text: string(validInvoice("INV-1"))},
				{SourceID: "scan.txt", Text: string(validInvoice("INV-1"))},
			})
			Expect(rErr).NotTo(HaveOccurred())
			Expect(r.Documents[0].State).To(Equal(StateExported))
			Expect(r.Documents[1].State).To(Equal(StateRejected))
			Expect(r.Documents[1].Reasons).To(ContainElement(ContainSubstring(r.Documents[0].DocumentID)))
		})
	})
})
