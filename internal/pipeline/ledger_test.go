package pipeline

import (
	"errors"
	"path/filepath"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/zombor/invoice-pipeline/internal/invoice"
)

func ledgerRecord(id string, violations ...invoice.SchemaViolation) *invoice.ValidatedRecord {
	rec := invoice.NewCandidateRecord(id, []invoice.Field{
		invoice.Matched(invoice.FieldInvoiceNumber, "INV-"+id, 0.9),
	}, nil)
	return invoice.NewValidatedRecord(id, rec, violations, nil)
}

var _ = Describe("BoltLedger", func() {
	var (
		path   string
		ledger *BoltLedger
	)

	BeforeEach(func() {
		path = filepath.Join(GinkgoT().TempDir(), "ledger.db")
		var err error
		ledger, err = NewBoltLedger(path)
		Expect(err).NotTo(HaveOccurred())
	})

	AfterEach(func() {
		ledger.Close()
	})

	Describe("pending records", func() {
		It("returns records in the order they were saved", func() {
			Expect(ledger.SavePending([]*invoice.ValidatedRecord{ledgerRecord("b"), ledgerRecord("a")})).To(Succeed())
			Expect(ledger.SavePending([]*invoice.ValidatedRecord{ledgerRecord("c")})).To(Succeed())

			pending, err := ledger.PendingRecords()
			Expect(err).NotTo(HaveOccurred())
			Expect(pending).To(HaveLen(3))
			Expect([]string{pending[0].ID, pending[1].ID, pending[2].ID}).To(Equal([]string{"b", "a", "c"}))
			Expect(pending[0].Record.Value(invoice.FieldInvoiceNumber)).To(Equal("INV-b"))
		})

		It("refuses records that are not accepted", func() {
			rejected := ledgerRecord("x", invoice.SchemaViolation{Field: "email", Kind: invoice.MissingField})
			Expect(ledger.SavePending([]*invoice.ValidatedRecord{rejected})).To(MatchError(ContainSubstring("only accepted")))
		})

		It("survives reopening the file", func() {
			Expect(ledger.SavePending([]*invoice.ValidatedRecord{ledgerRecord("a")})).To(Succeed())
			Expect(ledger.Close()).To(Succeed())

			var err error
			ledger, err = NewBoltLedger(path)
			Expect(err).NotTo(HaveOccurred())
			pending, err := ledger.PendingRecords()
			Expect(err).NotTo(HaveOccurred())
			Expect(pending).To(HaveLen(1))
		})
	})

	Describe("MarkExported", func() {
		BeforeEach(func() {
			Expect(ledger.SavePending([]*invoice.ValidatedRecord{ledgerRecord("a"), ledgerRecord("b")})).To(Succeed())
			Expect(ledger.MarkExported(&invoice.ExportReceipt{BatchID: "batch-1"}, []string{"a"})).To(Succeed())
		})

		It("moves the ids out of pending", func() {
			pending, err := ledger.PendingRecords()
			Expect(err).NotTo(HaveOccurred())
			Expect(pending).To(HaveLen(1))
			Expect(pending[0].ID).To(Equal("b"))
		})

		It("remembers the exported ids", func() {
			Expect(ledger.IsExported("a")).To(BeTrue())
			Expect(ledger.IsExported("b")).To(BeFalse())
		})

		It("does not make an exported record pending again", func() {
			Expect(ledger.SavePending([]*invoice.ValidatedRecord{ledgerRecord("a")})).To(Succeed())
			pending, err := ledger.PendingRecords()
			Expect(err).NotTo(HaveOccurred())
			Expect(pending).To(HaveLen(1))
		})
	})

	Describe("runs", func() {
		BeforeEach(func() {
			base := time.Date(2024, 6, 1, 0, 0, 0, 0, time.UTC)
			Expect(ledger.SaveRun(&RunReport{RunID: "run-1", StartedAt: base, Counts: Counts{Accepted: 1}})).To(Succeed())
			Expect(ledger.SaveRun(&RunReport{RunID: "run-2", StartedAt: base.Add(time.Hour)})).To(Succeed())
		})

		It("gets a run by id", func() {
			report, err := ledger.GetRun("run-1")
			Expect(err).NotTo(HaveOccurred())
			Expect(report.Counts.Accepted).To(Equal(1))
		})

		It("returns ErrNotFound for unknown runs", func() {
			_, err := ledger.GetRun("missing")
			Expect(errors.Is(err, invoice.ErrNotFound)).To(BeTrue())
		})

		It("lists runs newest first", func() {
			runs, err := ledger.ListRuns()
			Expect(err).NotTo(HaveOccurred())
			Expect(runs).To(HaveLen(2))
			Expect(runs[0].RunID).To(Equal("run-2"))
			Expect(runs[1].RunID).To(Equal("run-1"))
		})
	})
})
