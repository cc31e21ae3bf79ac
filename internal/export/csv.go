package export

import (
	"bytes"
	"context"
	"encoding/csv"
	"fmt"
	"log/slog"
	"time"

	"github.com/zombor/invoice-pipeline/internal/invoice"
)

// CSV writes two files per batch: one summary row per record, and one row
// per line item
type CSV struct {
	storage Storage
	locale  invoice.DateLocale
	now     func() time.Time
}

// NewCSV creates a CSV exporter writing through storage
func NewCSV(storage Storage, locale invoice.DateLocale) *CSV {
	return &CSV{storage: storage, locale: locale, now: time.Now}
}

// Destination implements Exporter
func (c *CSV) Destination() string {
	return string(FormatCSV)
}

func encodeCSV(headers []string, rows [][]string) ([]byte, error) {
	var buf bytes.Buffer
	w := csv.NewWriter(&buf)
	if err := w.Write(headers); err != nil {
		return nil, fmt.Errorf("writing header: %w", err)
	}
	if err := w.WriteAll(rows); err != nil {
		return nil, fmt.Errorf("writing rows: %w", err)
	}
	return buf.Bytes(), nil
}

// Export implements Exporter. The summary file is removed again when the
// line items file cannot be saved, so a failed batch leaves nothing behind.
func (c *CSV) Export(ctx context.Context, batch *invoice.ExportBatch) (*invoice.ExportReceipt, error) {
	if err := ctx.Err(); err != nil {
		return nil, exportError(batch, c.Destination(), err)
	}

	summary := make([][]string, 0, len(batch.Records))
	items := make([][]string, 0, len(batch.Records))
	for _, rec := range batch.Records {
		summary = append(summary, summaryRow(rec, c.locale))
		items = append(items, lineItemRows(rec)...)
	}

	summaryData, err := encodeCSV(summaryHeaders, summary)
	if err != nil {
		return nil, exportError(batch, c.Destination(), err)
	}
	itemsData, err := encodeCSV(lineItemHeaders, items)
	if err != nil {
		return nil, exportError(batch, c.Destination(), err)
	}

	name, err := c.storage.Save(fmt.Sprintf("invoices_%s.csv", batch.ID), summaryData)
	if err != nil {
		return nil, exportError(batch, c.Destination(), err)
	}
	itemsName, err := c.storage.Save(fmt.Sprintf("line_items_%s.csv", batch.ID), itemsData)
	if err != nil {
		if delErr := c.storage.Delete(name); delErr != nil {
			slog.Warn("Failed to remove partial export", "file", name, "error", delErr)
		}
		return nil, exportError(batch, c.Destination(), err)
	}

	slog.Info("Exported batch",
		"destination", c.Destination(),
		"batch_id", batch.ID,
		"records", len(batch.Records),
		"line_items", len(items),
		"file", name,
		"line_items_file", itemsName,
	)

	return &invoice.ExportReceipt{
		BatchID:     batch.ID,
		Destination: c.Destination(),
		Location:    c.storage.Location(name),
		Rows:        len(batch.Records),
		ExportedAt:  c.now(),
	}, nil
}
