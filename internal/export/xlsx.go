package export

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/xuri/excelize/v2"

	"github.com/zombor/invoice-pipeline/internal/invoice"
)

const (
	invoicesSheet  = "Invoices"
	lineItemsSheet = "Line Items"
)

// XLSX writes a workbook per batch with an invoice summary sheet and a line
// items sheet
type XLSX struct {
	storage Storage
	locale  invoice.DateLocale
	now     func() time.Time
}

// NewXLSX creates an XLSX exporter writing through storage
func NewXLSX(storage Storage, locale invoice.DateLocale) *XLSX {
	return &XLSX{storage: storage, locale: locale, now: time.Now}
}

// Destination implements Exporter
func (x *XLSX) Destination() string {
	return string(FormatXLSX)
}

// cells converts a row for SetSheetRow, turning numeric columns into numbers
func cells(row []string, numeric map[int]bool) []interface{} {
	out := make([]interface{}, len(row))
	for i, v := range row {
		out[i] = v
		if !numeric[i] || v == "" {
			continue
		}
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			out[i] = f
		}
	}
	return out
}

func writeSheet(f *excelize.File, sheet string, headers []string, rows [][]string, numeric map[int]bool) error {
	header := cells(headers, nil)
	if err := f.SetSheetRow(sheet, "A1", &header); err != nil {
		return fmt.Errorf("writing %s header: %w", sheet, err)
	}
	for i, row := range rows {
		cell, err := excelize.CoordinatesToCellName(1, i+2)
		if err != nil {
			return err
		}
		values := cells(row, numeric)
		if err := f.SetSheetRow(sheet, cell, &values); err != nil {
			return fmt.Errorf("writing %s row %d: %w", sheet, i+2, err)
		}
	}
	return nil
}

func (x *XLSX) workbook(batch *invoice.ExportBatch) (*excelize.File, int, error) {
	f := excelize.NewFile()
	if err := f.SetSheetName("Sheet1", invoicesSheet); err != nil {
		f.Close()
		return nil, 0, err
	}
	if _, err := f.NewSheet(lineItemsSheet); err != nil {
		f.Close()
		return nil, 0, err
	}

	summaries := make([][]string, 0, len(batch.Records))
	items := make([][]string, 0)
	for _, rec := range batch.Records {
		summaries = append(summaries, summaryRow(rec, x.locale))
		items = append(items, lineItemRows(rec)...)
	}

	if err := writeSheet(f, invoicesSheet, summaryHeaders, summaries, numericSummaryColumns); err != nil {
		f.Close()
		return nil, 0, err
	}
	if err := writeSheet(f, lineItemsSheet, lineItemHeaders, items, numericLineItemColumns); err != nil {
		f.Close()
		return nil, 0, err
	}

	// Widen a few columns
	_ = f.SetColWidth(invoicesSheet, "A", "A", 38) // document id
	_ = f.SetColWidth(invoicesSheet, "B", "F", 22)
	_ = f.SetColWidth(lineItemsSheet, "A", "A", 38)
	_ = f.SetColWidth(lineItemsSheet, "C", "C", 40) // description

	f.SetActiveSheet(0)
	return f, len(summaries), nil
}

// Export implements Exporter
func (x *XLSX) Export(ctx context.Context, batch *invoice.ExportBatch) (*invoice.ExportReceipt, error) {
	if err := ctx.Err(); err != nil {
		return nil, exportError(batch, x.Destination(), err)
	}

	f, rows, err := x.workbook(batch)
	if err != nil {
		return nil, exportError(batch, x.Destination(), fmt.Errorf("building workbook: %w", err))
	}
	defer f.Close()

	buf, err := f.WriteToBuffer()
	if err != nil {
		return nil, exportError(batch, x.Destination(), fmt.Errorf("writing workbook: %w", err))
	}

	name, err := x.storage.Save(fmt.Sprintf("invoices_%s.xlsx", batch.ID), buf.Bytes())
	if err != nil {
		return nil, exportError(batch, x.Destination(), err)
	}

	slog.Info("Exported batch", "destination", x.Destination(), "batch_id", batch.ID, "records", rows, "file", name)

	return &invoice.ExportReceipt{
		BatchID:     batch.ID,
		Destination: x.Destination(),
		Location:    x.storage.Location(name),
		Rows:        rows,
		ExportedAt:  x.now(),
	}, nil
}
