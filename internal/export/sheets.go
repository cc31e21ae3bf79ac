package export

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"google.golang.org/api/option"
	"google.golang.org/api/sheets/v4"

	"github.com/zombor/invoice-pipeline/internal/invoice"
)

// SheetsConfig points at a Google spreadsheet. Both tabs must exist.
type SheetsConfig struct {
	CredentialsFile string
	SpreadsheetID   string
	SheetName       string
	LineItemsSheet  string
}

// Sheets appends one summary row per record, and one row per line item on a
// second tab, to a Google spreadsheet
type Sheets struct {
	svc            *sheets.Service
	spreadsheetID  string
	sheetName      string
	lineItemsSheet string
	locale         invoice.DateLocale
	now            func() time.Time
}

// NewSheets creates a Sheets exporter. Without a credentials file the caller
// must pass client options that authenticate.
func NewSheets(ctx context.Context, cfg SheetsConfig, locale invoice.DateLocale, opts ...option.ClientOption) (*Sheets, error) {
	if cfg.SpreadsheetID == "" {
		return nil, fmt.Errorf("google sheets spreadsheet id is required")
	}
	if cfg.CredentialsFile == "" && len(opts) == 0 {
		return nil, fmt.Errorf("google sheets credentials file is required")
	}
	if cfg.SheetName == "" {
		cfg.SheetName = invoicesSheet
	}
	if cfg.LineItemsSheet == "" {
		cfg.LineItemsSheet = lineItemsSheet
	}

	if cfg.CredentialsFile != "" {
		opts = append(opts, option.WithCredentialsFile(cfg.CredentialsFile))
	}
	opts = append(opts, option.WithScopes(sheets.SpreadsheetsScope))

	svc, err := sheets.NewService(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("creating sheets client: %w", err)
	}

	return &Sheets{
		svc:            svc,
		spreadsheetID:  cfg.SpreadsheetID,
		sheetName:      cfg.SheetName,
		lineItemsSheet: cfg.LineItemsSheet,
		locale:         locale,
		now:            time.Now,
	}, nil
}

// Destination implements Exporter
func (s *Sheets) Destination() string {
	return string(FormatSheets)
}

// needsHeader reports whether a tab is still empty
func (s *Sheets) needsHeader(ctx context.Context, sheet string) (bool, error) {
	resp, err := s.svc.Spreadsheets.Values.Get(s.spreadsheetID, sheet+"!A1:A1").Context(ctx).Do()
	if err != nil {
		return false, fmt.Errorf("reading %s header: %w", sheet, err)
	}
	return len(resp.Values) == 0, nil
}

// appendRows adds rows to a tab in one call, with a header first when the
// tab is empty, and returns the updated range
func (s *Sheets) appendRows(ctx context.Context, sheet string, headers []string, rows [][]string, numeric map[int]bool) (string, error) {
	header, err := s.needsHeader(ctx, sheet)
	if err != nil {
		return "", err
	}

	values := make([][]interface{}, 0, len(rows)+1)
	if header {
		values = append(values, cells(headers, nil))
	}
	for _, row := range rows {
		values = append(values, cells(row, numeric))
	}

	resp, err := s.svc.Spreadsheets.Values.Append(s.spreadsheetID, sheet+"!A1", &sheets.ValueRange{Values: values}).
		ValueInputOption("USER_ENTERED").
		InsertDataOption("INSERT_ROWS").
		Context(ctx).
		Do()
	if err != nil {
		return "", fmt.Errorf("appending rows to %s: %w", sheet, err)
	}
	if resp.Updates == nil {
		return "", nil
	}
	return resp.Updates.UpdatedRange, nil
}

// Export implements Exporter. Summary rows go out first; line items follow
// on their own tab and are skipped when the batch has none.
func (s *Sheets) Export(ctx context.Context, batch *invoice.ExportBatch) (*invoice.ExportReceipt, error) {
	summary := make([][]string, 0, len(batch.Records))
	items := make([][]string, 0, len(batch.Records))
	for _, rec := range batch.Records {
		summary = append(summary, summaryRow(rec, s.locale))
		items = append(items, lineItemRows(rec)...)
	}

	updated, err := s.appendRows(ctx, s.sheetName, summaryHeaders, summary, numericSummaryColumns)
	if err != nil {
		return nil, exportError(batch, s.Destination(), err)
	}
	if len(items) > 0 {
		if _, err := s.appendRows(ctx, s.lineItemsSheet, lineItemHeaders, items, numericLineItemColumns); err != nil {
			return nil, exportError(batch, s.Destination(), err)
		}
	}

	location := fmt.Sprintf("https://docs.google.com/spreadsheets/d/%s", s.spreadsheetID)
	if updated != "" {
		location = location + "#" + updated
	}

	slog.Info("Exported batch",
		"destination", s.Destination(),
		"batch_id", batch.ID,
		"records", len(batch.Records),
		"line_items", len(items),
		"spreadsheet", s.spreadsheetID,
	)

	return &invoice.ExportReceipt{
		BatchID:     batch.ID,
		Destination: s.Destination(),
		Location:    location,
		Rows:        len(batch.Records),
		ExportedAt:  s.now(),
	}, nil
}
