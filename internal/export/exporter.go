package export

import (
	"context"
	"fmt"
	"strings"

	"github.com/zombor/invoice-pipeline/internal/invoice"
)

// Exporter delivers a batch of accepted records to one destination
type Exporter interface {
	// Export writes every record of the batch or none of them
	Export(ctx context.Context, batch *invoice.ExportBatch) (*invoice.ExportReceipt, error)
	// Destination names where batches go, e.g. "csv"
	Destination() string
}

// Format selects an Exporter implementation
type Format string

const (
	FormatCSV    Format = "csv"
	FormatXLSX   Format = "xlsx"
	FormatSheets Format = "sheets"
)

// ParseFormat resolves a format name or one of its aliases
func ParseFormat(s string) (Format, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "csv":
		return FormatCSV, nil
	case "xlsx", "xls", "excel":
		return FormatXLSX, nil
	case "sheets", "gsheets", "google", "google-sheets":
		return FormatSheets, nil
	}
	return "", fmt.Errorf("unsupported export format %q (use csv, xlsx or sheets)", s)
}

// Config is everything needed to build any Exporter
type Config struct {
	Format    string
	OutputDir string
	Locale    invoice.DateLocale
	Sheets    SheetsConfig
}

// New builds the Exporter selected by cfg.Format. Errors here are fatal to
// a run, unlike errors from Export.
func New(ctx context.Context, cfg Config) (Exporter, error) {
	format, err := ParseFormat(cfg.Format)
	if err != nil {
		return nil, err
	}

	switch format {
	case FormatSheets:
		s, err := NewSheets(ctx, cfg.Sheets, cfg.Locale)
		if err != nil {
			return nil, err
		}
		return s, nil
	default:
		dir := cfg.OutputDir
		if dir == "" {
			dir = "./exports"
		}
		storage, err := NewLocalStorage(dir)
		if err != nil {
			return nil, err
		}
		if format == FormatXLSX {
			return NewXLSX(storage, cfg.Locale), nil
		}
		return NewCSV(storage, cfg.Locale), nil
	}
}

func exportError(batch *invoice.ExportBatch, destination string, err error) error {
	return &invoice.ExportError{BatchID: batch.ID, Destination: destination, Err: err}
}
