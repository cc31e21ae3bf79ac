package scanning

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/zombor/invoice-pipeline/internal/invoice"
)

// minTextLayer is how many non-space characters a PDF text layer needs
// before it is trusted over OCR
const minTextLayer = 20

// PDFText reads the embedded text layer of digital PDFs and hands scans and
// images to a fallback Scanner
type PDFText struct {
	fallback Scanner
	extract  func([]byte) (string, error)
}

// NewPDFText creates a PDFText scanner. fallback may be nil, in which case
// documents without a text layer fail.
func NewPDFText(fallback Scanner) *PDFText {
	return &PDFText{fallback: fallback, extract: pdfText}
}

// RecognizeText implements Scanner
func (p *PDFText) RecognizeText(ctx context.Context, sourceID string, data []byte, contentType string) (invoice.RawDocument, error) {
	if isPDF(data, contentType) {
		text, err := p.extract(data)
		switch {
		case err != nil:
			slog.Warn("Failed to read PDF text layer", "source_id", sourceID, "error", err)
		case len(strings.Join(strings.Fields(text), "")) >= minTextLayer:
			return invoice.RawDocument{SourceID: sourceID, Text: text, Method: MethodPDFText}, nil
		default:
			slog.Debug("PDF has no usable text layer", "source_id", sourceID)
		}
	}

	if p.fallback == nil {
		return invoice.RawDocument{}, fmt.Errorf("no OCR backend configured for %s", contentType)
	}
	return p.fallback.RecognizeText(ctx, sourceID, data, contentType)
}

// Close closes the fallback scanner
func (p *PDFText) Close() error {
	if p.fallback == nil {
		return nil
	}
	return p.fallback.Close()
}
