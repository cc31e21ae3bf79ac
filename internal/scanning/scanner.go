package scanning

import (
	"context"

	"github.com/zombor/invoice-pipeline/internal/invoice"
)

// Recognition methods reported in RawDocument.Method
const (
	MethodPDFText = "pdf-text"
	MethodGemini  = "gemini"
	MethodOllama  = "ollama"
	MethodOCRAPI  = "ocr-api"
)

// Scanner defines the interface for text recognition
type Scanner interface {
	// RecognizeText reads all text from an image or PDF
	RecognizeText(ctx context.Context, sourceID string, data []byte, contentType string) (invoice.RawDocument, error)
	// Close closes the scanner and releases resources
	Close() error
}
