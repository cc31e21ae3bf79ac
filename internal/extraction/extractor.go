package extraction

import (
	"log/slog"
	"regexp"
	"strings"
	"unicode"
	"unicode/utf8"

	"github.com/zombor/invoice-pipeline/internal/invoice"
)

// Extractor turns recognized text into a CandidateRecord
type Extractor struct {
	matchers []matcher
}

// New creates an Extractor with the default matcher set
func New() *Extractor {
	return &Extractor{matchers: defaultMatchers()}
}

// Extract applies every matcher to rawText. It only fails when the text is
// empty or unreadable; fields that match nothing come back Unmatched.
func (e *Extractor) Extract(rawText string, sourceID string) (*invoice.CandidateRecord, error) {
	if !utf8.ValidString(rawText) {
		return nil, &invoice.ExtractionError{SourceID: sourceID, Reason: "text is not valid UTF-8"}
	}
	if strings.TrimSpace(rawText) == "" {
		return nil, &invoice.ExtractionError{SourceID: sourceID, Reason: "text is empty"}
	}
	if strings.IndexFunc(rawText, func(r rune) bool { return unicode.IsLetter(r) || unicode.IsDigit(r) }) < 0 {
		return nil, &invoice.ExtractionError{SourceID: sourceID, Reason: "text has no readable characters"}
	}

	text := cleanText(rawText)

	fields := make([]invoice.Field, 0, len(e.matchers))
	matched := 0
	for _, m := range e.matchers {
		f := m.match(text)
		if f.IsMatched() {
			matched++
		}
		fields = append(fields, f)
	}
	items := parseLineItems(text)

	slog.Debug("Extracted fields",
		"source_id", sourceID,
		"matched", matched,
		"fields", len(fields),
		"line_items", len(items),
	)

	return invoice.NewCandidateRecord(sourceID, fields, items), nil
}

var markdownNoise = strings.NewReplacer("\r\n", "\n", "\r", "\n", "|", " ", "**", "", "__", "")

// cleanText flattens markdown tables and emphasis that OCR services emit
func cleanText(s string) string {
	return markdownNoise.Replace(s)
}

var lineItemRe = regexp.MustCompile(`(?m)^[ \t]*([A-Za-z][^\n]*?)[ \t]+(\d+(?:\.\d+)?)[ \t]+(?:[xX@][ \t]+)?[$€£¥]?(\d[\d,]*\.\d{2})[ \t]+[$€£¥]?(\d[\d,]*\.\d{2})[ \t]*$`)

var summaryLabel = regexp.MustCompile(`(?i)^(?:sub[ \t-]?total|total|grand[ \t]+total|(?:sales[ \t]+)?tax|vat|gst|hst|amount[ \t]+due|balance)\b`)

// parseLineItems reads rows shaped "description qty unit_price amount"
func parseLineItems(text string) []invoice.LineItem {
	items := make([]invoice.LineItem, 0)
	for _, m := range lineItemRe.FindAllStringSubmatch(text, -1) {
		desc := invoice.NormalizeText(m[1])
		if summaryLabel.MatchString(desc) {
			continue
		}
		qty, err := invoice.ParseAmount(m[2])
		if err != nil {
			continue
		}
		unit, err := invoice.ParseAmount(m[3])
		if err != nil {
			continue
		}
		amount, err := invoice.ParseAmount(m[4])
		if err != nil {
			continue
		}
		items = append(items, invoice.LineItem{
			Description: desc,
			Quantity:    qty,
			UnitPrice:   unit,
			Amount:      amount,
		})
	}
	return items
}
