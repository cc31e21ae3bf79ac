package scanning

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/zombor/invoice-pipeline/internal/invoice"
)

// OCRAPI implements the Scanner interface against a hosted OCR endpoint that
// accepts a base64 data URL and answers with per-page markdown
type OCRAPI struct {
	baseURL string
	apiKey  string
	model   string
	client  *http.Client
}

// NewOCRAPI creates a new OCRAPI Scanner instance
func NewOCRAPI(baseURL, apiKey, modelName string) (*OCRAPI, error) {
	if apiKey == "" {
		return nil, fmt.Errorf("ocr api key is required")
	}
	if baseURL == "" {
		baseURL = "https://api.aimlapi.com"
	}
	if modelName == "" {
		modelName = "mistral/mistral-ocr-latest"
	}
	return &OCRAPI{
		baseURL: strings.TrimSuffix(baseURL, "/"),
		apiKey:  apiKey,
		model:   modelName,
		client:  &http.Client{Timeout: 90 * time.Second},
	}, nil
}

type ocrDocument struct {
	Type        string `json:"type"`
	ImageURL    string `json:"image_url,omitempty"`
	DocumentURL string `json:"document_url,omitempty"`
}

type ocrRequest struct {
	Model    string      `json:"model"`
	Document ocrDocument `json:"document"`
}

type ocrResponse struct {
	Pages []struct {
		Index    int    `json:"index"`
		Markdown string `json:"markdown"`
	} `json:"pages"`
}

// buildDocument sends PDFs as documents and everything else as a PNG image
func buildDocument(data []byte, contentType string) (ocrDocument, error) {
	if isPDF(data, contentType) {
		return ocrDocument{
			Type:        "document_url",
			DocumentURL: "data:application/pdf;base64," + base64.StdEncoding.EncodeToString(data),
		}, nil
	}
	pngData, mimeType, _, err := prepareImageData(data, contentType)
	if err != nil {
		return ocrDocument{}, err
	}
	return ocrDocument{
		Type:     "image_url",
		ImageURL: fmt.Sprintf("data:%s;base64,%s", mimeType, base64.StdEncoding.EncodeToString(pngData)),
	}, nil
}

// RecognizeText sends the document to the OCR endpoint and joins the
// markdown of every page
func (o *OCRAPI) RecognizeText(ctx context.Context, sourceID string, data []byte, contentType string) (invoice.RawDocument, error) {
	doc, err := buildDocument(data, contentType)
	if err != nil {
		return invoice.RawDocument{}, err
	}

	body, err := json.Marshal(ocrRequest{Model: o.model, Document: doc})
	if err != nil {
		return invoice.RawDocument{}, fmt.Errorf("marshaling request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, "POST", o.baseURL+"/v1/ocr", bytes.NewReader(body))
	if err != nil {
		return invoice.RawDocument{}, fmt.Errorf("creating request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+o.apiKey)

	resp, err := o.client.Do(req)
	if err != nil {
		return invoice.RawDocument{}, fmt.Errorf("calling ocr API: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		msg, _ := io.ReadAll(resp.Body)
		return invoice.RawDocument{}, fmt.Errorf("ocr API error (status %d): %s", resp.StatusCode, string(msg))
	}

	var ocrResp ocrResponse
	if err := json.NewDecoder(resp.Body).Decode(&ocrResp); err != nil {
		return invoice.RawDocument{}, fmt.Errorf("decoding response: %w", err)
	}
	if len(ocrResp.Pages) == 0 {
		return invoice.RawDocument{}, fmt.Errorf("ocr API returned no pages")
	}

	pages := make([]string, 0, len(ocrResp.Pages))
	for _, p := range ocrResp.Pages {
		pages = append(pages, p.Markdown)
	}
	text, err := parseTranscript(strings.Join(pages, "\n\n"))
	if err != nil {
		return invoice.RawDocument{}, fmt.Errorf("parsing ocr output: %w", err)
	}

	return invoice.RawDocument{SourceID: sourceID, Text: text, Method: MethodOCRAPI}, nil
}

// Close is a no-op
func (o *OCRAPI) Close() error {
	return nil
}
