package scanning

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/google/generative-ai-go/genai"
	"google.golang.org/api/option"

	"github.com/zombor/invoice-pipeline/internal/invoice"
)

// Gemini implements the Scanner interface using Google Gemini. Deadlines
// come from the caller's context.
type Gemini struct {
	client   *genai.Client
	generate func(ctx context.Context, parts ...genai.Part) (*genai.GenerateContentResponse, error)
}

// NewGemini creates a new Gemini Scanner instance
func NewGemini(apiKey string, modelName string) (*Gemini, error) {
	if apiKey == "" {
		return nil, fmt.Errorf("gemini api key is required")
	}
	if modelName == "" {
		modelName = "gemini-2.5-pro"
	}

	ctx := context.Background()
	client, err := genai.NewClient(ctx, option.WithAPIKey(apiKey))
	if err != nil {
		return nil, fmt.Errorf("creating gemini client: %w", err)
	}

	model := client.GenerativeModel(modelName)
	// Transcription should be literal
	model.SetTemperature(0)

	return &Gemini{
		client:   client,
		generate: model.GenerateContent,
	}, nil
}

// RecognizeText transcribes an invoice image or PDF
func (g *Gemini) RecognizeText(ctx context.Context, sourceID string, data []byte, contentType string) (invoice.RawDocument, error) {
	// Prepare image data (convert to PNG if needed)
	finalImageData, _, converted, err := prepareImageData(data, contentType)
	if err != nil {
		return invoice.RawDocument{}, err
	}
	if converted {
		slog.Debug("Converted document for gemini", "source_id", sourceID, "content_type", contentType)
	}

	// genai.ImageData expects just the format suffix, and everything is PNG by now
	parts := []genai.Part{
		genai.ImageData("png", finalImageData),
		genai.Text(transcriptionPrompt),
	}

	resp, err := g.generate(ctx, parts...)
	if err != nil {
		return invoice.RawDocument{}, fmt.Errorf("generating content: %w", err)
	}

	if len(resp.Candidates) == 0 || resp.Candidates[0].Content == nil || len(resp.Candidates[0].Content.Parts) == 0 {
		return invoice.RawDocument{}, fmt.Errorf("no response from gemini")
	}

	var responseText strings.Builder
	for _, part := range resp.Candidates[0].Content.Parts {
		if text, ok := part.(genai.Text); ok {
			responseText.WriteString(string(text))
		}
	}

	text, err := parseTranscript(responseText.String())
	if err != nil {
		return invoice.RawDocument{}, fmt.Errorf("parsing gemini transcription: %w", err)
	}

	return invoice.RawDocument{SourceID: sourceID, Text: text, Method: MethodGemini}, nil
}

// Close closes the Gemini client
func (g *Gemini) Close() error {
	if g.client == nil {
		return nil
	}
	return g.client.Close()
}
