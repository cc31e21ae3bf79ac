package scanning

import (
	"fmt"
	"strings"
)

// parseTranscript strips the code fences and chatter models wrap around a
// transcription
func parseTranscript(text string) (string, error) {
	text = strings.TrimSpace(text)

	// Remove opening and closing markdown code blocks
	if strings.HasPrefix(text, "```") {
		if nl := strings.Index(text, "\n"); nl >= 0 {
			text = text[nl+1:]
		} else {
			text = strings.TrimPrefix(text, "```")
		}
		text = strings.TrimSuffix(strings.TrimSpace(text), "```")
	}
	text = strings.TrimSpace(text)

	if text == "" {
		return "", fmt.Errorf("empty transcription")
	}
	return text, nil
}
