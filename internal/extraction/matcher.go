package extraction

import (
	"regexp"
	"strings"

	"github.com/zombor/invoice-pipeline/internal/invoice"
)

const (
	labelledConfidence  = 0.9
	heuristicConfidence = 0.6
	weakConfidence      = 0.4
)

// pattern is one tier of a matcher. The value is the first capture group, or
// the whole match when the expression has no groups.
type pattern struct {
	re         *regexp.Regexp
	confidence float64
}

// matcher finds at most one value for one field. Every tier is searched and
// the accepted candidate that starts earliest in the text wins. The tier only
// sets the confidence, and breaks ties between candidates at the same offset.
type matcher struct {
	field     string
	tiers     []pattern
	accept    func(value string) bool
	normalize func(value string) string
}

func (m matcher) match(text string) invoice.Field {
	best := invoice.Unmatched(m.field)
	bestStart := -1
	for _, tier := range m.tiers {
		for _, loc := range tier.re.FindAllStringSubmatchIndex(text, -1) {
			start, end := loc[0], loc[1]
			if len(loc) >= 4 && loc[2] >= 0 {
				start, end = loc[2], loc[3]
			}
			if bestStart >= 0 && start >= bestStart {
				break
			}
			value := strings.TrimSpace(text[start:end])
			if m.normalize != nil {
				value = m.normalize(value)
			}
			if value == "" {
				continue
			}
			if m.accept != nil && !m.accept(value) {
				continue
			}
			best = invoice.Matched(m.field, value, tier.confidence)
			bestStart = start
			break
		}
	}
	return best
}

func labelled(expr string) pattern {
	return pattern{re: regexp.MustCompile(expr), confidence: labelledConfidence}
}

func heuristic(expr string) pattern {
	return pattern{re: regexp.MustCompile(expr), confidence: heuristicConfidence}
}

func weak(expr string) pattern {
	return pattern{re: regexp.MustCompile(expr), confidence: weakConfidence}
}
