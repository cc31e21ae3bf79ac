package scanning

import (
	"context"
	"fmt"

	"golang.org/x/time/rate"

	"github.com/zombor/invoice-pipeline/internal/invoice"
)

// RateLimited throttles calls to a remote Scanner with a token bucket
type RateLimited struct {
	next    Scanner
	limiter *rate.Limiter
}

// NewRateLimited allows requestsPerSecond sustained calls with bursts of
// burst. A non-positive rate disables limiting.
func NewRateLimited(next Scanner, requestsPerSecond float64, burst int) *RateLimited {
	limit := rate.Limit(requestsPerSecond)
	if requestsPerSecond <= 0 {
		limit = rate.Inf
	}
	if burst < 1 {
		burst = 1
	}
	return &RateLimited{
		next:    next,
		limiter: rate.NewLimiter(limit, burst),
	}
}

// RecognizeText waits for a token, then delegates
func (r *RateLimited) RecognizeText(ctx context.Context, sourceID string, data []byte, contentType string) (invoice.RawDocument, error) {
	if err := r.limiter.Wait(ctx); err != nil {
		return invoice.RawDocument{}, fmt.Errorf("waiting for OCR rate limit: %w", err)
	}
	return r.next.RecognizeText(ctx, sourceID, data, contentType)
}

// Close closes the wrapped scanner
func (r *RateLimited) Close() error {
	return r.next.Close()
}
