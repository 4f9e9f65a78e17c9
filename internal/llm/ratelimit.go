package llm

import (
	"context"

	"golang.org/x/time/rate"
)

// Limiter is the shared token bucket honoring provider RPM limits. One
// limiter is shared across every caller of a provider — compression,
// adjudication, reranking, summarization — so bursts from one path cannot
// starve the others of quota. Waiters suspend; they never spin.
type Limiter struct {
	bucket  *rate.Limiter
	enabled bool
}

// NewLimiter builds a limiter from requests-per-minute. rpm <= 0 or
// enabled=false yields a pass-through limiter.
func NewLimiter(rpm int, enabled bool) *Limiter {
	if !enabled || rpm <= 0 {
		return &Limiter{enabled: false}
	}
	perSecond := rate.Limit(float64(rpm) / 60.0)
	return &Limiter{bucket: rate.NewLimiter(perSecond, rpm/6+1), enabled: true}
}

// Wait blocks until a token is available or the context is done.
func (l *Limiter) Wait(ctx context.Context) error {
	if !l.enabled {
		return nil
	}
	return l.bucket.Wait(ctx)
}
