package fetch

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/JakeFAU/listing-monitor/internal/metrics"
)

// Pacer enforces a minimum gap between requests to the same domain across all
// callers sharing it.
type Pacer struct {
	mu       sync.Mutex
	limiters map[string]*rate.Limiter
	limit    rate.Limit
}

// NewPacer creates a Pacer. A non-positive gap disables pacing.
func NewPacer(gap time.Duration) *Pacer {
	limit := rate.Inf
	if gap > 0 {
		limit = rate.Every(gap)
	}
	return &Pacer{
		limiters: make(map[string]*rate.Limiter),
		limit:    limit,
	}
}

// Wait blocks until domain may be contacted again, respecting ctx.
func (p *Pacer) Wait(ctx context.Context, domain string) error {
	domain = strings.ToLower(domain)
	if domain == "" {
		domain = "unknown"
	}
	p.mu.Lock()
	limiter, ok := p.limiters[domain]
	if !ok {
		limiter = rate.NewLimiter(p.limit, 1)
		p.limiters[domain] = limiter
	}
	p.mu.Unlock()

	start := time.Now()
	if err := limiter.Wait(ctx); err != nil {
		return fmt.Errorf("pacing wait: %w", err)
	}
	if waited := time.Since(start); waited > time.Millisecond {
		metrics.ObservePacingDelay(domain, waited)
	}
	return nil
}
