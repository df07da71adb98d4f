// Package ratelimit enforces a minimum gap between outbound requests.
package ratelimit

import (
	"context"
	"fmt"
	"time"

	"golang.org/x/time/rate"
)

// Limiter wraps rate.Limiter with a name for logging and metrics.
type Limiter struct {
	limiter *rate.Limiter
	name    string
}

// NewMinGap returns a limiter that lets one request through every gap.
// A non-positive gap disables limiting.
func NewMinGap(name string, gap time.Duration) *Limiter {
	limit := rate.Inf
	if gap > 0 {
		limit = rate.Every(gap)
	}
	return &Limiter{
		limiter: rate.NewLimiter(limit, 1),
		name:    name,
	}
}

// Wait blocks until the next request may be sent and reports how long it waited.
func (l *Limiter) Wait(ctx context.Context) (time.Duration, error) {
	started := time.Now()
	if err := l.limiter.Wait(ctx); err != nil {
		return time.Since(started), fmt.Errorf("rate limit wait for %s: %w", l.name, err)
	}
	return time.Since(started), nil
}

func (l *Limiter) Name() string {
	return l.name
}
