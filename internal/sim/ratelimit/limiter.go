// Package ratelimit paces RPC calls to the simulator bridge so the
// control process cannot starve the simulator of compute between ticks.
package ratelimit

import (
	"context"
	"fmt"
	"time"

	"github.com/argisarris/rampctl/internal/metrics"
	"golang.org/x/time/rate"
)

// Limiter wraps a token-bucket rate limiter for collaborator calls.
type Limiter struct {
	limiter *rate.Limiter
}

// NewLimiter allows rps calls per second with a burst of burst tokens.
func NewLimiter(rps float64, burst int) *Limiter {
	return &Limiter{
		limiter: rate.NewLimiter(rate.Limit(rps), burst),
	}
}

// Wait blocks until the limiter allows one call, or ctx is done.
// Uses Reserve() so exactly one token is consumed per call.
func (l *Limiter) Wait(ctx context.Context) error {
	r := l.limiter.Reserve()
	if !r.OK() {
		return fmt.Errorf("rate: cannot reserve token")
	}
	delay := r.Delay()
	if delay > 0 {
		metrics.CollaboratorRateLimitWaits.Inc()
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			r.Cancel()
			return ctx.Err()
		}
	}
	return nil
}
