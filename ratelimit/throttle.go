// Package ratelimit provides the Worker Pool's two independent rate
// controls (spec.md §4.C, §4.D): a pool-wide safety throttle (this file,
// adapted from the teacher's token-bucket limiter) and the per-sender /
// global hourly cap (hourly.go).
package ratelimit

import (
	"context"
	"sync"

	"golang.org/x/time/rate"
)

// Throttle is a pool-wide token-bucket safety valve bounding total dispatch
// attempts per second regardless of per-sender/global hourly caps. It
// exists to protect the SMTP pool and downstream relay from bursts, not to
// enforce the product-level hourly limits.
type Throttle struct {
	limiter *rate.Limiter
	mu      sync.RWMutex
}

// NewThrottle builds a Throttle. perSecond <= 0 means unlimited.
func NewThrottle(perSecond int, burst int) *Throttle {
	if perSecond <= 0 {
		return &Throttle{limiter: rate.NewLimiter(rate.Inf, 0)}
	}
	if burst <= 0 {
		burst = perSecond
	}
	return &Throttle{limiter: rate.NewLimiter(rate.Limit(perSecond), burst)}
}

// Wait blocks until the throttle admits one dispatch attempt or ctx is
// done.
func (t *Throttle) Wait(ctx context.Context) error {
	t.mu.RLock()
	limiter := t.limiter
	t.mu.RUnlock()
	return limiter.Wait(ctx)
}

// Allow reports whether a dispatch attempt is admitted immediately.
func (t *Throttle) Allow() bool {
	t.mu.RLock()
	limiter := t.limiter
	t.mu.RUnlock()
	return limiter.Allow()
}

// SetRate replaces the throttle's limiter at runtime with one using the new
// limit and burst; the new limiter starts with a full burst of tokens.
func (t *Throttle) SetRate(perSecond int, burst int) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if perSecond <= 0 {
		t.limiter = rate.NewLimiter(rate.Inf, 0)
		return
	}
	if burst <= 0 {
		burst = perSecond
	}
	t.limiter = rate.NewLimiter(rate.Limit(perSecond), burst)
}
