// Package ratelimit provides the process-wide order-class and info-class
// token buckets described in spec §5/§6, built on the same token-bucket
// core as an HTTP per-visitor limiter but with the per-visitor/per-endpoint
// tracking stripped away: there is no HTTP business surface here, only two
// process-wide budgets.
package ratelimit

import (
	"context"
	"fmt"

	"golang.org/x/time/rate"
)

// Class identifies which shared budget a call consumes.
type Class int

const (
	ClassOrder Class = iota
	ClassInfo
)

// Limiter owns the two token buckets: order-class for submits/cancels,
// info-class for polls. Acquire blocks until a token is available or ctx is
// done, matching spec §5: "Token acquisition blocks."
type Limiter struct {
	order *rate.Limiter
	info  *rate.Limiter
}

// New builds a Limiter from the configured steady-state rates. Burst equals
// the per-second rate rounded down (at least 1), so a brief burst up to one
// second's budget is allowed before blocking.
func New(orderPerSec, infoPerSec float64) *Limiter {
	return &Limiter{
		order: rate.NewLimiter(rate.Limit(orderPerSec), burstFor(orderPerSec)),
		info:  rate.NewLimiter(rate.Limit(infoPerSec), burstFor(infoPerSec)),
	}
}

func burstFor(perSec float64) int {
	b := int(perSec)
	if b < 1 {
		b = 1
	}
	return b
}

// Acquire blocks until a token of the given class is available.
func (l *Limiter) Acquire(ctx context.Context, class Class) error {
	limiter := l.limiterFor(class)
	if err := limiter.Wait(ctx); err != nil {
		return fmt.Errorf("ratelimit: acquire %v: %w", class, err)
	}
	return nil
}

func (l *Limiter) limiterFor(class Class) *rate.Limiter {
	if class == ClassInfo {
		return l.info
	}
	return l.order
}

func (c Class) String() string {
	if c == ClassInfo {
		return "info"
	}
	return "order"
}
