package ratelimit

import (
	"context"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// Limiter defines the interface for rate limiting external tool invocations
type Limiter interface {
	// Allow reports whether an invocation may start right now
	Allow() bool
	// Wait blocks until an invocation may start or ctx is done
	Wait(ctx context.Context) error
	// Reset refills the limiter to its full burst
	Reset()
}

// TokenBucket implements a token bucket limiter on top of x/time/rate.
// Limits can be adjusted while workers are waiting on it.
type TokenBucket struct {
	mu       sync.RWMutex
	limiter  *rate.Limiter
	perEvent time.Duration
	burst    int
}

// NewTokenBucket allows one event every perEvent with the given burst
func NewTokenBucket(burst int, perEvent time.Duration) *TokenBucket {
	if burst < 1 {
		burst = 1
	}
	return &TokenBucket{
		limiter:  rate.NewLimiter(rate.Every(perEvent), burst),
		perEvent: perEvent,
		burst:    burst,
	}
}

// PerMinute builds a limiter allowing n invocations per minute.
// n <= 0 disables limiting.
func PerMinute(n, burst int) Limiter {
	if n <= 0 {
		return Unlimited{}
	}
	return NewTokenBucket(burst, time.Minute/time.Duration(n))
}

// Allow checks if an invocation can proceed
func (tb *TokenBucket) Allow() bool {
	tb.mu.RLock()
	defer tb.mu.RUnlock()
	return tb.limiter.Allow()
}

// Wait blocks until a token is available or the context is cancelled
func (tb *TokenBucket) Wait(ctx context.Context) error {
	tb.mu.RLock()
	l := tb.limiter
	tb.mu.RUnlock()
	return l.Wait(ctx)
}

// Reset resets the token bucket to full capacity
func (tb *TokenBucket) Reset() {
	tb.mu.Lock()
	defer tb.mu.Unlock()
	tb.limiter = rate.NewLimiter(rate.Every(tb.perEvent), tb.burst)
}

// UpdateLimits adjusts the rate and burst at runtime
func (tb *TokenBucket) UpdateLimits(perEvent time.Duration, burst int) {
	tb.mu.Lock()
	defer tb.mu.Unlock()
	tb.perEvent = perEvent
	tb.burst = burst
	tb.limiter.SetLimit(rate.Every(perEvent))
	tb.limiter.SetBurst(burst)
}

// Unlimited never blocks
type Unlimited struct{}

func (Unlimited) Allow() bool                    { return true }
func (Unlimited) Wait(ctx context.Context) error { return ctx.Err() }
func (Unlimited) Reset()                         {}
