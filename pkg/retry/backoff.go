package retry

import (
	"context"
	"math"
	"math/rand"
	"time"
)

// BackoffStrategy decides how long to pause before the next attempt
type BackoffStrategy interface {
	// NextDelay returns the pause after the given failed attempt
	NextDelay(attempt int) time.Duration
}

// ExponentialBackoff grows the pause by Multiplier per attempt, capped at
// MaxDelay, with +/- JitterFactor of randomness
type ExponentialBackoff struct {
	BaseDelay    time.Duration
	MaxDelay     time.Duration
	Multiplier   float64
	JitterFactor float64
}

// LockBackoff paces lock acquisition rounds. Each round already polls for
// the configured lock timeout, so the pause between rounds stays short.
func LockBackoff() *ExponentialBackoff {
	return &ExponentialBackoff{
		BaseDelay:    250 * time.Millisecond,
		MaxDelay:     2 * time.Second,
		Multiplier:   2.0,
		JitterFactor: 0.2,
	}
}

func (eb *ExponentialBackoff) NextDelay(attempt int) time.Duration {
	if attempt <= 0 {
		return 0
	}

	delay := float64(eb.BaseDelay) * math.Pow(eb.Multiplier, float64(attempt-1))
	delay = math.Min(delay, float64(eb.MaxDelay))
	if eb.JitterFactor > 0 {
		spread := delay * eb.JitterFactor
		delay += rand.Float64()*2*spread - spread
	}
	return time.Duration(math.Max(delay, 0))
}

// Fixed pauses the same duration after every attempt
type Fixed time.Duration

func (f Fixed) NextDelay(attempt int) time.Duration {
	if attempt <= 0 {
		return 0
	}
	return time.Duration(f)
}

// pause sleeps for delay unless ctx ends first
func pause(ctx context.Context, delay time.Duration) error {
	if delay <= 0 {
		return ctx.Err()
	}

	timer := time.NewTimer(delay)
	defer timer.Stop()

	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
