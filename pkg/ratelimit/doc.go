// Package ratelimit throttles external tool invocations.
//
// The tool runner pool waits on a Limiter before starting each subprocess so
// that a large batch does not launch hundreds of scanners at once:
//
//	limiter := ratelimit.PerMinute(cfg.RateLimit.InvocationsPerMinute, cfg.RateLimit.BurstSize)
//	if err := limiter.Wait(ctx); err != nil {
//	    return err
//	}
package ratelimit
