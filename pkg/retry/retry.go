package retry

import (
	"context"
	"errors"
	"fmt"
	"time"

	errs "reconpipe/pkg/errors"
	"reconpipe/pkg/logger"
)

// Operation is a unit of work that might need retrying. attempt starts at 1.
type Operation func(ctx context.Context, attempt int) error

// OperationWithResult is an Operation that also produces a value
type OperationWithResult[T any] func(ctx context.Context, attempt int) (T, error)

// Config holds retry configuration
type Config struct {
	// MaxAttempts is the maximum number of attempts (0 means unlimited)
	MaxAttempts int
	// Backoff strategy to use; nil means retry immediately
	Backoff BackoffStrategy
	// RetryIf determines if an error should be retried
	RetryIf func(error) bool
	// OnRetry is called before each retry attempt
	OnRetry func(attempt int, err error, delay time.Duration)
	// Logger for retry attempts
	Logger logger.Logger
}

// OnLockTimeout retries only checkpoint lock timeouts, pausing with
// LockBackoff between rounds. attempts <= 0 means a single attempt.
func OnLockTimeout(attempts int, log logger.Logger) *Config {
	if attempts <= 0 {
		attempts = 1
	}
	return &Config{
		MaxAttempts: attempts,
		Backoff:     LockBackoff(),
		RetryIf:     IsLockTimeout,
		Logger:      log,
	}
}

// IsLockTimeout reports whether err is a checkpoint lock timeout
func IsLockTimeout(err error) bool {
	return errors.Is(err, errs.ErrLockTimeout)
}

// Once returns a configuration that retries a failed operation exactly once
// without waiting. Batches use it: a failed batch gets one more chance before
// the phase is marked failed.
func Once(log logger.Logger) *Config {
	return &Config{
		MaxAttempts: 2,
		RetryIf:     DefaultRetryIf,
		Logger:      log,
	}
}

// DefaultRetryIf is the default retry predicate
func DefaultRetryIf(err error) bool {
	if err == nil {
		return false
	}

	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}

	var typed *errs.Error
	if errors.As(err, &typed) {
		switch typed.Type {
		case errs.ErrorTypeToolTimeout, errs.ErrorTypeInterrupted,
			errs.ErrorTypeInvalidTransition, errs.ErrorTypeUnrepairable:
			return false
		case errs.ErrorTypeUnknown:
			return true
		default:
			return errs.IsRetryable(typed.Type)
		}
	}

	// Unknown errors from tools and processors get retried
	return true
}

// Do runs op until it succeeds, fails with an error RetryIf rejects, or
// runs out of attempts. A nil cfg means Once.
func Do(ctx context.Context, op Operation, cfg *Config) error {
	if cfg == nil {
		cfg = Once(nil)
	}
	retryIf := cfg.RetryIf
	if retryIf == nil {
		retryIf = DefaultRetryIf
	}
	log := logger.OrGlobal(cfg.Logger)

	attempt := 0

	for {
		attempt++

		err := op(ctx, attempt)
		if err == nil {
			if attempt > 1 {
				log.DebugWithFields("operation succeeded after retry", map[string]interface{}{
					"attempt": attempt,
				})
			}
			return nil
		}

		if !retryIf(err) {
			log.DebugWithFields("error is not retryable", map[string]interface{}{
				"error": err.Error(),
			})
			return err
		}

		// The last attempt failed: no delay, no OnRetry
		if cfg.MaxAttempts > 0 && attempt >= cfg.MaxAttempts {
			log.ErrorWithFields("max retry attempts exceeded", map[string]interface{}{
				"attempts":   attempt,
				"last_error": err.Error(),
			})
			return fmt.Errorf("max retry attempts (%d) exceeded: %w", cfg.MaxAttempts, err)
		}

		var delay time.Duration
		if cfg.Backoff != nil {
			delay = cfg.Backoff.NextDelay(attempt)
		}

		if cfg.OnRetry != nil {
			cfg.OnRetry(attempt, err, delay)
		}

		log.WarnWithFields("retrying operation", map[string]interface{}{
			"attempt":      attempt,
			"error":        err.Error(),
			"delay_ms":     delay.Milliseconds(),
			"max_attempts": cfg.MaxAttempts,
		})

		if err := pause(ctx, delay); err != nil {
			log.WarnWithFields("retry cancelled", map[string]interface{}{
				"attempt": attempt,
				"reason":  err.Error(),
			})
			return fmt.Errorf("retry cancelled: %w", err)
		}
	}
}

// DoWithResult executes an operation that returns a result with retry logic
func DoWithResult[T any](ctx context.Context, op OperationWithResult[T], cfg *Config) (T, error) {
	var result T

	err := Do(ctx, func(ctx context.Context, attempt int) error {
		var opErr error
		result, opErr = op(ctx, attempt)
		return opErr
	}, cfg)

	return result, err
}
