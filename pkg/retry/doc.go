// Package retry runs operations again when they fail with a retryable error.
//
// The pipeline uses it in two places: a failed batch is retried once with no
// delay (see Once), and checkpoint saves that time out waiting for the lock
// are retried a few times with LockBackoff between rounds.
//
//	err := retry.Do(ctx, func(ctx context.Context, attempt int) error {
//	    return processor.ProcessBatch(ctx, b)
//	}, retry.Once(log))
//
// Whether an error is retryable is decided by DefaultRetryIf, which consults
// the error type from reconpipe/pkg/errors. Tool timeouts and interrupts are
// never retried.
package retry
