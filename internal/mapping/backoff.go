package mapping

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// doWithExponentialBackoff implements the mapping retry formula
// (retry_delay * 2^attempt), max_retries default 10, retried only when fn
// returns a *serviceUnavailableError and breaking immediately on any other
// error. Kept deliberately separate from internal/retry's fixed
// [500ms,1000ms,2000ms] ladder: the two components are shaped differently
// (exponential vs. fixed) and this is a per-component policy, not a shared
// one.
func doWithExponentialBackoff[T any](ctx context.Context, maxRetries int, baseDelay time.Duration, fn func() (T, error)) (T, error) {
	var lastErr error
	for attempt := 0; attempt <= maxRetries; attempt++ {
		result, err := fn()
		if err == nil {
			return result, nil
		}
		lastErr = err

		var svcErr *serviceUnavailableError
		if !errors.As(err, &svcErr) {
			var zero T
			return zero, err
		}
		if attempt == maxRetries {
			break
		}

		delay := baseDelay * time.Duration(1<<uint(attempt))
		select {
		case <-ctx.Done():
			var zero T
			return zero, fmt.Errorf("mapping: context cancelled during backoff: %w", ctx.Err())
		case <-time.After(delay):
		}
	}

	var zero T
	return zero, fmt.Errorf("mapping: retries exhausted: %w", lastErr)
}
