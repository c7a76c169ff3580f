// Package retry implements the fixed-ladder backoff shared by the embedding
// and LLM clients.
package retry

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"
)

// ErrExhausted is returned when all retries are exhausted on a retryable error.
var ErrExhausted = fmt.Errorf("upstream is experiencing high demand, retries exhausted")

// Ladder is the default fixed backoff schedule: 500ms, 1000ms, 2000ms,
// capped at a 4s ceiling.
var Ladder = struct {
	Delays  []time.Duration
	Ceiling time.Duration
}{
	Delays:  []time.Duration{500 * time.Millisecond, 1000 * time.Millisecond, 2000 * time.Millisecond},
	Ceiling: 4 * time.Second,
}

// IsRetryable reports whether err signals a transient upstream condition
// (rate limiting, quota, 429/503) worth retrying.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	msg := err.Error()
	return strings.Contains(msg, "429") ||
		strings.Contains(msg, "RESOURCE_EXHAUSTED") ||
		strings.Contains(msg, "quota") ||
		strings.Contains(msg, "rate limit") ||
		strings.Contains(msg, "503")
}

// IsRetryableStatus reports whether an HTTP status code warrants a retry.
func IsRetryableStatus(code int) bool {
	return code == http.StatusTooManyRequests || code == http.StatusServiceUnavailable
}

// Do executes fn up to len(Ladder.Delays)+1 times on the fixed ladder,
// stopping early on a non-retryable error or context cancellation.
func Do[T any](ctx context.Context, operation string, fn func() (T, error)) (T, error) {
	result, err := fn()
	if err == nil {
		return result, nil
	}
	if !IsRetryable(err) {
		return result, err
	}

	for i, delay := range Ladder.Delays {
		if delay > Ladder.Ceiling {
			delay = Ladder.Ceiling
		}

		slog.Warn("retrying after transient error",
			"operation", operation,
			"attempt", i+2,
			"delay_ms", delay.Milliseconds(),
			"error", err.Error(),
		)

		select {
		case <-ctx.Done():
			var zero T
			return zero, fmt.Errorf("%s: context cancelled during retry: %w", operation, ctx.Err())
		case <-time.After(delay):
		}

		result, err = fn()
		if err == nil {
			slog.Info("retry succeeded", "operation", operation, "attempt", i+2)
			return result, nil
		}
		if !IsRetryable(err) {
			return result, err
		}
	}

	var zero T
	slog.Error("retries exhausted", "operation", operation, "attempts", len(Ladder.Delays)+1)
	return zero, ErrExhausted
}
