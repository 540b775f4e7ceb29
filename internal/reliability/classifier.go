// Package reliability classifies turn failures for the calling layer. The
// core never retries on its own: a partially streamed turn may already have
// had server-side effects, so retry policy belongs to the caller.
package reliability

import (
	"context"
	"errors"
	"time"

	"github.com/anisbr/ragchat/internal/transport"
)

// IsRetryableHTTPStatus classifies retryable backend status codes.
func IsRetryableHTTPStatus(code int) bool {
	switch code {
	case 429, 500, 502, 503, 504:
		return true
	default:
		return false
	}
}

// Retryable reports whether a turn error is worth retrying with a fresh
// submission. Cancellation and context expiry are never retryable.
func Retryable(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}
	var statusErr *transport.StatusError
	if errors.As(err, &statusErr) {
		return IsRetryableHTTPStatus(statusErr.StatusCode)
	}
	// Network-level failures (dial, reset, premature EOF) are retryable.
	return true
}

// ExponentialBackoff computes a deterministic capped backoff duration.
func ExponentialBackoff(attempt int, base, cap time.Duration) time.Duration {
	if attempt <= 0 {
		return base
	}
	d := base
	for i := 0; i < attempt; i++ {
		d *= 2
		if d >= cap {
			return cap
		}
	}
	return d
}
