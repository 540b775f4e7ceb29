package reliability

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/anisbr/ragchat/internal/transport"
)

func TestIsRetryableHTTPStatus(t *testing.T) {
	cases := []struct {
		code int
		want bool
	}{
		{200, false},
		{400, false},
		{404, false},
		{429, true},
		{500, true},
		{502, true},
		{503, true},
	}
	for _, tc := range cases {
		if got := IsRetryableHTTPStatus(tc.code); got != tc.want {
			t.Fatalf("IsRetryableHTTPStatus(%d) = %v, want %v", tc.code, got, tc.want)
		}
	}
}

func TestRetryable(t *testing.T) {
	if Retryable(nil) {
		t.Fatalf("Retryable(nil) = true, want false")
	}
	if Retryable(context.Canceled) {
		t.Fatalf("Retryable(canceled) = true, want false")
	}
	if Retryable(fmt.Errorf("open: %w", &transport.StatusError{StatusCode: 401})) {
		t.Fatalf("Retryable(401) = true, want false")
	}
	if !Retryable(fmt.Errorf("open: %w", &transport.StatusError{StatusCode: 503})) {
		t.Fatalf("Retryable(503) = false, want true")
	}
	if !Retryable(errors.New("connection reset by peer")) {
		t.Fatalf("Retryable(network) = false, want true")
	}
}

func TestExponentialBackoffCap(t *testing.T) {
	base := 100 * time.Millisecond
	capDur := 700 * time.Millisecond
	if got := ExponentialBackoff(0, base, capDur); got != base {
		t.Fatalf("attempt 0 = %v, want %v", got, base)
	}
	if got := ExponentialBackoff(2, base, capDur); got != 400*time.Millisecond {
		t.Fatalf("attempt 2 = %v, want 400ms", got)
	}
	if got := ExponentialBackoff(10, base, capDur); got != capDur {
		t.Fatalf("attempt 10 = %v, want %v", got, capDur)
	}
}
