package httpclient

import (
	"context"
	"errors"
	"fmt"
	"math/rand/v2"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"
)

// StatusError is returned for any non-2xx response. It keeps the full body
// for adapter-level diagnosis while Error() truncates it for logs.
type StatusError struct {
	Code       int
	Body       []byte
	RetryAfter time.Duration
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("unexpected status %d: %s", e.Code, truncate(e.Body, 256))
}

// StatusCode returns the HTTP status, satisfying the interface retry
// classification looks for.
func (e *StatusError) StatusCode() int { return e.Code }

func truncate(b []byte, n int) string {
	s := strings.TrimSpace(string(b))
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}

// isRetryable reports whether an attempt error is worth retrying: transport
// failures, timeouts, 429 and 5xx. ctx is the caller's context, not the
// per-attempt one: a deadline error with the caller still live means the
// attempt timeout fired, which is a retryable timeout. Cancellation from the
// caller and other 4xx are terminal.
func isRetryable(ctx context.Context, err error) bool {
	if err == nil {
		return false
	}

	if ctx.Err() != nil {
		return false
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	if errors.Is(err, context.Canceled) {
		return false
	}

	var statusErr *StatusError
	if errors.As(err, &statusErr) {
		switch statusErr.Code {
		case http.StatusTooManyRequests,
			http.StatusInternalServerError,
			http.StatusBadGateway,
			http.StatusServiceUnavailable,
			http.StatusGatewayTimeout:
			return true
		}
		return false
	}

	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return true
	}

	errStr := strings.ToLower(err.Error())
	for _, pattern := range []string{
		"connection refused",
		"connection reset",
		"connection closed",
		"broken pipe",
		"eof",
		"timeout",
		"temporary failure",
	} {
		if strings.Contains(errStr, pattern) {
			return true
		}
	}

	return false
}

// backoffDelay computes the pause before retry n (0-based):
// min(base·2^n + rand(0, base), cap). The additive jitter spreads out
// clients that fail in lockstep.
func backoffDelay(base, cap time.Duration, n int) time.Duration {
	if base <= 0 {
		return 0
	}
	backoff := base << uint(n)
	if backoff > cap || backoff <= 0 {
		backoff = cap
	}
	delay := backoff + time.Duration(rand.Int64N(int64(base)))
	if delay > cap {
		delay = cap
	}
	return delay
}

// retryAfterDelay extracts a server-mandated pause from a Retry-After
// header, which may be whole seconds or an HTTP date.
func retryAfterDelay(h http.Header, now time.Time) time.Duration {
	raw := h.Get("Retry-After")
	if raw == "" {
		return 0
	}
	if secs, err := strconv.Atoi(strings.TrimSpace(raw)); err == nil {
		if secs < 0 {
			return 0
		}
		return time.Duration(secs) * time.Second
	}
	if at, err := http.ParseTime(raw); err == nil {
		if d := at.Sub(now); d > 0 {
			return d
		}
	}
	return 0
}
