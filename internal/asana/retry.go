package asana

import (
	"context"
	"net/http"
	"strconv"
	"strings"
	"time"
)

// RetryPolicy decides which failures are retried and how long to wait.
type RetryPolicy struct {
	// MaxAttempts includes the first attempt.
	MaxAttempts int

	BaseBackoff time.Duration
	MaxBackoff  time.Duration

	// NetworkBackoff is the minimum wait after a transport error or timeout.
	NetworkBackoff time.Duration

	// Retryable lists HTTP statuses that are retried. Transport errors are
	// always retried.
	Retryable map[int]bool
}

// DefaultRetryPolicy retries rate limiting and transient server errors.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxAttempts:    5,
		BaseBackoff:    time.Second,
		MaxBackoff:     30 * time.Second,
		NetworkBackoff: 10 * time.Second,
		Retryable: map[int]bool{
			http.StatusTooManyRequests:     true,
			http.StatusInternalServerError: true,
			http.StatusBadGateway:          true,
			http.StatusServiceUnavailable:  true,
			http.StatusGatewayTimeout:      true,
		},
	}
}

// WithClientErrors returns a copy that also retries 400 and 402.
func (p RetryPolicy) WithClientErrors() RetryPolicy {
	out := p
	out.Retryable = make(map[int]bool, len(p.Retryable)+2)
	for k, v := range p.Retryable {
		out.Retryable[k] = v
	}
	out.Retryable[http.StatusBadRequest] = true
	out.Retryable[http.StatusPaymentRequired] = true
	return out
}

// retryable reports whether an attempt that ended with status (0 = no
// response) may be retried.
func (p RetryPolicy) retryable(status int) bool {
	return status == 0 || p.Retryable[status]
}

func (p RetryPolicy) attempts() int {
	if p.MaxAttempts <= 0 {
		return 1
	}
	return p.MaxAttempts
}

// delay returns the wait before the attempt following attempt.
func (p RetryPolicy) delay(status, attempt int, retryAfter time.Duration) time.Duration {
	if status == http.StatusTooManyRequests && retryAfter > 0 {
		return retryAfter
	}

	// Exponential: base * 2^(attempt-1), clamped.
	d := p.BaseBackoff << uint(attempt-1)
	overflow := p.BaseBackoff > 0 && (attempt > 62 || d <= 0)
	if p.MaxBackoff > 0 && (d > p.MaxBackoff || overflow) {
		d = p.MaxBackoff
	}

	if status == 0 && d < p.NetworkBackoff {
		d = p.NetworkBackoff
	}
	return d
}

func sleepContext(ctx context.Context, d time.Duration) bool {
	if d <= 0 {
		return ctx.Err() == nil
	}

	t := time.NewTimer(d)
	defer t.Stop()

	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}

// parseRetryAfter accepts delta-seconds or an HTTP date.
func parseRetryAfter(h http.Header, now time.Time) time.Duration {
	ra := strings.TrimSpace(h.Get("Retry-After"))
	if ra == "" {
		return 0
	}

	if secs, err := strconv.Atoi(ra); err == nil {
		if secs <= 0 {
			return 0
		}
		return time.Duration(secs) * time.Second
	}

	if t, err := http.ParseTime(ra); err == nil {
		if d := t.Sub(now); d > 0 {
			return d
		}
	}
	return 0
}
