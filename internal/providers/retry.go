package providers

import (
	"context"
	"errors"
	"log/slog"
	"math"
	"strconv"
	"strings"
	"time"
)

// HTTPError is returned by provider transports for non-2xx responses.
// RetryAfter, when >0, overrides the backoff's computed delay (e.g. a
// provider's own Retry-After header on a 429).
type HTTPError struct {
	Status     int
	Body       string
	RetryAfter time.Duration
}

func (e *HTTPError) Error() string {
	return "status " + strconv.Itoa(e.Status) + ": " + e.Body
}

// ParseRetryAfter parses a Retry-After header value (seconds, or an HTTP
// date) into a duration. Returns 0 if the header is empty or unparseable.
func ParseRetryAfter(v string) time.Duration {
	if v == "" {
		return 0
	}
	if secs, err := strconv.Atoi(strings.TrimSpace(v)); err == nil {
		return time.Duration(secs) * time.Second
	}
	if t, err := time.Parse(time.RFC1123, v); err == nil {
		if d := time.Until(t); d > 0 {
			return d
		}
	}
	return 0
}

// RetryConfig controls the exponential-backoff retry wrapper used by every
// provider's Chat/ChatStream connection phase.
type RetryConfig struct {
	MaxAttempts int
	BaseDelay   time.Duration
	MaxDelay    time.Duration
}

// DefaultRetryConfig matches the teacher's provider defaults: up to 5
// attempts, starting at 500ms and doubling up to a 30s ceiling.
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		MaxAttempts: 5,
		BaseDelay:   500 * time.Millisecond,
		MaxDelay:    30 * time.Second,
	}
}

// retryableSubstrings classifies transient network/provider errors by
// matching against the error's string form; IsRetryableError applies it
// for RetryDo. The message queue retries any handler error without it.
var retryableSubstrings = []string{
	"econnreset",
	"etimedout",
	"rate_limit",
	"rate limit",
	"overloaded",
	"529",
	"503",
	"502",
	"socket hang up",
	"network error",
	"connection reset",
	"connection refused",
	"eof",
}

// IsRetryableError reports whether err looks transient and worth retrying.
func IsRetryableError(err error) bool {
	if err == nil {
		return false
	}
	var httpErr *HTTPError
	if errors.As(err, &httpErr) {
		switch httpErr.Status {
		case 429, 502, 503, 504, 529:
			return true
		}
	}
	msg := strings.ToLower(err.Error())
	for _, s := range retryableSubstrings {
		if strings.Contains(msg, s) {
			return true
		}
	}
	return false
}

// RetryDo runs fn with exponential backoff, retrying only errors classified
// as transient by IsRetryableError. Honors ctx cancellation and an
// HTTPError's RetryAfter override. A retry hook registered on ctx (see
// WithRetryHook) is invoked before each retry sleep.
func RetryDo[T any](ctx context.Context, cfg RetryConfig, fn func() (T, error)) (T, error) {
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 1
	}
	hook := RetryHookFromContext(ctx)

	var zero T
	var lastErr error
	for attempt := 1; attempt <= cfg.MaxAttempts; attempt++ {
		result, err := fn()
		if err == nil {
			return result, nil
		}
		lastErr = err

		if attempt == cfg.MaxAttempts || !IsRetryableError(err) {
			return zero, err
		}

		delay := backoffDelay(cfg, attempt)
		var httpErr *HTTPError
		if errors.As(err, &httpErr) && httpErr.RetryAfter > 0 {
			delay = httpErr.RetryAfter
		}

		slog.Warn("provider call failed, retrying", "attempt", attempt, "max_attempts", cfg.MaxAttempts, "delay", delay, "error", err)
		hook(attempt, cfg.MaxAttempts, err)

		select {
		case <-ctx.Done():
			return zero, ctx.Err()
		case <-time.After(delay):
		}
	}
	return zero, lastErr
}

func backoffDelay(cfg RetryConfig, attempt int) time.Duration {
	d := time.Duration(float64(cfg.BaseDelay) * math.Pow(2, float64(attempt-1)))
	if d > cfg.MaxDelay {
		d = cfg.MaxDelay
	}
	return d
}
