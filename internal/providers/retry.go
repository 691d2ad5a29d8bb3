package providers

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"time"
)

func jsonUnmarshal(data []byte, v interface{}) error { return json.Unmarshal(data, v) }

// HTTPError carries an HTTP failure status for retry classification.
type HTTPError struct {
	Status     int
	Body       string
	RetryAfter time.Duration
}

func (e *HTTPError) Error() string {
	return fmt.Sprintf("HTTP %d: %s", e.Status, e.Body)
}

// RetryConfig bounds transient-failure retries inside the adapter.
type RetryConfig struct {
	MaxAttempts int
	BaseDelay   time.Duration
}

func DefaultRetryConfig() RetryConfig {
	return RetryConfig{MaxAttempts: 3, BaseDelay: 350 * time.Millisecond}
}

// retryable reports whether an error is worth another attempt:
// 5xx, 429, or plain transport failures.
func retryable(err error) bool {
	if he, ok := err.(*HTTPError); ok {
		return he.Status >= 500 || he.Status == 429
	}
	return true // transport-level error
}

// RetryDo runs fn with bounded attempts and linear-ish backoff
// (base × attempt, or the server's Retry-After when longer).
func RetryDo[T any](ctx context.Context, cfg RetryConfig, fn func() (T, error)) (T, error) {
	var zero T
	var lastErr error

	for attempt := 1; attempt <= cfg.MaxAttempts; attempt++ {
		result, err := fn()
		if err == nil {
			return result, nil
		}
		lastErr = err

		if !retryable(err) || attempt == cfg.MaxAttempts {
			break
		}

		delay := cfg.BaseDelay * time.Duration(attempt)
		if he, ok := err.(*HTTPError); ok && he.RetryAfter > delay {
			delay = he.RetryAfter
		}

		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return zero, ctx.Err()
		}
	}
	return zero, lastErr
}

// ParseRetryAfter parses a Retry-After header value (seconds form only).
func ParseRetryAfter(v string) time.Duration {
	if v == "" {
		return 0
	}
	if secs, err := strconv.Atoi(v); err == nil && secs > 0 {
		return time.Duration(secs) * time.Second
	}
	return 0
}
