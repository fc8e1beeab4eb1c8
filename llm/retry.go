package llm

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"time"
)

// defaultTimeout bounds a single HTTP request. Extraction prompts over long
// discussion sections can take well over a minute on hosted models.
const defaultTimeout = 180 * time.Second

const maxRetries = 6

var (
	baseRetryDelay    = 2 * time.Second
	minRateLimitDelay = 5 * time.Second
)

// APIError is a non-2xx answer from a provider.
type APIError struct {
	Provider   string
	StatusCode int
	Message    string

	retryAfter string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("llm: %s API error %d: %s", e.Provider, e.StatusCode, e.Message)
}

// Retryable reports whether the request may succeed when repeated.
// 529 is Anthropic's overload status.
func (e *APIError) Retryable() bool {
	switch e.StatusCode {
	case http.StatusTooManyRequests, http.StatusBadGateway, http.StatusServiceUnavailable,
		http.StatusGatewayTimeout, http.StatusInternalServerError, 529:
		return true
	}
	return false
}

// transportError is a failure before any status code was received.
type transportError struct{ err error }

func (e *transportError) Error() string { return e.err.Error() }
func (e *transportError) Unwrap() error { return e.err }

// withRetries calls fn until it succeeds, fails permanently, or the retry
// budget is spent. Backoff doubles per attempt; 429 answers wait at least
// the Retry-After header.
func withRetries[T any](ctx context.Context, provider string, fn func() (T, error)) (T, error) {
	var zero T
	var lastErr error
	for attempt := 0; attempt <= maxRetries; attempt++ {
		if attempt > 0 {
			delay := baseRetryDelay * time.Duration(1<<(attempt-1))
			var apiErr *APIError
			if errors.As(lastErr, &apiErr) && apiErr.StatusCode == http.StatusTooManyRequests {
				delay = retryAfter(apiErr.retryAfter, minRateLimitDelay*time.Duration(1<<(attempt-1)))
			}
			slog.Warn("llm: retrying request", "provider", provider, "attempt", attempt, "delay", delay, "error", lastErr)
			if err := sleepCtx(ctx, delay); err != nil {
				return zero, err
			}
		}

		out, err := fn()
		if err == nil {
			return out, nil
		}
		if ctx.Err() != nil {
			return zero, ctx.Err()
		}
		lastErr = err

		var apiErr *APIError
		var tErr *transportError
		switch {
		case errors.As(err, &apiErr) && apiErr.Retryable():
		case errors.As(err, &tErr):
		default:
			return zero, err
		}
	}
	return zero, fmt.Errorf("max retries exceeded: %w", lastErr)
}

// retryAfter returns the larger of the Retry-After header (seconds) and fallback.
func retryAfter(header string, fallback time.Duration) time.Duration {
	if header == "" {
		return fallback
	}
	seconds, err := strconv.Atoi(header)
	if err != nil || seconds <= 0 {
		return fallback
	}
	if d := time.Duration(seconds) * time.Second; d > fallback {
		return d
	}
	return fallback
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
