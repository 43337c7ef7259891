package forge

import (
	"errors"
	"log/slog"
	"strings"
	"time"
)

// NonRetryableError marks a failure that must not be retried, such as a 4xx
// API rejection where repeating the call cannot help.
type NonRetryableError struct {
	Err error
}

func (e *NonRetryableError) Error() string { return e.Err.Error() }

func (e *NonRetryableError) Unwrap() error { return e.Err }

// NonRetryable wraps an error so the retry layer gives up immediately.
func NonRetryable(err error) error {
	return &NonRetryableError{Err: err}
}

const (
	// Transient transport failures are retried a bounded number of times at
	// the call site.
	defaultMaxRetries   = 5
	defaultInitialDelay = 1 * time.Second
)

// retryWithBackoff executes a function with exponential backoff retry,
// converting transient network failures into automatically recoverable cases.
func retryWithBackoff(fn func() error) error {
	var lastErr error
	delay := defaultInitialDelay

	for attempt := 0; attempt < defaultMaxRetries; attempt++ {
		if attempt > 0 {
			slog.Debug("retrying forge call", "attempt", attempt+1, "max", defaultMaxRetries, "delay", delay)
			time.Sleep(delay)
			delay *= 2
		}

		lastErr = fn()
		if lastErr == nil {
			return nil
		}

		if !isRetryableError(lastErr) {
			return lastErr
		}
	}

	slog.Warn("forge call failed after retries", "attempts", defaultMaxRetries, "error", lastErr)
	return lastErr
}

// isRetryableError reports whether an error looks like a transient transport
// failure rather than a permanent API error.
func isRetryableError(err error) bool {
	if err == nil {
		return false
	}

	var nr *NonRetryableError
	if errors.As(err, &nr) {
		return false
	}

	errStr := strings.ToLower(err.Error())

	retryablePatterns := []string{
		"eof",
		"timeout",
		"connection refused",
		"temporary failure",
		"connection reset",
		"broken pipe",
		"no such host",
		"network is unreachable",
		"502",
		"503",
	}

	for _, pattern := range retryablePatterns {
		if strings.Contains(errStr, pattern) {
			return true
		}
	}

	return false
}
