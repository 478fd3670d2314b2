package shared

import (
	"context"
	"time"
)

// RetryConfig controls the exponential backoff used by WithSQLiteRetry.
type RetryConfig struct {
	MaxAttempts int
	BaseDelay   time.Duration
}

// DefaultRetryConfig mirrors the backoff the teacher's agent-session delete
// path used: a handful of attempts with a short doubling base delay.
var DefaultRetryConfig = RetryConfig{MaxAttempts: 3, BaseDelay: 100 * time.Millisecond}

// WithSQLiteRetry runs fn, retrying with exponential backoff while the
// returned error is a SQLite busy/locked conflict. Any other error, or
// context cancellation, returns immediately.
func WithSQLiteRetry(ctx context.Context, cfg RetryConfig, fn func() error) error {
	var lastErr error
	delay := cfg.BaseDelay
	for attempt := 0; attempt < cfg.MaxAttempts; attempt++ {
		lastErr = fn()
		if lastErr == nil {
			return nil
		}
		if !IsSQLiteConflictError(lastErr) {
			return lastErr
		}
		if attempt == cfg.MaxAttempts-1 {
			break
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(delay):
		}
		delay *= 2
	}
	return lastErr
}
