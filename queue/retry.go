package queue

import (
	"math/rand"
	"strings"
	"time"
)

// retryConfig controls retry behavior for transient SQLite errors.
type retryConfig struct {
	maxRetries int
	baseDelay  time.Duration
	maxDelay   time.Duration
}

var defaultRetryConfig = retryConfig{
	maxRetries: 3,
	baseDelay:  20 * time.Millisecond,
	maxDelay:   200 * time.Millisecond,
}

// isTransientSQLiteErr reports lock contention that resolves on retry.
func isTransientSQLiteErr(err error) bool {
	if err == nil {
		return false
	}
	msg := err.Error()
	for _, pattern := range []string{
		"SQLITE_BUSY",
		"SQLITE_LOCKED",
		"IOERR_SHORT_READ",
		"database is locked",
		"database table is locked",
	} {
		if strings.Contains(msg, pattern) {
			return true
		}
	}
	return false
}

// retryOnContention runs fn with exponential backoff and jitter while it
// fails with a transient error.
func retryOnContention(fn func() error) error {
	cfg := defaultRetryConfig
	var lastErr error
	for attempt := 0; attempt <= cfg.maxRetries; attempt++ {
		lastErr = fn()
		if !isTransientSQLiteErr(lastErr) {
			return lastErr
		}
		if attempt < cfg.maxRetries {
			time.Sleep(backoffDelay(cfg, attempt))
		}
	}
	return lastErr
}

func backoffDelay(cfg retryConfig, attempt int) time.Duration {
	delay := cfg.baseDelay << uint(attempt)
	if delay > cfg.maxDelay {
		delay = cfg.maxDelay
	}
	return delay + time.Duration(rand.Int63n(int64(cfg.baseDelay)))
}
