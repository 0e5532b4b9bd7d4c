package errs

import (
	"context"
	"time"
)

// RetryConfig bounds a transient-error retry loop.
type RetryConfig struct {
	Attempts  int
	BaseDelay time.Duration
}

// DefaultRetry matches the storage-write policy: 3 attempts, 500ms base,
// exponential backoff between attempts.
var DefaultRetry = RetryConfig{Attempts: 3, BaseDelay: 500 * time.Millisecond}

// Retry runs fn up to cfg.Attempts times, sleeping BaseDelay*2^(n-1) between
// failures. The last error is returned. Context cancellation aborts the wait
// and surfaces ctx.Err().
func Retry(ctx context.Context, cfg RetryConfig, fn func() error) error {
	if cfg.Attempts < 1 {
		cfg.Attempts = 1
	}
	var err error
	for attempt := 0; attempt < cfg.Attempts; attempt++ {
		if attempt > 0 {
			delay := cfg.BaseDelay << uint(attempt-1)
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(delay):
			}
		}
		if err = fn(); err == nil {
			return nil
		}
	}
	return err
}
