// Package retry runs operations with bounded exponential backoff.
package retry

import (
	"context"
	"fmt"
	"math/rand/v2"
	"time"

	"go.uber.org/zap"
)

// Config bounds a retry loop
type Config struct {
	// MaxRetries is the number of retries after the first attempt; 0 disables retrying
	MaxRetries     int
	BaseBackoff    time.Duration
	MaxBackoff     time.Duration
	JitterFraction float64
	Logger         *zap.Logger
}

// sleep waits for d or until ctx is done (replaceable in tests)
var sleep = func(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// Do runs fn until it succeeds, returns a non-retryable error, or the
// retry budget is spent. The last error is wrapped with the attempt count.
func Do[T any](ctx context.Context, cfg Config, operation string, isRetryable func(error) bool, fn func(attempt int) (T, error)) (T, error) {
	if cfg.BaseBackoff <= 0 {
		cfg.BaseBackoff = time.Second
	}
	if cfg.MaxBackoff <= 0 {
		cfg.MaxBackoff = 30 * time.Second
	}
	log := cfg.Logger
	if log == nil {
		log = zap.NewNop()
	}

	var result T
	var lastErr error
	for attempt := 0; attempt <= cfg.MaxRetries; attempt++ {
		if err := ctx.Err(); err != nil {
			return result, err
		}

		result, lastErr = fn(attempt)
		if lastErr == nil {
			if attempt > 0 {
				log.Debug("operation succeeded after retry", zap.String("operation", operation), zap.Int("attempt", attempt+1))
			}
			return result, nil
		}
		if !isRetryable(lastErr) {
			return result, lastErr
		}
		if attempt >= cfg.MaxRetries {
			break
		}

		delay := Backoff(cfg, attempt)
		log.Warn("transient failure, retrying",
			zap.String("operation", operation),
			zap.Int("attempt", attempt+1),
			zap.Int("max_retries", cfg.MaxRetries),
			zap.Duration("backoff", delay),
			zap.Error(lastErr),
		)
		if err := sleep(ctx, delay); err != nil {
			return result, err
		}
	}

	return result, fmt.Errorf("%s failed after %d retries: %w", operation, cfg.MaxRetries, lastErr)
}

// Backoff returns BaseBackoff*2^attempt capped at MaxBackoff, with jitter
func Backoff(cfg Config, attempt int) time.Duration {
	d := cfg.MaxBackoff
	if attempt < 32 {
		d = cfg.BaseBackoff << attempt
	}
	if d <= 0 || d > cfg.MaxBackoff {
		d = cfg.MaxBackoff
	}
	if cfg.JitterFraction > 0 {
		j := time.Duration(rand.Float64() * float64(d) * cfg.JitterFraction)
		d += j
	}
	return d
}
