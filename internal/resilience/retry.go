package resilience

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"
)

// RetryConfig tunes the exponential-backoff retry helper. Zero values fall
// back to defaults. RetryableErrors are case-insensitive substrings matched
// against the error text; anything not matching is surfaced immediately.
type RetryConfig struct {
	MaxRetries      int
	InitialDelay    time.Duration
	MaxDelay        time.Duration
	Multiplier      float64
	RetryableErrors []string
}

// DefaultRetryable covers the transient failure phrasing of the supported
// platforms: timeouts, connection drops, rate limits and 5xx responses.
var DefaultRetryable = []string{
	"timeout",
	"timed out",
	"connection refused",
	"connection reset",
	"network",
	"temporary",
	"rate limit",
	"too many requests",
	"429",
	"500",
	"502",
	"503",
	"504",
}

func (c RetryConfig) withDefaults() RetryConfig {
	if c.MaxRetries <= 0 {
		c.MaxRetries = 3
	}
	if c.InitialDelay <= 0 {
		c.InitialDelay = time.Second
	}
	if c.MaxDelay <= 0 {
		c.MaxDelay = 30 * time.Second
	}
	if c.Multiplier <= 0 {
		c.Multiplier = 2
	}
	if len(c.RetryableErrors) == 0 {
		c.RetryableErrors = DefaultRetryable
	}
	return c
}

// Retryable reports whether err matches the config's retryable set.
func (c RetryConfig) Retryable(err error) bool {
	if err == nil {
		return false
	}
	cfg := c.withDefaults()
	msg := strings.ToLower(err.Error())
	for _, pat := range cfg.RetryableErrors {
		if strings.Contains(msg, strings.ToLower(pat)) {
			return true
		}
	}
	return false
}

// Delay returns the backoff before retry attempt (0-based), capped at
// MaxDelay. Deterministic: no jitter, so tests can sum expected sleeps.
func (c RetryConfig) Delay(attempt int) time.Duration {
	cfg := c.withDefaults()
	d := cfg.InitialDelay
	for i := 0; i < attempt; i++ {
		d = time.Duration(float64(d) * cfg.Multiplier)
		if d >= cfg.MaxDelay {
			return cfg.MaxDelay
		}
	}
	if d > cfg.MaxDelay {
		return cfg.MaxDelay
	}
	return d
}

// Retry runs fn up to 1+MaxRetries times, sleeping the classified backoff
// between attempts. Non-retryable errors and exhausted retries surface the
// last error unchanged; nothing is swallowed. Context cancellation aborts
// the backoff sleep and wraps ctx.Err() around the last attempt's error.
func Retry(ctx context.Context, cfg RetryConfig, logger *slog.Logger, fn func(ctx context.Context) error) error {
	c := cfg.withDefaults()

	var lastErr error
	for attempt := 0; attempt <= c.MaxRetries; attempt++ {
		if attempt > 0 {
			delay := c.Delay(attempt - 1)
			logger.Warn("retrying after transient error",
				"attempt", attempt,
				"max_retries", c.MaxRetries,
				"delay", delay,
				"err", lastErr,
			)
			timer := time.NewTimer(delay)
			select {
			case <-ctx.Done():
				timer.Stop()
				return fmt.Errorf("%w (last error: %v)", ctx.Err(), lastErr)
			case <-timer.C:
			}
		}

		lastErr = fn(ctx)
		if lastErr == nil {
			return nil
		}
		if !c.Retryable(lastErr) {
			return lastErr
		}
	}
	return lastErr
}
