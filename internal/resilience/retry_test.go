package resilience

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"testing"
	"time"
)

func fastRetry() RetryConfig {
	return RetryConfig{
		MaxRetries:   3,
		InitialDelay: time.Millisecond,
		MaxDelay:     5 * time.Millisecond,
		Multiplier:   2,
	}
}

func TestRetrySucceedsAfterTransientFailures(t *testing.T) {
	attempts := 0
	err := Retry(context.Background(), fastRetry(), testLogger(), func(ctx context.Context) error {
		attempts++
		if attempts < 3 {
			return errors.New("connection reset by peer")
		}
		return nil
	})
	if err != nil {
		t.Fatalf("expected success, got %v", err)
	}
	if attempts != 3 {
		t.Fatalf("expected 3 attempts, got %d", attempts)
	}
}

func TestRetryExhaustsAndReturnsLastError(t *testing.T) {
	attempts := 0
	err := Retry(context.Background(), fastRetry(), testLogger(), func(ctx context.Context) error {
		attempts++
		return fmt.Errorf("attempt %d: timeout", attempts)
	})
	if err == nil {
		t.Fatal("expected error after exhausting retries")
	}
	if attempts != 4 {
		t.Fatalf("expected 1+3 attempts, got %d", attempts)
	}
	if err.Error() != "attempt 4: timeout" {
		t.Fatalf("expected last error surfaced, got %v", err)
	}
}

func TestRetryStopsOnNonRetryableError(t *testing.T) {
	attempts := 0
	wantErr := errors.New("invalid bot token")
	err := Retry(context.Background(), fastRetry(), testLogger(), func(ctx context.Context) error {
		attempts++
		return wantErr
	})
	if !errors.Is(err, wantErr) {
		t.Fatalf("expected original error, got %v", err)
	}
	if attempts != 1 {
		t.Fatalf("non-retryable error must not be retried, got %d attempts", attempts)
	}
}

func TestRetryAbortsOnContextCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	attempts := 0
	cfg := fastRetry()
	cfg.InitialDelay = time.Hour // forces the abort to come from ctx, not the timer

	err := Retry(ctx, cfg, testLogger(), func(ctx context.Context) error {
		attempts++
		cancel()
		return errors.New("rate limit exceeded")
	})
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
	if attempts != 1 {
		t.Fatalf("expected 1 attempt before cancel, got %d", attempts)
	}
	if !strings.Contains(err.Error(), "rate limit exceeded") {
		t.Fatalf("cancellation must keep the last attempt's error, got %v", err)
	}
}

func TestRetryableClassification(t *testing.T) {
	cfg := RetryConfig{}

	cases := []struct {
		err  error
		want bool
	}{
		{errors.New("dial tcp: i/o timeout"), true},
		{errors.New("429 Too Many Requests"), true},
		{errors.New("slack 503: service unavailable"), true},
		{errors.New("read tcp: connection reset"), true},
		{errors.New("chat not found"), false},
		{errors.New("401 unauthorized"), false},
		{nil, false},
	}
	for _, tc := range cases {
		if got := cfg.Retryable(tc.err); got != tc.want {
			t.Errorf("Retryable(%v) = %v, want %v", tc.err, got, tc.want)
		}
	}
}

func TestDelayGrowthIsCapped(t *testing.T) {
	cfg := RetryConfig{
		InitialDelay: time.Second,
		MaxDelay:     30 * time.Second,
		Multiplier:   2,
	}

	want := []time.Duration{
		time.Second,
		2 * time.Second,
		4 * time.Second,
		8 * time.Second,
		16 * time.Second,
		30 * time.Second,
		30 * time.Second,
	}
	for attempt, w := range want {
		if got := cfg.Delay(attempt); got != w {
			t.Errorf("Delay(%d) = %s, want %s", attempt, got, w)
		}
	}
}
