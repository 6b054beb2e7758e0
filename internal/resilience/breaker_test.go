package resilience

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"testing"
	"time"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelWarn}))
}

func testBreaker(t *testing.T) (*Breaker, *time.Time) {
	t.Helper()
	b := NewBreaker("test", BreakerConfig{
		FailureThreshold: 3,
		ResetTimeout:     time.Minute,
		MonitoringWindow: time.Minute,
	}, testLogger())
	now := time.Unix(1_700_000_000, 0)
	b.now = func() time.Time { return now }
	return b, &now
}

var errBoom = errors.New("boom")

func fail(ctx context.Context) error { return errBoom }
func ok(ctx context.Context) error   { return nil }

func TestBreakerOpensAtThreshold(t *testing.T) {
	b, _ := testBreaker(t)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		if m := b.Metrics(); m.State != BreakerClosed {
			t.Fatalf("breaker opened after %d failures, threshold is 3", i)
		}
		if err := b.Execute(ctx, fail); !errors.Is(err, errBoom) {
			t.Fatalf("expected underlying error, got %v", err)
		}
	}

	if m := b.Metrics(); m.State != BreakerOpen {
		t.Fatalf("expected open after 3 failures, got %s", m.State)
	}
}

func TestBreakerFailsFastWhileOpen(t *testing.T) {
	b, _ := testBreaker(t)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		_ = b.Execute(ctx, fail)
	}

	invoked := false
	err := b.Execute(ctx, func(ctx context.Context) error {
		invoked = true
		return nil
	})
	if !errors.Is(err, ErrCircuitOpen) {
		t.Fatalf("expected ErrCircuitOpen, got %v", err)
	}
	if invoked {
		t.Fatal("function must not run while breaker is open")
	}
}

func TestBreakerHalfOpenAfterResetTimeout(t *testing.T) {
	b, now := testBreaker(t)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		_ = b.Execute(ctx, fail)
	}

	// Just before the reset timeout: still rejected.
	*now = now.Add(59 * time.Second)
	if err := b.Execute(ctx, ok); !errors.Is(err, ErrCircuitOpen) {
		t.Fatalf("expected rejection before reset timeout, got %v", err)
	}

	// Past the timeout: probe runs, success closes the breaker.
	*now = now.Add(2 * time.Second)
	if err := b.Execute(ctx, ok); err != nil {
		t.Fatalf("expected probe success, got %v", err)
	}
	if m := b.Metrics(); m.State != BreakerClosed {
		t.Fatalf("expected closed after successful probe, got %s", m.State)
	}
	if m := b.Metrics(); m.FailureCount != 0 {
		t.Fatalf("expected failure count reset, got %d", m.FailureCount)
	}
}

func TestBreakerReopensOnHalfOpenFailure(t *testing.T) {
	b, now := testBreaker(t)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		_ = b.Execute(ctx, fail)
	}

	*now = now.Add(61 * time.Second)
	if err := b.Execute(ctx, fail); !errors.Is(err, errBoom) {
		t.Fatalf("expected probe failure, got %v", err)
	}
	if m := b.Metrics(); m.State != BreakerOpen {
		t.Fatalf("expected reopen after failed probe, got %s", m.State)
	}
}

func TestBreakerWindowResetsFailureCount(t *testing.T) {
	b, now := testBreaker(t)
	ctx := context.Background()

	_ = b.Execute(ctx, fail)
	_ = b.Execute(ctx, fail)

	// Failures outside the monitoring window start a fresh count.
	*now = now.Add(2 * time.Minute)
	_ = b.Execute(ctx, fail)
	_ = b.Execute(ctx, fail)

	if m := b.Metrics(); m.State != BreakerClosed {
		t.Fatalf("stale failures counted toward threshold, state %s", m.State)
	}
	if m := b.Metrics(); m.FailureCount != 2 {
		t.Fatalf("expected 2 failures in window, got %d", m.FailureCount)
	}
}

func TestBreakerReset(t *testing.T) {
	b, _ := testBreaker(t)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		_ = b.Execute(ctx, fail)
	}
	b.Reset()

	if m := b.Metrics(); m.State != BreakerClosed || m.FailureCount != 0 {
		t.Fatalf("expected clean closed state after reset, got %+v", m)
	}
	if err := b.Execute(ctx, ok); err != nil {
		t.Fatalf("expected call to pass after reset, got %v", err)
	}
}

func TestRegistrySharesBreakerPerName(t *testing.T) {
	r := NewRegistry(BreakerConfig{}, testLogger())

	a := r.Get("telegram")
	b := r.Get("telegram")
	c := r.Get("slack")

	if a != b {
		t.Fatal("same name must return the same breaker")
	}
	if a == c {
		t.Fatal("different names must return different breakers")
	}
	if got := len(r.All()); got != 2 {
		t.Fatalf("expected 2 breakers, got %d", got)
	}
}
