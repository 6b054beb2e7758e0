package resilience

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"
)

// ErrCircuitOpen is returned by Execute without invoking the wrapped function
// while the breaker is open.
var ErrCircuitOpen = errors.New("circuit open")

// BreakerState is the circuit breaker state machine position.
type BreakerState string

const (
	BreakerClosed   BreakerState = "closed"
	BreakerOpen     BreakerState = "open"
	BreakerHalfOpen BreakerState = "half-open"
)

// BreakerConfig tunes a circuit breaker. Zero values fall back to defaults.
type BreakerConfig struct {
	FailureThreshold int
	ResetTimeout     time.Duration
	MonitoringWindow time.Duration
}

func (c BreakerConfig) withDefaults() BreakerConfig {
	if c.FailureThreshold <= 0 {
		c.FailureThreshold = 5
	}
	if c.ResetTimeout <= 0 {
		c.ResetTimeout = 60 * time.Second
	}
	if c.MonitoringWindow <= 0 {
		c.MonitoringWindow = 60 * time.Second
	}
	return c
}

// Breaker is a failure-counting fast-fail guard. Failures are a sliding
// count: the counter resets once the monitoring window elapses after the last
// failure. The open→half-open transition is lazy, evaluated on the next
// Execute, not by a timer.
type Breaker struct {
	name   string
	cfg    BreakerConfig
	logger *slog.Logger
	now    func() time.Time

	mu           sync.Mutex
	state        BreakerState
	failureCount int
	lastFailure  time.Time
	nextAttempt  time.Time
}

// BreakerMetrics is a snapshot of breaker state for observability.
type BreakerMetrics struct {
	Name            string
	State           BreakerState
	FailureCount    int
	LastFailureTime time.Time
	NextAttemptTime time.Time
}

func NewBreaker(name string, cfg BreakerConfig, logger *slog.Logger) *Breaker {
	return &Breaker{
		name:   name,
		cfg:    cfg.withDefaults(),
		logger: logger,
		now:    time.Now,
		state:  BreakerClosed,
	}
}

// Execute runs fn guarded by the breaker. While open it fails immediately
// with ErrCircuitOpen and fn is not invoked.
func (b *Breaker) Execute(ctx context.Context, fn func(ctx context.Context) error) error {
	if err := b.before(); err != nil {
		return err
	}
	err := fn(ctx)
	b.after(err)
	return err
}

func (b *Breaker) before() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.state == BreakerOpen {
		if b.now().Before(b.nextAttempt) {
			return fmt.Errorf("%w: %s (next attempt at %s)", ErrCircuitOpen, b.name, b.nextAttempt.Format(time.RFC3339))
		}
		b.transition(BreakerHalfOpen)
	}
	return nil
}

func (b *Breaker) after(err error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if err == nil {
		if b.state == BreakerHalfOpen {
			b.failureCount = 0
			b.transition(BreakerClosed)
		}
		return
	}

	now := b.now()
	if !b.lastFailure.IsZero() && now.Sub(b.lastFailure) > b.cfg.MonitoringWindow {
		b.failureCount = 0
	}
	b.failureCount++
	b.lastFailure = now

	if b.state == BreakerHalfOpen || b.failureCount >= b.cfg.FailureThreshold {
		b.nextAttempt = now.Add(b.cfg.ResetTimeout)
		b.transition(BreakerOpen)
	}
}

// transition must be called with b.mu held.
func (b *Breaker) transition(to BreakerState) {
	if b.state == to {
		return
	}
	b.logger.Info("circuit breaker state change",
		"breaker", b.name,
		"from", string(b.state),
		"to", string(to),
		"failures", b.failureCount,
	)
	b.state = to
}

// Metrics returns a snapshot of the breaker's counters.
func (b *Breaker) Metrics() BreakerMetrics {
	b.mu.Lock()
	defer b.mu.Unlock()
	return BreakerMetrics{
		Name:            b.name,
		State:           b.state,
		FailureCount:    b.failureCount,
		LastFailureTime: b.lastFailure,
		NextAttemptTime: b.nextAttempt,
	}
}

// Reset forces the breaker back to closed with a clean failure count.
func (b *Breaker) Reset() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.failureCount = 0
	b.lastFailure = time.Time{}
	b.nextAttempt = time.Time{}
	b.transition(BreakerClosed)
}

// Registry hands out breakers lazily, keyed by name. One breaker per platform
// identifier, shared across all connections of that platform, living for the
// process lifetime.
type Registry struct {
	cfg    BreakerConfig
	logger *slog.Logger

	mu       sync.Mutex
	breakers map[string]*Breaker
}

func NewRegistry(cfg BreakerConfig, logger *slog.Logger) *Registry {
	return &Registry{
		cfg:      cfg,
		logger:   logger,
		breakers: make(map[string]*Breaker),
	}
}

// Get returns the breaker for name, creating it on first use.
func (r *Registry) Get(name string) *Breaker {
	r.mu.Lock()
	defer r.mu.Unlock()
	if b, ok := r.breakers[name]; ok {
		return b
	}
	b := NewBreaker(name, r.cfg, r.logger)
	r.breakers[name] = b
	return b
}

// All returns metrics for every breaker created so far.
func (r *Registry) All() []BreakerMetrics {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]BreakerMetrics, 0, len(r.breakers))
	for _, b := range r.breakers {
		out = append(out, b.Metrics())
	}
	return out
}
