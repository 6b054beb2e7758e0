// Package adapter implements the uniform platform contract for every
// supported channel: API-style adapters (telegram, slack, discord) poll the
// platform's official API, automation-style adapters (whatsapp-web) drive a
// headless browser. All of them share a Core for status, events and
// resilience.
package adapter

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"chatbridge/internal/domain"
	"chatbridge/internal/metrics"
	"chatbridge/internal/resilience"
)

const (
	defaultAPIPollInterval        = 10 * time.Second
	defaultAutomationPollInterval = 5 * time.Second
	defaultAuthWait               = 5 * time.Minute

	eventBufferSize = 64
)

// Core holds the state shared by every adapter: the status machine, the
// event channel, the circuit breaker and retry policy, and the polling loop.
// Concrete adapters embed it (composition, not inheritance).
type Core struct {
	platform domain.PlatformType
	logger   *slog.Logger
	breaker  *resilience.Breaker
	retry    resilience.RetryConfig

	mu         sync.Mutex
	status     domain.ConnectionStatus
	lastConfig *domain.ConnectionConfig
	events     chan domain.Event
	closed     bool

	pollCancel context.CancelFunc
	pollDone   chan struct{}
}

func newCore(platform domain.PlatformType, breaker *resilience.Breaker, retry resilience.RetryConfig, logger *slog.Logger) *Core {
	return &Core{
		platform: platform,
		logger:   logger.With("platform", string(platform)),
		breaker:  breaker,
		retry:    retry,
		status:   domain.StatusDisconnected,
		events:   make(chan domain.Event, eventBufferSize),
	}
}

func (c *Core) Platform() domain.PlatformType { return c.platform }

func (c *Core) Status() domain.ConnectionStatus {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.status
}

// Events returns the adapter's event channel. Closed by Disconnect.
func (c *Core) Events() <-chan domain.Event { return c.events }

// setStatus transitions the status machine. No-op sets do not re-emit: every
// transition is published exactly once.
func (c *Core) setStatus(s domain.ConnectionStatus) {
	c.mu.Lock()
	if c.status == s {
		c.mu.Unlock()
		return
	}
	prev := c.status
	c.status = s
	c.mu.Unlock()

	c.logger.Info("connection status change", "from", string(prev), "to", string(s))
	c.emit(domain.Event{Type: domain.EventStatus, Status: s})
}

// emit publishes without ever blocking the emitter; a full channel drops the
// event with a warning.
func (c *Core) emit(ev domain.Event) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	select {
	case c.events <- ev:
		c.mu.Unlock()
	default:
		c.mu.Unlock()
		c.logger.Warn("event channel full, dropping event", "type", string(ev.Type))
	}
}

func (c *Core) emitMessage(m domain.Message) {
	c.emit(domain.Event{Type: domain.EventMessage, Message: &m})
}

func (c *Core) emitError(err error) {
	c.emit(domain.Event{Type: domain.EventError, Err: err})
}

func (c *Core) emitAuth(hint domain.AuthHint) {
	c.emit(domain.Event{Type: domain.EventAuth, Auth: &hint})
}

func (c *Core) rememberConfig(cfg domain.ConnectionConfig) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.lastConfig = &cfg
}

func (c *Core) lastKnownConfig() *domain.ConnectionConfig {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lastConfig
}

func (c *Core) requireConnected() error {
	if c.Status() != domain.StatusConnected {
		return fmt.Errorf("%w: %s is %s", domain.ErrNotConnected, c.platform, c.Status())
	}
	return nil
}

// guard wraps an outbound platform call in retry-with-backoff inside the
// platform's shared circuit breaker. Non-retryable errors surface from the
// first attempt; an open breaker fails fast without invoking fn.
func (c *Core) guard(ctx context.Context, fn func(ctx context.Context) error) error {
	err := c.breaker.Execute(ctx, func(ctx context.Context) error {
		return resilience.Retry(ctx, c.retry, c.logger, fn)
	})
	if err != nil && c.breaker.Metrics().State == resilience.BreakerOpen {
		metrics.BreakerOpenTotal.Inc()
	}
	return err
}

// ensureConnected makes one reconnect attempt with the last-known config when
// a send is invoked while disconnected or errored.
func (c *Core) ensureConnected(ctx context.Context, connect func(ctx context.Context, cfg domain.ConnectionConfig) error) error {
	switch c.Status() {
	case domain.StatusConnected:
		return nil
	case domain.StatusDisconnected, domain.StatusError:
		cfg := c.lastKnownConfig()
		if cfg == nil {
			return c.requireConnected()
		}
		c.logger.Info("attempting reconnect before send")
		if err := connect(ctx, *cfg); err != nil {
			return fmt.Errorf("reconnect failed: %w", err)
		}
		return nil
	default:
		return c.requireConnected()
	}
}

// startPolling runs tick on a fixed interval until stopPolling. A failed tick
// is logged and the loop continues; only connection-level failures move the
// adapter to the error status.
func (c *Core) startPolling(interval time.Duration, tick func(ctx context.Context) error) {
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})

	c.mu.Lock()
	c.pollCancel = cancel
	c.pollDone = done
	c.mu.Unlock()

	go func() {
		defer close(done)
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if err := tick(ctx); err != nil {
					c.logger.Warn("polling tick failed", "err", err)
					c.emitError(err)
				}
			}
		}
	}()

	c.logger.Info("polling started", "interval", interval)
}

func (c *Core) stopPolling() {
	c.mu.Lock()
	cancel := c.pollCancel
	done := c.pollDone
	c.pollCancel = nil
	c.pollDone = nil
	c.mu.Unlock()

	if cancel != nil {
		cancel()
		<-done
	}
}

// shutdown stops polling, moves to disconnected and closes the event channel.
// The adapter is not reusable afterwards; the manager creates a fresh one per
// connect.
func (c *Core) shutdown() {
	c.stopPolling()
	c.setStatus(domain.StatusDisconnected)

	c.mu.Lock()
	if !c.closed {
		c.closed = true
		close(c.events)
	}
	c.mu.Unlock()
}

func pollInterval(opts domain.ConnectionOptions, platform domain.PlatformType) time.Duration {
	if opts.PollInterval > 0 {
		return opts.PollInterval
	}
	if platform.Automation() {
		return defaultAutomationPollInterval
	}
	return defaultAPIPollInterval
}

func authWait(opts domain.ConnectionOptions) time.Duration {
	if opts.AuthWait > 0 {
		return opts.AuthWait
	}
	return defaultAuthWait
}
