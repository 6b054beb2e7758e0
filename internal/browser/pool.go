package browser

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/chromedp/chromedp"
)

const defaultRunTimeout = 120 * time.Second

// Session is one live headless Chrome process bound to a connection id.
// Automation platforms require isolated login state per tenant connection, so
// sessions are never shared.
type Session struct {
	ID         string
	ProfileDir string

	taskCtx context.Context
	cancel  context.CancelFunc
}

// Run executes chromedp actions against the session's browser with a bounded
// timeout.
func (s *Session) Run(ctx context.Context, actions ...chromedp.Action) error {
	runCtx, cancel := context.WithTimeout(s.taskCtx, defaultRunTimeout)
	defer cancel()

	done := make(chan error, 1)
	go func() { done <- chromedp.Run(runCtx, actions...) }()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case err := <-done:
		return err
	}
}

// Done is closed when the underlying browser process terminates.
func (s *Session) Done() <-chan struct{} { return s.taskCtx.Done() }

// AcquireOptions customize a single acquire. Only proxy and profile are
// per-call concerns; anti-detection flags are fixed.
type AcquireOptions struct {
	ProfileDir string
	Proxy      string
}

// launchFunc starts a browser and returns its task context. Injectable so the
// registry bookkeeping is testable without Chrome.
type launchFunc func(parent context.Context, profileDir string, opts AcquireOptions) (context.Context, context.CancelFunc, error)

// PoolConfig configures the browser pool.
type PoolConfig struct {
	// BaseProfileDir holds one Chrome profile subdirectory per connection id
	// (persists cookies and the WhatsApp Web session between restarts).
	BaseProfileDir string
	Headless       bool
	Logger         *slog.Logger

	// Launch overrides browser startup, for tests.
	Launch launchFunc
}

// Pool manages one long-lived browser process per connection id.
type Pool struct {
	baseProfileDir string
	headless       bool
	logger         *slog.Logger
	launch         launchFunc

	mu       sync.Mutex
	sessions map[string]*Session
}

func NewPool(cfg PoolConfig) *Pool {
	if cfg.BaseProfileDir == "" {
		home, _ := os.UserHomeDir()
		cfg.BaseProfileDir = filepath.Join(home, ".chatbridge", "chrome-profiles")
	}
	p := &Pool{
		baseProfileDir: cfg.BaseProfileDir,
		headless:       cfg.Headless,
		logger:         cfg.Logger,
		launch:         cfg.Launch,
		sessions:       make(map[string]*Session),
	}
	if p.launch == nil {
		p.launch = p.launchChrome
	}
	return p
}

// Acquire returns the browser session for id, launching one if needed.
// Idempotent: a second acquire for a live id returns the existing session
// with a warning instead of spawning a duplicate process.
func (p *Pool) Acquire(ctx context.Context, id string, opts AcquireOptions) (*Session, error) {
	p.mu.Lock()
	if existing, ok := p.sessions[id]; ok {
		p.mu.Unlock()
		p.logger.Warn("browser session already exists, reusing", "connection", id)
		return existing, nil
	}
	p.mu.Unlock()

	profileDir := opts.ProfileDir
	if profileDir == "" {
		profileDir = filepath.Join(p.baseProfileDir, id)
	}
	if err := os.MkdirAll(profileDir, 0o755); err != nil {
		return nil, fmt.Errorf("create profile dir %s: %w", profileDir, err)
	}

	taskCtx, cancel, err := p.launch(ctx, profileDir, opts)
	if err != nil {
		return nil, fmt.Errorf("launch browser for %s: %w", id, err)
	}

	sess := &Session{
		ID:         id,
		ProfileDir: profileDir,
		taskCtx:    taskCtx,
		cancel:     cancel,
	}

	p.mu.Lock()
	if existing, ok := p.sessions[id]; ok {
		// Lost the race to another acquire; keep the first one.
		p.mu.Unlock()
		cancel()
		p.logger.Warn("browser session already exists, reusing", "connection", id)
		return existing, nil
	}
	p.sessions[id] = sess
	p.mu.Unlock()

	// Drop dead sessions from the registry so a later acquire recreates the
	// browser instead of returning a dead handle.
	go func() {
		<-taskCtx.Done()
		p.mu.Lock()
		if p.sessions[id] == sess {
			delete(p.sessions, id)
			p.logger.Warn("browser process terminated", "connection", id)
		}
		p.mu.Unlock()
	}()

	p.logger.Info("browser session launched", "connection", id, "profile", profileDir)
	return sess, nil
}

// Get returns the live session for id, if any.
func (p *Pool) Get(id string) (*Session, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	s, ok := p.sessions[id]
	return s, ok
}

// Release closes the browser for id. Releasing an unknown id is a no-op.
func (p *Pool) Release(id string) {
	p.mu.Lock()
	sess, ok := p.sessions[id]
	delete(p.sessions, id)
	p.mu.Unlock()

	if !ok {
		return
	}
	sess.cancel()
	p.logger.Info("browser session released", "connection", id)
}

// CloseAll shuts down every browser process. The only graceful-shutdown hook;
// it waits for all individual closes.
func (p *Pool) CloseAll() {
	p.mu.Lock()
	sessions := make([]*Session, 0, len(p.sessions))
	for _, s := range p.sessions {
		sessions = append(sessions, s)
	}
	p.sessions = make(map[string]*Session)
	p.mu.Unlock()

	var wg sync.WaitGroup
	for _, s := range sessions {
		wg.Add(1)
		go func(s *Session) {
			defer wg.Done()
			s.cancel()
			<-s.taskCtx.Done()
		}(s)
	}
	wg.Wait()
	p.logger.Info("all browser sessions closed", "count", len(sessions))
}

// launchChrome starts a real Chrome process with anti-detection flags:
// realistic user agent, automation switches hidden. Fixed configuration by
// contract; only the proxy passes through per call.
func (p *Pool) launchChrome(parent context.Context, profileDir string, opts AcquireOptions) (context.Context, context.CancelFunc, error) {
	execOpts := append(chromedp.DefaultExecAllocatorOptions[:],
		chromedp.UserDataDir(profileDir),
		chromedp.Flag("disable-blink-features", "AutomationControlled"),
		chromedp.Flag("exclude-switches", "enable-automation"),
		chromedp.WindowSize(1280, 800),
		chromedp.UserAgent("Mozilla/5.0 (Macintosh; Intel Mac OS X 10_15_7) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/131.0.0.0 Safari/537.36"),
	)
	if opts.Proxy != "" {
		execOpts = append(execOpts, chromedp.ProxyServer(opts.Proxy))
	}
	if p.headless {
		execOpts = append(execOpts, chromedp.Headless)
	} else {
		execOpts = append(execOpts, chromedp.Flag("headless", false))
	}

	allocCtx, allocCancel := chromedp.NewExecAllocator(parent, execOpts...)
	taskCtx, taskCancel := chromedp.NewContext(allocCtx)

	cancelAll := func() {
		taskCancel()
		allocCancel()
	}

	// Force the process to start now so launch failures surface here rather
	// than on the first navigation.
	if err := chromedp.Run(taskCtx); err != nil {
		cancelAll()
		return nil, nil, err
	}

	return taskCtx, cancelAll, nil
}
