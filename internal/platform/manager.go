// Package platform owns the runtime side of connections: a registry of live
// adapters keyed by connection id, their lifecycle, and the inbound-message
// dispatch pipeline that turns platform messages into AI replies.
package platform

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"chatbridge/internal/domain"
	"chatbridge/internal/metrics"
)

const pipelineTimeout = 2 * time.Minute

// Factory builds the adapter for a platform. Injected so tests can run the
// manager against fakes.
type Factory func(platform domain.PlatformType, connectionID string) (domain.Adapter, error)

// Config wires the manager's collaborators.
type Config struct {
	Store      domain.ConversationStore
	Responder  domain.Responder
	Notifier   domain.Notifier
	NewAdapter Factory
	Logger     *slog.Logger
}

type entry struct {
	adapter  domain.Adapter
	conn     domain.Connection
	pumpDone chan struct{}
}

// Manager exclusively owns adapter instances: one per connection id, never
// shared, destroyed on disconnect or expiry.
type Manager struct {
	store      domain.ConversationStore
	responder  domain.Responder
	notifier   domain.Notifier
	newAdapter Factory
	logger     *slog.Logger

	mu       sync.Mutex
	adapters map[string]*entry
}

func NewManager(cfg Config) *Manager {
	return &Manager{
		store:      cfg.Store,
		responder:  cfg.Responder,
		notifier:   cfg.Notifier,
		newAdapter: cfg.NewAdapter,
		logger:     cfg.Logger,
		adapters:   make(map[string]*entry),
	}
}

// ConnectPlatform creates and connects the adapter for conn. Connecting an
// already-registered id is a no-op with a warning — it never creates a
// second adapter instance.
func (m *Manager) ConnectPlatform(ctx context.Context, conn domain.Connection, cfg domain.ConnectionConfig) error {
	if !cfg.Platform.Valid() {
		return fmt.Errorf("unsupported platform: %s", cfg.Platform)
	}

	m.mu.Lock()
	if _, ok := m.adapters[conn.ID]; ok {
		m.mu.Unlock()
		m.logger.Warn("connection already registered, ignoring connect", "connection", conn.ID)
		return nil
	}

	adapter, err := m.newAdapter(cfg.Platform, conn.ID)
	if err != nil {
		m.mu.Unlock()
		m.persistStatus(conn.ID, domain.StatusError)
		return fmt.Errorf("create %s adapter: %w", cfg.Platform, err)
	}

	e := &entry{adapter: adapter, conn: conn, pumpDone: make(chan struct{})}
	m.adapters[conn.ID] = e
	m.mu.Unlock()

	// Pump before connect so status/auth events emitted during the
	// handshake reach subscribers.
	go m.pump(e)

	if err := adapter.Connect(ctx, cfg); err != nil {
		m.remove(conn.ID)
		_ = adapter.Disconnect(context.Background())
		<-e.pumpDone
		m.persistStatus(conn.ID, domain.StatusError)
		return fmt.Errorf("connect %s: %w", cfg.Platform, err)
	}

	metrics.ActiveConnections.Inc()
	m.persistStatus(conn.ID, domain.StatusConnected)
	m.logger.Info("platform connected", "connection", conn.ID, "platform", string(cfg.Platform), "tenant", conn.TenantID)
	return nil
}

// DisconnectPlatform tears the adapter down and forgets it.
func (m *Manager) DisconnectPlatform(ctx context.Context, connectionID string) error {
	m.mu.Lock()
	e, ok := m.adapters[connectionID]
	delete(m.adapters, connectionID)
	m.mu.Unlock()
	if !ok {
		return fmt.Errorf("%w: %s", domain.ErrAdapterNotFound, connectionID)
	}

	if err := e.adapter.Disconnect(ctx); err != nil {
		m.logger.Warn("adapter disconnect failed", "connection", connectionID, "err", err)
	}
	<-e.pumpDone

	metrics.ActiveConnections.Dec()
	m.persistStatus(connectionID, domain.StatusDisconnected)
	m.logger.Info("platform disconnected", "connection", connectionID)
	return nil
}

// DisconnectAll tears down every registered adapter (graceful shutdown).
func (m *Manager) DisconnectAll(ctx context.Context) {
	for _, id := range m.ConnectionIDs() {
		if err := m.DisconnectPlatform(ctx, id); err != nil {
			m.logger.Warn("disconnect during shutdown failed", "connection", id, "err", err)
		}
	}
}

// SendMessage sends through the connection's adapter. Direct call: retries
// live inside the adapter, not here.
func (m *Manager) SendMessage(ctx context.Context, connectionID, chatID, content string, opts *domain.SendOptions) error {
	e, ok := m.entryFor(connectionID)
	if !ok {
		return fmt.Errorf("%w: %s", domain.ErrAdapterNotFound, connectionID)
	}
	if e.adapter.Status() != domain.StatusConnected {
		return fmt.Errorf("%w: %s", domain.ErrNotConnected, connectionID)
	}
	return e.adapter.SendMessage(ctx, chatID, content, opts)
}

// Chats lists the platform-side chats for a connection.
func (m *Manager) Chats(ctx context.Context, connectionID string) ([]domain.Chat, error) {
	e, ok := m.entryFor(connectionID)
	if !ok {
		return nil, fmt.Errorf("%w: %s", domain.ErrAdapterNotFound, connectionID)
	}
	if e.adapter.Status() != domain.StatusConnected {
		return nil, fmt.Errorf("%w: %s", domain.ErrNotConnected, connectionID)
	}
	return e.adapter.Chats(ctx)
}

// Messages fetches recent messages of one chat on a connection.
func (m *Manager) Messages(ctx context.Context, connectionID, chatID string, limit int) ([]domain.Message, error) {
	e, ok := m.entryFor(connectionID)
	if !ok {
		return nil, fmt.Errorf("%w: %s", domain.ErrAdapterNotFound, connectionID)
	}
	if e.adapter.Status() != domain.StatusConnected {
		return nil, fmt.Errorf("%w: %s", domain.ErrNotConnected, connectionID)
	}
	return e.adapter.Messages(ctx, chatID, limit)
}

// Adapter returns the live adapter for a connection id, if registered.
func (m *Manager) Adapter(connectionID string) (domain.Adapter, bool) {
	e, ok := m.entryFor(connectionID)
	if !ok {
		return nil, false
	}
	return e.adapter, true
}

// ConnectionIDs snapshots the registered connection ids.
func (m *Manager) ConnectionIDs() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]string, 0, len(m.adapters))
	for id := range m.adapters {
		out = append(out, id)
	}
	return out
}

func (m *Manager) entryFor(id string) (*entry, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.adapters[id]
	return e, ok
}

func (m *Manager) remove(id string) {
	m.mu.Lock()
	delete(m.adapters, id)
	m.mu.Unlock()
}

func (m *Manager) persistStatus(connectionID string, status domain.ConnectionStatus) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := m.store.UpdateConnectionStatus(ctx, connectionID, status); err != nil {
		m.logger.Error("persist connection status failed", "connection", connectionID, "status", string(status), "err", err)
	}
}

// pump consumes one adapter's event channel until it closes. Any failure in
// a handler is logged and must never stop the pump or the adapter.
func (m *Manager) pump(e *entry) {
	defer close(e.pumpDone)

	for ev := range e.adapter.Events() {
		switch ev.Type {
		case domain.EventMessage:
			if ev.Message != nil {
				m.handleInbound(e, *ev.Message)
			}
		case domain.EventStatus:
			m.persistStatus(e.conn.ID, ev.Status)
			m.notifier.NotifyStatus(e.conn.TenantID, e.conn.ID, ev.Status)
		case domain.EventAuth:
			if ev.Auth != nil {
				m.logger.Info("connection waiting for manual verification",
					"connection", e.conn.ID,
					"method", ev.Auth.Method,
					"url", ev.Auth.URL,
				)
			}
		case domain.EventError:
			m.logger.Error("adapter error",
				"connection", e.conn.ID,
				"platform", string(e.adapter.Platform()),
				"err", ev.Err,
			)
		}
	}
}

// handleInbound is the dispatch pipeline: resolve the conversation, persist
// the inbound message, generate the AI reply, send it back, persist the
// outbound message. Each step's failure is logged per message — delivery is
// at-most-once, best-effort.
func (m *Manager) handleInbound(e *entry, msg domain.Message) {
	ctx, cancel := context.WithTimeout(context.Background(), pipelineTimeout)
	defer cancel()

	log := m.logger.With("connection", e.conn.ID, "chat", msg.ChatID)
	metrics.MessagesInbound.Inc()

	conv, err := m.store.FindOrCreateConversation(ctx, e.adapter.Platform(), msg.ChatID, e.conn.ChatbotID, e.conn.TenantID)
	if err != nil {
		metrics.PipelineErrors.Inc()
		log.Error("conversation resolution failed, dropping message", "err", err)
		return
	}

	meta := msg.Metadata
	if msg.SenderID != "" || msg.SenderName != "" {
		if meta == nil {
			meta = make(map[string]string)
		}
		meta["senderId"] = msg.SenderID
		meta["senderName"] = msg.SenderName
	}

	inbound, err := m.store.SaveMessage(ctx, conv.ID, domain.DirectionIncoming, msg.Content, msg.ContentType, meta)
	if err != nil {
		// The message may be lost; say so loudly but still try to reply.
		metrics.PipelineErrors.Inc()
		log.Error("inbound message not persisted", "err", err)
	} else {
		m.notifier.NotifyMessage(e.conn.TenantID, conv.ID, *inbound)
	}

	start := time.Now()
	reply, err := m.responder.GenerateResponse(ctx, conv.ID, msg.Content, e.conn.ChatbotID)
	metrics.ResponderLatency.Observe(time.Since(start).Seconds())
	if err != nil {
		metrics.PipelineErrors.Inc()
		log.Error("response generation failed, no reply sent", "err", err)
		return
	}

	sendStart := time.Now()
	if err := e.adapter.SendMessage(ctx, msg.ChatID, reply, nil); err != nil {
		metrics.PipelineErrors.Inc()
		log.Error("reply send failed", "err", err)
		return
	}
	metrics.SendLatency.Observe(time.Since(sendStart).Seconds())
	metrics.MessagesOutbound.Inc()

	outbound, err := m.store.SaveMessage(ctx, conv.ID, domain.DirectionOutgoing, reply, domain.ContentText, nil)
	if err != nil {
		metrics.PipelineErrors.Inc()
		log.Error("outbound message not persisted", "err", err)
	} else {
		m.notifier.NotifyMessage(e.conn.TenantID, conv.ID, *outbound)
	}

	if err := m.store.TouchConnection(ctx, e.conn.ID); err != nil {
		log.Warn("last-sync update failed", "err", err)
	}
}
