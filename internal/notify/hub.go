// Package notify pushes pipeline events to UI subscribers over WebSocket.
// Delivery is fire-and-forget: a dead or slow subscriber never blocks the
// message pipeline.
package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"chatbridge/internal/domain"

	"github.com/gorilla/websocket"
)

// HubConfig configures the notification hub.
type HubConfig struct {
	Port   int
	Path   string // WebSocket endpoint path (default: /ws)
	Logger *slog.Logger
}

// Envelope is the JSON protocol pushed to subscribers.
type Envelope struct {
	Type           string `json:"type"` // "message" | "status"
	TenantID       string `json:"tenant_id"`
	ConversationID string `json:"conversation_id,omitempty"`
	ConnectionID   string `json:"connection_id,omitempty"`
	Direction      string `json:"direction,omitempty"`
	Content        string `json:"content,omitempty"`
	ContentType    string `json:"content_type,omitempty"`
	Status         string `json:"status,omitempty"`
	Timestamp      int64  `json:"timestamp"`
}

type subscriber struct {
	conn     *websocket.Conn
	tenantID string
	mu       sync.Mutex
}

func (s *subscriber) send(data []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.conn.WriteMessage(websocket.TextMessage, data)
}

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		return true // Allow all origins (configure CORS for production)
	},
}

// Hub implements domain.Notifier. Subscribers connect with ?tenant_id=... and
// receive only their tenant's events.
type Hub struct {
	port   int
	path   string
	logger *slog.Logger
	server *http.Server

	mu          sync.RWMutex
	subscribers map[string]*subscriber
}

func NewHub(cfg HubConfig) *Hub {
	if cfg.Path == "" {
		cfg.Path = "/ws"
	}
	if cfg.Port == 0 {
		cfg.Port = 8081
	}
	return &Hub{
		port:        cfg.Port,
		path:        cfg.Path,
		logger:      cfg.Logger,
		subscribers: make(map[string]*subscriber),
	}
}

// Start runs the WebSocket server until ctx is cancelled.
func (h *Hub) Start(ctx context.Context) error {
	mux := http.NewServeMux()
	mux.HandleFunc(h.path, h.handleUpgrade)

	h.server = &http.Server{
		Addr:              fmt.Sprintf(":%d", h.port),
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}

	h.logger.Info("notification hub starting", "port", h.port, "path", h.path)

	errCh := make(chan error, 1)
	go func() {
		if err := h.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
		h.closeAll()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return h.server.Shutdown(shutdownCtx)
	case err := <-errCh:
		return err
	}
}

func (h *Hub) handleUpgrade(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Error("websocket upgrade failed", "err", err)
		return
	}

	tenantID := r.URL.Query().Get("tenant_id")
	if tenantID == "" {
		tenantID = "default"
	}

	sub := &subscriber{conn: conn, tenantID: tenantID}
	id := fmt.Sprintf("%s-%p", tenantID, conn)

	h.mu.Lock()
	h.subscribers[id] = sub
	h.mu.Unlock()

	h.logger.Info("notification subscriber connected", "subscriber", id, "tenant", tenantID)

	defer func() {
		h.mu.Lock()
		delete(h.subscribers, id)
		h.mu.Unlock()
		conn.Close()
		h.logger.Info("notification subscriber disconnected", "subscriber", id)
	}()

	// Subscribers only listen; the read loop exists to detect close.
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				h.logger.Debug("websocket read error", "err", err)
			}
			return
		}
	}
}

// NotifyMessage broadcasts a persisted message to the tenant's subscribers.
func (h *Hub) NotifyMessage(tenantID, conversationID string, msg domain.StoredMessage) {
	h.broadcast(tenantID, Envelope{
		Type:           "message",
		TenantID:       tenantID,
		ConversationID: conversationID,
		Direction:      string(msg.Direction),
		Content:        msg.Content,
		ContentType:    string(msg.ContentType),
		Timestamp:      msg.CreatedAt.Unix(),
	})
}

// NotifyStatus broadcasts a connection status change.
func (h *Hub) NotifyStatus(tenantID, connectionID string, status domain.ConnectionStatus) {
	h.broadcast(tenantID, Envelope{
		Type:         "status",
		TenantID:     tenantID,
		ConnectionID: connectionID,
		Status:       string(status),
		Timestamp:    time.Now().Unix(),
	})
}

func (h *Hub) broadcast(tenantID string, env Envelope) {
	data, err := json.Marshal(env)
	if err != nil {
		return
	}

	h.mu.RLock()
	defer h.mu.RUnlock()
	for _, sub := range h.subscribers {
		if sub.tenantID != tenantID {
			continue
		}
		if err := sub.send(data); err != nil {
			h.logger.Debug("websocket write failed", "err", err)
		}
	}
}

func (h *Hub) closeAll() {
	h.mu.Lock()
	defer h.mu.Unlock()
	for id, sub := range h.subscribers {
		sub.conn.Close()
		delete(h.subscribers, id)
	}
}
