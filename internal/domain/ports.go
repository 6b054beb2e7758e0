package domain

import (
	"context"
	"time"
)

// Conversation is the logical thread for one (platform, chatID) pair.
// The dispatch pipeline is the only core-side writer of new conversations.
type Conversation struct {
	ID        string
	TenantID  string
	ChatbotID string
	Platform  PlatformType
	ChatID    string
	CreatedAt time.Time
}

// StoredMessage is a persisted pipeline message.
type StoredMessage struct {
	ID             int64
	ConversationID string
	Direction      Direction
	Content        string
	ContentType    ContentType
	Metadata       map[string]string
	CreatedAt      time.Time
}

// Connection is the persisted record pairing a chatbot with one platform.
type Connection struct {
	ID         string
	TenantID   string
	ChatbotID  string
	Platform   PlatformType
	Status     ConnectionStatus
	LastSyncAt time.Time
	CreatedAt  time.Time
}

// ConversationStore is the persistence collaborator consumed by the manager
// and session sweeper. The core holds no transaction across adapter and store
// calls; partial failure is logged, not hidden.
type ConversationStore interface {
	FindOrCreateConversation(ctx context.Context, platform PlatformType, chatID, chatbotID, tenantID string) (*Conversation, error)
	SaveMessage(ctx context.Context, conversationID string, dir Direction, content string, ct ContentType, meta map[string]string) (*StoredMessage, error)

	SaveConnection(ctx context.Context, conn Connection) error
	Connection(ctx context.Context, id string) (*Connection, error)
	UpdateConnectionStatus(ctx context.Context, id string, status ConnectionStatus) error
	TouchConnection(ctx context.Context, id string) error
	ConnectionsByStatus(ctx context.Context, statuses ...ConnectionStatus) ([]Connection, error)
}

// Responder generates the AI reply for an inbound message. It may fail or
// time out; the pipeline logs and sends nothing in that case.
type Responder interface {
	GenerateResponse(ctx context.Context, conversationID, userMessage, chatbotID string) (string, error)
}

// Notifier broadcasts pipeline events to subscribers (UI, webhooks).
// Fire-and-forget: implementations must never block the caller and the core
// requires no delivery guarantee.
type Notifier interface {
	NotifyMessage(tenantID, conversationID string, msg StoredMessage)
	NotifyStatus(tenantID, connectionID string, status ConnectionStatus)
}
