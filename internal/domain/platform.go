package domain

import (
	"context"
	"errors"
	"time"
)

// PlatformType identifies a supported messaging channel.
type PlatformType string

const (
	PlatformTelegram    PlatformType = "telegram"
	PlatformSlack       PlatformType = "slack"
	PlatformDiscord     PlatformType = "discord"
	PlatformWhatsAppWeb PlatformType = "whatsapp-web"
)

// Valid reports whether p is a known platform.
func (p PlatformType) Valid() bool {
	switch p {
	case PlatformTelegram, PlatformSlack, PlatformDiscord, PlatformWhatsAppWeb:
		return true
	}
	return false
}

// Automation reports whether the platform is driven through a headless browser
// rather than an official API.
func (p PlatformType) Automation() bool {
	return p == PlatformWhatsAppWeb
}

// ConnectionStatus is the adapter lifecycle state.
type ConnectionStatus string

const (
	StatusDisconnected   ConnectionStatus = "disconnected"
	StatusConnecting     ConnectionStatus = "connecting"
	StatusAuthenticating ConnectionStatus = "authenticating"
	StatusConnected      ConnectionStatus = "connected"
	StatusError          ConnectionStatus = "error"
)

// Direction of a message relative to the connected account.
type Direction string

const (
	DirectionIncoming Direction = "incoming"
	DirectionOutgoing Direction = "outgoing"
)

// ContentType tags the payload of a message.
type ContentType string

const (
	ContentText     ContentType = "text"
	ContentImage    ContentType = "image"
	ContentVideo    ContentType = "video"
	ContentAudio    ContentType = "audio"
	ContentDocument ContentType = "document"
)

// ChatType distinguishes direct chats from groups.
type ChatType string

const (
	ChatIndividual ChatType = "individual"
	ChatGroup      ChatType = "group"
)

// Message is a single platform message. ID is the platform-native id when the
// platform exposes one, otherwise a locally generated fallback — unique within
// a chat+platform pair at best, never globally.
type Message struct {
	ID          string
	ChatID      string
	Direction   Direction
	Content     string
	ContentType ContentType
	Timestamp   time.Time
	SenderID    string
	SenderName  string
	MediaURL    string
	Metadata    map[string]string
}

// Chat is a conversation surface on the platform side.
type Chat struct {
	ID       string
	Name     string
	Type     ChatType
	Metadata map[string]string
}

// SendOptions attaches media to an outgoing message.
type SendOptions struct {
	MediaURL  string
	MediaPath string
	MediaType ContentType
}

// ConnectionOptions tunes adapter behavior per connection. Zero values mean
// platform defaults (API-style platforms poll every 10s, automation-style
// every 5s, manual auth waits up to 5 minutes).
type ConnectionOptions struct {
	PollInterval time.Duration
	AuthWait     time.Duration
	Proxy        string
	ProfileDir   string
}

// ConnectionConfig is the only input a caller must supply to connect a
// platform. Credentials are validated against Platform before the adapter
// sees them.
type ConnectionConfig struct {
	Platform    PlatformType
	Credentials Credentials
	Options     ConnectionOptions
}

// EventType tags entries on an adapter's event channel.
type EventType string

const (
	EventStatus  EventType = "status"
	EventMessage EventType = "message"
	EventError   EventType = "error"
	EventAuth    EventType = "auth"
)

// AuthHint tells the operator what kind of manual step a connection is
// waiting on.
type AuthHint struct {
	Method string // "oauth" | "qr" | "verification"
	URL    string
}

// Event is the tagged union emitted by adapters. Exactly one payload field is
// set, matching Type.
type Event struct {
	Type    EventType
	Status  ConnectionStatus
	Message *Message
	Err     error
	Auth    *AuthHint
}

// Adapter is the uniform capability contract every platform implements.
// Connect drives the platform handshake and starts the inbound polling loop;
// Disconnect is the only way to stop an adapter's activity and renders it
// unusable (the events channel is closed). SendMessage, Chats and Messages
// require StatusConnected, except that SendMessage makes one reconnect
// attempt from disconnected/error using the last known config.
type Adapter interface {
	Platform() PlatformType
	Status() ConnectionStatus
	Connect(ctx context.Context, cfg ConnectionConfig) error
	Disconnect(ctx context.Context) error
	SendMessage(ctx context.Context, chatID, content string, opts *SendOptions) error
	Chats(ctx context.Context) ([]Chat, error)
	Messages(ctx context.Context, chatID string, limit int) ([]Message, error)
	Events() <-chan Event
}

// Contract errors surfaced by adapters and the platform manager.
var (
	ErrNotConnected       = errors.New("adapter not connected")
	ErrAdapterNotFound    = errors.New("adapter not found")
	ErrMissingCredentials = errors.New("missing required credentials")
)
