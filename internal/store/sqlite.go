// Package store persists conversations, messages, and connection records in
// SQLite.
package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"chatbridge/internal/domain"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"
)

// SQLiteStore implements domain.ConversationStore using SQLite.
type SQLiteStore struct {
	db     *sql.DB
	logger *slog.Logger
}

func NewSQLiteStore(dbPath string, logger *slog.Logger) (*SQLiteStore, error) {
	dir := filepath.Dir(dbPath)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("cannot create database directory %s: %w", dir, err)
	}

	db, err := sql.Open("sqlite", dbPath+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("cannot open database: %w", err)
	}

	// Set connection pool (single connection for SQLite)
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	store := &SQLiteStore{db: db, logger: logger}

	if err := store.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("database migration failed: %w", err)
	}

	return store, nil
}

func (s *SQLiteStore) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS connections (
		id           TEXT PRIMARY KEY,
		tenant_id    TEXT NOT NULL,
		chatbot_id   TEXT NOT NULL,
		platform     TEXT NOT NULL,
		status       TEXT NOT NULL DEFAULT 'disconnected',
		last_sync_at DATETIME DEFAULT CURRENT_TIMESTAMP,
		created_at   DATETIME DEFAULT CURRENT_TIMESTAMP
	);
	CREATE INDEX IF NOT EXISTS idx_connections_status ON connections(status);

	CREATE TABLE IF NOT EXISTS conversations (
		id          TEXT PRIMARY KEY,
		tenant_id   TEXT NOT NULL,
		chatbot_id  TEXT NOT NULL,
		platform    TEXT NOT NULL,
		chat_id     TEXT NOT NULL,
		created_at  DATETIME DEFAULT CURRENT_TIMESTAMP,
		UNIQUE(platform, chat_id)
	);

	CREATE TABLE IF NOT EXISTS messages (
		id              INTEGER PRIMARY KEY AUTOINCREMENT,
		conversation_id TEXT NOT NULL REFERENCES conversations(id) ON DELETE CASCADE,
		direction       TEXT NOT NULL,
		content         TEXT,
		content_type    TEXT NOT NULL DEFAULT 'text',
		metadata        TEXT,
		created_at      DATETIME DEFAULT CURRENT_TIMESTAMP
	);
	CREATE INDEX IF NOT EXISTS idx_messages_conv ON messages(conversation_id, created_at);
	`

	_, err := s.db.Exec(schema)
	return err
}

// FindOrCreateConversation returns the conversation for (platform, chatID),
// creating it on first contact. The UNIQUE constraint plus INSERT OR IGNORE
// guarantees one row per pair even under concurrent inbound ticks.
func (s *SQLiteStore) FindOrCreateConversation(ctx context.Context, platform domain.PlatformType, chatID, chatbotID, tenantID string) (*domain.Conversation, error) {
	_, err := s.db.ExecContext(ctx,
		`INSERT OR IGNORE INTO conversations (id, tenant_id, chatbot_id, platform, chat_id, created_at)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		uuid.NewString(), tenantID, chatbotID, string(platform), chatID, time.Now(),
	)
	if err != nil {
		return nil, fmt.Errorf("create conversation: %w", err)
	}

	var conv domain.Conversation
	var pf string
	err = s.db.QueryRowContext(ctx,
		`SELECT id, tenant_id, chatbot_id, platform, chat_id, created_at
		 FROM conversations WHERE platform = ? AND chat_id = ?`,
		string(platform), chatID,
	).Scan(&conv.ID, &conv.TenantID, &conv.ChatbotID, &pf, &conv.ChatID, &conv.CreatedAt)
	if err != nil {
		return nil, fmt.Errorf("load conversation: %w", err)
	}
	conv.Platform = domain.PlatformType(pf)
	return &conv, nil
}

func (s *SQLiteStore) SaveMessage(ctx context.Context, conversationID string, dir domain.Direction, content string, ct domain.ContentType, meta map[string]string) (*domain.StoredMessage, error) {
	var metaJSON sql.NullString
	if len(meta) > 0 {
		b, err := json.Marshal(meta)
		if err != nil {
			return nil, fmt.Errorf("encode message metadata: %w", err)
		}
		metaJSON = sql.NullString{String: string(b), Valid: true}
	}

	now := time.Now()
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO messages (conversation_id, direction, content, content_type, metadata, created_at)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		conversationID, string(dir), content, string(ct), metaJSON, now,
	)
	if err != nil {
		return nil, fmt.Errorf("save message: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return nil, err
	}

	return &domain.StoredMessage{
		ID:             id,
		ConversationID: conversationID,
		Direction:      dir,
		Content:        content,
		ContentType:    ct,
		Metadata:       meta,
		CreatedAt:      now,
	}, nil
}

// Messages returns up to limit messages of one conversation, oldest first.
func (s *SQLiteStore) Messages(ctx context.Context, conversationID string, limit int) ([]domain.StoredMessage, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, conversation_id, direction, content, content_type, metadata, created_at
		 FROM messages WHERE conversation_id = ?
		 ORDER BY created_at DESC LIMIT ?`, conversationID, limit,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var msgs []domain.StoredMessage
	for rows.Next() {
		var m domain.StoredMessage
		var dir, ct string
		var metaJSON sql.NullString
		if err := rows.Scan(&m.ID, &m.ConversationID, &dir, &m.Content, &ct, &metaJSON, &m.CreatedAt); err != nil {
			return nil, err
		}
		m.Direction = domain.Direction(dir)
		m.ContentType = domain.ContentType(ct)
		if metaJSON.Valid && metaJSON.String != "" {
			if err := json.Unmarshal([]byte(metaJSON.String), &m.Metadata); err != nil {
				s.logger.Warn("bad message metadata, ignoring", "message", m.ID, "err", err)
			}
		}
		msgs = append(msgs, m)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	// Reverse to chronological order
	for i, j := 0, len(msgs)-1; i < j; i, j = i+1, j-1 {
		msgs[i], msgs[j] = msgs[j], msgs[i]
	}
	return msgs, nil
}

func (s *SQLiteStore) SaveConnection(ctx context.Context, conn domain.Connection) error {
	now := time.Now()
	if conn.CreatedAt.IsZero() {
		conn.CreatedAt = now
	}
	if conn.LastSyncAt.IsZero() {
		conn.LastSyncAt = now
	}
	if conn.Status == "" {
		conn.Status = domain.StatusDisconnected
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO connections (id, tenant_id, chatbot_id, platform, status, last_sync_at, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(id) DO UPDATE SET
		   tenant_id = excluded.tenant_id,
		   chatbot_id = excluded.chatbot_id,
		   platform = excluded.platform,
		   status = excluded.status`,
		conn.ID, conn.TenantID, conn.ChatbotID, string(conn.Platform), string(conn.Status), conn.LastSyncAt, conn.CreatedAt,
	)
	return err
}

func (s *SQLiteStore) Connection(ctx context.Context, id string) (*domain.Connection, error) {
	var conn domain.Connection
	var pf, status string
	err := s.db.QueryRowContext(ctx,
		`SELECT id, tenant_id, chatbot_id, platform, status, last_sync_at, created_at
		 FROM connections WHERE id = ?`, id,
	).Scan(&conn.ID, &conn.TenantID, &conn.ChatbotID, &pf, &status, &conn.LastSyncAt, &conn.CreatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	conn.Platform = domain.PlatformType(pf)
	conn.Status = domain.ConnectionStatus(status)
	return &conn, nil
}

func (s *SQLiteStore) UpdateConnectionStatus(ctx context.Context, id string, status domain.ConnectionStatus) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE connections SET status = ? WHERE id = ?`, string(status), id,
	)
	return err
}

// TouchConnection records activity: the session sweeper uses last_sync_at to
// decide staleness.
func (s *SQLiteStore) TouchConnection(ctx context.Context, id string) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE connections SET last_sync_at = ? WHERE id = ?`, time.Now(), id,
	)
	return err
}

func (s *SQLiteStore) ConnectionsByStatus(ctx context.Context, statuses ...domain.ConnectionStatus) ([]domain.Connection, error) {
	if len(statuses) == 0 {
		return nil, nil
	}

	placeholders := strings.Repeat("?,", len(statuses))
	placeholders = placeholders[:len(placeholders)-1]
	args := make([]any, 0, len(statuses))
	for _, st := range statuses {
		args = append(args, string(st))
	}

	rows, err := s.db.QueryContext(ctx,
		`SELECT id, tenant_id, chatbot_id, platform, status, last_sync_at, created_at
		 FROM connections WHERE status IN (`+placeholders+`) ORDER BY created_at`,
		args...,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var conns []domain.Connection
	for rows.Next() {
		var c domain.Connection
		var pf, status string
		if err := rows.Scan(&c.ID, &c.TenantID, &c.ChatbotID, &pf, &status, &c.LastSyncAt, &c.CreatedAt); err != nil {
			return nil, err
		}
		c.Platform = domain.PlatformType(pf)
		c.Status = domain.ConnectionStatus(status)
		conns = append(conns, c)
	}
	return conns, rows.Err()
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}
