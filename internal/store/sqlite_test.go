package store

import (
	"context"
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"

	"chatbridge/internal/domain"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelWarn}))
}

func testStore(t *testing.T) *SQLiteStore {
	t.Helper()
	s, err := NewSQLiteStore(filepath.Join(t.TempDir(), "test.db"), testLogger())
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestFindOrCreateConversationDeduplicates(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()

	c1, err := s.FindOrCreateConversation(ctx, domain.PlatformTelegram, "chat-42", "bot-1", "t1")
	if err != nil {
		t.Fatal(err)
	}
	c2, err := s.FindOrCreateConversation(ctx, domain.PlatformTelegram, "chat-42", "bot-1", "t1")
	if err != nil {
		t.Fatal(err)
	}
	if c1.ID != c2.ID {
		t.Fatalf("same (platform, chat) must return the same conversation: %s vs %s", c1.ID, c2.ID)
	}

	// Same chat id on a different platform is a different conversation.
	c3, err := s.FindOrCreateConversation(ctx, domain.PlatformSlack, "chat-42", "bot-1", "t1")
	if err != nil {
		t.Fatal(err)
	}
	if c3.ID == c1.ID {
		t.Fatal("platform must be part of the conversation key")
	}
}

func TestSaveAndListMessages(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()

	conv, err := s.FindOrCreateConversation(ctx, domain.PlatformDiscord, "ch-1", "bot-1", "t1")
	if err != nil {
		t.Fatal(err)
	}

	in, err := s.SaveMessage(ctx, conv.ID, domain.DirectionIncoming, "hello", domain.ContentText,
		map[string]string{"senderName": "Dana"})
	if err != nil {
		t.Fatal(err)
	}
	if in.ID == 0 {
		t.Fatal("expected assigned message id")
	}
	if _, err := s.SaveMessage(ctx, conv.ID, domain.DirectionOutgoing, "hi there", domain.ContentText, nil); err != nil {
		t.Fatal(err)
	}

	msgs, err := s.Messages(ctx, conv.ID, 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(msgs) != 2 {
		t.Fatalf("expected 2 messages, got %d", len(msgs))
	}
	if msgs[0].Direction != domain.DirectionIncoming || msgs[1].Direction != domain.DirectionOutgoing {
		t.Fatalf("messages must come back oldest first: %+v", msgs)
	}
	if msgs[0].Metadata["senderName"] != "Dana" {
		t.Fatalf("metadata round trip failed: %v", msgs[0].Metadata)
	}
	if msgs[1].Metadata != nil {
		t.Fatalf("empty metadata must stay nil, got %v", msgs[1].Metadata)
	}
}

func TestConnectionLifecycle(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()

	conn := domain.Connection{
		ID:        "c1",
		TenantID:  "t1",
		ChatbotID: "bot-1",
		Platform:  domain.PlatformSlack,
	}
	if err := s.SaveConnection(ctx, conn); err != nil {
		t.Fatal(err)
	}

	got, err := s.Connection(ctx, "c1")
	if err != nil {
		t.Fatal(err)
	}
	if got == nil {
		t.Fatal("expected connection record")
	}
	if got.Status != domain.StatusDisconnected {
		t.Fatalf("expected default disconnected status, got %s", got.Status)
	}

	if err := s.UpdateConnectionStatus(ctx, "c1", domain.StatusConnected); err != nil {
		t.Fatal(err)
	}
	got, _ = s.Connection(ctx, "c1")
	if got.Status != domain.StatusConnected {
		t.Fatalf("expected connected, got %s", got.Status)
	}

	before := got.LastSyncAt
	time.Sleep(10 * time.Millisecond)
	if err := s.TouchConnection(ctx, "c1"); err != nil {
		t.Fatal(err)
	}
	got, _ = s.Connection(ctx, "c1")
	if !got.LastSyncAt.After(before) {
		t.Fatal("touch must advance last_sync_at")
	}
}

func TestSaveConnectionUpsertKeepsCreatedAt(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()

	conn := domain.Connection{ID: "c1", TenantID: "t1", ChatbotID: "bot-1", Platform: domain.PlatformTelegram}
	if err := s.SaveConnection(ctx, conn); err != nil {
		t.Fatal(err)
	}
	first, _ := s.Connection(ctx, "c1")

	conn.ChatbotID = "bot-2"
	if err := s.SaveConnection(ctx, conn); err != nil {
		t.Fatal(err)
	}
	second, _ := s.Connection(ctx, "c1")

	if second.ChatbotID != "bot-2" {
		t.Fatalf("upsert must update fields, got %s", second.ChatbotID)
	}
	if !second.CreatedAt.Equal(first.CreatedAt) {
		t.Fatal("upsert must not rewrite created_at")
	}
}

func TestConnectionsByStatus(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()

	for _, c := range []struct {
		id     string
		status domain.ConnectionStatus
	}{
		{"c1", domain.StatusConnected},
		{"c2", domain.StatusError},
		{"c3", domain.StatusConnected},
		{"c4", domain.StatusDisconnected},
	} {
		if err := s.SaveConnection(ctx, domain.Connection{
			ID: c.id, TenantID: "t1", ChatbotID: "b", Platform: domain.PlatformTelegram, Status: c.status,
		}); err != nil {
			t.Fatal(err)
		}
	}

	conns, err := s.ConnectionsByStatus(ctx, domain.StatusConnected, domain.StatusError)
	if err != nil {
		t.Fatal(err)
	}
	if len(conns) != 3 {
		t.Fatalf("expected 3 connections, got %d", len(conns))
	}

	conns, err = s.ConnectionsByStatus(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if len(conns) != 0 {
		t.Fatalf("no statuses means no rows, got %d", len(conns))
	}
}

func TestConnectionMissingReturnsNil(t *testing.T) {
	s := testStore(t)

	got, err := s.Connection(context.Background(), "nope")
	if err != nil {
		t.Fatal(err)
	}
	if got != nil {
		t.Fatalf("expected nil for missing connection, got %+v", got)
	}
}
