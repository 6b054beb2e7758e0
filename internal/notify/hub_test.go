package notify

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"strings"
	"testing"
	"time"

	"chatbridge/internal/domain"

	"github.com/gorilla/websocket"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelWarn}))
}

func testHub(t *testing.T) (*Hub, *httptest.Server) {
	t.Helper()
	h := NewHub(HubConfig{Logger: testLogger()})
	srv := httptest.NewServer(http.HandlerFunc(h.handleUpgrade))
	t.Cleanup(srv.Close)
	return h, srv
}

func dial(t *testing.T, srv *httptest.Server, tenantID string) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "?tenant_id=" + tenantID
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { conn.Close() })
	return conn
}

func waitSubscribers(t *testing.T, h *Hub, n int) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		h.mu.RLock()
		got := len(h.subscribers)
		h.mu.RUnlock()
		if got == n {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("never reached %d subscribers", n)
}

func readEnvelope(t *testing.T, conn *websocket.Conn) Envelope {
	t.Helper()
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, data, err := conn.ReadMessage()
	if err != nil {
		t.Fatal(err)
	}
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		t.Fatal(err)
	}
	return env
}

func TestNotifyMessageReachesTenantSubscriber(t *testing.T) {
	h, srv := testHub(t)
	conn := dial(t, srv, "t1")
	waitSubscribers(t, h, 1)

	h.NotifyMessage("t1", "conv-1", domain.StoredMessage{
		Direction:   domain.DirectionIncoming,
		Content:     "hello",
		ContentType: domain.ContentText,
		CreatedAt:   time.Now(),
	})

	env := readEnvelope(t, conn)
	if env.Type != "message" || env.ConversationID != "conv-1" || env.Content != "hello" {
		t.Fatalf("unexpected envelope: %+v", env)
	}
	if env.Direction != string(domain.DirectionIncoming) {
		t.Fatalf("expected incoming direction, got %s", env.Direction)
	}
}

func TestBroadcastIsScopedToTenant(t *testing.T) {
	h, srv := testHub(t)
	mine := dial(t, srv, "t1")
	other := dial(t, srv, "t2")
	waitSubscribers(t, h, 2)

	h.NotifyStatus("t1", "c1", domain.StatusConnected)

	env := readEnvelope(t, mine)
	if env.Type != "status" || env.ConnectionID != "c1" || env.Status != string(domain.StatusConnected) {
		t.Fatalf("unexpected envelope: %+v", env)
	}

	other.SetReadDeadline(time.Now().Add(100 * time.Millisecond))
	if _, _, err := other.ReadMessage(); err == nil {
		t.Fatal("other tenant must not receive the broadcast")
	}
}

func TestNotifyWithoutSubscribersIsNoOp(t *testing.T) {
	h, _ := testHub(t)

	// Fire-and-forget contract: no subscribers, no error, no block.
	h.NotifyMessage("t1", "conv-1", domain.StoredMessage{Content: "nobody listening"})
	h.NotifyStatus("t1", "c1", domain.StatusError)
}

func TestDisconnectedSubscriberIsRemoved(t *testing.T) {
	h, srv := testHub(t)
	conn := dial(t, srv, "t1")
	waitSubscribers(t, h, 1)

	conn.Close()
	waitSubscribers(t, h, 0)
}
