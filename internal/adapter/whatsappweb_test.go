package adapter

import (
	"strings"
	"testing"
	"time"

	"chatbridge/internal/resilience"
)

func testWhatsApp(t *testing.T) *WhatsAppWeb {
	t.Helper()
	breaker := resilience.NewBreaker("whatsapp-web", resilience.BreakerConfig{}, testLogger())
	return NewWhatsAppWeb("c1", nil, SelectorProfile{}, breaker, resilience.RetryConfig{
		MaxRetries:   1,
		InitialDelay: time.Millisecond,
	}, testLogger())
}

func TestDeliverableDedupsByDataID(t *testing.T) {
	w := testWhatsApp(t)
	m := domMessage{ID: "msg-1", Text: "hello"}

	id, fresh := w.deliverable("Dana", m)
	if !fresh {
		t.Fatal("first sighting must be delivered")
	}
	if id != "msg-1" {
		t.Fatalf("expected data-id carried through, got %s", id)
	}
	if _, fresh := w.deliverable("Dana", m); fresh {
		t.Fatal("same data-id must not be delivered twice")
	}
}

func TestDeliverableDedupsIDLessMessagesByContent(t *testing.T) {
	w := testWhatsApp(t)
	m := domMessage{Text: "no data-id here"}

	id, fresh := w.deliverable("Dana", m)
	if !fresh {
		t.Fatal("first sighting must be delivered")
	}
	if !strings.HasPrefix(id, "local-") {
		t.Fatalf("expected local fallback id, got %s", id)
	}

	// A persistent unread badge re-surfaces the same DOM text every tick.
	if _, fresh := w.deliverable("Dana", m); fresh {
		t.Fatal("re-rendered id-less message must not be delivered twice")
	}

	if _, fresh := w.deliverable("Dana", domMessage{Text: "different text"}); !fresh {
		t.Fatal("new text must still be delivered")
	}
}

func TestDeliverableScopesSeenSetPerChat(t *testing.T) {
	w := testWhatsApp(t)
	m := domMessage{Text: "hi"}

	if _, fresh := w.deliverable("Dana", m); !fresh {
		t.Fatal("first chat must deliver")
	}
	if _, fresh := w.deliverable("Eli", m); !fresh {
		t.Fatal("same text in another chat is a different message")
	}
}
