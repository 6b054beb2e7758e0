package adapter

import (
	"context"
	"encoding/json"
	"fmt"
	"hash/fnv"
	"log/slog"
	"strconv"
	"sync"
	"time"

	"chatbridge/internal/browser"
	"chatbridge/internal/domain"
	"chatbridge/internal/resilience"

	"github.com/chromedp/chromedp"
	"github.com/google/uuid"
)

const (
	whatsappLoginPollInterval = 2 * time.Second
	whatsappReadBatch         = 10
	whatsappSeenCap           = 200
)

// WhatsAppWeb is the automation-style adapter: it drives web.whatsapp.com
// through a headless browser owned by the pool. Login is an out-of-band QR
// scan; the persistent Chrome profile keeps the session across restarts.
//
// WhatsApp Web exposes no stable chat ids in the DOM, so the chat title acts
// as the chat id. Message ids use the data-id attribute when present and a
// locally generated fallback otherwise — best-effort identifiers, never
// stable keys.
type WhatsAppWeb struct {
	*Core

	connectionID string
	pool         *browser.Pool
	profile      SelectorProfile

	mu   sync.Mutex
	sess *browser.Session
	seen map[string]map[string]bool // chat -> recently delivered message ids
}

func NewWhatsAppWeb(connectionID string, pool *browser.Pool, profile SelectorProfile, breaker *resilience.Breaker, retry resilience.RetryConfig, logger *slog.Logger) *WhatsAppWeb {
	return &WhatsAppWeb{
		Core:         newCore(domain.PlatformWhatsAppWeb, breaker, retry, logger),
		connectionID: connectionID,
		pool:         pool,
		profile:      profile,
		seen:         make(map[string]map[string]bool),
	}
}

func (w *WhatsAppWeb) Connect(ctx context.Context, cfg domain.ConnectionConfig) error {
	if err := cfg.Credentials.Validate(domain.PlatformWhatsAppWeb); err != nil {
		w.setStatus(domain.StatusError)
		return err
	}

	w.setStatus(domain.StatusConnecting)

	sess, err := w.pool.Acquire(ctx, w.connectionID, browser.AcquireOptions{
		ProfileDir: cfg.Options.ProfileDir,
		Proxy:      cfg.Options.Proxy,
	})
	if err != nil {
		w.setStatus(domain.StatusError)
		return fmt.Errorf("acquire browser: %w", err)
	}

	w.mu.Lock()
	w.sess = sess
	w.mu.Unlock()

	if err := sess.Run(ctx,
		chromedp.Navigate(w.profile.URL),
		chromedp.WaitReady("body"),
	); err != nil {
		w.pool.Release(w.connectionID)
		w.setStatus(domain.StatusError)
		return fmt.Errorf("open %s: %w", w.profile.URL, err)
	}

	if err := w.waitForLogin(ctx, authWait(cfg.Options)); err != nil {
		w.pool.Release(w.connectionID)
		w.setStatus(domain.StatusError)
		return err
	}

	w.rememberConfig(cfg)
	w.setStatus(domain.StatusConnected)
	w.logger.Info("whatsapp web session ready", "connection", w.connectionID)

	w.startPolling(pollInterval(cfg.Options, domain.PlatformWhatsAppWeb), w.poll)
	return nil
}

// waitForLogin blocks until the chat list renders. If the QR canvas shows up
// first, the operator is asked (once) to scan it; the wait is bounded.
func (w *WhatsAppWeb) waitForLogin(ctx context.Context, wait time.Duration) error {
	deadline := time.Now().Add(wait)
	qrAnnounced := false

	for time.Now().Before(deadline) {
		var loggedIn bool
		if err := w.eval(ctx, fmt.Sprintf(`document.querySelector(%q) !== null`, w.profile.ChatList), &loggedIn); err != nil {
			return fmt.Errorf("login check: %w", err)
		}
		if loggedIn {
			return nil
		}

		if !qrAnnounced {
			var qrVisible bool
			if err := w.eval(ctx, fmt.Sprintf(`document.querySelector(%q) !== null`, w.profile.QRCode), &qrVisible); err == nil && qrVisible {
				qrAnnounced = true
				w.setStatus(domain.StatusAuthenticating)
				w.emitAuth(domain.AuthHint{Method: "qr", URL: w.profile.URL})
				w.logger.Info("waiting for QR scan", "connection", w.connectionID, "timeout", wait)
			}
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(whatsappLoginPollInterval):
		}
	}
	return fmt.Errorf("whatsapp web login not completed within %s", wait)
}

func (w *WhatsAppWeb) Disconnect(ctx context.Context) error {
	w.stopPolling()
	w.pool.Release(w.connectionID)
	w.mu.Lock()
	w.sess = nil
	w.mu.Unlock()
	w.shutdown()
	return nil
}

// eval runs a JS expression in the page and decodes the result.
func (w *WhatsAppWeb) eval(ctx context.Context, script string, out any) error {
	w.mu.Lock()
	sess := w.sess
	w.mu.Unlock()
	if sess == nil {
		return domain.ErrNotConnected
	}
	return sess.Run(ctx, chromedp.Evaluate(script, out))
}

// evalJSON runs a JS IIFE that returns a JSON string and unmarshals it.
func (w *WhatsAppWeb) evalJSON(ctx context.Context, script string, out any) error {
	var raw string
	if err := w.eval(ctx, script, &raw); err != nil {
		return err
	}
	return json.Unmarshal([]byte(raw), out)
}

// poll scans the chat list for unread badges, opens each flagged chat and
// emits the inbound messages it has not delivered yet.
func (w *WhatsAppWeb) poll(ctx context.Context) error {
	script := fmt.Sprintf(`
		(function() {
			var items = document.querySelectorAll(%q);
			var out = [];
			for (var i = 0; i < items.length; i++) {
				if (!items[i].querySelector(%q)) continue;
				var t = items[i].querySelector(%q);
				if (t) out.push(t.getAttribute('title') || t.textContent || '');
			}
			return JSON.stringify(out);
		})()`,
		w.profile.ChatItem, w.profile.UnreadBadge, w.profile.ChatTitle)

	var unread []string
	if err := w.evalJSON(ctx, script, &unread); err != nil {
		return fmt.Errorf("scan unread chats: %w", err)
	}

	for _, chat := range unread {
		if chat == "" {
			continue
		}
		if err := w.drainChat(ctx, chat); err != nil {
			w.logger.Warn("read chat failed", "chat", chat, "err", err)
		}
	}
	return nil
}

type domMessage struct {
	ID   string `json:"id"`
	Text string `json:"text"`
}

func (w *WhatsAppWeb) drainChat(ctx context.Context, chat string) error {
	if err := w.openChat(ctx, chat); err != nil {
		return err
	}

	script := fmt.Sprintf(`
		(function() {
			var nodes = document.querySelectorAll(%q);
			var out = [];
			var start = Math.max(0, nodes.length - %d);
			for (var i = start; i < nodes.length; i++) {
				var el = nodes[i].querySelector('span.selectable-text') || nodes[i];
				out.push({
					id: nodes[i].getAttribute('data-id') || '',
					text: el.innerText || el.textContent || ''
				});
			}
			return JSON.stringify(out);
		})()`,
		w.profile.MessageIn, whatsappReadBatch)

	var msgs []domMessage
	if err := w.evalJSON(ctx, script, &msgs); err != nil {
		return fmt.Errorf("read messages: %w", err)
	}

	for _, m := range msgs {
		if m.Text == "" {
			continue
		}
		id, fresh := w.deliverable(chat, m)
		if !fresh {
			continue
		}
		w.emitMessage(domain.Message{
			ID:          id,
			ChatID:      chat,
			Direction:   domain.DirectionIncoming,
			Content:     m.Text,
			ContentType: domain.ContentText,
			Timestamp:   time.Now(),
			SenderName:  chat,
		})
	}
	return nil
}

// deliverable decides whether a scraped DOM message should be emitted and
// returns the id to emit it under. Messages without a data-id are keyed in
// the seen-set by a content hash, so an unread badge that outlives a tick
// does not re-deliver the same text; the emitted id is still a local uuid.
func (w *WhatsAppWeb) deliverable(chat string, m domMessage) (string, bool) {
	key := m.ID
	if key == "" {
		key = contentKey(m.Text)
	}
	if w.alreadySeen(chat, key) {
		return "", false
	}
	w.markSeen(chat, key)

	id := m.ID
	if id == "" {
		id = "local-" + uuid.NewString()
	}
	return id, true
}

func contentKey(text string) string {
	h := fnv.New64a()
	h.Write([]byte(text))
	return "text:" + strconv.FormatUint(h.Sum64(), 16)
}

func (w *WhatsAppWeb) alreadySeen(chat, id string) bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.seen[chat][id]
}

func (w *WhatsAppWeb) markSeen(chat, id string) {
	w.mu.Lock()
	defer w.mu.Unlock()
	set := w.seen[chat]
	if set == nil {
		set = make(map[string]bool)
		w.seen[chat] = set
	}
	if len(set) >= whatsappSeenCap {
		// Crude trim; dedup only needs to cover the recent window.
		for k := range set {
			delete(set, k)
			if len(set) < whatsappSeenCap/2 {
				break
			}
		}
	}
	set[id] = true
}

// openChat clicks the chat row whose title matches chat.
func (w *WhatsAppWeb) openChat(ctx context.Context, chat string) error {
	name, _ := json.Marshal(chat)
	script := fmt.Sprintf(`
		(function() {
			var items = document.querySelectorAll(%q);
			for (var i = 0; i < items.length; i++) {
				var t = items[i].querySelector(%q);
				if (t && (t.getAttribute('title') === %s || t.textContent === %s)) {
					items[i].click();
					return true;
				}
			}
			return false;
		})()`,
		w.profile.ChatItem, w.profile.ChatTitle, name, name)

	var found bool
	if err := w.eval(ctx, script, &found); err != nil {
		return fmt.Errorf("open chat: %w", err)
	}
	if !found {
		return fmt.Errorf("chat %q not found in list", chat)
	}

	w.mu.Lock()
	sess := w.sess
	w.mu.Unlock()
	if sess == nil {
		return domain.ErrNotConnected
	}
	return sess.Run(ctx, chromedp.Sleep(500*time.Millisecond))
}

func (w *WhatsAppWeb) SendMessage(ctx context.Context, chatID, content string, opts *domain.SendOptions) error {
	if err := w.ensureConnected(ctx, w.Connect); err != nil {
		return err
	}
	if err := w.requireConnected(); err != nil {
		return err
	}

	// UI automation can only type; media rides along as a link.
	if opts != nil && opts.MediaURL != "" {
		content = content + "\n" + opts.MediaURL
	}

	return w.guard(ctx, func(ctx context.Context) error {
		if err := w.openChat(ctx, chatID); err != nil {
			return err
		}
		w.mu.Lock()
		sess := w.sess
		w.mu.Unlock()
		if sess == nil {
			return domain.ErrNotConnected
		}
		// "\r" presses Enter, which submits in WhatsApp Web.
		if err := sess.Run(ctx,
			chromedp.WaitVisible(w.profile.Input, chromedp.ByQuery),
			chromedp.Click(w.profile.Input, chromedp.ByQuery),
			chromedp.SendKeys(w.profile.Input, content+"\r", chromedp.ByQuery),
		); err != nil {
			return fmt.Errorf("whatsapp send: %w", err)
		}
		return nil
	})
}

func (w *WhatsAppWeb) Chats(ctx context.Context) ([]domain.Chat, error) {
	if err := w.requireConnected(); err != nil {
		return nil, err
	}

	script := fmt.Sprintf(`
		(function() {
			var items = document.querySelectorAll(%q);
			var out = [];
			for (var i = 0; i < items.length; i++) {
				var t = items[i].querySelector(%q);
				if (t) out.push(t.getAttribute('title') || t.textContent || '');
			}
			return JSON.stringify(out);
		})()`,
		w.profile.ChatItem, w.profile.ChatTitle)

	var titles []string
	if err := w.evalJSON(ctx, script, &titles); err != nil {
		return nil, fmt.Errorf("list chats: %w", err)
	}

	out := make([]domain.Chat, 0, len(titles))
	for _, t := range titles {
		if t == "" {
			continue
		}
		out = append(out, domain.Chat{ID: t, Name: t, Type: domain.ChatIndividual})
	}
	return out, nil
}

func (w *WhatsAppWeb) Messages(ctx context.Context, chatID string, limit int) ([]domain.Message, error) {
	if err := w.requireConnected(); err != nil {
		return nil, err
	}
	if err := w.openChat(ctx, chatID); err != nil {
		return nil, err
	}
	if limit <= 0 {
		limit = whatsappReadBatch
	}

	script := fmt.Sprintf(`
		(function() {
			var nodes = document.querySelectorAll(%q);
			var out = [];
			var start = Math.max(0, nodes.length - %d);
			for (var i = start; i < nodes.length; i++) {
				var el = nodes[i].querySelector('span.selectable-text') || nodes[i];
				out.push({
					id: nodes[i].getAttribute('data-id') || '',
					text: el.innerText || el.textContent || '',
					out: nodes[i].matches(%q)
				});
			}
			return JSON.stringify(out);
		})()`,
		w.profile.MessageIn+", "+w.profile.MessageOut, limit, w.profile.MessageOut)

	var raw []struct {
		ID   string `json:"id"`
		Text string `json:"text"`
		Out  bool   `json:"out"`
	}
	if err := w.evalJSON(ctx, script, &raw); err != nil {
		return nil, fmt.Errorf("read messages: %w", err)
	}

	out := make([]domain.Message, 0, len(raw))
	for _, m := range raw {
		id := m.ID
		if id == "" {
			id = "local-" + uuid.NewString()
		}
		dir := domain.DirectionIncoming
		if m.Out {
			dir = domain.DirectionOutgoing
		}
		out = append(out, domain.Message{
			ID:          id,
			ChatID:      chatID,
			Direction:   dir,
			Content:     m.Text,
			ContentType: domain.ContentText,
			Timestamp:   time.Now(),
		})
	}
	return out, nil
}
