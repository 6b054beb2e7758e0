package adapter

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"sync"
	"time"

	"chatbridge/internal/domain"
	"chatbridge/internal/resilience"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
)

const telegramHistoryCap = 100

// Telegram is the API-style adapter for Telegram bots. Inbound messages are
// pulled with offset-based getUpdates polling; the Bot API exposes no chat
// directory, so Chats and Messages answer from what the polling loop has
// seen.
type Telegram struct {
	*Core

	mu      sync.Mutex
	bot     *tgbotapi.BotAPI
	offset  int
	chats   map[string]domain.Chat
	history map[string][]domain.Message
}

func NewTelegram(breaker *resilience.Breaker, retry resilience.RetryConfig, logger *slog.Logger) *Telegram {
	return &Telegram{
		Core:    newCore(domain.PlatformTelegram, breaker, retry, logger),
		chats:   make(map[string]domain.Chat),
		history: make(map[string][]domain.Message),
	}
}

func (t *Telegram) Connect(ctx context.Context, cfg domain.ConnectionConfig) error {
	if err := cfg.Credentials.Validate(domain.PlatformTelegram); err != nil {
		t.setStatus(domain.StatusError)
		return err
	}

	t.setStatus(domain.StatusConnecting)

	// NewBotAPI performs the getMe probe, so this validates both the token
	// and connectivity in one call.
	bot, err := tgbotapi.NewBotAPI(cfg.Credentials.Telegram.BotToken)
	if err != nil {
		t.setStatus(domain.StatusError)
		return fmt.Errorf("telegram connect: %w", err)
	}

	t.mu.Lock()
	t.bot = bot
	t.mu.Unlock()

	t.rememberConfig(cfg)
	t.setStatus(domain.StatusConnected)
	t.logger.Info("telegram bot connected", "username", bot.Self.UserName, "id", bot.Self.ID)

	t.startPolling(pollInterval(cfg.Options, domain.PlatformTelegram), t.poll)
	return nil
}

func (t *Telegram) Disconnect(ctx context.Context) error {
	t.shutdown()
	t.mu.Lock()
	t.bot = nil
	t.mu.Unlock()
	return nil
}

func (t *Telegram) poll(ctx context.Context) error {
	t.mu.Lock()
	bot := t.bot
	offset := t.offset
	t.mu.Unlock()
	if bot == nil {
		return fmt.Errorf("telegram poll: %w", domain.ErrNotConnected)
	}

	u := tgbotapi.NewUpdate(offset + 1)
	u.Timeout = 0
	updates, err := bot.GetUpdates(u)
	if err != nil {
		return fmt.Errorf("telegram getUpdates: %w", err)
	}

	for _, update := range updates {
		t.mu.Lock()
		if update.UpdateID > t.offset {
			t.offset = update.UpdateID
		}
		t.mu.Unlock()

		if update.Message == nil || update.Message.From == nil || update.Message.Chat == nil {
			continue
		}
		// The bot's own messages come back through getUpdates in group
		// chats; only inbound traffic reaches the pipeline.
		if update.Message.From.ID == bot.Self.ID {
			continue
		}

		msg := t.toMessage(update.Message)
		t.recordChat(update.Message.Chat)
		t.recordMessage(msg)
		t.emitMessage(msg)
	}
	return nil
}

func (t *Telegram) toMessage(m *tgbotapi.Message) domain.Message {
	msg := domain.Message{
		ID:          strconv.Itoa(m.MessageID),
		ChatID:      strconv.FormatInt(m.Chat.ID, 10),
		Direction:   domain.DirectionIncoming,
		Content:     m.Text,
		ContentType: domain.ContentText,
		Timestamp:   time.Unix(int64(m.Date), 0),
		SenderID:    strconv.FormatInt(m.From.ID, 10),
		SenderName:  m.From.UserName,
	}
	switch {
	case len(m.Photo) > 0:
		msg.ContentType = domain.ContentImage
		msg.Content = m.Caption
	case m.Video != nil:
		msg.ContentType = domain.ContentVideo
		msg.Content = m.Caption
	case m.Voice != nil || m.Audio != nil:
		msg.ContentType = domain.ContentAudio
		msg.Content = m.Caption
	case m.Document != nil:
		msg.ContentType = domain.ContentDocument
		msg.Content = m.Caption
	}
	return msg
}

func (t *Telegram) recordChat(c *tgbotapi.Chat) {
	chat := domain.Chat{
		ID:   strconv.FormatInt(c.ID, 10),
		Name: c.Title,
		Type: domain.ChatGroup,
	}
	if c.IsPrivate() {
		chat.Type = domain.ChatIndividual
		chat.Name = c.UserName
		if chat.Name == "" {
			chat.Name = c.FirstName
		}
	}
	t.mu.Lock()
	t.chats[chat.ID] = chat
	t.mu.Unlock()
}

func (t *Telegram) recordMessage(msg domain.Message) {
	t.mu.Lock()
	defer t.mu.Unlock()
	h := append(t.history[msg.ChatID], msg)
	if len(h) > telegramHistoryCap {
		h = h[len(h)-telegramHistoryCap:]
	}
	t.history[msg.ChatID] = h
}

func (t *Telegram) SendMessage(ctx context.Context, chatID, content string, opts *domain.SendOptions) error {
	if err := t.ensureConnected(ctx, t.Connect); err != nil {
		return err
	}
	if err := t.requireConnected(); err != nil {
		return err
	}

	id, err := strconv.ParseInt(chatID, 10, 64)
	if err != nil {
		return fmt.Errorf("invalid telegram chat id %q: %w", chatID, err)
	}

	return t.guard(ctx, func(ctx context.Context) error {
		t.mu.Lock()
		bot := t.bot
		t.mu.Unlock()
		if bot == nil {
			return domain.ErrNotConnected
		}
		_, err := bot.Send(telegramChattable(id, content, opts))
		if err != nil {
			return fmt.Errorf("telegram send: %w", err)
		}
		return nil
	})
}

func telegramChattable(chatID int64, content string, opts *domain.SendOptions) tgbotapi.Chattable {
	if opts == nil || (opts.MediaURL == "" && opts.MediaPath == "") {
		return tgbotapi.NewMessage(chatID, content)
	}

	var file tgbotapi.RequestFileData
	if opts.MediaURL != "" {
		file = tgbotapi.FileURL(opts.MediaURL)
	} else {
		file = tgbotapi.FilePath(opts.MediaPath)
	}

	switch opts.MediaType {
	case domain.ContentImage:
		photo := tgbotapi.NewPhoto(chatID, file)
		photo.Caption = content
		return photo
	case domain.ContentVideo:
		video := tgbotapi.NewVideo(chatID, file)
		video.Caption = content
		return video
	case domain.ContentAudio:
		audio := tgbotapi.NewAudio(chatID, file)
		audio.Caption = content
		return audio
	default:
		doc := tgbotapi.NewDocument(chatID, file)
		doc.Caption = content
		return doc
	}
}

func (t *Telegram) Chats(ctx context.Context) ([]domain.Chat, error) {
	if err := t.requireConnected(); err != nil {
		return nil, err
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]domain.Chat, 0, len(t.chats))
	for _, c := range t.chats {
		out = append(out, c)
	}
	return out, nil
}

func (t *Telegram) Messages(ctx context.Context, chatID string, limit int) ([]domain.Message, error) {
	if err := t.requireConnected(); err != nil {
		return nil, err
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	h := t.history[chatID]
	if limit > 0 && len(h) > limit {
		h = h[len(h)-limit:]
	}
	out := make([]domain.Message, len(h))
	copy(out, h)
	return out, nil
}
