package adapter

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"

	"chatbridge/internal/domain"
	"chatbridge/internal/resilience"

	"github.com/bwmarrin/discordgo"
)

const discordHistoryPageSize = 50

// Discord is the API-style adapter for Discord bots. It deliberately skips
// the gateway websocket and polls channel history over REST, so inbound
// delivery follows the same tick-based model as every other adapter.
type Discord struct {
	*Core

	mu      sync.Mutex
	session *discordgo.Session
	selfID  string
	guildID string
	lastID  map[string]string // channel id -> newest delivered message id
}

func NewDiscord(breaker *resilience.Breaker, retry resilience.RetryConfig, logger *slog.Logger) *Discord {
	return &Discord{
		Core:   newCore(domain.PlatformDiscord, breaker, retry, logger),
		lastID: make(map[string]string),
	}
}

func (d *Discord) Connect(ctx context.Context, cfg domain.ConnectionConfig) error {
	if err := cfg.Credentials.Validate(domain.PlatformDiscord); err != nil {
		d.setStatus(domain.StatusError)
		return err
	}

	d.setStatus(domain.StatusConnecting)

	session, err := discordgo.New("Bot " + cfg.Credentials.Discord.BotToken)
	if err != nil {
		d.setStatus(domain.StatusError)
		return fmt.Errorf("discord session: %w", err)
	}

	self, err := session.User("@me", discordgo.WithContext(ctx))
	if err != nil {
		d.setStatus(domain.StatusError)
		return fmt.Errorf("discord auth probe: %w", err)
	}

	d.mu.Lock()
	d.session = session
	d.selfID = self.ID
	d.guildID = cfg.Credentials.Discord.GuildID
	d.mu.Unlock()

	d.rememberConfig(cfg)
	d.setStatus(domain.StatusConnected)
	d.logger.Info("discord bot connected", "username", self.Username, "id", self.ID)

	d.startPolling(pollInterval(cfg.Options, domain.PlatformDiscord), d.poll)
	return nil
}

func (d *Discord) Disconnect(ctx context.Context) error {
	d.shutdown()
	d.mu.Lock()
	d.session = nil
	d.mu.Unlock()
	return nil
}

func (d *Discord) textChannels(ctx context.Context) ([]*discordgo.Channel, error) {
	d.mu.Lock()
	session := d.session
	guildID := d.guildID
	d.mu.Unlock()
	if session == nil {
		return nil, domain.ErrNotConnected
	}

	var channels []*discordgo.Channel
	if guildID != "" {
		guildChannels, err := session.GuildChannels(guildID, discordgo.WithContext(ctx))
		if err != nil {
			return nil, fmt.Errorf("discord guild channels: %w", err)
		}
		for _, ch := range guildChannels {
			if ch.Type == discordgo.ChannelTypeGuildText {
				channels = append(channels, ch)
			}
		}
	}
	dms, err := session.UserChannels(discordgo.WithContext(ctx))
	if err != nil {
		return nil, fmt.Errorf("discord dm channels: %w", err)
	}
	channels = append(channels, dms...)
	return channels, nil
}

func (d *Discord) poll(ctx context.Context) error {
	channels, err := d.textChannels(ctx)
	if err != nil {
		return fmt.Errorf("discord poll: %w", err)
	}
	for _, ch := range channels {
		if err := d.pollChannel(ctx, ch.ID); err != nil {
			d.logger.Warn("discord history fetch failed", "channel", ch.ID, "err", err)
		}
	}
	return nil
}

func (d *Discord) pollChannel(ctx context.Context, channelID string) error {
	d.mu.Lock()
	session := d.session
	selfID := d.selfID
	after := d.lastID[channelID]
	d.mu.Unlock()
	if session == nil {
		return domain.ErrNotConnected
	}

	msgs, err := session.ChannelMessages(channelID, discordHistoryPageSize, "", after, "", discordgo.WithContext(ctx))
	if err != nil {
		return err
	}
	if len(msgs) == 0 {
		return nil
	}

	// Response order flips between anchor-less (newest first) and after
	// queries (oldest first), so never trust position: sort by id and
	// advance the watermark to the batch maximum.
	ordered, newest := orderHistory(msgs)

	// First pass only sets the watermark so old history is not replayed
	// on connect.
	if after == "" {
		d.mu.Lock()
		d.lastID[channelID] = newest
		d.mu.Unlock()
		return nil
	}

	for _, m := range ordered {
		if m.Author == nil || m.Author.ID == selfID || m.Author.Bot {
			continue
		}
		d.emitMessage(discordToMessage(m))
	}

	d.mu.Lock()
	d.lastID[channelID] = newest
	d.mu.Unlock()
	return nil
}

// orderHistory sorts a history batch oldest first by snowflake id and
// returns the newest id in the batch.
func orderHistory(msgs []*discordgo.Message) ([]*discordgo.Message, string) {
	ordered := make([]*discordgo.Message, len(msgs))
	copy(ordered, msgs)
	sort.Slice(ordered, func(i, j int) bool { return snowflakeLess(ordered[i].ID, ordered[j].ID) })
	return ordered, ordered[len(ordered)-1].ID
}

// snowflakeLess compares two decimal snowflake ids numerically.
func snowflakeLess(a, b string) bool {
	if len(a) != len(b) {
		return len(a) < len(b)
	}
	return a < b
}

func discordToMessage(m *discordgo.Message) domain.Message {
	msg := domain.Message{
		ID:          m.ID,
		ChatID:      m.ChannelID,
		Direction:   domain.DirectionIncoming,
		Content:     m.Content,
		ContentType: domain.ContentText,
		Timestamp:   m.Timestamp,
		SenderID:    m.Author.ID,
		SenderName:  m.Author.Username,
	}
	if len(m.Attachments) > 0 {
		a := m.Attachments[0]
		msg.MediaURL = a.URL
		switch {
		case strings.HasPrefix(a.ContentType, "image"):
			msg.ContentType = domain.ContentImage
		case strings.HasPrefix(a.ContentType, "video"):
			msg.ContentType = domain.ContentVideo
		case strings.HasPrefix(a.ContentType, "audio"):
			msg.ContentType = domain.ContentAudio
		default:
			msg.ContentType = domain.ContentDocument
		}
	}
	return msg
}

func (d *Discord) SendMessage(ctx context.Context, chatID, content string, opts *domain.SendOptions) error {
	if err := d.ensureConnected(ctx, d.Connect); err != nil {
		return err
	}
	if err := d.requireConnected(); err != nil {
		return err
	}

	return d.guard(ctx, func(ctx context.Context) error {
		d.mu.Lock()
		session := d.session
		d.mu.Unlock()
		if session == nil {
			return domain.ErrNotConnected
		}

		if opts != nil && opts.MediaURL != "" {
			send := &discordgo.MessageSend{Content: content}
			if opts.MediaType == domain.ContentImage {
				send.Embeds = []*discordgo.MessageEmbed{{Image: &discordgo.MessageEmbedImage{URL: opts.MediaURL}}}
			} else {
				send.Content = content + "\n" + opts.MediaURL
			}
			if _, err := session.ChannelMessageSendComplex(chatID, send, discordgo.WithContext(ctx)); err != nil {
				return fmt.Errorf("discord send: %w", err)
			}
			return nil
		}

		if _, err := session.ChannelMessageSend(chatID, content, discordgo.WithContext(ctx)); err != nil {
			return fmt.Errorf("discord send: %w", err)
		}
		return nil
	})
}

func (d *Discord) Chats(ctx context.Context) ([]domain.Chat, error) {
	if err := d.requireConnected(); err != nil {
		return nil, err
	}
	channels, err := d.textChannels(ctx)
	if err != nil {
		return nil, err
	}
	out := make([]domain.Chat, 0, len(channels))
	for _, ch := range channels {
		chat := domain.Chat{ID: ch.ID, Name: ch.Name, Type: domain.ChatGroup}
		if ch.Type == discordgo.ChannelTypeDM {
			chat.Type = domain.ChatIndividual
			if len(ch.Recipients) > 0 {
				chat.Name = ch.Recipients[0].Username
			}
		}
		out = append(out, chat)
	}
	return out, nil
}

func (d *Discord) Messages(ctx context.Context, chatID string, limit int) ([]domain.Message, error) {
	if err := d.requireConnected(); err != nil {
		return nil, err
	}
	d.mu.Lock()
	session := d.session
	d.mu.Unlock()
	if session == nil {
		return nil, domain.ErrNotConnected
	}

	if limit <= 0 {
		limit = discordHistoryPageSize
	}
	msgs, err := session.ChannelMessages(chatID, limit, "", "", "", discordgo.WithContext(ctx))
	if err != nil {
		return nil, fmt.Errorf("discord history: %w", err)
	}
	out := make([]domain.Message, 0, len(msgs))
	for i := len(msgs) - 1; i >= 0; i-- {
		out = append(out, discordToMessage(msgs[i]))
	}
	return out, nil
}
