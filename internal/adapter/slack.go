package adapter

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"sync"
	"time"

	"chatbridge/internal/domain"
	"chatbridge/internal/resilience"

	"github.com/slack-go/slack"
)

const slackHistoryPageSize = 50

// Slack is the API-style adapter for Slack bots. It polls conversation
// history deltas per channel rather than using Socket Mode, so one code path
// serves public channels, private channels and DMs.
type Slack struct {
	*Core

	mu       sync.Mutex
	client   *slack.Client
	botUID   string
	lastSeen map[string]string // channel id -> newest delivered message ts
}

func NewSlack(breaker *resilience.Breaker, retry resilience.RetryConfig, logger *slog.Logger) *Slack {
	return &Slack{
		Core:     newCore(domain.PlatformSlack, breaker, retry, logger),
		lastSeen: make(map[string]string),
	}
}

func (s *Slack) Connect(ctx context.Context, cfg domain.ConnectionConfig) error {
	if err := cfg.Credentials.Validate(domain.PlatformSlack); err != nil {
		s.setStatus(domain.StatusError)
		return err
	}

	s.setStatus(domain.StatusConnecting)

	client := slack.New(cfg.Credentials.Slack.BotToken)
	auth, err := client.AuthTestContext(ctx)
	if err != nil {
		s.setStatus(domain.StatusError)
		return fmt.Errorf("slack auth probe: %w", err)
	}

	s.mu.Lock()
	s.client = client
	s.botUID = auth.UserID
	s.mu.Unlock()

	s.rememberConfig(cfg)
	s.setStatus(domain.StatusConnected)
	s.logger.Info("slack bot connected", "user", auth.User, "user_id", auth.UserID, "team", auth.Team)

	s.startPolling(pollInterval(cfg.Options, domain.PlatformSlack), s.poll)
	return nil
}

func (s *Slack) Disconnect(ctx context.Context) error {
	s.shutdown()
	s.mu.Lock()
	s.client = nil
	s.mu.Unlock()
	return nil
}

func (s *Slack) poll(ctx context.Context) error {
	s.mu.Lock()
	client := s.client
	s.mu.Unlock()
	if client == nil {
		return fmt.Errorf("slack poll: %w", domain.ErrNotConnected)
	}

	channels, _, err := client.GetConversationsContext(ctx, &slack.GetConversationsParameters{
		Types:           []string{"public_channel", "private_channel", "im"},
		ExcludeArchived: true,
		Limit:           200,
	})
	if err != nil {
		return fmt.Errorf("slack conversations list: %w", err)
	}

	for _, ch := range channels {
		if err := s.pollChannel(ctx, client, ch.ID); err != nil {
			// Per-channel failure; keep scanning the rest.
			s.logger.Warn("slack history fetch failed", "channel", ch.ID, "err", err)
		}
	}
	return nil
}

func (s *Slack) pollChannel(ctx context.Context, client *slack.Client, channelID string) error {
	s.mu.Lock()
	oldest := s.lastSeen[channelID]
	botUID := s.botUID
	s.mu.Unlock()

	resp, err := client.GetConversationHistoryContext(ctx, &slack.GetConversationHistoryParameters{
		ChannelID: channelID,
		Oldest:    oldest,
		Limit:     slackHistoryPageSize,
	})
	if err != nil {
		return err
	}
	if len(resp.Messages) == 0 {
		return nil
	}

	// Newest first in the API response. On the first pass just remember the
	// watermark so connecting doesn't replay old history.
	if oldest == "" {
		s.mu.Lock()
		s.lastSeen[channelID] = resp.Messages[0].Timestamp
		s.mu.Unlock()
		return nil
	}

	newest := oldest
	for i := len(resp.Messages) - 1; i >= 0; i-- {
		m := resp.Messages[i]
		if m.Timestamp > newest {
			newest = m.Timestamp
		}
		if m.Timestamp == oldest {
			continue
		}
		// Skip the bot's own traffic and non-user events (joins, bot posts).
		if m.User == botUID || m.BotID != "" || m.SubType != "" {
			continue
		}
		s.emitMessage(slackToMessage(channelID, m))
	}

	s.mu.Lock()
	s.lastSeen[channelID] = newest
	s.mu.Unlock()
	return nil
}

func slackToMessage(channelID string, m slack.Message) domain.Message {
	msg := domain.Message{
		ID:          m.Timestamp,
		ChatID:      channelID,
		Direction:   domain.DirectionIncoming,
		Content:     m.Text,
		ContentType: domain.ContentText,
		Timestamp:   slackTimestamp(m.Timestamp),
		SenderID:    m.User,
		SenderName:  m.Username,
	}
	if len(m.Files) > 0 {
		f := m.Files[0]
		msg.MediaURL = f.URLPrivate
		switch {
		case strings.HasPrefix(f.Mimetype, "image"):
			msg.ContentType = domain.ContentImage
		case strings.HasPrefix(f.Mimetype, "video"):
			msg.ContentType = domain.ContentVideo
		case strings.HasPrefix(f.Mimetype, "audio"):
			msg.ContentType = domain.ContentAudio
		default:
			msg.ContentType = domain.ContentDocument
		}
	}
	return msg
}

// slackTimestamp parses the "seconds.fraction" ts format.
func slackTimestamp(ts string) time.Time {
	f, err := strconv.ParseFloat(ts, 64)
	if err != nil {
		return time.Now()
	}
	sec := int64(f)
	nsec := int64((f - float64(sec)) * 1e9)
	return time.Unix(sec, nsec)
}

func (s *Slack) SendMessage(ctx context.Context, chatID, content string, opts *domain.SendOptions) error {
	if err := s.ensureConnected(ctx, s.Connect); err != nil {
		return err
	}
	if err := s.requireConnected(); err != nil {
		return err
	}

	msgOpts := []slack.MsgOption{slack.MsgOptionText(content, false)}
	if opts != nil && opts.MediaURL != "" {
		msgOpts = append(msgOpts, slack.MsgOptionAttachments(slack.Attachment{
			ImageURL: opts.MediaURL,
			Text:     content,
		}))
	}

	return s.guard(ctx, func(ctx context.Context) error {
		s.mu.Lock()
		client := s.client
		s.mu.Unlock()
		if client == nil {
			return domain.ErrNotConnected
		}
		if _, _, err := client.PostMessageContext(ctx, chatID, msgOpts...); err != nil {
			return fmt.Errorf("slack send: %w", err)
		}
		return nil
	})
}

func (s *Slack) Chats(ctx context.Context) ([]domain.Chat, error) {
	if err := s.requireConnected(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	client := s.client
	s.mu.Unlock()
	if client == nil {
		return nil, domain.ErrNotConnected
	}

	channels, _, err := client.GetConversationsContext(ctx, &slack.GetConversationsParameters{
		Types:           []string{"public_channel", "private_channel", "im"},
		ExcludeArchived: true,
		Limit:           200,
	})
	if err != nil {
		return nil, fmt.Errorf("slack conversations list: %w", err)
	}

	out := make([]domain.Chat, 0, len(channels))
	for _, ch := range channels {
		chat := domain.Chat{ID: ch.ID, Name: ch.Name, Type: domain.ChatGroup}
		if ch.IsIM {
			chat.Type = domain.ChatIndividual
			chat.Name = ch.User
		}
		out = append(out, chat)
	}
	return out, nil
}

func (s *Slack) Messages(ctx context.Context, chatID string, limit int) ([]domain.Message, error) {
	if err := s.requireConnected(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	client := s.client
	s.mu.Unlock()
	if client == nil {
		return nil, domain.ErrNotConnected
	}

	if limit <= 0 {
		limit = slackHistoryPageSize
	}
	resp, err := client.GetConversationHistoryContext(ctx, &slack.GetConversationHistoryParameters{
		ChannelID: chatID,
		Limit:     limit,
	})
	if err != nil {
		return nil, fmt.Errorf("slack history: %w", err)
	}

	out := make([]domain.Message, 0, len(resp.Messages))
	for i := len(resp.Messages) - 1; i >= 0; i-- {
		out = append(out, slackToMessage(chatID, resp.Messages[i]))
	}
	return out, nil
}
