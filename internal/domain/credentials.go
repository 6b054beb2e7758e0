package domain

import "fmt"

// Credentials is a tagged union: exactly one variant is set, matching the
// connection's platform. The manager treats it as opaque; only Validate and
// the owning adapter look inside.
type Credentials struct {
	Telegram    *TelegramCredentials
	Slack       *SlackCredentials
	Discord     *DiscordCredentials
	WhatsAppWeb *WhatsAppWebCredentials
}

// TelegramCredentials authenticates a Telegram bot.
type TelegramCredentials struct {
	BotToken string
}

// SlackCredentials authenticates a Slack bot (xoxb token).
type SlackCredentials struct {
	BotToken string
}

// DiscordCredentials authenticates a Discord bot. GuildID restricts polling
// to one guild's channels; empty means DM channels only.
type DiscordCredentials struct {
	BotToken string
	GuildID  string
}

// WhatsAppWebCredentials identifies a WhatsApp Web session. Login itself is an
// out-of-band QR scan; Phone is informational and the browser profile holds
// the real session state.
type WhatsAppWebCredentials struct {
	Phone string
}

// Validate checks that the variant for platform is present and complete.
// This is a configuration error path: it fails fast and is never retried.
func (c Credentials) Validate(platform PlatformType) error {
	switch platform {
	case PlatformTelegram:
		if c.Telegram == nil || c.Telegram.BotToken == "" {
			return fmt.Errorf("%w: telegram bot token", ErrMissingCredentials)
		}
	case PlatformSlack:
		if c.Slack == nil || c.Slack.BotToken == "" {
			return fmt.Errorf("%w: slack bot token", ErrMissingCredentials)
		}
	case PlatformDiscord:
		if c.Discord == nil || c.Discord.BotToken == "" {
			return fmt.Errorf("%w: discord bot token", ErrMissingCredentials)
		}
	case PlatformWhatsAppWeb:
		// QR login needs no upfront secret; the variant must still be present
		// so callers consciously opt in to the manual flow.
		if c.WhatsAppWeb == nil {
			return fmt.Errorf("%w: whatsapp-web credentials block", ErrMissingCredentials)
		}
	default:
		return fmt.Errorf("unsupported platform: %s", platform)
	}
	return nil
}
