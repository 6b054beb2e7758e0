package adapter

import (
	"fmt"
	"log/slog"

	"chatbridge/internal/browser"
	"chatbridge/internal/domain"
	"chatbridge/internal/resilience"
)

// Deps carries everything an adapter needs from the process wiring. Breakers
// are keyed by platform, so all connections of one platform share a breaker.
type Deps struct {
	ConnectionID string
	Pool         *browser.Pool
	Profiles     map[string]SelectorProfile
	Breakers     *resilience.Registry
	Retry        resilience.RetryConfig
	Logger       *slog.Logger
}

// New constructs the adapter for platform.
func New(platform domain.PlatformType, d Deps) (domain.Adapter, error) {
	breaker := d.Breakers.Get(string(platform))

	switch platform {
	case domain.PlatformTelegram:
		return NewTelegram(breaker, d.Retry, d.Logger), nil
	case domain.PlatformSlack:
		return NewSlack(breaker, d.Retry, d.Logger), nil
	case domain.PlatformDiscord:
		return NewDiscord(breaker, d.Retry, d.Logger), nil
	case domain.PlatformWhatsAppWeb:
		if d.Pool == nil {
			return nil, fmt.Errorf("platform %s requires a browser pool", platform)
		}
		profile, ok := d.Profiles[string(platform)]
		if !ok {
			profile = DefaultWhatsAppProfile()
		}
		return NewWhatsAppWeb(d.ConnectionID, d.Pool, profile, breaker, d.Retry, d.Logger), nil
	default:
		return nil, fmt.Errorf("unsupported platform: %s", platform)
	}
}
