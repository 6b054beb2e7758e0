package adapter

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"
)

// SelectorProfile holds the CSS selectors an automation-style adapter needs
// to drive a platform's web client. Profiles can be overridden from YAML so a
// platform UI change doesn't require a rebuild.
type SelectorProfile struct {
	URL         string `yaml:"url"`
	QRCode      string `yaml:"qrCode"`      // login QR canvas, visible when logged out
	ChatList    string `yaml:"chatList"`    // chat list container, visible when logged in
	ChatItem    string `yaml:"chatItem"`    // one chat row in the list
	ChatTitle   string `yaml:"chatTitle"`   // title element inside a chat row
	UnreadBadge string `yaml:"unreadBadge"` // unread counter inside a chat row
	SearchBox   string `yaml:"searchBox"`   // chat search input
	MessageIn   string `yaml:"messageIn"`   // inbound message bubbles in an open chat
	MessageOut  string `yaml:"messageOut"`  // outbound message bubbles in an open chat
	Input       string `yaml:"input"`       // message compose box
}

// DefaultWhatsAppProfile returns the built-in selectors for WhatsApp Web.
func DefaultWhatsAppProfile() SelectorProfile {
	return SelectorProfile{
		URL:         "https://web.whatsapp.com",
		QRCode:      "canvas[aria-label]",
		ChatList:    "#pane-side",
		ChatItem:    "#pane-side [role='listitem']",
		ChatTitle:   "span[title]",
		UnreadBadge: "span[aria-label*='unread']",
		SearchBox:   "div[contenteditable='true'][data-tab='3']",
		MessageIn:   "div.message-in",
		MessageOut:  "div.message-out",
		Input:       "div[contenteditable='true'][data-tab='10']",
	}
}

// LoadProfiles reads selector profiles from YAML files in dir, keyed by file
// name (e.g. whatsapp-web.yaml -> "whatsapp-web"). A missing directory is not
// an error; unreadable files are skipped with a warning.
func LoadProfiles(dir string, logger *slog.Logger) (map[string]SelectorProfile, error) {
	profiles := map[string]SelectorProfile{
		"whatsapp-web": DefaultWhatsAppProfile(),
	}

	if _, err := os.Stat(dir); os.IsNotExist(err) {
		return profiles, nil
	}

	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("read profiles dir: %w", err)
	}

	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		name := entry.Name()
		if !strings.HasSuffix(name, ".yaml") && !strings.HasSuffix(name, ".yml") {
			continue
		}

		path := filepath.Join(dir, name)
		data, err := os.ReadFile(path)
		if err != nil {
			logger.Warn("cannot read selector profile", "path", path, "err", err)
			continue
		}

		key := strings.TrimSuffix(name, filepath.Ext(name))
		profile := profiles[key] // start from the built-in, override set fields
		if err := yaml.Unmarshal(data, &profile); err != nil {
			logger.Warn("cannot parse selector profile", "path", path, "err", err)
			continue
		}
		profiles[key] = profile
		logger.Info("loaded selector profile", "platform", key, "path", path)
	}

	return profiles, nil
}
