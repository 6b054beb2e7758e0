package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"

	"chatbridge/internal/domain"
)

// Config is the root configuration for ChatBridge.
type Config struct {
	General     GeneralConfig     `json:"general"`
	Database    DatabaseConfig    `json:"database"`
	Responder   ResponderConfig   `json:"responder"`
	Resilience  ResilienceConfig  `json:"resilience"`
	Browser     BrowserConfig     `json:"browser"`
	Notify      NotifyConfig      `json:"notify"`
	Metrics     MetricsConfig     `json:"metrics"`
	Session     SessionConfig     `json:"session"`
	Connections []ConnectionEntry `json:"connections"`
}

type GeneralConfig struct {
	LogLevel string `json:"logLevel"`
	LogFile  string `json:"logFile,omitempty"` // optional log file path
}

type DatabaseConfig struct {
	Path string `json:"path"`
}

type ResponderConfig struct {
	APIBase      string `json:"apiBase,omitempty"`
	APIKey       string `json:"apiKey"`
	Model        string `json:"model,omitempty"`
	SystemPrompt string `json:"systemPrompt,omitempty"`
}

// ResilienceConfig tunes the circuit breaker and retry policy shared by all
// platform adapters.
type ResilienceConfig struct {
	FailureThreshold   int      `json:"failureThreshold"`
	ResetTimeoutSec    int      `json:"resetTimeoutSeconds"`
	MonitorWindowSec   int      `json:"monitoringWindowSeconds"`
	MaxRetries         int      `json:"maxRetries"`
	InitialDelayMs     int      `json:"initialDelayMs"`
	MaxDelayMs         int      `json:"maxDelayMs"`
	BackoffMultiplier  float64  `json:"backoffMultiplier"`
	RetryableErrors    []string `json:"retryableErrors,omitempty"` // empty = built-in list
}

type BrowserConfig struct {
	Headless    bool   `json:"headless"`
	ProfilesDir string `json:"profilesDir,omitempty"`
	SelectorDir string `json:"selectorDir,omitempty"` // YAML selector profile overrides
}

type NotifyConfig struct {
	Enabled bool   `json:"enabled"`
	Port    int    `json:"port"`
	Path    string `json:"path,omitempty"`
}

// MetricsConfig configures the observability / Prometheus metrics.
type MetricsConfig struct {
	Enabled  bool   `json:"enabled"`
	Port     int    `json:"port"`
	Endpoint string `json:"endpoint"`
}

type SessionConfig struct {
	MaxAgeDays       int `json:"maxAgeDays"`
	SweepIntervalMin int `json:"sweepIntervalMinutes"`
}

// ConnectionEntry declares one chatbot-to-platform connection to establish at
// startup.
type ConnectionEntry struct {
	ID          string             `json:"id"`
	TenantID    string             `json:"tenantId"`
	ChatbotID   string             `json:"chatbotId"`
	Platform    string             `json:"platform"`
	Credentials CredentialsEntry   `json:"credentials"`
	Options     ConnectionOptions  `json:"options,omitempty"`
}

type CredentialsEntry struct {
	BotToken    string `json:"botToken,omitempty"`
	AppToken    string `json:"appToken,omitempty"`
	GuildID     string `json:"guildId,omitempty"`
	PhoneNumber string `json:"phoneNumber,omitempty"`
}

type ConnectionOptions struct {
	PollIntervalSec int    `json:"pollIntervalSeconds,omitempty"`
	AuthWaitSec     int    `json:"authWaitSeconds,omitempty"`
	Proxy           string `json:"proxy,omitempty"`
	ProfileDir      string `json:"profileDir,omitempty"`
}

// DefaultConfigDir returns the default config directory (~/.chatbridge).
func DefaultConfigDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".chatbridge"
	}
	return filepath.Join(home, ".chatbridge")
}

func DefaultConfigPath() string {
	return filepath.Join(DefaultConfigDir(), "config.json")
}

func Load(path string) (*Config, error) {
	if strings.HasPrefix(path, "~/") {
		home, err := os.UserHomeDir()
		if err != nil {
			return nil, fmt.Errorf("cannot resolve home directory: %w", err)
		}
		path = filepath.Join(home, path[2:])
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("cannot read config file %s: %w", path, err)
	}

	// Substitute environment variables: ${VAR} and ${VAR:-default}
	data = []byte(ExpandEnvVars(string(data)))

	cfg := Defaults()
	if err := json.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("cannot parse config file %s: %w", path, err)
	}

	cfg.Database.Path = ExpandPath(cfg.Database.Path)
	cfg.General.LogFile = ExpandPath(cfg.General.LogFile)
	cfg.Browser.ProfilesDir = ExpandPath(cfg.Browser.ProfilesDir)
	cfg.Browser.SelectorDir = ExpandPath(cfg.Browser.SelectorDir)

	if err := Validate(cfg); err != nil {
		return nil, fmt.Errorf("config validation: %w", err)
	}

	return cfg, nil
}

// envVarPattern matches ${VAR} and ${VAR:-default} patterns in config strings.
var envVarPattern = regexp.MustCompile(`\$\{([A-Za-z_][A-Za-z0-9_]*)(?::-(.*?))?\}`)

// ExpandEnvVars replaces ${VAR} with the environment variable value.
// Supports default values: ${VAR:-default} uses "default" when VAR is unset or empty.
func ExpandEnvVars(input string) string {
	return envVarPattern.ReplaceAllStringFunc(input, func(match string) string {
		groups := envVarPattern.FindStringSubmatch(match)
		if len(groups) < 2 {
			return match
		}
		varName := groups[1]
		defaultVal := ""
		hasDefault := len(groups) >= 3 && groups[2] != ""
		if hasDefault {
			defaultVal = groups[2]
		}

		val, exists := os.LookupEnv(varName)
		if !exists || val == "" {
			if hasDefault {
				return defaultVal
			}
			return match // Keep original if no env var and no default
		}
		return val
	})
}

func Save(path string, cfg *Config) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("cannot create config directory: %w", err)
	}

	data, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return fmt.Errorf("cannot marshal config: %w", err)
	}

	return os.WriteFile(path, data, 0o644)
}

// Validate checks that the config has valid values.
func Validate(cfg *Config) error {
	var errs []string

	switch cfg.General.LogLevel {
	case "", "debug", "info", "warn", "error":
		// valid
	default:
		errs = append(errs, "general.logLevel must be one of: debug, info, warn, error")
	}

	if cfg.Database.Path == "" {
		errs = append(errs, "database.path is required")
	}

	if cfg.Resilience.FailureThreshold < 1 {
		errs = append(errs, "resilience.failureThreshold must be >= 1")
	}
	if cfg.Resilience.ResetTimeoutSec < 1 {
		errs = append(errs, "resilience.resetTimeoutSeconds must be >= 1")
	}
	if cfg.Resilience.MonitorWindowSec < 1 {
		errs = append(errs, "resilience.monitoringWindowSeconds must be >= 1")
	}
	if cfg.Resilience.MaxRetries < 0 {
		errs = append(errs, "resilience.maxRetries must be >= 0")
	}
	if cfg.Resilience.BackoffMultiplier < 1 {
		errs = append(errs, "resilience.backoffMultiplier must be >= 1")
	}

	if cfg.Notify.Port < 0 || cfg.Notify.Port > 65535 {
		errs = append(errs, "notify.port must be between 0 and 65535")
	}
	if cfg.Metrics.Port < 0 || cfg.Metrics.Port > 65535 {
		errs = append(errs, "metrics.port must be between 0 and 65535")
	}

	if cfg.Session.MaxAgeDays < 1 {
		errs = append(errs, "session.maxAgeDays must be >= 1")
	}
	if cfg.Session.SweepIntervalMin < 1 {
		errs = append(errs, "session.sweepIntervalMinutes must be >= 1")
	}

	seen := make(map[string]bool)
	for i, conn := range cfg.Connections {
		prefix := fmt.Sprintf("connections[%d]", i)
		if conn.ID == "" {
			errs = append(errs, prefix+".id is required")
		} else if seen[conn.ID] {
			errs = append(errs, fmt.Sprintf("%s: duplicate connection id %q", prefix, conn.ID))
		}
		seen[conn.ID] = true

		if conn.ChatbotID == "" {
			errs = append(errs, prefix+".chatbotId is required")
		}
		if !domain.PlatformType(conn.Platform).Valid() {
			errs = append(errs, fmt.Sprintf("%s.platform: unsupported platform %q", prefix, conn.Platform))
		}
	}

	if len(errs) > 0 {
		return fmt.Errorf("config validation errors:\n  - %s", strings.Join(errs, "\n  - "))
	}
	return nil
}

// ExpandPath resolves ~/ to the user's home directory.
func ExpandPath(path string) string {
	if strings.HasPrefix(path, "~/") {
		home, err := os.UserHomeDir()
		if err != nil {
			return path
		}
		return filepath.Join(home, path[2:])
	}
	return path
}
