package config

func Defaults() *Config {
	return &Config{
		General: GeneralConfig{
			LogLevel: "info",
		},
		Database: DatabaseConfig{
			Path: "~/.chatbridge/chatbridge.db",
		},
		Responder: ResponderConfig{
			APIBase: "https://api.openai.com/v1",
			Model:   "gpt-4o-mini",
		},
		Resilience: ResilienceConfig{
			FailureThreshold:  5,
			ResetTimeoutSec:   60,
			MonitorWindowSec:  60,
			MaxRetries:        3,
			InitialDelayMs:    1000,
			MaxDelayMs:        30000,
			BackoffMultiplier: 2,
		},
		Browser: BrowserConfig{
			Headless:    true,
			ProfilesDir: "~/.chatbridge/profiles",
		},
		Notify: NotifyConfig{
			Enabled: true,
			Port:    8081,
			Path:    "/ws",
		},
		Metrics: MetricsConfig{
			Enabled:  false,
			Port:     9090,
			Endpoint: "/metrics",
		},
		Session: SessionConfig{
			MaxAgeDays:       7,
			SweepIntervalMin: 60,
		},
	}
}
