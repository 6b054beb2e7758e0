package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"chatbridge/internal/adapter"
	"chatbridge/internal/browser"
	"chatbridge/internal/config"
	"chatbridge/internal/domain"
	"chatbridge/internal/metrics"
	"chatbridge/internal/notify"
	"chatbridge/internal/platform"
	"chatbridge/internal/resilience"
	"chatbridge/internal/responder"
	"chatbridge/internal/store"

	"github.com/spf13/cobra"
)

var (
	version    = "0.1.0"
	logger     *slog.Logger
	configPath string // overridable via --config flag
)

func main() {
	logger = slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelInfo}))

	root := &cobra.Command{
		Use:   "chatbridge",
		Short: "ChatBridge: chatbot-to-messaging-platform dispatch gateway",
		Long:  "ChatBridge connects AI chatbots to Telegram, Slack, Discord and WhatsApp Web, turning inbound platform messages into AI replies.",
	}

	root.PersistentFlags().StringVarP(&configPath, "config", "c", "", "path to config.json (default: ~/.chatbridge/config.json)")

	root.AddCommand(initCmd())
	root.AddCommand(gatewayCmd())
	root.AddCommand(loginCmd())
	root.AddCommand(statusCmd())
	root.AddCommand(configCmd())

	if err := root.Execute(); err != nil {
		os.Exit(1)
	}
}

// resolveConfigPath returns the config path from --config flag or default.
func resolveConfigPath() string {
	if configPath != "" {
		return configPath
	}
	return config.DefaultConfigPath()
}

func buildLogger(cfg *config.Config) *slog.Logger {
	level := slog.LevelInfo
	switch cfg.General.LogLevel {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	}

	out := os.Stderr
	if cfg.General.LogFile != "" {
		f, err := os.OpenFile(cfg.General.LogFile, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
		if err != nil {
			logger.Warn("cannot open log file, logging to stderr", "path", cfg.General.LogFile, "err", err)
		} else {
			out = f
		}
	}
	return slog.New(slog.NewTextHandler(out, &slog.HandlerOptions{Level: level}))
}

func initCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "init",
		Short: "Initialize config directory with defaults",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfgDir := config.DefaultConfigDir()
			cfgPath := config.DefaultConfigPath()
			if err := os.MkdirAll(cfgDir, 0o755); err != nil {
				return err
			}
			if err := config.Save(cfgPath, config.Defaults()); err != nil {
				return err
			}
			logger.Info("initialized", "config", cfgPath)
			return nil
		},
	}
}

// connectionConfig maps a config entry to the adapter contract input.
func connectionConfig(entry config.ConnectionEntry) domain.ConnectionConfig {
	pt := domain.PlatformType(entry.Platform)
	cfg := domain.ConnectionConfig{
		Platform: pt,
		Options: domain.ConnectionOptions{
			PollInterval: time.Duration(entry.Options.PollIntervalSec) * time.Second,
			AuthWait:     time.Duration(entry.Options.AuthWaitSec) * time.Second,
			Proxy:        entry.Options.Proxy,
			ProfileDir:   entry.Options.ProfileDir,
		},
	}

	switch pt {
	case domain.PlatformTelegram:
		cfg.Credentials.Telegram = &domain.TelegramCredentials{BotToken: entry.Credentials.BotToken}
	case domain.PlatformSlack:
		cfg.Credentials.Slack = &domain.SlackCredentials{BotToken: entry.Credentials.BotToken}
	case domain.PlatformDiscord:
		cfg.Credentials.Discord = &domain.DiscordCredentials{
			BotToken: entry.Credentials.BotToken,
			GuildID:  entry.Credentials.GuildID,
		}
	case domain.PlatformWhatsAppWeb:
		cfg.Credentials.WhatsAppWeb = &domain.WhatsAppWebCredentials{Phone: entry.Credentials.PhoneNumber}
	}
	return cfg
}

func gatewayCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "gateway",
		Short: "Start the gateway (all configured connections + dispatch pipeline)",
		Long:  "Connects every configured platform, runs the message pipeline, session sweeper and notification hub. Press Ctrl+C to stop.",
		RunE:  runGateway,
	}
}

func runGateway(cmd *cobra.Command, args []string) error {
	cfgPath := resolveConfigPath()
	cfg, err := config.Load(cfgPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	logger = buildLogger(cfg)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	db, err := store.NewSQLiteStore(cfg.Database.Path, logger)
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	defer db.Close()

	breakers := resilience.NewRegistry(resilience.BreakerConfig{
		FailureThreshold: cfg.Resilience.FailureThreshold,
		ResetTimeout:     time.Duration(cfg.Resilience.ResetTimeoutSec) * time.Second,
		MonitoringWindow: time.Duration(cfg.Resilience.MonitorWindowSec) * time.Second,
	}, logger)

	retryCfg := resilience.RetryConfig{
		MaxRetries:      cfg.Resilience.MaxRetries,
		InitialDelay:    time.Duration(cfg.Resilience.InitialDelayMs) * time.Millisecond,
		MaxDelay:        time.Duration(cfg.Resilience.MaxDelayMs) * time.Millisecond,
		Multiplier:      cfg.Resilience.BackoffMultiplier,
		RetryableErrors: cfg.Resilience.RetryableErrors,
	}

	pool := browser.NewPool(browser.PoolConfig{
		BaseProfileDir: cfg.Browser.ProfilesDir,
		Headless:       cfg.Browser.Headless,
		Logger:         logger,
	})
	defer pool.CloseAll()

	profiles, err := adapter.LoadProfiles(cfg.Browser.SelectorDir, logger)
	if err != nil {
		return fmt.Errorf("load selector profiles: %w", err)
	}

	ai := responder.NewClient(responder.ClientConfig{
		APIKey:       cfg.Responder.APIKey,
		APIBase:      cfg.Responder.APIBase,
		Model:        cfg.Responder.Model,
		SystemPrompt: cfg.Responder.SystemPrompt,
		Retry:        retryCfg,
		Logger:       logger,
	})
	if err := ai.Healthy(ctx); err != nil {
		logger.Warn("responder unhealthy at startup", "err", err)
	}

	hub := notify.NewHub(notify.HubConfig{
		Port:   cfg.Notify.Port,
		Path:   cfg.Notify.Path,
		Logger: logger,
	})
	if cfg.Notify.Enabled {
		go func() {
			if err := hub.Start(ctx); err != nil {
				logger.Error("notification hub error", "err", err)
			}
		}()
	}

	manager := platform.NewManager(platform.Config{
		Store:     db,
		Responder: ai,
		Notifier:  hub,
		NewAdapter: func(pt domain.PlatformType, connectionID string) (domain.Adapter, error) {
			return adapter.New(pt, adapter.Deps{
				ConnectionID: connectionID,
				Pool:         pool,
				Profiles:     profiles,
				Breakers:     breakers,
				Retry:        retryCfg,
				Logger:       logger,
			})
		},
		Logger: logger,
	})

	sessions := platform.NewSessionManager(manager, db,
		time.Duration(cfg.Session.MaxAgeDays)*24*time.Hour, logger)

	// Records from a previous run may still claim to be connected.
	if n, err := sessions.CleanupOrphanedSessions(ctx); err != nil {
		logger.Warn("startup orphan cleanup failed", "err", err)
	} else if n > 0 {
		logger.Info("cleaned orphaned sessions from previous run", "count", n)
	}

	go sessions.Run(ctx, time.Duration(cfg.Session.SweepIntervalMin)*time.Minute)

	if cfg.Metrics.Enabled {
		mux := http.NewServeMux()
		mux.HandleFunc(cfg.Metrics.Endpoint, metrics.Collector.Handler())
		srv := &http.Server{
			Addr:              fmt.Sprintf(":%d", cfg.Metrics.Port),
			Handler:           mux,
			ReadHeaderTimeout: 10 * time.Second,
		}
		go func() {
			logger.Info("metrics server starting", "port", cfg.Metrics.Port, "endpoint", cfg.Metrics.Endpoint)
			if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				logger.Error("metrics server error", "err", err)
			}
		}()
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			_ = srv.Shutdown(shutdownCtx)
		}()
	}

	for _, entry := range cfg.Connections {
		conn := domain.Connection{
			ID:        entry.ID,
			TenantID:  entry.TenantID,
			ChatbotID: entry.ChatbotID,
			Platform:  domain.PlatformType(entry.Platform),
		}
		if err := db.SaveConnection(ctx, conn); err != nil {
			logger.Error("persist connection record failed", "connection", entry.ID, "err", err)
			continue
		}
		if err := manager.ConnectPlatform(ctx, conn, connectionConfig(entry)); err != nil {
			logger.Error("connect failed, continuing with remaining connections",
				"connection", entry.ID, "platform", entry.Platform, "err", err)
		}
	}

	logger.Info("gateway started", "version", version, "connections", len(manager.ConnectionIDs()))

	<-ctx.Done()
	logger.Info("shutting down gateway...")

	const shutdownTimeout = 15 * time.Second
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer shutdownCancel()

	done := make(chan struct{})
	go func() {
		defer close(done)
		manager.DisconnectAll(shutdownCtx)
	}()

	select {
	case <-done:
		logger.Info("shutdown complete")
		return nil
	case <-shutdownCtx.Done():
		logger.Warn("shutdown timed out, forcing exit")
		return fmt.Errorf("shutdown timed out")
	}
}

func loginCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "login [connection-id]",
		Short: "Open a visible browser to log in to an automation platform (whatsapp-web)",
		Long:  "Opens a visible Chrome window for the QR scan. The session is saved in the connection's browser profile for later headless use.",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			connID := args[0]
			cfgPath := resolveConfigPath()
			cfg, err := config.Load(cfgPath)
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}
			logger = buildLogger(cfg)

			var entry *config.ConnectionEntry
			for i := range cfg.Connections {
				if cfg.Connections[i].ID == connID {
					entry = &cfg.Connections[i]
					break
				}
			}
			if entry == nil {
				return fmt.Errorf("unknown connection: %s", connID)
			}
			pt := domain.PlatformType(entry.Platform)
			if !pt.Automation() {
				return fmt.Errorf("connection %s (%s) does not use browser login", connID, entry.Platform)
			}

			ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			pool := browser.NewPool(browser.PoolConfig{
				BaseProfileDir: cfg.Browser.ProfilesDir,
				Headless:       false,
				Logger:         logger,
			})
			defer pool.CloseAll()

			profiles, err := adapter.LoadProfiles(cfg.Browser.SelectorDir, logger)
			if err != nil {
				return fmt.Errorf("load selector profiles: %w", err)
			}

			breakers := resilience.NewRegistry(resilience.BreakerConfig{}, logger)
			a, err := adapter.New(pt, adapter.Deps{
				ConnectionID: connID,
				Pool:         pool,
				Profiles:     profiles,
				Breakers:     breakers,
				Retry:        resilience.RetryConfig{},
				Logger:       logger,
			})
			if err != nil {
				return err
			}

			// Drain events so the auth hint gets surfaced.
			go func() {
				for ev := range a.Events() {
					if ev.Type == domain.EventAuth && ev.Auth != nil {
						logger.Info("scan the QR code in the browser window", "url", ev.Auth.URL)
					}
				}
			}()

			logger.Info("opening browser for login", "connection", connID)
			if err := a.Connect(ctx, connectionConfig(*entry)); err != nil {
				return fmt.Errorf("login: %w", err)
			}
			logger.Info("login successful, session saved", "connection", connID)
			return a.Disconnect(ctx)
		},
	}
}

func statusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show persisted connection status",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfgPath := resolveConfigPath()
			cfg, err := config.Load(cfgPath)
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}
			logger = buildLogger(cfg)

			db, err := store.NewSQLiteStore(cfg.Database.Path, logger)
			if err != nil {
				return fmt.Errorf("open store: %w", err)
			}
			defer db.Close()

			ctx := context.Background()
			conns, err := db.ConnectionsByStatus(ctx,
				domain.StatusDisconnected, domain.StatusConnecting,
				domain.StatusAuthenticating, domain.StatusConnected, domain.StatusError)
			if err != nil {
				return err
			}
			if len(conns) == 0 {
				fmt.Println("no connections recorded")
				return nil
			}
			for _, c := range conns {
				fmt.Printf("%-20s %-14s %-14s last sync %s\n",
					c.ID, c.Platform, c.Status, c.LastSyncAt.Format(time.RFC3339))
			}
			return nil
		},
	}
}

func configCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "View configuration",
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "list",
		Short: "List all config values",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(resolveConfigPath())
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}
			// Secrets stay out of terminal output.
			cfg.Responder.APIKey = redact(cfg.Responder.APIKey)
			for i := range cfg.Connections {
				cfg.Connections[i].Credentials.BotToken = redact(cfg.Connections[i].Credentials.BotToken)
				cfg.Connections[i].Credentials.AppToken = redact(cfg.Connections[i].Credentials.AppToken)
			}
			data, _ := json.MarshalIndent(cfg, "", "  ")
			fmt.Println(string(data))
			return nil
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "path",
		Short: "Show config file path",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Println(resolveConfigPath())
		},
	})

	return cmd
}

func redact(s string) string {
	if s == "" {
		return s
	}
	if len(s) <= 8 {
		return "****"
	}
	return s[:4] + "..." + s[len(s)-4:]
}
