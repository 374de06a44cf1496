package main

import (
	"context"
	"flag"
	"log"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"topstepx-trading-bot/config"
	"topstepx-trading-bot/internal/ai"
	"topstepx-trading-bot/internal/ai/llm"
	"topstepx-trading-bot/internal/alerts"
	"topstepx-trading-bot/internal/api"
	"topstepx-trading-bot/internal/database"
	"topstepx-trading-bot/internal/events"
	"topstepx-trading-bot/internal/logging"
	"topstepx-trading-bot/internal/notification"
	"topstepx-trading-bot/internal/projectx"
	"topstepx-trading-bot/internal/runner"
	"topstepx-trading-bot/internal/vault"

	"github.com/redis/go-redis/v9"
)

func main() {
	var (
		dryRun    = flag.Bool("dry-run", false, "simulate fills instead of placing real orders")
		symbols   = flag.String("symbols", "", "comma-separated symbols to pre-subscribe")
		accounts  = flag.String("accounts", "", "comma-separated account names (empty = all tradable)")
		quantity  = flag.Int("quantity", 0, "default contracts per entry")
		maxUnits  = flag.Float64("max-units", -1, "exposure ceiling in micro units (0 = unlimited)")
		retries   = flag.Int("max-retries", -1, "re-entry budget per signal chain")
		stopTicks = flag.Int("stop-buffer-ticks", -1, "stop distance in ticks (0 mirrors the TP1 distance)")
		reconcile = flag.Duration("reconcile-interval", 0, "broker reconciliation interval")
	)
	flag.Parse()

	// Load configuration
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}

	// Flags beat file and environment when set
	if *dryRun {
		cfg.TradingConfig.DryRun = true
	}
	if *symbols != "" {
		cfg.TradingConfig.Symbols = strings.Split(*symbols, ",")
	}
	if *accounts != "" {
		cfg.TradingConfig.Accounts = strings.Split(*accounts, ",")
	}
	if *quantity > 0 {
		cfg.TradingConfig.DefaultQuantity = *quantity
	}
	if *maxUnits >= 0 {
		cfg.TradingConfig.MaxUnits = *maxUnits
	}
	if *retries >= 0 {
		cfg.TradingConfig.MaxRetries = *retries
	}
	if *stopTicks >= 0 {
		cfg.TradingConfig.StopBufferTicks = *stopTicks
	}
	if *reconcile > 0 {
		cfg.TradingConfig.ReconcileInterval = *reconcile
	}

	// Initialize structured logging
	logger := logging.New(&logging.Config{
		Level:      cfg.LoggingConfig.Level,
		Output:     cfg.LoggingConfig.Output,
		JSONFormat: cfg.LoggingConfig.JSONFormat,
		Component:  "main",
	})
	logging.SetDefault(logger)
	logger.Info("Structured logging initialized")

	// Gateway credentials: Vault when enabled, environment otherwise
	creds := vault.Credentials{
		UserName: cfg.GatewayConfig.UserName,
		APIKey:   cfg.GatewayConfig.APIKey,
	}
	if cfg.VaultConfig.Enabled {
		vaultClient, err := vault.NewClient(vault.Config{
			Enabled:    true,
			Address:    cfg.VaultConfig.Address,
			Token:      cfg.VaultConfig.Token,
			MountPath:  cfg.VaultConfig.MountPath,
			SecretPath: cfg.VaultConfig.SecretPath,
			TLSEnabled: cfg.VaultConfig.TLSEnabled,
			CACert:     cfg.VaultConfig.CACert,
		})
		if err != nil {
			logger.Fatal("Vault client init failed", "error", err)
		}
		vaultClient.Seed(creds)

		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		fetched, err := vaultClient.GetCredentials(ctx)
		cancel()
		if err != nil {
			logger.Fatal("Gateway credentials unavailable", "error", err)
		}
		creds = *fetched
		logger.Info("Gateway credentials loaded from Vault")
	}
	if creds.UserName == "" || creds.APIKey == "" {
		logger.Fatal("Gateway credentials missing: set GATEWAY_USERNAME and GATEWAY_API_KEY or enable Vault")
	}

	// Broker gateway
	broker := projectx.NewClientWithBaseURL(creds.UserName, creds.APIKey, cfg.GatewayConfig.BaseURL)
	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	err = broker.Authenticate(ctx)
	cancel()
	if err != nil {
		logger.Fatal("Gateway authentication failed", "error", err)
	}
	logger.Info("Gateway authenticated", "base_url", cfg.GatewayConfig.BaseURL)

	// Event bus
	eventBus := events.NewBus()

	// Push notifications (optional)
	if cfg.NotifyConfig.TelegramEnabled || cfg.NotifyConfig.DiscordEnabled {
		notifyManager := notification.NewManager()
		notifyManager.AddNotifier(notification.NewTelegramNotifier(notification.TelegramConfig{
			BotToken: cfg.NotifyConfig.TelegramBotToken,
			ChatID:   cfg.NotifyConfig.TelegramChatID,
			Enabled:  cfg.NotifyConfig.TelegramEnabled,
		}))
		notifyManager.AddNotifier(notification.NewDiscordNotifier(notification.DiscordConfig{
			WebhookURL: cfg.NotifyConfig.DiscordWebhook,
			Enabled:    cfg.NotifyConfig.DiscordEnabled,
		}))
		notifyManager.SubscribeTo(eventBus)
		logger.Info("Push notifications enabled")
	}

	// Persistence (optional)
	var queue *database.WriteBackQueue
	if cfg.DatabaseConfig.Enabled {
		db, err := database.NewDB(database.Config{
			Host:     cfg.DatabaseConfig.Host,
			Port:     cfg.DatabaseConfig.Port,
			User:     cfg.DatabaseConfig.User,
			Password: cfg.DatabaseConfig.Password,
			Database: cfg.DatabaseConfig.Database,
			SSLMode:  cfg.DatabaseConfig.SSLMode,
		})
		if err != nil {
			logger.Fatal("Database connection failed", "error", err)
		}
		defer db.Close()

		migrateCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		err = db.RunMigrations(migrateCtx)
		cancel()
		if err != nil {
			logger.Fatal("Database migrations failed", "error", err)
		}

		repo := database.NewRepository(db)
		queue = database.NewWriteBackQueue(repo, cfg.TradingConfig.FlushInterval)
		logger.Info("Persistence enabled", "flush_interval", cfg.TradingConfig.FlushInterval.String())
	} else {
		logger.Warn("Database disabled; positions and trades will not be persisted")
	}

	// Redis snapshot mirror (optional)
	var snapshots *database.RedisSnapshotRepository
	if cfg.RedisConfig.Enabled {
		redisClient := redis.NewClient(&redis.Options{
			Addr:     cfg.RedisConfig.Address,
			Password: cfg.RedisConfig.Password,
			DB:       cfg.RedisConfig.DB,
		})
		snapshots = database.NewRedisSnapshotRepository(redisClient)
		logger.Info("Redis snapshot mirror enabled", "address", cfg.RedisConfig.Address)
	}

	// Advisory analyzer (optional, never blocks trading)
	var analyzer *ai.Analyzer
	if cfg.AIConfig.Enabled {
		llmClient := llm.NewClient(&llm.ClientConfig{
			Provider: llm.Provider(cfg.AIConfig.Provider),
			APIKey:   cfg.AIConfig.APIKey,
			Model:    cfg.AIConfig.Model,
			Timeout:  cfg.AIConfig.Timeout,
		})
		analyzer = ai.NewAnalyzer(ai.NewLLMAdvisor(llmClient), cfg.AIConfig.Timeout)
		logger.Info("Advisory analyzer enabled", "provider", cfg.AIConfig.Provider, "model", cfg.AIConfig.Model)
	}

	// Streaming hubs share the authenticated client as their token source
	marketHub := projectx.NewMarketHub(broker)
	userHub := projectx.NewUserHub(broker)

	// Alert feed, fed by the webhook endpoint
	feed := alerts.NewChannelFeed(64)

	bot := runner.New(cfg, broker, marketHub, userHub, feed, eventBus, runner.Options{
		Queue:     queue,
		Snapshots: snapshots,
		Analyzer:  analyzer,
	})

	startCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	err = bot.Start(startCtx)
	cancel()
	if err != nil {
		logger.Fatal("Runner start failed", "error", err)
	}

	// Status API and webhook ingestion
	var server *api.Server
	if cfg.ServerConfig.Enabled {
		server = api.NewServer(api.ServerConfig{
			Host:           cfg.ServerConfig.Host,
			Port:           cfg.ServerConfig.Port,
			ProductionMode: cfg.LoggingConfig.JSONFormat,
			WebhookSecret:  cfg.ServerConfig.WebhookSecret,
		}, bot, feed)
		go func() {
			if err := server.Start(); err != nil {
				logger.Error("HTTP server failed", "error", err)
			}
		}()
	}

	logger.Info("Bot running", "dry_run", cfg.TradingConfig.DryRun, "symbols", cfg.TradingConfig.Symbols)

	// Wait for shutdown signal
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigChan
	logger.Info("Shutdown signal received", "signal", sig.String())

	if server != nil {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		if err := server.Shutdown(shutdownCtx); err != nil {
			logger.Error("HTTP server shutdown failed", "error", err)
		}
		cancel()
	}
	bot.Stop()
	logger.Info("Shutdown complete")
}
