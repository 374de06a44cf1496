package config

import (
	"encoding/json"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config is the root configuration
type Config struct {
	GatewayConfig  GatewayConfig  `json:"gateway"`
	TradingConfig  TradingConfig  `json:"trading"`
	DatabaseConfig DatabaseConfig `json:"database"`
	RedisConfig    RedisConfig    `json:"redis"`
	VaultConfig    VaultConfig    `json:"vault"`
	AIConfig       AIConfig       `json:"ai"`
	LoggingConfig  LoggingConfig  `json:"logging"`
	ServerConfig   ServerConfig   `json:"server"`
	NotifyConfig   NotifyConfig   `json:"notifications"`
}

// GatewayConfig holds broker gateway settings. Credentials come from the
// environment or Vault, never from the config file.
type GatewayConfig struct {
	BaseURL  string `json:"base_url"`
	UserName string `json:"-"`
	APIKey   string `json:"-"`
}

// TradingConfig holds execution policy settings
type TradingConfig struct {
	DryRun             bool          `json:"dry_run"`
	Symbols            []string      `json:"symbols"`  // empty = resolve from alerts dynamically
	Accounts           []string      `json:"accounts"` // account names; empty = all tradable
	DefaultQuantity    int           `json:"default_quantity"`
	StopBufferTicks    int           `json:"stop_buffer_ticks"` // 0 mirrors the TP1 distance
	FeePerSide         float64       `json:"fee_per_side"`
	MaxUnits           float64       `json:"max_units"` // micro-contract exposure ceiling, 0 = unlimited
	MaxRetries         int           `json:"max_retries"`
	RetryStepTicks     int           `json:"retry_step_ticks"`
	RetryFallbackTicks int           `json:"retry_fallback_ticks"`
	ReconcileInterval  time.Duration `json:"reconcile_interval"`
	FlushInterval      time.Duration `json:"flush_interval"`
	ProfileLookbackMin int           `json:"profile_lookback_min"` // bars of history per profile
	ProfileBinCount    int           `json:"profile_bin_count"`
	AlertName          string        `json:"alert_name"` // routing tag filter, empty = accept all
	// AccountTags maps account names to routing tags. A tagged account only
	// receives entry alerts carrying its tag; unlisted accounts accept all.
	AccountTags map[string]string `json:"account_tags"`
}

// DatabaseConfig holds PostgreSQL settings
type DatabaseConfig struct {
	Enabled  bool   `json:"enabled"`
	Host     string `json:"host"`
	Port     int    `json:"port"`
	User     string `json:"user"`
	Password string `json:"password"`
	Database string `json:"database"`
	SSLMode  string `json:"ssl_mode"`
}

// RedisConfig holds Redis settings for the position snapshot mirror
type RedisConfig struct {
	Enabled  bool   `json:"enabled"`
	Address  string `json:"address"`
	Password string `json:"password"`
	DB       int    `json:"db"`
}

// VaultConfig holds HashiCorp Vault settings
type VaultConfig struct {
	Enabled    bool   `json:"enabled"`
	Address    string `json:"address"`
	Token      string `json:"token"`
	MountPath  string `json:"mount_path"`
	SecretPath string `json:"secret_path"`
	TLSEnabled bool   `json:"tls_enabled"`
	CACert     string `json:"ca_cert"`
}

// AIConfig holds advisory LLM settings
type AIConfig struct {
	Enabled  bool          `json:"enabled"`
	Provider string        `json:"provider"`
	APIKey   string        `json:"-"`
	Model    string        `json:"model"`
	Timeout  time.Duration `json:"timeout"`
}

// LoggingConfig holds logging settings
type LoggingConfig struct {
	Level      string `json:"level"`
	Output     string `json:"output"`
	JSONFormat bool   `json:"json_format"`
}

// ServerConfig holds status API settings
type ServerConfig struct {
	Enabled        bool   `json:"enabled"`
	Host           string `json:"host"`
	Port           int    `json:"port"`
	AllowedOrigins string `json:"allowed_origins"`
	WebhookSecret  string `json:"-"`
}

// NotifyConfig holds Telegram and Discord notification settings
type NotifyConfig struct {
	TelegramEnabled  bool   `json:"telegram_enabled"`
	TelegramBotToken string `json:"-"`
	TelegramChatID   string `json:"telegram_chat_id"`
	DiscordEnabled   bool   `json:"discord_enabled"`
	DiscordWebhook   string `json:"-"`
}

// Load reads config.json if present, then applies environment overrides.
// Environment variables take precedence.
func Load() (*Config, error) {
	cfg, err := loadFromFile("config.json")
	if err != nil {
		cfg = &Config{}
	}
	applyEnvOverrides(cfg)
	return cfg, nil
}

func loadFromFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	cfg := &Config{}
	if err := json.Unmarshal(data, cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// applyEnvOverrides applies environment variable overrides to the config
func applyEnvOverrides(cfg *Config) {
	// Gateway config
	cfg.GatewayConfig.BaseURL = getEnvOrDefault("GATEWAY_BASE_URL", cfg.GatewayConfig.BaseURL)
	if cfg.GatewayConfig.BaseURL == "" {
		cfg.GatewayConfig.BaseURL = "https://api.topstepx.com"
	}
	cfg.GatewayConfig.UserName = getEnvOrDefault("GATEWAY_USERNAME", cfg.GatewayConfig.UserName)
	cfg.GatewayConfig.APIKey = getEnvOrDefault("GATEWAY_API_KEY", cfg.GatewayConfig.APIKey)

	// Trading config
	cfg.TradingConfig.DryRun = getEnvOrDefault("TRADING_DRY_RUN", "false") == "true"
	if symbols := os.Getenv("TRADING_SYMBOLS"); symbols != "" {
		cfg.TradingConfig.Symbols = splitAndTrim(symbols)
	}
	if accounts := os.Getenv("TRADING_ACCOUNTS"); accounts != "" {
		cfg.TradingConfig.Accounts = splitAndTrim(accounts)
	}
	cfg.TradingConfig.DefaultQuantity = getEnvIntOrDefault("TRADING_DEFAULT_QUANTITY", defaultInt(cfg.TradingConfig.DefaultQuantity, 1))
	cfg.TradingConfig.StopBufferTicks = getEnvIntOrDefault("TRADING_STOP_BUFFER_TICKS", cfg.TradingConfig.StopBufferTicks)
	cfg.TradingConfig.FeePerSide = getEnvFloatOrDefault("TRADING_FEE_PER_SIDE", defaultFloat(cfg.TradingConfig.FeePerSide, 1.40))
	cfg.TradingConfig.MaxUnits = getEnvFloatOrDefault("TRADING_MAX_UNITS", cfg.TradingConfig.MaxUnits)
	cfg.TradingConfig.MaxRetries = getEnvIntOrDefault("TRADING_MAX_RETRIES", defaultInt(cfg.TradingConfig.MaxRetries, 2))
	cfg.TradingConfig.RetryStepTicks = getEnvIntOrDefault("TRADING_RETRY_STEP_TICKS", defaultInt(cfg.TradingConfig.RetryStepTicks, 4))
	cfg.TradingConfig.RetryFallbackTicks = getEnvIntOrDefault("TRADING_RETRY_FALLBACK_TICKS", defaultInt(cfg.TradingConfig.RetryFallbackTicks, 12))
	cfg.TradingConfig.ReconcileInterval = getEnvDurationOrDefault("TRADING_RECONCILE_INTERVAL", defaultDuration(cfg.TradingConfig.ReconcileInterval, time.Minute))
	cfg.TradingConfig.FlushInterval = getEnvDurationOrDefault("TRADING_FLUSH_INTERVAL", defaultDuration(cfg.TradingConfig.FlushInterval, 5*time.Second))
	cfg.TradingConfig.ProfileLookbackMin = getEnvIntOrDefault("TRADING_PROFILE_LOOKBACK_MIN", defaultInt(cfg.TradingConfig.ProfileLookbackMin, 120))
	cfg.TradingConfig.ProfileBinCount = getEnvIntOrDefault("TRADING_PROFILE_BIN_COUNT", defaultInt(cfg.TradingConfig.ProfileBinCount, 24))
	cfg.TradingConfig.AlertName = getEnvOrDefault("TRADING_ALERT_NAME", cfg.TradingConfig.AlertName)
	if tags := os.Getenv("TRADING_ACCOUNT_TAGS"); tags != "" {
		cfg.TradingConfig.AccountTags = parseTagMap(tags)
	}

	// Database config
	cfg.DatabaseConfig.Enabled = getEnvOrDefault("DB_ENABLED", boolString(cfg.DatabaseConfig.Enabled)) == "true"
	cfg.DatabaseConfig.Host = getEnvOrDefault("DB_HOST", defaultString(cfg.DatabaseConfig.Host, "localhost"))
	cfg.DatabaseConfig.Port = getEnvIntOrDefault("DB_PORT", defaultInt(cfg.DatabaseConfig.Port, 5432))
	cfg.DatabaseConfig.User = getEnvOrDefault("DB_USER", defaultString(cfg.DatabaseConfig.User, "postgres"))
	cfg.DatabaseConfig.Password = getEnvOrDefault("DB_PASSWORD", cfg.DatabaseConfig.Password)
	cfg.DatabaseConfig.Database = getEnvOrDefault("DB_NAME", defaultString(cfg.DatabaseConfig.Database, "trading_bot"))
	cfg.DatabaseConfig.SSLMode = getEnvOrDefault("DB_SSLMODE", defaultString(cfg.DatabaseConfig.SSLMode, "disable"))

	// Redis config
	cfg.RedisConfig.Enabled = getEnvOrDefault("REDIS_ENABLED", boolString(cfg.RedisConfig.Enabled)) == "true"
	cfg.RedisConfig.Address = getEnvOrDefault("REDIS_ADDRESS", defaultString(cfg.RedisConfig.Address, "localhost:6379"))
	cfg.RedisConfig.Password = getEnvOrDefault("REDIS_PASSWORD", cfg.RedisConfig.Password)
	cfg.RedisConfig.DB = getEnvIntOrDefault("REDIS_DB", cfg.RedisConfig.DB)

	// Vault config
	cfg.VaultConfig.Enabled = getEnvOrDefault("VAULT_ENABLED", boolString(cfg.VaultConfig.Enabled)) == "true"
	cfg.VaultConfig.Address = getEnvOrDefault("VAULT_ADDR", defaultString(cfg.VaultConfig.Address, "http://localhost:8200"))
	cfg.VaultConfig.Token = getEnvOrDefault("VAULT_TOKEN", cfg.VaultConfig.Token)
	cfg.VaultConfig.MountPath = getEnvOrDefault("VAULT_MOUNT_PATH", defaultString(cfg.VaultConfig.MountPath, "secret"))
	cfg.VaultConfig.SecretPath = getEnvOrDefault("VAULT_SECRET_PATH", defaultString(cfg.VaultConfig.SecretPath, "trading-bot/gateway"))
	cfg.VaultConfig.TLSEnabled = getEnvOrDefault("VAULT_TLS_ENABLED", "false") == "true"

	// AI config
	cfg.AIConfig.Enabled = getEnvOrDefault("AI_ENABLED", boolString(cfg.AIConfig.Enabled)) == "true"
	cfg.AIConfig.Provider = getEnvOrDefault("AI_PROVIDER", defaultString(cfg.AIConfig.Provider, "claude"))
	cfg.AIConfig.APIKey = getEnvOrDefault("AI_API_KEY", cfg.AIConfig.APIKey)
	cfg.AIConfig.Model = getEnvOrDefault("AI_MODEL", defaultString(cfg.AIConfig.Model, "claude-sonnet-4-20250514"))
	cfg.AIConfig.Timeout = getEnvDurationOrDefault("AI_TIMEOUT", defaultDuration(cfg.AIConfig.Timeout, 10*time.Second))

	// Logging config
	cfg.LoggingConfig.Level = getEnvOrDefault("LOG_LEVEL", defaultString(cfg.LoggingConfig.Level, "INFO"))
	cfg.LoggingConfig.Output = getEnvOrDefault("LOG_OUTPUT", defaultString(cfg.LoggingConfig.Output, "stdout"))
	cfg.LoggingConfig.JSONFormat = getEnvOrDefault("LOG_JSON", "true") == "true"

	// Server config
	cfg.ServerConfig.Enabled = getEnvOrDefault("SERVER_ENABLED", "true") == "true"
	cfg.ServerConfig.Host = getEnvOrDefault("SERVER_HOST", defaultString(cfg.ServerConfig.Host, "0.0.0.0"))
	cfg.ServerConfig.Port = getEnvIntOrDefault("SERVER_PORT", defaultInt(cfg.ServerConfig.Port, 8080))
	cfg.ServerConfig.AllowedOrigins = getEnvOrDefault("SERVER_ALLOWED_ORIGINS", defaultString(cfg.ServerConfig.AllowedOrigins, "*"))
	cfg.ServerConfig.WebhookSecret = getEnvOrDefault("SERVER_WEBHOOK_SECRET", cfg.ServerConfig.WebhookSecret)

	// Notification config
	cfg.NotifyConfig.TelegramEnabled = getEnvOrDefault("NOTIFY_TELEGRAM_ENABLED", boolString(cfg.NotifyConfig.TelegramEnabled)) == "true"
	cfg.NotifyConfig.TelegramBotToken = getEnvOrDefault("NOTIFY_TELEGRAM_BOT_TOKEN", cfg.NotifyConfig.TelegramBotToken)
	cfg.NotifyConfig.TelegramChatID = getEnvOrDefault("NOTIFY_TELEGRAM_CHAT_ID", cfg.NotifyConfig.TelegramChatID)
	cfg.NotifyConfig.DiscordEnabled = getEnvOrDefault("NOTIFY_DISCORD_ENABLED", boolString(cfg.NotifyConfig.DiscordEnabled)) == "true"
	cfg.NotifyConfig.DiscordWebhook = getEnvOrDefault("NOTIFY_DISCORD_WEBHOOK", cfg.NotifyConfig.DiscordWebhook)
}

func getEnvOrDefault(key, fallback string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return fallback
}

func getEnvIntOrDefault(key string, fallback int) int {
	if value := os.Getenv(key); value != "" {
		if n, err := strconv.Atoi(value); err == nil {
			return n
		}
	}
	return fallback
}

func getEnvFloatOrDefault(key string, fallback float64) float64 {
	if value := os.Getenv(key); value != "" {
		if f, err := strconv.ParseFloat(value, 64); err == nil {
			return f
		}
	}
	return fallback
}

func getEnvDurationOrDefault(key string, fallback time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if d, err := time.ParseDuration(value); err == nil {
			return d
		}
	}
	return fallback
}

func splitAndTrim(s string) []string {
	parts := strings.Split(s, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if trimmed := strings.TrimSpace(p); trimmed != "" {
			out = append(out, trimmed)
		}
	}
	return out
}

// parseTagMap parses "name=tag" pairs separated by commas.
func parseTagMap(s string) map[string]string {
	out := make(map[string]string)
	for _, pair := range strings.Split(s, ",") {
		name, tag, ok := strings.Cut(strings.TrimSpace(pair), "=")
		if !ok {
			continue
		}
		if name = strings.TrimSpace(name); name != "" {
			out[name] = strings.TrimSpace(tag)
		}
	}
	return out
}

func defaultString(v, fallback string) string {
	if v == "" {
		return fallback
	}
	return v
}

func defaultInt(v, fallback int) int {
	if v == 0 {
		return fallback
	}
	return v
}

func defaultFloat(v, fallback float64) float64 {
	if v == 0 {
		return fallback
	}
	return v
}

func defaultDuration(v, fallback time.Duration) time.Duration {
	if v == 0 {
		return fallback
	}
	return v
}

func boolString(b bool) string {
	if b {
		return "true"
	}
	return "false"
}
