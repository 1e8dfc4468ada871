// Package config defines the top-level configuration for the copy-trading
// engine and provides validation helpers.
package config

import (
	"fmt"
	"strings"
	"time"
)

// Config is the root configuration structure. Fields are populated from a TOML
// file and then optionally overridden by MIRROR_* environment variables.
type Config struct {
	Postgres    PostgresConfig    `toml:"postgres"`
	Redis       RedisConfig       `toml:"redis"`
	S3          S3Config          `toml:"s3"`
	Feed        FeedConfig        `toml:"feed"`
	DexRouter   DexRouterConfig   `toml:"dexrouter"`
	TokenSentry TokenSentryConfig `toml:"tokensentry"`
	Custody     CustodyConfig     `toml:"custody"`
	Executor    ExecutorConfig    `toml:"executor"`
	Copier      CopierConfig      `toml:"copier"`
	Monitor     MonitorConfig     `toml:"monitor"`
	Archive     ArchiveConfig     `toml:"archive"`
	Notify      NotifyConfig      `toml:"notify"`
	LogLevel    string            `toml:"log_level"`
}

// PostgresConfig holds PostgreSQL connection parameters.
type PostgresConfig struct {
	DSN           string `toml:"dsn"`
	Host          string `toml:"host"`
	Port          int    `toml:"port"`
	Database      string `toml:"database"`
	User          string `toml:"user"`
	Password      string `toml:"password"`
	SSLMode       string `toml:"ssl_mode"`
	PoolMaxConns  int    `toml:"pool_max_conns"`
	PoolMinConns  int    `toml:"pool_min_conns"`
	RunMigrations bool   `toml:"run_migrations"`
}

// RedisConfig holds Redis connection parameters.
type RedisConfig struct {
	Addr       string `toml:"addr"`
	Password   string `toml:"password"`
	DB         int    `toml:"db"`
	PoolSize   int    `toml:"pool_size"`
	MaxRetries int    `toml:"max_retries"`
	TLSEnabled bool   `toml:"tls_enabled"`
}

// S3Config holds S3-compatible object storage parameters.
type S3Config struct {
	Endpoint       string `toml:"endpoint"`
	Region         string `toml:"region"`
	Bucket         string `toml:"bucket"`
	AccessKey      string `toml:"access_key"`
	SecretKey      string `toml:"secret_key"`
	UseSSL         bool   `toml:"use_ssl"`
	ForcePathStyle bool   `toml:"force_path_style"`
}

// FeedConfig holds the wallet-activity feed parameters.
type FeedConfig struct {
	WsURL           string   `toml:"ws_url"`
	RefreshInterval duration `toml:"refresh_interval"`
	EventTTL        duration `toml:"event_ttl"`
}

// DexRouterConfig holds the swap venue API parameters.
type DexRouterConfig struct {
	BaseURL     string  `toml:"base_url"`
	PriorityFee float64 `toml:"priority_fee"`
	RateLimit   int     `toml:"rate_limit"`
}

// TokenSentryConfig holds the token security data provider parameters.
type TokenSentryConfig struct {
	BaseURL string `toml:"base_url"`
	ApiKey  string `toml:"api_key"`
}

// CustodyConfig holds per-user signing key storage parameters.
type CustodyConfig struct {
	KeyDir      string `toml:"key_dir"`
	KeyPassword string `toml:"key_password"`
}

// ExecutorConfig holds swap execution parameters.
type ExecutorConfig struct {
	NativeToken     string   `toml:"native_token"`
	BuySlippageBps  int      `toml:"buy_slippage_bps"`
	SellSlippageBps int      `toml:"sell_slippage_bps"`
	BuyPriorityFee  float64  `toml:"buy_priority_fee"`
	SellPriorityFee float64  `toml:"sell_priority_fee"`
	ConfirmTimeout  duration `toml:"confirm_timeout"`
	MaxAttempts     int      `toml:"max_attempts"`
}

// CopierConfig holds copy-job worker pool parameters.
type CopierConfig struct {
	Workers     int `toml:"workers"`
	MaxAttempts int `toml:"max_attempts"`
}

// MonitorConfig holds position monitor parameters.
type MonitorConfig struct {
	Interval duration `toml:"interval"`
}

// ArchiveConfig holds cold-storage archival parameters.
type ArchiveConfig struct {
	Enabled       bool     `toml:"enabled"`
	Interval      duration `toml:"interval"`
	RetentionDays int      `toml:"retention_days"`
}

// NotifyConfig holds notification channel credentials.
type NotifyConfig struct {
	TelegramToken     string   `toml:"telegram_token"`
	TelegramChatID    string   `toml:"telegram_chat_id"`
	DiscordWebhookURL string   `toml:"discord_webhook_url"`
	Events            []string `toml:"events"`
}

// duration is a wrapper around time.Duration that supports TOML string decoding
// (e.g. "5m", "30s").
type duration struct {
	time.Duration
}

// UnmarshalText implements encoding.TextUnmarshaler so the TOML decoder can
// parse duration strings like "5m" or "30s".
func (d *duration) UnmarshalText(text []byte) error {
	var err error
	d.Duration, err = time.ParseDuration(string(text))
	return err
}

// MarshalText implements encoding.TextMarshaler for round-trip encoding.
func (d duration) MarshalText() ([]byte, error) {
	return []byte(d.Duration.String()), nil
}

// Defaults returns a Config populated with reasonable default values.
// These match the values in config.example.toml.
func Defaults() Config {
	return Config{
		Postgres: PostgresConfig{
			Host:          "localhost",
			Port:          5432,
			Database:      "mirrorbot",
			User:          "postgres",
			SSLMode:       "disable",
			PoolMaxConns:  10,
			PoolMinConns:  2,
			RunMigrations: true,
		},
		Redis: RedisConfig{
			Addr:       "localhost:6379",
			PoolSize:   20,
			MaxRetries: 3,
		},
		S3: S3Config{
			Endpoint:       "http://localhost:9000",
			Region:         "us-east-1",
			Bucket:         "mirrorbot-data",
			ForcePathStyle: true,
		},
		Feed: FeedConfig{
			RefreshInterval: duration{time.Minute},
			EventTTL:        duration{24 * time.Hour},
		},
		DexRouter: DexRouterConfig{
			PriorityFee: 0.0001,
			RateLimit:   10,
		},
		Custody: CustodyConfig{
			KeyDir: "keys",
		},
		Executor: ExecutorConfig{
			NativeToken:     "SOL",
			BuySlippageBps:  100,
			SellSlippageBps: 300,
			BuyPriorityFee:  0.0001,
			SellPriorityFee: 0.0005,
			ConfirmTimeout:  duration{60 * time.Second},
			MaxAttempts:     3,
		},
		Copier: CopierConfig{
			Workers:     4,
			MaxAttempts: 3,
		},
		Monitor: MonitorConfig{
			Interval: duration{10 * time.Second},
		},
		Archive: ArchiveConfig{
			Enabled:       false,
			Interval:      duration{24 * time.Hour},
			RetentionDays: 90,
		},
		Notify: NotifyConfig{
			Events: []string{"buy_executed", "sell_executed", "risk_limit_hit", "error"},
		},
		LogLevel: "info",
	}
}

// validLogLevels enumerates the accepted values for Config.LogLevel.
var validLogLevels = map[string]bool{
	"debug": true,
	"info":  true,
	"warn":  true,
	"error": true,
}

// Validate checks Config for obviously invalid or missing values and returns a
// combined error describing every problem found.
func (c *Config) Validate() error {
	var errs []string

	if !validLogLevels[strings.ToLower(c.LogLevel)] {
		errs = append(errs, fmt.Sprintf("unknown log_level %q (valid: debug, info, warn, error)", c.LogLevel))
	}

	// Postgres
	if strings.TrimSpace(c.Postgres.DSN) == "" {
		if c.Postgres.Host == "" {
			errs = append(errs, "postgres: host must not be empty (or set postgres.dsn)")
		}
		if c.Postgres.Port <= 0 || c.Postgres.Port > 65535 {
			errs = append(errs, fmt.Sprintf("postgres: port must be 1-65535, got %d", c.Postgres.Port))
		}
		if c.Postgres.Database == "" {
			errs = append(errs, "postgres: database must not be empty")
		}
	}
	if c.Postgres.PoolMaxConns < 1 {
		errs = append(errs, "postgres: pool_max_conns must be >= 1")
	}
	if c.Postgres.PoolMinConns < 0 {
		errs = append(errs, "postgres: pool_min_conns must be >= 0")
	}
	if c.Postgres.PoolMinConns > c.Postgres.PoolMaxConns {
		errs = append(errs, "postgres: pool_min_conns must not exceed pool_max_conns")
	}

	// Redis
	if c.Redis.Addr == "" {
		errs = append(errs, "redis: addr must not be empty")
	}
	if c.Redis.PoolSize < 1 {
		errs = append(errs, "redis: pool_size must be >= 1")
	}

	// Feed
	if c.Feed.WsURL == "" {
		errs = append(errs, "feed: ws_url must not be empty")
	}
	if c.Feed.RefreshInterval.Duration <= 0 {
		errs = append(errs, "feed: refresh_interval must be positive")
	}

	// DexRouter
	if c.DexRouter.BaseURL == "" {
		errs = append(errs, "dexrouter: base_url must not be empty")
	}

	// TokenSentry
	if c.TokenSentry.BaseURL == "" {
		errs = append(errs, "tokensentry: base_url must not be empty")
	}

	// Custody
	if c.Custody.KeyDir == "" {
		errs = append(errs, "custody: key_dir must not be empty")
	}
	if c.Custody.KeyPassword == "" {
		errs = append(errs, "custody: key_password must not be empty")
	}

	// Executor
	if c.Executor.BuySlippageBps <= 0 {
		errs = append(errs, "executor: buy_slippage_bps must be > 0")
	}
	if c.Executor.SellSlippageBps < c.Executor.BuySlippageBps {
		errs = append(errs, "executor: sell_slippage_bps must be >= buy_slippage_bps")
	}
	if c.Executor.ConfirmTimeout.Duration <= 0 {
		errs = append(errs, "executor: confirm_timeout must be positive")
	}
	if c.Executor.MaxAttempts < 1 {
		errs = append(errs, "executor: max_attempts must be >= 1")
	}

	// Copier
	if c.Copier.Workers < 1 {
		errs = append(errs, "copier: workers must be >= 1")
	}
	if c.Copier.MaxAttempts < 1 {
		errs = append(errs, "copier: max_attempts must be >= 1")
	}

	// Monitor
	if c.Monitor.Interval.Duration <= 0 {
		errs = append(errs, "monitor: interval must be positive")
	}

	// Archive
	if c.Archive.Enabled {
		if c.S3.Endpoint == "" {
			errs = append(errs, "s3: endpoint must not be empty when archive is enabled")
		}
		if c.S3.Bucket == "" {
			errs = append(errs, "s3: bucket must not be empty when archive is enabled")
		}
		if c.Archive.Interval.Duration <= 0 {
			errs = append(errs, "archive: interval must be positive")
		}
		if c.Archive.RetentionDays < 1 {
			errs = append(errs, "archive: retention_days must be >= 1")
		}
	}

	// Notify — chat id and token must come together.
	tt := c.Notify.TelegramToken != ""
	tc := c.Notify.TelegramChatID != ""
	if tt != tc {
		errs = append(errs, "notify: telegram_token and telegram_chat_id must be set together")
	}

	if len(errs) > 0 {
		return fmt.Errorf("config validation failed:\n  - %s", strings.Join(errs, "\n  - "))
	}
	return nil
}
