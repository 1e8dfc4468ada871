package config

import (
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/joho/godotenv"
)

// Load reads a TOML configuration file at path, merges it on top of the
// built-in defaults, applies MIRROR_* environment variable overrides, and
// returns the final Config. The returned Config has NOT been validated; the
// caller should invoke Config.Validate() after Load.
func Load(path string) (*Config, error) {
	cfg := Defaults()

	if _, err := toml.DecodeFile(path, &cfg); err != nil {
		return nil, err
	}

	// Load .env file if present (silently ignore if missing).
	_ = godotenv.Load()

	applyEnvOverrides(&cfg)

	return &cfg, nil
}

// applyEnvOverrides reads well-known MIRROR_* environment variables and
// overwrites the corresponding Config fields when a variable is set (i.e. not
// empty). This lets operators inject secrets at deploy time without touching
// the TOML file.
func applyEnvOverrides(cfg *Config) {
	// ── Postgres ──
	setStr(&cfg.Postgres.DSN, "MIRROR_POSTGRES_DSN")
	setStr(&cfg.Postgres.Host, "MIRROR_POSTGRES_HOST")
	setInt(&cfg.Postgres.Port, "MIRROR_POSTGRES_PORT")
	setStr(&cfg.Postgres.Database, "MIRROR_POSTGRES_DATABASE")
	setStr(&cfg.Postgres.User, "MIRROR_POSTGRES_USER")
	setStr(&cfg.Postgres.Password, "MIRROR_POSTGRES_PASSWORD")
	setStr(&cfg.Postgres.SSLMode, "MIRROR_POSTGRES_SSL_MODE")
	setInt(&cfg.Postgres.PoolMaxConns, "MIRROR_POSTGRES_POOL_MAX_CONNS")
	setInt(&cfg.Postgres.PoolMinConns, "MIRROR_POSTGRES_POOL_MIN_CONNS")
	setBool(&cfg.Postgres.RunMigrations, "MIRROR_POSTGRES_RUN_MIGRATIONS")

	// ── Redis ──
	setStr(&cfg.Redis.Addr, "MIRROR_REDIS_ADDR")
	setStr(&cfg.Redis.Password, "MIRROR_REDIS_PASSWORD")
	setInt(&cfg.Redis.DB, "MIRROR_REDIS_DB")
	setInt(&cfg.Redis.PoolSize, "MIRROR_REDIS_POOL_SIZE")
	setInt(&cfg.Redis.MaxRetries, "MIRROR_REDIS_MAX_RETRIES")
	setBool(&cfg.Redis.TLSEnabled, "MIRROR_REDIS_TLS_ENABLED")

	// ── S3 ──
	setStr(&cfg.S3.Endpoint, "MIRROR_S3_ENDPOINT")
	setStr(&cfg.S3.Region, "MIRROR_S3_REGION")
	setStr(&cfg.S3.Bucket, "MIRROR_S3_BUCKET")
	setStr(&cfg.S3.AccessKey, "MIRROR_S3_ACCESS_KEY")
	setStr(&cfg.S3.SecretKey, "MIRROR_S3_SECRET_KEY")
	setBool(&cfg.S3.UseSSL, "MIRROR_S3_USE_SSL")
	setBool(&cfg.S3.ForcePathStyle, "MIRROR_S3_FORCE_PATH_STYLE")

	// ── Feed ──
	setStr(&cfg.Feed.WsURL, "MIRROR_FEED_WS_URL")
	setDuration(&cfg.Feed.RefreshInterval, "MIRROR_FEED_REFRESH_INTERVAL")
	setDuration(&cfg.Feed.EventTTL, "MIRROR_FEED_EVENT_TTL")

	// ── DexRouter ──
	setStr(&cfg.DexRouter.BaseURL, "MIRROR_DEXROUTER_BASE_URL")
	setFloat64(&cfg.DexRouter.PriorityFee, "MIRROR_DEXROUTER_PRIORITY_FEE")
	setInt(&cfg.DexRouter.RateLimit, "MIRROR_DEXROUTER_RATE_LIMIT")

	// ── TokenSentry ──
	setStr(&cfg.TokenSentry.BaseURL, "MIRROR_TOKENSENTRY_BASE_URL")
	setStr(&cfg.TokenSentry.ApiKey, "MIRROR_TOKENSENTRY_API_KEY")

	// ── Custody ──
	setStr(&cfg.Custody.KeyDir, "MIRROR_CUSTODY_KEY_DIR")
	setStr(&cfg.Custody.KeyPassword, "MIRROR_CUSTODY_KEY_PASSWORD")

	// ── Executor ──
	setStr(&cfg.Executor.NativeToken, "MIRROR_EXECUTOR_NATIVE_TOKEN")
	setInt(&cfg.Executor.BuySlippageBps, "MIRROR_EXECUTOR_BUY_SLIPPAGE_BPS")
	setInt(&cfg.Executor.SellSlippageBps, "MIRROR_EXECUTOR_SELL_SLIPPAGE_BPS")
	setFloat64(&cfg.Executor.BuyPriorityFee, "MIRROR_EXECUTOR_BUY_PRIORITY_FEE")
	setFloat64(&cfg.Executor.SellPriorityFee, "MIRROR_EXECUTOR_SELL_PRIORITY_FEE")
	setDuration(&cfg.Executor.ConfirmTimeout, "MIRROR_EXECUTOR_CONFIRM_TIMEOUT")
	setInt(&cfg.Executor.MaxAttempts, "MIRROR_EXECUTOR_MAX_ATTEMPTS")

	// ── Copier ──
	setInt(&cfg.Copier.Workers, "MIRROR_COPIER_WORKERS")
	setInt(&cfg.Copier.MaxAttempts, "MIRROR_COPIER_MAX_ATTEMPTS")

	// ── Monitor ──
	setDuration(&cfg.Monitor.Interval, "MIRROR_MONITOR_INTERVAL")

	// ── Archive ──
	setBool(&cfg.Archive.Enabled, "MIRROR_ARCHIVE_ENABLED")
	setDuration(&cfg.Archive.Interval, "MIRROR_ARCHIVE_INTERVAL")
	setInt(&cfg.Archive.RetentionDays, "MIRROR_ARCHIVE_RETENTION_DAYS")

	// ── Notify ──
	setStr(&cfg.Notify.TelegramToken, "MIRROR_NOTIFY_TELEGRAM_TOKEN")
	setStr(&cfg.Notify.TelegramChatID, "MIRROR_NOTIFY_TELEGRAM_CHAT_ID")
	setStr(&cfg.Notify.DiscordWebhookURL, "MIRROR_NOTIFY_DISCORD_WEBHOOK_URL")
	setStringSlice(&cfg.Notify.Events, "MIRROR_NOTIFY_EVENTS")

	// ── Top-level ──
	setStr(&cfg.LogLevel, "MIRROR_LOG_LEVEL")
}

// ---------------------------------------------------------------------------
// Typed env-var helpers. Each only mutates the target when the environment
// variable is present and non-empty.
// ---------------------------------------------------------------------------

func setStr(dst *string, key string) {
	if v := os.Getenv(key); v != "" {
		*dst = v
	}
}

func setInt(dst *int, key string) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			*dst = n
		}
	}
}

func setFloat64(dst *float64, key string) {
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			*dst = f
		}
	}
}

func setBool(dst *bool, key string) {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			*dst = b
		}
	}
}

func setDuration(dst *duration, key string) {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			dst.Duration = d
		}
	}
}

func setStringSlice(dst *[]string, key string) {
	if v := os.Getenv(key); v != "" {
		parts := strings.Split(v, ",")
		cleaned := make([]string, 0, len(parts))
		for _, p := range parts {
			p = strings.TrimSpace(p)
			if p != "" {
				cleaned = append(cleaned, p)
			}
		}
		if len(cleaned) > 0 {
			*dst = cleaned
		}
	}
}
