package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func validConfig() Config {
	cfg := Defaults()
	cfg.Feed.WsURL = "wss://feed.example.com/ws"
	cfg.DexRouter.BaseURL = "https://router.example.com"
	cfg.TokenSentry.BaseURL = "https://sentry.example.com"
	cfg.Custody.KeyPassword = "secret"
	return cfg
}

func TestValidateAcceptsFilledDefaults(t *testing.T) {
	cfg := validConfig()
	require.NoError(t, cfg.Validate())
}

func TestValidateCollectsAllProblems(t *testing.T) {
	cfg := validConfig()
	cfg.Feed.WsURL = ""
	cfg.Custody.KeyPassword = ""
	cfg.LogLevel = "verbose"

	err := cfg.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "feed: ws_url")
	assert.Contains(t, err.Error(), "custody: key_password")
	assert.Contains(t, err.Error(), "log_level")
}

func TestValidateRejectsNarrowerSellSlippage(t *testing.T) {
	cfg := validConfig()
	cfg.Executor.BuySlippageBps = 300
	cfg.Executor.SellSlippageBps = 100

	err := cfg.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "sell_slippage_bps")
}

func TestLoadMergesFileOverDefaults(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.toml")
	body := `
log_level = "debug"

[feed]
ws_url = "wss://feed.example.com/ws"
refresh_interval = "30s"

[copier]
workers = 8
`
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "debug", cfg.LogLevel)
	assert.Equal(t, "wss://feed.example.com/ws", cfg.Feed.WsURL)
	assert.Equal(t, 30*time.Second, cfg.Feed.RefreshInterval.Duration)
	assert.Equal(t, 8, cfg.Copier.Workers)
	// Untouched sections keep their defaults.
	assert.Equal(t, 3, cfg.Copier.MaxAttempts)
	assert.Equal(t, "localhost:6379", cfg.Redis.Addr)
}

func TestEnvOverridesBeatFileValues(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.toml")
	require.NoError(t, os.WriteFile(path, []byte("[redis]\naddr = \"file:6379\"\n"), 0o600))

	t.Setenv("MIRROR_REDIS_ADDR", "env:6379")
	t.Setenv("MIRROR_MONITOR_INTERVAL", "5s")

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "env:6379", cfg.Redis.Addr)
	assert.Equal(t, 5*time.Second, cfg.Monitor.Interval.Duration)
}

func TestRedactedConfigMasksSecrets(t *testing.T) {
	cfg := validConfig()
	cfg.Postgres.Password = "pg-secret"
	cfg.Notify.TelegramToken = "tg-token"

	red := RedactedConfig(&cfg)
	assert.Equal(t, "***", red.Postgres.Password)
	assert.Equal(t, "***", red.Notify.TelegramToken)
	assert.Equal(t, "***", red.Custody.KeyPassword)
	// The original is untouched.
	assert.Equal(t, "pg-secret", cfg.Postgres.Password)
}
