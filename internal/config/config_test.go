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
	cfg.Feed.Tokens = []string{"7132107622"}
	return cfg
}

func TestDefaultsValidate(t *testing.T) {
	cfg := validConfig()
	assert.NoError(t, cfg.Validate())
}

func TestValidateRejectsUnknownMode(t *testing.T) {
	cfg := validConfig()
	cfg.Mode = "live"
	err := cfg.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unknown mode")
}

func TestValidateRejectsBadDecimals(t *testing.T) {
	cfg := validConfig()
	cfg.Engine.MaxDailyLoss = "lots"
	cfg.Engine.FeeRate = "-0.1"
	err := cfg.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "max_daily_loss")
	assert.Contains(t, err.Error(), "fee_rate")
}

func TestValidateRejectsFillProbabilityOutOfRange(t *testing.T) {
	cfg := validConfig()
	cfg.Engine.FillProbability = "1.5"
	err := cfg.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "fill_probability")
}

func TestValidateCollectsAllErrors(t *testing.T) {
	cfg := validConfig()
	cfg.Mode = "nope"
	cfg.Engine.EMAPeriod = 0
	cfg.Redis.Addr = ""
	err := cfg.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unknown mode")
	assert.Contains(t, err.Error(), "ema_period")
	assert.Contains(t, err.Error(), "redis: addr")
}

func TestValidateRequiresTokensForPaperMode(t *testing.T) {
	cfg := Defaults()
	cfg.Mode = "paper"
	err := cfg.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "tokens")
}

func TestValidateBacktestNeedsBucket(t *testing.T) {
	cfg := Defaults()
	cfg.Mode = "backtest"
	err := cfg.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "s3: bucket")

	cfg.S3.Bucket = "paperbot-archive"
	assert.NoError(t, cfg.Validate())
}

func TestLoadTOMLOverridesDefaults(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.toml")
	require.NoError(t, os.WriteFile(path, []byte(`
mode = "monitor"
log_level = "debug"

[engine]
fee_rate = "0.01"
ema_period = 50

[feed]
tokens = ["a", "b"]
snapshot_interval = "15s"
`), 0o644))

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "monitor", cfg.Mode)
	assert.Equal(t, "debug", cfg.LogLevel)
	assert.Equal(t, "0.01", cfg.Engine.FeeRate)
	assert.Equal(t, 50, cfg.Engine.EMAPeriod)
	assert.Equal(t, []string{"a", "b"}, cfg.Feed.Tokens)
	assert.Equal(t, 15*time.Second, cfg.Feed.SnapshotInterval.Duration)

	// Untouched sections keep their defaults.
	assert.Equal(t, "0.3", cfg.Engine.FillProbability)
	assert.Equal(t, "localhost:6379", cfg.Redis.Addr)
}

func TestEnvOverrides(t *testing.T) {
	t.Setenv("PAPERBOT_MODE", "monitor")
	t.Setenv("PAPERBOT_REDIS_ADDR", "redis:6379")
	t.Setenv("PAPERBOT_ENGINE_RNG_SEED", "99")

	cfg, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, "monitor", cfg.Mode)
	assert.Equal(t, "redis:6379", cfg.Redis.Addr)
	assert.Equal(t, int64(99), cfg.Engine.RNGSeed)
}

func TestDecimalHelper(t *testing.T) {
	d := Decimal("0.02")
	assert.Equal(t, "0.02", d.String())
}

func TestMsDuration(t *testing.T) {
	assert.Equal(t, 30*time.Second, MsDuration(30_000))
}
