// Package config defines the top-level configuration for the paper trading
// engine and provides validation helpers.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// Config is the root configuration structure. Fields are populated from a
// TOML file and then optionally overridden by PAPERBOT_* environment
// variables. The engine section is immutable per run; a validation failure is
// fatal at startup.
type Config struct {
	Engine   EngineConfig   `toml:"engine"`
	Feed     FeedConfig     `toml:"feed"`
	Postgres PostgresConfig `toml:"postgres"`
	Redis    RedisConfig    `toml:"redis"`
	S3       S3Config       `toml:"s3"`
	Mode     string         `toml:"mode"`
	LogLevel string         `toml:"log_level"`
}

// EngineConfig holds every tunable of the core: risk limits, simulator
// parameters, and feature windows. Monetary values are decimal strings so
// they survive the TOML round trip exactly.
type EngineConfig struct {
	MaxPositionPerToken   string `toml:"max_position_per_token"`
	MaxGrossExposure      string `toml:"max_gross_exposure"`
	MaxNetExposure        string `toml:"max_net_exposure"`
	MaxDailyLoss          string `toml:"max_daily_loss"`
	MaxOrderRatePerSecond int    `toml:"max_order_rate_per_second"`
	StaleFeedMs           int    `toml:"stale_feed_ms"`
	WSDisconnectTimeoutMs int    `toml:"ws_disconnect_timeout_ms"`
	PriceFeedStaleMs      int    `toml:"price_feed_stale_ms"`
	MaxErrorRatePerMinute int    `toml:"max_error_rate_per_minute"`
	FeeRate               string `toml:"fee_rate"`
	FillProbability       string `toml:"fill_probability"`
	RiskPerTrade          string `toml:"risk_per_trade"`
	StartingCash          string `toml:"starting_cash"`
	EMAPeriod             int    `toml:"ema_period"`
	VolatilityWindow      int    `toml:"volatility_window"`
	TopNLevels            int    `toml:"top_n_levels"`
	InboxSize             int    `toml:"inbox_size"`
	RNGSeed               int64  `toml:"rng_seed"`
	KillSwitchFile        string `toml:"kill_switch_file"`
}

// FeedConfig holds market-data endpoints and the token universe.
type FeedConfig struct {
	WSURL            string   `toml:"ws_url"`
	RestURL          string   `toml:"rest_url"`
	Tokens           []string `toml:"tokens"`
	SnapshotInterval duration `toml:"snapshot_interval"`
	SnapshotRPS      float64  `toml:"snapshot_rps"`
	SignalChannel    string   `toml:"signal_channel"`
}

// PostgresConfig holds database connection parameters.
type PostgresConfig struct {
	DSN          string `toml:"dsn"`
	Host         string `toml:"host"`
	Port         int    `toml:"port"`
	Database     string `toml:"database"`
	User         string `toml:"user"`
	Password     string `toml:"password"`
	SSLMode      string `toml:"ssl_mode"`
	PoolMaxConns int    `toml:"pool_max_conns"`
	PoolMinConns int    `toml:"pool_min_conns"`
}

// RedisConfig holds Redis connection parameters.
type RedisConfig struct {
	Addr       string `toml:"addr"`
	Password   string `toml:"password"`
	DB         int    `toml:"db"`
	PoolSize   int    `toml:"pool_size"`
	MaxRetries int    `toml:"max_retries"`
}

// S3Config holds S3-compatible object storage parameters for the archiver.
type S3Config struct {
	Endpoint       string `toml:"endpoint"`
	Region         string `toml:"region"`
	Bucket         string `toml:"bucket"`
	AccessKey      string `toml:"access_key"`
	SecretKey      string `toml:"secret_key"`
	ForcePathStyle bool   `toml:"force_path_style"`
}

// duration wraps time.Duration for TOML decoding of strings like "30s".
type duration struct {
	time.Duration
}

func (d *duration) UnmarshalText(text []byte) error {
	v, err := time.ParseDuration(string(text))
	if err != nil {
		return err
	}
	d.Duration = v
	return nil
}

// Defaults returns the built-in configuration used when the TOML file omits a
// section.
func Defaults() Config {
	return Config{
		Engine: EngineConfig{
			MaxPositionPerToken:   "1000",
			MaxGrossExposure:      "5000",
			MaxNetExposure:        "2500",
			MaxDailyLoss:          "500",
			MaxOrderRatePerSecond: 5,
			StaleFeedMs:           30_000,
			WSDisconnectTimeoutMs: 10_000,
			PriceFeedStaleMs:      60_000,
			MaxErrorRatePerMinute: 30,
			FeeRate:               "0.02",
			FillProbability:       "0.3",
			RiskPerTrade:          "0.01",
			StartingCash:          "10000",
			EMAPeriod:             20,
			VolatilityWindow:      20,
			TopNLevels:            20,
			InboxSize:             4096,
			RNGSeed:               1,
			KillSwitchFile:        "killswitch",
		},
		Feed: FeedConfig{
			WSURL:            "wss://ws-subscriptions-clob.polymarket.com/ws/market",
			RestURL:          "https://clob.polymarket.com",
			SnapshotInterval: duration{30 * time.Second},
			SnapshotRPS:      5,
			SignalChannel:    "signals",
		},
		Postgres: PostgresConfig{
			Host:         "localhost",
			Port:         5432,
			Database:     "paperbot",
			User:         "paperbot",
			SSLMode:      "disable",
			PoolMaxConns: 8,
			PoolMinConns: 1,
		},
		Redis: RedisConfig{
			Addr:     "localhost:6379",
			PoolSize: 8,
		},
		S3: S3Config{
			Region: "us-east-1",
		},
		Mode:     "paper",
		LogLevel: "info",
	}
}

// validModes enumerates the accepted values for Config.Mode.
var validModes = map[string]bool{
	"paper":    true,
	"backtest": true,
	"monitor":  true,
}

// validLogLevels enumerates the accepted values for Config.LogLevel.
var validLogLevels = map[string]bool{
	"debug": true,
	"info":  true,
	"warn":  true,
	"error": true,
}

// Validate checks Config for invalid or missing values and returns a combined
// error describing every problem found. The process must refuse to start on a
// non-nil result.
func (c *Config) Validate() error {
	var errs []string

	if !validModes[strings.ToLower(c.Mode)] {
		errs = append(errs, fmt.Sprintf("unknown mode %q (valid: paper, backtest, monitor)", c.Mode))
	}
	if !validLogLevels[strings.ToLower(c.LogLevel)] {
		errs = append(errs, fmt.Sprintf("unknown log_level %q (valid: debug, info, warn, error)", c.LogLevel))
	}

	// Engine limits: all thresholds strictly positive.
	for _, f := range []struct {
		name  string
		value string
	}{
		{"max_position_per_token", c.Engine.MaxPositionPerToken},
		{"max_gross_exposure", c.Engine.MaxGrossExposure},
		{"max_net_exposure", c.Engine.MaxNetExposure},
		{"max_daily_loss", c.Engine.MaxDailyLoss},
		{"starting_cash", c.Engine.StartingCash},
	} {
		d, err := decimal.NewFromString(f.value)
		if err != nil {
			errs = append(errs, fmt.Sprintf("engine: %s %q is not a decimal", f.name, f.value))
			continue
		}
		if d.Sign() <= 0 {
			errs = append(errs, fmt.Sprintf("engine: %s must be > 0", f.name))
		}
	}

	if d, err := decimal.NewFromString(c.Engine.FeeRate); err != nil {
		errs = append(errs, fmt.Sprintf("engine: fee_rate %q is not a decimal", c.Engine.FeeRate))
	} else if d.Sign() < 0 {
		errs = append(errs, "engine: fee_rate must be >= 0")
	}
	if d, err := decimal.NewFromString(c.Engine.FillProbability); err != nil {
		errs = append(errs, fmt.Sprintf("engine: fill_probability %q is not a decimal", c.Engine.FillProbability))
	} else if d.Sign() < 0 || d.GreaterThan(decimal.NewFromInt(1)) {
		errs = append(errs, "engine: fill_probability must be in [0,1]")
	}
	if d, err := decimal.NewFromString(c.Engine.RiskPerTrade); err != nil {
		errs = append(errs, fmt.Sprintf("engine: risk_per_trade %q is not a decimal", c.Engine.RiskPerTrade))
	} else if d.Sign() <= 0 {
		errs = append(errs, "engine: risk_per_trade must be > 0")
	}

	if c.Engine.MaxOrderRatePerSecond <= 0 {
		errs = append(errs, "engine: max_order_rate_per_second must be > 0")
	}
	if c.Engine.StaleFeedMs <= 0 {
		errs = append(errs, "engine: stale_feed_ms must be > 0")
	}
	if c.Engine.WSDisconnectTimeoutMs <= 0 {
		errs = append(errs, "engine: ws_disconnect_timeout_ms must be > 0")
	}
	if c.Engine.PriceFeedStaleMs <= 0 {
		errs = append(errs, "engine: price_feed_stale_ms must be > 0")
	}
	if c.Engine.MaxErrorRatePerMinute <= 0 {
		errs = append(errs, "engine: max_error_rate_per_minute must be > 0")
	}
	if c.Engine.EMAPeriod <= 0 {
		errs = append(errs, "engine: ema_period must be > 0")
	}
	if c.Engine.VolatilityWindow <= 0 {
		errs = append(errs, "engine: volatility_window must be > 0")
	}
	if c.Engine.TopNLevels <= 0 {
		errs = append(errs, "engine: top_n_levels must be > 0")
	}
	if c.Engine.InboxSize <= 0 {
		errs = append(errs, "engine: inbox_size must be > 0")
	}

	// Feed.
	if c.Mode == "paper" || c.Mode == "monitor" {
		if c.Feed.WSURL == "" {
			errs = append(errs, "feed: ws_url must not be empty")
		}
		if len(c.Feed.Tokens) == 0 {
			errs = append(errs, "feed: tokens must list at least one token id")
		}
	}
	if c.Feed.SnapshotRPS <= 0 {
		errs = append(errs, "feed: snapshot_rps must be > 0")
	}

	// Postgres.
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

	// Redis.
	if c.Redis.Addr == "" {
		errs = append(errs, "redis: addr must not be empty")
	}
	if c.Redis.PoolSize < 1 {
		errs = append(errs, "redis: pool_size must be >= 1")
	}

	// S3 is only required for backtest mode, which reads archived tape.
	if c.Mode == "backtest" {
		if c.S3.Bucket == "" {
			errs = append(errs, "s3: bucket must not be empty for backtest mode")
		}
	}

	if len(errs) > 0 {
		return fmt.Errorf("config validation failed:\n  - %s", strings.Join(errs, "\n  - "))
	}
	return nil
}

// Decimal parses a validated decimal config field. Call only after Validate.
func Decimal(s string) decimal.Decimal {
	return decimal.RequireFromString(s)
}

// MsDuration converts a millisecond config field to a time.Duration.
func MsDuration(ms int) time.Duration {
	return time.Duration(ms) * time.Millisecond
}
