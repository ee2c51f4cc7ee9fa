package config

import (
	"os"
	"strconv"

	"github.com/BurntSushi/toml"
	"github.com/joho/godotenv"
)

// Load reads a TOML configuration file at path, merges it on top of the
// built-in defaults, applies PAPERBOT_* environment variable overrides, and
// returns the final Config. The returned Config has NOT been validated; the
// caller should invoke Config.Validate() after Load.
func Load(path string) (*Config, error) {
	cfg := Defaults()

	if path != "" {
		if _, err := toml.DecodeFile(path, &cfg); err != nil {
			return nil, err
		}
	}

	// Load .env file if present (silently ignore if missing).
	_ = godotenv.Load()

	applyEnvOverrides(&cfg)

	return &cfg, nil
}

// applyEnvOverrides reads well-known PAPERBOT_* environment variables and
// overwrites the corresponding Config fields when a variable is set. This
// lets operators inject secrets at deploy time without touching the TOML
// file.
func applyEnvOverrides(cfg *Config) {
	setStr(&cfg.Mode, "PAPERBOT_MODE")
	setStr(&cfg.LogLevel, "PAPERBOT_LOG_LEVEL")

	// ── Engine ──
	setStr(&cfg.Engine.KillSwitchFile, "PAPERBOT_ENGINE_KILL_SWITCH_FILE")
	setInt64(&cfg.Engine.RNGSeed, "PAPERBOT_ENGINE_RNG_SEED")
	setStr(&cfg.Engine.StartingCash, "PAPERBOT_ENGINE_STARTING_CASH")

	// ── Feed ──
	setStr(&cfg.Feed.WSURL, "PAPERBOT_FEED_WS_URL")
	setStr(&cfg.Feed.RestURL, "PAPERBOT_FEED_REST_URL")
	setStr(&cfg.Feed.SignalChannel, "PAPERBOT_FEED_SIGNAL_CHANNEL")

	// ── Postgres ──
	setStr(&cfg.Postgres.DSN, "PAPERBOT_POSTGRES_DSN")
	setStr(&cfg.Postgres.Host, "PAPERBOT_POSTGRES_HOST")
	setInt(&cfg.Postgres.Port, "PAPERBOT_POSTGRES_PORT")
	setStr(&cfg.Postgres.Database, "PAPERBOT_POSTGRES_DATABASE")
	setStr(&cfg.Postgres.User, "PAPERBOT_POSTGRES_USER")
	setStr(&cfg.Postgres.Password, "PAPERBOT_POSTGRES_PASSWORD")
	setStr(&cfg.Postgres.SSLMode, "PAPERBOT_POSTGRES_SSLMODE")

	// ── Redis ──
	setStr(&cfg.Redis.Addr, "PAPERBOT_REDIS_ADDR")
	setStr(&cfg.Redis.Password, "PAPERBOT_REDIS_PASSWORD")
	setInt(&cfg.Redis.DB, "PAPERBOT_REDIS_DB")

	// ── S3 ──
	setStr(&cfg.S3.Endpoint, "PAPERBOT_S3_ENDPOINT")
	setStr(&cfg.S3.Region, "PAPERBOT_S3_REGION")
	setStr(&cfg.S3.Bucket, "PAPERBOT_S3_BUCKET")
	setStr(&cfg.S3.AccessKey, "PAPERBOT_S3_ACCESS_KEY")
	setStr(&cfg.S3.SecretKey, "PAPERBOT_S3_SECRET_KEY")
}

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

func setInt64(dst *int64, key string) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil {
			*dst = n
		}
	}
}
