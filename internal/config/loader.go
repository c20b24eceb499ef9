package config

import (
	"os"
	"strconv"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/joho/godotenv"
)

// Load reads a TOML configuration file at path, merges it on top of the
// built-in defaults, applies EXECBOT_* environment variable overrides, and
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

// applyEnvOverrides reads well-known EXECBOT_* environment variables and
// overwrites the corresponding Config fields when a variable is set. This
// lets operators inject secrets at deploy time without touching the TOML
// file.
func applyEnvOverrides(cfg *Config) {
	setStr(&cfg.Mode, "EXECBOT_MODE")
	setStr(&cfg.LogLevel, "EXECBOT_LOG_LEVEL")

	setStr(&cfg.Exchange.Host, "EXECBOT_EXCHANGE_HOST")
	setStr(&cfg.Exchange.ApiKey, "EXECBOT_EXCHANGE_API_KEY")
	setStr(&cfg.Exchange.ApiSecret, "EXECBOT_EXCHANGE_API_SECRET")

	setStr(&cfg.Feed.RestHost, "EXECBOT_FEED_REST_HOST")
	setStr(&cfg.Feed.WsHost, "EXECBOT_FEED_WS_HOST")

	setDur(&cfg.Oracle.Timeout, "EXECBOT_ORACLE_TIMEOUT")
	setDur(&cfg.Oracle.MaxAge, "EXECBOT_ORACLE_MAX_AGE")

	setBool(&cfg.Redis.Enabled, "EXECBOT_REDIS_ENABLED")
	setStr(&cfg.Redis.Addr, "EXECBOT_REDIS_ADDR")
	setStr(&cfg.Redis.Password, "EXECBOT_REDIS_PASSWORD")
	setInt(&cfg.Redis.DB, "EXECBOT_REDIS_DB")
	setBool(&cfg.Redis.TLSEnabled, "EXECBOT_REDIS_TLS_ENABLED")

	setBool(&cfg.Postgres.Enabled, "EXECBOT_POSTGRES_ENABLED")
	setStr(&cfg.Postgres.DSN, "EXECBOT_POSTGRES_DSN")
	setStr(&cfg.Postgres.Host, "EXECBOT_POSTGRES_HOST")
	setInt(&cfg.Postgres.Port, "EXECBOT_POSTGRES_PORT")
	setStr(&cfg.Postgres.Database, "EXECBOT_POSTGRES_DATABASE")
	setStr(&cfg.Postgres.User, "EXECBOT_POSTGRES_USER")
	setStr(&cfg.Postgres.Password, "EXECBOT_POSTGRES_PASSWORD")
	setStr(&cfg.Postgres.SSLMode, "EXECBOT_POSTGRES_SSLMODE")
	setBool(&cfg.Postgres.RunMigrations, "EXECBOT_POSTGRES_RUN_MIGRATIONS")

	setBool(&cfg.S3.Enabled, "EXECBOT_S3_ENABLED")
	setStr(&cfg.S3.Endpoint, "EXECBOT_S3_ENDPOINT")
	setStr(&cfg.S3.Region, "EXECBOT_S3_REGION")
	setStr(&cfg.S3.Bucket, "EXECBOT_S3_BUCKET")
	setStr(&cfg.S3.AccessKey, "EXECBOT_S3_ACCESS_KEY")
	setStr(&cfg.S3.SecretKey, "EXECBOT_S3_SECRET_KEY")
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

func setBool(dst *bool, key string) {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			*dst = b
		}
	}
}

func setDur(dst *duration, key string) {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			dst.Duration = d
		}
	}
}
