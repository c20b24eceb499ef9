// Package config defines the top-level configuration for the execution
// engine and provides validation helpers.
package config

import (
	"fmt"
	"strings"
	"time"
)

// Config is the root configuration structure. Fields are populated from a
// TOML file and then optionally overridden by EXECBOT_* environment
// variables.
type Config struct {
	Engine   EngineConfig   `toml:"engine"`
	Ledger   LedgerConfig   `toml:"ledger"`
	Oracle   OracleConfig   `toml:"oracle"`
	Feed     FeedConfig     `toml:"feed"`
	Exchange ExchangeConfig `toml:"exchange"`
	Redis    RedisConfig    `toml:"redis"`
	Postgres PostgresConfig `toml:"postgres"`
	S3       S3Config       `toml:"s3"`
	Mode     string         `toml:"mode"`
	LogLevel string         `toml:"log_level"`
}

// LotRuleConfig constrains order quantities for one pair, mirroring venue
// lot-size filters.
type LotRuleConfig struct {
	MinQty  float64 `toml:"min_qty"`
	MaxQty  float64 `toml:"max_qty"`
	StepQty float64 `toml:"step_qty"`
}

// EngineConfig holds execution engine parameters.
type EngineConfig struct {
	// Pairs lists the trading pairs the feed streams ticks for.
	Pairs []string `toml:"pairs"`

	// SlippageMargin multiplies the quoted cost when sizing market-order
	// reservations.
	SlippageMargin float64 `toml:"slippage_margin"`

	// ReconcileInterval is how often live mode polls the venue for resting
	// orders.
	ReconcileInterval duration `toml:"reconcile_interval"`

	LotRules map[string]LotRuleConfig `toml:"lot_rules"`
}

// LedgerConfig holds portfolio funding parameters.
type LedgerConfig struct {
	// Deposits seeds the paper-trading portfolio, e.g. { USDT = 10000.0 }.
	Deposits map[string]float64 `toml:"deposits"`
}

// OracleConfig holds price oracle parameters.
type OracleConfig struct {
	// Timeout bounds each live feed call.
	Timeout duration `toml:"timeout"`

	// MaxAge is the staleness bound for fallback quotes; older quotes are
	// served degraded and logged.
	MaxAge duration `toml:"max_age"`
}

// FeedConfig holds price feed endpoints. Empty values use the public
// Binance hosts.
type FeedConfig struct {
	RestHost string `toml:"rest_host"`
	WsHost   string `toml:"ws_host"`
}

// ExchangeConfig holds live-mode venue credentials.
type ExchangeConfig struct {
	Host      string `toml:"host"`
	ApiKey    string `toml:"api_key"`
	ApiSecret string `toml:"api_secret"`
}

// RedisConfig holds Redis connection parameters for the shared quote cache.
type RedisConfig struct {
	Enabled    bool   `toml:"enabled"`
	Addr       string `toml:"addr"`
	Password   string `toml:"password"`
	DB         int    `toml:"db"`
	PoolSize   int    `toml:"pool_size"`
	MaxRetries int    `toml:"max_retries"`
	TLSEnabled bool   `toml:"tls_enabled"`
}

// PostgresConfig holds connection parameters for the audit sink.
type PostgresConfig struct {
	Enabled       bool   `toml:"enabled"`
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

// S3Config holds object storage parameters for the event archiver.
type S3Config struct {
	Enabled        bool     `toml:"enabled"`
	Endpoint       string   `toml:"endpoint"`
	Region         string   `toml:"region"`
	Bucket         string   `toml:"bucket"`
	AccessKey      string   `toml:"access_key"`
	SecretKey      string   `toml:"secret_key"`
	UseSSL         bool     `toml:"use_ssl"`
	ForcePathStyle bool     `toml:"force_path_style"`
	ArchiveAfter   duration `toml:"archive_after"`
}

// duration is a wrapper around time.Duration that supports TOML string
// decoding (e.g. "5m", "30s").
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

// Defaults returns the built-in configuration.
func Defaults() Config {
	return Config{
		Mode:     "paper",
		LogLevel: "info",
		Engine: EngineConfig{
			Pairs:             []string{"BTC-USDT"},
			SlippageMargin:    1.05,
			ReconcileInterval: duration{30 * time.Second},
		},
		Ledger: LedgerConfig{
			Deposits: map[string]float64{"USDT": 10000},
		},
		Oracle: OracleConfig{
			Timeout: duration{5 * time.Second},
			MaxAge:  duration{5 * time.Minute},
		},
		Redis: RedisConfig{
			Addr:     "localhost:6379",
			PoolSize: 10,
		},
		Postgres: PostgresConfig{
			Port:         5432,
			SSLMode:      "disable",
			PoolMaxConns: 4,
			PoolMinConns: 1,
		},
		S3: S3Config{
			Region:       "us-east-1",
			ArchiveAfter: duration{30 * 24 * time.Hour},
		},
	}
}

// Validate checks the configuration for structural problems. It is meant to
// be called once after Load.
func (c *Config) Validate() error {
	switch strings.ToLower(c.Mode) {
	case "paper", "live":
	default:
		return fmt.Errorf("config: unsupported mode %q (want paper or live)", c.Mode)
	}

	if len(c.Engine.Pairs) == 0 {
		return fmt.Errorf("config: engine.pairs must list at least one pair")
	}
	for _, pair := range c.Engine.Pairs {
		if !strings.Contains(pair, "-") {
			return fmt.Errorf("config: pair %q must have the BASE-QUOTE form", pair)
		}
	}
	if c.Engine.SlippageMargin < 1 {
		return fmt.Errorf("config: engine.slippage_margin must be >= 1")
	}

	if strings.ToLower(c.Mode) == "live" {
		if c.Exchange.ApiKey == "" || c.Exchange.ApiSecret == "" {
			return fmt.Errorf("config: live mode requires exchange.api_key and exchange.api_secret")
		}
	}

	if c.Postgres.Enabled && c.Postgres.DSN == "" && c.Postgres.Host == "" {
		return fmt.Errorf("config: postgres enabled but neither dsn nor host set")
	}
	if c.S3.Enabled {
		if c.S3.Bucket == "" {
			return fmt.Errorf("config: s3 enabled but bucket not set")
		}
		if !c.Postgres.Enabled {
			return fmt.Errorf("config: s3 archiver requires postgres to be enabled")
		}
	}
	return nil
}
