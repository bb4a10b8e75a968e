// Package config defines the top-level configuration for the auction daemon
// and provides validation helpers.
package config

import (
	"fmt"
	"math"
	"regexp"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// Config is the root configuration structure. Fields are populated from a TOML
// file and then optionally overridden by AUCTION_* environment variables.
type Config struct {
	Auction  AuctionConfig  `toml:"auction"`
	Wallet   WalletConfig   `toml:"wallet"`
	Postgres PostgresConfig `toml:"postgres"`
	Redis    RedisConfig    `toml:"redis"`
	S3       S3Config       `toml:"s3"`
	Ledger   LedgerConfig   `toml:"ledger"`
	Server   ServerConfig   `toml:"server"`
	Notify   NotifyConfig   `toml:"notify"`
	Mode     string         `toml:"mode"`
	LogLevel string         `toml:"log_level"`
}

// AuctionConfig is fixed at deploy time. Owner is the address allowed to
// run setup, start, end and distribute.
type AuctionConfig struct {
	ID            string      `toml:"id"`
	TotalCapacity int64       `toml:"total_capacity"`
	Duration      duration    `toml:"duration"`
	Accounting    string      `toml:"accounting"`
	Owner         string      `toml:"owner"`
	TokenAccount  string      `toml:"token_account"`
	Curve         CurveConfig `toml:"curve"`

	// Offering, Bonus and TokenRef are used by the settle mode and by the
	// serve mode's optional auto-setup.
	Offering  int64  `toml:"offering"`
	Bonus     int64  `toml:"bonus"`
	TokenRef  string `toml:"token_ref"`
	AutoSetup bool   `toml:"auto_setup"`

	PollInterval   duration `toml:"poll_interval"`
	LeaseTTL       duration `toml:"lease_ttl"`
	IdempotencyTTL duration `toml:"idempotency_ttl"`
	BidRateLimit   int      `toml:"bid_rate_limit"`
	BidRateWindow  duration `toml:"bid_rate_window"`
}

// CurveConfig selects and parameterises the price curve. Prices are decimals
// and may be written as TOML strings ("0.05") to avoid float rounding.
type CurveConfig struct {
	Kind       string          `toml:"kind"`
	StartPrice decimal.Decimal `toml:"start_price"`
	PriceStep  decimal.Decimal `toml:"price_step"`
	PriceFloor decimal.Decimal `toml:"price_floor"`
	Constant   decimal.Decimal `toml:"constant"`
	Exponent   int             `toml:"exponent"`
	Tick       duration        `toml:"tick"`
	Divisor    decimal.Decimal `toml:"divisor"`
	Period     duration        `toml:"period"`
	Precision  int32           `toml:"precision"`
}

// WalletConfig holds the operator key used to attest settlement reports.
type WalletConfig struct {
	PrivateKey       string `toml:"private_key"`
	EncryptedKeyPath string `toml:"encrypted_key_path"`
	KeyPassword      string `toml:"key_password"`
	ChainID          int64  `toml:"chain_id"`
}

// HasKey reports whether any key source is configured.
func (w WalletConfig) HasKey() bool {
	return w.PrivateKey != "" || w.EncryptedKeyPath != ""
}

// PostgresConfig holds PostgreSQL connection parameters.
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

// RedisConfig holds Redis connection parameters.
type RedisConfig struct {
	Enabled      bool     `toml:"enabled"`
	Addr         string   `toml:"addr"`
	Password     string   `toml:"password"`
	DB           int      `toml:"db"`
	PoolSize     int      `toml:"pool_size"`
	MaxRetries   int      `toml:"max_retries"`
	TLSEnabled   bool     `toml:"tls_enabled"`
	Namespace    string   `toml:"namespace"`
	StatusTTL    duration `toml:"status_ttl"`
	StreamMaxLen int64    `toml:"stream_max_len"`
}

// S3Config holds S3-compatible object storage parameters.
type S3Config struct {
	Enabled        bool   `toml:"enabled"`
	Endpoint       string `toml:"endpoint"`
	Region         string `toml:"region"`
	Bucket         string `toml:"bucket"`
	AccessKey      string `toml:"access_key"`
	SecretKey      string `toml:"secret_key"`
	UseSSL         bool   `toml:"use_ssl"`
	ForcePathStyle bool   `toml:"force_path_style"`
	Prefix         string `toml:"prefix"`
}

// LedgerConfig selects where token balances and refunds live.
type LedgerConfig struct {
	// Backend is "postgres" or "memory".
	Backend string `toml:"backend"`
	// SeedSupply is credited to the auction's token account on first
	// deploy. Zero leaves balances untouched.
	SeedSupply int64 `toml:"seed_supply"`
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

// ServerConfig holds HTTP server parameters.
type ServerConfig struct {
	Port            int      `toml:"port"`
	CORSOrigins     []string `toml:"cors_origins"`
	APIKey          string   `toml:"api_key"`
	RateLimit       int      `toml:"rate_limit"`
	RateLimitWindow duration `toml:"rate_limit_window"`
	MaxSkew         duration `toml:"max_skew"`
}

// NotifyConfig holds notification channel credentials.
type NotifyConfig struct {
	TelegramToken     string   `toml:"telegram_token"`
	TelegramChatID    string   `toml:"telegram_chat_id"`
	DiscordWebhookURL string   `toml:"discord_webhook_url"`
	Events            []string `toml:"events"`
}

// Defaults returns a Config populated with reasonable default values.
// These match the values in config.example.toml.
func Defaults() Config {
	return Config{
		Auction: AuctionConfig{
			ID:            "default",
			TotalCapacity: 100_000,
			Duration:      duration{7 * 24 * time.Hour},
			Accounting:    "units",
			TokenAccount:  "auction-treasury",
			Curve: CurveConfig{
				Kind:       "linear",
				StartPrice: decimal.NewFromInt(1),
				PriceStep:  decimal.RequireFromString("0.001"),
				PriceFloor: decimal.RequireFromString("0.01"),
				Precision:  6,
			},
			PollInterval:   duration{time.Second},
			LeaseTTL:       duration{15 * time.Second},
			IdempotencyTTL: duration{10 * time.Minute},
			BidRateLimit:   10,
			BidRateWindow:  duration{time.Second},
		},
		Wallet: WalletConfig{
			ChainID: 1,
		},
		Postgres: PostgresConfig{
			Enabled:       true,
			Host:          "localhost",
			Port:          5432,
			Database:      "postgres",
			User:          "postgres",
			SSLMode:       "disable",
			PoolMaxConns:  10,
			PoolMinConns:  2,
			RunMigrations: true,
		},
		Redis: RedisConfig{
			Enabled:      true,
			Addr:         "localhost:6379",
			PoolSize:     20,
			MaxRetries:   3,
			Namespace:    "dutchauction",
			StatusTTL:    duration{time.Minute},
			StreamMaxLen: 100_000,
		},
		S3: S3Config{
			Enabled:        false,
			Endpoint:       "http://localhost:9000",
			Region:         "us-east-1",
			Bucket:         "auction-reports",
			ForcePathStyle: true,
		},
		Ledger: LedgerConfig{
			Backend: "postgres",
		},
		Server: ServerConfig{
			Port:            8000,
			CORSOrigins:     []string{"http://localhost:3000", "http://localhost:5173"},
			RateLimit:       120,
			RateLimitWindow: duration{time.Minute},
			MaxSkew:         duration{30 * time.Second},
		},
		Notify: NotifyConfig{
			Events: []string{"auction_ended", "tokens_distributed"},
		},
		Mode:     "serve",
		LogLevel: "info",
	}
}

// validModes enumerates the accepted values for Config.Mode.
var validModes = map[string]bool{
	"serve":    true,
	"observer": true,
	"settle":   true,
}

// validLogLevels enumerates the accepted values for Config.LogLevel.
var validLogLevels = map[string]bool{
	"debug": true,
	"info":  true,
	"warn":  true,
	"error": true,
}

var validCurves = map[string]bool{
	"linear":      true,
	"convex":      true,
	"exponential": true,
}

var addressRe = regexp.MustCompile(`^0x[0-9a-fA-F]{40}$`)

// Validate checks Config for obviously invalid or missing values and returns a
// combined error describing every problem found.
func (c *Config) Validate() error {
	var errs []string
	mode := strings.ToLower(c.Mode)

	if !validModes[mode] {
		errs = append(errs, fmt.Sprintf("unknown mode %q (valid: serve, observer, settle)", c.Mode))
	}
	if !validLogLevels[strings.ToLower(c.LogLevel)] {
		errs = append(errs, fmt.Sprintf("unknown log_level %q (valid: debug, info, warn, error)", c.LogLevel))
	}

	// Auction
	a := c.Auction
	if strings.TrimSpace(a.ID) == "" {
		errs = append(errs, "auction: id must not be empty")
	}
	if mode != "observer" {
		if a.TotalCapacity <= 0 {
			errs = append(errs, "auction: total_capacity must be > 0")
		}
		if a.Duration.Duration < 0 {
			errs = append(errs, "auction: duration must not be negative")
		}
		if a.Accounting != "units" && a.Accounting != "value" {
			errs = append(errs, fmt.Sprintf("auction: accounting must be units or value, got %q", a.Accounting))
		}
		if !addressRe.MatchString(a.Owner) {
			errs = append(errs, fmt.Sprintf("auction: owner must be a 0x-prefixed address, got %q", a.Owner))
		}
		if a.TokenAccount == "" {
			errs = append(errs, "auction: token_account must not be empty")
		}
		if a.Offering < 0 || a.Bonus < 0 {
			errs = append(errs, "auction: offering and bonus must not be negative")
		}
		if a.AutoSetup && a.Offering+a.Bonus > a.TotalCapacity {
			errs = append(errs, "auction: offering + bonus must not exceed total_capacity")
		}
		if a.PollInterval.Duration <= 0 {
			errs = append(errs, "auction: poll_interval must be > 0")
		}
		errs = append(errs, c.validateCurve()...)
	}

	// Wallet
	if c.Wallet.EncryptedKeyPath != "" && c.Wallet.KeyPassword == "" {
		errs = append(errs, "wallet: key_password is required when encrypted_key_path is set")
	}
	if mode == "settle" && !c.Wallet.HasKey() {
		errs = append(errs, "wallet: settle mode signs as the operator; set private_key or encrypted_key_path")
	}
	if c.Wallet.ChainID <= 0 {
		errs = append(errs, "wallet: chain_id must be positive")
	}

	// Ledger and Postgres
	switch c.Ledger.Backend {
	case "memory":
		if mode == "settle" {
			errs = append(errs, "ledger: settle mode needs the postgres backend to restore the auction")
		}
	case "postgres":
		if !c.Postgres.Enabled && mode != "observer" {
			errs = append(errs, "ledger: backend postgres requires postgres.enabled")
		}
	default:
		errs = append(errs, fmt.Sprintf("ledger: backend must be postgres or memory, got %q", c.Ledger.Backend))
	}
	if c.Ledger.SeedSupply < 0 {
		errs = append(errs, "ledger: seed_supply must not be negative")
	}
	if c.Postgres.Enabled {
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
		if c.Postgres.PoolMinConns > c.Postgres.PoolMaxConns {
			errs = append(errs, "postgres: pool_min_conns must not exceed pool_max_conns")
		}
	}

	// Redis
	if mode == "observer" && !c.Redis.Enabled {
		errs = append(errs, "redis: observer mode reads events and status from redis; enable it")
	}
	if c.Redis.Enabled {
		if c.Redis.Addr == "" {
			errs = append(errs, "redis: addr must not be empty")
		}
		if c.Redis.PoolSize < 1 {
			errs = append(errs, "redis: pool_size must be >= 1")
		}
	}

	// S3
	if c.S3.Enabled {
		if c.S3.Bucket == "" {
			errs = append(errs, "s3: bucket must not be empty")
		}
		if c.S3.Region == "" {
			errs = append(errs, "s3: region must not be empty")
		}
	}

	// Server
	if mode != "settle" {
		if c.Server.Port <= 0 || c.Server.Port > 65535 {
			errs = append(errs, fmt.Sprintf("server: port must be 1-65535, got %d", c.Server.Port))
		}
		if c.Server.RateLimit < 0 {
			errs = append(errs, "server: rate_limit must not be negative")
		}
	}

	// Notify
	if (c.Notify.TelegramToken == "") != (c.Notify.TelegramChatID == "") {
		errs = append(errs, "notify: telegram_token and telegram_chat_id must be set together")
	}

	if len(errs) > 0 {
		return fmt.Errorf("config validation failed:\n  - %s", strings.Join(errs, "\n  - "))
	}
	return nil
}

func (c *Config) validateCurve() []string {
	var errs []string
	cv := c.Auction.Curve
	if !validCurves[cv.Kind] {
		errs = append(errs, fmt.Sprintf("auction.curve: unknown kind %q (valid: linear, convex, exponential)", cv.Kind))
	}
	if !cv.StartPrice.IsPositive() {
		errs = append(errs, "auction.curve: start_price must be > 0")
	}
	if cv.PriceFloor.IsNegative() || cv.PriceFloor.GreaterThan(cv.StartPrice) {
		errs = append(errs, "auction.curve: price_floor must be within [0, start_price]")
	}
	if cv.Precision < 0 || cv.Precision > 18 {
		errs = append(errs, "auction.curve: precision must be within [0, 18]")
	} else if cv.StartPrice.IsPositive() && c.Auction.TotalCapacity > 0 {
		// Allocations are whole units at prices as small as one unit at precision.
		most := cv.StartPrice.Mul(decimal.NewFromInt(c.Auction.TotalCapacity)).Shift(cv.Precision)
		if most.GreaterThan(decimal.NewFromInt(math.MaxInt64)) {
			errs = append(errs, fmt.Sprintf("auction.curve: total_capacity * start_price at precision %d overflows unit counts", cv.Precision))
		}
	}
	switch cv.Kind {
	case "linear":
		if cv.PriceStep.IsNegative() {
			errs = append(errs, "auction.curve: price_step must not be negative")
		}
	case "convex":
		if !cv.Constant.IsPositive() {
			errs = append(errs, "auction.curve: constant must be > 0")
		}
		if cv.Exponent < 1 || cv.Exponent > 8 {
			errs = append(errs, "auction.curve: exponent must be within [1, 8]")
		}
		if cv.Tick.Duration <= 0 {
			errs = append(errs, "auction.curve: tick must be > 0")
		}
	case "exponential":
		if cv.Divisor.LessThanOrEqual(decimal.NewFromInt(1)) {
			errs = append(errs, "auction.curve: divisor must be > 1")
		}
		if cv.Period.Duration <= 0 {
			errs = append(errs, "auction.curve: period must be > 0")
		}
	}
	return errs
}
