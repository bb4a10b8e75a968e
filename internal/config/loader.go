package config

import (
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/joho/godotenv"
	"github.com/shopspring/decimal"
)

// Load reads a TOML configuration file at path, merges it on top of the
// built-in defaults, applies AUCTION_* environment variable overrides, and
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

// applyEnvOverrides reads well-known AUCTION_* environment variables and
// overwrites the corresponding Config fields when a variable is set (i.e. not
// empty). This lets operators inject secrets at deploy time without touching
// the TOML file.
func applyEnvOverrides(cfg *Config) {
	// ── Auction ──
	setStr(&cfg.Auction.ID, "AUCTION_ID")
	setInt64(&cfg.Auction.TotalCapacity, "AUCTION_TOTAL_CAPACITY")
	setDuration(&cfg.Auction.Duration, "AUCTION_DURATION")
	setStr(&cfg.Auction.Accounting, "AUCTION_ACCOUNTING")
	setStr(&cfg.Auction.Owner, "AUCTION_OWNER")
	setStr(&cfg.Auction.TokenAccount, "AUCTION_TOKEN_ACCOUNT")
	setInt64(&cfg.Auction.Offering, "AUCTION_OFFERING")
	setInt64(&cfg.Auction.Bonus, "AUCTION_BONUS")
	setStr(&cfg.Auction.TokenRef, "AUCTION_TOKEN_REF")
	setBool(&cfg.Auction.AutoSetup, "AUCTION_AUTO_SETUP")
	setDuration(&cfg.Auction.PollInterval, "AUCTION_POLL_INTERVAL")
	setInt(&cfg.Auction.BidRateLimit, "AUCTION_BID_RATE_LIMIT")

	// ── Curve ──
	setStr(&cfg.Auction.Curve.Kind, "AUCTION_CURVE_KIND")
	setDecimal(&cfg.Auction.Curve.StartPrice, "AUCTION_CURVE_START_PRICE")
	setDecimal(&cfg.Auction.Curve.PriceStep, "AUCTION_CURVE_PRICE_STEP")
	setDecimal(&cfg.Auction.Curve.PriceFloor, "AUCTION_CURVE_PRICE_FLOOR")

	// ── Wallet ──
	setStr(&cfg.Wallet.PrivateKey, "AUCTION_WALLET_PRIVATE_KEY")
	setStr(&cfg.Wallet.EncryptedKeyPath, "AUCTION_WALLET_ENCRYPTED_KEY_PATH")
	setStr(&cfg.Wallet.KeyPassword, "AUCTION_WALLET_KEY_PASSWORD")
	setInt64(&cfg.Wallet.ChainID, "AUCTION_WALLET_CHAIN_ID")

	// ── Postgres ──
	setBool(&cfg.Postgres.Enabled, "AUCTION_POSTGRES_ENABLED")
	setStr(&cfg.Postgres.DSN, "DATABASE_URL")
	setStr(&cfg.Postgres.DSN, "AUCTION_POSTGRES_DSN")
	setStr(&cfg.Postgres.Host, "AUCTION_POSTGRES_HOST")
	setInt(&cfg.Postgres.Port, "AUCTION_POSTGRES_PORT")
	setStr(&cfg.Postgres.Database, "AUCTION_POSTGRES_DATABASE")
	setStr(&cfg.Postgres.User, "AUCTION_POSTGRES_USER")
	setStr(&cfg.Postgres.Password, "AUCTION_POSTGRES_PASSWORD")
	setStr(&cfg.Postgres.SSLMode, "AUCTION_POSTGRES_SSL_MODE")
	setInt(&cfg.Postgres.PoolMaxConns, "AUCTION_POSTGRES_POOL_MAX_CONNS")
	setInt(&cfg.Postgres.PoolMinConns, "AUCTION_POSTGRES_POOL_MIN_CONNS")
	setBool(&cfg.Postgres.RunMigrations, "AUCTION_POSTGRES_RUN_MIGRATIONS")

	// ── Redis ──
	setBool(&cfg.Redis.Enabled, "AUCTION_REDIS_ENABLED")
	setStr(&cfg.Redis.Addr, "AUCTION_REDIS_ADDR")
	setStr(&cfg.Redis.Password, "AUCTION_REDIS_PASSWORD")
	setInt(&cfg.Redis.DB, "AUCTION_REDIS_DB")
	setInt(&cfg.Redis.PoolSize, "AUCTION_REDIS_POOL_SIZE")
	setInt(&cfg.Redis.MaxRetries, "AUCTION_REDIS_MAX_RETRIES")
	setBool(&cfg.Redis.TLSEnabled, "AUCTION_REDIS_TLS_ENABLED")
	setStr(&cfg.Redis.Namespace, "AUCTION_REDIS_NAMESPACE")

	// ── S3 ──
	setBool(&cfg.S3.Enabled, "AUCTION_S3_ENABLED")
	setStr(&cfg.S3.Endpoint, "AUCTION_S3_ENDPOINT")
	setStr(&cfg.S3.Region, "AUCTION_S3_REGION")
	setStr(&cfg.S3.Bucket, "AUCTION_S3_BUCKET")
	setStr(&cfg.S3.AccessKey, "AUCTION_S3_ACCESS_KEY")
	setStr(&cfg.S3.SecretKey, "AUCTION_S3_SECRET_KEY")
	setBool(&cfg.S3.UseSSL, "AUCTION_S3_USE_SSL")
	setBool(&cfg.S3.ForcePathStyle, "AUCTION_S3_FORCE_PATH_STYLE")
	setStr(&cfg.S3.Prefix, "AUCTION_S3_PREFIX")

	// ── Ledger ──
	setStr(&cfg.Ledger.Backend, "AUCTION_LEDGER_BACKEND")
	setInt64(&cfg.Ledger.SeedSupply, "AUCTION_LEDGER_SEED_SUPPLY")

	// ── Server ──
	setInt(&cfg.Server.Port, "AUCTION_SERVER_PORT")
	setStringSlice(&cfg.Server.CORSOrigins, "AUCTION_SERVER_CORS_ORIGINS")
	setStr(&cfg.Server.APIKey, "AUCTION_SERVER_API_KEY")
	setInt(&cfg.Server.RateLimit, "AUCTION_SERVER_RATE_LIMIT")

	// ── Notify ──
	setStr(&cfg.Notify.TelegramToken, "AUCTION_NOTIFY_TELEGRAM_TOKEN")
	setStr(&cfg.Notify.TelegramChatID, "AUCTION_NOTIFY_TELEGRAM_CHAT_ID")
	setStr(&cfg.Notify.DiscordWebhookURL, "AUCTION_NOTIFY_DISCORD_WEBHOOK_URL")
	setStringSlice(&cfg.Notify.Events, "AUCTION_NOTIFY_EVENTS")

	// ── Top-level ──
	setStr(&cfg.Mode, "AUCTION_MODE")
	setStr(&cfg.LogLevel, "AUCTION_LOG_LEVEL")
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

func setInt64(dst *int64, key string) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil {
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

func setDecimal(dst *decimal.Decimal, key string) {
	if v := os.Getenv(key); v != "" {
		if d, err := decimal.NewFromString(v); err == nil {
			*dst = d
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
