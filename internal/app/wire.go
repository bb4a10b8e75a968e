package app

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	s3blob "github.com/alanyoungcy/dutchauction/internal/blob/s3"
	"github.com/alanyoungcy/dutchauction/internal/cache/redis"
	"github.com/alanyoungcy/dutchauction/internal/config"
	"github.com/alanyoungcy/dutchauction/internal/crypto"
	"github.com/alanyoungcy/dutchauction/internal/domain"
	"github.com/alanyoungcy/dutchauction/internal/ledger"
	"github.com/alanyoungcy/dutchauction/internal/notify"
	"github.com/alanyoungcy/dutchauction/internal/server/handler"
	"github.com/alanyoungcy/dutchauction/internal/store/postgres"
)

// Minter credits fresh supply to an account. Both token registries
// implement it.
type Minter interface {
	Mint(ctx context.Context, account string, quantity int64) error
}

// Dependencies bundles every collaborator the modes need. It is constructed
// by Wire and torn down by the returned cleanup function. Optional parts are
// nil when their backend is disabled.
type Dependencies struct {
	// Persistence
	AuctionStore *postgres.AuctionStore
	AuditStore   domain.AuditStore
	RefundQueue  domain.RefundQueue

	// Ledger
	Tokens  domain.TokenRegistry
	Minter  Minter
	Refunds domain.CurrencyTransfer

	// Caches
	SignalBus   domain.SignalBus
	LockManager domain.LockManager
	RateLimiter domain.RateLimiter
	StatusCache domain.StatusCache

	// Blob storage
	Archiver domain.ReportArchiver

	// Operator key; nil when no wallet is configured.
	Signer *crypto.Signer

	Notifier *notify.Notifier

	// Health probes keyed by dependency name.
	Checks map[string]handler.CheckFunc
}

// needsPostgres returns true for modes that run or restore the engine.
func needsPostgres(cfg *config.Config) bool {
	return cfg.Postgres.Enabled && strings.ToLower(cfg.Mode) != "observer"
}

// Wire constructs all concrete dependency implementations from the given
// configuration and returns them together with a cleanup function that should
// be called on shutdown to release resources.
func Wire(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*Dependencies, func(), error) {
	var closers []func()
	cleanup := func() {
		for i := len(closers) - 1; i >= 0; i-- {
			closers[i]()
		}
	}
	fail := func(what string, err error) (*Dependencies, func(), error) {
		cleanup()
		return nil, nil, fmt.Errorf("wire: %s: %w", what, err)
	}

	deps := &Dependencies{Checks: make(map[string]handler.CheckFunc)}
	auctionID := cfg.Auction.ID

	// --- PostgreSQL ---
	if needsPostgres(cfg) {
		pgClient, err := postgres.New(ctx, postgres.ClientConfig{
			DSN:      cfg.Postgres.DSN,
			Host:     cfg.Postgres.Host,
			Port:     cfg.Postgres.Port,
			Database: cfg.Postgres.Database,
			User:     cfg.Postgres.User,
			Password: cfg.Postgres.Password,
			SSLMode:  cfg.Postgres.SSLMode,
			MaxConns: cfg.Postgres.PoolMaxConns,
			MinConns: cfg.Postgres.PoolMinConns,
			AppName:  "auctiond",
		})
		if err != nil {
			return fail("postgres", err)
		}
		closers = append(closers, pgClient.Close)

		if cfg.Postgres.RunMigrations {
			if err := pgClient.RunMigrations(ctx); err != nil {
				return fail("postgres migrations", err)
			}
		}

		pool := pgClient.Pool()
		deps.AuctionStore = postgres.NewAuctionStore(pool)
		deps.AuditStore = postgres.NewAuditStore(pool, auctionID)
		deps.Checks["postgres"] = pgClient.Ping

		if cfg.Ledger.Backend == "postgres" {
			tokens := postgres.NewTokenStore(pool)
			refunds := postgres.NewRefundStore(pool, auctionID)
			deps.AuctionStore.WithRefunds()
			deps.Tokens, deps.Minter = tokens, tokens
			deps.Refunds, deps.RefundQueue = refunds, refunds
		}
	}

	// --- In-memory ledger ---
	if deps.Tokens == nil {
		tokens := ledger.NewMemoryRegistry(nil)
		deps.Tokens, deps.Minter = tokens, memoryMinter{tokens}
		deps.Refunds = ledger.NewMemoryRefunds(auctionID)
		logger.Warn("using in-memory ledger; balances and refunds are lost on restart")
	}

	// --- Redis ---
	if cfg.Redis.Enabled {
		redisClient, err := redis.New(ctx, redis.ClientConfig{
			Addr:       cfg.Redis.Addr,
			Password:   cfg.Redis.Password,
			DB:         cfg.Redis.DB,
			PoolSize:   cfg.Redis.PoolSize,
			MaxRetries: cfg.Redis.MaxRetries,
			TLSEnabled: cfg.Redis.TLSEnabled,
			Namespace:  cfg.Redis.Namespace,
		})
		if err != nil {
			return fail("redis", err)
		}
		closers = append(closers, func() { _ = redisClient.Close() })

		deps.SignalBus = redis.NewSignalBus(redisClient, cfg.Redis.StreamMaxLen)
		deps.LockManager = redis.NewLockManager(redisClient)
		deps.RateLimiter = redis.NewRateLimiter(redisClient)
		deps.StatusCache = redis.NewStatusCache(redisClient, cfg.Redis.StatusTTL.Duration)
		deps.Checks["redis"] = redisClient.Ping
	}

	// --- S3 report archive ---
	if cfg.S3.Enabled && strings.ToLower(cfg.Mode) != "observer" {
		s3Client, err := s3blob.New(ctx, s3blob.ClientConfig{
			Endpoint:       cfg.S3.Endpoint,
			Region:         cfg.S3.Region,
			Bucket:         cfg.S3.Bucket,
			AccessKey:      cfg.S3.AccessKey,
			SecretKey:      cfg.S3.SecretKey,
			UseSSL:         cfg.S3.UseSSL,
			ForcePathStyle: cfg.S3.ForcePathStyle,
			Prefix:         cfg.S3.Prefix,
		})
		if err != nil {
			return fail("s3", err)
		}
		var events s3blob.EventSource
		if deps.AuctionStore != nil {
			events = deps.AuctionStore
		}
		deps.Archiver = s3blob.NewReportArchiver(
			s3blob.NewWriter(s3Client),
			s3blob.NewReader(s3Client),
			events,
			deps.AuditStore,
		)
		deps.Checks["s3"] = s3Client.Health
	}

	// --- Operator key ---
	if cfg.Wallet.HasKey() {
		signer, err := crypto.LoadSigner(crypto.KeyConfig{
			RawPrivateKey:    cfg.Wallet.PrivateKey,
			EncryptedKeyPath: cfg.Wallet.EncryptedKeyPath,
			KeyPassword:      cfg.Wallet.KeyPassword,
		}, cfg.Wallet.ChainID)
		if err != nil {
			return fail("wallet", err)
		}
		deps.Signer = signer
		logger.Info("operator key loaded", slog.String("address", signer.Address().Hex()))
	}

	// --- Notifications ---
	var senders []notify.Sender
	if cfg.Notify.TelegramToken != "" && cfg.Notify.TelegramChatID != "" {
		senders = append(senders, notify.NewTelegramSender(
			cfg.Notify.TelegramToken,
			cfg.Notify.TelegramChatID,
		))
	}
	if cfg.Notify.DiscordWebhookURL != "" {
		senders = append(senders, notify.NewDiscordSender(cfg.Notify.DiscordWebhookURL))
	}
	deps.Notifier = notify.NewNotifier(senders, cfg.Notify.Events, logger)

	return deps, cleanup, nil
}

// memoryMinter adapts the in-memory registry's Mint to Minter.
type memoryMinter struct {
	reg *ledger.MemoryRegistry
}

func (m memoryMinter) Mint(_ context.Context, account string, quantity int64) error {
	m.reg.Mint(account, quantity)
	return nil
}

// auctionConfig converts the file configuration into the engine's
// deploy-time config.
func auctionConfig(cfg *config.Config) domain.AuctionConfig {
	a := cfg.Auction
	return domain.AuctionConfig{
		ID: a.ID,
		Curve: domain.CurveConfig{
			Kind:       domain.CurveKind(a.Curve.Kind),
			StartPrice: a.Curve.StartPrice,
			PriceStep:  a.Curve.PriceStep,
			PriceFloor: a.Curve.PriceFloor,
			Constant:   a.Curve.Constant,
			Exponent:   a.Curve.Exponent,
			Tick:       a.Curve.Tick.Duration,
			Divisor:    a.Curve.Divisor,
			Period:     a.Curve.Period.Duration,
			Precision:  a.Curve.Precision,
		},
		TotalCapacity: a.TotalCapacity,
		Duration:      a.Duration.Duration,
		Accounting:    domain.Accounting(a.Accounting),
		Owner:         a.Owner,
		TokenAccount:  a.TokenAccount,
	}
}
