package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/alanyoungcy/dutchauction/internal/auction"
	"github.com/alanyoungcy/dutchauction/internal/cache/redis"
	"github.com/alanyoungcy/dutchauction/internal/crypto"
	"github.com/alanyoungcy/dutchauction/internal/domain"
	"github.com/alanyoungcy/dutchauction/internal/server"
	"github.com/alanyoungcy/dutchauction/internal/server/handler"
	"github.com/alanyoungcy/dutchauction/internal/server/ws"
	"github.com/alanyoungcy/dutchauction/internal/service"
)

// ServeMode runs the engine behind the HTTP API and WebSocket hub, polls the
// deadline and holds the engine lease until ctx is cancelled.
func (a *App) ServeMode(ctx context.Context, deps *Dependencies) error {
	a.logger.InfoContext(ctx, "starting serve mode", slog.String("auction_id", a.cfg.Auction.ID))

	lease, err := a.acquireLease(ctx, deps)
	if err != nil {
		return err
	}
	if lease != nil {
		defer lease.Release()
	}

	engine, err := a.loadEngine(ctx, deps, false)
	if err != nil {
		return err
	}
	svc := a.newService(engine, deps)

	hub := ws.NewHub(deps.SignalBus, svc, a.hubConfig(), a.logger)
	if deps.SignalBus == nil {
		svc.WithLocalFanout(hub.Broadcast)
	}

	if a.cfg.Auction.AutoSetup && engine.State().Stage == domain.StageDeployed {
		if _, err := svc.Setup(ctx, a.cfg.Auction.Owner, a.cfg.Auction.Offering, a.cfg.Auction.Bonus, a.cfg.Auction.TokenRef); err != nil {
			return fmt.Errorf("app: auto setup: %w", err)
		}
	}

	srv := server.NewServer(a.serverConfig(), server.Handlers{
		Health:  handler.NewHealthHandler(deps.Checks, a.logger),
		Status:  handler.NewStatusHandler(svc, a.logger),
		Auction: handler.NewAuctionHandler(svc, a.logger),
		Bids:    handler.NewBidHandler(svc, a.logger),
		Reports: handler.NewReportHandler(svc, a.logger),
	}, server.Deps{
		Verifier: crypto.NewRequestVerifier(a.cfg.Server.MaxSkew.Duration, nil),
		Limiter:  deps.RateLimiter,
		Hub:      hub,
	}, a.logger)

	g, ctx := errgroup.WithContext(ctx)
	a.startHTTPServer(ctx, g, srv)
	g.Go(func() error {
		return hub.Run(ctx)
	})
	g.Go(func() error {
		return svc.RunPoller(ctx, a.cfg.Auction.PollInterval.Duration)
	})
	if lease != nil {
		g.Go(func() error {
			return lease.Keepalive(ctx)
		})
	}
	return g.Wait()
}

// ObserverMode serves the cached status and relays events from Redis. It
// never touches the engine, so any number of observers may run.
func (a *App) ObserverMode(ctx context.Context, deps *Dependencies) error {
	a.logger.InfoContext(ctx, "starting observer mode", slog.String("auction_id", a.cfg.Auction.ID))
	if deps.SignalBus == nil || deps.StatusCache == nil {
		return fmt.Errorf("app: observer mode requires redis: %w", domain.ErrInvalidConfig)
	}

	cached := service.NewCachedStatus(deps.StatusCache, a.cfg.Auction.ID)
	hub := ws.NewHub(deps.SignalBus, cached, a.hubConfig(), a.logger)
	srv := server.NewServer(a.serverConfig(), server.Handlers{
		Health: handler.NewHealthHandler(deps.Checks, a.logger),
		Status: handler.NewStatusHandler(cached, a.logger),
	}, server.Deps{
		Limiter: deps.RateLimiter,
		Hub:     hub,
	}, a.logger)

	g, ctx := errgroup.WithContext(ctx)
	a.startHTTPServer(ctx, g, srv)
	g.Go(func() error {
		return hub.Run(ctx)
	})
	return g.Wait()
}

// SettleMode restores a finished auction, distributes every allocation as
// the operator, archives the settlement report and returns.
func (a *App) SettleMode(ctx context.Context, deps *Dependencies) error {
	if deps.Signer == nil {
		return fmt.Errorf("app: settle mode requires the operator key: %w", domain.ErrInvalidConfig)
	}
	operator := deps.Signer.Address().Hex()
	a.logger.InfoContext(ctx, "starting settle mode",
		slog.String("auction_id", a.cfg.Auction.ID),
		slog.String("operator", operator),
	)

	lease, err := a.acquireLease(ctx, deps)
	if err != nil {
		return err
	}
	if lease != nil {
		defer lease.Release()
	}

	engine, err := a.loadEngine(ctx, deps, true)
	if err != nil {
		return err
	}
	svc := a.newService(engine, deps)

	// A lapsed deadline ends the auction here.
	if _, err := svc.Poll(ctx); err != nil {
		return fmt.Errorf("app: settle: poll: %w", err)
	}

	distributed := false
	switch stage := engine.State().Stage; stage {
	case domain.StageEnded:
		evs, err := svc.Distribute(ctx, operator)
		if err != nil {
			return fmt.Errorf("app: settle: %w", err)
		}
		distributed = len(evs) > 0
	case domain.StageDistributed:
		a.logger.InfoContext(ctx, "auction already distributed")
	default:
		return fmt.Errorf("app: settle: auction is %s: %w", stage, domain.ErrAuctionNotFinalized)
	}

	// Distribution archives through the service; a re-run archives again.
	if !distributed && deps.Archiver != nil {
		path, err := svc.ArchiveReport(ctx)
		if err != nil {
			return fmt.Errorf("app: settle: %w", err)
		}
		a.logger.InfoContext(ctx, "settlement report archived", slog.String("path", path))
	}

	st := engine.State()
	a.logger.InfoContext(ctx, "settlement complete",
		slog.String("ending_reason", st.EndingReason.String()),
		slog.String("clearing_price", st.ClearingPrice.Decimal.String()),
		slog.Int64("units_sold", st.UnitsSold),
	)
	return nil
}

// acquireLease takes the engine lease when Redis is configured. Only one
// process may own an auction's engine at a time.
func (a *App) acquireLease(ctx context.Context, deps *Dependencies) (domain.Lease, error) {
	if deps.LockManager == nil {
		a.logger.WarnContext(ctx, "no lock manager; running without an engine lease")
		return nil, nil
	}
	lease, err := deps.LockManager.Acquire(ctx, redis.LeaseKey(a.cfg.Auction.ID), a.cfg.Auction.LeaseTTL.Duration)
	if err != nil {
		return nil, fmt.Errorf("app: engine lease: %w", err)
	}
	return lease, nil
}

// loadEngine restores the auction from the journal, or deploys it fresh
// and seeds the token account when there is nothing to restore.
func (a *App) loadEngine(ctx context.Context, deps *Dependencies, mustExist bool) (*auction.Engine, error) {
	identity, err := crypto.NewOwnerIdentity(a.cfg.Auction.Owner)
	if err != nil {
		return nil, fmt.Errorf("app: owner identity: %w", err)
	}
	opts := auction.Options{
		Config:   auctionConfig(a.cfg),
		Registry: deps.Tokens,
		Refunds:  deps.Refunds,
		Identity: identity,
		Logger:   a.logger,
	}
	if deps.AuctionStore != nil {
		opts.Journal = deps.AuctionStore

		snap, err := deps.AuctionStore.Load(ctx, a.cfg.Auction.ID)
		switch {
		case err == nil:
			engine, err := auction.Restore(opts, snap)
			if err != nil {
				return nil, fmt.Errorf("app: restore auction: %w", err)
			}
			a.logger.InfoContext(ctx, "auction restored",
				slog.String("stage", snap.State.Stage.String()),
				slog.Uint64("event_seq", snap.State.EventSeq),
			)
			return engine, nil
		case !errors.Is(err, domain.ErrNotFound):
			return nil, fmt.Errorf("app: load auction: %w", err)
		}
	}
	if mustExist {
		return nil, fmt.Errorf("app: auction %s has no persisted state: %w", a.cfg.Auction.ID, domain.ErrNotFound)
	}

	if seed := a.cfg.Ledger.SeedSupply; seed > 0 {
		balance, err := deps.Tokens.BalanceOf(ctx, a.cfg.Auction.TokenAccount)
		if err != nil {
			return nil, fmt.Errorf("app: seed supply: %w", err)
		}
		if balance == 0 {
			if err := deps.Minter.Mint(ctx, a.cfg.Auction.TokenAccount, seed); err != nil {
				return nil, fmt.Errorf("app: seed supply: %w", err)
			}
			a.logger.InfoContext(ctx, "token account seeded",
				slog.String("account", a.cfg.Auction.TokenAccount),
				slog.Int64("quantity", seed),
			)
		}
	}

	engine, err := auction.New(opts)
	if err != nil {
		return nil, fmt.Errorf("app: deploy auction: %w", err)
	}
	a.logger.InfoContext(ctx, "auction deployed")
	return engine, nil
}

func (a *App) newService(engine *auction.Engine, deps *Dependencies) *service.AuctionService {
	var topics service.Topics
	if deps.SignalBus != nil {
		topics = service.Topics{
			Events: redis.EventsChannel(a.cfg.Auction.ID),
			Log:    redis.EventLogStream(a.cfg.Auction.ID),
		}
	}
	identity, _ := crypto.NewOwnerIdentity(a.cfg.Auction.Owner)

	svc := service.NewAuctionService(engine, deps.SignalBus, topics, deps.StatusCache, deps.AuditStore, identity, a.logger).
		WithDedup(service.NewDedup(a.cfg.Auction.IdempotencyTTL.Duration, nil))
	if deps.RateLimiter != nil && a.cfg.Auction.BidRateLimit > 0 {
		svc.WithBidLimit(deps.RateLimiter, service.BidLimit{
			Limit:  a.cfg.Auction.BidRateLimit,
			Window: a.cfg.Auction.BidRateWindow.Duration,
		})
	}
	if deps.Notifier.Enabled() {
		svc.WithNotifier(deps.Notifier)
	}
	if deps.Archiver != nil {
		var signer service.ReportSigner
		if deps.Signer != nil {
			signer = deps.Signer
		}
		svc.WithReportArchive(signer, deps.Archiver)
	}
	if deps.RefundQueue != nil {
		svc.WithRefundQueue(deps.RefundQueue)
	}
	return svc
}

func (a *App) hubConfig() ws.Config {
	id := a.cfg.Auction.ID
	return ws.Config{
		AuctionID: id,
		Channel:   redis.EventsChannel(id),
		LogStream: redis.EventLogStream(id),
	}
}

func (a *App) serverConfig() server.Config {
	return server.Config{
		Port:            a.cfg.Server.Port,
		CORSOrigins:     a.cfg.Server.CORSOrigins,
		APIKey:          a.cfg.Server.APIKey,
		RateLimit:       a.cfg.Server.RateLimit,
		RateLimitWindow: a.cfg.Server.RateLimitWindow.Duration,
	}
}

// startHTTPServer runs srv in g and shuts it down when ctx is done.
func (a *App) startHTTPServer(ctx context.Context, g *errgroup.Group, srv *server.Server) {
	g.Go(func() error {
		a.logger.InfoContext(ctx, "HTTP server listening",
			slog.Int("port", a.cfg.Server.Port),
			slog.String("url", fmt.Sprintf("http://localhost:%d", a.cfg.Server.Port)))
		return srv.Start()
	})
	g.Go(func() error {
		<-ctx.Done()
		shutCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(shutCtx)
	})
}
