package app

import (
	"context"
	"io"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alanyoungcy/dutchauction/internal/config"
	"github.com/alanyoungcy/dutchauction/internal/domain"
	"github.com/alanyoungcy/dutchauction/internal/ledger"
	"github.com/alanyoungcy/dutchauction/internal/notify"
)

const owner = "0x1111111111111111111111111111111111111111"

func newTestApp(t *testing.T) (*App, *Dependencies, *ledger.MemoryRegistry) {
	t.Helper()
	cfg := config.Defaults()
	cfg.Auction.Owner = owner
	cfg.Auction.TotalCapacity = 100
	cfg.Ledger.Backend = "memory"
	cfg.Ledger.SeedSupply = 100
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	tokens := ledger.NewMemoryRegistry(nil)
	deps := &Dependencies{
		Tokens:   tokens,
		Minter:   memoryMinter{tokens},
		Refunds:  ledger.NewMemoryRefunds(cfg.Auction.ID),
		Notifier: notify.NewNotifier(nil, nil, logger),
	}
	return New(&cfg, logger), deps, tokens
}

func TestLoadEngine_DeploysAndSeeds(t *testing.T) {
	a, deps, tokens := newTestApp(t)
	ctx := context.Background()

	engine, err := a.loadEngine(ctx, deps, false)
	require.NoError(t, err)
	assert.Equal(t, domain.StageDeployed, engine.State().Stage)
	assert.Equal(t, owner, engine.Config().Owner)

	bal, err := tokens.BalanceOf(ctx, a.cfg.Auction.TokenAccount)
	require.NoError(t, err)
	assert.Equal(t, int64(100), bal)

	// A second deploy does not mint again.
	_, err = a.loadEngine(ctx, deps, false)
	require.NoError(t, err)
	bal, _ = tokens.BalanceOf(ctx, a.cfg.Auction.TokenAccount)
	assert.Equal(t, int64(100), bal)
}

func TestLoadEngine_SettleNeedsPersistedState(t *testing.T) {
	a, deps, _ := newTestApp(t)
	_, err := a.loadEngine(context.Background(), deps, true)
	assert.ErrorIs(t, err, domain.ErrNotFound)
}

func TestSettleMode_RequiresOperatorKey(t *testing.T) {
	a, deps, _ := newTestApp(t)
	err := a.SettleMode(context.Background(), deps)
	assert.ErrorIs(t, err, domain.ErrInvalidConfig)
}

func TestObserverMode_RequiresRedis(t *testing.T) {
	a, deps, _ := newTestApp(t)
	err := a.ObserverMode(context.Background(), deps)
	assert.ErrorIs(t, err, domain.ErrInvalidConfig)
}

func TestNewService_OwnerOperations(t *testing.T) {
	a, deps, _ := newTestApp(t)
	ctx := context.Background()
	engine, err := a.loadEngine(ctx, deps, false)
	require.NoError(t, err)
	svc := a.newService(engine, deps)

	_, err = svc.Setup(ctx, "0x2222222222222222222222222222222222222222", 90, 10, "TKN")
	assert.ErrorIs(t, err, domain.ErrUnauthorized)

	evs, err := svc.Setup(ctx, owner, 90, 10, "TKN")
	require.NoError(t, err)
	assert.Equal(t, []domain.EventKind{domain.EventAuctionSetup}, domain.Kinds(evs))
}

func TestAuctionConfig(t *testing.T) {
	cfg := config.Defaults()
	cfg.Auction.Owner = owner
	got := auctionConfig(&cfg)
	assert.Equal(t, domain.CurveLinear, got.Curve.Kind)
	assert.Equal(t, domain.AccountingUnits, got.Accounting)
	assert.True(t, got.Curve.StartPrice.Equal(cfg.Auction.Curve.StartPrice))
	require.NoError(t, got.Validate())
}
