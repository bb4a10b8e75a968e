package auction

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"

	"github.com/alanyoungcy/dutchauction/internal/domain"
	"github.com/alanyoungcy/dutchauction/internal/ledger"
)

const (
	owner    = "0xowner"
	treasury = "treasury"
	day      = 24 * time.Hour
)

var errBoom = errors.New("boom")

func dec(s string) decimal.Decimal { return decimal.RequireFromString(s) }

func num(n int64) decimal.Decimal { return decimal.NewFromInt(n) }

type manualClock struct {
	mu  sync.Mutex
	now time.Time
}

func newManualClock() *manualClock {
	return &manualClock{now: time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)}
}

func (c *manualClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *manualClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

// flakyRegistry fails transfers to the listed participants a fixed number
// of times.
type flakyRegistry struct {
	*ledger.MemoryRegistry
	mu    sync.Mutex
	fails map[string]int
	calls map[string]int
}

func newFlakyRegistry(reg *ledger.MemoryRegistry, fails map[string]int) *flakyRegistry {
	return &flakyRegistry{MemoryRegistry: reg, fails: fails, calls: make(map[string]int)}
}

func (r *flakyRegistry) Transfer(ctx context.Context, from, to string, qty int64) error {
	r.mu.Lock()
	r.calls[to]++
	if r.fails[to] > 0 {
		r.fails[to]--
		r.mu.Unlock()
		return errBoom
	}
	r.mu.Unlock()
	return r.MemoryRegistry.Transfer(ctx, from, to, qty)
}

type failingRefunds struct{}

func (failingRefunds) Refund(context.Context, string, decimal.Decimal) error { return errBoom }

type fixture struct {
	engine   *Engine
	registry *ledger.MemoryRegistry
	refunds  *ledger.MemoryRefunds
	clock    *manualClock
	changes  []Change
}

func linearConfig(start, step, floor string, capacity int64) domain.AuctionConfig {
	return domain.AuctionConfig{
		ID: "a1",
		Curve: domain.CurveConfig{
			Kind:       domain.CurveLinear,
			StartPrice: dec(start),
			PriceStep:  dec(step),
			PriceFloor: dec(floor),
		},
		TotalCapacity: capacity,
		Accounting:    domain.AccountingUnits,
		Owner:         owner,
		TokenAccount:  treasury,
	}
}

func exponentialConfig(capacity int64, accounting domain.Accounting) domain.AuctionConfig {
	return domain.AuctionConfig{
		ID: "a1",
		Curve: domain.CurveConfig{
			Kind:       domain.CurveExponential,
			StartPrice: num(20),
			PriceFloor: decimal.Zero,
			Divisor:    dec("1.3"),
			Period:     day,
		},
		TotalCapacity: capacity,
		Accounting:    accounting,
		Owner:         owner,
		TokenAccount:  treasury,
	}
}

// newFixture builds an engine whose treasury holds supply units. opts may
// override collaborators before the engine is created.
func newFixture(t require.TestingT, cfg domain.AuctionConfig, supply int64, opts ...func(*Options)) *fixture {
	f := &fixture{
		registry: ledger.NewMemoryRegistry(map[string]int64{treasury: supply}),
		refunds:  ledger.NewMemoryRefunds(cfg.ID),
		clock:    newManualClock(),
	}
	o := Options{
		Config:   cfg,
		Registry: f.registry,
		Refunds:  f.refunds,
		Clock:    f.clock,
		Journal: JournalFunc(func(_ context.Context, c Change) error {
			f.changes = append(f.changes, c)
			return nil
		}),
	}
	for _, fn := range opts {
		fn(&o)
	}
	e, err := New(o)
	require.NoError(t, err)
	f.engine = e
	return f
}

// started sets the auction up with offering and bonus and starts it.
func (f *fixture) started(t require.TestingT, offering, bonus int64) *fixture {
	ctx := context.Background()
	_, err := f.engine.Setup(ctx, owner, offering, bonus, "TKN")
	require.NoError(t, err)
	_, err = f.engine.Start(ctx, owner)
	require.NoError(t, err)
	return f
}

func (f *fixture) bid(t require.TestingT, participant string, amount decimal.Decimal) BidReceipt {
	r, err := f.engine.Bid(context.Background(), participant, amount)
	require.NoError(t, err)
	return r
}

func (f *fixture) balance(participant string) int64 {
	b, _ := f.registry.BalanceOf(context.Background(), participant)
	return b
}
