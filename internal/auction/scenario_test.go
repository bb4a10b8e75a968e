package auction

import (
	"context"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alanyoungcy/dutchauction/internal/domain"
)

func owedAll(t *testing.T, e *Engine, participants ...string) []int64 {
	t.Helper()
	out := make([]int64, 0, len(participants))
	for _, p := range participants {
		n, err := e.TokensOwed(p)
		require.NoError(t, err)
		out = append(out, n)
	}
	return out
}

func TestScenario_LinearPerBidDecay(t *testing.T) {
	f := newFixture(t, linearConfig("500", "25", "0", 10000), 20000).started(t, 10000, 0)

	bids := []struct {
		who    string
		amount int64
		price  int64
		units  int64
	}{
		{"alice", 750000, 500, 1500},
		{"bob", 1662500, 475, 3500},
		{"carol", 1350000, 450, 3000},
		{"dave", 850000, 425, 2000},
	}
	var last BidReceipt
	for _, b := range bids {
		last = f.bid(t, b.who, num(b.amount))
		assert.True(t, last.Price.Equal(num(b.price)), "%s price %s", b.who, last.Price)
		assert.Equal(t, b.units, last.Units, b.who)
		assert.True(t, last.Refund.IsZero())
	}

	assert.Equal(t, []domain.EventKind{domain.EventBidAccepted, domain.EventAuctionEnded}, domain.Kinds(last.Events))
	st := f.engine.State()
	assert.Equal(t, domain.StageEnded, st.Stage)
	assert.Equal(t, domain.EndingSoldOut, st.EndingReason)
	assert.Equal(t, int64(10000), st.UnitsSold)
	assert.True(t, st.ClearingPrice.Decimal.Equal(num(425)))

	assert.Equal(t, []int64{1764, 3911, 3176, 2000}, owedAll(t, f.engine, "alice", "bob", "carol", "dave"))

	rep, err := f.engine.Report()
	require.NoError(t, err)
	assert.Equal(t, int64(10851), rep.Allocated)
	assert.True(t, rep.ReceivedTotal.Equal(num(4612500)))
	assert.True(t, rep.Dust.Equal(num(825)))
	assert.Len(t, rep.Allocations, 4)

	_, err = f.engine.Distribute(context.Background(), owner)
	require.NoError(t, err)
	assert.Equal(t, int64(3911), f.balance("bob"))
	assert.Equal(t, int64(20000-10851), f.balance(treasury))
}

func TestScenario_ValueAccountingOversubscription(t *testing.T) {
	f := newFixture(t, exponentialConfig(10500, domain.AccountingValue), 10500).started(t, 10000, 500)

	r := f.bid(t, "alice", num(40000))
	assert.True(t, r.Price.Equal(num(20)))
	assert.Equal(t, int64(2000), r.Units)

	f.clock.Advance(day)
	r = f.bid(t, "bob", num(30000))
	assert.True(t, r.Price.Equal(num(15)))
	assert.Equal(t, int64(2000), r.Units)

	r = f.bid(t, "carol", num(90000))
	assert.True(t, r.Accepted.Equal(num(87500)))
	assert.True(t, r.Refund.Equal(num(2500)))
	assert.Equal(t, int64(5833), r.Units)
	assert.Equal(t, []domain.EventKind{
		domain.EventBidAccepted,
		domain.EventBidPartiallyRefunded,
		domain.EventAuctionEnded,
	}, domain.Kinds(r.Events))
	assert.Equal(t, domain.EndingSoldOutWithBonus, r.Events[2].Reason)

	st := f.engine.State()
	assert.Equal(t, domain.EndingSoldOutWithBonus, st.EndingReason)
	assert.Equal(t, int64(10500), st.UnitsSold)
	assert.True(t, st.ReceivedTotal.Equal(num(157500)))
	assert.True(t, st.ClearingPrice.Decimal.Equal(num(15)))
	assert.True(t, f.refunds.TotalTo("carol").Equal(num(2500)))
	assert.Len(t, f.refunds.Refunds(), 1)

	assert.Equal(t, []int64{2666, 2000, 5833}, owedAll(t, f.engine, "alice", "bob", "carol"))
}

func TestScenario_ValueAccountingLazySellout(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, exponentialConfig(1000, domain.AccountingValue), 1000).started(t, 1000, 0)

	// 12000 does not cover 1000 units at 20 or 15, but does at 11.
	f.bid(t, "alice", num(12000))
	f.clock.Advance(day)
	evs, err := f.engine.Poll(ctx)
	require.NoError(t, err)
	assert.Nil(t, evs)

	f.clock.Advance(day)
	r, err := f.engine.Bid(ctx, "bob", num(500))
	require.ErrorIs(t, err, domain.ErrCapacityExhausted)
	assert.True(t, r.Refund.Equal(num(500)))
	require.Equal(t, []domain.EventKind{domain.EventAuctionEnded}, domain.Kinds(r.Events))

	st := f.engine.State()
	assert.Equal(t, domain.EndingSoldOut, st.EndingReason)
	// max(11, ceil(12000 / 1000)) keeps the whole capacity worth what was paid.
	assert.True(t, st.ClearingPrice.Decimal.Equal(num(12)))
	assert.Equal(t, int64(1000), st.UnitsSold)
	assert.Equal(t, []int64{1000}, owedAll(t, f.engine, "alice"))
}

func TestScenario_ExponentialUnitsAccounting(t *testing.T) {
	f := newFixture(t, exponentialConfig(10000, domain.AccountingUnits), 20000).started(t, 10000, 0)

	bids := []struct {
		who    string
		amount int64
		price  int64
	}{
		{"alice", 30000, 20},
		{"bob", 52500, 15},
		{"carol", 33000, 11},
		{"dave", 18000, 9},
	}
	for i, b := range bids {
		if i > 0 {
			f.clock.Advance(day)
		}
		r := f.bid(t, b.who, num(b.amount))
		assert.True(t, r.Price.Equal(num(b.price)), "%s price %s", b.who, r.Price)
	}

	st := f.engine.State()
	assert.Equal(t, domain.EndingSoldOut, st.EndingReason)
	assert.True(t, st.ClearingPrice.Decimal.Equal(num(9)))
	assert.Equal(t, []int64{3333, 5833, 3666, 2000}, owedAll(t, f.engine, "alice", "bob", "carol", "dave"))
}

func TestScenario_UnitsAccountingOversubscription(t *testing.T) {
	f := newFixture(t, linearConfig("15", "0", "15", 10500), 10500).started(t, 10000, 500)

	r := f.bid(t, "alice", num(4667*15))
	assert.Equal(t, int64(4667), r.Units)
	assert.Equal(t, int64(5833), f.engine.Status().Remaining)

	r = f.bid(t, "carol", num(90000))
	assert.True(t, r.Accepted.Equal(num(87495)))
	assert.True(t, r.Refund.Equal(num(2505)))
	assert.Equal(t, int64(5833), r.Units)
	assert.Equal(t, domain.EndingSoldOutWithBonus, f.engine.State().EndingReason)
	assert.True(t, f.refunds.TotalTo("carol").Equal(decimal.NewFromInt(2505)))
}
