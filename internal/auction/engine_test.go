package auction

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alanyoungcy/dutchauction/internal/domain"
	"github.com/alanyoungcy/dutchauction/internal/ledger"
)

func TestEngine_Lifecycle(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, linearConfig("10", "1", "5", 1000), 1000)
	e := f.engine
	assert.Equal(t, domain.StageDeployed, e.State().Stage)

	evs, err := e.Setup(ctx, owner, 900, 100, "TKN")
	require.NoError(t, err)
	assert.Equal(t, []domain.EventKind{domain.EventAuctionSetup}, domain.Kinds(evs))
	assert.Equal(t, int64(1000), evs[0].Quantity)

	evs, err = e.Start(ctx, owner)
	require.NoError(t, err)
	assert.Equal(t, []domain.EventKind{domain.EventAuctionStarted}, domain.Kinds(evs))
	assert.True(t, evs[0].Price.Equal(num(10)))

	r := f.bid(t, "alice", num(100))
	assert.Equal(t, int64(10), r.Units)
	assert.True(t, r.Price.Equal(num(10)))
	assert.Equal(t, []domain.EventKind{domain.EventBidAccepted}, domain.Kinds(r.Events))

	r = f.bid(t, "bob", num(90))
	assert.True(t, r.Price.Equal(num(9)))
	assert.Equal(t, int64(10), r.Units)

	evs, err = e.End(ctx, owner)
	require.NoError(t, err)
	require.Len(t, evs, 1)
	assert.Equal(t, domain.EventAuctionEnded, evs[0].Kind)
	assert.Equal(t, domain.EndingManual, evs[0].Reason)

	st := e.State()
	assert.Equal(t, domain.StageEnded, st.Stage)
	require.True(t, st.ClearingPrice.Valid)
	assert.True(t, st.ClearingPrice.Decimal.Equal(num(8)))

	owed, err := e.TokensOwed("alice")
	require.NoError(t, err)
	assert.Equal(t, int64(12), owed)
	owed, _ = e.TokensOwed("bob")
	assert.Equal(t, int64(11), owed)

	evs, err = e.Distribute(ctx, owner)
	require.NoError(t, err)
	require.Len(t, evs, 1)
	assert.Equal(t, domain.EventTokensDistributed, evs[0].Kind)
	assert.Equal(t, int64(23), evs[0].Quantity)
	assert.Equal(t, domain.StageDistributed, e.State().Stage)
	assert.Equal(t, int64(12), f.balance("alice"))
	assert.Equal(t, int64(11), f.balance("bob"))
	assert.Equal(t, int64(1000-23), f.balance(treasury))

	// Every commit bumps the version and event sequence numbers never repeat.
	var lastSeq uint64
	for i, c := range f.changes {
		assert.Equal(t, uint64(i+1), c.State.Version)
		for _, ev := range c.Events {
			assert.Greater(t, ev.Seq, lastSeq)
			assert.Equal(t, "a1", ev.AuctionID)
			lastSeq = ev.Seq
		}
	}
	assert.Equal(t, uint64(6), lastSeq)
}

func TestEngine_StageGuards(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, linearConfig("10", "1", "1", 100), 100)
	e := f.engine

	_, err := e.Start(ctx, owner)
	assert.ErrorIs(t, err, domain.ErrInvalidStageTransition)
	_, err = e.Bid(ctx, "alice", num(10))
	assert.ErrorIs(t, err, domain.ErrInvalidStageTransition)
	_, err = e.End(ctx, owner)
	assert.ErrorIs(t, err, domain.ErrInvalidStageTransition)
	_, err = e.Distribute(ctx, owner)
	assert.ErrorIs(t, err, domain.ErrInvalidStageTransition)

	_, err = e.TokensOwed("alice")
	assert.ErrorIs(t, err, domain.ErrAuctionNotFinalized)
	_, err = e.Allocations()
	assert.ErrorIs(t, err, domain.ErrAuctionNotFinalized)
	_, err = e.Claim(ctx, "alice")
	assert.ErrorIs(t, err, domain.ErrAuctionNotFinalized)
	_, err = e.Report()
	assert.ErrorIs(t, err, domain.ErrAuctionNotFinalized)

	assert.Equal(t, uint64(0), e.State().Version)
	assert.Empty(t, f.changes)

	f.started(t, 100, 0)
	_, err = e.Setup(ctx, owner, 100, 0, "TKN")
	assert.ErrorIs(t, err, domain.ErrInvalidStageTransition)
	_, err = e.Start(ctx, owner)
	assert.ErrorIs(t, err, domain.ErrInvalidStageTransition)
}

func TestEngine_OwnerOnly(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, linearConfig("10", "1", "1", 100), 100)
	e := f.engine

	tests := []struct {
		name string
		call func() error
	}{
		{"setup", func() error { _, err := e.Setup(ctx, "mallory", 100, 0, "TKN"); return err }},
		{"start", func() error { _, err := e.Start(ctx, "mallory"); return err }},
		{"end", func() error { _, err := e.End(ctx, "mallory"); return err }},
		{"distribute", func() error { _, err := e.Distribute(ctx, "mallory"); return err }},
		{"empty caller", func() error { _, err := e.Setup(ctx, "", 100, 0, "TKN"); return err }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.ErrorIs(t, tt.call(), domain.ErrUnauthorized)
		})
	}
	assert.Equal(t, domain.StageDeployed, e.State().Stage)
	assert.Empty(t, f.changes)

	// Owner addresses compare case-insensitively.
	_, err := e.Setup(ctx, "0xOWNER", 100, 0, "TKN")
	require.NoError(t, err)
}

func TestEngine_SetupValidation(t *testing.T) {
	ctx := context.Background()

	tests := []struct {
		name     string
		supply   int64
		offering int64
		bonus    int64
		tokenRef string
		want     error
	}{
		{"zero offering", 1000, 0, 0, "TKN", domain.ErrInvalidConfig},
		{"negative bonus", 1000, 10, -1, "TKN", domain.ErrInvalidConfig},
		{"missing token", 1000, 10, 0, "", domain.ErrInvalidConfig},
		{"above total capacity", 2000, 900, 200, "TKN", domain.ErrInvalidConfig},
		{"underfunded", 500, 900, 100, "TKN", domain.ErrInsufficientSupply},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t, linearConfig("10", "1", "1", 1000), tt.supply)
			_, err := f.engine.Setup(ctx, owner, tt.offering, tt.bonus, tt.tokenRef)
			assert.ErrorIs(t, err, tt.want)
			assert.Equal(t, domain.StageDeployed, f.engine.State().Stage)
		})
	}
}

func TestEngine_BidValidation(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, linearConfig("10", "1", "1", 100), 100).started(t, 100, 0)

	_, err := f.engine.Bid(ctx, "", num(10))
	assert.ErrorIs(t, err, domain.ErrInvalidBid)
	_, err = f.engine.Bid(ctx, "alice", num(0))
	assert.ErrorIs(t, err, domain.ErrInvalidBid)
	_, err = f.engine.Bid(ctx, "alice", num(-3))
	assert.ErrorIs(t, err, domain.ErrInvalidBid)
	assert.Equal(t, uint64(0), f.engine.State().BidsAccepted)
}

func TestEngine_SmallBidIsRetained(t *testing.T) {
	f := newFixture(t, linearConfig("10", "0", "10", 100), 100).started(t, 100, 0)

	r := f.bid(t, "alice", num(5))
	assert.Equal(t, int64(0), r.Units)
	assert.True(t, r.Accepted.Equal(num(5)))
	assert.True(t, f.engine.ContributionOf("alice").Equal(num(5)))
	assert.Equal(t, uint64(1), f.engine.State().BidsAccepted)
	assert.Equal(t, int64(0), f.engine.State().UnitsSold)
}

func TestEngine_RefundFailureRejectsBid(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, linearConfig("10", "0", "10", 100), 100, func(o *Options) {
		o.Refunds = failingRefunds{}
	}).started(t, 100, 0)
	before := f.engine.State()

	_, err := f.engine.Bid(ctx, "alice", num(2000))
	require.ErrorIs(t, err, domain.ErrTransfer)
	assert.ErrorIs(t, err, errBoom)

	assert.Equal(t, before, f.engine.State())
	assert.True(t, f.engine.ContributionOf("alice").IsZero())
	_, ok := f.engine.Contribution("alice")
	assert.False(t, ok)
}

func TestEngine_JournalFailureLeavesStateUntouched(t *testing.T) {
	ctx := context.Background()
	fail := false
	f := newFixture(t, linearConfig("10", "1", "1", 100), 100, func(o *Options) {
		o.Journal = JournalFunc(func(context.Context, Change) error {
			if fail {
				return errBoom
			}
			return nil
		})
	}).started(t, 100, 0)
	before := f.engine.State()

	fail = true
	_, err := f.engine.Bid(ctx, "alice", num(10))
	assert.ErrorIs(t, err, errBoom)
	assert.Equal(t, before, f.engine.State())
	assert.True(t, f.engine.ContributionOf("alice").IsZero())

	fail = false
	r := f.bid(t, "alice", num(10))
	assert.Equal(t, int64(1), r.Units)
	assert.Equal(t, before.Version+1, f.engine.State().Version)
}

func TestEngine_JournalSeesContribution(t *testing.T) {
	f := newFixture(t, linearConfig("10", "0", "10", 100), 100).started(t, 100, 0)
	f.bid(t, "alice", num(30))
	f.bid(t, "alice", num(20))

	last := f.changes[len(f.changes)-1]
	require.NotNil(t, last.Contribution)
	assert.Equal(t, "alice", last.Contribution.Participant)
	assert.True(t, last.Contribution.Amount.Equal(num(50)))
	assert.Equal(t, 2, last.Contribution.Bids)
	assert.True(t, last.State.ReceivedTotal.Equal(num(50)))
	assert.Nil(t, last.Settlement)
	assert.Equal(t, "a1", last.Config.ID)
}

func TestEngine_BidAfterDeadline(t *testing.T) {
	ctx := context.Background()
	cfg := linearConfig("10", "1", "5", 100)
	cfg.Duration = time.Hour
	f := newFixture(t, cfg, 100).started(t, 100, 0)
	f.bid(t, "alice", num(10))

	f.clock.Advance(time.Hour)
	r, err := f.engine.Bid(ctx, "bob", num(50))
	require.ErrorIs(t, err, domain.ErrDeadlinePassed)
	assert.True(t, r.Refund.Equal(num(50)))
	assert.True(t, r.Accepted.IsZero())
	require.Equal(t, []domain.EventKind{domain.EventAuctionEnded}, domain.Kinds(r.Events))
	assert.Equal(t, domain.EndingDeadline, r.Events[0].Reason)

	st := f.engine.State()
	assert.Equal(t, domain.StageEnded, st.Stage)
	assert.Equal(t, domain.EndingDeadline, st.EndingReason)
	assert.True(t, st.ClearingPrice.Decimal.Equal(num(9)))
	assert.Empty(t, f.refunds.Refunds())
	assert.True(t, f.engine.ContributionOf("bob").IsZero())

	_, err = f.engine.Bid(ctx, "bob", num(50))
	assert.ErrorIs(t, err, domain.ErrInvalidStageTransition)
}

func TestEngine_EndAfterDeadlineRecordsDeadline(t *testing.T) {
	cfg := linearConfig("10", "1", "5", 100)
	cfg.Duration = time.Hour
	f := newFixture(t, cfg, 100).started(t, 100, 0)

	f.clock.Advance(2 * time.Hour)
	evs, err := f.engine.End(context.Background(), owner)
	require.NoError(t, err)
	require.Len(t, evs, 1)
	assert.Equal(t, domain.EndingDeadline, evs[0].Reason)
}

func TestEngine_Poll(t *testing.T) {
	ctx := context.Background()
	cfg := exponentialConfig(100, domain.AccountingUnits)
	cfg.Duration = 2 * day
	f := newFixture(t, cfg, 100)

	evs, err := f.engine.Poll(ctx)
	require.NoError(t, err)
	assert.Nil(t, evs)

	f.started(t, 100, 0)
	f.clock.Advance(day)
	evs, err = f.engine.Poll(ctx)
	require.NoError(t, err)
	assert.Nil(t, evs)

	f.clock.Advance(3 * day)
	evs, err = f.engine.Poll(ctx)
	require.NoError(t, err)
	require.Len(t, evs, 1)
	assert.Equal(t, domain.EventAuctionEnded, evs[0].Kind)
	// Priced at the deadline, not at the time of the poll.
	assert.True(t, evs[0].Price.Equal(num(11)))

	evs, err = f.engine.Poll(ctx)
	require.NoError(t, err)
	assert.Nil(t, evs)
}

func TestEngine_ManualEndUsesDecayedPrice(t *testing.T) {
	f := newFixture(t, exponentialConfig(100, domain.AccountingUnits), 100).started(t, 100, 0)
	f.clock.Advance(day + time.Hour)

	evs, err := f.engine.End(context.Background(), owner)
	require.NoError(t, err)
	assert.True(t, evs[0].Price.Equal(num(15)))
	assert.Equal(t, domain.EndingManual, f.engine.State().EndingReason)
}

func TestEngine_DistributeRetriesOnlyUnsettled(t *testing.T) {
	ctx := context.Background()
	var flaky *flakyRegistry
	f := newFixture(t, linearConfig("10", "0", "10", 100), 100, func(o *Options) {
		flaky = newFlakyRegistry(o.Registry.(*ledger.MemoryRegistry), map[string]int{"bob": 1})
		o.Registry = flaky
	}).started(t, 100, 0)

	f.bid(t, "alice", num(100))
	f.bid(t, "bob", num(200))
	f.bid(t, "carol", num(50))
	f.bid(t, "dave", num(5))
	_, err := f.engine.End(ctx, owner)
	require.NoError(t, err)

	_, err = f.engine.Distribute(ctx, owner)
	require.ErrorIs(t, err, domain.ErrDistributionFailed)
	assert.ErrorIs(t, err, errBoom)
	assert.Equal(t, domain.StageEnded, f.engine.State().Stage)
	assert.Equal(t, int64(10), f.balance("alice"))
	assert.Equal(t, int64(0), f.balance("bob"))
	assert.Equal(t, int64(5), f.balance("carol"))

	allocs, err := f.engine.Allocations()
	require.NoError(t, err)
	settled := map[string]bool{}
	for _, a := range allocs {
		settled[a.Participant] = a.Settled
	}
	assert.Equal(t, map[string]bool{"alice": true, "bob": false, "carol": true, "dave": true}, settled)

	evs, err := f.engine.Distribute(ctx, owner)
	require.NoError(t, err)
	assert.Equal(t, []domain.EventKind{domain.EventTokensDistributed}, domain.Kinds(evs))
	assert.Equal(t, domain.StageDistributed, f.engine.State().Stage)
	assert.Equal(t, int64(10), f.balance("alice"))
	assert.Equal(t, int64(20), f.balance("bob"))

	assert.Equal(t, 1, flaky.calls["alice"])
	assert.Equal(t, 2, flaky.calls["bob"])
	assert.Equal(t, 1, flaky.calls["carol"])
	assert.Equal(t, 0, flaky.calls["dave"])

	_, err = f.engine.Distribute(ctx, owner)
	assert.ErrorIs(t, err, domain.ErrInvalidStageTransition)
}

func TestEngine_Claim(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, linearConfig("10", "0", "10", 100), 100).started(t, 100, 0)
	f.bid(t, "alice", num(100))
	f.bid(t, "bob", num(200))

	_, err := f.engine.Claim(ctx, "alice")
	assert.ErrorIs(t, err, domain.ErrAuctionNotFinalized)

	_, err = f.engine.End(ctx, owner)
	require.NoError(t, err)

	_, err = f.engine.Claim(ctx, "nobody")
	assert.ErrorIs(t, err, domain.ErrNotFound)

	evs, err := f.engine.Claim(ctx, "alice")
	require.NoError(t, err)
	require.Equal(t, []domain.EventKind{domain.EventTokensClaimed}, domain.Kinds(evs))
	assert.Equal(t, int64(10), evs[0].Quantity)
	assert.Equal(t, "alice", evs[0].Participant)
	assert.Equal(t, int64(10), f.balance("alice"))

	_, err = f.engine.Claim(ctx, "alice")
	assert.ErrorIs(t, err, domain.ErrAlreadySettled)

	evs, err = f.engine.Claim(ctx, "bob")
	require.NoError(t, err)
	assert.Equal(t, []domain.EventKind{domain.EventTokensClaimed, domain.EventTokensDistributed}, domain.Kinds(evs))
	assert.Equal(t, domain.StageDistributed, f.engine.State().Stage)

	last := f.changes[len(f.changes)-1]
	require.NotNil(t, last.Settlement)
	assert.Equal(t, domain.SettledByClaim, last.Settlement.Via)

	_, err = f.engine.Distribute(ctx, owner)
	assert.ErrorIs(t, err, domain.ErrInvalidStageTransition)
}

func TestEngine_ClaimTransferFailure(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, linearConfig("10", "0", "10", 100), 100, func(o *Options) {
		o.Registry = newFlakyRegistry(o.Registry.(*ledger.MemoryRegistry), map[string]int{"alice": 1})
	}).started(t, 100, 0)
	f.bid(t, "alice", num(100))
	_, err := f.engine.End(ctx, owner)
	require.NoError(t, err)

	_, err = f.engine.Claim(ctx, "alice")
	require.ErrorIs(t, err, errBoom)
	assert.Equal(t, domain.StageEnded, f.engine.State().Stage)

	_, err = f.engine.Claim(ctx, "alice")
	require.NoError(t, err)
	assert.Equal(t, domain.StageDistributed, f.engine.State().Stage)
}

func TestEngine_Restore(t *testing.T) {
	f := newFixture(t, linearConfig("10", "1", "1", 100), 100).started(t, 100, 0)
	f.bid(t, "alice", num(100))
	f.bid(t, "bob", num(45))
	snap := f.engine.Snapshot()

	e2, err := Restore(Options{Registry: f.registry, Refunds: f.refunds, Clock: f.clock}, snap)
	require.NoError(t, err)
	assert.Equal(t, snap.State, e2.State())
	assert.True(t, e2.ContributionOf("alice").Equal(num(100)))
	assert.True(t, e2.CurrentPrice().Equal(num(8)))

	r, err := e2.Bid(context.Background(), "carol", num(16))
	require.NoError(t, err)
	assert.Equal(t, int64(2), r.Units)

	snap.State.ReceivedTotal = snap.State.ReceivedTotal.Add(num(1))
	_, err = Restore(Options{Registry: f.registry, Refunds: f.refunds}, snap)
	assert.ErrorIs(t, err, domain.ErrLedgerMismatch)
}

func TestEngine_Status(t *testing.T) {
	cfg := linearConfig("10", "1", "5", 100)
	cfg.Duration = time.Hour
	f := newFixture(t, cfg, 100)

	st := f.engine.Status()
	assert.Equal(t, domain.StageDeployed, st.State.Stage)
	assert.True(t, st.CurrentPrice.Equal(num(10)))
	assert.Nil(t, st.Deadline)

	f.started(t, 90, 10)
	f.bid(t, "alice", num(100))
	st = f.engine.Status()
	assert.True(t, st.CurrentPrice.Equal(num(9)))
	assert.Equal(t, int64(90), st.Remaining)
	assert.Equal(t, 1, st.Participants)
	require.NotNil(t, st.Deadline)
	assert.Equal(t, f.clock.Now().Add(time.Hour), *st.Deadline)

	_, err := f.engine.End(context.Background(), owner)
	require.NoError(t, err)
	st = f.engine.Status()
	assert.True(t, st.CurrentPrice.Equal(num(9)))
}

func TestNew_RequiresCollaborators(t *testing.T) {
	_, err := New(Options{Config: linearConfig("10", "1", "1", 100)})
	assert.ErrorIs(t, err, domain.ErrInvalidConfig)

	cfg := linearConfig("10", "1", "1", 100)
	cfg.TotalCapacity = 0
	_, err = New(Options{Config: cfg, Registry: ledger.NewMemoryRegistry(nil), Refunds: ledger.NewMemoryRefunds("a1")})
	assert.ErrorIs(t, err, domain.ErrInvalidConfig)
}

func TestEngine_DistributeRefusesShortSupply(t *testing.T) {
	ctx := context.Background()
	// Setup only needs the capacity; the clearing price allocates 10851.
	f := newFixture(t, linearConfig("500", "25", "0", 10000), 10000).started(t, 10000, 0)
	f.bid(t, "alice", num(750000))
	f.bid(t, "bob", num(1662500))
	f.bid(t, "carol", num(1350000))
	f.bid(t, "dave", num(850000))
	require.Equal(t, domain.StageEnded, f.engine.State().Stage)

	_, err := f.engine.Distribute(ctx, owner)
	require.ErrorIs(t, err, domain.ErrInsufficientSupply)
	_, err = f.engine.Claim(ctx, "alice")
	require.ErrorIs(t, err, domain.ErrInsufficientSupply)

	assert.Equal(t, domain.StageEnded, f.engine.State().Stage)
	assert.Equal(t, int64(10000), f.balance(treasury))
	for _, p := range []string{"alice", "bob", "carol", "dave"} {
		assert.Zero(t, f.balance(p), p)
	}
	allocs, err := f.engine.Allocations()
	require.NoError(t, err)
	for _, a := range allocs {
		assert.False(t, a.Settled, a.Participant)
	}

	f.registry.Mint(treasury, 851)
	_, err = f.engine.Distribute(ctx, owner)
	require.NoError(t, err)
	assert.Equal(t, domain.StageDistributed, f.engine.State().Stage)
	assert.Equal(t, int64(2000), f.balance("dave"))
	assert.Zero(t, f.balance(treasury))
}

func TestEngine_ClaimChecksOutstandingSupply(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, linearConfig("10", "0", "10", 100), 100).started(t, 100, 0)
	f.bid(t, "alice", num(100))
	f.bid(t, "bob", num(200))
	_, err := f.engine.End(ctx, owner)
	require.NoError(t, err)

	// Only what is still owed counts once alice has been paid.
	_, err = f.engine.Claim(ctx, "alice")
	require.NoError(t, err)
	require.NoError(t, f.registry.Transfer(ctx, treasury, "elsewhere", 75))

	_, err = f.engine.Claim(ctx, "bob")
	require.ErrorIs(t, err, domain.ErrInsufficientSupply)
	assert.Zero(t, f.balance("bob"))

	f.registry.Mint(treasury, 5)
	_, err = f.engine.Claim(ctx, "bob")
	require.NoError(t, err)
	assert.Equal(t, int64(20), f.balance("bob"))
}

// queueingJournal queues refunds itself, the way the postgres store does.
type queueingJournal struct {
	fail    bool
	changes []Change
}

func (j *queueingJournal) Commit(_ context.Context, c Change) error {
	if j.fail {
		return errBoom
	}
	j.changes = append(j.changes, c)
	return nil
}

func (j *queueingJournal) JournalsRefunds() bool { return true }

func TestEngine_RefundCommittedWithBid(t *testing.T) {
	ctx := context.Background()
	j := &queueingJournal{}
	f := newFixture(t, linearConfig("10", "0", "10", 100), 100, func(o *Options) {
		o.Journal = j
	}).started(t, 100, 0)

	j.fail = true
	_, err := f.engine.Bid(ctx, "alice", num(1500))
	require.ErrorIs(t, err, errBoom)
	assert.Empty(t, f.refunds.Refunds(), "no refund without a committed bid")

	j.fail = false
	r := f.bid(t, "alice", num(1500))
	assert.True(t, r.Refund.Equal(num(500)))
	assert.Empty(t, f.refunds.Refunds(), "the journal queues the refund")

	last := j.changes[len(j.changes)-1]
	require.NotNil(t, last.Refund)
	assert.Equal(t, "alice", last.Refund.Participant)
	assert.True(t, last.Refund.Amount.Equal(num(500)))
	assert.Equal(t, domain.StageEnded, last.State.Stage)
}

func TestEngine_RefundThroughCurrencyTransfer(t *testing.T) {
	f := newFixture(t, linearConfig("10", "0", "10", 100), 100).started(t, 100, 0)
	f.bid(t, "alice", num(1500))

	require.Len(t, f.refunds.Refunds(), 1)
	assert.True(t, f.refunds.TotalTo("alice").Equal(num(500)))
	last := f.changes[len(f.changes)-1]
	require.NotNil(t, last.Refund)
	assert.True(t, last.Refund.Amount.Equal(num(500)))
}
