package auction

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"github.com/alanyoungcy/dutchauction/internal/domain"
)

// Change is one atomic unit of persisted progress. State is the complete
// state after the change; Contribution and Settlement are set only when the
// change touches that participant. Refund is set when a bid is partially
// refunded.
type Change struct {
	Config       domain.AuctionConfig
	State        domain.AuctionState
	Contribution *domain.Contribution
	Settlement   *domain.Settlement
	Refund       *domain.Refund
	Events       []domain.Event
}

// Journal persists changes. Commit runs before the engine applies a change
// in memory; an error leaves the engine untouched.
type Journal interface {
	Commit(ctx context.Context, change Change) error
}

// JournalFunc adapts a function to Journal.
type JournalFunc func(ctx context.Context, change Change) error

func (f JournalFunc) Commit(ctx context.Context, change Change) error { return f(ctx, change) }

// RefundJournal is a Journal that queues Change.Refund in the same
// transaction as the bid. With one, the engine never calls Options.Refunds,
// so a refund exists exactly when its bid was committed.
type RefundJournal interface {
	Journal
	JournalsRefunds() bool
}

type nopJournal struct{}

func (nopJournal) Commit(context.Context, Change) error { return nil }

// Options wires an Engine to its collaborators. Registry and Refunds are
// required; the rest fall back to defaults.
type Options struct {
	Config   domain.AuctionConfig
	Curve    PriceCurve // built from Config.Curve when nil
	Registry domain.TokenRegistry
	Refunds  domain.CurrencyTransfer
	Clock    domain.Clock
	Identity domain.IdentitySource // StaticOwner(Config.Owner) when nil
	Journal  Journal
	Logger   *slog.Logger
}

// BidReceipt reports what happened to one bid.
type BidReceipt struct {
	Participant string          `json:"participant"`
	Price       decimal.Decimal `json:"price"`
	Accepted    decimal.Decimal `json:"accepted"`
	Units       int64           `json:"units"`
	Refund      decimal.Decimal `json:"refund"`
	Events      []domain.Event  `json:"events"`
}

// Engine is the auction state machine. It owns the state and the bid ledger;
// every mutating call holds the write lock for its whole duration,
// collaborator calls included.
type Engine struct {
	mu sync.RWMutex

	cfg      domain.AuctionConfig
	curve    PriceCurve
	registry domain.TokenRegistry
	refunds  domain.CurrencyTransfer
	clock    domain.Clock
	identity domain.IdentitySource
	journal  Journal
	logger   *slog.Logger

	// journalRefunds is set when the journal queues refunds itself.
	journalRefunds bool

	state   domain.AuctionState
	ledger  *BidLedger
	settled map[string]domain.Settlement
}

// New creates an engine for a freshly deployed auction.
func New(opts Options) (*Engine, error) {
	if opts.Config.Accounting == "" {
		opts.Config.Accounting = domain.AccountingUnits
	}
	if err := opts.Config.Validate(); err != nil {
		return nil, fmt.Errorf("auction: new: %w", err)
	}
	if opts.Registry == nil || opts.Refunds == nil {
		return nil, fmt.Errorf("auction: new: token registry and currency transfer are required: %w", domain.ErrInvalidConfig)
	}
	curve := opts.Curve
	if curve == nil {
		var err error
		if curve, err = NewCurve(opts.Config.Curve); err != nil {
			return nil, fmt.Errorf("auction: new: %w", err)
		}
	}
	if opts.Clock == nil {
		opts.Clock = domain.SystemClock{}
	}
	if opts.Identity == nil {
		opts.Identity = domain.StaticOwner(opts.Config.Owner)
	}
	if opts.Journal == nil {
		opts.Journal = nopJournal{}
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}

	rj, ok := opts.Journal.(RefundJournal)

	return &Engine{
		cfg:      opts.Config,
		curve:    curve,
		registry: opts.Registry,
		refunds:  opts.Refunds,
		clock:    opts.Clock,
		identity: opts.Identity,
		journal:  opts.Journal,
		logger: opts.Logger.With(
			slog.String("component", "auction"),
			slog.String("auction_id", opts.Config.ID),
		),
		state: domain.AuctionState{
			AuctionID:     opts.Config.ID,
			Stage:         domain.StageDeployed,
			Owner:         opts.Config.Owner,
			ReceivedTotal: decimal.Zero,
		},
		ledger:  NewBidLedger(),
		settled: make(map[string]domain.Settlement),

		journalRefunds: ok && rj.JournalsRefunds(),
	}, nil
}

// Restore rebuilds an engine from a persisted snapshot. The snapshot's
// config wins over opts.Config when present.
func Restore(opts Options, snap domain.AuctionSnapshot) (*Engine, error) {
	if snap.Config.ID != "" {
		opts.Config = snap.Config
	}
	e, err := New(opts)
	if err != nil {
		return nil, err
	}
	for _, c := range snap.Contributions {
		e.ledger.restore(c)
	}
	if !e.ledger.TotalReceived().Equal(snap.State.ReceivedTotal) {
		return nil, fmt.Errorf("auction: restore: ledger %s, state %s: %w",
			e.ledger.TotalReceived(), snap.State.ReceivedTotal, domain.ErrLedgerMismatch)
	}
	for _, s := range snap.Settlements {
		e.settled[s.Participant] = s
	}
	e.state = snap.State
	e.state.AuctionID = e.cfg.ID
	return e, nil
}

// Setup binds the offering, bonus and token reference after checking that
// the token account holds enough supply.
func (e *Engine) Setup(ctx context.Context, caller string, offering, bonus int64, tokenRef string) ([]domain.Event, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if err := e.guard(ctx, "setup", caller, domain.StageDeployed); err != nil {
		return nil, err
	}
	if offering <= 0 || bonus < 0 {
		return nil, fmt.Errorf("auction: setup: offering %d bonus %d: %w", offering, bonus, domain.ErrInvalidConfig)
	}
	if tokenRef == "" {
		return nil, fmt.Errorf("auction: setup: token reference is required: %w", domain.ErrInvalidConfig)
	}
	if offering+bonus > e.cfg.TotalCapacity {
		return nil, fmt.Errorf("auction: setup: %d units exceed total capacity %d: %w",
			offering+bonus, e.cfg.TotalCapacity, domain.ErrInvalidConfig)
	}
	balance, err := e.registry.BalanceOf(ctx, e.cfg.TokenAccount)
	if err != nil {
		return nil, fmt.Errorf("auction: setup: balance of %s: %w", e.cfg.TokenAccount, err)
	}
	if balance < offering+bonus {
		return nil, fmt.Errorf("auction: setup: balance %d < %d: %w", balance, offering+bonus, domain.ErrInsufficientSupply)
	}

	now := e.clock.Now()
	t := e.begin()
	t.next.Stage = domain.StageSetup
	t.next.Offering = offering
	t.next.Bonus = bonus
	t.next.TokenRef = tokenRef
	t.emit(domain.Event{Kind: domain.EventAuctionSetup, Quantity: offering + bonus, At: now})
	if err := t.commit(ctx); err != nil {
		return nil, err
	}
	e.logger.InfoContext(ctx, "auction set up",
		slog.Int64("offering", offering),
		slog.Int64("bonus", bonus),
		slog.String("token_ref", tokenRef),
	)
	return t.events, nil
}

// Start opens bidding and anchors time-based decay and the deadline.
func (e *Engine) Start(ctx context.Context, caller string) ([]domain.Event, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if err := e.guard(ctx, "start", caller, domain.StageSetup); err != nil {
		return nil, err
	}
	now := e.clock.Now()
	t := e.begin()
	t.next.Stage = domain.StageStarted
	t.next.StartedAt = now
	t.emit(domain.Event{Kind: domain.EventAuctionStarted, Price: e.priceAt(0, 0), At: now})
	if err := t.commit(ctx); err != nil {
		return nil, err
	}
	e.logger.InfoContext(ctx, "auction started", slog.String("price", e.priceAt(0, 0).String()))
	return t.events, nil
}

// Bid admits as much of amount as remaining capacity allows at the current
// price. A bid that arrives after the deadline ends the auction and is
// rejected in full: the receipt carries the AuctionEnded event and the whole
// amount as refund alongside an error wrapping domain.ErrDeadlinePassed.
func (e *Engine) Bid(ctx context.Context, participant string, amount decimal.Decimal) (BidReceipt, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if participant == "" {
		return BidReceipt{}, fmt.Errorf("auction: bid: participant is required: %w", domain.ErrInvalidBid)
	}
	if !amount.IsPositive() {
		return BidReceipt{}, fmt.Errorf("auction: bid: amount %s must be > 0: %w", amount, domain.ErrInvalidBid)
	}
	if e.state.Stage != domain.StageStarted {
		return BidReceipt{}, fmt.Errorf("auction: bid in stage %s: %w", e.state.Stage, domain.ErrInvalidStageTransition)
	}

	now := e.clock.Now()
	t := e.begin()
	if e.lapse(t, now) {
		if err := t.commit(ctx); err != nil {
			return BidReceipt{}, err
		}
		cause := domain.ErrCapacityExhausted
		if t.next.EndingReason == domain.EndingDeadline {
			cause = domain.ErrDeadlinePassed
		}
		e.logEnded(ctx, t.next)
		return BidReceipt{
			Participant: participant,
			Price:       t.next.ClearingPrice.Decimal,
			Accepted:    decimal.Zero,
			Refund:      amount,
			Events:      t.events,
		}, fmt.Errorf("auction: bid: %w", cause)
	}

	price := e.currentPrice(now)
	adm, err := e.admit(amount, price)
	if err != nil {
		return BidReceipt{}, fmt.Errorf("auction: bid: %w", err)
	}

	contrib := e.ledger.preview(participant, adm.Accepted, now)
	t.contrib = &contrib
	t.accepted = adm.Accepted
	if adm.Partial() {
		t.refund = &domain.Refund{
			AuctionID:   e.cfg.ID,
			Participant: participant,
			Amount:      adm.Refund,
			Status:      "pending",
			CreatedAt:   now,
		}
	}
	t.next.BidsAccepted++
	t.next.ReceivedTotal = t.next.ReceivedTotal.Add(adm.Accepted)

	capacity := t.next.Capacity()
	var soldOut bool
	if e.cfg.Accounting == domain.AccountingValue {
		t.next.UnitsSold = valueUnits(t.next.ReceivedTotal, price, capacity)
		soldOut = !t.next.ReceivedTotal.LessThan(price.Mul(decimal.NewFromInt(capacity)))
	} else {
		t.next.UnitsSold += adm.Units
		soldOut = t.next.UnitsSold >= capacity
	}

	t.emit(domain.Event{
		Kind:        domain.EventBidAccepted,
		Participant: participant,
		Quantity:    adm.Units,
		Amount:      adm.Accepted,
		Price:       price,
		At:          now,
	})
	if adm.Partial() {
		t.emit(domain.Event{
			Kind:        domain.EventBidPartiallyRefunded,
			Participant: participant,
			Amount:      adm.Refund,
			Price:       price,
			At:          now,
		})
	}
	if soldOut {
		e.end(t, e.soldOutReason(t.next.UnitsSold), price, now)
	}

	if adm.Partial() && !e.journalRefunds {
		if err := e.refunds.Refund(ctx, participant, adm.Refund); err != nil {
			return BidReceipt{}, fmt.Errorf("auction: bid: refund %s to %s: %w: %w", adm.Refund, participant, domain.ErrTransfer, err)
		}
	}
	if err := t.commit(ctx); err != nil {
		if adm.Partial() && !e.journalRefunds {
			e.logger.ErrorContext(ctx, "refund issued but bid not committed",
				slog.String("participant", participant),
				slog.String("refund", adm.Refund.String()),
				slog.String("error", err.Error()),
			)
		}
		return BidReceipt{}, err
	}

	e.logger.DebugContext(ctx, "bid accepted",
		slog.String("participant", participant),
		slog.String("price", price.String()),
		slog.String("accepted", adm.Accepted.String()),
		slog.Int64("units", adm.Units),
	)
	if soldOut {
		e.logEnded(ctx, t.next)
	}
	return BidReceipt{
		Participant: participant,
		Price:       price,
		Accepted:    adm.Accepted,
		Units:       adm.Units,
		Refund:      adm.Refund,
		Events:      t.events,
	}, nil
}

// End closes the auction manually at the current decayed price. If the
// deadline has already passed, the deadline ending is recorded instead.
func (e *Engine) End(ctx context.Context, caller string) ([]domain.Event, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if err := e.guard(ctx, "end", caller, domain.StageStarted); err != nil {
		return nil, err
	}
	now := e.clock.Now()
	t := e.begin()
	if !e.lapse(t, now) {
		e.end(t, domain.EndingManual, e.clearingFor(e.currentPrice(now)), now)
	}
	if err := t.commit(ctx); err != nil {
		return nil, err
	}
	e.logEnded(ctx, t.next)
	return t.events, nil
}

// Poll ends the auction if its deadline passed, or, under value accounting,
// if price decay alone has covered capacity. It is a no-op in every other
// case.
func (e *Engine) Poll(ctx context.Context) ([]domain.Event, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.state.Stage != domain.StageStarted {
		return nil, nil
	}
	t := e.begin()
	if !e.lapse(t, e.clock.Now()) {
		return nil, nil
	}
	if err := t.commit(ctx); err != nil {
		return nil, err
	}
	e.logEnded(ctx, t.next)
	return t.events, nil
}

// Distribute transfers every unsettled participant's allocation. Each
// success is committed on its own, so a retry after a partial failure skips
// participants already paid. The auction moves to Distributed only when
// every participant is settled. Nothing is transferred while the token
// account cannot cover every outstanding allocation.
func (e *Engine) Distribute(ctx context.Context, caller string) ([]domain.Event, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if err := e.guard(ctx, "distribute", caller, domain.StageEnded); err != nil {
		return nil, err
	}
	calc := NewClearingCalculator(e.ledger, e.state.ClearingPrice.Decimal)
	if err := e.checkSupply(ctx, calc); err != nil {
		return nil, fmt.Errorf("auction: distribute: %w", err)
	}

	var failures []error
	for _, p := range e.ledger.Participants() {
		if _, done := e.settled[p]; done {
			continue
		}
		owed := calc.TokensOwed(p)
		if owed > 0 {
			if err := e.registry.Transfer(ctx, e.cfg.TokenAccount, p, owed); err != nil {
				e.logger.WarnContext(ctx, "distribution transfer failed",
					slog.String("participant", p),
					slog.Int64("quantity", owed),
					slog.String("error", err.Error()),
				)
				failures = append(failures, fmt.Errorf("%s: %w", p, err))
				continue
			}
		}

		s := domain.Settlement{Participant: p, Quantity: owed, Via: domain.SettledByDistribute, SettledAt: e.clock.Now()}
		t := e.begin()
		t.settle = &s
		if err := t.commit(ctx); err != nil {
			// The units have moved; never send them twice.
			e.settled[p] = s
			e.logger.ErrorContext(ctx, "transfer done but settlement not committed",
				slog.String("participant", p),
				slog.Int64("quantity", owed),
				slog.String("error", err.Error()),
			)
			return nil, err
		}
	}
	if len(failures) > 0 {
		return nil, fmt.Errorf("auction: distribute: %w: %w", domain.ErrDistributionFailed, errors.Join(failures...))
	}

	now := e.clock.Now()
	t := e.begin()
	t.next.Stage = domain.StageDistributed
	t.emit(domain.Event{
		Kind:     domain.EventTokensDistributed,
		Quantity: calc.TotalAllocated(),
		Price:    calc.Price(),
		At:       now,
	})
	if err := t.commit(ctx); err != nil {
		return nil, err
	}
	e.logger.InfoContext(ctx, "tokens distributed",
		slog.Int("participants", e.ledger.Len()),
		slog.Int64("allocated", calc.TotalAllocated()),
	)
	return t.events, nil
}

// Claim transfers one participant's allocation on their own request. The
// claim that settles the last participant moves the auction to Distributed.
// Like Distribute it refuses to pay anyone while the token account is short
// of the outstanding allocations, so early claimants cannot drain it.
func (e *Engine) Claim(ctx context.Context, participant string) ([]domain.Event, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if !e.state.Finalized() {
		return nil, fmt.Errorf("auction: claim in stage %s: %w", e.state.Stage, domain.ErrAuctionNotFinalized)
	}
	contrib, ok := e.ledger.Contribution(participant)
	if !ok {
		return nil, fmt.Errorf("auction: claim by %q: %w", participant, domain.ErrNotFound)
	}
	if _, done := e.settled[participant]; done {
		return nil, fmt.Errorf("auction: claim by %q: %w", participant, domain.ErrAlreadySettled)
	}

	clearing := e.state.ClearingPrice.Decimal
	if err := e.checkSupply(ctx, NewClearingCalculator(e.ledger, clearing)); err != nil {
		return nil, fmt.Errorf("auction: claim by %q: %w", participant, err)
	}
	owed := TokensOwed(contrib.Amount, clearing)
	if owed > 0 {
		if err := e.registry.Transfer(ctx, e.cfg.TokenAccount, participant, owed); err != nil {
			return nil, fmt.Errorf("auction: claim by %q: %w", participant, err)
		}
	}

	now := e.clock.Now()
	s := domain.Settlement{Participant: participant, Quantity: owed, Via: domain.SettledByClaim, SettledAt: now}
	t := e.begin()
	t.settle = &s
	t.emit(domain.Event{
		Kind:        domain.EventTokensClaimed,
		Participant: participant,
		Quantity:    owed,
		Price:       clearing,
		At:          now,
	})
	if len(e.settled)+1 == e.ledger.Len() {
		t.next.Stage = domain.StageDistributed
		t.emit(domain.Event{
			Kind:     domain.EventTokensDistributed,
			Quantity: NewClearingCalculator(e.ledger, clearing).TotalAllocated(),
			Price:    clearing,
			At:       now,
		})
	}
	if err := t.commit(ctx); err != nil {
		e.settled[participant] = s
		e.logger.ErrorContext(ctx, "claim transferred but not committed",
			slog.String("participant", participant),
			slog.String("error", err.Error()),
		)
		return nil, err
	}
	return t.events, nil
}

// TokensOwed is the participant's allocation at the clearing price.
func (e *Engine) TokensOwed(participant string) (int64, error) {
	e.mu.RLock()
	defer e.mu.RUnlock()

	if !e.state.Finalized() {
		return 0, fmt.Errorf("auction: tokens owed in stage %s: %w", e.state.Stage, domain.ErrAuctionNotFinalized)
	}
	return TokensOwed(e.ledger.ContributionOf(participant), e.state.ClearingPrice.Decimal), nil
}

// ContributionOf returns the participant's cumulative retained contribution.
func (e *Engine) ContributionOf(participant string) decimal.Decimal {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.ledger.ContributionOf(participant)
}

func (e *Engine) Contribution(participant string) (domain.Contribution, bool) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.ledger.Contribution(participant)
}

// Allocations lists every participant's allocation at the clearing price.
func (e *Engine) Allocations() ([]domain.Allocation, error) {
	e.mu.RLock()
	defer e.mu.RUnlock()

	if !e.state.Finalized() {
		return nil, fmt.Errorf("auction: allocations in stage %s: %w", e.state.Stage, domain.ErrAuctionNotFinalized)
	}
	return NewClearingCalculator(e.ledger, e.state.ClearingPrice.Decimal).Allocations(e.settled), nil
}

// Report builds the settlement report for a finalized auction.
func (e *Engine) Report() (domain.SettlementReport, error) {
	e.mu.RLock()
	defer e.mu.RUnlock()

	if !e.state.Finalized() {
		return domain.SettlementReport{}, fmt.Errorf("auction: report in stage %s: %w", e.state.Stage, domain.ErrAuctionNotFinalized)
	}
	clearing := e.state.ClearingPrice.Decimal
	calc := NewClearingCalculator(e.ledger, clearing)
	allocated := calc.TotalAllocated()
	return domain.SettlementReport{
		AuctionID:     e.cfg.ID,
		TokenRef:      e.state.TokenRef,
		EndingReason:  e.state.EndingReason,
		ClearingPrice: clearing,
		ReceivedTotal: e.state.ReceivedTotal,
		UnitsSold:     e.state.UnitsSold,
		Allocated:     allocated,
		Dust:          e.state.ReceivedTotal.Sub(clearing.Mul(decimal.NewFromInt(allocated))),
		Allocations:   calc.Allocations(e.settled),
		GeneratedAt:   e.clock.Now(),
	}, nil
}

// Status is a point-in-time view for clients. It does not apply the lazy
// deadline check; Poll does that.
func (e *Engine) Status() domain.AuctionStatus {
	e.mu.RLock()
	defer e.mu.RUnlock()

	now := e.clock.Now()
	st := domain.AuctionStatus{
		State:        e.state,
		Participants: e.ledger.Len(),
		Settled:      len(e.settled),
		AsOf:         now,
	}
	switch {
	case e.state.Finalized():
		st.CurrentPrice = e.state.ClearingPrice.Decimal
	case e.state.Stage == domain.StageStarted:
		st.CurrentPrice = e.currentPrice(now)
	default:
		st.CurrentPrice = e.priceAt(0, 0)
	}
	st.Remaining = e.remaining(st.CurrentPrice)
	if e.cfg.Duration > 0 && !e.state.StartedAt.IsZero() {
		d := e.state.StartedAt.Add(e.cfg.Duration)
		st.Deadline = &d
	}
	return st
}

// CurrentPrice is the price a bid would be admitted at now.
func (e *Engine) CurrentPrice() decimal.Decimal {
	e.mu.RLock()
	defer e.mu.RUnlock()
	if e.state.Finalized() {
		return e.state.ClearingPrice.Decimal
	}
	if e.state.Stage != domain.StageStarted {
		return e.priceAt(0, 0)
	}
	return e.currentPrice(e.clock.Now())
}

func (e *Engine) State() domain.AuctionState {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.state
}

func (e *Engine) Config() domain.AuctionConfig {
	return e.cfg
}

// Snapshot copies everything Restore needs.
func (e *Engine) Snapshot() domain.AuctionSnapshot {
	e.mu.RLock()
	defer e.mu.RUnlock()

	snap := domain.AuctionSnapshot{
		Config:        e.cfg,
		State:         e.state,
		Contributions: e.ledger.Contributions(),
	}
	for _, p := range e.ledger.Participants() {
		if s, ok := e.settled[p]; ok {
			snap.Settlements = append(snap.Settlements, s)
		}
	}
	return snap
}

// --- internals; callers hold e.mu ---

func (e *Engine) guard(ctx context.Context, op, caller string, want domain.Stage) error {
	if !e.identity.IsOwner(ctx, caller) {
		return fmt.Errorf("auction: %s by %q: %w", op, caller, domain.ErrUnauthorized)
	}
	if e.state.Stage != want {
		return fmt.Errorf("auction: %s in stage %s: %w", op, e.state.Stage, domain.ErrInvalidStageTransition)
	}
	return nil
}

// checkSupply fails with domain.ErrInsufficientSupply unless the token
// account holds every allocation not yet settled.
func (e *Engine) checkSupply(ctx context.Context, calc ClearingCalculator) error {
	var outstanding int64
	for _, p := range e.ledger.Participants() {
		if _, done := e.settled[p]; !done {
			outstanding = addUnits(outstanding, calc.TokensOwed(p))
		}
	}
	if outstanding == 0 {
		return nil
	}
	balance, err := e.registry.BalanceOf(ctx, e.cfg.TokenAccount)
	if err != nil {
		return fmt.Errorf("balance of %s: %w", e.cfg.TokenAccount, err)
	}
	if balance < outstanding {
		return fmt.Errorf("%s holds %d, %d owed: %w", e.cfg.TokenAccount, balance, outstanding, domain.ErrInsufficientSupply)
	}
	return nil
}

func (e *Engine) priceAt(bids uint64, elapsed time.Duration) decimal.Decimal {
	return e.curve.PriceAt(Progress{BidsAccepted: bids, Elapsed: elapsed})
}

func (e *Engine) currentPrice(now time.Time) decimal.Decimal {
	elapsed := now.Sub(e.state.StartedAt)
	if elapsed < 0 {
		elapsed = 0
	}
	if e.cfg.Duration > 0 && elapsed > e.cfg.Duration {
		elapsed = e.cfg.Duration
	}
	return e.priceAt(e.state.BidsAccepted, elapsed)
}

func (e *Engine) deadlinePassed(now time.Time) bool {
	return e.cfg.Duration > 0 && !now.Before(e.state.StartedAt.Add(e.cfg.Duration))
}

func (e *Engine) admit(amount, price decimal.Decimal) (Admission, error) {
	if e.cfg.Accounting == domain.AccountingValue {
		return AdmitValue(amount, price, e.state.Capacity(), e.state.ReceivedTotal)
	}
	return Admit(amount, price, e.state.Remaining())
}

// covered reports whether value already received pays for all capacity at
// price.
func (e *Engine) covered(price decimal.Decimal) bool {
	need := price.Mul(decimal.NewFromInt(e.state.Capacity()))
	return !e.state.ReceivedTotal.LessThan(need)
}

// clearingFor turns the current price into the clearing price. Under value
// accounting the price is raised so the whole capacity is not worth less
// than what was received.
func (e *Engine) clearingFor(price decimal.Decimal) decimal.Decimal {
	if e.cfg.Accounting != domain.AccountingValue || e.state.Capacity() == 0 {
		return price
	}
	floor := ceilQuo(e.state.ReceivedTotal, decimal.NewFromInt(e.state.Capacity()), e.cfg.Curve.Precision)
	return decimal.Max(price, floor)
}

func (e *Engine) remaining(price decimal.Decimal) int64 {
	if e.cfg.Accounting != domain.AccountingValue || !price.IsPositive() {
		return e.state.Remaining()
	}
	return e.state.Capacity() - valueUnits(e.state.ReceivedTotal, price, e.state.Capacity())
}

func (e *Engine) soldOutReason(unitsSold int64) domain.EndingReason {
	if unitsSold <= e.state.Offering {
		return domain.EndingSoldOut
	}
	return domain.EndingSoldOutWithBonus
}

// lapse ends the auction inside t when time alone has closed it.
func (e *Engine) lapse(t *txn, now time.Time) bool {
	if e.deadlinePassed(now) {
		price := e.priceAt(e.state.BidsAccepted, e.cfg.Duration)
		e.end(t, domain.EndingDeadline, e.clearingFor(price), now)
		return true
	}
	if e.cfg.Accounting == domain.AccountingValue && e.state.Capacity() > 0 {
		price := e.currentPrice(now)
		if e.covered(price) {
			clearing := e.clearingFor(price)
			units := valueUnits(e.state.ReceivedTotal, clearing, e.state.Capacity())
			e.end(t, e.soldOutReason(units), clearing, now)
			return true
		}
	}
	return false
}

func (e *Engine) end(t *txn, reason domain.EndingReason, clearing decimal.Decimal, now time.Time) {
	t.next.Stage = domain.StageEnded
	t.next.ClearingPrice = decimal.NewNullDecimal(clearing)
	t.next.EndingReason = reason
	t.next.EndedAt = now
	if e.cfg.Accounting == domain.AccountingValue {
		t.next.UnitsSold = valueUnits(t.next.ReceivedTotal, clearing, t.next.Capacity())
	}
	t.emit(domain.Event{
		Kind:     domain.EventAuctionEnded,
		Quantity: t.next.UnitsSold,
		Amount:   t.next.ReceivedTotal,
		Price:    clearing,
		Reason:   reason,
		At:       now,
	})
}

func (e *Engine) logEnded(ctx context.Context, s domain.AuctionState) {
	e.logger.InfoContext(ctx, "auction ended",
		slog.String("reason", s.EndingReason.String()),
		slog.String("clearing_price", s.ClearingPrice.Decimal.String()),
		slog.String("received", s.ReceivedTotal.String()),
		slog.Int64("units_sold", s.UnitsSold),
	)
}

// valueUnits is the number of units received buys at price, capped at
// capacity.
func valueUnits(received, price decimal.Decimal, capacity int64) int64 {
	if !price.IsPositive() {
		return 0
	}
	units := floorUnits(received, price)
	if units.GreaterThan(decimal.NewFromInt(capacity)) {
		return capacity
	}
	return unitCount(units)
}

// txn stages one change against a copy of the state so that nothing is
// visible until the journal accepts it.
type txn struct {
	e        *Engine
	next     domain.AuctionState
	contrib  *domain.Contribution
	accepted decimal.Decimal
	settle   *domain.Settlement
	refund   *domain.Refund
	events   []domain.Event
}

func (e *Engine) begin() *txn {
	return &txn{e: e, next: e.state, accepted: decimal.Zero}
}

func (t *txn) emit(ev domain.Event) {
	t.next.EventSeq++
	ev.Seq = t.next.EventSeq
	ev.AuctionID = t.next.AuctionID
	t.events = append(t.events, ev)
}

func (t *txn) commit(ctx context.Context) error {
	e := t.e
	if want := e.ledger.TotalReceived().Add(t.accepted); !want.Equal(t.next.ReceivedTotal) {
		return fmt.Errorf("auction: commit: ledger %s, state %s: %w", want, t.next.ReceivedTotal, domain.ErrLedgerMismatch)
	}
	t.next.Version++
	change := Change{
		Config:       e.cfg,
		State:        t.next,
		Contribution: t.contrib,
		Settlement:   t.settle,
		Refund:       t.refund,
		Events:       t.events,
	}
	if err := e.journal.Commit(ctx, change); err != nil {
		return fmt.Errorf("auction: commit: %w", err)
	}

	e.state = t.next
	if t.contrib != nil {
		e.ledger.restore(*t.contrib)
	}
	if t.settle != nil {
		e.settled[t.settle.Participant] = *t.settle
	}
	return nil
}
