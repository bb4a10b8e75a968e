package domain

import (
	"fmt"
	"math"
	"time"

	"github.com/shopspring/decimal"
)

// Stage is the lifecycle position of an auction. Stages only move forward.
type Stage int

const (
	StageDeployed Stage = iota
	StageSetup
	StageStarted
	StageEnded
	StageDistributed
)

var stageNames = map[Stage]string{
	StageDeployed:    "deployed",
	StageSetup:       "setup",
	StageStarted:     "started",
	StageEnded:       "ended",
	StageDistributed: "distributed",
}

func (s Stage) String() string {
	if n, ok := stageNames[s]; ok {
		return n
	}
	return fmt.Sprintf("stage(%d)", int(s))
}

// MarshalText encodes the stage by name so it reads well in JSON and SQL.
func (s Stage) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// UnmarshalText parses a stage name produced by MarshalText.
func (s *Stage) UnmarshalText(text []byte) error {
	for k, v := range stageNames {
		if v == string(text) {
			*s = k
			return nil
		}
	}
	return fmt.Errorf("domain: unknown stage %q", string(text))
}

// EndingReason records why an auction left the Started stage.
type EndingReason int

const (
	EndingNone EndingReason = iota
	EndingManual
	EndingDeadline
	EndingSoldOut
	EndingSoldOutWithBonus
)

var endingNames = map[EndingReason]string{
	EndingNone:             "",
	EndingManual:           "manual",
	EndingDeadline:         "deadline",
	EndingSoldOut:          "sold_out",
	EndingSoldOutWithBonus: "sold_out_with_bonus",
}

func (r EndingReason) String() string {
	if n, ok := endingNames[r]; ok {
		return n
	}
	return fmt.Sprintf("ending(%d)", int(r))
}

func (r EndingReason) MarshalText() ([]byte, error) {
	return []byte(r.String()), nil
}

func (r *EndingReason) UnmarshalText(text []byte) error {
	for k, v := range endingNames {
		if v == string(text) {
			*r = k
			return nil
		}
	}
	return fmt.Errorf("domain: unknown ending reason %q", string(text))
}

// CurveKind selects the price-decay function.
type CurveKind string

const (
	CurveLinear      CurveKind = "linear"
	CurveConvex      CurveKind = "convex"
	CurveExponential CurveKind = "exponential"
)

// Accounting selects how remaining capacity is measured during admission.
//
// AccountingUnits counts units at the price each bid was admitted at.
// AccountingValue re-prices everything received at the current price, so
// capacity is exhausted once ReceivedTotal covers capacity*price.
type Accounting string

const (
	AccountingUnits Accounting = "units"
	AccountingValue Accounting = "value"
)

// CurveConfig parameterises every supported price curve. Fields that a given
// Kind does not use are ignored.
type CurveConfig struct {
	Kind       CurveKind       `json:"kind"`
	StartPrice decimal.Decimal `json:"start_price"`
	PriceStep  decimal.Decimal `json:"price_step"`
	PriceFloor decimal.Decimal `json:"price_floor"`

	// Convex: start / (1 + ticks^Exponent / Constant).
	Constant decimal.Decimal `json:"constant"`
	Exponent int             `json:"exponent"`
	Tick     time.Duration   `json:"tick"`

	// Exponential: start / Divisor^periods.
	Divisor decimal.Decimal `json:"divisor"`
	Period  time.Duration   `json:"period"`

	// Precision is the number of decimal places prices are rounded down to.
	Precision int32 `json:"precision"`
}

// AuctionConfig is fixed when the auction is deployed.
type AuctionConfig struct {
	ID            string        `json:"id"`
	Curve         CurveConfig   `json:"curve"`
	TotalCapacity int64         `json:"total_capacity"`
	Duration      time.Duration `json:"duration"`
	Accounting    Accounting    `json:"accounting"`
	Owner         string        `json:"owner"`
	TokenAccount  string        `json:"token_account"`
}

// Validate checks the deploy-time invariants.
func (c AuctionConfig) Validate() error {
	if c.ID == "" {
		return fmt.Errorf("%w: auction id is required", ErrInvalidConfig)
	}
	if c.TotalCapacity <= 0 {
		return fmt.Errorf("%w: total_capacity must be > 0", ErrInvalidConfig)
	}
	if !c.Curve.StartPrice.IsPositive() {
		return fmt.Errorf("%w: start_price must be > 0", ErrInvalidConfig)
	}
	if c.Curve.PriceFloor.IsNegative() || c.Curve.PriceFloor.GreaterThan(c.Curve.StartPrice) {
		return fmt.Errorf("%w: price_floor must be within [0, start_price]", ErrInvalidConfig)
	}
	if c.Duration < 0 {
		return fmt.Errorf("%w: duration must not be negative", ErrInvalidConfig)
	}
	switch c.Accounting {
	case AccountingUnits, AccountingValue:
	default:
		return fmt.Errorf("%w: unknown accounting %q", ErrInvalidConfig, c.Accounting)
	}
	if c.MaxAllocation().GreaterThan(decimal.NewFromInt(math.MaxInt64)) {
		return fmt.Errorf("%w: total_capacity * start_price at precision %d overflows unit counts",
			ErrInvalidConfig, c.Curve.Precision)
	}
	return nil
}

// MaxAllocation is the full capacity bought at the start price and
// allocated at the lowest price the curve can return, one unit at its
// precision.
func (c AuctionConfig) MaxAllocation() decimal.Decimal {
	return c.Curve.StartPrice.Mul(decimal.NewFromInt(c.TotalCapacity)).Shift(c.Curve.Precision)
}

// AuctionState is the mutable singleton owned by the auction engine.
type AuctionState struct {
	AuctionID     string              `json:"auction_id"`
	Stage         Stage               `json:"stage"`
	Owner         string              `json:"owner"`
	TokenRef      string              `json:"token_ref,omitempty"`
	Offering      int64               `json:"offering"`
	Bonus         int64               `json:"bonus"`
	BidsAccepted  uint64              `json:"bids_accepted"`
	UnitsSold     int64               `json:"units_sold"`
	ReceivedTotal decimal.Decimal     `json:"received_total"`
	ClearingPrice decimal.NullDecimal `json:"clearing_price"`
	EndingReason  EndingReason        `json:"ending_reason,omitempty"`
	StartedAt     time.Time           `json:"started_at,omitempty"`
	EndedAt       time.Time           `json:"ended_at,omitempty"`
	EventSeq      uint64              `json:"event_seq"`
	Version       uint64              `json:"version"`
}

// Capacity is the number of units for sale once the auction is set up.
func (s AuctionState) Capacity() int64 {
	return s.Offering + s.Bonus
}

// Remaining is the unsold capacity.
func (s AuctionState) Remaining() int64 {
	return s.Capacity() - s.UnitsSold
}

// Finalized reports whether the clearing price has been fixed.
func (s AuctionState) Finalized() bool {
	return s.Stage == StageEnded || s.Stage == StageDistributed
}

// Contribution is the cumulative currency retained for one participant.
type Contribution struct {
	Participant string          `json:"participant"`
	Amount      decimal.Decimal `json:"amount"`
	Bids        int             `json:"bids"`
	UpdatedAt   time.Time       `json:"updated_at"`
}

// SettlementVia records which operation delivered a participant's units.
type SettlementVia string

const (
	SettledByDistribute SettlementVia = "distribute"
	SettledByClaim      SettlementVia = "claim"
)

// Settlement marks a participant whose allocation has been transferred.
type Settlement struct {
	Participant string        `json:"participant"`
	Quantity    int64         `json:"quantity"`
	Via         SettlementVia `json:"via"`
	SettledAt   time.Time     `json:"settled_at"`
}

// AuctionStatus is a read-only view of the auction for clients.
type AuctionStatus struct {
	State        AuctionState    `json:"state"`
	CurrentPrice decimal.Decimal `json:"current_price"`
	Remaining    int64           `json:"remaining"`
	Deadline     *time.Time      `json:"deadline,omitempty"`
	Participants int             `json:"participants"`
	Settled      int             `json:"settled"`
	AsOf         time.Time       `json:"as_of"`
}

// Allocation pairs a participant's contribution with the units owed at the
// clearing price.
type Allocation struct {
	Participant string          `json:"participant"`
	Contributed decimal.Decimal `json:"contributed"`
	TokensOwed  int64           `json:"tokens_owed"`
	Settled     bool            `json:"settled"`
}

// SettlementReport summarises a finalized auction for archiving.
type SettlementReport struct {
	AuctionID     string          `json:"auction_id"`
	TokenRef      string          `json:"token_ref"`
	EndingReason  EndingReason    `json:"ending_reason"`
	ClearingPrice decimal.Decimal `json:"clearing_price"`
	ReceivedTotal decimal.Decimal `json:"received_total"`
	UnitsSold     int64           `json:"units_sold"`
	Allocated     int64           `json:"allocated"`
	Dust          decimal.Decimal `json:"dust"`
	Allocations   []Allocation    `json:"allocations"`
	GeneratedAt   time.Time       `json:"generated_at"`
	Signer        string          `json:"signer,omitempty"`
	Signature     string          `json:"signature,omitempty"`
}
