// Package auction implements the decaying-price, uniform-clearing-price
// auction engine: price curves, bid admission, the contribution ledger, the
// stage state machine and retroactive allocation at the clearing price.
package auction

import (
	"fmt"
	"math/big"
	"time"

	"github.com/shopspring/decimal"

	"github.com/alanyoungcy/dutchauction/internal/domain"
)

// Progress is everything a curve may depend on.
type Progress struct {
	BidsAccepted uint64
	Elapsed      time.Duration
}

// PriceCurve maps auction progress to the current unit price. Implementations
// are pure and monotonically non-increasing in both fields of Progress.
type PriceCurve interface {
	PriceAt(p Progress) decimal.Decimal
}

// NewCurve builds the curve selected by cfg.Kind. An empty kind means linear.
func NewCurve(cfg domain.CurveConfig) (PriceCurve, error) {
	switch cfg.Kind {
	case "", domain.CurveLinear:
		return NewLinearCurve(cfg.StartPrice, cfg.PriceStep, cfg.PriceFloor, cfg.Precision)
	case domain.CurveConvex:
		return NewConvexCurve(cfg.StartPrice, cfg.Constant, cfg.Exponent, cfg.Tick, cfg.PriceFloor, cfg.Precision)
	case domain.CurveExponential:
		return NewExponentialCurve(cfg.StartPrice, cfg.Divisor, cfg.Period, cfg.PriceFloor, cfg.Precision)
	default:
		return nil, fmt.Errorf("auction: unknown curve kind %q: %w", cfg.Kind, domain.ErrInvalidConfig)
	}
}

// bounds holds what every curve shares: start, floor and rounding precision.
type bounds struct {
	start  decimal.Decimal
	floor  decimal.Decimal
	places int32
	tick   decimal.Decimal // smallest positive price at places
}

func newBounds(start, floor decimal.Decimal, places int32) (bounds, error) {
	if !start.IsPositive() {
		return bounds{}, fmt.Errorf("auction: start price must be > 0: %w", domain.ErrInvalidConfig)
	}
	if floor.IsNegative() || floor.GreaterThan(start) {
		return bounds{}, fmt.Errorf("auction: floor %s outside [0, %s]: %w", floor, start, domain.ErrInvalidConfig)
	}
	if places < 0 || places > 18 {
		return bounds{}, fmt.Errorf("auction: precision %d outside [0, 18]: %w", places, domain.ErrInvalidConfig)
	}
	return bounds{start: start, floor: floor, places: places, tick: decimal.New(1, -places)}, nil
}

// clamp rounds p down to the configured precision and lifts it to the floor.
// The result is never below one tick, so admission never divides by zero.
func (b bounds) clamp(p decimal.Decimal) decimal.Decimal {
	p = p.RoundFloor(b.places)
	if p.LessThan(b.floor) {
		p = b.floor
	}
	if p.LessThan(b.tick) {
		p = b.tick
	}
	return p
}

// LinearCurve drops the price by a fixed step per accepted bid.
type LinearCurve struct {
	bounds
	step decimal.Decimal
}

// NewLinearCurve returns max(floor, start - step*bids_accepted).
func NewLinearCurve(start, step, floor decimal.Decimal, places int32) (*LinearCurve, error) {
	b, err := newBounds(start, floor, places)
	if err != nil {
		return nil, err
	}
	if step.IsNegative() {
		return nil, fmt.Errorf("auction: price step must not be negative: %w", domain.ErrInvalidConfig)
	}
	return &LinearCurve{bounds: b, step: step}, nil
}

func (c *LinearCurve) PriceAt(p Progress) decimal.Decimal {
	n := decimal.NewFromBigInt(new(big.Int).SetUint64(p.BidsAccepted), 0)
	return c.clamp(c.start.Sub(c.step.Mul(n)))
}

// ConvexCurve decays with elapsed time: start / (1 + ticks^exponent / constant).
type ConvexCurve struct {
	bounds
	constant decimal.Decimal
	exponent int
	tick     time.Duration
}

// NewConvexCurve builds a time-based convex curve. tick is the unit elapsed
// time is measured in.
func NewConvexCurve(start, constant decimal.Decimal, exponent int, tick time.Duration, floor decimal.Decimal, places int32) (*ConvexCurve, error) {
	b, err := newBounds(start, floor, places)
	if err != nil {
		return nil, err
	}
	if !constant.IsPositive() {
		return nil, fmt.Errorf("auction: convex constant must be > 0: %w", domain.ErrInvalidConfig)
	}
	if exponent < 1 || exponent > 8 {
		return nil, fmt.Errorf("auction: convex exponent %d outside [1, 8]: %w", exponent, domain.ErrInvalidConfig)
	}
	if tick <= 0 {
		return nil, fmt.Errorf("auction: convex tick must be > 0: %w", domain.ErrInvalidConfig)
	}
	return &ConvexCurve{bounds: b, constant: constant, exponent: exponent, tick: tick}, nil
}

func (c *ConvexCurve) PriceAt(p Progress) decimal.Decimal {
	if p.Elapsed <= 0 {
		return c.clamp(c.start)
	}
	ticks := decimal.NewFromInt(int64(p.Elapsed / c.tick))
	pow := decimal.NewFromInt(1)
	for i := 0; i < c.exponent; i++ {
		pow = pow.Mul(ticks)
	}
	denom := decimal.NewFromInt(1).Add(pow.DivRound(c.constant, 18))
	q, _ := c.start.QuoRem(denom, c.places)
	return c.clamp(q)
}

// ExponentialCurve divides the price by a fixed divisor for every whole
// period elapsed.
type ExponentialCurve struct {
	bounds
	divisor decimal.Decimal
	period  time.Duration
}

// NewExponentialCurve returns start / divisor^periods.
func NewExponentialCurve(start, divisor decimal.Decimal, period time.Duration, floor decimal.Decimal, places int32) (*ExponentialCurve, error) {
	b, err := newBounds(start, floor, places)
	if err != nil {
		return nil, err
	}
	if divisor.LessThanOrEqual(decimal.NewFromInt(1)) {
		return nil, fmt.Errorf("auction: exponential divisor must be > 1: %w", domain.ErrInvalidConfig)
	}
	if period <= 0 {
		return nil, fmt.Errorf("auction: exponential period must be > 0: %w", domain.ErrInvalidConfig)
	}
	return &ExponentialCurve{bounds: b, divisor: divisor, period: period}, nil
}

func (c *ExponentialCurve) PriceAt(p Progress) decimal.Decimal {
	periods := int64(0)
	if p.Elapsed > 0 {
		periods = int64(p.Elapsed / c.period)
	}
	price := c.start
	pow := decimal.NewFromInt(1)
	for i := int64(0); i < periods; i++ {
		pow = pow.Mul(c.divisor)
		price, _ = c.start.QuoRem(pow, c.places)
		// Once clamped to the floor, further periods cannot lower it.
		if price.LessThanOrEqual(c.floor) || price.LessThan(c.tick) {
			break
		}
	}
	return c.clamp(price)
}

var (
	_ PriceCurve = (*LinearCurve)(nil)
	_ PriceCurve = (*ConvexCurve)(nil)
	_ PriceCurve = (*ExponentialCurve)(nil)
)
