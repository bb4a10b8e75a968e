package auction

import (
	"fmt"
	"math"

	"github.com/shopspring/decimal"

	"github.com/alanyoungcy/dutchauction/internal/domain"
)

// Admission is the outcome of admitting one bid against remaining capacity.
type Admission struct {
	Accepted decimal.Decimal
	Units    int64
	Refund   decimal.Decimal
}

// Partial reports whether part of the bid has to be returned.
func (a Admission) Partial() bool {
	return a.Refund.IsPositive()
}

// Admit decides how much of requested is admissible at price when remaining
// units are left. A bid worth more than the remaining units is capped and
// the excess returned as Refund; that is the only path that exhausts
// capacity. remaining == 0 means the auction should already have ended and
// is reported as domain.ErrCapacityExhausted.
func Admit(requested, price decimal.Decimal, remaining int64) (Admission, error) {
	if remaining <= 0 {
		return Admission{}, fmt.Errorf("auction: admit with %d units remaining: %w", remaining, domain.ErrCapacityExhausted)
	}
	if err := checkBid(requested, price); err != nil {
		return Admission{}, err
	}

	units := floorUnits(requested, price)
	left := decimal.NewFromInt(remaining)
	if units.LessThanOrEqual(left) {
		return Admission{Accepted: requested, Units: unitCount(units), Refund: decimal.Zero}, nil
	}

	accepted := price.Mul(left)
	return Admission{Accepted: accepted, Units: remaining, Refund: requested.Sub(accepted)}, nil
}

// AdmitValue admits a bid when capacity is measured in currency: the auction
// is full once received covers capacity units at the current price. Units is
// the whole number of units the accepted amount buys at price.
func AdmitValue(requested, price decimal.Decimal, capacity int64, received decimal.Decimal) (Admission, error) {
	if err := checkBid(requested, price); err != nil {
		return Admission{}, err
	}
	missing := price.Mul(decimal.NewFromInt(capacity)).Sub(received)
	if !missing.IsPositive() {
		return Admission{}, fmt.Errorf("auction: admit with %s missing: %w", missing, domain.ErrCapacityExhausted)
	}

	adm := Admission{Accepted: requested, Refund: decimal.Zero}
	if requested.GreaterThan(missing) {
		adm.Accepted = missing
		adm.Refund = requested.Sub(missing)
	}
	adm.Units = unitCount(floorUnits(adm.Accepted, price))
	return adm, nil
}

func checkBid(requested, price decimal.Decimal) error {
	if !requested.IsPositive() {
		return fmt.Errorf("auction: bid amount %s must be > 0: %w", requested, domain.ErrInvalidBid)
	}
	if !price.IsPositive() {
		return fmt.Errorf("auction: price %s must be > 0: %w", price, domain.ErrInvalidBid)
	}
	return nil
}

// floorUnits returns floor(amount / price) as an integral decimal.
func floorUnits(amount, price decimal.Decimal) decimal.Decimal {
	q, _ := amount.QuoRem(price, 0)
	return q
}

var maxUnits = decimal.NewFromInt(math.MaxInt64)

// unitCount converts a non-negative integral quotient to a unit count,
// saturating at math.MaxInt64 instead of wrapping.
func unitCount(q decimal.Decimal) int64 {
	switch {
	case !q.IsPositive():
		return 0
	case q.GreaterThan(maxUnits):
		return math.MaxInt64
	}
	return q.IntPart()
}

// addUnits adds unit counts, saturating at math.MaxInt64.
func addUnits(a, b int64) int64 {
	if b > math.MaxInt64-a {
		return math.MaxInt64
	}
	return a + b
}

// ceilQuo returns a / b rounded up to places decimal places.
func ceilQuo(a, b decimal.Decimal, places int32) decimal.Decimal {
	q, r := a.QuoRem(b, places)
	if !r.IsZero() {
		q = q.Add(decimal.New(1, -places))
	}
	return q
}
