package auction

import (
	"github.com/shopspring/decimal"

	"github.com/alanyoungcy/dutchauction/internal/domain"
)

// ClearingCalculator allocates units to every participant at one uniform
// clearing price, regardless of the price each bid was admitted at.
type ClearingCalculator struct {
	ledger *BidLedger
	price  decimal.Decimal
}

// NewClearingCalculator binds a ledger to a frozen clearing price.
func NewClearingCalculator(ledger *BidLedger, clearing decimal.Decimal) ClearingCalculator {
	return ClearingCalculator{ledger: ledger, price: clearing}
}

// TokensOwed is floor(contribution / clearing price). The remainder is
// unallocated dust.
func TokensOwed(contribution, clearing decimal.Decimal) int64 {
	if !clearing.IsPositive() || !contribution.IsPositive() {
		return 0
	}
	return unitCount(floorUnits(contribution, clearing))
}

// Price is the clearing price the calculator allocates at.
func (c ClearingCalculator) Price() decimal.Decimal {
	return c.price
}

// TokensOwed returns the allocation for one participant; zero for unknown
// participants.
func (c ClearingCalculator) TokensOwed(participant string) int64 {
	return TokensOwed(c.ledger.ContributionOf(participant), c.price)
}

// Allocations lists every participant's allocation, sorted by participant.
// settled may be nil.
func (c ClearingCalculator) Allocations(settled map[string]domain.Settlement) []domain.Allocation {
	out := make([]domain.Allocation, 0, c.ledger.Len())
	for _, contrib := range c.ledger.Contributions() {
		_, done := settled[contrib.Participant]
		out = append(out, domain.Allocation{
			Participant: contrib.Participant,
			Contributed: contrib.Amount,
			TokensOwed:  TokensOwed(contrib.Amount, c.price),
			Settled:     done,
		})
	}
	return out
}

// TotalAllocated sums every participant's allocation.
func (c ClearingCalculator) TotalAllocated() int64 {
	var sum int64
	for _, p := range c.ledger.Participants() {
		sum = addUnits(sum, c.TokensOwed(p))
	}
	return sum
}
