package auction

import (
	"sort"
	"time"

	"github.com/shopspring/decimal"

	"github.com/alanyoungcy/dutchauction/internal/domain"
)

// BidLedger tracks cumulative contributions per participant. Records are
// created on a participant's first accepted bid and never removed.
type BidLedger struct {
	entries map[string]domain.Contribution
	total   decimal.Decimal
}

// NewBidLedger returns an empty ledger.
func NewBidLedger() *BidLedger {
	return &BidLedger{
		entries: make(map[string]domain.Contribution),
		total:   decimal.Zero,
	}
}

// RecordContribution adds accepted to participant's running total. Every
// call is a new bid; nothing is de-duplicated here.
func (l *BidLedger) RecordContribution(participant string, accepted decimal.Decimal, at time.Time) domain.Contribution {
	c := l.preview(participant, accepted, at)
	l.entries[participant] = c
	l.total = l.total.Add(accepted)
	return c
}

// preview returns the record RecordContribution would store, without
// storing it.
func (l *BidLedger) preview(participant string, accepted decimal.Decimal, at time.Time) domain.Contribution {
	c, ok := l.entries[participant]
	if !ok {
		c = domain.Contribution{Participant: participant, Amount: decimal.Zero}
	}
	c.Amount = c.Amount.Add(accepted)
	c.Bids++
	c.UpdatedAt = at
	return c
}

// TotalReceived is the sum of all contributions.
func (l *BidLedger) TotalReceived() decimal.Decimal {
	return l.total
}

// ContributionOf returns the participant's cumulative contribution, or zero
// for a participant that never had a bid accepted.
func (l *BidLedger) ContributionOf(participant string) decimal.Decimal {
	if c, ok := l.entries[participant]; ok {
		return c.Amount
	}
	return decimal.Zero
}

// Contribution returns the full record for participant.
func (l *BidLedger) Contribution(participant string) (domain.Contribution, bool) {
	c, ok := l.entries[participant]
	return c, ok
}

// Participants returns every participant with a record, sorted.
func (l *BidLedger) Participants() []string {
	out := make([]string, 0, len(l.entries))
	for p := range l.entries {
		out = append(out, p)
	}
	sort.Strings(out)
	return out
}

// Contributions returns copies of every record, sorted by participant.
func (l *BidLedger) Contributions() []domain.Contribution {
	out := make([]domain.Contribution, 0, len(l.entries))
	for _, p := range l.Participants() {
		out = append(out, l.entries[p])
	}
	return out
}

// Len is the number of participants.
func (l *BidLedger) Len() int {
	return len(l.entries)
}

func (l *BidLedger) restore(c domain.Contribution) {
	if prev, ok := l.entries[c.Participant]; ok {
		l.total = l.total.Sub(prev.Amount)
	}
	l.entries[c.Participant] = c
	l.total = l.total.Add(c.Amount)
}
