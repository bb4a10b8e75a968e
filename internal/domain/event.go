package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

// EventKind names a notification emitted by the auction engine.
type EventKind string

const (
	EventAuctionSetup         EventKind = "auction_setup"
	EventAuctionStarted       EventKind = "auction_started"
	EventBidAccepted          EventKind = "bid_accepted"
	EventBidPartiallyRefunded EventKind = "bid_partially_refunded"
	EventAuctionEnded         EventKind = "auction_ended"
	EventTokensClaimed        EventKind = "tokens_claimed"
	EventTokensDistributed    EventKind = "tokens_distributed"
)

// Event is one ordered notification returned by a mutating engine call.
// Seq is strictly increasing per auction. Fields not meaningful for a Kind
// are left zero.
type Event struct {
	Seq         uint64          `json:"seq"`
	AuctionID   string          `json:"auction_id"`
	Kind        EventKind       `json:"kind"`
	Participant string          `json:"participant,omitempty"`
	Quantity    int64           `json:"quantity,omitempty"`
	Amount      decimal.Decimal `json:"amount"`
	Price       decimal.Decimal `json:"price"`
	Reason      EndingReason    `json:"reason,omitempty"`
	At          time.Time       `json:"at"`
}

// Kinds returns the kinds of evs in order.
func Kinds(evs []Event) []EventKind {
	out := make([]EventKind, len(evs))
	for i, e := range evs {
		out[i] = e.Kind
	}
	return out
}
