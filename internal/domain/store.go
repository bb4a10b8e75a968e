package domain

import (
	"context"
	"time"

	"github.com/shopspring/decimal"
)

// ListOpts provides pagination and filtering for list queries.
type ListOpts struct {
	Limit  int
	Offset int
	Since  *time.Time
	Until  *time.Time
}

// AuctionSnapshot is everything needed to rebuild an engine after restart.
type AuctionSnapshot struct {
	Config        AuctionConfig
	State         AuctionState
	Contributions []Contribution
	Settlements   []Settlement
}

// AuctionStore persists auction state. Load returns ErrNotFound when the
// auction has never been committed.
type AuctionStore interface {
	Load(ctx context.Context, auctionID string) (AuctionSnapshot, error)
	ListEvents(ctx context.Context, auctionID string, afterSeq uint64, limit int) ([]Event, error)
}

// RefundQueue exposes refunds recorded by a queued CurrencyTransfer so an
// operator can pay them out.
type RefundQueue interface {
	ListPending(ctx context.Context, opts ListOpts) ([]Refund, error)
	MarkPaid(ctx context.Context, id int64) error
}

// Refund is a queued currency return.
type Refund struct {
	ID          int64
	AuctionID   string
	Participant string
	Amount      decimal.Decimal
	Status      string
	CreatedAt   time.Time
	PaidAt      *time.Time
}

// AuditEntry is a single audit log row.
type AuditEntry struct {
	ID        int64
	Event     string
	Detail    map[string]any
	CreatedAt time.Time
}

// AuditStore persists an append-only audit log.
type AuditStore interface {
	Log(ctx context.Context, event string, detail map[string]any) error
	List(ctx context.Context, opts ListOpts) ([]AuditEntry, error)
}
