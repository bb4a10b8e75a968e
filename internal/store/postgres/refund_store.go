package postgres

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"github.com/alanyoungcy/dutchauction/internal/domain"
)

// RefundStore queues refunds for an operator to pay out off-line. As a
// CurrencyTransfer, a refund succeeds once it is durably queued.
type RefundStore struct {
	pool      *pgxpool.Pool
	auctionID string
}

const insertRefundSQL = `
	INSERT INTO refunds (auction_id, participant, amount) VALUES ($1, $2, $3::numeric)`

func NewRefundStore(pool *pgxpool.Pool, auctionID string) *RefundStore {
	return &RefundStore{pool: pool, auctionID: auctionID}
}

func (s *RefundStore) Refund(ctx context.Context, participant string, amount decimal.Decimal) error {
	if !amount.IsPositive() {
		return fmt.Errorf("postgres: refund of %s: %w", amount, domain.ErrTransfer)
	}
	_, err := s.pool.Exec(ctx, insertRefundSQL, s.auctionID, participant, amount.String())
	if err != nil {
		return fmt.Errorf("postgres: queue refund to %s: %w: %w", participant, domain.ErrTransfer, err)
	}
	return nil
}

// ListPending returns unpaid refunds, oldest first.
func (s *RefundStore) ListPending(ctx context.Context, opts domain.ListOpts) ([]domain.Refund, error) {
	query := `
		SELECT id, auction_id, participant, amount::text, status, created_at, paid_at
		FROM refunds WHERE auction_id = $1 AND status = 'pending'
		ORDER BY created_at, id`
	args := []any{s.auctionID}
	if opts.Limit > 0 {
		query += fmt.Sprintf(" LIMIT $%d", len(args)+1)
		args = append(args, opts.Limit)
	}
	if opts.Offset > 0 {
		query += fmt.Sprintf(" OFFSET $%d", len(args)+1)
		args = append(args, opts.Offset)
	}

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("postgres: list pending refunds: %w", err)
	}
	defer rows.Close()

	var out []domain.Refund
	for rows.Next() {
		var r domain.Refund
		var amount string
		if err := rows.Scan(&r.ID, &r.AuctionID, &r.Participant, &amount, &r.Status, &r.CreatedAt, &r.PaidAt); err != nil {
			return nil, fmt.Errorf("postgres: scan refund: %w", err)
		}
		if r.Amount, err = decimal.NewFromString(amount); err != nil {
			return nil, fmt.Errorf("postgres: refund %d amount: %w", r.ID, err)
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// MarkPaid flags a pending refund as paid.
func (s *RefundStore) MarkPaid(ctx context.Context, id int64) error {
	tag, err := s.pool.Exec(ctx, `
		UPDATE refunds SET status = 'paid', paid_at = NOW()
		WHERE id = $1 AND auction_id = $2 AND status = 'pending'`, id, s.auctionID)
	if err != nil {
		return fmt.Errorf("postgres: mark refund %d paid: %w", id, err)
	}
	if tag.RowsAffected() == 0 {
		return domain.ErrNotFound
	}
	return nil
}

var (
	_ domain.CurrencyTransfer = (*RefundStore)(nil)
	_ domain.RefundQueue      = (*RefundStore)(nil)
)
