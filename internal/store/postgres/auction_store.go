package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"github.com/alanyoungcy/dutchauction/internal/auction"
	"github.com/alanyoungcy/dutchauction/internal/domain"
)

// AuctionStore is the engine's journal and the source of snapshots on
// restart. Each Commit is one transaction; the version column rejects a
// commit from an engine that lost ownership of the auction.
type AuctionStore struct {
	pool    *pgxpool.Pool
	refunds bool
}

func NewAuctionStore(pool *pgxpool.Pool) *AuctionStore {
	return &AuctionStore{pool: pool}
}

// WithRefunds makes Commit queue a bid's refund in the refunds table inside
// the bid's transaction. Use it when RefundStore is the engine's currency
// transfer.
func (s *AuctionStore) WithRefunds() *AuctionStore {
	s.refunds = true
	return s
}

// JournalsRefunds implements auction.RefundJournal.
func (s *AuctionStore) JournalsRefunds() bool {
	return s.refunds
}

// Commit implements auction.Journal.
func (s *AuctionStore) Commit(ctx context.Context, c auction.Change) error {
	cfgJSON, err := json.Marshal(c.Config)
	if err != nil {
		return fmt.Errorf("postgres: marshal auction config: %w", err)
	}
	st := c.State

	err = withTx(ctx, s.pool, func(tx pgx.Tx) error {
		tag, err := tx.Exec(ctx, `
			INSERT INTO auctions (
				id, config, stage, owner, token_ref, offering, bonus,
				bids_accepted, units_sold, received_total, clearing_price, ending_reason,
				started_at, ended_at, event_seq, version, updated_at
			) VALUES (
				$1, $2, $3, $4, $5, $6, $7,
				$8, $9, $10::numeric, $11::numeric, $12,
				$13, $14, $15, $16, NOW()
			)
			ON CONFLICT (id) DO UPDATE SET
				stage = EXCLUDED.stage,
				token_ref = EXCLUDED.token_ref,
				offering = EXCLUDED.offering,
				bonus = EXCLUDED.bonus,
				bids_accepted = EXCLUDED.bids_accepted,
				units_sold = EXCLUDED.units_sold,
				received_total = EXCLUDED.received_total,
				clearing_price = EXCLUDED.clearing_price,
				ending_reason = EXCLUDED.ending_reason,
				started_at = EXCLUDED.started_at,
				ended_at = EXCLUDED.ended_at,
				event_seq = EXCLUDED.event_seq,
				version = EXCLUDED.version,
				updated_at = NOW()
			WHERE auctions.version = EXCLUDED.version - 1`,
			st.AuctionID, cfgJSON, st.Stage.String(), st.Owner, st.TokenRef, st.Offering, st.Bonus,
			int64(st.BidsAccepted), st.UnitsSold, st.ReceivedTotal.String(), nullDecimal(st.ClearingPrice),
			st.EndingReason.String(), nullTime(st.StartedAt), nullTime(st.EndedAt),
			int64(st.EventSeq), int64(st.Version),
		)
		if err != nil {
			return fmt.Errorf("upsert auction: %w", err)
		}
		if tag.RowsAffected() == 0 {
			return fmt.Errorf("version %d is stale: %w", st.Version, domain.ErrLockLost)
		}

		if ct := c.Contribution; ct != nil {
			if _, err := tx.Exec(ctx, `
				INSERT INTO contributions (auction_id, participant, amount, bids, updated_at)
				VALUES ($1, $2, $3::numeric, $4, $5)
				ON CONFLICT (auction_id, participant) DO UPDATE SET
					amount = EXCLUDED.amount, bids = EXCLUDED.bids, updated_at = EXCLUDED.updated_at`,
				st.AuctionID, ct.Participant, ct.Amount.String(), ct.Bids, ct.UpdatedAt,
			); err != nil {
				return fmt.Errorf("upsert contribution %s: %w", ct.Participant, err)
			}
		}

		if sm := c.Settlement; sm != nil {
			if _, err := tx.Exec(ctx, `
				INSERT INTO settlements (auction_id, participant, quantity, via, settled_at)
				VALUES ($1, $2, $3, $4, $5)
				ON CONFLICT (auction_id, participant) DO NOTHING`,
				st.AuctionID, sm.Participant, sm.Quantity, string(sm.Via), sm.SettledAt,
			); err != nil {
				return fmt.Errorf("insert settlement %s: %w", sm.Participant, err)
			}
		}

		if rf := c.Refund; rf != nil && s.refunds {
			if _, err := tx.Exec(ctx, insertRefundSQL, st.AuctionID, rf.Participant, rf.Amount.String()); err != nil {
				return fmt.Errorf("queue refund to %s: %w", rf.Participant, err)
			}
		}

		if len(c.Events) == 0 {
			return nil
		}
		batch := &pgx.Batch{}
		for _, ev := range c.Events {
			batch.Queue(`
				INSERT INTO auction_events (auction_id, seq, kind, participant, quantity, amount, price, reason, at)
				VALUES ($1, $2, $3, $4, $5, $6::numeric, $7::numeric, $8, $9)`,
				st.AuctionID, int64(ev.Seq), string(ev.Kind), ev.Participant, ev.Quantity,
				ev.Amount.String(), ev.Price.String(), ev.Reason.String(), ev.At,
			)
		}
		if err := tx.SendBatch(ctx, batch).Close(); err != nil {
			return fmt.Errorf("insert events: %w", err)
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("postgres: commit auction %s: %w", st.AuctionID, err)
	}
	return nil
}

// Load returns the persisted snapshot, or domain.ErrNotFound.
func (s *AuctionStore) Load(ctx context.Context, auctionID string) (domain.AuctionSnapshot, error) {
	var (
		snap               domain.AuctionSnapshot
		cfgJSON            []byte
		stage, reason      string
		received           string
		clearing           *string
		startedAt, endedAt *time.Time
		bids, seq, version int64
	)
	err := s.pool.QueryRow(ctx, `
		SELECT config, stage, owner, token_ref, offering, bonus, bids_accepted, units_sold,
		       received_total::text, clearing_price::text, ending_reason,
		       started_at, ended_at, event_seq, version
		FROM auctions WHERE id = $1`, auctionID,
	).Scan(&cfgJSON, &stage, &snap.State.Owner, &snap.State.TokenRef, &snap.State.Offering, &snap.State.Bonus,
		&bids, &snap.State.UnitsSold, &received, &clearing, &reason,
		&startedAt, &endedAt, &seq, &version)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return domain.AuctionSnapshot{}, domain.ErrNotFound
		}
		return domain.AuctionSnapshot{}, fmt.Errorf("postgres: load auction %s: %w", auctionID, err)
	}

	if err := json.Unmarshal(cfgJSON, &snap.Config); err != nil {
		return domain.AuctionSnapshot{}, fmt.Errorf("postgres: decode auction config: %w", err)
	}
	st := &snap.State
	st.AuctionID = auctionID
	if err := st.Stage.UnmarshalText([]byte(stage)); err != nil {
		return domain.AuctionSnapshot{}, fmt.Errorf("postgres: load auction %s: %w", auctionID, err)
	}
	if err := st.EndingReason.UnmarshalText([]byte(reason)); err != nil {
		return domain.AuctionSnapshot{}, fmt.Errorf("postgres: load auction %s: %w", auctionID, err)
	}
	if st.ReceivedTotal, err = decimal.NewFromString(received); err != nil {
		return domain.AuctionSnapshot{}, fmt.Errorf("postgres: parse received_total: %w", err)
	}
	if clearing != nil {
		d, err := decimal.NewFromString(*clearing)
		if err != nil {
			return domain.AuctionSnapshot{}, fmt.Errorf("postgres: parse clearing_price: %w", err)
		}
		st.ClearingPrice = decimal.NewNullDecimal(d)
	}
	if startedAt != nil {
		st.StartedAt = *startedAt
	}
	if endedAt != nil {
		st.EndedAt = *endedAt
	}
	st.BidsAccepted = uint64(bids)
	st.EventSeq = uint64(seq)
	st.Version = uint64(version)

	if snap.Contributions, err = s.contributions(ctx, auctionID); err != nil {
		return domain.AuctionSnapshot{}, err
	}
	if snap.Settlements, err = s.settlements(ctx, auctionID); err != nil {
		return domain.AuctionSnapshot{}, err
	}
	return snap, nil
}

func (s *AuctionStore) contributions(ctx context.Context, auctionID string) ([]domain.Contribution, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT participant, amount::text, bids, updated_at
		FROM contributions WHERE auction_id = $1 ORDER BY participant`, auctionID)
	if err != nil {
		return nil, fmt.Errorf("postgres: list contributions: %w", err)
	}
	defer rows.Close()

	var out []domain.Contribution
	for rows.Next() {
		var c domain.Contribution
		var amount string
		if err := rows.Scan(&c.Participant, &amount, &c.Bids, &c.UpdatedAt); err != nil {
			return nil, fmt.Errorf("postgres: scan contribution: %w", err)
		}
		if c.Amount, err = decimal.NewFromString(amount); err != nil {
			return nil, fmt.Errorf("postgres: parse contribution of %s: %w", c.Participant, err)
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

func (s *AuctionStore) settlements(ctx context.Context, auctionID string) ([]domain.Settlement, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT participant, quantity, via, settled_at
		FROM settlements WHERE auction_id = $1 ORDER BY participant`, auctionID)
	if err != nil {
		return nil, fmt.Errorf("postgres: list settlements: %w", err)
	}
	defer rows.Close()

	var out []domain.Settlement
	for rows.Next() {
		var sm domain.Settlement
		var via string
		if err := rows.Scan(&sm.Participant, &sm.Quantity, &via, &sm.SettledAt); err != nil {
			return nil, fmt.Errorf("postgres: scan settlement: %w", err)
		}
		sm.Via = domain.SettlementVia(via)
		out = append(out, sm)
	}
	return out, rows.Err()
}

// ListEvents returns events with Seq > afterSeq in order. limit <= 0 means
// no limit.
func (s *AuctionStore) ListEvents(ctx context.Context, auctionID string, afterSeq uint64, limit int) ([]domain.Event, error) {
	query := `
		SELECT seq, kind, participant, quantity, amount::text, price::text, reason, at
		FROM auction_events WHERE auction_id = $1 AND seq > $2 ORDER BY seq`
	args := []any{auctionID, int64(afterSeq)}
	if limit > 0 {
		query += ` LIMIT $3`
		args = append(args, limit)
	}

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("postgres: list events: %w", err)
	}
	defer rows.Close()

	var out []domain.Event
	for rows.Next() {
		var (
			ev                  domain.Event
			seq                 int64
			kind, amount, price string
			reason              string
		)
		if err := rows.Scan(&seq, &kind, &ev.Participant, &ev.Quantity, &amount, &price, &reason, &ev.At); err != nil {
			return nil, fmt.Errorf("postgres: scan event: %w", err)
		}
		ev.Seq = uint64(seq)
		ev.AuctionID = auctionID
		ev.Kind = domain.EventKind(kind)
		if err := ev.Reason.UnmarshalText([]byte(reason)); err != nil {
			return nil, fmt.Errorf("postgres: event %d: %w", seq, err)
		}
		if ev.Amount, err = decimal.NewFromString(amount); err != nil {
			return nil, fmt.Errorf("postgres: event %d amount: %w", seq, err)
		}
		if ev.Price, err = decimal.NewFromString(price); err != nil {
			return nil, fmt.Errorf("postgres: event %d price: %w", seq, err)
		}
		out = append(out, ev)
	}
	return out, rows.Err()
}

func nullDecimal(d decimal.NullDecimal) *string {
	if !d.Valid {
		return nil
	}
	s := d.Decimal.String()
	return &s
}

func nullTime(t time.Time) *time.Time {
	if t.IsZero() {
		return nil
	}
	return &t
}

var (
	_ auction.RefundJournal = (*AuctionStore)(nil)
	_ domain.AuctionStore   = (*AuctionStore)(nil)
)
