package postgres

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/alanyoungcy/dutchauction/internal/domain"
)

// TokenStore is a TokenRegistry kept in the token_balances table. Every
// transfer is also appended to token_transfers.
type TokenStore struct {
	pool *pgxpool.Pool
}

func NewTokenStore(pool *pgxpool.Pool) *TokenStore {
	return &TokenStore{pool: pool}
}

// BalanceOf returns 0 for accounts that were never credited.
func (s *TokenStore) BalanceOf(ctx context.Context, account string) (int64, error) {
	var balance int64
	err := s.pool.QueryRow(ctx, `SELECT balance FROM token_balances WHERE account = $1`, account).Scan(&balance)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return 0, nil
		}
		return 0, fmt.Errorf("postgres: balance of %s: %w", account, err)
	}
	return balance, nil
}

// Transfer debits from and credits to atomically. An insufficient balance
// is reported as domain.ErrTransfer.
func (s *TokenStore) Transfer(ctx context.Context, from, to string, quantity int64) error {
	if quantity <= 0 {
		return fmt.Errorf("postgres: transfer of %d units: %w", quantity, domain.ErrTransfer)
	}
	err := withTx(ctx, s.pool, func(tx pgx.Tx) error {
		tag, err := tx.Exec(ctx, `
			UPDATE token_balances SET balance = balance - $2, updated_at = NOW()
			WHERE account = $1 AND balance >= $2`, from, quantity)
		if err != nil {
			return fmt.Errorf("debit %s: %w", from, err)
		}
		if tag.RowsAffected() == 0 {
			return fmt.Errorf("%s cannot cover %d units: %w", from, quantity, domain.ErrTransfer)
		}
		if err := credit(ctx, tx, to, quantity); err != nil {
			return err
		}
		if _, err := tx.Exec(ctx, `
			INSERT INTO token_transfers (from_acct, to_acct, quantity) VALUES ($1, $2, $3)`,
			from, to, quantity); err != nil {
			return fmt.Errorf("record transfer: %w", err)
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("postgres: transfer %s -> %s: %w", from, to, err)
	}
	return nil
}

// Mint credits account with newly issued units. It seeds the auction's
// token account when the registry lives in this database.
func (s *TokenStore) Mint(ctx context.Context, account string, quantity int64) error {
	if quantity <= 0 {
		return fmt.Errorf("postgres: mint %d units: %w", quantity, domain.ErrInvalidConfig)
	}
	if err := withTx(ctx, s.pool, func(tx pgx.Tx) error {
		return credit(ctx, tx, account, quantity)
	}); err != nil {
		return fmt.Errorf("postgres: mint to %s: %w", account, err)
	}
	return nil
}

func credit(ctx context.Context, tx pgx.Tx, account string, quantity int64) error {
	_, err := tx.Exec(ctx, `
		INSERT INTO token_balances (account, balance) VALUES ($1, $2)
		ON CONFLICT (account) DO UPDATE SET
			balance = token_balances.balance + EXCLUDED.balance, updated_at = NOW()`,
		account, quantity)
	if err != nil {
		return fmt.Errorf("credit %s: %w", account, err)
	}
	return nil
}

var _ domain.TokenRegistry = (*TokenStore)(nil)
