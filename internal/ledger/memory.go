// Package ledger holds in-process implementations of the token registry and
// currency rail. They back the engine in tests and in single-node
// deployments that run without postgres.
package ledger

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"github.com/alanyoungcy/dutchauction/internal/domain"
)

// MemoryRegistry is a TokenRegistry over a map of balances.
type MemoryRegistry struct {
	mu       sync.Mutex
	balances map[string]int64
}

// NewMemoryRegistry copies the initial balances.
func NewMemoryRegistry(initial map[string]int64) *MemoryRegistry {
	b := make(map[string]int64, len(initial))
	for k, v := range initial {
		b[k] = v
	}
	return &MemoryRegistry{balances: b}
}

func (r *MemoryRegistry) BalanceOf(_ context.Context, account string) (int64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.balances[account], nil
}

func (r *MemoryRegistry) Transfer(_ context.Context, from, to string, quantity int64) error {
	if quantity <= 0 {
		return fmt.Errorf("ledger: transfer of %d units: %w", quantity, domain.ErrTransfer)
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.balances[from] < quantity {
		return fmt.Errorf("ledger: %s holds %d, needs %d: %w", from, r.balances[from], quantity, domain.ErrTransfer)
	}
	r.balances[from] -= quantity
	r.balances[to] += quantity
	return nil
}

// Mint credits account out of thin air. Used to fund the auction supply.
func (r *MemoryRegistry) Mint(account string, quantity int64) {
	r.mu.Lock()
	r.balances[account] += quantity
	r.mu.Unlock()
}

// MemoryRefunds records every refund it is asked to make.
type MemoryRefunds struct {
	mu      sync.Mutex
	auction string
	nextID  int64
	paid    []domain.Refund
}

func NewMemoryRefunds(auctionID string) *MemoryRefunds {
	return &MemoryRefunds{auction: auctionID}
}

func (m *MemoryRefunds) Refund(_ context.Context, participant string, amount decimal.Decimal) error {
	if !amount.IsPositive() {
		return fmt.Errorf("ledger: refund of %s: %w", amount, domain.ErrTransfer)
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	m.nextID++
	now := time.Now()
	m.paid = append(m.paid, domain.Refund{
		ID:          m.nextID,
		AuctionID:   m.auction,
		Participant: participant,
		Amount:      amount,
		Status:      "paid",
		CreatedAt:   now,
		PaidAt:      &now,
	})
	return nil
}

// Refunds returns every refund made so far, oldest first.
func (m *MemoryRefunds) Refunds() []domain.Refund {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]domain.Refund(nil), m.paid...)
}

// TotalTo sums the refunds made to participant.
func (m *MemoryRefunds) TotalTo(participant string) decimal.Decimal {
	m.mu.Lock()
	defer m.mu.Unlock()
	sum := decimal.Zero
	for _, r := range m.paid {
		if r.Participant == participant {
			sum = sum.Add(r.Amount)
		}
	}
	return sum
}

var (
	_ domain.TokenRegistry    = (*MemoryRegistry)(nil)
	_ domain.CurrencyTransfer = (*MemoryRefunds)(nil)
)
