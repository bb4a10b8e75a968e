package domain

import (
	"context"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// TokenRegistry moves units of the auctioned token between accounts.
// Failures should wrap ErrTransfer.
type TokenRegistry interface {
	BalanceOf(ctx context.Context, account string) (int64, error)
	Transfer(ctx context.Context, from, to string, quantity int64) error
}

// CurrencyTransfer returns currency to a participant.
type CurrencyTransfer interface {
	Refund(ctx context.Context, participant string, amount decimal.Decimal) error
}

// Clock supplies the current time for deadline and decay checks.
type Clock interface {
	Now() time.Time
}

// SystemClock reads the wall clock. time.Now carries a monotonic reading, so
// elapsed-time comparisons are immune to wall-clock steps within a process.
type SystemClock struct{}

func (SystemClock) Now() time.Time { return time.Now() }

// IdentitySource decides whether a resolved caller is the auction owner.
type IdentitySource interface {
	IsOwner(ctx context.Context, caller string) bool
}

// OwnerFunc adapts a function to IdentitySource.
type OwnerFunc func(ctx context.Context, caller string) bool

func (f OwnerFunc) IsOwner(ctx context.Context, caller string) bool { return f(ctx, caller) }

// StaticOwner treats exactly one identity as the owner, compared
// case-insensitively so hex addresses match regardless of checksum casing.
type StaticOwner string

func (o StaticOwner) IsOwner(_ context.Context, caller string) bool {
	return caller != "" && strings.EqualFold(string(o), caller)
}
