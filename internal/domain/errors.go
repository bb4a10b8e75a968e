package domain

import "errors"

var (
	ErrNotFound      = errors.New("not found")
	ErrRateLimited   = errors.New("rate limited")
	ErrUnauthorized  = errors.New("unauthorized")
	ErrSigningFailed = errors.New("signing failed")
	ErrLockHeld      = errors.New("lock already held")
	ErrLockLost      = errors.New("lock lost")
	ErrInvalidConfig = errors.New("invalid auction config")

	ErrInvalidStageTransition = errors.New("invalid stage transition")
	ErrCapacityExhausted      = errors.New("capacity exhausted")
	ErrDistributionFailed     = errors.New("distribution failed")
	ErrTransfer               = errors.New("transfer failed")
	ErrAuctionNotFinalized    = errors.New("auction not finalized")
	ErrDeadlinePassed         = errors.New("auction deadline passed")
	ErrInvalidBid             = errors.New("invalid bid")
	ErrInsufficientSupply     = errors.New("insufficient token supply")
	ErrAlreadySettled         = errors.New("already settled")
	ErrLedgerMismatch         = errors.New("ledger total does not match received total")
	ErrDuplicateRequest       = errors.New("duplicate request")
)
