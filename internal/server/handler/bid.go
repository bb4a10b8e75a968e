package handler

import (
	"errors"
	"log/slog"
	"net/http"

	"github.com/shopspring/decimal"

	"github.com/alanyoungcy/dutchauction/internal/auction"
	"github.com/alanyoungcy/dutchauction/internal/domain"
)

// IdempotencyHeader carries an optional client key that makes bid retries
// safe.
const IdempotencyHeader = "Idempotency-Key"

// BidHandler serves bidding and claiming. The participant is always the
// verified caller.
type BidHandler struct {
	svc    AuctionService
	logger *slog.Logger
}

func NewBidHandler(svc AuctionService, logger *slog.Logger) *BidHandler {
	return &BidHandler{svc: svc, logger: logHandler(logger, "bid")}
}

type bidRequest struct {
	Amount decimal.Decimal `json:"amount"`
}

type bidResponse struct {
	Receipt auction.BidReceipt `json:"receipt"`
	Error   string             `json:"error,omitempty"`
}

// PlaceBid submits a bid. A bid that closes the auction on its deadline is
// answered with 409 and a receipt refunding the whole amount.
// POST /api/auction/bids
func (h *BidHandler) PlaceBid(w http.ResponseWriter, r *http.Request) {
	caller, ok := requireCaller(w, r)
	if !ok {
		return
	}
	var req bidRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	rcpt, err := h.svc.Bid(r.Context(), caller, req.Amount, r.Header.Get(IdempotencyHeader))
	if err != nil {
		if len(rcpt.Events) > 0 && (errors.Is(err, domain.ErrDeadlinePassed) || errors.Is(err, domain.ErrCapacityExhausted)) {
			writeJSON(w, http.StatusConflict, bidResponse{Receipt: rcpt, Error: err.Error()})
			return
		}
		writeServiceError(w, r, h.logger, "bid", err)
		return
	}
	writeJSON(w, http.StatusOK, bidResponse{Receipt: rcpt})
}

// Claim transfers the caller's allocation.
// POST /api/auction/claims
func (h *BidHandler) Claim(w http.ResponseWriter, r *http.Request) {
	caller, ok := requireCaller(w, r)
	if !ok {
		return
	}
	evs, err := h.svc.Claim(r.Context(), caller)
	if err != nil {
		writeServiceError(w, r, h.logger, "claim", err)
		return
	}
	writeJSON(w, http.StatusOK, eventsResponse{Events: evs})
}
