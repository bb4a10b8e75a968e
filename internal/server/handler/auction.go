package handler

import (
	"context"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/shopspring/decimal"

	"github.com/alanyoungcy/dutchauction/internal/auction"
	"github.com/alanyoungcy/dutchauction/internal/domain"
)

// AuctionService is what the auction handlers need from the service layer.
type AuctionService interface {
	Setup(ctx context.Context, caller string, offering, bonus int64, tokenRef string) ([]domain.Event, error)
	Start(ctx context.Context, caller string) ([]domain.Event, error)
	End(ctx context.Context, caller string) ([]domain.Event, error)
	Distribute(ctx context.Context, caller string) ([]domain.Event, error)
	Poll(ctx context.Context) ([]domain.Event, error)
	Bid(ctx context.Context, participant string, amount decimal.Decimal, key string) (auction.BidReceipt, error)
	Claim(ctx context.Context, participant string) ([]domain.Event, error)
	Contribution(ctx context.Context, participant string) (domain.Contribution, error)
	Allocation(ctx context.Context, participant string) (domain.Allocation, error)
	Report(ctx context.Context) (domain.SettlementReport, error)
	Refunds(ctx context.Context, caller string, opts domain.ListOpts) ([]domain.Refund, error)
	MarkRefundPaid(ctx context.Context, caller string, id int64) error
}

// StatusSource supplies the auction status. Observer processes serve it
// from the cache.
type StatusSource interface {
	Status(ctx context.Context) (domain.AuctionStatus, error)
}

// AuctionHandler serves the auction lifecycle and participant queries.
type AuctionHandler struct {
	svc    AuctionService
	logger *slog.Logger
}

func NewAuctionHandler(svc AuctionService, logger *slog.Logger) *AuctionHandler {
	return &AuctionHandler{svc: svc, logger: logHandler(logger, "auction")}
}

type eventsResponse struct {
	Events []domain.Event `json:"events"`
}

type setupRequest struct {
	Offering int64  `json:"offering"`
	Bonus    int64  `json:"bonus"`
	TokenRef string `json:"token_ref"`
}

// Setup binds offering, bonus and token reference.
// POST /api/auction/setup
func (h *AuctionHandler) Setup(w http.ResponseWriter, r *http.Request) {
	caller, ok := requireCaller(w, r)
	if !ok {
		return
	}
	var req setupRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	evs, err := h.svc.Setup(r.Context(), caller, req.Offering, req.Bonus, req.TokenRef)
	h.writeEvents(w, r, "setup", evs, err)
}

// POST /api/auction/start
func (h *AuctionHandler) Start(w http.ResponseWriter, r *http.Request) {
	h.ownerOp(w, r, "start", h.svc.Start)
}

// POST /api/auction/end
func (h *AuctionHandler) End(w http.ResponseWriter, r *http.Request) {
	h.ownerOp(w, r, "end", h.svc.End)
}

// POST /api/auction/distribute
func (h *AuctionHandler) Distribute(w http.ResponseWriter, r *http.Request) {
	h.ownerOp(w, r, "distribute", h.svc.Distribute)
}

// Poll runs the deadline check now. Anyone may trigger it.
// POST /api/auction/poll
func (h *AuctionHandler) Poll(w http.ResponseWriter, r *http.Request) {
	evs, err := h.svc.Poll(r.Context())
	h.writeEvents(w, r, "poll", evs, err)
}

// GET /api/auction/contributions/{participant}
func (h *AuctionHandler) Contribution(w http.ResponseWriter, r *http.Request) {
	c, err := h.svc.Contribution(r.Context(), r.PathValue("participant"))
	if err != nil {
		writeServiceError(w, r, h.logger, "contribution", err)
		return
	}
	writeJSON(w, http.StatusOK, c)
}

// Allocation returns the units a participant receives at the clearing
// price.
// GET /api/auction/allocations/{participant}
func (h *AuctionHandler) Allocation(w http.ResponseWriter, r *http.Request) {
	a, err := h.svc.Allocation(r.Context(), r.PathValue("participant"))
	if err != nil {
		writeServiceError(w, r, h.logger, "allocation", err)
		return
	}
	writeJSON(w, http.StatusOK, a)
}

// Refunds lists queued refunds for the owner.
// GET /api/auction/refunds?limit=50&offset=0
func (h *AuctionHandler) Refunds(w http.ResponseWriter, r *http.Request) {
	caller, ok := requireCaller(w, r)
	if !ok {
		return
	}
	refunds, err := h.svc.Refunds(r.Context(), caller, parseListOpts(r))
	if err != nil {
		writeServiceError(w, r, h.logger, "refunds", err)
		return
	}
	if refunds == nil {
		refunds = []domain.Refund{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"refunds": refunds})
}

// POST /api/auction/refunds/{id}/paid
func (h *AuctionHandler) MarkRefundPaid(w http.ResponseWriter, r *http.Request) {
	caller, ok := requireCaller(w, r)
	if !ok {
		return
	}
	id, err := strconv.ParseInt(r.PathValue("id"), 10, 64)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid refund id")
		return
	}
	if err := h.svc.MarkRefundPaid(r.Context(), caller, id); err != nil {
		writeServiceError(w, r, h.logger, "mark refund", err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *AuctionHandler) ownerOp(w http.ResponseWriter, r *http.Request, op string, fn func(context.Context, string) ([]domain.Event, error)) {
	caller, ok := requireCaller(w, r)
	if !ok {
		return
	}
	evs, err := fn(r.Context(), caller)
	h.writeEvents(w, r, op, evs, err)
}

func (h *AuctionHandler) writeEvents(w http.ResponseWriter, r *http.Request, op string, evs []domain.Event, err error) {
	if err != nil {
		writeServiceError(w, r, h.logger, op, err)
		return
	}
	if evs == nil {
		evs = []domain.Event{}
	}
	writeJSON(w, http.StatusOK, eventsResponse{Events: evs})
}

// StatusHandler serves the read-only auction view.
type StatusHandler struct {
	source StatusSource
	logger *slog.Logger
}

func NewStatusHandler(source StatusSource, logger *slog.Logger) *StatusHandler {
	return &StatusHandler{source: source, logger: logHandler(logger, "status")}
}

// GET /api/auction
func (h *StatusHandler) Status(w http.ResponseWriter, r *http.Request) {
	st, err := h.source.Status(r.Context())
	if err != nil {
		writeServiceError(w, r, h.logger, "status", err)
		return
	}
	writeJSON(w, http.StatusOK, st)
}

// logHandler scopes a logger to one handler.
func logHandler(logger *slog.Logger, handler string) *slog.Logger {
	return logger.With(slog.String("handler", handler))
}
