package handler

import (
	"log/slog"
	"net/http"
)

// ReportHandler serves the settlement report.
type ReportHandler struct {
	svc    AuctionService
	logger *slog.Logger
}

func NewReportHandler(svc AuctionService, logger *slog.Logger) *ReportHandler {
	return &ReportHandler{svc: svc, logger: logHandler(logger, "report")}
}

// Report returns the archived report, or a freshly built one while the
// archive is pending. 409 until the auction has ended.
// GET /api/auction/report
func (h *ReportHandler) Report(w http.ResponseWriter, r *http.Request) {
	rep, err := h.svc.Report(r.Context())
	if err != nil {
		writeServiceError(w, r, h.logger, "report", err)
		return
	}
	writeJSON(w, http.StatusOK, rep)
}
