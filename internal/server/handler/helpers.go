package handler

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/alanyoungcy/dutchauction/internal/domain"
	"github.com/alanyoungcy/dutchauction/internal/server/middleware"
)

// maxBodyBytes bounds request bodies.
const maxBodyBytes = 64 << 10

// writeJSON marshals v as JSON and writes it with the given status. If
// marshaling fails it falls back to a plain 500.
func writeJSON(w http.ResponseWriter, status int, v any) {
	data, err := json.Marshal(v)
	if err != nil {
		http.Error(w, `{"error":"internal server error"}`, http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	w.Write(data)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

// statusFor maps domain errors to HTTP status codes.
func statusFor(err error) int {
	switch {
	case errors.Is(err, domain.ErrUnauthorized):
		return http.StatusForbidden
	case errors.Is(err, domain.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, domain.ErrRateLimited):
		return http.StatusTooManyRequests
	case errors.Is(err, domain.ErrInvalidBid),
		errors.Is(err, domain.ErrInvalidConfig),
		errors.Is(err, domain.ErrInsufficientSupply):
		return http.StatusBadRequest
	case errors.Is(err, domain.ErrInvalidStageTransition),
		errors.Is(err, domain.ErrAuctionNotFinalized),
		errors.Is(err, domain.ErrDeadlinePassed),
		errors.Is(err, domain.ErrCapacityExhausted),
		errors.Is(err, domain.ErrDuplicateRequest),
		errors.Is(err, domain.ErrAlreadySettled):
		return http.StatusConflict
	case errors.Is(err, domain.ErrDistributionFailed),
		errors.Is(err, domain.ErrTransfer):
		return http.StatusBadGateway
	case errors.Is(err, domain.ErrLockLost),
		errors.Is(err, domain.ErrLedgerMismatch):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

// writeServiceError logs server-side failures and writes the mapped status.
// Client errors are returned with their message.
func writeServiceError(w http.ResponseWriter, r *http.Request, logger *slog.Logger, op string, err error) {
	status := statusFor(err)
	if status >= http.StatusInternalServerError {
		logger.ErrorContext(r.Context(), "handler: "+op+" failed",
			slog.String("error", err.Error()),
		)
	}
	if status == http.StatusInternalServerError {
		writeError(w, status, op+" failed")
		return
	}
	writeError(w, status, err.Error())
}

// decodeJSON reads a bounded JSON body into v. An empty body leaves v as is.
func decodeJSON(r *http.Request, v any) error {
	dec := json.NewDecoder(io.LimitReader(r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil && !errors.Is(err, io.EOF) {
		return fmt.Errorf("invalid request body: %w", err)
	}
	return nil
}

// requireCaller returns the verified caller or writes a 401.
func requireCaller(w http.ResponseWriter, r *http.Request) (string, bool) {
	caller := middleware.CallerFromContext(r.Context())
	if caller == "" {
		writeError(w, http.StatusUnauthorized, "signed request required")
		return "", false
	}
	return caller, true
}

// parseListOpts extracts pagination. Defaults: limit=50 (max 500), offset=0.
func parseListOpts(r *http.Request) domain.ListOpts {
	q := r.URL.Query()

	limit := 50
	if v := q.Get("limit"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			limit = n
		}
	}
	if limit > 500 {
		limit = 500
	}

	offset := 0
	if v := q.Get("offset"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n >= 0 {
			offset = n
		}
	}
	return domain.ListOpts{Limit: limit, Offset: offset}
}
