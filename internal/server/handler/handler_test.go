package handler

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alanyoungcy/dutchauction/internal/auction"
	"github.com/alanyoungcy/dutchauction/internal/domain"
	"github.com/alanyoungcy/dutchauction/internal/server/middleware"
)

// fakeService embeds the interface so tests only implement what they hit.
type fakeService struct {
	AuctionService

	bidKey  string
	bidRcpt auction.BidReceipt
	bidErr  error
	setup   []any
	paid    int64
}

func (f *fakeService) Bid(_ context.Context, _ string, _ decimal.Decimal, key string) (auction.BidReceipt, error) {
	f.bidKey = key
	return f.bidRcpt, f.bidErr
}

func (f *fakeService) Setup(_ context.Context, caller string, offering, bonus int64, tokenRef string) ([]domain.Event, error) {
	f.setup = []any{caller, offering, bonus, tokenRef}
	return nil, nil
}

func (f *fakeService) MarkRefundPaid(_ context.Context, _ string, id int64) error {
	f.paid = id
	return nil
}

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func signed(r *http.Request, caller string) *http.Request {
	return r.WithContext(middleware.WithCaller(r.Context(), caller))
}

func TestStatusFor(t *testing.T) {
	cases := []struct {
		err  error
		want int
	}{
		{domain.ErrUnauthorized, http.StatusForbidden},
		{domain.ErrNotFound, http.StatusNotFound},
		{domain.ErrRateLimited, http.StatusTooManyRequests},
		{domain.ErrInvalidBid, http.StatusBadRequest},
		{domain.ErrInsufficientSupply, http.StatusBadRequest},
		{domain.ErrInvalidStageTransition, http.StatusConflict},
		{domain.ErrAuctionNotFinalized, http.StatusConflict},
		{domain.ErrDuplicateRequest, http.StatusConflict},
		{domain.ErrDistributionFailed, http.StatusBadGateway},
		{domain.ErrLockLost, http.StatusServiceUnavailable},
		{errors.New("disk on fire"), http.StatusInternalServerError},
	}
	for _, tc := range cases {
		wrapped := fmt.Errorf("engine: op: %w", tc.err)
		assert.Equal(t, tc.want, statusFor(wrapped), tc.err.Error())
	}
}

func TestPlaceBid_RequiresCaller(t *testing.T) {
	h := NewBidHandler(&fakeService{}, quietLogger())
	rec := httptest.NewRecorder()
	h.PlaceBid(rec, httptest.NewRequest("POST", "/api/auction/bids", strings.NewReader(`{"amount":"1"}`)))
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestPlaceBid_DeadlineReturnsReceipt(t *testing.T) {
	svc := &fakeService{
		bidRcpt: auction.BidReceipt{
			Participant: "0xabc",
			Refund:      decimal.NewFromInt(50),
			Events:      []domain.Event{{Seq: 9, Kind: domain.EventAuctionEnded, Reason: domain.EndingDeadline}},
		},
		bidErr: fmt.Errorf("auction: bid: %w", domain.ErrDeadlinePassed),
	}
	h := NewBidHandler(svc, quietLogger())

	req := httptest.NewRequest("POST", "/api/auction/bids", strings.NewReader(`{"amount":"50"}`))
	req.Header.Set(IdempotencyHeader, "k-1")
	rec := httptest.NewRecorder()
	h.PlaceBid(rec, signed(req, "0xabc"))

	require.Equal(t, http.StatusConflict, rec.Code)
	var body bidResponse
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&body))
	assert.True(t, body.Receipt.Refund.Equal(decimal.NewFromInt(50)))
	assert.Equal(t, domain.EndingDeadline, body.Receipt.Events[0].Reason)
	assert.Contains(t, body.Error, "deadline")
	assert.Equal(t, "k-1", svc.bidKey)
}

func TestPlaceBid_RejectsUnknownFields(t *testing.T) {
	h := NewBidHandler(&fakeService{}, quietLogger())
	rec := httptest.NewRecorder()
	req := httptest.NewRequest("POST", "/api/auction/bids", strings.NewReader(`{"amount":"1","price":"2"}`))
	h.PlaceBid(rec, signed(req, "0xabc"))
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestSetup_DecodesBody(t *testing.T) {
	svc := &fakeService{}
	h := NewAuctionHandler(svc, quietLogger())
	rec := httptest.NewRecorder()
	req := httptest.NewRequest("POST", "/api/auction/setup",
		strings.NewReader(`{"offering":90,"bonus":10,"token_ref":"TKN"}`))
	h.Setup(rec, signed(req, "0xowner"))

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"events":[]}`, rec.Body.String())
	assert.Equal(t, []any{"0xowner", int64(90), int64(10), "TKN"}, svc.setup)
}

func TestMarkRefundPaid(t *testing.T) {
	svc := &fakeService{}
	mux := http.NewServeMux()
	mux.HandleFunc("POST /api/auction/refunds/{id}/paid", NewAuctionHandler(svc, quietLogger()).MarkRefundPaid)

	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, signed(httptest.NewRequest("POST", "/api/auction/refunds/7/paid", nil), "0xowner"))
	assert.Equal(t, http.StatusNoContent, rec.Code)
	assert.Equal(t, int64(7), svc.paid)

	rec = httptest.NewRecorder()
	mux.ServeHTTP(rec, signed(httptest.NewRequest("POST", "/api/auction/refunds/x/paid", nil), "0xowner"))
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestHealth(t *testing.T) {
	down := errors.New("connection refused")
	h := NewHealthHandler(map[string]CheckFunc{
		"postgres": func(context.Context) error { return nil },
		"redis":    func(context.Context) error { return down },
	}, quietLogger())

	rec := httptest.NewRecorder()
	h.HealthCheck(rec, httptest.NewRequest("GET", "/api/health", nil))
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	assert.Contains(t, rec.Body.String(), "degraded")
	assert.Contains(t, rec.Body.String(), "connection refused")
}
