package server

import (
	"bytes"
	"context"
	"encoding/json"
	"encoding/hex"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	ethcrypto "github.com/ethereum/go-ethereum/crypto"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alanyoungcy/dutchauction/internal/auction"
	"github.com/alanyoungcy/dutchauction/internal/crypto"
	"github.com/alanyoungcy/dutchauction/internal/domain"
	"github.com/alanyoungcy/dutchauction/internal/ledger"
	"github.com/alanyoungcy/dutchauction/internal/server/handler"
	"github.com/alanyoungcy/dutchauction/internal/service"
)

type denyAll struct{}

func (denyAll) Allow(context.Context, string, int, time.Duration) (bool, error) { return false, nil }

func newSigner(t *testing.T) *crypto.Signer {
	t.Helper()
	pk, err := ethcrypto.GenerateKey()
	require.NoError(t, err)
	s, err := crypto.NewSigner(hex.EncodeToString(ethcrypto.FromECDSA(pk)), 1)
	require.NoError(t, err)
	return s
}

type apiFixture struct {
	srv   *httptest.Server
	owner *crypto.Signer
	alice *crypto.Signer
}

func newAPI(t *testing.T, cfg Config, deps Deps) *apiFixture {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	f := &apiFixture{owner: newSigner(t), alice: newSigner(t)}

	identity, err := crypto.NewOwnerIdentity(f.owner.Address().Hex())
	require.NoError(t, err)
	engine, err := auction.New(auction.Options{
		Config: domain.AuctionConfig{
			ID: "a1",
			Curve: domain.CurveConfig{
				Kind:       domain.CurveLinear,
				StartPrice: decimal.NewFromInt(10),
				PriceStep:  decimal.NewFromInt(1),
				PriceFloor: decimal.NewFromInt(5),
			},
			TotalCapacity: 100,
			Owner:         f.owner.Address().Hex(),
			TokenAccount:  "treasury",
		},
		Registry: ledger.NewMemoryRegistry(map[string]int64{"treasury": 100}),
		Refunds:  ledger.NewMemoryRefunds("a1"),
		Identity: identity,
	})
	require.NoError(t, err)
	svc := service.NewAuctionService(engine, nil, service.Topics{}, nil, nil, identity, logger).
		WithDedup(service.NewDedup(time.Minute, nil))

	if deps.Verifier == nil {
		deps.Verifier = crypto.NewRequestVerifier(0, nil)
	}
	h := Routes(cfg, Handlers{
		Health:  handler.NewHealthHandler(nil, logger),
		Status:  handler.NewStatusHandler(svc, logger),
		Auction: handler.NewAuctionHandler(svc, logger),
		Bids:    handler.NewBidHandler(svc, logger),
		Reports: handler.NewReportHandler(svc, logger),
	}, deps, logger)
	f.srv = httptest.NewServer(h)
	t.Cleanup(f.srv.Close)
	return f
}

// do sends a request signed by s (unsigned when s is nil) and decodes the
// JSON response into out when non-nil.
func (f *apiFixture) do(t *testing.T, s *crypto.Signer, method, path string, body any, out any, headers ...string) int {
	t.Helper()
	var raw []byte
	if body != nil {
		var err error
		raw, err = json.Marshal(body)
		require.NoError(t, err)
	}
	req, err := http.NewRequest(method, f.srv.URL+path, bytes.NewReader(raw))
	require.NoError(t, err)
	if s != nil {
		h, err := s.RequestHeadersAt(method, path, raw, time.Now())
		require.NoError(t, err)
		for k, v := range h {
			req.Header.Set(k, v)
		}
	}
	for i := 0; i+1 < len(headers); i += 2 {
		req.Header.Set(headers[i], headers[i+1])
	}
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	if out != nil {
		require.NoError(t, json.NewDecoder(resp.Body).Decode(out))
	}
	return resp.StatusCode
}

func TestAPI_AuctionFlow(t *testing.T) {
	f := newAPI(t, Config{}, Deps{})

	assert.Equal(t, http.StatusOK, f.do(t, nil, "GET", "/api/health", nil, nil))

	var evs struct {
		Events []domain.Event `json:"events"`
	}
	assert.Equal(t, http.StatusForbidden, f.do(t, f.alice, "POST", "/api/auction/setup",
		map[string]any{"offering": 90, "bonus": 10, "token_ref": "TKN"}, nil))
	assert.Equal(t, http.StatusOK, f.do(t, f.owner, "POST", "/api/auction/setup",
		map[string]any{"offering": 90, "bonus": 10, "token_ref": "TKN"}, &evs))
	assert.Equal(t, domain.EventAuctionSetup, evs.Events[0].Kind)
	assert.Equal(t, http.StatusOK, f.do(t, f.owner, "POST", "/api/auction/start", nil, nil))
	assert.Equal(t, http.StatusConflict, f.do(t, f.owner, "POST", "/api/auction/start", nil, nil))

	// Unsigned bids are refused before reaching the engine.
	assert.Equal(t, http.StatusUnauthorized, f.do(t, nil, "POST", "/api/auction/bids", map[string]string{"amount": "100"}, nil))

	var bid struct {
		Receipt auction.BidReceipt `json:"receipt"`
	}
	assert.Equal(t, http.StatusOK, f.do(t, f.alice, "POST", "/api/auction/bids",
		map[string]string{"amount": "100"}, &bid, "Idempotency-Key", "b1"))
	assert.Equal(t, int64(10), bid.Receipt.Units)
	assert.Equal(t, http.StatusConflict, f.do(t, f.alice, "POST", "/api/auction/bids",
		map[string]string{"amount": "100"}, nil, "Idempotency-Key", "b1"))
	assert.Equal(t, http.StatusBadRequest, f.do(t, f.alice, "POST", "/api/auction/bids",
		map[string]string{"amount": "0"}, nil))

	var st domain.AuctionStatus
	assert.Equal(t, http.StatusOK, f.do(t, nil, "GET", "/api/auction", nil, &st))
	assert.Equal(t, domain.StageStarted, st.State.Stage)
	assert.True(t, st.CurrentPrice.Equal(decimal.NewFromInt(9)))

	alice := f.alice.Address().Hex()
	var c domain.Contribution
	assert.Equal(t, http.StatusOK, f.do(t, nil, "GET", "/api/auction/contributions/"+alice, nil, &c))
	assert.True(t, c.Amount.Equal(decimal.NewFromInt(100)))
	assert.Equal(t, http.StatusNotFound, f.do(t, nil, "GET", "/api/auction/contributions/0xnobody", nil, nil))
	assert.Equal(t, http.StatusConflict, f.do(t, nil, "GET", "/api/auction/allocations/"+alice, nil, nil))
	assert.Equal(t, http.StatusConflict, f.do(t, nil, "GET", "/api/auction/report", nil, nil))

	assert.Equal(t, http.StatusOK, f.do(t, f.owner, "POST", "/api/auction/end", nil, nil))

	var alloc domain.Allocation
	assert.Equal(t, http.StatusOK, f.do(t, nil, "GET", "/api/auction/allocations/"+alice, nil, &alloc))
	assert.Equal(t, int64(11), alloc.TokensOwed)

	assert.Equal(t, http.StatusOK, f.do(t, f.alice, "POST", "/api/auction/claims", nil, &evs))
	assert.Equal(t, []domain.EventKind{domain.EventTokensClaimed, domain.EventTokensDistributed}, domain.Kinds(evs.Events))
	assert.Equal(t, http.StatusConflict, f.do(t, f.alice, "POST", "/api/auction/claims", nil, nil))

	var rep domain.SettlementReport
	assert.Equal(t, http.StatusOK, f.do(t, nil, "GET", "/api/auction/report", nil, &rep))
	assert.Equal(t, domain.EndingManual, rep.EndingReason)
	assert.Equal(t, int64(11), rep.Allocated)
}

func TestAPI_TamperedSignature(t *testing.T) {
	f := newAPI(t, Config{}, Deps{})
	body := []byte(`{"amount":"100"}`)
	h, err := f.alice.RequestHeadersAt("POST", "/api/auction/bids", body, time.Now())
	require.NoError(t, err)

	req, err := http.NewRequest("POST", f.srv.URL+"/api/auction/bids", bytes.NewReader([]byte(`{"amount":"999"}`)))
	require.NoError(t, err)
	for k, v := range h {
		req.Header.Set(k, v)
	}
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
}

func TestAPI_APIKeyAndRateLimit(t *testing.T) {
	f := newAPI(t, Config{APIKey: "secret", RateLimit: 1, RateLimitWindow: time.Second}, Deps{Limiter: denyAll{}})

	assert.Equal(t, http.StatusOK, f.do(t, nil, "GET", "/api/health", nil, nil), "health is exempt from the key")
	assert.Equal(t, http.StatusUnauthorized, f.do(t, nil, "GET", "/api/auction", nil, nil))
	assert.Equal(t, http.StatusTooManyRequests, f.do(t, nil, "GET", "/api/auction", nil, nil, "X-API-Key", "secret"))
}

func TestAPI_ObserverRoutes(t *testing.T) {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	h := Routes(Config{}, Handlers{
		Health: handler.NewHealthHandler(map[string]handler.CheckFunc{
			"redis": func(context.Context) error { return domain.ErrLockLost },
		}, logger),
		Status: handler.NewStatusHandler(statusFunc(func(context.Context) (domain.AuctionStatus, error) {
			return domain.AuctionStatus{}, domain.ErrNotFound
		}), logger),
	}, Deps{}, logger)

	for path, want := range map[string]int{
		"/api/health":  http.StatusServiceUnavailable,
		"/api/auction": http.StatusNotFound,
	} {
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, httptest.NewRequest("GET", path, nil))
		assert.Equal(t, want, rec.Code, path)
		assert.NotEmpty(t, rec.Header().Get("X-Request-ID"))
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest("POST", "/api/auction/bids", nil))
	assert.Equal(t, http.StatusNotFound, rec.Code, "mutating routes are absent in observer mode")
}

type statusFunc func(context.Context) (domain.AuctionStatus, error)

func (f statusFunc) Status(ctx context.Context) (domain.AuctionStatus, error) { return f(ctx) }
