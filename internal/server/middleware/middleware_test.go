package middleware

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alanyoungcy/dutchauction/internal/crypto"
	"github.com/alanyoungcy/dutchauction/internal/domain"
)

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// echoCaller writes the verified caller and the body it received.
var echoCaller = http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
	body, _ := io.ReadAll(r.Body)
	io.WriteString(w, CallerFromContext(r.Context())+"|"+string(body))
})

const testKey = "4c0883a69102937d6231471b5dbb6204fe5129617082792ae468d01a3f362318"

func TestAuth(t *testing.T) {
	h := Auth("k", "/api/health")(echoCaller)

	cases := []struct {
		name   string
		method string
		path   string
		header [2]string
		want   int
	}{
		{"missing", "GET", "/api/auction", [2]string{}, http.StatusUnauthorized},
		{"wrong", "GET", "/api/auction", [2]string{"X-API-Key", "nope"}, http.StatusUnauthorized},
		{"api key", "GET", "/api/auction", [2]string{"X-API-Key", "k"}, http.StatusOK},
		{"bearer", "GET", "/api/auction", [2]string{"Authorization", "Bearer k"}, http.StatusOK},
		{"exempt", "GET", "/api/health", [2]string{}, http.StatusOK},
		{"preflight", "OPTIONS", "/api/auction", [2]string{}, http.StatusOK},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			req := httptest.NewRequest(tc.method, tc.path, nil)
			if tc.header[0] != "" {
				req.Header.Set(tc.header[0], tc.header[1])
			}
			rec := httptest.NewRecorder()
			h.ServeHTTP(rec, req)
			assert.Equal(t, tc.want, rec.Code)
		})
	}

	open := httptest.NewRecorder()
	Auth("")(echoCaller).ServeHTTP(open, httptest.NewRequest("GET", "/api/auction", nil))
	assert.Equal(t, http.StatusOK, open.Code, "no key configured disables the check")
}

func TestCORS(t *testing.T) {
	h := CORS([]string{"https://app.example"})(echoCaller)

	req := httptest.NewRequest("OPTIONS", "/api/auction/bids", nil)
	req.Header.Set("Origin", "https://app.example")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusNoContent, rec.Code)
	assert.Equal(t, "https://app.example", rec.Header().Get("Access-Control-Allow-Origin"))
	assert.Contains(t, rec.Header().Get("Access-Control-Allow-Headers"), crypto.HeaderSignature)

	req = httptest.NewRequest("GET", "/api/auction", nil)
	req.Header.Set("Origin", "https://evil.example")
	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	assert.Empty(t, rec.Header().Get("Access-Control-Allow-Origin"))
}

func TestIdentity(t *testing.T) {
	signer, err := crypto.NewSigner(testKey, 1)
	require.NoError(t, err)
	h := Identity(crypto.NewRequestVerifier(time.Minute, nil), quietLogger())(echoCaller)

	body := `{"amount":"5"}`
	headers, err := signer.RequestHeadersAt("POST", "/api/auction/bids", []byte(body), time.Now())
	require.NoError(t, err)

	send := func(payload string) *httptest.ResponseRecorder {
		req := httptest.NewRequest("POST", "/api/auction/bids", strings.NewReader(payload))
		for k, v := range headers {
			req.Header.Set(k, v)
		}
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, req)
		return rec
	}

	rec := send(body)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, signer.Address().Hex()+"|"+body, rec.Body.String(), "body is restored after verification")

	assert.Equal(t, http.StatusUnauthorized, send(`{"amount":"6"}`).Code)

	anon := httptest.NewRecorder()
	h.ServeHTTP(anon, httptest.NewRequest("GET", "/api/auction", nil))
	assert.Equal(t, http.StatusOK, anon.Code)
	assert.Equal(t, "|", anon.Body.String())
}

type countingLimiter struct {
	keys  []string
	allow int
	err   error
}

func (l *countingLimiter) Allow(_ context.Context, key string, _ int, _ time.Duration) (bool, error) {
	l.keys = append(l.keys, key)
	if l.err != nil {
		return false, l.err
	}
	l.allow--
	return l.allow >= 0, nil
}

func TestRateLimit(t *testing.T) {
	lim := &countingLimiter{allow: 1}
	h := RateLimit(lim, 1, time.Second, quietLogger(), "/api/health")(echoCaller)

	call := func(path, caller string) int {
		req := httptest.NewRequest("GET", path, nil)
		req.RemoteAddr = "10.0.0.1:5000"
		if caller != "" {
			req = req.WithContext(WithCaller(req.Context(), caller))
		}
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, req)
		return rec.Code
	}

	assert.Equal(t, http.StatusOK, call("/api/auction", ""))
	assert.Equal(t, http.StatusTooManyRequests, call("/api/auction", "0xABC"))
	assert.Equal(t, http.StatusOK, call("/api/health", ""))
	assert.Equal(t, []string{"ratelimit:api:ip:10.0.0.1", "ratelimit:api:caller:0xabc"}, lim.keys)

	lim.err = errors.New("redis down")
	assert.Equal(t, http.StatusOK, call("/api/auction", ""), "limiter errors fail open")
}

func TestLogging_RequestID(t *testing.T) {
	var seen string
	h := Logging(quietLogger())(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seen = RequestID(r.Context())
		w.WriteHeader(http.StatusTeapot)
	}))

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest("GET", "/", nil))
	assert.Equal(t, http.StatusTeapot, rec.Code)
	assert.NotEmpty(t, seen)
	assert.Equal(t, seen, rec.Header().Get(RequestIDHeader))

	req := httptest.NewRequest("GET", "/", nil)
	req.Header.Set(RequestIDHeader, "req-42")
	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	assert.Equal(t, "req-42", rec.Header().Get(RequestIDHeader))
}

var _ domain.RateLimiter = (*countingLimiter)(nil)
