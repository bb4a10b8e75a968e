package middleware

import (
	"bytes"
	"context"
	"io"
	"log/slog"
	"net/http"

	"github.com/alanyoungcy/dutchauction/internal/crypto"
)

// maxSignedBody bounds the body read for signature verification.
const maxSignedBody = 64 << 10

// RequestVerifier authenticates a signed request and returns the caller.
type RequestVerifier interface {
	Verify(address, timestamp, sig, method, path string, body []byte) (string, error)
}

type callerKey struct{}

// CallerFromContext returns the verified caller address, or "".
func CallerFromContext(ctx context.Context) string {
	c, _ := ctx.Value(callerKey{}).(string)
	return c
}

// WithCaller attaches a verified caller to ctx.
func WithCaller(ctx context.Context, caller string) context.Context {
	if info := infoFrom(ctx); info != nil {
		info.caller = caller
	}
	return context.WithValue(ctx, callerKey{}, caller)
}

// Identity verifies the X-Auction-* signature headers. Requests without
// them pass through anonymously; requests with a bad signature get 401.
func Identity(v RequestVerifier, logger *slog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			addr := r.Header.Get(crypto.HeaderAddress)
			sig := r.Header.Get(crypto.HeaderSignature)
			if addr == "" && sig == "" {
				next.ServeHTTP(w, r)
				return
			}

			var body []byte
			if r.Body != nil {
				var err error
				body, err = io.ReadAll(io.LimitReader(r.Body, maxSignedBody+1))
				if err != nil {
					writeJSONError(w, http.StatusBadRequest, "unreadable body")
					return
				}
				if len(body) > maxSignedBody {
					writeJSONError(w, http.StatusRequestEntityTooLarge, "body too large")
					return
				}
				r.Body = io.NopCloser(bytes.NewReader(body))
			}

			caller, err := v.Verify(addr, r.Header.Get(crypto.HeaderTimestamp), sig, r.Method, r.URL.Path, body)
			if err != nil {
				logger.WarnContext(r.Context(), "request signature rejected",
					slog.String("address", addr),
					slog.String("path", r.URL.Path),
					slog.String("error", err.Error()),
				)
				writeJSONError(w, http.StatusUnauthorized, "invalid request signature")
				return
			}
			next.ServeHTTP(w, r.WithContext(WithCaller(r.Context(), caller)))
		})
	}
}
