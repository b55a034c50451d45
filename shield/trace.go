package shield

import (
	"context"
	"log/slog"
	"net/http"

	"github.com/hazyhaar/kwrank/idgen"
	"github.com/hazyhaar/kwrank/kit"
)

// RequestIDHeader carries the request ID in both directions.
const RequestIDHeader = "X-Request-ID"

var newRequestID = idgen.Prefixed("req_", idgen.Default)

// RequestID reuses an inbound X-Request-ID (when it is a safe identifier) or
// generates one, and injects it into the context, the response headers, and
// a per-request structured logger.
func RequestID(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := r.Header.Get(RequestIDHeader)
		if !validRequestID(id) {
			id = newRequestID()
		}

		ctx := kit.WithRequestID(r.Context(), id)
		ctx = kit.WithRemoteAddr(ctx, ExtractIP(r))
		w.Header().Set(RequestIDHeader, id)

		logger := slog.Default().With(
			"request_id", id,
			"method", r.Method,
			"path", r.URL.Path,
		)
		ctx = context.WithValue(ctx, LoggerKey, logger)
		logger.Debug("shield: request")

		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func validRequestID(id string) bool {
	if id == "" || len(id) > 64 {
		return false
	}
	for _, r := range id {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-', r == '_':
		default:
			return false
		}
	}
	return true
}
