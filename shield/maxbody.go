package shield

import (
	"net/http"
	"strings"
)

// DefaultMaxJSONBody bounds API request bodies (64 KiB). Analyze requests
// carry three short text fields, so anything larger is malformed.
const DefaultMaxJSONBody int64 = 64 << 10

// MaxJSONBody returns middleware that limits the request body size for
// JSON requests. Other content types are passed through.
func MaxJSONBody(maxBytes int64) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if strings.HasPrefix(r.Header.Get("Content-Type"), "application/json") && r.Body != nil {
				r.Body = http.MaxBytesReader(w, r.Body, maxBytes)
			}
			next.ServeHTTP(w, r)
		})
	}
}
