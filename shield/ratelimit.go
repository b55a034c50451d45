package shield

import (
	"encoding/json"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// clientLimiter pairs a token bucket with the last time it was used, so idle
// clients can be garbage collected.
type clientLimiter struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// RateLimiter provides per-client request rate limiting for the API. Each
// client (tenant when known, else IP) gets its own token bucket. This guards
// the API itself; the upstream search budget is enforced separately and is
// shared by every client.
type RateLimiter struct {
	mu      sync.Mutex
	clients map[string]*clientLimiter
	limit   rate.Limit
	burst   int
	exclude []string // path prefixes excluded from rate limiting
	now     func() time.Time
}

// NewRateLimiter creates a limiter allowing rps requests per second per
// client with the given burst. Call StartGC to evict idle clients.
func NewRateLimiter(rps float64, burst int, excludePrefixes ...string) *RateLimiter {
	return &RateLimiter{
		clients: make(map[string]*clientLimiter),
		limit:   rate.Limit(rps),
		burst:   burst,
		exclude: excludePrefixes,
		now:     time.Now,
	}
}

// StartGC evicts clients idle for longer than idle, every idle interval.
// Stops when done is closed.
func (rl *RateLimiter) StartGC(idle time.Duration, done <-chan struct{}) {
	tick := time.NewTicker(idle)
	go func() {
		defer tick.Stop()
		for {
			select {
			case <-done:
				return
			case <-tick.C:
				rl.gc(idle)
			}
		}
	}()
}

func (rl *RateLimiter) gc(idle time.Duration) {
	cutoff := rl.now().Add(-idle)
	rl.mu.Lock()
	defer rl.mu.Unlock()
	for k, c := range rl.clients {
		if c.lastSeen.Before(cutoff) {
			delete(rl.clients, k)
		}
	}
}

func (rl *RateLimiter) allow(client string) bool {
	now := rl.now()
	rl.mu.Lock()
	c, ok := rl.clients[client]
	if !ok {
		c = &clientLimiter{limiter: rate.NewLimiter(rl.limit, rl.burst)}
		rl.clients[client] = c
	}
	c.lastSeen = now
	rl.mu.Unlock()
	return c.limiter.AllowN(now, 1)
}

// Middleware is the HTTP middleware that enforces rate limits. Blocked
// requests get a 429 JSON response.
func (rl *RateLimiter) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		// Skip excluded prefixes.
		for _, prefix := range rl.exclude {
			if strings.HasPrefix(r.URL.Path, prefix) {
				next.ServeHTTP(w, r)
				return
			}
		}

		client := r.Header.Get("X-Tenant-ID")
		if client == "" {
			client = ExtractIP(r)
		}

		if rl.allow(client) {
			next.ServeHTTP(w, r)
			return
		}

		slog.Warn("shield: request rate limited", "client", client, "path", r.URL.Path)

		w.Header().Set("Retry-After", "1")
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusTooManyRequests)
		json.NewEncoder(w).Encode(map[string]string{
			"error": "rate limit exceeded",
		})
	})
}

// ExtractIP returns the client IP from X-Forwarded-For or RemoteAddr.
func ExtractIP(r *http.Request) string {
	if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
		for i := 0; i < len(xff); i++ {
			if xff[i] == ',' {
				return strings.TrimSpace(xff[:i])
			}
		}
		return strings.TrimSpace(xff)
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
