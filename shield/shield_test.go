package shield

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/hazyhaar/kwrank/kit"
)

func okHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
}

func TestSecurityHeaders_API(t *testing.T) {
	// WHAT: API responses carry the JSON-only header set.
	// WHY: The API never renders HTML; any rendering should be refused.
	rec := httptest.NewRecorder()
	SecurityHeaders(APIHeaders())(okHandler()).ServeHTTP(rec, httptest.NewRequest("GET", "/", nil))
	if got := rec.Header().Get("Content-Security-Policy"); !strings.Contains(got, "default-src 'none'") {
		t.Fatalf("CSP = %q", got)
	}
	if rec.Header().Get("X-Content-Type-Options") != "nosniff" {
		t.Fatal("missing nosniff")
	}
	if rec.Header().Get("Permissions-Policy") != "" {
		t.Fatal("empty config values must not be emitted")
	}
}

func TestMaxJSONBody(t *testing.T) {
	// WHAT: Oversized JSON bodies fail to read.
	// WHY: A malformed client must not make the server buffer megabytes.
	var readErr error
	h := MaxJSONBody(8)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		buf := make([]byte, 64)
		for readErr == nil {
			_, readErr = r.Body.Read(buf)
		}
	}))
	req := httptest.NewRequest("POST", "/", strings.NewReader(`{"title":"too long for the limit"}`))
	req.Header.Set("Content-Type", "application/json")
	h.ServeHTTP(httptest.NewRecorder(), req)
	if readErr == nil || !strings.Contains(readErr.Error(), "too large") {
		t.Fatalf("expected body too large, got %v", readErr)
	}
}

func TestRequestID_GeneratesAndReuses(t *testing.T) {
	// WHAT: A safe inbound ID is reused, a missing or unsafe one is replaced.
	// WHY: Request IDs flow into logs and must not carry injected text.
	var seen string
	h := RequestID(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seen = kit.GetRequestID(r.Context())
	}))

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest("GET", "/", nil))
	if !strings.HasPrefix(seen, "req_") || rec.Header().Get(RequestIDHeader) != seen {
		t.Fatalf("generated id = %q, header = %q", seen, rec.Header().Get(RequestIDHeader))
	}

	req := httptest.NewRequest("GET", "/", nil)
	req.Header.Set(RequestIDHeader, "abc-123")
	h.ServeHTTP(httptest.NewRecorder(), req)
	if seen != "abc-123" {
		t.Fatalf("inbound id not reused: %q", seen)
	}

	req = httptest.NewRequest("GET", "/", nil)
	req.Header.Set(RequestIDHeader, "bad id\nwith newline")
	h.ServeHTTP(httptest.NewRecorder(), req)
	if seen == "bad id\nwith newline" {
		t.Fatal("unsafe inbound id reused")
	}
}

func TestRateLimiter_PerClient(t *testing.T) {
	// WHAT: Each client has its own burst; exhausting one does not block another.
	// WHY: One noisy tenant must not lock the others out of the API.
	rl := NewRateLimiter(0.001, 2)
	fixed := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)
	rl.now = func() time.Time { return fixed }
	h := rl.Middleware(okHandler())

	codes := func(tenant string, n int) []int {
		var out []int
		for i := 0; i < n; i++ {
			req := httptest.NewRequest("POST", "/combos/analyze", nil)
			req.Header.Set("X-Tenant-ID", tenant)
			rec := httptest.NewRecorder()
			h.ServeHTTP(rec, req)
			out = append(out, rec.Code)
		}
		return out
	}
	a := codes("tenant-a", 3)
	if a[0] != 200 || a[1] != 200 || a[2] != http.StatusTooManyRequests {
		t.Fatalf("tenant-a codes = %v", a)
	}
	if b := codes("tenant-b", 1); b[0] != 200 {
		t.Fatalf("tenant-b blocked: %v", b)
	}
}

func TestRateLimiter_ExcludeAndGC(t *testing.T) {
	rl := NewRateLimiter(0.001, 1, "/healthz")
	h := rl.Middleware(okHandler())
	for i := 0; i < 3; i++ {
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, httptest.NewRequest("GET", "/healthz", nil))
		if rec.Code != 200 {
			t.Fatalf("excluded path limited: %d", rec.Code)
		}
	}
	rl.allow("x")
	rl.now = func() time.Time { return time.Now().Add(time.Hour) }
	rl.gc(time.Minute)
	if len(rl.clients) != 0 {
		t.Fatalf("idle clients not evicted: %d", len(rl.clients))
	}
}

func TestExtractIP(t *testing.T) {
	req := httptest.NewRequest("GET", "/", nil)
	req.Header.Set("X-Forwarded-For", "203.0.113.7, 10.0.0.1")
	if got := ExtractIP(req); got != "203.0.113.7" {
		t.Fatalf("ExtractIP = %q", got)
	}
	req = httptest.NewRequest("GET", "/", nil)
	req.RemoteAddr = "198.51.100.2:5555"
	if got := ExtractIP(req); got != "198.51.100.2" {
		t.Fatalf("ExtractIP = %q", got)
	}
}

func TestDefaultAPIStack(t *testing.T) {
	if n := len(DefaultAPIStack(nil)); n != 4 {
		t.Fatalf("stack without limiter = %d", n)
	}
	if n := len(DefaultAPIStack(NewRateLimiter(1, 1))); n != 5 {
		t.Fatalf("stack with limiter = %d", n)
	}
}
