package combos

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/go-chi/chi/v5"
)

func testRouter(t *testing.T) http.Handler {
	t.Helper()
	svc, _, _ := setupTestService(t, upstream)
	r := chi.NewRouter()
	r.Use(TenantHeader)
	svc.Routes(r)
	return r
}

func do(h http.Handler, method, path, tenant, body string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	if tenant != "" {
		req.Header.Set(TenantHeaderName, tenant)
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

const analyzeBody = `{"subject_id":"42","tokens":{"title":"Meditation Sleep Timer"},"platform":"ios","locale":"en-US"}`

func TestHTTP_Analyze(t *testing.T) {
	// WHAT: The analyze route returns combos and batch meta as JSON.
	h := testRouter(t)
	rec := do(h, http.MethodPost, "/combos/analyze", "t1", analyzeBody)
	if rec.Code != http.StatusOK {
		t.Fatalf("status %d: %s", rec.Code, rec.Body)
	}
	var resp struct {
		Combos []struct {
			Text             string `json:"text"`
			Tier             string `json:"tier"`
			CompetitionLevel string `json:"competition_level"`
			Competition      string `json:"competition"`
			Position         *int   `json:"position"`
			Cached           bool   `json:"cached"`
		} `json:"combos"`
		BatchMeta struct {
			CacheHitRate float64 `json:"cache_hit_rate"`
			SuccessRate  float64 `json:"success_rate"`
			Degraded     bool    `json:"degraded"`
		} `json:"batch_meta"`
	}
	if err := json.NewDecoder(rec.Body).Decode(&resp); err != nil {
		t.Fatal(err)
	}
	if len(resp.Combos) != 4 || resp.BatchMeta.SuccessRate != 1 {
		t.Fatalf("response: %+v", resp)
	}
	if resp.Combos[0].Tier != "primary_contiguous" {
		t.Fatalf("tier rendered as %q", resp.Combos[0].Tier)
	}
	for _, c := range resp.Combos {
		if c.Text == "meditation sleep" && c.Competition != "≥200" {
			t.Fatalf("competition rendered as %q", c.Competition)
		}
	}
}

func TestHTTP_MissingTenant(t *testing.T) {
	// WHAT: Without X-Tenant-ID the request is rejected as invalid.
	h := testRouter(t)
	if rec := do(h, http.MethodPost, "/combos/analyze", "", analyzeBody); rec.Code != http.StatusBadRequest {
		t.Fatalf("status %d", rec.Code)
	}
}

func TestHTTP_BadJSON(t *testing.T) {
	h := testRouter(t)
	if rec := do(h, http.MethodPost, "/combos/generate", "t1", "{"); rec.Code != http.StatusBadRequest {
		t.Fatalf("status %d", rec.Code)
	}
}

func TestHTTP_SubjectLifecycle(t *testing.T) {
	// WHAT: Track, list, refresh, read history, untrack.
	h := testRouter(t)

	body := `{"subject_id":"42","title":"Meditation Sleep Timer","platform":"ios","locale":"en-US"}`
	if rec := do(h, http.MethodPost, "/subjects", "t1", body); rec.Code != http.StatusCreated {
		t.Fatalf("track: %d %s", rec.Code, rec.Body)
	}

	rec := do(h, http.MethodGet, "/subjects", "t1", "")
	var subs []TrackedSubject
	if err := json.NewDecoder(rec.Body).Decode(&subs); err != nil {
		t.Fatal(err)
	}
	if len(subs) != 1 || !subs[0].Enabled {
		t.Fatalf("subjects: %+v", subs)
	}

	if rec := do(h, http.MethodGet, "/subjects", "t2", ""); strings.TrimSpace(rec.Body.String()) != "[]" {
		t.Fatalf("tenant t2 sees %s", rec.Body)
	}

	if rec := do(h, http.MethodPost, "/subjects/42/refresh", "t1", ""); rec.Code != http.StatusOK {
		t.Fatalf("refresh: %d %s", rec.Code, rec.Body)
	}

	rec = do(h, http.MethodGet, "/history?subject_id=42&combo=sleep+timer", "t1", "")
	var rows []HistoryRow
	if err := json.NewDecoder(rec.Body).Decode(&rows); err != nil {
		t.Fatal(err)
	}
	if len(rows) != 1 || rows[0].Combo != "sleep timer" {
		t.Fatalf("history: %+v", rows)
	}

	if rec := do(h, http.MethodDelete, "/subjects/nope", "t1", ""); rec.Code != http.StatusNotFound {
		t.Fatalf("untrack unknown: %d", rec.Code)
	}
	if rec := do(h, http.MethodDelete, "/subjects/42", "t1", ""); rec.Code != http.StatusNoContent {
		t.Fatalf("untrack: %d", rec.Code)
	}
}

func TestHTTP_Health(t *testing.T) {
	h := testRouter(t)
	rec := do(h, http.MethodGet, "/health", "", "")
	var health Health
	if err := json.NewDecoder(rec.Body).Decode(&health); err != nil {
		t.Fatal(err)
	}
	if health.Breaker != "closed" || health.SnapshotDate != "2026-05-10" {
		t.Fatalf("health: %+v", health)
	}
}
