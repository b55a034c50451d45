package combos

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/hazyhaar/kwrank/dbopen"
	"github.com/hazyhaar/kwrank/observability"
)

func TestAnalyze_RecordsMetrics(t *testing.T) {
	// WHAT: A batch writes its outcome rates and per-call upstream latency.
	// WHY: Degraded batches must be visible without reading logs.
	mdb := dbopen.OpenMemory(t, dbopen.WithSchema(observability.Schema))
	mm := observability.NewMetricsManager(mdb, 1000, time.Hour, nil)
	t.Cleanup(func() { mm.Close() })

	svc, calls, _ := setupTestService(t, upstream, WithMetrics(mm))
	ctx := context.Background()
	resp, err := svc.Analyze(ctx, "t1", meditationRequest())
	if err != nil {
		t.Fatalf("analyze: %v", err)
	}
	mm.Flush()

	hit, err := svc.Metrics(ctx, observability.MetricBatchCacheHitRate, 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(hit) != 1 || hit[0].Value != 0 || hit[0].Labels["platform"] != "ios" || hit[0].Labels["locale"] != "en-US" {
		t.Fatalf("cache hit rate = %+v", hit)
	}
	combos, _ := svc.Metrics(ctx, observability.MetricBatchCombos, 10)
	if len(combos) != 1 || combos[0].Value != float64(len(resp.Combos)) {
		t.Fatalf("batch combos = %+v", combos)
	}
	latency, _ := svc.Metrics(ctx, observability.MetricUpstreamLatencyMs, 0)
	if int64(len(latency)) != calls.Load() {
		t.Fatalf("latency rows = %d, upstream calls = %d", len(latency), calls.Load())
	}
	for _, m := range latency {
		if m.Labels["service"] != "search" || m.Labels["outcome"] != "ok" {
			t.Fatalf("latency labels = %v", m.Labels)
		}
	}

	// The fully cached second pass records a hit rate of 1 and no new call.
	before := calls.Load()
	if _, err := svc.Analyze(ctx, "t1", meditationRequest()); err != nil {
		t.Fatal(err)
	}
	mm.Flush()
	hit, _ = svc.Metrics(ctx, observability.MetricBatchCacheHitRate, 10)
	if len(hit) != 2 || hit[0].Value != 1 || calls.Load() != before {
		t.Fatalf("second pass hit rate = %+v", hit)
	}
}

func TestHTTP_Metrics(t *testing.T) {
	// WHAT: GET /metrics serves datapoints and an empty list when metrics are off.
	mdb := dbopen.OpenMemory(t, dbopen.WithSchema(observability.Schema))
	mm := observability.NewMetricsManager(mdb, 1000, time.Hour, nil)
	t.Cleanup(func() { mm.Close() })
	mm.RecordSimple(observability.MetricBatchDegraded, 1, "bool", nil)
	mm.Flush()

	for _, tc := range []struct {
		name string
		opts []Option
		want int
	}{
		{"enabled", []Option{WithMetrics(mm)}, 1},
		{"disabled", nil, 0},
	} {
		t.Run(tc.name, func(t *testing.T) {
			svc, _, _ := setupTestService(t, upstream, tc.opts...)
			r := chi.NewRouter()
			svc.Routes(r)
			rec := httptest.NewRecorder()
			r.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics?name=batch_degraded&limit=5", nil))
			if rec.Code != http.StatusOK {
				t.Fatalf("status = %d: %s", rec.Code, rec.Body.String())
			}
			var rows []observability.Metric
			if err := json.Unmarshal(rec.Body.Bytes(), &rows); err != nil {
				t.Fatal(err)
			}
			if len(rows) != tc.want {
				t.Fatalf("rows = %d, want %d", len(rows), tc.want)
			}
		})
	}

	svc, _, _ := setupTestService(t, upstream, WithMetrics(mm))
	r := chi.NewRouter()
	svc.Routes(r)
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics?limit=abc", nil))
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("bad limit status = %d", rec.Code)
	}
}
