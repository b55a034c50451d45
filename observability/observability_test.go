package observability

import (
	"context"
	"errors"
	"testing"
	"time"

	_ "modernc.org/sqlite"

	"github.com/hazyhaar/kwrank/dbopen"
)

var t0 = time.Date(2026, 5, 10, 12, 0, 0, 0, time.UTC)

func newManager(t *testing.T, opts ...Option) *MetricsManager {
	t.Helper()
	db := dbopen.OpenMemory(t, dbopen.WithSchema(Schema))
	mm := NewMetricsManager(db, 100, time.Hour, nil, opts...)
	t.Cleanup(func() { mm.Close() })
	return mm
}

func TestMetricsManager_RecordAndQuery(t *testing.T) {
	// WHAT: Buffered datapoints are readable after a flush, newest first.
	// WHY: Batch metrics are only useful once persisted.
	mm := newManager(t)
	ctx := context.Background()

	mm.Record(&Metric{Name: MetricBatchCacheHitRate, Timestamp: t0, Value: 0.25, Unit: "ratio",
		Labels: map[string]string{"platform": "ios"}})
	mm.Record(&Metric{Name: MetricBatchCacheHitRate, Timestamp: t0.Add(time.Minute), Value: 1, Unit: "ratio"})
	mm.Record(&Metric{Name: MetricBatchDegraded, Timestamp: t0, Value: 0, Unit: "bool"})

	if got, _ := mm.Query(ctx, "", time.Time{}, time.Time{}, 0); len(got) != 0 {
		t.Fatalf("unflushed rows visible: %d", len(got))
	}
	mm.Flush()

	got, err := mm.Query(ctx, MetricBatchCacheHitRate, time.Time{}, time.Time{}, 0)
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 2 || got[0].Value != 1 || got[1].Labels["platform"] != "ios" {
		t.Fatalf("query: %+v", got)
	}
	if !got[1].Timestamp.Equal(t0) {
		t.Fatalf("timestamp = %v", got[1].Timestamp)
	}
	all, err := mm.Query(ctx, "", time.Time{}, time.Time{}, 0)
	if err != nil || len(all) != 3 {
		t.Fatalf("all: %d %v", len(all), err)
	}
}

func TestMetricsManager_QueryRangeAndLimit(t *testing.T) {
	mm := newManager(t)
	ctx := context.Background()
	for i := 0; i < 5; i++ {
		mm.Record(&Metric{Name: "m", Timestamp: t0.Add(time.Duration(i) * time.Hour), Value: float64(i)})
	}
	mm.Flush()

	got, err := mm.Query(ctx, "m", t0.Add(time.Hour), t0.Add(3*time.Hour), 0)
	if err != nil || len(got) != 3 || got[0].Value != 3 {
		t.Fatalf("range: %+v %v", got, err)
	}
	got, err = mm.Query(ctx, "m", time.Time{}, time.Time{}, 2)
	if err != nil || len(got) != 2 || got[0].Value != 4 {
		t.Fatalf("limit: %+v %v", got, err)
	}
}

func TestMetricsManager_BufferFullFlushes(t *testing.T) {
	// WHAT: Reaching bufferSize flushes without waiting for the interval.
	db := dbopen.OpenMemory(t, dbopen.WithSchema(Schema))
	mm := NewMetricsManager(db, 2, time.Hour, nil)
	defer mm.Close()

	mm.RecordSimple("a", 1, "count", nil)
	mm.RecordSimple("b", 2, "count", nil)
	got, err := mm.Query(context.Background(), "", time.Time{}, time.Time{}, 0)
	if err != nil || len(got) != 2 {
		t.Fatalf("rows = %d, %v", len(got), err)
	}
}

func TestMetricsManager_CloseFlushes(t *testing.T) {
	db := dbopen.OpenMemory(t, dbopen.WithSchema(Schema))
	mm := NewMetricsManager(db, 100, time.Hour, nil)
	mm.RecordSimple("a", 1, "count", nil)
	mm.Close()
	mm.Close()

	var n int
	if err := db.QueryRow(`SELECT COUNT(*) FROM metrics_timeseries`).Scan(&n); err != nil || n != 1 {
		t.Fatalf("rows = %d, %v", n, err)
	}
}

func TestMetricsManager_PruneBefore(t *testing.T) {
	// WHAT: Datapoints before the cutoff day go, the cutoff day stays.
	mm := newManager(t)
	ctx := context.Background()
	mm.Record(&Metric{Name: "m", Timestamp: t0.AddDate(0, 0, -3), Value: 1})
	mm.Record(&Metric{Name: "m", Timestamp: t0.AddDate(0, 0, -1), Value: 2})
	mm.Flush()

	n, err := mm.PruneBefore(ctx, "2026-05-09")
	if err != nil || n != 1 {
		t.Fatalf("pruned %d, %v", n, err)
	}
	if _, err := mm.PruneBefore(ctx, "yesterday"); err == nil {
		t.Fatal("bad day accepted")
	}
}

func TestMetricsManager_Middleware(t *testing.T) {
	// WHAT: Each call through the chain records its latency and outcome.
	now := t0
	mm := newManager(t, WithClock(func() time.Time { return now }))
	ctx := context.Background()

	h := mm.Middleware("search")(func(ctx context.Context, p []byte) ([]byte, error) {
		now = now.Add(40 * time.Millisecond)
		if string(p) == "bad" {
			return nil, errors.New("boom")
		}
		return p, nil
	})
	h(ctx, []byte("ok"))
	h(ctx, []byte("bad"))
	mm.Flush()

	got, err := mm.Query(ctx, MetricUpstreamLatencyMs, time.Time{}, time.Time{}, 0)
	if err != nil || len(got) != 2 {
		t.Fatalf("latency rows: %d %v", len(got), err)
	}
	outcomes := map[string]bool{}
	for _, m := range got {
		if m.Value != 40 || m.Labels["service"] != "search" {
			t.Errorf("datapoint: %+v", m)
		}
		outcomes[m.Labels["outcome"]] = true
	}
	if !outcomes["ok"] || !outcomes["error"] {
		t.Fatalf("outcomes: %v", outcomes)
	}
}
