package scheduler

import (
	"context"
	"errors"
	"testing"
	"time"

	_ "modernc.org/sqlite"

	"github.com/hazyhaar/kwrank/combos/internal/store"
	"github.com/hazyhaar/kwrank/dbopen"
)

func setup(t *testing.T) *store.Store {
	t.Helper()
	s := store.NewStore(dbopen.OpenMemory(t, dbopen.WithSchema(store.Schema)))
	ctx := context.Background()
	for _, sub := range []*store.Subject{
		{TenantID: "t1", ID: "app-a", Title: "A", Platform: "ios", Locale: "en-US", Enabled: true},
		{TenantID: "t1", ID: "app-b", Title: "B", Platform: "ios", Locale: "en-US", Enabled: true},
		{TenantID: "t2", ID: "app-c", Title: "C", Platform: "ios", Locale: "en-US", Enabled: false},
	} {
		if err := s.UpsertSubject(ctx, sub); err != nil {
			t.Fatal(err)
		}
	}
	return s
}

func TestRunOnce_RefreshesDueOncePerDay(t *testing.T) {
	// WHAT: Enabled subjects refresh once per day; a second pass is a no-op.
	// WHY: Each refresh spends shared upstream budget.
	s := setup(t)
	ctx := context.Background()
	now := time.Date(2026, 5, 10, 8, 0, 0, 0, time.UTC)

	var seen []string
	refresh := func(ctx context.Context, sub *store.Subject) error {
		seen = append(seen, sub.ID)
		return nil
	}
	sched := New(s, refresh, Config{}, func() time.Time { return now }, nil)

	if n := sched.RunOnce(ctx); n != 2 {
		t.Fatalf("first pass refreshed %d, want 2", n)
	}
	if n := sched.RunOnce(ctx); n != 0 {
		t.Fatalf("second pass refreshed %d, want 0", n)
	}

	now = now.Add(24 * time.Hour)
	if n := sched.RunOnce(ctx); n != 2 {
		t.Fatalf("next day refreshed %d, want 2", n)
	}
	if len(seen) != 4 {
		t.Fatalf("refresh calls = %v", seen)
	}
}

func TestRunOnce_FailureStaysDue(t *testing.T) {
	// WHAT: A failed refresh is not marked and is retried next pass.
	s := setup(t)
	ctx := context.Background()
	now := time.Date(2026, 5, 10, 8, 0, 0, 0, time.UTC)

	fail := true
	refresh := func(ctx context.Context, sub *store.Subject) error {
		if sub.ID == "app-a" && fail {
			return errors.New("degraded")
		}
		return nil
	}
	sched := New(s, refresh, Config{}, func() time.Time { return now }, nil)

	if n := sched.RunOnce(ctx); n != 1 {
		t.Fatalf("first pass refreshed %d, want 1", n)
	}
	fail = false
	if n := sched.RunOnce(ctx); n != 1 {
		t.Fatalf("retry pass refreshed %d, want 1", n)
	}
}

func TestRun_Disabled(t *testing.T) {
	// WHAT: A disabled scheduler returns immediately.
	sched := New(setup(t), func(context.Context, *store.Subject) error {
		t.Fatal("refresh called")
		return nil
	}, Config{Disabled: true}, nil, nil)
	sched.Run(context.Background())
}

func TestRunOnce_PrunesPastRetention(t *testing.T) {
	// WHAT: A pass drops cache rows older than RetentionDays, once per day.
	// WHY: The cache grows by one row per combo and day otherwise.
	s := setup(t)
	ctx := context.Background()
	now := time.Date(2026, 5, 10, 8, 0, 0, 0, time.UTC)
	for _, d := range []string{"2026-05-01", "2026-05-08", "2026-05-09", "2026-05-10"} {
		e := &store.Entry{
			Key:          store.Key{TenantID: "t1", SubjectID: "eph_x", Platform: "ios", Locale: "en-US", Combo: "sleep timer", Day: d},
			TotalResults: 3, Trend: "new", CheckedAt: now,
		}
		if err := s.PutEntry(ctx, e); err != nil {
			t.Fatal(err)
		}
	}

	noop := func(context.Context, *store.Subject) error { return nil }
	sched := New(s, noop, Config{RetentionDays: 1}, func() time.Time { return now }, nil, WithPruner(s))
	sched.RunOnce(ctx)

	var left int
	if err := s.DB.QueryRow(`SELECT COUNT(*) FROM ranking_cache`).Scan(&left); err != nil {
		t.Fatal(err)
	}
	if left != 2 {
		t.Fatalf("rows left = %d, want 2 (yesterday and today)", left)
	}
	prev, err := s.LatestBefore(ctx, store.Key{TenantID: "t1", SubjectID: "eph_x", Platform: "ios", Locale: "en-US", Combo: "sleep timer", Day: "2026-05-10"})
	if err != nil || prev == nil || prev.Day != "2026-05-09" {
		t.Fatalf("yesterday's row lost: %+v %v", prev, err)
	}
}

func TestRunOnce_NoRetentionKeepsAll(t *testing.T) {
	// WHAT: RetentionDays 0 never prunes.
	s := setup(t)
	ctx := context.Background()
	e := &store.Entry{
		Key:          store.Key{TenantID: "t1", SubjectID: "eph_x", Platform: "ios", Locale: "en-US", Combo: "focus", Day: "2020-01-01"},
		TotalResults: 3, Trend: "new", CheckedAt: time.Now(),
	}
	if err := s.PutEntry(ctx, e); err != nil {
		t.Fatal(err)
	}
	New(s, func(context.Context, *store.Subject) error { return nil }, Config{}, nil, nil, WithPruner(s)).RunOnce(ctx)
	if got, _ := s.GetEntry(ctx, e.Key); got == nil {
		t.Fatal("row pruned without retention")
	}
}

type countingPruner struct {
	calls []string
	err   error
}

func (p *countingPruner) PruneBefore(_ context.Context, day string) (int64, error) {
	p.calls = append(p.calls, day)
	return 1, p.err
}

func TestRunOnce_EveryPrunerRetriedAfterFailure(t *testing.T) {
	// WHAT: All pruners share one cutoff; a failure makes the next pass run them again.
	// WHY: Cache and metrics rows age out together.
	s := setup(t)
	ctx := context.Background()
	now := time.Date(2026, 5, 10, 8, 0, 0, 0, time.UTC)
	first := &countingPruner{err: errors.New("disk full")}
	second := &countingPruner{}
	noop := func(context.Context, *store.Subject) error { return nil }
	sched := New(s, noop, Config{RetentionDays: 3}, func() time.Time { return now }, nil,
		WithPruner(first), WithPruner(second))

	sched.RunOnce(ctx)
	if len(first.calls) != 1 || len(second.calls) != 0 {
		t.Fatalf("after failure: first=%v second=%v", first.calls, second.calls)
	}
	first.err = nil
	sched.RunOnce(ctx)
	sched.RunOnce(ctx)
	if len(first.calls) != 2 || len(second.calls) != 1 || second.calls[0] != "2026-05-07" {
		t.Fatalf("after recovery: first=%v second=%v", first.calls, second.calls)
	}
}
