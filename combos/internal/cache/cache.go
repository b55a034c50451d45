// Package cache is the day-scoped ranking cache.
//
// An entry is fresh only when its snapshot date equals today's date (UTC) on
// the injected clock; there is no TTL. Subjects are resolved once per batch
// into a SubjectRef: tracked subjects additionally get a history row,
// ephemeral ones only the cache row. Writes are best-effort: failures are
// logged and counted, never returned.
package cache

import (
	"context"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/hazyhaar/kwrank/combos/internal/store"
)

// Kind tags a SubjectRef.
type Kind int

const (
	Ephemeral Kind = iota
	Tracked
)

func (k Kind) String() string {
	if k == Tracked {
		return "tracked"
	}
	return "ephemeral"
}

// SubjectRef is the resolved identity of a batch subject.
type SubjectRef struct {
	Kind Kind
	ID   string
}

// TrackedRef returns a tracked subject reference.
func TrackedRef(id string) SubjectRef { return SubjectRef{Kind: Tracked, ID: id} }

// EphemeralRef returns an ephemeral subject reference.
func EphemeralRef(id string) SubjectRef { return SubjectRef{Kind: Ephemeral, ID: id} }

// Tracker answers whether a subject has a durable row.
type Tracker interface {
	IsTracked(ctx context.Context, tenantID, subjectID string) (bool, error)
}

// Resolve decides the subject mode once for a batch. An empty subjectID
// uses fallbackID (a content digest) as an ephemeral identity. A lookup
// error degrades to ephemeral: the cache row is still written, only the
// history side effect is skipped.
func Resolve(ctx context.Context, tr Tracker, tenantID, subjectID, fallbackID string, logger *slog.Logger) SubjectRef {
	if subjectID == "" {
		return EphemeralRef(fallbackID)
	}
	if tr == nil {
		return EphemeralRef(subjectID)
	}
	ok, err := tr.IsTracked(ctx, tenantID, subjectID)
	if err != nil {
		if logger != nil {
			logger.WarnContext(ctx, "cache: subject lookup failed, using ephemeral mode",
				"tenant_id", tenantID, "subject_id", subjectID, "error", err)
		}
		return EphemeralRef(subjectID)
	}
	if ok {
		return TrackedRef(subjectID)
	}
	return EphemeralRef(subjectID)
}

// Trend compares a result with the previous day's.
type Trend string

const (
	TrendNew    Trend = "new"
	TrendUp     Trend = "up"
	TrendDown   Trend = "down"
	TrendStable Trend = "stable"
	TrendLost   Trend = "lost"
)

// ComputeTrend derives the trend of pos against prev (nil = no earlier entry).
// A smaller position is better, so moving from 9 to 3 is up.
func ComputeTrend(prev *store.Entry, pos *int) Trend {
	switch {
	case prev == nil:
		return TrendNew
	case prev.Position == nil && pos == nil:
		return TrendStable
	case prev.Position == nil:
		return TrendNew
	case pos == nil:
		return TrendLost
	case *pos < *prev.Position:
		return TrendUp
	case *pos > *prev.Position:
		return TrendDown
	}
	return TrendStable
}

// Key identifies a combo lookup for one subject.
type Key struct {
	TenantID string
	Subject  SubjectRef
	Platform string
	Locale   string
	Combo    string
}

func (k Key) storeKey(day string) store.Key {
	return store.Key{
		TenantID:  k.TenantID,
		SubjectID: k.Subject.ID,
		Platform:  k.Platform,
		Locale:    k.Locale,
		Combo:     k.Combo,
		Day:       day,
	}
}

// Result is a ranking result as seen by callers.
type Result struct {
	Position     *int      `json:"position"`
	TotalResults int       `json:"total_results"`
	Trend        Trend     `json:"trend"`
	CheckedAt    time.Time `json:"checked_at"`
	Cached       bool      `json:"cached"`
}

// HistoryWriter records tracked-mode history.
type HistoryWriter interface {
	PutHistory(ctx context.Context, h *store.HistoryRow) error
}

// Cache serves and records day-scoped results.
type Cache struct {
	backend  store.Backend
	history  HistoryWriter
	now      func() time.Time
	logger   *slog.Logger
	failures atomic.Int64
}

// Option configures a Cache.
type Option func(*Cache)

// WithClock sets the time source (for testing day rollover).
func WithClock(fn func() time.Time) Option {
	return func(c *Cache) { c.now = fn }
}

// New creates a Cache. history may be nil (no history side effect).
func New(backend store.Backend, history HistoryWriter, logger *slog.Logger, opts ...Option) *Cache {
	if logger == nil {
		logger = slog.Default()
	}
	c := &Cache{backend: backend, history: history, now: time.Now, logger: logger}
	for _, o := range opts {
		o(c)
	}
	return c
}

// Today returns the current snapshot date.
func (c *Cache) Today() string { return store.Day(c.now()) }

// Get returns today's entry for k, or nil. Entries from earlier days are
// never returned, even if the row still exists.
func (c *Cache) Get(ctx context.Context, k Key) (*Result, error) {
	e, err := c.backend.GetEntry(ctx, k.storeKey(c.Today()))
	if err != nil || e == nil {
		return nil, err
	}
	return &Result{
		Position:     e.Position,
		TotalResults: e.TotalResults,
		Trend:        Trend(e.Trend),
		CheckedAt:    e.CheckedAt,
		Cached:       true,
	}, nil
}

// Put records a fresh result for k and returns it with its trend. tier is
// stored with tracked history only. Storage failures are logged and
// counted; the result is returned regardless.
func (c *Cache) Put(ctx context.Context, k Key, tier string, pos *int, total int) *Result {
	now := c.now().UTC()
	sk := k.storeKey(store.Day(now))

	trend := TrendNew
	prev, err := c.backend.LatestBefore(ctx, sk)
	if err != nil {
		c.logger.WarnContext(ctx, "cache: previous entry lookup failed",
			"tenant_id", k.TenantID, "subject_id", k.Subject.ID, "combo", k.Combo, "error", err)
	} else {
		trend = ComputeTrend(prev, pos)
	}

	res := &Result{Position: pos, TotalResults: total, Trend: trend, CheckedAt: now}

	err = c.backend.PutEntry(ctx, &store.Entry{
		Key:          sk,
		Position:     pos,
		TotalResults: total,
		Trend:        string(trend),
		CheckedAt:    now,
	})
	if err != nil {
		c.failures.Add(1)
		c.logger.WarnContext(ctx, "cache: write failed",
			"tenant_id", k.TenantID, "subject_id", k.Subject.ID, "combo", k.Combo, "error", err)
	}

	if k.Subject.Kind == Tracked && c.history != nil {
		err := c.history.PutHistory(ctx, &store.HistoryRow{
			TenantID:     k.TenantID,
			SubjectID:    k.Subject.ID,
			Platform:     k.Platform,
			Locale:       k.Locale,
			Combo:        k.Combo,
			Day:          sk.Day,
			Tier:         tier,
			Position:     pos,
			TotalResults: total,
			Trend:        string(trend),
			CheckedAt:    now.UnixMilli(),
		})
		if err != nil {
			c.failures.Add(1)
			c.logger.WarnContext(ctx, "cache: history write failed",
				"tenant_id", k.TenantID, "subject_id", k.Subject.ID, "combo", k.Combo, "error", err)
		}
	}
	return res
}

// WriteFailures reports best-effort writes that failed since creation.
func (c *Cache) WriteFailures() int64 { return c.failures.Load() }
