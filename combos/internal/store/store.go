// Package store provides the data access layer for the ranking engine.
//
// The sqlite Store owns three tables: ranking_cache (day-scoped results,
// keyed by a plain subject string with no foreign key so ephemeral subjects
// work), tracked_subjects, and ranking_history (tracked subjects only,
// cascades on untrack). BuntStore is an alternative embedded backend for the
// cache table alone.
package store

import (
	"context"
	"database/sql"
	"time"
)

// DayLayout is the snapshot_date format.
const DayLayout = "2006-01-02"

// Day returns the UTC snapshot date of t.
func Day(t time.Time) string {
	return t.UTC().Format(DayLayout)
}

// Backend is the cache storage contract. Implementations must make PutEntry
// safe under concurrent writers for the same key, keeping the entry with the
// latest CheckedAt.
type Backend interface {
	// GetEntry returns the entry for the exact key, or nil when absent.
	GetEntry(ctx context.Context, k Key) (*Entry, error)
	// PutEntry upserts e.
	PutEntry(ctx context.Context, e *Entry) error
	// LatestBefore returns the most recent entry for the key's combo with a
	// snapshot date strictly before k.Day, or nil.
	LatestBefore(ctx context.Context, k Key) (*Entry, error)
	// PruneBefore deletes entries dated before day and reports how many.
	PruneBefore(ctx context.Context, day string) (int64, error)
}

// Store wraps the engine database.
type Store struct {
	DB *sql.DB
}

// NewStore creates a Store from an already-opened database connection.
func NewStore(db *sql.DB) *Store {
	return &Store{DB: db}
}

var _ Backend = (*Store)(nil)
