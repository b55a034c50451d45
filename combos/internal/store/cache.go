package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/hazyhaar/kwrank/dbopen"
)

const entryColumns = `tenant_id, subject_id, platform, locale, combo, snapshot_date,
	position, total_results, trend, checked_at`

// GetEntry returns the cache entry for k, or nil.
func (s *Store) GetEntry(ctx context.Context, k Key) (*Entry, error) {
	row := s.DB.QueryRowContext(ctx,
		`SELECT `+entryColumns+`
		FROM ranking_cache
		WHERE tenant_id=? AND subject_id=? AND platform=? AND locale=? AND combo=? AND snapshot_date=?`,
		k.TenantID, k.SubjectID, k.Platform, k.Locale, k.Combo, k.Day)
	return scanEntry(row)
}

// LatestBefore returns the newest entry for k's combo dated before k.Day.
func (s *Store) LatestBefore(ctx context.Context, k Key) (*Entry, error) {
	row := s.DB.QueryRowContext(ctx,
		`SELECT `+entryColumns+`
		FROM ranking_cache
		WHERE tenant_id=? AND subject_id=? AND platform=? AND locale=? AND combo=? AND snapshot_date < ?
		ORDER BY snapshot_date DESC LIMIT 1`,
		k.TenantID, k.SubjectID, k.Platform, k.Locale, k.Combo, k.Day)
	return scanEntry(row)
}

// PutEntry upserts e. A concurrent or replayed write with an older
// checked_at never overwrites a newer one.
func (s *Store) PutEntry(ctx context.Context, e *Entry) error {
	_, err := dbopen.Exec(ctx, s.DB,
		`INSERT INTO ranking_cache (`+entryColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(tenant_id, subject_id, platform, locale, combo, snapshot_date) DO UPDATE SET
			position=excluded.position,
			total_results=excluded.total_results,
			trend=excluded.trend,
			checked_at=excluded.checked_at
		WHERE excluded.checked_at >= ranking_cache.checked_at`,
		e.TenantID, e.SubjectID, e.Platform, e.Locale, e.Combo, e.Day,
		nullInt(e.Position), e.TotalResults, e.Trend, e.CheckedAt.UnixMilli(),
	)
	if err != nil {
		return fmt.Errorf("store: put entry: %w", err)
	}
	return nil
}

// PruneBefore deletes cache rows dated before day and returns how many went.
func (s *Store) PruneBefore(ctx context.Context, day string) (int64, error) {
	res, err := dbopen.Exec(ctx, s.DB, `DELETE FROM ranking_cache WHERE snapshot_date < ?`, day)
	if err != nil {
		return 0, fmt.Errorf("store: prune: %w", err)
	}
	return res.RowsAffected()
}

func scanEntry(row *sql.Row) (*Entry, error) {
	var e Entry
	var pos sql.NullInt64
	var checked int64
	err := row.Scan(&e.TenantID, &e.SubjectID, &e.Platform, &e.Locale, &e.Combo, &e.Day,
		&pos, &e.TotalResults, &e.Trend, &checked)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, fmt.Errorf("scan entry: %w", err)
	}
	e.Position = intPtr(pos)
	e.CheckedAt = time.UnixMilli(checked).UTC()
	return &e, nil
}

func nullInt(p *int) sql.NullInt64 {
	if p == nil {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: int64(*p), Valid: true}
}

func intPtr(n sql.NullInt64) *int {
	if !n.Valid {
		return nil
	}
	v := int(n.Int64)
	return &v
}
