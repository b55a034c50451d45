package store

import (
	"context"
	"database/sql"
	"fmt"

	sq "github.com/Masterminds/squirrel"

	"github.com/hazyhaar/kwrank/dbopen"
)

// defaultHistoryLimit bounds a history query without an explicit limit.
const defaultHistoryLimit = 5000

// PutHistory upserts a history row. It fails with a foreign-key error when
// the subject is not tracked.
func (s *Store) PutHistory(ctx context.Context, h *HistoryRow) error {
	_, err := dbopen.Exec(ctx, s.DB,
		`INSERT INTO ranking_history (tenant_id, subject_id, platform, locale, combo,
			snapshot_date, tier, position, total_results, trend, checked_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(tenant_id, subject_id, platform, locale, combo, snapshot_date) DO UPDATE SET
			tier=excluded.tier,
			position=excluded.position,
			total_results=excluded.total_results,
			trend=excluded.trend,
			checked_at=excluded.checked_at
		WHERE excluded.checked_at >= ranking_history.checked_at`,
		h.TenantID, h.SubjectID, h.Platform, h.Locale, h.Combo,
		h.Day, h.Tier, nullInt(h.Position), h.TotalResults, h.Trend, h.CheckedAt,
	)
	if err != nil {
		return fmt.Errorf("store: put history: %w", err)
	}
	return nil
}

// History returns rows matching q, oldest day first.
func (s *Store) History(ctx context.Context, q HistoryQuery) ([]*HistoryRow, error) {
	query, args, err := historySQL(q)
	if err != nil {
		return nil, fmt.Errorf("store: build history query: %w", err)
	}
	rows, err := s.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("store: history: %w", err)
	}
	defer rows.Close()

	var out []*HistoryRow
	for rows.Next() {
		var h HistoryRow
		var pos sql.NullInt64
		if err := rows.Scan(&h.TenantID, &h.SubjectID, &h.Platform, &h.Locale, &h.Combo,
			&h.Day, &h.Tier, &pos, &h.TotalResults, &h.Trend, &h.CheckedAt); err != nil {
			return nil, fmt.Errorf("scan history: %w", err)
		}
		h.Position = intPtr(pos)
		out = append(out, &h)
	}
	return out, rows.Err()
}

// historySQL builds the filtered history query.
func historySQL(q HistoryQuery) (string, []any, error) {
	b := sq.Select("tenant_id", "subject_id", "platform", "locale", "combo",
		"snapshot_date", "tier", "position", "total_results", "trend", "checked_at").
		From("ranking_history").
		Where(sq.Eq{"tenant_id": q.TenantID, "subject_id": q.SubjectID}).
		OrderBy("snapshot_date ASC", "combo ASC").
		PlaceholderFormat(sq.Question)

	if q.Platform != "" {
		b = b.Where(sq.Eq{"platform": q.Platform})
	}
	if q.Locale != "" {
		b = b.Where(sq.Eq{"locale": q.Locale})
	}
	if len(q.Combos) > 0 {
		b = b.Where(sq.Eq{"combo": q.Combos})
	}
	if q.From != "" {
		b = b.Where(sq.GtOrEq{"snapshot_date": q.From})
	}
	if q.To != "" {
		b = b.Where(sq.LtOrEq{"snapshot_date": q.To})
	}
	if q.RankedOnly {
		b = b.Where(sq.NotEq{"position": nil})
	}
	limit := q.Limit
	if limit == 0 || limit > defaultHistoryLimit {
		limit = defaultHistoryLimit
	}
	return b.Limit(limit).ToSql()
}
