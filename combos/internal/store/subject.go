package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/hazyhaar/kwrank/dbopen"
)

const subjectColumns = `tenant_id, subject_id, title, subtitle, keyword_field, brand_terms,
	platform, locale, enabled, last_refreshed_day, created_at, updated_at`

// UpsertSubject inserts or updates a tracked subject. CreatedAt is kept on
// update; last_refreshed_day is reset so the next scheduler pass refreshes
// the new keyword set.
func (s *Store) UpsertSubject(ctx context.Context, sub *Subject) error {
	now := time.Now().UnixMilli()
	if sub.CreatedAt == 0 {
		sub.CreatedAt = now
	}
	sub.UpdatedAt = now
	brands, err := json.Marshal(nonNil(sub.BrandTerms))
	if err != nil {
		return fmt.Errorf("store: encode brand terms: %w", err)
	}
	_, err = dbopen.Exec(ctx, s.DB,
		`INSERT INTO tracked_subjects (`+subjectColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, '', ?, ?)
		ON CONFLICT(tenant_id, subject_id) DO UPDATE SET
			title=excluded.title,
			subtitle=excluded.subtitle,
			keyword_field=excluded.keyword_field,
			brand_terms=excluded.brand_terms,
			platform=excluded.platform,
			locale=excluded.locale,
			enabled=excluded.enabled,
			last_refreshed_day='',
			updated_at=excluded.updated_at`,
		sub.TenantID, sub.ID, sub.Title, sub.Subtitle, sub.KeywordField, string(brands),
		sub.Platform, sub.Locale, sub.Enabled, sub.CreatedAt, sub.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("store: upsert subject: %w", err)
	}
	return nil
}

// GetSubject returns a tracked subject, or nil.
func (s *Store) GetSubject(ctx context.Context, tenantID, id string) (*Subject, error) {
	row := s.DB.QueryRowContext(ctx,
		`SELECT `+subjectColumns+` FROM tracked_subjects WHERE tenant_id=? AND subject_id=?`,
		tenantID, id)
	sub, err := scanSubject(row.Scan)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	return sub, err
}

// IsTracked reports whether a tracked_subjects row exists.
func (s *Store) IsTracked(ctx context.Context, tenantID, id string) (bool, error) {
	var n int
	err := s.DB.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM tracked_subjects WHERE tenant_id=? AND subject_id=?`,
		tenantID, id).Scan(&n)
	return n > 0, err
}

// ListSubjects returns a tenant's tracked subjects, newest first.
func (s *Store) ListSubjects(ctx context.Context, tenantID string) ([]*Subject, error) {
	rows, err := s.DB.QueryContext(ctx,
		`SELECT `+subjectColumns+` FROM tracked_subjects
		WHERE tenant_id=? ORDER BY created_at DESC, subject_id`, tenantID)
	if err != nil {
		return nil, err
	}
	return scanSubjects(rows)
}

// DueSubjects returns enabled subjects of every tenant not yet refreshed on day.
func (s *Store) DueSubjects(ctx context.Context, day string, limit int) ([]*Subject, error) {
	rows, err := s.DB.QueryContext(ctx,
		`SELECT `+subjectColumns+` FROM tracked_subjects
		WHERE enabled = 1 AND last_refreshed_day <> ?
		ORDER BY last_refreshed_day ASC, tenant_id, subject_id
		LIMIT ?`, day, limit)
	if err != nil {
		return nil, err
	}
	return scanSubjects(rows)
}

// MarkRefreshed records that a subject was refreshed on day.
func (s *Store) MarkRefreshed(ctx context.Context, tenantID, id, day string) error {
	_, err := dbopen.Exec(ctx, s.DB,
		`UPDATE tracked_subjects SET last_refreshed_day=? WHERE tenant_id=? AND subject_id=?`,
		day, tenantID, id)
	return err
}

// DeleteSubject removes a tracked subject (cascades to ranking_history;
// ranking_cache rows stay and keep serving the subject as ephemeral).
// Returns false when nothing was deleted.
func (s *Store) DeleteSubject(ctx context.Context, tenantID, id string) (bool, error) {
	res, err := dbopen.Exec(ctx, s.DB,
		`DELETE FROM tracked_subjects WHERE tenant_id=? AND subject_id=?`, tenantID, id)
	if err != nil {
		return false, fmt.Errorf("store: delete subject: %w", err)
	}
	n, err := res.RowsAffected()
	return n > 0, err
}

func scanSubjects(rows *sql.Rows) ([]*Subject, error) {
	defer rows.Close()
	var out []*Subject
	for rows.Next() {
		sub, err := scanSubject(rows.Scan)
		if err != nil {
			return nil, err
		}
		out = append(out, sub)
	}
	return out, rows.Err()
}

func scanSubject(scan func(dest ...any) error) (*Subject, error) {
	var sub Subject
	var brands string
	var enabled int
	err := scan(&sub.TenantID, &sub.ID, &sub.Title, &sub.Subtitle, &sub.KeywordField, &brands,
		&sub.Platform, &sub.Locale, &enabled, &sub.LastRefreshedDay, &sub.CreatedAt, &sub.UpdatedAt)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, err
		}
		return nil, fmt.Errorf("scan subject: %w", err)
	}
	sub.Enabled = enabled != 0
	if err := json.Unmarshal([]byte(brands), &sub.BrandTerms); err != nil {
		return nil, fmt.Errorf("scan subject %s: brand terms: %w", sub.ID, err)
	}
	return &sub, nil
}

func nonNil(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}
