package store

import "time"

// Key identifies one cache entry.
type Key struct {
	TenantID  string
	SubjectID string
	Platform  string
	Locale    string
	Combo     string
	Day       string // snapshot date, DayLayout
}

// Entry is one stored ranking result.
type Entry struct {
	Key
	Position     *int // nil: not found within the queried window
	TotalResults int
	Trend        string
	CheckedAt    time.Time
}

// Subject is a durably tracked subject.
type Subject struct {
	TenantID         string   `json:"tenant_id"`
	ID               string   `json:"subject_id"`
	Title            string   `json:"title"`
	Subtitle         string   `json:"subtitle,omitempty"`
	KeywordField     string   `json:"keyword_field,omitempty"`
	BrandTerms       []string `json:"brand_terms,omitempty"`
	Platform         string   `json:"platform"`
	Locale           string   `json:"locale"`
	Enabled          bool     `json:"enabled"`
	LastRefreshedDay string   `json:"last_refreshed_day,omitempty"`
	CreatedAt        int64    `json:"created_at"`
	UpdatedAt        int64    `json:"updated_at"`
}

// HistoryRow is one day of one combo for a tracked subject.
type HistoryRow struct {
	TenantID     string `json:"-"`
	SubjectID    string `json:"subject_id"`
	Platform     string `json:"platform"`
	Locale       string `json:"locale"`
	Combo        string `json:"combo"`
	Day          string `json:"snapshot_date"`
	Tier         string `json:"tier,omitempty"`
	Position     *int   `json:"position"`
	TotalResults int    `json:"total_results"`
	Trend        string `json:"trend"`
	CheckedAt    int64  `json:"checked_at"`
}

// HistoryQuery filters history rows. TenantID and SubjectID are required.
type HistoryQuery struct {
	TenantID   string   `json:"-"`
	SubjectID  string   `json:"subject_id"`
	Platform   string   `json:"platform,omitempty"`
	Locale     string   `json:"locale,omitempty"`
	Combos     []string `json:"combos,omitempty"`
	From       string   `json:"from,omitempty"` // inclusive day
	To         string   `json:"to,omitempty"`   // inclusive day
	RankedOnly bool     `json:"ranked_only,omitempty"`
	Limit      uint64   `json:"limit,omitempty"`
}
