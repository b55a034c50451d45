// Package combos generates keyword combinations from store-listing text,
// classifies them by rank power, and measures where a subject ranks for
// each one on the upstream store search.
//
// Every request is scoped to a tenant supplied by the caller; the package
// never authenticates. Results are cached per UTC day, so a second request
// for the same combos on the same day costs no upstream calls.
package combos

import (
	"github.com/hazyhaar/kwrank/combos/internal/fetch"
	"github.com/hazyhaar/kwrank/combos/internal/score"
	"github.com/hazyhaar/kwrank/combos/internal/store"
	"github.com/hazyhaar/kwrank/combos/internal/strength"
)

// Re-export store and classifier types for the public API.
type (
	TrackedSubject = store.Subject
	HistoryQuery   = store.HistoryQuery
	HistoryRow     = store.HistoryRow
	Tier           = strength.Tier
	Level          = score.Level
	Summary        = score.Summary
	Filter         = score.Filter
	Status         = fetch.Status
)

// Schema is the engine schema, for dbopen.WithSchema.
const Schema = store.Schema

// Tokens holds the listing text fields.
type Tokens struct {
	Title        string `json:"title"`
	Subtitle     string `json:"subtitle,omitempty"`
	KeywordField string `json:"keyword_field,omitempty"`
}

// GenerateOptions overrides the configured generation defaults. Zero
// fields keep the default.
type GenerateOptions struct {
	MinLen       int   `json:"min_len,omitempty"`
	MaxLen       int   `json:"max_len,omitempty"`
	IncludeCross *bool `json:"include_cross,omitempty"`
	MaxCombos    int   `json:"max_combos,omitempty"`
}

// GenerateRequest asks for combos without measuring them.
type GenerateRequest struct {
	Tokens     Tokens   `json:"tokens"`
	BrandTerms []string `json:"brand_terms,omitempty"`
	Locale     string   `json:"locale"`
	GenerateOptions
}

// GeneratedCombo is one classified combo.
type GeneratedCombo struct {
	Text       string            `json:"text"`
	Tokens     []string          `json:"tokens"`
	Tier       Tier              `json:"tier"`
	TierLabel  string            `json:"tier_label"`
	Hint       string            `json:"hint,omitempty"`
	Sources    []strength.Source `json:"sources"`
	Contiguous bool              `json:"contiguous"`
}

// GenerateResponse is the output of Generate.
type GenerateResponse struct {
	Combos           []GeneratedCombo `json:"combos"`
	Truncated        bool             `json:"truncated"`
	TruncatedSources []string         `json:"truncated_sources,omitempty"`
}

// Request is the analyze contract. SubjectID is the subject's upstream id;
// without it only competition is measured.
type Request struct {
	SubjectID  string   `json:"subject_id,omitempty"`
	Tokens     Tokens   `json:"tokens"`
	BrandTerms []string `json:"brand_terms,omitempty"`
	Platform   string   `json:"platform"`
	Locale     string   `json:"locale"`
	GenerateOptions
	// Opportunities, when set, adds the filtered opportunity view.
	Opportunities *Filter `json:"opportunities,omitempty"`
}

// ComboResult is one measured combo.
type ComboResult struct {
	Text             string `json:"text"`
	Tier             Tier   `json:"tier"`
	TierLabel        string `json:"tier_label"`
	Hint             string `json:"hint,omitempty"`
	CompetitionLevel Level  `json:"competition_level,omitempty"`
	Competition      string `json:"competition,omitempty"` // "≥200" when capped
	TotalResults     int    `json:"total_results"`
	Position         *int   `json:"position"`
	Trend            string `json:"trend,omitempty"`
	Cached           bool   `json:"cached"`
	Status           Status `json:"status"`
	ErrorKind        string `json:"error_kind,omitempty"`
	OpportunityScore int    `json:"opportunity_score"`
}

// BatchMeta describes how a batch was served.
type BatchMeta struct {
	BatchID          string   `json:"batch_id"`
	CacheHitRate     float64  `json:"cache_hit_rate"`
	SuccessRate      float64  `json:"success_rate"`
	Degraded         bool     `json:"degraded"`
	Truncated        bool     `json:"truncated"`
	TruncatedSources []string `json:"truncated_sources,omitempty"`
	SubjectID        string   `json:"subject_id"`
	Tracked          bool     `json:"tracked"`
	SnapshotDate     string   `json:"snapshot_date"`
	CacheHits        int      `json:"cache_hits"`
	Fetched          int      `json:"fetched"`
	Failed           int      `json:"failed"`
	Cancelled        int      `json:"cancelled"`
}

// Opportunity is one row of the opportunity view.
type Opportunity struct {
	Text             string `json:"text"`
	Tier             Tier   `json:"tier"`
	CompetitionLevel Level  `json:"competition_level"`
	Competition      string `json:"competition"`
	Position         *int   `json:"position"`
	Score            int    `json:"score"`
}

// Response is the analyze result. Combos keep generation order: strongest
// tier first.
type Response struct {
	Combos        []ComboResult `json:"combos"`
	BatchMeta     BatchMeta     `json:"batch_meta"`
	Summary       Summary       `json:"summary"`
	Opportunities []Opportunity `json:"opportunities,omitempty"`
}
