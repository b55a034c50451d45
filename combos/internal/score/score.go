// Package score turns result counts into competition levels and batch
// summaries, and ranks combos into an opportunity view.
package score

import (
	"cmp"
	"fmt"
	"math"
	"slices"
	"strconv"

	"github.com/hazyhaar/kwrank/combos/internal/strength"
)

// Level is a discrete competition level.
type Level string

const (
	LevelLow      Level = "low"
	LevelMedium   Level = "medium"
	LevelHigh     Level = "high"
	LevelVeryHigh Level = "very_high"
)

// Levels lists every level, least competitive first.
var Levels = []Level{LevelLow, LevelMedium, LevelHigh, LevelVeryHigh}

// Rank orders levels: 0 for low up to 3 for very_high, -1 when unknown.
func (l Level) Rank() int {
	return slices.Index(Levels, l)
}

// ParseLevel validates a level name.
func ParseLevel(s string) (Level, error) {
	l := Level(s)
	if l.Rank() < 0 {
		return "", fmt.Errorf("score: unknown level %q", s)
	}
	return l, nil
}

// Thresholds are the level boundaries. A count at or above Cap is the
// endpoint's hard limit and only means "at least Cap". Cap is not read from
// YAML: the service sets it to the search endpoint's max_results.
type Thresholds struct {
	Medium int `yaml:"medium" json:"medium"`
	High   int `yaml:"high" json:"high"`
	Cap    int `yaml:"-" json:"cap"`
}

// DefaultThresholds: <30 low, 30-59 medium, 60-199 high, 200+ very_high.
func DefaultThresholds() Thresholds {
	return Thresholds{Medium: 30, High: 60, Cap: 200}
}

// Validate checks 0 < Medium < High <= Cap.
func (t Thresholds) Validate() error {
	if t.Medium <= 0 || t.High <= t.Medium || t.Cap < t.High {
		return fmt.Errorf("score: thresholds must satisfy 0 < medium < high <= cap, got %d/%d/%d",
			t.Medium, t.High, t.Cap)
	}
	return nil
}

// Level maps a result count to its competition level.
func (t Thresholds) Level(total int) Level {
	switch {
	case total >= t.Cap:
		return LevelVeryHigh
	case total >= t.High:
		return LevelHigh
	case total >= t.Medium:
		return LevelMedium
	}
	return LevelLow
}

// Display renders a count for humans. A capped count renders as "≥200".
func (t Thresholds) Display(total int) string {
	if total >= t.Cap {
		return "≥" + strconv.Itoa(t.Cap)
	}
	return strconv.Itoa(total)
}

// Popularity estimates demand from a result count on a 0-100 log scale,
// reaching 100 at the cap.
func (t Thresholds) Popularity(total int) int {
	if total <= 0 || t.Cap <= 0 {
		return 0
	}
	total = min(total, t.Cap)
	p := 100 * math.Log1p(float64(total)) / math.Log1p(float64(t.Cap))
	return int(math.Round(p))
}

// OpportunityScore weighs tier strength against competition, 0-100. A
// strong tier on a sparse result page scores highest.
func (t Thresholds) OpportunityScore(weight float64, total int) int {
	weight = min(max(weight, 0), 1)
	s := weight * float64(100-t.Popularity(total))
	return int(math.Round(s))
}

// Item is one combo outcome as seen by the aggregator.
type Item struct {
	Combo        string
	Tier         strength.Tier
	Ok           bool // a ranking result is available
	Cached       bool
	Position     *int
	TotalResults int
}

// Summary is the batch-level view.
type Summary struct {
	Total        int                   `json:"total"`
	Succeeded    int                   `json:"succeeded"`
	CacheHits    int                   `json:"cache_hits"`
	CacheHitRate float64               `json:"cache_hit_rate"`
	SuccessRate  float64               `json:"success_rate"`
	Ranked       int                   `json:"ranked"`
	Levels       map[Level]int         `json:"levels"`
	Tiers        map[strength.Tier]int `json:"tiers"`
}

// Summarize aggregates items. Rates are 0 for an empty batch; levels count
// successful items only.
func (t Thresholds) Summarize(items []Item) Summary {
	s := Summary{
		Total:  len(items),
		Levels: make(map[Level]int, len(Levels)),
		Tiers:  make(map[strength.Tier]int, len(strength.Tiers)),
	}
	for _, it := range items {
		s.Tiers[it.Tier]++
		if it.Cached {
			s.CacheHits++
		}
		if !it.Ok {
			continue
		}
		s.Succeeded++
		s.Levels[t.Level(it.TotalResults)]++
		if it.Position != nil {
			s.Ranked++
		}
	}
	if s.Total > 0 {
		s.CacheHitRate = ratio(s.CacheHits, s.Total)
		s.SuccessRate = ratio(s.Succeeded, s.Total)
	}
	return s
}

func ratio(n, d int) float64 {
	return math.Round(float64(n)/float64(d)*1000) / 1000
}

// Filter narrows the opportunity view. Zero values keep everything.
type Filter struct {
	// MaxLevel keeps combos at or below this competition level.
	MaxLevel Level `json:"max_level,omitempty"`
	// MinTier keeps combos at least as strong as this tier.
	MinTier *strength.Tier `json:"min_tier,omitempty"`
	// UnrankedOnly keeps combos where the subject has no position yet.
	UnrankedOnly bool `json:"unranked_only,omitempty"`
	Limit        int  `json:"limit,omitempty"`
}

// Opportunity is one entry of the opportunity view.
type Opportunity struct {
	Item
	Level Level
	Score int
}

// Opportunities returns successful items matching f, sorted by tier, then
// competition level, then result count, then combo text.
func (t Thresholds) Opportunities(items []Item, f Filter, table *strength.Table) []Opportunity {
	if table == nil {
		table = strength.DefaultTable()
	}
	maxRank := len(Levels) - 1
	if f.MaxLevel != "" {
		if r := f.MaxLevel.Rank(); r >= 0 {
			maxRank = r
		}
	}

	var out []Opportunity
	for _, it := range items {
		if !it.Ok {
			continue
		}
		lvl := t.Level(it.TotalResults)
		if lvl.Rank() > maxRank {
			continue
		}
		if f.MinTier != nil && it.Tier.Compare(*f.MinTier) > 0 {
			continue
		}
		if f.UnrankedOnly && it.Position != nil {
			continue
		}
		out = append(out, Opportunity{
			Item:  it,
			Level: lvl,
			Score: t.OpportunityScore(table.Weight(it.Tier), it.TotalResults),
		})
	}
	slices.SortStableFunc(out, func(a, b Opportunity) int {
		return cmp.Or(
			a.Tier.Compare(b.Tier),
			cmp.Compare(a.Level.Rank(), b.Level.Rank()),
			cmp.Compare(a.TotalResults, b.TotalResults),
			cmp.Compare(a.Combo, b.Combo),
		)
	})
	if f.Limit > 0 && len(out) > f.Limit {
		out = out[:f.Limit]
	}
	return out
}
