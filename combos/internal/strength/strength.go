// Package strength classifies combos into rank-power tiers.
//
// The tier order encodes a product hypothesis about how store search weighs
// phrase position; it is not observed behaviour. Everything that depends on
// that hypothesis (which source is primary, tier labels, hints, weights)
// lives in one Table so it can be changed without touching callers.
package strength

import (
	"cmp"
	"fmt"
	"slices"
)

// Tier is a discrete rank-power class. Lower values are stronger, so the
// natural int order is the sort order everywhere.
type Tier int

const (
	PrimaryContiguous Tier = iota
	PrimaryNonContiguous
	CrossSource
	SecondaryContiguous
	SecondaryNonContiguous
)

// Tiers lists every tier, strongest first.
var Tiers = []Tier{
	PrimaryContiguous,
	PrimaryNonContiguous,
	CrossSource,
	SecondaryContiguous,
	SecondaryNonContiguous,
}

var tierNames = map[Tier]string{
	PrimaryContiguous:      "primary_contiguous",
	PrimaryNonContiguous:   "primary_non_contiguous",
	CrossSource:            "cross_source",
	SecondaryContiguous:    "secondary_contiguous",
	SecondaryNonContiguous: "secondary_non_contiguous",
}

func (t Tier) String() string {
	if s, ok := tierNames[t]; ok {
		return s
	}
	return fmt.Sprintf("tier(%d)", int(t))
}

// Valid reports whether t is a declared tier.
func (t Tier) Valid() bool {
	_, ok := tierNames[t]
	return ok
}

// Compare returns -1 if t is stronger than o, +1 if weaker, 0 if equal.
func (t Tier) Compare(o Tier) int {
	return cmp.Compare(t, o)
}

// Stronger reports whether t ranks strictly above o.
func (t Tier) Stronger(o Tier) bool {
	return t.Compare(o) < 0
}

// Strongest returns the stronger of a and b.
func Strongest(a, b Tier) Tier {
	if b.Stronger(a) {
		return b
	}
	return a
}

// MarshalText encodes the tier by name.
func (t Tier) MarshalText() ([]byte, error) {
	if !t.Valid() {
		return nil, fmt.Errorf("strength: invalid tier %d", int(t))
	}
	return []byte(t.String()), nil
}

// UnmarshalText decodes a tier name.
func (t *Tier) UnmarshalText(b []byte) error {
	v, err := ParseTier(string(b))
	if err != nil {
		return err
	}
	*t = v
	return nil
}

// ParseTier returns the tier with the given name.
func ParseTier(s string) (Tier, error) {
	for t, name := range tierNames {
		if name == s {
			return t, nil
		}
	}
	return 0, fmt.Errorf("strength: unknown tier %q", s)
}

// Source names a text field a token can come from.
type Source string

const (
	Title        Source = "title"
	Subtitle     Source = "subtitle"
	KeywordField Source = "keyword_field"
)

// Sources lists the known sources in merge order.
var Sources = []Source{Title, Subtitle, KeywordField}

// Role is the weight class of a source.
type Role int

const (
	Secondary Role = iota
	Primary
)

// Provenance describes where a combo's tokens came from.
type Provenance struct {
	Sources    []Source `json:"sources"`
	Contiguous bool     `json:"contiguous"`
}

// Cross reports whether tokens came from two or more sources.
func (p Provenance) Cross() bool {
	return len(distinct(p.Sources)) >= 2
}

// TierInfo is the per-tier configuration.
type TierInfo struct {
	Label  string  `yaml:"label" json:"label"`
	Hint   string  `yaml:"hint" json:"hint,omitempty"`
	Weight float64 `yaml:"weight" json:"weight"`
}

// Table is the single place the tier hypothesis is configured.
type Table struct {
	Roles map[Source]Role
	Info  map[Tier]TierInfo
}

// DefaultTable returns the stock hypothesis: the title is the only primary
// source; subtitle and keyword field are secondary.
func DefaultTable() *Table {
	return &Table{
		Roles: map[Source]Role{
			Title:        Primary,
			Subtitle:     Secondary,
			KeywordField: Secondary,
		},
		Info: map[Tier]TierInfo{
			PrimaryContiguous: {
				Label:  "Exact phrase in title",
				Weight: 1.0,
			},
			PrimaryNonContiguous: {
				Label:  "Words in title, not adjacent",
				Hint:   "place these words next to each other, in this order, in the title",
				Weight: 0.8,
			},
			CrossSource: {
				Label:  "Words split across fields",
				Hint:   "move all of these words into the title",
				Weight: 0.6,
			},
			SecondaryContiguous: {
				Label:  "Exact phrase outside title",
				Hint:   "move this phrase into the title",
				Weight: 0.45,
			},
			SecondaryNonContiguous: {
				Label:  "Words outside title, not adjacent",
				Hint:   "move these words into the title and make them adjacent",
				Weight: 0.3,
			},
		},
	}
}

// Classification is the classifier output for one combo.
type Classification struct {
	Tier Tier   `json:"tier"`
	Hint string `json:"hint,omitempty"`
}

// Classify assigns a tier from provenance alone. Tokens from two or more
// sources are always CrossSource, whatever their contiguity. A source with
// no configured role counts as secondary. Empty provenance is the weakest
// tier.
func (t *Table) Classify(p Provenance) Classification {
	var tier Tier
	srcs := distinct(p.Sources)
	switch {
	case len(srcs) == 0:
		tier = SecondaryNonContiguous
	case len(srcs) >= 2:
		tier = CrossSource
	case t.Roles[srcs[0]] == Primary && p.Contiguous:
		tier = PrimaryContiguous
	case t.Roles[srcs[0]] == Primary:
		tier = PrimaryNonContiguous
	case p.Contiguous:
		tier = SecondaryContiguous
	default:
		tier = SecondaryNonContiguous
	}
	return Classification{Tier: tier, Hint: t.Hint(tier)}
}

// Hint returns the strengthening suggestion for tier; empty for the
// strongest tier.
func (t *Table) Hint(tier Tier) string {
	if tier == Tiers[0] {
		return ""
	}
	return t.Info[tier].Hint
}

// Label returns the display label for tier.
func (t *Table) Label(tier Tier) string {
	if info, ok := t.Info[tier]; ok && info.Label != "" {
		return info.Label
	}
	return tier.String()
}

// Weight returns the configured weight for tier (0 if unset).
func (t *Table) Weight(tier Tier) float64 {
	return t.Info[tier].Weight
}

// Validate checks that every tier is configured, that every tier below the
// strongest carries a hint, and that weights do not increase as tiers weaken.
func (t *Table) Validate() error {
	prev := -1.0
	for i, tier := range Tiers {
		info, ok := t.Info[tier]
		if !ok {
			return fmt.Errorf("strength: tier %s not configured", tier)
		}
		if i > 0 && info.Hint == "" {
			return fmt.Errorf("strength: tier %s has no hint", tier)
		}
		if info.Weight < 0 || (prev >= 0 && info.Weight > prev) {
			return fmt.Errorf("strength: tier %s weight %.2f breaks tier order", tier, info.Weight)
		}
		prev = info.Weight
	}
	primary := false
	for _, r := range t.Roles {
		if r == Primary {
			primary = true
		}
	}
	if !primary {
		return fmt.Errorf("strength: no primary source configured")
	}
	return nil
}

// distinct returns srcs without duplicates, in merge order.
func distinct(srcs []Source) []Source {
	out := make([]Source, 0, len(srcs))
	for _, s := range srcs {
		if !slices.Contains(out, s) {
			out = append(out, s)
		}
	}
	slices.SortStableFunc(out, func(a, b Source) int {
		return cmp.Compare(sourceRank(a), sourceRank(b))
	})
	return out
}

// NormalizeSources returns srcs deduplicated and in merge order.
func NormalizeSources(srcs []Source) []Source {
	return distinct(srcs)
}

func sourceRank(s Source) int {
	if i := slices.Index(Sources, s); i >= 0 {
		return i
	}
	return len(Sources)
}
