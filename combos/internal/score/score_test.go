package score

import (
	"testing"

	"github.com/hazyhaar/kwrank/combos/internal/strength"
)

func ptr(n int) *int { return &n }

func TestLevel_Thresholds(t *testing.T) {
	// WHAT: Boundaries fall exactly at 30, 60 and 200.
	th := DefaultThresholds()
	cases := map[int]Level{
		0: LevelLow, 29: LevelLow,
		30: LevelMedium, 59: LevelMedium,
		60: LevelHigh, 199: LevelHigh,
		200: LevelVeryHigh, 500: LevelVeryHigh,
	}
	for total, want := range cases {
		if got := th.Level(total); got != want {
			t.Errorf("Level(%d) = %s, want %s", total, got, want)
		}
	}
}

func TestDisplay_Capped(t *testing.T) {
	// WHAT: A count equal to the cap is "at least", never exact.
	th := DefaultThresholds()
	if got := th.Display(200); got != "≥200" {
		t.Fatalf("Display(200) = %q", got)
	}
	if got := th.Display(199); got != "199" {
		t.Fatalf("Display(199) = %q", got)
	}
}

func TestThresholds_Validate(t *testing.T) {
	if err := DefaultThresholds().Validate(); err != nil {
		t.Fatal(err)
	}
	if err := (Thresholds{Medium: 60, High: 30, Cap: 200}).Validate(); err == nil {
		t.Fatal("inverted thresholds accepted")
	}
}

func TestPopularity(t *testing.T) {
	th := DefaultThresholds()
	if th.Popularity(0) != 0 || th.Popularity(200) != 100 || th.Popularity(1000) != 100 {
		t.Fatal("popularity bounds wrong")
	}
	if a, b := th.Popularity(10), th.Popularity(100); a >= b {
		t.Fatalf("popularity not increasing: %d >= %d", a, b)
	}
}

func TestOpportunityScore(t *testing.T) {
	// WHAT: Stronger tiers and sparser pages score higher.
	th := DefaultThresholds()
	if th.OpportunityScore(1, 0) != 100 {
		t.Fatalf("best case = %d", th.OpportunityScore(1, 0))
	}
	if th.OpportunityScore(1, 200) != 0 {
		t.Fatalf("capped = %d", th.OpportunityScore(1, 200))
	}
	if th.OpportunityScore(1, 20) <= th.OpportunityScore(0.3, 20) {
		t.Fatal("tier weight ignored")
	}
}

func TestSummarize(t *testing.T) {
	// WHAT: Rates count every item, levels count successful items only.
	th := DefaultThresholds()
	items := []Item{
		{Combo: "a b", Tier: strength.PrimaryContiguous, Ok: true, Cached: true, TotalResults: 10, Position: ptr(3)},
		{Combo: "c d", Tier: strength.CrossSource, Ok: true, TotalResults: 200},
		{Combo: "e f", Tier: strength.CrossSource, Ok: false},
		{Combo: "g h", Tier: strength.SecondaryContiguous, Ok: true, Cached: true, TotalResults: 45},
	}
	s := th.Summarize(items)
	if s.Total != 4 || s.Succeeded != 3 || s.CacheHits != 2 || s.Ranked != 1 {
		t.Fatalf("counts: %+v", s)
	}
	if s.CacheHitRate != 0.5 || s.SuccessRate != 0.75 {
		t.Fatalf("rates: %v %v", s.CacheHitRate, s.SuccessRate)
	}
	if s.Levels[LevelLow] != 1 || s.Levels[LevelMedium] != 1 || s.Levels[LevelVeryHigh] != 1 {
		t.Fatalf("levels: %v", s.Levels)
	}
	if s.Tiers[strength.CrossSource] != 2 {
		t.Fatalf("tiers: %v", s.Tiers)
	}
}

func TestSummarize_Empty(t *testing.T) {
	s := DefaultThresholds().Summarize(nil)
	if s.Total != 0 || s.CacheHitRate != 0 || s.SuccessRate != 0 {
		t.Fatalf("empty summary: %+v", s)
	}
}

func TestOpportunities_SortAndFilter(t *testing.T) {
	// WHAT: Sorted by tier, then level, then count; filters apply.
	th := DefaultThresholds()
	items := []Item{
		{Combo: "cross busy", Tier: strength.CrossSource, Ok: true, TotalResults: 150},
		{Combo: "title busy", Tier: strength.PrimaryContiguous, Ok: true, TotalResults: 200},
		{Combo: "title quiet", Tier: strength.PrimaryContiguous, Ok: true, TotalResults: 12},
		{Combo: "title mid", Tier: strength.PrimaryContiguous, Ok: true, TotalResults: 25},
		{Combo: "failed", Tier: strength.PrimaryContiguous, Ok: false},
		{Combo: "weak quiet", Tier: strength.SecondaryNonContiguous, Ok: true, TotalResults: 1, Position: ptr(1)},
	}

	all := th.Opportunities(items, Filter{}, nil)
	want := []string{"title quiet", "title mid", "title busy", "cross busy", "weak quiet"}
	if len(all) != len(want) {
		t.Fatalf("got %d opportunities, want %d", len(all), len(want))
	}
	for i, w := range want {
		if all[i].Combo != w {
			t.Errorf("position %d: %s, want %s", i, all[i].Combo, w)
		}
	}

	minTier := strength.CrossSource
	got := th.Opportunities(items, Filter{MaxLevel: LevelHigh, MinTier: &minTier}, nil)
	if len(got) != 3 || got[2].Combo != "cross busy" {
		t.Fatalf("filtered: %+v", got)
	}

	got = th.Opportunities(items, Filter{UnrankedOnly: true, Limit: 2}, nil)
	if len(got) != 2 || got[0].Combo != "title quiet" {
		t.Fatalf("limited: %+v", got)
	}
}
