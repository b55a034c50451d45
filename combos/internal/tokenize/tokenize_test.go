package tokenize

import (
	"reflect"
	"strings"
	"testing"
)

func TestTokenize_Basic(t *testing.T) {
	// WHAT: Lowercase, split on punctuation, drop stopwords.
	// WHY: Canonical combo text depends on exactly these rules.
	got := Tokenize("Meditation & Sleep-Timer for Kids!", Options{Locale: "en-US"}).Texts()
	want := []string{"meditation", "sleep", "timer", "kids"}
	if !reflect.DeepEqual(got, want) {
		t.Fatalf("got %v, want %v", got, want)
	}
}

func TestTokenize_Empty(t *testing.T) {
	if got := Tokenize("", Options{}); len(got) != 0 {
		t.Fatalf("expected empty, got %v", got)
	}
	if got := Tokenize("   \t ", Options{}); len(got) != 0 {
		t.Fatalf("expected empty, got %v", got)
	}
	if got := Tokenize("the and of", Options{Locale: "en"}); len(got) != 0 {
		t.Fatalf("expected empty after stopwords, got %v", got)
	}
}

func TestTokenize_Deterministic(t *testing.T) {
	// WHAT: Same input yields the same sequence.
	// WHY: Generation idempotence starts here.
	opts := Options{Locale: "fr-FR", Brand: BrandSet([]string{"Calm"})}
	a := Tokenize("Calm: méditation, sommeil et relaxation", opts)
	b := Tokenize("Calm: méditation, sommeil et relaxation", opts)
	if !reflect.DeepEqual(a, b) {
		t.Fatalf("non-deterministic: %v vs %v", a, b)
	}
	if got := a.Texts(); !reflect.DeepEqual(got, []string{"méditation", "sommeil", "relaxation"}) {
		t.Fatalf("got %v", got)
	}
}

func TestTokenize_Apostrophes(t *testing.T) {
	got := Tokenize("Don't Panic’s Guide", Options{Locale: "en"}).Texts()
	want := []string{"dont", "panics", "guide"}
	if !reflect.DeepEqual(got, want) {
		t.Fatalf("got %v, want %v", got, want)
	}
}

func TestTokenize_SegmentsOnListSeparators(t *testing.T) {
	// WHAT: Commas end a segment, spaces do not.
	// WHY: A keyword field "sleep,timer" lists two keywords, not a phrase.
	seq := Tokenize("sleep sounds,timer;yoga", Options{Locale: "en"})
	segs := seq.Segments()
	if len(segs) != 3 {
		t.Fatalf("segments = %d, want 3 (%v)", len(segs), seq)
	}
	if len(segs[0]) != 2 || segs[0][1].Text != "sounds" {
		t.Fatalf("first segment = %v", segs[0])
	}
}

func TestTokenize_StopwordKeepsAdjacency(t *testing.T) {
	seq := Tokenize("music for sleep", Options{Locale: "en"})
	if len(seq) != 2 || seq[0].Segment != seq[1].Segment {
		t.Fatalf("stopword removal broke adjacency: %v", seq)
	}
}

func TestTokenize_BrandBreaksAdjacency(t *testing.T) {
	// WHAT: A removed brand word splits the segment.
	// WHY: "sleep calm timer" must not yield the window "sleep timer".
	seq := Tokenize("sleep calm timer", Options{Locale: "en", Brand: BrandSet([]string{"Calm"})})
	if len(seq) != 2 {
		t.Fatalf("got %v", seq)
	}
	if seq[0].Segment == seq[1].Segment {
		t.Fatal("brand removal kept adjacency")
	}
}

func TestBrandSet_MultiWord(t *testing.T) {
	set := BrandSet([]string{"Head Space", "ACME-Pro"})
	for _, w := range []string{"head", "space", "acme", "pro"} {
		if _, ok := set[w]; !ok {
			t.Errorf("missing brand token %q", w)
		}
	}
}

func TestTokenize_MaxLenRuneBoundary(t *testing.T) {
	// WHAT: Truncation counts runes, never splitting a multibyte character.
	text := "éééé ààà"
	got := Tokenize(text, Options{MaxLen: 6, Locale: "fr"}).Texts()
	want := []string{"éééé", "à"}
	if !reflect.DeepEqual(got, want) {
		t.Fatalf("got %v, want %v", got, want)
	}
	if Truncate("abc", 0) != "abc" || Truncate("abc", 10) != "abc" || Truncate("abc", 2) != "ab" {
		t.Fatal("Truncate edge cases")
	}
}

func TestTokenize_StripMarkup(t *testing.T) {
	got := Tokenize("<b>Sleep</b> &amp; <i>Relax</i>", Options{Locale: "en", StripMarkup: true}).Texts()
	want := []string{"sleep", "relax"}
	if !reflect.DeepEqual(got, want) {
		t.Fatalf("got %v, want %v", got, want)
	}
}

func TestTokenize_CustomStopwords(t *testing.T) {
	got := Tokenize("the sleep app", Options{Stopwords: map[string]struct{}{"sleep": {}}}).Texts()
	want := []string{"the", "app"}
	if !reflect.DeepEqual(got, want) {
		t.Fatalf("got %v, want %v", got, want)
	}
}

func TestStemKey(t *testing.T) {
	// WHAT: Stemming merges inflections where a stemmer exists.
	// WHY: "timer" and "timers" must not both appear in one selection.
	if StemKey("timers", "en-US") != StemKey("timer", "en-US") {
		t.Fatal("english plural not merged")
	}
	if got := StemKey("timers", "ja-JP"); got != "timers" {
		t.Fatalf("unsupported locale should return token, got %q", got)
	}
}

func TestLanguage(t *testing.T) {
	for in, want := range map[string]string{"en-US": "en", "fr_CA": "fr", "DE": "de", "": ""} {
		if got := Language(in); got != want {
			t.Errorf("Language(%q) = %q, want %q", in, got, want)
		}
	}
}

func TestStopwords_Fallback(t *testing.T) {
	if _, ok := Stopwords("xx")["the"]; !ok {
		t.Fatal("unknown locale should fall back to english")
	}
	if _, ok := Stopwords("fr-FR")["le"]; !ok {
		t.Fatal("french list missing")
	}
	if strings.Contains(stopwordLists["en"], "free") {
		t.Fatal("content words must not be stopwords")
	}
}
