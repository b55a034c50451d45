// Package tokenize splits store-listing text into normalized word tokens.
//
// Pipeline: optional markup strip → rune truncation → lowercase → split →
// brand removal → stopword removal. The output keeps segment boundaries so
// the generator never builds a contiguous window across a list separator or
// a removed brand term.
package tokenize

import (
	"html"
	"strings"
	"unicode"

	"github.com/kljensen/snowball"
	"github.com/microcosm-cc/bluemonday"
)

// Token is one normalized word.
type Token struct {
	Text     string `json:"text"`
	Segment  int    `json:"segment"`  // tokens in different segments are never adjacent
	Position int    `json:"position"` // index in the filtered sequence
}

// Sequence is the filtered token stream of one text.
type Sequence []Token

// Texts returns the token strings in order.
func (s Sequence) Texts() []string {
	out := make([]string, len(s))
	for i, t := range s {
		out[i] = t.Text
	}
	return out
}

// Segments groups the sequence by segment, preserving order.
func (s Sequence) Segments() [][]Token {
	var out [][]Token
	for i, t := range s {
		if i == 0 || t.Segment != s[i-1].Segment {
			out = append(out, nil)
		}
		out[len(out)-1] = append(out[len(out)-1], t)
	}
	return out
}

// Options controls one Tokenize call.
type Options struct {
	// MaxLen truncates the input to at most MaxLen runes (0 = no limit).
	MaxLen int
	// Locale selects the default stopword list and the stemmer.
	Locale string
	// Stopwords overrides the locale list when non-nil.
	Stopwords map[string]struct{}
	// Brand is the set of brand tokens, as built by BrandSet.
	Brand map[string]struct{}
	// StripMarkup removes HTML tags and decodes entities first.
	StripMarkup bool
}

var strict = bluemonday.StrictPolicy()

// Tokenize lowercases text, splits it on anything that is not a letter or a
// digit, and drops stopwords and brand tokens. Empty text yields an empty
// sequence. The result depends only on text and opts.
func Tokenize(text string, opts Options) Sequence {
	if opts.StripMarkup {
		text = html.UnescapeString(strict.Sanitize(text))
	}
	text = Truncate(text, opts.MaxLen)
	if strings.TrimSpace(text) == "" {
		return nil
	}
	stop := opts.Stopwords
	if stop == nil {
		stop = Stopwords(opts.Locale)
	}

	var (
		out     Sequence
		segment int
	)
	for _, w := range split(text) {
		if w.newSegment {
			segment++
		}
		if _, ok := opts.Brand[w.text]; ok {
			// A removed brand word breaks adjacency.
			segment++
			continue
		}
		if _, ok := stop[w.text]; ok {
			continue
		}
		out = append(out, Token{Text: w.text, Segment: segment, Position: len(out)})
	}
	return out
}

// BrandSet tokenizes brand terms with the same rules as Tokenize. Every word
// of a multi-word brand becomes a brand token.
func BrandSet(terms []string) map[string]struct{} {
	set := make(map[string]struct{})
	for _, term := range terms {
		for _, w := range split(term) {
			set[w.text] = struct{}{}
		}
	}
	return set
}

// Truncate cuts s to at most n runes (n <= 0 returns s unchanged).
func Truncate(s string, n int) string {
	if n <= 0 {
		return s
	}
	count := 0
	for i := range s {
		if count == n {
			return s[:i]
		}
		count++
	}
	return s
}

type word struct {
	text       string
	newSegment bool // a list separator preceded this word
}

// split lowercases s and returns its words. Apostrophes inside a word are
// dropped; list separators mark the next word as starting a new segment.
func split(s string) []word {
	var (
		out     []word
		cur     strings.Builder
		pending bool
	)
	flush := func() {
		if cur.Len() > 0 {
			out = append(out, word{text: cur.String(), newSegment: pending})
			cur.Reset()
			pending = false
		}
	}
	for _, r := range strings.ToLower(s) {
		switch {
		case unicode.IsLetter(r) || unicode.IsDigit(r) || unicode.Is(unicode.Mn, r):
			cur.WriteRune(r)
		case isApostrophe(r) && cur.Len() > 0:
			// don't → dont
		case isListSeparator(r):
			flush()
			if len(out) > 0 {
				pending = true
			}
		default:
			flush()
		}
	}
	flush()
	return out
}

func isApostrophe(r rune) bool {
	return r == '\'' || r == '’'
}

func isListSeparator(r rune) bool {
	switch r {
	case ',', ';', '|', '/', '\n', '\r', '·', '•':
		return true
	}
	return false
}

// stemLanguages maps a locale's language subtag to a snowball language.
var stemLanguages = map[string]string{
	"en": "english",
	"es": "spanish",
	"fr": "french",
	"ru": "russian",
	"sv": "swedish",
	"no": "norwegian",
	"nb": "norwegian",
	"hu": "hungarian",
}

// Language returns the lowercase language subtag of a locale such as
// "en-US" or "fr_CA".
func Language(locale string) string {
	locale = strings.ToLower(locale)
	if i := strings.IndexAny(locale, "-_"); i >= 0 {
		locale = locale[:i]
	}
	return locale
}

// StemKey returns the identity used to decide whether two tokens are the
// same word: the snowball stem where a stemmer exists for the locale,
// otherwise the token itself.
func StemKey(token, locale string) string {
	lang, ok := stemLanguages[Language(locale)]
	if !ok {
		return token
	}
	stem, err := snowball.Stem(token, lang, false)
	if err != nil || stem == "" {
		return token
	}
	return stem
}
