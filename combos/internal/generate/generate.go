// Package generate enumerates candidate combos from tokenized sources.
//
// Two modes per source: contiguous windows (phrases that exist verbatim) and
// all-selections (order-preserving subsets of the unique tokens). With
// includeCross, selections also run over the merged token list and keep only
// combos that span two or more sources. Every mode is bounded by a per-source
// budget; enumeration order is fixed, so truncation is reproducible.
package generate

import (
	"errors"
	"fmt"
	"slices"
	"strings"

	"github.com/hazyhaar/kwrank/combos/internal/strength"
	"github.com/hazyhaar/kwrank/combos/internal/tokenize"
)

// ErrInvalidOptions is returned for impossible length bounds or caps.
var ErrInvalidOptions = errors.New("generate: invalid options")

// Combo length bounds, in tokens. Single words carry no combination signal
// and the upstream matches nothing useful past four.
const (
	MinComboLen = 2
	MaxComboLen = 4
)

// CrossBudget names the merged-source budget in Result.TruncatedSources.
const CrossBudget = "cross"

// Source is one tokenized text field.
type Source struct {
	Name   strength.Source
	Tokens tokenize.Sequence
}

// Options bounds a generation run.
type Options struct {
	MinLen       int  // at least MinComboLen
	MaxLen       int  // at most MaxComboLen
	PerSourceCap int  // distinct combos per source and for the cross budget
	IncludeCross bool // also enumerate selections across sources
	MaxCombos    int  // per-run cap after dedup (0 = no cap)
	// Locale drives the stem key used to decide that two tokens are the
	// same word.
	Locale string
	// Brand discards any combo containing one of these tokens.
	Brand map[string]struct{}
	// Table classifies combos. Defaults to strength.DefaultTable().
	Table *strength.Table
}

// Combo is one candidate phrase.
type Combo struct {
	Tokens     []string            `json:"tokens"`
	Text       string              `json:"text"`
	Tier       strength.Tier       `json:"tier"`
	Hint       string              `json:"hint,omitempty"`
	Provenance strength.Provenance `json:"provenance"`
	seq        int
}

// Result is the output of one Generate call.
type Result struct {
	Combos []Combo `json:"combos"`
	// Truncated is set when any budget or MaxCombos cut enumeration short.
	Truncated        bool     `json:"truncated"`
	TruncatedSources []string `json:"truncated_sources,omitempty"`
}

// Validate checks the option bounds.
func (o Options) Validate() error {
	if o.MinLen < MinComboLen {
		return fmt.Errorf("%w: min length %d < %d", ErrInvalidOptions, o.MinLen, MinComboLen)
	}
	if o.MaxLen > MaxComboLen {
		return fmt.Errorf("%w: max length %d > %d", ErrInvalidOptions, o.MaxLen, MaxComboLen)
	}
	if o.MaxLen < o.MinLen {
		return fmt.Errorf("%w: max length %d < min length %d", ErrInvalidOptions, o.MaxLen, o.MinLen)
	}
	if o.PerSourceCap < 1 {
		return fmt.Errorf("%w: per-source cap %d < 1", ErrInvalidOptions, o.PerSourceCap)
	}
	if o.MaxCombos < 0 {
		return fmt.Errorf("%w: max combos %d < 0", ErrInvalidOptions, o.MaxCombos)
	}
	return nil
}

// Generate produces the deduplicated, classified combos for sources. Empty
// sources give an empty result. Output is sorted strongest tier first, then
// by generation order.
func Generate(sources []Source, opts Options) (*Result, error) {
	if err := opts.Validate(); err != nil {
		return nil, err
	}
	if opts.Table == nil {
		opts.Table = strength.DefaultTable()
	}
	g := &generator{opts: opts, index: make(map[string]int), res: &Result{}}

	for _, src := range sources {
		if len(src.Tokens) == 0 {
			continue
		}
		b := g.budget(string(src.Name))
		g.windows(src, b)
		g.selections(src, b)
	}
	if opts.IncludeCross {
		g.cross(sources)
	}

	out := g.out
	slices.SortStableFunc(out, func(a, b Combo) int {
		if c := a.Tier.Compare(b.Tier); c != 0 {
			return c
		}
		return a.seq - b.seq
	})
	if opts.MaxCombos > 0 && len(out) > opts.MaxCombos {
		out = out[:opts.MaxCombos]
		g.res.Truncated = true
	}
	g.res.Combos = out
	return g.res, nil
}

type generator struct {
	opts  Options
	out   []Combo
	index map[string]int // canonical text -> position in out
	seq   int
	res   *Result
}

// budget counts distinct combos emitted under one cap.
type budget struct {
	name string
	seen map[string]struct{}
	full bool
}

func (g *generator) budget(name string) *budget {
	return &budget{name: name, seen: make(map[string]struct{})}
}

// emit records a combo against b. It returns false once b is exhausted and
// a further distinct combo was refused, which ends enumeration for b.
func (g *generator) emit(b *budget, tokens []string, prov strength.Provenance) bool {
	for _, t := range tokens {
		if _, ok := g.opts.Brand[t]; ok {
			return true
		}
	}
	text := strings.Join(tokens, " ")
	if _, dup := b.seen[text]; dup {
		return true
	}
	if len(b.seen) >= g.opts.PerSourceCap {
		if !b.full {
			b.full = true
			g.res.Truncated = true
			g.res.TruncatedSources = append(g.res.TruncatedSources, b.name)
		}
		return false
	}
	b.seen[text] = struct{}{}

	cl := g.opts.Table.Classify(prov)
	if i, ok := g.index[text]; ok {
		// Same phrase via another provenance: keep the best tier.
		if cl.Tier.Stronger(g.out[i].Tier) {
			g.out[i].Tier = cl.Tier
			g.out[i].Hint = cl.Hint
			g.out[i].Provenance = prov
		}
		return true
	}
	g.index[text] = len(g.out)
	g.out = append(g.out, Combo{
		Tokens:     slices.Clone(tokens),
		Text:       text,
		Tier:       cl.Tier,
		Hint:       cl.Hint,
		Provenance: prov,
		seq:        g.seq,
	})
	g.seq++
	return true
}

// windows slides n-token windows over each segment of src.
func (g *generator) windows(src Source, b *budget) {
	prov := strength.Provenance{Sources: []strength.Source{src.Name}, Contiguous: true}
	segs := src.Tokens.Segments()
	for n := g.opts.MinLen; n <= g.opts.MaxLen; n++ {
		for _, seg := range segs {
			for i := 0; i+n <= len(seg); i++ {
				win := make([]string, n)
				for j := range win {
					win[j] = seg[i+j].Text
				}
				if g.repeats(win) {
					continue
				}
				if !g.emit(b, win, prov) {
					return
				}
			}
		}
	}
}

// selections enumerates order-preserving subsets of the unique tokens of src.
func (g *generator) selections(src Source, b *budget) {
	if b.full {
		return
	}
	prov := strength.Provenance{Sources: []strength.Source{src.Name}}
	uniq := g.unique([]Source{src})
	words := make([]string, len(uniq))
	for i, u := range uniq {
		words[i] = u.text
	}
	for n := g.opts.MinLen; n <= g.opts.MaxLen && n <= len(words); n++ {
		ok := combinations(len(words), n, func(idx []int) bool {
			sel := make([]string, n)
			for i, k := range idx {
				sel[i] = words[k]
			}
			return g.emit(b, sel, prov)
		})
		if !ok {
			return
		}
	}
}

// cross enumerates selections over the merged unique tokens, keeping only
// those drawn from two or more sources.
func (g *generator) cross(sources []Source) {
	uniq := g.unique(sources)
	b := g.budget(CrossBudget)
	for n := max(g.opts.MinLen, 2); n <= g.opts.MaxLen && n <= len(uniq); n++ {
		ok := combinations(len(uniq), n, func(idx []int) bool {
			sel := make([]string, n)
			var from []strength.Source
			for i, k := range idx {
				sel[i] = uniq[k].text
				from = append(from, uniq[k].source)
			}
			prov := strength.Provenance{Sources: strength.NormalizeSources(from)}
			if !prov.Cross() {
				return true
			}
			return g.emit(b, sel, prov)
		})
		if !ok {
			return
		}
	}
}

type uniqueToken struct {
	text   string
	source strength.Source
}

// unique returns the tokens of sources in order, keeping the first
// occurrence of each stem key.
func (g *generator) unique(sources []Source) []uniqueToken {
	seen := make(map[string]struct{})
	var out []uniqueToken
	for _, src := range sources {
		for _, t := range src.Tokens {
			key := tokenize.StemKey(t.Text, g.opts.Locale)
			if _, ok := seen[key]; ok {
				continue
			}
			seen[key] = struct{}{}
			out = append(out, uniqueToken{text: t.Text, source: src.Name})
		}
	}
	return out
}

// repeats reports whether a window uses the same word twice.
func (g *generator) repeats(words []string) bool {
	seen := make(map[string]struct{}, len(words))
	for _, w := range words {
		key := tokenize.StemKey(w, g.opts.Locale)
		if _, ok := seen[key]; ok {
			return true
		}
		seen[key] = struct{}{}
	}
	return false
}

// combinations calls fn with each n-element index tuple over [0,k) in
// lexicographic order. It stops and returns false as soon as fn does.
func combinations(k, n int, fn func(idx []int) bool) bool {
	if n <= 0 || n > k {
		return true
	}
	idx := make([]int, n)
	for i := range idx {
		idx[i] = i
	}
	for {
		if !fn(idx) {
			return false
		}
		i := n - 1
		for i >= 0 && idx[i] == k-n+i {
			i--
		}
		if i < 0 {
			return true
		}
		idx[i]++
		for j := i + 1; j < n; j++ {
			idx[j] = idx[j-1] + 1
		}
	}
}
