package mdlint

import (
	"fmt"
	"sync"

	"github.com/agentic-research/gloss/internal/corpus"
	"github.com/agentic-research/gloss/internal/dupes"
)

// dupRule reports near-verbatim section duplication. The pairwise
// index is built once per audit over the whole corpus; each pair is
// reported once, at the earlier section.
type dupRule struct {
	threshold float64
	minWords  int

	once   sync.Once
	byPath map[string][]dupes.Pair
}

func (*dupRule) Name() string { return "dup-content" }

func (r *dupRule) Check(d *corpus.Document, c *Corpus) []Diagnostic {
	r.once.Do(func() { r.build(c) })

	var diags []Diagnostic
	for _, p := range r.byPath[d.RelPath] {
		diags = append(diags, Diagnostic{
			Path: d.RelPath, Line: p.A.Line, Rule: "dup-content", Severity: SeverityWarning,
			Message: fmt.Sprintf("section %q nearly duplicates %s#%s (%d%% similar)",
				p.A.Title, p.B.Path, p.B.Anchor, int(p.Similarity*100+0.5)),
		})
	}
	return diags
}

func (r *dupRule) build(c *Corpus) {
	idx := dupes.NewIndex()
	idx.MinWords = r.minWords
	for _, d := range c.Docs {
		for _, h := range d.Headings {
			idx.AddSection(d, h, d.Section(h))
		}
	}
	r.byPath = make(map[string][]dupes.Pair)
	for _, p := range idx.Pairs(r.threshold) {
		r.byPath[p.A.Path] = append(r.byPath[p.A.Path], p)
	}
}
