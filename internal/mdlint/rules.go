package mdlint

import (
	"fmt"
	"unicode/utf8"

	"github.com/agentic-research/gloss/internal/corpus"
)

// DefaultFenceLangs is the accepted fence tag set when the config
// names none.
var DefaultFenceLangs = []string{
	"bash", "c", "console", "diff", "go", "hcl", "html", "javascript",
	"json", "make", "perl", "python", "ruby", "rust", "sh", "shell",
	"sql", "text", "toml", "typescript", "xml", "yaml",
}

// structureRule checks the properties a Markdown parser cannot reject
// on its own: the file decodes as UTF-8, the front matter envelope
// decodes, and every fence opened is closed before EOF.
type structureRule struct{}

func (structureRule) Name() string { return "structure" }

func (structureRule) Check(d *corpus.Document, _ *Corpus) []Diagnostic {
	var diags []Diagnostic
	if !utf8.Valid(d.Source()) {
		diags = append(diags, Diagnostic{
			Path: d.RelPath, Line: 1, Rule: "structure", Severity: SeverityError,
			Message: "file is not valid UTF-8",
		})
	}
	if d.MetaErr != "" {
		diags = append(diags, Diagnostic{
			Path: d.RelPath, Line: 1, Rule: "structure", Severity: SeverityError,
			Message: "front matter does not decode: " + d.MetaErr,
		})
	}
	for _, f := range d.Fences {
		if !f.Closed {
			diags = append(diags, Diagnostic{
				Path: d.RelPath, Line: f.Line, Rule: "structure", Severity: SeverityError,
				Message: "code fence is never closed",
			})
		}
	}
	return diags
}

// fenceLanguageRule requires a language tag on every fence. Tags
// outside the configured set are flagged as warnings so typos
// ("pyhton") surface without failing the audit.
type fenceLanguageRule struct {
	allow map[string]bool
}

func (fenceLanguageRule) Name() string { return "fence-language" }

func (r fenceLanguageRule) Check(d *corpus.Document, _ *Corpus) []Diagnostic {
	var diags []Diagnostic
	for _, f := range d.Fences {
		if f.Lang == "" {
			diags = append(diags, Diagnostic{
				Path: d.RelPath, Line: f.Line, Rule: "fence-language", Severity: SeverityError,
				Message: "code fence has no language tag",
			})
			continue
		}
		if !r.allow[f.Lang] {
			diags = append(diags, Diagnostic{
				Path: d.RelPath, Line: f.Line, Rule: "fence-language", Severity: SeverityWarning,
				Message: fmt.Sprintf("fence language %q is not in the accepted set", f.Lang),
			})
		}
	}
	return diags
}

// headingDupRule flags repeated heading text within one file. The
// parser suffixes the colliding anchors (-1, -2, ...) so links keep
// working, but the suffixes are fragile under reordering and the
// author should disambiguate.
type headingDupRule struct{}

func (headingDupRule) Name() string { return "heading-dup" }

func (headingDupRule) Check(d *corpus.Document, _ *Corpus) []Diagnostic {
	var diags []Diagnostic
	seen := make(map[string]int, len(d.Headings))
	for _, h := range d.Headings {
		base := corpus.Slugify(h.Text)
		if base == "" {
			continue
		}
		seen[base]++
		if seen[base] > 1 {
			diags = append(diags, Diagnostic{
				Path: d.RelPath, Line: h.Line, Rule: "heading-dup", Severity: SeverityWarning,
				Message: fmt.Sprintf("duplicate heading %q (anchor suffixed to %s)", h.Text, h.Anchor),
			})
		}
	}
	return diags
}
