// Package mdlint audits a parsed notes corpus: encoding and fence
// balance, fence language tags, anchor and link resolution, heading
// collisions, embedded-code syntax, and near-verbatim duplication.
// Every check is a Rule; the Runner applies the enabled rules to each
// document and aggregates a Report.
package mdlint

import (
	"context"
	"fmt"
	"sort"

	"github.com/agentic-research/gloss/internal/corpus"
)

// Severity ranks a diagnostic. Errors fail the audit; warnings do not.
type Severity int

const (
	SeverityError Severity = iota
	SeverityWarning
)

func (s Severity) String() string {
	if s == SeverityError {
		return "error"
	}
	return "warning"
}

func (s Severity) MarshalJSON() ([]byte, error) {
	return []byte(`"` + s.String() + `"`), nil
}

// Diagnostic is one finding, addressed by corpus-relative path and
// 1-based line.
type Diagnostic struct {
	Path     string   `json:"path"`
	Line     int      `json:"line"`
	Rule     string   `json:"rule"`
	Severity Severity `json:"severity"`
	Message  string   `json:"message"`
}

func (d Diagnostic) String() string {
	return fmt.Sprintf("%s:%d: [%s] %s", d.Path, d.Line, d.Rule, d.Message)
}

// Rule checks one document against the corpus index.
type Rule interface {
	Name() string
	Check(doc *corpus.Document, c *Corpus) []Diagnostic
}

// Corpus indexes the documents under audit so rules can resolve
// cross-file links and anchors.
type Corpus struct {
	Root string // corpus root on disk; empty disables existence checks for non-note files
	Docs []*corpus.Document

	byRel   map[string]*corpus.Document
	anchors map[string]map[string]bool
}

func NewCorpus(root string, docs []*corpus.Document) *Corpus {
	c := &Corpus{
		Root:    root,
		Docs:    docs,
		byRel:   make(map[string]*corpus.Document, len(docs)),
		anchors: make(map[string]map[string]bool, len(docs)),
	}
	for _, d := range docs {
		c.byRel[d.RelPath] = d
	}
	return c
}

// Doc returns the document at a corpus-relative path, or nil.
func (c *Corpus) Doc(rel string) *corpus.Document {
	return c.byRel[rel]
}

// AnchorsOf returns the heading anchor set of the document at rel,
// or nil when the document is not part of the corpus.
func (c *Corpus) AnchorsOf(rel string) map[string]bool {
	if set, ok := c.anchors[rel]; ok {
		return set
	}
	d := c.byRel[rel]
	if d == nil {
		return nil
	}
	set := d.Anchors()
	c.anchors[rel] = set
	return set
}

// Options configures a Runner. Zero values select defaults.
type Options struct {
	Root            string   // corpus root for on-disk link targets
	Disable         []string // rule names to skip
	FenceLangs      []string // accepted fence language tags; empty means DefaultFenceLangs
	DupThreshold    float64  // similarity threshold for dup-content
	MinSectionWords int      // dup-content ignores sections below this
}

// Report aggregates one audit run.
type Report struct {
	Diagnostics []Diagnostic `json:"diagnostics"`
	Errors      int          `json:"errors"`
	Warnings    int          `json:"warnings"`
	Files       int          `json:"files"`
}

// Ok reports whether the audit passed (warnings allowed).
func (r Report) Ok() bool { return r.Errors == 0 }

// Runner applies the enabled rules to a corpus snapshot.
type Runner struct {
	opts Options
}

func NewRunner(opts Options) *Runner {
	return &Runner{opts: opts}
}

// Check audits docs and returns the report. Diagnostics are ordered by
// path, line, rule, message. Rules carrying cross-document state are
// rebuilt per call, so a Runner may be reused across rescans.
func (r *Runner) Check(ctx context.Context, docs []*corpus.Document) (Report, error) {
	c := NewCorpus(r.opts.Root, docs)
	rules := activeRules(r.opts)

	report := Report{Files: len(docs)}
	for _, d := range docs {
		if err := ctx.Err(); err != nil {
			return Report{}, err
		}
		for _, rule := range rules {
			report.Diagnostics = append(report.Diagnostics, rule.Check(d, c)...)
		}
	}

	sort.SliceStable(report.Diagnostics, func(i, j int) bool {
		a, b := report.Diagnostics[i], report.Diagnostics[j]
		if a.Path != b.Path {
			return a.Path < b.Path
		}
		if a.Line != b.Line {
			return a.Line < b.Line
		}
		if a.Rule != b.Rule {
			return a.Rule < b.Rule
		}
		return a.Message < b.Message
	})

	for _, d := range report.Diagnostics {
		if d.Severity == SeverityError {
			report.Errors++
		} else {
			report.Warnings++
		}
	}
	return report, nil
}

// activeRules builds the rule list in reporting order, dropping
// disabled names.
func activeRules(opts Options) []Rule {
	disabled := make(map[string]bool, len(opts.Disable))
	for _, n := range opts.Disable {
		disabled[n] = true
	}

	langs := opts.FenceLangs
	if len(langs) == 0 {
		langs = DefaultFenceLangs
	}
	allow := make(map[string]bool, len(langs))
	for _, l := range langs {
		allow[l] = true
	}

	all := []Rule{
		structureRule{},
		fenceLanguageRule{allow: allow},
		fenceSyntaxRule{},
		goFenceFormatRule{},
		anchorRule{},
		linkRule{},
		headingDupRule{},
		&dupRule{threshold: opts.DupThreshold, minWords: opts.MinSectionWords},
	}

	rules := make([]Rule, 0, len(all))
	for _, rule := range all {
		if !disabled[rule.Name()] {
			rules = append(rules, rule)
		}
	}
	return rules
}

// CheckBuffer audits a single note buffer with the context-free rules
// (structure, fence-syntax). The mounts run it on edited buffers
// before splicing them back to disk.
func CheckBuffer(path string, content []byte) []Diagnostic {
	d := corpus.ParseDocument(path, path, content)
	c := NewCorpus("", []*corpus.Document{d})
	var diags []Diagnostic
	for _, rule := range []Rule{structureRule{}, fenceSyntaxRule{}} {
		diags = append(diags, rule.Check(d, c)...)
	}
	return diags
}

// LintBuffer runs the advisory rules that work on a lone buffer:
// fence language tags, heading collisions, and same-document anchors.
// Cross-file resolution needs the full corpus and is not repeated here.
// The mounts run it after a validated write to report what the audit
// would flag, without blocking the splice.
func LintBuffer(path string, content []byte) []Diagnostic {
	d := corpus.ParseDocument(path, path, content)
	c := NewCorpus("", []*corpus.Document{d})

	allow := make(map[string]bool, len(DefaultFenceLangs))
	for _, l := range DefaultFenceLangs {
		allow[l] = true
	}

	var diags []Diagnostic
	for _, rule := range []Rule{fenceLanguageRule{allow: allow}, headingDupRule{}, anchorRule{}} {
		diags = append(diags, rule.Check(d, c)...)
	}
	return diags
}

// RuleNames lists every known rule in reporting order.
func RuleNames() []string {
	return []string{
		"structure",
		"fence-language",
		"fence-syntax",
		"go-fence-format",
		"anchor-resolve",
		"link-resolve",
		"heading-dup",
		"dup-content",
	}
}
