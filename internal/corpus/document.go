package corpus

import (
	"fmt"
	"sort"
	"strings"
	"time"
)

// LinkKind classifies a link destination.
type LinkKind int

const (
	// LinkAnchor is a same-document fragment link ("#anchor").
	LinkAnchor LinkKind = iota
	// LinkRelative is a path into the corpus, optionally with a fragment
	// ("io.md", "../regex.md#character-classes").
	LinkRelative
	// LinkExternal carries a scheme ("https:", "mailto:") and is never
	// resolved against the corpus.
	LinkExternal
)

func (k LinkKind) String() string {
	switch k {
	case LinkAnchor:
		return "anchor"
	case LinkRelative:
		return "relative"
	case LinkExternal:
		return "external"
	default:
		return "unknown"
	}
}

// Heading is one heading in a note, with the byte span of its section.
// The span starts at the heading line and runs to the next heading of
// the same or higher level (or EOF), so it can be spliced as a unit.
type Heading struct {
	Level     int
	Text      string
	Anchor    string
	Line      int // 1-based
	StartByte uint32
	EndByte   uint32
}

// Link is one outbound link (inline link, autolink, or image).
type Link struct {
	Text string
	Dest string
	Kind LinkKind
	Line int
}

// Fence is one fenced code block.
type Fence struct {
	Lang      string // first word of the info string ("" when untagged)
	Info      string // full info string
	Code      string
	Line      int // 1-based line of the opening fence
	StartByte uint32
	EndByte   uint32
	Closed    bool // false when the fence runs to EOF without a closing marker
}

// FrontMatter is the typed YAML/TOML envelope at the top of a note.
// Unknown keys land in Raw.
type FrontMatter struct {
	Title string         `yaml:"title"`
	Slug  string         `yaml:"slug"`
	Tags  []string       `yaml:"tags"`
	Draft bool           `yaml:"draft"`
	Raw   map[string]any `yaml:",inline"`
}

// Document is one parsed note. All byte offsets index the original file
// bytes (front matter included), so they are valid splice targets.
type Document struct {
	Path     string // absolute or corpus-root-relative OS path
	RelPath  string // slash-separated path relative to the corpus root
	Title    string
	Slug     string
	Meta     FrontMatter
	MetaErr  string // non-empty when the front matter envelope failed to decode
	Headings []Heading
	Links    []Link
	Fences   []Fence
	Tables   int
	Terms    []string // sorted, deduplicated inline-code vocabulary
	Words    int
	Size     int64
	ModTime  time.Time
	Checksum string

	// BodyStart is the byte offset in Source where the Markdown body
	// begins: after the BOM and front matter envelope, if any.
	BodyStart int

	source []byte
}

// Source returns the original file bytes.
func (d *Document) Source() []byte { return d.source }

// Section returns the bytes of a heading's section span.
func (d *Document) Section(h Heading) []byte {
	if int(h.StartByte) >= len(d.source) || h.EndByte < h.StartByte {
		return nil
	}
	end := h.EndByte
	if int(end) > len(d.source) {
		end = uint32(len(d.source))
	}
	return d.source[h.StartByte:end]
}

// Anchors returns the set of heading anchors defined in this note.
func (d *Document) Anchors() map[string]bool {
	set := make(map[string]bool, len(d.Headings))
	for _, h := range d.Headings {
		set[h.Anchor] = true
	}
	return set
}

// Outline renders the heading tree as a Markdown list with anchor links.
func (d *Document) Outline() string {
	var sb strings.Builder
	for _, h := range d.Headings {
		depth := h.Level - 1
		if depth < 0 {
			depth = 0
		}
		sb.WriteString(strings.Repeat("  ", depth))
		fmt.Fprintf(&sb, "- [%s](#%s)\n", h.Text, h.Anchor)
	}
	return sb.String()
}

// LinkList renders outbound links, one per line.
func (d *Document) LinkList() string {
	var sb strings.Builder
	for _, l := range d.Links {
		fmt.Fprintf(&sb, "%s\t%s\tline %d\n", l.Kind, l.Dest, l.Line)
	}
	return sb.String()
}

// TermList renders the code-span vocabulary, one term per line.
func (d *Document) TermList() string {
	if len(d.Terms) == 0 {
		return ""
	}
	return strings.Join(d.Terms, "\n") + "\n"
}

// Record projects the document into the generic map consumed by
// topology templates, JSONPath selectors, FCA, and the SQLite index.
// Section entries carry origin_* fields so the ingest engine can wire
// write-back spans for mounted section files.
func (d *Document) Record() map[string]any {
	headings := make([]any, 0, len(d.Headings))
	sections := make([]any, 0, len(d.Headings))
	for _, h := range d.Headings {
		headings = append(headings, map[string]any{
			"level":  h.Level,
			"text":   h.Text,
			"anchor": h.Anchor,
			"line":   h.Line,
		})
		sections = append(sections, map[string]any{
			"anchor":       h.Anchor,
			"title":        h.Text,
			"level":        h.Level,
			"line":         h.Line,
			"body":         string(d.Section(h)),
			"origin_path":  d.Path,
			"origin_start": int64(h.StartByte),
			"origin_end":   int64(h.EndByte),
		})
	}

	links := make([]any, 0, len(d.Links))
	for _, l := range d.Links {
		links = append(links, map[string]any{
			"text": l.Text,
			"dest": l.Dest,
			"kind": l.Kind.String(),
			"line": l.Line,
		})
	}

	fences := make([]any, 0, len(d.Fences))
	for _, f := range d.Fences {
		fences = append(fences, map[string]any{
			"lang":   f.Lang,
			"line":   f.Line,
			"closed": f.Closed,
		})
	}

	terms := make([]any, 0, len(d.Terms))
	for _, t := range d.Terms {
		terms = append(terms, t)
	}

	tags := make([]any, 0, len(d.Meta.Tags))
	for _, t := range d.Meta.Tags {
		tags = append(tags, t)
	}

	return map[string]any{
		"slug":         d.Slug,
		"title":        d.Title,
		"rel_path":     d.RelPath,
		"path":         d.Path,
		"tags":         tags,
		"draft":        d.Meta.Draft,
		"words":        d.Words,
		"tables":       d.Tables,
		"size":         d.Size,
		"mtime":        d.ModTime.UTC().Format(time.RFC3339),
		"checksum":     d.Checksum,
		"body":         string(d.source),
		"outline":      d.Outline(),
		"link_list":    d.LinkList(),
		"term_list":    d.TermList(),
		"headings":     headings,
		"sections":     sections,
		"links":        links,
		"fences":       fences,
		"terms":        terms,
		"origin_path":  d.Path,
		"origin_start": int64(0),
		"origin_end":   int64(len(d.source)),
	}
}

// sortTerms normalizes the term set into the sorted Terms slice.
func sortTerms(set map[string]struct{}) []string {
	if len(set) == 0 {
		return nil
	}
	terms := make([]string, 0, len(set))
	for t := range set {
		terms = append(terms, t)
	}
	sort.Strings(terms)
	return terms
}
