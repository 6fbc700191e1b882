// Package lattice infers browsing topologies from a notes corpus with
// Formal Concept Analysis: documents are objects, their vocabulary,
// tags, and fence languages are attributes, and the concept lattice's
// maximal rectangles become topic directories. A greedy
// entropy-splitting alternative partitions by one field at a time.
package lattice

import (
	"regexp"
	"sort"
	"strings"

	"github.com/RoaringBitmap/roaring"
)

// AttributeKind classifies how an attribute is derived from a record.
type AttributeKind int

const (
	// Presence means the record carries the token ("term:qr").
	Presence AttributeKind = iota
	// ScaledValue means the attribute encodes a bucketed value
	// ("words=short", "year=2024").
	ScaledValue
)

// Attribute is one binary property in the formal context.
type Attribute struct {
	Name  string // "term:qr", "tag:regex", "lang:perl", "words=short"
	Kind  AttributeKind
	Field string // record field the attribute derives from
}

// FieldStats holds per-field statistics across sampled records.
// The greedy method uses them to pick split candidates.
type FieldStats struct {
	Count       int            // records carrying the field
	Cardinality int            // distinct string values
	IsDate      bool           // values look like ISO dates
	Values      map[string]int // distinct string value → count
}

// FormalContext is a bitmap-backed incidence table. Column-major:
// columns[j] holds the objects possessing attribute j.
type FormalContext struct {
	ObjectCount int
	Attributes  []Attribute
	Objects     []string // display name per object (note slugs)
	Stats       map[string]*FieldStats

	columns   []*roaring.Bitmap
	rows      []*roaring.Bitmap // lazy
	attrIndex map[string]int
}

var dateRe = regexp.MustCompile(`^\d{4}-\d{2}`)

const (
	// minAttrSupport drops attributes too rare to group anything.
	minAttrSupport = 2
	// maxContextAttrs caps the context width; NextClosure is
	// output-polynomial but the constant matters.
	maxContextAttrs = 256
)

// CollectNoteAttrs derives the attribute set for a corpus of note
// records: one presence attribute per inline-code term, tag, and fence
// language, plus scaled attributes for word-count buckets and
// modification years. Attributes present in every record or in fewer
// than two carry no grouping information and are dropped. The result
// is sorted by name so concept enumeration is deterministic.
func CollectNoteAttrs(records []any) []Attribute {
	type counted struct {
		attr Attribute
		n    int
	}
	counts := make(map[string]*counted)
	add := func(a Attribute) {
		if c, ok := counts[a.Name]; ok {
			c.n++
			return
		}
		counts[a.Name] = &counted{attr: a, n: 1}
	}

	for _, rec := range records {
		m, ok := rec.(map[string]any)
		if !ok {
			continue
		}
		for _, t := range stringItems(m["terms"]) {
			add(Attribute{Name: "term:" + t, Kind: Presence, Field: "terms"})
		}
		for _, t := range stringItems(m["tags"]) {
			add(Attribute{Name: "tag:" + t, Kind: Presence, Field: "tags"})
		}
		for _, l := range fenceLangs(m["fences"]) {
			add(Attribute{Name: "lang:" + l, Kind: Presence, Field: "fences"})
		}
		if b := bucketWords(asInt(m["words"])); b != "" {
			add(Attribute{Name: "words=" + b, Kind: ScaledValue, Field: "words"})
		}
		if y := mtimeYear(m); y != "" {
			add(Attribute{Name: "year=" + y, Kind: ScaledValue, Field: "mtime"})
		}
	}

	kept := make([]*counted, 0, len(counts))
	for _, c := range counts {
		if c.n >= minAttrSupport && c.n < len(records) {
			kept = append(kept, c)
		}
	}
	if len(kept) > maxContextAttrs {
		sort.Slice(kept, func(i, j int) bool {
			if kept[i].n != kept[j].n {
				return kept[i].n > kept[j].n
			}
			return kept[i].attr.Name < kept[j].attr.Name
		})
		kept = kept[:maxContextAttrs]
	}

	attrs := make([]Attribute, 0, len(kept))
	for _, c := range kept {
		attrs = append(attrs, c.attr)
	}
	sort.Slice(attrs, func(i, j int) bool { return attrs[i].Name < attrs[j].Name })
	return attrs
}

// BuildContext constructs a FormalContext from records and attributes.
func BuildContext(records []any, attrs []Attribute) *FormalContext {
	ctx := &FormalContext{
		ObjectCount: len(records),
		Attributes:  attrs,
		columns:     make([]*roaring.Bitmap, len(attrs)),
		attrIndex:   make(map[string]int, len(attrs)),
	}
	for j := range attrs {
		ctx.columns[j] = roaring.New()
		ctx.attrIndex[attrs[j].Name] = j
	}
	for i, rec := range records {
		for j, attr := range attrs {
			if hasAttribute(rec, attr) {
				ctx.columns[j].Add(uint32(i))
			}
		}
	}
	return ctx
}

// BuildNoteContext derives attributes, builds the context, and labels
// objects with their note slugs.
func BuildNoteContext(records []any) *FormalContext {
	ctx := BuildContext(records, CollectNoteAttrs(records))
	ctx.Objects = make([]string, len(records))
	for i, rec := range records {
		if m, ok := rec.(map[string]any); ok {
			if slug, ok := m["slug"].(string); ok {
				ctx.Objects[i] = slug
			}
		}
	}
	return ctx
}

// NewFormalContext builds a context from an explicit cross-table.
// Used by tests with known incidence relations.
func NewFormalContext(objectCount int, attrNames []string, incidence [][]bool) *FormalContext {
	attrs := make([]Attribute, len(attrNames))
	for i, name := range attrNames {
		attrs[i] = Attribute{Name: name, Kind: Presence, Field: name}
	}
	ctx := &FormalContext{
		ObjectCount: objectCount,
		Attributes:  attrs,
		columns:     make([]*roaring.Bitmap, len(attrs)),
		attrIndex:   make(map[string]int, len(attrs)),
	}
	for j := range attrs {
		ctx.columns[j] = roaring.New()
		ctx.attrIndex[attrs[j].Name] = j
	}
	for i, row := range incidence {
		for j, has := range row {
			if has {
				ctx.columns[j].Add(uint32(i))
			}
		}
	}
	return ctx
}

// AttrDeriv computes B' — the objects possessing every attribute in B.
func (ctx *FormalContext) AttrDeriv(attrs *roaring.Bitmap) *roaring.Bitmap {
	if attrs.IsEmpty() {
		result := roaring.New()
		result.AddRange(0, uint64(ctx.ObjectCount))
		return result
	}
	var result *roaring.Bitmap
	iter := attrs.Iterator()
	for iter.HasNext() {
		j := iter.Next()
		if int(j) >= len(ctx.columns) {
			return roaring.New()
		}
		if result == nil {
			result = ctx.columns[j].Clone()
		} else {
			result.And(ctx.columns[j])
		}
	}
	if result == nil {
		return roaring.New()
	}
	return result
}

// ObjectDeriv computes A' — the attributes common to every object in A.
func (ctx *FormalContext) ObjectDeriv(objs *roaring.Bitmap) *roaring.Bitmap {
	if objs.IsEmpty() {
		result := roaring.New()
		for j := range ctx.Attributes {
			result.Add(uint32(j))
		}
		return result
	}
	ctx.ensureRows()
	var result *roaring.Bitmap
	iter := objs.Iterator()
	for iter.HasNext() {
		i := iter.Next()
		if int(i) >= len(ctx.rows) {
			return roaring.New()
		}
		if result == nil {
			result = ctx.rows[i].Clone()
		} else {
			result.And(ctx.rows[i])
		}
	}
	if result == nil {
		return roaring.New()
	}
	return result
}

// Closure computes B'' = (B')'.
func (ctx *FormalContext) Closure(attrs *roaring.Bitmap) *roaring.Bitmap {
	return ctx.ObjectDeriv(ctx.AttrDeriv(attrs))
}

// ensureRows lazily derives row bitmaps from the columns.
func (ctx *FormalContext) ensureRows() {
	if ctx.rows != nil {
		return
	}
	ctx.rows = make([]*roaring.Bitmap, ctx.ObjectCount)
	for i := range ctx.rows {
		ctx.rows[i] = roaring.New()
	}
	for j, col := range ctx.columns {
		iter := col.Iterator()
		for iter.HasNext() {
			i := iter.Next()
			ctx.rows[i].Add(uint32(j))
		}
	}
}

// hasAttribute reports whether a record possesses an attribute.
func hasAttribute(rec any, attr Attribute) bool {
	m, ok := rec.(map[string]any)
	if !ok {
		return false
	}
	switch attr.Kind {
	case Presence:
		switch {
		case strings.HasPrefix(attr.Name, "term:"):
			return containsString(m["terms"], attr.Name[len("term:"):])
		case strings.HasPrefix(attr.Name, "tag:"):
			return containsString(m["tags"], attr.Name[len("tag:"):])
		case strings.HasPrefix(attr.Name, "lang:"):
			want := attr.Name[len("lang:"):]
			for _, l := range fenceLangs(m["fences"]) {
				if l == want {
					return true
				}
			}
			return false
		default:
			_, ok := getFieldValue(rec, attr.Field)
			return ok
		}
	case ScaledValue:
		key, val, found := strings.Cut(attr.Name, "=")
		if !found {
			return false
		}
		switch key {
		case "words":
			return bucketWords(asInt(m["words"])) == val
		case "year":
			return mtimeYear(m) == val
		}
	}
	return false
}

// AnalyzeFields gathers per-field statistics used by the greedy
// method to rank split candidates.
func AnalyzeFields(records []any) map[string]*FieldStats {
	stats := make(map[string]*FieldStats)
	for _, rec := range records {
		for _, path := range WalkFieldPaths(rec) {
			fs, ok := stats[path]
			if !ok {
				fs = &FieldStats{Values: make(map[string]int)}
				stats[path] = fs
			}
			fs.Count++
			if val, ok := getFieldValue(rec, path); ok {
				if s, ok := val.(string); ok {
					fs.Values[s]++
					if dateRe.MatchString(s) {
						fs.IsDate = true
					}
				}
			}
		}
	}
	for _, fs := range stats {
		fs.Cardinality = len(fs.Values)
	}
	return stats
}

// WalkFieldPaths extracts the leaf field paths of a record in dot
// notation, sorted. Arrays count as leaves.
func WalkFieldPaths(v any) []string {
	var paths []string
	walkPaths(v, "", &paths)
	sort.Strings(paths)
	return paths
}

func walkPaths(v any, prefix string, paths *[]string) {
	switch val := v.(type) {
	case map[string]any:
		for k, child := range val {
			p := k
			if prefix != "" {
				p = prefix + "." + k
			}
			walkPaths(child, p, paths)
		}
	default:
		if prefix != "" {
			*paths = append(*paths, prefix)
		}
	}
}

// getFieldValue resolves a dot-separated path through nested maps.
func getFieldValue(v any, path string) (any, bool) {
	current := v
	for _, part := range strings.Split(path, ".") {
		m, ok := current.(map[string]any)
		if !ok {
			return nil, false
		}
		current, ok = m[part]
		if !ok {
			return nil, false
		}
	}
	return current, true
}

// bucketWords maps a word count to a coarse size bucket.
func bucketWords(n int) string {
	switch {
	case n <= 0:
		return ""
	case n < 200:
		return "short"
	case n <= 1000:
		return "medium"
	default:
		return "long"
	}
}

// mtimeYear extracts the four-digit year of a record's mtime.
func mtimeYear(m map[string]any) string {
	s, ok := m["mtime"].(string)
	if !ok || !dateRe.MatchString(s) {
		return ""
	}
	return s[:4]
}

// stringItems unpacks a record array of strings, deduplicated in order.
func stringItems(v any) []string {
	items, ok := v.([]any)
	if !ok {
		return nil
	}
	var out []string
	seen := make(map[string]bool, len(items))
	for _, item := range items {
		s, ok := item.(string)
		if !ok || s == "" || seen[s] {
			continue
		}
		seen[s] = true
		out = append(out, s)
	}
	return out
}

// fenceLangs collects the distinct language tags of a record's fences.
func fenceLangs(v any) []string {
	items, ok := v.([]any)
	if !ok {
		return nil
	}
	var out []string
	seen := make(map[string]bool)
	for _, item := range items {
		m, ok := item.(map[string]any)
		if !ok {
			continue
		}
		lang, ok := m["lang"].(string)
		if !ok || lang == "" || seen[lang] {
			continue
		}
		seen[lang] = true
		out = append(out, lang)
	}
	return out
}

func containsString(v any, want string) bool {
	items, ok := v.([]any)
	if !ok {
		return false
	}
	for _, item := range items {
		if s, ok := item.(string); ok && s == want {
			return true
		}
	}
	return false
}

func asInt(v any) int {
	switch n := v.(type) {
	case int:
		return n
	case int64:
		return int(n)
	case float64:
		return int(n)
	default:
		return 0
	}
}
