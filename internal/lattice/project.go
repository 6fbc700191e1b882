package lattice

import (
	"fmt"
	"sort"
	"strings"

	"github.com/RoaringBitmap/roaring"

	"github.com/agentic-research/gloss/api"
)

// DefaultMaxTopics bounds the number of topic directories Project
// emits; past a couple dozen a browsing overlay stops being one.
const DefaultMaxTopics = 24

// ProjectConfig controls how inference output becomes a topology.
type ProjectConfig struct {
	RootName  string            // root directory name ("topics" for FCA, "notes" for greedy)
	MaxDepth  int               // greedy recursion cap (default 5)
	MaxTopics int               // FCA topic cap (default DefaultMaxTopics)
	Hints     map[string]string // field → "id" | "temporal" | "reference" | "bucket"
}

// DefaultProjectConfig returns the note-record defaults.
func DefaultProjectConfig() ProjectConfig {
	return ProjectConfig{
		RootName:  "topics",
		MaxDepth:  5,
		MaxTopics: DefaultMaxTopics,
		Hints:     DefaultHints(),
	}
}

// DefaultHints classifies the standard note record fields. Fields
// hinted "reference" never become directory levels; "id" names the
// per-record directory; "temporal" and "bucket" split through derived
// values rather than raw ones.
func DefaultHints() map[string]string {
	return map[string]string{
		"slug":        "id",
		"mtime":       "temporal",
		"words":       "bucket",
		"body":        "reference",
		"checksum":    "reference",
		"link_list":   "reference",
		"origin_path": "reference",
		"outline":     "reference",
		"path":        "reference",
		"rel_path":    "reference",
		"term_list":   "reference",
		"title":       "reference",
	}
}

// Project turns the concept lattice into a topic topology: each
// selected concept becomes a directory whose filter selector matches
// the slugs in its extent, holding one subdirectory per note.
//
// Concept selection: the top and bottom of the lattice carry no
// grouping information and are skipped; remaining concepts are ranked
// by extent × intent size and capped at MaxTopics.
func Project(concepts []Concept, ctx *FormalContext, config ProjectConfig) *api.Topology {
	rootName := config.RootName
	if rootName == "" {
		rootName = "topics"
	}
	maxTopics := config.MaxTopics
	if maxTopics <= 0 {
		maxTopics = DefaultMaxTopics
	}

	type topic struct {
		name  string
		slugs []string
		score float64
	}
	var topics []topic
	for _, c := range concepts {
		extent := int(c.Extent.GetCardinality())
		if extent < 2 || extent >= ctx.ObjectCount {
			continue
		}
		intent := attrNames(ctx, c.Intent)
		if len(intent) == 0 {
			continue
		}
		slugs := extentSlugs(ctx, c.Extent)
		if len(slugs) < 2 {
			continue
		}
		topics = append(topics, topic{
			name:  topicName(intent),
			slugs: slugs,
			score: float64(extent) * float64(len(intent)),
		})
	}
	if len(topics) == 0 {
		return &api.Topology{Version: "v1", Nodes: []api.Node{{Name: rootName, Selector: "$"}}}
	}

	sort.Slice(topics, func(i, j int) bool {
		if topics[i].score != topics[j].score {
			return topics[i].score > topics[j].score
		}
		return topics[i].name < topics[j].name
	})
	if len(topics) > maxTopics {
		topics = topics[:maxTopics]
	}

	seen := make(map[string]int, len(topics))
	children := make([]api.Node, 0, len(topics))
	for _, t := range topics {
		name := t.name
		seen[name]++
		if n := seen[name]; n > 1 {
			name = fmt.Sprintf("%s-%d", name, n)
		}
		children = append(children, api.Node{
			Name:     name,
			Selector: slugFilter(t.slugs),
			Children: []api.Node{{
				Name:     "{{.slug}}",
				Selector: "$[*]",
				Files:    noteLeafFiles(),
			}},
		})
	}

	return &api.Topology{
		Version: "v1",
		Nodes: []api.Node{{
			Name:     rootName,
			Selector: "$",
			Children: children,
		}},
	}
}

// attrNames resolves an intent bitmap to attribute display names.
func attrNames(ctx *FormalContext, intent *roaring.Bitmap) []string {
	var names []string
	iter := intent.Iterator()
	for iter.HasNext() {
		j := iter.Next()
		if int(j) < len(ctx.Attributes) {
			names = append(names, ctx.Attributes[j].Name)
		}
	}
	return names
}

// extentSlugs resolves an extent bitmap to note slugs, sorted.
func extentSlugs(ctx *FormalContext, extent *roaring.Bitmap) []string {
	var slugs []string
	iter := extent.Iterator()
	for iter.HasNext() {
		i := iter.Next()
		if int(i) < len(ctx.Objects) && ctx.Objects[i] != "" {
			slugs = append(slugs, ctx.Objects[i])
		}
	}
	sort.Strings(slugs)
	return slugs
}

// topicName builds a directory name from the first few intent tokens:
// "term:qr" → "qr", "words=short" → "short".
func topicName(intent []string) string {
	const maxTokens = 3
	tokens := make([]string, 0, maxTokens)
	for _, attr := range intent {
		if len(tokens) == maxTokens {
			break
		}
		tokens = append(tokens, displayToken(attr))
	}
	return sanitizeName(strings.Join(tokens, "-"))
}

func displayToken(attr string) string {
	if _, after, ok := strings.Cut(attr, ":"); ok {
		return after
	}
	if _, after, ok := strings.Cut(attr, "="); ok {
		return after
	}
	return attr
}

// slugFilter builds the selector matching exactly the given slugs.
func slugFilter(slugs []string) string {
	clauses := make([]string, len(slugs))
	for i, s := range slugs {
		clauses[i] = fmt.Sprintf("@.slug == '%s'", escapeSelectorValue(s))
	}
	return "$[?(" + strings.Join(clauses, " || ") + ")]"
}

// noteLeafFiles is the standard per-note leaf set for generated
// topologies.
func noteLeafFiles() []api.Leaf {
	return []api.Leaf{
		{Name: "body.md", ContentTemplate: "{{.body}}"},
		{Name: "outline", ContentTemplate: "{{.outline}}"},
		{Name: "terms", ContentTemplate: "{{.term_list}}"},
		{Name: "raw.json", ContentTemplate: "{{. | json}}"},
	}
}

// sanitizeName strips characters that cannot appear in a directory
// name on the usual filesystems.
func sanitizeName(s string) string {
	for _, bad := range []string{"/", "\\", ":", "*", "?", "\"", "<", ">", "|"} {
		s = strings.ReplaceAll(s, bad, "-")
	}
	return s
}

func escapeSelectorValue(s string) string {
	return strings.ReplaceAll(s, "'", "\\'")
}
