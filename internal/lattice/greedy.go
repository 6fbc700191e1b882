package lattice

import (
	"fmt"
	"maps"
	"math"
	"slices"
	"strings"

	"github.com/agentic-research/gloss/api"
)

// missingKey is the partition bucket for records lacking the split
// field.
const missingKey = "__GLOSS_MISSING__"

// minSplitRecords stops recursion on small partitions; a flat list is
// the right shape for a handful of notes.
const minSplitRecords = 10

// InferGreedy infers a topology by entropy-based partitioning: at each
// level it splits the records on the field (or derived value) whose
// partition best separates record structure, recursing into each
// bucket.
func InferGreedy(records []any, config ProjectConfig) *api.Topology {
	rootName := config.RootName
	if rootName == "" {
		rootName = "notes"
	}
	maxDepth := config.MaxDepth
	if maxDepth <= 0 {
		maxDepth = 5
	}

	root := buildTreeRecursive(records, rootName, 0, maxDepth, config.Hints)
	// The root passes the whole record list to its children's filters.
	root.Selector = "$"
	return &api.Topology{
		Version: "v1",
		Nodes:   []api.Node{root},
	}
}

func buildTreeRecursive(records []any, name string, depth, maxDepth int, hints map[string]string) api.Node {
	if depth >= maxDepth || len(records) < minSplitRecords {
		return makeLeafNode(name, hints)
	}

	stats := AnalyzeFields(records)

	var candidates []string
	for field, fs := range stats {
		hint := hints[field]
		switch {
		case hint == "id" || hint == "reference":
			continue
		case hint == "bucket":
			candidates = append(candidates, field+":bucket")
			continue
		case hint == "temporal" || (hint == "" && fs.IsDate && fs.Cardinality > 10):
			candidates = append(candidates, field+":year", field+":month", field+":day")
			// The raw value only works as a directory level when its
			// cardinality is directory-sized.
			if fs.Cardinality < 50 {
				candidates = append(candidates, field)
			}
			continue
		}
		// Constant fields split nothing.
		if fs.Cardinality < 2 && fs.Count == len(records) {
			continue
		}
		// Near-unique fields are identifiers, not groupings.
		if hint == "" && len(records) > 10 && float64(fs.Cardinality)/float64(len(records)) > 0.9 {
			continue
		}
		candidates = append(candidates, field)
	}
	slices.Sort(candidates)

	if len(candidates) == 0 {
		return makeLeafNode(name, hints)
	}

	bestAttr, bestScore := selectBestAttribute(records, candidates, stats, hints)
	if bestScore < 0.5 {
		return makeLeafNode(name, hints)
	}

	partitions := partitionByAttribute(records, bestAttr)
	field, modifier := parseAttribute(bestAttr)

	children := make([]api.Node, 0, len(partitions))
	for _, key := range slices.Sorted(maps.Keys(partitions)) {
		childName := sanitizeName(key)

		var childSelector string
		escKey := escapeSelectorValue(key)
		if key == missingKey {
			childName = "other"
			childSelector = fmt.Sprintf("$[?(!(@.%s))]", field)
		} else {
			switch modifier {
			case "year":
				childSelector = fmt.Sprintf("$[?(@.%s =~ '^%s')]", field, escKey)
			case "month":
				// Match the MM of YYYY-MM.
				childSelector = fmt.Sprintf("$[?(@.%s =~ '^.{5}%s')]", field, escKey)
			case "day":
				// Match the DD of YYYY-MM-DD.
				childSelector = fmt.Sprintf("$[?(@.%s =~ '^.{8}%s')]", field, escKey)
			case "bucket":
				childSelector = bucketSelector(field, key)
			default:
				childSelector = fmt.Sprintf("$[?(@.%s == '%s')]", field, escKey)
			}
		}

		child := buildTreeRecursive(partitions[key], childName, depth+1, maxDepth, hints)
		child.Selector = childSelector
		children = append(children, child)
	}

	return api.Node{
		Name:     name,
		Selector: "$[*]",
		Children: children,
	}
}

// makeLeafNode emits the per-record iterator: one directory per note
// named by the id-hinted field (slug unless the hints say otherwise),
// holding the standard leaf files.
func makeLeafNode(name string, hints map[string]string) api.Node {
	idField := "slug"
	var idFields []string
	for field, hint := range hints {
		if hint == "id" {
			idFields = append(idFields, field)
		}
	}
	if len(idFields) > 0 {
		slices.Sort(idFields)
		idField = idFields[0]
	}

	iterator := api.Node{
		Name:     fmt.Sprintf("{{.%s}}", idField),
		Selector: "$[*]",
		Files:    noteLeafFiles(),
	}
	return api.Node{
		Name:     name,
		Selector: "$", // overwritten by the caller below the root
		Children: []api.Node{iterator},
	}
}

// selectBestAttribute scores each candidate by how well its partition
// separates record structure. Score = structural gain, falling back to
// a fraction of the intrinsic partition entropy when structure is
// uniform, plus a boost for hinted temporal fields that actually
// split. Ties break on field support, then on fewer partitions.
func selectBestAttribute(records []any, candidates []string, stats map[string]*FieldStats, hints map[string]string) (string, float64) {
	baseEntropy := signatureEntropy(records)
	total := float64(len(records))

	bestAttr := ""
	bestScore := -1.0
	bestCard := math.MaxInt32
	bestCount := -1

	for _, attr := range candidates {
		partitions := partitionByAttribute(records, attr)

		within := 0.0
		intrinsic := 0.0
		for _, subset := range partitions {
			p := float64(len(subset)) / total
			within += p * signatureEntropy(subset)
			intrinsic -= p * math.Log2(p)
		}
		gain := baseEntropy - within

		score := gain
		// With uniform structure (every note has the same record
		// shape), fall back to distribution entropy, scaled down so a
		// real structural difference always wins.
		if gain < 0.001 {
			score += intrinsic * 0.1
		}

		field, mod := parseAttribute(attr)
		if hints[field] == "temporal" && intrinsic > 0.01 {
			score += 10.0
			switch mod {
			case "year":
				score += 3.0
			case "month":
				score += 2.0
			}
		}

		support := 0
		if fs, ok := stats[field]; ok {
			support = fs.Count
		}

		switch {
		case score > bestScore+1e-6,
			math.Abs(score-bestScore) < 1e-6 && support > bestCount,
			math.Abs(score-bestScore) < 1e-6 && support == bestCount && len(partitions) < bestCard:
			bestAttr, bestScore, bestCard, bestCount = attr, score, len(partitions), support
		}
	}

	return bestAttr, bestScore
}

// parseAttribute splits "field:modifier" candidates.
func parseAttribute(attr string) (string, string) {
	if field, mod, ok := strings.Cut(attr, ":"); ok {
		return field, mod
	}
	return attr, ""
}

func partitionByAttribute(records []any, attr string) map[string][]any {
	field, modifier := parseAttribute(attr)
	parts := make(map[string][]any)
	for _, rec := range records {
		key := missingKey
		if val, ok := getFieldValue(rec, field); ok {
			key = partitionKey(val, modifier)
		}
		parts[key] = append(parts[key], rec)
	}
	return parts
}

// partitionKey maps a field value to its bucket under the given
// candidate modifier.
func partitionKey(val any, modifier string) string {
	switch modifier {
	case "year":
		return dateComponent(val, 0, 4)
	case "month":
		return dateComponent(val, 5, 7)
	case "day":
		return dateComponent(val, 8, 10)
	case "bucket":
		if b := bucketWords(asInt(val)); b != "" {
			return b
		}
		return "unsized"
	default:
		return fmt.Sprintf("%v", val)
	}
}

func dateComponent(val any, from, to int) string {
	s := fmt.Sprintf("%v", val)
	if len(s) < to {
		return "invalid_date"
	}
	return s[from:to]
}

// bucketSelector produces the filter matching one word-count bucket.
func bucketSelector(field, bucket string) string {
	switch bucket {
	case "short":
		return fmt.Sprintf("$[?(@.%s < 200)]", field)
	case "medium":
		return fmt.Sprintf("$[?(@.%s >= 200 && @.%s <= 1000)]", field, field)
	case "long":
		return fmt.Sprintf("$[?(@.%s > 1000)]", field)
	default:
		return fmt.Sprintf("$[?(!(@.%s))]", field)
	}
}

// signatureEntropy returns the Shannon entropy of the records' field
// structures, fingerprinted by their flattened path sets.
func signatureEntropy(records []any) float64 {
	sigs := make([]string, len(records))
	for i, rec := range records {
		sigs[i] = strings.Join(WalkFieldPaths(rec), "|")
	}
	return entropyOf(sigs)
}

// entropyOf computes the Shannon entropy of a value histogram.
func entropyOf(values []string) float64 {
	if len(values) == 0 {
		return 0
	}
	counts := make(map[string]int, len(values))
	for _, v := range values {
		counts[v]++
	}

	total := float64(len(values))
	e := 0.0
	for _, c := range counts {
		p := float64(c) / total
		e -= p * math.Log2(p)
	}
	return e
}
