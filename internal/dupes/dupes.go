// Package dupes detects near-verbatim section duplication across notes.
//
// Each heading section is reduced to a set of word 8-gram shingle hashes
// held in a roaring bitmap; pairs are scored by Jaccard similarity over
// the bitmaps. A shared-shingle prefilter keeps the pairwise pass close
// to linear on real corpora: only sections that share at least one
// uncommon shingle are compared exactly.
package dupes

import (
	"hash/fnv"
	"sort"
	"strings"
	"unicode"

	"github.com/RoaringBitmap/roaring"

	"github.com/agentic-research/gloss/internal/corpus"
)

const (
	shingleSize = 8

	// Shingles shared by more than this many sections are boilerplate
	// (license blocks, repeated disclaimers) and are ignored as candidate
	// signals. They still participate in the exact similarity score.
	commonShingleCap = 64
)

// Defaults used by callers that pass zero values.
const (
	DefaultThreshold = 0.85
	DefaultMinWords  = 30
)

// SectionRef identifies one heading section inside a note.
type SectionRef struct {
	Path   string `json:"path"`
	Anchor string `json:"anchor"`
	Title  string `json:"title"`
	Line   int    `json:"line"`
}

// Pair is a near-duplicate section pair with its similarity score.
// A always sorts before B in corpus insertion order.
type Pair struct {
	A          SectionRef `json:"a"`
	B          SectionRef `json:"b"`
	Similarity float64    `json:"similarity"`
}

type span struct {
	path  string
	start uint32
	end   uint32
}

// Index accumulates section shingle sets for pairwise comparison.
type Index struct {
	// MinWords skips sections shorter than this many words. Zero means
	// DefaultMinWords.
	MinWords int

	refs     []SectionRef
	spans    []span
	shingles []*roaring.Bitmap
	postings map[uint32][]int
}

func NewIndex() *Index {
	return &Index{postings: make(map[uint32][]int)}
}

// AddSection registers one heading section. Sections below the word
// minimum are ignored. text is the section's source bytes, heading line
// included.
func (x *Index) AddSection(doc *corpus.Document, h corpus.Heading, text []byte) {
	minWords := x.MinWords
	if minWords <= 0 {
		minWords = DefaultMinWords
	}
	words := tokenize(text)
	if len(words) < minWords || len(words) < shingleSize {
		return
	}

	bm := roaring.New()
	var sb strings.Builder
	for i := 0; i+shingleSize <= len(words); i++ {
		sb.Reset()
		for j, w := range words[i : i+shingleSize] {
			if j > 0 {
				sb.WriteByte(' ')
			}
			sb.WriteString(w)
		}
		bm.Add(hash32(sb.String()))
	}

	id := len(x.refs)
	x.refs = append(x.refs, SectionRef{
		Path:   doc.RelPath,
		Anchor: h.Anchor,
		Title:  h.Text,
		Line:   h.Line,
	})
	x.spans = append(x.spans, span{path: doc.RelPath, start: h.StartByte, end: h.EndByte})
	x.shingles = append(x.shingles, bm)

	it := bm.Iterator()
	for it.HasNext() {
		s := it.Next()
		x.postings[s] = append(x.postings[s], id)
	}
}

// Pairs returns all section pairs with similarity at or above threshold,
// ordered by (A.Path, A.Line, B.Path, B.Line). Zero threshold means
// DefaultThreshold. Pairs where one section's span contains the other
// (a heading and its own subsection) are not duplication and are
// excluded.
func (x *Index) Pairs(threshold float64) []Pair {
	if threshold <= 0 {
		threshold = DefaultThreshold
	}

	candidates := make(map[uint64]struct{})
	for _, ids := range x.postings {
		if len(ids) < 2 || len(ids) > commonShingleCap {
			continue
		}
		for i := 0; i < len(ids); i++ {
			for j := i + 1; j < len(ids); j++ {
				candidates[pairKey(ids[i], ids[j])] = struct{}{}
			}
		}
	}

	var pairs []Pair
	for key := range candidates {
		a, b := int(key>>32), int(uint32(key))
		if x.nested(a, b) {
			continue
		}
		inter := x.shingles[a].AndCardinality(x.shingles[b])
		union := x.shingles[a].OrCardinality(x.shingles[b])
		if union == 0 {
			continue
		}
		sim := float64(inter) / float64(union)
		if sim < threshold {
			continue
		}
		pairs = append(pairs, Pair{A: x.refs[a], B: x.refs[b], Similarity: sim})
	}

	sort.Slice(pairs, func(i, j int) bool {
		if pairs[i].A.Path != pairs[j].A.Path {
			return pairs[i].A.Path < pairs[j].A.Path
		}
		if pairs[i].A.Line != pairs[j].A.Line {
			return pairs[i].A.Line < pairs[j].A.Line
		}
		if pairs[i].B.Path != pairs[j].B.Path {
			return pairs[i].B.Path < pairs[j].B.Path
		}
		return pairs[i].B.Line < pairs[j].B.Line
	})
	return pairs
}

// nested reports whether one section's span contains the other's within
// the same file.
func (x *Index) nested(a, b int) bool {
	sa, sb := x.spans[a], x.spans[b]
	if sa.path != sb.path {
		return false
	}
	if sa.start <= sb.start && sb.end <= sa.end {
		return true
	}
	return sb.start <= sa.start && sa.end <= sb.end
}

func pairKey(a, b int) uint64 {
	if a > b {
		a, b = b, a
	}
	return uint64(a)<<32 | uint64(uint32(b))
}

func hash32(s string) uint32 {
	h := fnv.New32a()
	h.Write([]byte(s))
	return h.Sum32()
}

// tokenize lowercases text and splits it into words, treating every
// non-alphanumeric rune as a separator. Markdown punctuation and fence
// markers vanish, so cosmetic edits do not defeat the comparison.
func tokenize(text []byte) []string {
	return strings.FieldsFunc(strings.ToLower(string(text)), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	})
}
