package dupes

import (
	"fmt"
	"strings"
	"testing"

	"github.com/agentic-research/gloss/internal/corpus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// wordBlock returns n distinct space-separated words.
func wordBlock(n int) string {
	var sb strings.Builder
	for i := 1; i <= n; i++ {
		if i > 1 {
			sb.WriteByte(' ')
		}
		fmt.Fprintf(&sb, "w%d", i)
	}
	return sb.String()
}

func addDoc(x *Index, rel, body string) {
	d := corpus.ParseDocument(rel, rel, []byte(body))
	for _, h := range d.Headings {
		x.AddSection(d, h, d.Section(h))
	}
}

func TestPairs_IdenticalBodies(t *testing.T) {
	// Same 49-word body under different headings. The heading word is
	// part of the section text, so exactly one 8-gram per side differs:
	// 42 shared shingles out of 44 distinct.
	x := NewIndex()
	addDoc(x, "a.md", "# First\n\n"+wordBlock(49)+"\n")
	addDoc(x, "b.md", "# Second\n\n"+wordBlock(49)+"\n")

	pairs := x.Pairs(0)
	require.Len(t, pairs, 1)

	p := pairs[0]
	assert.Equal(t, "a.md", p.A.Path)
	assert.Equal(t, "first", p.A.Anchor)
	assert.Equal(t, "First", p.A.Title)
	assert.Equal(t, 1, p.A.Line)
	assert.Equal(t, "b.md", p.B.Path)
	assert.Equal(t, "second", p.B.Anchor)
	assert.InDelta(t, 42.0/44.0, p.Similarity, 1e-9)
}

func TestPairs_Threshold(t *testing.T) {
	x := NewIndex()
	addDoc(x, "a.md", "# First\n\n"+wordBlock(49)+"\n")
	addDoc(x, "b.md", "# Second\n\n"+wordBlock(49)+"\n")

	assert.Len(t, x.Pairs(0.9), 1)
	assert.Empty(t, x.Pairs(0.96))
}

func TestPairs_MinWords(t *testing.T) {
	// 20-word sections sit under the default floor.
	body := "## Shared\n\n" + wordBlock(20) + "\n"

	x := NewIndex()
	addDoc(x, "a.md", body)
	addDoc(x, "b.md", body)
	assert.Empty(t, x.Pairs(0))

	x = NewIndex()
	x.MinWords = 10
	addDoc(x, "a.md", body)
	addDoc(x, "b.md", body)

	pairs := x.Pairs(0)
	require.Len(t, pairs, 1)
	assert.InDelta(t, 1.0, pairs[0].Similarity, 1e-9)
}

func TestPairs_ShingleFloor(t *testing.T) {
	// Below one full shingle there is nothing to compare, whatever
	// MinWords says.
	x := NewIndex()
	x.MinWords = 1
	addDoc(x, "a.md", "# A\n\nfew words only\n")
	addDoc(x, "b.md", "# B\n\nfew words only\n")
	assert.Empty(t, x.Pairs(0))
}

func TestPairs_NestedSpansExcluded(t *testing.T) {
	// The parent section's text is mostly its own subsection, which
	// scores far above threshold but is containment, not duplication.
	// The same subsection pasted into another file still pairs with
	// both.
	x := NewIndex()
	addDoc(x, "a.md", "# Parent\n\n## Child\n\n"+wordBlock(49)+"\n")
	addDoc(x, "c.md", "## Child\n\n"+wordBlock(49)+"\n")

	pairs := x.Pairs(0)
	require.Len(t, pairs, 2)
	for _, p := range pairs {
		assert.NotEqual(t, p.A.Path, p.B.Path)
	}

	assert.Equal(t, 1, pairs[0].A.Line)
	assert.Equal(t, "parent", pairs[0].A.Anchor)
	assert.Equal(t, 3, pairs[1].A.Line)
	assert.Equal(t, "child", pairs[1].A.Anchor)
	assert.InDelta(t, 1.0, pairs[1].Similarity, 1e-9)
}

func TestPairs_BoilerplatePrefilter(t *testing.T) {
	// A shingle shared by more sections than the cap stops being a
	// candidate signal. A disclaimer repeated across the whole corpus
	// should not trigger a quadratic comparison sweep.
	body := "# Sec\n\n" + wordBlock(49) + "\n"

	x := NewIndex()
	for i := 0; i < 3; i++ {
		addDoc(x, fmt.Sprintf("d%02d.md", i), body)
	}
	assert.Len(t, x.Pairs(0), 3)

	x = NewIndex()
	for i := 0; i < 66; i++ {
		addDoc(x, fmt.Sprintf("d%02d.md", i), body)
	}
	assert.Empty(t, x.Pairs(0))
}

func TestPairs_Ordering(t *testing.T) {
	// A holds the earlier-indexed section of each pair; the slice
	// sorts on A then B.
	block := wordBlock(49)
	x := NewIndex()
	addDoc(x, "b.md", "# One\n\n"+block+"\n\n# Two\n\n"+block+"\n")
	addDoc(x, "a.md", "# Three\n\n"+block+"\n")

	pairs := x.Pairs(0)
	require.Len(t, pairs, 3)

	assert.Equal(t, "one", pairs[0].A.Anchor)
	assert.Equal(t, "three", pairs[0].B.Anchor)
	assert.Equal(t, "one", pairs[1].A.Anchor)
	assert.Equal(t, "two", pairs[1].B.Anchor)
	assert.Equal(t, "two", pairs[2].A.Anchor)
	assert.Equal(t, "three", pairs[2].B.Anchor)
	assert.Equal(t, 5, pairs[2].A.Line)
}

func TestTokenize(t *testing.T) {
	got := tokenize([]byte("**Bold** and `$x` plus_under 42 Mixed"))
	assert.Equal(t, []string{"bold", "and", "x", "plus", "under", "42", "mixed"}, got)

	assert.Empty(t, tokenize([]byte("--- *** ```")))
}

func BenchmarkPairs(b *testing.B) {
	x := NewIndex()
	for i := 0; i < 300; i++ {
		var sb strings.Builder
		fmt.Fprintf(&sb, "# Section %d\n\n", i)
		for j := 0; j < 60; j++ {
			fmt.Fprintf(&sb, "w%d ", (i*7+j)%120)
		}
		sb.WriteByte('\n')
		addDoc(x, fmt.Sprintf("n%03d.md", i), sb.String())
	}
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		x.Pairs(0)
	}
}
