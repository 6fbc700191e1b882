package tests

import (
	"context"
	"testing"

	"github.com/agentic-research/gloss/internal/corpus"
	"github.com/agentic-research/gloss/internal/mdlint"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// auditDir scans a checked-in fixture corpus and runs the full audit
// over it, the way gloss check does.
func auditDir(t *testing.T, dir string) mdlint.Report {
	t.Helper()
	docs, err := corpus.NewScanner(dir).Scan(context.Background())
	require.NoError(t, err)
	require.NotEmpty(t, docs)

	report, err := mdlint.NewRunner(mdlint.Options{Root: dir}).Check(context.Background(), docs)
	require.NoError(t, err)
	return report
}

// The corpus fixture is audit-clean except for one seeded near-duplicate
// section pair shared between io.md and command-line.md.
func TestAudit_CorpusFixture(t *testing.T) {
	report := auditDir(t, "../testdata/corpus")

	assert.True(t, report.Ok(), "corpus fixture should carry no errors: %v", report.Diagnostics)
	assert.Equal(t, 5, report.Files)
	require.Len(t, report.Diagnostics, 1, "only the seeded near-duplicate should be flagged: %v", report.Diagnostics)

	d := report.Diagnostics[0]
	assert.Equal(t, "dup-content", d.Rule)
	assert.Equal(t, mdlint.SeverityWarning, d.Severity)
	assert.Equal(t, "command-line.md", d.Path, "the pair is reported at the earlier section")
	assert.Contains(t, d.Message, "io.md#reading-line-by-line")
}

// Every file in the broken fixture trips the rule it is named for, and
// nothing else.
func TestAudit_BrokenFixtures(t *testing.T) {
	report := auditDir(t, "../testdata/broken")

	assert.False(t, report.Ok())
	assert.Equal(t, 10, report.Files)
	assert.Equal(t, 4, report.Errors)

	var got []string
	seen := make(map[string]bool)
	for _, d := range report.Diagnostics {
		key := d.Path + " " + d.Rule
		if !seen[key] {
			seen[key] = true
			got = append(got, key)
		}
	}
	assert.ElementsMatch(t, []string{
		"broken-python.md fence-syntax",
		"copied-a.md dup-content",
		"dead-link.md link-resolve",
		"duplicate-heading.md heading-dup",
		"missing-anchor.md anchor-resolve",
		"typo-language.md fence-language",
		"unclosed-fence.md structure",
		"unformatted-go.md go-fence-format",
		"untagged-fence.md fence-language",
	}, got)

	for _, d := range report.Diagnostics {
		switch d.Path {
		case "copied-a.md":
			assert.Contains(t, d.Message, "copied-b.md#boilerplate")
			assert.Contains(t, d.Message, "100% similar")
		case "dead-link.md":
			assert.Contains(t, d.Message, "gone.md does not exist")
		}
	}
}
