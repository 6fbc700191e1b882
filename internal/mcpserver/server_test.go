package mcpserver

import (
	"context"
	"strings"
	"testing"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agentic-research/gloss/internal/corpus"
	"github.com/agentic-research/gloss/internal/mdlint"
)

func parseNote(rel, src string) *corpus.Document {
	return corpus.ParseDocument(rel, rel, []byte(src))
}

func testServer() *Server {
	regex := parseNote("regex.md",
		"---\ntitle: Regex\ntags: [language]\n---\n\n# Regex\n\nPerl compiles patterns once with `qr//`.\n\n## Captures\n\nGroups land in `$1` after a successful match.\n")
	fileio := parseNote("io.md",
		"# File IO\n\nRead lines with `<FH>` into `$_`.\n\nSee [regex notes](regex.md#captures).\n")
	return New("0.0.0-test", "", []*corpus.Document{regex, fileio}, mdlint.Options{})
}

func callReq(args map[string]any) mcp.CallToolRequest {
	req := mcp.CallToolRequest{}
	req.Params.Arguments = args
	return req
}

func textOf(t *testing.T, res *mcp.CallToolResult) string {
	t.Helper()
	require.NotEmpty(t, res.Content)
	tc, ok := res.Content[0].(mcp.TextContent)
	require.True(t, ok, "expected text content, got %T", res.Content[0])
	return tc.Text
}

func TestLookupTerm(t *testing.T) {
	s := testServer()

	res, err := s.handleLookupTerm(context.Background(), callReq(map[string]any{"term": "$1"}))
	require.NoError(t, err)
	assert.False(t, res.IsError)
	assert.Contains(t, textOf(t, res), "regex.md\tRegex")

	res, err = s.handleLookupTerm(context.Background(), callReq(map[string]any{"term": "wantarray"}))
	require.NoError(t, err)
	assert.Contains(t, textOf(t, res), "no notes mention")
}

func TestLookupTermMissingArg(t *testing.T) {
	s := testServer()

	res, err := s.handleLookupTerm(context.Background(), callReq(map[string]any{}))
	require.NoError(t, err)
	assert.True(t, res.IsError)
}

func TestSearchNotes(t *testing.T) {
	s := testServer()

	res, err := s.handleSearchNotes(context.Background(), callReq(map[string]any{"query": "patterns"}))
	require.NoError(t, err)
	text := textOf(t, res)
	assert.Contains(t, text, "regex.md")
	assert.NotContains(t, text, "io.md")
}

func TestSearchNotesRanksTitleFirst(t *testing.T) {
	s := testServer()

	res, err := s.handleSearchNotes(context.Background(), callReq(map[string]any{"query": "file io"}))
	require.NoError(t, err)
	lines := strings.Split(strings.TrimSpace(textOf(t, res)), "\n")
	require.NotEmpty(t, lines)
	assert.True(t, strings.HasPrefix(lines[0], "io.md\t"), "first hit should be io.md, got %q", lines[0])
}

func TestSearchNotesLimit(t *testing.T) {
	s := testServer()

	res, err := s.handleSearchNotes(context.Background(), callReq(map[string]any{"query": "e", "limit": 1}))
	require.NoError(t, err)
	lines := strings.Split(strings.TrimSpace(textOf(t, res)), "\n")
	assert.Len(t, lines, 1)
}

func TestSearchNotesNoMatch(t *testing.T) {
	s := testServer()

	res, err := s.handleSearchNotes(context.Background(), callReq(map[string]any{"query": "xyzzy"}))
	require.NoError(t, err)
	assert.Contains(t, textOf(t, res), "no notes match")
}

func TestReadNote(t *testing.T) {
	s := testServer()

	res, err := s.handleReadNote(context.Background(), callReq(map[string]any{"path": "regex.md"}))
	require.NoError(t, err)
	assert.Contains(t, textOf(t, res), "# Regex")

	// Slug resolution falls back when the path does not match.
	res, err = s.handleReadNote(context.Background(), callReq(map[string]any{"path": "io"}))
	require.NoError(t, err)
	assert.Contains(t, textOf(t, res), "# File IO")

	res, err = s.handleReadNote(context.Background(), callReq(map[string]any{"path": "nope.md"}))
	require.NoError(t, err)
	assert.True(t, res.IsError)
}

func TestOutlineNote(t *testing.T) {
	s := testServer()

	res, err := s.handleOutlineNote(context.Background(), callReq(map[string]any{"path": "regex.md"}))
	require.NoError(t, err)
	text := textOf(t, res)
	assert.Contains(t, text, "Regex (regex.md)")
	assert.Contains(t, text, "- [Captures](#captures)")
	assert.Contains(t, text, "Terms:")
	assert.Contains(t, text, "$1")
}

func TestCheckCorpusClean(t *testing.T) {
	s := testServer()

	res, err := s.handleCheckCorpus(context.Background(), callReq(nil))
	require.NoError(t, err)
	assert.Contains(t, textOf(t, res), "2 files, 0 errors, 0 warnings")
}

func TestCheckCorpusReportsBrokenLink(t *testing.T) {
	broken := parseNote("broken.md", "# Broken\n\nSee [missing](missing.md).\n")
	s := New("0.0.0-test", "", []*corpus.Document{broken}, mdlint.Options{})

	res, err := s.handleCheckCorpus(context.Background(), callReq(nil))
	require.NoError(t, err)
	text := textOf(t, res)
	assert.Contains(t, text, "1 errors")
	assert.Contains(t, text, "link-resolve")
}
