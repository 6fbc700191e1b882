package graph

import (
	"bytes"
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"testing"
	"text/template"

	"github.com/agentic-research/gloss/api"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	_ "modernc.org/sqlite"
)

// testRender is a cut-down stand-in for corpus.RenderTemplate: the json
// func the default layout needs, plus slice for the sharded fixtures.
func testRender(tmpl string, values map[string]any) (string, error) {
	funcs := template.FuncMap{
		"json": func(v any) string {
			b, _ := json.Marshal(v)
			return string(b)
		},
		"slice": func(s string, lo, hi int) string {
			lo = max(lo, 0)
			hi = min(hi, len(s))
			if lo >= hi {
				return ""
			}
			return s[lo:hi]
		},
	}
	parsed, err := template.New("leaf").Funcs(funcs).Parse(tmpl)
	if err != nil {
		return "", err
	}
	var buf bytes.Buffer
	if err := parsed.Execute(&buf, values); err != nil {
		return "", err
	}
	return buf.String(), nil
}

func createTestDB(tb testing.TB, records map[string]string) string {
	return createTestDBWithTable(tb, "notes", records)
}

// createTestDBWithTable lays down the subset of the build schema the
// graph reads: the record table plus note_refs and links.
func createTestDBWithTable(tb testing.TB, tableName string, records map[string]string) string {
	tb.Helper()
	dbPath := filepath.Join(tb.TempDir(), "test.db")

	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		tb.Fatal(err)
	}
	defer func() { _ = db.Close() }()

	schema := fmt.Sprintf(`
	CREATE TABLE %s (id TEXT PRIMARY KEY, record TEXT NOT NULL);
	CREATE TABLE note_refs (token TEXT, node_id TEXT, PRIMARY KEY (token, node_id)) WITHOUT ROWID;
	CREATE TABLE links (src TEXT, dest TEXT, PRIMARY KEY (src, dest)) WITHOUT ROWID;
	`, tableName)
	if _, err := db.Exec(schema); err != nil {
		tb.Fatal(err)
	}

	// One transaction for the whole fixture; the benchmark seeds
	// thousands of rows through here.
	tx, err := db.Begin()
	if err != nil {
		tb.Fatal(err)
	}
	stmt, err := tx.Prepare(fmt.Sprintf("INSERT INTO %s (id, record) VALUES (?, ?)", tableName))
	if err != nil {
		tb.Fatal(err)
	}
	for id, rec := range records {
		if _, err := stmt.Exec(id, rec); err != nil {
			tb.Fatal(err)
		}
	}
	if err := tx.Commit(); err != nil {
		tb.Fatal(err)
	}
	return dbPath
}

func seedRefs(t *testing.T, dbPath string, refs map[string][]string) {
	t.Helper()
	db, err := sql.Open("sqlite", dbPath)
	require.NoError(t, err)
	defer func() { _ = db.Close() }()
	for token, paths := range refs {
		for _, p := range paths {
			_, err := db.Exec("INSERT INTO note_refs (token, node_id) VALUES (?, ?)", token, p)
			require.NoError(t, err)
		}
	}
}

func seedLinks(t *testing.T, dbPath string, pairs [][2]string) {
	t.Helper()
	db, err := sql.Open("sqlite", dbPath)
	require.NoError(t, err)
	defer func() { _ = db.Close() }()
	for _, p := range pairs {
		_, err := db.Exec("INSERT INTO links (src, dest) VALUES (?, ?)", p[0], p[1])
		require.NoError(t, err)
	}
}

// notesTopology mirrors the built-in layout without the sections
// subtree, which index mounts cannot materialize.
func notesTopology() *api.Topology {
	return &api.Topology{
		Version: "v1",
		Nodes: []api.Node{
			{
				Name:     "notes",
				Selector: "$",
				Children: []api.Node{
					{
						Name:     "{{.slug}}",
						Selector: "$[*]",
						Files: []api.Leaf{
							{Name: "body.md", ContentTemplate: "{{.body}}"},
							{Name: "outline", ContentTemplate: "{{.outline}}"},
							{Name: "terms", ContentTemplate: "{{.term_list}}"},
							{Name: "raw.json", ContentTemplate: "{{. | json}}"},
						},
					},
				},
			},
		},
	}
}

// shelfTopology shards notes by modification year, the way inferred
// temporal topologies do.
func shelfTopology() *api.Topology {
	return &api.Topology{
		Version: "v1",
		Nodes: []api.Node{
			{
				Name:     "shelf",
				Selector: "$",
				Children: []api.Node{
					{
						Name:     "{{slice .mtime 0 4}}",
						Selector: "$[*]",
						Children: []api.Node{
							{
								Name:     "{{.slug}}",
								Selector: "$",
								Files: []api.Leaf{
									{Name: "body.md", ContentTemplate: "{{.body}}"},
									{Name: "title", ContentTemplate: "{{.title}}"},
								},
							},
						},
					},
				},
			},
		},
	}
}

func noteRecord(slug, title, body string) string {
	rec := map[string]any{
		"slug":      slug,
		"title":     title,
		"rel_path":  slug + ".md",
		"body":      body,
		"outline":   "- [" + title + "](#" + slug + ")\n",
		"term_list": "$_\nqr//\n",
	}
	b, _ := json.Marshal(rec)
	return string(b)
}

// ---------------------------------------------------------------------------
// Tree shape
// ---------------------------------------------------------------------------

func TestSQLiteGraph_ListChildren(t *testing.T) {
	dbPath := createTestDB(t, map[string]string{
		"regex.md": noteRecord("regex", "Regex", "# Regex\n"),
		"io.md":    noteRecord("io", "File IO", "# File IO\n"),
	})

	g, err := OpenSQLiteGraph(dbPath, notesTopology(), testRender)
	require.NoError(t, err)
	defer func() { _ = g.Close() }()

	roots, err := g.ListChildren("")
	require.NoError(t, err)
	assert.Equal(t, []string{"notes"}, roots)

	notes, err := g.ListChildren("notes")
	require.NoError(t, err)
	assert.Equal(t, []string{"notes/io", "notes/regex"}, notes)

	files, err := g.ListChildren("notes/regex")
	require.NoError(t, err)
	assert.Equal(t, []string{
		"notes/regex/body.md",
		"notes/regex/outline",
		"notes/regex/raw.json",
		"notes/regex/terms",
	}, files)
}

func TestSQLiteGraph_GetNode(t *testing.T) {
	dbPath := createTestDB(t, map[string]string{
		"regex.md": noteRecord("regex", "Regex", "# Regex\n\nCaptures land in $1.\n"),
	})

	g, err := OpenSQLiteGraph(dbPath, notesTopology(), testRender)
	require.NoError(t, err)
	defer func() { _ = g.Close() }()

	root, err := g.GetNode("")
	require.NoError(t, err)
	assert.True(t, root.Mode.IsDir())

	dir, err := g.GetNode("notes/regex")
	require.NoError(t, err)
	assert.True(t, dir.Mode.IsDir())
	assert.Equal(t, os.FileMode(0o555), dir.Mode.Perm())

	// First stat renders content and learns the size.
	body := "# Regex\n\nCaptures land in $1.\n"
	file, err := g.GetNode("notes/regex/body.md")
	require.NoError(t, err)
	assert.False(t, file.Mode.IsDir())
	assert.Equal(t, []byte(body), file.Data)
	assert.Equal(t, int64(len(body)), file.ContentSize())

	// Second stat serves the cached size without rendering.
	again, err := g.GetNode("notes/regex/body.md")
	require.NoError(t, err)
	assert.Nil(t, again.Data)
	require.NotNil(t, again.Ref)
	assert.Equal(t, int64(len(body)), again.Ref.ContentLen)
}

func TestSQLiteGraph_ReadContent(t *testing.T) {
	body := "# Regex\n\nCaptures land in $1.\n"
	dbPath := createTestDB(t, map[string]string{
		"regex.md": noteRecord("regex", "Regex", body),
	})

	g, err := OpenSQLiteGraph(dbPath, notesTopology(), testRender)
	require.NoError(t, err)
	defer func() { _ = g.Close() }()

	buf := make([]byte, 256)
	n, err := g.ReadContent("notes/regex/body.md", buf, 0)
	require.NoError(t, err)
	assert.Equal(t, body, string(buf[:n]))

	n, err = g.ReadContent("notes/regex/body.md", buf, 9)
	require.NoError(t, err)
	assert.Equal(t, body[9:], string(buf[:n]))

	n, err = g.ReadContent("notes/regex/body.md", buf, int64(len(body)+10))
	require.NoError(t, err)
	assert.Zero(t, n)

	_, err = g.ReadContent("notes/regex", buf, 0)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestSQLiteGraph_YearSharding(t *testing.T) {
	rec := func(slug, title, year string) string {
		b, _ := json.Marshal(map[string]any{
			"slug":  slug,
			"title": title,
			"body":  "# " + title + "\n",
			"mtime": year + "-06-01T12:00:00Z",
		})
		return string(b)
	}
	dbPath := createTestDB(t, map[string]string{
		"regex.md": rec("regex", "Regex", "2024"),
		"io.md":    rec("io", "File IO", "2024"),
		"cpan.md":  rec("cpan", "CPAN", "2023"),
	})

	g, err := OpenSQLiteGraph(dbPath, shelfTopology(), testRender)
	require.NoError(t, err)
	defer func() { _ = g.Close() }()

	years, err := g.ListChildren("shelf")
	require.NoError(t, err)
	assert.Equal(t, []string{"shelf/2023", "shelf/2024"}, years)

	notes, err := g.ListChildren("shelf/2024")
	require.NoError(t, err)
	assert.Equal(t, []string{"shelf/2024/io", "shelf/2024/regex"}, notes)

	buf := make([]byte, 64)
	n, err := g.ReadContent("shelf/2023/cpan/title", buf, 0)
	require.NoError(t, err)
	assert.Equal(t, "CPAN", string(buf[:n]))
}

func TestSQLiteGraph_SectionsSkippedInIndexMounts(t *testing.T) {
	// The flat scan cannot reach fields nested inside the sections
	// array, so the default layout's sections/ branch must not surface
	// as an empty directory.
	rec := map[string]any{
		"slug":      "regex",
		"title":     "Regex",
		"rel_path":  "regex.md",
		"body":      "# Regex\n\n## Captures\n\nText.\n",
		"outline":   "- [Captures](#captures)\n",
		"term_list": "$1\n",
		"sections": []any{
			map[string]any{"anchor": "captures", "title": "Captures", "body": "## Captures\n\nText.\n"},
		},
	}
	raw, _ := json.Marshal(rec)
	dbPath := createTestDB(t, map[string]string{"regex.md": string(raw)})

	g, err := OpenSQLiteGraph(dbPath, api.DefaultTopology(), testRender)
	require.NoError(t, err)
	defer func() { _ = g.Close() }()

	files, err := g.ListChildren("notes/regex")
	require.NoError(t, err)
	assert.NotContains(t, files, "notes/regex/sections")
	assert.Contains(t, files, "notes/regex/body.md")

	_, err = g.GetNode("notes/regex/sections")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestSQLiteGraph_LeadingSlashNormalization(t *testing.T) {
	dbPath := createTestDB(t, map[string]string{
		"regex.md": noteRecord("regex", "Regex", "# Regex\n"),
	})

	g, err := OpenSQLiteGraph(dbPath, notesTopology(), testRender)
	require.NoError(t, err)
	defer func() { _ = g.Close() }()

	withSlash, err := g.GetNode("/notes/regex")
	require.NoError(t, err)
	withoutSlash, err := g.GetNode("notes/regex")
	require.NoError(t, err)
	assert.Equal(t, withoutSlash.ID, withSlash.ID)

	children, err := g.ListChildren("/notes")
	require.NoError(t, err)
	assert.Equal(t, []string{"notes/regex"}, children)
}

func TestSQLiteGraph_NotFound(t *testing.T) {
	dbPath := createTestDB(t, map[string]string{
		"regex.md": noteRecord("regex", "Regex", "# Regex\n"),
	})

	g, err := OpenSQLiteGraph(dbPath, notesTopology(), testRender)
	require.NoError(t, err)
	defer func() { _ = g.Close() }()

	_, err = g.GetNode("notes/nope")
	assert.ErrorIs(t, err, ErrNotFound)

	_, err = g.GetNode("bogus-root")
	assert.Error(t, err)

	_, err = g.ListChildren("notes/nope")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestSQLiteGraph_EmptyDB(t *testing.T) {
	dbPath := createTestDB(t, nil)

	g, err := OpenSQLiteGraph(dbPath, notesTopology(), testRender)
	require.NoError(t, err)
	defer func() { _ = g.Close() }()

	roots, err := g.ListChildren("")
	require.NoError(t, err)
	assert.Equal(t, []string{"notes"}, roots)

	notes, err := g.ListChildren("notes")
	require.NoError(t, err)
	assert.Empty(t, notes)

	node, err := g.GetNode("notes")
	require.NoError(t, err)
	assert.True(t, node.Mode.IsDir())
}

// ---------------------------------------------------------------------------
// Term refs
// ---------------------------------------------------------------------------

func TestSQLiteGraph_AddRef_FlushRefs_GetTermRefs(t *testing.T) {
	dbPath := createTestDB(t, map[string]string{
		"regex.md": noteRecord("regex", "Regex", "# Regex\n"),
	})

	g, err := OpenSQLiteGraph(dbPath, notesTopology(), testRender)
	require.NoError(t, err)
	defer func() { _ = g.Close() }()

	require.NoError(t, g.AddRef("$_", "regex.md"))
	require.NoError(t, g.AddRef("$_", "io.md"))
	require.NoError(t, g.AddRef("qr//", "regex.md"))
	require.NoError(t, g.FlushRefs())

	nodes, err := g.GetTermRefs("$_")
	require.NoError(t, err)
	require.Len(t, nodes, 2)

	paths := []string{nodes[0].ID, nodes[1].ID}
	assert.Contains(t, paths, "regex.md")
	assert.Contains(t, paths, "io.md")

	none, err := g.GetTermRefs("wantarray")
	require.NoError(t, err)
	assert.Empty(t, none)
}

func TestSQLiteGraph_FlushRefs_Idempotent(t *testing.T) {
	dbPath := createTestDB(t, map[string]string{
		"regex.md": noteRecord("regex", "Regex", "# Regex\n"),
	})

	g, err := OpenSQLiteGraph(dbPath, notesTopology(), testRender)
	require.NoError(t, err)
	defer func() { _ = g.Close() }()

	require.NoError(t, g.AddRef("$_", "regex.md"))
	require.NoError(t, g.FlushRefs())
	// Second flush is a guarded no-op; the first write must survive.
	require.NoError(t, g.FlushRefs())

	nodes, err := g.GetTermRefs("$_")
	require.NoError(t, err)
	require.Len(t, nodes, 1)
	assert.Equal(t, "regex.md", nodes[0].ID)
}

func TestSQLiteGraph_RefsDB_WipedOnOpen(t *testing.T) {
	dbPath := createTestDB(t, map[string]string{
		"regex.md": noteRecord("regex", "Regex", "# Regex\n"),
	})

	g1, err := OpenSQLiteGraph(dbPath, notesTopology(), testRender)
	require.NoError(t, err)
	require.NoError(t, g1.AddRef("$_", "regex.md"))
	require.NoError(t, g1.FlushRefs())
	require.NoError(t, g1.Close())

	// Reopen: the sidecar is derived state and starts empty.
	g2, err := OpenSQLiteGraph(dbPath, notesTopology(), testRender)
	require.NoError(t, err)
	defer func() { _ = g2.Close() }()

	nodes, err := g2.GetTermRefs("$_")
	require.NoError(t, err)
	assert.Empty(t, nodes)
}

func TestSQLiteGraph_LoadRefsFromIndex(t *testing.T) {
	dbPath := createTestDB(t, map[string]string{
		"regex.md": noteRecord("regex", "Regex", "# Regex\n"),
		"io.md":    noteRecord("io", "File IO", "# File IO\n"),
	})
	seedRefs(t, dbPath, map[string][]string{
		"$_":   {"regex.md", "io.md"},
		"<FH>": {"io.md"},
	})

	g, err := OpenSQLiteGraph(dbPath, notesTopology(), testRender)
	require.NoError(t, err)
	defer func() { _ = g.Close() }()

	require.NoError(t, g.LoadRefsFromIndex())
	require.NoError(t, g.FlushRefs())

	nodes, err := g.GetTermRefs("<FH>")
	require.NoError(t, err)
	require.Len(t, nodes, 1)
	assert.Equal(t, "io.md", nodes[0].ID)

	both, err := g.GetTermRefs("$_")
	require.NoError(t, err)
	assert.Len(t, both, 2)
}

func TestSQLiteGraph_GetTermRefs_Lightweight(t *testing.T) {
	dbPath := createTestDB(t, map[string]string{
		"regex.md": noteRecord("regex", "Regex", "# Regex\n"),
	})

	g, err := OpenSQLiteGraph(dbPath, notesTopology(), testRender)
	require.NoError(t, err)
	defer func() { _ = g.Close() }()

	require.NoError(t, g.AddRef("$1", "regex.md"))
	require.NoError(t, g.FlushRefs())

	nodes, err := g.GetTermRefs("$1")
	require.NoError(t, err)
	require.Len(t, nodes, 1)

	// Content resolves on demand through the mount read, never here.
	assert.Nil(t, nodes[0].Data)
	assert.Equal(t, "regex.md", nodes[0].ID)
}

func TestSQLiteGraph_SizeCache_Invalidation(t *testing.T) {
	dbPath := createTestDB(t, map[string]string{
		"regex.md": noteRecord("regex", "Regex", "# Regex\n"),
	})

	g, err := OpenSQLiteGraph(dbPath, notesTopology(), testRender)
	require.NoError(t, err)
	defer func() { _ = g.Close() }()

	first, err := g.GetNode("notes/regex/body.md")
	require.NoError(t, err)
	assert.NotNil(t, first.Data)

	cached, err := g.GetNode("notes/regex/body.md")
	require.NoError(t, err)
	assert.Nil(t, cached.Data)
	require.NotNil(t, cached.Ref)

	g.Invalidate("notes/regex/body.md")

	rerendered, err := g.GetNode("notes/regex/body.md")
	require.NoError(t, err)
	assert.NotNil(t, rerendered.Data)
}

// ---------------------------------------------------------------------------
// Link graph
// ---------------------------------------------------------------------------

func TestSQLiteGraph_Backlinks_Links(t *testing.T) {
	dbPath := createTestDB(t, map[string]string{
		"regex.md": noteRecord("regex", "Regex", "# Regex\n"),
		"io.md":    noteRecord("io", "File IO", "# File IO\n"),
		"index.md": noteRecord("index", "Index", "# Index\n"),
	})
	seedLinks(t, dbPath, [][2]string{
		{"index.md", "regex.md"},
		{"index.md", "io.md"},
		{"io.md", "regex.md"},
	})

	g, err := OpenSQLiteGraph(dbPath, notesTopology(), testRender)
	require.NoError(t, err)
	defer func() { _ = g.Close() }()

	back, err := g.GetBacklinks("regex.md")
	require.NoError(t, err)
	require.Len(t, back, 2)
	assert.Equal(t, "index.md", back[0].ID)
	assert.Equal(t, "io.md", back[1].ID)

	out, err := g.GetLinks("index.md")
	require.NoError(t, err)
	assert.Equal(t, []string{"io.md", "regex.md"}, out)

	none, err := g.GetBacklinks("index.md")
	require.NoError(t, err)
	assert.Empty(t, none)
}

func TestSQLiteGraph_NoteDirs(t *testing.T) {
	dbPath := createTestDB(t, map[string]string{
		"regex.md": noteRecord("regex", "Regex", "# Regex\n"),
		"io.md":    noteRecord("io", "File IO", "# File IO\n"),
	})

	g, err := OpenSQLiteGraph(dbPath, notesTopology(), testRender)
	require.NoError(t, err)
	defer func() { _ = g.Close() }()

	dirs := g.NoteDirs()
	assert.Equal(t, map[string]string{
		"notes/regex": "regex.md",
		"notes/io":    "io.md",
	}, dirs)
}

// ---------------------------------------------------------------------------
// Virtual table (gloss_refs)
// ---------------------------------------------------------------------------

// refRows drains a QueryRefs result into token→paths form and closes it.
// Closing before the next query matters: refsDB runs with MaxOpenConns=2,
// one conn for the outer vtab query and one for Filter's inner queries.
func refRows(t *testing.T, rows *sql.Rows) map[string][]string {
	t.Helper()
	defer func() { _ = rows.Close() }()

	cols, err := rows.Columns()
	require.NoError(t, err)

	out := map[string][]string{}
	for rows.Next() {
		token, path := "", ""
		if len(cols) == 1 {
			require.NoError(t, rows.Scan(&path))
		} else {
			require.NoError(t, rows.Scan(&token, &path))
		}
		out[token] = append(out[token], path)
	}
	require.NoError(t, rows.Err())
	return out
}

func TestSQLiteGraph_VTab_GlossRefs(t *testing.T) {
	dbPath := createTestDB(t, map[string]string{
		"regex.md": noteRecord("regex", "Regex", "# Regex\n"),
		"io.md":    noteRecord("io", "File IO", "# File IO\n"),
	})

	g, err := OpenSQLiteGraph(dbPath, notesTopology(), testRender)
	require.NoError(t, err)
	defer func() { _ = g.Close() }()

	require.NoError(t, g.AddRef("$_", "regex.md"))
	require.NoError(t, g.AddRef("$_", "io.md"))
	require.NoError(t, g.AddRef("$ARGV", "io.md"))
	require.NoError(t, g.FlushRefs())

	query := func(t *testing.T, q string, args ...any) map[string][]string {
		rows, err := g.QueryRefs(q, args...)
		require.NoError(t, err)
		return refRows(t, rows)
	}

	t.Run("token_lookup", func(t *testing.T) {
		got := query(t, "SELECT path FROM gloss_refs WHERE token = ?", "$_")
		assert.ElementsMatch(t, []string{"regex.md", "io.md"}, got[""])
	})

	t.Run("nonexistent_token", func(t *testing.T) {
		got := query(t, "SELECT path FROM gloss_refs WHERE token = ?", "wantarray")
		assert.Empty(t, got)
	})

	t.Run("like_query", func(t *testing.T) {
		// "$ARGV" matches "$A%", "$_" does not.
		got := query(t, "SELECT token, path FROM gloss_refs WHERE token LIKE ?", "$A%")
		assert.Equal(t, map[string][]string{"$ARGV": {"io.md"}}, got)
	})

	t.Run("glob_query", func(t *testing.T) {
		got := query(t, "SELECT token, path FROM gloss_refs WHERE token GLOB ?", "$AR*")
		assert.Equal(t, map[string][]string{"$ARGV": {"io.md"}}, got)
	})

	t.Run("like_no_match", func(t *testing.T) {
		got := query(t, "SELECT path FROM gloss_refs WHERE token LIKE ?", "ZZZ%")
		assert.Empty(t, got)
	})

	t.Run("full_scan", func(t *testing.T) {
		got := query(t, "SELECT token, path FROM gloss_refs")
		assert.ElementsMatch(t, []string{"regex.md", "io.md"}, got["$_"])
		assert.Equal(t, []string{"io.md"}, got["$ARGV"])
	})
}

// ---------------------------------------------------------------------------
// Table selection
// ---------------------------------------------------------------------------

func TestSQLiteGraph_CustomTableName(t *testing.T) {
	dbPath := createTestDBWithTable(t, "flashcards", map[string]string{
		"regex.md": noteRecord("regex", "Regex", "# Regex\n"),
	})

	topo := notesTopology()
	topo.Table = "flashcards"

	g, err := OpenSQLiteGraph(dbPath, topo, testRender)
	require.NoError(t, err)
	defer func() { _ = g.Close() }()

	notes, err := g.ListChildren("notes")
	require.NoError(t, err)
	assert.Equal(t, []string{"notes/regex"}, notes)
}

func TestSQLiteGraph_DefaultTableName(t *testing.T) {
	dbPath := createTestDB(t, map[string]string{
		"regex.md": noteRecord("regex", "Regex", "# Regex\n"),
	})

	// An empty Table falls back to "notes".
	topo := notesTopology()
	topo.Table = ""

	g, err := OpenSQLiteGraph(dbPath, topo, testRender)
	require.NoError(t, err)
	defer func() { _ = g.Close() }()

	notes, err := g.ListChildren("notes")
	require.NoError(t, err)
	assert.Equal(t, []string{"notes/regex"}, notes)
}

// ---------------------------------------------------------------------------
// Hot swap
// ---------------------------------------------------------------------------

func TestHotSwapGraph_Delegates(t *testing.T) {
	store := NewMemoryStore()
	store.AddRoot(&Node{ID: "notes", Mode: os.ModeDir | 0o555, Children: []string{"notes/regex"}})
	store.AddNode(&Node{ID: "notes/regex", Data: []byte("# Regex\n")})

	hot := NewHotSwapGraph(store)

	n, err := hot.GetNode("notes/regex")
	require.NoError(t, err)
	assert.Equal(t, "notes/regex", n.ID)

	children, err := hot.ListChildren("notes")
	require.NoError(t, err)
	assert.Equal(t, []string{"notes/regex"}, children)
}

func TestHotSwapGraph_SwapLeavesClosingToCaller(t *testing.T) {
	old := NewMemoryStore()
	old.AddRoot(&Node{ID: "notes", Mode: os.ModeDir | 0o555})

	replacement := NewMemoryStore()
	replacement.AddRoot(&Node{ID: "notes", Mode: os.ModeDir | 0o555, Children: []string{"notes/new"}})
	replacement.AddNode(&Node{ID: "notes/new", Data: []byte("fresh\n")})

	hot := NewHotSwapGraph(old)
	hot.Swap(replacement)

	// The wrapper serves the new graph; the old one is still usable
	// until the caller closes it.
	assert.Same(t, replacement, hot.Current().(*MemoryStore))

	children, err := hot.ListChildren("notes")
	require.NoError(t, err)
	assert.Equal(t, []string{"notes/new"}, children)

	_, err = old.GetNode("notes")
	assert.NoError(t, err)
}

// ---------------------------------------------------------------------------
// Scan throughput
// ---------------------------------------------------------------------------

func BenchmarkScanRoot_Notes(b *testing.B) {
	records := make(map[string]string, 5000)
	for i := 0; i < 5000; i++ {
		slug := fmt.Sprintf("note-%04d", i)
		records[slug+".md"] = noteRecord(slug, "Note", "# Note\n")
	}
	dbPath := createTestDB(b, records)

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		g, err := OpenSQLiteGraph(dbPath, notesTopology(), testRender)
		if err != nil {
			b.Fatal(err)
		}
		if _, err := g.ListChildren("notes"); err != nil {
			b.Fatal(err)
		}
		_ = g.Close()
	}
}
