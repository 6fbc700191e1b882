package lattice

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	_ "modernc.org/sqlite"
)

// makeNoteRecords builds a deterministic note corpus: tags alternate
// language/stdlib, terms cycle in threes, word counts climb through
// the size buckets, and mtimes spread over three months.
func makeNoteRecords(n int) []any {
	records := make([]any, n)
	for i := 0; i < n; i++ {
		tag := "language"
		if i%2 == 1 {
			tag = "stdlib"
		}
		records[i] = map[string]any{
			"slug":     fmt.Sprintf("note-%03d", i),
			"title":    fmt.Sprintf("Note %d", i),
			"rel_path": fmt.Sprintf("note-%03d.md", i),
			"tags":     []any{tag},
			"terms":    []any{"open", fmt.Sprintf("term%d", i%3)},
			"fences":   []any{map[string]any{"lang": "perl", "line": 3, "closed": true}},
			"words":    120 + i*40,
			"mtime":    fmt.Sprintf("2024-0%d-01T00:00:00Z", i%3+1),
		}
	}
	return records
}

func TestInferFromRecords_NoteCorpus(t *testing.T) {
	records := makeNoteRecords(12)
	inf := &Inferrer{Config: DefaultInferConfig()}

	topo, err := inf.InferFromRecords(records)
	require.NoError(t, err)
	require.NotNil(t, topo)

	assert.Equal(t, "v1", topo.Version)
	require.Len(t, topo.Nodes, 1)

	root := topo.Nodes[0]
	assert.Equal(t, "topics", root.Name)
	assert.Equal(t, "$", root.Selector)
	require.NotEmpty(t, root.Children)

	// Every topic filters by slug and holds the per-note iterator.
	for _, topic := range root.Children {
		assert.Contains(t, topic.Selector, "@.slug ==")
		require.Len(t, topic.Children, 1)
		iter := topic.Children[0]
		assert.Equal(t, "{{.slug}}", iter.Name)
		assert.Equal(t, "$[*]", iter.Selector)
		assert.NotEmpty(t, iter.Files)
	}
}

func TestInferFromRecords_Empty(t *testing.T) {
	inf := &Inferrer{Config: DefaultInferConfig()}

	topo, err := inf.InferFromRecords(nil)
	require.NoError(t, err)
	assert.Equal(t, "v1", topo.Version)
	assert.Empty(t, topo.Nodes)
}

func TestInferFromRecords_TooFewForGrouping(t *testing.T) {
	// With two records every shared attribute is universal and every
	// unshared one falls below the support floor, so no topics emerge
	// and the topology degrades to a bare root.
	records := makeNoteRecords(2)
	inf := &Inferrer{Config: DefaultInferConfig()}

	topo, err := inf.InferFromRecords(records)
	require.NoError(t, err)
	require.Len(t, topo.Nodes, 1)
	assert.Equal(t, "topics", topo.Nodes[0].Name)
	assert.Empty(t, topo.Nodes[0].Children)
}

func TestInferFromRecords_GreedyMethod(t *testing.T) {
	records := makeNoteRecords(24)
	inf := &Inferrer{Config: DefaultInferConfig()}
	inf.Config.Method = "greedy"

	topo, err := inf.InferFromRecords(records)
	require.NoError(t, err)
	require.Len(t, topo.Nodes, 1)

	root := topo.Nodes[0]
	assert.Equal(t, "notes", root.Name)
	assert.Equal(t, "$", root.Selector)

	// The month component is the only hinted temporal value that
	// actually partitions this corpus: years collapse to one bucket
	// and days to one, so the split lands on months.
	require.Len(t, root.Children, 3)
	names := make([]string, len(root.Children))
	for i, c := range root.Children {
		names[i] = c.Name
	}
	assert.Equal(t, []string{"01", "02", "03"}, names)

	for _, c := range root.Children {
		assert.Contains(t, c.Selector, "@.mtime")
		require.Len(t, c.Children, 1)
		assert.Equal(t, "{{.slug}}", c.Children[0].Name)
	}
}

func TestInferFromRecords_RootNameOverride(t *testing.T) {
	records := makeNoteRecords(12)
	inf := &Inferrer{Config: DefaultInferConfig()}
	inf.Config.RootName = "shelf"

	topo, err := inf.InferFromRecords(records)
	require.NoError(t, err)
	require.Len(t, topo.Nodes, 1)
	assert.Equal(t, "shelf", topo.Nodes[0].Name)
}

func TestInferFromSQLite(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "index.db")

	db, err := sql.Open("sqlite", dbPath)
	require.NoError(t, err)
	_, err = db.Exec(`CREATE TABLE notes (id TEXT PRIMARY KEY, record TEXT)`)
	require.NoError(t, err)
	for i, rec := range makeNoteRecords(12) {
		raw, merr := json.Marshal(rec)
		require.NoError(t, merr)
		_, err = db.Exec(`INSERT INTO notes (id, record) VALUES (?, ?)`,
			fmt.Sprintf("note-%03d.md", i), string(raw))
		require.NoError(t, err)
	}
	require.NoError(t, db.Close())

	inf := &Inferrer{Config: DefaultInferConfig()}
	topo, err := inf.InferFromSQLite(dbPath)
	require.NoError(t, err)
	require.Len(t, topo.Nodes, 1)
	assert.Equal(t, "topics", topo.Nodes[0].Name)
	assert.NotEmpty(t, topo.Nodes[0].Children)

	// The topology must serialize for gloss topics --write.
	data, err := json.MarshalIndent(topo, "", "  ")
	require.NoError(t, err)
	assert.Contains(t, string(data), "body.md")
}

func TestInferFromSQLite_EmptyIndex(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "index.db")

	db, err := sql.Open("sqlite", dbPath)
	require.NoError(t, err)
	_, err = db.Exec(`CREATE TABLE notes (id TEXT PRIMARY KEY, record TEXT)`)
	require.NoError(t, err)
	require.NoError(t, db.Close())

	inf := &Inferrer{Config: DefaultInferConfig()}
	topo, err := inf.InferFromSQLite(dbPath)
	require.NoError(t, err)
	assert.Equal(t, "v1", topo.Version)
	assert.Empty(t, topo.Nodes)
}

func TestReservoirSampleBounds(t *testing.T) {
	records := makeNoteRecords(100)
	assert.Len(t, reservoirSample(records, 10, 42), 10)

	// Under the cap the input comes back untouched.
	few := makeNoteRecords(5)
	assert.Len(t, reservoirSample(few, 10, 42), 5)
}
