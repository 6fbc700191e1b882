package graph

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/agentic-research/gloss/api"
	_ "modernc.org/sqlite"
)

// WritableGraph is the read-write SQLite backend behind arena-mode mounts.
// It opens the master .db in read-write mode; edits land in the nodes and
// notes tables and reach readers when ArenaFlusher publishes the next
// arena generation.
//
// Reads follow the same nodes-table queries as SQLiteGraph's fast path.
// Writes mutate rows directly; Flush hands the whole .db to the flusher.
type WritableGraph struct {
	db      *sql.DB
	dbPath  string // the writable master, usually a temp file
	table   string // notes table name from the topology
	levels  []*schemaLevel
	render  TemplateRenderer
	flusher *ArenaFlusher

	writeMu sync.Mutex
	content *contentCache
}

// OpenWritableGraph opens a writable connection to the master .db
// produced by gloss build.
func OpenWritableGraph(masterDBPath string, schema *api.Topology, render TemplateRenderer, flusher *ArenaFlusher) (*WritableGraph, error) {
	db, err := sql.Open("sqlite", masterDBPath)
	if err != nil {
		return nil, fmt.Errorf("open writable db %s: %w", masterDBPath, err)
	}
	db.SetMaxOpenConns(2)

	// journal_mode=DELETE keeps the .db file self-contained after every
	// commit. No WAL sidecars, so the arena publish step can serialize
	// the index with a plain os.ReadFile.
	for _, pragma := range []string{"journal_mode=DELETE", "synchronous=NORMAL"} {
		if _, err := db.Exec("PRAGMA " + pragma); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("pragma %s: %w", pragma, err)
		}
	}

	var one int
	switch err := db.QueryRow("SELECT 1 FROM sqlite_master WHERE type='table' AND name='nodes'").Scan(&one); {
	case err == sql.ErrNoRows:
		_ = db.Close()
		return nil, fmt.Errorf("%s has no nodes table; run gloss build first", masterDBPath)
	case err != nil:
		_ = db.Close()
		return nil, err
	}

	table := schema.Table
	if table == "" {
		table = "notes"
	}

	return &WritableGraph{
		db:      db,
		dbPath:  masterDBPath,
		table:   table,
		levels:  compileLevels(schema),
		render:  render,
		flusher: flusher,
		content: newContentCache(2048),
	}, nil
}

// ---------------------------------------------------------------------------
// Graph interface (read methods)
// ---------------------------------------------------------------------------

func (g *WritableGraph) GetNode(id string) (*Node, error) {
	id = trimSlash(id)
	if id == "" {
		return &Node{ID: "", Mode: os.ModeDir | 0o555}, nil
	}

	var kind, size int
	var mtime int64
	err := g.db.QueryRow("SELECT kind, size, mtime FROM nodes WHERE id = ?", id).Scan(&kind, &size, &mtime)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	if kind == 1 {
		return &Node{ID: id, Mode: os.ModeDir | 0o755, ModTime: time.Unix(0, mtime)}, nil
	}

	// Arena mounts are editable, so files stat as owner-writable. Size
	// comes straight from the row; UpdateRecord re-states it on write.
	return &Node{
		ID:      id,
		Mode:    0o644,
		ModTime: time.Unix(0, mtime),
		Ref:     &ContentRef{ContentLen: int64(size)},
	}, nil
}

func (g *WritableGraph) ListChildren(id string) ([]string, error) {
	if id = trimSlash(id); id == "" {
		return queryColumn(g.db, "SELECT name FROM nodes WHERE parent_id = '' OR parent_id IS NULL ORDER BY name")
	}
	return queryColumn(g.db, "SELECT name FROM nodes WHERE parent_id = ? ORDER BY name", id)
}

func (g *WritableGraph) ReadContent(id string, buf []byte, offset int64) (int, error) {
	content, err := g.resolveContent(trimSlash(id))
	if err != nil {
		return 0, err
	}

	if offset >= int64(len(content)) {
		return 0, nil
	}
	return copy(buf, content[offset:]), nil
}

// resolveContent reads file content. The nodes.record column wins when
// populated (gloss build inlines it, UpdateRecord overwrites it); files
// without one render from their note record via record_id.
func (g *WritableGraph) resolveContent(id string) ([]byte, error) {
	if c, ok := g.content.get(id); ok {
		return c, nil
	}

	var record, recordID sql.NullString
	err := g.db.QueryRow("SELECT record, record_id FROM nodes WHERE id = ?", id).Scan(&record, &recordID)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}

	var content []byte
	switch {
	case record.String != "":
		content = []byte(record.String)
	case recordID.String != "":
		if content, err = g.renderFromRecord(id, recordID.String); err != nil {
			return nil, err
		}
	default:
		return nil, ErrNotFound
	}

	g.content.put(id, content)
	return content, nil
}

// renderFromRecord renders a file from its note record and the leaf
// template for its position in the tree.
func (g *WritableGraph) renderFromRecord(id, recordID string) ([]byte, error) {
	var raw []byte
	if err := g.db.QueryRow("SELECT record FROM "+g.table+" WHERE id = ?", recordID).Scan(&raw); err != nil {
		return nil, fmt.Errorf("fetch record %s: %w", recordID, err)
	}
	values := map[string]any{}
	if err := json.Unmarshal(raw, &values); err != nil {
		return nil, fmt.Errorf("parse record %s: %w", recordID, err)
	}

	_, leaf := walkSchemaLevels(g.levels, strings.Split(id, "/"))
	if leaf == nil {
		return nil, fmt.Errorf("no schema leaf for %s", id)
	}
	rendered, err := g.render(leaf.ContentTemplate, values)
	if err != nil {
		return nil, fmt.Errorf("render %s: %w", id, err)
	}
	return []byte(rendered), nil
}

// GetTermRefs returns the notes that mention the given term, straight from
// the note_refs table in the master database.
func (g *WritableGraph) GetTermRefs(token string) ([]*Node, error) {
	ids, err := queryColumn(g.db, "SELECT node_id FROM note_refs WHERE token = ?", token)
	if err != nil {
		return nil, fmt.Errorf("query note_refs: %w", err)
	}
	return stubNodes(ids, 0o644), nil
}

// GetBacklinks implements Graph using the links table in the master database.
func (g *WritableGraph) GetBacklinks(dest string) ([]*Node, error) {
	srcs, err := queryColumn(g.db, "SELECT src FROM links WHERE dest = ? ORDER BY src", dest)
	if err != nil {
		return nil, fmt.Errorf("query links: %w", err)
	}
	return stubNodes(srcs, 0o644), nil
}

// GetLinks implements Graph.
func (g *WritableGraph) GetLinks(src string) ([]string, error) {
	dests, err := queryColumn(g.db, "SELECT dest FROM links WHERE src = ? ORDER BY dest", src)
	if err != nil {
		return nil, fmt.Errorf("query links: %w", err)
	}
	return dests, nil
}

// Invalidate implements Graph. Sizes are read fresh from the nodes row
// on every stat, so only rendered content needs evicting.
func (g *WritableGraph) Invalidate(id string) {
	g.content.drop(id)
}

// ---------------------------------------------------------------------------
// Write methods
// ---------------------------------------------------------------------------

// UpdateRecord patches an edited file node in place: content, size, and
// mtime in one statement. Accepted write-backs land here when the mount
// carries an index mirror.
func (g *WritableGraph) UpdateRecord(id string, content []byte) error {
	g.writeMu.Lock()
	defer g.writeMu.Unlock()

	id = trimSlash(id)
	res, err := g.db.Exec(
		"UPDATE nodes SET record = ?, size = ?, mtime = ? WHERE id = ?",
		string(content), len(content), time.Now().UnixNano(), id,
	)
	if err != nil {
		return fmt.Errorf("update record %s: %w", id, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}

	g.Invalidate(id)
	return nil
}

// UpdateNote replaces a note's record in the record table. Every derived
// file of the note (body, outline, terms, sections) renders from this
// record, so the whole content cache is dropped rather than evicting ids
// one by one.
func (g *WritableGraph) UpdateNote(rel string, record map[string]any) error {
	g.writeMu.Lock()
	defer g.writeMu.Unlock()

	data, err := json.Marshal(record)
	if err != nil {
		return fmt.Errorf("marshal note record %s: %w", rel, err)
	}
	if _, err := g.db.Exec(
		"INSERT OR REPLACE INTO "+g.table+" (id, record) VALUES (?, ?)",
		rel, string(data),
	); err != nil {
		return fmt.Errorf("update note %s: %w", rel, err)
	}

	g.content.reset()
	return nil
}

// Flush asks the flusher for a coalesced publish and returns without
// waiting; the I/O happens on the flusher's background tick.
func (g *WritableGraph) Flush() {
	if g.flusher != nil {
		g.flusher.RequestFlush()
	}
}

// FlushNow publishes the current master synchronously, for unmount.
func (g *WritableGraph) FlushNow() error {
	if g.flusher == nil {
		return nil
	}
	return g.flusher.FlushNow()
}

// Close releases the database handle.
func (g *WritableGraph) Close() error {
	return g.db.Close()
}

// DBPath reports where the writable master lives.
func (g *WritableGraph) DBPath() string {
	return g.dbPath
}

var _ Graph = (*WritableGraph)(nil)
