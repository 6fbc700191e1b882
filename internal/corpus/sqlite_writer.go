package corpus

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"log"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/agentic-research/gloss/internal/graph"
	_ "modernc.org/sqlite"
)

// indexSchema is the contract between gloss build and everything that
// reads a built index: the mount graph, the refs vtab, and the topic
// tooling. nodes holds the rendered tree, notes the raw records for
// lazy re-rendering, note_refs the token mentions, links the resolved
// cross-reference edges.
const indexSchema = `
CREATE TABLE IF NOT EXISTS nodes (
	id TEXT PRIMARY KEY,
	parent_id TEXT,
	name TEXT NOT NULL,
	kind INTEGER NOT NULL,
	size INTEGER DEFAULT 0,
	mtime INTEGER NOT NULL,
	record_id TEXT,
	record JSON
);
CREATE INDEX IF NOT EXISTS idx_parent_name ON nodes(parent_id, name);

CREATE TABLE IF NOT EXISTS notes (
	id TEXT PRIMARY KEY,
	record JSON
);

CREATE TABLE IF NOT EXISTS note_refs (
	token TEXT,
	node_id TEXT,
	PRIMARY KEY (token, node_id)
) WITHOUT ROWID;

CREATE TABLE IF NOT EXISTS links (
	src TEXT,
	dest TEXT,
	PRIMARY KEY (src, dest)
) WITHOUT ROWID;
`

// insertBatch bounds how many node rows share one transaction during
// bulk ingest.
const insertBatch = 10000

// Statement slots in SQLiteWriter.stmts.
const (
	stmtNode = iota
	stmtNote
	stmtRef
	stmtLink
	numStmts
)

var writerInserts = [numStmts]string{
	stmtNode: `INSERT OR REPLACE INTO nodes (id, parent_id, name, kind, size, mtime, record_id, record)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
	stmtNote: `INSERT OR REPLACE INTO notes (id, record) VALUES (?, ?)`,
	stmtRef:  `INSERT OR IGNORE INTO note_refs (token, node_id) VALUES (?, ?)`,
	stmtLink: `INSERT OR IGNORE INTO links (src, dest) VALUES (?, ?)`,
}

// SQLiteWriter streams an ingested corpus into an index database. It
// satisfies IngestionTarget so the engine drives it like any other
// graph sink.
type SQLiteWriter struct {
	db *sql.DB

	mu      sync.Mutex
	tx      *sql.Tx
	stmts   [numStmts]*sql.Stmt
	pending int
}

// NewSQLiteWriter opens the index at dbPath ready for bulk loading:
// schema in place, first batch transaction open.
func NewSQLiteWriter(dbPath string) (*SQLiteWriter, error) {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open sqlite %s: %w", dbPath, err)
	}

	// The index is derived state; a build that dies halfway gets
	// rerun, so durability is traded for insert speed.
	for _, pragma := range []string{
		"PRAGMA synchronous = OFF",
		"PRAGMA journal_mode = MEMORY",
	} {
		if _, err := db.Exec(pragma); err != nil {
			_ = db.Close()
			return nil, err
		}
	}

	if _, err := db.Exec(indexSchema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("create schema: %w", err)
	}

	w := &SQLiteWriter{db: db}
	if err := w.beginTx(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return w, nil
}

func (w *SQLiteWriter) beginTx() error {
	tx, err := w.db.Begin()
	if err != nil {
		return err
	}
	w.tx = tx
	for i, q := range writerInserts {
		if w.stmts[i], err = tx.Prepare(q); err != nil {
			return err
		}
	}
	return nil
}

func (w *SQLiteWriter) commitTx() error {
	for _, stmt := range w.stmts {
		if stmt != nil {
			_ = stmt.Close()
		}
	}
	return w.tx.Commit()
}

// rotateTx commits the current batch and opens the next. Callers hold mu.
func (w *SQLiteWriter) rotateTx() {
	if err := w.commitTx(); err != nil {
		log.Printf("SQLiteWriter: commit failed: %v", err)
	}
	if err := w.beginTx(); err != nil {
		log.Printf("SQLiteWriter: begin failed: %v", err)
	}
	w.pending = 0
}

// splitNodeID splits a tree path into parent ID and base name. The
// root maps to (NULL, ""); top-level nodes hang off the "" root.
func splitNodeID(id string) (parent any, name string) {
	if id == "" || id == "." {
		return nil, ""
	}
	if i := strings.LastIndex(id, "/"); i != -1 {
		return id[:i], id[i+1:]
	}
	return "", id
}

// recordColumn fills the overloaded record column: directories carry
// their Properties as JSON, inline files their content. Lazy file
// nodes leave it NULL and resolve through record_id instead.
func recordColumn(n *graph.Node) []byte {
	if !n.Mode.IsDir() {
		return n.Data
	}
	if len(n.Properties) == 0 {
		return nil
	}
	data, _ := json.Marshal(n.Properties)
	return data
}

// AddNode writes one node row.
func (w *SQLiteWriter) AddNode(n *graph.Node) {
	w.mu.Lock()
	defer w.mu.Unlock()

	parentID, name := splitNodeID(n.ID)

	kind := 0
	if n.Mode.IsDir() {
		kind = 1
	}

	var recordID any
	if n.Ref != nil {
		recordID = n.Ref.RecordID
	}

	_, err := w.stmts[stmtNode].Exec(
		n.ID, parentID, name, kind,
		n.ContentSize(), n.ModTime.UnixNano(),
		recordID, recordColumn(n),
	)
	if err != nil {
		log.Printf("SQLiteWriter: insert failed for %s: %v", n.ID, err)
	}

	if w.pending++; w.pending >= insertBatch {
		w.rotateTx()
	}
}

// AddRoot is AddNode; the flat schema has no special root row.
func (w *SQLiteWriter) AddRoot(n *graph.Node) {
	w.AddNode(n)
}

// AddRecord persists the raw note record for lazy content resolution
// and topology inference.
func (w *SQLiteWriter) AddRecord(id string, record map[string]any) error {
	data, err := json.Marshal(record)
	if err != nil {
		return fmt.Errorf("marshal record %s: %w", id, err)
	}

	w.mu.Lock()
	defer w.mu.Unlock()
	_, err = w.stmts[stmtNote].Exec(id, string(data))
	return err
}

// AddRef records one token mention.
func (w *SQLiteWriter) AddRef(token, nodeID string) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	_, err := w.stmts[stmtRef].Exec(token, nodeID)
	return err
}

// AddLink records one resolved cross-reference edge.
func (w *SQLiteWriter) AddLink(src, dest string) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if _, err := w.stmts[stmtLink].Exec(src, dest); err != nil {
		log.Printf("SQLiteWriter: link insert failed for %s -> %s: %v", src, dest, err)
	}
}

// DeleteFileNodes is a no-op: build always ingests into a fresh
// database, so there is nothing stale to clear.
func (w *SQLiteWriter) DeleteFileNodes(filePath string) {}

// Close commits the final batch and builds the query-side indices,
// deferred to here so the bulk load stays cheap.
func (w *SQLiteWriter) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if err := w.commitTx(); err != nil {
		_ = w.db.Close()
		return err
	}

	for _, idx := range []string{
		`CREATE INDEX IF NOT EXISTS idx_parent_name ON nodes(parent_id, name)`,
		`CREATE INDEX IF NOT EXISTS idx_links_dest ON links(dest)`,
	} {
		if _, err := w.db.Exec(idx); err != nil {
			log.Printf("SQLiteWriter: index creation failed: %v", err)
		}
	}

	return w.db.Close()
}

// GetNode serves the engine's existence checks during ingest. It reads
// through the open transaction so uncommitted rows are visible, and
// restores Properties so the REPLACE on re-add does not wipe them.
func (w *SQLiteWriter) GetNode(id string) (*graph.Node, error) {
	var kind int
	var mtimeNano int64
	var record sql.NullString
	err := w.tx.QueryRow("SELECT kind, mtime, record FROM nodes WHERE id = ?", id).Scan(&kind, &mtimeNano, &record)
	if err == sql.ErrNoRows {
		return nil, graph.ErrNotFound
	}
	if err != nil {
		return nil, err
	}

	mode := os.FileMode(0o444)
	if kind == 1 {
		mode = os.ModeDir | 0o555
	}

	n := &graph.Node{
		ID:      id,
		Mode:    mode,
		ModTime: time.Unix(0, mtimeNano),
	}
	if kind == 1 && record.Valid && record.String != "" {
		_ = json.Unmarshal([]byte(record.String), &n.Properties)
	}
	return n, nil
}

// The remaining Graph methods never run during ingest; the engine only
// calls GetNode and the Add methods.

func (w *SQLiteWriter) ListChildren(id string) ([]string, error) { return nil, nil }

func (w *SQLiteWriter) ReadContent(id string, buf []byte, offset int64) (int, error) {
	return 0, nil
}

func (w *SQLiteWriter) GetBacklinks(dest string) ([]*graph.Node, error) { return nil, nil }

func (w *SQLiteWriter) GetLinks(src string) ([]string, error) { return nil, nil }

func (w *SQLiteWriter) Invalidate(id string) {}

var (
	_ IngestionTarget = (*SQLiteWriter)(nil)
	_ RecordSink      = (*SQLiteWriter)(nil)
)
