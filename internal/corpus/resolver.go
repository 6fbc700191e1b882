package corpus

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/agentic-research/gloss/internal/graph"
	_ "modernc.org/sqlite"
)

// SQLiteResolver turns ContentRef entries back into bytes: it looks up
// the note record a ref points at and re-renders the ref's content
// template over it. Connections are pooled per index path, so one
// resolver can serve refs against several built databases.
type SQLiteResolver struct {
	mu  sync.Mutex
	dbs map[string]*sql.DB
}

func NewSQLiteResolver() *SQLiteResolver {
	return &SQLiteResolver{dbs: make(map[string]*sql.DB)}
}

// Resolve renders ref's template over its stored note record.
func (r *SQLiteResolver) Resolve(ref *graph.ContentRef) ([]byte, error) {
	values, err := r.fetchRecord(ref.DBPath, ref.RecordID)
	if err != nil {
		return nil, err
	}

	content, err := RenderTemplate(ref.Template, values)
	if err != nil {
		return nil, fmt.Errorf("render template for %s: %w", ref.RecordID, err)
	}
	return []byte(content), nil
}

// fetchRecord loads and decodes one row from the notes table.
func (r *SQLiteResolver) fetchRecord(dbPath, recordID string) (map[string]any, error) {
	db, err := r.getDB(dbPath)
	if err != nil {
		return nil, err
	}

	var raw string
	if err := db.QueryRow("SELECT record FROM notes WHERE id = ?", recordID).Scan(&raw); err != nil {
		return nil, fmt.Errorf("resolve record %s: %w", recordID, err)
	}

	var values map[string]any
	if err := json.Unmarshal([]byte(raw), &values); err != nil {
		return nil, fmt.Errorf("parse record %s: %w", recordID, err)
	}
	return values, nil
}

// getDB returns the pooled handle for an index, opening it on first use.
func (r *SQLiteResolver) getDB(path string) (*sql.DB, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if db, ok := r.dbs[path]; ok {
		return db, nil
	}

	db, err := openIndexReadOnly(path)
	if err != nil {
		return nil, err
	}
	r.dbs[path] = db
	return db, nil
}

// openIndexReadOnly opens a built index for queries. WAL keeps reads
// from blocking a concurrent publisher; query_only guards against a
// resolver ever mutating the index it serves.
func openIndexReadOnly(path string) (*sql.DB, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	db.SetMaxOpenConns(4)

	for _, pragma := range []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA query_only=ON",
	} {
		if _, err := db.Exec(pragma); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("%s: %w", pragma, err)
		}
	}
	return db, nil
}

// Close releases every pooled connection. The resolver is reusable
// afterwards; the next Resolve reopens its index.
func (r *SQLiteResolver) Close() {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, db := range r.dbs {
		_ = db.Close()
	}
	r.dbs = make(map[string]*sql.DB)
}
