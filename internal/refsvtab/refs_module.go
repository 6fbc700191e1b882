// Package refsvtab exposes the term-reference index as a SQLite
// virtual table. CREATE VIRTUAL TABLE ... USING gloss_refs(id) yields
// a (token, path) relation that expands the roaring bitmaps stored in
// node_refs, so agents on a mount can answer "which notes mention
// local?" with plain SQL.
package refsvtab

import (
	"database/sql"
	"fmt"
	"strings"
	"sync"

	"github.com/RoaringBitmap/roaring"
	"modernc.org/sqlite/vtab"
)

// The driver accepts one registration per module name, so the module
// lives process-wide.
var (
	once      sync.Once
	singleton *RefsModule
	initErr   error
)

// RefsModule implements vtab.Module. It is a process-wide singleton because
// modernc.org/sqlite registers modules globally (driver-level, not per-DB).
// Each mounted index registers its refs sidecar under a unique ID; the ID
// inside CREATE VIRTUAL TABLE picks the sidecar a table reads from.
type RefsModule struct {
	mu  sync.RWMutex
	dbs map[string]*sql.DB
}

// Register installs the gloss_refs module into the global SQLite driver.
// Only the first call registers; later calls return the same singleton.
func Register() (*RefsModule, error) {
	once.Do(func() {
		m := &RefsModule{dbs: make(map[string]*sql.DB)}
		// db parameter is unused by the engine; pass nil.
		if err := vtab.RegisterModule(nil, "gloss_refs", m); err != nil {
			initErr = fmt.Errorf("refsvtab: register module: %w", err)
			return
		}
		singleton = m
	})
	return singleton, initErr
}

// RegisterDB makes a refs sidecar addressable from
// CREATE VIRTUAL TABLE ... USING gloss_refs(id).
func (m *RefsModule) RegisterDB(id string, db *sql.DB) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.dbs[id] = db
}

// UnregisterDB drops a sidecar registration when its graph closes.
func (m *RefsModule) UnregisterDB(id string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.dbs, id)
}

func (m *RefsModule) sidecarFor(id string) (*sql.DB, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	db, ok := m.dbs[id]
	return db, ok
}

// ---------------------------------------------------------------------------
// vtab.Module
// ---------------------------------------------------------------------------

func (m *RefsModule) Create(ctx vtab.Context, args []string) (vtab.Table, error) {
	// Standard SQLite xCreate argv layout:
	// argv[0] = module name, argv[1] = database name, argv[2] = table name,
	// argv[3]... = arguments inside (). USING gloss_refs(my_id) → args[3].
	if len(args) < 4 {
		return nil, fmt.Errorf("gloss_refs: missing DB ID argument (expected USING gloss_refs(id))")
	}

	db, ok := m.sidecarFor(args[3])
	if !ok {
		return nil, fmt.Errorf("gloss_refs: unknown DB ID %q", args[3])
	}

	if err := ctx.Declare("CREATE TABLE x(token TEXT, path TEXT)"); err != nil {
		return nil, err
	}
	return &refsTable{mod: m, db: db}, nil
}

func (m *RefsModule) Connect(ctx vtab.Context, args []string) (vtab.Table, error) {
	return m.Create(ctx, args)
}

// ---------------------------------------------------------------------------
// vtab.Table
// ---------------------------------------------------------------------------

// Query plans negotiated between BestIndex and Filter.
const (
	planScan = iota // every (token, path) pair
	planEq          // token = ?
	planLike        // token LIKE ?
	planGlob        // token GLOB ?
)

type refsTable struct {
	mod *RefsModule
	db  *sql.DB
}

// BestIndex maps a usable token-column constraint onto one of the
// pattern plans; anything else becomes a full scan of node_refs. The
// token PK index makes equality cheap and covers LIKE/GLOB prefix
// patterns such as "local%".
func (t *refsTable) BestIndex(info *vtab.IndexInfo) error {
	for i := range info.Constraints {
		c := &info.Constraints[i]
		if !c.Usable || c.Column != 0 {
			continue
		}

		switch c.Op {
		case vtab.OpEQ:
			info.IdxNum = planEq
			info.EstimatedCost = 1
			info.EstimatedRows = 10
		case vtab.OpLIKE:
			info.IdxNum = planLike
			info.EstimatedCost = 100
			info.EstimatedRows = 100
		case vtab.OpGLOB:
			info.IdxNum = planGlob
			info.EstimatedCost = 100
			info.EstimatedRows = 100
		default:
			continue
		}

		c.ArgIndex = 0
		c.Omit = true
		return nil
	}

	info.IdxNum = planScan
	info.EstimatedCost = 1e6
	info.EstimatedRows = 1e6
	return nil
}

func (t *refsTable) Open() (vtab.Cursor, error) {
	return &refsCursor{table: t}, nil
}

func (t *refsTable) Disconnect() error { return nil }
func (t *refsTable) Destroy() error    { return nil }

// ---------------------------------------------------------------------------
// vtab.Cursor
// ---------------------------------------------------------------------------

type refsRow struct {
	token string
	path  string
}

// refPair is one node_refs row before bitmap expansion.
type refPair struct {
	token string
	blob  []byte
}

// refsCursor materializes its whole result set in Filter; Next and
// Column just walk rows.
type refsCursor struct {
	table *refsTable
	rows  []refsRow
	pos   int
}

func (c *refsCursor) Filter(idxNum int, idxStr string, vals []vtab.Value) error {
	c.rows = c.rows[:0]
	c.pos = 0

	db := c.table.db
	if db == nil {
		return nil
	}
	if idxNum == planScan {
		return c.load(db, "")
	}

	arg, ok := firstString(vals)
	if !ok {
		return nil
	}
	switch idxNum {
	case planEq:
		return c.load(db, "WHERE token = ?", arg)
	case planLike:
		return c.load(db, "WHERE token LIKE ?", arg)
	case planGlob:
		return c.load(db, "WHERE token GLOB ?", arg)
	}
	return nil
}

func firstString(vals []vtab.Value) (string, bool) {
	if len(vals) == 0 {
		return "", false
	}
	s, ok := vals[0].(string)
	return s, ok
}

// load scans node_refs under an optional WHERE clause and expands
// every matching bitmap into (token, path) rows.
func (c *refsCursor) load(db *sql.DB, where string, args ...any) error {
	rows, err := db.Query("SELECT token, bitmap FROM node_refs "+where, args...)
	if err != nil {
		return fmt.Errorf("refsvtab: scan node_refs: %w", err)
	}

	pairs, err := scanPairs(rows)
	if err != nil {
		return fmt.Errorf("refsvtab: scan node_refs rows: %w", err)
	}

	for _, p := range pairs {
		if err := c.expandBitmap(db, p.token, p.blob); err != nil {
			return err
		}
	}
	return nil
}

// scanPairs drains a (token, bitmap) result set and closes it before
// returning. The refs DB caps at two connections and the outer vtab
// query owns one, so the scan must fully release its connection before
// the path resolution in expandBitmap can take it.
func scanPairs(rows *sql.Rows) ([]refPair, error) {
	defer func() { _ = rows.Close() }()

	var pairs []refPair
	for rows.Next() {
		var p refPair
		if err := rows.Scan(&p.token, &p.blob); err != nil {
			continue // one bad row must not sink the rest
		}
		pairs = append(pairs, p)
	}
	return pairs, rows.Err()
}

// expandBitmap deserializes a roaring bitmap and resolves file IDs to paths.
func (c *refsCursor) expandBitmap(db *sql.DB, token string, blob []byte) error {
	rb := roaring.New()
	if err := rb.UnmarshalBinary(blob); err != nil {
		return fmt.Errorf("refsvtab: unmarshal bitmap for %q: %w", token, err)
	}

	ids := rb.ToArray()
	if len(ids) == 0 {
		return nil
	}

	args := make([]any, len(ids))
	for i, id := range ids {
		args[i] = id
	}

	query := "SELECT path FROM file_ids WHERE id IN (?" + strings.Repeat(",?", len(ids)-1) + ")"
	rows, err := db.Query(query, args...)
	if err != nil {
		return fmt.Errorf("refsvtab: resolve file_ids: %w", err)
	}
	defer func() { _ = rows.Close() }()

	for rows.Next() {
		var path string
		if err := rows.Scan(&path); err != nil {
			continue // one bad row must not sink the rest
		}
		c.rows = append(c.rows, refsRow{token: token, path: path})
	}
	return rows.Err()
}

func (c *refsCursor) Next() error { c.pos++; return nil }

func (c *refsCursor) Eof() bool { return c.pos >= len(c.rows) }

func (c *refsCursor) Column(col int) (vtab.Value, error) {
	if c.pos >= len(c.rows) {
		return nil, nil
	}
	row := c.rows[c.pos]
	switch col {
	case 0:
		return row.token, nil
	case 1:
		return row.path, nil
	default:
		return nil, nil
	}
}

func (c *refsCursor) Rowid() (int64, error) { return int64(c.pos), nil }

func (c *refsCursor) Close() error {
	c.rows = nil
	return nil
}
