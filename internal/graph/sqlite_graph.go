package graph

import (
	"bytes"
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log"
	"os"
	"regexp"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/RoaringBitmap/roaring"
	"github.com/agentic-research/gloss/api"
	"github.com/agentic-research/gloss/internal/refsvtab"
	_ "modernc.org/sqlite"
)

// TemplateRenderer renders a Go text/template string with the given values map.
type TemplateRenderer func(tmpl string, values map[string]any) (string, error)

// SQLiteGraph implements Graph by querying a built index database directly.
// There is no re-ingestion step: the index's B+ tree is the directory
// structure.
//
// The tree is derived lazily, one root at a time, on first access. A scan
// is a single streaming pass over the note records that renders name
// templates into parent→child path pairs; the results land in sync.Maps
// and are read lock-free by mount callbacks from then on.
//
// After a scan:
//   - dirChildren holds one sorted child slice per directory, read-only
//   - recordIDs maps each leaf directory to its notes-table row
//   - the content cache keeps recently rendered bodies, FIFO-bounded
//
// Content is rendered only on read, via a primary-key lookup and a
// template render. Term references live in a sidecar database
// (<dbpath>.refs.db) so the built index is never written after build.
type SQLiteGraph struct {
	db        *sql.DB
	dbPath    string
	schema    *api.Topology
	render    TemplateRenderer
	levels    []*schemaLevel // compiled schema tree, immutable after construction
	tableName string

	// Sidecar database for the term reference index (node_refs + file_ids tables).
	refsDB *sql.DB
	dbID   string // unique ID for vtab registry

	// One scan per root, even under concurrent access. A failed scan is
	// sticky: every later lookup under that root reports the same error.
	scanOnce sync.Map // root name → *sync.Once
	scanErr  sync.Map // root name → error

	// Directory children — populated by scanRoot, then read-only.
	// Values are sorted []string for binary search in isChild.
	dirChildren sync.Map // dir path (string) → []string (sorted child full paths)

	// Record mapping: leaf directory path → notes table primary key.
	// resolveContent uses it to fetch the JSON blob on demand.
	recordIDs sync.Map // dir path (string) → string (record ID)

	// In-memory ref accumulator: term → bitmap of note IDs.
	// Populated by AddRef during ingestion, written to refsDB by FlushRefs.
	flushOnce   sync.Once
	pendingMu   sync.Mutex
	pendingRefs map[string]*roaring.Bitmap
	nextFileID  uint32
	fileIDMap   map[string]uint32 // path → file ID (in-memory during ingestion)

	// Size cache: file path → rendered byte length. The first GetNode on a
	// file renders it and records the length; later stats serve the length
	// without touching SQLite. Unbounded, unlike the content cache: an
	// int64 per file survives full-tree traversals without mattering.
	sizeCache sync.Map // file path (string) → int64

	// Rendered content cache, FIFO-bounded against hot-file storms.
	content *contentCache
}

// schemaLevel is a compiled representation of one level in the schema tree.
type schemaLevel struct {
	nameRaw    string
	selector   string
	isStatic   bool
	staticName string
	fields     []string // dotted record fields the name template needs
	children   []*schemaLevel
	files      []api.Leaf
	depth      int
}

// EagerScan pre-scans all root nodes so no mount callback ever blocks on a scan.
// Call this before mounting — fuse-t's NFS transport times out if a callback takes >2s.
func (g *SQLiteGraph) EagerScan() error {
	for _, l := range g.levels {
		if l.isStatic {
			if err := g.ensureScanned(l.staticName); err != nil {
				return err
			}
		}
	}
	return nil
}

// OpenSQLiteGraph opens a connection to a built index and compiles the schema.
func OpenSQLiteGraph(dbPath string, schema *api.Topology, render TemplateRenderer) (*SQLiteGraph, error) {
	// The build output is immutable; open it read-only.
	db, err := sql.Open("sqlite", dbPath+"?mode=ro")
	if err != nil {
		return nil, fmt.Errorf("open sqlite %s: %w", dbPath, err)
	}
	db.SetMaxOpenConns(4)

	// The term-reference sidecar lives next to the index so the index file
	// stays byte-identical after mounting. Refs are derived data, rebuilt
	// on every open; a stale sidecar would pin file IDs 0..N to different
	// paths and INSERT OR IGNORE would silently drop the new mappings.
	refsPath := dbPath + ".refs.db"
	_ = os.Remove(refsPath)

	// Register the vtab module before refsDB sees its first Exec.
	// sql.Open is lazy, so no connection exists until then.
	refsMod, err := refsvtab.Register()
	if err != nil {
		_ = db.Close()
		return nil, err
	}

	refsDB, err := sql.Open("sqlite", refsPath)
	if err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("open refs db %s: %w", refsPath, err)
	}
	discard := func() {
		_ = db.Close()
		_ = refsDB.Close()
	}

	// Two connections: one for ordinary queries, one for the vtab's Filter
	// callback re-entering the pool mid-query. WAL keeps the paired
	// readers from conflicting.
	refsDB.SetMaxOpenConns(2)

	if _, err := refsDB.Exec("PRAGMA journal_mode=WAL"); err != nil {
		discard()
		return nil, fmt.Errorf("set WAL mode on refs db: %w", err)
	}

	_, err = refsDB.Exec(`
		CREATE TABLE IF NOT EXISTS node_refs (
			token TEXT PRIMARY KEY,
			bitmap BLOB
		);
		CREATE TABLE IF NOT EXISTS file_ids (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			path TEXT UNIQUE NOT NULL
		);
	`)
	if err != nil {
		discard()
		return nil, fmt.Errorf("create index tables: %w", err)
	}

	// Point the vtab module at this refsDB and create the virtual table.
	dbID := fmt.Sprintf("sqlite_%d", time.Now().UnixNano())
	refsMod.RegisterDB(dbID, refsDB)

	query := fmt.Sprintf("CREATE VIRTUAL TABLE IF NOT EXISTS gloss_refs USING gloss_refs(%s)", dbID)
	if _, err := refsDB.Exec(query); err != nil {
		refsMod.UnregisterDB(dbID)
		discard()
		return nil, fmt.Errorf("create gloss_refs vtab: %w", err)
	}

	tableName := schema.Table
	if tableName == "" {
		tableName = "notes"
	}

	return &SQLiteGraph{
		db:          db,
		dbPath:      dbPath,
		schema:      schema,
		render:      render,
		levels:      compileLevels(schema),
		tableName:   tableName,
		refsDB:      refsDB,
		dbID:        dbID,
		pendingRefs: make(map[string]*roaring.Bitmap),
		fileIDMap:   make(map[string]uint32),
		content:     newContentCache(2048),
	}, nil
}

func compileLevels(schema *api.Topology) []*schemaLevel {
	var out []*schemaLevel
	for _, node := range schema.Nodes {
		out = append(out, compileOneLevel(node, 0))
	}
	return out
}

func compileOneLevel(node api.Node, depth int) *schemaLevel {
	l := &schemaLevel{
		nameRaw:  node.Name,
		selector: node.Selector,
		files:    node.Files,
		depth:    depth,
	}
	if strings.Contains(node.Name, "{{") {
		l.fields = extractFieldPaths([]string{node.Name})
	} else {
		l.isStatic = true
		l.staticName = node.Name
	}
	for _, child := range node.Children {
		l.children = append(l.children, compileOneLevel(child, depth+1))
	}
	return l
}

// ---------------------------------------------------------------------------
// Graph interface
// ---------------------------------------------------------------------------

func (g *SQLiteGraph) GetNode(id string) (*Node, error) {
	id = trimSlash(id)
	if id == "" {
		return &Node{ID: "", Mode: os.ModeDir | 0o555}, nil
	}

	segments := strings.Split(id, "/")
	level, fileLeaf := g.walkSchema(segments)
	if level == nil {
		return nil, ErrNotFound
	}

	if fileLeaf != nil {
		return g.fileNode(id, segments, fileLeaf)
	}

	// Directory node — verify it actually exists in the DB.
	rootName := segments[0]
	if err := g.ensureScanned(rootName); err != nil {
		return nil, err
	}

	// Schema roots exist regardless of corpus content.
	if len(segments) == 1 {
		if g.findRootLevel(rootName) != nil {
			return &Node{ID: id, Mode: os.ModeDir | 0o555}, nil
		}
		return nil, ErrNotFound
	}

	parentPath := strings.Join(segments[:len(segments)-1], "/")
	if g.isChild(parentPath, id) {
		return &Node{ID: id, Mode: os.ModeDir | 0o555}, nil
	}
	return nil, ErrNotFound
}

// fileNode builds the Node for a rendered file path. The first call
// renders the content to learn its size and warms both caches; later
// calls return a lightweight node carrying only the cached length, so
// a stat never re-renders.
func (g *SQLiteGraph) fileNode(id string, segments []string, leaf *api.Leaf) (*Node, error) {
	if size, ok := g.sizeCache.Load(id); ok {
		return &Node{
			ID:   id,
			Mode: 0o444,
			Ref:  &ContentRef{ContentLen: size.(int64)},
		}, nil
	}
	content, err := g.resolveContent(id, segments, leaf)
	if err != nil {
		return nil, err
	}
	g.sizeCache.Store(id, int64(len(content)))
	return &Node{ID: id, Mode: 0o444, Data: content}, nil
}

func (g *SQLiteGraph) ListChildren(id string) ([]string, error) {
	id = trimSlash(id)

	// Root: the schema's static root names.
	if id == "" {
		var roots []string
		for _, l := range g.levels {
			if l.isStatic {
				roots = append(roots, l.staticName)
			}
		}
		return roots, nil
	}

	segments := strings.Split(id, "/")
	if err := g.ensureScanned(segments[0]); err != nil {
		return nil, err
	}

	if v, ok := g.dirChildren.Load(id); ok {
		return v.([]string), nil
	}
	return nil, ErrNotFound
}

func (g *SQLiteGraph) ReadContent(id string, buf []byte, offset int64) (int, error) {
	id = trimSlash(id)

	segments := strings.Split(id, "/")
	_, fileLeaf := g.walkSchema(segments)
	if fileLeaf == nil {
		return 0, ErrNotFound
	}

	content, err := g.resolveContent(id, segments, fileLeaf)
	if err != nil {
		return 0, err
	}

	if offset >= int64(len(content)) {
		return 0, nil
	}
	return copy(buf, content[offset:]), nil
}

// AddRef accumulates a term reference in memory. No SQL runs until
// FlushRefs writes every bitmap in one transaction.
func (g *SQLiteGraph) AddRef(token, nodeID string) error {
	g.pendingMu.Lock()
	defer g.pendingMu.Unlock()

	fid, ok := g.fileIDMap[nodeID]
	if !ok {
		fid = g.nextFileID
		g.nextFileID++
		g.fileIDMap[nodeID] = fid
	}

	bm, ok := g.pendingRefs[token]
	if !ok {
		bm = roaring.New()
		g.pendingRefs[token] = bm
	}
	bm.Add(fid)
	return nil
}

// LoadRefsFromIndex populates the pending ref accumulator from the note_refs
// table written by the build step, so a mounted index serves term queries
// without re-parsing the corpus. Call FlushRefs afterwards.
func (g *SQLiteGraph) LoadRefsFromIndex() error {
	rows, err := g.db.Query("SELECT token, node_id FROM note_refs")
	if err != nil {
		return fmt.Errorf("query note_refs: %w", err)
	}
	defer func() { _ = rows.Close() }()

	for rows.Next() {
		var token, nodeID string
		if err := rows.Scan(&token, &nodeID); err != nil {
			return fmt.Errorf("scan note_ref: %w", err)
		}
		if err := g.AddRef(token, nodeID); err != nil {
			return err
		}
	}
	return rows.Err()
}

// FlushRefs writes all accumulated refs to the sidecar in one transaction.
// Guarded by sync.Once: a second call returns nil without re-writing, so
// file IDs are assigned exactly once per open.
func (g *SQLiteGraph) FlushRefs() error {
	var flushErr error
	g.flushOnce.Do(func() {
		flushErr = g.writePendingRefs()
	})
	return flushErr
}

func (g *SQLiteGraph) writePendingRefs() error {
	g.pendingMu.Lock()
	refs := g.pendingRefs
	fileIDs := g.fileIDMap
	g.pendingMu.Unlock()

	if len(refs) == 0 {
		return nil
	}

	tx, err := g.refsDB.Begin()
	if err != nil {
		return fmt.Errorf("begin refs flush: %w", err)
	}
	defer func() { _ = tx.Rollback() }() // no-op once committed

	if err := writeRefsTx(tx, fileIDs, refs); err != nil {
		return err
	}
	return tx.Commit()
}

// writeRefsTx writes the file-ID table and one bitmap row per token inside
// tx. Both refs backends produce the same pair of tables, so they share
// the writer.
func writeRefsTx(tx *sql.Tx, fileIDs map[string]uint32, bitmaps map[string]*roaring.Bitmap) error {
	fileStmt, err := tx.Prepare("INSERT OR IGNORE INTO file_ids (id, path) VALUES (?, ?)")
	if err != nil {
		return fmt.Errorf("prepare file_ids insert: %w", err)
	}
	defer func() { _ = fileStmt.Close() }()

	for path, id := range fileIDs {
		if _, err := fileStmt.Exec(id, path); err != nil {
			return fmt.Errorf("insert file_id %s: %w", path, err)
		}
	}

	refStmt, err := tx.Prepare("INSERT OR REPLACE INTO node_refs (token, bitmap) VALUES (?, ?)")
	if err != nil {
		return fmt.Errorf("prepare node_refs insert: %w", err)
	}
	defer func() { _ = refStmt.Close() }()

	var buf bytes.Buffer
	for token, bm := range bitmaps {
		buf.Reset()
		if _, err := bm.WriteTo(&buf); err != nil {
			return fmt.Errorf("serialize bitmap for %s: %w", token, err)
		}
		if _, err := refStmt.Exec(token, buf.Bytes()); err != nil {
			return fmt.Errorf("insert ref %s: %w", token, err)
		}
	}
	return nil
}

// queryColumn collects a single-column string result set. Rows that fail
// to scan are logged and skipped rather than aborting the listing.
func queryColumn(db *sql.DB, query string, args ...any) ([]string, error) {
	rows, err := db.Query(query, args...)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var out []string
	for rows.Next() {
		var s string
		if err := rows.Scan(&s); err != nil {
			log.Printf("refs query: skip row: %v", err)
			continue
		}
		out = append(out, s)
	}
	return out, rows.Err()
}

// GetTermRefs returns the notes that mention the given term in inline code.
// Reads from the sidecar refs database.
func (g *SQLiteGraph) GetTermRefs(token string) ([]*Node, error) {
	var blob []byte
	err := g.refsDB.QueryRow("SELECT bitmap FROM node_refs WHERE token = ?", token).Scan(&blob)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	rb := roaring.New()
	if err := rb.UnmarshalBinary(blob); err != nil {
		return nil, fmt.Errorf("unmarshal bitmap: %w", err)
	}
	ids := rb.ToArray()
	if len(ids) == 0 {
		return nil, nil
	}

	args := make([]any, len(ids))
	marks := make([]string, len(ids))
	for i, id := range ids {
		args[i] = id
		marks[i] = "?"
	}
	paths, err := queryColumn(g.refsDB,
		"SELECT path FROM file_ids WHERE id IN ("+strings.Join(marks, ",")+")", args...)
	if err != nil {
		return nil, fmt.Errorf("query file paths: %w", err)
	}
	return stubNodes(paths, 0o444), nil
}

// GetBacklinks returns the notes linking to the given corpus-relative path.
// Reads the links table written by the build step.
func (g *SQLiteGraph) GetBacklinks(dest string) ([]*Node, error) {
	srcs, err := queryColumn(g.db, "SELECT src FROM links WHERE dest = ? ORDER BY src", dest)
	if err != nil {
		return nil, fmt.Errorf("query links: %w", err)
	}
	return stubNodes(srcs, 0o444), nil
}

// GetLinks returns the corpus-relative paths the given note links to.
func (g *SQLiteGraph) GetLinks(src string) ([]string, error) {
	dests, err := queryColumn(g.db, "SELECT dest FROM links WHERE src = ? ORDER BY dest", src)
	if err != nil {
		return nil, fmt.Errorf("query links: %w", err)
	}
	return dests, nil
}

// NoteDirs returns the leaf directory → record ID mapping for every
// scanned root. Record IDs are corpus-relative note paths, so this
// doubles as the note directory index behind the link vdirs.
func (g *SQLiteGraph) NoteDirs() map[string]string {
	if err := g.EagerScan(); err != nil {
		return nil
	}
	out := make(map[string]string)
	g.recordIDs.Range(func(k, v any) bool {
		out[k.(string)] = v.(string)
		return true
	})
	return out
}

// Invalidate evicts cached size and content for a node. Write-back calls
// this after modifying a file so the next Getattr or Read re-renders.
func (g *SQLiteGraph) Invalidate(id string) {
	g.sizeCache.Delete(id)
	g.content.drop(id)
}

// QueryRefs executes a SQL query against the refs sidecar database,
// which includes the gloss_refs virtual table.
func (g *SQLiteGraph) QueryRefs(query string, args ...any) (*sql.Rows, error) {
	return g.refsDB.Query(query, args...)
}

// Close closes both the index and sidecar database connections.
func (g *SQLiteGraph) Close() error {
	if mod, err := refsvtab.Register(); err == nil && mod != nil {
		mod.UnregisterDB(g.dbID)
	}
	err := g.db.Close()
	if g.refsDB != nil {
		if err2 := g.refsDB.Close(); err == nil {
			err = err2
		}
	}
	return err
}

// ---------------------------------------------------------------------------
// Schema walking
// ---------------------------------------------------------------------------

// walkSchema maps a path to its schema level and (if a file) leaf definition.
// Returns (level, nil) for directories, (level, &leaf) for files, (nil, nil) for invalid paths.
func (g *SQLiteGraph) walkSchema(segments []string) (*schemaLevel, *api.Leaf) {
	return walkSchemaLevels(g.levels, segments)
}

// walkSchemaLevels is the shared walker used by SQLiteGraph and WritableGraph.
func walkSchemaLevels(levels []*schemaLevel, segments []string) (*schemaLevel, *api.Leaf) {
	if len(segments) == 0 {
		return nil, nil
	}

	current := findStaticLevel(levels, segments[0])
	if current == nil {
		return nil, nil
	}

	for _, seg := range segments[1:] {
		if leaf := staticLeaf(current, seg); leaf != nil {
			return current, leaf
		}

		// Descend: a static child whose name matches wins, else the first
		// dynamic child pattern absorbs the segment.
		if len(current.children) == 0 {
			return nil, nil
		}
		next := current.children[0]
		for _, c := range current.children {
			if c.isStatic && c.staticName == seg {
				next = c
				break
			}
		}
		current = next
	}

	return current, nil
}

// staticLeaf returns the leaf definition if seg names a static file at this level.
func staticLeaf(l *schemaLevel, seg string) *api.Leaf {
	for i := range l.files {
		name := l.files[i].Name
		if !strings.Contains(name, "{{") && name == seg {
			return &l.files[i]
		}
	}
	return nil
}

func findStaticLevel(levels []*schemaLevel, name string) *schemaLevel {
	for _, l := range levels {
		if l.isStatic && l.staticName == name {
			return l
		}
	}
	return nil
}

func (g *SQLiteGraph) findRootLevel(name string) *schemaLevel {
	return findStaticLevel(g.levels, name)
}

// ---------------------------------------------------------------------------
// Lazy scanning
// ---------------------------------------------------------------------------

func (g *SQLiteGraph) ensureScanned(rootName string) error {
	val, _ := g.scanOnce.LoadOrStore(rootName, &sync.Once{})
	val.(*sync.Once).Do(func() {
		if err := g.scanRoot(rootName); err != nil {
			g.scanErr.Store(rootName, err)
		}
	})
	if v, ok := g.scanErr.Load(rootName); ok {
		return v.(error)
	}
	return nil
}

// --- Scan types ---

type scanResult struct {
	entries  []pathEntry
	leafDirs []leafMapping
}

type pathEntry struct {
	parent string
	child  string
}

type leafMapping struct {
	dirPath  string
	recordID string
}

// --- Field extraction from name templates ---

// fieldRefRe matches Go template field references like .meta.slug
var fieldRefRe = regexp.MustCompile(`\.(\w+(?:\.\w+)*)`)

// collectNameTemplates gathers all dynamic name template strings from the schema tree.
func collectNameTemplates(level *schemaLevel) []string {
	var tmpls []string
	var walk func(*schemaLevel)
	walk = func(l *schemaLevel) {
		if !l.isStatic {
			tmpls = append(tmpls, l.nameRaw)
		}
		for _, c := range l.children {
			walk(c)
		}
	}
	walk(level)
	return tmpls
}

// extractFieldPaths pulls dotted field references from Go templates.
// e.g. "{{slice .meta.slug 0 4}}" → ["meta.slug"]
func extractFieldPaths(templates []string) []string {
	seen := make(map[string]bool)
	for _, tmpl := range templates {
		for _, m := range fieldRefRe.FindAllStringSubmatch(tmpl, -1) {
			seen[m[1]] = true
		}
	}
	paths := make([]string, 0, len(seen))
	for p := range seen {
		paths = append(paths, p)
	}
	sort.Strings(paths)
	return paths
}

// buildScanQuery builds a SELECT using json_extract for only the fields
// the name templates mention. The full record JSON never leaves SQLite
// during a scan.
func buildScanQuery(tableName string, fieldPaths []string) string {
	cols := make([]string, 0, len(fieldPaths)+1)
	cols = append(cols, "id")
	for _, fp := range fieldPaths {
		cols = append(cols, fmt.Sprintf("json_extract(record, '$.%s')", fp))
	}
	return "SELECT " + strings.Join(cols, ", ") + " FROM " + tableName
}

// setNestedField writes value into m at a dotted path, creating
// intermediate maps as needed.
// e.g. setNestedField(m, "meta.slug", "regex") → m["meta"]["slug"] = "regex"
func setNestedField(m map[string]any, dottedPath, value string) {
	parts := strings.Split(dottedPath, ".")
	current := m
	for _, part := range parts[:len(parts)-1] {
		next, ok := current[part].(map[string]any)
		if !ok {
			next = make(map[string]any)
			current[part] = next
		}
		current = next
	}
	current[parts[len(parts)-1]] = value
}

// hasFields reports whether every dotted field path resolves in the values map.
func hasFields(values map[string]any, paths []string) bool {
	for _, p := range paths {
		current := values
		parts := strings.Split(p, ".")
		for i, part := range parts {
			v, ok := current[part]
			if !ok {
				return false
			}
			if i == len(parts)-1 {
				break
			}
			m, ok := v.(map[string]any)
			if !ok {
				return false
			}
			current = m
		}
	}
	return true
}

// buildValues assembles the minimal nested values map for one scanned row.
// NULL columns (fields a flat json_extract cannot reach for this record)
// are left out; levels that need them are skipped downstream.
func buildValues(fieldPaths []string, scanVals []sql.NullString) map[string]any {
	values := make(map[string]any)
	for i, path := range fieldPaths {
		if !scanVals[i+1].Valid {
			continue
		}
		setNestedField(values, path, scanVals[i+1].String)
	}
	return values
}

// --- Scan implementation ---

// flushBatchSize is the number of records between batch flushes to sync.Map.
// Keeps transient working-map memory bounded for large corpora.
const flushBatchSize = 50000

// scanRoot builds the directory tree for one root with a single streaming
// pass over the notes table. json_extract pulls only the fields the name
// templates mention, so full record JSON never crosses into Go here.
//
// The pass runs inside a read-only transaction: a concurrent rebuild of
// the index cannot leave the tree half old, half new. Every
// flushBatchSize records the working maps fold into the sync.Maps and
// reset, which bounds transient memory on six-figure corpora. Rows that
// fail to scan or render are counted and logged, never silently dropped.
//
// Single-threaded on purpose: the name templates are field lookups that
// render in well under a microsecond, so SQLite I/O dominates and a
// worker pool would add channel overhead without moving the bottleneck.
func (g *SQLiteGraph) scanRoot(rootName string) error {
	level := g.findRootLevel(rootName)
	if level == nil {
		return fmt.Errorf("root %q not found in schema", rootName)
	}

	fieldPaths := extractFieldPaths(collectNameTemplates(level))
	query := buildScanQuery(g.tableName, fieldPaths)

	tx, err := g.db.BeginTx(context.Background(), &sql.TxOptions{ReadOnly: true})
	if err != nil {
		return fmt.Errorf("begin scan tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	rows, err := tx.Query(query)
	if err != nil {
		return fmt.Errorf("scan query: %w", err)
	}
	defer func() { _ = rows.Close() }()

	// Children accumulate as plain slices and fold into the sync.Map in
	// batches. The root key is seeded so an empty corpus still mounts.
	childSlices := make(map[string][]string)
	recIDs := make(map[string]string)
	childSlices[rootName] = nil

	// Per-row scan buffers, allocated once.
	nCols := len(fieldPaths) + 1
	scanVals := make([]sql.NullString, nCols)
	scanPtrs := make([]any, nCols)
	for i := range scanVals {
		scanPtrs[i] = &scanVals[i]
	}

	var result scanResult

	count := 0
	scanErrs := 0
	nullSkips := 0
	for rows.Next() {
		if err := rows.Scan(scanPtrs...); err != nil {
			scanErrs++
			continue
		}

		values := buildValues(fieldPaths, scanVals)

		result.entries = result.entries[:0]
		result.leafDirs = result.leafDirs[:0]
		g.collectPathEntries(level, values, rootName, scanVals[0].String, &result)

		// Record contributed nothing — all its levels had missing fields.
		if len(result.entries) == 0 {
			nullSkips++
			continue
		}

		for _, e := range result.entries {
			childSlices[e.parent] = append(childSlices[e.parent], e.child)
		}
		for _, l := range result.leafDirs {
			recIDs[l.dirPath] = l.recordID
		}

		count++
		if count%100000 == 0 {
			fmt.Printf("\rIndexing %d notes...", count)
		}

		if count%flushBatchSize == 0 {
			flushChildSlices(childSlices, &g.dirChildren)
			for path, id := range recIDs {
				g.recordIDs.Store(path, id)
			}
			childSlices = make(map[string][]string)
			childSlices[rootName] = nil
			recIDs = make(map[string]string)
		}
	}
	if count >= 100000 {
		fmt.Printf("\rIndexed %d notes.\n", count)
	}

	if err := rows.Err(); err != nil {
		return fmt.Errorf("scan rows: %w", err)
	}

	if scanErrs > 0 || nullSkips > 0 {
		log.Printf("scan %q: %d records processed, %d scan errors, %d null-skipped",
			rootName, count, scanErrs, nullSkips)
	}

	flushChildSlices(childSlices, &g.dirChildren)
	for path, id := range recIDs {
		g.recordIDs.Store(path, id)
	}

	return nil
}

// dedupSorted sorts xs and compacts adjacent duplicates in place.
func dedupSorted(xs []string) []string {
	sort.Strings(xs)
	j := 0
	for i, x := range xs {
		if i == 0 || x != xs[i-1] {
			xs[j] = x
			j++
		}
	}
	return xs[:j]
}

// flushChildSlices merges one batch of parent→child edges into the shared
// map. A parent seen in an earlier batch has its old and new children
// re-merged, so batch boundaries never split a directory listing.
func flushChildSlices(slices map[string][]string, target *sync.Map) {
	for parent, children := range slices {
		deduped := dedupSorted(children)
		if existing, ok := target.Load(parent); ok {
			prev := existing.([]string)
			merged := make([]string, 0, len(prev)+len(deduped))
			merged = append(merged, prev...)
			merged = append(merged, deduped...)
			deduped = dedupSorted(merged)
		}
		target.Store(parent, deduped)
	}
}

// collectPathEntries walks the schema children for one record, producing
// parent→child entries and leaf directory→recordID mappings. Dynamic levels
// whose template fields are absent from the record are skipped, along with
// their subtrees.
func (g *SQLiteGraph) collectPathEntries(level *schemaLevel, values map[string]any, parentPath, recordID string, result *scanResult) {
	for _, child := range level.children {
		name := child.staticName
		if !child.isStatic {
			if !hasFields(values, child.fields) {
				continue
			}
			rendered, err := g.render(child.nameRaw, values)
			if err != nil || rendered == "" {
				continue
			}
			name = rendered
		}

		childPath := parentPath + "/" + name
		mark := len(result.entries)
		result.entries = append(result.entries, pathEntry{parent: parentPath, child: childPath})

		// Recurse into deeper directory levels
		if len(child.children) > 0 {
			g.collectPathEntries(child, values, childPath, recordID, result)
		}

		// Leaf directory: add file children and record mapping
		if len(child.files) > 0 {
			result.leafDirs = append(result.leafDirs, leafMapping{dirPath: childPath, recordID: recordID})
			for _, f := range child.files {
				result.entries = append(result.entries, pathEntry{parent: childPath, child: childPath + "/" + f.Name})
			}
		}

		// A fileless static branch whose dynamic levels were all
		// null-skipped would be a permanently empty directory; drop it.
		if child.isStatic && len(child.files) == 0 && len(result.entries) == mark+1 {
			result.entries = result.entries[:mark]
		}
	}
}

// isChild checks whether childPath appears in the cached children of parentPath.
func (g *SQLiteGraph) isChild(parentPath, childPath string) bool {
	v, ok := g.dirChildren.Load(parentPath)
	if !ok {
		return false
	}
	children := v.([]string)
	i := sort.SearchStrings(children, childPath)
	return i < len(children) && children[i] == childPath
}

// ---------------------------------------------------------------------------
// Content resolution
// ---------------------------------------------------------------------------

func (g *SQLiteGraph) resolveContent(filePath string, segments []string, leaf *api.Leaf) ([]byte, error) {
	if c, ok := g.content.get(filePath); ok {
		return c, nil
	}

	// The parent directory's record holds everything the file renders from.
	parentPath := strings.Join(segments[:len(segments)-1], "/")
	if err := g.ensureScanned(segments[0]); err != nil {
		return nil, err
	}

	ridVal, ok := g.recordIDs.Load(parentPath)
	if !ok {
		return nil, ErrNotFound
	}
	recordID := ridVal.(string)

	var raw string
	if err := g.db.QueryRow("SELECT record FROM "+g.tableName+" WHERE id = ?", recordID).Scan(&raw); err != nil {
		return nil, fmt.Errorf("fetch record %s: %w", recordID, err)
	}

	var parsed any
	if err := json.Unmarshal([]byte(raw), &parsed); err != nil {
		return nil, fmt.Errorf("parse record %s: %w", recordID, err)
	}
	values, _ := parsed.(map[string]any)

	rendered, err := g.render(leaf.ContentTemplate, values)
	if err != nil {
		return nil, fmt.Errorf("render %s: %w", filePath, err)
	}

	content := []byte(rendered)
	g.content.put(filePath, content)
	return content, nil
}

// Verify interface compliance at compile time.
var _ Graph = (*SQLiteGraph)(nil)
