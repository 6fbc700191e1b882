package graph

import (
	"database/sql"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/RoaringBitmap/roaring"
	"github.com/agentic-research/gloss/internal/refsvtab"
	_ "modernc.org/sqlite"
)

var ErrNotFound = errors.New("node not found")

// ContentRef describes how to re-fetch a node's content from the SQLite
// index on demand. Nodes that carry a ContentRef instead of inline Data
// stay cheap no matter how large the rendered note is.
type ContentRef struct {
	DBPath     string // Path to the SQLite index
	RecordID   string // Row ID in the notes table
	Template   string // Content template to re-render
	ContentLen int64  // Pre-computed rendered byte length
}

// SourceOrigin tracks the byte range of a note or section in its source file.
// Used by write-back to splice edits into the original Markdown.
type SourceOrigin struct {
	FilePath  string
	StartByte uint32
	EndByte   uint32
}

// A Node is any entry the mount layers can serve: a note body, a section,
// a directory, or a derived view. Mode distinguishes files from
// directories; everything else hangs off Properties.
type Node struct {
	ID         string
	Mode       fs.FileMode       // fs.ModeDir for directories, 0 for regular files
	ModTime    time.Time         // Modification time
	Data       []byte            // Inline content (small files, nil for lazy nodes)
	Ref        *ContentRef       // Lazy content reference (large files, nil for inline nodes)
	Properties map[string][]byte // Metadata / extended attributes
	Children   []string          // Child node IDs (directories only)
	Origin     *SourceOrigin     // Source byte range (nil for dirs and derived views)
	DraftData  []byte            // Last rejected write, kept until a valid write lands
}

// ContentSize returns the byte length of this node's content,
// regardless of whether it is inline or lazy.
func (n *Node) ContentSize() int64 {
	if n.Data != nil {
		return int64(len(n.Data))
	}
	if n.Ref != nil {
		return n.Ref.ContentLen
	}
	return 0
}

// ContentResolverFunc resolves a ContentRef into byte content.
type ContentResolverFunc func(ref *ContentRef) ([]byte, error)

// Graph is what the mount layers read from. MemoryStore backs watch mode,
// SQLiteGraph serves a built index, and HotSwapGraph follows arena
// generations; the NFS layer cannot tell them apart.
type Graph interface {
	GetNode(id string) (*Node, error)
	ListChildren(id string) ([]string, error)
	ReadContent(id string, buf []byte, offset int64) (int, error)
	// GetBacklinks returns the notes whose relative links resolve to the
	// given corpus-relative path.
	GetBacklinks(dest string) ([]*Node, error)
	// GetLinks returns the corpus-relative paths the given note links to.
	GetLinks(src string) ([]string, error)
	// Invalidate evicts cached data for a node (size, content).
	// Called after write-back to force re-render on next access.
	Invalidate(id string)
}

// trimSlash strips the single leading slash NFS lookups carry.
// Node IDs are stored slash-free.
func trimSlash(id string) string {
	if len(id) > 0 && id[0] == '/' {
		return id[1:]
	}
	return id
}

// stubNodes wraps corpus-relative note paths as lightweight file nodes.
// Content stays with the real node in the tree; these carry identity only.
func stubNodes(paths []string, mode fs.FileMode) []*Node {
	nodes := make([]*Node, 0, len(paths))
	for _, p := range paths {
		nodes = append(nodes, &Node{ID: p, Mode: mode})
	}
	return nodes
}

// -----------------------------------------------------------------------------
// MemoryStore: the mutable in-process backend
// -----------------------------------------------------------------------------

type MemoryStore struct {
	mu       sync.RWMutex
	nodes    map[string]*Node
	roots    []string // Top-level nodes (e.g. "notes")
	resolver ContentResolverFunc
	cache    *contentCache
	refs     map[string][]string // term -> []relPath
	links    map[string][]string // src relPath -> []dest relPath
	back     map[string][]string // dest relPath -> []src relPath

	// Roaring bitmap index: source file path → set of node internal IDs.
	// Enables O(k) DeleteFileNodes and ShiftOrigins instead of O(N) full scan.
	fileToNodes map[string]*roaring.Bitmap // FilePath → bitmap of internal node IDs
	nodeIntID   map[string]uint32          // Node.ID → internal bitmap uint32 ID
	intToNodeID []string                   // reverse: uint32 → Node.ID
	nextIntID   uint32                     // monotonic counter

	// Diagnostics: last write status per node path (for _diagnostics/ virtual dir).
	WriteStatus sync.Map // node path (string) → error message (string)

	// Temp-file SQLite sidecar for term reference queries.
	// Same schema as SQLiteGraph's .refs.db (node_refs + file_ids + gloss_refs vtab).
	// Uses a temp file (not :memory:) because the vtab's xFilter needs a second
	// pool connection that can see the same tables — :memory: isolates per-connection.
	refsDB     *sql.DB
	refsDBPath string // temp file path, cleaned up on Close
	dbID       string // unique ID for vtab registry
	flushOnce  sync.Once
	flushErr   error
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		nodes:       make(map[string]*Node),
		roots:       []string{},
		refs:        make(map[string][]string),
		links:       make(map[string][]string),
		back:        make(map[string][]string),
		fileToNodes: make(map[string]*roaring.Bitmap),
		nodeIntID:   make(map[string]uint32),
	}
}

// SetResolver configures lazy content resolution for nodes with ContentRef.
func (s *MemoryStore) SetResolver(fn ContentResolverFunc) {
	s.resolver = fn
	s.cache = newContentCache(1024)
}

// AddRoot registers a node as a top-level root and adds it to the store.
// Callers must explicitly declare roots — there is no heuristic.
func (s *MemoryStore) AddRoot(n *Node) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.nodes[n.ID] = n
	for _, r := range s.roots {
		if r == n.ID {
			return
		}
	}
	s.roots = append(s.roots, n.ID)
}

// AddNode adds a non-root node to the store.
func (s *MemoryStore) AddNode(n *Node) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.nodes[n.ID] = n
	s.indexNode(n)
}

// indexNode assigns an internal bitmap ID and registers the node in
// fileToNodes. Nodes without a source origin never enter the index: they
// cannot be touched by a file delete or an origin shift.
// Must be called with s.mu held.
func (s *MemoryStore) indexNode(n *Node) {
	if n.Origin == nil {
		return
	}
	intID, ok := s.nodeIntID[n.ID]
	if !ok {
		intID = s.nextIntID
		s.nextIntID++
		s.nodeIntID[n.ID] = intID
		for uint32(len(s.intToNodeID)) <= intID {
			s.intToNodeID = append(s.intToNodeID, "")
		}
		s.intToNodeID[intID] = n.ID
	}
	bm, exists := s.fileToNodes[n.Origin.FilePath]
	if !exists {
		bm = roaring.New()
		s.fileToNodes[n.Origin.FilePath] = bm
	}
	bm.Add(intID)
}

// forEachIndexed calls fn for every node ID indexed under filePath.
// The node pointer is nil if the ID is no longer in the store.
// Must be called with s.mu held.
func (s *MemoryStore) forEachIndexed(filePath string, fn func(id string, n *Node)) {
	bm, ok := s.fileToNodes[filePath]
	if !ok {
		return
	}
	it := bm.Iterator()
	for it.HasNext() {
		intID := it.Next()
		if int(intID) >= len(s.intToNodeID) {
			continue
		}
		id := s.intToNodeID[intID]
		if id == "" {
			continue
		}
		fn(id, s.nodes[id])
	}
}

// AddRef records that a note (relPath) mentions a term.
func (s *MemoryStore) AddRef(term, relPath string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.refs[term] = append(s.refs[term], relPath)
	return nil
}

// AddLink records a resolved relative link between two notes.
func (s *MemoryStore) AddLink(src, dest string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, d := range s.links[src] {
		if d == dest {
			return
		}
	}
	s.links[src] = append(s.links[src], dest)
	s.back[dest] = append(s.back[dest], src)
}

// DeleteFileNodes removes every node that originated from the given source
// file. The watcher calls this before re-ingesting a changed file, so it
// runs on every save; the bitmap index keeps it proportional to the file's
// own node count rather than the whole store.
func (s *MemoryStore) DeleteFileNodes(filePath string) {
	// The scanner indexes resolved paths, so resolve before lookup.
	if realPath, err := filepath.EvalSymlinks(filePath); err == nil {
		filePath = realPath
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	bm, hasBitmap := s.fileToNodes[filePath]
	var toDelete []string
	if hasBitmap {
		s.forEachIndexed(filePath, func(id string, _ *Node) {
			toDelete = append(toDelete, id)
		})
	} else {
		// Nodes added before indexing existed: fall back to a full scan.
		for id, n := range s.nodes {
			if n.Origin != nil && n.Origin.FilePath == filePath {
				toDelete = append(toDelete, id)
			}
		}
	}

	deleteSet := make(map[string]struct{}, len(toDelete))
	for _, id := range toDelete {
		deleteSet[id] = struct{}{}
		delete(s.nodes, id)
		if intID, ok := s.nodeIntID[id]; ok {
			if hasBitmap {
				bm.Remove(intID)
			}
			delete(s.nodeIntID, id)
			if int(intID) < len(s.intToNodeID) {
				s.intToNodeID[intID] = ""
			}
		}
	}

	if hasBitmap && bm.IsEmpty() {
		delete(s.fileToNodes, filePath)
	}

	// Surviving directories must not list children that just went away.
	for _, n := range s.nodes {
		if !n.Mode.IsDir() || len(n.Children) == 0 {
			continue
		}
		kept := n.Children[:0]
		changed := false
		for _, c := range n.Children {
			if _, del := deleteSet[c]; del {
				changed = true
			} else {
				kept = append(kept, c)
			}
		}
		if changed {
			n.Children = kept
		}
	}
}

// ShiftOrigins adjusts StartByte/EndByte for all nodes from filePath whose
// origin starts at or after afterByte. delta is the signed byte count change
// (positive = content grew, negative = content shrank).
// Called after splice, BEFORE re-ingest, to keep sibling offsets correct.
func (s *MemoryStore) ShiftOrigins(filePath string, afterByte uint32, delta int32) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.forEachIndexed(filePath, func(_ string, n *Node) {
		if n == nil || n.Origin == nil || n.Origin.FilePath != filePath {
			return
		}
		// Nodes before the splice point keep their offsets.
		if n.Origin.StartByte >= afterByte {
			n.Origin.StartByte = uint32(int32(n.Origin.StartByte) + delta)
			n.Origin.EndByte = uint32(int32(n.Origin.EndByte) + delta)
		}
	})
}

// UpdateNodeContent replaces a file node's inline content after a
// write-back splice. The new origin reflects the spliced span length.
func (s *MemoryStore) UpdateNodeContent(id string, data []byte, origin *SourceOrigin, mtime time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	n, ok := s.nodes[id]
	if !ok {
		return ErrNotFound
	}
	n.Data = data
	n.Ref = nil
	n.ModTime = mtime
	if origin != nil {
		n.Origin = origin
		s.indexNode(n)
	}
	return nil
}

// LastWriteStatus returns the write status recorded for a node path.
// The mount layers surface this through the _diagnostics/ virtual dir.
func (s *MemoryStore) LastWriteStatus(path string) (string, bool) {
	v, ok := s.WriteStatus.Load(path)
	if !ok {
		return "", false
	}
	msg, _ := v.(string)
	return msg, true
}

// SetDraft stores a rejected write buffer on the node so the editing
// agent can read its attempt back. A nil draft clears it.
func (s *MemoryStore) SetDraft(id string, draft []byte) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if n, ok := s.nodes[id]; ok {
		n.DraftData = draft
	}
}

// GetBacklinks implements Graph.
func (s *MemoryStore) GetBacklinks(dest string) ([]*Node, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	srcs, ok := s.back[dest]
	if !ok {
		return nil, nil
	}
	return stubNodes(srcs, 0o444), nil
}

// GetLinks implements Graph.
func (s *MemoryStore) GetLinks(src string) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.links[src], nil
}

// NoteDirs returns every directory that is a note's home in the tree,
// keyed by node ID with corpus-relative note paths as values. The mount
// layers key the backlinks/ and links/ virtual directories off this.
func (s *MemoryStore) NoteDirs() map[string]string {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make(map[string]string)
	for id, n := range s.nodes {
		if !n.Mode.IsDir() || len(n.Properties) == 0 {
			continue
		}
		if rel := string(n.Properties["rel_path"]); rel != "" {
			out[id] = rel
		}
	}
	return out
}

// GetTermRefs returns the notes that mention the given term in inline code.
func (s *MemoryStore) GetTermRefs(term string) ([]*Node, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	ids, ok := s.refs[term]
	if !ok {
		return nil, nil
	}
	return stubNodes(ids, 0o444), nil
}

// Invalidate is a no-op for MemoryStore — nodes are updated in-place.
func (s *MemoryStore) Invalidate(id string) {}

// GetNode implements Graph.
func (s *MemoryStore) GetNode(id string) (*Node, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	n, ok := s.nodes[trimSlash(id)]
	if !ok {
		return nil, ErrNotFound
	}
	return n, nil
}

// ListChildren implements Graph.
func (s *MemoryStore) ListChildren(id string) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if id == "" || id == "/" {
		return s.roots, nil
	}

	n, ok := s.nodes[trimSlash(id)]
	if !ok {
		return nil, ErrNotFound
	}
	return n.Children, nil
}

// ReadContent implements Graph. It handles both inline and lazy content.
func (s *MemoryStore) ReadContent(id string, buf []byte, offset int64) (int, error) {
	node, err := s.GetNode(id)
	if err != nil {
		return 0, err
	}

	data, err := s.contentBytes(id, node)
	if err != nil {
		return 0, err
	}

	// Reads past the end are empty, not an error; the NFS layer maps
	// the zero count to EOF itself.
	if offset >= int64(len(data)) {
		return 0, nil
	}
	return copy(buf, data[offset:]), nil
}

// contentBytes returns the node's full content, resolving lazily if needed.
func (s *MemoryStore) contentBytes(id string, node *Node) ([]byte, error) {
	if node.Data != nil {
		return node.Data, nil
	}
	if node.Ref == nil {
		return nil, nil
	}
	if s.cache != nil {
		if cached, ok := s.cache.get(id); ok {
			return cached, nil
		}
	}
	if s.resolver == nil {
		return nil, errors.New("no resolver configured for lazy content")
	}
	data, err := s.resolver(node.Ref)
	if err != nil {
		return nil, err
	}
	if s.cache != nil {
		s.cache.put(id, data)
	}
	return data, nil
}

// contentCache bounds the resolved-content working set. FIFO eviction is
// enough here: agents read a note a few times in a burst and move on, so
// recency tracking would not change what gets evicted.
type contentCache struct {
	mu      sync.Mutex
	entries map[string][]byte
	order   []string
	limit   int
}

func newContentCache(limit int) *contentCache {
	return &contentCache{
		entries: make(map[string][]byte, limit),
		order:   make([]string, 0, limit),
		limit:   limit,
	}
}

func (c *contentCache) get(key string) ([]byte, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	v, ok := c.entries[key]
	return v, ok
}

func (c *contentCache) put(key string, value []byte) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.entries[key]; ok {
		// Overwrite keeps the original queue position.
		c.entries[key] = value
		return
	}
	if len(c.entries) >= c.limit {
		evict := c.order[0]
		c.order = c.order[1:]
		delete(c.entries, evict)
	}
	c.entries[key] = value
	c.order = append(c.order, key)
}

// drop evicts one key. The queue keeps its slot; the eventual FIFO
// eviction of a dropped key is a no-op.
func (c *contentCache) drop(key string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.entries, key)
}

// reset empties the cache.
func (c *contentCache) reset() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries = make(map[string][]byte)
	c.order = c.order[:0]
}

// -----------------------------------------------------------------------------
// Term-reference sidecar (SQLite + gloss_refs vtab)
// -----------------------------------------------------------------------------

// InitRefsDB opens a SQLite database with the same schema as SQLiteGraph's
// sidecar (node_refs + file_ids + gloss_refs vtab).
// Must be called before FlushRefs. Safe to call multiple times (idempotent).
func (s *MemoryStore) InitRefsDB() error {
	if s.refsDB != nil {
		return nil
	}

	refsMod, err := refsvtab.Register()
	if err != nil {
		return err
	}

	// A temp file rather than :memory:. The vtab's Filter runs inside the
	// SQLite engine on the outer connection and needs a second pool
	// connection to read node_refs/file_ids; with :memory: each connection
	// is its own isolated database. A file plus WAL gives both connections
	// the same view, same arrangement as SQLiteGraph's .refs.db.
	tmpFile, err := os.CreateTemp("", "gloss-refs-*.db")
	if err != nil {
		return fmt.Errorf("create temp refs db: %w", err)
	}
	refsPath := tmpFile.Name()
	_ = tmpFile.Close()

	db, err := sql.Open("sqlite", refsPath)
	if err != nil {
		_ = os.Remove(refsPath)
		return fmt.Errorf("open refs db: %w", err)
	}
	discard := func() {
		_ = db.Close()
		_ = os.Remove(refsPath)
	}

	// One connection for ordinary queries, one reserved for vtab Filter
	// callbacks re-entering the pool.
	db.SetMaxOpenConns(2)

	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		discard()
		return fmt.Errorf("set WAL mode on refs db: %w", err)
	}

	_, err = db.Exec(`
		CREATE TABLE IF NOT EXISTS node_refs (
			token TEXT PRIMARY KEY,
			bitmap BLOB
		);
		CREATE TABLE IF NOT EXISTS file_ids (
			id INTEGER PRIMARY KEY,
			path TEXT UNIQUE NOT NULL
		);
	`)
	if err != nil {
		discard()
		return fmt.Errorf("create refs tables: %w", err)
	}

	// The vtab module is process-global, so each store registers its DB
	// handle under a fresh ID. Parallel stores (tests, mostly) then never
	// collide on a shared pointer.
	dbID := fmt.Sprintf("mem_%d", time.Now().UnixNano())
	refsMod.RegisterDB(dbID, db)

	query := fmt.Sprintf("CREATE VIRTUAL TABLE IF NOT EXISTS gloss_refs USING gloss_refs(%s)", dbID)
	if _, err := db.Exec(query); err != nil {
		refsMod.UnregisterDB(dbID)
		discard()
		return fmt.Errorf("create gloss_refs vtab: %w", err)
	}

	s.refsDB = db
	s.refsDBPath = refsPath
	s.dbID = dbID
	return nil
}

// FlushRefs writes all accumulated refs (from AddRef) into the SQLite
// sidecar as roaring bitmaps. Guarded by sync.Once — safe to call
// multiple times; only the first call performs the flush.
func (s *MemoryStore) FlushRefs() error {
	s.flushOnce.Do(func() {
		s.flushErr = s.flushRefs()
	})
	return s.flushErr
}

func (s *MemoryStore) flushRefs() error {
	if s.refsDB == nil {
		return fmt.Errorf("refsDB not initialized: call InitRefsDB first")
	}

	s.mu.RLock()
	refs := s.refs
	s.mu.RUnlock()

	if len(refs) == 0 {
		return nil
	}

	// Assign file IDs as paths first appear and build one bitmap per
	// token over those IDs.
	fileIDs := make(map[string]uint32)
	bitmaps := make(map[string]*roaring.Bitmap, len(refs))
	for token, paths := range refs {
		bm := roaring.New()
		for _, p := range paths {
			id, ok := fileIDs[p]
			if !ok {
				id = uint32(len(fileIDs))
				fileIDs[p] = id
			}
			bm.Add(id)
		}
		bitmaps[token] = bm
	}

	tx, err := s.refsDB.Begin()
	if err != nil {
		return fmt.Errorf("begin refs flush: %w", err)
	}
	defer func() { _ = tx.Rollback() }() // no-op once committed

	if err := writeRefsTx(tx, fileIDs, bitmaps); err != nil {
		return err
	}
	return tx.Commit()
}

// QueryRefs executes a SQL query against the refs sidecar database,
// which includes the gloss_refs virtual table.
func (s *MemoryStore) QueryRefs(query string, args ...any) (*sql.Rows, error) {
	if s.refsDB == nil {
		return nil, fmt.Errorf("refsDB not initialized: call InitRefsDB first")
	}
	return s.refsDB.Query(query, args...)
}

// Close closes the refs database and removes the temp file.
func (s *MemoryStore) Close() error {
	if s.refsDB == nil {
		return nil
	}
	if mod, err := refsvtab.Register(); err == nil && mod != nil {
		mod.UnregisterDB(s.dbID)
	}
	err := s.refsDB.Close()
	if s.refsDBPath != "" {
		_ = os.Remove(s.refsDBPath)
		_ = os.Remove(s.refsDBPath + "-wal")
		_ = os.Remove(s.refsDBPath + "-shm")
	}
	return err
}

// Verify interface compliance at compile time.
var _ Graph = (*MemoryStore)(nil)
