package nfsmount

import (
	"os"
	"path"
	"sort"
	"strings"
	"sync"

	"github.com/agentic-research/gloss/internal/graph"
)

// The link vdirs materialize the corpus link graph as navigable
// symlinks: every note directory gains backlinks/ (who links here) and
// links/ (where this note links to). Writable mounts additionally gain
// _diagnostics/ with the outcome of the last write-back. None of these
// exist as graph nodes — they are resolved from the link tables and the
// write status on every lookup.

// noteDirSource lists note directories and their corpus-relative paths.
// MemoryStore and SQLiteGraph implement it; backends that cannot are
// served without link vdirs.
type noteDirSource interface {
	NoteDirs() map[string]string
}

// statusSource reports the last write-back outcome for a node path.
type statusSource interface {
	LastWriteStatus(path string) (string, bool)
}

type vdirKind int

const (
	vdirNone vdirKind = iota
	vdirBacklinks
	vdirLinks
	vdirDiagnostics
)

// vdirEntry is one resolved entry inside a virtual directory.
type vdirEntry struct {
	name    string
	target  string // symlink target, relative to the entry's directory
	content []byte // file content for _diagnostics entries
}

// linkIndex caches the note-directory mapping behind the link vdirs.
// Rebuilt on demand after Refresh (watch mode swaps the graph under a
// live mount).
type linkIndex struct {
	mu       sync.RWMutex
	built    bool
	dirToRel map[string]string // "/notes/regex" → "regex.md"
	relToDir map[string]string // "regex.md" → "/notes/regex"
}

func (x *linkIndex) refresh() {
	x.mu.Lock()
	x.built = false
	x.mu.Unlock()
}

// ensure builds the mapping from the graph's note directory index.
// Directories nested under another directory of the same note (the
// sections/ subtree) are dropped: only a note's shallowest home carries
// the link vdirs.
func (x *linkIndex) ensure(g graph.Graph) {
	x.mu.RLock()
	if x.built {
		x.mu.RUnlock()
		return
	}
	x.mu.RUnlock()

	x.mu.Lock()
	defer x.mu.Unlock()
	if x.built {
		return
	}

	x.dirToRel = make(map[string]string)
	x.relToDir = make(map[string]string)
	x.built = true

	src, ok := g.(noteDirSource)
	if !ok {
		return
	}

	raw := src.NoteDirs()
	for id, rel := range raw {
		if nestedUnderSameNote(raw, id, rel) {
			continue
		}
		dir := "/" + strings.TrimPrefix(id, "/")
		x.dirToRel[dir] = rel
		// A note can surface under several topics; the lexicographically
		// first directory is the canonical symlink target.
		if prev, exists := x.relToDir[rel]; !exists || dir < prev {
			x.relToDir[rel] = dir
		}
	}
}

func nestedUnderSameNote(raw map[string]string, id, rel string) bool {
	anc := id
	for {
		i := strings.LastIndex(anc, "/")
		if i < 0 {
			return false
		}
		anc = anc[:i]
		if raw[anc] == rel {
			return true
		}
	}
}

func (x *linkIndex) relOf(dir string) (string, bool) {
	x.mu.RLock()
	defer x.mu.RUnlock()
	rel, ok := x.dirToRel[dir]
	return rel, ok
}

func (x *linkIndex) dirOf(rel string) (string, bool) {
	x.mu.RLock()
	defer x.mu.RUnlock()
	dir, ok := x.relToDir[rel]
	return dir, ok
}

// RefreshLinks invalidates the note-directory index. Watch mode calls
// it after swapping the graph under a live mount.
func (fs *GraphFS) RefreshLinks() {
	fs.links.refresh()
}

// classifyVDir decides whether a path addresses a virtual directory or
// an entry inside one. Real graph nodes take precedence, so callers
// must try the graph first.
func (fs *GraphFS) classifyVDir(p string) (vdirKind, string, string) {
	if graph.IsBacklinksPath(p) {
		if dir, entry := graph.ParseBacklinksPath(p); fs.isNoteDir(dir) {
			return vdirBacklinks, dir, entry
		}
	}
	if graph.IsLinksPath(p) {
		if dir, entry := graph.ParseLinksPath(p); fs.isNoteDir(dir) {
			return vdirLinks, dir, entry
		}
	}
	if fs.writable && graph.IsDiagnosticsPath(p) {
		if dir, entry := graph.ParseDiagnosticsPath(p); fs.hasWritableChild(dir) {
			return vdirDiagnostics, dir, entry
		}
	}
	return vdirNone, "", ""
}

func (fs *GraphFS) isNoteDir(dir string) bool {
	if dir == "" || dir == "/" {
		return false
	}
	fs.links.ensure(fs.graph)
	_, ok := fs.links.relOf(dir)
	return ok
}

// hasWritableChild reports whether the directory holds at least one
// file with a source origin, i.e. a write-back target.
func (fs *GraphFS) hasWritableChild(dir string) bool {
	if dir == "" || dir == "/" {
		return false
	}
	children, err := fs.graph.ListChildren(dir)
	if err != nil {
		return false
	}
	for _, c := range children {
		n, err := fs.graph.GetNode(c)
		if err != nil {
			continue
		}
		if n.Origin != nil {
			return true
		}
	}
	return false
}

// vdirEntries lists a virtual directory. Entries are sorted by name and
// deduplicated; sources without a home in the tree are skipped.
func (fs *GraphFS) vdirEntries(kind vdirKind, noteDir string) []vdirEntry {
	switch kind {
	case vdirBacklinks:
		return fs.backlinkEntries(noteDir)
	case vdirLinks:
		return fs.linkEntries(noteDir)
	case vdirDiagnostics:
		return fs.diagnosticEntries(noteDir)
	}
	return nil
}

// backlinkEntries names each linking note by its directory and points
// the symlink at that directory.
func (fs *GraphFS) backlinkEntries(noteDir string) []vdirEntry {
	rel, ok := fs.links.relOf(noteDir)
	if !ok {
		return nil
	}
	nodes, err := fs.graph.GetBacklinks(rel)
	if err != nil {
		return nil
	}

	srcs := make([]string, 0, len(nodes))
	for _, n := range nodes {
		srcs = append(srcs, n.ID)
	}
	sort.Strings(srcs)

	var entries []vdirEntry
	seen := make(map[string]bool)
	for _, src := range srcs {
		dir, ok := fs.links.dirOf(src)
		if !ok {
			continue
		}
		name := path.Base(dir)
		if seen[name] {
			continue
		}
		seen[name] = true
		entries = append(entries, vdirEntry{
			name:   name,
			target: graph.VDirSymlinkTarget(noteDir, strings.TrimPrefix(dir, "/")),
		})
	}
	return entries
}

// linkEntries mirrors the note's outbound links: each entry is named
// after the destination file and points at the target note's body, so
// reading through the symlink shows the linked note directly.
func (fs *GraphFS) linkEntries(noteDir string) []vdirEntry {
	rel, ok := fs.links.relOf(noteDir)
	if !ok {
		return nil
	}
	dests, err := fs.graph.GetLinks(rel)
	if err != nil {
		return nil
	}
	sort.Strings(dests)

	var entries []vdirEntry
	seen := make(map[string]bool)
	for _, dest := range dests {
		dir, ok := fs.links.dirOf(dest)
		if !ok {
			continue
		}
		body := graph.FindBodyChild(fs.graph, dir)
		if body == "" {
			continue
		}
		name := path.Base(dest)
		if seen[name] {
			continue
		}
		seen[name] = true
		entries = append(entries, vdirEntry{
			name:   name,
			target: graph.VDirSymlinkTarget(noteDir, strings.TrimPrefix(body, "/")),
		})
	}
	return entries
}

// diagnosticEntries surfaces the write-back outcome: the last status,
// advisory lint findings, and the draft kept from a rejected write.
func (fs *GraphFS) diagnosticEntries(dir string) []vdirEntry {
	entries := []vdirEntry{
		{name: "last-write-status", content: fs.statusContent(dir)},
	}
	if lint := fs.statusContent(dir + "/lint"); len(lint) > 0 {
		entries = append(entries, vdirEntry{name: "lint", content: lint})
	}
	if draft := fs.draftContent(dir); draft != nil {
		entries = append(entries, vdirEntry{name: "draft.md", content: draft})
	}
	return entries
}

func (fs *GraphFS) statusContent(key string) []byte {
	ss, ok := fs.graph.(statusSource)
	if !ok {
		return nil
	}
	msg, ok := ss.LastWriteStatus(key)
	if !ok || msg == "" {
		return nil
	}
	if !strings.HasSuffix(msg, "\n") {
		msg += "\n"
	}
	return []byte(msg)
}

func (fs *GraphFS) draftContent(dir string) []byte {
	body := graph.FindBodyChild(fs.graph, dir)
	if body == "" {
		return nil
	}
	n, err := fs.graph.GetNode(body)
	if err != nil {
		return nil
	}
	return n.DraftData
}

// lookupVDirEntry resolves a single named entry.
func (fs *GraphFS) lookupVDirEntry(kind vdirKind, noteDir, name string) (vdirEntry, bool) {
	for _, e := range fs.vdirEntries(kind, noteDir) {
		if e.name == name {
			return e, true
		}
	}
	return vdirEntry{}, false
}

// vdirFileInfo builds the os.FileInfo for a vdir or one of its entries.
func (fs *GraphFS) vdirFileInfo(kind vdirKind, noteDir, name string) (os.FileInfo, error) {
	if name == "" {
		base := "backlinks"
		switch kind {
		case vdirLinks:
			base = "links"
		case vdirDiagnostics:
			base = "_diagnostics"
		}
		return fs.staticInfo(base, 0, os.ModeDir|0o555), nil
	}

	e, ok := fs.lookupVDirEntry(kind, noteDir, name)
	if !ok {
		return nil, os.ErrNotExist
	}
	if kind == vdirDiagnostics {
		return fs.staticInfo(e.name, int64(len(e.content)), 0o444), nil
	}
	return fs.staticInfo(e.name, int64(len(e.target)), os.ModeSymlink|0o777), nil
}

// vdirDirList converts a vdir's entries to directory listing form.
func (fs *GraphFS) vdirDirList(kind vdirKind, noteDir string) []os.FileInfo {
	entries := fs.vdirEntries(kind, noteDir)
	infos := make([]os.FileInfo, 0, len(entries))
	for _, e := range entries {
		info, err := fs.vdirFileInfo(kind, noteDir, e.name)
		if err != nil {
			continue
		}
		infos = append(infos, info)
	}
	return infos
}

// virtualEntriesFor returns the vdir entries a real directory gains in
// its listing: backlinks/ and links/ on note directories, plus
// _diagnostics/ on writable mounts for directories with a spliceable
// child. Names already taken by real children are skipped.
func (fs *GraphFS) virtualEntriesFor(dir string, taken map[string]bool) []os.FileInfo {
	var infos []os.FileInfo
	add := func(name string) {
		if taken[name] {
			return
		}
		infos = append(infos, fs.staticInfo(name, 0, os.ModeDir|0o555))
	}

	if fs.isNoteDir(dir) {
		add("backlinks")
		add("links")
	}
	if fs.writable && fs.hasWritableChild(dir) {
		add("_diagnostics")
	}
	return infos
}
