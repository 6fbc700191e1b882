// Package fs exposes a note graph as a read-only FUSE filesystem via
// cgofuse. The NFS server in nfsmount is the default transport; this
// backend is for hosts with a native FUSE driver (macFUSE, WinFsp)
// where a kernel mount is preferred over localhost NFS.
package fs

import (
	"path/filepath"
	"sync"
	"time"

	"github.com/agentic-research/gloss/api"
	"github.com/agentic-research/gloss/internal/graph"
	"github.com/winfsp/cgofuse/fuse"
)

// GlossFS implements the FUSE interface from cgofuse.
// Directories are graph nodes with ModeDir; everything else is served as a
// regular file through Graph.ReadContent, so lazy SQLite-backed nodes render
// on first read.
type GlossFS struct {
	fuse.FileSystemBase
	Topology  *api.Topology
	Graph     graph.Graph
	mountTime fuse.Timespec

	// Opendir caches the entry list per handle so Readdir paging stays
	// stable while the kernel walks a directory that may be re-rendered
	// underneath it.
	dirMu   sync.Mutex
	dirs    map[uint64][]string
	nextDir uint64
}

func NewGlossFS(topo *api.Topology, g graph.Graph) *GlossFS {
	return &GlossFS{
		Topology:  topo,
		Graph:     g,
		mountTime: fuse.NewTimespec(time.Now()),
		dirs:      make(map[uint64][]string),
		nextDir:   1, // fh 0 means "no Opendir handle"
	}
}

// Open succeeds only for file nodes. Handles are stateless; Read resolves
// content by path.
func (fs *GlossFS) Open(path string, flags int) (int, uint64) {
	node, err := fs.Graph.GetNode(path)
	if err != nil {
		return -fuse.ENOENT, 0
	}
	if node.Mode.IsDir() {
		return -fuse.EISDIR, 0
	}
	return 0, 0
}

// Getattr (stat).
func (fs *GlossFS) Getattr(path string, stat *fuse.Stat_t, fh uint64) int {
	stat.Atim = fs.mountTime
	stat.Mtim = fs.mountTime
	stat.Ctim = fs.mountTime
	stat.Birthtim = fs.mountTime

	// Root is always there
	if path == "/" {
		stat.Mode = fuse.S_IFDIR | 0o555
		stat.Nlink = 2
		return 0
	}

	node, err := fs.Graph.GetNode(path)
	if err != nil {
		return -fuse.ENOENT
	}

	if node.Mode.IsDir() {
		stat.Mode = fuse.S_IFDIR | 0o555
		stat.Nlink = 2
	} else {
		// Source-backed notes advertise write permission so editors do
		// not open them read-only; the write path itself lives in the
		// NFS overlay.
		perm := uint32(0o444)
		if node.Origin != nil {
			perm = 0o644
		}
		stat.Mode = fuse.S_IFREG | perm
		stat.Nlink = 1
		stat.Size = node.ContentSize()
	}

	if !node.ModTime.IsZero() {
		ts := fuse.NewTimespec(node.ModTime)
		stat.Mtim = ts
		stat.Ctim = ts
	}
	return 0
}

// Opendir resolves the directory once and caches its entry list under a
// fresh handle.
func (fs *GlossFS) Opendir(path string) (int, uint64) {
	entries, errc := fs.direntries(path)
	if errc != 0 {
		return errc, ^uint64(0)
	}

	fs.dirMu.Lock()
	fh := fs.nextDir
	fs.nextDir++
	fs.dirs[fh] = entries
	fs.dirMu.Unlock()
	return 0, fh
}

// Releasedir frees the cached entry list.
func (fs *GlossFS) Releasedir(path string, fh uint64) int {
	fs.dirMu.Lock()
	delete(fs.dirs, fh)
	fs.dirMu.Unlock()
	return 0
}

// Readdir streams entries from the Opendir cache, rebuilding the list when
// the kernel skipped Opendir (fh 0). fill returning false means the reply
// buffer is full; the kernel resumes later with ofst set to the offset we
// passed alongside the last accepted entry.
func (fs *GlossFS) Readdir(path string, fill func(name string, stat *fuse.Stat_t, ofst int64) bool, ofst int64, fh uint64) int {
	fs.dirMu.Lock()
	entries, ok := fs.dirs[fh]
	fs.dirMu.Unlock()

	if !ok {
		var errc int
		entries, errc = fs.direntries(path)
		if errc != 0 {
			return errc
		}
	}

	if ofst < 0 || ofst > int64(len(entries)) {
		return 0
	}
	for i := int(ofst); i < len(entries); i++ {
		if !fill(entries[i], nil, int64(i+1)) {
			break
		}
	}
	return 0
}

// direntries builds the ordered entry list for a directory: ".", "..",
// then children in graph order.
func (fs *GlossFS) direntries(path string) ([]string, int) {
	if path != "/" {
		node, err := fs.Graph.GetNode(path)
		if err != nil {
			return nil, -fuse.ENOENT
		}
		if !node.Mode.IsDir() {
			return nil, -fuse.ENOTDIR
		}
	}

	children, err := fs.Graph.ListChildren(path)
	if err != nil {
		return nil, -fuse.ENOENT
	}

	entries := make([]string, 0, len(children)+2)
	entries = append(entries, ".", "..")
	for _, childID := range children {
		entries = append(entries, filepath.Base(childID))
	}
	return entries, 0
}

// Read (cat file).
func (fs *GlossFS) Read(path string, buff []byte, ofst int64, fh uint64) int {
	node, err := fs.Graph.GetNode(path)
	if err != nil {
		return -fuse.ENOENT
	}
	if node.Mode.IsDir() {
		return -fuse.EISDIR
	}

	n, err := fs.Graph.ReadContent(path, buff, ofst)
	if err != nil {
		return -fuse.EIO
	}
	return n
}
