// Package nfsmount serves a gloss corpus over NFS. It adapts
// graph.Graph to billy.Filesystem for use with willscott/go-nfs, so a
// corpus tree can be mounted read-only for browsing or writable with
// close-commit write-back into the source notes. Note directories gain
// backlinks/ and links/ virtual symlink directories derived from the
// corpus link graph; writable mounts additionally expose _diagnostics/
// with the outcome of the last write-back.
package nfsmount

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path"
	"path/filepath"
	"time"

	billy "github.com/go-git/go-billy/v5"
	"github.com/go-git/go-billy/v5/helper/chroot"

	"github.com/agentic-research/gloss/api"
	"github.com/agentic-research/gloss/internal/graph"
)

var errReadOnly = errors.New("read-only filesystem")

// Any of these flags means the client intends to write.
const writeFlags = os.O_WRONLY | os.O_RDWR | os.O_CREATE | os.O_TRUNC

// GraphFS adapts a gloss Graph to billy.Filesystem.
// This is the bridge between the corpus tree and go-nfs.
type GraphFS struct {
	graph        graph.Graph
	topology     *api.Topology
	topologyJSON []byte
	mountTime    time.Time
	writable     bool
	writeBack    WriteBackFunc
	links        linkIndex
}

// NewGraphFS creates a billy.Filesystem backed by a gloss Graph.
func NewGraphFS(g graph.Graph, topo *api.Topology) *GraphFS {
	tj, _ := json.MarshalIndent(topo, "", "  ")
	tj = append(tj, '\n')
	return &GraphFS{
		graph:        g,
		topology:     topo,
		topologyJSON: tj,
		mountTime:    time.Now(),
	}
}

// SetWriteBack enables write support. The callback is invoked when a
// written file is closed, triggering the splice pipeline.
func (fs *GraphFS) SetWriteBack(fn WriteBackFunc) {
	fs.writable = true
	fs.writeBack = fn
}

// Stat follows symlinks; vdir link entries resolve to their targets.
func (fs *GraphFS) Stat(filename string) (os.FileInfo, error) {
	info, err := fs.Lstat(filename)
	if err != nil {
		return nil, err
	}
	if info.Mode()&os.ModeSymlink == 0 {
		return info, nil
	}
	target, err := fs.Readlink(filename)
	if err != nil {
		return nil, err
	}
	// Targets land on real graph paths, so this recurses at most once.
	return fs.Stat(path.Join(path.Dir(normPath(filename)), target))
}

func (fs *GraphFS) Lstat(filename string) (os.FileInfo, error) {
	filename = normPath(filename)

	switch filename {
	case "/":
		return fs.staticInfo("/", 0, os.ModeDir|0o555), nil
	case "/_topology.json":
		return fs.staticInfo("_topology.json", int64(len(fs.topologyJSON)), 0o444), nil
	}

	if node, err := fs.graph.GetNode(filename); err == nil {
		return fs.nodeInfo(node), nil
	}
	if kind, noteDir, entry := fs.classifyVDir(filename); kind != vdirNone {
		if info, err := fs.vdirFileInfo(kind, noteDir, entry); err == nil {
			return info, nil
		}
	}
	return nil, &os.PathError{Op: "lstat", Path: filename, Err: os.ErrNotExist}
}

func (fs *GraphFS) ReadDir(dir string) ([]os.FileInfo, error) {
	dir = normPath(dir)

	node, err := fs.graph.GetNode(dir)
	if err != nil && dir != "/" {
		// Virtual directories have no graph node of their own.
		if kind, noteDir, entry := fs.classifyVDir(dir); kind != vdirNone && entry == "" {
			return fs.vdirDirList(kind, noteDir), nil
		}
		return nil, &os.PathError{Op: "readdir", Path: dir, Err: os.ErrNotExist}
	}
	if node != nil && !node.Mode.IsDir() {
		return nil, &os.PathError{Op: "readdir", Path: dir, Err: fmt.Errorf("not a directory")}
	}

	children, err := fs.graph.ListChildren(dir)
	if err != nil {
		return nil, &os.PathError{Op: "readdir", Path: dir, Err: os.ErrNotExist}
	}

	infos := make([]os.FileInfo, 0, len(children)+3)
	taken := make(map[string]bool, len(children)+1)

	if dir == "/" {
		info := fs.staticInfo("_topology.json", int64(len(fs.topologyJSON)), 0o444)
		infos = append(infos, info)
		taken[info.Name()] = true
	}
	for _, id := range children {
		child, err := fs.graph.GetNode(id)
		if err != nil {
			continue
		}
		info := fs.nodeInfo(child)
		taken[info.Name()] = true
		infos = append(infos, info)
	}

	// Real children shadow same-named virtual directories.
	return append(infos, fs.virtualEntriesFor(dir, taken)...), nil
}

// Readlink reports the relative target of a backlinks/ or links/ entry.
func (fs *GraphFS) Readlink(link string) (string, error) {
	link = normPath(link)

	// Real nodes are never symlinks and shadow vdir paths.
	if _, err := fs.graph.GetNode(link); err == nil {
		return "", &os.PathError{Op: "readlink", Path: link, Err: os.ErrInvalid}
	}

	kind, noteDir, entry := fs.classifyVDir(link)
	if (kind != vdirBacklinks && kind != vdirLinks) || entry == "" {
		return "", &os.PathError{Op: "readlink", Path: link, Err: os.ErrInvalid}
	}
	e, ok := fs.lookupVDirEntry(kind, noteDir, entry)
	if !ok {
		return "", &os.PathError{Op: "readlink", Path: link, Err: os.ErrNotExist}
	}
	return e.target, nil
}

func (fs *GraphFS) Open(filename string) (billy.File, error) {
	return fs.OpenFile(filename, os.O_RDONLY, 0)
}

func (fs *GraphFS) OpenFile(filename string, flag int, perm os.FileMode) (billy.File, error) {
	filename = normPath(filename)

	if flag&writeFlags != 0 {
		if !fs.writable {
			return nil, errReadOnly
		}
		return fs.openWritable(filename, flag)
	}

	if filename == "/_topology.json" {
		return &staticFile{name: "_topology.json", data: fs.topologyJSON}, nil
	}

	node, err := fs.graph.GetNode(filename)
	if err != nil {
		return fs.openVirtual(filename)
	}
	if node.Mode.IsDir() {
		return nil, &os.PathError{Op: "open", Path: filename, Err: fmt.Errorf("is a directory")}
	}
	return &nodeFile{id: filename, size: node.ContentSize(), graph: fs.graph}, nil
}

// openVirtual serves vdir entries: _diagnostics files by content,
// symlink entries by opening through to their target.
func (fs *GraphFS) openVirtual(filename string) (billy.File, error) {
	kind, noteDir, entry := fs.classifyVDir(filename)
	if kind == vdirNone || entry == "" {
		return nil, &os.PathError{Op: "open", Path: filename, Err: os.ErrNotExist}
	}
	e, ok := fs.lookupVDirEntry(kind, noteDir, entry)
	if !ok {
		return nil, &os.PathError{Op: "open", Path: filename, Err: os.ErrNotExist}
	}
	if kind == vdirDiagnostics {
		return &staticFile{name: entry, data: e.content}, nil
	}
	return fs.Open(path.Join(path.Dir(filename), e.target))
}

// openWritable hands out a draftFile whose close runs the splice
// pipeline. Only nodes with a source origin accept writes; derived views
// have nowhere to splice to.
func (fs *GraphFS) openWritable(filename string, flag int) (billy.File, error) {
	if filename == "/_topology.json" {
		return nil, &os.PathError{Op: "open", Path: filename, Err: fmt.Errorf("read-only virtual file")}
	}

	node, err := fs.graph.GetNode(filename)
	if err != nil {
		if kind, _, _ := fs.classifyVDir(filename); kind != vdirNone {
			return nil, &os.PathError{Op: "open", Path: filename, Err: fmt.Errorf("read-only virtual file")}
		}
		return nil, &os.PathError{Op: "open", Path: filename, Err: os.ErrNotExist}
	}
	if node.Mode.IsDir() {
		return nil, &os.PathError{Op: "open", Path: filename, Err: fmt.Errorf("is a directory")}
	}
	if node.Origin == nil {
		return nil, &os.PathError{Op: "open", Path: filename, Err: fmt.Errorf("no source origin for write-back")}
	}

	// O_RDWR and partial writes need the current bytes underneath them;
	// O_TRUNC starts from empty.
	var prior []byte
	if flag&os.O_TRUNC == 0 {
		if size := node.ContentSize(); size > 0 {
			prior = make([]byte, size)
			n, _ := fs.graph.ReadContent(filename, prior, 0)
			prior = prior[:n]
		}
	}

	return &draftFile{
		id:      filename,
		origin:  *node.Origin,
		buf:     prior,
		onClose: fs.writeBack,
	}, nil
}

// Create accepts NFS CREATE on an existing note. go-nfs closes the
// returned handle straight away and sends the content through separate
// OpenFile/WRITE calls, so a throwaway empty file keeps that premature
// close from splicing nothing into the source.
func (fs *GraphFS) Create(filename string) (billy.File, error) {
	if !fs.writable {
		return nil, errReadOnly
	}
	filename = normPath(filename)

	node, err := fs.graph.GetNode(filename)
	if err != nil {
		return nil, &os.PathError{Op: "create", Path: filename, Err: os.ErrNotExist}
	}
	if node.Origin == nil {
		return nil, &os.PathError{Op: "create", Path: filename, Err: fmt.Errorf("no source origin")}
	}
	return &staticFile{name: filename}, nil
}

// Remove splices an empty span over the node's source range: the section
// disappears from the note and later siblings shift down.
func (fs *GraphFS) Remove(filename string) error {
	if !fs.writable {
		return errReadOnly
	}
	filename = normPath(filename)

	node, err := fs.graph.GetNode(filename)
	if err != nil {
		return &os.PathError{Op: "remove", Path: filename, Err: os.ErrNotExist}
	}
	if node.Origin == nil {
		return &os.PathError{Op: "remove", Path: filename, Err: fmt.Errorf("no source origin for delete")}
	}
	if fs.writeBack == nil {
		return nil
	}
	return fs.writeBack(filename, *node.Origin, []byte{})
}

// The tree shape is owned by the indexer, never by the client.

func (fs *GraphFS) Rename(oldpath, newpath string) error { return errReadOnly }

func (fs *GraphFS) MkdirAll(filename string, perm os.FileMode) error { return errReadOnly }

func (fs *GraphFS) Symlink(target, link string) error { return billy.ErrNotSupported }

func (fs *GraphFS) TempFile(dir, prefix string) (billy.File, error) {
	return nil, billy.ErrNotSupported
}

func (fs *GraphFS) Join(elem ...string) string { return filepath.Join(elem...) }

func (fs *GraphFS) Chroot(path string) (billy.Filesystem, error) {
	return chroot.New(fs, path), nil
}

func (fs *GraphFS) Root() string { return "/" }

// Capabilities reports read/seek, plus write once SetWriteBack has armed
// the splice pipeline.
func (fs *GraphFS) Capabilities() billy.Capability {
	if fs.writable {
		return billy.ReadCapability | billy.WriteCapability | billy.SeekCapability
	}
	return billy.ReadCapability | billy.SeekCapability
}

// normPath maps whatever go-nfs hands us to a clean absolute slash path.
func normPath(p string) string {
	return path.Clean("/" + p)
}

// nodeInfo maps a graph node to billy stat form. Directories and derived
// views are read-only; source-backed notes advertise owner write. Nodes
// without a recorded mtime take the mount time so client attribute
// caches see a stable value.
func (fs *GraphFS) nodeInfo(n *graph.Node) os.FileInfo {
	var mode os.FileMode
	switch {
	case n.Mode.IsDir():
		mode = os.ModeDir | 0o555
	case n.Origin != nil:
		mode = 0o644
	default:
		mode = 0o444
	}

	info := &fileStat{
		name:    filepath.Base(n.ID),
		size:    n.ContentSize(),
		mode:    mode,
		modTime: n.ModTime,
	}
	if info.modTime.IsZero() {
		info.modTime = fs.mountTime
	}
	return info
}

// fileStat is the fixed os.FileInfo shape everything here returns.
type fileStat struct {
	name    string
	size    int64
	mode    os.FileMode
	modTime time.Time
}

func (s *fileStat) Name() string       { return s.name }
func (s *fileStat) Size() int64        { return s.size }
func (s *fileStat) Mode() os.FileMode  { return s.mode }
func (s *fileStat) ModTime() time.Time { return s.modTime }
func (s *fileStat) IsDir() bool        { return s.mode.IsDir() }
func (s *fileStat) Sys() any           { return nil }

// staticInfo builds a fileStat stamped with the mount time.
func (fs *GraphFS) staticInfo(name string, size int64, mode os.FileMode) *fileStat {
	return &fileStat{name: name, size: size, mode: mode, modTime: fs.mountTime}
}

var (
	_ billy.Filesystem = (*GraphFS)(nil)
	_ billy.Capable    = (*GraphFS)(nil)
)
