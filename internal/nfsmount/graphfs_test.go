package nfsmount

import (
	"fmt"
	"io/fs"
	"net"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agentic-research/gloss/api"
	"github.com/agentic-research/gloss/internal/graph"
)

var (
	indexBody = []byte("# Perl study notes\n\nStart with [regex](regex.md) or [io](io.md).\n")
	ioBody    = []byte("# File IO\n\nOpen with the three-argument form of `open`.\n")
	regexBody = []byte("# Regular expressions\n\nMatch with `=~`, bind captures to `$1`.\n")
)

func addNote(store *graph.MemoryStore, dir, rel string, body []byte) {
	store.AddNode(&graph.Node{
		ID:         dir,
		Mode:       fs.ModeDir,
		Properties: map[string][]byte{"rel_path": []byte(rel)},
		Children:   []string{dir + "/body.md"},
	})
	store.AddNode(&graph.Node{
		ID:   dir + "/body.md",
		Mode: 0,
		Data: body,
	})
}

func newTestGraph() *graph.MemoryStore {
	store := graph.NewMemoryStore()

	store.AddRoot(&graph.Node{
		ID:       "notes",
		Mode:     fs.ModeDir,
		Children: []string{"notes/index", "notes/io", "notes/regex"},
	})

	addNote(store, "notes/index", "index.md", indexBody)
	addNote(store, "notes/io", "io.md", ioBody)
	addNote(store, "notes/regex", "regex.md", regexBody)

	store.AddLink("index.md", "regex.md")
	store.AddLink("index.md", "io.md")
	store.AddLink("regex.md", "io.md")

	return store
}

func newTestTopology() *api.Topology {
	return &api.Topology{Version: "v1", Table: "notes"}
}

func entryNames(entries []os.FileInfo) []string {
	names := make([]string, len(entries))
	for i, e := range entries {
		names[i] = e.Name()
	}
	return names
}

func TestStatRoot(t *testing.T) {
	gfs := NewGraphFS(newTestGraph(), newTestTopology())

	info, err := gfs.Stat("/")
	require.NoError(t, err)
	assert.True(t, info.IsDir())
	assert.Equal(t, "/", info.Name())
}

func TestStatTopologyJSON(t *testing.T) {
	gfs := NewGraphFS(newTestGraph(), newTestTopology())

	info, err := gfs.Stat("/_topology.json")
	require.NoError(t, err)
	assert.False(t, info.IsDir())
	assert.Equal(t, "_topology.json", info.Name())
	assert.True(t, info.Size() > 0)
}

func TestStatNoteFile(t *testing.T) {
	gfs := NewGraphFS(newTestGraph(), newTestTopology())

	info, err := gfs.Stat("/notes/regex/body.md")
	require.NoError(t, err)
	assert.False(t, info.IsDir())
	assert.Equal(t, "body.md", info.Name())
	assert.Equal(t, int64(len(regexBody)), info.Size())
}

func TestStatNoteDir(t *testing.T) {
	gfs := NewGraphFS(newTestGraph(), newTestTopology())

	info, err := gfs.Stat("/notes/regex")
	require.NoError(t, err)
	assert.True(t, info.IsDir())
	assert.Equal(t, "regex", info.Name())
}

func TestStatNotFound(t *testing.T) {
	gfs := NewGraphFS(newTestGraph(), newTestTopology())

	_, err := gfs.Stat("/nonexistent")
	assert.True(t, os.IsNotExist(err))
}

func TestReadDirRoot(t *testing.T) {
	gfs := NewGraphFS(newTestGraph(), newTestTopology())

	entries, err := gfs.ReadDir("/")
	require.NoError(t, err)

	names := entryNames(entries)
	assert.Contains(t, names, "_topology.json")
	assert.Contains(t, names, "notes")
}

func TestReadDirNoteDir(t *testing.T) {
	gfs := NewGraphFS(newTestGraph(), newTestTopology())

	entries, err := gfs.ReadDir("/notes/regex")
	require.NoError(t, err)

	names := entryNames(entries)
	assert.Contains(t, names, "body.md")
	assert.Contains(t, names, "backlinks")
	assert.Contains(t, names, "links")
	// Diagnostics only exist on writable mounts.
	assert.NotContains(t, names, "_diagnostics")
}

func TestPlainDirHasNoVDirs(t *testing.T) {
	gfs := NewGraphFS(newTestGraph(), newTestTopology())

	entries, err := gfs.ReadDir("/notes")
	require.NoError(t, err)

	names := entryNames(entries)
	assert.NotContains(t, names, "backlinks")
	assert.NotContains(t, names, "links")
}

func TestOpenAndRead(t *testing.T) {
	gfs := NewGraphFS(newTestGraph(), newTestTopology())

	f, err := gfs.Open("/notes/regex/body.md")
	require.NoError(t, err)
	defer func() { _ = f.Close() }()

	buf := make([]byte, 1024)
	n, _ := f.Read(buf)
	// Read may return io.EOF with n > 0, that's fine
	require.True(t, n > 0)
	assert.Contains(t, string(buf[:n]), "Regular expressions")
}

func TestOpenTopologyJSON(t *testing.T) {
	gfs := NewGraphFS(newTestGraph(), newTestTopology())

	f, err := gfs.Open("/_topology.json")
	require.NoError(t, err)
	defer func() { _ = f.Close() }()

	buf := make([]byte, 4096)
	n, _ := f.Read(buf)
	require.True(t, n > 0)
	assert.Contains(t, string(buf[:n]), "v1")
}

func TestReadAt(t *testing.T) {
	gfs := NewGraphFS(newTestGraph(), newTestTopology())

	f, err := gfs.Open("/notes/regex/body.md")
	require.NoError(t, err)
	defer func() { _ = f.Close() }()

	buf := make([]byte, 10)
	n, _ := f.ReadAt(buf, 2)
	require.True(t, n > 0)
	assert.Equal(t, "Regular ex", string(buf[:n]))
}

func TestSeek(t *testing.T) {
	gfs := NewGraphFS(newTestGraph(), newTestTopology())

	f, err := gfs.Open("/notes/regex/body.md")
	require.NoError(t, err)
	defer func() { _ = f.Close() }()

	pos, err := f.Seek(2, 0)
	require.NoError(t, err)
	assert.Equal(t, int64(2), pos)

	buf := make([]byte, 7)
	n, _ := f.Read(buf)
	require.True(t, n > 0)
	assert.Equal(t, "Regular", string(buf[:n]))
}

func TestOpenNotFound(t *testing.T) {
	gfs := NewGraphFS(newTestGraph(), newTestTopology())

	_, err := gfs.Open("/nonexistent")
	assert.Error(t, err)
}

func TestReadOnly(t *testing.T) {
	gfs := NewGraphFS(newTestGraph(), newTestTopology())

	_, err := gfs.Create("newfile.md")
	assert.Equal(t, errReadOnly, err)

	err = gfs.MkdirAll("/newdir", 0o755)
	assert.Equal(t, errReadOnly, err)

	err = gfs.Remove("/notes/regex/body.md")
	assert.Equal(t, errReadOnly, err)

	err = gfs.Rename("/notes", "/renamed")
	assert.Equal(t, errReadOnly, err)
}

func TestCapabilities(t *testing.T) {
	gfs := NewGraphFS(newTestGraph(), newTestTopology())

	caps := gfs.Capabilities()
	assert.NotZero(t, caps&2) // ReadCapability (1 << 1)
	assert.NotZero(t, caps&8) // SeekCapability (1 << 3)
	assert.Zero(t, caps&1)    // WriteCapability (1 << 0) should NOT be set
}

func TestRoot(t *testing.T) {
	gfs := NewGraphFS(newTestGraph(), newTestTopology())
	assert.Equal(t, "/", gfs.Root())
}

func TestJoin(t *testing.T) {
	gfs := NewGraphFS(newTestGraph(), newTestTopology())
	assert.Equal(t, "a/b/c", gfs.Join("a", "b", "c"))
}

// --- link vdirs ---

func TestBacklinksListing(t *testing.T) {
	gfs := NewGraphFS(newTestGraph(), newTestTopology())

	entries, err := gfs.ReadDir("/notes/io/backlinks")
	require.NoError(t, err)
	assert.Equal(t, []string{"index", "regex"}, entryNames(entries))

	for _, e := range entries {
		assert.NotZero(t, e.Mode()&os.ModeSymlink, "%s should be a symlink", e.Name())
	}
}

func TestLinksListing(t *testing.T) {
	gfs := NewGraphFS(newTestGraph(), newTestTopology())

	entries, err := gfs.ReadDir("/notes/regex/links")
	require.NoError(t, err)
	assert.Equal(t, []string{"io.md"}, entryNames(entries))
}

func TestReadlinkBacklink(t *testing.T) {
	gfs := NewGraphFS(newTestGraph(), newTestTopology())

	target, err := gfs.Readlink("/notes/io/backlinks/regex")
	require.NoError(t, err)
	assert.Equal(t, "../../../notes/regex", target)
}

func TestReadlinkLink(t *testing.T) {
	gfs := NewGraphFS(newTestGraph(), newTestTopology())

	target, err := gfs.Readlink("/notes/regex/links/io.md")
	require.NoError(t, err)
	// Points at the target note's body so reading through the link
	// shows the note directly.
	assert.Equal(t, "../../../notes/io/body.md", target)
}

func TestReadlinkOnRealNode(t *testing.T) {
	gfs := NewGraphFS(newTestGraph(), newTestTopology())

	_, err := gfs.Readlink("/notes/regex/body.md")
	assert.Error(t, err)
}

func TestStatFollowsLink(t *testing.T) {
	gfs := NewGraphFS(newTestGraph(), newTestTopology())

	li, err := gfs.Lstat("/notes/regex/links/io.md")
	require.NoError(t, err)
	assert.NotZero(t, li.Mode()&os.ModeSymlink)

	si, err := gfs.Stat("/notes/regex/links/io.md")
	require.NoError(t, err)
	assert.Zero(t, si.Mode()&os.ModeSymlink)
	assert.Equal(t, int64(len(ioBody)), si.Size())
}

func TestOpenThroughLink(t *testing.T) {
	gfs := NewGraphFS(newTestGraph(), newTestTopology())

	f, err := gfs.Open("/notes/regex/links/io.md")
	require.NoError(t, err)
	defer func() { _ = f.Close() }()

	buf := make([]byte, 1024)
	n, _ := f.Read(buf)
	require.True(t, n > 0)
	assert.Contains(t, string(buf[:n]), "File IO")
}

func TestVDirEntryNotFound(t *testing.T) {
	gfs := NewGraphFS(newTestGraph(), newTestTopology())

	_, err := gfs.Lstat("/notes/regex/links/nope.md")
	assert.True(t, os.IsNotExist(err))

	_, err = gfs.Open("/notes/regex/backlinks/nope")
	assert.Error(t, err)
}

func TestNestedNoteDirCarriesNoVDirs(t *testing.T) {
	store := newTestGraph()

	// The engine stamps sections/ with the same note path as its parent.
	// Only the note's shallowest home gets the link vdirs.
	store.AddNode(&graph.Node{
		ID:         "notes/regex/sections",
		Mode:       fs.ModeDir,
		Properties: map[string][]byte{"rel_path": []byte("regex.md")},
	})
	regex, err := store.GetNode("notes/regex")
	require.NoError(t, err)
	regex.Children = append(regex.Children, "notes/regex/sections")

	gfs := NewGraphFS(store, newTestTopology())

	entries, err := gfs.ReadDir("/notes/regex/sections")
	require.NoError(t, err)
	assert.NotContains(t, entryNames(entries), "backlinks")

	// The parent still resolves as the note's canonical directory.
	target, err := gfs.Readlink("/notes/io/backlinks/regex")
	require.NoError(t, err)
	assert.Equal(t, "../../../notes/regex", target)
}

// --- write-back ---

const validNote = "# Regular expressions\n\nBind with `=~` and negate with `!~`.\n\n```perl\nmy $ok = $line =~ /^\\d+\\z/;\n```\n"

func newWritableFixture(t *testing.T) (*graph.MemoryStore, *GraphFS, string) {
	t.Helper()

	dir := t.TempDir()
	notePath := filepath.Join(dir, "regex.md")
	require.NoError(t, os.WriteFile(notePath, []byte(validNote), 0o644))

	store := graph.NewMemoryStore()
	store.AddRoot(&graph.Node{
		ID:       "notes",
		Mode:     fs.ModeDir,
		Children: []string{"notes/regex"},
	})
	store.AddNode(&graph.Node{
		ID:         "notes/regex",
		Mode:       fs.ModeDir,
		Properties: map[string][]byte{"rel_path": []byte("regex.md")},
		Children:   []string{"notes/regex/body.md", "notes/regex/outline"},
	})
	store.AddNode(&graph.Node{
		ID:   "notes/regex/body.md",
		Mode: 0,
		Data: []byte(validNote),
		Origin: &graph.SourceOrigin{
			FilePath:  notePath,
			StartByte: 0,
			EndByte:   uint32(len(validNote)),
		},
	})
	// Derived view without a source origin: read-only even on a
	// writable mount.
	store.AddNode(&graph.Node{
		ID:   "notes/regex/outline",
		Mode: 0,
		Data: []byte("# Regular expressions\n"),
	})

	gfs := NewGraphFS(store, newTestTopology())
	gfs.SetWriteBack(NewNoteWriteBack(store, nil))
	return store, gfs, notePath
}

func TestWritableCapabilities(t *testing.T) {
	_, gfs, _ := newWritableFixture(t)

	caps := gfs.Capabilities()
	assert.NotZero(t, caps&1) // WriteCapability
}

func TestWriteBackCommitsOnClose(t *testing.T) {
	store, gfs, notePath := newWritableFixture(t)

	next := "# Regular expressions\n\nRewritten from the mount.\n"

	f, err := gfs.OpenFile("/notes/regex/body.md", os.O_WRONLY|os.O_TRUNC, 0o644)
	require.NoError(t, err)
	_, err = f.Write([]byte(next))
	require.NoError(t, err)
	require.NoError(t, f.Close())

	onDisk, err := os.ReadFile(notePath)
	require.NoError(t, err)
	assert.Equal(t, next, string(onDisk))

	node, err := store.GetNode("notes/regex/body.md")
	require.NoError(t, err)
	assert.Equal(t, next, string(node.Data))
	require.NotNil(t, node.Origin)
	assert.Equal(t, uint32(len(next)), node.Origin.EndByte)

	status, ok := store.LastWriteStatus("/notes/regex")
	require.True(t, ok)
	assert.Equal(t, "ok", status)

	info, err := gfs.Stat("/notes/regex/body.md")
	require.NoError(t, err)
	assert.Equal(t, int64(len(next)), info.Size())
}

func TestWriteBackFormatsGoFences(t *testing.T) {
	_, gfs, notePath := newWritableFixture(t)

	next := "# Regular expressions\n\n```go\nfunc main() {\nx:=1\n_=x\n}\n```\n"

	f, err := gfs.OpenFile("/notes/regex/body.md", os.O_WRONLY|os.O_TRUNC, 0o644)
	require.NoError(t, err)
	_, err = f.Write([]byte(next))
	require.NoError(t, err)
	require.NoError(t, f.Close())

	onDisk, err := os.ReadFile(notePath)
	require.NoError(t, err)
	assert.Contains(t, string(onDisk), "\tx := 1\n")
	assert.NotContains(t, string(onDisk), "x:=1")
}

func TestWriteBackRejectsUnclosedFence(t *testing.T) {
	store, gfs, notePath := newWritableFixture(t)

	broken := "# Regular expressions\n\n```perl\nmy $x = 1;\n"

	f, err := gfs.OpenFile("/notes/regex/body.md", os.O_WRONLY|os.O_TRUNC, 0o644)
	require.NoError(t, err)
	_, err = f.Write([]byte(broken))
	require.NoError(t, err)
	// The RPC succeeds — the rejection is reported through diagnostics,
	// not as an I/O error the client would retry.
	require.NoError(t, f.Close())

	onDisk, err := os.ReadFile(notePath)
	require.NoError(t, err)
	assert.Equal(t, validNote, string(onDisk), "source note must stay untouched")

	status, ok := store.LastWriteStatus("/notes/regex")
	require.True(t, ok)
	assert.Contains(t, status, "never closed")

	node, err := store.GetNode("notes/regex/body.md")
	require.NoError(t, err)
	assert.Equal(t, broken, string(node.DraftData))
}

func TestTruncateOnlyDoesNotSplice(t *testing.T) {
	store, gfs, notePath := newWritableFixture(t)

	// NFS SETATTR(size=0) arrives as Truncate+Close with no Write.
	f, err := gfs.OpenFile("/notes/regex/body.md", os.O_WRONLY, 0o644)
	require.NoError(t, err)
	require.NoError(t, f.Truncate(0))
	require.NoError(t, f.Close())

	onDisk, err := os.ReadFile(notePath)
	require.NoError(t, err)
	assert.Equal(t, validNote, string(onDisk))

	_, ok := store.LastWriteStatus("/notes/regex")
	assert.False(t, ok, "no write-back should have run")
}

func TestOpenWritableRequiresOrigin(t *testing.T) {
	_, gfs, _ := newWritableFixture(t)

	_, err := gfs.OpenFile("/notes/regex/outline", os.O_WRONLY, 0o644)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "no source origin")

	err = gfs.Remove("/notes/regex/outline")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "no source origin")
}

func TestLintWarningsSurfaceWithoutBlocking(t *testing.T) {
	store, gfs, notePath := newWritableFixture(t)

	dup := "# Regular expressions\n\n## Notes\n\nfirst\n\n## Notes\n\nsecond\n"

	f, err := gfs.OpenFile("/notes/regex/body.md", os.O_WRONLY|os.O_TRUNC, 0o644)
	require.NoError(t, err)
	_, err = f.Write([]byte(dup))
	require.NoError(t, err)
	require.NoError(t, f.Close())

	// Advisory findings never block the splice.
	onDisk, err := os.ReadFile(notePath)
	require.NoError(t, err)
	assert.Equal(t, dup, string(onDisk))

	status, ok := store.LastWriteStatus("/notes/regex")
	require.True(t, ok)
	assert.Equal(t, "ok", status)

	lint, ok := store.LastWriteStatus("/notes/regex/lint")
	require.True(t, ok)
	assert.Contains(t, lint, "duplicate heading")
}

func TestDiagnosticsLifecycle(t *testing.T) {
	_, gfs, _ := newWritableFixture(t)

	broken := "# Regular expressions\n\n```perl\nmy $x = 1;\n"

	f, err := gfs.OpenFile("/notes/regex/body.md", os.O_WRONLY|os.O_TRUNC, 0o644)
	require.NoError(t, err)
	_, err = f.Write([]byte(broken))
	require.NoError(t, err)
	require.NoError(t, f.Close())

	entries, err := gfs.ReadDir("/notes/regex/_diagnostics")
	require.NoError(t, err)
	names := entryNames(entries)
	assert.Contains(t, names, "last-write-status")
	assert.Contains(t, names, "draft.md")

	df, err := gfs.Open("/notes/regex/_diagnostics/draft.md")
	require.NoError(t, err)
	buf := make([]byte, 4096)
	n, _ := df.Read(buf)
	assert.Equal(t, broken, string(buf[:n]))
	_ = df.Close()

	sf, err := gfs.Open("/notes/regex/_diagnostics/last-write-status")
	require.NoError(t, err)
	n, _ = sf.Read(buf)
	assert.Contains(t, string(buf[:n]), "never closed")
	_ = sf.Close()

	// A valid write clears the draft.
	f, err = gfs.OpenFile("/notes/regex/body.md", os.O_WRONLY|os.O_TRUNC, 0o644)
	require.NoError(t, err)
	_, err = f.Write([]byte("# Regular expressions\n\nFixed.\n"))
	require.NoError(t, err)
	require.NoError(t, f.Close())

	entries, err = gfs.ReadDir("/notes/regex/_diagnostics")
	require.NoError(t, err)
	assert.NotContains(t, entryNames(entries), "draft.md")

	sf, err = gfs.Open("/notes/regex/_diagnostics/last-write-status")
	require.NoError(t, err)
	n, _ = sf.Read(buf)
	assert.Equal(t, "ok\n", string(buf[:n]))
	_ = sf.Close()
}

func newSectionFixture(t *testing.T) (*graph.MemoryStore, *GraphFS, string, string) {
	t.Helper()

	src := "# Regex\n\n## Anchors\n\nAnchors pin matches.\n\n## Quantifiers\n\nGreedy by default.\n"
	aStart := strings.Index(src, "## Anchors")
	bStart := strings.Index(src, "## Quantifiers")

	dir := t.TempDir()
	notePath := filepath.Join(dir, "regex.md")
	require.NoError(t, os.WriteFile(notePath, []byte(src), 0o644))

	store := graph.NewMemoryStore()
	store.AddRoot(&graph.Node{
		ID:       "notes",
		Mode:     fs.ModeDir,
		Children: []string{"notes/regex"},
	})
	store.AddNode(&graph.Node{
		ID:       "notes/regex",
		Mode:     fs.ModeDir,
		Children: []string{"notes/regex/anchors.md", "notes/regex/quantifiers.md"},
	})
	store.AddNode(&graph.Node{
		ID:   "notes/regex/anchors.md",
		Mode: 0,
		Data: []byte(src[aStart:bStart]),
		Origin: &graph.SourceOrigin{
			FilePath:  notePath,
			StartByte: uint32(aStart),
			EndByte:   uint32(bStart),
		},
	})
	store.AddNode(&graph.Node{
		ID:   "notes/regex/quantifiers.md",
		Mode: 0,
		Data: []byte(src[bStart:]),
		Origin: &graph.SourceOrigin{
			FilePath:  notePath,
			StartByte: uint32(bStart),
			EndByte:   uint32(len(src)),
		},
	})

	gfs := NewGraphFS(store, newTestTopology())
	gfs.SetWriteBack(NewNoteWriteBack(store, nil))
	return store, gfs, notePath, src
}

func TestWriteBackShiftsLaterOrigins(t *testing.T) {
	store, gfs, notePath, src := newSectionFixture(t)

	next := "## Anchors\n\nAnchors pin matches to string edges.\n\n"
	oldLen := strings.Index(src, "## Quantifiers") - strings.Index(src, "## Anchors")
	delta := len(next) - oldLen
	require.NotZero(t, delta)

	f, err := gfs.OpenFile("/notes/regex/anchors.md", os.O_WRONLY|os.O_TRUNC, 0o644)
	require.NoError(t, err)
	_, err = f.Write([]byte(next))
	require.NoError(t, err)
	require.NoError(t, f.Close())

	onDisk, err := os.ReadFile(notePath)
	require.NoError(t, err)
	want := src[:strings.Index(src, "## Anchors")] + next + src[strings.Index(src, "## Quantifiers"):]
	assert.Equal(t, want, string(onDisk))

	// The sibling section after the splice point moved by the delta.
	quant, err := store.GetNode("notes/regex/quantifiers.md")
	require.NoError(t, err)
	require.NotNil(t, quant.Origin)
	assert.Equal(t, uint32(strings.Index(src, "## Quantifiers")+delta), quant.Origin.StartByte)
	assert.Equal(t, uint32(len(src)+delta), quant.Origin.EndByte)
}

func TestRemoveSplicesSpan(t *testing.T) {
	store, gfs, notePath, src := newSectionFixture(t)

	require.NoError(t, gfs.Remove("/notes/regex/quantifiers.md"))

	onDisk, err := os.ReadFile(notePath)
	require.NoError(t, err)
	assert.Equal(t, src[:strings.Index(src, "## Quantifiers")], string(onDisk))

	status, ok := store.LastWriteStatus("/notes/regex")
	require.True(t, ok)
	assert.Equal(t, "ok", status)
}

func TestNFSServerStarts(t *testing.T) {
	gfs := NewGraphFS(newTestGraph(), newTestTopology())

	srv, err := NewServer("", gfs)
	require.NoError(t, err)
	defer func() { _ = srv.Close() }()

	assert.True(t, srv.Port() > 0, "server should be on a valid port")

	// Verify TCP connectivity
	conn, err := net.Dial("tcp", fmt.Sprintf("localhost:%d", srv.Port()))
	require.NoError(t, err)
	_ = conn.Close()
}
