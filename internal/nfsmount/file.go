package nfsmount

import (
	"fmt"
	"io"

	billy "github.com/go-git/go-billy/v5"

	"github.com/agentic-research/gloss/internal/graph"
)

// WriteBackFunc is invoked when a written file closes. It receives the
// node ID, the note's source origin, and the full replacement content.
type WriteBackFunc func(nodeID string, origin graph.SourceOrigin, content []byte) error

// seekTo computes the cursor for a Seek call. Negative targets clamp
// to zero; seeking past the end is legal.
func seekTo(cur, end, offset int64, whence int) int64 {
	var pos int64
	switch whence {
	case io.SeekStart:
		pos = offset
	case io.SeekCurrent:
		pos = cur + offset
	case io.SeekEnd:
		pos = end + offset
	}
	if pos < 0 {
		pos = 0
	}
	return pos
}

// readAtSlice copies from data at off. Short and empty reads return
// io.EOF alongside whatever was copied.
func readAtSlice(data, p []byte, off int64) (int, error) {
	if off >= int64(len(data)) {
		return 0, io.EOF
	}
	n := copy(p, data[off:])
	if n < len(p) {
		return n, io.EOF
	}
	return n, nil
}

// nodeFile reads note content through graph.ReadContent, so lazy
// SQLite-backed nodes page in without materializing the whole body.
type nodeFile struct {
	id    string
	size  int64
	graph graph.Graph
	pos   int64
}

func (f *nodeFile) Name() string { return f.id }

func (f *nodeFile) Read(p []byte) (int, error) {
	n, err := f.ReadAt(p, f.pos)
	f.pos += int64(n)
	return n, err
}

func (f *nodeFile) ReadAt(p []byte, off int64) (int, error) {
	if off >= f.size {
		return 0, io.EOF
	}
	n, err := f.graph.ReadContent(f.id, p, off)
	if err != nil {
		return 0, err
	}
	if n == 0 {
		return 0, io.EOF
	}
	if off+int64(n) >= f.size {
		return n, io.EOF
	}
	return n, nil
}

func (f *nodeFile) Seek(offset int64, whence int) (int64, error) {
	f.pos = seekTo(f.pos, f.size, offset, whence)
	return f.pos, nil
}

func (f *nodeFile) Write([]byte) (int, error) { return 0, errReadOnly }
func (f *nodeFile) Truncate(int64) error      { return errReadOnly }
func (f *nodeFile) Lock() error               { return nil }
func (f *nodeFile) Unlock() error             { return nil }
func (f *nodeFile) Close() error              { return nil }

// staticFile serves synthesized content: _topology.json and the
// _diagnostics/ entries.
type staticFile struct {
	name string
	data []byte
	pos  int64
}

func (f *staticFile) Name() string { return f.name }

func (f *staticFile) Read(p []byte) (int, error) {
	n, err := readAtSlice(f.data, p, f.pos)
	f.pos += int64(n)
	if err == nil && f.pos >= int64(len(f.data)) {
		err = io.EOF
	}
	return n, err
}

func (f *staticFile) ReadAt(p []byte, off int64) (int, error) {
	return readAtSlice(f.data, p, off)
}

func (f *staticFile) Seek(offset int64, whence int) (int64, error) {
	f.pos = seekTo(f.pos, int64(len(f.data)), offset, whence)
	return f.pos, nil
}

func (f *staticFile) Write([]byte) (int, error) { return 0, errReadOnly }
func (f *staticFile) Truncate(int64) error      { return errReadOnly }
func (f *staticFile) Lock() error               { return nil }
func (f *staticFile) Unlock() error             { return nil }
func (f *staticFile) Close() error              { return nil }

// draftFile buffers NFS WRITE RPCs for one open of a writable note.
// Nothing touches the source until Close, which hands the finished
// draft to the write-back pipeline in a single splice.
type draftFile struct {
	id      string
	origin  graph.SourceOrigin
	buf     []byte
	pos     int64
	written bool // set by Write only, never by Truncate
	onClose WriteBackFunc
}

func (f *draftFile) Name() string { return f.id }

func (f *draftFile) Read(p []byte) (int, error) {
	n, err := readAtSlice(f.buf, p, f.pos)
	f.pos += int64(n)
	if err == nil && f.pos >= int64(len(f.buf)) {
		err = io.EOF
	}
	return n, err
}

func (f *draftFile) ReadAt(p []byte, off int64) (int, error) {
	return readAtSlice(f.buf, p, off)
}

// grow extends the buffer with zero fill; WRITE RPCs may arrive out of
// order and land past the current end.
func (f *draftFile) grow(size int64) {
	if size <= int64(len(f.buf)) {
		return
	}
	grown := make([]byte, size)
	copy(grown, f.buf)
	f.buf = grown
}

func (f *draftFile) Write(p []byte) (int, error) {
	f.grow(f.pos + int64(len(p)))
	n := copy(f.buf[f.pos:], p)
	f.pos += int64(n)
	f.written = true
	return n, nil
}

func (f *draftFile) Seek(offset int64, whence int) (int64, error) {
	f.pos = seekTo(f.pos, int64(len(f.buf)), offset, whence)
	return f.pos, nil
}

// Truncate resizes the draft without marking it written. NFS clients
// send SETATTR(size=0) as Truncate+Close before the first WRITE;
// splicing at that point would wipe the note section from its source.
func (f *draftFile) Truncate(size int64) error {
	if size < int64(len(f.buf)) {
		f.buf = f.buf[:size]
	} else {
		f.grow(size)
	}
	return nil
}

// Close commits the draft. Opens that never wrote leave the source
// untouched.
func (f *draftFile) Close() error {
	if !f.written || f.onClose == nil {
		return nil
	}
	if err := f.onClose(f.id, f.origin, f.buf); err != nil {
		return fmt.Errorf("write-back failed for %s: %w", f.id, err)
	}
	return nil
}

func (f *draftFile) Lock() error   { return nil }
func (f *draftFile) Unlock() error { return nil }

var (
	_ billy.File = (*nodeFile)(nil)
	_ billy.File = (*staticFile)(nil)
	_ billy.File = (*draftFile)(nil)
)
