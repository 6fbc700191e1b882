// Package control maintains the mmap'd control block that tells
// readers which arena generation is live. The flusher bumps Generation
// after every publish; mount watchers poll it and hot-swap their index
// graph when it moves.
package control

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"sync/atomic"
	"unsafe"

	"golang.org/x/sys/unix"
)

const (
	ControlSize = 4096       // one page
	Magic       = 0x474C5343 // 'GLSC'
)

// Block is the on-disk control layout. Readers map it directly, so the
// field order and sizes are frozen.
type Block struct {
	Magic      uint32
	Version    uint32
	Generation uint64 // atomic
	ArenaPath  [256]byte
	ArenaSize  uint64
	Padding    [ControlSize - 272]byte
}

// Controller owns one mapped control file.
type Controller struct {
	path string
	file *os.File
	data []byte
	blk  *Block
}

// OpenOrCreate maps the control file at path, initializing a fresh
// block when the file is new. Existing state survives reopen.
func OpenOrCreate(path string) (*Controller, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("control dir: %w", err)
	}

	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0o644)
	if err != nil {
		return nil, fmt.Errorf("open control: %w", err)
	}

	data, blk, err := mapBlock(f)
	if err != nil {
		_ = f.Close()
		return nil, err
	}

	return &Controller{path: path, file: f, data: data, blk: blk}, nil
}

// mapBlock sizes, maps, and validates the control block.
func mapBlock(f *os.File) ([]byte, *Block, error) {
	info, err := f.Stat()
	if err != nil {
		return nil, nil, fmt.Errorf("stat: %w", err)
	}
	if info.Size() < ControlSize {
		if err := f.Truncate(ControlSize); err != nil {
			return nil, nil, fmt.Errorf("truncate: %w", err)
		}
	}

	data, err := unix.Mmap(int(f.Fd()), 0, ControlSize, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
	if err != nil {
		return nil, nil, fmt.Errorf("mmap: %w", err)
	}

	blk := (*Block)(unsafe.Pointer(&data[0]))
	switch blk.Magic {
	case 0:
		blk.Magic = Magic
		blk.Version = 1
	case Magic:
	default:
		_ = unix.Munmap(data)
		return nil, nil, fmt.Errorf("invalid magic: %x", blk.Magic)
	}
	return data, blk, nil
}

// GetGeneration returns the published generation.
func (c *Controller) GetGeneration() uint64 {
	return atomic.LoadUint64(&c.blk.Generation)
}

// GetArenaPath returns the path of the live arena.
func (c *Controller) GetArenaPath() string {
	b := c.blk.ArenaPath[:]
	if i := bytes.IndexByte(b, 0); i >= 0 {
		return string(b[:i])
	}
	return string(b)
}

// SetArena points the block at a newly published arena. The generation
// store is last so a reader that sees the new generation also sees the
// path and size it belongs to.
func (c *Controller) SetArena(path string, size, generation uint64) error {
	if len(path) >= len(c.blk.ArenaPath) {
		return fmt.Errorf("path too long (max %d)", len(c.blk.ArenaPath)-1)
	}

	copy(c.blk.ArenaPath[:], path)
	c.blk.ArenaPath[len(path)] = 0
	c.blk.ArenaSize = size

	atomic.StoreUint64(&c.blk.Generation, generation)
	return nil
}

// Close drops the mapping and releases the file.
func (c *Controller) Close() error {
	if err := unix.Munmap(c.data); err != nil {
		return err
	}
	return c.file.Close()
}
