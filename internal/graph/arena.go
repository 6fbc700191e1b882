package graph

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"io"
	"os"
)

const (
	ArenaHeaderSize = 4096
	ArenaMagic      = 0x474C5330 // "GLS0"

	headerBytes = 16 // packed size of ArenaHeader
)

// ArenaHeader sits in the first 4KB of an arena file. The arena holds two
// copies of the serialized index database; ActiveBuffer says which one
// readers should map. Flips are atomic from the reader's point of view:
// the inactive buffer is fully written and synced before the flip.
type ArenaHeader struct {
	Magic        uint32
	Version      uint8
	ActiveBuffer uint8
	Padding      [2]byte
	Sequence     uint64
}

// ReadArenaHeader decodes the header at the start of the file.
func ReadArenaHeader(f *os.File) (*ArenaHeader, error) {
	h := new(ArenaHeader)
	if err := binary.Read(io.NewSectionReader(f, 0, headerBytes), binary.LittleEndian, h); err != nil {
		return nil, err
	}
	return h, nil
}

// WriteArenaHeader serializes the header into the first bytes of the file.
func WriteArenaHeader(f *os.File, h *ArenaHeader) error {
	var buf bytes.Buffer
	if err := binary.Write(&buf, binary.LittleEndian, h); err != nil {
		return err
	}
	_, err := f.WriteAt(buf.Bytes(), 0)
	return err
}

// CalculateActiveOffset returns the byte offset of the active buffer.
func (h *ArenaHeader) CalculateActiveOffset(fileSize int64) (int64, error) {
	switch {
	case h.Magic != ArenaMagic:
		return 0, fmt.Errorf("invalid arena magic: %x", h.Magic)
	case h.Version != 1:
		return 0, fmt.Errorf("unsupported arena version: %d", h.Version)
	case h.ActiveBuffer > 1:
		return 0, fmt.Errorf("invalid active buffer index: %d", h.ActiveBuffer)
	}

	bufferSize := (fileSize - ArenaHeaderSize) / 2
	if bufferSize <= 0 {
		return 0, fmt.Errorf("invalid arena size: %d", fileSize)
	}
	return ArenaHeaderSize + int64(h.ActiveBuffer)*bufferSize, nil
}

// CreateArena initializes a new double-buffered arena file with the given
// per-buffer capacity. Buffer 0 is active with sequence 0; both buffers
// start zeroed.
func CreateArena(path string, bufferSize int64) error {
	if bufferSize <= 0 {
		return fmt.Errorf("invalid buffer size: %d", bufferSize)
	}

	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE|os.O_TRUNC, 0o644)
	if err != nil {
		return fmt.Errorf("create arena: %w", err)
	}
	defer func() { _ = f.Close() }()

	if err := f.Truncate(ArenaHeaderSize + 2*bufferSize); err != nil {
		return fmt.Errorf("size arena: %w", err)
	}

	if err := WriteArenaHeader(f, &ArenaHeader{Magic: ArenaMagic, Version: 1}); err != nil {
		return fmt.Errorf("write arena header: %w", err)
	}
	return f.Sync()
}

// ExtractActiveDB copies the active buffer out of the arena into a temp
// file SQLite can open, and returns the temp path.
func ExtractActiveDB(arenaPath string) (string, error) {
	f, err := os.Open(arenaPath)
	if err != nil {
		return "", err
	}
	defer func() { _ = f.Close() }()

	info, err := f.Stat()
	if err != nil {
		return "", err
	}
	header, err := ReadArenaHeader(f)
	if err != nil {
		return "", fmt.Errorf("read header: %w", err)
	}
	offset, err := header.CalculateActiveOffset(info.Size())
	if err != nil {
		return "", err
	}

	// Each buffer spans half of what follows the header.
	size := (info.Size() - ArenaHeaderSize) / 2

	// Remove the temp file on any error after this point.
	tmp, err := os.CreateTemp("", "gloss-arena-*.db")
	if err != nil {
		return "", err
	}
	tmpPath := tmp.Name()
	cleanup := true
	defer func() {
		_ = tmp.Close()
		if cleanup {
			_ = os.Remove(tmpPath)
		}
	}()

	if _, err := io.Copy(tmp, io.NewSectionReader(f, offset, size)); err != nil {
		return "", fmt.Errorf("copy active db: %w", err)
	}

	cleanup = false
	return tmpPath, nil
}
