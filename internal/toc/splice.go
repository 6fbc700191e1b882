package toc

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/agentic-research/gloss/internal/graph"
)

// Splice replaces the byte range named by origin with content.
// The write is atomic: a temp file in the same directory carries the
// result, picks up the original's permissions, and is renamed over it.
func Splice(origin graph.SourceOrigin, content []byte) error {
	src, err := os.ReadFile(origin.FilePath)
	if err != nil {
		return fmt.Errorf("read source %s: %w", origin.FilePath, err)
	}

	start, end := origin.StartByte, origin.EndByte
	if int(start) > len(src) || int(end) > len(src) || start > end {
		return fmt.Errorf("invalid byte range [%d:%d] for file of length %d", start, end, len(src))
	}

	result := make([]byte, 0, int(start)+len(content)+len(src)-int(end))
	result = append(result, src[:start]...)
	result = append(result, content...)
	result = append(result, src[end:]...)

	dir := filepath.Dir(origin.FilePath)
	tmp, err := os.CreateTemp(dir, ".gloss-splice-*")
	if err != nil {
		return fmt.Errorf("create temp file: %w", err)
	}
	tmpName := tmp.Name()

	if _, err := tmp.Write(result); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmpName) // best-effort cleanup
		return fmt.Errorf("write temp: %w", err)
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmpName) // best-effort cleanup
		return fmt.Errorf("close temp: %w", err)
	}

	if info, err := os.Stat(origin.FilePath); err == nil {
		_ = os.Chmod(tmpName, info.Mode()) // best-effort permission sync
	}

	if err := os.Rename(tmpName, origin.FilePath); err != nil {
		_ = os.Remove(tmpName) // best-effort cleanup
		return fmt.Errorf("rename temp to %s: %w", origin.FilePath, err)
	}
	return nil
}
