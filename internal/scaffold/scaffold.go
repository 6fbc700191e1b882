// Package scaffold seeds a new corpus directory with a starter config
// and a few example notes that pass the audit out of the box.
package scaffold

import (
	"embed"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
)

//go:embed starter
var starterFS embed.FS

// Init writes the starter corpus into dir. It refuses to overwrite:
// the first existing target aborts the run before anything is written.
// The returned paths are relative to dir, in walk order.
func Init(dir string) ([]string, error) {
	var rels []string
	err := fs.WalkDir(starterFS, "starter", func(path string, d fs.DirEntry, err error) error {
		if err != nil || d.IsDir() {
			return err
		}
		rel, err := filepath.Rel("starter", path)
		if err != nil {
			return err
		}
		rels = append(rels, rel)
		return nil
	})
	if err != nil {
		return nil, err
	}

	for _, rel := range rels {
		target := filepath.Join(dir, rel)
		if _, err := os.Stat(target); err == nil {
			return nil, fmt.Errorf("%s already exists, not overwriting", target)
		}
	}

	for _, rel := range rels {
		data, err := starterFS.ReadFile(filepath.ToSlash(filepath.Join("starter", rel)))
		if err != nil {
			return nil, err
		}
		target := filepath.Join(dir, rel)
		if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
			return nil, err
		}
		if err := os.WriteFile(target, data, 0o644); err != nil {
			return nil, err
		}
	}
	return rels, nil
}
