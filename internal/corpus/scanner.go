package corpus

import (
	"context"
	"io/fs"
	"log"
	"os"
	"path"
	"path/filepath"
	"sort"
	"strings"
)

// Scanner walks a corpus root and parses every Markdown note.
type Scanner struct {
	Root    string
	Include []string // globs matched against slash-relative paths; empty means every *.md
	Exclude []string
	// Progress, when set, is called once per parsed file.
	Progress func(done, total int, rel string)
}

func NewScanner(root string) *Scanner {
	return &Scanner{Root: root}
}

// Scan parses the corpus in deterministic path order. Unreadable files
// are logged and skipped so a single bad file cannot hide the rest of
// the corpus from the audit.
func (s *Scanner) Scan(ctx context.Context) ([]*Document, error) {
	paths, err := s.collect()
	if err != nil {
		return nil, err
	}

	docs := make([]*Document, 0, len(paths))
	for i, rel := range paths {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		full := filepath.Join(s.Root, filepath.FromSlash(rel))
		src, err := os.ReadFile(full)
		if err != nil {
			log.Printf("corpus: skip %s: %v", rel, err)
			continue
		}
		doc := ParseDocument(full, rel, src)
		if info, err := os.Stat(full); err == nil {
			doc.ModTime = info.ModTime()
		}
		docs = append(docs, doc)
		if s.Progress != nil {
			s.Progress(i+1, len(paths), rel)
		}
	}
	return docs, nil
}

// collect lists matching note paths relative to the root.
func (s *Scanner) collect() ([]string, error) {
	var paths []string
	err := fs.WalkDir(os.DirFS(s.Root), ".", func(p string, de fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if de.IsDir() {
			if de.Name() == ".git" {
				return fs.SkipDir
			}
			if p != "." && s.excluded(p) {
				return fs.SkipDir
			}
			return nil
		}
		if !strings.EqualFold(path.Ext(p), ".md") {
			return nil
		}
		if s.excluded(p) || !s.included(p) {
			return nil
		}
		paths = append(paths, p)
		return nil
	})
	if err != nil {
		return nil, err
	}
	sort.Strings(paths)
	return paths, nil
}

func (s *Scanner) excluded(rel string) bool {
	for _, pat := range s.Exclude {
		if matchPattern(pat, rel) {
			return true
		}
	}
	return false
}

func (s *Scanner) included(rel string) bool {
	if len(s.Include) == 0 {
		return true
	}
	for _, pat := range s.Include {
		if matchPattern(pat, rel) {
			return true
		}
	}
	return false
}

// matchPattern matches a slash-relative path against a glob. A "**/"
// prefix also matches at the root, and patterns without a separator
// match against the base name.
func matchPattern(pat, rel string) bool {
	if ok, _ := path.Match(pat, rel); ok {
		return true
	}
	if stripped, found := strings.CutPrefix(pat, "**/"); found {
		if ok, _ := path.Match(stripped, rel); ok {
			return true
		}
		if ok, _ := path.Match(stripped, path.Base(rel)); ok {
			return true
		}
	}
	if !strings.Contains(pat, "/") {
		if ok, _ := path.Match(pat, path.Base(rel)); ok {
			return true
		}
	}
	return false
}
