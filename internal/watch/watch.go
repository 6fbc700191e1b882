// Package watch re-runs corpus checks when note files change on disk.
// It wraps fsnotify with a debounce window so a burst of editor writes
// (save, atomic rename, backup file) produces a single batch.
package watch

import (
	"context"
	"log"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
)

// DefaultDebounce is long enough to swallow editor save bursts without
// making the feedback loop feel laggy.
const DefaultDebounce = 300 * time.Millisecond

// Batch is a debounced set of changed notes, corpus-relative and deduplicated.
type Batch struct {
	Paths []string
	Time  time.Time
}

// Handler receives each debounced batch. It runs on the watcher goroutine;
// slow handlers delay the next batch, they do not drop events.
type Handler func(Batch)

// Watcher watches a corpus root recursively for Markdown changes.
type Watcher struct {
	root     string
	debounce time.Duration
	notify   *fsnotify.Watcher
	handler  Handler

	mu      sync.Mutex
	pending map[string]struct{}
	timer   *time.Timer
	flushed chan Batch
}

// New creates a watcher for the corpus rooted at root. debounce <= 0 uses
// DefaultDebounce.
func New(root string, debounce time.Duration, handler Handler) (*Watcher, error) {
	abs, err := filepath.Abs(root)
	if err != nil {
		return nil, err
	}
	if debounce <= 0 {
		debounce = DefaultDebounce
	}
	notify, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	return &Watcher{
		root:     abs,
		debounce: debounce,
		notify:   notify,
		handler:  handler,
		pending:  make(map[string]struct{}),
		flushed:  make(chan Batch, 16),
	}, nil
}

// Start registers the root and all subdirectories, then processes events
// until ctx is cancelled or Close is called.
func (w *Watcher) Start(ctx context.Context) error {
	err := filepath.Walk(w.root, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		if !info.IsDir() {
			return nil
		}
		if w.ignored(path) && path != w.root {
			return filepath.SkipDir
		}
		return w.notify.Add(path)
	})
	if err != nil {
		return err
	}

	go w.deliverLoop(ctx)
	go w.watchLoop(ctx)
	return nil
}

// Close stops the watcher. Pending debounced events are dropped.
func (w *Watcher) Close() error {
	w.mu.Lock()
	if w.timer != nil {
		w.timer.Stop()
	}
	w.mu.Unlock()
	return w.notify.Close()
}

func (w *Watcher) watchLoop(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case event, ok := <-w.notify.Events:
			if !ok {
				return
			}
			w.handleEvent(event)
		case err, ok := <-w.notify.Errors:
			if !ok {
				return
			}
			log.Printf("watch: %v", err)
		}
	}
}

func (w *Watcher) handleEvent(event fsnotify.Event) {
	if w.ignored(event.Name) {
		return
	}

	// New directories need their own watch; fsnotify is not recursive.
	if event.Op&fsnotify.Create != 0 {
		if info, err := os.Stat(event.Name); err == nil && info.IsDir() {
			if err := w.notify.Add(event.Name); err != nil {
				log.Printf("watch %s: %v", event.Name, err)
			}
			return
		}
	}

	if !markdownFile(event.Name) {
		return
	}
	w.enqueue(event.Name)
}

// enqueue records a changed path and (re)arms the debounce timer.
func (w *Watcher) enqueue(path string) {
	rel, err := filepath.Rel(w.root, path)
	if err != nil {
		rel = path
	}
	rel = filepath.ToSlash(rel)

	w.mu.Lock()
	defer w.mu.Unlock()

	w.pending[rel] = struct{}{}
	if w.timer != nil {
		w.timer.Stop()
	}
	w.timer = time.AfterFunc(w.debounce, w.flush)
}

func (w *Watcher) flush() {
	w.mu.Lock()
	if len(w.pending) == 0 {
		w.mu.Unlock()
		return
	}
	paths := make([]string, 0, len(w.pending))
	for p := range w.pending {
		paths = append(paths, p)
	}
	w.pending = make(map[string]struct{})
	w.mu.Unlock()

	sort.Strings(paths)
	select {
	case w.flushed <- Batch{Paths: paths, Time: time.Now()}:
	default:
		// Handler is far behind; merge into the next batch instead.
		w.mu.Lock()
		for _, p := range paths {
			w.pending[p] = struct{}{}
		}
		w.mu.Unlock()
	}
}

func (w *Watcher) deliverLoop(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case batch := <-w.flushed:
			if w.handler != nil {
				w.handler(batch)
			}
		}
	}
}

// markdownFile reports whether path looks like a note source.
func markdownFile(path string) bool {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".md", ".markdown":
		return true
	}
	return false
}

// ignored skips dotfiles and anything under a dot directory (.git,
// editor swap dirs). Only segments below the corpus root count, so a
// root that itself lives under a dot directory still works.
func (w *Watcher) ignored(path string) bool {
	rel, err := filepath.Rel(w.root, path)
	if err != nil {
		rel = path
	}
	for _, seg := range strings.Split(filepath.ToSlash(rel), "/") {
		if len(seg) > 1 && seg[0] == '.' && seg != ".." {
			return true
		}
	}
	return false
}
