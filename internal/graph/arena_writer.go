package graph

import (
	"fmt"
	"log"
	"os"
	"sync"
	"time"

	"github.com/agentic-research/gloss/internal/control"
)

// ArenaFlusher republishes the master index into the double-buffered
// arena: the whole .db is copied to the inactive buffer, then the
// header flips so readers pick up the new generation.
//
// A publish is O(db size), so write-back paths should call
// RequestFlush rather than FlushNow. The coalescing goroutine folds
// every splice that lands within one tick into a single publish; an
// agent rewriting a dozen note sections still costs one copy.
type ArenaFlusher struct {
	arenaPath    string
	masterDBPath string
	ctrl         *control.Controller

	mu      sync.Mutex
	dirty   bool
	pubErr  error // last publish failure, readable via LastError
	tick    *time.Ticker
	stopCh  chan struct{}
	stopped bool
}

// NewArenaFlusher creates a flusher that publishes masterDBPath into
// the arena at arenaPath, updating the control block on every flush.
// Start begins coalescing; Close stops it with a final flush.
func NewArenaFlusher(arenaPath, masterDBPath string, ctrl *control.Controller) *ArenaFlusher {
	return &ArenaFlusher{
		arenaPath:    arenaPath,
		masterDBPath: masterDBPath,
		ctrl:         ctrl,
		stopCh:       make(chan struct{}),
	}
}

// Start launches the coalescing goroutine, publishing at most once per
// interval while dirty. Idempotent.
func (f *ArenaFlusher) Start(interval time.Duration) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.tick != nil {
		return
	}
	f.tick = time.NewTicker(interval)
	go func() {
		for {
			select {
			case <-f.tick.C:
				f.flushIfDirty()
			case <-f.stopCh:
				return
			}
		}
	}()
}

// flushIfDirty publishes when a RequestFlush arrived since the last
// tick. Failures are kept for LastError, not returned; the next dirty
// tick retries.
func (f *ArenaFlusher) flushIfDirty() {
	f.mu.Lock()
	if !f.dirty {
		f.mu.Unlock()
		return
	}
	f.dirty = false
	f.mu.Unlock()

	if err := f.publish(); err != nil {
		f.mu.Lock()
		f.pubErr = err
		f.mu.Unlock()
		log.Printf("arena flush: %v", err)
	}
}

// RequestFlush marks the master db dirty. The next tick publishes.
func (f *ArenaFlusher) RequestFlush() {
	f.mu.Lock()
	f.dirty = true
	f.mu.Unlock()
}

// FlushNow publishes synchronously. Unmount and one-shot builds use it
// to guarantee the arena is current before returning.
func (f *ArenaFlusher) FlushNow() error {
	f.mu.Lock()
	f.dirty = false
	f.mu.Unlock()
	return f.publish()
}

// LastError returns the most recent coalesced-publish failure.
func (f *ArenaFlusher) LastError() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.pubErr
}

// Close stops the coalescing goroutine, publishing one last time if a
// request is still pending.
func (f *ArenaFlusher) Close() error {
	f.mu.Lock()
	if f.stopped {
		f.mu.Unlock()
		return nil
	}
	f.stopped = true
	pending := f.dirty
	f.dirty = false
	if f.tick != nil {
		f.tick.Stop()
		close(f.stopCh)
	}
	f.mu.Unlock()

	if !pending {
		return nil
	}
	return f.publish()
}

// publish copies the master db into the inactive buffer, zero-pads the
// remainder, flips the header, and bumps the control generation.
func (f *ArenaFlusher) publish() error {
	db, err := os.ReadFile(f.masterDBPath)
	if err != nil {
		return fmt.Errorf("read master %s: %w", f.masterDBPath, err)
	}

	af, err := os.OpenFile(f.arenaPath, os.O_RDWR, 0)
	if err != nil {
		return fmt.Errorf("open arena %s: %w", f.arenaPath, err)
	}
	defer func() { _ = af.Close() }()

	header, err := ReadArenaHeader(af)
	if err != nil {
		return fmt.Errorf("read arena header: %w", err)
	}
	info, err := af.Stat()
	if err != nil {
		return fmt.Errorf("stat arena: %w", err)
	}
	bufferSize := (info.Size() - ArenaHeaderSize) / 2
	if int64(len(db)) > bufferSize {
		return fmt.Errorf("db size %d exceeds arena buffer size %d", len(db), bufferSize)
	}

	inactive := uint8(1) - header.ActiveBuffer
	off := int64(ArenaHeaderSize) + int64(inactive)*bufferSize
	if _, err := af.WriteAt(db, off); err != nil {
		return fmt.Errorf("write inactive buffer: %w", err)
	}
	// Zero the tail so a stale database from an earlier, larger publish
	// cannot bleed into this one.
	if pad := bufferSize - int64(len(db)); pad > 0 {
		if _, err := af.WriteAt(make([]byte, pad), off+int64(len(db))); err != nil {
			return fmt.Errorf("zero-pad inactive buffer: %w", err)
		}
	}

	header.ActiveBuffer = inactive
	header.Sequence++
	if err := WriteArenaHeader(af, header); err != nil {
		return fmt.Errorf("write arena header: %w", err)
	}
	if err := af.Sync(); err != nil {
		return fmt.Errorf("sync arena: %w", err)
	}

	if f.ctrl == nil {
		return nil
	}
	if err := f.ctrl.SetArena(f.arenaPath, uint64(info.Size()), header.Sequence); err != nil {
		return fmt.Errorf("update control block: %w", err)
	}
	return nil
}
