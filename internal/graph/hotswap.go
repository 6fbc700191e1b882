package graph

import (
	"sync"
)

// HotSwapGraph is a thread-safe wrapper that allows swapping the underlying
// graph instance while a mount stays up (used by watch mode on corpus edits).
type HotSwapGraph struct {
	mu      sync.RWMutex
	current Graph
}

func NewHotSwapGraph(initial Graph) *HotSwapGraph {
	return &HotSwapGraph{current: initial}
}

// Swap atomically replaces the current graph with a new one.
// Callers own closing the old graph if it holds resources.
func (h *HotSwapGraph) Swap(newGraph Graph) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.current = newGraph
}

// Current returns the graph currently serving reads.
func (h *HotSwapGraph) Current() Graph {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.current
}

// GetNode delegates to current graph.
func (h *HotSwapGraph) GetNode(id string) (*Node, error) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.current.GetNode(id)
}

// ListChildren delegates to current graph.
func (h *HotSwapGraph) ListChildren(id string) ([]string, error) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.current.ListChildren(id)
}

// ReadContent delegates to current graph.
func (h *HotSwapGraph) ReadContent(id string, buf []byte, offset int64) (int, error) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.current.ReadContent(id, buf, offset)
}

// GetBacklinks delegates to current graph.
func (h *HotSwapGraph) GetBacklinks(dest string) ([]*Node, error) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.current.GetBacklinks(dest)
}

// GetLinks delegates to current graph.
func (h *HotSwapGraph) GetLinks(src string) ([]string, error) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.current.GetLinks(src)
}

// Invalidate delegates to current graph.
func (h *HotSwapGraph) Invalidate(id string) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	h.current.Invalidate(id)
}

// LastWriteStatus delegates to the current graph when it tracks write
// status (MemoryStore does; read-only backends do not).
func (h *HotSwapGraph) LastWriteStatus(path string) (string, bool) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	if ss, ok := h.current.(interface {
		LastWriteStatus(string) (string, bool)
	}); ok {
		return ss.LastWriteStatus(path)
	}
	return "", false
}

// NoteDirs delegates to the current graph when it indexes note
// directories.
func (h *HotSwapGraph) NoteDirs() map[string]string {
	h.mu.RLock()
	defer h.mu.RUnlock()
	if nd, ok := h.current.(interface{ NoteDirs() map[string]string }); ok {
		return nd.NoteDirs()
	}
	return nil
}

var _ Graph = (*HotSwapGraph)(nil)
