package cmd

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/agentic-research/gloss/api"
	"github.com/agentic-research/gloss/internal/control"
	"github.com/agentic-research/gloss/internal/corpus"
	"github.com/agentic-research/gloss/internal/graph"
)

const minArenaBuffer = 1 << 20

// openControl opens the control block that sits beside an arena.
func openControl(arenaPath string) (*control.Controller, error) {
	return control.OpenOrCreate(arenaPath + ".ctl")
}

// ensureArena creates the arena when it is missing, not an arena, or
// too small to hold the database. A recreate resets the sequence;
// followers compare generations by inequality, so that is safe.
func ensureArena(arenaPath, dbPath string) error {
	info, err := os.Stat(dbPath)
	if err != nil {
		return err
	}
	need := info.Size()

	if f, err := os.Open(arenaPath); err == nil {
		ainfo, statErr := f.Stat()
		hdr, hdrErr := graph.ReadArenaHeader(f)
		_ = f.Close() // safe to ignore
		if statErr == nil && hdrErr == nil && hdr.Magic == graph.ArenaMagic &&
			(ainfo.Size()-graph.ArenaHeaderSize)/2 >= need {
			return nil
		}
	}

	// Double the database size so consecutive rebuilds fit without
	// another resize.
	buffer := need * 2
	if buffer < minArenaBuffer {
		buffer = minArenaBuffer
	}
	return graph.CreateArena(arenaPath, buffer)
}

// publishArena flushes the database into the arena and bumps the
// control generation beside it. Returns the published generation.
func publishArena(dbPath, arenaPath string) (uint64, error) {
	if err := ensureArena(arenaPath, dbPath); err != nil {
		return 0, err
	}
	ctrl, err := openControl(arenaPath)
	if err != nil {
		return 0, err
	}
	defer func() { _ = ctrl.Close() }() // safe to ignore

	flusher := graph.NewArenaFlusher(arenaPath, dbPath, ctrl)
	if err := flusher.FlushNow(); err != nil {
		return 0, err
	}
	return ctrl.GetGeneration(), nil
}

// openIndexMirror copies the built index to a writable master, attaches
// an arena flusher, and seeds the arena so followers see the starting
// state before the first edit. The cleanup closes everything and
// removes the master copy.
func openIndexMirror(indexPath, arenaPath string, topo *api.Topology) (*graph.WritableGraph, func(), error) {
	master := filepath.Join(os.TempDir(), fmt.Sprintf("gloss-master-%d.db", os.Getpid()))
	if err := copyFile(indexPath, master); err != nil {
		return nil, nil, err
	}

	if err := ensureArena(arenaPath, master); err != nil {
		_ = os.Remove(master)
		return nil, nil, err
	}
	ctrl, err := openControl(arenaPath)
	if err != nil {
		_ = os.Remove(master)
		return nil, nil, err
	}

	flusher := graph.NewArenaFlusher(arenaPath, master, ctrl)
	if err := flusher.FlushNow(); err != nil {
		_ = ctrl.Close()
		_ = os.Remove(master)
		return nil, nil, err
	}
	flusher.Start(100 * time.Millisecond)

	wg, err := graph.OpenWritableGraph(master, topo, corpus.RenderTemplate, flusher)
	if err != nil {
		_ = flusher.Close()
		_ = ctrl.Close()
		_ = os.Remove(master)
		return nil, nil, err
	}

	cleanup := func() {
		_ = flusher.Close() // final flush if dirty
		_ = wg.Close()
		_ = ctrl.Close()
		_ = os.Remove(master)
	}
	return wg, cleanup, nil
}

func copyFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer func() { _ = in.Close() }() // safe to ignore

	out, err := os.Create(dst)
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, in); err != nil {
		_ = out.Close()
		return err
	}
	return out.Close()
}
