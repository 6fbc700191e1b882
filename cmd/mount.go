package cmd

import (
	"context"
	"fmt"
	"log"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/agentic-research/gloss/api"
	"github.com/agentic-research/gloss/internal/config"
	"github.com/agentic-research/gloss/internal/corpus"
	glossfs "github.com/agentic-research/gloss/internal/fs"
	"github.com/agentic-research/gloss/internal/graph"
	"github.com/agentic-research/gloss/internal/nfsmount"
	"github.com/fatih/color"
	"github.com/spf13/cobra"
	"github.com/winfsp/cgofuse/fuse"
)

var (
	mountTopology string
	mountWritable bool
	mountFUSE     bool
	mountAgent    bool
	mountIndex    string
	mountArena    string
)

func init() {
	mountCmd.Flags().StringVarP(&mountTopology, "topology", "t", "", "topology JSON file (defaults to config, then the built-in layout)")
	mountCmd.Flags().BoolVar(&mountWritable, "writable", false, "let section edits splice back into the source notes")
	mountCmd.Flags().BoolVar(&mountFUSE, "fuse", false, "serve through cgofuse instead of the NFS overlay")
	mountCmd.Flags().BoolVar(&mountAgent, "agent", false, "record mount metadata and print a prompt for coding agents")
	mountCmd.Flags().StringVar(&mountIndex, "index", "", "mirror accepted edits into this built index (needs --writable and --arena)")
	mountCmd.Flags().StringVar(&mountArena, "arena", "", "publish the mirrored index into this arena")
	rootCmd.AddCommand(mountCmd)
}

var mountCmd = &cobra.Command{
	Use:   "mount [corpus-dir|notes.db|notes.arena] <mountpoint>",
	Short: "Mount the corpus as a reference overlay",
	Long: `Mount serves the corpus as a browsable filesystem: one directory per
note with body.md, outline, terms, and per-section files, plus links,
backlinks, and _diagnostics directories derived from the link graph.

With a corpus directory (the default) notes are parsed in-process,
per-heading section files are materialized, and --writable splices
edits back into the source files. Adding --index and --arena mirrors
every accepted edit into a copy of the built index and republishes it
through a double-buffered arena, so index readers follow your edits
without a rebuild.

With a built index (a .db path from gloss build) the mount is
read-only and note bodies, outlines, and term refs come straight from
the index. An .arena path also serves read-only, but reloads the index
whenever the arena's control block generation changes.`,
	Args: cobra.RangeArgs(1, 2),
	RunE: runMount,
}

func runMount(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	source := corpusRoot(cfg, nil)
	mountpoint := args[0]
	if len(args) == 2 {
		source = args[0]
		mountpoint = args[1]
	}

	writable := cfg.Serve.Writable
	if cmd.Flags().Changed("writable") {
		writable = mountWritable
	}

	if info, err := os.Stat(mountpoint); err != nil {
		return fmt.Errorf("mountpoint %s: %w", mountpoint, err)
	} else if !info.IsDir() {
		return fmt.Errorf("mountpoint %s is not a directory", mountpoint)
	}

	ctx, cancel := context.WithCancel(cmd.Context())
	defer cancel()

	var (
		g      graph.Graph
		store  *graph.MemoryStore
		mirror *graph.WritableGraph
		hot    *graph.HotSwapGraph
		topo   *api.Topology
	)

	switch {
	case strings.HasSuffix(source, ".arena"):
		if writable {
			return fmt.Errorf("--writable needs a corpus directory; arena mounts are read-only")
		}
		topo, err = resolveTopology(cfg, mountTopology, "", nil)
		if err != nil {
			return err
		}
		dbPath, err := graph.ExtractActiveDB(source)
		if err != nil {
			return err
		}
		sg, err := openIndexGraph(dbPath, topo)
		if err != nil {
			return err
		}
		hot = graph.NewHotSwapGraph(sg)
		g = hot

	case strings.HasSuffix(source, ".db"):
		if writable {
			return fmt.Errorf("--writable needs a corpus directory; a built index is read-only")
		}
		topo, err = resolveTopology(cfg, mountTopology, "", nil)
		if err != nil {
			return err
		}
		sg, err := openIndexGraph(source, topo)
		if err != nil {
			return err
		}
		defer func() { _ = sg.Close() }() // safe to ignore
		g = sg

	default:
		docs, err := scanCorpus(ctx, cfg, source, true)
		if err != nil {
			return err
		}
		if len(docs) == 0 {
			return fmt.Errorf("no notes under %s", source)
		}
		topo, err = resolveTopology(cfg, mountTopology, "", docs)
		if err != nil {
			return err
		}
		store = graph.NewMemoryStore()
		engine := corpus.NewEngine(topo, store)
		if err := engine.IngestDocuments(docs); err != nil {
			return err
		}
		g = store

		if mountIndex != "" {
			if !writable || mountArena == "" {
				return fmt.Errorf("--index mirrors edits into an arena; it needs --writable and --arena")
			}
			m, cleanup, err := openIndexMirror(mountIndex, mountArena, topo)
			if err != nil {
				return err
			}
			defer cleanup()
			mirror = m
		}
	}

	if mountFUSE {
		return mountFuse(topo, g, mountpoint, writable)
	}
	return mountNFS(ctx, cfg, topo, g, store, mirror, hot, source, mountpoint, writable)
}

func mountNFS(ctx context.Context, cfg *config.Config, topo *api.Topology, g graph.Graph, store *graph.MemoryStore, mirror *graph.WritableGraph, hot *graph.HotSwapGraph, source, mountpoint string, writable bool) error {
	gfs := nfsmount.NewGraphFS(g, topo)
	if writable {
		gfs.SetWriteBack(nfsmount.NewNoteWriteBack(store, mirrorOrNil(mirror)))
	}
	if hot != nil {
		go followArena(ctx, source, topo, hot, gfs)
	}

	srv, err := nfsmount.NewServer(cfg.Serve.Listen, gfs)
	if err != nil {
		return err
	}
	defer func() { _ = srv.Close() }() // safe to ignore

	if err := nfsmount.Mount(srv.Port(), mountpoint, writable); err != nil {
		return err
	}

	mode := "read-only"
	if writable {
		mode = "writable"
	}
	color.Green("✓ mounted %s at %s (%s, nfs port %d)", source, mountpoint, mode, srv.Port())

	if mountAgent {
		meta := newMountMetadata(source, mountpoint, writable)
		if err := saveMountMetadata(meta); err != nil {
			fmt.Fprintf(os.Stderr, "warning: could not save mount metadata: %v\n", err)
		} else {
			defer removeMountMetadata(mountpoint)
		}
		fmt.Println()
		fmt.Println(agentPrompt(meta))
	}

	fmt.Fprintf(os.Stderr, "press Ctrl+C to unmount\n")

	sigc := make(chan os.Signal, 1)
	signal.Notify(sigc, os.Interrupt, syscall.SIGTERM)
	<-sigc

	fmt.Fprintln(os.Stderr)
	if err := nfsmount.Unmount(mountpoint); err != nil {
		return fmt.Errorf("unmount %s: %w", mountpoint, err)
	}
	color.Green("✓ unmounted %s", mountpoint)
	return nil
}

// mirrorOrNil avoids handing the write-back a typed nil interface.
func mirrorOrNil(m *graph.WritableGraph) nfsmount.IndexMirror {
	if m == nil {
		return nil
	}
	return m
}

func mountFuse(topo *api.Topology, g graph.Graph, mountpoint string, writable bool) error {
	if writable {
		return fmt.Errorf("--writable needs the NFS overlay; the cgofuse mount is read-only")
	}

	fsys := glossfs.NewGlossFS(topo, g)
	host := fuse.NewFileSystemHost(fsys)

	fmt.Fprintf(os.Stderr, "mounting at %s via cgofuse\n", mountpoint)

	// uid/gid options make the mount owned by the invoking user, which
	// fuse-t's NFS bridge requires on macOS.
	opts := []string{
		"-o", "ro",
		"-o", fmt.Sprintf("uid=%d", os.Getuid()),
		"-o", fmt.Sprintf("gid=%d", os.Getgid()),
	}

	if !host.Mount(mountpoint, opts) {
		return fmt.Errorf("mount %s failed", mountpoint)
	}
	return nil
}

// openIndexGraph opens a built index ready to serve: roots pre-scanned
// so no mount callback blocks, term refs loaded into the sidecar.
func openIndexGraph(dbPath string, topo *api.Topology) (*graph.SQLiteGraph, error) {
	sg, err := graph.OpenSQLiteGraph(dbPath, topo, corpus.RenderTemplate)
	if err != nil {
		return nil, err
	}
	if err := sg.EagerScan(); err != nil {
		_ = sg.Close()
		return nil, err
	}
	if err := sg.LoadRefsFromIndex(); err != nil {
		_ = sg.Close()
		return nil, err
	}
	if err := sg.FlushRefs(); err != nil {
		_ = sg.Close()
		return nil, err
	}
	return sg, nil
}

// followArena reloads a live index mount whenever the arena's control
// generation changes: extract the active database, open it, swap it
// under the mount, and refresh the link vdirs.
func followArena(ctx context.Context, arenaPath string, topo *api.Topology, hot *graph.HotSwapGraph, gfs *nfsmount.GraphFS) {
	ctrl, err := openControl(arenaPath)
	if err != nil {
		log.Printf("arena follow: %v", err)
		return
	}
	defer func() { _ = ctrl.Close() }() // safe to ignore

	last := ctrl.GetGeneration()
	tick := time.NewTicker(time.Second)
	defer tick.Stop()

	var prevExtract string
	for {
		select {
		case <-ctx.Done():
			if prevExtract != "" {
				_ = os.Remove(prevExtract) // best-effort cleanup
			}
			return
		case <-tick.C:
		}

		gen := ctrl.GetGeneration()
		if gen == last {
			continue
		}

		dbPath, err := graph.ExtractActiveDB(arenaPath)
		if err != nil {
			log.Printf("arena reload: %v", err)
			continue
		}
		sg, err := openIndexGraph(dbPath, topo)
		if err != nil {
			log.Printf("arena reload: %v", err)
			_ = os.Remove(dbPath)
			continue
		}

		old := hot.Current()
		hot.Swap(sg)
		if closer, ok := old.(interface{ Close() error }); ok {
			_ = closer.Close() // safe to ignore
		}
		gfs.RefreshLinks()

		if prevExtract != "" {
			_ = os.Remove(prevExtract) // superseded extract
		}
		prevExtract = dbPath
		last = gen
		log.Printf("reloaded index, generation %d", gen)
	}
}
