package cmd

import (
	"fmt"
	"os"
	"time"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/agentic-research/gloss/api"
	"github.com/agentic-research/gloss/internal/config"
	"github.com/agentic-research/gloss/internal/corpus"
	"github.com/agentic-research/gloss/internal/lattice"
)

var (
	buildOutput   string
	buildTopology string
	buildInfer    string
)

var buildCmd = &cobra.Command{
	Use:   "build [corpus]",
	Short: "Index the corpus into a SQLite notes database",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		root := corpusRoot(cfg, args)

		docs, err := scanCorpus(cmd.Context(), cfg, root, true)
		if err != nil {
			return err
		}
		if len(docs) == 0 {
			return fmt.Errorf("no notes under %s", root)
		}

		topo, err := resolveTopology(cfg, buildTopology, buildInfer, docs)
		if err != nil {
			return err
		}

		start := time.Now()
		if err := writeIndex(docs, topo, buildOutput); err != nil {
			return err
		}

		color.Green("✓ indexed %d notes into %s in %v",
			len(docs), buildOutput, time.Since(start).Round(time.Millisecond))
		return nil
	},
}

// writeIndex ingests the documents into a fresh SQLite index at output.
func writeIndex(docs []*corpus.Document, topo *api.Topology, output string) error {
	// Rebuild from scratch; the index is derived state.
	_ = os.Remove(output)
	writer, err := corpus.NewSQLiteWriter(output)
	if err != nil {
		return err
	}

	engine := corpus.NewEngine(topo, writer)
	engine.SetLazySource(output)
	if err := engine.IngestDocuments(docs); err != nil {
		_ = writer.Close()
		return err
	}
	return writer.Close()
}

// resolveTopology picks the mount topology: an explicit file wins, then
// inference when requested, then the config's topology path, then the
// built-in notes layout.
func resolveTopology(cfg *config.Config, flagPath, inferMethod string, docs []*corpus.Document) (*api.Topology, error) {
	path := flagPath
	if path == "" && inferMethod == "" {
		path = cfg.Topology
	}
	if path != "" {
		return api.LoadTopology(path)
	}
	if inferMethod != "" {
		conf := lattice.DefaultInferConfig()
		conf.Method = inferMethod
		inf := &lattice.Inferrer{Config: conf}
		topo, err := inf.InferFromDocuments(docs)
		if err != nil {
			return nil, fmt.Errorf("infer topology: %w", err)
		}
		fmt.Fprintf(os.Stderr, "inferred %s topology (%d roots)\n", inferMethod, len(topo.Nodes))
		return topo, nil
	}
	return api.DefaultTopology(), nil
}

func init() {
	buildCmd.Flags().StringVarP(&buildOutput, "output", "o", "notes.db", "output database path")
	buildCmd.Flags().StringVarP(&buildTopology, "topology", "t", "", "topology JSON file")
	buildCmd.Flags().StringVar(&buildInfer, "infer", "", "infer the topology instead: fca or greedy")
	rootCmd.AddCommand(buildCmd)
}
