package cmd

import (
	"encoding/json"
	"os"
	"strings"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/agentic-research/gloss/api"
	"github.com/agentic-research/gloss/internal/lattice"
)

var (
	topicsOutput    string
	topicsMethod    string
	topicsRoot      string
	topicsSample    int
	topicsMaxTopics int
	topicsSeed      int64
)

var topicsCmd = &cobra.Command{
	Use:   "topics [corpus|notes.db]",
	Short: "Infer a topic topology from the corpus",
	Long: `topics groups notes by their shared tags, terms, and shape, and
emits a topology JSON that build and mount can use in place of the
default per-note layout. The argument is either a corpus directory or
an already-built notes database.`,
	Args: cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}

		conf := lattice.DefaultInferConfig()
		if topicsMethod != "" {
			conf.Method = topicsMethod
		}
		if cmd.Flags().Changed("root") {
			conf.RootName = topicsRoot
		}
		if cmd.Flags().Changed("sample") {
			conf.SampleSize = topicsSample
		}
		if cmd.Flags().Changed("max-topics") {
			conf.MaxTopics = topicsMaxTopics
		}
		if cmd.Flags().Changed("seed") {
			conf.Seed = topicsSeed
		}
		inf := &lattice.Inferrer{Config: conf}

		source := corpusRoot(cfg, args)
		var topo *api.Topology
		if strings.HasSuffix(source, ".db") {
			topo, err = inf.InferFromSQLite(source)
		} else {
			docs, scanErr := scanCorpus(cmd.Context(), cfg, source, true)
			if scanErr != nil {
				return scanErr
			}
			topo, err = inf.InferFromDocuments(docs)
		}
		if err != nil {
			return err
		}

		out, err := json.MarshalIndent(topo, "", "  ")
		if err != nil {
			return err
		}
		out = append(out, '\n')

		if topicsOutput == "-" {
			_, err := os.Stdout.Write(out)
			return err
		}
		if err := os.WriteFile(topicsOutput, out, 0o644); err != nil {
			return err
		}
		color.Green("✓ wrote %s", topicsOutput)
		return nil
	},
}

func init() {
	topicsCmd.Flags().StringVarP(&topicsOutput, "output", "o", "topology.json", "output path, - for stdout")
	topicsCmd.Flags().StringVar(&topicsMethod, "method", "", "inference method: fca (default) or greedy")
	topicsCmd.Flags().StringVar(&topicsRoot, "root", "", "name of the topology root directory")
	topicsCmd.Flags().IntVar(&topicsSample, "sample", 0, "reservoir sample size for large corpora")
	topicsCmd.Flags().IntVar(&topicsMaxTopics, "max-topics", 0, "maximum topic directories")
	topicsCmd.Flags().Int64Var(&topicsSeed, "seed", 0, "sampling seed, for reproducible runs")
	rootCmd.AddCommand(topicsCmd)
}
