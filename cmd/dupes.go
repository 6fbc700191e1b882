package cmd

import (
	"encoding/json"
	"fmt"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/agentic-research/gloss/internal/dupes"
)

var (
	dupesThreshold float64
	dupesMinWords  int
	dupesFormat    string
)

var dupesCmd = &cobra.Command{
	Use:   "dupes [corpus]",
	Short: "List near-duplicate sections across the corpus",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		root := corpusRoot(cfg, args)

		docs, err := scanCorpus(cmd.Context(), cfg, root, false)
		if err != nil {
			return err
		}

		threshold := cfg.Lint.DupThreshold
		if cmd.Flags().Changed("threshold") {
			threshold = dupesThreshold
		}
		minWords := cfg.Lint.MinSectionWords
		if cmd.Flags().Changed("min-words") {
			minWords = dupesMinWords
		}

		x := dupes.NewIndex()
		x.MinWords = minWords
		for _, d := range docs {
			for _, h := range d.Headings {
				x.AddSection(d, h, d.Section(h))
			}
		}
		pairs := x.Pairs(threshold)

		if dupesFormat == "json" {
			out, err := json.MarshalIndent(pairs, "", "  ")
			if err != nil {
				return err
			}
			fmt.Println(string(out))
			return nil
		}

		if len(pairs) == 0 {
			color.Green("✓ no section pairs above %.0f%% similarity", threshold*100)
			return nil
		}
		for _, p := range pairs {
			fmt.Printf("%s  %s:%d #%s  ~  %s:%d #%s\n",
				color.YellowString("%3.0f%%", p.Similarity*100),
				p.A.Path, p.A.Line, p.A.Anchor,
				p.B.Path, p.B.Line, p.B.Anchor)
		}
		fmt.Printf("%d near-duplicate pairs\n", len(pairs))
		return nil
	},
}

func init() {
	dupesCmd.Flags().Float64Var(&dupesThreshold, "threshold", dupes.DefaultThreshold, "similarity threshold (0..1)")
	dupesCmd.Flags().IntVar(&dupesMinWords, "min-words", dupes.DefaultMinWords, "skip sections shorter than this")
	dupesCmd.Flags().StringVar(&dupesFormat, "format", "text", "output format: text or json")
	rootCmd.AddCommand(dupesCmd)
}
