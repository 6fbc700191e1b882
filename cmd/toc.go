package cmd

import (
	"fmt"
	"os"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/agentic-research/gloss/internal/toc"
)

var (
	tocWrite    bool
	tocCheck    bool
	tocInsert   bool
	tocMinLevel int
	tocMaxLevel int
)

var tocCmd = &cobra.Command{
	Use:   "toc [corpus]",
	Short: "Regenerate tables of contents between toc markers",
	Long: `toc rewrites the region between <!-- toc --> and <!-- tocstop -->
markers in every note. By default stale notes are listed; --write
rewrites them in place, --check fails when any note is stale.`,
	Args: cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		if tocWrite && tocCheck {
			return fmt.Errorf("--write and --check are mutually exclusive")
		}

		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		root := corpusRoot(cfg, args)

		docs, err := scanCorpus(cmd.Context(), cfg, root, false)
		if err != nil {
			return err
		}

		opts := toc.Options{
			MinLevel: cfg.TOC.MinLevel,
			MaxLevel: cfg.TOC.MaxLevel,
			Insert:   cfg.TOC.Insert || tocInsert,
		}
		if cmd.Flags().Changed("min-level") {
			opts.MinLevel = tocMinLevel
		}
		if cmd.Flags().Changed("max-level") {
			opts.MaxLevel = tocMaxLevel
		}

		var stale []string
		for _, d := range docs {
			out, changed, err := toc.Apply(d, opts)
			if err != nil {
				return fmt.Errorf("%s: %w", d.RelPath, err)
			}
			if !changed {
				continue
			}
			stale = append(stale, d.RelPath)
			if tocWrite {
				if err := os.WriteFile(d.Path, out, 0o644); err != nil {
					return fmt.Errorf("write %s: %w", d.RelPath, err)
				}
			}
		}

		if len(stale) == 0 {
			color.Green("✓ all tables of contents current (%d notes)", len(docs))
			return nil
		}
		for _, rel := range stale {
			fmt.Println(rel)
		}
		if tocWrite {
			color.Green("✓ rewrote %d tables of contents", len(stale))
			return nil
		}
		if tocCheck {
			return fmt.Errorf("%d notes have stale tables of contents", len(stale))
		}
		return nil
	},
}

func init() {
	tocCmd.Flags().BoolVarP(&tocWrite, "write", "w", false, "rewrite stale notes in place")
	tocCmd.Flags().BoolVar(&tocCheck, "check", false, "fail when any note is stale")
	tocCmd.Flags().BoolVar(&tocInsert, "insert", false, "insert a marker pair after the H1 when missing")
	tocCmd.Flags().IntVar(&tocMinLevel, "min-level", 0, "shallowest heading level listed (default 2)")
	tocCmd.Flags().IntVar(&tocMaxLevel, "max-level", 0, "deepest heading level listed (default 4)")
	rootCmd.AddCommand(tocCmd)
}
