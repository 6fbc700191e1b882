package cmd

import (
	"os"
	"path/filepath"

	"github.com/agentic-research/gloss/internal/scaffold"
	"github.com/fatih/color"
	"github.com/spf13/cobra"
)

var initCmd = &cobra.Command{
	Use:   "init [dir]",
	Short: "Write a starter corpus and config",
	Long: `Init drops a gloss.hcl plus a few linked example notes into the target
directory (default: the current one). The starter corpus passes gloss
check as-is, so it doubles as a reference for front matter, fences,
and cross-note links. Existing files are never overwritten.`,
	Args: cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		dir := "."
		if len(args) == 1 {
			dir = args[0]
		}
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return err
		}
		written, err := scaffold.Init(dir)
		if err != nil {
			return err
		}
		for _, rel := range written {
			color.Green("✓ %s", filepath.Join(dir, rel))
		}
		return nil
	},
}

func init() {
	rootCmd.AddCommand(initCmd)
}
