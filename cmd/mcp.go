package cmd

import (
	"fmt"

	"github.com/agentic-research/gloss/internal/mcpserver"
	"github.com/spf13/cobra"
)

var mcpCmd = &cobra.Command{
	Use:   "mcp [corpus]",
	Short: "Serve the corpus to MCP clients over stdio",
	Long: `Mcp parses the corpus once and exposes it through the Model Context
Protocol: lookup_term, search_notes, read_note, outline_note, and
check_corpus. Point an MCP-capable editor or agent at the command and
it can quote your notes without mounting anything.`,
	Args: cobra.MaximumNArgs(1),
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
		if len(docs) == 0 {
			return fmt.Errorf("no notes under %s", root)
		}

		srv := mcpserver.New(Version, root, docs, lintOptions(cfg, root))
		return srv.ServeStdio()
	},
}

func init() {
	rootCmd.AddCommand(mcpCmd)
}
