package cmd

import (
	"fmt"
	"sort"

	"github.com/agentic-research/gloss/internal/corpus"
	"github.com/agentic-research/gloss/internal/graph"
	"github.com/fatih/color"
	"github.com/spf13/cobra"
)

var (
	refsDB   string
	refsLike bool
)

var refsCmd = &cobra.Command{
	Use:   "refs <term>",
	Short: "List the notes that mention a term in inline code",
	Long: `Refs answers "which notes talk about $_?" from a built index. Terms are
the inline-code spans collected at build time, so lookups are exact by
default; --like matches any term containing the query instead.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		term := args[0]

		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		topo, err := resolveTopology(cfg, "", "", nil)
		if err != nil {
			return err
		}

		g, err := graph.OpenSQLiteGraph(refsDB, topo, corpus.RenderTemplate)
		if err != nil {
			return err
		}
		defer func() { _ = g.Close() }() // safe to ignore

		if err := g.LoadRefsFromIndex(); err != nil {
			return err
		}
		if err := g.FlushRefs(); err != nil {
			return err
		}

		if refsLike {
			return printLikeRefs(g, term)
		}
		return printExactRefs(g, term)
	},
}

func printExactRefs(g *graph.SQLiteGraph, term string) error {
	nodes, err := g.GetTermRefs(term)
	if err != nil {
		return err
	}
	if len(nodes) == 0 {
		fmt.Printf("no notes mention %s\n", color.CyanString(term))
		return nil
	}

	paths := make([]string, 0, len(nodes))
	for _, n := range nodes {
		paths = append(paths, n.ID)
	}
	sort.Strings(paths)

	for _, p := range paths {
		fmt.Println(p)
	}
	color.Green("✓ %d notes mention %s", len(paths), term)
	return nil
}

// printLikeRefs queries the gloss_refs virtual table, which joins the
// token bitmaps back to note paths inside SQLite.
func printLikeRefs(g *graph.SQLiteGraph, term string) error {
	rows, err := g.QueryRefs(
		"SELECT token, path FROM gloss_refs WHERE token LIKE ? ORDER BY token, path",
		"%"+term+"%",
	)
	if err != nil {
		return err
	}
	defer func() { _ = rows.Close() }() // safe to ignore

	count := 0
	lastToken := ""
	for rows.Next() {
		var token, path string
		if err := rows.Scan(&token, &path); err != nil {
			return err
		}
		if token != lastToken {
			color.Cyan("%s", token)
			lastToken = token
		}
		fmt.Printf("  %s\n", path)
		count++
	}
	if err := rows.Err(); err != nil {
		return err
	}

	if count == 0 {
		fmt.Printf("no terms match %s\n", color.CyanString("%"+term+"%"))
		return nil
	}
	color.Green("✓ %d references", count)
	return nil
}

func init() {
	refsCmd.Flags().StringVar(&refsDB, "db", "notes.db", "built index to query")
	refsCmd.Flags().BoolVar(&refsLike, "like", false, "substring match instead of exact term lookup")
	rootCmd.AddCommand(refsCmd)
}
