package cmd

import (
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/agentic-research/gloss/internal/mdlint"
	"github.com/agentic-research/gloss/internal/watch"
	"github.com/fatih/color"
	"github.com/spf13/cobra"
)

var (
	watchDB       string
	watchArena    string
	watchDebounce time.Duration
)

var watchCmd = &cobra.Command{
	Use:   "watch [corpus]",
	Short: "Re-audit the corpus on every save",
	Long: `Watch audits the corpus once, then re-audits whenever a Markdown file
changes. Edits are debounced so a burst of saves triggers one run.

With --db the SQLite index is rebuilt after every clean audit, keeping
a mounted overlay fresh while you edit. Adding --arena also publishes
each rebuilt index into a double-buffered arena and bumps its control
generation, so live index mounts pick up the new version without
remounting.`,
	Args: cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		if watchArena != "" && watchDB == "" {
			return fmt.Errorf("--arena publishes the rebuilt index; it needs --db")
		}
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		root := corpusRoot(cfg, args)
		ctx := cmd.Context()

		audit := func(trigger string) error {
			docs, err := scanCorpus(ctx, cfg, root, false)
			if err != nil {
				return err
			}
			runner := mdlint.NewRunner(lintOptions(cfg, root))
			report, err := runner.Check(ctx, docs)
			if err != nil {
				return err
			}
			if trigger != "" {
				fmt.Printf("%s %s\n", color.CyanString(time.Now().Format("15:04:05")), trigger)
			}
			printReport(report)

			if watchDB != "" && report.Ok() {
				topo, err := resolveTopology(cfg, "", "", docs)
				if err != nil {
					return err
				}
				if err := writeIndex(docs, topo, watchDB); err != nil {
					return err
				}
				color.Green("✓ reindexed %d notes into %s", len(docs), watchDB)
				if watchArena != "" {
					gen, err := publishArena(watchDB, watchArena)
					if err != nil {
						return err
					}
					color.Green("✓ published %s, generation %d", watchArena, gen)
				}
			}
			return nil
		}

		if err := audit(""); err != nil {
			return err
		}

		w, err := watch.New(root, watchDebounce, func(b watch.Batch) {
			trigger := strings.Join(b.Paths, ", ")
			if len(b.Paths) > 3 {
				trigger = fmt.Sprintf("%s and %d more", strings.Join(b.Paths[:3], ", "), len(b.Paths)-3)
			}
			if err := audit(trigger); err != nil {
				fmt.Fprintf(os.Stderr, "watch: %v\n", err)
			}
		})
		if err != nil {
			return err
		}
		if err := w.Start(ctx); err != nil {
			return err
		}
		defer func() { _ = w.Close() }() // safe to ignore

		fmt.Fprintf(os.Stderr, "watching %s, press Ctrl+C to stop\n", root)

		sigc := make(chan os.Signal, 1)
		signal.Notify(sigc, os.Interrupt, syscall.SIGTERM)
		select {
		case <-sigc:
		case <-ctx.Done():
		}
		fmt.Fprintln(os.Stderr)
		return nil
	},
}

func init() {
	watchCmd.Flags().StringVar(&watchDB, "db", "", "rebuild this index after each clean audit")
	watchCmd.Flags().StringVar(&watchArena, "arena", "", "publish each rebuilt index into this arena")
	watchCmd.Flags().DurationVar(&watchDebounce, "debounce", watch.DefaultDebounce, "delay before a burst of edits triggers a run")
	rootCmd.AddCommand(watchCmd)
}
