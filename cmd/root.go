package cmd

import (
	"context"
	"fmt"
	"os"

	"github.com/fatih/color"
	"github.com/schollz/progressbar/v3"
	"github.com/spf13/cobra"

	"github.com/agentic-research/gloss/internal/config"
	"github.com/agentic-research/gloss/internal/corpus"
	"github.com/agentic-research/gloss/internal/mdlint"
)

// Version is overridden by the release build via -ldflags.
var Version = "0.2.0-dev"

var configFlag string

var rootCmd = &cobra.Command{
	Use:     "gloss",
	Short:   "Audit, index, and mount a Markdown study-notes corpus",
	Long: `gloss turns a directory of Markdown study notes into an audited,
queryable reference: check lints the corpus, build indexes it into
SQLite, and mount serves it as a navigable filesystem for humans and
coding agents.`,
	Version:      Version,
	SilenceUsage: true,
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configFlag, "config", "c", "",
		"path to gloss.hcl (default: nearest ancestor of the working directory)")
}

// Execute runs the root command.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

// loadConfig resolves the effective configuration: --config wins,
// otherwise the nearest gloss.hcl above the working directory,
// otherwise defaults.
func loadConfig() (*config.Config, error) {
	path := configFlag
	if path == "" {
		wd, err := os.Getwd()
		if err != nil {
			return nil, err
		}
		if found, ok := config.Find(wd); ok {
			path = found
		}
	}
	return config.Load(path)
}

// corpusRoot picks the corpus directory: a positional argument beats
// the configured root.
func corpusRoot(cfg *config.Config, args []string) string {
	if len(args) > 0 {
		return args[0]
	}
	return cfg.Corpus.Root
}

// lintOptions maps the config onto the audit runner for the given root.
func lintOptions(cfg *config.Config, root string) mdlint.Options {
	return mdlint.Options{
		Root:            root,
		Disable:         cfg.Lint.Disable,
		FenceLangs:      cfg.Lint.FenceLangs,
		DupThreshold:    cfg.Lint.DupThreshold,
		MinSectionWords: cfg.Lint.MinSectionWords,
	}
}

// scanCorpus parses every note under root. With progress enabled a bar
// renders on stderr so stdout stays pipeable.
func scanCorpus(ctx context.Context, cfg *config.Config, root string, progress bool) ([]*corpus.Document, error) {
	s := corpus.NewScanner(root)
	s.Include = cfg.Corpus.Include
	s.Exclude = cfg.Corpus.Exclude

	var bar *progressbar.ProgressBar
	if progress {
		s.Progress = func(done, total int, rel string) {
			if bar == nil {
				bar = newProgressBar(total, "scanning notes")
			}
			_ = bar.Add(1)
		}
	}

	docs, err := s.Scan(ctx)
	if bar != nil {
		_ = bar.Finish()
		fmt.Fprintln(os.Stderr)
	}
	return docs, err
}

func newProgressBar(total int, description string) *progressbar.ProgressBar {
	return progressbar.NewOptions(total,
		progressbar.OptionSetWriter(os.Stderr),
		progressbar.OptionSetDescription(color.BlueString(description)),
		progressbar.OptionSetItsString("notes"),
		progressbar.OptionShowCount(),
		progressbar.OptionShowIts(),
		progressbar.OptionSetWidth(40),
		progressbar.OptionSetTheme(progressbar.Theme{
			Saucer:        "█",
			SaucerHead:    "█",
			SaucerPadding: "░",
			BarStart:      "[",
			BarEnd:        "]",
		}),
		progressbar.OptionEnableColorCodes(true),
	)
}
