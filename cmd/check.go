package cmd

import (
	"encoding/json"
	"fmt"

	"github.com/fatih/color"
	"github.com/ohler55/ojg/jp"
	"github.com/ohler55/ojg/oj"
	"github.com/spf13/cobra"

	"github.com/agentic-research/gloss/internal/mdlint"
)

var (
	checkFormat          string
	checkSelect          string
	checkDisable         []string
	checkFenceLangs      []string
	checkDupThreshold    float64
	checkMinSectionWords int
)

var checkCmd = &cobra.Command{
	Use:   "check [corpus]",
	Short: "Audit the corpus: structure, fence tags, links, anchors, duplicate content",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		root := corpusRoot(cfg, args)

		docs, err := scanCorpus(cmd.Context(), cfg, root, checkFormat == "text" && checkSelect == "")
		if err != nil {
			return err
		}

		opts := lintOptions(cfg, root)
		if cmd.Flags().Changed("disable") {
			opts.Disable = checkDisable
		}
		if cmd.Flags().Changed("fence-langs") {
			opts.FenceLangs = checkFenceLangs
		}
		if cmd.Flags().Changed("dup-threshold") {
			opts.DupThreshold = checkDupThreshold
		}
		if cmd.Flags().Changed("min-section-words") {
			opts.MinSectionWords = checkMinSectionWords
		}

		report, err := mdlint.NewRunner(opts).Check(cmd.Context(), docs)
		if err != nil {
			return err
		}

		switch {
		case checkSelect != "":
			if err := printSelected(report, checkSelect); err != nil {
				return err
			}
		case checkFormat == "json":
			out, err := json.MarshalIndent(report, "", "  ")
			if err != nil {
				return err
			}
			fmt.Println(string(out))
		default:
			printReport(report)
		}

		if !report.Ok() {
			return fmt.Errorf("audit failed: %d errors", report.Errors)
		}
		return nil
	},
}

func printReport(report mdlint.Report) {
	for _, d := range report.Diagnostics {
		sev := color.YellowString("warn")
		if d.Severity == mdlint.SeverityError {
			sev = color.RedString("error")
		}
		fmt.Printf("%s:%d: %s [%s] %s\n", color.CyanString(d.Path), d.Line, sev, d.Rule, d.Message)
	}
	if report.Ok() && report.Warnings == 0 {
		color.Green("✓ %d notes clean", report.Files)
		return
	}
	fmt.Printf("%d notes, %s, %s\n", report.Files,
		color.RedString("%d errors", report.Errors),
		color.YellowString("%d warnings", report.Warnings))
}

// printSelected filters the JSON report through a JSONPath expression,
// one result per line. `gloss check --select '$.diagnostics[?(@.rule ==
// "link-resolve")].path'` lists just the files with broken links.
func printSelected(report mdlint.Report, selector string) error {
	x, err := jp.ParseString(selector)
	if err != nil {
		return fmt.Errorf("parse selector %q: %w", selector, err)
	}
	raw, err := json.Marshal(report)
	if err != nil {
		return err
	}
	data, err := oj.Parse(raw)
	if err != nil {
		return err
	}
	for _, r := range x.Get(data) {
		fmt.Println(oj.JSON(r))
	}
	return nil
}

func init() {
	checkCmd.Flags().StringVar(&checkFormat, "format", "text", "output format: text or json")
	checkCmd.Flags().StringVar(&checkSelect, "select", "", "JSONPath filter over the JSON report")
	checkCmd.Flags().StringSliceVar(&checkDisable, "disable", nil, "rule names to skip")
	checkCmd.Flags().StringSliceVar(&checkFenceLangs, "fence-langs", nil, "accepted fence language tags")
	checkCmd.Flags().Float64Var(&checkDupThreshold, "dup-threshold", 0, "similarity threshold for dup-content")
	checkCmd.Flags().IntVar(&checkMinSectionWords, "min-section-words", 0, "dup-content ignores sections below this")
	rootCmd.AddCommand(checkCmd)
}
