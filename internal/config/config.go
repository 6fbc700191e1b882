// Package config loads gloss.hcl, the per-corpus configuration file.
// Every field has a default, so a corpus without one still audits and
// mounts; commands overlay their flags on top of whatever is loaded.
package config

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/hashicorp/hcl/v2/hclsimple"
)

// FileName is the configuration file gloss looks for.
const FileName = "gloss.hcl"

// Config carries every tunable the commands read.
type Config struct {
	Corpus   Corpus
	Lint     Lint
	TOC      TOC
	Serve    Serve
	Topology string // topology JSON path; empty means infer
}

// Corpus selects the note files to operate on.
type Corpus struct {
	Root    string   // corpus root directory
	Include []string // glob patterns relative to Root; empty means every .md
	Exclude []string // directory or glob patterns to skip
}

// Lint tunes the audit rules.
type Lint struct {
	Disable         []string // rule names to skip
	FenceLangs      []string // accepted fence language tags
	DupThreshold    float64  // dup-content similarity threshold
	MinSectionWords int      // dup-content ignores sections below this
}

// TOC tunes table-of-contents generation.
type TOC struct {
	MinLevel int  // shallowest heading level included
	MaxLevel int  // deepest heading level included
	Insert   bool // add marker block to notes that lack one
}

// Serve tunes the reference overlay mounts.
type Serve struct {
	Listen   string // NFS listen address
	Writable bool   // allow write-back through the mount
}

// Default returns the built-in configuration.
func Default() *Config {
	return &Config{
		Corpus: Corpus{
			Root:    ".",
			Exclude: []string{".git"},
		},
		Lint: Lint{
			DupThreshold:    0.85,
			MinSectionWords: 30,
		},
		TOC: TOC{
			MinLevel: 2,
			MaxLevel: 4,
		},
		Serve: Serve{
			Listen: "localhost:0",
		},
	}
}

// The wire types keep block presence distinguishable from emptiness;
// hclsimple errors on missing blocks declared as values.
type fileSchema struct {
	Topology string       `hcl:"topology,optional"`
	Corpus   *corpusBlock `hcl:"corpus,block"`
	Lint     *lintBlock   `hcl:"lint,block"`
	TOC      *tocBlock    `hcl:"toc,block"`
	Serve    *serveBlock  `hcl:"serve,block"`
}

type corpusBlock struct {
	Root    string   `hcl:"root,optional"`
	Include []string `hcl:"include,optional"`
	Exclude []string `hcl:"exclude,optional"`
}

type lintBlock struct {
	Disable         []string `hcl:"disable,optional"`
	FenceLangs      []string `hcl:"fence_langs,optional"`
	DupThreshold    float64  `hcl:"dup_threshold,optional"`
	MinSectionWords int      `hcl:"min_section_words,optional"`
}

type tocBlock struct {
	MinLevel int  `hcl:"min_level,optional"`
	MaxLevel int  `hcl:"max_level,optional"`
	Insert   bool `hcl:"insert,optional"`
}

type serveBlock struct {
	Listen   string `hcl:"listen,optional"`
	Writable bool   `hcl:"writable,optional"`
}

// Load reads a gloss.hcl and overlays it on the defaults. An empty
// path returns the defaults unchanged. A relative corpus root is
// resolved against the config file's directory.
func Load(path string) (*Config, error) {
	cfg := Default()
	if path == "" {
		return cfg, nil
	}

	var raw fileSchema
	if err := hclsimple.DecodeFile(path, nil, &raw); err != nil {
		return nil, fmt.Errorf("load %s: %w", path, err)
	}

	cfg.Topology = raw.Topology
	if b := raw.Corpus; b != nil {
		if b.Root != "" {
			cfg.Corpus.Root = b.Root
		}
		if len(b.Include) > 0 {
			cfg.Corpus.Include = b.Include
		}
		if len(b.Exclude) > 0 {
			cfg.Corpus.Exclude = b.Exclude
		}
	}
	if b := raw.Lint; b != nil {
		if len(b.Disable) > 0 {
			cfg.Lint.Disable = b.Disable
		}
		if len(b.FenceLangs) > 0 {
			cfg.Lint.FenceLangs = b.FenceLangs
		}
		if b.DupThreshold > 0 {
			cfg.Lint.DupThreshold = b.DupThreshold
		}
		if b.MinSectionWords > 0 {
			cfg.Lint.MinSectionWords = b.MinSectionWords
		}
	}
	if b := raw.TOC; b != nil {
		if b.MinLevel > 0 {
			cfg.TOC.MinLevel = b.MinLevel
		}
		if b.MaxLevel > 0 {
			cfg.TOC.MaxLevel = b.MaxLevel
		}
		cfg.TOC.Insert = b.Insert
	}
	if b := raw.Serve; b != nil {
		if b.Listen != "" {
			cfg.Serve.Listen = b.Listen
		}
		cfg.Serve.Writable = b.Writable
	}

	if !filepath.IsAbs(cfg.Corpus.Root) {
		cfg.Corpus.Root = filepath.Join(filepath.Dir(path), cfg.Corpus.Root)
	}
	return cfg, nil
}

// Find walks up from dir looking for the nearest gloss.hcl.
func Find(dir string) (string, bool) {
	dir, err := filepath.Abs(dir)
	if err != nil {
		return "", false
	}
	for {
		p := filepath.Join(dir, FileName)
		if info, err := os.Stat(p); err == nil && !info.IsDir() {
			return p, true
		}
		parent := filepath.Dir(dir)
		if parent == dir {
			return "", false
		}
		dir = parent
	}
}
