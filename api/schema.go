package api

import (
	"encoding/json"
	"fmt"
	"os"
)

// Topology represents the root configuration of the reference tree.
// It maps note records from a corpus index to a directory structure.
type Topology struct {
	// Version of the Gloss schema.
	Version string `json:"version"`
	// Table is the SQLite table holding note records (default "notes").
	Table string `json:"table,omitempty"`
	// Root nodes of the filesystem.
	Nodes []Node `json:"nodes,omitempty"`
}

// Node represents a directory in the reference tree.
// It can contain other nodes or leaves (files).
type Node struct {
	// Name of the directory. Can be a template string over record fields.
	Name string `json:"name"`
	// Selector is a JSONPath query selecting records for this node context.
	Selector string `json:"selector,omitempty"`
	// Children directories.
	Children []Node `json:"children,omitempty"`
	// Files within this directory.
	Files []Leaf `json:"files,omitempty"`
}

// Leaf represents a file in the reference tree.
type Leaf struct {
	// Name of the file. Can be a template string.
	Name string `json:"name"`
	// ContentTemplate is the template string used to generate the file content.
	ContentTemplate string `json:"content_template"`
	// Attributes defines file permissions/metadata (optional).
	Attributes *Attributes `json:"attributes,omitempty"`
}

// Attributes defines optional metadata for nodes/leaves.
type Attributes struct {
	Mode uint32 `json:"mode,omitempty"` // File mode (e.g., 0644)
}

// LoadTopology reads and validates a topology JSON file.
func LoadTopology(path string) (*Topology, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read topology: %w", err)
	}
	var t Topology
	if err := json.Unmarshal(data, &t); err != nil {
		return nil, fmt.Errorf("parse topology %s: %w", path, err)
	}
	if err := t.Validate(); err != nil {
		return nil, fmt.Errorf("topology %s: %w", path, err)
	}
	return &t, nil
}

// Validate checks the structural rules the ingest engine relies on:
// every non-root node names a selector, and file names are unique
// within their directory.
func (t *Topology) Validate() error {
	if t.Version != "" && t.Version != "v1" {
		return fmt.Errorf("unsupported version %q", t.Version)
	}
	for _, n := range t.Nodes {
		for _, c := range n.Children {
			if err := validateNode(c, n.Name); err != nil {
				return err
			}
		}
		if err := validateLeaves(n.Files, n.Name); err != nil {
			return err
		}
	}
	return nil
}

func validateNode(n Node, parent string) error {
	at := parent + "/" + n.Name
	if n.Selector == "" {
		return fmt.Errorf("node %s has no selector", at)
	}
	if err := validateLeaves(n.Files, at); err != nil {
		return err
	}
	for _, c := range n.Children {
		if err := validateNode(c, at); err != nil {
			return err
		}
	}
	return nil
}

func validateLeaves(files []Leaf, at string) error {
	seen := make(map[string]bool, len(files))
	for _, f := range files {
		if f.Name == "" {
			return fmt.Errorf("node %s has an unnamed file", at)
		}
		if seen[f.Name] {
			return fmt.Errorf("node %s lists file %q twice", at, f.Name)
		}
		seen[f.Name] = true
	}
	return nil
}

// DefaultTopology returns the built-in layout: one directory per note
// keyed by slug, with the note body plus derived views as files and a
// sections/ subtree exposing one writable file per heading span. The
// mount layers add virtual backlinks/ and links/ directories on top.
//
// The record fields referenced here are produced by corpus.Document.Record:
// slug, title, rel_path, body, outline, term_list, sections.
func DefaultTopology() *Topology {
	return &Topology{
		Version: "v1",
		Table:   "notes",
		Nodes: []Node{
			{
				Name:     "notes",
				Selector: "$",
				Children: []Node{
					{
						Name:     "{{.slug}}",
						Selector: "$[*]",
						Children: []Node{
							{
								Name:     "sections",
								Selector: "$",
								Children: []Node{
									{
										Name:     "{{.anchor}}",
										Selector: "$.sections[*]",
										Files: []Leaf{
											{Name: "body.md", ContentTemplate: "{{.body}}", Attributes: &Attributes{Mode: 0o644}},
										},
									},
								},
							},
						},
						Files: []Leaf{
							{Name: "body.md", ContentTemplate: "{{.body}}", Attributes: &Attributes{Mode: 0o644}},
							{Name: "outline", ContentTemplate: "{{.outline}}"},
							{Name: "terms", ContentTemplate: "{{.term_list}}"},
							{Name: "raw.json", ContentTemplate: "{{. | json}}"},
						},
					},
				},
			},
		},
	}
}
