package mdlint

import (
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strings"

	"github.com/agentic-research/gloss/internal/corpus"
)

// anchorRule resolves fragment links. A bare "#frag" must name a
// heading anchor in the same file; "other.md#frag" must name one in
// the target file. Missing target files are link-resolve's finding,
// not repeated here.
type anchorRule struct{}

func (anchorRule) Name() string { return "anchor-resolve" }

func (anchorRule) Check(d *corpus.Document, c *Corpus) []Diagnostic {
	var diags []Diagnostic
	for _, l := range d.Links {
		switch l.Kind {
		case corpus.LinkAnchor:
			frag := fragment(l.Dest[1:])
			if frag == "" {
				continue
			}
			if !c.AnchorsOf(d.RelPath)[frag] {
				diags = append(diags, Diagnostic{
					Path: d.RelPath, Line: l.Line, Rule: "anchor-resolve", Severity: SeverityError,
					Message: fmt.Sprintf("no heading with anchor #%s", frag),
				})
			}
		case corpus.LinkRelative:
			hash := strings.Index(l.Dest, "#")
			if hash < 0 {
				continue
			}
			frag := fragment(l.Dest[hash+1:])
			if frag == "" {
				continue
			}
			target, ok := corpus.ResolveRelative(d.RelPath, l.Dest)
			if !ok || c.Doc(target) == nil {
				continue
			}
			if !c.AnchorsOf(target)[frag] {
				diags = append(diags, Diagnostic{
					Path: d.RelPath, Line: l.Line, Rule: "anchor-resolve", Severity: SeverityError,
					Message: fmt.Sprintf("%s has no heading with anchor #%s", target, frag),
				})
			}
		}
	}
	return diags
}

// linkRule checks that relative destinations, images included, exist
// inside the corpus. Notes resolve against the parsed set; any other
// file (images, data) resolves against the corpus root on disk.
// Destinations that climb out of the root are errors regardless.
type linkRule struct{}

func (linkRule) Name() string { return "link-resolve" }

func (linkRule) Check(d *corpus.Document, c *Corpus) []Diagnostic {
	var diags []Diagnostic
	for _, l := range d.Links {
		if l.Kind != corpus.LinkRelative {
			continue
		}
		target, ok := corpus.ResolveRelative(d.RelPath, l.Dest)
		if !ok {
			diags = append(diags, Diagnostic{
				Path: d.RelPath, Line: l.Line, Rule: "link-resolve", Severity: SeverityError,
				Message: fmt.Sprintf("link %q escapes the corpus root", l.Dest),
			})
			continue
		}
		if c.Doc(target) != nil {
			continue
		}
		if c.Root != "" {
			if _, err := os.Stat(filepath.Join(c.Root, filepath.FromSlash(target))); err == nil {
				continue
			}
		}
		diags = append(diags, Diagnostic{
			Path: d.RelPath, Line: l.Line, Rule: "link-resolve", Severity: SeverityError,
			Message: fmt.Sprintf("link target %s does not exist", target),
		})
	}
	return diags
}

// fragment percent-decodes a fragment; undecodable input is compared
// raw. Anchors match case-sensitively.
func fragment(raw string) string {
	if dec, err := url.PathUnescape(raw); err == nil {
		return dec
	}
	return raw
}
