// Package toc generates and maintains tables of contents in notes.
// The region between the markers belongs to gloss and is regenerated
// from the heading tree; everything outside it is never touched.
package toc

import (
	"bytes"
	"fmt"

	"github.com/agentic-research/gloss/internal/corpus"
)

const (
	StartMarker = "<!-- toc -->"
	EndMarker   = "<!-- tocstop -->"
)

// Options controls which headings are listed.
type Options struct {
	// MinLevel is the shallowest heading level included. Zero means 2,
	// which keeps the H1 title out of its own table.
	MinLevel int
	// MaxLevel is the deepest heading level included. Zero means 4.
	MaxLevel int
	// Insert places a marker pair after the H1 when the file has none.
	Insert bool
}

func (o Options) minLevel() int {
	if o.MinLevel <= 0 {
		return 2
	}
	return o.MinLevel
}

func (o Options) maxLevel() int {
	if o.MaxLevel <= 0 {
		return 4
	}
	return o.MaxLevel
}

// Region is the marker-owned byte span: Start is the first byte after
// the start-marker line, End is the first byte of the end-marker line.
type Region struct {
	Start uint32
	End   uint32
	Found bool
}

// Build renders the heading list as Markdown bullets with anchor
// links, indented two spaces per level. Headings inside a marker
// region cannot occur (the region holds a list), so every heading in
// range is listed.
func Build(d *corpus.Document, opts Options) []byte {
	min, max := opts.minLevel(), opts.maxLevel()
	var buf bytes.Buffer
	for _, h := range d.Headings {
		if h.Level < min || h.Level > max {
			continue
		}
		depth := h.Level - min
		if depth < 0 {
			depth = 0
		}
		for i := 0; i < depth; i++ {
			buf.WriteString("  ")
		}
		fmt.Fprintf(&buf, "- [%s](#%s)\n", h.Text, h.Anchor)
	}
	return buf.Bytes()
}

// Spans locates the marker region in src. A file without markers
// returns Found false and no error; a start marker without an end,
// markers out of order, or a second pair are errors.
func Spans(src []byte) (Region, error) {
	var (
		region    Region
		haveStart bool
		complete  bool
	)

	pos := 0
	for pos <= len(src) {
		lineEnd := bytes.IndexByte(src[pos:], '\n')
		var line []byte
		var next int
		if lineEnd < 0 {
			line = src[pos:]
			next = len(src) + 1
		} else {
			line = src[pos : pos+lineEnd]
			next = pos + lineEnd + 1
		}

		switch string(bytes.TrimSpace(line)) {
		case StartMarker:
			if haveStart || complete {
				return Region{}, fmt.Errorf("toc: repeated %s marker", StartMarker)
			}
			haveStart = true
			start := next
			if start > len(src) {
				start = len(src)
			}
			region.Start = uint32(start)
		case EndMarker:
			if !haveStart {
				return Region{}, fmt.Errorf("toc: %s without preceding %s", EndMarker, StartMarker)
			}
			if complete {
				return Region{}, fmt.Errorf("toc: repeated %s marker", EndMarker)
			}
			region.End = uint32(pos)
			region.Found = true
			haveStart = false
			complete = true
		}

		if lineEnd < 0 {
			break
		}
		pos = next
	}

	if haveStart {
		return Region{}, fmt.Errorf("toc: %s is never closed by %s", StartMarker, EndMarker)
	}
	return region, nil
}

// Apply returns the file bytes with the marker region regenerated.
// Without markers the file is returned untouched unless opts.Insert is
// set, in which case a pair is placed after the H1 line (or at the top
// of the body when there is no H1). Regeneration is idempotent.
func Apply(d *corpus.Document, opts Options) ([]byte, bool, error) {
	src := d.Source()
	region, err := Spans(src)
	if err != nil {
		return nil, false, err
	}

	list := Build(d, opts)
	// Canonical region content: blank line, list, blank line.
	canonical := make([]byte, 0, len(list)+2)
	canonical = append(canonical, '\n')
	canonical = append(canonical, list...)
	canonical = append(canonical, '\n')

	if !region.Found {
		if !opts.Insert {
			return src, false, nil
		}
		return insertMarkers(d, src, canonical)
	}

	out := make([]byte, 0, int(region.Start)+len(canonical)+len(src)-int(region.End))
	out = append(out, src[:region.Start]...)
	out = append(out, canonical...)
	out = append(out, src[region.End:]...)
	return out, !bytes.Equal(out, src), nil
}

// insertMarkers places a fresh marker pair holding content after the
// H1 line, or at the start of the body when the note has none.
func insertMarkers(d *corpus.Document, src, content []byte) ([]byte, bool, error) {
	at := d.BodyStart
	for _, h := range d.Headings {
		if h.Level == 1 {
			at = int(h.StartByte)
			if nl := bytes.IndexByte(src[at:], '\n'); nl >= 0 {
				at += nl + 1
			} else {
				at = len(src)
			}
			break
		}
	}
	if at > len(src) {
		at = len(src)
	}

	// The marker line gets its own newline so the region body matches
	// what regeneration produces; a second Apply is then a no-op.
	var block bytes.Buffer
	block.WriteByte('\n')
	block.WriteString(StartMarker)
	block.WriteByte('\n')
	block.Write(content)
	block.WriteString(EndMarker)
	block.WriteByte('\n')

	out := make([]byte, 0, len(src)+block.Len())
	out = append(out, src[:at]...)
	out = append(out, block.Bytes()...)
	out = append(out, src[at:]...)
	return out, true, nil
}
