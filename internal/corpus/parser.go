package corpus

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"path"
	"regexp"
	"sort"
	"strings"

	"github.com/adrg/frontmatter"
	"github.com/yuin/goldmark"
	"github.com/yuin/goldmark/ast"
	"github.com/yuin/goldmark/extension"
	east "github.com/yuin/goldmark/extension/ast"
	"github.com/yuin/goldmark/text"
)

// markdown is the shared parser instance. Parsing is stateless, so one
// instance serves all goroutines.
var markdown = goldmark.New(
	goldmark.WithExtensions(
		extension.Table,
		extension.Strikethrough,
		extension.TaskList,
		extension.Linkify,
	),
)

var schemeRe = regexp.MustCompile(`^[a-zA-Z][a-zA-Z0-9+.-]*:`)

const maxTermLen = 64

// ParseDocument parses one note. It never fails: undecodable front
// matter is recorded in MetaErr and the body is parsed as-is, so every
// file in the corpus yields a Document the audit rules can inspect.
//
// All recorded byte offsets index src (the original file bytes), even
// when a front matter envelope was stripped before the Markdown parse.
func ParseDocument(filePath, rel string, src []byte) *Document {
	d := &Document{
		Path:    filePath,
		RelPath: rel,
		Size:    int64(len(src)),
		source:  src,
	}
	sum := sha256.Sum256(src)
	d.Checksum = hex.EncodeToString(sum[:])

	body := src
	delta := 0
	if bytes.HasPrefix(body, []byte{0xEF, 0xBB, 0xBF}) {
		body = body[3:]
		delta = 3
	}

	var meta FrontMatter
	rest, err := frontmatter.Parse(bytes.NewReader(body), &meta)
	switch {
	case err != nil:
		d.MetaErr = err.Error()
	case bytes.HasSuffix(body, rest):
		delta += len(body) - len(rest)
		body = rest
		d.Meta = meta
	default:
		// Offsets must stay aligned with the original bytes, so keep
		// the unstripped body when the envelope is not a plain prefix.
		d.Meta = meta
	}

	d.BodyStart = delta

	lineIdx := lineOffsets(src)
	lineOf := func(off int) int {
		return sort.Search(len(lineIdx), func(i int) bool { return lineIdx[i] > off })
	}

	for _, f := range scanFences(body) {
		f.StartByte += uint32(delta)
		f.EndByte += uint32(delta)
		f.Line = lineOf(int(f.StartByte))
		d.Fences = append(d.Fences, f)
	}

	root := markdown.Parser().Parse(text.NewReader(body))
	slugs := newSlugger()
	terms := make(map[string]struct{})
	blockLine := 1

	_ = ast.Walk(root, func(n ast.Node, entering bool) (ast.WalkStatus, error) {
		if !entering {
			return ast.WalkContinue, nil
		}
		if n.Type() == ast.TypeBlock {
			if bl, ok := n.(interface{ Lines() *text.Segments }); ok {
				if segs := bl.Lines(); segs != nil && segs.Len() > 0 {
					blockLine = lineOf(segs.At(0).Start + delta)
				}
			}
		}
		switch v := n.(type) {
		case *ast.Heading:
			segs := v.Lines()
			if segs == nil || segs.Len() == 0 {
				return ast.WalkContinue, nil
			}
			txt := strings.TrimSpace(string(v.Text(body)))
			start := lineStart(body, segs.At(0).Start) + delta
			d.Headings = append(d.Headings, Heading{
				Level:     v.Level,
				Text:      txt,
				Anchor:    slugs.slug(txt),
				Line:      lineOf(start),
				StartByte: uint32(start),
			})
		case *ast.Link:
			dest := string(v.Destination)
			d.Links = append(d.Links, Link{
				Text: string(v.Text(body)),
				Dest: dest,
				Kind: classifyDest(dest),
				Line: inlineLine(v, delta, lineOf, blockLine),
			})
		case *ast.AutoLink:
			dest := string(v.URL(body))
			d.Links = append(d.Links, Link{
				Text: dest,
				Dest: dest,
				Kind: LinkExternal,
				Line: inlineLine(v, delta, lineOf, blockLine),
			})
		case *ast.Image:
			dest := string(v.Destination)
			d.Links = append(d.Links, Link{
				Text: string(v.Text(body)),
				Dest: dest,
				Kind: classifyDest(dest),
				Line: inlineLine(v, delta, lineOf, blockLine),
			})
		case *ast.CodeSpan:
			t := strings.TrimSpace(string(v.Text(body)))
			if t != "" && len(t) <= maxTermLen && !strings.Contains(t, "\n") {
				terms[t] = struct{}{}
			}
			return ast.WalkSkipChildren, nil
		case *east.Table:
			d.Tables++
		}
		return ast.WalkContinue, nil
	})

	// Section spans: each heading runs to the next heading of the same
	// or higher level. Deeper headings nest inside their parent's span.
	for i := range d.Headings {
		end := uint32(len(src))
		for j := i + 1; j < len(d.Headings); j++ {
			if d.Headings[j].Level <= d.Headings[i].Level {
				end = d.Headings[j].StartByte
				break
			}
		}
		d.Headings[i].EndByte = end
	}

	d.Terms = sortTerms(terms)
	d.Words = len(strings.Fields(string(body)))

	d.Title = d.Meta.Title
	if d.Title == "" {
		for _, h := range d.Headings {
			if h.Level == 1 {
				d.Title = h.Text
				break
			}
		}
	}
	if d.Title == "" {
		d.Title = strings.TrimSuffix(path.Base(rel), path.Ext(rel))
	}

	d.Slug = d.Meta.Slug
	if d.Slug == "" {
		stem := strings.TrimSuffix(rel, path.Ext(rel))
		d.Slug = Slugify(strings.ReplaceAll(stem, "/", " "))
	}

	return d
}

// classifyDest buckets a link destination. Fragments are anchors,
// schemes (and protocol-relative URLs) are external, the rest is a
// relative path into the corpus.
func classifyDest(dest string) LinkKind {
	switch {
	case strings.HasPrefix(dest, "#"):
		return LinkAnchor
	case strings.HasPrefix(dest, "//") || schemeRe.MatchString(dest):
		return LinkExternal
	default:
		return LinkRelative
	}
}

// lineOffsets returns the byte offset of each line start in src.
func lineOffsets(src []byte) []int {
	offs := []int{0}
	for i, b := range src {
		if b == '\n' {
			offs = append(offs, i+1)
		}
	}
	return offs
}

// lineStart walks back from off to the start of its line.
func lineStart(data []byte, off int) int {
	if off > len(data) {
		off = len(data)
	}
	return bytes.LastIndexByte(data[:off], '\n') + 1
}

// inlineLine locates an inline node's line via its first text segment,
// falling back to the enclosing block's first line.
func inlineLine(n ast.Node, delta int, lineOf func(int) int, fallback int) int {
	if s := firstTextStart(n); s >= 0 {
		return lineOf(s + delta)
	}
	return fallback
}

func firstTextStart(n ast.Node) int {
	for c := n.FirstChild(); c != nil; c = c.NextSibling() {
		if t, ok := c.(*ast.Text); ok {
			return t.Segment.Start
		}
		if s := firstTextStart(c); s >= 0 {
			return s
		}
	}
	return -1
}
