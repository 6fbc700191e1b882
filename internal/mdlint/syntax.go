package mdlint

import (
	"bytes"
	"context"
	"fmt"
	"regexp"
	"strings"

	sitter "github.com/smacker/go-tree-sitter"
	"github.com/smacker/go-tree-sitter/golang"
	"github.com/smacker/go-tree-sitter/hcl"
	"github.com/smacker/go-tree-sitter/javascript"
	"github.com/smacker/go-tree-sitter/python"
	"github.com/smacker/go-tree-sitter/rust"
	sqllang "github.com/smacker/go-tree-sitter/sql"
	"github.com/smacker/go-tree-sitter/typescript/typescript"
	"github.com/smacker/go-tree-sitter/yaml"
	"mvdan.cc/gofumpt/format"

	"github.com/agentic-research/gloss/internal/corpus"
)

// fenceSyntaxRule parses fences tagged with a language that has a
// tree-sitter grammar and flags ERROR/MISSING nodes. Languages without
// a grammar (perl included) pass through.
type fenceSyntaxRule struct{}

func (fenceSyntaxRule) Name() string { return "fence-syntax" }

func (fenceSyntaxRule) Check(d *corpus.Document, _ *Corpus) []Diagnostic {
	var diags []Diagnostic
	for _, f := range d.Fences {
		lang := grammarFor(f.Lang)
		if lang == nil {
			continue
		}
		row, ok := firstSyntaxError(lang, []byte(f.Code))
		if !ok {
			continue
		}
		diags = append(diags, Diagnostic{
			// Code starts one line below the opening fence; tree-sitter
			// rows are 0-based.
			Path: d.RelPath, Line: f.Line + 1 + row, Rule: "fence-syntax", Severity: SeverityWarning,
			Message: fmt.Sprintf("syntax error in %s fence opened at line %d", f.Lang, f.Line),
		})
	}
	return diags
}

// firstSyntaxError parses code and returns the 0-based row of the
// first ERROR or MISSING node, if any.
func firstSyntaxError(lang *sitter.Language, code []byte) (int, bool) {
	parser := sitter.NewParser()
	parser.SetLanguage(lang)
	tree, err := parser.ParseCtx(context.Background(), nil, code)
	if err != nil {
		return 0, false
	}
	root := tree.RootNode()
	if root == nil || !root.HasError() {
		return 0, false
	}
	if n := findErrorNode(root); n != nil {
		return int(n.StartPoint().Row), true
	}
	return 0, true
}

// findErrorNode does a depth-first search for the first ERROR or
// MISSING node, descending only into subtrees that report errors.
func findErrorNode(node *sitter.Node) *sitter.Node {
	if node.IsError() || node.IsMissing() {
		return node
	}
	for i := 0; i < int(node.ChildCount()); i++ {
		child := node.Child(i)
		if child.HasError() || child.IsError() || child.IsMissing() {
			if found := findErrorNode(child); found != nil {
				return found
			}
		}
	}
	return nil
}

// grammarFor maps a fence language tag to its tree-sitter grammar.
func grammarFor(tag string) *sitter.Language {
	switch tag {
	case "go", "golang":
		return golang.GetLanguage()
	case "python", "py":
		return python.GetLanguage()
	case "javascript", "js":
		return javascript.GetLanguage()
	case "typescript", "ts":
		return typescript.GetLanguage()
	case "rust":
		return rust.GetLanguage()
	case "sql":
		return sqllang.GetLanguage()
	case "hcl", "terraform":
		return hcl.GetLanguage()
	case "yaml", "yml":
		return yaml.GetLanguage()
	default:
		return nil
	}
}

// goFenceFormatRule checks that go fences are gofumpt-clean. Snippets
// without a package clause are wrapped in a placeholder one for the
// check; code that does not parse as a source file is skipped, since
// fence-syntax already covers it.
type goFenceFormatRule struct{}

func (goFenceFormatRule) Name() string { return "go-fence-format" }

var packageClauseRe = regexp.MustCompile(`(?m)^package\s+\w`)

func (goFenceFormatRule) Check(d *corpus.Document, _ *Corpus) []Diagnostic {
	var diags []Diagnostic
	for _, f := range d.Fences {
		if f.Lang != "go" && f.Lang != "golang" {
			continue
		}
		formatted, ok := FormatGoSnippet([]byte(f.Code))
		if !ok {
			continue
		}
		want := []byte(f.Code)
		if len(want) > 0 && want[len(want)-1] != '\n' {
			want = append(want, '\n')
		}
		if !bytes.Equal(formatted, want) {
			diags = append(diags, Diagnostic{
				Path: d.RelPath, Line: f.Line, Rule: "go-fence-format", Severity: SeverityWarning,
				Message: "go fence is not gofumpt-formatted",
			})
		}
	}
	return diags
}

const wrapClause = "package p\n\n"

// FormatGoSnippet runs gofumpt over a go fence body, wrapping
// package-less snippets so gofumpt can parse them. The second return
// is false when the code is not formattable as a source file.
func FormatGoSnippet(code []byte) ([]byte, bool) {
	if packageClauseRe.Match(code) {
		out, err := format.Source(code, format.Options{})
		if err != nil {
			return nil, false
		}
		return out, true
	}
	wrapped := append([]byte(wrapClause), code...)
	out, err := format.Source(wrapped, format.Options{})
	if err != nil {
		return nil, false
	}
	stripped, found := strings.CutPrefix(string(out), wrapClause)
	if !found {
		return nil, false
	}
	return []byte(stripped), true
}
