// Package mcpserver exposes a scanned note corpus to MCP clients over
// stdio. Coding agents get term lookup, search, and note reads without
// needing a mount point.
package mcpserver

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/agentic-research/gloss/internal/corpus"
	"github.com/agentic-research/gloss/internal/mdlint"
)

const serverName = "gloss"

// diagnosticCap bounds check_corpus output so a rotten corpus does not
// flood the agent's context window.
const diagnosticCap = 200

const instructions = `This server fronts a Markdown note corpus. Terms are the
inline-code vocabulary of the notes (function names, sigils, special
variables). Use lookup_term for exact identifiers, search_notes for
free text, read_note / outline_note once you know the path, and
check_corpus to audit the notes after editing them.`

// Server wraps an MCP stdio server around a corpus snapshot.
type Server struct {
	root   string
	docs   []*corpus.Document
	byRel  map[string]*corpus.Document
	bySlug map[string]*corpus.Document
	byTerm map[string][]*corpus.Document
	lint   mdlint.Options
	mcp    *server.MCPServer
}

// New indexes docs and registers the tool set. lint configures the
// check_corpus audit; its Root should match root.
func New(version, root string, docs []*corpus.Document, lint mdlint.Options) *Server {
	s := &Server{
		root:   root,
		docs:   docs,
		byRel:  make(map[string]*corpus.Document, len(docs)),
		bySlug: make(map[string]*corpus.Document, len(docs)),
		byTerm: make(map[string][]*corpus.Document),
		lint:   lint,
	}
	for _, d := range docs {
		s.byRel[d.RelPath] = d
		if d.Slug != "" {
			s.bySlug[d.Slug] = d
		}
		for _, term := range d.Terms {
			s.byTerm[term] = append(s.byTerm[term], d)
		}
	}

	s.mcp = server.NewMCPServer(serverName, version,
		server.WithToolCapabilities(false),
		server.WithRecovery(),
		server.WithInstructions(instructions),
	)
	s.registerTools()
	return s
}

// ServeStdio blocks serving the MCP protocol on stdin/stdout.
func (s *Server) ServeStdio() error {
	return server.ServeStdio(s.mcp)
}

func (s *Server) registerTools() {
	s.mcp.AddTool(mcp.NewTool("lookup_term",
		mcp.WithDescription("Find notes whose code vocabulary contains an exact term, e.g. wantarray, $_, or qr//."),
		mcp.WithString("term",
			mcp.Required(),
			mcp.Description("Term to look up, matched exactly against inline-code spans."),
		),
	), s.handleLookupTerm)

	s.mcp.AddTool(mcp.NewTool("search_notes",
		mcp.WithDescription("Rank notes against a free-text query over titles, slugs, terms, and body text."),
		mcp.WithString("query",
			mcp.Required(),
			mcp.Description("Search text; matching is case-insensitive."),
		),
		mcp.WithNumber("limit",
			mcp.Description("Maximum results to return (default 10)."),
		),
	), s.handleSearchNotes)

	s.mcp.AddTool(mcp.NewTool("read_note",
		mcp.WithDescription("Return the full Markdown source of one note."),
		mcp.WithString("path",
			mcp.Required(),
			mcp.Description("Corpus-relative path (regex.md) or note slug (regex)."),
		),
	), s.handleReadNote)

	s.mcp.AddTool(mcp.NewTool("outline_note",
		mcp.WithDescription("Return the heading outline and code vocabulary of one note."),
		mcp.WithString("path",
			mcp.Required(),
			mcp.Description("Corpus-relative path or note slug."),
		),
	), s.handleOutlineNote)

	s.mcp.AddTool(mcp.NewTool("check_corpus",
		mcp.WithDescription("Audit the whole corpus: structure, fence tags, link and anchor resolution, duplicate content."),
	), s.handleCheckCorpus)
}

func (s *Server) handleLookupTerm(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	term, err := req.RequireString("term")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}

	docs := s.byTerm[term]
	if len(docs) == 0 {
		return mcp.NewToolResultText(fmt.Sprintf("no notes mention %q", term)), nil
	}

	var sb strings.Builder
	for _, d := range docs {
		fmt.Fprintf(&sb, "%s\t%s\n", d.RelPath, d.Title)
	}
	return mcp.NewToolResultText(sb.String()), nil
}

func (s *Server) handleSearchNotes(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	query, err := req.RequireString("query")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	limit := req.GetInt("limit", 10)
	if limit <= 0 {
		limit = 10
	}

	type hit struct {
		doc   *corpus.Document
		score int
	}
	needle := strings.ToLower(query)
	var hits []hit
	for _, d := range s.docs {
		score := 0
		if strings.Contains(strings.ToLower(d.Title), needle) {
			score += 3
		}
		if strings.Contains(strings.ToLower(d.Slug), needle) {
			score += 2
		}
		for _, term := range d.Terms {
			if strings.Contains(strings.ToLower(term), needle) {
				score += 2
				break
			}
		}
		if strings.Contains(strings.ToLower(string(d.Source())), needle) {
			score++
		}
		if score > 0 {
			hits = append(hits, hit{doc: d, score: score})
		}
	}

	if len(hits) == 0 {
		return mcp.NewToolResultText(fmt.Sprintf("no notes match %q", query)), nil
	}

	sort.SliceStable(hits, func(i, j int) bool {
		if hits[i].score != hits[j].score {
			return hits[i].score > hits[j].score
		}
		return hits[i].doc.RelPath < hits[j].doc.RelPath
	})
	if len(hits) > limit {
		hits = hits[:limit]
	}

	var sb strings.Builder
	for _, h := range hits {
		fmt.Fprintf(&sb, "%s\t%s\n", h.doc.RelPath, h.doc.Title)
	}
	return mcp.NewToolResultText(sb.String()), nil
}

func (s *Server) handleReadNote(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	path, err := req.RequireString("path")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}

	d := s.resolve(path)
	if d == nil {
		return mcp.NewToolResultError(fmt.Sprintf("no note at %q", path)), nil
	}
	return mcp.NewToolResultText(string(d.Source())), nil
}

func (s *Server) handleOutlineNote(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	path, err := req.RequireString("path")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}

	d := s.resolve(path)
	if d == nil {
		return mcp.NewToolResultError(fmt.Sprintf("no note at %q", path)), nil
	}

	var sb strings.Builder
	fmt.Fprintf(&sb, "%s (%s)\n\n", d.Title, d.RelPath)
	if outline := d.Outline(); outline != "" {
		sb.WriteString(outline)
	} else {
		sb.WriteString("(no headings)\n")
	}
	if terms := d.TermList(); terms != "" {
		sb.WriteString("\nTerms:\n")
		sb.WriteString(terms)
	}
	return mcp.NewToolResultText(sb.String()), nil
}

func (s *Server) handleCheckCorpus(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	report, err := mdlint.NewRunner(s.lint).Check(ctx, s.docs)
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}

	var sb strings.Builder
	fmt.Fprintf(&sb, "%d files, %d errors, %d warnings\n", report.Files, report.Errors, report.Warnings)
	for i, d := range report.Diagnostics {
		if i == diagnosticCap {
			fmt.Fprintf(&sb, "... %d more\n", len(report.Diagnostics)-diagnosticCap)
			break
		}
		sb.WriteString(d.String())
		sb.WriteByte('\n')
	}
	return mcp.NewToolResultText(sb.String()), nil
}

// resolve finds a note by corpus-relative path first, then by slug.
func (s *Server) resolve(path string) *corpus.Document {
	if d, ok := s.byRel[path]; ok {
		return d
	}
	return s.bySlug[path]
}
