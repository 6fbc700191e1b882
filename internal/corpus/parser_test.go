package corpus

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var regexNote = []byte(`---
title: Regex Notes
slug: regex
tags: [perl, regex]
draft: true
---

# Overview

Text with ` + "`$_`" + ` and ` + "`qr//`" + `, a [guide](io.md#open) link, an [anchor](#overview) link, and <https://perl.org>.

![camel](img/camel.png)

## Captures

More ` + "`$_`" + ` here.

` + "```perl" + `
my $x = 1;
` + "```" + `
`)

func TestParseDocument_FrontMatter(t *testing.T) {
	doc := ParseDocument("/corpus/regex.md", "regex.md", regexNote)

	assert.Equal(t, "Regex Notes", doc.Title)
	assert.Equal(t, "regex", doc.Slug)
	assert.Equal(t, []string{"perl", "regex"}, doc.Meta.Tags)
	assert.True(t, doc.Meta.Draft)
	assert.Empty(t, doc.MetaErr)

	// The body starts right after the envelope; offsets stay in file coords.
	require.Greater(t, doc.BodyStart, 0)
	assert.True(t, bytes.HasPrefix(regexNote[doc.BodyStart:], []byte("\n# Overview")))

	assert.Equal(t, int64(len(regexNote)), doc.Size)
	assert.Len(t, doc.Checksum, 64)
}

func TestParseDocument_Headings(t *testing.T) {
	doc := ParseDocument("/corpus/regex.md", "regex.md", regexNote)

	require.Len(t, doc.Headings, 2)

	h := doc.Headings[0]
	assert.Equal(t, 1, h.Level)
	assert.Equal(t, "Overview", h.Text)
	assert.Equal(t, "overview", h.Anchor)
	assert.Equal(t, 8, h.Line)
	assert.Equal(t, uint32(bytes.Index(regexNote, []byte("# Overview"))), h.StartByte)
	// A level-1 section swallows everything below it.
	assert.Equal(t, uint32(len(regexNote)), h.EndByte)

	h = doc.Headings[1]
	assert.Equal(t, 2, h.Level)
	assert.Equal(t, "Captures", h.Text)
	assert.Equal(t, "captures", h.Anchor)
	assert.Equal(t, 14, h.Line)
	assert.Equal(t, uint32(bytes.Index(regexNote, []byte("## Captures"))), h.StartByte)
	assert.Equal(t, uint32(len(regexNote)), h.EndByte)
}

func TestParseDocument_Links(t *testing.T) {
	doc := ParseDocument("/corpus/regex.md", "regex.md", regexNote)

	require.Len(t, doc.Links, 4)

	assert.Equal(t, "io.md#open", doc.Links[0].Dest)
	assert.Equal(t, LinkRelative, doc.Links[0].Kind)
	assert.Equal(t, "guide", doc.Links[0].Text)
	assert.Equal(t, 10, doc.Links[0].Line)

	assert.Equal(t, "#overview", doc.Links[1].Dest)
	assert.Equal(t, LinkAnchor, doc.Links[1].Kind)
	assert.Equal(t, 10, doc.Links[1].Line)

	assert.Equal(t, "https://perl.org", doc.Links[2].Dest)
	assert.Equal(t, LinkExternal, doc.Links[2].Kind)

	assert.Equal(t, "img/camel.png", doc.Links[3].Dest)
	assert.Equal(t, LinkRelative, doc.Links[3].Kind)
	assert.Equal(t, 12, doc.Links[3].Line)
}

func TestParseDocument_Terms(t *testing.T) {
	doc := ParseDocument("/corpus/regex.md", "regex.md", regexNote)

	// Deduplicated and sorted; fenced code never contributes.
	assert.Equal(t, []string{"$_", "qr//"}, doc.Terms)
}

func TestParseDocument_TermLimits(t *testing.T) {
	long := bytes.Repeat([]byte("x"), maxTermLen+1)
	src := []byte("# T\n\n`ok` and `" + string(long) + "`\n")
	doc := ParseDocument("/t.md", "t.md", src)
	assert.Equal(t, []string{"ok"}, doc.Terms)

	doc = ParseDocument("/t.md", "t.md", []byte("para `spans\nlines` end\n"))
	assert.NotContains(t, doc.Terms, "spans\nlines")
}

func TestParseDocument_Fences(t *testing.T) {
	doc := ParseDocument("/corpus/regex.md", "regex.md", regexNote)

	require.Len(t, doc.Fences, 1)
	f := doc.Fences[0]
	assert.Equal(t, "perl", f.Lang)
	assert.Equal(t, 18, f.Line)
	assert.True(t, f.Closed)
	assert.Equal(t, "my $x = 1;\n", f.Code)
	assert.Equal(t, uint32(bytes.Index(regexNote, []byte("```perl"))), f.StartByte)
}

func TestParseDocument_TitleFallbacks(t *testing.T) {
	// No front matter: the first H1 wins.
	doc := ParseDocument("/c/my-note.md", "perl/my-note.md", []byte("# My Note\n\nbody\n"))
	assert.Equal(t, "My Note", doc.Title)
	assert.Equal(t, "perl-my-note", doc.Slug)

	// No H1 either: the file stem is the last resort.
	doc = ParseDocument("/c/raw_stuff.md", "notes/raw_stuff.md", []byte("just text\n"))
	assert.Equal(t, "raw_stuff", doc.Title)
	assert.Equal(t, "notes-raw_stuff", doc.Slug)
}

func TestParseDocument_BadFrontMatter(t *testing.T) {
	src := []byte("---\ntitle: [unclosed\n---\n\n# Still Parsed\n")
	doc := ParseDocument("/c/bad.md", "bad.md", src)

	assert.NotEmpty(t, doc.MetaErr)
	// The envelope stays in place so offsets keep indexing file bytes.
	assert.Zero(t, doc.BodyStart)

	require.NotEmpty(t, doc.Headings)
	found := false
	for _, h := range doc.Headings {
		if h.Text == "Still Parsed" {
			found = true
		}
	}
	assert.True(t, found)
}

func TestParseDocument_BOM(t *testing.T) {
	src := []byte("\xEF\xBB\xBF# Title\n\nbody\n")
	doc := ParseDocument("/c/bom.md", "bom.md", src)

	assert.Equal(t, 3, doc.BodyStart)
	require.Len(t, doc.Headings, 1)
	assert.Equal(t, "Title", doc.Headings[0].Text)
	assert.Equal(t, 1, doc.Headings[0].Line)
	assert.Equal(t, uint32(3), doc.Headings[0].StartByte)
}

func TestParseDocument_Empty(t *testing.T) {
	doc := ParseDocument("/c/empty.md", "empty.md", nil)

	assert.Equal(t, "empty", doc.Title)
	assert.Empty(t, doc.Headings)
	assert.Zero(t, doc.Words)
	assert.Len(t, doc.Checksum, 64)
}

func TestParseDocument_Words(t *testing.T) {
	doc := ParseDocument("/c/w.md", "w.md", []byte("# T\n\nalpha beta\n"))
	assert.Equal(t, 4, doc.Words)
}

func TestParseDocument_Tables(t *testing.T) {
	src := []byte("# T\n\n| a | b |\n|---|---|\n| 1 | 2 |\n")
	doc := ParseDocument("/c/t.md", "t.md", src)
	assert.Equal(t, 1, doc.Tables)
}

func TestParseDocument_DuplicateAnchors(t *testing.T) {
	src := []byte("# Setup\n\n## Setup\n\n### Setup\n")
	doc := ParseDocument("/c/d.md", "d.md", src)

	require.Len(t, doc.Headings, 3)
	assert.Equal(t, "setup", doc.Headings[0].Anchor)
	assert.Equal(t, "setup-1", doc.Headings[1].Anchor)
	assert.Equal(t, "setup-2", doc.Headings[2].Anchor)
}

func TestClassifyDest(t *testing.T) {
	cases := []struct {
		dest string
		want LinkKind
	}{
		{"#anchor", LinkAnchor},
		{"https://perl.org/docs", LinkExternal},
		{"mailto:larry@example.org", LinkExternal},
		{"//cdn.example.org/x.png", LinkExternal},
		{"ftp://mirror/x", LinkExternal},
		{"io.md", LinkRelative},
		{"../regex.md#captures", LinkRelative},
		{"img/camel.png", LinkRelative},
	}
	for _, c := range cases {
		assert.Equal(t, c.want, classifyDest(c.dest), "dest %q", c.dest)
	}
}
