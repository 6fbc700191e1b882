package watch

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMarkdownFile(t *testing.T) {
	tests := []struct {
		path string
		want bool
	}{
		{"regex.md", true},
		{"notes/REGEX.MD", true},
		{"io.markdown", true},
		{"notes.db", false},
		{"gloss.hcl", false},
		{"README", false},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, markdownFile(tt.path), tt.path)
	}
}

func TestIgnored(t *testing.T) {
	w := &Watcher{root: "/srv/.corpora/perl"}
	tests := []struct {
		path string
		want bool
	}{
		{"/srv/.corpora/perl/.git/objects/ab", true},
		{"/srv/.corpora/perl/notes/.cache/regex.md", true},
		{"/srv/.corpora/perl/.regex.md.swp", true},
		{"/srv/.corpora/perl/notes/regex.md", false},
		// Dot segments in the root itself do not count.
		{"/srv/.corpora/perl/io.md", false},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, w.ignored(tt.path), tt.path)
	}
}

func TestEnqueueDebouncesAndDedupes(t *testing.T) {
	root := t.TempDir()
	w, err := New(root, 30*time.Millisecond, nil)
	require.NoError(t, err)
	defer w.Close()

	w.enqueue(filepath.Join(root, "notes", "regex.md"))
	w.enqueue(filepath.Join(root, "notes", "regex.md"))
	w.enqueue(filepath.Join(root, "notes", "io.md"))

	select {
	case batch := <-w.flushed:
		assert.Equal(t, []string{"notes/io.md", "notes/regex.md"}, batch.Paths)
	case <-time.After(2 * time.Second):
		t.Fatal("no batch flushed")
	}
}

func TestFlushWithoutPendingEmitsNothing(t *testing.T) {
	root := t.TempDir()
	w, err := New(root, 30*time.Millisecond, nil)
	require.NoError(t, err)
	defer w.Close()

	w.flush()

	select {
	case batch := <-w.flushed:
		t.Fatalf("unexpected batch %v", batch.Paths)
	case <-time.After(100 * time.Millisecond):
	}
}

func TestStartDeliversFileChanges(t *testing.T) {
	root := t.TempDir()

	got := make(chan Batch, 1)
	w, err := New(root, 20*time.Millisecond, func(b Batch) {
		select {
		case got <- b:
		default:
		}
	})
	require.NoError(t, err)
	defer w.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	require.NoError(t, w.Start(ctx))

	require.NoError(t, os.WriteFile(filepath.Join(root, "regex.md"), []byte("# Regex\n"), 0o644))

	select {
	case batch := <-got:
		assert.Contains(t, batch.Paths, "regex.md")
	case <-time.After(5 * time.Second):
		t.Fatal("no batch delivered")
	}
}

func TestStartIgnoresNonMarkdown(t *testing.T) {
	root := t.TempDir()

	got := make(chan Batch, 1)
	w, err := New(root, 20*time.Millisecond, func(b Batch) {
		select {
		case got <- b:
		default:
		}
	})
	require.NoError(t, err)
	defer w.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	require.NoError(t, w.Start(ctx))

	require.NoError(t, os.WriteFile(filepath.Join(root, "notes.db"), []byte("x"), 0o644))

	select {
	case batch := <-got:
		t.Fatalf("unexpected batch %v", batch.Paths)
	case <-time.After(300 * time.Millisecond):
	}
}
