package cmd

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/fatih/color"
	"github.com/spf13/cobra"
)

// MountMetadata records one agent-mode mount so other processes can
// discover live overlays.
type MountMetadata struct {
	PID        int       `json:"pid"`
	Corpus     string    `json:"corpus"`
	MountPoint string    `json:"mount_point"`
	GitRepo    string    `json:"git_repo,omitempty"`   // org/repo
	GitBranch  string    `json:"git_branch,omitempty"` // branch name
	GitRemote  string    `json:"git_remote,omitempty"` // full remote URL
	Timestamp  time.Time `json:"timestamp"`
	Writable   bool      `json:"writable"`
}

// agentPromptTemplate is the orientation text printed for LLM agents
// pointed at a mounted corpus.
const agentPromptTemplate = `# Gloss Reference Overlay

This directory is a mounted study-notes corpus. Every note is a
directory; the raw Markdown and its derived views are plain files.

## What You're Looking At

**Corpus:** %s
**Git:** %s
**Mount:** %s
**Writable:** %v

## Layout

Navigate by slug, not by file path:
- notes/<slug>/body.md            # the full note
- notes/<slug>/outline            # heading tree as a Markdown list
- notes/<slug>/terms              # inline-code terms the note mentions
- notes/<slug>/raw.json           # the parsed record, as JSON
- notes/<slug>/sections/<anchor>/body.md   # one heading span per file

Each note directory also grows virtual link views:
- links/        # symlinks to every note this one links to
- backlinks/    # symlinks to every note linking here
- _diagnostics/ # last-write-status, lint, draft.md (writable mounts)

## Writing

%s

## Common Moves

Skim a note without reading all of it:
  cat notes/regex/outline

Read just one section:
  cat notes/regex/sections/capture-groups/body.md

Chase a cross-reference:
  ls notes/regex/backlinks/
  cat notes/regex/backlinks/*/body.md

Everything is a real POSIX file. cat, ls, grep, and your editor all
work; no custom commands are involved.
`

// newMountMetadata captures the current process and git context for an
// agent-mode mount.
func newMountMetadata(corpus, mountPoint string, writable bool) *MountMetadata {
	absCorpus, err := filepath.Abs(corpus)
	if err != nil {
		absCorpus = corpus
	}
	gitRepo, gitBranch, gitRemote := detectGitInfo(absCorpus)
	return &MountMetadata{
		PID:        os.Getpid(),
		Corpus:     absCorpus,
		MountPoint: mountPoint,
		GitRepo:    gitRepo,
		GitBranch:  gitBranch,
		GitRemote:  gitRemote,
		Timestamp:  time.Now(),
		Writable:   writable,
	}
}

// agentPrompt renders the orientation text for a mount.
func agentPrompt(meta *MountMetadata) string {
	gitInfo := "not a git repository"
	if meta.GitRepo != "" {
		gitInfo = fmt.Sprintf("%s (branch: %s)", meta.GitRepo, meta.GitBranch)
	}

	writeInfo := "**Read-only mount.** Edit the source notes directly and remount."
	if meta.Writable {
		writeInfo = `**Write-back enabled.** Edit body.md at the note or section level
and the change splices back into the source Markdown file:
  1. The new text replaces exactly the span you edited
  2. Sibling sections keep their byte offsets adjusted, not re-parsed
  3. _diagnostics/last-write-status reports ok or the rejection reason
  4. A rejected write is kept as _diagnostics/draft.md, the source file
     is left untouched

outline, terms, raw.json, links/, and backlinks/ are derived views and
stay read-only.`
	}

	return fmt.Sprintf(agentPromptTemplate,
		meta.Corpus,
		gitInfo,
		meta.MountPoint,
		meta.Writable,
		writeInfo,
	)
}

// detectGitInfo extracts repository info for the corpus directory.
// Returns (org/repo, branch, remoteURL); everything empty when the
// corpus is not inside a git checkout.
func detectGitInfo(path string) (string, string, string) {
	cmd := exec.Command("git", "-C", path, "rev-parse", "--show-toplevel")
	output, err := cmd.Output()
	if err != nil {
		return "", "", ""
	}
	repoRoot := strings.TrimSpace(string(output))

	branch := "unknown"
	cmd = exec.Command("git", "-C", repoRoot, "rev-parse", "--abbrev-ref", "HEAD")
	if out, err := cmd.Output(); err == nil {
		branch = strings.TrimSpace(string(out))
	}

	remoteURL := ""
	cmd = exec.Command("git", "-C", repoRoot, "remote", "get-url", "origin")
	if out, err := cmd.Output(); err == nil {
		remoteURL = strings.TrimSpace(string(out))
	}

	return orgRepoFromRemote(remoteURL), branch, remoteURL
}

// orgRepoFromRemote parses "org/repo" out of an SSH
// (git@host:org/repo.git) or HTTPS (https://host/org/repo.git) remote.
func orgRepoFromRemote(remoteURL string) string {
	if remoteURL == "" {
		return ""
	}
	if strings.HasPrefix(remoteURL, "git@") {
		parts := strings.Split(remoteURL, ":")
		if len(parts) == 2 {
			return strings.TrimSuffix(parts[1], ".git")
		}
		return ""
	}
	if strings.Contains(remoteURL, "://") {
		parts := strings.Split(remoteURL, "/")
		if len(parts) >= 2 {
			org := parts[len(parts)-2]
			repo := strings.TrimSuffix(parts[len(parts)-1], ".git")
			return org + "/" + repo
		}
	}
	return ""
}

// glossMountsDir returns the directory holding mount metadata sidecars.
func glossMountsDir() (string, error) {
	dir := filepath.Join(os.TempDir(), "gloss")
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", err
	}
	return dir, nil
}

// sidecarPath derives a stable sidecar filename from the mount point.
// Sidecars live under the gloss tmp dir, never inside the mount itself.
func sidecarPath(mountPoint string) (string, error) {
	dir, err := glossMountsDir()
	if err != nil {
		return "", err
	}
	sum := sha256.Sum256([]byte(mountPoint))
	name := fmt.Sprintf("%s-%s.meta.json", filepath.Base(mountPoint), hex.EncodeToString(sum[:3]))
	return filepath.Join(dir, name), nil
}

func saveMountMetadata(meta *MountMetadata) error {
	path, err := sidecarPath(meta.MountPoint)
	if err != nil {
		return err
	}
	data, err := json.MarshalIndent(meta, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0o644)
}

func removeMountMetadata(mountPoint string) {
	if path, err := sidecarPath(mountPoint); err == nil {
		_ = os.Remove(path) // best-effort cleanup
	}
}

// listActiveMounts reads every sidecar and drops the ones whose owning
// process has exited, removing their stale files along the way.
func listActiveMounts() ([]*MountMetadata, error) {
	dir, err := glossMountsDir()
	if err != nil {
		return nil, err
	}
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}

	var mounts []*MountMetadata
	for _, entry := range entries {
		if !strings.HasSuffix(entry.Name(), ".meta.json") {
			continue
		}
		path := filepath.Join(dir, entry.Name())
		data, err := os.ReadFile(path)
		if err != nil {
			continue
		}
		var meta MountMetadata
		if err := json.Unmarshal(data, &meta); err != nil {
			continue
		}
		if !isProcessRunning(meta.PID) {
			_ = os.Remove(path) // stale sidecar, owner is gone
			continue
		}
		mounts = append(mounts, &meta)
	}
	return mounts, nil
}

// isProcessRunning probes a PID with signal 0.
func isProcessRunning(pid int) bool {
	process, err := os.FindProcess(pid)
	if err != nil {
		return false
	}
	// On Unix FindProcess always succeeds; the signal is the real check.
	return process.Signal(syscall.Signal(0)) == nil
}

func init() {
	rootCmd.AddCommand(mountsCmd)
}

var mountsCmd = &cobra.Command{
	Use:   "mounts",
	Short: "List live reference overlays on this machine",
	RunE: func(cmd *cobra.Command, args []string) error {
		mounts, err := listActiveMounts()
		if err != nil {
			return err
		}
		if len(mounts) == 0 {
			fmt.Println("no active mounts")
			return nil
		}
		for _, m := range mounts {
			mode := "read-only"
			if m.Writable {
				mode = "writable"
			}
			age := time.Since(m.Timestamp).Round(time.Second)
			color.Green("● %s", m.MountPoint)
			fmt.Printf("  corpus: %s\n", m.Corpus)
			if m.GitRepo != "" {
				fmt.Printf("  git:    %s@%s\n", m.GitRepo, m.GitBranch)
			}
			fmt.Printf("  %s, pid %d, up %s\n", mode, m.PID, age)
		}
		return nil
	},
}
