package graph

import (
	"path/filepath"
	"strings"
)

// Virtual directory path helpers shared by FUSE (internal/fs) and NFS (internal/nfsmount).
// These parse backlinks/ and links/ virtual directory paths without any Graph dependency.

// IsBacklinksPath returns true if the path contains a /backlinks segment boundary.
func IsBacklinksPath(path string) bool {
	return strings.HasSuffix(path, "/backlinks") || strings.Contains(path, "/backlinks/")
}

// ParseBacklinksPath splits a backlinks path into (parentDir, entryName).
// E.g. "/notes/regex/backlinks/special-variables" → ("/notes/regex", "special-variables")
// Returns ("", "") if not a valid backlinks path.
func ParseBacklinksPath(path string) (parentDir, entryName string) {
	return parseVDirPath(path, "/backlinks")
}

// IsLinksPath returns true if the path contains a /links segment boundary.
func IsLinksPath(path string) bool {
	return strings.HasSuffix(path, "/links") || strings.Contains(path, "/links/")
}

// ParseLinksPath splits a links path into (parentDir, entryName).
// E.g. "/notes/regex/links/special-variables" → ("/notes/regex", "special-variables")
func ParseLinksPath(path string) (parentDir, entryName string) {
	return parseVDirPath(path, "/links")
}

// IsDiagnosticsPath returns true if the path contains a /_diagnostics
// segment boundary.
func IsDiagnosticsPath(path string) bool {
	return strings.HasSuffix(path, "/_diagnostics") || strings.Contains(path, "/_diagnostics/")
}

// ParseDiagnosticsPath splits a diagnostics path into (parentDir, entryName).
// E.g. "/notes/regex/_diagnostics/last-write-status" → ("/notes/regex", "last-write-status")
func ParseDiagnosticsPath(path string) (parentDir, entryName string) {
	return parseVDirPath(path, "/_diagnostics")
}

// VDirSymlinkTarget computes the relative symlink target from a virtual dir entry
// back to the target node in the graph. Works for both backlinks/ and links/.
func VDirSymlinkTarget(vdirParentDir, targetID string) string {
	depth := strings.Count(vdirParentDir, "/") + 1 // +1 for the virtual dir itself
	return strings.Repeat("../", depth) + targetID
}

// FindBodyChild finds the "body.md" file child of a directory node.
// Returns the full body ID or "" if not found. Used by links/ to
// resolve a link target directory to its note body.
func FindBodyChild(g Graph, dirID string) string {
	children, err := g.ListChildren(dirID)
	if err != nil {
		return ""
	}
	for _, child := range children {
		if filepath.Base(child) == "body.md" {
			if !strings.Contains(child, "/") {
				return dirID + "/" + child
			}
			return child
		}
	}
	return ""
}

// parseVDirPath is the generic implementation for parsing virtual directory paths.
func parseVDirPath(path, segment string) (parentDir, entryName string) {
	withSlash := segment + "/"
	idx := strings.Index(path, withSlash)
	if idx < 0 {
		if strings.HasSuffix(path, segment) {
			idx = len(path) - len(segment)
		} else {
			return "", ""
		}
	}
	parentDir = path[:idx]
	if parentDir == "" {
		parentDir = "/"
	}
	rest := path[idx+len(segment):]
	if rest == "" || rest == "/" {
		return parentDir, ""
	}
	entryName = strings.TrimPrefix(rest, "/")
	return parentDir, entryName
}
