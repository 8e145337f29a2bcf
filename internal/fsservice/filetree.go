// Package fsservice implements the filesystem-facing services the
// dispatcher exposes to a connected client: directory listing, file
// read/write, a debounced recursive file watcher, and chunked image
// upload assembly (spec §2, §4.12's filetree:*/file:*/image:* handlers).
package fsservice

import (
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/ehrlich-b/bridgeagent/internal/apperr"
)

// ignoreNames is the fixed ignore list applied at every directory level.
var ignoreNames = map[string]bool{
	".git":         true,
	"node_modules": true,
	".DS_Store":    true,
	"__pycache__":  true,
	".venv":        true,
	"dist":         true,
	"build":        true,
}

// Entry describes one filetree:data entry.
type Entry struct {
	Name    string  `json:"name"`
	Path    string  `json:"path"`
	IsDir   bool    `json:"isDir"`
	Size    int64   `json:"size,omitempty"`
	Entries []Entry `json:"entries,omitempty"`
}

// FileTree lists a project directory tree rooted at a fixed, configured
// root. Every request-supplied path is resolved relative to that root
// and rejected if it escapes it (spec §8 property 6).
type FileTree struct {
	root string
}

// NewFileTree creates a FileTree scoped to root. root should already be
// an absolute, cleaned path (the dispatcher resolves it once at
// project:switch time).
func NewFileTree(root string) *FileTree {
	return &FileTree{root: root}
}

// Root returns the tree's configured root.
func (t *FileTree) Root() string { return t.root }

// Resolve maps a client-supplied relative path onto an absolute path
// inside the root, returning apperr.PathTraversal if the result would
// escape it.
func (t *FileTree) Resolve(reqPath string) (string, error) {
	if reqPath == "" || reqPath == "." || reqPath == "/" {
		return t.root, nil
	}
	cleaned := filepath.Clean(reqPath)
	cleaned = strings.TrimPrefix(cleaned, string(filepath.Separator))
	abs := filepath.Join(t.root, cleaned)

	rel, err := filepath.Rel(t.root, abs)
	if err != nil || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return "", apperr.New(apperr.PathTraversal, reqPath)
	}
	return abs, nil
}

// List returns a depth-limited listing rooted at reqPath. depth <= 0 is
// treated as 1 (spec's default).
func (t *FileTree) List(reqPath string, depth int) ([]Entry, error) {
	if depth <= 0 {
		depth = 1
	}
	abs, err := t.Resolve(reqPath)
	if err != nil {
		return nil, err
	}
	return t.list(abs, depth)
}

func (t *FileTree) list(dir string, depth int) ([]Entry, error) {
	dirEntries, err := os.ReadDir(dir)
	if err != nil {
		return nil, apperr.Wrap(apperr.IOError, "read dir", err)
	}

	var entries []Entry
	for _, de := range dirEntries {
		if ignoreNames[de.Name()] {
			continue
		}
		full := filepath.Join(dir, de.Name())
		rel, _ := filepath.Rel(t.root, full)
		rel = filepath.ToSlash(rel)

		entry := Entry{Name: de.Name(), Path: rel, IsDir: de.IsDir()}
		if de.IsDir() {
			if depth > 1 {
				children, err := t.list(full, depth-1)
				if err == nil {
					entry.Entries = children
				}
			}
		} else if info, err := de.Info(); err == nil {
			entry.Size = info.Size()
		}
		entries = append(entries, entry)
	}

	sort.Slice(entries, func(i, j int) bool {
		if entries[i].IsDir != entries[j].IsDir {
			return entries[i].IsDir
		}
		return entries[i].Name < entries[j].Name
	})
	return entries, nil
}
