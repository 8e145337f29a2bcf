package fsservice

import (
	"encoding/base64"
	"mime"
	"os"
	"path/filepath"
	"strings"

	"github.com/ehrlich-b/bridgeagent/internal/apperr"
)

// languageByExt maps common extensions to an editor language tag. Not
// exhaustive; unknown extensions fall back to "plaintext".
var languageByExt = map[string]string{
	".go":   "go",
	".js":   "javascript",
	".jsx":  "javascript",
	".ts":   "typescript",
	".tsx":  "typescript",
	".py":   "python",
	".rb":   "ruby",
	".rs":   "rust",
	".java": "java",
	".c":    "c",
	".h":    "c",
	".cpp":  "cpp",
	".json": "json",
	".yaml": "yaml",
	".yml":  "yaml",
	".md":   "markdown",
	".sh":   "shell",
	".sql":  "sql",
	".html": "html",
	".css":  "css",
}

var imageExt = map[string]bool{
	".png": true, ".jpg": true, ".jpeg": true, ".gif": true,
	".webp": true, ".bmp": true, ".svg": true, ".ico": true,
}

// FileData is the content of a successfully read file (spec's
// file:data payload).
type FileData struct {
	FilePath string `json:"filePath"`
	Content  string `json:"content"`
	Language string `json:"language"`
	MimeType string `json:"mimeType"`
	Binary   bool   `json:"binary"`
	Readonly bool   `json:"readonly"`
}

// FileContent reads and writes files scoped to the same root a FileTree
// is scoped to.
type FileContent struct {
	tree *FileTree
}

// NewFileContent creates a FileContent sharing tree's root and
// traversal rules.
func NewFileContent(tree *FileTree) *FileContent {
	return &FileContent{tree: tree}
}

// Read loads reqPath and classifies it for the editor.
func (c *FileContent) Read(reqPath string) (FileData, error) {
	abs, err := c.tree.Resolve(reqPath)
	if err != nil {
		return FileData{}, err
	}
	info, err := os.Stat(abs)
	if err != nil {
		return FileData{}, apperr.Wrap(apperr.IOError, "stat", err)
	}
	if info.IsDir() {
		return FileData{}, apperr.New(apperr.IOError, "is a directory: "+reqPath)
	}

	ext := strings.ToLower(filepath.Ext(abs))
	mimeType := mime.TypeByExtension(ext)
	if mimeType == "" {
		mimeType = "application/octet-stream"
	}

	raw, err := os.ReadFile(abs)
	if err != nil {
		return FileData{}, apperr.Wrap(apperr.IOError, "read file", err)
	}

	if imageExt[ext] {
		return FileData{
			FilePath: reqPath,
			Content:  base64.StdEncoding.EncodeToString(raw),
			Language: "",
			MimeType: mimeType,
			Binary:   true,
			Readonly: true,
		}, nil
	}

	lang := languageByExt[ext]
	if lang == "" {
		lang = "plaintext"
	}
	return FileData{
		FilePath: reqPath,
		Content:  string(raw),
		Language: lang,
		MimeType: mimeType,
		Binary:   false,
		Readonly: false,
	}, nil
}

// Write writes content (decoded per encoding, currently only "utf-8" is
// supported) to reqPath, returning the resulting size in bytes.
func (c *FileContent) Write(reqPath, content, encoding string) (int, error) {
	abs, err := c.tree.Resolve(reqPath)
	if err != nil {
		return 0, err
	}
	if encoding != "" && encoding != "utf-8" {
		return 0, apperr.New(apperr.IOError, "unsupported encoding: "+encoding)
	}
	if err := os.MkdirAll(filepath.Dir(abs), 0o755); err != nil {
		return 0, apperr.Wrap(apperr.IOError, "mkdir", err)
	}
	if err := os.WriteFile(abs, []byte(content), 0o644); err != nil {
		return 0, apperr.Wrap(apperr.IOError, "write file", err)
	}
	return len(content), nil
}
