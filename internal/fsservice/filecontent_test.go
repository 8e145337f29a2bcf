package fsservice

import (
	"os"
	"path/filepath"
	"testing"
)

func TestReadWriteRoundTrip(t *testing.T) {
	root := t.TempDir()
	tree := NewFileTree(root)
	content := NewFileContent(tree)

	size, err := content.Write("notes/todo.md", "- buy milk", "utf-8")
	if err != nil {
		t.Fatalf("write: %v", err)
	}
	if size != len("- buy milk") {
		t.Fatalf("unexpected size %d", size)
	}

	data, err := content.Read("notes/todo.md")
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if data.Content != "- buy milk" || data.Language != "markdown" || data.Binary {
		t.Fatalf("unexpected data: %+v", data)
	}
}

func TestReadImageIsBase64Binary(t *testing.T) {
	root := t.TempDir()
	os.WriteFile(filepath.Join(root, "pic.png"), []byte{0x89, 0x50, 0x4e, 0x47}, 0o644)
	content := NewFileContent(NewFileTree(root))

	data, err := content.Read("pic.png")
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if !data.Binary || !data.Readonly {
		t.Fatalf("expected binary+readonly image data, got %+v", data)
	}
}

func TestWriteRejectsTraversal(t *testing.T) {
	root := t.TempDir()
	content := NewFileContent(NewFileTree(root))
	if _, err := content.Write("../escape.txt", "x", "utf-8"); err == nil {
		t.Fatalf("expected traversal error")
	}
}
