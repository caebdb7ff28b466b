package tools

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

type fakeTool struct {
	name      string
	sensitive bool
	result    interface{}
}

func (t *fakeTool) Name() string                           { return t.name }
func (t *fakeTool) Description() string                    { return "fake" }
func (t *fakeTool) Parameters() map[string]interface{}     { return map[string]interface{}{} }
func (t *fakeTool) Sensitive() bool                        { return t.sensitive }
func (t *fakeTool) Execute(ctx context.Context, args map[string]interface{}) (interface{}, error) {
	return t.result, nil
}

func TestRegistryDefinitionsSorted(t *testing.T) {
	r := NewRegistry()
	r.Register(&fakeTool{name: "zeta"})
	r.Register(&fakeTool{name: "alpha"})
	defs := r.Definitions()
	if len(defs) != 2 || defs[0].Name != "alpha" || defs[1].Name != "zeta" {
		t.Errorf("definitions = %+v", defs)
	}
}

func TestRegistryWithout(t *testing.T) {
	r := NewRegistry()
	r.Register(&fakeTool{name: DelegateToolName})
	r.Register(&fakeTool{name: "read_file"})

	trimmed := r.Without(DelegateToolName)
	if trimmed.Has(DelegateToolName) {
		t.Error("excluded tool should be gone")
	}
	if !trimmed.Has("read_file") {
		t.Error("other tools should survive")
	}
	// Original untouched.
	if !r.Has(DelegateToolName) {
		t.Error("Without should not mutate the source registry")
	}
}

func TestExecuteUnknownTool(t *testing.T) {
	r := NewRegistry()
	if _, err := r.Execute(context.Background(), "ghost", nil); err == nil {
		t.Error("expected error for unknown tool")
	}
}

func TestIsSensitive(t *testing.T) {
	if !IsSensitive(&fakeTool{name: "x", sensitive: true}) {
		t.Error("sensitive tool not detected")
	}
	if IsSensitive(&fakeTool{name: "y"}) {
		t.Error("non-sensitive tool misdetected")
	}
}

func TestWriteFileReportsCreation(t *testing.T) {
	dir := t.TempDir()
	r := NewRegistry()
	RegisterFileTools(r, dir)

	res, err := r.Execute(context.Background(), "write_file", map[string]interface{}{
		"path":    "notes/hello.txt",
		"content": "hi",
	})
	if err != nil {
		t.Fatalf("write_file: %v", err)
	}
	change, ok := res.(*FileChange)
	if !ok {
		t.Fatalf("result type %T", res)
	}
	if !change.Created || change.Path != "notes/hello.txt" {
		t.Errorf("change = %+v", change)
	}

	// Second write to the same path is an update, not a creation.
	res, err = r.Execute(context.Background(), "write_file", map[string]interface{}{
		"path":    "notes/hello.txt",
		"content": "hi again",
	})
	if err != nil {
		t.Fatal(err)
	}
	if res.(*FileChange).Created {
		t.Error("overwrite should not report created")
	}
}

func TestEditFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "a.txt")
	if err := os.WriteFile(path, []byte("hello world"), 0o644); err != nil {
		t.Fatal(err)
	}
	r := NewRegistry()
	RegisterFileTools(r, dir)

	if _, err := r.Execute(context.Background(), "edit_file", map[string]interface{}{
		"path": "a.txt", "old": "world", "new": "there",
	}); err != nil {
		t.Fatalf("edit_file: %v", err)
	}
	content, _ := os.ReadFile(path)
	if string(content) != "hello there" {
		t.Errorf("content = %q", content)
	}

	if _, err := r.Execute(context.Background(), "edit_file", map[string]interface{}{
		"path": "a.txt", "old": "missing", "new": "x",
	}); err == nil || !strings.Contains(err.Error(), "not found") {
		t.Errorf("expected pattern-not-found, got %v", err)
	}
}

func TestListFiles(t *testing.T) {
	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, "f.go"), []byte("x"), 0o644); err != nil {
		t.Fatal(err)
	}
	r := NewRegistry()
	RegisterFileTools(r, dir)

	res, err := r.Execute(context.Background(), "list_files", map[string]interface{}{})
	if err != nil {
		t.Fatalf("list_files: %v", err)
	}
	entries, ok := res.([]DirEntry)
	if !ok || len(entries) != 1 || entries[0].Name != "f.go" {
		t.Errorf("entries = %+v", res)
	}
}
