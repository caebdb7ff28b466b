package roles

import (
	"os"
	"path/filepath"
	"testing"
)

func writeRoles(t *testing.T, dir, content string) string {
	t.Helper()
	path := filepath.Join(dir, "roles.yaml")
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestRegistryReload(t *testing.T) {
	path := writeRoles(t, t.TempDir(), `
roles:
  - name: researcher
    model: claude-sonnet-4-5
    system_prompt: "You dig through sources."
    max_iterations: 10
  - name: reviewer
    context_mode: inherit
    allow_delegation: true
`)

	r := NewRegistry(path)
	if err := r.Reload(); err != nil {
		t.Fatalf("Reload: %v", err)
	}

	role, ok := r.Get("researcher")
	if !ok {
		t.Fatal("researcher not found")
	}
	if role.Model != "claude-sonnet-4-5" {
		t.Errorf("model = %q", role.Model)
	}
	if role.ContextMode != "fresh" {
		t.Errorf("context mode should default to fresh, got %q", role.ContextMode)
	}

	reviewer, _ := r.Get("reviewer")
	if reviewer.ContextMode != "inherit" || !reviewer.AllowDelegation {
		t.Errorf("reviewer = %+v", reviewer)
	}

	names := r.Names()
	if len(names) != 2 || names[0] != "researcher" || names[1] != "reviewer" {
		t.Errorf("Names() = %v", names)
	}
}

func TestRegistryReloadKeepsPreviousOnError(t *testing.T) {
	dir := t.TempDir()
	path := writeRoles(t, dir, "roles:\n  - name: coder\n")

	r := NewRegistry(path)
	if err := r.Reload(); err != nil {
		t.Fatalf("Reload: %v", err)
	}

	if err := os.WriteFile(path, []byte("roles: [\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	if err := r.Reload(); err == nil {
		t.Fatal("expected parse error")
	}
	if _, ok := r.Get("coder"); !ok {
		t.Error("previous role set should survive a failed reload")
	}
}

func TestRegistryRejectsEmptyName(t *testing.T) {
	path := writeRoles(t, t.TempDir(), "roles:\n  - model: gpt-5\n")
	r := NewRegistry(path)
	if err := r.Reload(); err == nil {
		t.Error("expected error for nameless role")
	}
}

func TestRegistryUnknownRole(t *testing.T) {
	r := NewRegistry("")
	if _, ok := r.Get("ghost"); ok {
		t.Error("empty registry should resolve nothing")
	}
}
