// Package roles loads sub-agent role definitions and keeps them fresh.
package roles

import (
	"fmt"
	"os"
	"sort"
	"sync"

	"gopkg.in/yaml.v3"
)

// Role describes one named sub-agent configuration. The zero value of the
// optional fields means "inherit the runtime default".
type Role struct {
	Name            string `yaml:"name"`
	Model           string `yaml:"model"`
	SystemPrompt    string `yaml:"system_prompt"`
	ContextMode     string `yaml:"context_mode"` // "fresh" (default) or "inherit"
	MaxIterations   int    `yaml:"max_iterations"`
	MaxDurationMs   int    `yaml:"max_duration_ms"`
	AllowDelegation bool   `yaml:"allow_delegation"`
}

// file is the on-disk shape: a document with a top-level roles list.
type file struct {
	Roles []Role `yaml:"roles"`
}

// Registry holds the current role set. Lookups are safe for concurrent use
// with Reload.
type Registry struct {
	mu    sync.RWMutex
	path  string
	roles map[string]Role
}

// NewRegistry creates an empty registry bound to path. Call Reload to
// populate it; an empty registry resolves no roles.
func NewRegistry(path string) *Registry {
	return &Registry{path: path, roles: make(map[string]Role)}
}

// Reload re-reads the roles file and swaps the role set atomically. On
// error the previous set is kept.
func (r *Registry) Reload() error {
	if r.path == "" {
		return nil
	}
	data, err := os.ReadFile(r.path)
	if err != nil {
		return fmt.Errorf("failed to read roles file: %w", err)
	}
	var f file
	if err := yaml.Unmarshal(data, &f); err != nil {
		return fmt.Errorf("failed to parse roles file: %w", err)
	}

	next := make(map[string]Role, len(f.Roles))
	for _, role := range f.Roles {
		if role.Name == "" {
			return fmt.Errorf("role with empty name in %s", r.path)
		}
		if role.ContextMode == "" {
			role.ContextMode = "fresh"
		}
		next[role.Name] = role
	}

	r.mu.Lock()
	r.roles = next
	r.mu.Unlock()
	return nil
}

// Get returns the role by name.
func (r *Registry) Get(name string) (Role, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	role, ok := r.roles[name]
	return role, ok
}

// Names returns the known role names, sorted.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.roles))
	for name := range r.roles {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Set replaces one role in place. Used by tests and programmatic setup.
func (r *Registry) Set(role Role) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if role.ContextMode == "" {
		role.ContextMode = "fresh"
	}
	r.roles[role.Name] = role
}
