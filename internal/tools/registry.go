// Package tools provides the tool registry and built-in tools.
package tools

import (
	"context"
	"fmt"
	"sort"
)

// Tool represents an executable tool.
type Tool interface {
	// Name returns the tool name.
	Name() string
	// Description returns a description for the LLM.
	Description() string
	// Parameters returns the JSON schema for parameters.
	Parameters() map[string]interface{}
	// Execute runs the tool with the given arguments.
	Execute(ctx context.Context, args map[string]interface{}) (interface{}, error)
}

// SensitiveTool is implemented by tools whose calls need out-of-band
// approval before executing.
type SensitiveTool interface {
	Tool
	Sensitive() bool
}

// ToolDefinition is the LLM-facing tool definition.
type ToolDefinition struct {
	Name        string
	Description string
	Parameters  map[string]interface{}
}

// Registry holds all registered tools.
type Registry struct {
	tools map[string]Tool
}

// NewRegistry creates an empty registry. Callers register the tool set
// appropriate to the execution.
func NewRegistry() *Registry {
	return &Registry{tools: make(map[string]Tool)}
}

// Register adds a tool to the registry.
func (r *Registry) Register(t Tool) {
	r.tools[t.Name()] = t
}

// Get returns a tool by name, or nil if not found.
func (r *Registry) Get(name string) Tool {
	return r.tools[name]
}

// Has reports whether a tool is registered.
func (r *Registry) Has(name string) bool {
	_, ok := r.tools[name]
	return ok
}

// Definitions returns LLM-facing definitions, sorted by name for stable
// prompts.
func (r *Registry) Definitions() []ToolDefinition {
	defs := make([]ToolDefinition, 0, len(r.tools))
	for _, t := range r.tools {
		defs = append(defs, ToolDefinition{
			Name:        t.Name(),
			Description: t.Description(),
			Parameters:  t.Parameters(),
		})
	}
	sort.Slice(defs, func(i, j int) bool { return defs[i].Name < defs[j].Name })
	return defs
}

// Without returns a copy of the registry with the named tools removed.
// Used to hand a nested execution a tool set that cannot recurse.
func (r *Registry) Without(names ...string) *Registry {
	excluded := make(map[string]bool, len(names))
	for _, n := range names {
		excluded[n] = true
	}
	copy := NewRegistry()
	for name, t := range r.tools {
		if !excluded[name] {
			copy.tools[name] = t
		}
	}
	return copy
}

// IsSensitive reports whether the tool requires approval before running.
func IsSensitive(t Tool) bool {
	if s, ok := t.(SensitiveTool); ok {
		return s.Sensitive()
	}
	return false
}

// Execute dispatches a call by name. Unknown tools are an error result,
// never a panic.
func (r *Registry) Execute(ctx context.Context, name string, args map[string]interface{}) (interface{}, error) {
	t := r.Get(name)
	if t == nil {
		return nil, fmt.Errorf("unknown tool: %s", name)
	}
	return t.Execute(ctx, args)
}
