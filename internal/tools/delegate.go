package tools

import (
	"context"
	"fmt"
)

// DelegateToolName is referenced wherever the delegation tool must be
// excluded from a nested execution's tool set.
const DelegateToolName = "delegate_to_agent"

// Delegator runs a bounded nested execution under a named role. The result
// is always a populated value, even on failure.
type Delegator interface {
	Delegate(ctx context.Context, role, task string, contextFiles []string, successCriteria string) (interface{}, error)
}

// RegisterDelegateTool adds the delegation tool backed by d.
func RegisterDelegateTool(r *Registry, d Delegator) {
	r.Register(&delegateTool{delegator: d})
}

type delegateTool struct {
	delegator Delegator
}

func (t *delegateTool) Name() string { return DelegateToolName }

func (t *delegateTool) Description() string {
	return "Delegate a task to a specialized sub-agent. The sub-agent runs independently with its own role, model, and limits, and returns a summary of what it did."
}

func (t *delegateTool) Parameters() map[string]interface{} {
	return map[string]interface{}{
		"type": "object",
		"properties": map[string]interface{}{
			"role": map[string]interface{}{
				"type":        "string",
				"description": "Role name of the sub-agent to delegate to",
			},
			"task": map[string]interface{}{
				"type":        "string",
				"description": "Task for the sub-agent",
			},
			"context_files": map[string]interface{}{
				"type":        "array",
				"items":       map[string]interface{}{"type": "string"},
				"description": "Files the sub-agent should focus on",
			},
			"success_criteria": map[string]interface{}{
				"type":        "string",
				"description": "What a successful outcome looks like",
			},
		},
		"required": []string{"role", "task"},
	}
}

func (t *delegateTool) Execute(ctx context.Context, args map[string]interface{}) (interface{}, error) {
	role, ok := args["role"].(string)
	if !ok || role == "" {
		return nil, fmt.Errorf("role is required")
	}
	task, ok := args["task"].(string)
	if !ok || task == "" {
		return nil, fmt.Errorf("task is required")
	}
	var files []string
	if raw, ok := args["context_files"].([]interface{}); ok {
		for _, f := range raw {
			if s, ok := f.(string); ok {
				files = append(files, s)
			}
		}
	}
	criteria, _ := args["success_criteria"].(string)

	return t.delegator.Delegate(ctx, role, task, files, criteria)
}
