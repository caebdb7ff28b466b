package tools

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// DirEntry represents a directory entry for list_files.
type DirEntry struct {
	Name  string `json:"name"`
	IsDir bool   `json:"is_dir"`
	Size  int64  `json:"size"`
}

// FileChange is the result shape of tools that touch files. The path and
// created fields let callers track what an execution modified.
type FileChange struct {
	Path    string `json:"path"`
	Created bool   `json:"created"`
	Bytes   int    `json:"bytes"`
}

// RegisterFileTools adds the file tool set, resolving relative paths
// against workDir.
func RegisterFileTools(r *Registry, workDir string) {
	r.Register(&readFileTool{workDir: workDir})
	r.Register(&writeFileTool{workDir: workDir})
	r.Register(&editFileTool{workDir: workDir})
	r.Register(&listFilesTool{workDir: workDir})
}

func resolve(workDir, path string) string {
	if filepath.IsAbs(path) || workDir == "" {
		return path
	}
	return filepath.Join(workDir, path)
}

type readFileTool struct {
	workDir string
}

func (t *readFileTool) Name() string { return "read_file" }

func (t *readFileTool) Description() string {
	return "Read the contents of a file at the given path."
}

func (t *readFileTool) Parameters() map[string]interface{} {
	return map[string]interface{}{
		"type": "object",
		"properties": map[string]interface{}{
			"path": map[string]interface{}{
				"type":        "string",
				"description": "Path to the file to read",
			},
		},
		"required": []string{"path"},
	}
}

func (t *readFileTool) Execute(ctx context.Context, args map[string]interface{}) (interface{}, error) {
	path, ok := args["path"].(string)
	if !ok {
		return nil, fmt.Errorf("path is required")
	}
	content, err := os.ReadFile(resolve(t.workDir, path))
	if err != nil {
		return nil, fmt.Errorf("failed to read file: %w", err)
	}
	return string(content), nil
}

type writeFileTool struct {
	workDir string
}

func (t *writeFileTool) Name() string { return "write_file" }

func (t *writeFileTool) Sensitive() bool { return true }

func (t *writeFileTool) Description() string {
	return "Write content to a file at the given path. Creates parent directories if needed."
}

func (t *writeFileTool) Parameters() map[string]interface{} {
	return map[string]interface{}{
		"type": "object",
		"properties": map[string]interface{}{
			"path": map[string]interface{}{
				"type":        "string",
				"description": "Path to the file to write",
			},
			"content": map[string]interface{}{
				"type":        "string",
				"description": "Content to write to the file",
			},
		},
		"required": []string{"path", "content"},
	}
}

func (t *writeFileTool) Execute(ctx context.Context, args map[string]interface{}) (interface{}, error) {
	path, ok := args["path"].(string)
	if !ok {
		return nil, fmt.Errorf("path is required")
	}
	content, ok := args["content"].(string)
	if !ok {
		return nil, fmt.Errorf("content is required")
	}

	full := resolve(t.workDir, path)
	_, statErr := os.Stat(full)
	created := os.IsNotExist(statErr)

	if err := os.MkdirAll(filepath.Dir(full), 0o755); err != nil {
		return nil, fmt.Errorf("failed to create directories: %w", err)
	}
	if err := os.WriteFile(full, []byte(content), 0o644); err != nil {
		return nil, fmt.Errorf("failed to write file: %w", err)
	}
	return &FileChange{Path: path, Created: created, Bytes: len(content)}, nil
}

type editFileTool struct {
	workDir string
}

func (t *editFileTool) Name() string { return "edit_file" }

func (t *editFileTool) Sensitive() bool { return true }

func (t *editFileTool) Description() string {
	return "Find and replace text in a file. The old text must match exactly."
}

func (t *editFileTool) Parameters() map[string]interface{} {
	return map[string]interface{}{
		"type": "object",
		"properties": map[string]interface{}{
			"path": map[string]interface{}{
				"type":        "string",
				"description": "Path to the file to edit",
			},
			"old": map[string]interface{}{
				"type":        "string",
				"description": "Text to find (exact match)",
			},
			"new": map[string]interface{}{
				"type":        "string",
				"description": "Text to replace with",
			},
		},
		"required": []string{"path", "old", "new"},
	}
}

func (t *editFileTool) Execute(ctx context.Context, args map[string]interface{}) (interface{}, error) {
	path, ok := args["path"].(string)
	if !ok {
		return nil, fmt.Errorf("path is required")
	}
	oldText, ok := args["old"].(string)
	if !ok {
		return nil, fmt.Errorf("old is required")
	}
	newText, ok := args["new"].(string)
	if !ok {
		return nil, fmt.Errorf("new is required")
	}

	full := resolve(t.workDir, path)
	content, err := os.ReadFile(full)
	if err != nil {
		return nil, fmt.Errorf("failed to read file: %w", err)
	}
	text := string(content)
	if !strings.Contains(text, oldText) {
		return nil, fmt.Errorf("pattern not found in file")
	}
	updated := strings.Replace(text, oldText, newText, 1)
	if err := os.WriteFile(full, []byte(updated), 0o644); err != nil {
		return nil, fmt.Errorf("failed to write file: %w", err)
	}
	return &FileChange{Path: path, Created: false, Bytes: len(updated)}, nil
}

type listFilesTool struct {
	workDir string
}

func (t *listFilesTool) Name() string { return "list_files" }

func (t *listFilesTool) Description() string {
	return "List directory contents."
}

func (t *listFilesTool) Parameters() map[string]interface{} {
	return map[string]interface{}{
		"type": "object",
		"properties": map[string]interface{}{
			"path": map[string]interface{}{
				"type":        "string",
				"description": "Directory path to list (defaults to the working directory)",
			},
		},
	}
}

func (t *listFilesTool) Execute(ctx context.Context, args map[string]interface{}) (interface{}, error) {
	path, _ := args["path"].(string)
	if path == "" {
		path = "."
	}
	entries, err := os.ReadDir(resolve(t.workDir, path))
	if err != nil {
		return nil, fmt.Errorf("failed to read directory: %w", err)
	}
	var result []DirEntry
	for _, e := range entries {
		info, err := e.Info()
		if err != nil {
			continue
		}
		result = append(result, DirEntry{
			Name:  e.Name(),
			IsDir: e.IsDir(),
			Size:  info.Size(),
		})
	}
	return result, nil
}
