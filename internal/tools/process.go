package tools

import (
	"context"
	"fmt"
	"time"

	"github.com/vinayprograms/agentd/internal/procsession"
)

// RegisterProcessTools adds the background-process tool set backed by the
// session registry.
func RegisterProcessTools(r *Registry, sessions *procsession.Registry, workDir string) {
	r.Register(&processStartTool{sessions: sessions, workDir: workDir})
	r.Register(&processReadTool{sessions: sessions})
	r.Register(&processWriteTool{sessions: sessions})
	r.Register(&processStatusTool{sessions: sessions})
	r.Register(&processStopTool{sessions: sessions})
}

// processResult is the common envelope for process tool outcomes. Failures
// are ordinary results, never tool-level errors, so the model can react.
type processResult struct {
	Success bool        `json:"success"`
	Error   string      `json:"error,omitempty"`
	Detail  interface{} `json:"detail,omitempty"`
}

func processFailure(err error) *processResult {
	return &processResult{Success: false, Error: err.Error()}
}

type processStartTool struct {
	sessions *procsession.Registry
	workDir  string
}

func (t *processStartTool) Name() string { return "process_start" }

func (t *processStartTool) Sensitive() bool { return true }

func (t *processStartTool) Description() string {
	return "Start a background process. Returns a session id immediately; use process_read to poll its output."
}

func (t *processStartTool) Parameters() map[string]interface{} {
	return map[string]interface{}{
		"type": "object",
		"properties": map[string]interface{}{
			"cmd": map[string]interface{}{
				"type":        "string",
				"description": "Command to run (must be allow-listed)",
			},
			"args": map[string]interface{}{
				"type":        "array",
				"items":       map[string]interface{}{"type": "string"},
				"description": "Command arguments",
			},
			"cwd": map[string]interface{}{
				"type":        "string",
				"description": "Working directory (defaults to the execution's work directory)",
			},
			"timeout_ms": map[string]interface{}{
				"type":        "integer",
				"description": "Kill the process after this many milliseconds",
			},
		},
		"required": []string{"cmd"},
	}
}

func (t *processStartTool) Execute(ctx context.Context, args map[string]interface{}) (interface{}, error) {
	cmd, ok := args["cmd"].(string)
	if !ok || cmd == "" {
		return nil, fmt.Errorf("cmd is required")
	}
	var argv []string
	if raw, ok := args["args"].([]interface{}); ok {
		for _, a := range raw {
			if s, ok := a.(string); ok {
				argv = append(argv, s)
			}
		}
	}
	cwd, _ := args["cwd"].(string)
	if cwd == "" {
		cwd = t.workDir
	}

	res, err := t.sessions.Start(cmd, argv, cwd)
	if err != nil {
		return processFailure(err), nil
	}
	if tm, ok := args["timeout_ms"].(float64); ok && tm > 0 {
		go func() {
			time.Sleep(time.Duration(tm) * time.Millisecond)
			// Stop is a no-op not-found if the session already ended.
			t.sessions.Stop(res.SessionID, true)
		}()
	}
	return map[string]interface{}{
		"success":    true,
		"session_id": res.SessionID,
		"pid":        res.PID,
	}, nil
}

type processReadTool struct {
	sessions *procsession.Registry
}

func (t *processReadTool) Name() string { return "process_read" }

func (t *processReadTool) Description() string {
	return "Read output from a background process. By default returns only output since the last read; pass all=true for full buffers. wait_ms (max 30000) waits for new output."
}

func (t *processReadTool) Parameters() map[string]interface{} {
	return map[string]interface{}{
		"type": "object",
		"properties": map[string]interface{}{
			"session_id": map[string]interface{}{
				"type":        "string",
				"description": "Session id from process_start",
			},
			"all": map[string]interface{}{
				"type":        "boolean",
				"description": "Return the full buffers instead of the delta",
			},
			"wait_ms": map[string]interface{}{
				"type":        "integer",
				"description": "Wait up to this many milliseconds for new output",
			},
		},
		"required": []string{"session_id"},
	}
}

func (t *processReadTool) Execute(ctx context.Context, args map[string]interface{}) (interface{}, error) {
	id, ok := args["session_id"].(string)
	if !ok {
		return nil, fmt.Errorf("session_id is required")
	}
	all, _ := args["all"].(bool)
	waitMs := 0
	if w, ok := args["wait_ms"].(float64); ok {
		waitMs = int(w)
	}
	snap, err := t.sessions.Read(id, all, waitMs)
	if err != nil {
		return processFailure(err), nil
	}
	return snap, nil
}

type processWriteTool struct {
	sessions *procsession.Registry
}

func (t *processWriteTool) Name() string { return "process_write" }

func (t *processWriteTool) Description() string {
	return "Write to the stdin of a background process."
}

func (t *processWriteTool) Parameters() map[string]interface{} {
	return map[string]interface{}{
		"type": "object",
		"properties": map[string]interface{}{
			"session_id": map[string]interface{}{
				"type":        "string",
				"description": "Session id from process_start",
			},
			"input": map[string]interface{}{
				"type":        "string",
				"description": "Text to write",
			},
			"newline": map[string]interface{}{
				"type":        "boolean",
				"description": "Append a trailing newline (default true)",
			},
		},
		"required": []string{"session_id", "input"},
	}
}

func (t *processWriteTool) Execute(ctx context.Context, args map[string]interface{}) (interface{}, error) {
	id, ok := args["session_id"].(string)
	if !ok {
		return nil, fmt.Errorf("session_id is required")
	}
	input, ok := args["input"].(string)
	if !ok {
		return nil, fmt.Errorf("input is required")
	}
	newline := true
	if n, ok := args["newline"].(bool); ok {
		newline = n
	}
	if err := t.sessions.Write(id, input, newline); err != nil {
		return processFailure(err), nil
	}
	return &processResult{Success: true}, nil
}

type processStatusTool struct {
	sessions *procsession.Registry
}

func (t *processStatusTool) Name() string { return "process_status" }

func (t *processStatusTool) Description() string {
	return "Get the status of one background process, or all of them when session_id is omitted."
}

func (t *processStatusTool) Parameters() map[string]interface{} {
	return map[string]interface{}{
		"type": "object",
		"properties": map[string]interface{}{
			"session_id": map[string]interface{}{
				"type":        "string",
				"description": "Session id; omit to list all sessions",
			},
		},
	}
}

func (t *processStatusTool) Execute(ctx context.Context, args map[string]interface{}) (interface{}, error) {
	if id, ok := args["session_id"].(string); ok && id != "" {
		st, err := t.sessions.Status(id)
		if err != nil {
			return processFailure(err), nil
		}
		return st, nil
	}
	return t.sessions.StatusAll(), nil
}

type processStopTool struct {
	sessions *procsession.Registry
}

func (t *processStopTool) Name() string { return "process_stop" }

func (t *processStopTool) Description() string {
	return "Stop a background process. Graceful by default; force=true kills the whole process tree immediately. Returns the final output and exit code."
}

func (t *processStopTool) Parameters() map[string]interface{} {
	return map[string]interface{}{
		"type": "object",
		"properties": map[string]interface{}{
			"session_id": map[string]interface{}{
				"type":        "string",
				"description": "Session id from process_start",
			},
			"force": map[string]interface{}{
				"type":        "boolean",
				"description": "Kill immediately instead of a graceful stop",
			},
		},
		"required": []string{"session_id"},
	}
}

func (t *processStopTool) Execute(ctx context.Context, args map[string]interface{}) (interface{}, error) {
	id, ok := args["session_id"].(string)
	if !ok {
		return nil, fmt.Errorf("session_id is required")
	}
	force, _ := args["force"].(bool)
	snap, err := t.sessions.Stop(id, force)
	if err != nil {
		return processFailure(err), nil
	}
	return map[string]interface{}{
		"success":   true,
		"stdout":    snap.Stdout,
		"stderr":    snap.Stderr,
		"exit_code": snap.ExitCode,
	}, nil
}
