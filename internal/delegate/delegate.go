// Package delegate runs depth/time-bounded nested executions under named
// roles and folds their results back into the parent.
package delegate

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/vinayprograms/agentkit/llm"
	"github.com/vinayprograms/agentkit/logging"

	"github.com/vinayprograms/agentd/internal/config"
	"github.com/vinayprograms/agentd/internal/engine"
	"github.com/vinayprograms/agentd/internal/journal"
	"github.com/vinayprograms/agentd/internal/roles"
	"github.com/vinayprograms/agentd/internal/tools"
)

// Result statuses.
const (
	StatusCompleted = "completed"
	StatusFailed    = "failed"
	StatusTimeout   = "timeout"
	StatusCancelled = "cancelled"
)

// Bailout reasons for executions that stopped before a natural finish.
const (
	BailoutMaxDuration   = "max_duration"
	BailoutMaxIterations = "max_iterations"
	BailoutUserCancelled = "user_cancelled"
)

// Context carries everything a nested execution needs from its parent.
type Context struct {
	SessionID       string
	ParentMessageID string
	Role            string
	Task            string
	FocusFiles      []string
	SuccessCriteria string
	// Depth of the nested execution itself; the root runs at 0.
	Depth int
	// History is a read-only snapshot of the parent conversation, used
	// only when the role's context mode is "inherit".
	History []llm.Message
}

// Result is always fully populated, success or failure. The executor
// never lets an error escape its boundary.
type Result struct {
	Success       bool     `json:"success"`
	Status        string   `json:"status"`
	Summary       string   `json:"summary,omitempty"`
	Detail        string   `json:"detail,omitempty"`
	ModifiedFiles []string `json:"modified_files,omitempty"`
	CreatedFiles  []string `json:"created_files,omitempty"`
	Suggestions   []string `json:"suggestions,omitempty"`
	Error         string   `json:"error,omitempty"`
	Iterations    int      `json:"iterations"`
	DurationMs    int64    `json:"duration_ms"`
	BailoutReason string   `json:"bailout_reason,omitempty"`
}

// Executor runs delegations against the role registry.
type Executor struct {
	cfg       config.DelegationConfig
	roles     *roles.Registry
	engineFor engine.Factory
	baseTools *tools.Registry
	journal   *journal.Journal
	logger    *logging.Logger
	sem       chan struct{}
}

// NewExecutor wires a delegation executor. journal may be nil.
func NewExecutor(cfg config.DelegationConfig, reg *roles.Registry, factory engine.Factory, base *tools.Registry, j *journal.Journal) *Executor {
	maxParallel := cfg.MaxParallel
	if maxParallel <= 0 {
		maxParallel = 4
	}
	return &Executor{
		cfg:       cfg,
		roles:     reg,
		engineFor: factory,
		baseTools: base,
		journal:   j,
		logger:    logging.New().WithComponent("delegate"),
		sem:       make(chan struct{}, maxParallel),
	}
}

// Bound adapts the executor to the delegation tool for one parent
// execution. Each nested level gets its own binding one level deeper.
type Bound struct {
	ex     *Executor
	parent Context
}

// Bind creates the tool-facing delegator for an execution at the given
// depth.
func (e *Executor) Bind(sessionID string, depth int, history []llm.Message) *Bound {
	return &Bound{ex: e, parent: Context{SessionID: sessionID, Depth: depth, History: history}}
}

// Delegate implements tools.Delegator.
func (b *Bound) Delegate(ctx context.Context, role, task string, contextFiles []string, successCriteria string) (interface{}, error) {
	res := b.ex.Run(ctx, Context{
		SessionID:       b.parent.SessionID,
		Role:            role,
		Task:            task,
		FocusFiles:      contextFiles,
		SuccessCriteria: successCriteria,
		Depth:           b.parent.Depth + 1,
		History:         b.parent.History,
	})
	return res, nil
}

// Run executes one delegation. Preconditions are checked in order and a
// failure is a hard stop with zero side effects: no journal record, no
// engine call.
func (e *Executor) Run(ctx context.Context, dctx Context) *Result {
	if !e.cfg.Enabled {
		return failure("delegation is disabled")
	}
	role, ok := e.roles.Get(dctx.Role)
	if !ok {
		return failure(fmt.Sprintf("Unknown role: %s. Valid roles: %s",
			dctx.Role, strings.Join(e.roles.Names(), ", ")))
	}
	if dctx.Depth >= e.cfg.MaxDepth {
		return failure(fmt.Sprintf("delegation depth %d exceeds limit %d", dctx.Depth, e.cfg.MaxDepth))
	}

	// A parent delegation holds its slot while its nested calls run, so
	// waiting here could only end at the wall-clock deadline. Reject at
	// the cap instead.
	select {
	case e.sem <- struct{}{}:
		defer func() { <-e.sem }()
	default:
		return failure(fmt.Sprintf("delegation parallel limit reached (%d)", cap(e.sem)))
	}

	return e.execute(ctx, dctx, role)
}

func (e *Executor) execute(parentCtx context.Context, dctx Context, role roles.Role) *Result {
	start := time.Now()
	tctx, span := startDelegationSpan(parentCtx, role.Name, role.Model, dctx.Depth)

	eng, err := e.engineFor(role.Model)
	if err != nil {
		endDelegationSpan(span, "", err)
		return failure(fmt.Sprintf("failed to initialize engine for role %s: %v", role.Name, err))
	}

	jw, err := e.journal.Begin("delegation-"+uuid.NewString(), "delegation", role.Name)
	if err != nil {
		e.logger.Warn("failed to open delegation transcript", map[string]interface{}{
			"role":  role.Name,
			"error": err.Error(),
		})
	}
	startData, _ := json.Marshal(map[string]interface{}{
		"session_id": dctx.SessionID,
		"role":       role.Name,
		"model":      role.Model,
		"task":       dctx.Task,
		"depth":      dctx.Depth,
	})
	jw.Append("start", startData)

	e.logger.Info("delegation started", map[string]interface{}{
		"session_id": dctx.SessionID,
		"role":       role.Name,
		"depth":      dctx.Depth,
	})

	// Wall-clock deadline joined with the caller's own cancellation;
	// whichever fires first wins.
	duration := time.Duration(role.MaxDurationMs) * time.Millisecond
	if duration <= 0 {
		duration = time.Duration(e.cfg.TimeoutSecs) * time.Second
	}
	runCtx, cancel := context.WithTimeout(tctx, duration)
	defer cancel()

	tracker := newFileTracker()
	runRes, runErr := eng.Run(runCtx, engine.Request{
		Messages:      e.buildMessages(dctx, role),
		Tools:         e.nestedTools(dctx, role),
		MaxIterations: role.MaxIterations,
		Callbacks: engine.Callbacks{
			OnToolComplete: func(id, name string, result interface{}, errMsg string) {
				if errMsg == "" {
					tracker.Observe(result)
				}
			},
		},
	})

	res := e.classify(parentCtx, runCtx, runRes, runErr)
	res.DurationMs = time.Since(start).Milliseconds()
	res.ModifiedFiles = tracker.Modified()
	res.CreatedFiles = tracker.Created()
	if res.Success {
		res.Summary = ExtractSummary(res.Detail)
	}

	endData, _ := json.Marshal(map[string]interface{}{
		"status":         res.Status,
		"summary":        res.Summary,
		"iterations":     res.Iterations,
		"duration_ms":    res.DurationMs,
		"modified_files": res.ModifiedFiles,
		"created_files":  res.CreatedFiles,
		"error":          res.Error,
	})
	jw.Append("end", endData)
	jw.Close(res.Status, res.Summary, res.Error)

	endDelegationSpan(span, res.Status, runErr)
	e.logger.Info("delegation finished", map[string]interface{}{
		"role":        role.Name,
		"status":      res.Status,
		"iterations":  res.Iterations,
		"duration_ms": res.DurationMs,
	})
	return res
}

// classify maps an engine outcome to a Result, distinguishing the three
// ways a run can end early.
func (e *Executor) classify(parentCtx, runCtx context.Context, runRes *engine.Result, runErr error) *Result {
	res := &Result{}
	if runRes != nil {
		res.Detail = runRes.Content
		res.Iterations = runRes.Iterations
	}

	switch {
	case runErr == nil:
		res.Success = true
		res.Status = StatusCompleted
	case errors.Is(runErr, engine.ErrMaxIterations):
		res.Success = res.Detail != ""
		res.Status = StatusCompleted
		res.BailoutReason = BailoutMaxIterations
		if !res.Success {
			res.Status = StatusFailed
			res.Error = runErr.Error()
		}
	case parentCtx.Err() != nil:
		res.Success = false
		res.Status = StatusCancelled
		res.Error = "delegation cancelled"
		res.BailoutReason = BailoutUserCancelled
	case errors.Is(runCtx.Err(), context.DeadlineExceeded):
		res.Success = false
		res.Status = StatusTimeout
		res.Error = "delegation exceeded its time limit"
		res.BailoutReason = BailoutMaxDuration
	default:
		res.Success = false
		res.Status = StatusFailed
		res.Error = runErr.Error()
	}
	return res
}

// nestedTools builds the tool set for the nested execution. The
// delegation tool is present only when another level is both allowed by
// the role and within the depth limit, so recursion is bounded by
// construction.
func (e *Executor) nestedTools(dctx Context, role roles.Role) *tools.Registry {
	nested := e.baseTools.Without(tools.DelegateToolName)
	if role.AllowDelegation && dctx.Depth+1 < e.cfg.MaxDepth {
		tools.RegisterDelegateTool(nested, e.Bind(dctx.SessionID, dctx.Depth, dctx.History))
	}
	return nested
}

// buildMessages assembles the nested execution's prompt.
func (e *Executor) buildMessages(dctx Context, role roles.Role) []llm.Message {
	var messages []llm.Message
	if role.SystemPrompt != "" {
		messages = append(messages, llm.Message{Role: "system", Content: role.SystemPrompt})
	}
	if role.ContextMode == "inherit" {
		for _, m := range dctx.History {
			if m.Role == "user" || m.Role == "assistant" {
				messages = append(messages, llm.Message{Role: m.Role, Content: m.Content})
			}
		}
	}

	var task strings.Builder
	task.WriteString(dctx.Task)
	if len(dctx.FocusFiles) > 0 {
		task.WriteString("\n\nFocus on these files:\n")
		for _, f := range dctx.FocusFiles {
			task.WriteString("- " + f + "\n")
		}
	}
	if dctx.SuccessCriteria != "" {
		task.WriteString("\n\nSuccess criteria: " + dctx.SuccessCriteria)
	}
	messages = append(messages, llm.Message{Role: "user", Content: task.String()})
	return messages
}

func failure(msg string) *Result {
	return &Result{Success: false, Status: StatusFailed, Error: msg}
}
