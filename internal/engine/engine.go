// Package engine drives the reasoning loop: prompt and tool set in,
// streamed progress callbacks and a final answer out.
package engine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/vinayprograms/agentkit/llm"
	"github.com/vinayprograms/agentkit/logging"

	"github.com/vinayprograms/agentd/internal/tools"
)

// ErrMaxIterations is returned when the loop hits its iteration cap before
// the model produces a final answer.
var ErrMaxIterations = errors.New("iteration limit reached")

// defaultMaxIterations bounds a run when the caller does not.
const defaultMaxIterations = 24

// Callbacks receive progress while a run is in flight. Any field may be
// nil. RequestPermission gates sensitive tool calls; a nil func denies.
type Callbacks struct {
	OnToken           func(text string)
	OnReasoning       func(text string)
	OnToolCall        func(id, name string, args map[string]interface{})
	OnToolComplete    func(id, name string, result interface{}, errMsg string)
	OnUsage           func(inputTokens, outputTokens int)
	RequestPermission func(ctx context.Context, tool string, args map[string]interface{}) bool
}

// Request is one engine run.
type Request struct {
	Messages      []llm.Message
	Tools         *tools.Registry
	MaxIterations int
	Callbacks     Callbacks
}

// Result is the outcome of a completed run.
type Result struct {
	Content      string
	Iterations   int
	InputTokens  int
	OutputTokens int
	ToolsUsed    []string
}

// Engine runs one request to completion.
type Engine interface {
	Run(ctx context.Context, req Request) (*Result, error)
}

// Factory builds an engine for a model. An empty model selects the
// runtime default.
type Factory func(model string) (Engine, error)

// streamingProvider is the optional token-streaming surface a provider
// may implement alongside llm.Provider.
type streamingProvider interface {
	ChatStream(ctx context.Context, req llm.ChatRequest, callback func(string)) (*llm.ChatResponse, error)
}

// LLMEngine is the production engine over an agentkit provider.
type LLMEngine struct {
	provider llm.Provider
	logger   *logging.Logger
}

// New creates an engine bound to a provider.
func New(provider llm.Provider) *LLMEngine {
	return &LLMEngine{
		provider: provider,
		logger:   logging.New().WithComponent("engine"),
	}
}

// Run executes the chat/tool loop until the model answers without tool
// calls, the iteration cap is hit, or ctx ends. Each tool call counts as
// one iteration.
func (e *LLMEngine) Run(ctx context.Context, req Request) (*Result, error) {
	maxIterations := req.MaxIterations
	if maxIterations <= 0 {
		maxIterations = defaultMaxIterations
	}
	cb := req.Callbacks

	messages := append([]llm.Message(nil), req.Messages...)
	var toolDefs []llm.ToolDef
	if req.Tools != nil {
		for _, def := range req.Tools.Definitions() {
			toolDefs = append(toolDefs, llm.ToolDef{
				Name:        def.Name,
				Description: def.Description,
				Parameters:  def.Parameters,
			})
		}
	}

	result := &Result{}
	toolsUsed := make(map[string]bool)

	for {
		if err := ctx.Err(); err != nil {
			return result, err
		}

		llmStart := time.Now()
		resp, err := e.chat(ctx, llm.ChatRequest{
			Messages: messages,
			Tools:    toolDefs,
		}, func(token string) {
			if cb.OnToken != nil {
				cb.OnToken(token)
			}
		})
		if err != nil {
			return result, fmt.Errorf("llm call failed: %w", err)
		}
		e.logger.Debug("llm turn", map[string]interface{}{
			"duration_ms": time.Since(llmStart).Milliseconds(),
			"tool_calls":  len(resp.ToolCalls),
		})

		if resp.Thinking != "" && cb.OnReasoning != nil {
			cb.OnReasoning(resp.Thinking)
		}
		result.InputTokens += resp.InputTokens
		result.OutputTokens += resp.OutputTokens
		if cb.OnUsage != nil {
			cb.OnUsage(result.InputTokens, result.OutputTokens)
		}

		// No tool calls means the model is done.
		if len(resp.ToolCalls) == 0 {
			result.Content = resp.Content
			for name := range toolsUsed {
				result.ToolsUsed = append(result.ToolsUsed, name)
			}
			sort.Strings(result.ToolsUsed)
			return result, nil
		}

		if result.Iterations+len(resp.ToolCalls) > maxIterations {
			result.Content = resp.Content
			return result, ErrMaxIterations
		}
		result.Iterations += len(resp.ToolCalls)
		for _, tc := range resp.ToolCalls {
			toolsUsed[tc.Name] = true
		}

		messages = append(messages, llm.Message{
			Role:      "assistant",
			Content:   resp.Content,
			ToolCalls: resp.ToolCalls,
		})
		messages = append(messages, e.dispatchTools(ctx, req.Tools, resp.ToolCalls, cb)...)
	}
}

// chat prefers the provider's streaming surface when it has one. The
// base llm.Provider contract is a single blocking Chat call, so the
// fallback emits the final content as one token to keep readers fed.
func (e *LLMEngine) chat(ctx context.Context, req llm.ChatRequest, onToken func(string)) (*llm.ChatResponse, error) {
	if sp, ok := e.provider.(streamingProvider); ok {
		return sp.ChatStream(ctx, req, onToken)
	}
	resp, err := e.provider.Chat(ctx, req)
	if err == nil && resp.Content != "" {
		onToken(resp.Content)
	}
	return resp, err
}

// dispatchTools runs the turn's tool calls and returns tool messages in
// the original order. Multiple calls run concurrently.
func (e *LLMEngine) dispatchTools(ctx context.Context, registry *tools.Registry, calls []llm.ToolCallResponse, cb Callbacks) []llm.Message {
	results := make([]llm.Message, len(calls))

	var wg sync.WaitGroup
	for i, tc := range calls {
		wg.Add(1)
		go func(i int, tc llm.ToolCallResponse) {
			defer wg.Done()
			results[i] = llm.Message{
				Role:       "tool",
				ToolCallID: tc.ID,
				Content:    e.runTool(ctx, registry, tc, cb),
			}
		}(i, tc)
	}
	wg.Wait()
	return results
}

// runTool executes one call, including the permission gate, and renders
// the result for the model. Tool failures become error text, never run
// failures.
func (e *LLMEngine) runTool(ctx context.Context, registry *tools.Registry, tc llm.ToolCallResponse, cb Callbacks) string {
	if cb.OnToolCall != nil {
		cb.OnToolCall(tc.ID, tc.Name, tc.Args)
	}

	var result interface{}
	var err error
	switch {
	case registry == nil || !registry.Has(tc.Name):
		err = fmt.Errorf("unknown tool: %s", tc.Name)
	case tools.IsSensitive(registry.Get(tc.Name)) && (cb.RequestPermission == nil || !cb.RequestPermission(ctx, tc.Name, tc.Args)):
		err = fmt.Errorf("permission denied for tool: %s", tc.Name)
	default:
		start := time.Now()
		result, err = registry.Execute(ctx, tc.Name, tc.Args)
		e.logger.ToolResult(tc.Name, time.Since(start), err)
	}

	var content string
	if err != nil {
		content = fmt.Sprintf("Error: %v", err)
	} else {
		switch v := result.(type) {
		case string:
			content = v
		default:
			data, _ := json.Marshal(v)
			content = string(data)
		}
	}

	if cb.OnToolComplete != nil {
		errMsg := ""
		if err != nil {
			errMsg = err.Error()
		}
		cb.OnToolComplete(tc.ID, tc.Name, result, errMsg)
	}
	return content
}
