// Package stream provides the per-execution progress event bus and its
// SSE wire encoding.
package stream

import "encoding/json"

// EventType identifies a progress event on the bus.
type EventType string

const (
	EventToken             EventType = "token"
	EventReasoning         EventType = "reasoning"
	EventToolCall          EventType = "tool_call"
	EventToolComplete      EventType = "tool_complete"
	EventContentReplace    EventType = "content_replace"
	EventUsage             EventType = "usage"
	EventComplete          EventType = "complete"
	EventError             EventType = "error"
	EventPermissionRequest EventType = "permission_request"
)

// Event is one entry on a bus. Data is an opaque JSON payload.
type Event struct {
	Type EventType
	Data json.RawMessage
}

// IsTerminal reports whether no event may follow this one on the same bus.
func (e Event) IsTerminal() bool {
	return e.Type == EventComplete || e.Type == EventError
}

// Payload shapes for the event types emitted by the runtime. Consumers
// decode Event.Data into the matching struct.

// TokenPayload carries one streamed text fragment.
type TokenPayload struct {
	Text string `json:"text"`
}

// ReasoningPayload carries a streamed thinking fragment.
type ReasoningPayload struct {
	Text string `json:"text"`
}

// ToolCallPayload announces a tool invocation.
type ToolCallPayload struct {
	ID   string                 `json:"id"`
	Name string                 `json:"name"`
	Args map[string]interface{} `json:"args,omitempty"`
}

// ToolCompletePayload reports the outcome of a tool invocation.
type ToolCompletePayload struct {
	ID     string      `json:"id"`
	Name   string      `json:"name"`
	Result interface{} `json:"result,omitempty"`
	Error  string      `json:"error,omitempty"`
}

// ContentReplacePayload replaces all streamed content so far (used when the
// engine rewrites its answer after tool results arrive).
type ContentReplacePayload struct {
	Content string `json:"content"`
}

// UsagePayload reports cumulative token usage.
type UsagePayload struct {
	InputTokens  int `json:"input_tokens"`
	OutputTokens int `json:"output_tokens"`
}

// CompletePayload is the success terminal event.
type CompletePayload struct {
	Content string `json:"content"`
}

// ErrorPayload is the failure terminal event.
type ErrorPayload struct {
	Message   string `json:"message"`
	Cancelled bool   `json:"cancelled,omitempty"`
}

// PermissionRequestPayload asks an out-of-band approver to allow a
// sensitive tool call. The correlation ID is resolved via the permission
// endpoint.
type PermissionRequestPayload struct {
	ID          string                 `json:"id"`
	Tool        string                 `json:"tool"`
	Args        map[string]interface{} `json:"args,omitempty"`
	Description string                 `json:"description,omitempty"`
}

// NewEvent marshals payload and wraps it in an Event. Marshal failures
// produce an empty object payload rather than an error; payloads are plain
// structs and maps that cannot fail to encode in practice.
func NewEvent(t EventType, payload interface{}) Event {
	data, err := json.Marshal(payload)
	if err != nil {
		data = []byte("{}")
	}
	return Event{Type: t, Data: data}
}
