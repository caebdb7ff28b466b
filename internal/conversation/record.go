// Package conversation implements the execution registry for interactive
// sessions: record state machine, detached execution, and permission
// correlation.
package conversation

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/vinayprograms/agentd/internal/stream"
)

// Conversation statuses.
const (
	StatusIdle       = "idle"
	StatusProcessing = "processing"
)

// Sentinel errors. ErrProcessing's text is the wire-level rejection body,
// shown verbatim to API clients.
var (
	ErrNotFound   = errors.New("conversation not found")
	ErrProcessing = errors.New("Conversation is already processing a message")
	ErrNotActive  = errors.New("conversation is not processing")
	ErrBusy       = errors.New("a job is already running")
)

// ToolCallRecord is one tool invocation attached to a message.
type ToolCallRecord struct {
	ID     string                 `json:"id"`
	Name   string                 `json:"name"`
	Args   map[string]interface{} `json:"args,omitempty"`
	Result interface{}            `json:"result,omitempty"`
	Error  string                 `json:"error,omitempty"`
}

// Message is one entry in a record's history. Images are references
// attached to a user message; they are kept in the history and the
// transcript, and surfaced to the model as text references since the
// provider contract is text-only.
type Message struct {
	Role      string           `json:"role"`
	Content   string           `json:"content"`
	Images    []string         `json:"images,omitempty"`
	ToolCalls []ToolCallRecord `json:"tool_calls,omitempty"`
	CreatedAt time.Time        `json:"created_at"`
}

// permission is one pending correlation. The decision channel is buffered
// so a resolver never blocks on a caller that gave up waiting.
type permission struct {
	id          string
	tool        string
	args        map[string]interface{}
	description string
	decision    chan bool
}

// Record is one conversation: status, history, the bus for the in-flight
// execution, its cancellation scope, and pending permission correlations.
// All fields behind mu are shared between the owning execution goroutine
// and the public Cancel/Remove/permission paths.
type Record struct {
	ID           string
	Model        string
	SystemPrompt string
	WorkDir      string
	CreatedAt    time.Time

	mu          sync.Mutex
	status      string
	messages    []Message
	updatedAt   time.Time
	lastResult  string
	lastError   string
	cancelled   bool
	bus         *stream.Bus
	cancel      context.CancelFunc
	permissions []*permission
}

// Status returns the current status.
func (r *Record) Status() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.status
}

// Messages returns a copy of the history, newest last. limit <= 0 means
// all.
func (r *Record) Messages(limit int) []Message {
	r.mu.Lock()
	defer r.mu.Unlock()
	msgs := r.messages
	if limit > 0 && len(msgs) > limit {
		msgs = msgs[len(msgs)-limit:]
	}
	out := make([]Message, len(msgs))
	copy(out, msgs)
	return out
}

// UpdatedAt returns the last state change time.
func (r *Record) UpdatedAt() time.Time {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.updatedAt
}

func (r *Record) appendMessage(m Message) {
	if m.CreatedAt.IsZero() {
		m.CreatedAt = time.Now()
	}
	r.messages = append(r.messages, m)
	r.updatedAt = time.Now()
}

// terminalEvent synthesizes the terminal event an already-finished record
// would have emitted. Callers hold r.mu or own the record exclusively.
func (r *Record) terminalEvent() stream.Event {
	switch {
	case r.cancelled:
		return stream.NewEvent(stream.EventError, stream.ErrorPayload{Message: "cancelled", Cancelled: true})
	case r.lastError != "":
		return stream.NewEvent(stream.EventError, stream.ErrorPayload{Message: r.lastError})
	default:
		return stream.NewEvent(stream.EventComplete, stream.CompletePayload{Content: r.lastResult})
	}
}

// requestPermission registers a fresh correlation on the record, announces
// it on the bus, and blocks until a decision arrives or ctx ends. An
// unresolved request is denied when the execution is cancelled.
func (r *Record) requestPermission(ctx context.Context, bus *stream.Bus, id, tool string, args map[string]interface{}, description string) bool {
	p := &permission{
		id:          id,
		tool:        tool,
		args:        args,
		description: description,
		decision:    make(chan bool, 1),
	}
	r.mu.Lock()
	r.permissions = append(r.permissions, p)
	r.mu.Unlock()

	bus.Publish(stream.NewEvent(stream.EventPermissionRequest, stream.PermissionRequestPayload{
		ID:          id,
		Tool:        tool,
		Args:        args,
		Description: description,
	}))

	select {
	case approved := <-p.decision:
		return approved
	case <-ctx.Done():
		r.removePermission(id)
		return false
	}
}

// resolvePermission finds and removes a pending correlation, delivering
// the decision. Returns false if the id is not pending here; a resolved
// correlation is gone, so a second resolution misses.
func (r *Record) resolvePermission(id string, approved bool) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	for i, p := range r.permissions {
		if p.id == id {
			r.permissions = append(r.permissions[:i], r.permissions[i+1:]...)
			p.decision <- approved
			return true
		}
	}
	return false
}

func (r *Record) removePermission(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for i, p := range r.permissions {
		if p.id == id {
			r.permissions = append(r.permissions[:i], r.permissions[i+1:]...)
			return
		}
	}
}
