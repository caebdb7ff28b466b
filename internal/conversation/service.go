package conversation

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/vinayprograms/agentkit/llm"
	"github.com/vinayprograms/agentkit/logging"

	"github.com/vinayprograms/agentd/internal/delegate"
	"github.com/vinayprograms/agentd/internal/engine"
	"github.com/vinayprograms/agentd/internal/journal"
	"github.com/vinayprograms/agentd/internal/stream"
	"github.com/vinayprograms/agentd/internal/tools"
)

// ErrPermissionNotFound is returned when a correlation id matches no
// pending request on any live record.
var ErrPermissionNotFound = errors.New("permission request not found")

// Options wires a Service.
type Options struct {
	// Engine builds the reasoning engine per model.
	Engine engine.Factory
	// ToolsFor builds the base tool set for a record's work directory.
	// May be nil for a toolless runtime.
	ToolsFor func(workDir string) *tools.Registry
	// Delegates enables the delegation tool when non-nil.
	Delegates *delegate.Executor
	// Journal persists transcripts. May be nil.
	Journal *journal.Journal
	// Busy blocks record creation while it reports true. Wired to the job
	// service in legacy single-job mode, nil otherwise.
	Busy func() bool

	DefaultModel        string
	DefaultSystemPrompt string
}

// Service owns all conversation records. One instance per process,
// constructed once and threaded to every consumer.
type Service struct {
	opts   Options
	logger *logging.Logger

	mu      sync.Mutex
	records map[string]*Record
}

// NewService creates an empty registry.
func NewService(opts Options) *Service {
	return &Service{
		opts:    opts,
		logger:  logging.New().WithComponent("conversation"),
		records: make(map[string]*Record),
	}
}

// Create opens a new idle record. In legacy single-job mode creation is
// refused while a job is running.
func (s *Service) Create(model, systemPrompt, workDir string) (*Record, error) {
	if s.opts.Busy != nil && s.opts.Busy() {
		return nil, ErrBusy
	}
	if model == "" {
		model = s.opts.DefaultModel
	}
	if systemPrompt == "" {
		systemPrompt = s.opts.DefaultSystemPrompt
	}
	rec := &Record{
		ID:           uuid.NewString(),
		Model:        model,
		SystemPrompt: systemPrompt,
		WorkDir:      workDir,
		CreatedAt:    time.Now(),
		status:       StatusIdle,
		updatedAt:    time.Now(),
	}
	s.mu.Lock()
	s.records[rec.ID] = rec
	s.mu.Unlock()

	s.logger.Info("conversation created", map[string]interface{}{
		"conversation_id": rec.ID,
		"model":           model,
	})
	return rec, nil
}

// Get returns a record by id.
func (s *Service) Get(id string) (*Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.records[id]
	if !ok {
		return nil, ErrNotFound
	}
	return rec, nil
}

// List returns all records, oldest first.
func (s *Service) List() []*Record {
	s.mu.Lock()
	recs := make([]*Record, 0, len(s.records))
	for _, r := range s.records {
		recs = append(recs, r)
	}
	s.mu.Unlock()
	sort.Slice(recs, func(i, j int) bool { return recs[i].CreatedAt.Before(recs[j].CreatedAt) })
	return recs
}

// Remove deletes an idle record. A processing record must be cancelled
// first.
func (s *Service) Remove(id string) error {
	rec, err := s.Get(id)
	if err != nil {
		return err
	}
	if rec.Status() == StatusProcessing {
		return ErrProcessing
	}
	s.mu.Lock()
	delete(s.records, id)
	s.mu.Unlock()
	return nil
}

// Submit appends a user message and starts a detached execution,
// returning its bus. A record already processing rejects the submission
// outright; there is no queue.
func (s *Service) Submit(id, content string, images []string) (*stream.Bus, error) {
	rec, err := s.Get(id)
	if err != nil {
		return nil, err
	}

	rec.mu.Lock()
	if rec.status == StatusProcessing {
		rec.mu.Unlock()
		return nil, ErrProcessing
	}
	rec.status = StatusProcessing
	rec.cancelled = false
	rec.lastError = ""
	rec.appendMessage(Message{Role: "user", Content: content, Images: images})
	bus := stream.NewBus()
	ctx, cancel := context.WithCancel(context.Background())
	rec.bus = bus
	rec.cancel = cancel
	seq := len(rec.messages)
	rec.mu.Unlock()

	go s.run(ctx, rec, bus, seq)
	return bus, nil
}

// Cancel requests cancellation of the in-flight execution. The execution
// observes it at its next suspension point and emits the terminal event.
func (s *Service) Cancel(id string) error {
	rec, err := s.Get(id)
	if err != nil {
		return err
	}
	rec.mu.Lock()
	defer rec.mu.Unlock()
	if rec.status != StatusProcessing || rec.cancel == nil {
		return ErrNotActive
	}
	rec.cancel()
	return nil
}

// Stream returns the live bus of a processing record. For a resting
// record it synthesizes a single terminal event from the stored result;
// history is never replayed.
func (s *Service) Stream(id string) (*stream.Bus, error) {
	rec, err := s.Get(id)
	if err != nil {
		return nil, err
	}
	rec.mu.Lock()
	defer rec.mu.Unlock()
	if rec.status == StatusProcessing && rec.bus != nil {
		return rec.bus, nil
	}
	bus := stream.NewBus()
	bus.CloseWith(rec.terminalEvent())
	return bus, nil
}

// ResolvePermission delivers an approval decision by scanning all live
// records for the correlation id. Resolution is one-shot: the first match
// removes it, so a repeat is a not-found.
func (s *Service) ResolvePermission(id string, approved bool) error {
	s.mu.Lock()
	recs := make([]*Record, 0, len(s.records))
	for _, r := range s.records {
		recs = append(recs, r)
	}
	s.mu.Unlock()

	for _, rec := range recs {
		if rec.resolvePermission(id, approved) {
			s.logger.Info("permission resolved", map[string]interface{}{
				"correlation_id": id,
				"approved":       approved,
			})
			return nil
		}
	}
	return ErrPermissionNotFound
}

// CommandResult is the outcome of a conversation command.
type CommandResult struct {
	Success bool   `json:"success"`
	Output  string `json:"output,omitempty"`
	Error   string `json:"error,omitempty"`
}

// Command runs a non-message operation against a record. Supported:
// "clear" drops the history, "status" reports the record's state.
func (s *Service) Command(id, command string) (CommandResult, error) {
	rec, err := s.Get(id)
	if err != nil {
		return CommandResult{}, err
	}
	switch command {
	case "clear":
		rec.mu.Lock()
		defer rec.mu.Unlock()
		if rec.status == StatusProcessing {
			return CommandResult{Success: false, Error: "cannot clear while processing"}, nil
		}
		rec.messages = nil
		rec.lastResult = ""
		rec.lastError = ""
		rec.updatedAt = time.Now()
		return CommandResult{Success: true, Output: "history cleared"}, nil
	case "status":
		rec.mu.Lock()
		defer rec.mu.Unlock()
		return CommandResult{
			Success: true,
			Output:  fmt.Sprintf("status=%s messages=%d model=%s", rec.status, len(rec.messages), rec.Model),
		}, nil
	default:
		return CommandResult{Success: false, Error: fmt.Sprintf("unknown command: %s", command)}, nil
	}
}

// run is the detached execution. It outlives the request that started it
// and keeps running with zero readers; nothing that happens here may
// escape as a panic.
func (s *Service) run(ctx context.Context, rec *Record, bus *stream.Bus, seq int) {
	defer func() {
		if r := recover(); r != nil {
			s.finish(rec, bus, nil, nil, fmt.Errorf("execution panic: %v", r))
		}
	}()

	jw := s.beginTranscript(rec, seq)

	history := s.llmHistory(rec)
	registry := tools.NewRegistry()
	if s.opts.ToolsFor != nil {
		registry = s.opts.ToolsFor(rec.WorkDir)
	}
	if s.opts.Delegates != nil {
		tools.RegisterDelegateTool(registry, s.opts.Delegates.Bind(rec.ID, 0, history))
	}

	eng, err := s.opts.Engine(rec.Model)
	if err != nil {
		s.finish(rec, bus, jw, nil, fmt.Errorf("engine unavailable: %w", err))
		return
	}

	var toolMu sync.Mutex
	var toolCalls []ToolCallRecord

	res, runErr := eng.Run(ctx, engine.Request{
		Messages: history,
		Tools:    registry,
		Callbacks: engine.Callbacks{
			OnToken: func(text string) {
				bus.Publish(stream.NewEvent(stream.EventToken, stream.TokenPayload{Text: text}))
			},
			OnReasoning: func(text string) {
				bus.Publish(stream.NewEvent(stream.EventReasoning, stream.ReasoningPayload{Text: text}))
			},
			OnToolCall: func(id, name string, args map[string]interface{}) {
				ev := stream.NewEvent(stream.EventToolCall, stream.ToolCallPayload{ID: id, Name: name, Args: args})
				bus.Publish(ev)
				jw.Append(string(ev.Type), ev.Data)
				toolMu.Lock()
				toolCalls = append(toolCalls, ToolCallRecord{ID: id, Name: name, Args: args})
				toolMu.Unlock()
			},
			OnToolComplete: func(id, name string, result interface{}, errMsg string) {
				ev := stream.NewEvent(stream.EventToolComplete, stream.ToolCompletePayload{ID: id, Name: name, Result: result, Error: errMsg})
				bus.Publish(ev)
				jw.Append(string(ev.Type), ev.Data)
				toolMu.Lock()
				for i := range toolCalls {
					if toolCalls[i].ID == id {
						toolCalls[i].Result = result
						toolCalls[i].Error = errMsg
					}
				}
				toolMu.Unlock()
			},
			OnUsage: func(in, out int) {
				bus.Publish(stream.NewEvent(stream.EventUsage, stream.UsagePayload{InputTokens: in, OutputTokens: out}))
			},
			RequestPermission: func(pctx context.Context, tool string, args map[string]interface{}) bool {
				return rec.requestPermission(pctx, bus, uuid.NewString(), tool, args,
					fmt.Sprintf("Tool %s requires approval", tool))
			},
		},
	})

	toolMu.Lock()
	calls := append([]ToolCallRecord(nil), toolCalls...)
	toolMu.Unlock()

	// A run that died on its iteration cap still produced an answer worth
	// keeping. The streamed tokens may be a truncated render of it, so the
	// full content is re-sent as a replacement before the terminal event.
	if errors.Is(runErr, engine.ErrMaxIterations) && res != nil && res.Content != "" {
		runErr = nil
		bus.Publish(stream.NewEvent(stream.EventContentReplace, stream.ContentReplacePayload{Content: res.Content}))
	}
	s.finishWith(rec, bus, jw, res, calls, runErr, ctx)
}

func (s *Service) finish(rec *Record, bus *stream.Bus, jw *journal.Writer, calls []ToolCallRecord, err error) {
	s.finishWith(rec, bus, jw, nil, calls, err, context.Background())
}

// finishWith transitions the record back to Idle, appends the assistant
// message on success, emits the terminal event, and closes the bus.
func (s *Service) finishWith(rec *Record, bus *stream.Bus, jw *journal.Writer, res *engine.Result, calls []ToolCallRecord, runErr error, ctx context.Context) {
	rec.mu.Lock()
	rec.status = StatusIdle
	rec.bus = nil
	rec.cancel = nil
	rec.updatedAt = time.Now()

	var terminal stream.Event
	switch {
	case runErr != nil && ctx.Err() != nil:
		rec.cancelled = true
		terminal = stream.NewEvent(stream.EventError, stream.ErrorPayload{Message: "cancelled", Cancelled: true})
		jw.Close("cancelled", "", "cancelled")
	case runErr != nil:
		rec.lastError = runErr.Error()
		terminal = stream.NewEvent(stream.EventError, stream.ErrorPayload{Message: runErr.Error()})
		jw.Close("failed", "", runErr.Error())
	default:
		content := ""
		if res != nil {
			content = res.Content
		}
		rec.lastResult = content
		rec.appendMessage(Message{Role: "assistant", Content: content, ToolCalls: calls})
		terminal = stream.NewEvent(stream.EventComplete, stream.CompletePayload{Content: content})
		jw.Close("completed", content, "")
	}
	rec.mu.Unlock()

	bus.CloseWith(terminal)
	s.logger.Info("execution finished", map[string]interface{}{
		"conversation_id": rec.ID,
		"status":          string(terminal.Type),
	})
}

// llmHistory snapshots the record's history as engine messages.
func (s *Service) llmHistory(rec *Record) []llm.Message {
	rec.mu.Lock()
	defer rec.mu.Unlock()
	var messages []llm.Message
	if rec.SystemPrompt != "" {
		messages = append(messages, llm.Message{Role: "system", Content: rec.SystemPrompt})
	}
	for _, m := range rec.messages {
		if m.Role != "user" && m.Role != "assistant" {
			continue
		}
		content := m.Content
		for _, img := range m.Images {
			content += "\n[attached image: " + img + "]"
		}
		messages = append(messages, llm.Message{Role: m.Role, Content: content})
	}
	return messages
}

func (s *Service) beginTranscript(rec *Record, seq int) *journal.Writer {
	title := ""
	if msgs := rec.Messages(1); len(msgs) > 0 {
		title = msgs[0].Content
		if runes := []rune(title); len(runes) > 80 {
			title = string(runes[:80])
		}
	}
	jw, err := s.opts.Journal.Begin(fmt.Sprintf("%s-msg-%03d", rec.ID, seq), "conversation", title)
	if err != nil {
		s.logger.Warn("failed to open transcript", map[string]interface{}{
			"conversation_id": rec.ID,
			"error":           err.Error(),
		})
	}
	return jw
}

// Snapshot is the API-facing view of a record.
type Snapshot struct {
	ID           string    `json:"id"`
	Model        string    `json:"model"`
	SystemPrompt string    `json:"system_prompt,omitempty"`
	WorkDir      string    `json:"work_directory,omitempty"`
	Status       string    `json:"status"`
	MessageCount int       `json:"message_count"`
	CreatedAt    time.Time `json:"created_at"`
	UpdatedAt    time.Time `json:"updated_at"`
}

// Snapshot renders the record for API responses.
func (r *Record) Snapshot() Snapshot {
	r.mu.Lock()
	defer r.mu.Unlock()
	return Snapshot{
		ID:           r.ID,
		Model:        r.Model,
		SystemPrompt: r.SystemPrompt,
		WorkDir:      r.WorkDir,
		Status:       r.status,
		MessageCount: len(r.messages),
		CreatedAt:    r.CreatedAt,
		UpdatedAt:    r.updatedAt,
	}
}
