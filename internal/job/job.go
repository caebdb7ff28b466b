// Package job implements the legacy one-shot execution surface: a job is
// created with a prompt, runs once, and ends in a terminal state that is
// kept for history queries.
package job

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

	"github.com/vinayprograms/agentd/internal/engine"
	"github.com/vinayprograms/agentd/internal/journal"
	"github.com/vinayprograms/agentd/internal/stream"
	"github.com/vinayprograms/agentd/internal/tools"
)

// Job statuses. Once a job leaves Running it never re-enters it; a new
// job must be created instead.
const (
	StatusPending   = "pending"
	StatusRunning   = "running"
	StatusCompleted = "completed"
	StatusFailed    = "failed"
	StatusCancelled = "cancelled"
)

// Sentinel errors.
var (
	ErrNotFound    = errors.New("job not found")
	ErrAlreadyBusy = errors.New("a job is already running")
	ErrTerminal    = errors.New("job already finished")
	ErrNoCurrent   = errors.New("no current job")
)

// Job is one execution record.
type Job struct {
	ID        string
	Prompt    string
	Model     string
	WorkDir   string
	CreatedAt time.Time

	mu         sync.Mutex
	status     string
	result     string
	errMsg     string
	startedAt  time.Time
	finishedAt time.Time
	bus        *stream.Bus
	cancel     context.CancelFunc
}

// Status returns the job's current status.
func (j *Job) Status() string {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.status
}

func (j *Job) active() bool {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.status == StatusPending || j.status == StatusRunning
}

// Snapshot is the API-facing view of a job.
type Snapshot struct {
	ID         string     `json:"id"`
	Prompt     string     `json:"prompt"`
	Model      string     `json:"model,omitempty"`
	Status     string     `json:"status"`
	Result     string     `json:"result,omitempty"`
	Error      string     `json:"error,omitempty"`
	CreatedAt  time.Time  `json:"created_at"`
	StartedAt  *time.Time `json:"started_at,omitempty"`
	FinishedAt *time.Time `json:"finished_at,omitempty"`
}

// Snapshot renders the job for API responses.
func (j *Job) Snapshot() Snapshot {
	j.mu.Lock()
	defer j.mu.Unlock()
	snap := Snapshot{
		ID:        j.ID,
		Prompt:    j.Prompt,
		Model:     j.Model,
		Status:    j.status,
		Result:    j.result,
		Error:     j.errMsg,
		CreatedAt: j.CreatedAt,
	}
	if !j.startedAt.IsZero() {
		t := j.startedAt
		snap.StartedAt = &t
	}
	if !j.finishedAt.IsZero() {
		t := j.finishedAt
		snap.FinishedAt = &t
	}
	return snap
}

// Options wires a Service.
type Options struct {
	Engine   engine.Factory
	ToolsFor func(workDir string) *tools.Registry
	Journal  *journal.Journal
	// SingleJob rejects a new submission while any job is active,
	// process-wide.
	SingleJob           bool
	DefaultModel        string
	DefaultSystemPrompt string
}

// Service owns all jobs. Terminal jobs are retained.
type Service struct {
	opts   Options
	logger *logging.Logger

	mu   sync.Mutex
	jobs map[string]*Job
	// order preserves creation order for Current and List.
	order []string
}

// NewService creates an empty job registry.
func NewService(opts Options) *Service {
	return &Service{
		opts:   opts,
		logger: logging.New().WithComponent("job"),
		jobs:   make(map[string]*Job),
	}
}

// Submit creates a job and starts it. In single-job mode a new submission
// is rejected while one is active.
func (s *Service) Submit(prompt, model, workDir string) (*Job, error) {
	if model == "" {
		model = s.opts.DefaultModel
	}

	s.mu.Lock()
	if s.opts.SingleJob && s.busyLocked() {
		s.mu.Unlock()
		return nil, ErrAlreadyBusy
	}
	job := &Job{
		ID:        uuid.NewString(),
		Prompt:    prompt,
		Model:     model,
		WorkDir:   workDir,
		CreatedAt: time.Now(),
		status:    StatusPending,
		bus:       stream.NewBus(),
	}
	ctx, cancel := context.WithCancel(context.Background())
	job.cancel = cancel
	s.jobs[job.ID] = job
	s.order = append(s.order, job.ID)
	s.mu.Unlock()

	s.logger.Info("job submitted", map[string]interface{}{
		"job_id": job.ID,
		"model":  model,
	})
	go s.run(ctx, job)
	return job, nil
}

func (s *Service) busyLocked() bool {
	for _, id := range s.order {
		if s.jobs[id].active() {
			return true
		}
	}
	return false
}

// Busy reports whether any job is active. In single-job mode this also
// gates conversation creation.
func (s *Service) Busy() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.busyLocked()
}

// Get returns a job by id.
func (s *Service) Get(id string) (*Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	job, ok := s.jobs[id]
	if !ok {
		return nil, ErrNotFound
	}
	return job, nil
}

// Current returns the active job, or the most recently created one when
// none is active.
func (s *Service) Current() (*Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i := len(s.order) - 1; i >= 0; i-- {
		if job := s.jobs[s.order[i]]; job.active() {
			return job, nil
		}
	}
	if len(s.order) == 0 {
		return nil, ErrNoCurrent
	}
	return s.jobs[s.order[len(s.order)-1]], nil
}

// List returns all jobs, oldest first.
func (s *Service) List() []*Job {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*Job, 0, len(s.order))
	for _, id := range s.order {
		out = append(out, s.jobs[id])
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out
}

// Stream returns the live bus of an active job, or a synthesized single
// terminal event for a terminal one.
func (s *Service) Stream(id string) (*stream.Bus, error) {
	job, err := s.Get(id)
	if err != nil {
		return nil, err
	}
	job.mu.Lock()
	defer job.mu.Unlock()
	if job.status == StatusPending || job.status == StatusRunning {
		return job.bus, nil
	}
	bus := stream.NewBus()
	switch job.status {
	case StatusCancelled:
		bus.CloseWith(stream.NewEvent(stream.EventError, stream.ErrorPayload{Message: "cancelled", Cancelled: true}))
	case StatusFailed:
		bus.CloseWith(stream.NewEvent(stream.EventError, stream.ErrorPayload{Message: job.errMsg}))
	default:
		bus.CloseWith(stream.NewEvent(stream.EventComplete, stream.CompletePayload{Content: job.result}))
	}
	return bus, nil
}

// Cancel requests cancellation of an active job.
func (s *Service) Cancel(id string) error {
	job, err := s.Get(id)
	if err != nil {
		return err
	}
	job.mu.Lock()
	defer job.mu.Unlock()
	if job.status != StatusPending && job.status != StatusRunning {
		return ErrTerminal
	}
	job.cancel()
	return nil
}

// run drives the job through Running to a terminal state.
func (s *Service) run(ctx context.Context, job *Job) {
	defer func() {
		if r := recover(); r != nil {
			s.finish(job, "", fmt.Errorf("execution panic: %v", r), false)
		}
	}()

	job.mu.Lock()
	job.status = StatusRunning
	job.startedAt = time.Now()
	bus := job.bus
	job.mu.Unlock()

	jw, err := s.opts.Journal.Begin("job-"+job.ID, "job", job.Prompt)
	if err != nil {
		s.logger.Warn("failed to open job transcript", map[string]interface{}{
			"job_id": job.ID,
			"error":  err.Error(),
		})
	}

	eng, err := s.opts.Engine(job.Model)
	if err != nil {
		jw.Close(StatusFailed, "", err.Error())
		s.finish(job, "", fmt.Errorf("engine unavailable: %w", err), false)
		return
	}

	registry := tools.NewRegistry()
	if s.opts.ToolsFor != nil {
		registry = s.opts.ToolsFor(job.WorkDir)
	}

	var messages []llm.Message
	if s.opts.DefaultSystemPrompt != "" {
		messages = append(messages, llm.Message{Role: "system", Content: s.opts.DefaultSystemPrompt})
	}
	messages = append(messages, llm.Message{Role: "user", Content: job.Prompt})

	res, runErr := eng.Run(ctx, engine.Request{
		Messages: messages,
		Tools:    registry,
		Callbacks: engine.Callbacks{
			OnToken: func(text string) {
				bus.Publish(stream.NewEvent(stream.EventToken, stream.TokenPayload{Text: text}))
			},
			OnToolCall: func(id, name string, args map[string]interface{}) {
				ev := stream.NewEvent(stream.EventToolCall, stream.ToolCallPayload{ID: id, Name: name, Args: args})
				bus.Publish(ev)
				jw.Append(string(ev.Type), ev.Data)
			},
			OnToolComplete: func(id, name string, result interface{}, errMsg string) {
				ev := stream.NewEvent(stream.EventToolComplete, stream.ToolCompletePayload{ID: id, Name: name, Result: result, Error: errMsg})
				bus.Publish(ev)
				jw.Append(string(ev.Type), ev.Data)
			},
			OnUsage: func(in, out int) {
				bus.Publish(stream.NewEvent(stream.EventUsage, stream.UsagePayload{InputTokens: in, OutputTokens: out}))
			},
		},
	})

	content := ""
	if res != nil {
		content = res.Content
	}
	cancelled := runErr != nil && ctx.Err() != nil
	switch {
	case cancelled:
		jw.Close(StatusCancelled, "", "cancelled")
	case runErr != nil:
		jw.Close(StatusFailed, "", runErr.Error())
	default:
		jw.Close(StatusCompleted, content, "")
	}
	s.finish(job, content, runErr, cancelled)
}

// finish moves the job to its terminal state and closes the bus.
func (s *Service) finish(job *Job, content string, runErr error, cancelled bool) {
	job.mu.Lock()
	job.finishedAt = time.Now()
	var terminal stream.Event
	switch {
	case cancelled:
		job.status = StatusCancelled
		terminal = stream.NewEvent(stream.EventError, stream.ErrorPayload{Message: "cancelled", Cancelled: true})
	case runErr != nil:
		job.status = StatusFailed
		job.errMsg = runErr.Error()
		terminal = stream.NewEvent(stream.EventError, stream.ErrorPayload{Message: runErr.Error()})
	default:
		job.status = StatusCompleted
		job.result = content
		terminal = stream.NewEvent(stream.EventComplete, stream.CompletePayload{Content: content})
	}
	bus := job.bus
	job.mu.Unlock()

	bus.CloseWith(terminal)
	s.logger.Info("job finished", map[string]interface{}{
		"job_id": job.ID,
		"status": job.Status(),
	})
}
