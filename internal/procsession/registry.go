package procsession

import (
	"sort"
	"sync"

	"github.com/google/uuid"
	"github.com/vinayprograms/agentkit/logging"
)

// Options configures a Registry.
type Options struct {
	// Allow decides whether a command may be started. A nil Allow rejects
	// everything.
	Allow func(command string) bool
	// MaxSessions caps live sessions; 0 means unlimited.
	MaxSessions int
	// BufferLimit caps each output buffer in bytes; 0 means unlimited.
	BufferLimit int
	Logger      *logging.Logger
}

// Registry owns all live process sessions.
type Registry struct {
	opts     Options
	logger   *logging.Logger
	mu       sync.Mutex
	sessions map[string]*Session
}

// NewRegistry creates an empty registry.
func NewRegistry(opts Options) *Registry {
	logger := opts.Logger
	if logger == nil {
		logger = logging.New().WithComponent("procsession")
	}
	return &Registry{
		opts:     opts,
		logger:   logger,
		sessions: make(map[string]*Session),
	}
}

// StartResult is returned immediately by Start, before the process has
// produced any output.
type StartResult struct {
	SessionID string `json:"session_id"`
	PID       int    `json:"pid"`
}

// Start spawns an allow-listed command and registers its session.
func (r *Registry) Start(command string, args []string, dir string) (StartResult, error) {
	if r.opts.Allow == nil || !r.opts.Allow(command) {
		return StartResult{}, ErrNotAllowed
	}

	r.mu.Lock()
	if r.opts.MaxSessions > 0 && r.liveLocked() >= r.opts.MaxSessions {
		r.mu.Unlock()
		return StartResult{}, ErrMaxSessions
	}
	r.mu.Unlock()

	id := uuid.NewString()
	sess, err := start(id, command, args, dir, r.opts.BufferLimit)
	if err != nil {
		return StartResult{}, err
	}

	r.mu.Lock()
	r.sessions[id] = sess
	r.mu.Unlock()

	r.logger.Info("process started", map[string]interface{}{
		"session_id": id,
		"pid":        sess.PID,
		"command":    command,
	})
	return StartResult{SessionID: id, PID: sess.PID}, nil
}

// Read returns output for one session. See Session.Read for cursor rules.
func (r *Registry) Read(id string, all bool, waitMs int) (Snapshot, error) {
	sess, ok := r.get(id)
	if !ok {
		return Snapshot{}, ErrNotFound
	}
	return sess.Read(all, waitMs), nil
}

// Write sends stdin input to one session.
func (r *Registry) Write(id, input string, newline bool) error {
	sess, ok := r.get(id)
	if !ok {
		return ErrNotFound
	}
	return sess.Write(input, newline)
}

// Status reports one session.
func (r *Registry) Status(id string) (Status, error) {
	sess, ok := r.get(id)
	if !ok {
		return Status{}, ErrNotFound
	}
	return sess.Status(), nil
}

// StatusAll lists every registered session, sorted by start time.
func (r *Registry) StatusAll() []Status {
	r.mu.Lock()
	sessions := make([]*Session, 0, len(r.sessions))
	for _, s := range r.sessions {
		sessions = append(sessions, s)
	}
	r.mu.Unlock()

	sort.Slice(sessions, func(i, j int) bool {
		return sessions[i].Started.Before(sessions[j].Started)
	})
	out := make([]Status, len(sessions))
	for i, s := range sessions {
		out[i] = s.Status()
	}
	return out
}

// Stop ends a session, returns its final output and exit code, and
// deregisters it. A second Stop on the same id is a not-found.
func (r *Registry) Stop(id string, force bool) (Snapshot, error) {
	r.mu.Lock()
	sess, ok := r.sessions[id]
	if ok {
		delete(r.sessions, id)
	}
	r.mu.Unlock()
	if !ok {
		return Snapshot{}, ErrNotFound
	}

	snap := sess.Stop(force)
	r.logger.Info("process stopped", map[string]interface{}{
		"session_id": id,
		"exit_code":  snap.ExitCode,
	})
	return snap, nil
}

// StopAll force-stops every live session. Used at daemon shutdown.
func (r *Registry) StopAll() {
	for _, st := range r.StatusAll() {
		r.Stop(st.SessionID, true)
	}
}

func (r *Registry) get(id string) (*Session, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	sess, ok := r.sessions[id]
	return sess, ok
}

// liveLocked counts running sessions. Callers hold r.mu.
func (r *Registry) liveLocked() int {
	n := 0
	for _, s := range r.sessions {
		if s.Status().Running {
			n++
		}
	}
	return n
}
