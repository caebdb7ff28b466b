// Package server exposes the runtime over HTTP: conversation records,
// legacy jobs, and permission resolution.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/vinayprograms/agentkit/logging"

	"github.com/vinayprograms/agentd/internal/conversation"
	"github.com/vinayprograms/agentd/internal/job"
	"github.com/vinayprograms/agentd/internal/roles"
	"github.com/vinayprograms/agentd/internal/stream"
)

// Server is the HTTP front end.
type Server struct {
	conversations *conversation.Service
	jobs          *job.Service
	roles         *roles.Registry
	logger        *logging.Logger
	httpServer    *http.Server
}

// New wires the HTTP surface. roles may be nil.
func New(addr string, conv *conversation.Service, jobs *job.Service, reg *roles.Registry) *Server {
	s := &Server{
		conversations: conv,
		jobs:          jobs,
		roles:         reg,
		logger:        logging.New().WithComponent("server"),
	}
	s.httpServer = &http.Server{
		Addr:    addr,
		Handler: s.Handler(),
		// No WriteTimeout: SSE responses stay open for the lifetime of an
		// execution.
		ReadHeaderTimeout: 10 * time.Second,
	}
	return s
}

// Handler builds the route table.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("POST /conversations", s.createConversation)
	mux.HandleFunc("GET /conversations", s.listConversations)
	mux.HandleFunc("GET /conversations/{id}", s.getConversation)
	mux.HandleFunc("DELETE /conversations/{id}", s.removeConversation)
	mux.HandleFunc("POST /conversations/{id}/messages", s.postMessage)
	mux.HandleFunc("GET /conversations/{id}/messages", s.getMessages)
	mux.HandleFunc("GET /conversations/{id}/stream", s.attachStream)
	mux.HandleFunc("POST /conversations/{id}/cancel", s.cancelConversation)
	mux.HandleFunc("POST /conversations/{id}/command", s.runCommand)

	mux.HandleFunc("POST /permissions/{id}", s.resolvePermission)

	mux.HandleFunc("POST /jobs", s.createJob)
	mux.HandleFunc("GET /jobs", s.listJobs)
	mux.HandleFunc("GET /jobs/current", s.currentJob)
	mux.HandleFunc("GET /jobs/{id}", s.getJob)
	mux.HandleFunc("GET /jobs/{id}/stream", s.streamJob)
	mux.HandleFunc("POST /jobs/{id}/cancel", s.cancelJob)

	mux.HandleFunc("GET /roles", s.listRoles)
	mux.HandleFunc("GET /healthz", s.healthz)

	return mux
}

// ListenAndServe blocks until the server stops.
func (s *Server) ListenAndServe() error {
	s.logger.Info("http server listening", map[string]interface{}{
		"addr": s.httpServer.Addr,
	})
	err := s.httpServer.ListenAndServe()
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

// Shutdown drains in-flight requests.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.httpServer.Shutdown(ctx)
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

func decodeBody(w http.ResponseWriter, r *http.Request, v interface{}) bool {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return false
	}
	return true
}

// streamBus writes the bus to the client as SSE until the bus closes or
// the client goes away. The execution itself is unaffected by either.
func (s *Server) streamBus(w http.ResponseWriter, r *http.Request, bus *stream.Bus) {
	// Subscribe before the headers go out so that a client that has seen
	// the response is guaranteed a live subscription.
	events := bus.Subscribe()

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	if f, ok := w.(http.Flusher); ok {
		f.Flush()
	}

	sw := stream.NewWriter(w)
	ctx := r.Context()
	for {
		select {
		case ev, ok := <-events:
			if !ok {
				return
			}
			if err := sw.Send(ev); err != nil {
				return
			}
			if ev.IsTerminal() {
				return
			}
		case <-ctx.Done():
			return
		}
	}
}

// --- conversations ---

type createConversationRequest struct {
	Model         string `json:"model"`
	SystemPrompt  string `json:"system_prompt"`
	WorkDirectory string `json:"work_directory"`
}

func (s *Server) createConversation(w http.ResponseWriter, r *http.Request) {
	var req createConversationRequest
	if !decodeBody(w, r, &req) {
		return
	}
	rec, err := s.conversations.Create(req.Model, req.SystemPrompt, req.WorkDirectory)
	if errors.Is(err, conversation.ErrBusy) {
		writeError(w, http.StatusConflict, err.Error())
		return
	}
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusCreated, rec.Snapshot())
}

func (s *Server) listConversations(w http.ResponseWriter, r *http.Request) {
	recs := s.conversations.List()
	out := make([]conversation.Snapshot, 0, len(recs))
	for _, rec := range recs {
		out = append(out, rec.Snapshot())
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"conversations": out})
}

func (s *Server) getConversation(w http.ResponseWriter, r *http.Request) {
	rec, err := s.conversations.Get(r.PathValue("id"))
	if err != nil {
		writeError(w, http.StatusNotFound, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, rec.Snapshot())
}

func (s *Server) removeConversation(w http.ResponseWriter, r *http.Request) {
	err := s.conversations.Remove(r.PathValue("id"))
	switch {
	case errors.Is(err, conversation.ErrNotFound):
		writeError(w, http.StatusNotFound, err.Error())
	case errors.Is(err, conversation.ErrProcessing):
		writeError(w, http.StatusConflict, err.Error())
	case err != nil:
		writeError(w, http.StatusInternalServerError, err.Error())
	default:
		w.WriteHeader(http.StatusNoContent)
	}
}

type postMessageRequest struct {
	Content string   `json:"content"`
	Images  []string `json:"images"`
}

// postMessage submits a message and streams the execution back as SSE. A
// record that is already processing rejects the submission with 409 before
// any state changes.
func (s *Server) postMessage(w http.ResponseWriter, r *http.Request) {
	var req postMessageRequest
	if !decodeBody(w, r, &req) {
		return
	}
	if req.Content == "" {
		writeError(w, http.StatusBadRequest, "content is required")
		return
	}
	bus, err := s.conversations.Submit(r.PathValue("id"), req.Content, req.Images)
	switch {
	case errors.Is(err, conversation.ErrNotFound):
		writeError(w, http.StatusNotFound, err.Error())
		return
	case errors.Is(err, conversation.ErrProcessing):
		writeError(w, http.StatusConflict, err.Error())
		return
	case err != nil:
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	s.streamBus(w, r, bus)
}

func (s *Server) getMessages(w http.ResponseWriter, r *http.Request) {
	rec, err := s.conversations.Get(r.PathValue("id"))
	if err != nil {
		writeError(w, http.StatusNotFound, err.Error())
		return
	}
	limit := 0
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			writeError(w, http.StatusBadRequest, "invalid limit")
			return
		}
		limit = n
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"messages": rec.Messages(limit)})
}

// attachStream connects to a record's event stream. A processing record
// yields its live bus; a resting one yields a single synthesized terminal
// event. Past events are never replayed.
func (s *Server) attachStream(w http.ResponseWriter, r *http.Request) {
	bus, err := s.conversations.Stream(r.PathValue("id"))
	if err != nil {
		writeError(w, http.StatusNotFound, err.Error())
		return
	}
	s.streamBus(w, r, bus)
}

func (s *Server) cancelConversation(w http.ResponseWriter, r *http.Request) {
	err := s.conversations.Cancel(r.PathValue("id"))
	switch {
	case errors.Is(err, conversation.ErrNotFound):
		writeError(w, http.StatusNotFound, err.Error())
	case errors.Is(err, conversation.ErrNotActive):
		writeError(w, http.StatusConflict, err.Error())
	case err != nil:
		writeError(w, http.StatusInternalServerError, err.Error())
	default:
		writeJSON(w, http.StatusOK, map[string]string{"status": "cancelling"})
	}
}

type commandRequest struct {
	Command string `json:"command"`
}

func (s *Server) runCommand(w http.ResponseWriter, r *http.Request) {
	var req commandRequest
	if !decodeBody(w, r, &req) {
		return
	}
	res, err := s.conversations.Command(r.PathValue("id"), req.Command)
	if errors.Is(err, conversation.ErrNotFound) {
		writeError(w, http.StatusNotFound, err.Error())
		return
	}
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, res)
}

// --- permissions ---

type resolvePermissionRequest struct {
	Approved bool `json:"approved"`
}

func (s *Server) resolvePermission(w http.ResponseWriter, r *http.Request) {
	var req resolvePermissionRequest
	if !decodeBody(w, r, &req) {
		return
	}
	err := s.conversations.ResolvePermission(r.PathValue("id"), req.Approved)
	if errors.Is(err, conversation.ErrPermissionNotFound) {
		writeError(w, http.StatusNotFound, err.Error())
		return
	}
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"approved": req.Approved})
}

// --- jobs ---

type createJobRequest struct {
	Prompt        string `json:"prompt"`
	Model         string `json:"model"`
	WorkDirectory string `json:"work_directory"`
}

func (s *Server) createJob(w http.ResponseWriter, r *http.Request) {
	var req createJobRequest
	if !decodeBody(w, r, &req) {
		return
	}
	if req.Prompt == "" {
		writeError(w, http.StatusBadRequest, "prompt is required")
		return
	}
	j, err := s.jobs.Submit(req.Prompt, req.Model, req.WorkDirectory)
	if errors.Is(err, job.ErrAlreadyBusy) {
		writeError(w, http.StatusConflict, err.Error())
		return
	}
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusCreated, j.Snapshot())
}

func (s *Server) listJobs(w http.ResponseWriter, r *http.Request) {
	jobs := s.jobs.List()
	out := make([]job.Snapshot, 0, len(jobs))
	for _, j := range jobs {
		out = append(out, j.Snapshot())
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"jobs": out})
}

func (s *Server) currentJob(w http.ResponseWriter, r *http.Request) {
	j, err := s.jobs.Current()
	if errors.Is(err, job.ErrNoCurrent) {
		writeError(w, http.StatusNotFound, err.Error())
		return
	}
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, j.Snapshot())
}

func (s *Server) getJob(w http.ResponseWriter, r *http.Request) {
	j, err := s.jobs.Get(r.PathValue("id"))
	if err != nil {
		writeError(w, http.StatusNotFound, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, j.Snapshot())
}

func (s *Server) streamJob(w http.ResponseWriter, r *http.Request) {
	bus, err := s.jobs.Stream(r.PathValue("id"))
	if err != nil {
		writeError(w, http.StatusNotFound, err.Error())
		return
	}
	s.streamBus(w, r, bus)
}

func (s *Server) cancelJob(w http.ResponseWriter, r *http.Request) {
	err := s.jobs.Cancel(r.PathValue("id"))
	switch {
	case errors.Is(err, job.ErrNotFound):
		writeError(w, http.StatusNotFound, err.Error())
	case errors.Is(err, job.ErrTerminal):
		writeError(w, http.StatusConflict, err.Error())
	case err != nil:
		writeError(w, http.StatusInternalServerError, err.Error())
	default:
		writeJSON(w, http.StatusOK, map[string]string{"status": "cancelling"})
	}
}

// --- misc ---

func (s *Server) listRoles(w http.ResponseWriter, r *http.Request) {
	names := []string{}
	if s.roles != nil {
		names = s.roles.Names()
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"roles": names})
}

func (s *Server) healthz(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}
