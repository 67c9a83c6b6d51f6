// Package httpapi is the operator surface: task CRUD, interventions, status,
// and the live event stream. It is a thin JSON layer; all behavior lives in
// the core the server is constructed with.
package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/rs/cors"

	"agentd/internal/controller"
	"agentd/internal/dispatcher"
	"agentd/internal/eventbus"
	"agentd/internal/ledger"
	"agentd/internal/runtime/supervisor"
	"agentd/pkg/logx"
)

// StatusReport is the GET /status payload and the SSE connected preamble.
type StatusReport struct {
	State      string                `json:"state"`
	Running    []*controller.Attempt `json:"running"`
	LastCycle  dispatcher.CycleInfo  `json:"last_cycle"`
	Stats      ledger.Stats          `json:"stats"`
	Goroutines supervisor.Counters   `json:"goroutines"`
}

// Core is what the daemon exposes to the API layer.
type Core interface {
	CreateTask(ctx context.Context, req ledger.CreateRequest) (task *ledger.Task, scheduledNow bool, err error)
	GetTask(ctx context.Context, id int64) (*ledger.Task, error)
	ListTasks(ctx context.Context, status ledger.Status, limit int) ([]*ledger.Task, error)
	ScheduledTasks(ctx context.Context) ([]*ledger.Task, error)
	Running() []*controller.Attempt
	CancelPending(ctx context.Context, id int64) (*ledger.Task, error)
	CancelRunning(ctx context.Context, id int64) error
	UpdateTask(ctx context.Context, id int64, instruction string) (*ledger.Task, error)
	AssignTask(ctx context.Context, id int64, profile string) (*ledger.Task, error)
	ForceRun(ctx context.Context, id int64) error
	Wake()
	Status(ctx context.Context) (StatusReport, error)
	Events() eventbus.Bus
}

type Server struct {
	core Core
	log  logx.Logger
	http *http.Server
}

func New(addr string, core Core, log logx.Logger) *Server {
	s := &Server{
		core: core,
		log:  log.With(logx.String("component", "httpapi")),
	}
	s.http = &http.Server{
		Addr:              addr,
		Handler:           s.routes(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	return s
}

func (s *Server) routes() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	r.Get("/status", s.handleStatus)
	r.Get("/events", s.handleEvents)
	r.Post("/wake", s.handleWake)

	r.Post("/tasks", s.handleCreate)
	r.Get("/tasks", s.handleList)
	r.Get("/tasks/{id}", s.handleGet)
	r.Delete("/tasks/{id}", s.handleDelete)
	r.Post("/tasks/{id}/cancel", s.handleCancel)
	r.Post("/tasks/{id}/update", s.handleUpdate)
	r.Post("/tasks/{id}/assign", s.handleAssign)
	r.Post("/tasks/{id}/run", s.handleExecute)
	r.Get("/running", s.handleRunning)
	r.Get("/scheduled", s.handleScheduled)

	return cors.New(cors.Options{
		AllowedOrigins: []string{"*"},
		AllowedMethods: []string{http.MethodGet, http.MethodPost, http.MethodDelete, http.MethodOptions},
		AllowedHeaders: []string{"*"},
	}).Handler(r)
}

// Run serves until ctx is cancelled, then drains connections briefly.
func (s *Server) Run(ctx context.Context) error {
	errCh := make(chan error, 1)
	go func() {
		s.log.Info("api listening", logx.String("addr", s.http.Addr))
		if err := s.http.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
			return
		}
		errCh <- nil
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		shCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = s.http.Shutdown(shCtx)
		return nil
	}
}

// ---- handlers ----

type createTaskRequest struct {
	Title         string            `json:"title"`
	Description   string            `json:"description,omitempty"`
	Priority      int               `json:"priority,omitempty"`
	Category      string            `json:"category,omitempty"`
	DueAt         string            `json:"due_at,omitempty"` // RFC3339
	RecurringRule string            `json:"recurring_rule,omitempty"`
	AssignedTo    string            `json:"assigned_to,omitempty"`
	MaxRetries    int               `json:"max_retries,omitempty"`
	Context       map[string]string `json:"context,omitempty"`
}

func (s *Server) handleCreate(w http.ResponseWriter, r *http.Request) {
	var in createTaskRequest
	if err := decodeJSON(r, &in); err != nil {
		s.writeError(w, http.StatusBadRequest, err)
		return
	}
	req := ledger.CreateRequest{
		Title:         in.Title,
		Description:   in.Description,
		Priority:      in.Priority,
		Category:      in.Category,
		RecurringRule: in.RecurringRule,
		AssignedTo:    in.AssignedTo,
		MaxRetries:    in.MaxRetries,
		Context:       in.Context,
	}
	if in.DueAt != "" {
		due, err := time.Parse(time.RFC3339, in.DueAt)
		if err != nil {
			s.writeError(w, http.StatusBadRequest, errors.New("due_at must be RFC3339"))
			return
		}
		req.DueAt = &due
	}

	task, scheduledNow, err := s.core.CreateTask(r.Context(), req)
	if err != nil {
		s.writeCoreError(w, err)
		return
	}
	s.writeJSON(w, http.StatusCreated, map[string]any{
		"task":          task,
		"scheduled_now": scheduledNow,
	})
}

func (s *Server) handleList(w http.ResponseWriter, r *http.Request) {
	status := ledger.Status(strings.TrimSpace(r.URL.Query().Get("status")))
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	tasks, err := s.core.ListTasks(r.Context(), status, limit)
	if err != nil {
		s.writeCoreError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]any{"tasks": tasks, "count": len(tasks)})
}

func (s *Server) handleGet(w http.ResponseWriter, r *http.Request) {
	id, ok := s.taskID(w, r)
	if !ok {
		return
	}
	task, err := s.core.GetTask(r.Context(), id)
	if err != nil {
		s.writeCoreError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, task)
}

func (s *Server) handleDelete(w http.ResponseWriter, r *http.Request) {
	id, ok := s.taskID(w, r)
	if !ok {
		return
	}
	task, err := s.core.CancelPending(r.Context(), id)
	if err != nil {
		s.writeCoreError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, task)
}

func (s *Server) handleCancel(w http.ResponseWriter, r *http.Request) {
	id, ok := s.taskID(w, r)
	if !ok {
		return
	}
	if err := s.core.CancelRunning(r.Context(), id); err != nil {
		s.writeCoreError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]any{"cancelled": id})
}

func (s *Server) handleUpdate(w http.ResponseWriter, r *http.Request) {
	id, ok := s.taskID(w, r)
	if !ok {
		return
	}
	var in struct {
		Instruction string `json:"instruction"`
	}
	if err := decodeJSON(r, &in); err != nil {
		s.writeError(w, http.StatusBadRequest, err)
		return
	}
	task, err := s.core.UpdateTask(r.Context(), id, in.Instruction)
	if err != nil {
		s.writeCoreError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, task)
}

func (s *Server) handleAssign(w http.ResponseWriter, r *http.Request) {
	id, ok := s.taskID(w, r)
	if !ok {
		return
	}
	var in struct {
		// Empty profile returns the task to the default.
		Profile string `json:"profile"`
	}
	if err := decodeJSON(r, &in); err != nil {
		s.writeError(w, http.StatusBadRequest, err)
		return
	}
	task, err := s.core.AssignTask(r.Context(), id, in.Profile)
	if err != nil {
		s.writeCoreError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, task)
}

func (s *Server) handleExecute(w http.ResponseWriter, r *http.Request) {
	id, ok := s.taskID(w, r)
	if !ok {
		return
	}
	if err := s.core.ForceRun(r.Context(), id); err != nil {
		s.writeCoreError(w, err)
		return
	}
	s.writeJSON(w, http.StatusAccepted, map[string]any{"started": id})
}

func (s *Server) handleRunning(w http.ResponseWriter, r *http.Request) {
	running := s.core.Running()
	s.writeJSON(w, http.StatusOK, map[string]any{"running": running, "count": len(running)})
}

func (s *Server) handleScheduled(w http.ResponseWriter, r *http.Request) {
	tasks, err := s.core.ScheduledTasks(r.Context())
	if err != nil {
		s.writeCoreError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]any{"scheduled": tasks, "count": len(tasks)})
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	report, err := s.core.Status(r.Context())
	if err != nil {
		s.writeCoreError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, report)
}

func (s *Server) handleWake(w http.ResponseWriter, r *http.Request) {
	s.core.Wake()
	s.writeJSON(w, http.StatusOK, map[string]any{"woken": true})
}

// ---- plumbing ----

func (s *Server) taskID(w http.ResponseWriter, r *http.Request) (int64, bool) {
	id, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil || id <= 0 {
		s.writeError(w, http.StatusBadRequest, errors.New("invalid task id"))
		return 0, false
	}
	return id, true
}

func decodeJSON(r *http.Request, v any) error {
	dec := json.NewDecoder(http.MaxBytesReader(nil, r.Body, 1<<20))
	dec.DisallowUnknownFields()
	return dec.Decode(v)
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.log.Debug("response write failed", logx.Err(err))
	}
}

func (s *Server) writeError(w http.ResponseWriter, status int, err error) {
	s.writeJSON(w, status, map[string]any{"error": err.Error()})
}

func (s *Server) writeCoreError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, ledger.ErrNotFound):
		s.writeError(w, http.StatusNotFound, err)
	case errors.Is(err, ledger.ErrTerminalStatus),
		errors.Is(err, ledger.ErrBadTransition),
		errors.Is(err, controller.ErrNotRunning):
		s.writeError(w, http.StatusConflict, err)
	default:
		s.writeError(w, http.StatusInternalServerError, err)
	}
}
