package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/seantiz/anvil/internal/engine"
	"github.com/seantiz/anvil/internal/hostexec"
	"github.com/seantiz/anvil/internal/model"
	"github.com/seantiz/anvil/internal/store"
)

const (
	defaultListLimit = 20
	maxListLimit     = 100
	maxBodySize      = 1 << 20 // 1 MB
)

// createTaskRequest is the JSON body for POST /v1/tasks.
type createTaskRequest struct {
	Kind          model.Kind        `json:"kind"`
	Units         []string          `json:"units"`
	Caller        string            `json:"caller"`
	Reason        string            `json:"reason"`
	PullImage     bool              `json:"pull_image"`
	Image         string            `json:"image"`
	UnitImages    map[string]string `json:"unit_images"`
	SkipUnchanged bool              `json:"skip_unchanged"`
}

// listTasksResponse wraps the paginated list response.
type listTasksResponse struct {
	Tasks  []*model.Task `json:"tasks"`
	Total  int           `json:"total"`
	Limit  int           `json:"limit"`
	Offset int           `json:"offset"`
}

// taskDetailResponse is a task with its full log.
type taskDetailResponse struct {
	Task *model.Task      `json:"task"`
	Log  []model.LogEntry `json:"log"`
}

// conflictResponse carries the unchanged task alongside the error.
type conflictResponse struct {
	Error string      `json:"error"`
	Task  *model.Task `json:"task"`
}

// controlResponse is the JSON response for stop and force-stop. Notice is
// set when the task was cancelled without an executor to signal.
type controlResponse struct {
	Task   *model.Task `json:"task"`
	Notice string      `json:"notice,omitempty"`
}

func (s *Server) handleCreateTask(w http.ResponseWriter, r *http.Request) {
	var req createTaskRequest
	r.Body = http.MaxBytesReader(w, r.Body, maxBodySize)
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}

	kind := req.Kind
	if kind == "" {
		kind = model.KindManual
	}
	if kind != model.KindManual && kind != model.KindMaintenance {
		s.writeError(w, http.StatusBadRequest, "kind must be manual or maintenance")
		return
	}

	caller := req.Caller
	if caller == "" {
		caller = r.RemoteAddr
	}
	t, err := s.engine.CreateAndDispatch(r.Context(), engine.Request{
		Kind:    kind,
		Trigger: model.Trigger{Source: "api", Caller: caller, Reason: req.Reason, Path: r.URL.Path},
		Units:   req.Units,
		Params: model.Params{
			PullImage:     req.PullImage || req.Image != "" || len(req.UnitImages) > 0,
			Image:         req.Image,
			SkipUnchanged: req.SkipUnchanged,
		},
		UnitImages: req.UnitImages,
	})
	if err != nil {
		s.writeTaskError(w, err, "create task")
		return
	}

	triggersAccepted.WithLabelValues(t.Trigger.Source).Inc()
	s.writeJSON(w, http.StatusAccepted, t)
}

func (s *Server) handleGetTask(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	snap, err := s.streamer.Snapshot(r.Context(), id)
	if err != nil {
		s.writeTaskError(w, err, "get task")
		return
	}

	s.writeJSON(w, http.StatusOK, taskDetailResponse{Task: snap.Task, Log: snap.Entries})
}

func (s *Server) handleListTasks(w http.ResponseWriter, r *http.Request) {
	limit := parseIntQuery(r, "limit", defaultListLimit)
	offset := parseIntQuery(r, "offset", 0)
	if limit <= 0 || limit > maxListLimit {
		limit = defaultListLimit
	}
	if offset < 0 {
		offset = 0
	}

	q := r.URL.Query()
	filter := store.TaskFilter{
		Status: model.Status(q.Get("status")),
		Kind:   model.Kind(q.Get("kind")),
		Unit:   q.Get("unit"),
		Limit:  limit,
		Offset: offset,
	}
	if filter.Status != "" && !filter.Status.Valid() {
		s.writeError(w, http.StatusBadRequest, "unknown status")
		return
	}
	if filter.Kind != "" && !filter.Kind.Valid() {
		s.writeError(w, http.StatusBadRequest, "unknown kind")
		return
	}

	tasks, total, err := s.store.ListTasks(r.Context(), filter)
	if err != nil {
		s.logger.Error("list tasks", "error", err)
		s.writeError(w, http.StatusInternalServerError, "failed to list tasks")
		return
	}
	if tasks == nil {
		tasks = []*model.Task{}
	}

	s.writeJSON(w, http.StatusOK, listTasksResponse{
		Tasks:  tasks,
		Total:  total,
		Limit:  limit,
		Offset: offset,
	})
}

func (s *Server) handleStopTask(w http.ResponseWriter, r *http.Request) {
	t, err := s.engine.Stop(r.Context(), chi.URLParam(r, "id"))
	s.writeControl(w, http.StatusAccepted, t, err, "stop task")
}

func (s *Server) handleForceStopTask(w http.ResponseWriter, r *http.Request) {
	t, err := s.engine.ForceStop(r.Context(), chi.URLParam(r, "id"))
	s.writeControl(w, http.StatusOK, t, err, "force stop task")
}

// writeControl writes the outcome of a stop or force stop.
func (s *Server) writeControl(w http.ResponseWriter, status int, t *model.Task, err error, op string) {
	switch {
	case errors.Is(err, engine.ErrAlreadyTerminal):
		s.writeJSON(w, http.StatusConflict, conflictResponse{Error: "task already " + string(t.Status), Task: t})
	case errors.Is(err, engine.ErrExecutorNotRunning):
		s.writeJSON(w, status, controlResponse{Task: t, Notice: err.Error()})
	case err != nil:
		s.writeTaskError(w, err, op)
	default:
		s.writeJSON(w, status, controlResponse{Task: t})
	}
}

func (s *Server) handleRetryTask(w http.ResponseWriter, r *http.Request) {
	t, err := s.engine.Retry(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.writeTaskError(w, err, "retry task")
		return
	}
	triggersAccepted.WithLabelValues("retry").Inc()
	s.writeJSON(w, http.StatusAccepted, t)
}

// writeTaskError maps engine and store errors to HTTP responses.
func (s *Server) writeTaskError(w http.ResponseWriter, err error, op string) {
	switch {
	case errors.Is(err, store.ErrNotFound):
		s.writeError(w, http.StatusNotFound, "task not found")
	case errors.Is(err, hostexec.ErrValidation), errors.Is(err, engine.ErrNoUnits):
		s.writeError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, engine.ErrNotTerminal):
		s.writeError(w, http.StatusConflict, "task is still active")
	default:
		s.logger.Error(op, "error", err)
		s.writeError(w, http.StatusInternalServerError, "failed to "+op)
	}
}

// writeJSON writes a JSON response with the given status code.
func (s *Server) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.logger.Error("encode response", "error", err)
	}
}

// writeError writes a JSON error response.
func (s *Server) writeError(w http.ResponseWriter, status int, message string) {
	s.writeJSON(w, status, map[string]string{"error": message})
}

// parseIntQuery parses an integer query parameter with a default value.
func parseIntQuery(r *http.Request, key string, defaultVal int) int {
	s := r.URL.Query().Get(key)
	if s == "" {
		return defaultVal
	}
	v, err := strconv.Atoi(s)
	if err != nil {
		return defaultVal
	}
	return v
}
