package api

import (
	"encoding/json"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"

	"github.com/edusuite/coursescan/internal/config"
	"github.com/edusuite/coursescan/internal/ratelimit"
	"github.com/edusuite/coursescan/internal/task"
)

// TaskHandler serves the task lifecycle endpoints.
type TaskHandler struct {
	engine   *task.Engine
	registry *task.Registry
	limiter  *ratelimit.Limiter
	rlCfg    config.RateLimitConfig
	validate *validator.Validate
	logger   *slog.Logger
}

// NewTaskHandler creates the handler for task and limit endpoints.
func NewTaskHandler(engine *task.Engine, registry *task.Registry, limiter *ratelimit.Limiter, rlCfg config.RateLimitConfig, logger *slog.Logger) *TaskHandler {
	return &TaskHandler{
		engine:   engine,
		registry: registry,
		limiter:  limiter,
		rlCfg:    rlCfg,
		validate: validator.New(),
		logger:   logger.With("component", "task_handler"),
	}
}

// Submit handles POST /api/tasks. The task runs asynchronously; the
// response carries the id to poll or subscribe with.
func (h *TaskHandler) Submit(w http.ResponseWriter, r *http.Request) {
	var req SubmitTaskRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		RespondWithError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if err := h.validate.Struct(req); err != nil {
		h.logger.Debug("task submission rejected", "error", err)
		RespondWithError(w, http.StatusBadRequest, "request validation failed: "+err.Error())
		return
	}

	if _, ok := h.registry.Get(req.Type); !ok {
		RespondWithError(w, http.StatusBadRequest, "unknown task type: "+req.Type)
		return
	}

	handle, err := h.engine.Submit(req.Config())
	if err != nil {
		h.logger.Error("task submission failed", "error", err)
		RespondWithError(w, http.StatusServiceUnavailable, "task engine unavailable")
		return
	}

	snap, _ := handle.Snapshot()
	RespondWithJSON(w, http.StatusAccepted, NewTaskResponse(snap))
}

// Get handles GET /api/tasks/{id}.
func (h *TaskHandler) Get(w http.ResponseWriter, r *http.Request) {
	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		RespondWithError(w, http.StatusBadRequest, "invalid task id")
		return
	}

	snap, ok := h.engine.Get(id)
	if !ok {
		RespondWithError(w, http.StatusNotFound, "task not found")
		return
	}
	RespondWithJSON(w, http.StatusOK, NewTaskResponse(snap))
}

// List handles GET /api/tasks with optional status and principal filters.
func (h *TaskHandler) List(w http.ResponseWriter, r *http.Request) {
	statusFilter := r.URL.Query().Get("status")
	principalFilter := r.URL.Query().Get("principal")

	out := make([]TaskResponse, 0)
	for _, snap := range h.engine.List() {
		if statusFilter != "" && string(snap.Status) != statusFilter {
			continue
		}
		if principalFilter != "" && snap.Principal != principalFilter {
			continue
		}
		out = append(out, NewTaskResponse(snap))
	}
	RespondWithJSON(w, http.StatusOK, out)
}

// Cancel handles DELETE /api/tasks/{id}. Cancellation is cooperative:
// accepted means requested, not yet stopped.
func (h *TaskHandler) Cancel(w http.ResponseWriter, r *http.Request) {
	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		RespondWithError(w, http.StatusBadRequest, "invalid task id")
		return
	}

	snap, ok := h.engine.Get(id)
	if !ok {
		RespondWithError(w, http.StatusNotFound, "task not found")
		return
	}
	if snap.Status.Terminal() {
		RespondWithError(w, http.StatusConflict, "task already finished")
		return
	}

	cancelled := h.engine.Cancel(id)
	RespondWithJSON(w, http.StatusAccepted, CancelResponse{ID: id.String(), Cancelled: cancelled})
}

// ListTypes handles GET /api/task-types.
func (h *TaskHandler) ListTypes(w http.ResponseWriter, r *http.Request) {
	RespondWithJSON(w, http.StatusOK, h.registry.List())
}

// GetLimits handles GET /api/limits/{principal}.
func (h *TaskHandler) GetLimits(w http.ResponseWriter, r *http.Request) {
	principal := chi.URLParam(r, "principal")
	if principal == "" {
		RespondWithError(w, http.StatusBadRequest, "principal is required")
		return
	}

	usage, err := h.limiter.Stats(r.Context(), principal)
	if err != nil {
		h.logger.Warn("rate limit store unavailable", "error", err)
		RespondWithError(w, http.StatusServiceUnavailable, "rate limit store unavailable")
		return
	}

	RespondWithJSON(w, http.StatusOK, LimitsResponse{
		Principal:         principal,
		Usage:             usage,
		RequestsPerMinute: h.rlCfg.RequestsPerMinute,
		RequestsPerHour:   h.rlCfg.RequestsPerHour,
		OptimalBatchSize:  h.limiter.OptimalBatchSize(r.Context(), principal),
	})
}

// Healthz handles GET /healthz.
func (h *TaskHandler) Healthz(w http.ResponseWriter, r *http.Request) {
	if err := h.limiter.Ping(r.Context()); err != nil {
		RespondWithJSON(w, http.StatusServiceUnavailable, map[string]string{
			"status": "degraded",
			"reason": "rate limit store unreachable",
		})
		return
	}
	RespondWithJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}
