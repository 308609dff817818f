package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/nidhogg/taskmesh/internal/orchestrator"
	"github.com/nidhogg/taskmesh/internal/store"
	"github.com/nidhogg/taskmesh/internal/task"
	"go.uber.org/zap"
)

const defaultAwaitTimeout = 30 * time.Second

// Handler holds dependencies for HTTP handlers.
type Handler struct {
	orch   *orchestrator.Orchestrator
	store  *store.Store
	logger *zap.Logger
}

// NewHandler creates a new API handler. The store may be nil when the
// service runs without an archive.
func NewHandler(orch *orchestrator.Orchestrator, st *store.Store, logger *zap.Logger) *Handler {
	return &Handler{orch: orch, store: st, logger: logger}
}

// Router builds the chi router with all routes.
func (h *Handler) Router() http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   []string{"*"},
		AllowedMethods:   []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type"},
		AllowCredentials: true,
	}))

	r.Route("/api", func(r chi.Router) {
		r.Get("/health", h.healthCheck)
		r.Get("/metrics", h.getMetrics)

		r.Post("/tasks", h.submitTask)
		r.Get("/tasks/{id}/result", h.getTaskResult)
		r.Get("/tasks/archive", h.listArchive)

		r.Get("/agents", h.listAgents)
		r.Get("/agents/{id}", h.getAgent)
	})

	return r
}

func (h *Handler) healthCheck(w http.ResponseWriter, r *http.Request) {
	if !h.orch.HealthCheck() {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "degraded"})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

type submitRequest struct {
	Type       string            `json:"type"`
	Input      map[string]any    `json:"input"`
	Priority   *int              `json:"priority,omitempty"`
	TimeoutMS  *int64            `json:"timeout_ms,omitempty"`
	MaxRetries *int              `json:"max_retries,omitempty"`
	Metadata   map[string]string `json:"metadata,omitempty"`
}

func (h *Handler) submitTask(w http.ResponseWriter, r *http.Request) {
	var req submitRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
		return
	}
	if req.Type == "" {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "type is required"})
		return
	}

	var opts []task.Option
	if req.Priority != nil {
		p := task.Priority(*req.Priority)
		if p < task.PriorityCritical || p > task.PriorityBackground {
			writeJSON(w, http.StatusBadRequest, map[string]string{"error": "priority must be between 1 and 5"})
			return
		}
		opts = append(opts, task.WithPriority(p))
	}
	if req.TimeoutMS != nil {
		if *req.TimeoutMS <= 0 {
			writeJSON(w, http.StatusBadRequest, map[string]string{"error": "timeout_ms must be positive"})
			return
		}
		opts = append(opts, task.WithTimeout(time.Duration(*req.TimeoutMS)*time.Millisecond))
	}
	if req.MaxRetries != nil {
		if *req.MaxRetries < 0 {
			writeJSON(w, http.StatusBadRequest, map[string]string{"error": "max_retries must not be negative"})
			return
		}
		opts = append(opts, task.WithMaxRetries(*req.MaxRetries))
	}
	if len(req.Metadata) > 0 {
		opts = append(opts, task.WithMetadata(req.Metadata))
	}

	id, err := h.orch.Submit(r.Context(), req.Type, req.Input, opts...)
	if err != nil {
		status := http.StatusInternalServerError
		if errors.Is(err, orchestrator.ErrQueueFull) {
			status = http.StatusTooManyRequests
		} else if errors.Is(err, orchestrator.ErrNotRunning) {
			status = http.StatusServiceUnavailable
		}
		writeJSON(w, status, map[string]string{"error": err.Error()})
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"task_id": id, "status": "queued"})
}

func (h *Handler) getTaskResult(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	timeout := defaultAwaitTimeout
	if raw := r.URL.Query().Get("timeout_ms"); raw != "" {
		ms, err := strconv.ParseInt(raw, 10, 64)
		if err != nil || ms <= 0 {
			writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid timeout_ms"})
			return
		}
		timeout = time.Duration(ms) * time.Millisecond
	}

	res, err := h.orch.AwaitResult(r.Context(), id, timeout)
	if err != nil {
		status := http.StatusInternalServerError
		if errors.Is(err, orchestrator.ErrAwaitTimeout) {
			status = http.StatusGatewayTimeout
		}
		writeJSON(w, status, map[string]string{"error": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (h *Handler) listArchive(w http.ResponseWriter, r *http.Request) {
	if h.store == nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"error": "archive not configured"})
		return
	}

	limit := 0
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid limit"})
			return
		}
		limit = n
	}

	tasks, err := h.store.ListArchivedTasks(r.Context(), limit)
	if err != nil {
		h.logger.Error("list archive failed", zap.Error(err))
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "archive query failed"})
		return
	}
	if tasks == nil {
		tasks = []store.ArchivedTask{}
	}
	writeJSON(w, http.StatusOK, tasks)
}

func (h *Handler) listAgents(w http.ResponseWriter, r *http.Request) {
	agents := h.orch.Agents()
	out := make([]any, 0, len(agents))
	for _, a := range agents {
		out = append(out, a.Snapshot())
	}
	writeJSON(w, http.StatusOK, out)
}

func (h *Handler) getAgent(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	a, ok := h.orch.Agent(id)
	if !ok {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "agent not found"})
		return
	}
	writeJSON(w, http.StatusOK, a.Snapshot())
}

func (h *Handler) getMetrics(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.orch.Metrics())
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}
