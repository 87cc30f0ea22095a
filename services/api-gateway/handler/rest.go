package handler

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/ramiqadoumi/go-task-service/internal/domain"
	redisstore "github.com/ramiqadoumi/go-task-service/internal/redis"
	"github.com/ramiqadoumi/go-task-service/internal/service"
	"github.com/ramiqadoumi/go-task-service/pkg/telemetry"
)

// TaskService is the task API the handlers drive.
type TaskService interface {
	Create(ctx context.Context, in service.CreateInput) (*domain.Task, error)
	Get(ctx context.Context, id string) (*domain.Task, error)
	List(ctx context.Context, filter domain.ListFilter, page domain.Page) ([]*domain.Task, error)
	Cancel(ctx context.Context, id string) (*domain.Task, error)
	Redispatch(ctx context.Context, id string) (*domain.Task, error)
}

// REST handles HTTP requests for the API Gateway.
type REST struct {
	tasks   TaskService
	limiter redisstore.RateLimiter // nil = disabled
	ready   telemetry.ReadyFunc
	logger  *slog.Logger
}

// NewREST creates a new REST handler. limiter and ready may be nil.
func NewREST(tasks TaskService, limiter redisstore.RateLimiter, ready telemetry.ReadyFunc, logger *slog.Logger) *REST {
	return &REST{tasks: tasks, limiter: limiter, ready: ready, logger: logger}
}

// Routes mounts the task API on r.
func (h *REST) Routes(r chi.Router) {
	r.Get("/healthz", h.Healthz)
	r.Get("/readyz", h.Readyz)
	r.Route("/api/v1/tasks", func(r chi.Router) {
		r.Post("/", h.CreateTask)
		r.Get("/", h.ListTasks)
		r.Get("/{id}", h.GetTask)
		r.Get("/{id}/status", h.GetTaskStatus)
		r.Delete("/{id}", h.CancelTask)
		r.Post("/{id}/dispatch", h.DispatchTask)
	})
}

// TaskStatusResponse is the GET /tasks/{id}/status response body.
type TaskStatusResponse struct {
	ID     string        `json:"id"`
	Status domain.Status `json:"status"`
}

// TaskCancelResponse is the DELETE /tasks/{id} response body.
type TaskCancelResponse struct {
	ID        string        `json:"id"`
	NewStatus domain.Status `json:"new_status"`
}

// DispatchFailedResponse is returned with 503 when the task was stored but
// could not be queued.
type DispatchFailedResponse struct {
	Error string       `json:"error"`
	Task  *domain.Task `json:"task"`
}

// CreateTask handles POST /api/v1/tasks.
func (h *REST) CreateTask(w http.ResponseWriter, r *http.Request) {
	ctx, span := otel.Tracer("api-gateway").Start(r.Context(), "api_gateway.create_task")
	defer span.End()

	var in service.CreateInput
	if err := json.NewDecoder(r.Body).Decode(&in); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	if !h.allow(ctx, w, in.Priority) {
		span.SetStatus(codes.Error, "rate limited")
		return
	}

	task, err := h.tasks.Create(ctx, in)
	var dispatchErr *domain.DispatchError
	switch {
	case err == nil:
	case errors.As(err, &dispatchErr) && task != nil:
		span.RecordError(err)
		span.SetStatus(codes.Error, "dispatch failed")
		h.logger.Error("task stored but not dispatched",
			slog.String("task_id", task.ID),
			slog.String("error", err.Error()),
		)
		writeJSON(w, http.StatusServiceUnavailable, DispatchFailedResponse{Error: "task could not be queued", Task: task})
		return
	default:
		h.writeDomainError(w, err, "")
		return
	}

	span.SetAttributes(
		attribute.String("task.id", task.ID),
		attribute.String("task.priority", string(task.Priority)),
	)
	telemetry.APITasksCreated.WithLabelValues(string(task.Priority)).Inc()
	writeJSON(w, http.StatusCreated, task)
}

// allow applies the per-priority create limit. Limiter failures let the
// request through.
func (h *REST) allow(ctx context.Context, w http.ResponseWriter, rawPriority string) bool {
	if h.limiter == nil {
		return true
	}
	key := strings.ToUpper(strings.TrimSpace(rawPriority))
	if key == "" {
		key = string(domain.PriorityMedium)
	}
	d, err := h.limiter.Allow(ctx, key)
	if err != nil {
		h.logger.Error("rate limiter error", slog.String("error", err.Error()))
		return true
	}
	if d.Allowed {
		return true
	}
	telemetry.APIRateLimitedTotal.WithLabelValues(key).Inc()
	w.Header().Set("Retry-After", strconv.Itoa(int(d.RetryAfter.Seconds()+0.5)))
	writeError(w, http.StatusTooManyRequests, "rate limit exceeded")
	return false
}

// ListTasks handles GET /api/v1/tasks.
func (h *REST) ListTasks(w http.ResponseWriter, r *http.Request) {
	filter, page, err := parseListQuery(r.URL.Query())
	if err != nil {
		h.writeDomainError(w, err, "")
		return
	}
	tasks, err := h.tasks.List(r.Context(), filter, page)
	if err != nil {
		h.writeDomainError(w, err, "")
		return
	}
	if tasks == nil {
		tasks = []*domain.Task{}
	}
	writeJSON(w, http.StatusOK, tasks)
}

// GetTask handles GET /api/v1/tasks/{id}.
func (h *REST) GetTask(w http.ResponseWriter, r *http.Request) {
	task, err := h.tasks.Get(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		h.writeDomainError(w, err, "")
		return
	}
	writeJSON(w, http.StatusOK, task)
}

// GetTaskStatus handles GET /api/v1/tasks/{id}/status.
func (h *REST) GetTaskStatus(w http.ResponseWriter, r *http.Request) {
	task, err := h.tasks.Get(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		h.writeDomainError(w, err, "")
		return
	}
	writeJSON(w, http.StatusOK, TaskStatusResponse{ID: task.ID, Status: task.Status})
}

// CancelTask handles DELETE /api/v1/tasks/{id}.
func (h *REST) CancelTask(w http.ResponseWriter, r *http.Request) {
	task, err := h.tasks.Cancel(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		h.writeDomainError(w, err, "task cannot be cancelled")
		return
	}
	telemetry.APITasksCancelled.Inc()
	writeJSON(w, http.StatusOK, TaskCancelResponse{ID: task.ID, NewStatus: task.Status})
}

// DispatchTask handles POST /api/v1/tasks/{id}/dispatch for tasks left NEW
// by a failed publish.
func (h *REST) DispatchTask(w http.ResponseWriter, r *http.Request) {
	task, err := h.tasks.Redispatch(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		h.writeDomainError(w, err, "task cannot be dispatched")
		return
	}
	writeJSON(w, http.StatusOK, task)
}

// Healthz handles GET /healthz.
func (h *REST) Healthz(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// Readyz handles GET /readyz.
func (h *REST) Readyz(w http.ResponseWriter, r *http.Request) {
	if h.ready != nil {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()
		if err := h.ready(ctx); err != nil {
			h.logger.Warn("not ready", slog.String("error", err.Error()))
			writeError(w, http.StatusServiceUnavailable, "not ready")
			return
		}
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
}

// writeDomainError maps the domain error taxonomy onto HTTP statuses.
// transitionMsg replaces the message of an IllegalTransitionError when set.
func (h *REST) writeDomainError(w http.ResponseWriter, err error, transitionMsg string) {
	var (
		validation *domain.ValidationError
		notFound   *domain.TaskNotFoundError
		illegal    *domain.IllegalTransitionError
		dispatch   *domain.DispatchError
	)
	switch {
	case errors.As(err, &validation):
		writeError(w, http.StatusBadRequest, validation.Error())
	case errors.As(err, &notFound):
		writeError(w, http.StatusNotFound, "task not found")
	case errors.As(err, &illegal):
		msg := illegal.Error()
		if transitionMsg != "" {
			msg = transitionMsg
		}
		writeError(w, http.StatusBadRequest, msg)
	case errors.As(err, &dispatch):
		writeError(w, http.StatusServiceUnavailable, "task could not be queued")
	default:
		h.logger.Error("request failed", slog.String("error", err.Error()))
		writeError(w, http.StatusInternalServerError, "internal error")
	}
}

func parseListQuery(q url.Values) (domain.ListFilter, domain.Page, error) {
	var (
		f    domain.ListFilter
		page domain.Page
		err  error
	)
	f.Title = strings.TrimSpace(q.Get("title"))
	if v := q.Get("priority"); v != "" {
		if f.Priority, err = domain.ParsePriority(v); err != nil {
			return f, page, err
		}
	}
	if v := q.Get("status"); v != "" {
		if f.Status, err = domain.ParseStatus(v); err != nil {
			return f, page, err
		}
	}
	for name, dst := range map[string]**time.Time{
		"started_after":    &f.StartedAfter,
		"started_before":   &f.StartedBefore,
		"completed_after":  &f.CompletedAfter,
		"completed_before": &f.CompletedBefore,
	} {
		v := q.Get(name)
		if v == "" {
			continue
		}
		ts, perr := time.Parse(time.RFC3339, v)
		if perr != nil {
			return f, page, &domain.ValidationError{Field: name, Reason: "must be an RFC 3339 timestamp"}
		}
		*dst = &ts
	}
	if page.Number, err = intParam(q, "page_number"); err != nil {
		return f, page, err
	}
	if page.Size, err = intParam(q, "page_size"); err != nil {
		return f, page, err
	}
	if page.Size > domain.MaxPageSize {
		return f, page, &domain.ValidationError{Field: "page_size", Reason: "must be at most " + strconv.Itoa(domain.MaxPageSize)}
	}
	return f, page, nil
}

func intParam(q url.Values, name string) (int, error) {
	v := q.Get(name)
	if v == "" {
		return 0, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil || n < 1 {
		return 0, &domain.ValidationError{Field: name, Reason: "must be a positive integer"}
	}
	return n, nil
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, code int, msg string) {
	writeJSON(w, code, map[string]string{"error": msg})
}
