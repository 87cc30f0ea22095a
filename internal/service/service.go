// Package service implements the task operations exposed over HTTP. It owns
// input validation and the cancellation path; dispatching is delegated.
package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"reflect"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"

	"github.com/ramiqadoumi/go-task-service/internal/domain"
	"github.com/ramiqadoumi/go-task-service/internal/postgres"
)

// Dispatcher hands a NEW task to the queue.
type Dispatcher interface {
	Dispatch(ctx context.Context, task *domain.Task) (*domain.Task, error)
}

// CreateInput is the client-supplied part of a new task.
type CreateInput struct {
	Title       string `json:"title" validate:"required,max=255"`
	Description string `json:"description" validate:"max=10000"`
	Priority    string `json:"priority" validate:"omitempty,oneof=LOW MEDIUM HIGH"`
}

type TaskService struct {
	repo       postgres.TaskRepository
	dispatcher Dispatcher
	validate   *validator.Validate
	logger     *slog.Logger
	now        func() time.Time
}

func New(repo postgres.TaskRepository, dispatcher Dispatcher, logger *slog.Logger) *TaskService {
	v := validator.New()
	v.RegisterTagNameFunc(func(f reflect.StructField) string {
		name, _, _ := strings.Cut(f.Tag.Get("json"), ",")
		if name == "-" {
			return ""
		}
		return name
	})
	return &TaskService{
		repo:       repo,
		dispatcher: dispatcher,
		validate:   v,
		logger:     logger,
		now:        time.Now,
	}
}

// Create persists a NEW task and dispatches it. When dispatching fails the
// persisted task is returned together with the DispatchError.
func (s *TaskService) Create(ctx context.Context, in CreateInput) (*domain.Task, error) {
	in.Title = strings.TrimSpace(in.Title)
	in.Priority = strings.ToUpper(strings.TrimSpace(in.Priority))
	if err := s.validate.Struct(in); err != nil {
		return nil, toValidationError(err)
	}

	priority := domain.PriorityMedium
	if in.Priority != "" {
		priority = domain.Priority(in.Priority)
	}
	task := &domain.Task{
		ID:          uuid.New().String(),
		CreatedAt:   s.now().UTC(),
		Title:       in.Title,
		Description: in.Description,
		Priority:    priority,
		Status:      domain.StatusNew,
	}
	if err := s.repo.Create(ctx, task); err != nil {
		return nil, err
	}
	s.logger.Info("task created",
		slog.String("task_id", task.ID),
		slog.String("priority", string(task.Priority)),
	)

	dispatched, err := s.dispatcher.Dispatch(ctx, task)
	if err != nil {
		return task, err
	}
	return dispatched, nil
}

func (s *TaskService) Get(ctx context.Context, id string) (*domain.Task, error) {
	if err := validateID(id); err != nil {
		return nil, err
	}
	return s.repo.GetByID(ctx, id)
}

func (s *TaskService) List(ctx context.Context, filter domain.ListFilter, page domain.Page) ([]*domain.Task, error) {
	if filter.Priority != "" && !filter.Priority.Valid() {
		return nil, &domain.ValidationError{Field: "priority", Reason: "unknown priority " + string(filter.Priority)}
	}
	if filter.Status != "" && !filter.Status.Valid() {
		return nil, &domain.ValidationError{Field: "status", Reason: "unknown status " + string(filter.Status)}
	}
	return s.repo.List(ctx, filter, page.Normalize())
}

// Cancel moves a NEW or PENDING task to CANCELLED. Tasks a worker has
// already claimed cannot be cancelled; the error carries the status that
// prevented it, including when a concurrent claim wins the race.
func (s *TaskService) Cancel(ctx context.Context, id string) (*domain.Task, error) {
	if err := validateID(id); err != nil {
		return nil, err
	}
	task, err := s.repo.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}
	if !domain.CanCancel(task.Status) {
		return nil, &domain.IllegalTransitionError{TaskID: id, From: task.Status, To: domain.StatusCancelled}
	}

	cancelled, err := s.repo.Apply(ctx, id, domain.Cancel(task.Status))
	if err != nil {
		return nil, err
	}
	s.logger.Info("task cancelled",
		slog.String("task_id", id),
		slog.String("from", string(task.Status)),
	)
	return cancelled, nil
}

// Redispatch re-publishes a task that is still NEW.
func (s *TaskService) Redispatch(ctx context.Context, id string) (*domain.Task, error) {
	task, err := s.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	return s.dispatcher.Dispatch(ctx, task)
}

func validateID(id string) error {
	if _, err := uuid.Parse(id); err != nil {
		return &domain.ValidationError{Field: "id", Reason: "must be a UUID"}
	}
	return nil
}

func toValidationError(err error) error {
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) || len(verrs) == 0 {
		return &domain.ValidationError{Reason: err.Error()}
	}
	fe := verrs[0]
	var reason string
	switch fe.Tag() {
	case "required":
		reason = "is required"
	case "max":
		reason = fmt.Sprintf("must be at most %s characters", fe.Param())
	case "oneof":
		reason = "must be one of " + fe.Param()
	default:
		reason = "failed " + fe.Tag() + " check"
	}
	return &domain.ValidationError{Field: fe.Field(), Reason: reason}
}
