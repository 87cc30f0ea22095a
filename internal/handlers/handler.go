package handlers

import (
	"context"
	"fmt"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/ramiqadoumi/go-task-service/internal/domain"
)

// Handler executes the body of a claimed task. Failures are reported through
// the returned Outcome, never by panicking.
type Handler interface {
	Handle(ctx context.Context, task *domain.Task) domain.Outcome
}

// HandlerFunc adapts an ordinary function to Handler.
type HandlerFunc func(ctx context.Context, task *domain.Task) domain.Outcome

func (f HandlerFunc) Handle(ctx context.Context, task *domain.Task) domain.Outcome {
	return f(ctx, task)
}

const (
	DefaultDuration   = 2 * time.Second
	PlaceholderResult = "task completed successfully"
)

// Placeholder stands in for real work: it sleeps for Duration and succeeds.
type Placeholder struct {
	Duration time.Duration
}

func (p Placeholder) Handle(ctx context.Context, task *domain.Task) domain.Outcome {
	ctx, span := otel.Tracer("worker").Start(ctx, "handler.placeholder")
	defer span.End()
	span.SetAttributes(
		attribute.String("task.id", task.ID),
		attribute.String("task.priority", string(task.Priority)),
	)

	d := p.Duration
	if d <= 0 {
		d = DefaultDuration
	}
	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-timer.C:
		return domain.Succeeded(PlaceholderResult)
	case <-ctx.Done():
		span.SetStatus(codes.Error, "interrupted")
		return domain.Failed(fmt.Errorf("execution interrupted: %w", ctx.Err()))
	}
}

// Execute runs h and converts a panic into a failed Outcome.
func Execute(ctx context.Context, h Handler, task *domain.Task) (out domain.Outcome) {
	defer func() {
		if r := recover(); r != nil {
			out = domain.Failed(fmt.Errorf("handler panic: %v", r))
		}
	}()
	return h.Handle(ctx, task)
}
