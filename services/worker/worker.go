package worker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/ramiqadoumi/go-task-service/internal/domain"
	"github.com/ramiqadoumi/go-task-service/internal/handlers"
	"github.com/ramiqadoumi/go-task-service/internal/kafka"
	"github.com/ramiqadoumi/go-task-service/internal/postgres"
	redisstore "github.com/ramiqadoumi/go-task-service/internal/redis"
	"github.com/ramiqadoumi/go-task-service/pkg/retry"
	"github.com/ramiqadoumi/go-task-service/pkg/telemetry"
)

// Reject reasons, recorded on the dead-letter message and in metrics.
const (
	ReasonMalformed       = "malformed message"
	ReasonRedelivery      = "redelivery limit exceeded"
	ReasonNotEnqueued     = "task not enqueued"
	ReasonExecutionFailed = "execution failed"
	ReasonStatusWrite     = "terminal status write failed"
)

const settleTimeout = 10 * time.Second

type action int

const (
	actionAck action = iota
	actionReject
	actionRequeue
)

// verdict says how a claimed message must be settled.
type verdict struct {
	action  action
	reason  string // reject reason
	outcome string // metric label
}

func ack(outcome string) verdict   { return verdict{action: actionAck, outcome: outcome} }
func reject(reason string) verdict { return verdict{action: actionReject, reason: reason, outcome: "rejected"} }
func requeue() verdict             { return verdict{action: actionRequeue, outcome: "requeued"} }
func failed(reason string) verdict { return verdict{action: actionReject, reason: reason, outcome: "failed"} }

// Worker claims dispatch messages one at a time and drives each task from
// PENDING to a terminal status.
type Worker struct {
	consumer      kafka.Consumer
	repo          postgres.TaskRepository
	deliveries    redisstore.DeliveryCounter // nil = unbounded redelivery
	handler       handlers.Handler
	workerID      string
	maxDeliveries int
	timeout       time.Duration
	baseDelay     time.Duration
	storeAttempts int
	logger        *slog.Logger
	now           func() time.Time
}

// Option configures a Worker.
type Option func(*Worker)

func WithTimeout(d time.Duration) Option   { return func(w *Worker) { w.timeout = d } }
func WithLogger(l *slog.Logger) Option     { return func(w *Worker) { w.logger = l } }
func WithBaseDelay(d time.Duration) Option { return func(w *Worker) { w.baseDelay = d } }
func WithMaxDeliveries(n int) Option       { return func(w *Worker) { w.maxDeliveries = n } }
func WithStoreAttempts(n int) Option       { return func(w *Worker) { w.storeAttempts = n } }

// WithDeliveryCounter bounds redelivery of a task's messages to maxDeliveries.
func WithDeliveryCounter(c redisstore.DeliveryCounter) Option {
	return func(w *Worker) { w.deliveries = c }
}

// NewWorker constructs a Worker with the given dependencies and options.
func NewWorker(
	workerID string,
	consumer kafka.Consumer,
	repo postgres.TaskRepository,
	handler handlers.Handler,
	opts ...Option,
) *Worker {
	w := &Worker{
		workerID:      workerID,
		consumer:      consumer,
		repo:          repo,
		handler:       handler,
		maxDeliveries: 5,
		timeout:       30 * time.Second,
		baseDelay:     time.Second,
		storeAttempts: 3,
		logger:        slog.Default(),
		now:           time.Now,
	}
	for _, opt := range opts {
		opt(w)
	}
	return w
}

// Run declares the queue, then claims and settles messages until ctx is
// cancelled. The message being processed when ctx is cancelled is finished
// first.
func (w *Worker) Run(ctx context.Context) error {
	if err := w.consumer.Declare(ctx); err != nil {
		return fmt.Errorf("declare queue: %w", err)
	}

	for {
		msg, err := w.consumer.Claim(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			w.logger.Error("claim failed, reconnecting", slog.String("error", err.Error()))
			if rerr := w.consumer.Reconnect(); rerr != nil {
				w.logger.Error("reconnect failed", slog.String("error", rerr.Error()))
			}
			select {
			case <-time.After(w.baseDelay):
			case <-ctx.Done():
				return nil
			}
			continue
		}
		w.handleMessage(ctx, msg)
	}
}

// handleMessage processes one claimed message and settles it exactly once.
func (w *Worker) handleMessage(ctx context.Context, msg kafka.Message) {
	ctx, span := otel.Tracer("worker").Start(msg.TraceContext(ctx), "worker.process_task")
	defer span.End()
	span.SetAttributes(
		attribute.String("worker.id", w.workerID),
		attribute.String("messaging.destination", msg.Topic),
		attribute.Int64("messaging.offset", msg.Offset),
	)

	log := w.logger.With(
		slog.String("topic", msg.Topic),
		slog.Int64("offset", msg.Offset),
	)

	v := w.process(ctx, msg, log)
	if v.action == actionReject {
		span.SetStatus(codes.Error, v.reason)
	}
	w.settle(ctx, msg, v, log)
}

func (w *Worker) process(ctx context.Context, msg kafka.Message, log *slog.Logger) verdict {
	dm, err := domain.DecodeDispatchMessage(msg.Value)
	if err != nil {
		log.Error("malformed dispatch message", slog.String("error", err.Error()))
		return reject(ReasonMalformed)
	}
	log = log.With(slog.String("task_id", dm.TaskID))
	trace.SpanFromContext(ctx).SetAttributes(attribute.String("task.id", dm.TaskID))

	if w.overDeliveryLimit(ctx, dm.TaskID, log) {
		return reject(ReasonRedelivery)
	}

	task, err := w.fetch(ctx, dm.TaskID)
	if err != nil {
		var notFound *domain.TaskNotFoundError
		if errors.As(err, &notFound) {
			log.Warn("task not found, dropping message")
			return ack("skipped")
		}
		log.Error("task lookup failed, requeueing", slog.String("error", err.Error()))
		return requeue()
	}

	switch task.Status {
	case domain.StatusCancelled:
		log.Info("task cancelled, skipping")
		return ack("skipped")
	case domain.StatusNew:
		// The message can arrive before the dispatcher's PENDING write lands.
		task, err = w.awaitEnqueued(ctx, dm.TaskID)
		var notFound *domain.TaskNotFoundError
		switch {
		case errors.Is(err, errStillNew):
			log.Warn("task still NEW, rejecting message")
			return reject(ReasonNotEnqueued)
		case errors.As(err, &notFound):
			log.Warn("task not found, dropping message")
			return ack("skipped")
		case err != nil:
			log.Error("task lookup failed while waiting for PENDING, requeueing", slog.String("error", err.Error()))
			return requeue()
		}
		if task.Status == domain.StatusCancelled {
			log.Info("task cancelled, skipping")
			return ack("skipped")
		}
	}

	claimed, err := w.repo.Apply(ctx, task.ID, domain.Claim(w.now()))
	if err != nil {
		var illegal *domain.IllegalTransitionError
		var notFound *domain.TaskNotFoundError
		if errors.As(err, &illegal) || errors.As(err, &notFound) {
			log.Info("task not claimable, skipping", slog.String("error", err.Error()))
			return ack("skipped")
		}
		log.Error("claim write failed, requeueing", slog.String("error", err.Error()))
		return requeue()
	}

	return w.execute(ctx, claimed, log)
}

// execute runs the task body and records its terminal status.
func (w *Worker) execute(ctx context.Context, task *domain.Task, log *slog.Logger) verdict {
	telemetry.WorkerTasksInFlight.Inc()
	defer telemetry.WorkerTasksInFlight.Dec()

	// The timeout is independent of worker shutdown; spans stay parented here.
	execCtx, cancel := context.WithTimeout(
		trace.ContextWithSpan(context.Background(), trace.SpanFromContext(ctx)),
		w.timeout,
	)
	start := time.Now()
	out := handlers.Execute(execCtx, w.handler, task)
	cancel()
	elapsed := time.Since(start)
	telemetry.WorkerTaskDurationSeconds.WithLabelValues(string(task.Priority)).Observe(elapsed.Seconds())

	// The outcome must be recorded even when shutdown has begun.
	writeCtx := context.WithoutCancel(ctx)
	change := out.Change(w.now())
	err := retry.Do(writeCtx, retry.Config{
		MaxAttempts: w.storeAttempts,
		BaseDelay:   w.baseDelay,
	}, func() error {
		_, applyErr := w.repo.Apply(writeCtx, task.ID, change)
		var illegal *domain.IllegalTransitionError
		if errors.As(applyErr, &illegal) {
			return retry.Permanent(applyErr)
		}
		return applyErr
	})
	if err != nil {
		log.Error("terminal status write failed, task left IN_PROGRESS",
			slog.String("target", string(change.To)),
			slog.String("error", err.Error()),
		)
		return reject(ReasonStatusWrite)
	}
	w.forget(writeCtx, task.ID, log)

	if !out.OK() {
		log.Warn("task failed",
			slog.Int64("duration_ms", elapsed.Milliseconds()),
			slog.String("error", out.Err.Error()),
		)
		trace.SpanFromContext(ctx).RecordError(out.Err)
		return failed(ReasonExecutionFailed)
	}
	log.Info("task completed", slog.Int64("duration_ms", elapsed.Milliseconds()))
	return ack("completed")
}

// settle acknowledges, rejects or requeues msg on a context that survives
// shutdown so the final verdict is not lost.
func (w *Worker) settle(ctx context.Context, msg kafka.Message, v verdict, log *slog.Logger) {
	settleCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), settleTimeout)
	defer cancel()

	var err error
	switch v.action {
	case actionAck:
		err = w.consumer.Ack(settleCtx, msg)
	case actionReject:
		telemetry.WorkerRejectedTotal.WithLabelValues(v.reason).Inc()
		err = w.consumer.Reject(settleCtx, msg, v.reason)
	case actionRequeue:
		telemetry.WorkerRequeuedTotal.Inc()
		err = w.consumer.Requeue(settleCtx, msg)
	}
	telemetry.WorkerTasksProcessed.WithLabelValues(v.outcome).Inc()

	if err != nil {
		// A later commit on the partition would cover this offset. Restart
		// the readers from the last committed offset so the message is
		// fetched again; the claim guard absorbs the repeat.
		telemetry.WorkerAckFailuresTotal.Inc()
		log.Error("failed to settle message, reconnecting", slog.String("outcome", v.outcome), slog.String("error", err.Error()))
		if rerr := w.consumer.Reconnect(); rerr != nil {
			log.Error("reconnect failed", slog.String("error", rerr.Error()))
		}
	}
}

func (w *Worker) overDeliveryLimit(ctx context.Context, taskID string, log *slog.Logger) bool {
	if w.deliveries == nil || w.maxDeliveries <= 0 {
		return false
	}
	n, err := w.deliveries.Record(ctx, taskID)
	if err != nil {
		log.Warn("delivery counter unavailable, continuing", slog.String("error", err.Error()))
		return false
	}
	if n > int64(w.maxDeliveries) {
		log.Error("redelivery limit exceeded",
			slog.Int64("deliveries", n),
			slog.Int("max_deliveries", w.maxDeliveries),
		)
		return true
	}
	return false
}

func (w *Worker) forget(ctx context.Context, taskID string, log *slog.Logger) {
	if w.deliveries == nil {
		return
	}
	if err := w.deliveries.Clear(ctx, taskID); err != nil {
		log.Warn("failed to clear delivery count", slog.String("error", err.Error()))
	}
}

// fetch reads the task, retrying transient store errors.
func (w *Worker) fetch(ctx context.Context, id string) (*domain.Task, error) {
	var task *domain.Task
	err := retry.Do(ctx, retry.Config{MaxAttempts: w.storeAttempts, BaseDelay: w.baseDelay}, func() error {
		var err error
		task, err = w.repo.GetByID(ctx, id)
		var notFound *domain.TaskNotFoundError
		if errors.As(err, &notFound) {
			return retry.Permanent(err)
		}
		return err
	})
	return task, err
}

var errStillNew = errors.New("task still NEW")

// awaitEnqueued re-reads a NEW task with backoff until the dispatcher's
// PENDING write becomes visible. It returns errStillNew only when the last
// read saw NEW; a failed last read returns the store error.
func (w *Worker) awaitEnqueued(ctx context.Context, id string) (*domain.Task, error) {
	var task *domain.Task
	err := retry.Do(ctx, retry.Config{MaxAttempts: w.storeAttempts, BaseDelay: w.baseDelay}, func() error {
		var err error
		task, err = w.repo.GetByID(ctx, id)
		var notFound *domain.TaskNotFoundError
		if errors.As(err, &notFound) {
			return retry.Permanent(err)
		}
		if err != nil {
			return err
		}
		if task.Status == domain.StatusNew {
			return errStillNew
		}
		return nil
	})
	return task, err
}
