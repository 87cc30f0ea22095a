package dispatcher

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/ramiqadoumi/go-task-service/internal/domain"
	"github.com/ramiqadoumi/go-task-service/internal/kafka"
	"github.com/ramiqadoumi/go-task-service/internal/postgres"
	redisstore "github.com/ramiqadoumi/go-task-service/internal/redis"
	"github.com/ramiqadoumi/go-task-service/pkg/retry"
	"github.com/ramiqadoumi/go-task-service/pkg/telemetry"
)

// Dispatcher hands NEW tasks to the priority queue and marks them PENDING.
type Dispatcher struct {
	producer        kafka.Producer
	repo            postgres.TaskRepository
	deliveries      redisstore.DeliveryCounter // nil = not tracked
	publishAttempts int
	statusAttempts  int
	baseDelay       time.Duration
	logger          *slog.Logger
}

// Option configures a Dispatcher.
type Option func(*Dispatcher)

func WithLogger(l *slog.Logger) Option         { return func(d *Dispatcher) { d.logger = l } }
func WithPublishAttempts(n int) Option         { return func(d *Dispatcher) { d.publishAttempts = n } }
func WithStatusAttempts(n int) Option          { return func(d *Dispatcher) { d.statusAttempts = n } }
func WithBaseDelay(delay time.Duration) Option { return func(d *Dispatcher) { d.baseDelay = delay } }

// WithDeliveryCounter resets a task's worker delivery count each time it is
// marked PENDING, so deliveries before a re-dispatch do not count against
// the worker's limit.
func WithDeliveryCounter(c redisstore.DeliveryCounter) Option {
	return func(d *Dispatcher) { d.deliveries = c }
}

func NewDispatcher(producer kafka.Producer, repo postgres.TaskRepository, opts ...Option) *Dispatcher {
	d := &Dispatcher{
		producer:        producer,
		repo:            repo,
		publishAttempts: 2,
		statusAttempts:  3,
		baseDelay:       200 * time.Millisecond,
		logger:          slog.Default(),
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// Dispatch publishes a dispatch message for task and moves it NEW → PENDING.
//
// A publish failure leaves the task NEW and returns a DispatchError with
// StagePublish. If the task was cancelled between publish and the status
// write, the cancelled task is returned without error; the worker will skip
// the message. A status write that committed but reported an error is
// detected on the next attempt and also returns the stored task.
func (d *Dispatcher) Dispatch(ctx context.Context, task *domain.Task) (*domain.Task, error) {
	ctx, span := otel.Tracer("dispatcher").Start(ctx, "dispatcher.dispatch")
	defer span.End()
	span.SetAttributes(
		attribute.String("task.id", task.ID),
		attribute.String("task.priority", string(task.Priority)),
	)

	log := d.logger.With(
		slog.String("task_id", task.ID),
		slog.String("priority", string(task.Priority)),
	)

	if task.Status != domain.StatusNew {
		return nil, &domain.IllegalTransitionError{TaskID: task.ID, From: task.Status, To: domain.StatusPending}
	}

	payload, err := domain.NewDispatchMessage(task).Encode()
	if err != nil {
		return nil, &domain.DispatchError{TaskID: task.ID, Stage: domain.StagePublish, Err: err}
	}

	topic := kafka.TopicFor(task.Priority)
	err = retry.Do(ctx, retry.Config{
		MaxAttempts: d.publishAttempts,
		BaseDelay:   d.baseDelay,
		OnRetry: func(attempt int, retryErr error) {
			log.Warn("publish failed, reconnecting",
				slog.Int("attempt", attempt),
				slog.String("error", retryErr.Error()),
			)
			if rerr := d.producer.Reconnect(); rerr != nil {
				log.Error("producer reconnect failed", slog.String("error", rerr.Error()))
			}
		},
	}, func() error {
		return d.producer.Publish(ctx, topic, task.ID, payload)
	})
	if err != nil {
		log.Error("publish failed, task left NEW", slog.String("error", err.Error()))
		span.RecordError(err)
		span.SetStatus(codes.Error, "publish failed")
		telemetry.DispatcherFailuresTotal.WithLabelValues(string(domain.StagePublish)).Inc()
		return nil, &domain.DispatchError{TaskID: task.ID, Stage: domain.StagePublish, Err: err}
	}

	var pending *domain.Task
	err = retry.Do(ctx, retry.Config{MaxAttempts: d.statusAttempts, BaseDelay: d.baseDelay}, func() error {
		var applyErr error
		pending, applyErr = d.repo.Apply(ctx, task.ID, domain.Enqueue())
		if isFinal(applyErr) {
			return retry.Permanent(applyErr)
		}
		return applyErr
	})
	if err == nil {
		d.enqueued(ctx, pending, topic, log)
		return pending, nil
	}

	var illegal *domain.IllegalTransitionError
	if errors.As(err, &illegal) {
		if illegal.From == domain.StatusCancelled {
			log.Info("task cancelled while dispatching, message will be skipped")
			return d.repo.GetByID(ctx, task.ID)
		}
		// Enqueue is only illegal from a status past NEW: an earlier attempt
		// committed without reporting it, or a concurrent dispatch won.
		current, getErr := d.repo.GetByID(ctx, task.ID)
		if getErr == nil {
			log.Info("task already past NEW, treating as dispatched", slog.String("status", string(current.Status)))
			if current.Status == domain.StatusPending {
				d.enqueued(ctx, current, topic, log)
			}
			return current, nil
		}
		err = errors.Join(err, getErr)
	}

	log.Error("message published but task not marked PENDING", slog.String("error", err.Error()))
	span.RecordError(err)
	span.SetStatus(codes.Error, "status write failed")
	telemetry.DispatcherFailuresTotal.WithLabelValues(string(domain.StageStatus)).Inc()
	return nil, &domain.DispatchError{TaskID: task.ID, Stage: domain.StageStatus, Err: err}
}

func (d *Dispatcher) enqueued(ctx context.Context, task *domain.Task, topic string, log *slog.Logger) {
	telemetry.DispatcherTasksDispatched.WithLabelValues(string(task.Priority)).Inc()
	log.Info("task dispatched", slog.String("topic", topic))
	if d.deliveries == nil {
		return
	}
	if err := d.deliveries.Clear(ctx, task.ID); err != nil {
		log.Warn("failed to reset delivery count", slog.String("error", err.Error()))
	}
}

// Redispatch re-reads the task and dispatches it again. Only NEW tasks are
// eligible, which covers tasks whose earlier publish failed.
func (d *Dispatcher) Redispatch(ctx context.Context, id string) (*domain.Task, error) {
	task, err := d.repo.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}
	return d.Dispatch(ctx, task)
}

// RedispatchSummary counts the results of RedispatchAll.
type RedispatchSummary struct {
	Dispatched int
	Skipped    int
	Failed     int
}

// RedispatchAll re-dispatches each id in turn. Tasks that are missing or no
// longer NEW are skipped; it stops early when ctx is cancelled.
func RedispatchAll(ctx context.Context, d *Dispatcher, ids []string) RedispatchSummary {
	var sum RedispatchSummary
	for _, id := range ids {
		if ctx.Err() != nil {
			break
		}
		task, err := d.Redispatch(ctx, id)
		switch {
		case err == nil && task.Status == domain.StatusPending:
			sum.Dispatched++
		case err == nil || isFinal(err):
			sum.Skipped++
		default:
			sum.Failed++
		}
	}
	return sum
}

// isFinal reports errors that another attempt cannot fix.
func isFinal(err error) bool {
	var illegal *domain.IllegalTransitionError
	var notFound *domain.TaskNotFoundError
	return errors.As(err, &illegal) || errors.As(err, &notFound)
}
