package auditor

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/ramiqadoumi/go-task-service/internal/domain"
	"github.com/ramiqadoumi/go-task-service/internal/postgres"
	redisstore "github.com/ramiqadoumi/go-task-service/internal/redis"
	"github.com/ramiqadoumi/go-task-service/pkg/telemetry"
)

// LeaderKey is the Redis key auditor replicas compete for.
const LeaderKey = "auditor:leader"

// DefaultSchedule runs an audit every minute.
const DefaultSchedule = "@every 1m"

// DefaultThresholds is how long a task may sit in each non-terminal status
// before it is reported. NEW means it was never queued, PENDING that no worker
// claimed it, IN_PROGRESS that its worker never wrote a terminal status.
var DefaultThresholds = map[domain.Status]time.Duration{
	domain.StatusNew:        5 * time.Minute,
	domain.StatusPending:    15 * time.Minute,
	domain.StatusInProgress: 10 * time.Minute,
}

// Report holds the stale tasks found by one audit, by status.
type Report map[domain.Status][]*domain.Task

// Total is the number of stale tasks across all statuses.
func (r Report) Total() int {
	n := 0
	for _, tasks := range r {
		n += len(tasks)
	}
	return n
}

// Auditor periodically reports tasks stuck in a non-terminal status. It only
// reads the store; recovering a stuck task is left to operators.
type Auditor struct {
	repo       postgres.TaskRepository
	leader     redisstore.Leader // nil = always lead
	thresholds map[domain.Status]time.Duration
	limit      int
	logger     *slog.Logger
}

// Option configures an Auditor.
type Option func(*Auditor)

func WithLogger(l *slog.Logger) Option      { return func(a *Auditor) { a.logger = l } }
func WithLeader(l redisstore.Leader) Option { return func(a *Auditor) { a.leader = l } }
func WithLimit(n int) Option                { return func(a *Auditor) { a.limit = n } }

// WithThreshold overrides how long tasks may stay in status s.
func WithThreshold(s domain.Status, d time.Duration) Option {
	return func(a *Auditor) { a.thresholds[s] = d }
}

// NewAuditor constructs an Auditor over repo.
func NewAuditor(repo postgres.TaskRepository, opts ...Option) *Auditor {
	a := &Auditor{
		repo:       repo,
		thresholds: make(map[domain.Status]time.Duration, len(DefaultThresholds)),
		limit:      100,
		logger:     slog.Default(),
	}
	for s, d := range DefaultThresholds {
		a.thresholds[s] = d
	}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

// Audit lists stale tasks for every watched status, logs each one and
// updates the stale gauges.
func (a *Auditor) Audit(ctx context.Context) (Report, error) {
	report := make(Report, len(a.thresholds))
	for status, olderThan := range a.thresholds {
		tasks, err := a.repo.ListStale(ctx, status, olderThan, a.limit)
		if err != nil {
			return nil, fmt.Errorf("audit %s: %w", status, err)
		}
		report[status] = tasks
		telemetry.AuditorStaleTasks.WithLabelValues(string(status)).Set(float64(len(tasks)))

		for _, t := range tasks {
			attrs := []any{
				slog.String("task_id", t.ID),
				slog.String("status", string(t.Status)),
				slog.String("priority", string(t.Priority)),
				slog.Time("created_at", t.CreatedAt),
			}
			if t.StartedAt != nil {
				attrs = append(attrs, slog.Time("started_at", *t.StartedAt))
			}
			a.logger.Warn("stale task", attrs...)
		}
	}
	return report, nil
}

// tick runs one audit if this instance holds the leader lease.
func (a *Auditor) tick(ctx context.Context) {
	if a.leader != nil {
		ok, err := a.leader.Acquire(ctx)
		if err != nil {
			a.logger.Error("leader election", slog.String("error", err.Error()))
			telemetry.AuditorRunsTotal.WithLabelValues("error").Inc()
			return
		}
		if !ok {
			telemetry.AuditorRunsTotal.WithLabelValues("skipped").Inc()
			return
		}
	}

	report, err := a.Audit(ctx)
	if err != nil {
		a.logger.Error("audit failed", slog.String("error", err.Error()))
		telemetry.AuditorRunsTotal.WithLabelValues("error").Inc()
		return
	}
	telemetry.AuditorRunsTotal.WithLabelValues("ok").Inc()
	a.logger.Info("audit complete", slog.Int("stale", report.Total()))
}

// Run audits once immediately, then on schedule until ctx is cancelled. The
// leader lease is released on return.
func (a *Auditor) Run(ctx context.Context, schedule string) error {
	c := cron.New()
	if _, err := c.AddFunc(schedule, func() { a.tick(ctx) }); err != nil {
		return fmt.Errorf("parse schedule %q: %w", schedule, err)
	}

	a.tick(ctx)
	c.Start()
	<-ctx.Done()
	<-c.Stop().Done()

	if a.leader != nil {
		releaseCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 2*time.Second)
		defer cancel()
		if err := a.leader.Release(releaseCtx); err != nil {
			a.logger.Warn("release leadership", slog.String("error", err.Error()))
		}
	}
	return nil
}
