package postgres

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/ramiqadoumi/go-task-service/internal/domain"
)

const uniqueViolationCode = "23505"

// TaskRepository abstracts all database access for tasks. Apply is the only
// way to change a task's status.
type TaskRepository interface {
	Create(ctx context.Context, task *domain.Task) error
	GetByID(ctx context.Context, id string) (*domain.Task, error)
	List(ctx context.Context, filter domain.ListFilter, page domain.Page) ([]*domain.Task, error)
	Apply(ctx context.Context, id string, change domain.Change) (*domain.Task, error)
	ListStale(ctx context.Context, status domain.Status, olderThan time.Duration, limit int) ([]*domain.Task, error)
}

type repository struct {
	pool *pgxpool.Pool
}

// NewRepository wraps a pgxpool with the TaskRepository interface.
func NewRepository(pool *pgxpool.Pool) TaskRepository {
	return &repository{pool: pool}
}

// NewPool creates a pgxpool and verifies connectivity.
func NewPool(ctx context.Context, dsn string) (*pgxpool.Pool, error) {
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("pgxpool.New: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("postgres ping: %w", err)
	}
	return pool, nil
}

const taskColumns = `id::text, created_at, title, description, priority::text, status::text,
		started_at, completed_at, result, error`

func (r *repository) Create(ctx context.Context, task *domain.Task) error {
	_, err := r.pool.Exec(ctx, `
		INSERT INTO tasks
			(id, created_at, title, description, priority, status, result, error)
		VALUES
			($1, $2, $3, $4, $5::task_priority, $6::task_status, '', '')
	`,
		task.ID, task.CreatedAt, task.Title, task.Description,
		string(task.Priority), string(task.Status),
	)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == uniqueViolationCode {
			return &domain.ValidationError{Field: "id", Reason: "task " + task.ID + " already exists"}
		}
		return fmt.Errorf("create task %s: %w", task.ID, err)
	}
	return nil
}

func (r *repository) GetByID(ctx context.Context, id string) (*domain.Task, error) {
	row := r.pool.QueryRow(ctx, `SELECT `+taskColumns+` FROM tasks WHERE id = $1`, id)
	task, err := scanTask(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, &domain.TaskNotFoundError{TaskID: id}
	}
	if err != nil {
		return nil, fmt.Errorf("get task %s: %w", id, err)
	}
	return task, nil
}

func (r *repository) List(ctx context.Context, filter domain.ListFilter, page domain.Page) ([]*domain.Task, error) {
	query, args := buildListQuery(filter, page)
	rows, err := r.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list tasks: %w", err)
	}
	return collectTasks(rows)
}

// Apply performs the compare-and-swap write described by change. The row is
// only touched when its current status equals change.From; timestamps and
// result/error are only written while still empty.
func (r *repository) Apply(ctx context.Context, id string, change domain.Change) (*domain.Task, error) {
	if err := change.Validate(id); err != nil {
		return nil, err
	}

	row := r.pool.QueryRow(ctx, `
		UPDATE tasks
		SET status       = $2::task_status,
		    started_at   = COALESCE(started_at, $3),
		    completed_at = COALESCE(completed_at, $4),
		    result       = CASE WHEN result = '' THEN $5::text ELSE result END,
		    error        = CASE WHEN error = '' THEN $6::text ELSE error END
		WHERE id = $1 AND status = $7::task_status
		RETURNING `+taskColumns,
		id, string(change.To), change.StartedAt, change.CompletedAt,
		change.Result, change.Error, string(change.From),
	)
	task, err := scanTask(row)
	if err == nil {
		return task, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("apply %s->%s to task %s: %w", change.From, change.To, id, err)
	}

	// Nothing matched: either the task is gone or another writer got there first.
	current, getErr := r.GetByID(ctx, id)
	if getErr != nil {
		return nil, getErr
	}
	return nil, &domain.IllegalTransitionError{TaskID: id, From: current.Status, To: change.To}
}

func (r *repository) ListStale(ctx context.Context, status domain.Status, olderThan time.Duration, limit int) ([]*domain.Task, error) {
	cutoff := time.Now().UTC().Add(-olderThan)
	rows, err := r.pool.Query(ctx, `
		SELECT `+taskColumns+`
		FROM tasks
		WHERE status = $1::task_status AND COALESCE(started_at, created_at) < $2
		ORDER BY created_at ASC
		LIMIT $3
	`, string(status), cutoff, limit)
	if err != nil {
		return nil, fmt.Errorf("list stale %s tasks: %w", status, err)
	}
	return collectTasks(rows)
}

// buildListQuery renders the filtered, paginated SELECT with positional args.
func buildListQuery(f domain.ListFilter, page domain.Page) (string, []any) {
	var (
		where []string
		args  []any
	)
	add := func(clause string, arg any) {
		args = append(args, arg)
		where = append(where, strings.ReplaceAll(clause, "?", "$"+strconv.Itoa(len(args))))
	}

	if f.Title != "" {
		add("title ILIKE ?", "%"+escapeLike(f.Title)+"%")
	}
	if f.Priority != "" {
		add("priority = ?::task_priority", string(f.Priority))
	}
	if f.Status != "" {
		add("status = ?::task_status", string(f.Status))
	}
	if f.StartedAfter != nil {
		add("started_at >= ?", *f.StartedAfter)
	}
	if f.StartedBefore != nil {
		add("started_at <= ?", *f.StartedBefore)
	}
	if f.CompletedAfter != nil {
		add("completed_at >= ?", *f.CompletedAfter)
	}
	if f.CompletedBefore != nil {
		add("completed_at <= ?", *f.CompletedBefore)
	}

	var b strings.Builder
	b.WriteString("SELECT " + taskColumns + " FROM tasks")
	if len(where) > 0 {
		b.WriteString(" WHERE " + strings.Join(where, " AND "))
	}
	page = page.Normalize()
	args = append(args, page.Size, page.Offset())
	fmt.Fprintf(&b, " ORDER BY created_at DESC LIMIT $%d OFFSET $%d", len(args)-1, len(args))
	return b.String(), args
}

func escapeLike(s string) string {
	return strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`).Replace(s)
}

func collectTasks(rows pgx.Rows) ([]*domain.Task, error) {
	defer rows.Close()
	tasks := make([]*domain.Task, 0)
	for rows.Next() {
		task, err := scanTask(rows)
		if err != nil {
			return nil, fmt.Errorf("scan task: %w", err)
		}
		tasks = append(tasks, task)
	}
	return tasks, rows.Err()
}

// scanTask reads a task row from any pgx row type.
func scanTask(row interface {
	Scan(...any) error
}) (*domain.Task, error) {
	var task domain.Task
	var priority, status string
	err := row.Scan(
		&task.ID, &task.CreatedAt, &task.Title, &task.Description, &priority, &status,
		&task.StartedAt, &task.CompletedAt, &task.Result, &task.Error,
	)
	if err != nil {
		return nil, err
	}
	task.Priority = domain.Priority(priority)
	task.Status = domain.Status(status)
	return &task, nil
}
