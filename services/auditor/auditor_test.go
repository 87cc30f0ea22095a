package auditor

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ramiqadoumi/go-task-service/internal/domain"
	"github.com/ramiqadoumi/go-task-service/internal/memstore"
	"github.com/ramiqadoumi/go-task-service/pkg/telemetry"
)

type fakeLeader struct {
	mu       sync.Mutex
	lead     bool
	err      error
	acquires int
	released bool
}

func (l *fakeLeader) Acquire(context.Context) (bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.acquires++
	return l.lead, l.err
}

func (l *fakeLeader) Release(context.Context) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.released = true
	return nil
}

// countingRepo records ListStale calls.
type countingRepo struct {
	*memstore.Store
	mu    sync.Mutex
	calls int
	err   error
}

func (r *countingRepo) ListStale(ctx context.Context, s domain.Status, d time.Duration, limit int) ([]*domain.Task, error) {
	r.mu.Lock()
	r.calls++
	err := r.err
	r.mu.Unlock()
	if err != nil {
		return nil, err
	}
	return r.Store.ListStale(ctx, s, d, limit)
}

func (r *countingRepo) callCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.calls
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func seed(t *testing.T, store *memstore.Store, status domain.Status, age time.Duration) *domain.Task {
	t.Helper()
	created := time.Now().UTC().Add(-age)
	task := &domain.Task{
		ID:        uuid.New().String(),
		CreatedAt: created,
		Title:     "T",
		Priority:  domain.PriorityMedium,
		Status:    status,
	}
	if status == domain.StatusInProgress {
		task.StartedAt = &created
	}
	require.NoError(t, store.Create(context.Background(), task))
	return task
}

func TestAudit_ReportsOnlyStaleNonTerminalTasks(t *testing.T) {
	store := memstore.New()
	staleNew := seed(t, store, domain.StatusNew, time.Hour)
	seed(t, store, domain.StatusNew, time.Second)
	stalePending := seed(t, store, domain.StatusPending, time.Hour)
	staleRunning := seed(t, store, domain.StatusInProgress, time.Hour)
	seed(t, store, domain.StatusCompleted, time.Hour)
	seed(t, store, domain.StatusCancelled, time.Hour)

	a := NewAuditor(store, WithLogger(discardLogger()))
	report, err := a.Audit(context.Background())
	require.NoError(t, err)

	assert.Equal(t, 3, report.Total())
	require.Len(t, report[domain.StatusNew], 1)
	assert.Equal(t, staleNew.ID, report[domain.StatusNew][0].ID)
	assert.Equal(t, stalePending.ID, report[domain.StatusPending][0].ID)
	assert.Equal(t, staleRunning.ID, report[domain.StatusInProgress][0].ID)

	assert.Equal(t, 1.0, testutil.ToFloat64(telemetry.AuditorStaleTasks.WithLabelValues("PENDING")))
}

func TestAudit_DoesNotChangeTasks(t *testing.T) {
	store := memstore.New()
	task := seed(t, store, domain.StatusPending, time.Hour)

	_, err := NewAuditor(store, WithLogger(discardLogger())).Audit(context.Background())
	require.NoError(t, err)

	got, err := store.GetByID(context.Background(), task.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusPending, got.Status)
}

func TestAudit_ThresholdAndLimit(t *testing.T) {
	store := memstore.New()
	for i := 0; i < 5; i++ {
		seed(t, store, domain.StatusPending, 2*time.Minute)
	}

	a := NewAuditor(store,
		WithLogger(discardLogger()),
		WithThreshold(domain.StatusPending, time.Minute),
		WithLimit(3),
	)
	report, err := a.Audit(context.Background())
	require.NoError(t, err)
	assert.Len(t, report[domain.StatusPending], 3)
}

func TestAudit_StoreError(t *testing.T) {
	repo := &countingRepo{Store: memstore.New(), err: errors.New("db down")}
	_, err := NewAuditor(repo, WithLogger(discardLogger())).Audit(context.Background())
	assert.ErrorContains(t, err, "db down")
}

func TestTick_FollowerSkipsAudit(t *testing.T) {
	repo := &countingRepo{Store: memstore.New()}
	leader := &fakeLeader{lead: false}
	a := NewAuditor(repo, WithLogger(discardLogger()), WithLeader(leader))

	before := testutil.ToFloat64(telemetry.AuditorRunsTotal.WithLabelValues("skipped"))
	a.tick(context.Background())

	assert.Equal(t, 0, repo.callCount())
	assert.Equal(t, before+1, testutil.ToFloat64(telemetry.AuditorRunsTotal.WithLabelValues("skipped")))
}

func TestTick_LeaderErrorSkipsAudit(t *testing.T) {
	repo := &countingRepo{Store: memstore.New()}
	a := NewAuditor(repo, WithLogger(discardLogger()), WithLeader(&fakeLeader{err: errors.New("redis down")}))

	a.tick(context.Background())
	assert.Equal(t, 0, repo.callCount())
}

func TestTick_LeaderAudits(t *testing.T) {
	repo := &countingRepo{Store: memstore.New()}
	a := NewAuditor(repo, WithLogger(discardLogger()), WithLeader(&fakeLeader{lead: true}))

	before := testutil.ToFloat64(telemetry.AuditorRunsTotal.WithLabelValues("ok"))
	a.tick(context.Background())

	assert.Equal(t, len(DefaultThresholds), repo.callCount())
	assert.Equal(t, before+1, testutil.ToFloat64(telemetry.AuditorRunsTotal.WithLabelValues("ok")))
}

func TestRun_AuditsImmediatelyAndReleasesOnStop(t *testing.T) {
	repo := &countingRepo{Store: memstore.New()}
	leader := &fakeLeader{lead: true}
	a := NewAuditor(repo, WithLogger(discardLogger()), WithLeader(leader))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- a.Run(ctx, "@every 1h") }()

	require.Eventually(t, func() bool { return repo.callCount() >= len(DefaultThresholds) },
		time.Second, 10*time.Millisecond)
	cancel()

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return after cancel")
	}
	leader.mu.Lock()
	defer leader.mu.Unlock()
	assert.True(t, leader.released)
}

func TestRun_BadSchedule(t *testing.T) {
	a := NewAuditor(memstore.New(), WithLogger(discardLogger()))
	err := a.Run(context.Background(), "every minute please")
	assert.ErrorContains(t, err, "parse schedule")
}
