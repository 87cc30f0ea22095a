package worker

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ramiqadoumi/go-task-service/internal/domain"
	"github.com/ramiqadoumi/go-task-service/internal/handlers"
	"github.com/ramiqadoumi/go-task-service/internal/memstore"
	"github.com/ramiqadoumi/go-task-service/internal/service"
	"github.com/ramiqadoumi/go-task-service/services/dispatcher"
)

// system wires the task service, dispatcher and worker over one store and
// one in-memory broker.
type system struct {
	store  *memstore.Store
	broker *fakeBroker
	svc    *service.TaskService
}

func newSystem() *system {
	store := memstore.New()
	broker := newFakeBroker()
	d := dispatcher.NewDispatcher(broker, store,
		dispatcher.WithLogger(discardLogger),
		dispatcher.WithBaseDelay(time.Millisecond),
	)
	return &system{store: store, broker: broker, svc: service.New(store, d, discardLogger)}
}

func (s *system) worker(h handlers.Handler) *Worker {
	return newTestWorker(s.broker, s.store, h)
}

func TestScenario_CreateDispatchExecuteComplete(t *testing.T) {
	ctx := context.Background()
	sys := newSystem()

	task, err := sys.svc.Create(ctx, service.CreateInput{Title: "T", Priority: "HIGH"})
	require.NoError(t, err)
	assert.Equal(t, domain.StatusPending, task.Status)

	processOne(t, sys.worker(handlers.Placeholder{Duration: time.Millisecond}), sys.broker)

	got := statusOf(t, sys.store, task.ID)
	assert.Equal(t, domain.StatusCompleted, got.Status)
	assert.Equal(t, handlers.PlaceholderResult, got.Result)
	require.NotNil(t, got.StartedAt)
	require.NotNil(t, got.CompletedAt)
	assert.False(t, got.StartedAt.After(*got.CompletedAt))
}

func TestScenario_CancelWhilePending(t *testing.T) {
	ctx := context.Background()
	sys := newSystem()

	task, err := sys.svc.Create(ctx, service.CreateInput{Title: "T"})
	require.NoError(t, err)

	cancelled, err := sys.svc.Cancel(ctx, task.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusCancelled, cancelled.Status)

	processOne(t, sys.worker(succeed("should not run")), sys.broker)

	got := statusOf(t, sys.store, task.ID)
	assert.Equal(t, domain.StatusCancelled, got.Status)
	assert.Nil(t, got.StartedAt)
	assert.Empty(t, got.Result)
	assert.Equal(t, 1, sys.broker.counts().acked, "the published message is acknowledged as a no-op")
}

func TestScenario_CancelWhileInProgressRejected(t *testing.T) {
	ctx := context.Background()
	sys := newSystem()

	task, err := sys.svc.Create(ctx, service.CreateInput{Title: "T"})
	require.NoError(t, err)

	gate := newGateHandler(domain.Succeeded("done"))
	finished := make(chan struct{})
	go func() {
		defer close(finished)
		processOne(t, sys.worker(gate), sys.broker)
	}()
	require.True(t, waitFor(gate.started), "handler never started")

	_, err = sys.svc.Cancel(ctx, task.ID)
	var illegal *domain.IllegalTransitionError
	require.True(t, errors.As(err, &illegal), "got %v", err)
	assert.Equal(t, domain.StatusInProgress, illegal.From)
	assert.Equal(t, domain.StatusInProgress, statusOf(t, sys.store, task.ID).Status)

	close(gate.release)
	require.True(t, waitFor(finished), "worker never finished")
	assert.Equal(t, domain.StatusCompleted, statusOf(t, sys.store, task.ID).Status)
}

func TestScenario_PublishFailureThenRedispatch(t *testing.T) {
	ctx := context.Background()
	sys := newSystem()
	sys.broker.publishErr = errors.New("queue down")

	task, err := sys.svc.Create(ctx, service.CreateInput{Title: "T", Priority: "LOW"})
	var dispatchErr *domain.DispatchError
	require.True(t, errors.As(err, &dispatchErr), "got %v", err)
	assert.Equal(t, domain.StagePublish, dispatchErr.Stage)
	assert.Equal(t, domain.StatusNew, statusOf(t, sys.store, task.ID).Status)

	sys.broker.mu.Lock()
	sys.broker.publishErr = nil
	sys.broker.mu.Unlock()

	got, err := sys.svc.Redispatch(ctx, task.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusPending, got.Status)

	processOne(t, sys.worker(succeed("ok")), sys.broker)
	assert.Equal(t, domain.StatusCompleted, statusOf(t, sys.store, task.ID).Status)
}
