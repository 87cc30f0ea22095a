package worker

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/ramiqadoumi/go-task-service/internal/domain"
	"github.com/ramiqadoumi/go-task-service/internal/handlers"
	"github.com/ramiqadoumi/go-task-service/internal/kafka"
	"github.com/ramiqadoumi/go-task-service/internal/memstore"
)

var noopHandler = handlers.HandlerFunc(func(context.Context, *domain.Task) domain.Outcome {
	return domain.Succeeded("ok")
})

// BenchmarkWorker_HandleMessage measures the worker engine for one message:
// decode, lookup, claim, execute a no-op body, terminal write and ack.
func BenchmarkWorker_HandleMessage(b *testing.B) {
	store := memstore.New()
	broker := newFakeBroker()
	w := NewWorker("bench-worker", broker, store, noopHandler,
		WithLogger(discardLogger),
		WithBaseDelay(time.Millisecond),
		WithDeliveryCounter(newFakeCounter()),
	)
	ctx := context.Background()

	msgs := make([]kafka.Message, b.N)
	for i := range msgs {
		task := &domain.Task{
			ID:        uuid.NewString(),
			CreatedAt: time.Now(),
			Title:     "bench",
			Priority:  domain.PriorityMedium,
			Status:    domain.StatusNew,
		}
		if err := store.Create(ctx, task); err != nil {
			b.Fatal(err)
		}
		if _, err := store.Apply(ctx, task.ID, domain.Enqueue()); err != nil {
			b.Fatal(err)
		}
		raw, _ := domain.NewDispatchMessage(task).Encode()
		msgs[i] = kafka.Message{Topic: kafka.TopicFor(task.Priority), Value: raw, Priority: task.Priority}
	}

	b.ReportAllocs()
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		w.handleMessage(ctx, msgs[i])
	}
}

// BenchmarkWorker_DuplicateDelivery measures the cost of absorbing a
// redelivered message for an already-completed task.
func BenchmarkWorker_DuplicateDelivery(b *testing.B) {
	store := memstore.New()
	broker := newFakeBroker()
	w := NewWorker("bench-worker", broker, store, noopHandler, WithLogger(discardLogger))
	ctx := context.Background()

	task := &domain.Task{ID: uuid.NewString(), CreatedAt: time.Now(), Title: "bench", Priority: domain.PriorityHigh, Status: domain.StatusNew}
	if err := store.Create(ctx, task); err != nil {
		b.Fatal(err)
	}
	for _, c := range []domain.Change{domain.Enqueue(), domain.Claim(time.Now()), domain.Complete(time.Now(), "ok")} {
		if _, err := store.Apply(ctx, task.ID, c); err != nil {
			b.Fatal(err)
		}
	}
	raw, _ := domain.NewDispatchMessage(task).Encode()
	msg := kafka.Message{Topic: kafka.TopicFor(task.Priority), Value: raw, Priority: task.Priority}

	b.ReportAllocs()
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		w.handleMessage(ctx, msg)
	}
}
