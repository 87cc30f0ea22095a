package worker

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"time"

	segkafka "github.com/segmentio/kafka-go"

	"github.com/ramiqadoumi/go-task-service/internal/domain"
	"github.com/ramiqadoumi/go-task-service/internal/kafka"
	"github.com/ramiqadoumi/go-task-service/internal/memstore"
)

var discardLogger = slog.New(slog.NewTextHandler(io.Discard, nil))

// fakeBroker is an in-memory queue that implements both kafka.Producer and
// kafka.Consumer. Claim prefers higher priority messages.
type fakeBroker struct {
	mu         sync.Mutex
	queued     []kafka.Message
	acked      []kafka.Message
	rejected   []kafka.Message
	reasons    []string
	requeued   []kafka.Message
	dead       []kafka.Message
	publishErr error
	settleErr  error
	reconnects int
	arrived    chan struct{}
}

func newFakeBroker() *fakeBroker {
	return &fakeBroker{arrived: make(chan struct{}, 1)}
}

var topicPriority = map[string]domain.Priority{
	kafka.TopicFor(domain.PriorityHigh):   domain.PriorityHigh,
	kafka.TopicFor(domain.PriorityMedium): domain.PriorityMedium,
	kafka.TopicFor(domain.PriorityLow):    domain.PriorityLow,
}

func (b *fakeBroker) Publish(_ context.Context, topic, key string, value []byte, headers ...segkafka.Header) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.publishErr != nil {
		return b.publishErr
	}
	msg := kafka.Message{Topic: topic, Key: []byte(key), Value: value, Headers: headers, Priority: topicPriority[topic]}
	if topic == kafka.DeadLetterTopic {
		b.dead = append(b.dead, msg)
		return nil
	}
	msg.Offset = int64(len(b.queued) + len(b.acked) + len(b.rejected) + len(b.requeued))
	b.queued = append(b.queued, msg)
	select {
	case b.arrived <- struct{}{}:
	default:
	}
	return nil
}

// push enqueues a raw payload on the topic for p.
func (b *fakeBroker) push(p domain.Priority, value []byte) {
	_ = b.Publish(context.Background(), kafka.TopicFor(p), "", value)
}

func (b *fakeBroker) Declare(context.Context) error { return nil }

func (b *fakeBroker) Claim(ctx context.Context) (kafka.Message, error) {
	for {
		if msg, ok := b.next(); ok {
			return msg, nil
		}
		select {
		case <-b.arrived:
		case <-ctx.Done():
			return kafka.Message{}, ctx.Err()
		}
	}
}

func (b *fakeBroker) next() (kafka.Message, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	best := -1
	for i, m := range b.queued {
		if best < 0 || m.Priority.Weight() > b.queued[best].Priority.Weight() {
			best = i
		}
	}
	if best < 0 {
		return kafka.Message{}, false
	}
	msg := b.queued[best]
	b.queued = append(b.queued[:best], b.queued[best+1:]...)
	return msg, true
}

func (b *fakeBroker) Ack(_ context.Context, msg kafka.Message) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.settleErr != nil {
		return b.settleErr
	}
	b.acked = append(b.acked, msg)
	return nil
}

func (b *fakeBroker) Reject(_ context.Context, msg kafka.Message, reason string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.settleErr != nil {
		return b.settleErr
	}
	b.rejected = append(b.rejected, msg)
	b.reasons = append(b.reasons, reason)
	return nil
}

func (b *fakeBroker) Requeue(_ context.Context, msg kafka.Message) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.settleErr != nil {
		return b.settleErr
	}
	b.requeued = append(b.requeued, msg)
	return nil
}

func (b *fakeBroker) Reconnect() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.reconnects++
	return nil
}

func (b *fakeBroker) Close() error { return nil }

type brokerCounts struct {
	queued, acked, rejected, requeued int
	reconnects                        int
	reasons                           []string
}

func (b *fakeBroker) counts() brokerCounts {
	b.mu.Lock()
	defer b.mu.Unlock()
	return brokerCounts{
		queued:     len(b.queued),
		acked:      len(b.acked),
		rejected:   len(b.rejected),
		requeued:   len(b.requeued),
		reconnects: b.reconnects,
		reasons:    append([]string(nil), b.reasons...),
	}
}

// fakeCounter is an in-memory DeliveryCounter.
type fakeCounter struct {
	mu     sync.Mutex
	counts map[string]int64
	err    error
}

func newFakeCounter() *fakeCounter { return &fakeCounter{counts: make(map[string]int64)} }

func (c *fakeCounter) Record(_ context.Context, id string) (int64, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.err != nil {
		return 0, c.err
	}
	c.counts[id]++
	return c.counts[id], nil
}

func (c *fakeCounter) Clear(_ context.Context, id string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.counts, id)
	return nil
}

// gateHandler blocks until release is closed, signalling started first.
type gateHandler struct {
	started chan struct{}
	release chan struct{}
	outcome domain.Outcome
}

func newGateHandler(out domain.Outcome) *gateHandler {
	return &gateHandler{started: make(chan struct{}), release: make(chan struct{}), outcome: out}
}

func (h *gateHandler) Handle(ctx context.Context, _ *domain.Task) domain.Outcome {
	close(h.started)
	select {
	case <-h.release:
		return h.outcome
	case <-ctx.Done():
		return domain.Failed(ctx.Err())
	}
}

// flakyRepo wraps a memstore and injects store failures.
type flakyRepo struct {
	*memstore.Store
	mu            sync.Mutex
	getFailures   int
	applyFailures int
	failApplyTo   domain.Status // only Apply calls targeting this status fail
}

func (r *flakyRepo) GetByID(ctx context.Context, id string) (*domain.Task, error) {
	r.mu.Lock()
	if r.getFailures > 0 {
		r.getFailures--
		r.mu.Unlock()
		return nil, errStoreDown
	}
	r.mu.Unlock()
	return r.Store.GetByID(ctx, id)
}

func (r *flakyRepo) Apply(ctx context.Context, id string, change domain.Change) (*domain.Task, error) {
	r.mu.Lock()
	if r.applyFailures > 0 && change.To == r.failApplyTo {
		r.applyFailures--
		r.mu.Unlock()
		return nil, errStoreDown
	}
	r.mu.Unlock()
	return r.Store.Apply(ctx, id, change)
}

var errStoreDown = errors.New("store unavailable")

func waitFor(ch <-chan struct{}) bool {
	select {
	case <-ch:
		return true
	case <-time.After(2 * time.Second):
		return false
	}
}
