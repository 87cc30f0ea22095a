package kafka

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/segmentio/kafka-go"

	"github.com/ramiqadoumi/go-task-service/internal/domain"
)

// ErrConsumerClosed is returned by Claim after Close.
var ErrConsumerClosed = errors.New("kafka consumer closed")

// Message wraps a Kafka message with the fields services need.
type Message struct {
	Topic     string
	Partition int
	Key       []byte
	Value     []byte
	Offset    int64
	Headers   []kafka.Header
	Priority  domain.Priority

	raw kafka.Message
}

// TraceContext returns ctx carrying the trace context the producer injected.
func (m Message) TraceContext(ctx context.Context) context.Context {
	return extractTrace(ctx, m.Headers)
}

// Consumer claims dispatch messages across the priority topics. A claimed
// message must be settled with exactly one of Ack, Reject or Requeue. Readers
// keep fetching past unsettled offsets, so a failed settlement must be
// followed by Reconnect before the next message is settled.
//
// Claim and Reconnect are meant to be driven from a single goroutine.
type Consumer interface {
	Declare(ctx context.Context) error
	Claim(ctx context.Context) (Message, error)
	Ack(ctx context.Context, msg Message) error
	Reject(ctx context.Context, msg Message, reason string) error
	Requeue(ctx context.Context, msg Message) error
	Reconnect() error
	Close() error
}

// reader is the subset of *kafka.Reader a lane uses.
type reader interface {
	FetchMessage(ctx context.Context) (kafka.Message, error)
	CommitMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

type readerFactory func(topic string) reader

type delivery struct {
	msg kafka.Message
	err error
}

// lane owns the reader for one priority topic. slot bounds the lane to a
// single fetched but unclaimed message.
type lane struct {
	priority domain.Priority
	topic    string
	reader   reader
	ready    chan delivery
	slot     chan struct{}
}

type consumer struct {
	newReader    readerFactory
	declare      func(ctx context.Context) error
	producer     Producer
	logger       *slog.Logger
	fetchBackoff time.Duration

	mu      sync.Mutex
	lanes   []*lane // highest priority first
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	started bool
	closed  bool
}

// NewConsumer creates a priority-lane consumer in the given consumer group.
// Rejected and requeued messages are republished through producer.
func NewConsumer(brokers []string, groupID string, partitions int, producer Producer, logger *slog.Logger) Consumer {
	factory := func(topic string) reader {
		return kafka.NewReader(kafka.ReaderConfig{
			Brokers:        brokers,
			Topic:          topic,
			GroupID:        groupID,
			MinBytes:       1,
			MaxBytes:       10e6, // 10 MB
			MaxWait:        500 * time.Millisecond,
			CommitInterval: 0, // manual commit only
			StartOffset:    kafka.FirstOffset,
		})
	}
	declare := func(ctx context.Context) error {
		return DeclareTopics(ctx, brokers, partitions)
	}
	return newConsumer(factory, declare, producer, logger)
}

func newConsumer(factory readerFactory, declare func(context.Context) error, producer Producer, logger *slog.Logger) *consumer {
	c := &consumer{
		newReader:    factory,
		declare:      declare,
		producer:     producer,
		logger:       logger,
		fetchBackoff: time.Second,
	}
	c.lanes = c.buildLanes()
	return c
}

func (c *consumer) buildLanes() []*lane {
	lanes := make([]*lane, 0, len(domain.Priorities))
	for _, p := range []domain.Priority{domain.PriorityHigh, domain.PriorityMedium, domain.PriorityLow} {
		topic := TopicFor(p)
		lanes = append(lanes, &lane{
			priority: p,
			topic:    topic,
			reader:   c.newReader(topic),
			ready:    make(chan delivery, 1),
			slot:     make(chan struct{}, 1),
		})
	}
	return lanes
}

func (c *consumer) Declare(ctx context.Context) error {
	return c.declare(ctx)
}

// start launches one fetch loop per lane. Callers hold c.mu.
func (c *consumer) start() {
	if c.started {
		return
	}
	ctx, cancel := context.WithCancel(context.Background())
	c.cancel = cancel
	for _, l := range c.lanes {
		c.wg.Add(1)
		go c.fetchLoop(ctx, l)
	}
	c.started = true
}

func (c *consumer) fetchLoop(ctx context.Context, l *lane) {
	defer c.wg.Done()
	for {
		select {
		case l.slot <- struct{}{}:
		case <-ctx.Done():
			return
		}

		m, err := l.reader.FetchMessage(ctx)
		if ctx.Err() != nil {
			return
		}
		l.ready <- delivery{msg: m, err: err}

		if err != nil {
			select {
			case <-time.After(c.fetchBackoff):
			case <-ctx.Done():
				return
			}
		}
	}
}

// Claim returns the next message, preferring higher priority lanes among the
// messages already fetched. When none is ready it waits for the first lane
// that produces one.
func (c *consumer) Claim(ctx context.Context) (Message, error) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return Message{}, ErrConsumerClosed
	}
	c.start()
	lanes := c.lanes
	c.mu.Unlock()

	for _, l := range lanes {
		select {
		case d := <-l.ready:
			return l.take(d)
		default:
		}
	}

	high, medium, low := lanes[0], lanes[1], lanes[2]
	select {
	case d := <-high.ready:
		return high.take(d)
	case d := <-medium.ready:
		return medium.take(d)
	case d := <-low.ready:
		return low.take(d)
	case <-ctx.Done():
		return Message{}, ctx.Err()
	}
}

func (l *lane) take(d delivery) (Message, error) {
	<-l.slot
	if d.err != nil {
		return Message{}, fmt.Errorf("kafka fetch from %s: %w", l.topic, d.err)
	}
	return Message{
		Topic:     d.msg.Topic,
		Partition: d.msg.Partition,
		Key:       d.msg.Key,
		Value:     d.msg.Value,
		Offset:    d.msg.Offset,
		Headers:   d.msg.Headers,
		Priority:  l.priority,
		raw:       d.msg,
	}, nil
}

func (c *consumer) laneFor(topic string) (*lane, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, l := range c.lanes {
		if l.topic == topic {
			return l, nil
		}
	}
	return nil, fmt.Errorf("no lane consumes topic %q", topic)
}

// Ack commits the message offset; the message will not be delivered again.
func (c *consumer) Ack(ctx context.Context, msg Message) error {
	l, err := c.laneFor(msg.Topic)
	if err != nil {
		return err
	}
	if err := l.reader.CommitMessages(ctx, msg.raw); err != nil {
		return fmt.Errorf("kafka commit %s/%d@%d: %w", msg.Topic, msg.Partition, msg.Offset, err)
	}
	return nil
}

// Reject moves the message to the dead-letter topic, then commits it.
func (c *consumer) Reject(ctx context.Context, msg Message, reason string) error {
	headers := WithHeaders(msg.Headers,
		RejectReasonHeader, reason,
		OriginalTopicHeader, msg.Topic,
	)
	if err := c.producer.Publish(ctx, DeadLetterTopic, string(msg.Key), msg.Value, headers...); err != nil {
		return fmt.Errorf("dead-letter %s@%d: %w", msg.Topic, msg.Offset, err)
	}
	c.logger.Warn("message dead-lettered",
		slog.String("topic", msg.Topic),
		slog.Int64("offset", msg.Offset),
		slog.String("reason", reason),
	)
	return c.Ack(ctx, msg)
}

// Requeue republishes the message to the tail of its topic, then commits the
// original so the lane can advance.
func (c *consumer) Requeue(ctx context.Context, msg Message) error {
	if err := c.producer.Publish(ctx, msg.Topic, string(msg.Key), msg.Value, msg.Headers...); err != nil {
		return fmt.Errorf("requeue %s@%d: %w", msg.Topic, msg.Offset, err)
	}
	return c.Ack(ctx, msg)
}

// Reconnect closes every reader and builds fresh ones that resume from the
// group's committed offsets. Fetched but unclaimed messages are delivered
// again, as is a claimed message whose settlement failed, provided no later
// offset on its partition was committed in between.
func (c *consumer) Reconnect() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return ErrConsumerClosed
	}
	err := c.stopLocked()
	c.lanes = c.buildLanes()
	if perr := c.producer.Reconnect(); perr != nil {
		err = errors.Join(err, perr)
	}
	return err
}

func (c *consumer) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil
	}
	c.closed = true
	return c.stopLocked()
}

// stopLocked stops the fetch loops and closes the readers. Callers hold c.mu.
func (c *consumer) stopLocked() error {
	if c.started {
		c.cancel()
		c.wg.Wait()
		c.started = false
	}
	var errs []error
	for _, l := range c.lanes {
		if err := l.reader.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close reader for %s: %w", l.topic, err))
		}
	}
	return errors.Join(errs...)
}
