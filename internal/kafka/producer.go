package kafka

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/segmentio/kafka-go"
)

// Producer publishes messages to a Kafka topic.
type Producer interface {
	Publish(ctx context.Context, topic, key string, value []byte, headers ...kafka.Header) error
	// Reconnect replaces the underlying writer, dropping any broken connections.
	Reconnect() error
	Close() error
}

type producer struct {
	brokers []string

	mu     sync.RWMutex
	writer *kafka.Writer
}

// NewProducer creates a Kafka producer connected to the given brokers.
func NewProducer(brokers []string) Producer {
	return &producer{brokers: brokers, writer: newWriter(brokers)}
}

func newWriter(brokers []string) *kafka.Writer {
	return &kafka.Writer{
		Addr:         kafka.TCP(brokers...),
		Balancer:     &kafka.Hash{}, // same task id -> same partition
		RequiredAcks: kafka.RequireAll,
		MaxAttempts:  3,
		WriteTimeout: 10 * time.Second,
		ReadTimeout:  10 * time.Second,
	}
}

func (p *producer) Publish(ctx context.Context, topic, key string, value []byte, headers ...kafka.Header) error {
	headers = injectTrace(ctx, headers)

	p.mu.RLock()
	w := p.writer
	p.mu.RUnlock()

	err := w.WriteMessages(ctx, kafka.Message{
		Topic:   topic,
		Key:     []byte(key),
		Value:   value,
		Headers: headers,
		Time:    time.Now(),
	})
	if err != nil {
		return fmt.Errorf("kafka publish to %s: %w", topic, err)
	}
	return nil
}

func (p *producer) Reconnect() error {
	p.mu.Lock()
	old := p.writer
	p.writer = newWriter(p.brokers)
	p.mu.Unlock()

	if err := old.Close(); err != nil {
		return fmt.Errorf("close previous kafka writer: %w", err)
	}
	return nil
}

func (p *producer) Close() error {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.writer.Close()
}
