package kafka

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strconv"
	"strings"

	"github.com/segmentio/kafka-go"

	"github.com/ramiqadoumi/go-task-service/internal/domain"
)

const (
	// DispatchTopicPrefix is shared by the per-priority dispatch topics.
	DispatchTopicPrefix = "tasks.dispatch"
	// DeadLetterTopic receives rejected messages.
	DeadLetterTopic = "tasks.dispatch.dlq"
)

// TopicFor returns the dispatch topic carrying messages of priority p.
func TopicFor(p domain.Priority) string {
	return DispatchTopicPrefix + "." + strings.ToLower(string(p))
}

// DispatchTopics lists the dispatch topics from highest to lowest priority.
func DispatchTopics() []string {
	return []string{
		TopicFor(domain.PriorityHigh),
		TopicFor(domain.PriorityMedium),
		TopicFor(domain.PriorityLow),
	}
}

// DeclareTopics creates the dispatch and dead-letter topics through the
// cluster controller. Topics that already exist are left untouched.
func DeclareTopics(ctx context.Context, brokers []string, partitions int) error {
	if len(brokers) == 0 {
		return errors.New("declare topics: no brokers configured")
	}
	if partitions < 1 {
		partitions = 1
	}

	conn, err := kafka.DialContext(ctx, "tcp", brokers[0])
	if err != nil {
		return fmt.Errorf("kafka dial %s: %w", brokers[0], err)
	}
	defer conn.Close()

	controller, err := conn.Controller()
	if err != nil {
		return fmt.Errorf("kafka controller lookup: %w", err)
	}
	ctrlConn, err := kafka.DialContext(ctx, "tcp", net.JoinHostPort(controller.Host, strconv.Itoa(controller.Port)))
	if err != nil {
		return fmt.Errorf("kafka dial controller: %w", err)
	}
	defer ctrlConn.Close()

	topics := append(DispatchTopics(), DeadLetterTopic)
	configs := make([]kafka.TopicConfig, 0, len(topics))
	for _, t := range topics {
		configs = append(configs, kafka.TopicConfig{
			Topic:             t,
			NumPartitions:     partitions,
			ReplicationFactor: 1,
		})
	}
	if err := ctrlConn.CreateTopics(configs...); err != nil && !errors.Is(err, kafka.TopicAlreadyExists) {
		return fmt.Errorf("kafka create topics: %w", err)
	}
	return nil
}
