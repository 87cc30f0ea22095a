package kafka

import (
	"context"

	segkafka "github.com/segmentio/kafka-go"
	"go.opentelemetry.io/otel"
)

// Header keys added when a message is dead-lettered.
const (
	RejectReasonHeader  = "x-reject-reason"
	OriginalTopicHeader = "x-original-topic"
)

// HeaderCarrier exposes Kafka headers as an OpenTelemetry TextMapCarrier.
// Set replaces an existing key, so re-publishing a message keeps one
// traceparent.
type HeaderCarrier []segkafka.Header

func (c HeaderCarrier) Get(key string) string {
	for _, h := range c {
		if h.Key == key {
			return string(h.Value)
		}
	}
	return ""
}

func (c *HeaderCarrier) Set(key, value string) {
	kept := make(HeaderCarrier, 0, len(*c)+1)
	for _, h := range *c {
		if h.Key != key {
			kept = append(kept, h)
		}
	}
	*c = append(kept, segkafka.Header{Key: key, Value: []byte(value)})
}

func (c HeaderCarrier) Keys() []string {
	keys := make([]string, len(c))
	for i, h := range c {
		keys[i] = h.Key
	}
	return keys
}

// WithHeaders returns a copy of base with each key/value pair set. The input
// slice is never modified.
func WithHeaders(base []segkafka.Header, kv ...string) []segkafka.Header {
	c := make(HeaderCarrier, len(base))
	copy(c, base)
	for i := 0; i+1 < len(kv); i += 2 {
		c.Set(kv[i], kv[i+1])
	}
	return c
}

// injectTrace returns headers plus the trace context of ctx.
func injectTrace(ctx context.Context, headers []segkafka.Header) []segkafka.Header {
	c := HeaderCarrier(WithHeaders(headers))
	otel.GetTextMapPropagator().Inject(ctx, &c)
	return c
}

// extractTrace returns ctx carrying the trace context found in headers.
func extractTrace(ctx context.Context, headers []segkafka.Header) context.Context {
	c := HeaderCarrier(headers)
	return otel.GetTextMapPropagator().Extract(ctx, &c)
}
