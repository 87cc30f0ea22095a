package kafka

import (
	"context"
	"testing"

	segkafka "github.com/segmentio/kafka-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/trace"
)

func TestHeaderCarrier_SetReplaces(t *testing.T) {
	var c HeaderCarrier
	c.Set("traceparent", "a")
	c.Set(RejectReasonHeader, "r")
	c.Set("traceparent", "b")

	assert.Equal(t, "b", c.Get("traceparent"))
	assert.Equal(t, "r", c.Get(RejectReasonHeader))
	assert.ElementsMatch(t, []string{"traceparent", RejectReasonHeader}, c.Keys())
	assert.Equal(t, "", c.Get("missing"))
}

func TestWithHeaders_DoesNotAlias(t *testing.T) {
	base := []segkafka.Header{{Key: "a", Value: []byte("1")}}

	out := WithHeaders(base, "a", "2", "b", "3")

	assert.Equal(t, "1", string(base[0].Value))
	assert.Equal(t, "2", HeaderCarrier(out).Get("a"))
	assert.Equal(t, "3", HeaderCarrier(out).Get("b"))
	assert.Len(t, out, 2)
}

func TestTraceRoundTrip(t *testing.T) {
	prev := otel.GetTextMapPropagator()
	otel.SetTextMapPropagator(propagation.TraceContext{})
	t.Cleanup(func() { otel.SetTextMapPropagator(prev) })

	traceID, err := trace.TraceIDFromHex("0af7651916cd43dd8448eb211c80319c")
	require.NoError(t, err)
	spanID, err := trace.SpanIDFromHex("b7ad6b7169203331")
	require.NoError(t, err)
	sc := trace.NewSpanContext(trace.SpanContextConfig{TraceID: traceID, SpanID: spanID, TraceFlags: trace.FlagsSampled})
	ctx := trace.ContextWithSpanContext(context.Background(), sc)

	headers := injectTrace(ctx, []segkafka.Header{{Key: "traceparent", Value: []byte("stale")}})
	assert.Len(t, headers, 1, "existing traceparent is replaced")

	got := trace.SpanContextFromContext(extractTrace(context.Background(), headers))
	assert.Equal(t, traceID, got.TraceID())
	assert.Equal(t, spanID, got.SpanID())
}
