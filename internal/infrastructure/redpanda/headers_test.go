package redpanda

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/twmb/franz-go/pkg/kgo"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/trace"
)

func TestTraceContextRoundTripsThroughHeaders(t *testing.T) {
	prev := otel.GetTextMapPropagator()
	otel.SetTextMapPropagator(propagation.TraceContext{})
	t.Cleanup(func() { otel.SetTextMapPropagator(prev) })

	traceID, _ := trace.TraceIDFromHex("4bf92f3577b34da6a3ce929d0e0e4736")
	spanID, _ := trace.SpanIDFromHex("00f067aa0ba902b7")
	sc := trace.NewSpanContext(trace.SpanContextConfig{
		TraceID:    traceID,
		SpanID:     spanID,
		TraceFlags: trace.FlagsSampled,
		Remote:     true,
	})
	ctx := trace.ContextWithSpanContext(context.Background(), sc)

	record := &kgo.Record{Headers: []kgo.RecordHeader{{Key: "x-correlation-id", Value: []byte("abc")}}}
	injectTraceHeaders(ctx, record)
	assert.Equal(t, "00-4bf92f3577b34da6a3ce929d0e0e4736-00f067aa0ba902b7-01", recordCarrier{record}.Get("traceparent"))

	got := trace.SpanContextFromContext(extractTraceContext(context.Background(), record))
	require.True(t, got.IsValid())
	assert.Equal(t, traceID, got.TraceID())
	assert.Equal(t, spanID, got.SpanID())
}

func TestRecordCarrierSetReplaces(t *testing.T) {
	record := &kgo.Record{}
	c := recordCarrier{record}
	c.Set("k", "1")
	c.Set("k", "2")
	assert.Len(t, record.Headers, 1)
	assert.Equal(t, "2", c.Get("k"))
	assert.Equal(t, []string{"k"}, c.Keys())
	assert.Empty(t, c.Get("missing"))
}

func TestToMessageCopiesHeaders(t *testing.T) {
	record := &kgo.Record{
		Topic:     TopicClaimsRequests,
		Partition: 3,
		Offset:    42,
		Key:       []byte("bill-1"),
		Value:     []byte(`{}`),
		Headers:   []kgo.RecordHeader{{Key: "a", Value: []byte("b")}},
	}
	msg := toMessage(record)
	assert.Equal(t, "bill-1", string(msg.Key))
	assert.Equal(t, int64(42), msg.Offset)
	assert.Equal(t, map[string]string{"a": "b"}, msg.Headers)
}

func TestDefaultTopicsIncludeDeadLetter(t *testing.T) {
	names := map[string]bool{}
	for _, cfg := range DefaultTopicConfigs() {
		names[cfg.Name] = true
		assert.NotNil(t, cfg.Configs["retention.ms"])
	}
	for _, want := range []string{TopicBillingEvents, TopicClaimsRequests, TopicClaimsResults, TopicAuditTrail, TopicDeadLetter} {
		assert.True(t, names[want], want)
	}
}
