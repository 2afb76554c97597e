package otel

import (
	"context"
	"testing"

	"github.com/miximus/wslink/pkg/wslink/o11y"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestProvider(t *testing.T) {
	provider := NewProvider("wslink-test", "v0.0.0")
	ctx := context.Background()
	label := o11y.Label{Key: "action", Value: "ping"}

	t.Run("instruments record without an SDK", func(t *testing.T) {
		require.NotNil(t, provider.Counter("test_total"))
		require.NotNil(t, provider.Histogram("test_seconds"))
		require.NotNil(t, provider.Gauge("test_gauge"))

		assert.NotPanics(t, func() {
			provider.Counter("test_total").Add(ctx, 1, label)
			provider.Histogram("test_seconds").Record(ctx, 0.5, label)
			provider.Gauge("test_gauge").Set(ctx, 1, label)
		})
	})

	t.Run("spans", func(t *testing.T) {
		spanCtx, span := provider.StartSpan(ctx, "wslink.request")
		require.NotNil(t, spanCtx)
		require.NotNil(t, span)

		assert.NotPanics(t, func() {
			span.SetAttributes(label)
			span.SetStatus(o11y.SpanStatusError, "boom")
			span.SetStatus(o11y.SpanStatusOK, "")
			span.SetStatus(o11y.SpanStatusUnset, "")
			span.End()
		})
	})

	t.Run("satisfies the o11y interfaces", func(t *testing.T) {
		var _ o11y.MetricsProvider = provider
		var _ o11y.TracingProvider = provider
	})
}

func TestStartSpanWithoutProvider(t *testing.T) {
	ctx := context.Background()

	spanCtx, span := o11y.StartSpan(ctx, nil, "wslink.request")
	assert.Equal(t, ctx, spanCtx)
	assert.NotPanics(t, func() {
		span.SetAttributes(o11y.Label{Key: "k", Value: "v"})
		span.SetStatus(o11y.SpanStatusOK, "")
		span.End()
	})
}
