package pubsub

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/propagation"
)

func TestPublisherRequiresTopic(t *testing.T) {
	t.Parallel()

	_, err := New(nil).Publish(context.Background(), "events", map[string]string{"a": "b"})
	require.Error(t, err)
	require.NoError(t, New(nil).Close())
}

func TestDialValidatesArguments(t *testing.T) {
	t.Parallel()

	_, err := Dial(context.Background(), "", "events")
	require.Error(t, err)
}

func TestCarrierRoundTrip(t *testing.T) {
	t.Parallel()

	var _ propagation.TextMapCarrier = carrier{}
	c := carrier{}
	c.Set("traceparent", "00-abc-def-01")
	require.Equal(t, "00-abc-def-01", c.Get("traceparent"))
	require.Equal(t, []string{"traceparent"}, c.Keys())
}
