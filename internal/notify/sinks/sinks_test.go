package sinks

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"

	"github.com/JakeFAU/catalog-harvester/internal/harvest"
	"github.com/JakeFAU/catalog-harvester/internal/notify"
	"github.com/JakeFAU/catalog-harvester/internal/publisher/memory"
)

func batch() []notify.Event {
	now := time.Now()
	return []notify.Event{
		{Type: notify.EventJobStarted, UserID: "alice", RunID: "r1", TS: now},
		{Type: notify.EventStageCompleted, UserID: "alice", RunID: "r1", TS: now, Stage: harvest.StageProducts, Items: 12},
		{Type: notify.EventReportReady, UserID: "alice", RunID: "r1", TS: now, Stats: &harvest.Stats{TotalProducts: 12, Elapsed: 90 * time.Second}},
	}
}

func TestPrometheusSinkRecordsMetrics(t *testing.T) {
	t.Parallel()

	reg := prometheus.NewRegistry()
	sink, err := NewPrometheusSink(reg)
	require.NoError(t, err)

	require.NoError(t, sink.Consume(context.Background(), batch()))
	require.Equal(t, 1.0, testutil.ToFloat64(sink.events.WithLabelValues(string(notify.EventJobStarted))))
	require.Equal(t, 1.0, testutil.ToFloat64(sink.events.WithLabelValues(string(notify.EventReportReady))))
	require.Equal(t, 0.0, testutil.ToFloat64(sink.jobsRunning))
	require.Equal(t, 12.0, testutil.ToFloat64(sink.stageItems.WithLabelValues("products")))
	require.Equal(t, 1, testutil.CollectAndCount(sink.jobRuntime, "harvester_job_runtime_seconds"))

	_, err = NewPrometheusSink(reg)
	require.Error(t, err, "duplicate registration fails")
}

func TestLogSinkWritesOneLinePerEvent(t *testing.T) {
	t.Parallel()

	core, logs := observer.New(zap.InfoLevel)
	sink := NewLogSink(zap.New(core))

	require.NoError(t, sink.Consume(context.Background(), batch()))
	require.Equal(t, 3, logs.Len())
	entry := logs.All()[1]
	require.Equal(t, "notification", entry.Message)
	require.Equal(t, "products", entry.ContextMap()["stage"])
	require.NoError(t, sink.Close(context.Background()))
}

func TestPublisherSinkPublishesEvents(t *testing.T) {
	t.Parallel()

	pub := memory.New()
	sink := NewPublisherSink(pub, "harvest-events")

	require.NoError(t, sink.Consume(context.Background(), batch()))
	msgs := pub.Messages()
	require.Len(t, msgs, 3)
	require.Equal(t, "harvest-events", msgs[0].Topic)
	evt, ok := msgs[2].Payload.(notify.Event)
	require.True(t, ok)
	require.Equal(t, notify.EventReportReady, evt.Type)
}

type failingPublisher struct{}

func (failingPublisher) Publish(context.Context, string, any) (string, error) {
	return "", errors.New("topic gone")
}

func TestPublisherSinkJoinsErrors(t *testing.T) {
	t.Parallel()

	sink := NewPublisherSink(failingPublisher{}, "t")
	err := sink.Consume(context.Background(), batch())
	require.Error(t, err)
	require.Contains(t, err.Error(), "topic gone")

	require.Error(t, NewPublisherSink(nil, "t").Consume(context.Background(), batch()))
}
