package notify

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/JakeFAU/catalog-harvester/internal/harvest"
)

type stubSink struct {
	mu      sync.Mutex
	batches [][]Event
	closed  bool
	err     error
}

func (s *stubSink) Consume(_ context.Context, batch []Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.batches = append(s.batches, append([]Event(nil), batch...))
	return s.err
}

func (s *stubSink) Close(context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}

func (s *stubSink) events() []Event {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []Event
	for _, b := range s.batches {
		out = append(out, b...)
	}
	return out
}

func sampleEvent(typ Type) Event {
	return Event{Type: typ, UserID: "alice", RunID: "run-1", TS: time.Now()}
}

func TestHubBatchBySize(t *testing.T) {
	t.Parallel()

	sink := &stubSink{}
	hub := NewHub(Config{BufferSize: 8, MaxBatchEvents: 2, MaxBatchWait: time.Minute}, sink)
	defer func() {
		require.NoError(t, hub.Close(context.Background()))
	}()

	hub.Emit(sampleEvent(EventJobStarted))
	hub.Emit(sampleEvent(EventJobAborted))
	require.Eventually(t, func() bool {
		return len(sink.events()) == 2
	}, time.Second, 10*time.Millisecond)
}

func TestHubFlushByTimer(t *testing.T) {
	t.Parallel()

	sink := &stubSink{}
	hub := NewHub(Config{MaxBatchEvents: 10, MaxBatchWait: 20 * time.Millisecond}, sink)
	defer func() {
		require.NoError(t, hub.Close(context.Background()))
	}()

	hub.Emit(sampleEvent(EventJobStarted))
	require.Eventually(t, func() bool {
		return len(sink.events()) == 1
	}, time.Second, 5*time.Millisecond)
}

func TestHubFlushOnClose(t *testing.T) {
	t.Parallel()

	sink := &stubSink{}
	hub := NewHub(Config{MaxBatchEvents: 100, MaxBatchWait: time.Minute}, sink)
	hub.Emit(sampleEvent(EventJobStarted))

	require.NoError(t, hub.Close(context.Background()))
	require.Len(t, sink.events(), 1)
	require.True(t, sink.closed)

	hub.Emit(sampleEvent(EventJobStarted))
	require.Len(t, sink.events(), 1, "emit after close is ignored")
}

func TestHubDiscardsInvalidEvents(t *testing.T) {
	t.Parallel()

	sink := &stubSink{}
	hub := NewHub(Config{MaxBatchWait: time.Minute}, sink)
	hub.Emit(Event{Type: EventJobStarted, TS: time.Now()})
	hub.Emit(Event{Type: "bogus", UserID: "alice", TS: time.Now()})
	require.NoError(t, hub.Close(context.Background()))
	require.Empty(t, sink.events())
}

func TestHubSinkErrorDoesNotStopDelivery(t *testing.T) {
	t.Parallel()

	failing := &stubSink{err: errors.New("down")}
	healthy := &stubSink{}
	hub := NewHub(Config{MaxBatchWait: time.Minute, Logger: zap.NewNop()}, failing, healthy)
	hub.Emit(sampleEvent(EventJobStarted))
	require.NoError(t, hub.Close(context.Background()))
	require.Len(t, healthy.events(), 1)
}

func TestHubEmitNonBlocking(t *testing.T) {
	t.Parallel()

	hub := &Hub{events: make(chan Event), logger: zap.NewNop()}
	start := time.Now()
	for i := 0; i < 10; i++ {
		hub.Emit(sampleEvent(EventJobStarted))
	}
	require.Less(t, time.Since(start), 50*time.Millisecond)
}

func TestEventValidate(t *testing.T) {
	t.Parallel()

	now := time.Now()
	tests := []struct {
		name    string
		evt     Event
		wantErr bool
	}{
		{name: "job started", evt: Event{Type: EventJobStarted, UserID: "u", TS: now}},
		{name: "missing user", evt: Event{Type: EventJobStarted, TS: now}, wantErr: true},
		{name: "missing ts", evt: Event{Type: EventJobStarted, UserID: "u"}, wantErr: true},
		{name: "stage without stage", evt: Event{Type: EventStageCompleted, UserID: "u", TS: now}, wantErr: true},
		{name: "stage", evt: Event{Type: EventStageCompleted, UserID: "u", TS: now, Stage: harvest.StageProducts}},
		{name: "report without stats", evt: Event{Type: EventReportReady, UserID: "u", TS: now}, wantErr: true},
		{name: "report", evt: Event{Type: EventReportReady, UserID: "u", TS: now, Stats: &harvest.Stats{}}},
		{name: "file without artifacts", evt: Event{Type: EventFileReady, UserID: "u", TS: now}, wantErr: true},
		{name: "file", evt: Event{Type: EventFileReady, UserID: "u", TS: now, Artifacts: []string{"file:///a.json"}}},
		{name: "negative duration", evt: Event{Type: EventJobStarted, UserID: "u", TS: now, Dur: -1}, wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			err := tt.evt.Validate()
			if tt.wantErr {
				require.Error(t, err)
				return
			}
			require.NoError(t, err)
		})
	}
}
