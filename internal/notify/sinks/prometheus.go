package sinks

import (
	"context"
	"fmt"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/JakeFAU/catalog-harvester/internal/notify"
)

// PrometheusSink counts notifications and tracks running jobs.
type PrometheusSink struct {
	events      *prometheus.CounterVec
	jobsRunning prometheus.Gauge
	jobRuntime  prometheus.Histogram
	stageItems  *prometheus.CounterVec
}

// NewPrometheusSink registers the sink's collectors with reg.
func NewPrometheusSink(reg prometheus.Registerer) (*PrometheusSink, error) {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	s := &PrometheusSink{
		events: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "harvester_notifications_total",
			Help: "Notifications emitted partitioned by event type.",
		}, []string{"event"}),
		jobsRunning: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "harvester_jobs_running",
			Help: "Jobs started and not yet finished or aborted.",
		}),
		jobRuntime: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "harvester_job_runtime_seconds",
			Help:    "Wall time per completed job.",
			Buckets: []float64{10, 30, 60, 120, 300, 600, 1200, 2400},
		}),
		stageItems: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "harvester_stage_items_total",
			Help: "Items processed by completed stages.",
		}, []string{"stage"}),
	}
	for _, collector := range []prometheus.Collector{s.events, s.jobsRunning, s.jobRuntime, s.stageItems} {
		if err := reg.Register(collector); err != nil {
			return nil, fmt.Errorf("register notify collector: %w", err)
		}
	}
	return s, nil
}

// Consume updates collectors from the batch.
func (s *PrometheusSink) Consume(_ context.Context, batch []notify.Event) error {
	for _, evt := range batch {
		s.events.WithLabelValues(string(evt.Type)).Inc()
		switch evt.Type {
		case notify.EventJobStarted:
			s.jobsRunning.Inc()
		case notify.EventJobAborted:
			s.jobsRunning.Dec()
		case notify.EventReportReady:
			s.jobsRunning.Dec()
			if evt.Stats != nil && evt.Stats.Elapsed > 0 {
				s.jobRuntime.Observe(evt.Stats.Elapsed.Seconds())
			}
		case notify.EventStageCompleted:
			s.stageItems.WithLabelValues(string(evt.Stage)).Add(float64(evt.Items))
		}
	}
	return nil
}

// Close is a no-op.
func (s *PrometheusSink) Close(context.Context) error {
	return nil
}
