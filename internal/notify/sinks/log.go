package sinks

import (
	"context"

	"go.uber.org/zap"

	"github.com/JakeFAU/catalog-harvester/internal/notify"
)

// LogSink writes each event as a structured log line.
type LogSink struct {
	logger *zap.Logger
}

// NewLogSink wires a logger to the sink interface.
func NewLogSink(logger *zap.Logger) *LogSink {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &LogSink{logger: logger}
}

// Consume logs every event in the batch.
func (s *LogSink) Consume(_ context.Context, batch []notify.Event) error {
	for _, evt := range batch {
		fields := []zap.Field{
			zap.String("event", string(evt.Type)),
			zap.String("user_id", evt.UserID),
			zap.String("run_id", evt.RunID),
		}
		if evt.Stage != "" {
			fields = append(fields, zap.String("stage", string(evt.Stage)), zap.Int("items", evt.Items))
		}
		if evt.Dur > 0 {
			fields = append(fields, zap.Duration("dur", evt.Dur))
		}
		if evt.Reason != "" {
			fields = append(fields, zap.String("reason", evt.Reason))
		}
		if evt.Stats != nil {
			fields = append(fields,
				zap.Int("total_products", evt.Stats.TotalProducts),
				zap.Int("successful_products", evt.Stats.SuccessfulProducts),
				zap.Int("total_sellers", evt.Stats.TotalSellers),
			)
		}
		if len(evt.Artifacts) > 0 {
			fields = append(fields, zap.Strings("artifacts", evt.Artifacts))
		}
		s.logger.Info("notification", fields...)
	}
	return nil
}

// Close is a no-op.
func (s *LogSink) Close(context.Context) error {
	return nil
}
