package sinks

import (
	"context"

	"go.uber.org/zap"

	"github.com/JakeFAU/harvester/internal/progress"
	"github.com/JakeFAU/harvester/internal/scrape"
)

// LogSink mirrors the event stream into structured logs. It is useful during
// development and in deployments where nothing subscribes to the bus.
type LogSink struct {
	logger *zap.Logger
}

// NewLogSink wires a Zap logger to the sink interface.
func NewLogSink(logger *zap.Logger) *LogSink {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &LogSink{logger: logger}
}

// Consume logs each event in the batch using structured fields. Log events
// keep their emitted level; progress is logged at debug to avoid drowning
// the service log.
func (s *LogSink) Consume(_ context.Context, batch []progress.Event) error {
	for _, evt := range batch {
		fields := []zap.Field{
			zap.String("job_id", evt.JobID),
			zap.String("platform", evt.Platform),
		}
		switch evt.Kind {
		case progress.KindProgress:
			fields = append(fields,
				zap.Int("current", evt.Current),
				zap.Int("target", evt.Target),
				zap.Int("percentage", evt.Percentage),
				zap.String("action", evt.Action),
			)
			s.logger.Debug("job progress", fields...)
		case progress.KindLog:
			s.leveled(evt.Level, append(fields, zap.String("message", evt.Message)))
		case progress.KindLifecycle:
			fields = append(fields, zap.String("status", string(evt.Status)))
			if evt.DurationMS > 0 {
				fields = append(fields, zap.Int64("duration_ms", evt.DurationMS))
			}
			s.logger.Info("job lifecycle", fields...)
		}
	}
	return nil
}

func (s *LogSink) leveled(level scrape.LogLevel, fields []zap.Field) {
	switch level {
	case scrape.LogDebug:
		s.logger.Debug("job log", fields...)
	case scrape.LogWarn:
		s.logger.Warn("job log", fields...)
	case scrape.LogError:
		s.logger.Error("job log", fields...)
	default:
		s.logger.Info("job log", fields...)
	}
}

// Close implements the Sink interface; it performs no action.
func (s *LogSink) Close(context.Context) error {
	return nil
}
