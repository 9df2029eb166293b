package sinks

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/JakeFAU/harvester/internal/progress"
	"github.com/JakeFAU/harvester/internal/scrape"
)

// Per-job channel prefixes subscribers attach to.
const (
	progressTopicPrefix = "progress."
	logTopicPrefix      = "logs."
)

// ProgressTopic names the channel carrying progress and lifecycle events for
// one job.
func ProgressTopic(jobID string) string { return progressTopicPrefix + jobID }

// LogTopic names the channel carrying log events for one job.
func LogTopic(jobID string) string { return logTopicPrefix + jobID }

// progressMessage is the progress-channel payload for extraction counts.
type progressMessage struct {
	Kind       string `json:"kind"`
	Current    int    `json:"current"`
	Target     int    `json:"target"`
	Action     string `json:"action,omitempty"`
	Percentage int    `json:"percentage"`
	Timestamp  int64  `json:"timestamp"`
}

// logMessage is the log-channel payload. Timestamp is epoch milliseconds.
type logMessage struct {
	Level     scrape.LogLevel `json:"level"`
	Message   string          `json:"message"`
	Timestamp int64           `json:"timestamp"`
}

// lifecycleMessage marks a status transition on the progress channel.
type lifecycleMessage struct {
	Kind       string           `json:"kind"`
	Status     scrape.JobStatus `json:"status"`
	DurationMS int64            `json:"durationMs,omitempty"`
	Timestamp  int64            `json:"timestamp"`
}

// PublisherSink forwards events to the external bus on per-job channels, so
// a caller can follow a single job without filtering a shared stream. Log
// events go to logs.{jobID}; progress and lifecycle events go to
// progress.{jobID}, which is the channel status watchers poll.
type PublisherSink struct {
	pub    scrape.Publisher
	logger *zap.Logger
}

// NewPublisherSink constructs a PublisherSink for the provided bus.
func NewPublisherSink(pub scrape.Publisher, logger *zap.Logger) *PublisherSink {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &PublisherSink{pub: pub, logger: logger}
}

// Consume publishes each event on its job's channel. One failed publish does
// not stop the rest of the batch; the last failure is surfaced to the hub.
func (s *PublisherSink) Consume(ctx context.Context, batch []progress.Event) error {
	if s == nil || s.pub == nil {
		return nil
	}
	var failed int
	var lastErr error
	for _, evt := range batch {
		topic := ProgressTopic(evt.JobID)
		if evt.Kind == progress.KindLog {
			topic = LogTopic(evt.JobID)
		}
		if _, err := s.pub.Publish(ctx, topic, payloadFor(evt)); err != nil {
			failed++
			lastErr = err
		}
	}
	if lastErr != nil {
		return fmt.Errorf("publish %d of %d events: %w", failed, len(batch), lastErr)
	}
	return nil
}

// payloadFor renders the channel form of an event. Subscribers get these
// shapes, not the hub's internal record; the shared progress channel
// carries a kind discriminator so watchers can tell transitions from
// counts.
func payloadFor(evt progress.Event) any {
	ts := evt.TS.UnixMilli()
	switch evt.Kind {
	case progress.KindLog:
		return logMessage{
			Level:     evt.Level,
			Message:   evt.Message,
			Timestamp: ts,
		}
	case progress.KindLifecycle:
		return lifecycleMessage{
			Kind:       string(evt.Kind),
			Status:     evt.Status,
			DurationMS: evt.DurationMS,
			Timestamp:  ts,
		}
	default:
		return progressMessage{
			Kind:       string(evt.Kind),
			Current:    evt.Current,
			Target:     evt.Target,
			Action:     evt.Action,
			Percentage: evt.Percentage,
			Timestamp:  ts,
		}
	}
}

// Close implements the Sink interface; it performs no action.
func (s *PublisherSink) Close(context.Context) error {
	return nil
}
