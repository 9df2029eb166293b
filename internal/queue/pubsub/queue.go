// Package pubsub implements the job queue on Google Cloud Pub/Sub.
package pubsub

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	"cloud.google.com/go/pubsub"
	"go.uber.org/zap"
	"google.golang.org/api/option"

	"github.com/JakeFAU/harvester/internal/scrape"
	"github.com/JakeFAU/harvester/internal/telemetry"
)

// DefaultBuffer bounds how many received jobs wait for a worker before
// Pub/Sub flow control pauses delivery.
const DefaultBuffer = 16

// Config identifies the Pub/Sub resources backing the queue.
type Config struct {
	ProjectID      string `mapstructure:"project_id" yaml:"project_id"`
	TopicID        string `mapstructure:"topic_id" yaml:"topic_id"`
	SubscriptionID string `mapstructure:"subscription_id" yaml:"subscription_id"`
	Buffer         int    `mapstructure:"buffer" yaml:"buffer"`
}

// Queue is a durable job queue on a Pub/Sub topic and subscription pair.
// Messages are acknowledged when handed to a worker; retries past that
// point go through the submit-side requeue path rather than broker
// redelivery, so a crashed worker surfaces as a failed job instead of a
// silently redelivered one.
type Queue struct {
	client *pubsub.Client
	topic  *pubsub.Topic
	sub    *pubsub.Subscription
	logger *zap.Logger

	items  chan scrape.QueueItem
	cancel context.CancelFunc
	doneCh chan struct{}

	closeOnce sync.Once
}

// New connects to Pub/Sub, verifies the topic and subscription exist, and
// starts receiving in the background. It authenticates using Application
// Default Credentials unless overridden through opts.
func New(ctx context.Context, cfg Config, logger *zap.Logger, opts ...option.ClientOption) (*Queue, error) {
	if cfg.ProjectID == "" || cfg.TopicID == "" || cfg.SubscriptionID == "" {
		return nil, fmt.Errorf("queue.project_id, queue.topic_id and queue.subscription_id are required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	buffer := cfg.Buffer
	if buffer <= 0 {
		buffer = DefaultBuffer
	}

	client, err := pubsub.NewClient(ctx, cfg.ProjectID, opts...)
	if err != nil {
		return nil, fmt.Errorf("create pubsub client: %w", err)
	}
	topic := client.Topic(cfg.TopicID)
	ok, err := topic.Exists(ctx)
	if err != nil {
		closeClient(client, logger)
		return nil, fmt.Errorf("check topic %q: %w", cfg.TopicID, err)
	}
	if !ok {
		closeClient(client, logger)
		return nil, fmt.Errorf("pubsub topic %q does not exist in project %q", cfg.TopicID, cfg.ProjectID)
	}
	sub := client.Subscription(cfg.SubscriptionID)
	ok, err = sub.Exists(ctx)
	if err != nil {
		closeClient(client, logger)
		return nil, fmt.Errorf("check subscription %q: %w", cfg.SubscriptionID, err)
	}
	if !ok {
		closeClient(client, logger)
		return nil, fmt.Errorf("pubsub subscription %q does not exist in project %q", cfg.SubscriptionID, cfg.ProjectID)
	}
	sub.ReceiveSettings.MaxOutstandingMessages = buffer

	pumpCtx, cancel := context.WithCancel(context.Background())
	q := &Queue{
		client: client,
		topic:  topic,
		sub:    sub,
		logger: logger,
		items:  make(chan scrape.QueueItem, buffer),
		cancel: cancel,
		doneCh: make(chan struct{}),
	}
	go q.pump(pumpCtx)
	return q, nil
}

// Enqueue publishes the item and waits for the server acknowledgement so an
// accepted submission is never lost to a dropped connection.
func (q *Queue) Enqueue(ctx context.Context, item scrape.QueueItem) error {
	data, err := json.Marshal(item)
	if err != nil {
		return fmt.Errorf("marshal queue item: %w", err)
	}
	msg := &pubsub.Message{
		Data: data,
		Attributes: map[string]string{
			"jobId": item.JobID,
			"type":  string(item.Type),
		},
	}
	if _, err := q.topic.Publish(ctx, msg).Get(ctx); err != nil {
		return fmt.Errorf("publish queue item: %w", err)
	}
	return nil
}

// Dequeue pops the next job, respecting context cancellation.
func (q *Queue) Dequeue(ctx context.Context) (scrape.QueueItem, error) {
	select {
	case <-ctx.Done():
		return scrape.QueueItem{}, fmt.Errorf("dequeue canceled: %w", ctx.Err())
	case item, ok := <-q.items:
		if !ok {
			return scrape.QueueItem{}, scrape.ErrQueueClosed
		}
		telemetry.SetQueueDepth(len(q.items))
		return item, nil
	}
}

// Close stops message delivery, flushes pending publishes, and releases
// client resources.
func (q *Queue) Close() {
	q.closeOnce.Do(func() {
		q.cancel()
		<-q.doneCh
		q.topic.Stop()
		closeClient(q.client, q.logger)
	})
}

func (q *Queue) pump(ctx context.Context) {
	defer close(q.doneCh)
	defer close(q.items)
	err := q.sub.Receive(ctx, func(ctx context.Context, msg *pubsub.Message) {
		var item scrape.QueueItem
		if err := json.Unmarshal(msg.Data, &item); err != nil {
			// A payload that cannot parse will never parse; drop it
			// rather than redeliver forever.
			q.logger.Error("dropping malformed queue message",
				zap.String("message_id", msg.ID),
				zap.Error(err))
			msg.Ack()
			return
		}
		select {
		case q.items <- item:
			msg.Ack()
		case <-ctx.Done():
			msg.Nack()
		}
	})
	if err != nil && !errors.Is(err, context.Canceled) {
		q.logger.Error("pubsub receive stopped", zap.Error(err))
	}
}

func closeClient(client *pubsub.Client, logger *zap.Logger) {
	if err := client.Close(); err != nil {
		logger.Warn("close pubsub client", zap.Error(err))
	}
}
