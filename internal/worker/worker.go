// Package worker implements the scrape pipeline execution loop.
package worker

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/JakeFAU/harvester/internal/export"
	"github.com/JakeFAU/harvester/internal/extract"
	"github.com/JakeFAU/harvester/internal/progress"
	"github.com/JakeFAU/harvester/internal/scrape"
	"github.com/JakeFAU/harvester/internal/telemetry"
)

// Runner dispatches one job to its platform extraction routine.
type Runner interface {
	Run(ctx context.Context, jc scrape.JobContext, job scrape.Job) ([]scrape.Item, extract.Stats, error)
}

// Exporter renders collected items into downloadable artifacts.
type Exporter interface {
	Export(ctx context.Context, job scrape.Job, items []scrape.Item, stats scrape.JobStats) (string, error)
}

var _ Exporter = (*export.Exporter)(nil)

// Config controls Worker behavior.
type Config struct {
	// MaxJobAttempts caps deliveries per job, counting the first one.
	MaxJobAttempts int
	// RequeueBaseDelay and RequeueMaxDelay bound the exponential gap
	// between redeliveries of a transiently failed job.
	RequeueBaseDelay time.Duration
	RequeueMaxDelay  time.Duration
	// PollInterval is the cancellation watcher cadence.
	PollInterval time.Duration
}

func (c Config) withDefaults() Config {
	if c.MaxJobAttempts <= 0 {
		c.MaxJobAttempts = 3
	}
	if c.RequeueBaseDelay <= 0 {
		c.RequeueBaseDelay = 2 * time.Second
	}
	if c.RequeueMaxDelay <= 0 {
		c.RequeueMaxDelay = time.Minute
	}
	if c.PollInterval <= 0 {
		c.PollInterval = 500 * time.Millisecond
	}
	return c
}

// Worker consumes queue items and executes the extraction pipeline.
type Worker struct {
	queue     scrape.Queue
	jobStore  scrape.JobStore
	runner    Runner
	exporter  Exporter
	emitter   progress.Emitter
	canceller scrape.Canceller
	limiter   *rate.Limiter
	clock     scrape.Clock
	cfg       Config
	logger    *zap.Logger
}

// New constructs a Worker.
func New(
	queue scrape.Queue,
	jobStore scrape.JobStore,
	runner Runner,
	exporter Exporter,
	emitter progress.Emitter,
	canceller scrape.Canceller,
	limiter *rate.Limiter,
	clock scrape.Clock,
	cfg Config,
	logger *zap.Logger,
) *Worker {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Worker{
		queue:     queue,
		jobStore:  jobStore,
		runner:    runner,
		exporter:  exporter,
		emitter:   emitter,
		canceller: canceller,
		limiter:   limiter,
		clock:     clock,
		cfg:       cfg.withDefaults(),
		logger:    logger,
	}
}

// Run blocks, consuming queue items until the context finishes or the
// queue closes.
func (w *Worker) Run(ctx context.Context) {
	for {
		item, err := w.queue.Dequeue(ctx)
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, scrape.ErrQueueClosed) {
				return
			}
			w.logger.Error("queue dequeue failed", zap.Error(err))
			continue
		}
		w.logger.Debug("dequeued job",
			zap.String("job_id", item.JobID),
			zap.Int("attempt", item.Attempt))

		if err := w.admit(ctx); err != nil {
			// The item is already acked; push it back so it is not lost
			// to a shutdown that raced the admission wait.
			w.enqueueAgain(ctx, item)
			return
		}
		w.processJob(ctx, item)
	}
}

// admit waits for a job-start slot from the shared rate limiter.
func (w *Worker) admit(ctx context.Context) error {
	if w.limiter == nil {
		return nil
	}
	return w.limiter.Wait(ctx)
}

func (w *Worker) processJob(ctx context.Context, item scrape.QueueItem) {
	if w.runner == nil {
		w.logger.Error("no extraction runner configured", zap.String("job_id", item.JobID))
		if err := w.jobStore.UpdateJobStatus(ctx, item.JobID, scrape.StatusFailed, "no extraction runner configured"); err != nil {
			w.logger.Error("fail job status update", zap.String("job_id", item.JobID), zap.Error(err))
		}
		return
	}

	telemetry.IncActiveWorkers()
	defer telemetry.DecActiveWorkers()

	job := scrape.Job{
		ID:        item.JobID,
		Type:      item.Type,
		Config:    item.Config,
		Status:    scrape.StatusActive,
		Submitted: time.Unix(item.Submitted, 0).UTC(),
		Attempt:   item.Attempt,
	}
	platform := item.Type.Platform()

	// A cancel raised while the job sat queued never starts work.
	if w.canceller != nil && w.canceller.Cancelled(item.JobID) {
		w.cancelled(ctx, job, platform, scrape.JobStats{}, w.clock.Now())
		return
	}

	started := w.clock.Now()
	if err := w.withRetry(ctx, "mark job started", func() error {
		return w.jobStore.MarkStarted(ctx, item.JobID, started, item.Attempt)
	}); err != nil {
		w.logger.Error("mark job started failed", zap.String("job_id", item.JobID), zap.Error(err))
		return
	}
	w.emitter.Emit(progress.NewLifecycle(item.JobID, platform, scrape.StatusActive, started))

	jc, jobCtx, stop := w.newJobContext(ctx, item.JobID, platform)
	defer stop()

	items, stats, err := w.runner.Run(jobCtx, jc, job)
	finished := w.clock.Now()

	jobStats := scrape.JobStats{
		Count:      stats.Collected,
		Requested:  stats.Requested,
		Failed:     stats.Failed,
		DurationMS: finished.Sub(started).Milliseconds(),
	}

	switch {
	case err == nil:
		w.complete(ctx, job, platform, items, jobStats, finished)
	case errors.Is(err, scrape.ErrCancelled):
		w.cancelled(ctx, job, platform, jobStats, finished)
	default:
		cls := scrape.ClassOf(err)
		if scrape.RetryableJob(cls) && item.Attempt < w.cfg.MaxJobAttempts {
			w.requeue(ctx, job, platform, err, cls)
			return
		}
		w.failed(ctx, job, platform, jobStats, err, finished)
	}
}

// complete exports the collected items and records success. Losing the
// artifact loses the deliverable, so an export failure fails the job.
func (w *Worker) complete(ctx context.Context, job scrape.Job, platform string, items []scrape.Item, stats scrape.JobStats, finished time.Time) {
	url, err := w.exporter.Export(ctx, job, items, stats)
	if err != nil {
		w.logger.Error("export failed", zap.String("job_id", job.ID), zap.Error(err))
		w.failed(ctx, job, platform, stats, fmt.Errorf("export results: %w", err), finished)
		return
	}
	result := scrape.JobResult{
		Success:     true,
		DownloadURL: url,
		Stats:       &stats,
	}
	w.setResult(ctx, job, platform, scrape.StatusCompleted, result, finished)
}

func (w *Worker) cancelled(ctx context.Context, job scrape.Job, platform string, stats scrape.JobStats, finished time.Time) {
	result := scrape.JobResult{
		Success:   false,
		Cancelled: true,
		Stats:     &stats,
		Error:     "cancelled by user",
	}
	w.setResult(ctx, job, platform, scrape.StatusCancelled, result, finished)
}

func (w *Worker) failed(ctx context.Context, job scrape.Job, platform string, stats scrape.JobStats, runErr error, finished time.Time) {
	result := scrape.JobResult{
		Success: false,
		Stats:   &stats,
		Error:   runErr.Error(),
	}
	w.setResult(ctx, job, platform, scrape.StatusFailed, result, finished)
}

// requeue schedules another delivery for a transiently failed job. The
// job flips back to queued so its state never claims progress it lost.
func (w *Worker) requeue(ctx context.Context, job scrape.Job, platform string, runErr error, cls scrape.Class) {
	delay := w.requeueDelay(job.Attempt)
	w.logger.Warn("requeueing job after transient failure",
		zap.String("job_id", job.ID),
		zap.String("class", string(cls)),
		zap.Int("attempt", job.Attempt),
		zap.Duration("delay", delay),
		zap.Error(runErr))

	select {
	case <-time.After(delay):
	case <-ctx.Done():
	}

	item := scrape.QueueItem{
		JobID:     job.ID,
		Type:      job.Type,
		Config:    job.Config,
		Attempt:   job.Attempt + 1,
		Submitted: job.Submitted.Unix(),
	}
	if err := w.enqueueAgain(ctx, item); err != nil {
		w.failed(ctx, job, platform, scrape.JobStats{}, fmt.Errorf("requeue job: %w", runErr), w.clock.Now())
		return
	}
	if err := w.jobStore.UpdateJobStatus(ctx, job.ID, scrape.StatusQueued, runErr.Error()); err != nil {
		w.logger.Error("requeue status update failed", zap.String("job_id", job.ID), zap.Error(err))
	}
	w.emitter.Emit(progress.NewLifecycle(job.ID, platform, scrape.StatusQueued, w.clock.Now()))
}

// enqueueAgain pushes an already-acked item back onto the queue, falling
// back to a short detached context when the worker's own is gone.
func (w *Worker) enqueueAgain(ctx context.Context, item scrape.QueueItem) error {
	enqCtx := ctx
	if ctx.Err() != nil {
		var cancel context.CancelFunc
		enqCtx, cancel = context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
		defer cancel()
	}
	if err := w.queue.Enqueue(enqCtx, item); err != nil {
		w.logger.Error("re-enqueue failed",
			zap.String("job_id", item.JobID),
			zap.Int("attempt", item.Attempt),
			zap.Error(err))
		return err
	}
	return nil
}

func (w *Worker) setResult(ctx context.Context, job scrape.Job, platform string, status scrape.JobStatus, result scrape.JobResult, finished time.Time) {
	if err := w.withRetry(ctx, "set job result", func() error {
		return w.jobStore.SetResult(ctx, job.ID, status, result, finished)
	}); err != nil {
		w.logger.Error("set job result failed", zap.String("job_id", job.ID), zap.Error(err))
	}
	if w.canceller != nil {
		w.canceller.Clear(job.ID)
	}

	evt := progress.NewLifecycle(job.ID, platform, status, finished)
	if result.Stats != nil {
		evt.DurationMS = result.Stats.DurationMS
		telemetry.ObserveItemsExtracted(platform, result.Stats.Count)
	}
	w.emitter.Emit(evt)
	telemetry.ObserveJob(string(status))

	w.logger.Info("job finished",
		zap.String("job_id", job.ID),
		zap.String("status", string(status)),
		zap.String("platform", platform),
		zap.Int("attempt", job.Attempt),
		zap.Int64("duration_ms", evt.DurationMS))
}
