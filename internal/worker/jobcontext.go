package worker

import (
	"context"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/harvester/internal/progress"
	"github.com/JakeFAU/harvester/internal/scrape"
)

// jobContext is the per-job capability handed to extraction routines. It
// forwards progress and log events to the hub and answers the cheap
// Stopped predicate the routines poll between units of work.
type jobContext struct {
	id       string
	platform string
	emitter  progress.Emitter
	logger   *zap.Logger
	clock    scrape.Clock

	stop atomic.Bool
	high atomic.Int64
}

// newJobContext builds the context plus a watcher goroutine that polls
// the cancellation registry. The watcher flips the stop predicate and
// cancels the returned context so in-flight requests abort, not just the
// spots that poll.
func (w *Worker) newJobContext(ctx context.Context, jobID, platform string) (*jobContext, context.Context, func()) {
	jobCtx, cancel := context.WithCancel(ctx)
	jc := &jobContext{
		id:       jobID,
		platform: platform,
		emitter:  w.emitter,
		logger:   w.logger.With(zap.String("job_id", jobID)),
		clock:    w.clock,
	}

	done := make(chan struct{})
	go func() {
		ticker := time.NewTicker(w.cfg.PollInterval)
		defer ticker.Stop()
		for {
			select {
			case <-done:
				return
			case <-jobCtx.Done():
				jc.stop.Store(true)
				return
			case <-ticker.C:
				if w.canceller != nil && w.canceller.Cancelled(jobID) {
					jc.stop.Store(true)
					cancel()
					return
				}
			}
		}
	}()

	stopFn := func() {
		close(done)
		cancel()
	}
	return jc, jobCtx, stopFn
}

func (c *jobContext) JobID() string { return c.id }

// EmitProgress forwards a progress event. Current never runs backwards
// even if a routine reports a smaller count after a partial page.
func (c *jobContext) EmitProgress(current, target int, action string) {
	for {
		prev := c.high.Load()
		if int64(current) <= prev {
			current = int(prev)
			break
		}
		if c.high.CompareAndSwap(prev, int64(current)) {
			break
		}
	}
	c.emitter.Emit(progress.NewProgress(c.id, c.platform, current, target, action, c.clock.Now()))
}

// EmitLog forwards a log event to the hub and mirrors it to the process
// logger so per-job streams and operator logs tell the same story.
func (c *jobContext) EmitLog(level scrape.LogLevel, message string) {
	c.emitter.Emit(progress.NewLog(c.id, c.platform, level, message, c.clock.Now()))
	switch level {
	case scrape.LogDebug:
		c.logger.Debug(message)
	case scrape.LogWarn:
		c.logger.Warn(message)
	case scrape.LogError:
		c.logger.Error(message)
	default:
		c.logger.Info(message)
	}
}

func (c *jobContext) Stopped() bool { return c.stop.Load() }
