package worker

import (
	"context"
	"errors"
	"time"

	"github.com/cenkalti/backoff/v4"
	"go.uber.org/zap"

	"github.com/JakeFAU/harvester/internal/scrape"
)

// withRetry runs fn with a short exponential backoff. It guards the
// persistence writes whose loss would strand a job in a non-terminal
// state; not-found and closed-queue errors are permanent and fail fast.
func (w *Worker) withRetry(ctx context.Context, name string, fn func() error) error {
	op := func() error {
		err := fn()
		if errors.Is(err, scrape.ErrJobNotFound) || errors.Is(err, scrape.ErrQueueClosed) {
			return backoff.Permanent(err)
		}
		return err
	}
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = 100 * time.Millisecond
	bo.MaxInterval = time.Second
	bo.MaxElapsedTime = 5 * time.Second
	notify := func(err error, wait time.Duration) {
		w.logger.Warn(name+" will retry",
			zap.Duration("wait", wait),
			zap.Error(err))
	}
	return backoff.RetryNotify(op, backoff.WithContext(bo, ctx), notify)
}

// requeueDelay computes the gap before redelivering a job on its next
// attempt. The schedule doubles from the configured base up to the
// configured maximum, with randomization off.
func (w *Worker) requeueDelay(attempt int) time.Duration {
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = w.cfg.RequeueBaseDelay
	bo.MaxInterval = w.cfg.RequeueMaxDelay
	bo.Multiplier = 2
	bo.RandomizationFactor = 0

	delay := bo.NextBackOff()
	for i := 1; i < attempt; i++ {
		delay = bo.NextBackOff()
	}
	return delay
}
