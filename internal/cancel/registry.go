// Package cancel tracks cooperative cancellation flags for running jobs.
//
// Cancelling a job does not interrupt it; it raises a flag that the worker
// polls between units of work. Flags expire on a TTL so requests against
// jobs nobody is running do not accumulate forever.
package cancel

import (
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/harvester/internal/scrape"
)

const (
	// DefaultTTL bounds how long a raised flag outlives the cancel request.
	DefaultTTL = time.Hour

	sweepInterval = time.Minute
)

// Registry is a process-local scrape.Canceller. Flags are keyed by job ID;
// workers clear them explicitly once the stop is observed, and a background
// sweeper reaps whatever expires unobserved.
type Registry struct {
	ttl    time.Duration
	clock  scrape.Clock
	logger *zap.Logger

	mu      sync.RWMutex
	entries map[string]time.Time

	stopCh    chan struct{}
	doneCh    chan struct{}
	closeOnce sync.Once
}

// NewRegistry starts a registry and its sweeper. A non-positive ttl uses
// DefaultTTL.
func NewRegistry(ttl time.Duration, clk scrape.Clock, logger *zap.Logger) *Registry {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	r := &Registry{
		ttl:     ttl,
		clock:   clk,
		logger:  logger,
		entries: make(map[string]time.Time),
		stopCh:  make(chan struct{}),
		doneCh:  make(chan struct{}),
	}
	go r.sweep()
	return r
}

// Cancel raises the flag for a job. Raising it again refreshes the TTL.
func (r *Registry) Cancel(jobID string) {
	if jobID == "" {
		return
	}
	expiry := r.clock.Now().Add(r.ttl)
	r.mu.Lock()
	r.entries[jobID] = expiry
	r.mu.Unlock()
	r.logger.Debug("cancellation flag raised", zap.String("job_id", jobID))
}

// Cancelled reports whether the job's flag is raised and unexpired.
func (r *Registry) Cancelled(jobID string) bool {
	r.mu.RLock()
	expiry, ok := r.entries[jobID]
	r.mu.RUnlock()
	if !ok {
		return false
	}
	if r.clock.Now().After(expiry) {
		r.Clear(jobID)
		return false
	}
	return true
}

// Clear drops the flag so a resubmitted job ID starts clean.
func (r *Registry) Clear(jobID string) {
	r.mu.Lock()
	delete(r.entries, jobID)
	r.mu.Unlock()
}

// Close stops the sweeper and waits for it to exit. Safe to call twice.
func (r *Registry) Close() {
	r.closeOnce.Do(func() { close(r.stopCh) })
	<-r.doneCh
}

func (r *Registry) sweep() {
	defer close(r.doneCh)
	ticker := time.NewTicker(sweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			r.expire()
		case <-r.stopCh:
			return
		}
	}
}

func (r *Registry) expire() {
	now := r.clock.Now()
	r.mu.Lock()
	for id, expiry := range r.entries {
		if now.After(expiry) {
			delete(r.entries, id)
		}
	}
	r.mu.Unlock()
}
