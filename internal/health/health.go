// Package health aggregates dependency probes into one service summary.
package health

import (
	"context"
	"fmt"
	"time"

	"github.com/JakeFAU/harvester/internal/proxypool"
	"github.com/JakeFAU/harvester/internal/scrape"
	"github.com/JakeFAU/harvester/internal/telemetry"
)

// Status grades one check or the whole service.
type Status string

const (
	StatusHealthy  Status = "healthy"
	StatusDegraded Status = "degraded"
	StatusDown     Status = "down"
)

func worse(a, b Status) Status {
	rank := func(s Status) int {
		switch s {
		case StatusDown:
			return 2
		case StatusDegraded:
			return 1
		default:
			return 0
		}
	}
	if rank(b) > rank(a) {
		return b
	}
	return a
}

// Check is the outcome of probing one dependency.
type Check struct {
	Status         Status `json:"status"`
	ResponseTimeMS int64  `json:"responseTime,omitempty"`
	Message        string `json:"message,omitempty"`
}

// Summary is the service-wide roll-up. The overall status is the worst
// individual check.
type Summary struct {
	Status Status           `json:"status"`
	Checks map[string]Check `json:"checks"`
}

// ProxyPool is the slice of the pool the checker reads.
type ProxyPool interface {
	Enabled() bool
	Stats() proxypool.Stats
}

// Config sets capacities and thresholds for the checks.
type Config struct {
	// QueueCapacity is the buffered queue size. Zero disables the
	// backlog ratio check; broker-backed queues report depth only.
	QueueCapacity int
	// WorkerCapacity is the worker pool size.
	WorkerCapacity int
	// SlowStore is the job store roundtrip past which the check
	// degrades. Defaults to 250ms.
	SlowStore time.Duration
}

// Checker probes the job store, queue backlog, proxy pool and worker
// pool. A missing store is the only way a check reports down without an
// actual probe failure.
type Checker struct {
	store   scrape.JobStore
	proxies ProxyPool
	cfg     Config
	clock   scrape.Clock
}

// New builds a Checker. proxies may be nil when rotation is disabled.
func New(store scrape.JobStore, proxies ProxyPool, cfg Config, clock scrape.Clock) *Checker {
	if cfg.SlowStore <= 0 {
		cfg.SlowStore = 250 * time.Millisecond
	}
	return &Checker{store: store, proxies: proxies, cfg: cfg, clock: clock}
}

// Summarize runs every check and rolls the results up.
func (c *Checker) Summarize(ctx context.Context) Summary {
	checks := map[string]Check{
		"job_store":  c.checkStore(ctx),
		"queue":      c.checkQueue(),
		"proxy_pool": c.checkProxies(),
		"workers":    c.checkWorkers(),
	}
	overall := StatusHealthy
	for _, chk := range checks {
		overall = worse(overall, chk.Status)
	}
	return Summary{Status: overall, Checks: checks}
}

func (c *Checker) checkStore(ctx context.Context) Check {
	if c.store == nil {
		return Check{Status: StatusDown, Message: "job store not configured"}
	}
	start := c.clock.Now()
	err := c.store.Ping(ctx)
	elapsed := c.clock.Now().Sub(start)

	chk := Check{Status: StatusHealthy, ResponseTimeMS: elapsed.Milliseconds()}
	switch {
	case err != nil:
		chk.Status = StatusDown
		chk.Message = err.Error()
	case elapsed > c.cfg.SlowStore:
		chk.Status = StatusDegraded
		chk.Message = fmt.Sprintf("ping took %s", elapsed)
	}
	return chk
}

func (c *Checker) checkQueue() Check {
	depth := telemetry.QueueDepth()
	if c.cfg.QueueCapacity > 0 && depth*5 >= c.cfg.QueueCapacity*4 {
		return Check{
			Status:  StatusDegraded,
			Message: fmt.Sprintf("%d of %d slots used", depth, c.cfg.QueueCapacity),
		}
	}
	return Check{Status: StatusHealthy, Message: fmt.Sprintf("%d queued", depth)}
}

// checkProxies never reports down: jobs that do not opt into rotation
// are unaffected by a bad pool.
func (c *Checker) checkProxies() Check {
	if c.proxies == nil || !c.proxies.Enabled() {
		return Check{Status: StatusHealthy, Message: "rotation disabled"}
	}
	s := c.proxies.Stats()
	switch {
	case s.Healthy == 0:
		return Check{Status: StatusDegraded, Message: "no healthy proxies"}
	case s.TotalRequests > 0 && s.AverageSuccessRate < 0.5:
		return Check{
			Status:  StatusDegraded,
			Message: fmt.Sprintf("average success rate %.0f%%", s.AverageSuccessRate*100),
		}
	}
	return Check{Status: StatusHealthy, Message: fmt.Sprintf("%d of %d healthy", s.Healthy, s.Total)}
}

func (c *Checker) checkWorkers() Check {
	active := telemetry.ActiveWorkers()
	chk := Check{
		Status:  StatusHealthy,
		Message: fmt.Sprintf("%d of %d busy", active, c.cfg.WorkerCapacity),
	}
	if c.cfg.WorkerCapacity > 0 && active >= c.cfg.WorkerCapacity {
		chk.Status = StatusDegraded
	}
	return chk
}
