package extract

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/harvester/internal/resilience"
	"github.com/JakeFAU/harvester/internal/scrape"
)

// ErrNoItems reports a listing whose first page came back empty.
var ErrNoItems = errors.New("no items found")

// Engine is the resilient fetch surface the routines run on.
type Engine interface {
	Do(ctx context.Context, jc scrape.JobContext, req scrape.FetchRequest, opts resilience.Options) (scrape.FetchResponse, error)
	Pacer() *resilience.Pacer
	Policy() resilience.Policy
}

// Extractor runs one job type end to end.
type Extractor interface {
	Extract(ctx context.Context, jc scrape.JobContext, job scrape.Job) ([]scrape.Item, Stats, error)
}

// Stats summarizes one extraction run.
type Stats struct {
	Requested int
	Collected int
	Failed    int
	Deduped   int
	Pages     int
}

// Config bounds listing pagination and item counts.
type Config struct {
	PageSize     int
	DefaultLimit int
	MaxLimit     int
}

func (c Config) withDefaults() Config {
	if c.PageSize <= 0 {
		c.PageSize = 100
	}
	if c.DefaultLimit <= 0 {
		c.DefaultLimit = 100
	}
	if c.MaxLimit <= 0 {
		c.MaxLimit = 1000
	}
	return c
}

// Runner resolves extractors and carries their shared dependencies.
type Runner struct {
	engine Engine
	cfg    Config
	logger *zap.Logger
	clock  scrape.Clock
}

func NewRunner(engine Engine, cfg Config, logger *zap.Logger, clock scrape.Clock) *Runner {
	return &Runner{
		engine: engine,
		cfg:    cfg.withDefaults(),
		logger: logger,
		clock:  clock,
	}
}

// ForType returns the extractor for a job type. The switch is closed on
// purpose; unknown types are a submission-time validation bug.
func (r *Runner) ForType(t scrape.JobType) (Extractor, error) {
	switch t {
	case scrape.TypeRedditSubreddit:
		return &redditExtractor{runner: r, mode: redditModeSubreddit}, nil
	case scrape.TypeRedditUser:
		return &redditExtractor{runner: r, mode: redditModeUser}, nil
	case scrape.TypeRedditPost:
		return &redditExtractor{runner: r, mode: redditModePost}, nil
	case scrape.TypeTwitterTimeline:
		return &twitterExtractor{runner: r, thread: false}, nil
	case scrape.TypeTwitterThread:
		return &twitterExtractor{runner: r, thread: true}, nil
	default:
		return nil, fmt.Errorf("no extractor for job type %q", t)
	}
}

// Run resolves and executes the extractor for job.Type.
func (r *Runner) Run(ctx context.Context, jc scrape.JobContext, job scrape.Job) ([]scrape.Item, Stats, error) {
	ex, err := r.ForType(job.Type)
	if err != nil {
		return nil, Stats{}, err
	}
	return ex.Extract(ctx, jc, job)
}

func (r *Runner) clampLimit(requested int) int {
	if requested <= 0 {
		return r.cfg.DefaultLimit
	}
	if requested > r.cfg.MaxLimit {
		return r.cfg.MaxLimit
	}
	return requested
}

// fetchJSON runs one resilient fetch and decodes the body into out.
func (r *Runner) fetchJSON(ctx context.Context, jc scrape.JobContext, url string, opts resilience.Options, out any) error {
	resp, err := r.engine.Do(ctx, jc, scrape.FetchRequest{JobID: jc.JobID(), URL: url}, opts)
	if err != nil {
		return err
	}
	if err := json.Unmarshal(resp.Body, out); err != nil {
		return fmt.Errorf("decode %s: %w", url, err)
	}
	return nil
}

// pause applies the pacer's current inter-request delay.
func (r *Runner) pause(ctx context.Context, jc scrape.JobContext) error {
	return r.waitFor(ctx, jc, r.engine.Pacer().Delay())
}

// waitFor sleeps d while re-checking cancellation on the poll cadence, so
// long pacing delays never stretch cancellation latency.
func (r *Runner) waitFor(ctx context.Context, jc scrape.JobContext, d time.Duration) error {
	if d <= 0 {
		if jc.Stopped() {
			return scrape.ErrCancelled
		}
		return nil
	}
	poll := r.engine.Policy().PollInterval
	deadline := time.NewTimer(d)
	defer deadline.Stop()
	ticker := time.NewTicker(poll)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return scrape.NewError(scrape.ClassCancelled, 0, ctx.Err())
		case <-deadline.C:
			return nil
		case <-ticker.C:
			if jc.Stopped() {
				return scrape.ErrCancelled
			}
		}
	}
}

// collector accumulates items with cross-page dedup, the optional date
// window, and the requested limit.
type collector struct {
	limit int
	dates *scrape.DateRange
	seen  map[string]struct{}
	items []scrape.Item
	stats Stats
}

func newCollector(limit int, dates *scrape.DateRange) *collector {
	return &collector{
		limit: limit,
		dates: dates,
		seen:  make(map[string]struct{}),
		stats: Stats{Requested: limit},
	}
}

func (c *collector) full() bool { return len(c.items) >= c.limit }

func (c *collector) add(item scrape.Item) bool {
	if c.full() {
		return false
	}
	if _, dup := c.seen[item.ID]; dup {
		c.stats.Deduped++
		return false
	}
	c.seen[item.ID] = struct{}{}
	if c.dates != nil && !item.Posted.IsZero() && !c.dates.Contains(item.Posted) {
		return false
	}
	c.items = append(c.items, item)
	c.stats.Collected = len(c.items)
	return true
}
