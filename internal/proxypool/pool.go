package proxypool

import (
	"bufio"
	"math"
	"os"
	"strings"
	"sync"

	"go.uber.org/zap"

	"github.com/JakeFAU/harvester/internal/scrape"
)

// Config sizes the pool's health policy.
type Config struct {
	// Path of the proxy list file. Empty disables rotation entirely.
	Path string
	// FailureThreshold is the consecutive failure count that excludes a
	// proxy from selection.
	FailureThreshold int
	// HealthyRate is the success-rate low-water mark for preferring a
	// proxy during selection.
	HealthyRate float64
	// MinObservations is how many outcomes a proxy needs before its
	// success rate is trusted; below that it is treated as healthy.
	MinObservations int
}

// Pool tracks proxy endpoints and their health. Selection prefers the
// least recently used healthy proxy and degrades to the best available
// one when every proxy has fallen below the low-water mark.
type Pool struct {
	cfg    Config
	logger *zap.Logger
	clock  scrape.Clock

	mu      sync.Mutex
	records []*record
	byID    map[string]*record
}

// New builds an empty pool. Call Load to read the configured source.
func New(cfg Config, logger *zap.Logger, clock scrape.Clock) *Pool {
	if cfg.FailureThreshold <= 0 {
		cfg.FailureThreshold = 3
	}
	if cfg.HealthyRate <= 0 {
		cfg.HealthyRate = 0.5
	}
	if cfg.MinObservations <= 0 {
		cfg.MinObservations = 3
	}
	return &Pool{
		cfg:    cfg,
		logger: logger,
		clock:  clock,
		byID:   make(map[string]*record),
	}
}

// Load reads the proxy source file, replacing the current records and
// resetting their tallies. A missing or unreadable source leaves the
// pool empty rather than failing: jobs then run over direct connections.
func (p *Pool) Load() error {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.records = nil
	p.byID = make(map[string]*record)

	if p.cfg.Path == "" {
		return nil
	}

	f, err := os.Open(p.cfg.Path)
	if err != nil {
		p.logger.Warn("proxy source unreadable, continuing without proxies",
			zap.String("path", p.cfg.Path),
			zap.Error(err),
		)
		return nil
	}
	defer f.Close() //nolint:errcheck // read-only file

	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		rec, err := parseProxyLine(line)
		if err != nil {
			p.logger.Warn("skipping proxy line", zap.Error(err))
			continue
		}
		if _, dup := p.byID[rec.id]; dup {
			continue
		}
		p.byID[rec.id] = rec
		p.records = append(p.records, rec)
	}
	if err := scanner.Err(); err != nil {
		p.logger.Warn("proxy source read interrupted",
			zap.String("path", p.cfg.Path),
			zap.Error(err),
		)
	}

	p.logger.Info("proxy pool loaded",
		zap.String("path", p.cfg.Path),
		zap.Int("proxies", len(p.records)),
	)
	return nil
}

// Enabled reports whether a proxy source is configured at all.
func (p *Pool) Enabled() bool {
	return p.cfg.Path != ""
}

// HasProxies reports whether any proxies are loaded.
func (p *Pool) HasProxies() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.records) > 0
}

// Next selects a proxy for the next request. Healthy proxies are served
// least-recently-used first; if none qualify, the best non-excluded
// proxy is returned so callers degrade instead of blocking. The second
// return is false when nothing is selectable.
func (p *Pool) Next() (Endpoint, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()

	rec := p.pickHealthy()
	if rec == nil {
		rec = p.pickBestAvailable()
	}
	if rec == nil {
		return Endpoint{}, false
	}
	rec.lastUsed = p.clock.Now()
	return Endpoint{ID: rec.id, URL: rec.url()}, true
}

func (p *Pool) pickHealthy() *record {
	var best *record
	for _, rec := range p.records {
		if !p.isHealthy(rec) {
			continue
		}
		if best == nil || rec.lastUsed.Before(best.lastUsed) {
			best = rec
		}
	}
	return best
}

func (p *Pool) pickBestAvailable() *record {
	var best *record
	for _, rec := range p.records {
		if p.isExcluded(rec) {
			continue
		}
		if best == nil {
			best = rec
			continue
		}
		br, rr := best.successRate(), rec.successRate()
		if rr > br || (rr == br && rec.lastUsed.Before(best.lastUsed)) {
			best = rec
		}
	}
	return best
}

// HasHealthyAlternate reports whether a healthy proxy other than the
// given one exists. The slow-request failover only aborts an in-flight
// call when there is somewhere better to go.
func (p *Pool) HasHealthyAlternate(excludeID string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, rec := range p.records {
		if rec.id == excludeID {
			continue
		}
		if p.isHealthy(rec) {
			return true
		}
	}
	return false
}

// ReportSuccess records a successful request through the proxy and
// clears its consecutive-failure streak.
func (p *Pool) ReportSuccess(id string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	rec, ok := p.byID[id]
	if !ok {
		return
	}
	rec.successes++
	rec.consecutive = 0
}

// ReportFailure records a failed request through the proxy. Crossing the
// failure threshold excludes the proxy from selection until it is seen
// succeeding again or the pool is reloaded.
func (p *Pool) ReportFailure(id, reason string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	rec, ok := p.byID[id]
	if !ok {
		return
	}
	rec.failures++
	rec.consecutive++
	rec.lastFailure = reason
	if rec.consecutive == p.cfg.FailureThreshold {
		p.logger.Warn("proxy excluded from rotation",
			zap.String("proxy", rec.id),
			zap.String("reason", reason),
			zap.Int("consecutive_failures", rec.consecutive),
		)
	}
}

// Stats returns an aggregate snapshot plus per-proxy detail.
func (p *Pool) Stats() Stats {
	p.mu.Lock()
	defer p.mu.Unlock()

	stats := Stats{Total: len(p.records)}
	var rateSum float64
	var rated int
	for _, rec := range p.records {
		healthy := p.isHealthy(rec)
		excluded := p.isExcluded(rec)
		if healthy {
			stats.Healthy++
		}
		if !excluded {
			stats.Active++
		}
		obs := rec.observations()
		stats.TotalRequests += obs
		if obs > 0 {
			rateSum += rec.successRate()
			rated++
		}

		st := Status{
			ID:          rec.id,
			SuccessRate: rec.successRate(),
			Requests:    obs,
			Healthy:     healthy,
			Excluded:    excluded,
			LastFailure: rec.lastFailure,
		}
		if !rec.lastUsed.IsZero() {
			used := rec.lastUsed
			st.LastUsed = &used
		}
		stats.Proxies = append(stats.Proxies, st)
	}
	stats.Unhealthy = stats.Total - stats.Healthy
	if rated > 0 {
		stats.AverageSuccessRate = math.Round(rateSum/float64(rated)*1000) / 1000
	}
	return stats
}

// isExcluded applies the consecutive-failure exclusion rule.
func (p *Pool) isExcluded(rec *record) bool {
	return rec.consecutive >= p.cfg.FailureThreshold
}

// isHealthy applies the low-water success-rate rule. Proxies without
// enough history are trusted until proven otherwise.
func (p *Pool) isHealthy(rec *record) bool {
	if p.isExcluded(rec) {
		return false
	}
	if rec.observations() < p.cfg.MinObservations {
		return true
	}
	return rec.successRate() >= p.cfg.HealthyRate
}
