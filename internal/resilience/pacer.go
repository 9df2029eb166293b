package resilience

import (
	"sync"
	"time"

	"github.com/JakeFAU/harvester/internal/scrape"
)

// PacerConfig tunes the adaptive inter-request delay.
type PacerConfig struct {
	BaseDelay    time.Duration
	MinDelay     time.Duration
	MaxDelay     time.Duration
	RecentWindow time.Duration
}

func (c PacerConfig) withDefaults() PacerConfig {
	if c.BaseDelay <= 0 {
		c.BaseDelay = 2 * time.Second
	}
	if c.MinDelay <= 0 {
		c.MinDelay = 1500 * time.Millisecond
	}
	if c.MaxDelay <= 0 {
		c.MaxDelay = 30 * time.Second
	}
	if c.RecentWindow <= 0 {
		c.RecentWindow = time.Minute
	}
	return c
}

// Pacer adapts the delay between item fetches to observed rate limiting.
// Repeated 429s grow the delay sharply, sustained success decays it back
// toward the floor, and any 429 within the recent window doubles whatever
// the current delay is.
type Pacer struct {
	cfg   PacerConfig
	clock scrape.Clock

	mu              sync.Mutex
	current         time.Duration
	consecutive429s int
	successStreak   int
	last429         time.Time
}

// NewPacer builds a pacer starting at the base delay.
func NewPacer(cfg PacerConfig, clock scrape.Clock) *Pacer {
	cfg = cfg.withDefaults()
	return &Pacer{
		cfg:     cfg,
		clock:   clock,
		current: cfg.BaseDelay,
	}
}

// RecordSuccess notes a successful request. A long enough streak decays
// the delay by five percent per success.
func (p *Pacer) RecordSuccess() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.successStreak++
	p.consecutive429s = 0
	if p.successStreak > 20 && p.current > p.cfg.MinDelay {
		p.current = time.Duration(float64(p.current) * 0.95)
		if p.current < p.cfg.MinDelay {
			p.current = p.cfg.MinDelay
		}
	}
}

// Record429 notes a rate limit response. The first few double the delay,
// later ones grow it more gently, and the cap always applies.
func (p *Pacer) Record429() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.consecutive429s++
	p.successStreak = 0
	p.last429 = p.clock.Now()
	if p.consecutive429s <= 3 {
		p.current = time.Duration(float64(p.current) * 2.0)
	} else {
		p.current = time.Duration(float64(p.current) * 1.5)
	}
	if p.current > p.cfg.MaxDelay {
		p.current = p.cfg.MaxDelay
	}
}

// RecordError notes a non-429 failure, nudging the delay up slightly.
func (p *Pacer) RecordError() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.successStreak = 0
	p.current = time.Duration(float64(p.current) * 1.1)
	if p.current > p.cfg.MaxDelay {
		p.current = p.cfg.MaxDelay
	}
}

// Delay returns the wait to use before the next request. A 429 inside
// the recent window doubles the current delay for as long as it lasts.
func (p *Pacer) Delay() time.Duration {
	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.last429.IsZero() && p.clock.Now().Sub(p.last429) < p.cfg.RecentWindow {
		doubled := 2 * p.current
		if doubled > p.cfg.MaxDelay {
			doubled = p.cfg.MaxDelay
		}
		return doubled
	}
	if p.current < p.cfg.MinDelay {
		return p.cfg.MinDelay
	}
	return p.current
}
