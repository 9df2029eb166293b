package resilience

import "time"

// Policy carries the shared request-handling constants. All platform
// routines run under one Policy instance so thresholds never drift
// between call sites.
type Policy struct {
	// MaxAttempts bounds retries of one logical fetch.
	MaxAttempts int
	// BackoffStep scales the inter-attempt delay: attempt * step.
	BackoffStep time.Duration
	// RateLimitWait applies when a 429 carries no Retry-After.
	RateLimitWait time.Duration
	// SlowThreshold is the response time that triggers proactive proxy
	// failover while a healthy alternate exists.
	SlowThreshold time.Duration
	// AbandonAfter caps the final attempt outright.
	AbandonAfter time.Duration
	// RequestTimeout is the hard per-request deadline.
	RequestTimeout time.Duration
	// PollInterval is the cancellation check cadence inside waits.
	PollInterval time.Duration
}

// DefaultPolicy returns the stock thresholds.
func DefaultPolicy() Policy {
	return Policy{
		MaxAttempts:    3,
		BackoffStep:    2 * time.Second,
		RateLimitWait:  60 * time.Second,
		SlowThreshold:  8 * time.Second,
		AbandonAfter:   15 * time.Second,
		RequestTimeout: 20 * time.Second,
		PollInterval:   500 * time.Millisecond,
	}
}

// withDefaults fills zero fields from DefaultPolicy.
func (p Policy) withDefaults() Policy {
	def := DefaultPolicy()
	if p.MaxAttempts <= 0 {
		p.MaxAttempts = def.MaxAttempts
	}
	if p.BackoffStep <= 0 {
		p.BackoffStep = def.BackoffStep
	}
	if p.RateLimitWait <= 0 {
		p.RateLimitWait = def.RateLimitWait
	}
	if p.SlowThreshold <= 0 {
		p.SlowThreshold = def.SlowThreshold
	}
	if p.AbandonAfter <= 0 {
		p.AbandonAfter = def.AbandonAfter
	}
	if p.RequestTimeout <= 0 {
		p.RequestTimeout = def.RequestTimeout
	}
	if p.PollInterval <= 0 {
		p.PollInterval = def.PollInterval
	}
	return p
}

// backoff returns the delay before the given retry attempt (1-based).
func (p Policy) backoff(attempt int) time.Duration {
	return time.Duration(attempt) * p.BackoffStep
}

// attemptTimeout is the deadline for one attempt. The final attempt is
// abandoned at the lower threshold instead of waiting out the full
// request timeout.
func (p Policy) attemptTimeout(finalAttempt bool) time.Duration {
	if finalAttempt && p.AbandonAfter < p.RequestTimeout {
		return p.AbandonAfter
	}
	return p.RequestTimeout
}
