package resilience

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/harvester/internal/proxypool"
	"github.com/JakeFAU/harvester/internal/scrape"
	"github.com/JakeFAU/harvester/internal/telemetry"
)

// ProxySelector is the slice of the proxy pool the engine needs.
type ProxySelector interface {
	Enabled() bool
	HasProxies() bool
	Next() (proxypool.Endpoint, bool)
	HasHealthyAlternate(excludeID string) bool
	ReportSuccess(id string)
	ReportFailure(id, reason string)
}

// Options tailor one fetch series to the owning job's configuration.
type Options struct {
	Platform     string
	UseProxies   bool
	RotateAgents bool
}

// abort reasons recorded by the in-flight watcher.
const (
	abortNone int32 = iota
	abortCancelled
	abortSlow
)

// maxRateLimitWaits bounds how many full 429 waits one logical fetch
// will sit through before rate limiting starts consuming attempts.
const maxRateLimitWaits = 3

// Engine executes one logical fetch with retries, backoff, rate-limit
// compliance, proxy failover and cooperative cancellation.
type Engine struct {
	policy   Policy
	fetcher  scrape.Fetcher
	headless scrape.Fetcher
	detector scrape.HeadlessDetector
	proxies  ProxySelector
	pacer    *Pacer
	agents   *AgentRotator
	logger   *zap.Logger
	clock    scrape.Clock
}

// New builds an Engine. headless and detector may be nil, in which case
// responses are never promoted to browser rendering.
func New(
	policy Policy,
	fetcher scrape.Fetcher,
	headless scrape.Fetcher,
	detector scrape.HeadlessDetector,
	proxies ProxySelector,
	pacer *Pacer,
	agents *AgentRotator,
	logger *zap.Logger,
	clock scrape.Clock,
) *Engine {
	return &Engine{
		policy:   policy.withDefaults(),
		fetcher:  fetcher,
		headless: headless,
		detector: detector,
		proxies:  proxies,
		pacer:    pacer,
		agents:   agents,
		logger:   logger,
		clock:    clock,
	}
}

// Pacer exposes the shared pacer so callers can apply inter-item delays.
func (e *Engine) Pacer() *Pacer {
	return e.pacer
}

// Policy exposes the active thresholds.
func (e *Engine) Policy() Policy {
	return e.policy
}

// Do runs one logical fetch to completion: success, a classified error,
// or cancellation. 404 and unrecognized client errors return without
// retrying; 429 waits without consuming an attempt; blocked and slow
// responses fail over to another proxy; timeouts and network errors
// back off and retry until the attempt ceiling.
func (e *Engine) Do(ctx context.Context, jc scrape.JobContext, req scrape.FetchRequest, opts Options) (scrape.FetchResponse, error) {
	rotation := opts.UseProxies && e.proxies != nil && e.proxies.Enabled() && e.proxies.HasProxies()

	var (
		current      proxypool.Endpoint
		hasProxy     bool
		needsSwitch  bool
		switchReason string
		lastErr      error
	)
	blockedSwitches := 0
	rateLimitWaits := 0

	attempt := 1
	for attempt <= e.policy.MaxAttempts {
		if jc.Stopped() {
			return scrape.FetchResponse{}, scrape.ErrCancelled
		}

		if rotation && (!hasProxy || needsSwitch) {
			if next, ok := e.proxies.Next(); ok {
				if hasProxy && needsSwitch && next.ID != current.ID {
					telemetry.ObserveProxySwitch(switchReason)
					jc.EmitLog(scrape.LogInfo, fmt.Sprintf("switching proxy after %s", switchReason))
					e.logger.Info("proxy switch",
						zap.String("job_id", jc.JobID()),
						zap.String("from", current.ID),
						zap.String("to", next.ID),
						zap.String("reason", switchReason),
					)
				}
				current, hasProxy = next, true
			} else {
				// Every proxy is excluded; degrade to direct requests.
				hasProxy = false
			}
			needsSwitch = false
		}

		attemptReq := req
		if hasProxy {
			attemptReq.ProxyID, attemptReq.ProxyURL = current.ID, current.URL
		}
		if opts.RotateAgents && e.agents != nil {
			attemptReq.UserAgent = e.agents.Next()
		}
		final := attempt == e.policy.MaxAttempts
		attemptReq.Timeout = e.policy.attemptTimeout(final)
		watchSlow := rotation && hasProxy && !final

		started := time.Now()
		resp, abortReason, err := e.attempt(ctx, jc, attemptReq, watchSlow)
		elapsed := time.Since(started)

		if err == nil {
			if resp.OK() {
				e.reportSuccess(attemptReq.ProxyID)
				e.pacer.RecordSuccess()
				telemetry.ObserveAttempt(opts.Platform, "success", resp.Duration)
				return e.maybePromote(ctx, jc, attemptReq, resp)
			}

			class := scrape.ClassifyStatus(resp.StatusCode)
			telemetry.ObserveAttempt(opts.Platform, string(class), resp.Duration)

			switch class {
			case scrape.ClassNotFound:
				// The proxy relayed fine; the content is gone.
				e.reportSuccess(attemptReq.ProxyID)
				return scrape.FetchResponse{}, fmt.Errorf("fetch %s: %w", req.URL, scrape.StatusError(resp.StatusCode))

			case scrape.ClassRateLimited:
				e.reportFailure(attemptReq.ProxyID, "rate_limited")
				e.pacer.Record429()
				if rateLimitWaits < maxRateLimitWaits {
					rateLimitWaits++
					wait, ok := resp.RetryAfter(e.clock.Now())
					if !ok {
						wait = e.policy.RateLimitWait
					}
					telemetry.ObserveRateLimitWait(wait)
					jc.EmitLog(scrape.LogWarn, fmt.Sprintf("rate limited, waiting %s", wait))
					e.logger.Warn("rate limited",
						zap.String("job_id", jc.JobID()),
						zap.String("url", req.URL),
						zap.Duration("wait", wait),
					)
					if err := e.wait(ctx, jc, wait); err != nil {
						return scrape.FetchResponse{}, err
					}
					// The wait satisfied the server; the attempt is not consumed.
					continue
				}
				lastErr = scrape.StatusError(resp.StatusCode)

			case scrape.ClassBlocked:
				e.reportFailure(attemptReq.ProxyID, "blocked")
				e.pacer.RecordError()
				lastErr = scrape.StatusError(resp.StatusCode)
				// 401 is a credential problem; switching egress will not help.
				canFailover := resp.StatusCode != 401 && rotation &&
					blockedSwitches < e.policy.MaxAttempts &&
					e.proxies.HasHealthyAlternate(attemptReq.ProxyID)
				if canFailover {
					blockedSwitches++
					needsSwitch, switchReason = true, "blocked"
					continue
				}

			case scrape.ClassTimeout, scrape.ClassNetwork:
				e.reportFailure(attemptReq.ProxyID, string(class))
				e.pacer.RecordError()
				lastErr = scrape.StatusError(resp.StatusCode)
				needsSwitch, switchReason = rotation, string(class)

			default:
				// Unmodeled client errors are permanent for this URL.
				e.reportSuccess(attemptReq.ProxyID)
				return scrape.FetchResponse{}, fmt.Errorf("fetch %s: %w", req.URL, scrape.StatusError(resp.StatusCode))
			}
		} else {
			if abortReason == abortCancelled || jc.Stopped() {
				return scrape.FetchResponse{}, scrape.ErrCancelled
			}
			if ctx.Err() != nil {
				return scrape.FetchResponse{}, scrape.NewError(scrape.ClassCancelled, 0, ctx.Err())
			}

			if abortReason == abortSlow {
				telemetry.ObserveAttempt(opts.Platform, "slow", elapsed)
				e.reportFailure(attemptReq.ProxyID, "slow")
				e.pacer.RecordError()
				lastErr = scrape.NewError(scrape.ClassTimeout, 0,
					fmt.Errorf("response exceeded %s", e.policy.SlowThreshold))
				needsSwitch, switchReason = true, "slow"
				jc.EmitLog(scrape.LogWarn, "slow response, failing over to another proxy")
				// Failover retries run immediately, without backoff.
				attempt++
				continue
			}

			class := scrape.ClassifyErr(err)
			if class == scrape.ClassUnknown {
				// Unrecognized transport failures are worth a retry.
				class = scrape.ClassNetwork
			}
			telemetry.ObserveAttempt(opts.Platform, string(class), elapsed)
			e.reportFailure(attemptReq.ProxyID, string(class))
			e.pacer.RecordError()
			lastErr = scrape.NewError(class, 0, err)
			needsSwitch, switchReason = rotation, string(class)
		}

		attempt++
		if attempt > e.policy.MaxAttempts {
			break
		}
		backoff := e.policy.backoff(attempt - 1)
		jc.EmitLog(scrape.LogWarn, fmt.Sprintf("attempt %d failed, retrying in %s", attempt-1, backoff))
		if err := e.wait(ctx, jc, backoff); err != nil {
			return scrape.FetchResponse{}, err
		}
	}

	if lastErr == nil {
		lastErr = scrape.NewError(scrape.ClassUnknown, 0, errors.New("attempts exhausted"))
	}
	return scrape.FetchResponse{}, fmt.Errorf("fetch %s: %w", req.URL, lastErr)
}

// attempt runs one bounded fetch with an in-flight watcher that aborts
// on cancellation or on a slow response with a better proxy available.
func (e *Engine) attempt(
	ctx context.Context,
	jc scrape.JobContext,
	req scrape.FetchRequest,
	watchSlow bool,
) (scrape.FetchResponse, int32, error) {
	attemptCtx, cancel := context.WithTimeout(ctx, req.Timeout)
	defer cancel()

	var reason atomic.Int32
	watchDone := make(chan struct{})
	go e.watch(attemptCtx, jc, req.ProxyID, watchSlow, &reason, cancel, watchDone)

	resp, err := e.fetcher.Fetch(attemptCtx, req)
	cancel()
	<-watchDone
	return resp, reason.Load(), err
}

func (e *Engine) watch(
	ctx context.Context,
	jc scrape.JobContext,
	proxyID string,
	watchSlow bool,
	reason *atomic.Int32,
	cancel context.CancelFunc,
	done chan struct{},
) {
	defer close(done)
	ticker := time.NewTicker(e.policy.PollInterval)
	defer ticker.Stop()
	start := time.Now()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if jc.Stopped() {
				reason.Store(abortCancelled)
				cancel()
				return
			}
			if watchSlow && time.Since(start) >= e.policy.SlowThreshold &&
				e.proxies.HasHealthyAlternate(proxyID) {
				reason.Store(abortSlow)
				cancel()
				return
			}
		}
	}
}

// wait sleeps for d, polling the cancellation flag on the configured
// cadence so long waits stay interruptible.
func (e *Engine) wait(ctx context.Context, jc scrape.JobContext, d time.Duration) error {
	if d <= 0 {
		if jc.Stopped() {
			return scrape.ErrCancelled
		}
		return nil
	}
	deadline := time.NewTimer(d)
	defer deadline.Stop()
	ticker := time.NewTicker(e.policy.PollInterval)
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

// maybePromote reruns a successful fetch through the headless browser
// when the detector judges the body to be a client-rendered shell. The
// promotion is best effort; any failure falls back to the original
// response. Headless traffic always goes out direct.
func (e *Engine) maybePromote(
	ctx context.Context,
	jc scrape.JobContext,
	req scrape.FetchRequest,
	resp scrape.FetchResponse,
) (scrape.FetchResponse, error) {
	if e.headless == nil || e.detector == nil || !e.detector.ShouldPromote(resp) {
		return resp, nil
	}
	jc.EmitLog(scrape.LogInfo, "page requires rendering, promoting to headless")
	headlessReq := req
	headlessReq.ProxyID, headlessReq.ProxyURL = "", ""
	rendered, err := e.headless.Fetch(ctx, headlessReq)
	if err != nil || !rendered.OK() {
		e.logger.Warn("headless promotion failed, keeping original response",
			zap.String("url", req.URL),
			zap.Error(err),
		)
		return resp, nil
	}
	return rendered, nil
}

func (e *Engine) reportSuccess(proxyID string) {
	if proxyID == "" || e.proxies == nil {
		return
	}
	e.proxies.ReportSuccess(proxyID)
}

func (e *Engine) reportFailure(proxyID, reason string) {
	if proxyID == "" || e.proxies == nil {
		return
	}
	e.proxies.ReportFailure(proxyID, reason)
}
