package sinks

import (
	"context"
	"fmt"
	"sync"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/JakeFAU/harvester/internal/progress"
	"github.com/JakeFAU/harvester/internal/scrape"
)

// PrometheusSink derives metrics from the event stream: event volume, jobs
// currently between their active and terminal lifecycle events, and job wall
// time. Metrics the pipeline records synchronously (attempts, proxy switches,
// queue depth) live in the telemetry package; this sink only owns
// stream-derived series.
type PrometheusSink struct {
	events      *prometheus.CounterVec
	logEvents   *prometheus.CounterVec
	jobsRunning prometheus.Gauge
	jobRuntime  *prometheus.HistogramVec

	tracker *jobTracker
}

// NewPrometheusSink registers the collectors against the provided registry.
func NewPrometheusSink(reg prometheus.Registerer) (*PrometheusSink, error) {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	s := &PrometheusSink{
		events: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "scrape_job_events_total",
			Help: "Job events delivered to sinks, partitioned by kind and platform.",
		}, []string{"kind", "platform"}),
		logEvents: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "scrape_job_log_events_total",
			Help: "Log events emitted by jobs, partitioned by level.",
		}, []string{"level"}),
		jobsRunning: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "scrape_jobs_running",
			Help: "Jobs currently between their active and terminal lifecycle events.",
		}),
		jobRuntime: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "scrape_job_runtime_seconds",
			Help:    "Wall time per finished job, partitioned by terminal status.",
			Buckets: []float64{1, 5, 15, 30, 60, 120, 300, 600, 1200},
		}, []string{"status"}),
		tracker: newJobTracker(),
	}
	for _, collector := range []prometheus.Collector{
		s.events,
		s.logEvents,
		s.jobsRunning,
		s.jobRuntime,
	} {
		if err := reg.Register(collector); err != nil {
			return nil, fmt.Errorf("register progress collector: %w", err)
		}
	}
	return s, nil
}

// Consume updates the collectors from the batch. It is safe for concurrent
// use by multiple goroutines.
func (s *PrometheusSink) Consume(_ context.Context, batch []progress.Event) error {
	for _, evt := range batch {
		s.consumeEvent(evt)
	}
	return nil
}

func (s *PrometheusSink) consumeEvent(evt progress.Event) {
	platform := evt.Platform
	if platform == "" {
		platform = "unknown"
	}
	s.events.WithLabelValues(string(evt.Kind), platform).Inc()

	switch evt.Kind {
	case progress.KindLog:
		level := string(evt.Level)
		if level == "" {
			level = string(scrape.LogInfo)
		}
		s.logEvents.WithLabelValues(level).Inc()
	case progress.KindLifecycle:
		s.handleLifecycle(evt)
	}
}

func (s *PrometheusSink) handleLifecycle(evt progress.Event) {
	switch {
	case evt.Status == scrape.StatusActive:
		if s.tracker.start(evt.JobID) {
			s.jobsRunning.Inc()
		}
	case evt.Status.Terminal():
		if s.tracker.complete(evt.JobID) {
			s.jobsRunning.Dec()
		}
		if evt.DurationMS > 0 {
			s.jobRuntime.WithLabelValues(string(evt.Status)).Observe(float64(evt.DurationMS) / 1000)
		}
	}
}

// Close implements the Sink interface; it performs no action.
func (s *PrometheusSink) Close(context.Context) error {
	return nil
}

// jobTracker deduplicates lifecycle transitions so the running gauge stays
// correct when an event is delivered twice.
type jobTracker struct {
	mu      sync.Mutex
	running map[string]struct{}
}

func newJobTracker() *jobTracker {
	return &jobTracker{running: make(map[string]struct{})}
}

func (t *jobTracker) start(id string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, ok := t.running[id]; ok {
		return false
	}
	t.running[id] = struct{}{}
	return true
}

func (t *jobTracker) complete(id string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, ok := t.running[id]; !ok {
		return false
	}
	delete(t.running, id)
	return true
}
