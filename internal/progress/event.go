package progress

import (
	"errors"
	"fmt"
	"time"

	"github.com/JakeFAU/harvester/internal/scrape"
)

// Kind separates the families of events a job emits.
type Kind string

// Supported event kinds.
const (
	// KindProgress reports completion counts while extraction runs.
	KindProgress Kind = "progress"
	// KindLog carries a leveled message from inside a job.
	KindLog Kind = "log"
	// KindLifecycle marks a job status transition.
	KindLifecycle Kind = "lifecycle"
)

// Event is a single update from a running job. Kind selects which of the
// optional fields carry meaning; each sink renders its own output shape
// from it.
type Event struct {
	// ID uniquely identifies the event. The hub assigns one when empty.
	ID string `json:"id"`
	// JobID names the job the event belongs to.
	JobID string `json:"jobId"`
	// TS is the UTC timestamp recorded by the emitter.
	TS time.Time `json:"ts"`
	// Kind is progress, log, or lifecycle.
	Kind Kind `json:"kind"`
	// Platform labels the event for metrics (reddit, twitter).
	Platform string `json:"platform,omitempty"`

	// Level and Message carry log events.
	Level   scrape.LogLevel `json:"level,omitempty"`
	Message string          `json:"message,omitempty"`

	// Current, Target, Action, and Percentage carry progress events.
	Current    int    `json:"current,omitempty"`
	Target     int    `json:"target,omitempty"`
	Action     string `json:"action,omitempty"`
	Percentage int    `json:"percentage,omitempty"`

	// Status carries lifecycle transitions. DurationMS is set on terminal
	// transitions so subscribers and metrics see the job's wall time.
	Status     scrape.JobStatus `json:"status,omitempty"`
	DurationMS int64            `json:"durationMs,omitempty"`
}

// Validate performs coarse validation on Event payloads.
func (e Event) Validate() error {
	if e.JobID == "" {
		return errors.New("job id is required")
	}
	if e.TS.IsZero() {
		return errors.New("timestamp is required")
	}
	switch e.Kind {
	case KindProgress:
		if e.Current < 0 || e.Target < 0 {
			return errors.New("progress counts must be >= 0")
		}
	case KindLog:
		if e.Message == "" {
			return errors.New("log event requires a message")
		}
	case KindLifecycle:
		if e.Status == "" {
			return errors.New("lifecycle event requires a status")
		}
	default:
		return fmt.Errorf("unknown kind %q", e.Kind)
	}
	return nil
}

// NewProgress builds a progress event with a consistent percentage.
func NewProgress(jobID, platform string, current, target int, action string, ts time.Time) Event {
	return Event{
		JobID:      jobID,
		TS:         ts,
		Kind:       KindProgress,
		Platform:   platform,
		Current:    current,
		Target:     target,
		Action:     action,
		Percentage: scrape.Percent(current, target),
	}
}

// NewLog builds a log event.
func NewLog(jobID, platform string, level scrape.LogLevel, message string, ts time.Time) Event {
	return Event{
		JobID:    jobID,
		TS:       ts,
		Kind:     KindLog,
		Platform: platform,
		Level:    level,
		Message:  message,
	}
}

// NewLifecycle builds a lifecycle event.
func NewLifecycle(jobID, platform string, status scrape.JobStatus, ts time.Time) Event {
	return Event{
		JobID:    jobID,
		TS:       ts,
		Kind:     KindLifecycle,
		Platform: platform,
		Status:   status,
	}
}
