package scrape

import (
	"context"
	"time"
)

// Queue hands job envelopes from the API to the worker pool. Dequeue
// blocks until an item is available, the queue closes, or ctx ends.
type Queue interface {
	Enqueue(ctx context.Context, item QueueItem) error
	Dequeue(ctx context.Context) (QueueItem, error)
}

// JobStore persists job lifecycle state and results.
type JobStore interface {
	CreateJob(ctx context.Context, job Job) error
	UpdateJobStatus(ctx context.Context, jobID string, status JobStatus, errText string) error
	MarkStarted(ctx context.Context, jobID string, at time.Time, attempt int) error
	SetResult(ctx context.Context, jobID string, status JobStatus, result JobResult, finished time.Time) error
	GetJob(ctx context.Context, jobID string) (Job, error)
	ListJobs(ctx context.Context, status *JobStatus, limit, offset int) ([]Job, error)
	Ping(ctx context.Context) error
}

// BlobStore writes exported artifacts and returns a stable reference
// (URL or path) for the stored object.
type BlobStore interface {
	PutObject(ctx context.Context, path string, contentType string, data []byte) (string, error)
}

// Publisher emits lifecycle and progress events to an external bus.
type Publisher interface {
	Publish(ctx context.Context, topic string, payload any) (string, error)
}

// Canceller tracks cooperative cancellation flags keyed by job ID.
// Flags expire on their own so abandoned jobs do not leak entries.
type Canceller interface {
	Cancel(jobID string)
	Cancelled(jobID string) bool
	Clear(jobID string)
}

// LogLevel grades log events emitted through a JobContext.
type LogLevel string

const (
	LogDebug LogLevel = "debug"
	LogInfo  LogLevel = "info"
	LogWarn  LogLevel = "warn"
	LogError LogLevel = "error"
)

// JobContext is the narrow per-job capability handed to extraction
// routines. It emits progress and log events bound to one job and
// answers whether the job has been cancelled. Extraction code sees
// nothing else of the pipeline.
type JobContext interface {
	JobID() string
	EmitProgress(current, target int, action string)
	EmitLog(level LogLevel, message string)
	Stopped() bool
}

// Clock abstracts time for deterministic tests.
type Clock interface {
	Now() time.Time
}

// IDGenerator mints job identifiers.
type IDGenerator interface {
	NewID() (string, error)
}
