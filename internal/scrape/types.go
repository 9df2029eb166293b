package scrape

import (
	"encoding/json"
	"time"
)

// JobType identifies the platform routine a job runs. The set is closed:
// dispatch switches over it and rejects anything else at submission time.
type JobType string

const (
	TypeRedditSubreddit JobType = "reddit_subreddit"
	TypeRedditUser      JobType = "reddit_user"
	TypeRedditPost      JobType = "reddit_post"
	TypeTwitterTimeline JobType = "twitter_timeline"
	TypeTwitterThread   JobType = "twitter_thread"
)

// Valid reports whether t is one of the supported job types.
func (t JobType) Valid() bool {
	switch t {
	case TypeRedditSubreddit, TypeRedditUser, TypeRedditPost, TypeTwitterTimeline, TypeTwitterThread:
		return true
	default:
		return false
	}
}

// Platform returns the platform label used for metrics and logging.
func (t JobType) Platform() string {
	switch t {
	case TypeRedditSubreddit, TypeRedditUser, TypeRedditPost:
		return "reddit"
	case TypeTwitterTimeline, TypeTwitterThread:
		return "twitter"
	default:
		return "unknown"
	}
}

// JobStatus is the lifecycle state of a job.
type JobStatus string

const (
	StatusQueued    JobStatus = "queued"
	StatusActive    JobStatus = "active"
	StatusCompleted JobStatus = "completed"
	StatusFailed    JobStatus = "failed"
	StatusCancelled JobStatus = "cancelled"
)

// Terminal reports whether the status is final. Terminal jobs are never
// re-dispatched.
func (s JobStatus) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed || s == StatusCancelled
}

// DateRange bounds the items a job collects by their posted time.
// A zero Start or End leaves that side unbounded.
type DateRange struct {
	Start time.Time `json:"start,omitempty"`
	End   time.Time `json:"end,omitempty"`
}

// Contains reports whether ts falls inside the range.
func (r DateRange) Contains(ts time.Time) bool {
	if !r.Start.IsZero() && ts.Before(r.Start) {
		return false
	}
	if !r.End.IsZero() && ts.After(r.End) {
		return false
	}
	return true
}

// JobConfig carries the per-job knobs supplied at submission.
type JobConfig struct {
	// Target is the subreddit, username, post ID, or thread ID the job
	// extracts from, depending on the job type.
	Target string `json:"target" mapstructure:"target"`
	// Limit caps how many items the job collects. Zero means the
	// server default.
	Limit int `json:"limit,omitempty" mapstructure:"limit"`
	// Mode selects a listing ordering where the platform supports one
	// (hot, new, top, controversial for reddit listings).
	Mode string `json:"mode,omitempty" mapstructure:"mode"`
	// UseProxies routes requests through the rotating proxy pool.
	UseProxies bool `json:"use_proxies,omitempty" mapstructure:"use_proxies"`
	// RotateAgents randomises the User-Agent per attempt.
	RotateAgents bool `json:"rotate_agents,omitempty" mapstructure:"rotate_agents"`
	// DateRange optionally filters items by posted time.
	DateRange *DateRange `json:"date_range,omitempty" mapstructure:"date_range"`
}

// Job is the unit of work tracked by the store. Started and Finished are
// nil until the corresponding transition happens.
type Job struct {
	ID        string     `json:"id"`
	Type      JobType    `json:"type"`
	Config    JobConfig  `json:"config"`
	Status    JobStatus  `json:"status"`
	Submitted time.Time  `json:"submitted"`
	Started   *time.Time `json:"started,omitempty"`
	Finished  *time.Time `json:"finished,omitempty"`
	Attempt   int        `json:"attempt"`
	ErrorText string     `json:"error,omitempty"`
	Result    *JobResult `json:"result,omitempty"`
}

// JobStats counts what a finished job actually collected.
type JobStats struct {
	Count      int   `json:"count"`
	Requested  int   `json:"requested"`
	Failed     int   `json:"failed"`
	DurationMS int64 `json:"duration_ms"`
}

// JobResult is the terminal outcome of a job. DownloadURL points at the
// exported artifact when the job produced one.
type JobResult struct {
	Success     bool      `json:"success"`
	Cancelled   bool      `json:"cancelled,omitempty"`
	DownloadURL string    `json:"downloadUrl,omitempty"`
	Stats       *JobStats `json:"stats,omitempty"`
	Error       string    `json:"error,omitempty"`
}

// Item is one extracted unit of content in the normalised shape shared
// by every platform. Payload carries the full platform-specific record.
type Item struct {
	ID      string          `json:"id"`
	URL     string          `json:"url"`
	Title   string          `json:"title,omitempty"`
	Author  string          `json:"author,omitempty"`
	Body    string          `json:"body,omitempty"`
	Score   int             `json:"score"`
	Replies int             `json:"replies"`
	Posted  time.Time       `json:"posted"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// Progress is a point-in-time completion report emitted by a running job.
type Progress struct {
	Current    int    `json:"current"`
	Target     int    `json:"target"`
	Action     string `json:"action,omitempty"`
	Percentage int    `json:"percentage"`
}

// Percent computes a bounded percentage for current out of target.
func Percent(current, target int) int {
	if target <= 0 {
		return 0
	}
	p := current * 100 / target
	if p > 100 {
		p = 100
	}
	if p < 0 {
		p = 0
	}
	return p
}

// QueueItem is the envelope placed on the job queue. Attempt counts
// job-level deliveries, not request retries inside an attempt.
type QueueItem struct {
	JobID     string    `json:"job_id"`
	Type      JobType   `json:"type"`
	Config    JobConfig `json:"config"`
	Attempt   int       `json:"attempt"`
	Submitted int64     `json:"submitted"`
}
