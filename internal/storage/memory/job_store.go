package memory

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/JakeFAU/harvester/internal/scrape"
)

// JobStore provides an in-memory implementation for development and tests.
type JobStore struct {
	mu   sync.RWMutex
	jobs map[string]scrape.Job
}

// NewJobStore constructs a JobStore.
func NewJobStore() *JobStore {
	return &JobStore{jobs: make(map[string]scrape.Job)}
}

// CreateJob stores a new job.
func (s *JobStore) CreateJob(_ context.Context, job scrape.Job) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.jobs[job.ID]; exists {
		return fmt.Errorf("create job %s: %w", job.ID, scrape.ErrJobExists)
	}
	s.jobs[job.ID] = job
	return nil
}

// UpdateJobStatus updates the status and error text for a job.
func (s *JobStore) UpdateJobStatus(_ context.Context, jobID string, status scrape.JobStatus, errText string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	job, ok := s.jobs[jobID]
	if !ok {
		return fmt.Errorf("update job %s: %w", jobID, scrape.ErrJobNotFound)
	}
	job.Status = status
	job.ErrorText = errText
	s.jobs[jobID] = job
	return nil
}

// MarkStarted records the active transition and the delivery attempt.
func (s *JobStore) MarkStarted(_ context.Context, jobID string, at time.Time, attempt int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	job, ok := s.jobs[jobID]
	if !ok {
		return fmt.Errorf("mark started %s: %w", jobID, scrape.ErrJobNotFound)
	}
	job.Status = scrape.StatusActive
	job.Attempt = attempt
	if job.Started == nil {
		started := at
		job.Started = &started
	}
	s.jobs[jobID] = job
	return nil
}

// SetResult records the terminal status and result for a job.
func (s *JobStore) SetResult(_ context.Context, jobID string, status scrape.JobStatus, result scrape.JobResult, finished time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	job, ok := s.jobs[jobID]
	if !ok {
		return fmt.Errorf("set result %s: %w", jobID, scrape.ErrJobNotFound)
	}
	job.Status = status
	job.ErrorText = result.Error
	job.Result = &result
	end := finished
	job.Finished = &end
	s.jobs[jobID] = job
	return nil
}

// GetJob fetches a job by ID.
func (s *JobStore) GetJob(_ context.Context, jobID string) (scrape.Job, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	job, ok := s.jobs[jobID]
	if !ok {
		return scrape.Job{}, fmt.Errorf("get job %s: %w", jobID, scrape.ErrJobNotFound)
	}
	return job, nil
}

// ListJobs returns jobs ordered newest first, optionally filtered by status.
func (s *JobStore) ListJobs(_ context.Context, status *scrape.JobStatus, limit, offset int) ([]scrape.Job, error) {
	s.mu.RLock()
	all := make([]scrape.Job, 0, len(s.jobs))
	for _, job := range s.jobs {
		if status != nil && job.Status != *status {
			continue
		}
		all = append(all, job)
	}
	s.mu.RUnlock()

	sort.Slice(all, func(i, j int) bool {
		if all[i].Submitted.Equal(all[j].Submitted) {
			return all[i].ID > all[j].ID
		}
		return all[i].Submitted.After(all[j].Submitted)
	})

	if offset >= len(all) {
		return nil, nil
	}
	all = all[offset:]
	if limit > 0 && limit < len(all) {
		all = all[:limit]
	}
	return all, nil
}

// Ping reports store health; the in-memory store is always healthy.
func (s *JobStore) Ping(context.Context) error {
	return nil
}
