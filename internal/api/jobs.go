package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/JakeFAU/harvester/internal/scrape"
)

const (
	defaultJobLimit = 50
	maxJobLimit     = 500

	enqueueTimeout = 5 * time.Second
)

// submitJobRequest is the POST /v1/jobs payload. Clients may supply
// their own job_id for end-to-end idempotency; the server mints one
// otherwise.
type submitJobRequest struct {
	JobID  string           `json:"job_id,omitempty"`
	Type   scrape.JobType   `json:"type"`
	Config scrape.JobConfig `json:"config"`
}

func (s *Server) submitJob(w http.ResponseWriter, r *http.Request) {
	var req submitJobRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if err := s.validateSubmission(req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	jobID := strings.TrimSpace(req.JobID)
	if jobID == "" {
		id, err := s.idGen.NewID()
		if err != nil {
			s.logger.Error("generate job ID failed", zap.Error(err))
			writeError(w, http.StatusInternalServerError, "failed to create job")
			return
		}
		jobID = id
	}

	now := s.clock.Now().UTC()
	job := scrape.Job{
		ID:        jobID,
		Type:      req.Type,
		Config:    req.Config,
		Status:    scrape.StatusQueued,
		Submitted: now,
	}
	if err := s.jobStore.CreateJob(r.Context(), job); err != nil {
		if errors.Is(err, scrape.ErrJobExists) {
			writeError(w, http.StatusConflict, "job already exists")
			return
		}
		s.logger.Error("create job failed", zap.String("job_id", jobID), zap.Error(err))
		writeError(w, http.StatusInternalServerError, "failed to create job")
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), enqueueTimeout)
	defer cancel()
	item := scrape.QueueItem{
		JobID:     jobID,
		Type:      req.Type,
		Config:    req.Config,
		Attempt:   1,
		Submitted: now.Unix(),
	}
	if err := s.enqueuer.Enqueue(ctx, item); err != nil {
		s.logger.Error("enqueue job failed", zap.String("job_id", jobID), zap.Error(err))
		// The stored record must not claim the job is queued when the
		// queue never took it.
		if updErr := s.jobStore.UpdateJobStatus(r.Context(), jobID, scrape.StatusFailed, "failed to enqueue job"); updErr != nil {
			s.logger.Error("mark job failed after enqueue error", zap.String("job_id", jobID), zap.Error(updErr))
		}
		writeError(w, http.StatusInternalServerError, "failed to enqueue job")
		return
	}

	s.logger.Info("job accepted",
		zap.String("job_id", jobID),
		zap.String("type", string(req.Type)),
		zap.String("target", req.Config.Target),
	)
	writeJSON(w, http.StatusAccepted, map[string]string{
		"job_id": jobID,
		"status": string(scrape.StatusQueued),
	})
}

// validateSubmission rejects payloads the pipeline could never run.
// Mode strings are passed through untouched; the extractors fall back
// to a sensible sort for anything they do not recognise.
func (s *Server) validateSubmission(req submitJobRequest) error {
	if !req.Type.Valid() {
		return fmt.Errorf("unknown job type %q", req.Type)
	}
	if strings.TrimSpace(req.Config.Target) == "" {
		return errors.New("config.target is required")
	}
	if req.Config.Limit < 0 {
		return errors.New("config.limit must not be negative")
	}
	if max := s.cfg.Extract.MaxLimit; max > 0 && req.Config.Limit > max {
		return fmt.Errorf("config.limit exceeds maximum of %d", max)
	}
	// A zero Start or End leaves that side of the range open.
	if dr := req.Config.DateRange; dr != nil && !dr.Start.IsZero() && !dr.End.IsZero() && dr.End.Before(dr.Start) {
		return errors.New("config.date_range end precedes start")
	}
	return nil
}

func (s *Server) getJobStatus(w http.ResponseWriter, r *http.Request) {
	jobID := chi.URLParam(r, "job_id")
	job, err := s.jobStore.GetJob(r.Context(), jobID)
	if err != nil {
		if errors.Is(err, scrape.ErrJobNotFound) {
			writeError(w, http.StatusNotFound, "job not found")
			return
		}
		s.logger.Error("get job failed", zap.String("job_id", jobID), zap.Error(err))
		writeError(w, http.StatusInternalServerError, "failed to load job")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"job": job})
}

func (s *Server) getJobResult(w http.ResponseWriter, r *http.Request) {
	jobID := chi.URLParam(r, "job_id")
	job, err := s.jobStore.GetJob(r.Context(), jobID)
	if err != nil {
		if errors.Is(err, scrape.ErrJobNotFound) {
			writeError(w, http.StatusNotFound, "job not found")
			return
		}
		s.logger.Error("get job failed", zap.String("job_id", jobID), zap.Error(err))
		writeError(w, http.StatusInternalServerError, "failed to load job")
		return
	}
	if !job.Status.Terminal() {
		writeError(w, http.StatusConflict, fmt.Sprintf("job is still %s", job.Status))
		return
	}
	result := job.Result
	if result == nil {
		// Older rows written before results were stored inline still
		// answer with a minimal record.
		result = &scrape.JobResult{
			Success: job.Status == scrape.StatusCompleted,
			Error:   job.ErrorText,
		}
	}
	writeJSON(w, http.StatusOK, result)
}

func (s *Server) cancelJob(w http.ResponseWriter, r *http.Request) {
	jobID := chi.URLParam(r, "job_id")
	job, err := s.jobStore.GetJob(r.Context(), jobID)
	if err != nil {
		if errors.Is(err, scrape.ErrJobNotFound) {
			writeError(w, http.StatusNotFound, "job not found")
			return
		}
		s.logger.Error("get job failed", zap.String("job_id", jobID), zap.Error(err))
		writeError(w, http.StatusInternalServerError, "failed to load job")
		return
	}
	// Cancelling a finished job is a no-op, not an error; repeated
	// cancels must stay safe for clients that retry.
	if !job.Status.Terminal() {
		s.canceller.Cancel(jobID)
		s.logger.Info("cancel requested", zap.String("job_id", jobID))
	}
	writeJSON(w, http.StatusAccepted, map[string]string{
		"job_id": jobID,
		"status": string(job.Status),
	})
}

func (s *Server) listJobs(w http.ResponseWriter, r *http.Request) {
	limit, offset, err := parseLimitOffset(r, defaultJobLimit, maxJobLimit)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	status, err := parseStatus(r.URL.Query().Get("status"))
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	jobs, err := s.jobStore.ListJobs(r.Context(), status, limit, offset)
	if err != nil {
		s.logger.Error("list jobs failed", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "failed to list jobs")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"jobs":  jobs,
		"count": len(jobs),
	})
}

func parseLimitOffset(r *http.Request, def, maxLimit int) (int, int, error) {
	q := r.URL.Query()
	limit := def
	if limStr := q.Get("limit"); limStr != "" {
		val, err := strconv.Atoi(limStr)
		if err != nil || val <= 0 {
			return 0, 0, errors.New("invalid limit")
		}
		if val > maxLimit {
			val = maxLimit
		}
		limit = val
	}
	offset := 0
	if offStr := q.Get("offset"); offStr != "" {
		val, err := strconv.Atoi(offStr)
		if err != nil || val < 0 {
			return 0, 0, errors.New("invalid offset")
		}
		offset = val
	}
	return limit, offset, nil
}

// parseStatus maps the status query parameter onto a store filter.
// An empty value means no filter at all.
func parseStatus(input string) (*scrape.JobStatus, error) {
	if input == "" {
		return nil, nil
	}
	st := scrape.JobStatus(strings.ToLower(input))
	switch st {
	case scrape.StatusQueued, scrape.StatusActive, scrape.StatusCompleted,
		scrape.StatusFailed, scrape.StatusCancelled:
		return &st, nil
	default:
		return nil, errors.New("invalid status")
	}
}
