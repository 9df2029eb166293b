package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/harvester/internal/scrape"
)

func jsonBody(t *testing.T, v any) []byte {
	t.Helper()
	b, err := json.Marshal(v)
	require.NoError(t, err)
	return b
}

func TestSubmitJobAccepted(t *testing.T) {
	f := newFixture()
	h := f.build().Handler()

	body := jsonBody(t, map[string]any{
		"type": "reddit_subreddit",
		"config": map[string]any{
			"target": "golang",
			"limit":  25,
			"mode":   "top",
		},
	})
	rec := doRequest(t, h, http.MethodPost, "/v1/jobs", body)

	require.Equal(t, http.StatusAccepted, rec.Code)
	var resp map[string]string
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	require.Equal(t, "job-1234", resp["job_id"])
	require.Equal(t, "queued", resp["status"])

	stored, err := f.store.GetJob(context.Background(), "job-1234")
	require.NoError(t, err)
	require.Equal(t, scrape.TypeRedditSubreddit, stored.Type)
	require.Equal(t, scrape.StatusQueued, stored.Status)
	require.Equal(t, "golang", stored.Config.Target)
	require.Equal(t, apiBaseTime, stored.Submitted)

	items := f.enqueuer.queued()
	require.Len(t, items, 1)
	require.Equal(t, "job-1234", items[0].JobID)
	require.Equal(t, 1, items[0].Attempt)
	require.Equal(t, apiBaseTime.Unix(), items[0].Submitted)
}

func TestSubmitJobHonorsClientID(t *testing.T) {
	f := newFixture()
	// A failing generator proves the server never minted an ID.
	f.idGen.err = errors.New("should not be called")
	h := f.build().Handler()

	body := jsonBody(t, map[string]any{
		"job_id": "client-7",
		"type":   "twitter_timeline",
		"config": map[string]any{"target": "nasa"},
	})
	rec := doRequest(t, h, http.MethodPost, "/v1/jobs", body)

	require.Equal(t, http.StatusAccepted, rec.Code)
	_, err := f.store.GetJob(context.Background(), "client-7")
	require.NoError(t, err)
}

func TestSubmitJobValidation(t *testing.T) {
	cases := []struct {
		name    string
		body    map[string]any
		wantMsg string
	}{
		{
			name:    "UnknownType",
			body:    map[string]any{"type": "ebay_listings", "config": map[string]any{"target": "x"}},
			wantMsg: "unknown job type",
		},
		{
			name:    "MissingTarget",
			body:    map[string]any{"type": "reddit_subreddit", "config": map[string]any{"target": "   "}},
			wantMsg: "target is required",
		},
		{
			name:    "NegativeLimit",
			body:    map[string]any{"type": "reddit_subreddit", "config": map[string]any{"target": "golang", "limit": -1}},
			wantMsg: "must not be negative",
		},
		{
			name:    "LimitOverMax",
			body:    map[string]any{"type": "reddit_subreddit", "config": map[string]any{"target": "golang", "limit": 10000}},
			wantMsg: "exceeds maximum",
		},
		{
			name: "InvertedDateRange",
			body: map[string]any{"type": "reddit_subreddit", "config": map[string]any{
				"target": "golang",
				"date_range": map[string]any{
					"start": "2025-02-01T00:00:00Z",
					"end":   "2025-01-01T00:00:00Z",
				},
			}},
			wantMsg: "end precedes start",
		},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			f := newFixture()
			rec := doRequest(t, f.build().Handler(), http.MethodPost, "/v1/jobs", jsonBody(t, tc.body))

			require.Equal(t, http.StatusBadRequest, rec.Code)
			var resp map[string]string
			require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
			require.Contains(t, resp["error"], tc.wantMsg)
			require.Empty(t, f.enqueuer.queued())
		})
	}
}

func TestSubmitJobOpenEndedDateRangeAccepted(t *testing.T) {
	f := newFixture()
	body := jsonBody(t, map[string]any{
		"type": "reddit_subreddit",
		"config": map[string]any{
			"target":     "golang",
			"date_range": map[string]any{"start": "2025-02-01T00:00:00Z"},
		},
	})
	rec := doRequest(t, f.build().Handler(), http.MethodPost, "/v1/jobs", body)
	require.Equal(t, http.StatusAccepted, rec.Code)
}

func TestSubmitJobMalformedBody(t *testing.T) {
	f := newFixture()
	req := httptest.NewRequest(http.MethodPost, "/v1/jobs", strings.NewReader("{"))
	rec := httptest.NewRecorder()
	f.build().Handler().ServeHTTP(rec, req)
	require.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestSubmitJobDuplicateConflict(t *testing.T) {
	f := newFixture()
	f.store.seed(scrape.Job{ID: "job-1234", Type: scrape.TypeRedditSubreddit, Status: scrape.StatusActive})
	h := f.build().Handler()

	body := jsonBody(t, map[string]any{
		"type":   "reddit_subreddit",
		"config": map[string]any{"target": "golang"},
	})
	rec := doRequest(t, h, http.MethodPost, "/v1/jobs", body)

	require.Equal(t, http.StatusConflict, rec.Code)
	require.Empty(t, f.enqueuer.queued())
}

func TestSubmitJobEnqueueFailureMarksFailed(t *testing.T) {
	f := newFixture()
	f.enqueuer.err = errors.New("broker unavailable")
	h := f.build().Handler()

	body := jsonBody(t, map[string]any{
		"type":   "reddit_subreddit",
		"config": map[string]any{"target": "golang"},
	})
	rec := doRequest(t, h, http.MethodPost, "/v1/jobs", body)

	require.Equal(t, http.StatusInternalServerError, rec.Code)
	updates := f.store.updates()
	require.Len(t, updates, 1)
	require.Equal(t, "job-1234", updates[0].jobID)
	require.Equal(t, scrape.StatusFailed, updates[0].status)
	require.Equal(t, "failed to enqueue job", updates[0].errText)
}

func TestGetJobStatus(t *testing.T) {
	f := newFixture()
	started := apiBaseTime.Add(time.Second)
	f.store.seed(scrape.Job{
		ID:        "job-9",
		Type:      scrape.TypeTwitterThread,
		Status:    scrape.StatusActive,
		Submitted: apiBaseTime,
		Started:   &started,
		Attempt:   1,
	})
	rec := doRequest(t, f.build().Handler(), http.MethodGet, "/v1/jobs/job-9/status", nil)

	require.Equal(t, http.StatusOK, rec.Code)
	var resp struct {
		Job scrape.Job `json:"job"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	require.Equal(t, "job-9", resp.Job.ID)
	require.Equal(t, scrape.StatusActive, resp.Job.Status)
	require.Equal(t, 1, resp.Job.Attempt)
}

func TestGetJobStatusNotFound(t *testing.T) {
	f := newFixture()
	rec := doRequest(t, f.build().Handler(), http.MethodGet, "/v1/jobs/nope/status", nil)
	require.Equal(t, http.StatusNotFound, rec.Code)
}

func TestGetJobResultWhileRunning(t *testing.T) {
	f := newFixture()
	f.store.seed(scrape.Job{ID: "job-9", Status: scrape.StatusActive})
	rec := doRequest(t, f.build().Handler(), http.MethodGet, "/v1/jobs/job-9/result", nil)

	require.Equal(t, http.StatusConflict, rec.Code)
	var resp map[string]string
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	require.Equal(t, "job is still active", resp["error"])
}

func TestGetJobResultCompleted(t *testing.T) {
	f := newFixture()
	f.store.seed(scrape.Job{
		ID:     "job-9",
		Status: scrape.StatusCompleted,
		Result: &scrape.JobResult{
			Success:     true,
			DownloadURL: "https://storage.example.com/exports/job-9/result.json",
			Stats:       &scrape.JobStats{Count: 10, Requested: 25, DurationMS: 1500},
		},
	})
	rec := doRequest(t, f.build().Handler(), http.MethodGet, "/v1/jobs/job-9/result", nil)

	require.Equal(t, http.StatusOK, rec.Code)
	var result scrape.JobResult
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &result))
	require.True(t, result.Success)
	require.Equal(t, "https://storage.example.com/exports/job-9/result.json", result.DownloadURL)
	require.NotNil(t, result.Stats)
	require.Equal(t, 10, result.Stats.Count)
	require.Equal(t, int64(1500), result.Stats.DurationMS)
}

func TestGetJobResultSynthesizedForBareRow(t *testing.T) {
	f := newFixture()
	f.store.seed(scrape.Job{ID: "job-9", Status: scrape.StatusFailed, ErrorText: "network: bad gateway"})
	rec := doRequest(t, f.build().Handler(), http.MethodGet, "/v1/jobs/job-9/result", nil)

	require.Equal(t, http.StatusOK, rec.Code)
	var result scrape.JobResult
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &result))
	require.False(t, result.Success)
	require.Equal(t, "network: bad gateway", result.Error)
}

func TestCancelJobFlagsActiveJob(t *testing.T) {
	f := newFixture()
	f.store.seed(scrape.Job{ID: "job-9", Status: scrape.StatusActive})
	rec := doRequest(t, f.build().Handler(), http.MethodPost, "/v1/jobs/job-9/cancel", nil)

	require.Equal(t, http.StatusAccepted, rec.Code)
	require.True(t, f.canceller.Cancelled("job-9"))
	var resp map[string]string
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	require.Equal(t, "job-9", resp["job_id"])
	require.Equal(t, "active", resp["status"])
}

func TestCancelJobIdempotentOnTerminal(t *testing.T) {
	f := newFixture()
	f.store.seed(scrape.Job{ID: "job-9", Status: scrape.StatusCancelled})
	h := f.build().Handler()

	for i := 0; i < 2; i++ {
		rec := doRequest(t, h, http.MethodPost, "/v1/jobs/job-9/cancel", nil)
		require.Equal(t, http.StatusAccepted, rec.Code)
	}
	require.Zero(t, f.canceller.cancelCalls())
}

func TestCancelJobNotFound(t *testing.T) {
	f := newFixture()
	rec := doRequest(t, f.build().Handler(), http.MethodPost, "/v1/jobs/nope/cancel", nil)
	require.Equal(t, http.StatusNotFound, rec.Code)
}

func TestListJobsDefaults(t *testing.T) {
	f := newFixture()
	f.store.seed(
		scrape.Job{ID: "job-a", Status: scrape.StatusCompleted},
		scrape.Job{ID: "job-b", Status: scrape.StatusActive},
		scrape.Job{ID: "job-c", Status: scrape.StatusCompleted},
	)
	rec := doRequest(t, f.build().Handler(), http.MethodGet, "/v1/jobs", nil)

	require.Equal(t, http.StatusOK, rec.Code)
	var resp struct {
		Jobs  []scrape.Job `json:"jobs"`
		Count int          `json:"count"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	require.Equal(t, 3, resp.Count)
	require.Len(t, resp.Jobs, 3)
	require.Equal(t, defaultJobLimit, f.store.lastList.limit)
	require.Zero(t, f.store.lastList.offset)
	require.Nil(t, f.store.lastList.status)
}

func TestListJobsStatusFilter(t *testing.T) {
	f := newFixture()
	f.store.seed(
		scrape.Job{ID: "job-a", Status: scrape.StatusCompleted},
		scrape.Job{ID: "job-b", Status: scrape.StatusActive},
		scrape.Job{ID: "job-c", Status: scrape.StatusCompleted},
	)
	rec := doRequest(t, f.build().Handler(), http.MethodGet, "/v1/jobs?status=completed", nil)

	require.Equal(t, http.StatusOK, rec.Code)
	var resp struct {
		Jobs  []scrape.Job `json:"jobs"`
		Count int          `json:"count"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	require.Equal(t, 2, resp.Count)
	require.NotNil(t, f.store.lastList.status)
	require.Equal(t, scrape.StatusCompleted, *f.store.lastList.status)
}

func TestListJobsParamValidation(t *testing.T) {
	cases := []struct {
		name string
		path string
	}{
		{"InvalidStatus", "/v1/jobs?status=bogus"},
		{"ZeroLimit", "/v1/jobs?limit=0"},
		{"NonNumericLimit", "/v1/jobs?limit=abc"},
		{"NegativeOffset", "/v1/jobs?offset=-1"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			f := newFixture()
			rec := doRequest(t, f.build().Handler(), http.MethodGet, tc.path, nil)
			require.Equal(t, http.StatusBadRequest, rec.Code)
		})
	}
}

func TestListJobsClampsLimit(t *testing.T) {
	f := newFixture()
	rec := doRequest(t, f.build().Handler(), http.MethodGet, "/v1/jobs?limit=99999", nil)

	require.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, maxJobLimit, f.store.lastList.limit)
}
