// Package export renders finished jobs into downloadable artifacts: a JSON
// document holding the full item set and a Markdown digest for humans. Both
// land in the blob store under the job's prefix; the JSON object's URL is
// what the job result reports back.
package export

import (
	"context"
	"encoding/json"
	"fmt"
	"path"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/harvester/internal/scrape"
)

const (
	defaultPrefix  = "exports"
	summaryRunes   = 200
	jsonObjectName = "result.json"
	mdObjectName   = "result.md"
)

// Document is the JSON artifact written for a finished job.
type Document struct {
	JobID     string          `json:"jobId"`
	Type      scrape.JobType  `json:"type"`
	Target    string          `json:"target"`
	Generated time.Time       `json:"generated"`
	Stats     scrape.JobStats `json:"stats"`
	Items     []scrape.Item   `json:"items"`
}

// Exporter writes artifacts through a BlobStore.
type Exporter struct {
	store  scrape.BlobStore
	prefix string
	clock  scrape.Clock
	logger *zap.Logger
}

// New creates an Exporter. An empty prefix defaults to "exports".
func New(store scrape.BlobStore, prefix string, clk scrape.Clock, logger *zap.Logger) *Exporter {
	if prefix == "" {
		prefix = defaultPrefix
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Exporter{store: store, prefix: prefix, clock: clk, logger: logger}
}

// Export writes the JSON artifact and the Markdown digest and returns the
// JSON object's download URL. The digest is a convenience: if writing it
// fails the export still succeeds with a warning, but a failed JSON write
// fails the export because the deliverable is gone.
func (e *Exporter) Export(ctx context.Context, job scrape.Job, items []scrape.Item, stats scrape.JobStats) (string, error) {
	now := e.clock.Now()
	doc := Document{
		JobID:     job.ID,
		Type:      job.Type,
		Target:    job.Config.Target,
		Generated: now,
		Stats:     stats,
		Items:     items,
	}
	data, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		return "", fmt.Errorf("encode export document: %w", err)
	}

	url, err := e.store.PutObject(ctx, e.objectPath(job.ID, jsonObjectName), "application/json", data)
	if err != nil {
		return "", fmt.Errorf("write json artifact: %w", err)
	}

	digest := Digest(job, items, stats, now)
	if _, err := e.store.PutObject(ctx, e.objectPath(job.ID, mdObjectName), "text/markdown", []byte(digest)); err != nil {
		e.logger.Warn("markdown digest write failed",
			zap.String("job_id", job.ID),
			zap.Error(err),
		)
	}

	e.logger.Info("job exported",
		zap.String("job_id", job.ID),
		zap.Int("items", len(items)),
		zap.String("url", url),
	)
	return url, nil
}

func (e *Exporter) objectPath(jobID, name string) string {
	return path.Join(e.prefix, jobID, name)
}

// Digest renders the human-readable Markdown summary of a finished job.
func Digest(job scrape.Job, items []scrape.Item, stats scrape.JobStats, now time.Time) string {
	var b strings.Builder
	fmt.Fprintf(&b, "# Harvest Results: %s\n\n", job.Config.Target)
	fmt.Fprintf(&b, "**Job:** %s\n", job.ID)
	fmt.Fprintf(&b, "**Type:** %s\n", job.Type)
	fmt.Fprintf(&b, "**Date:** %s\n", now.UTC().Format("2006-01-02 15:04:05"))
	fmt.Fprintf(&b, "**Items:** %d of %d requested\n", stats.Count, stats.Requested)
	if stats.Failed > 0 {
		fmt.Fprintf(&b, "**Failed:** %d\n", stats.Failed)
	}
	b.WriteString("\n")

	for i, item := range items {
		title := item.Title
		if title == "" {
			title = item.ID
		}
		fmt.Fprintf(&b, "## %d. %s\n\n", i+1, title)
		fmt.Fprintf(&b, "**Author:** %s | **Score:** %d | **Replies:** %d\n", orUnknown(item.Author), item.Score, item.Replies)
		fmt.Fprintf(&b, "**URL:** %s\n\n", item.URL)
		if summary := summarize(item.Body); summary != "" {
			fmt.Fprintf(&b, "%s\n\n", summary)
		}
		b.WriteString("---\n\n")
	}
	return b.String()
}

// summarize collapses a body to a single truncated line.
func summarize(body string) string {
	body = strings.TrimSpace(strings.Join(strings.Fields(body), " "))
	if body == "" {
		return ""
	}
	runes := []rune(body)
	if len(runes) <= summaryRunes {
		return body
	}
	return string(runes[:summaryRunes]) + "..."
}

func orUnknown(s string) string {
	if s == "" {
		return "unknown"
	}
	return s
}
