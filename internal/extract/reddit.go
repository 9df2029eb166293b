package extract

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"regexp"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/harvester/internal/resilience"
	"github.com/JakeFAU/harvester/internal/scrape"
)

type redditMode int

const (
	redditModeSubreddit redditMode = iota
	redditModeUser
	redditModePost
)

// maxCommentDepth caps tree traversal; malformed payloads must not blow
// the stack.
const maxCommentDepth = 10

type redditExtractor struct {
	runner *Runner
	mode   redditMode
}

// Listing wire format: {"kind":"Listing","data":{"after":...,"children":[...]}}.
type redditListing struct {
	Kind string            `json:"kind"`
	Data redditListingData `json:"data"`
}

type redditListingData struct {
	After    string        `json:"after"`
	Children []redditThing `json:"children"`
}

type redditThing struct {
	Kind string          `json:"kind"`
	Data json.RawMessage `json:"data"`
}

type redditPostData struct {
	ID          string  `json:"id"`
	Title       string  `json:"title"`
	SelfText    string  `json:"selftext"`
	Author      string  `json:"author"`
	Subreddit   string  `json:"subreddit"`
	Score       int     `json:"score"`
	UpvoteRatio float64 `json:"upvote_ratio"`
	NumComments int     `json:"num_comments"`
	CreatedUTC  float64 `json:"created_utc"`
	URL         string  `json:"url"`
	Permalink   string  `json:"permalink"`
	IsSelf      bool    `json:"is_self"`
	Flair       string  `json:"link_flair_text"`
	Gilded      int     `json:"gilded"`
	Over18      bool    `json:"over_18"`
	Stickied    bool    `json:"stickied"`
}

type redditCommentData struct {
	ID         string          `json:"id"`
	Author     string          `json:"author"`
	Body       string          `json:"body"`
	Score      int             `json:"score"`
	CreatedUTC float64         `json:"created_utc"`
	Replies    json.RawMessage `json:"replies"`
}

// redditPostPayload is the normalized record stored on each item.
type redditPostPayload struct {
	ID          string                 `json:"id"`
	Title       string                 `json:"title"`
	SelfText    string                 `json:"selftext"`
	Author      string                 `json:"author"`
	Subreddit   string                 `json:"subreddit"`
	Score       int                    `json:"score"`
	UpvoteRatio float64                `json:"upvoteRatio"`
	NumComments int                    `json:"numComments"`
	CreatedUTC  float64                `json:"createdUtc"`
	URL         string                 `json:"url"`
	Permalink   string                 `json:"permalink"`
	IsSelf      bool                   `json:"isSelf"`
	Flair       string                 `json:"flair,omitempty"`
	Gilded      int                    `json:"gilded,omitempty"`
	Over18      bool                   `json:"over18,omitempty"`
	Stickied    bool                   `json:"stickied,omitempty"`
	Comments    []redditCommentPayload `json:"comments,omitempty"`
}

type redditCommentPayload struct {
	ID         string  `json:"id"`
	Author     string  `json:"author"`
	Body       string  `json:"body"`
	Score      int     `json:"score"`
	Depth      int     `json:"depth"`
	ParentID   string  `json:"parentId,omitempty"`
	CreatedUTC float64 `json:"createdUtc"`
}

func (e *redditExtractor) Extract(ctx context.Context, jc scrape.JobContext, job scrape.Job) ([]scrape.Item, Stats, error) {
	opts := resilience.Options{
		Platform:     "reddit",
		UseProxies:   job.Config.UseProxies,
		RotateAgents: job.Config.RotateAgents,
	}
	if e.mode == redditModePost {
		return e.single(ctx, jc, job, opts)
	}
	refs, stats, err := e.listRefs(ctx, jc, job, opts)
	if err != nil {
		return nil, stats, err
	}
	return e.details(ctx, jc, opts, refs, stats)
}

// redditRef is a listing entry waiting for its detail fetch.
type redditRef struct {
	id        string
	permalink string
	posted    time.Time
}

func (e *redditExtractor) listRefs(ctx context.Context, jc scrape.JobContext, job scrape.Job, opts resilience.Options) ([]redditRef, Stats, error) {
	r := e.runner
	limit := r.clampLimit(job.Config.Limit)
	stats := Stats{Requested: limit}

	sort := redditSort(job.Config.Mode, limit)
	seen := make(map[string]struct{})
	var refs []redditRef
	cursor := ""

	for len(refs) < limit {
		if jc.Stopped() {
			return refs, stats, scrape.ErrCancelled
		}
		if stats.Pages > 0 {
			if err := r.pause(ctx, jc); err != nil {
				return refs, stats, err
			}
		}

		url := e.listingURL(job.Config.Target, sort, cursor)
		jc.EmitProgress(len(refs), limit, fmt.Sprintf("listing page %d", stats.Pages+1))

		var page redditListing
		if err := r.fetchJSON(ctx, jc, url, opts, &page); err != nil {
			if scrape.ClassOf(err) == scrape.ClassCancelled {
				return refs, stats, err
			}
			if len(refs) == 0 {
				return nil, stats, err
			}
			// Pagination already yielded work; keep it rather than fail the job.
			jc.EmitLog(scrape.LogWarn, fmt.Sprintf("listing page failed, continuing with %d items: %v", len(refs), err))
			break
		}
		stats.Pages++

		children := page.Data.Children
		if len(children) == 0 {
			if stats.Pages == 1 {
				return nil, stats, fmt.Errorf("%s: %w", job.Config.Target, ErrNoItems)
			}
			break
		}

		for _, child := range children {
			if len(refs) >= limit {
				break
			}
			// User overviews mix submissions (t3) and comments (t1);
			// both resolve to a thread through their permalink.
			if child.Kind != "t3" && !(e.mode == redditModeUser && child.Kind == "t1") {
				continue
			}
			var data redditPostData
			if err := json.Unmarshal(child.Data, &data); err != nil || data.ID == "" || data.Permalink == "" {
				stats.Failed++
				continue
			}
			if _, dup := seen[data.ID]; dup {
				stats.Deduped++
				continue
			}
			seen[data.ID] = struct{}{}
			posted := redditTime(data.CreatedUTC)
			if job.Config.DateRange != nil && !posted.IsZero() && !job.Config.DateRange.Contains(posted) {
				continue
			}
			refs = append(refs, redditRef{id: data.ID, permalink: data.Permalink, posted: posted})
		}

		if len(children) < r.cfg.PageSize {
			// A short page is the end of the listing.
			break
		}
		cursor = page.Data.After
		if cursor == "" {
			break
		}
	}

	r.logger.Debug("reddit listing walked",
		zap.String("job_id", jc.JobID()),
		zap.String("target", job.Config.Target),
		zap.Int("pages", stats.Pages),
		zap.Int("refs", len(refs)),
		zap.Int("deduped", stats.Deduped),
	)
	return refs, stats, nil
}

// details fetches each thread serially. A failed item is logged and
// skipped; the job keeps whatever it collected.
func (e *redditExtractor) details(ctx context.Context, jc scrape.JobContext, opts resilience.Options, refs []redditRef, stats Stats) ([]scrape.Item, Stats, error) {
	r := e.runner
	seen := make(map[string]struct{})
	items := make([]scrape.Item, 0, len(refs))
	total := len(refs)

	for i, ref := range refs {
		if jc.Stopped() {
			stats.Collected = len(items)
			return items, stats, scrape.ErrCancelled
		}
		if i > 0 {
			if err := r.pause(ctx, jc); err != nil {
				stats.Collected = len(items)
				return items, stats, err
			}
		}
		jc.EmitProgress(len(items), total, fmt.Sprintf("post %d of %d", i+1, total))

		item, err := e.fetchThread(ctx, jc, opts, ref.permalink)
		if err != nil {
			if scrape.ClassOf(err) == scrape.ClassCancelled {
				stats.Collected = len(items)
				return items, stats, err
			}
			stats.Failed++
			jc.EmitLog(scrape.LogWarn, fmt.Sprintf("post %s failed, skipping: %v", ref.id, err))
			continue
		}
		// Several user comments can resolve to the same thread.
		if _, dup := seen[item.ID]; dup {
			stats.Deduped++
			continue
		}
		seen[item.ID] = struct{}{}
		items = append(items, item)
	}

	stats.Collected = len(items)
	jc.EmitProgress(len(items), total, "extraction complete")
	r.logger.Info("reddit extraction complete",
		zap.String("job_id", jc.JobID()),
		zap.Int("collected", stats.Collected),
		zap.Int("failed", stats.Failed),
	)
	return items, stats, nil
}

func (e *redditExtractor) single(ctx context.Context, jc scrape.JobContext, job scrape.Job, opts resilience.Options) ([]scrape.Item, Stats, error) {
	stats := Stats{Requested: 1}
	if jc.Stopped() {
		return nil, stats, scrape.ErrCancelled
	}
	permalink, err := parseRedditTarget(job.Config.Target)
	if err != nil {
		return nil, stats, err
	}
	jc.EmitProgress(0, 1, "fetching post")
	item, err := e.fetchThread(ctx, jc, opts, permalink)
	if err != nil {
		return nil, stats, err
	}
	stats.Pages = 1
	stats.Collected = 1
	jc.EmitProgress(1, 1, "extraction complete")
	return []scrape.Item{item}, stats, nil
}

// fetchThread pulls one post with its full comment tree.
func (e *redditExtractor) fetchThread(ctx context.Context, jc scrape.JobContext, opts resilience.Options, permalink string) (scrape.Item, error) {
	url := redditDetailURL(permalink)
	var listings []redditListing
	if err := e.runner.fetchJSON(ctx, jc, url, opts, &listings); err != nil {
		return scrape.Item{}, err
	}
	return redditThreadItem(listings)
}

// redditThreadItem builds a normalized item from the two-listing thread
// payload: listing 0 holds the post, listing 1 the comment forest.
func redditThreadItem(listings []redditListing) (scrape.Item, error) {
	if len(listings) == 0 || len(listings[0].Data.Children) == 0 {
		return scrape.Item{}, errors.New("thread payload missing post data")
	}
	var post redditPostData
	if err := json.Unmarshal(listings[0].Data.Children[0].Data, &post); err != nil {
		return scrape.Item{}, fmt.Errorf("decode post: %w", err)
	}
	if post.ID == "" {
		return scrape.Item{}, errors.New("thread payload missing post id")
	}

	var comments []redditCommentPayload
	if len(listings) > 1 {
		comments = flattenComments(listings[1], 0, post.ID)
	}

	payload, err := json.Marshal(redditPostPayload{
		ID:          post.ID,
		Title:       post.Title,
		SelfText:    post.SelfText,
		Author:      post.Author,
		Subreddit:   post.Subreddit,
		Score:       post.Score,
		UpvoteRatio: post.UpvoteRatio,
		NumComments: post.NumComments,
		CreatedUTC:  post.CreatedUTC,
		URL:         post.URL,
		Permalink:   absoluteRedditURL(post.Permalink),
		IsSelf:      post.IsSelf,
		Flair:       post.Flair,
		Gilded:      post.Gilded,
		Over18:      post.Over18,
		Stickied:    post.Stickied,
		Comments:    comments,
	})
	if err != nil {
		return scrape.Item{}, fmt.Errorf("encode payload: %w", err)
	}

	return scrape.Item{
		ID:      post.ID,
		URL:     absoluteRedditURL(post.Permalink),
		Title:   post.Title,
		Author:  post.Author,
		Body:    post.SelfText,
		Score:   post.Score,
		Replies: post.NumComments,
		Posted:  redditTime(post.CreatedUTC),
		Payload: payload,
	}, nil
}

// flattenComments walks the comment forest depth first. Deleted and
// removed bodies are dropped from the output but their replies are still
// visited; "more" stubs need extra API calls and are ignored.
func flattenComments(listing redditListing, depth int, parentID string) []redditCommentPayload {
	if listing.Kind != "Listing" || depth > maxCommentDepth {
		return nil
	}
	var out []redditCommentPayload
	for _, child := range listing.Data.Children {
		if child.Kind != "t1" {
			continue
		}
		var c redditCommentData
		if err := json.Unmarshal(child.Data, &c); err != nil {
			continue
		}
		deleted := c.Body == "" || c.Body == "[deleted]" || c.Body == "[removed]"
		if !deleted {
			out = append(out, redditCommentPayload{
				ID:         c.ID,
				Author:     c.Author,
				Body:       c.Body,
				Score:      c.Score,
				Depth:      depth,
				ParentID:   parentID,
				CreatedUTC: c.CreatedUTC,
			})
		}
		// Replies are either "" or a nested listing.
		if len(c.Replies) > 0 && depth < maxCommentDepth {
			var nested redditListing
			if err := json.Unmarshal(c.Replies, &nested); err == nil {
				out = append(out, flattenComments(nested, depth+1, c.ID)...)
			}
		}
	}
	return out
}

func (e *redditExtractor) listingURL(target, sort, cursor string) string {
	var b strings.Builder
	if e.mode == redditModeUser {
		fmt.Fprintf(&b, "https://www.reddit.com/user/%s/overview.json?limit=%d&sort=%s", target, e.runner.cfg.PageSize, sort)
	} else {
		fmt.Fprintf(&b, "https://www.reddit.com/r/%s/%s.json?limit=%d", target, sort, e.runner.cfg.PageSize)
	}
	if sort == "top" {
		b.WriteString("&t=all")
	}
	if cursor != "" {
		fmt.Fprintf(&b, "&after=%s", cursor)
	}
	return b.String()
}

// redditSort picks the listing sort: an explicit mode wins, very large
// requests walk the all-time top listing, everything else reads newest
// first.
func redditSort(mode string, limit int) string {
	switch mode {
	case "hot", "new", "top", "best", "rising", "controversial":
		return mode
	}
	if limit > 500 {
		return "top"
	}
	return "new"
}

var (
	redditPostPattern  = regexp.MustCompile(`(?i)reddit\.com(/r/\w+/comments/[a-z0-9]+)`)
	redditShortPattern = regexp.MustCompile(`(?i)redd\.it/([a-z0-9]+)`)
	redditBareID       = regexp.MustCompile(`^[a-z0-9]{4,10}$`)
)

// parseRedditTarget accepts a full post URL, a redd.it short link, or a
// bare post id, and returns a permalink path.
func parseRedditTarget(target string) (string, error) {
	target = strings.TrimSpace(target)
	if m := redditPostPattern.FindStringSubmatch(target); m != nil {
		return m[1], nil
	}
	if m := redditShortPattern.FindStringSubmatch(target); m != nil {
		return "/comments/" + strings.ToLower(m[1]), nil
	}
	if redditBareID.MatchString(strings.ToLower(target)) {
		return "/comments/" + strings.ToLower(target), nil
	}
	return "", fmt.Errorf("unrecognized reddit post target %q", target)
}

func absoluteRedditURL(permalink string) string {
	if permalink == "" {
		return ""
	}
	if strings.HasPrefix(permalink, "http://") || strings.HasPrefix(permalink, "https://") {
		return permalink
	}
	return "https://www.reddit.com" + permalink
}

func redditDetailURL(permalink string) string {
	url := strings.TrimSuffix(absoluteRedditURL(permalink), "/")
	if !strings.HasSuffix(url, ".json") {
		url += ".json"
	}
	return url
}

func redditTime(createdUTC float64) time.Time {
	if createdUTC <= 0 {
		return time.Time{}
	}
	sec := int64(createdUTC)
	nsec := int64((createdUTC - float64(sec)) * float64(time.Second))
	return time.Unix(sec, nsec).UTC()
}
