package extract

import (
	"context"
	"encoding/json"
	"fmt"
	"math"
	"net/url"
	"regexp"
	"sort"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/harvester/internal/resilience"
	"github.com/JakeFAU/harvester/internal/scrape"
)

type twitterExtractor struct {
	runner *Runner
	thread bool
}

// twitterWireTweet accepts every field alias the upstream feed captures
// use; numbers may arrive as JSON numbers or numeric strings.
type twitterWireTweet struct {
	ID            string           `json:"id"`
	TweetID       string           `json:"tweet_id"`
	RestID        string           `json:"rest_id"`
	IDStr         string           `json:"id_str"`
	URL           string           `json:"url"`
	TweetURL      string           `json:"tweetUrl"`
	Text          string           `json:"text"`
	FullText      string           `json:"full_text"`
	Content       string           `json:"content"`
	Time          json.RawMessage  `json:"time"`
	CreatedAt     string           `json:"created_at"`
	Likes         json.Number      `json:"likes"`
	FavoriteCount json.Number      `json:"favorite_count"`
	Retweets      json.Number      `json:"retweets"`
	RetweetCount  json.Number      `json:"retweet_count"`
	Replies       json.Number      `json:"replies"`
	ReplyCount    json.Number      `json:"reply_count"`
	Username      string           `json:"username"`
	Author        string           `json:"author"`
	ScreenName    string           `json:"screen_name"`
	User          *twitterWireUser `json:"user"`
}

type twitterWireUser struct {
	ScreenName string `json:"screen_name"`
	Name       string `json:"name"`
}

type twitterPage struct {
	Tweets     []twitterWireTweet `json:"tweets"`
	NextCursor string             `json:"next_cursor"`
}

// tweetPayload is the normalized record stored on each item.
type tweetPayload struct {
	ID        string `json:"id"`
	Text      string `json:"text"`
	Author    string `json:"author,omitempty"`
	Timestamp string `json:"timestamp,omitempty"`
	Likes     int64  `json:"likes"`
	Retweets  int64  `json:"retweets"`
	Replies   int64  `json:"replies"`
	URL       string `json:"url"`
}

func (e *twitterExtractor) Extract(ctx context.Context, jc scrape.JobContext, job scrape.Job) ([]scrape.Item, Stats, error) {
	r := e.runner
	opts := resilience.Options{
		Platform:     "twitter",
		UseProxies:   job.Config.UseProxies,
		RotateAgents: job.Config.RotateAgents,
	}
	limit := r.clampLimit(job.Config.Limit)
	col := newCollector(limit, job.Config.DateRange)
	action := "timeline"
	if e.thread {
		action = "thread"
	}
	cursor := ""

	for !col.full() {
		if jc.Stopped() {
			return col.items, col.stats, scrape.ErrCancelled
		}
		if col.stats.Pages > 0 {
			if err := r.pause(ctx, jc); err != nil {
				return col.items, col.stats, err
			}
		}

		pageURL := e.pageURL(job.Config.Target, cursor)
		jc.EmitProgress(len(col.items), limit, fmt.Sprintf("%s page %d", action, col.stats.Pages+1))

		var page twitterPage
		if err := r.fetchJSON(ctx, jc, pageURL, opts, &page); err != nil {
			if scrape.ClassOf(err) == scrape.ClassCancelled {
				return col.items, col.stats, err
			}
			if len(col.items) == 0 {
				return nil, col.stats, err
			}
			jc.EmitLog(scrape.LogWarn, fmt.Sprintf("%s page failed, continuing with %d items: %v", action, len(col.items), err))
			break
		}
		col.stats.Pages++

		if len(page.Tweets) == 0 {
			if col.stats.Pages == 1 {
				return nil, col.stats, fmt.Errorf("%s: %w", job.Config.Target, ErrNoItems)
			}
			break
		}

		for _, raw := range page.Tweets {
			if col.full() {
				break
			}
			item, ok := tweetItem(raw)
			if !ok {
				col.stats.Failed++
				continue
			}
			col.add(item)
		}

		cursor = page.NextCursor
		if cursor == "" {
			break
		}
	}

	if !e.thread {
		// Timelines present newest first; threads keep conversation order.
		sort.SliceStable(col.items, func(i, j int) bool {
			return col.items[i].Posted.After(col.items[j].Posted)
		})
	}

	jc.EmitProgress(len(col.items), limit, "extraction complete")
	r.logger.Info("twitter extraction complete",
		zap.String("job_id", jc.JobID()),
		zap.String("target", job.Config.Target),
		zap.Int("collected", col.stats.Collected),
		zap.Int("failed", col.stats.Failed),
		zap.Int("deduped", col.stats.Deduped),
	)
	return col.items, col.stats, nil
}

func (e *twitterExtractor) pageURL(target, cursor string) string {
	var b strings.Builder
	if e.thread {
		fmt.Fprintf(&b, "https://cdn.syndication.twimg.com/timeline/conversation?id=%s", tweetIDFromTarget(target))
	} else {
		fmt.Fprintf(&b, "https://cdn.syndication.twimg.com/timeline/profile?screen_name=%s", strings.TrimPrefix(target, "@"))
	}
	if cursor != "" {
		fmt.Fprintf(&b, "&cursor=%s", url.QueryEscape(cursor))
	}
	return b.String()
}

var twitterStatusPattern = regexp.MustCompile(`(?i)(?:twitter|x)\.com/[^/]+/status(?:es)?/(\d+)`)

// tweetIDFromTarget accepts a status URL or a bare tweet id.
func tweetIDFromTarget(target string) string {
	target = strings.TrimSpace(target)
	if m := twitterStatusPattern.FindStringSubmatch(target); m != nil {
		return m[1]
	}
	return target
}

// tweetItem normalizes one wire tweet. Records without an id or text are
// unusable and dropped.
func tweetItem(raw twitterWireTweet) (scrape.Item, bool) {
	id := firstNonEmpty(raw.ID, raw.TweetID, raw.RestID, raw.IDStr)
	text := firstNonEmpty(raw.Text, raw.FullText, raw.Content)
	if id == "" || text == "" {
		return scrape.Item{}, false
	}
	author := firstNonEmpty(raw.Username, raw.Author, raw.ScreenName)
	if author == "" && raw.User != nil {
		author = strings.TrimSpace(raw.User.ScreenName)
	}
	link := firstNonEmpty(raw.URL, raw.TweetURL)
	if link == "" && author != "" {
		link = fmt.Sprintf("https://twitter.com/%s/status/%s", author, id)
	}
	posted := tweetTime(raw.Time, raw.CreatedAt)

	likes := numberValue(raw.Likes, raw.FavoriteCount)
	retweets := numberValue(raw.Retweets, raw.RetweetCount)
	replies := numberValue(raw.Replies, raw.ReplyCount)

	timestamp := ""
	if !posted.IsZero() {
		timestamp = posted.UTC().Format(time.RFC3339)
	}
	payload, err := json.Marshal(tweetPayload{
		ID:        id,
		Text:      text,
		Author:    author,
		Timestamp: timestamp,
		Likes:     likes,
		Retweets:  retweets,
		Replies:   replies,
		URL:       link,
	})
	if err != nil {
		return scrape.Item{}, false
	}

	return scrape.Item{
		ID:      id,
		URL:     link,
		Author:  author,
		Body:    text,
		Score:   int(likes),
		Replies: int(replies),
		Posted:  posted,
		Payload: payload,
	}, true
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if s := strings.TrimSpace(v); s != "" {
			return s
		}
	}
	return ""
}

func numberValue(values ...json.Number) int64 {
	for _, v := range values {
		if v == "" {
			continue
		}
		if n, err := v.Int64(); err == nil {
			return n
		}
		if f, err := v.Float64(); err == nil {
			return int64(math.Round(f))
		}
	}
	return 0
}

// tweetTime accepts the formats feed captures carry: RFC3339 strings,
// the classic created_at layout, or unix epochs in seconds or
// milliseconds.
func tweetTime(raw json.RawMessage, createdAt string) time.Time {
	if len(raw) > 0 {
		var s string
		if err := json.Unmarshal(raw, &s); err == nil {
			if t := parseTweetTimestamp(s); !t.IsZero() {
				return t
			}
		}
		var f float64
		if err := json.Unmarshal(raw, &f); err == nil && f > 0 {
			return epochToTime(f)
		}
	}
	return parseTweetTimestamp(createdAt)
}

const twitterCreatedAtLayout = "Mon Jan 02 15:04:05 -0700 2006"

func parseTweetTimestamp(s string) time.Time {
	s = strings.TrimSpace(s)
	if s == "" {
		return time.Time{}
	}
	if t, err := time.Parse(time.RFC3339, s); err == nil {
		return t.UTC()
	}
	if t, err := time.Parse(twitterCreatedAtLayout, s); err == nil {
		return t.UTC()
	}
	if f, err := strconv.ParseFloat(s, 64); err == nil && f > 0 {
		return epochToTime(f)
	}
	return time.Time{}
}

func epochToTime(v float64) time.Time {
	if v > 1e12 {
		return time.UnixMilli(int64(v)).UTC()
	}
	return time.Unix(int64(v), 0).UTC()
}
