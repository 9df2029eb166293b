package extract

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/harvester/internal/scrape"
)

func TestTwitterTimelinePaginatesAndSorts(t *testing.T) {
	eng := newFakeEngine()
	base := "https://cdn.syndication.twimg.com/timeline/profile?screen_name=jane"
	eng.pages[base] = `{"tweets":[
		{"id":"1","text":"first","username":"jane","time":1740800000,"likes":5,"retweet_count":"2","reply_count":1},
		{"tweet_id":"2","full_text":"second","user":{"screen_name":"jane"},"created_at":"Mon Mar 03 12:00:00 +0000 2025","favorite_count":"7"}
	],"next_cursor":"abc def"}`
	eng.pages[base+"&cursor=abc+def"] = `{"tweets":[
		{"rest_id":"3","content":"third","author":"jane","time":"1740820000","url":"https://x.com/jane/status/3"}
	],"next_cursor":""}`

	r := newTestRunner(eng)
	job := scrape.Job{
		ID:   "j1",
		Type: scrape.TypeTwitterTimeline,
		Config: scrape.JobConfig{
			Target:     "@jane",
			UseProxies: true,
		},
	}
	items, stats, err := r.Run(context.Background(), &fakeJob{id: "j1"}, job)
	require.NoError(t, err)
	require.Len(t, items, 3)

	// Newest first regardless of page order.
	require.Equal(t, "2", items[0].ID)
	require.Equal(t, "3", items[1].ID)
	require.Equal(t, "1", items[2].ID)

	require.Equal(t, "jane", items[0].Author, "author falls back to the embedded user object")
	require.Equal(t, 7, items[0].Score, "numeric strings are accepted")
	require.Equal(t, "https://twitter.com/jane/status/2", items[0].URL, "missing links are synthesized")
	require.Equal(t, "https://x.com/jane/status/3", items[1].URL)
	require.Equal(t, 5, items[2].Score)
	require.Equal(t, 1, items[2].Replies)

	require.Equal(t, 2, stats.Pages)
	require.Equal(t, 3, stats.Collected)
	require.Zero(t, stats.Failed)
	require.Equal(t, []string{base, base + "&cursor=abc+def"}, eng.requested())
	require.Equal(t, "twitter", eng.opts[0].Platform)
	require.True(t, eng.opts[0].UseProxies)
}

func TestTwitterTimelineDropsUnusableTweets(t *testing.T) {
	eng := newFakeEngine()
	base := "https://cdn.syndication.twimg.com/timeline/profile?screen_name=jane"
	eng.pages[base] = `{"tweets":[
		{"id":"1","username":"jane"},
		{"text":"orphan"},
		{"id":"2","text":"ok","username":"jane","time":1740800000}
	]}`

	r := newTestRunner(eng)
	job := scrape.Job{Type: scrape.TypeTwitterTimeline, Config: scrape.JobConfig{Target: "jane"}}
	items, stats, err := r.Run(context.Background(), &fakeJob{id: "j1"}, job)
	require.NoError(t, err)
	require.Len(t, items, 1)
	require.Equal(t, "2", items[0].ID)
	require.Equal(t, 2, stats.Failed)
}

func TestTwitterTimelineDedupes(t *testing.T) {
	eng := newFakeEngine()
	base := "https://cdn.syndication.twimg.com/timeline/profile?screen_name=jane"
	eng.pages[base] = `{"tweets":[
		{"id":"1","text":"first","username":"jane","time":1740800000},
		{"id":"1","text":"first again","username":"jane","time":1740800000}
	]}`

	r := newTestRunner(eng)
	job := scrape.Job{Type: scrape.TypeTwitterTimeline, Config: scrape.JobConfig{Target: "jane"}}
	items, stats, err := r.Run(context.Background(), &fakeJob{id: "j1"}, job)
	require.NoError(t, err)
	require.Len(t, items, 1)
	require.Equal(t, 1, stats.Deduped)
}

func TestTwitterZeroItemsFirstPage(t *testing.T) {
	eng := newFakeEngine()
	eng.pages["https://cdn.syndication.twimg.com/timeline/profile?screen_name=ghost"] = `{"tweets":[]}`

	r := newTestRunner(eng)
	job := scrape.Job{Type: scrape.TypeTwitterTimeline, Config: scrape.JobConfig{Target: "ghost"}}
	_, _, err := r.Run(context.Background(), &fakeJob{id: "j1"}, job)
	require.ErrorIs(t, err, ErrNoItems)
}

func TestTwitterThreadKeepsConversationOrder(t *testing.T) {
	eng := newFakeEngine()
	eng.pages["https://cdn.syndication.twimg.com/timeline/conversation?id=123"] = `{"tweets":[
		{"id":"9","text":"root","username":"jane","time":1740800000},
		{"id":"7","text":"reply one","username":"bob","time":1740810000},
		{"id":"8","text":"reply two","username":"jane","time":1740820000}
	]}`

	r := newTestRunner(eng)
	job := scrape.Job{
		Type:   scrape.TypeTwitterThread,
		Config: scrape.JobConfig{Target: "https://x.com/jane/status/123"},
	}
	items, stats, err := r.Run(context.Background(), &fakeJob{id: "j1"}, job)
	require.NoError(t, err)
	require.Len(t, items, 3)
	require.Equal(t, []string{"9", "7", "8"}, []string{items[0].ID, items[1].ID, items[2].ID})
	require.Equal(t, 1, stats.Pages)
}

func TestTwitterLimitStopsPagination(t *testing.T) {
	eng := newFakeEngine()
	base := "https://cdn.syndication.twimg.com/timeline/profile?screen_name=jane"
	eng.pages[base] = `{"tweets":[
		{"id":"1","text":"first","username":"jane","time":1740800000},
		{"id":"2","text":"second","username":"jane","time":1740810000}
	],"next_cursor":"next"}`

	r := newTestRunner(eng)
	job := scrape.Job{Type: scrape.TypeTwitterTimeline, Config: scrape.JobConfig{Target: "jane", Limit: 1}}
	items, stats, err := r.Run(context.Background(), &fakeJob{id: "j1"}, job)
	require.NoError(t, err)
	require.Len(t, items, 1)
	require.Equal(t, 1, stats.Requested)
	require.Len(t, eng.requested(), 1, "the limit is reached before the cursor is followed")
}

func TestTweetIDFromTarget(t *testing.T) {
	cases := map[string]string{
		"https://twitter.com/jane/status/123":   "123",
		"https://twitter.com/jane/statuses/456": "456",
		"https://x.com/jane/status/789":         "789",
		"123456789":                             "123456789",
	}
	for target, want := range cases {
		require.Equal(t, want, tweetIDFromTarget(target), target)
	}
}

func TestTweetTimeFormats(t *testing.T) {
	cases := []struct {
		name      string
		raw       json.RawMessage
		createdAt string
		want      time.Time
	}{
		{"rfc3339", json.RawMessage(`"2025-03-01T12:00:00Z"`), "", time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)},
		{"epoch seconds", json.RawMessage(`1740800000`), "", time.Unix(1740800000, 0)},
		{"epoch millis", json.RawMessage(`1740800000000`), "", time.Unix(1740800000, 0)},
		{"epoch string", json.RawMessage(`"1740800000"`), "", time.Unix(1740800000, 0)},
		{"created_at", nil, "Mon Mar 03 12:00:00 +0000 2025", time.Date(2025, 3, 3, 12, 0, 0, 0, time.UTC)},
		{"garbage", nil, "yesterday-ish", time.Time{}},
	}
	for _, tc := range cases {
		got := tweetTime(tc.raw, tc.createdAt)
		if tc.want.IsZero() {
			require.True(t, got.IsZero(), tc.name)
			continue
		}
		require.True(t, tc.want.Equal(got), "%s: want %v got %v", tc.name, tc.want, got)
	}
}
