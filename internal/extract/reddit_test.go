package extract

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/harvester/internal/scrape"
)

func listingPage(after string, children ...string) string {
	return fmt.Sprintf(`{"kind":"Listing","data":{"after":%q,"children":[%s]}}`,
		after, strings.Join(children, ","))
}

func t3Child(id, title, permalink string, createdUTC int64) string {
	return fmt.Sprintf(`{"kind":"t3","data":{"id":%q,"title":%q,"author":"alice","permalink":%q,"score":10,"num_comments":1,"created_utc":%d,"subreddit":"golang"}}`,
		id, title, permalink, createdUTC)
}

func threadDoc(id, title, permalink, comments string) string {
	if comments == "" {
		comments = "[]"
	}
	post := fmt.Sprintf(`{"kind":"t3","data":{"id":%q,"title":%q,"author":"alice","selftext":"body of %s","permalink":%q,"score":10,"num_comments":2,"created_utc":1740800000,"subreddit":"golang","upvote_ratio":0.97,"is_self":true}}`,
		id, title, id, permalink)
	return fmt.Sprintf(`[{"kind":"Listing","data":{"children":[%s]}},{"kind":"Listing","data":{"children":%s}}]`,
		post, comments)
}

const aaaComments = `[
  {"kind":"t1","data":{"id":"c1","author":"carol","body":"Nice","score":3,"created_utc":1740801000,"replies":{"kind":"Listing","data":{"children":[{"kind":"t1","data":{"id":"c2","author":"dave","body":"Agreed","score":1,"created_utc":1740802000,"replies":""}}]}}}},
  {"kind":"t1","data":{"id":"c3","author":"[deleted]","body":"[deleted]","score":0,"replies":""}},
  {"kind":"more","data":{"count":5}}
]`

func TestRedditSubredditWalksPagesAndFetchesDetails(t *testing.T) {
	eng := newFakeEngine()
	base := "https://www.reddit.com/r/golang/new.json?limit=2"
	eng.pages[base] = listingPage("t3_bbb",
		t3Child("aaa", "First", "/r/golang/comments/aaa/first/", 1740800000),
		t3Child("bbb", "Second", "/r/golang/comments/bbb/second/", 1740810000))
	eng.pages[base+"&after=t3_bbb"] = listingPage("",
		t3Child("ccc", "Third", "/r/golang/comments/ccc/third/", 1740820000))
	eng.pages["https://www.reddit.com/r/golang/comments/aaa/first.json"] = threadDoc("aaa", "First", "/r/golang/comments/aaa/first/", aaaComments)
	eng.pages["https://www.reddit.com/r/golang/comments/bbb/second.json"] = threadDoc("bbb", "Second", "/r/golang/comments/bbb/second/", "")
	eng.pages["https://www.reddit.com/r/golang/comments/ccc/third.json"] = threadDoc("ccc", "Third", "/r/golang/comments/ccc/third/", "")

	r := newTestRunner(eng)
	job := scrape.Job{
		ID:   "j1",
		Type: scrape.TypeRedditSubreddit,
		Config: scrape.JobConfig{
			Target:     "golang",
			UseProxies: true,
		},
	}
	items, stats, err := r.Run(context.Background(), &fakeJob{id: "j1"}, job)
	require.NoError(t, err)
	require.Len(t, items, 3)
	require.Equal(t, "aaa", items[0].ID)
	require.Equal(t, "First", items[0].Title)
	require.Equal(t, "https://www.reddit.com/r/golang/comments/aaa/first/", items[0].URL)

	var payload redditPostPayload
	require.NoError(t, json.Unmarshal(items[0].Payload, &payload))
	require.Len(t, payload.Comments, 2, "deleted body and more stub are dropped")
	require.Equal(t, "c1", payload.Comments[0].ID)
	require.Equal(t, 0, payload.Comments[0].Depth)
	require.Equal(t, "aaa", payload.Comments[0].ParentID)
	require.Equal(t, "c2", payload.Comments[1].ID)
	require.Equal(t, 1, payload.Comments[1].Depth)
	require.Equal(t, "c1", payload.Comments[1].ParentID)

	require.Equal(t, 4, stats.Requested, "default limit applies")
	require.Equal(t, 3, stats.Collected)
	require.Equal(t, 2, stats.Pages)
	require.Zero(t, stats.Failed)

	calls := eng.requested()
	require.Equal(t, []string{
		base,
		base + "&after=t3_bbb",
		"https://www.reddit.com/r/golang/comments/aaa/first.json",
		"https://www.reddit.com/r/golang/comments/bbb/second.json",
		"https://www.reddit.com/r/golang/comments/ccc/third.json",
	}, calls)
	require.Equal(t, "reddit", eng.opts[0].Platform)
	require.True(t, eng.opts[0].UseProxies)
}

func TestRedditZeroItemsFirstPage(t *testing.T) {
	eng := newFakeEngine()
	eng.pages["https://www.reddit.com/r/empty/new.json?limit=2"] = listingPage("")

	r := newTestRunner(eng)
	job := scrape.Job{Type: scrape.TypeRedditSubreddit, Config: scrape.JobConfig{Target: "empty"}}
	_, stats, err := r.Run(context.Background(), &fakeJob{id: "j1"}, job)
	require.ErrorIs(t, err, ErrNoItems)
	require.Equal(t, 1, stats.Pages)
}

func TestRedditListingDedupesAcrossPages(t *testing.T) {
	eng := newFakeEngine()
	base := "https://www.reddit.com/r/golang/new.json?limit=2"
	eng.pages[base] = listingPage("t3_bbb",
		t3Child("aaa", "First", "/r/golang/comments/aaa/first/", 1740800000),
		t3Child("bbb", "Second", "/r/golang/comments/bbb/second/", 1740810000))
	// A cursor replay repeats bbb on the next page.
	eng.pages[base+"&after=t3_bbb"] = listingPage("",
		t3Child("bbb", "Second", "/r/golang/comments/bbb/second/", 1740810000),
		t3Child("ccc", "Third", "/r/golang/comments/ccc/third/", 1740820000))
	eng.pages["https://www.reddit.com/r/golang/comments/aaa/first.json"] = threadDoc("aaa", "First", "/r/golang/comments/aaa/first/", "")
	eng.pages["https://www.reddit.com/r/golang/comments/bbb/second.json"] = threadDoc("bbb", "Second", "/r/golang/comments/bbb/second/", "")
	eng.pages["https://www.reddit.com/r/golang/comments/ccc/third.json"] = threadDoc("ccc", "Third", "/r/golang/comments/ccc/third/", "")

	r := newTestRunner(eng)
	job := scrape.Job{Type: scrape.TypeRedditSubreddit, Config: scrape.JobConfig{Target: "golang"}}
	items, stats, err := r.Run(context.Background(), &fakeJob{id: "j1"}, job)
	require.NoError(t, err)
	require.Len(t, items, 3)
	require.Equal(t, 1, stats.Deduped)
}

func TestRedditDetailFailuresAreSkipped(t *testing.T) {
	eng := newFakeEngine()
	base := "https://www.reddit.com/r/golang/new.json?limit=2"
	eng.pages[base] = listingPage("",
		t3Child("aaa", "First", "/r/golang/comments/aaa/first/", 1740800000),
		t3Child("bbb", "Second", "/r/golang/comments/bbb/second/", 1740810000),
		t3Child("ccc", "Third", "/r/golang/comments/ccc/third/", 1740820000))
	eng.pages["https://www.reddit.com/r/golang/comments/aaa/first.json"] = threadDoc("aaa", "First", "/r/golang/comments/aaa/first/", "")
	eng.errs["https://www.reddit.com/r/golang/comments/bbb/second.json"] = scrape.NewError(scrape.ClassNetwork, 0, errors.New("connection reset"))
	eng.pages["https://www.reddit.com/r/golang/comments/ccc/third.json"] = threadDoc("ccc", "Third", "/r/golang/comments/ccc/third/", "")

	r := newTestRunner(eng)
	job := scrape.Job{Type: scrape.TypeRedditSubreddit, Config: scrape.JobConfig{Target: "golang"}}
	jc := &fakeJob{id: "j1"}
	items, stats, err := r.Run(context.Background(), jc, job)
	require.NoError(t, err, "a single bad item never fails the job")
	require.Len(t, items, 2)
	require.Equal(t, []string{"aaa", "ccc"}, []string{items[0].ID, items[1].ID})
	require.Equal(t, 1, stats.Failed)
	require.Equal(t, 2, stats.Collected)

	jc.mu.Lock()
	defer jc.mu.Unlock()
	require.NotEmpty(t, jc.logs)
	require.Contains(t, jc.logs[len(jc.logs)-1], "skipping")
}

func TestRedditCancelledBetweenDetails(t *testing.T) {
	eng := newFakeEngine()
	base := "https://www.reddit.com/r/golang/new.json?limit=2"
	eng.pages[base] = listingPage("",
		t3Child("aaa", "First", "/r/golang/comments/aaa/first/", 1740800000),
		t3Child("bbb", "Second", "/r/golang/comments/bbb/second/", 1740810000))
	eng.pages["https://www.reddit.com/r/golang/comments/aaa/first.json"] = threadDoc("aaa", "First", "/r/golang/comments/aaa/first/", "")
	eng.pages["https://www.reddit.com/r/golang/comments/bbb/second.json"] = threadDoc("bbb", "Second", "/r/golang/comments/bbb/second/", "")

	jc := &fakeJob{id: "j1"}
	eng.hook = func(call int, _ string) {
		// Stop the job right after the first detail fetch completes.
		if call == 2 {
			jc.stopped.Store(true)
		}
	}

	r := newTestRunner(eng)
	job := scrape.Job{Type: scrape.TypeRedditSubreddit, Config: scrape.JobConfig{Target: "golang"}}
	items, stats, err := r.Run(context.Background(), jc, job)
	require.ErrorIs(t, err, scrape.ErrCancelled)
	require.Len(t, items, 1, "work done before the check point is kept")
	require.Equal(t, 1, stats.Collected)
	require.Len(t, eng.requested(), 2)
}

func TestRedditSinglePost(t *testing.T) {
	eng := newFakeEngine()
	eng.pages["https://www.reddit.com/r/golang/comments/aaa.json"] = threadDoc("aaa", "First", "/r/golang/comments/aaa/first/", aaaComments)

	r := newTestRunner(eng)
	job := scrape.Job{
		Type:   scrape.TypeRedditPost,
		Config: scrape.JobConfig{Target: "https://www.reddit.com/r/golang/comments/aaa/first_post/"},
	}
	items, stats, err := r.Run(context.Background(), &fakeJob{id: "j1"}, job)
	require.NoError(t, err)
	require.Len(t, items, 1)
	require.Equal(t, "aaa", items[0].ID)
	require.Equal(t, 1, stats.Requested)
	require.Equal(t, 1, stats.Collected)

	var payload redditPostPayload
	require.NoError(t, json.Unmarshal(items[0].Payload, &payload))
	require.Len(t, payload.Comments, 2)
}

func TestRedditUserOverviewAcceptsPostsAndComments(t *testing.T) {
	eng := newFakeEngine()
	base := "https://www.reddit.com/user/kim/overview.json?limit=2&sort=new"
	comment := `{"kind":"t1","data":{"id":"k1","body":"a comment","permalink":"/r/golang/comments/ddd/topic/","created_utc":1740830000}}`
	other := `{"kind":"t5","data":{"id":"sub1"}}`
	eng.pages[base] = listingPage("",
		t3Child("aaa", "First", "/r/golang/comments/aaa/first/", 1740800000),
		comment,
		other)
	eng.pages["https://www.reddit.com/r/golang/comments/aaa/first.json"] = threadDoc("aaa", "First", "/r/golang/comments/aaa/first/", "")
	eng.pages["https://www.reddit.com/r/golang/comments/ddd/topic.json"] = threadDoc("ddd", "Topic", "/r/golang/comments/ddd/topic/", "")

	r := newTestRunner(eng)
	job := scrape.Job{Type: scrape.TypeRedditUser, Config: scrape.JobConfig{Target: "kim"}}
	items, _, err := r.Run(context.Background(), &fakeJob{id: "j1"}, job)
	require.NoError(t, err)
	require.Len(t, items, 2)
	require.Equal(t, "aaa", items[0].ID)
	require.Equal(t, "ddd", items[1].ID, "a comment resolves to its containing thread")
}

func TestRedditDateRangeFiltersListing(t *testing.T) {
	eng := newFakeEngine()
	base := "https://www.reddit.com/r/golang/new.json?limit=2"
	eng.pages[base] = listingPage("",
		t3Child("aaa", "First", "/r/golang/comments/aaa/first/", 1740800000),
		t3Child("bbb", "Second", "/r/golang/comments/bbb/second/", 1740810000))
	eng.pages["https://www.reddit.com/r/golang/comments/bbb/second.json"] = threadDoc("bbb", "Second", "/r/golang/comments/bbb/second/", "")

	r := newTestRunner(eng)
	job := scrape.Job{
		Type: scrape.TypeRedditSubreddit,
		Config: scrape.JobConfig{
			Target:    "golang",
			DateRange: &scrape.DateRange{Start: time.Unix(1740805000, 0).UTC()},
		},
	}
	items, _, err := r.Run(context.Background(), &fakeJob{id: "j1"}, job)
	require.NoError(t, err)
	require.Len(t, items, 1)
	require.Equal(t, "bbb", items[0].ID)
}

func TestParseRedditTarget(t *testing.T) {
	cases := []struct {
		target string
		want   string
		ok     bool
	}{
		{"https://www.reddit.com/r/Bard/comments/1p84jda/some_title/", "/r/Bard/comments/1p84jda", true},
		{"https://old.reddit.com/r/UofT/comments/abc123/", "/r/UofT/comments/abc123", true},
		{"https://redd.it/1p84jda", "/comments/1p84jda", true},
		{"1p84jda", "/comments/1p84jda", true},
		{"not a post url", "", false},
	}
	for _, tc := range cases {
		got, err := parseRedditTarget(tc.target)
		if tc.ok {
			require.NoError(t, err, tc.target)
			require.Equal(t, tc.want, got)
		} else {
			require.Error(t, err, tc.target)
		}
	}
}

func TestRedditSortSelection(t *testing.T) {
	require.Equal(t, "new", redditSort("", 10))
	require.Equal(t, "hot", redditSort("hot", 10))
	require.Equal(t, "controversial", redditSort("controversial", 10))
	require.Equal(t, "top", redditSort("", 501), "very large requests walk all-time top")
	require.Equal(t, "new", redditSort("weird", 10), "unknown mode falls back")
}

func TestRedditDetailURL(t *testing.T) {
	require.Equal(t, "https://www.reddit.com/r/a/comments/x.json", redditDetailURL("/r/a/comments/x/"))
	require.Equal(t, "https://www.reddit.com/r/a/comments/x.json", redditDetailURL("https://www.reddit.com/r/a/comments/x"))
	require.Equal(t, "https://www.reddit.com/r/a/comments/x.json", redditDetailURL("https://www.reddit.com/r/a/comments/x.json"))
}
