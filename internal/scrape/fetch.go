package scrape

import (
	"context"
	"net/http"
	"strconv"
	"time"
)

// FetchRequest describes one outbound HTTP GET. ProxyURL and UserAgent
// are chosen per request so rotation decisions stay with the caller.
type FetchRequest struct {
	JobID     string
	URL       string
	Headers   http.Header
	UserAgent string
	ProxyID   string
	ProxyURL  string
	Timeout   time.Duration
}

// FetchResponse is the outcome of a FetchRequest. A response is returned
// for every received HTTP status; errors are reserved for transport
// failures and cancellation.
type FetchResponse struct {
	URL          string
	StatusCode   int
	Headers      http.Header
	Body         []byte
	Duration     time.Duration
	UsedHeadless bool
	ProxyID      string
}

// OK reports whether the response carries a 2xx status.
func (r FetchResponse) OK() bool {
	return r.StatusCode >= 200 && r.StatusCode < 300
}

// RetryAfter parses the Retry-After header, honoring both delta-seconds
// and HTTP-date forms. The second return is false when absent or
// unparseable.
func (r FetchResponse) RetryAfter(now time.Time) (time.Duration, bool) {
	raw := r.Headers.Get("Retry-After")
	if raw == "" {
		return 0, false
	}
	if secs, err := strconv.Atoi(raw); err == nil {
		if secs < 0 {
			return 0, false
		}
		return time.Duration(secs) * time.Second, true
	}
	if at, err := http.ParseTime(raw); err == nil {
		d := at.Sub(now)
		if d < 0 {
			d = 0
		}
		return d, true
	}
	return 0, false
}

// Fetcher executes single HTTP GETs. Implementations must return a
// response for any received status code and reserve errors for
// transport-level failure.
type Fetcher interface {
	Fetch(ctx context.Context, request FetchRequest) (FetchResponse, error)
}

// HeadlessDetector decides whether a fetched page needs browser
// rendering to yield its real content.
type HeadlessDetector interface {
	ShouldPromote(response FetchResponse) bool
}
