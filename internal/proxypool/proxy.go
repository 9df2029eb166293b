package proxypool

import (
	"fmt"
	"net/url"
	"strconv"
	"strings"
	"time"
)

// record is one proxy endpoint plus its mutable health tally. All fields
// are guarded by the pool mutex; records never leave the pool.
type record struct {
	id       string
	host     string
	port     int
	username string
	password string

	successes   int
	failures    int
	consecutive int
	lastFailure string
	lastUsed    time.Time
}

// parseProxyLine parses one line of the proxy source file. The accepted
// forms are "host:port" and "host:port:user:pass", with an optional
// http:// or https:// prefix.
func parseProxyLine(line string) (*record, error) {
	line = strings.TrimSpace(line)
	line = strings.TrimPrefix(line, "http://")
	line = strings.TrimPrefix(line, "https://")
	line = strings.TrimSuffix(line, "/")

	parts := strings.Split(line, ":")
	if len(parts) != 2 && len(parts) != 4 {
		return nil, fmt.Errorf("malformed proxy line %q", line)
	}

	host := strings.TrimSpace(parts[0])
	if host == "" {
		return nil, fmt.Errorf("missing host in %q", line)
	}
	port, err := strconv.Atoi(strings.TrimSpace(parts[1]))
	if err != nil || port < 1 || port > 65535 {
		return nil, fmt.Errorf("invalid port in %q", line)
	}

	rec := &record{
		id:   fmt.Sprintf("%s:%d", host, port),
		host: host,
		port: port,
	}
	if len(parts) == 4 {
		rec.username = parts[2]
		rec.password = parts[3]
	}
	return rec, nil
}

// url renders the proxy as an URL usable by the HTTP transport.
func (r *record) url() string {
	u := url.URL{Scheme: "http", Host: fmt.Sprintf("%s:%d", r.host, r.port)}
	if r.username != "" {
		u.User = url.UserPassword(r.username, r.password)
	}
	return u.String()
}

// observations is the number of outcomes reported for this proxy.
func (r *record) observations() int {
	return r.successes + r.failures
}

// successRate is successes over observations; 0 with no history.
func (r *record) successRate() float64 {
	obs := r.observations()
	if obs == 0 {
		return 0
	}
	return float64(r.successes) / float64(obs)
}

// Endpoint is the selection handed to callers. Outcomes are reported
// back through the pool using the ID.
type Endpoint struct {
	ID  string
	URL string
}

// Status is a read-only snapshot of one proxy's tally.
type Status struct {
	ID          string     `json:"id"`
	SuccessRate float64    `json:"success_rate"`
	Requests    int        `json:"requests"`
	Healthy     bool       `json:"healthy"`
	Excluded    bool       `json:"excluded"`
	LastFailure string     `json:"last_failure,omitempty"`
	LastUsed    *time.Time `json:"last_used,omitempty"`
}

// Stats aggregates pool health for the stats endpoint and health checks.
type Stats struct {
	Total              int      `json:"total"`
	Healthy            int      `json:"healthy"`
	Unhealthy          int      `json:"unhealthy"`
	Active             int      `json:"active"`
	AverageSuccessRate float64  `json:"average_success_rate"`
	TotalRequests      int      `json:"total_requests"`
	Proxies            []Status `json:"proxies,omitempty"`
}
