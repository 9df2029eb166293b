// Package resilience wraps single outbound fetches with the retry,
// rate-limit, proxy-failover and cancellation behavior every platform
// routine shares. One Engine call is one logical fetch (one listing
// page, one item); everything that can go wrong with it is handled
// here so extraction code never sees a transport detail.
package resilience
