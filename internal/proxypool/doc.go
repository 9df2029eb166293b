// Package proxypool manages the rotating set of egress proxies: loading
// them from a file source, tracking per-proxy health tallies, and
// selecting the next proxy for outbound requests. All state is process
// local; each worker process owns its own pool.
package proxypool
