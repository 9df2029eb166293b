// Package sinks implements concrete progress consumers: structured logging,
// Prometheus collectors, and the event bus serving per-job progress and log
// channels. Each sink satisfies the progress.Sink interface and is safe for
// repeated Consume/Close cycles.
package sinks
