// Package progress provides the event primitives, non-blocking hub, and
// emitter interface that jobs use to report what they are doing. The hub
// batches events on a background goroutine and fans them out to pluggable
// sinks (structured logs, Prometheus, the external event bus).
package progress
