// Package scrape defines the core types shared across the harvester
// pipeline: jobs and their lifecycle, extracted items, progress events,
// the request error taxonomy, and the interfaces each subsystem plugs
// into (queue, stores, publisher, cancellation, job context).
package scrape
