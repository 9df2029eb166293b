// Package extract implements the platform extraction routines. Each job
// type maps to an extractor that walks cursor-paginated listings, fetches
// item details serially, and aggregates normalized items. Extractors run
// every network call through the resilience engine and observe the job's
// cancellation flag between steps.
package extract
