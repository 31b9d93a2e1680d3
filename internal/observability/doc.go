// Package observability provides the append-only mutation event log and
// event-derived activity metrics for the task collection.
package observability
