// Package progress provides the event primitives, non-blocking hub, and
// emitter interfaces the scheduler and executor use to report crawl
// progress. Events are batched on a background goroutine and fanned out to
// pluggable sinks such as Prometheus metrics, structured logs, and the
// series-status aggregator.
package progress
