// Package progress carries run and item events from crawl workers to sinks.
// The Hub batches events on a background goroutine and never blocks emitters;
// sinks export them to Prometheus, logs or the run repository.
package progress
