// Package metrics provides Prometheus-based instrumentation for the
// gateway's HTTP, provider, queue, cache, breaker, and memory-pipeline
// subsystems, grouped under a single Collector per process.
package metrics
