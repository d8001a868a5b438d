/*
Package metrics provides Prometheus metrics collection and exposition for
the core.

Metrics are package-level variables registered at init(), covering the
Module Registry, Root Store, Result Cache, Request Tracker, Work Queues,
Event Bus, Blob Store, and the background Sweeper. They're exposed via
an HTTP handler for scraping by Prometheus servers.

# Metrics Catalog

Registry:

  - ace_registered_amts_total (Gauge)

Root/Details Store:

  - ace_roots_tracked (Gauge)
  - ace_root_version_conflicts_total (Counter)
  - ace_root_update_duration_seconds (Histogram)

Result Cache:

  - ace_cache_hits_total{amt} (Counter)
  - ace_cache_misses_total{amt} (Counter)
  - ace_cache_entries{amt} (Gauge)

Request Tracker:

  - ace_requests_tracked{status} (Gauge)
  - ace_requests_expired_total{amt} (Counter)
  - ace_requests_linked_total (Counter)

Work Queues:

  - ace_queue_depth{amt} (Gauge)
  - ace_queue_pop_latency_seconds{amt} (Histogram)
  - ace_amt_version_mismatch_total{amt} (Counter)

Event Bus:

  - ace_events_fired_total{event} (Counter)
  - ace_event_handler_errors_total{event} (Counter)

Blob Store:

  - ace_blobs_stored (Gauge)
  - ace_blobs_gc_total (Counter)

Processor:

  - ace_processing_duration_seconds{kind} (Histogram)
  - ace_alerts_fired_total (Counter)

Sweeper:

  - ace_sweep_cycles_total (Counter)
  - ace_sweep_duration_seconds (Histogram)
  - ace_expired_requests_swept_total{amt} (Counter)

# Usage

	timer := metrics.NewTimer()
	// ... perform operation ...
	timer.ObserveDurationVec(metrics.ProcessingDuration, kind)

	http.Handle("/metrics", metrics.Handler())
	http.ListenAndServe("127.0.0.1:9090", nil)
*/
package metrics
