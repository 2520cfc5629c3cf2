/*
Package metrics provides Prometheus metrics for the offline sync and caching layer.

# Overview

The Collector owns a private Prometheus registry and exposes it over HTTP.
Every recording method is safe to call on a nil or disabled Collector, so
components take an optional *Collector and never check it themselves.

	┌─────────────┐
	│  Collector  │
	└──────┬──────┘
	       │
	   ┌───┴────────────────────────┐
	   │                            │
	┌──▼───────────┐     ┌──────────▼──────┐
	│  Prometheus  │     │  HTTP Endpoints │
	│   Registry   │     │  /metrics       │
	└──────────────┘     │ /debug/operations│
	                     └─────────────────┘

# Usage

	collector, err := metrics.NewCollector(&metrics.Config{
		Enabled:   true,
		Port:      9464,
		Path:      "/metrics",
		Namespace: "habitsync",
	})
	if err != nil {
		log.Fatal(err)
	}
	if err := collector.Start(ctx); err != nil {
		log.Fatal(err)
	}
	defer collector.Stop(ctx)

# Exported series

Counters:
  - habitsync_cache_operations_total{op,result}
  - habitsync_fetch_total{source,status}
  - habitsync_sync_items_total{action,result}
  - habitsync_sync_drains_total{outcome}
  - habitsync_network_probes_total{result}
  - habitsync_notifications_total{level}

Histograms:
  - habitsync_fetch_duration_seconds{source}
  - habitsync_network_latency_seconds

Gauges:
  - habitsync_sync_queue_depth
  - habitsync_network_quality (3 good, 2 acceptable, 1 poor, 0 offline)
  - habitsync_network_reliability
*/
package metrics
