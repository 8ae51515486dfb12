/*
Package metrics provides Prometheus metrics and component health for the sync
layer.

All metrics are registered with the default Prometheus registry in init() and
exposed through Handler(). Component health (store, remote, realtime) is kept
on a package-level board and served by HealthHandler and ReadyHandler.

# Metrics

Remote:

  - coachsync_remote_requests_total{resource, op, outcome}
  - coachsync_remote_request_duration_seconds{resource, op}

Subscriptions:

  - coachsync_subscriptions_active{resource} (sampled by Collector)
  - coachsync_subscription_errors_total{resource}
  - coachsync_change_events_delivered_total{resource, kind}

Local fallback:

  - coachsync_fallback_loads_total{resource}
  - coachsync_staged_entries_total{resource, op}
  - coachsync_pending_entries{resource} (sampled by Collector)
  - coachsync_reconciled_entries_total{resource}
  - coachsync_replay_outcomes_total{resource, outcome}
  - coachsync_replay_duration_seconds
  - coachsync_composite_failures_total{resource, op}

Outcome labels are one of success, transient, permission, validation,
not_found or error.

# Usage

Timing a remote call:

	timer := metrics.NewTimer()
	payload, err := client.Update(ctx, id, partial)
	timer.ObserveDurationVec(metrics.RemoteRequestDuration, "workouts", "update")

Sampling gauges:

	collector := metrics.NewCollector(store, registry)
	collector.Start()
	defer collector.Stop()

Serving:

	http.Handle("/metrics", metrics.Handler())
	http.Handle("/health", metrics.HealthHandler())
	http.Handle("/ready", metrics.ReadyHandler())

# Sync state

	store down                  -> failing  (503 on /health and /ready)
	remote or realtime down     -> offline  (200, writes are staged)
	everything reported healthy -> online

Readiness only needs the store: reads and writes keep working offline.
*/
package metrics
