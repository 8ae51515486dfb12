/*
Package health probes whether the remote backend is reachable.

The sync layer treats the backend as unreachable only after several
consecutive failed probes, so a single dropped request does not pause replay.
The reconciler consults a Monitor before each cycle and skips replay while the
backend is down.

# Architecture

	┌──────────┐   every Interval   ┌───────────────┐   HEAD /rest/v1/
	│ Monitor  │ ─────────────────► │ RemoteChecker │ ─────────────────► Supabase
	└────┬─────┘                    └───────────────┘
	     │ fold result into Status
	     ▼
	  Healthy? ──► reconciler gate, metrics component "remote"

## Hysteresis

A successful probe marks the backend reachable immediately. Failures are
counted and the backend is marked unreachable once Failures reaches
Config.Retries. The initial state is reachable.

## Reachability

RemoteChecker accepts any status below 500. A 401 or 403 from PostgREST
means the network path works; authorization problems surface on the actual
requests as permission errors and never trigger local fallback.

# Usage

	checker := health.NewRemoteChecker(cfg.SupabaseURL, cfg.AnonKey)
	monitor := health.NewMonitor(checker, health.DefaultConfig())
	monitor.OnProbe = func(r health.Result, reachable bool) {
		metrics.UpdateComponent(metrics.ComponentRemote, reachable, r.Message)
	}
	monitor.Start()
	defer monitor.Stop()

	if monitor.Healthy() {
		// replay pending writes
	}
*/
package health
