/*
Package reconciler drives the replay of staged writes.

A Reconciler holds the resource.Syncer of every service in the session and
replays them on a cron schedule (DefaultSchedule). Cycles are skipped while
the Gate, normally the health.Monitor probing the backend, reports the
backend unreachable, and never overlap.

	cron tick ──► Gate.Healthy? ──no──► skip
	                  │yes
	                  ▼
	      for each syncer, parents first:
	          Replay ──► replayed / kept / discarded
	                  │
	                  ▼
	      Summary + coachsync_replay_duration_seconds

Syncers are replayed in the order given, so a parent's staged write reaches
the backend before those of its children.
*/
package reconciler
