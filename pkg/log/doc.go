/*
Package log provides structured logging for coachsync using zerolog.

The log package wraps zerolog with a package-level logger, configurable level
and output format, and child-logger helpers that attach the fields the sync
layer filters on: component, resource type and subscription key.

The global Logger is disabled until Init is called, so library code can log
unconditionally and tests stay quiet.

# Log Levels

  - debug: every change event, every staged or replayed entry
  - info: subscription lifecycle, fallback loads, sign-out
  - warn: transient remote failures absorbed by the fallback store
  - error: channel failures, storage errors, permission failures

# Usage

Initializing the logger:

	log.Init(log.Config{
		Level:      log.InfoLevel,
		JSONOutput: true,
	})

Component loggers:

	logger := log.WithResource("resource", "workouts")
	logger.Warn().
		Err(err).
		Str("owner", owner.ID).
		Msg("remote fetch failed, serving staged entries")

Subscription loggers:

	logger := log.WithSubscription(key.String())
	logger.Info().Str("status", "active").Msg("change feed opened")

# Fields

	component   package emitting the entry (registry, resource, reconciler, ...)
	resource    resource type (workouts, messages, ...)
	key         subscription key "<resource>/<role>/<owner>"
	owner, role owner scope of an operation
	record_id   record affected by a mutation
*/
package log
