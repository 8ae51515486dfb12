/*
Package workout syncs the workouts a coach assigns to a client, together
with their exercises.

Workouts are scoped by coach_id or client_id; exercises by the workout they
belong to (types.RoleWorkout). Reads embed the exercises in the workout, so a
Load also primes the exercise cache and shows exercise changes staged offline
in place of the embedded copies.

# Lifecycle

	assigned ──StartWorkout──► in_progress ──CompleteWorkout──► completed
	    ▲                                                          │
	    └─────────────────────────ResetWorkout─────────────────────┘

CompleteWorkout and ResetWorkout update every exercise first and the workout
last, without local fallback. If an exercise update fails the workout keeps
its status, the failure is reported in a types.CompositeResult and the
exercises already updated stay updated.
*/
package workout
