/*
Package progress syncs a user's goals and body measurements.

Both resources are scoped by user_id. Goals are listed newest first,
measurements by date with the latest first.

A goal is active until it is completed or cancelled. RecordProgress stores a
new current value and completes the goal when the target is reached; whether
the target is reached from above or below follows from where the goal's
current value sits relative to it.

	active ──RecordProgress (target reached)──► completed
	   │
	   └──CancelGoal──► cancelled
*/
package progress
