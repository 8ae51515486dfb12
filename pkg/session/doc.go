/*
Package session wires one user's sync stack together.

A Session owns a single subscription.Registry and LocalStore shared by the
workout, nutrition, progress and chat services, plus the event broker and the
reconciler that replays staged writes. Nothing in the stack is global, so a
second session never sees the first one's subscriptions or staged data.

	Open(cfg) ─► supabase.Backend ─┐
	             storage.Open ─────┼─► New ─► services ─► reconciler
	             health.Monitor ───┘              │
	                                              ▼
	                         SignIn(token) ─► Claims ─► Owner

SignOut closes every subscription, clears every resource type from the store
and drops the services' caches before publishing session.signed_out. Close
stops the background loops but keeps staged writes on disk.
*/
package session
