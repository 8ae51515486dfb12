/*
Package resource implements the generic sync service shared by every domain:
reads with local fallback, live subscriptions, optimistic writes and replay of
writes staged while the backend was unreachable.

A domain plugs in through Hooks: how to decode a payload, which owners a
record belongs to, how an owner scopes a fetch, and which nested relations the
backend embeds in reads.

# Read path

	Load(owner)
	    │
	    ├─ FetchAll ok ──────► records (Origin=Remote)
	    │                        │
	    │                        └─ overlay staged entries
	    │                             remote at least as fresh ─► entry dropped
	    │                             staged put newer ─────────► replaces remote copy
	    │                             staged delete ────────────► hides remote copy
	    │                             provisional put ──────────► appended
	    │
	    ├─ transient ────────► staged puts for owner (Origin=LocalPending),
	    │                      FromFallback=true
	    │
	    └─ permission, validation, not_found ─► error, nothing read locally

# Write path

Create, Update and Remove go to the backend first. A transient failure stages
a LocalFallbackEntry and returns the record as LocalPending; any other failure
is returned and nothing is staged. Creates staged offline get a provisional id
("local-<uuid>") that is swapped for the server id on replay. A failure to
stage is returned as *storage.StorageError.

Only one mutation per record id runs at a time; a second one fails with
ErrMutationInFlight.

# Reconciliation

A staged entry is dropped once the backend reflects it: when a Load or change
event carries an updated_at at or after the entry's QueuedAt, after a
successful write of the same id, or when Replay delivers it. Replay stops at
the first transient failure and discards entries the backend rejects.

# Collections

Collection is the per-screen view. Changes are folded in with
types.Fresher, so a late LocalPending copy never hides a newer remote one.
*/
package resource
