/*
Package storage provides the on-device fallback store used while the remote
backend is unreachable.

Writes that fail with a transient error are staged here as
LocalFallbackEntry values and replayed once connectivity returns. The store is
the only durable state on the device; the remote backend remains the source
of truth.

# Architecture

	┌──────────────── LocalStore ────────────────┐
	│                                             │
	│  workouts          meal_plans     goals     │
	│  ┌──────────┐      ┌─────────┐    ┌─────┐   │
	│  │ w-1 → {} │      │ ...     │    │ ... │   │
	│  │ w-2 → {} │      └─────────┘    └─────┘   │
	│  └──────────┘                               │
	│      key = (resource type, record id)       │
	└─────────────────────────────────────────────┘
	        │                         │
	   BoltStore                 SQLiteStore
	  bucket per type        fallback_entries table

Two backends implement LocalStore:

  - BoltStore keeps one bbolt bucket per resource type with JSON values.
    This is the default.
  - SQLiteStore keeps a single table keyed by (resource_type, record_id)
    in WAL mode, with writes serialized behind a mutex.

Both are safe for concurrent use.

# Semantics

  - Put overwrites any existing entry for the same key
  - Remove of a missing key is a no-op
  - ListByOwner and List return entries oldest first by QueuedAt
  - ClearResourceType empties one type and leaves the others alone
  - Entries survive process restarts

Read and write failures are reported as *StorageError so callers can tell a
local persistence problem apart from a remote one. Get on a missing key
returns an error wrapping ErrNotFound.

# Usage

	store, err := storage.Open(storage.BackendBolt, "/var/lib/coachsync")
	if err != nil {
		return err
	}
	defer store.Close()

	err = store.Put(&types.LocalFallbackEntry{
		ResourceType: types.ResourceWorkouts,
		RecordID:     "w-1",
		Operation:    types.OperationPut,
		Payload:      payload,
		Owners:       []string{coachID, clientID},
		QueuedAt:     time.Now(),
	})

	pending, err := store.ListByOwner(types.ResourceWorkouts, clientID)
*/
package storage
