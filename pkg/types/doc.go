/*
Package types defines the core data structures used throughout coachsync.

This package contains the sync layer's own model (resource types, owners,
subscription keys, change events, fallback entries) and the domain records the
coaching app works with: workouts and exercises, meal plans and foods, goals and
progress entries, conversations and messages. Every other package exchanges
these types.

# Architecture

The types package is the foundation of the data model. It defines:

  - Resource scoping (ResourceType, Role, Owner, SubscriptionKey)
  - Live feed primitives (ChangeEvent, ChangeKind, SubscriptionStatus)
  - Offline staging (LocalFallbackEntry, Operation)
  - Domain records with a shared Meta (id, timestamps, origin)
  - Composite operation reporting (CompositeResult, SubFailure)

Domain records serialize with the backend's snake_case column names so remote
payloads decode straight into them.

# Origin and freshness

Every record embeds Meta. Origin tells the UI whether a record is confirmed by
the backend (OriginRemote) or staged on-device (OriginLocalPending) and must be
shown as "not yet synced". Pushed changes and optimistic writes can race; the
rule is that the record with the newest UpdatedAt is current:

	if types.Fresher(incoming.GetMeta(), current.GetMeta()) {
		current = incoming
	}

A tie goes to the Remote record.

# Workout lifecycle

Workouts and meal plans share WorkoutStatus:

	Assigned → InProgress → Completed
	    ↑__________________________|   (reset)

Completed is terminal unless explicitly reset.

# Usage

Scoping a subscription:

	owner := types.Owner{ID: clientID, Role: types.RoleClient}
	key := types.KeyFor(types.ResourceWorkouts, owner)
	fmt.Println(key) // workouts/client/<clientID>

Reporting a composite operation:

	res := &types.CompositeResult{}
	res.Succeeded = append(res.Succeeded, "ex-1")
	res.Failed = append(res.Failed, types.SubFailure{RecordID: "ex-2", Err: err})
	if res.Partial() {
		log.Printf("failed: %v", res.FailedIDs())
	}
*/
package types
