/*
Package events provides an in-memory event broker for sync lifecycle events.

Components publish what happened to subscriptions and staged records; the CLI
`watch` command and tests subscribe to observe it. Events are informational:
nothing in the sync path depends on them being delivered.

# Architecture

	Registry ─┐
	Services ─┼─► Publish ─► eventCh (buffer: 100) ─► run loop
	Session  ─┘                                        │
	                                                   ▼
	                                  Subscriber channels (buffer: 50 each)

Event types:

  - subscription.opened, subscription.closed, subscription.errored
  - record.staged, record.reconciled, record.discarded
  - replay.completed
  - session.signed_out

Publish never blocks. An event is dropped, and counted by Dropped, when the
broker queue is full or the broker is stopped. A delivery is also dropped
when a subscriber falls behind.

# Usage

	broker := events.NewBroker()
	broker.Start()
	defer broker.Stop()

	sub := broker.Subscribe("record", "session.signed_out")
	defer broker.Unsubscribe(sub)

	for ev := range sub {
		fmt.Println(ev.Type, ev.Metadata["key"])
	}

Components that accept an optional Publisher use Emit, which tolerates nil.
*/
package events
