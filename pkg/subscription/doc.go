/*
Package subscription tracks the live change feeds of a session.

A Registry guarantees at most one live subscription per key, where a key is
(resource type, owner id, role). It is owned by a session and dropped with
it; there is no process-wide registry.

# Lifecycle

	          Subscribe
	  Idle ─────────────► Connecting ──── feed open ───► Active
	                          │                            │
	                    open failed                  feed failed
	                          │                            │
	                          ▼                            ▼
	                       Errored ◄───────────────────────┘
	                          │
	     Subscribe / Unsubscribe / UnsubscribeAll
	                          ▼
	                        Closed

Subscribing to a key that already has a subscription closes the old one,
feed included, before the new feed is opened.

# Delivery

Each subscription owns a buffered queue and one goroutine draining it:

	feed callback ──► queue (FIFO, 256) ──► dispatcher ──► handler

Events reach the handler in the order the feed produced them. Nothing is
delivered once the subscription is Closed or Errored, apart from a handler
call that was already running when the state changed. A full queue blocks
the producer instead of dropping events.

A feed failure travels through the same queue, so events produced before
the failure are delivered first. The error handler runs exactly once and
the registry never resubscribes on its own. Callers that want the feed back
can use a Resubscriber, which rate limits attempts per key.
*/
package subscription
