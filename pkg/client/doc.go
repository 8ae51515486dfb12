/*
Package client talks to a hosted Supabase project: PostgREST over HTTP for
reads and writes, and the Realtime websocket for postgres change feeds.

# Architecture

	┌─────────────────────── pkg/supabase ────────────────────────┐
	│   Table (remote.ResourceClient per resource type)            │
	└──────────────┬──────────────────────────────┬───────────────┘
	               │                              │
	┌──────────────▼──────────────┐  ┌────────────▼───────────────┐
	│  Client (PostgREST)         │  │  RealtimeClient (phoenix)   │
	│  - QueryBuilder             │  │  - one websocket            │
	│  - APIError decoding        │  │  - channel per feed         │
	│  - access token             │  │  - heartbeat every 30s      │
	└──────────────┬──────────────┘  └────────────┬───────────────┘
	               │                              │
	┌──────────────▼──────────────┐               │
	│  ResilientClient            │               │
	│  - retry with jitter        │               │
	│  - circuit breaker          │               │
	└──────────────┬──────────────┘               │
	               ▼ /rest/v1                     ▼ /realtime/v1/websocket

# PostgREST

	c, err := client.New(client.Config{
		URL:        "https://project.supabase.co",
		APIKey:     anonKey,
		Resilience: &resilience,
	})
	resp, err := c.From("workouts").
		Select("*, exercises(*)").
		Eq("client_id", clientID).
		Order("created_at", true).
		Execute(ctx)
	if err == nil {
		err = resp.Err()
	}

Execute and friends only fail on transport errors. A non-2xx status is
reported by Response.Err as an *APIError carrying the HTTP status and the
PostgREST error code, which callers classify.

POST requests are never retried. An insert may have been applied even when
its response was lost, and retrying would duplicate the row.

# Realtime

SubscribeToPostgresChanges joins a fresh topic per call and blocks until the
server acknowledges the join. Change events of one channel are delivered in
arrival order on the read loop, so handlers should hand work off quickly.
When the server errors or closes a channel, or the socket drops, each
affected channel's error handler runs exactly once and the channel is
forgotten. Nothing is rejoined automatically.
*/
package client
