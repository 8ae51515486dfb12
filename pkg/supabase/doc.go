/*
Package supabase binds the generic sync layer to a Supabase project.

A Table implements remote.ResourceClient for one resource type on top of the
PostgREST and Realtime clients from pkg/client. A Backend owns the shared
connections and hands out one Table per resource type.

# Error mapping

Every failure is returned as a *remote.Error:

	transport failure, timeout, open circuit   -> transient
	401, 403, PostgREST 42501 / PGRST301       -> permission
	400, 409, 422, 23xxx constraint violations -> validation
	404, update that matched no row            -> not_found
	429, 5xx                                   -> transient
	realtime join rejected                     -> permission

# Change feeds

Realtime postgres_changes payloads are decoded with gjson. INSERT and UPDATE
carry the new row; DELETE carries only old_record, so the record id is taken
from there and the event is delivered as a tombstone with no payload.
*/
package supabase
