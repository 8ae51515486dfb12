/*
Package chat syncs the conversations between a coach and a client and the
messages exchanged in them.

Conversations are scoped by coach_id or client_id and listed by last
activity. Messages are scoped by conversation (types.RoleChat) and listed
oldest first. A coach and a client share at most one conversation;
OpenConversation returns the existing one when there is one.

SendMessage creates the message first and then moves the conversation's
last_message_at. While the backend is unreachable both writes are staged.
A conversation created offline has a provisional id and accepts messages
only once it has been replayed.

MarkRead updates each unread message from the other participant on the
backend, without local fallback, and reports the ones that failed.
*/
package chat
