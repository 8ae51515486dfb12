package remote

import (
	"context"
	"encoding/json"

	"github.com/spcoaching/coachsync/pkg/types"
)

// Filter scopes a fetch or change feed to the rows where Column equals Value
type Filter struct {
	Column string
	Value  string
}

// Eq builds an equality filter
func Eq(column, value string) Filter {
	return Filter{Column: column, Value: value}
}

// IsZero reports whether the filter matches every row
func (f Filter) IsZero() bool {
	return f.Column == ""
}

// String renders the filter in PostgREST syntax, e.g. "client_id=eq.42"
func (f Filter) String() string {
	if f.IsZero() {
		return ""
	}
	return f.Column + "=eq." + f.Value
}

// ChannelHandle identifies an open change feed
type ChannelHandle struct {
	ID    string
	Topic string
}

// EventHandler receives change events in the order the backend emits them
type EventHandler func(types.ChangeEvent)

// ErrorHandler is called when an open change feed dies
type ErrorHandler func(error)

// ResourceClient is the typed backend surface for one resource type.
//
// Payloads are raw JSON objects as the backend stores them. Every call may
// fail; failures should be *Error values (or wrap one) so callers can tell
// transient conditions from permission and validation problems.
type ResourceClient interface {
	// ResourceType returns the resource type this client serves
	ResourceType() types.ResourceType

	// FetchAll returns every record matching filter
	FetchAll(ctx context.Context, filter Filter) ([]json.RawMessage, error)

	// Create inserts a record and returns it with its server-assigned id
	Create(ctx context.Context, payload json.RawMessage) (json.RawMessage, error)

	// Update applies a partial update and returns the full record
	Update(ctx context.Context, id string, partial map[string]any) (json.RawMessage, error)

	// Delete removes a record
	Delete(ctx context.Context, id string) error

	// OpenChangeFeed starts pushing changes for filter to onEvent.
	// onError is called when the feed dies after opening.
	OpenChangeFeed(ctx context.Context, filter Filter, onEvent EventHandler, onError ErrorHandler) (ChannelHandle, error)

	// CloseChangeFeed stops a feed; closing an unknown handle is a no-op
	CloseChangeFeed(ctx context.Context, handle ChannelHandle) error
}
