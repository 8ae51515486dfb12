package types

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"
)

// ResourceType identifies a domain entity family on the remote backend.
// The value doubles as the backend table name and the local store namespace.
type ResourceType string

const (
	ResourceWorkouts        ResourceType = "workouts"
	ResourceExercises       ResourceType = "exercises"
	ResourceMealPlans       ResourceType = "meal_plans"
	ResourceFoods           ResourceType = "foods"
	ResourceGoals           ResourceType = "goals"
	ResourceProgressEntries ResourceType = "progress_entries"
	ResourceConversations   ResourceType = "conversations"
	ResourceMessages        ResourceType = "messages"
)

// AllResourceTypes returns every resource type the sync layer manages
func AllResourceTypes() []ResourceType {
	return []ResourceType{
		ResourceWorkouts,
		ResourceExercises,
		ResourceMealPlans,
		ResourceFoods,
		ResourceGoals,
		ResourceProgressEntries,
		ResourceConversations,
		ResourceMessages,
	}
}

// ParseResourceType validates a resource type name
func ParseResourceType(s string) (ResourceType, error) {
	for _, rt := range AllResourceTypes() {
		if string(rt) == s {
			return rt, nil
		}
	}
	return "", fmt.Errorf("unknown resource type: %q", s)
}

// Role scopes a resource collection to its owner
type Role string

const (
	RoleCoach  Role = "coach"
	RoleClient Role = "client"
	RoleUser   Role = "user" // self-owned records (goals, progress)
	RoleChat   Role = "chat" // chat-scoped records (messages)

	// child records scoped to their parent
	RoleWorkout Role = "workout"
	RoleMeal    Role = "meal"
)

// ParseRole validates a role name
func ParseRole(s string) (Role, error) {
	switch Role(s) {
	case RoleCoach, RoleClient, RoleUser, RoleChat, RoleWorkout, RoleMeal:
		return Role(s), nil
	}
	return "", fmt.Errorf("unknown role: %q", s)
}

// Owner is the user (and role) a resource collection belongs to
type Owner struct {
	ID   string
	Role Role
}

func (o Owner) String() string {
	return string(o.Role) + ":" + o.ID
}

// SubscriptionKey identifies at most one live subscription
type SubscriptionKey struct {
	ResourceType ResourceType
	OwnerID      string
	Role         Role
}

// KeyFor builds the subscription key for an owner's collection
func KeyFor(rt ResourceType, owner Owner) SubscriptionKey {
	return SubscriptionKey{ResourceType: rt, OwnerID: owner.ID, Role: owner.Role}
}

func (k SubscriptionKey) String() string {
	return strings.Join([]string{string(k.ResourceType), string(k.Role), k.OwnerID}, "/")
}

// SubscriptionStatus is the lifecycle state of a subscription
type SubscriptionStatus string

const (
	SubscriptionIdle       SubscriptionStatus = "idle"
	SubscriptionConnecting SubscriptionStatus = "connecting"
	SubscriptionActive     SubscriptionStatus = "active"
	SubscriptionErrored    SubscriptionStatus = "errored"
	SubscriptionClosed     SubscriptionStatus = "closed"
)

// ChangeKind is the kind of a pushed remote change
type ChangeKind string

const (
	ChangeCreated ChangeKind = "created"
	ChangeUpdated ChangeKind = "updated"
	ChangeDeleted ChangeKind = "deleted"
)

// ChangeEvent is one change pushed by a remote change feed
type ChangeEvent struct {
	Kind         ChangeKind
	ResourceType ResourceType
	RecordID     string
	Payload      json.RawMessage // nil for tombstones
	ReceivedAt   time.Time
}

// Origin tells whether a record is confirmed remotely or only staged locally
type Origin string

const (
	OriginRemote       Origin = "remote"
	OriginLocalPending Origin = "local_pending"
)

// Meta carries the fields every domain record shares
type Meta struct {
	ID        string    `json:"id"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
	Origin    Origin    `json:"-"`
}

// GetMeta implements Record
func (m *Meta) GetMeta() *Meta { return m }

// Synced reports whether the record is confirmed by the remote backend
func (m *Meta) Synced() bool { return m.Origin == OriginRemote }

// Record is implemented by every domain record through the embedded Meta
type Record interface {
	GetMeta() *Meta
}

// Fresher reports whether a should replace b as the current version of a record.
// The most recent UpdatedAt wins; on a tie a Remote record beats a LocalPending one.
func Fresher(a, b *Meta) bool {
	if b == nil {
		return true
	}
	if a == nil {
		return false
	}
	if a.UpdatedAt.After(b.UpdatedAt) {
		return true
	}
	if a.UpdatedAt.Equal(b.UpdatedAt) {
		return a.Origin == OriginRemote && b.Origin != OriginRemote
	}
	return false
}

// Operation is the staged mutation kind of a fallback entry
type Operation string

const (
	OperationPut    Operation = "put"
	OperationDelete Operation = "delete"
)

// LocalFallbackEntry is a write staged on-device while the remote backend is unreachable
type LocalFallbackEntry struct {
	ResourceType ResourceType    `json:"resource_type"`
	RecordID     string          `json:"record_id"`
	Operation    Operation       `json:"operation"`
	Payload      json.RawMessage `json:"payload,omitempty"`
	Patch        json.RawMessage `json:"patch,omitempty"` // merged partial updates for replay
	Owners       []string        `json:"owners,omitempty"`
	Provisional  bool            `json:"provisional,omitempty"` // id was generated on-device
	QueuedAt     time.Time       `json:"queued_at"`
}

// OwnedBy reports whether ownerID is one of the entry's owners
func (e *LocalFallbackEntry) OwnedBy(ownerID string) bool {
	for _, o := range e.Owners {
		if o == ownerID {
			return true
		}
	}
	return false
}

// SubFailure describes one failed step of a composite operation
type SubFailure struct {
	RecordID string
	Err      error
}

// CompositeResult reports the outcome of a multi-record operation.
// Steps are not rolled back: each is an idempotent per-record update.
type CompositeResult struct {
	Succeeded []string
	Failed    []SubFailure
}

// OK reports whether every step succeeded
func (r *CompositeResult) OK() bool { return len(r.Failed) == 0 }

// Partial reports whether some but not all steps succeeded
func (r *CompositeResult) Partial() bool {
	return len(r.Failed) > 0 && len(r.Succeeded) > 0
}

// FailedIDs lists the record ids of failed steps in order
func (r *CompositeResult) FailedIDs() []string {
	ids := make([]string, 0, len(r.Failed))
	for _, f := range r.Failed {
		ids = append(ids, f.RecordID)
	}
	return ids
}

// Err joins every step failure, or returns nil
func (r *CompositeResult) Err() error {
	if r.OK() {
		return nil
	}
	errs := make([]error, 0, len(r.Failed))
	for _, f := range r.Failed {
		errs = append(errs, fmt.Errorf("%s: %w", f.RecordID, f.Err))
	}
	return errors.Join(errs...)
}
