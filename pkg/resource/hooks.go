package resource

import (
	"encoding/json"
	"fmt"

	"github.com/spcoaching/coachsync/pkg/remote"
	"github.com/spcoaching/coachsync/pkg/types"
	"github.com/tidwall/gjson"
)

// Hooks are the per-domain parts of a Service
type Hooks[T types.Record] struct {
	ResourceType types.ResourceType

	// Normalize decodes a backend payload into a record
	Normalize func(payload json.RawMessage) (T, error)

	// Owners lists the owner ids a payload belongs to; fallback entries are
	// indexed by them
	Owners func(payload json.RawMessage) []string

	// Filter scopes fetches and change feeds to an owner
	Filter func(owner types.Owner) (remote.Filter, error)

	// Validate rejects a record before it is created (optional)
	Validate func(record T) error

	// Embedded names nested relations a read returns but change events and
	// writes do not carry. Create payloads omit them and change events keep
	// the last known value.
	Embedded []string
}

func (h Hooks[T]) check() error {
	switch {
	case h.ResourceType == "":
		return fmt.Errorf("hooks: resource type is required")
	case h.Normalize == nil:
		return fmt.Errorf("hooks for %s: Normalize is required", h.ResourceType)
	case h.Owners == nil:
		return fmt.Errorf("hooks for %s: Owners is required", h.ResourceType)
	case h.Filter == nil:
		return fmt.Errorf("hooks for %s: Filter is required", h.ResourceType)
	}
	return nil
}

// JSONNormalizer decodes payloads straight into R
func JSONNormalizer[R any, T interface {
	*R
	types.Record
}]() func(json.RawMessage) (T, error) {
	return func(payload json.RawMessage) (T, error) {
		rec := T(new(R))
		if err := json.Unmarshal(payload, rec); err != nil {
			return nil, fmt.Errorf("decode record: %w", err)
		}
		return rec, nil
	}
}

// OwnerFields reads owner ids from the named top-level fields. Empty and
// missing fields are skipped.
func OwnerFields(fields ...string) func(json.RawMessage) []string {
	return func(payload json.RawMessage) []string {
		values := gjson.GetManyBytes(payload, fields...)
		owners := make([]string, 0, len(values))
		for _, v := range values {
			if s := v.String(); s != "" {
				owners = append(owners, s)
			}
		}
		return owners
	}
}

// RoleFilter maps each role to the column holding the owner id
func RoleFilter(columns map[types.Role]string) func(types.Owner) (remote.Filter, error) {
	return func(owner types.Owner) (remote.Filter, error) {
		column, ok := columns[owner.Role]
		if !ok {
			return remote.Filter{}, fmt.Errorf("role %q is not supported here", owner.Role)
		}
		if owner.ID == "" {
			return remote.Filter{}, fmt.Errorf("owner id is required")
		}
		return remote.Eq(column, owner.ID), nil
	}
}
