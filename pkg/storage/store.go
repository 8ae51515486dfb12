package storage

import (
	"errors"
	"fmt"
	"sort"

	"github.com/spcoaching/coachsync/pkg/types"
)

// ErrNotFound is returned by Get when no entry exists for the key
var ErrNotFound = errors.New("fallback entry not found")

// LocalStore is the on-device staging area used while the remote backend is
// unreachable. Keys are namespaced by resource type and record id, so stores may
// be shared across resource types without coordination.
type LocalStore interface {
	// Put persists or overwrites an entry
	Put(entry *types.LocalFallbackEntry) error

	// Get returns the entry for a key or ErrNotFound
	Get(rt types.ResourceType, recordID string) (*types.LocalFallbackEntry, error)

	// ListByOwner returns the entries of a type owned by ownerID, oldest first
	ListByOwner(rt types.ResourceType, ownerID string) ([]*types.LocalFallbackEntry, error)

	// List returns every entry of a type, oldest first
	List(rt types.ResourceType) ([]*types.LocalFallbackEntry, error)

	// Remove deletes an entry; removing a missing key is a no-op
	Remove(rt types.ResourceType, recordID string) error

	// ClearResourceType deletes every entry of a type
	ClearResourceType(rt types.ResourceType) error

	// Close releases the underlying database
	Close() error
}

// StorageError reports a failed read or write of the local store, e.g. when
// the device is out of space
type StorageError struct {
	Op           string
	ResourceType types.ResourceType
	RecordID     string
	Err          error
}

func (e *StorageError) Error() string {
	if e.RecordID == "" {
		return fmt.Sprintf("local store %s %s: %v", e.Op, e.ResourceType, e.Err)
	}
	return fmt.Sprintf("local store %s %s/%s: %v", e.Op, e.ResourceType, e.RecordID, e.Err)
}

func (e *StorageError) Unwrap() error { return e.Err }

// IsStorageError reports whether err is or wraps a StorageError
func IsStorageError(err error) bool {
	var se *StorageError
	return errors.As(err, &se)
}

func storageErr(op string, rt types.ResourceType, id string, err error) error {
	if err == nil {
		return nil
	}
	return &StorageError{Op: op, ResourceType: rt, RecordID: id, Err: err}
}

func sortByQueuedAt(entries []*types.LocalFallbackEntry) {
	sort.SliceStable(entries, func(i, j int) bool {
		return entries[i].QueuedAt.Before(entries[j].QueuedAt)
	})
}

func validateEntry(entry *types.LocalFallbackEntry) error {
	if entry == nil {
		return errors.New("nil entry")
	}
	if entry.ResourceType == "" {
		return errors.New("entry has no resource type")
	}
	if entry.RecordID == "" {
		return errors.New("entry has no record id")
	}
	switch entry.Operation {
	case types.OperationPut, types.OperationDelete:
	default:
		return fmt.Errorf("unknown operation %q", entry.Operation)
	}
	return nil
}
