package resource

import (
	"sync"

	"github.com/spcoaching/coachsync/pkg/types"
)

// Collection is the in-memory view a screen renders: one version per record
// id, where the freshest version wins. It is safe for concurrent use.
type Collection[T types.Record] struct {
	mu    sync.RWMutex
	items map[string]T
}

// NewCollection creates a collection seeded with records
func NewCollection[T types.Record](records ...T) *Collection[T] {
	c := &Collection[T]{items: make(map[string]T, len(records))}
	for _, rec := range records {
		c.Put(rec)
	}
	return c
}

// Put stores rec unless the collection already holds a fresher version.
// It reports whether rec was stored.
func (c *Collection[T]) Put(rec T) bool {
	meta := rec.GetMeta()
	if meta.ID == "" {
		return false
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if current, ok := c.items[meta.ID]; ok && !types.Fresher(meta, current.GetMeta()) {
		return false
	}
	c.items[meta.ID] = rec
	return true
}

// Apply folds a change into the collection; tombstones remove the record
func (c *Collection[T]) Apply(change Change[T]) bool {
	if change.Tombstone {
		return c.Remove(change.ID)
	}
	return c.Put(change.Record)
}

// Replace swaps the whole content for records, e.g. after a Load
func (c *Collection[T]) Replace(records []T) {
	items := make(map[string]T, len(records))
	for _, rec := range records {
		if id := rec.GetMeta().ID; id != "" {
			items[id] = rec
		}
	}
	c.mu.Lock()
	c.items = items
	c.mu.Unlock()
}

// Get returns the record with id
func (c *Collection[T]) Get(id string) (T, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	rec, ok := c.items[id]
	return rec, ok
}

// Remove drops a record and reports whether it was present
func (c *Collection[T]) Remove(id string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, ok := c.items[id]
	delete(c.items, id)
	return ok
}

// Items returns the records oldest first
func (c *Collection[T]) Items() []T {
	c.mu.RLock()
	out := make([]T, 0, len(c.items))
	for _, rec := range c.items {
		out = append(out, rec)
	}
	c.mu.RUnlock()

	SortByCreated(out)
	return out
}

// Len returns the number of records
func (c *Collection[T]) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.items)
}
