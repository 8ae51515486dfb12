package resource

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/spcoaching/coachsync/pkg/events"
	"github.com/spcoaching/coachsync/pkg/log"
	"github.com/spcoaching/coachsync/pkg/metrics"
	"github.com/spcoaching/coachsync/pkg/remote"
	"github.com/spcoaching/coachsync/pkg/storage"
	"github.com/spcoaching/coachsync/pkg/subscription"
	"github.com/spcoaching/coachsync/pkg/types"
)

// ErrMutationInFlight is returned when a mutation for the same record id is
// still running
var ErrMutationInFlight = errors.New("a mutation for this record is already in flight")

// Change is one normalized change delivered to a subscriber
type Change[T types.Record] struct {
	Kind      types.ChangeKind
	ID        string
	Record    T    // zero for tombstones
	Tombstone bool // the record was deleted remotely
}

// LoadResult is the outcome of Load
type LoadResult[T types.Record] struct {
	Records []T

	// FromFallback is set when the backend was unreachable and Records come
	// from staged local entries only
	FromFallback bool
}

// Syncer is the part of a Service that does not depend on its record type.
// Sessions and the replay loop drive services through it.
type Syncer interface {
	ResourceType() types.ResourceType
	Replay(ctx context.Context) (*ReplayResult, error)
	Pending() ([]*types.LocalFallbackEntry, error)
	ClearPending() error
	Reset()
}

// Config wires a Service to its collaborators
type Config struct {
	Client   remote.ResourceClient
	Store    storage.LocalStore
	Registry *subscription.Registry

	// Events receives record lifecycle events; may be nil
	Events events.Publisher

	// Clock stamps staged entries (default time.Now)
	Clock func() time.Time
}

// Service is the sync surface of one resource type: reads with local
// fallback, live subscriptions, optimistic writes and replay of staged
// writes.
type Service[T types.Record] struct {
	hooks    Hooks[T]
	client   remote.ResourceClient
	store    storage.LocalStore
	registry *subscription.Registry
	events   events.Publisher
	now      func() time.Time
	logger   zerolog.Logger

	mu       sync.Mutex
	inflight map[string]struct{}
	known    map[string]json.RawMessage // last payload seen per record id

	// staging and compare-and-remove of staged entries
	storeMu sync.Mutex
}

// NewService creates a Service
func NewService[T types.Record](hooks Hooks[T], cfg Config) (*Service[T], error) {
	if err := hooks.check(); err != nil {
		return nil, err
	}
	if cfg.Client == nil || cfg.Store == nil || cfg.Registry == nil {
		return nil, fmt.Errorf("service for %s: client, store and registry are required", hooks.ResourceType)
	}
	if cfg.Client.ResourceType() != hooks.ResourceType {
		return nil, fmt.Errorf("service for %s: client serves %s", hooks.ResourceType, cfg.Client.ResourceType())
	}
	if cfg.Clock == nil {
		cfg.Clock = time.Now
	}

	return &Service[T]{
		hooks:    hooks,
		client:   cfg.Client,
		store:    cfg.Store,
		registry: cfg.Registry,
		events:   cfg.Events,
		now:      cfg.Clock,
		logger:   log.WithResource("resource", string(hooks.ResourceType)),
		inflight: make(map[string]struct{}),
		known:    make(map[string]json.RawMessage),
	}, nil
}

// ResourceType returns the resource type of the service
func (s *Service[T]) ResourceType() types.ResourceType { return s.hooks.ResourceType }

var _ Syncer = (*Service[*types.Goal])(nil)

// Load returns the owner's records. When the backend is unreachable the
// records staged locally for the owner are returned instead, each marked
// LocalPending. Permission and validation failures are returned as errors.
func (s *Service[T]) Load(ctx context.Context, owner types.Owner) (*LoadResult[T], error) {
	filter, err := s.hooks.Filter(owner)
	if err != nil {
		return nil, remote.NewError(remote.KindValidation, "load", s.hooks.ResourceType, err)
	}

	rows, err := s.client.FetchAll(ctx, filter)
	if err != nil {
		if !remote.IsTransient(err) {
			return nil, err
		}
		s.logger.Warn().Err(err).Str("owner", owner.String()).Msg("Backend unreachable, loading staged records")
		return s.loadFallback(owner)
	}

	remoteRecords := make([]T, 0, len(rows))
	byID := make(map[string]T, len(rows))
	for _, row := range rows {
		rec, err := s.hooks.Normalize(row)
		if err != nil {
			s.logger.Warn().Err(err).Msg("Skipping undecodable record")
			continue
		}
		meta := rec.GetMeta()
		meta.Origin = types.OriginRemote
		s.remember(meta.ID, row)
		remoteRecords = append(remoteRecords, rec)
		byID[meta.ID] = rec
	}

	pending, err := s.store.ListByOwner(s.hooks.ResourceType, owner.ID)
	if err != nil {
		// the remote view is still valid without the overlay
		s.logger.Warn().Err(err).Msg("Failed to read staged records")
		return &LoadResult[T]{Records: remoteRecords}, nil
	}
	return &LoadResult[T]{Records: s.overlay(remoteRecords, byID, pending)}, nil
}

func (s *Service[T]) loadFallback(owner types.Owner) (*LoadResult[T], error) {
	metrics.FallbackLoads.WithLabelValues(string(s.hooks.ResourceType)).Inc()

	records, err := s.PendingRecords(owner.ID)
	if err != nil {
		return nil, err
	}
	return &LoadResult[T]{Records: records, FromFallback: true}, nil
}

// PendingRecords returns the records staged for ownerID, each marked
// LocalPending. Staged deletions are left out.
func (s *Service[T]) PendingRecords(ownerID string) ([]T, error) {
	entries, err := s.store.ListByOwner(s.hooks.ResourceType, ownerID)
	if err != nil {
		return nil, err
	}

	records := make([]T, 0, len(entries))
	for _, e := range entries {
		if e.Operation != types.OperationPut {
			continue
		}
		rec, err := s.pendingRecord(e)
		if err != nil {
			s.logger.Warn().Err(err).Str("record_id", e.RecordID).Msg("Skipping undecodable staged record")
			continue
		}
		records = append(records, rec)
	}
	return records, nil
}

// overlay reconciles staged entries with a fresh remote listing. Entries the
// remote already reflects are dropped from the store; newer ones replace or
// hide their remote counterpart, and provisional records are appended.
func (s *Service[T]) overlay(records []T, byID map[string]T, pending []*types.LocalFallbackEntry) []T {
	hidden := make(map[string]bool)
	replaced := make(map[string]T)
	var added []T

	for _, e := range pending {
		remoteRec, onRemote := byID[e.RecordID]
		if onRemote && !e.QueuedAt.After(remoteRec.GetMeta().UpdatedAt) {
			s.reconcile(e, "load")
			continue
		}

		switch {
		case e.Operation == types.OperationDelete && onRemote:
			hidden[e.RecordID] = true
		case e.Operation == types.OperationPut && (onRemote || e.Provisional):
			rec, err := s.pendingRecord(e)
			if err != nil {
				continue
			}
			if onRemote {
				replaced[e.RecordID] = rec
			} else {
				added = append(added, rec)
			}
		}
	}

	out := make([]T, 0, len(records)+len(added))
	for _, rec := range records {
		id := rec.GetMeta().ID
		if hidden[id] {
			continue
		}
		if local, ok := replaced[id]; ok {
			rec = local
		}
		out = append(out, rec)
	}
	return append(out, added...)
}

// Subscribe routes the owner's change feed to onChange. Calling it again for
// the same owner replaces the previous subscription.
func (s *Service[T]) Subscribe(ctx context.Context, owner types.Owner, onChange func(Change[T]), onError func(error)) error {
	filter, err := s.hooks.Filter(owner)
	if err != nil {
		return remote.NewError(remote.KindValidation, "subscribe", s.hooks.ResourceType, err)
	}

	handler := func(ev types.ChangeEvent) {
		change, ok := s.applyEvent(ev)
		if ok && onChange != nil {
			onChange(change)
		}
	}
	return s.registry.Subscribe(ctx, types.KeyFor(s.hooks.ResourceType, owner), s.client, filter, handler, onError)
}

// Unsubscribe closes the owner's change feed; a no-op when none is open
func (s *Service[T]) Unsubscribe(ctx context.Context, owner types.Owner) {
	s.registry.Unsubscribe(ctx, types.KeyFor(s.hooks.ResourceType, owner))
}

// Status returns the subscription status for owner
func (s *Service[T]) Status(owner types.Owner) types.SubscriptionStatus {
	return s.registry.Status(types.KeyFor(s.hooks.ResourceType, owner))
}

func (s *Service[T]) applyEvent(ev types.ChangeEvent) (Change[T], bool) {
	change := Change[T]{Kind: ev.Kind, ID: ev.RecordID}

	if ev.Kind == types.ChangeDeleted {
		s.forget(ev.RecordID)
		if entry, err := s.store.Get(s.hooks.ResourceType, ev.RecordID); err == nil {
			s.reconcile(entry, "deleted")
		}
		change.Tombstone = true
		return change, true
	}

	payload := carryOver(ev.Payload, s.lookup(ev.RecordID), s.hooks.Embedded)
	rec, err := s.hooks.Normalize(payload)
	if err != nil {
		s.logger.Warn().Err(err).Str("record_id", ev.RecordID).Msg("Dropping undecodable change")
		return change, false
	}
	meta := rec.GetMeta()
	meta.Origin = types.OriginRemote
	s.remember(ev.RecordID, payload)

	entry, err := s.store.Get(s.hooks.ResourceType, ev.RecordID)
	if err == nil && !entry.QueuedAt.After(meta.UpdatedAt) {
		s.reconcile(entry, "event")
	}

	change.Record = rec
	return change, true
}

// reconcile drops a staged entry the backend has caught up with. A newer
// write staged for the same record since seen was read is kept.
func (s *Service[T]) reconcile(seen *types.LocalFallbackEntry, reason string) {
	removed, err := s.unstage(seen)
	if err != nil {
		s.logger.Warn().Err(err).Str("record_id", seen.RecordID).Msg("Failed to drop reconciled entry")
		return
	}
	if !removed {
		s.logger.Debug().Str("record_id", seen.RecordID).Str("reason", reason).Msg("Staged entry changed, kept for replay")
		return
	}
	metrics.ReconciledEntries.WithLabelValues(string(s.hooks.ResourceType)).Inc()
	events.Emit(s.events, events.EventRecordReconciled, "staged record confirmed", map[string]string{
		"resource":  string(s.hooks.ResourceType),
		"record_id": seen.RecordID,
		"reason":    reason,
	})
}

// unstage removes the staged entry of seen.RecordID only while it is still
// the entry seen
func (s *Service[T]) unstage(seen *types.LocalFallbackEntry) (bool, error) {
	s.storeMu.Lock()
	defer s.storeMu.Unlock()

	current, err := s.staged(seen.RecordID)
	if err != nil || current == nil {
		return false, err
	}
	if !sameEntry(current, seen) {
		return false, nil
	}
	if err := s.store.Remove(s.hooks.ResourceType, seen.RecordID); err != nil {
		return false, err
	}
	return true, nil
}

func sameEntry(a, b *types.LocalFallbackEntry) bool {
	return a.Operation == b.Operation &&
		a.QueuedAt.Equal(b.QueuedAt) &&
		bytes.Equal(a.Patch, b.Patch) &&
		bytes.Equal(a.Payload, b.Payload)
}

// Prime records the current version of records obtained elsewhere, e.g.
// children embedded in a parent's payload, so later partial updates staged
// offline start from them
func (s *Service[T]) Prime(records ...T) error {
	for _, rec := range records {
		data, err := json.Marshal(rec)
		if err != nil {
			return fmt.Errorf("prime %s: %w", s.hooks.ResourceType, err)
		}
		s.remember(rec.GetMeta().ID, data)
	}
	return nil
}

// Cached returns the last known version of a record, if any
func (s *Service[T]) Cached(id string) (T, bool) {
	var zero T
	payload := s.lookup(id)
	if payload == nil {
		return zero, false
	}
	rec, err := s.hooks.Normalize(payload)
	if err != nil {
		return zero, false
	}
	rec.GetMeta().Origin = types.OriginRemote
	return rec, true
}

// Pending returns the entries staged for this resource type, oldest first
func (s *Service[T]) Pending() ([]*types.LocalFallbackEntry, error) {
	return s.store.List(s.hooks.ResourceType)
}

// ClearPending drops every staged entry of this resource type
func (s *Service[T]) ClearPending() error {
	if err := s.store.ClearResourceType(s.hooks.ResourceType); err != nil {
		return err
	}
	s.logger.Info().Msg("Cleared staged entries")
	return nil
}

// Reset forgets every cached payload; the session calls it on sign-out
func (s *Service[T]) Reset() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.known = make(map[string]json.RawMessage)
}

func (s *Service[T]) pendingRecord(e *types.LocalFallbackEntry) (T, error) {
	rec, err := s.hooks.Normalize(e.Payload)
	if err != nil {
		return rec, err
	}
	meta := rec.GetMeta()
	meta.Origin = types.OriginLocalPending
	if meta.ID == "" {
		meta.ID = e.RecordID
	}
	if meta.UpdatedAt.IsZero() {
		meta.UpdatedAt = e.QueuedAt
	}
	return rec, nil
}

func (s *Service[T]) remember(id string, payload json.RawMessage) {
	if id == "" {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.known[id] = payload
}

func (s *Service[T]) lookup(id string) json.RawMessage {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.known[id]
}

func (s *Service[T]) forget(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.known, id)
}

// acquire takes the request token of a record id
func (s *Service[T]) acquire(id string) (func(), error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, busy := s.inflight[id]; busy {
		return nil, fmt.Errorf("%s/%s: %w", s.hooks.ResourceType, id, ErrMutationInFlight)
	}
	s.inflight[id] = struct{}{}
	return func() {
		s.mu.Lock()
		defer s.mu.Unlock()
		delete(s.inflight, id)
	}, nil
}

// SortByCreated orders records oldest first, by id on ties
func SortByCreated[T types.Record](records []T) {
	sort.SliceStable(records, func(i, j int) bool {
		a, b := records[i].GetMeta(), records[j].GetMeta()
		if !a.CreatedAt.Equal(b.CreatedAt) {
			return a.CreatedAt.Before(b.CreatedAt)
		}
		return a.ID < b.ID
	})
}
