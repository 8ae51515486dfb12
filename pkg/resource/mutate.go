package resource

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/spcoaching/coachsync/pkg/events"
	"github.com/spcoaching/coachsync/pkg/metrics"
	"github.com/spcoaching/coachsync/pkg/remote"
	"github.com/spcoaching/coachsync/pkg/storage"
	"github.com/spcoaching/coachsync/pkg/types"
	"github.com/tidwall/gjson"
)

// Create inserts a record. When the backend is unreachable the record is
// staged under a provisional id and returned as LocalPending.
func (s *Service[T]) Create(ctx context.Context, record T) (T, error) {
	var zero T

	if s.hooks.Validate != nil {
		if err := s.hooks.Validate(record); err != nil {
			return zero, remote.NewError(remote.KindValidation, "create", s.hooks.ResourceType, err)
		}
	}

	payload, err := encodeForCreate(record, s.hooks.Embedded)
	if err != nil {
		return zero, remote.NewError(remote.KindValidation, "create", s.hooks.ResourceType, err)
	}
	return s.CreatePayload(ctx, payload)
}

// CreatePayload inserts a raw payload, with the same fallback as Create
func (s *Service[T]) CreatePayload(ctx context.Context, payload json.RawMessage) (T, error) {
	var zero T

	row, err := s.client.Create(ctx, payload)
	if err == nil {
		return s.confirmed(row)
	}
	if !remote.IsTransient(err) {
		return zero, err
	}

	now := s.now()
	id := newProvisionalID()
	view, err := stamp(payload, id, now, now)
	if err != nil {
		return zero, err
	}
	entry := &types.LocalFallbackEntry{
		ResourceType: s.hooks.ResourceType,
		RecordID:     id,
		Operation:    types.OperationPut,
		Payload:      view,
		Owners:       s.hooks.Owners(view),
		Provisional:  true,
		QueuedAt:     now,
	}
	if err := s.stage(entry, "create"); err != nil {
		return zero, err
	}
	return s.pendingRecord(entry)
}

// Update applies a partial update. When the backend is unreachable the change
// is staged and the merged record returned as LocalPending. Records that only
// exist locally are updated in place.
func (s *Service[T]) Update(ctx context.Context, id string, partial map[string]any) (T, error) {
	var zero T

	release, err := s.acquire(id)
	if err != nil {
		return zero, err
	}
	defer release()

	patch, err := jsonShaped(partial)
	if err != nil {
		return zero, remote.NewError(remote.KindValidation, "update", s.hooks.ResourceType, err)
	}
	for _, f := range metaFields {
		delete(patch, f)
	}

	existing, err := s.staged(id)
	if err != nil {
		return zero, err
	}
	if existing != nil && existing.Operation == types.OperationDelete {
		return zero, remote.NewError(remote.KindNotFound, "update", s.hooks.ResourceType, fmt.Errorf("record %q is pending deletion", id))
	}

	if IsProvisional(id) {
		if existing == nil {
			return zero, remote.NewError(remote.KindNotFound, "update", s.hooks.ResourceType, fmt.Errorf("no staged record %q", id))
		}
		return s.stageUpdate(existing, id, patch)
	}

	// an older staged change goes out with this one
	send := patch
	if existing != nil && len(existing.Patch) > 0 {
		prior, err := toMap(existing.Patch)
		if err == nil {
			for k, v := range patch {
				prior[k] = v
			}
			send = prior
		}
	}

	row, err := s.client.Update(ctx, id, send)
	if err == nil {
		if existing != nil {
			s.reconcile(existing, "update")
		}
		return s.confirmed(row)
	}
	if !remote.IsTransient(err) {
		return zero, err
	}
	return s.stageUpdate(existing, id, patch)
}

// UpdateRemote applies a partial update without local fallback. Composite
// operations use it so that every failed step is reported.
func (s *Service[T]) UpdateRemote(ctx context.Context, id string, partial map[string]any) (T, error) {
	var zero T

	release, err := s.acquire(id)
	if err != nil {
		return zero, err
	}
	defer release()

	if IsProvisional(id) {
		return zero, remote.NewError(remote.KindNotFound, "update", s.hooks.ResourceType, fmt.Errorf("record %q is not synced yet", id))
	}

	row, err := s.client.Update(ctx, id, partial)
	if err != nil {
		return zero, err
	}
	return s.confirmed(row)
}

// Remove deletes a record and reports where the deletion took effect.
// Records that only exist locally are dropped without a backend call.
func (s *Service[T]) Remove(ctx context.Context, id string) (types.Origin, error) {
	release, err := s.acquire(id)
	if err != nil {
		return "", err
	}
	defer release()

	existing, err := s.staged(id)
	if err != nil {
		return "", err
	}

	if IsProvisional(id) {
		if err := s.store.Remove(s.hooks.ResourceType, id); err != nil {
			return "", err
		}
		s.forget(id)
		return types.OriginLocalPending, nil
	}

	err = s.client.Delete(ctx, id)
	if err == nil {
		if existing != nil {
			s.reconcile(existing, "delete")
		}
		s.forget(id)
		return types.OriginRemote, nil
	}
	if !remote.IsTransient(err) {
		return "", err
	}

	owners := s.hooks.Owners(s.lookup(id))
	if existing != nil && len(owners) == 0 {
		owners = existing.Owners
	}
	entry := &types.LocalFallbackEntry{
		ResourceType: s.hooks.ResourceType,
		RecordID:     id,
		Operation:    types.OperationDelete,
		Owners:       owners,
		QueuedAt:     s.now(),
	}
	if err := s.stage(entry, "delete"); err != nil {
		return "", err
	}
	return types.OriginLocalPending, nil
}

func (s *Service[T]) stageUpdate(existing *types.LocalFallbackEntry, id string, patch map[string]any) (T, error) {
	var zero T

	base := s.lookup(id)
	accumulated := patch
	provisional := IsProvisional(id)
	var owners []string
	if existing != nil {
		base = existing.Payload
		owners = existing.Owners
		if prior, err := toMap(existing.Patch); err == nil && len(existing.Patch) > 0 {
			for k, v := range patch {
				prior[k] = v
			}
			accumulated = prior
		}
	}

	now := s.now()
	view, err := merge(base, patch)
	if err != nil {
		return zero, err
	}
	if view, err = stamp(view, id, recordCreatedAt(base), now); err != nil {
		return zero, err
	}
	patchData, err := json.Marshal(accumulated)
	if err != nil {
		return zero, err
	}

	if o := s.hooks.Owners(view); len(o) > 0 {
		owners = o
	}
	entry := &types.LocalFallbackEntry{
		ResourceType: s.hooks.ResourceType,
		RecordID:     id,
		Operation:    types.OperationPut,
		Payload:      view,
		Patch:        patchData,
		Owners:       owners,
		Provisional:  provisional,
		QueuedAt:     now,
	}
	if provisional && existing != nil {
		// replay order follows the original create
		entry.QueuedAt = existing.QueuedAt
	}
	if err := s.stage(entry, "update"); err != nil {
		return zero, err
	}

	rec, err := s.pendingRecord(entry)
	if err != nil {
		return zero, err
	}
	rec.GetMeta().UpdatedAt = now
	return rec, nil
}

// stage persists an entry; failures surface as storage errors
func (s *Service[T]) stage(entry *types.LocalFallbackEntry, op string) error {
	s.storeMu.Lock()
	err := s.store.Put(entry)
	s.storeMu.Unlock()
	if err != nil {
		s.logger.Error().Err(err).Str("record_id", entry.RecordID).Str("op", op).Msg("Failed to stage write")
		if !storage.IsStorageError(err) {
			err = &storage.StorageError{Op: "put", ResourceType: entry.ResourceType, RecordID: entry.RecordID, Err: err}
		}
		return err
	}

	metrics.StagedEntries.WithLabelValues(string(s.hooks.ResourceType), op).Inc()
	s.logger.Info().Str("record_id", entry.RecordID).Str("op", op).Msg("Backend unreachable, write staged")
	events.Emit(s.events, events.EventRecordStaged, "write staged locally", map[string]string{
		"resource":  string(s.hooks.ResourceType),
		"record_id": entry.RecordID,
		"op":        op,
	})
	return nil
}

// staged returns the pending entry for id, or nil
func (s *Service[T]) staged(id string) (*types.LocalFallbackEntry, error) {
	entry, err := s.store.Get(s.hooks.ResourceType, id)
	if errors.Is(err, storage.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return entry, nil
}

func (s *Service[T]) confirmed(row json.RawMessage) (T, error) {
	id := gjson.GetBytes(row, "id").String()
	payload := carryOver(row, s.lookup(id), s.hooks.Embedded)

	rec, err := s.hooks.Normalize(payload)
	if err != nil {
		return rec, remote.NewError(remote.KindUnknown, "decode", s.hooks.ResourceType, err)
	}
	meta := rec.GetMeta()
	meta.Origin = types.OriginRemote
	s.remember(meta.ID, payload)
	return rec, nil
}
