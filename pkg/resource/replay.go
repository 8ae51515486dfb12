package resource

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/spcoaching/coachsync/pkg/events"
	"github.com/spcoaching/coachsync/pkg/metrics"
	"github.com/spcoaching/coachsync/pkg/remote"
	"github.com/spcoaching/coachsync/pkg/types"
	"github.com/tidwall/gjson"
)

// Replayed describes one staged write the backend accepted
type Replayed struct {
	RecordID string // id the entry was staged under
	ServerID string // id assigned by the backend; differs for provisional creates
}

// ReplayResult reports one Replay pass
type ReplayResult struct {
	ResourceType types.ResourceType
	Replayed     []Replayed
	Kept         int                // still pending: the backend stayed unreachable
	Discarded    []types.SubFailure // rejected by the backend and dropped
}

// Replay sends every staged write of the resource type to the backend,
// oldest first. Accepted writes are removed from the store, rejected ones are
// discarded and reported. The pass stops at the first transient failure, or
// at a record with a mutation in flight, and leaves the remaining entries for
// the next one.
func (s *Service[T]) Replay(ctx context.Context) (*ReplayResult, error) {
	entries, err := s.store.List(s.hooks.ResourceType)
	if err != nil {
		return nil, err
	}

	result := &ReplayResult{ResourceType: s.hooks.ResourceType}
	for i, entry := range entries {
		if err := ctx.Err(); err != nil {
			result.Kept += len(entries) - i
			return result, err
		}

		paused, err := s.replayEntry(ctx, entry, result)
		if err != nil {
			return result, err
		}
		if paused {
			result.Kept += len(entries) - i
			s.replayDone(result)
			return result, nil
		}
	}

	s.replayDone(result)
	return result, nil
}

// replayEntry sends one entry while holding its record's request token
func (s *Service[T]) replayEntry(ctx context.Context, entry *types.LocalFallbackEntry, result *ReplayResult) (paused bool, err error) {
	release, err := s.acquire(entry.RecordID)
	if err != nil {
		s.logger.Debug().Str("record_id", entry.RecordID).Msg("Mutation in flight, replay paused")
		return true, nil
	}
	defer release()

	serverID, err := s.replayOne(ctx, entry)
	rt := string(s.hooks.ResourceType)
	metrics.ReplayOutcomes.WithLabelValues(rt, remote.Outcome(err)).Inc()

	switch {
	case err == nil:
		result.Replayed = append(result.Replayed, Replayed{RecordID: entry.RecordID, ServerID: serverID})
		s.reconcile(entry, "replay")
		return false, nil

	case remote.IsTransient(err):
		s.logger.Debug().Err(err).Str("record_id", entry.RecordID).Msg("Backend still unreachable, replay paused")
		return true, nil
	}

	result.Discarded = append(result.Discarded, types.SubFailure{RecordID: entry.RecordID, Err: err})
	removed, rmErr := s.unstage(entry)
	if rmErr != nil {
		return false, rmErr
	}
	if removed {
		s.forget(entry.RecordID)
	}
	s.logger.Warn().Err(err).Str("record_id", entry.RecordID).Msg("Staged write rejected, discarded")
	events.Emit(s.events, events.EventRecordDiscarded, err.Error(), map[string]string{
		"resource":  rt,
		"record_id": entry.RecordID,
	})
	return false, nil
}

func (s *Service[T]) replayDone(result *ReplayResult) {
	if len(result.Replayed) == 0 && len(result.Discarded) == 0 {
		return
	}
	s.logger.Info().
		Int("replayed", len(result.Replayed)).
		Int("discarded", len(result.Discarded)).
		Int("kept", result.Kept).
		Msg("Replay finished")
	events.Emit(s.events, events.EventReplayCompleted, "replay finished", map[string]string{
		"resource":  string(s.hooks.ResourceType),
		"replayed":  fmt.Sprint(len(result.Replayed)),
		"discarded": fmt.Sprint(len(result.Discarded)),
		"kept":      fmt.Sprint(result.Kept),
	})
}

func (s *Service[T]) replayOne(ctx context.Context, entry *types.LocalFallbackEntry) (string, error) {
	switch {
	case entry.Operation == types.OperationDelete:
		if err := s.client.Delete(ctx, entry.RecordID); err != nil {
			return "", err
		}
		s.forget(entry.RecordID)
		return entry.RecordID, nil

	case entry.Provisional:
		payload, err := without(entry.Payload, append(append([]string(nil), metaFields...), s.hooks.Embedded...)...)
		if err != nil {
			return "", remote.NewError(remote.KindValidation, "replay", s.hooks.ResourceType, err)
		}
		row, err := s.client.Create(ctx, payload)
		if err != nil {
			return "", err
		}
		s.forget(entry.RecordID)
		id := gjson.GetBytes(row, "id").String()
		s.remember(id, row)
		return id, nil

	default:
		patch, err := replayPatch(entry)
		if err != nil {
			return "", remote.NewError(remote.KindValidation, "replay", s.hooks.ResourceType, err)
		}
		row, err := s.client.Update(ctx, entry.RecordID, patch)
		if err != nil {
			return "", err
		}
		s.remember(entry.RecordID, carryOver(row, s.lookup(entry.RecordID), s.hooks.Embedded))
		return entry.RecordID, nil
	}
}

// replayPatch is the accumulated partial of an update entry, or the full
// payload without meta for entries staged before patches were tracked
func replayPatch(entry *types.LocalFallbackEntry) (map[string]any, error) {
	source := entry.Patch
	if len(source) == 0 {
		var err error
		if source, err = without(entry.Payload, metaFields...); err != nil {
			return nil, err
		}
	}
	var patch map[string]any
	if err := json.Unmarshal(source, &patch); err != nil {
		return nil, err
	}
	return patch, nil
}
