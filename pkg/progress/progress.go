package progress

import (
	"context"
	"fmt"
	"slices"
	"sort"
	"time"

	"github.com/rs/zerolog"
	"github.com/spcoaching/coachsync/pkg/log"
	"github.com/spcoaching/coachsync/pkg/remote"
	"github.com/spcoaching/coachsync/pkg/resource"
	"github.com/spcoaching/coachsync/pkg/types"
)

// Service syncs a user's goals and body measurements
type Service struct {
	goals   *resource.Service[*types.Goal]
	entries *resource.Service[*types.ProgressEntry]
	logger  zerolog.Logger
}

// Stats summarizes a user's measurements and goals. Changes compare the
// latest measurement with the one before it and are nil without one.
type Stats struct {
	TotalMeasurements int      `json:"total_measurements"`
	LatestWeight      *float64 `json:"latest_weight"`
	LatestBodyFat     *float64 `json:"latest_body_fat"`
	WeightChange      *float64 `json:"weight_change"`
	BodyFatChange     *float64 `json:"body_fat_change"`
	ActiveGoals       int      `json:"active_goals"`
	CompletedGoals    int      `json:"completed_goals"`
	FromFallback      bool     `json:"from_fallback"`
}

// NewService creates a progress service. shared carries the store,
// registry, events and clock; its Client is ignored.
func NewService(goals, entries remote.ResourceClient, shared resource.Config) (*Service, error) {
	gc := shared
	gc.Client = goals
	gs, err := resource.NewService(GoalHooks(), gc)
	if err != nil {
		return nil, err
	}

	ec := shared
	ec.Client = entries
	es, err := resource.NewService(EntryHooks(), ec)
	if err != nil {
		return nil, err
	}

	return &Service{goals: gs, entries: es, logger: log.WithComponent("progress")}, nil
}

// Syncers returns the underlying services
func (s *Service) Syncers() []resource.Syncer {
	return []resource.Syncer{s.goals, s.entries}
}

// Goals returns the user's goals, newest first
func (s *Service) Goals(ctx context.Context, userID string) (*resource.LoadResult[*types.Goal], error) {
	res, err := s.goals.Load(ctx, userOwner(userID))
	if err != nil {
		return nil, err
	}
	resource.SortByCreated(res.Records)
	slices.Reverse(res.Records)
	return res, nil
}

// SubscribeGoals streams changes to the user's goals
func (s *Service) SubscribeGoals(ctx context.Context, userID string, onChange func(resource.Change[*types.Goal]), onError func(error)) error {
	return s.goals.Subscribe(ctx, userOwner(userID), onChange, onError)
}

// UnsubscribeGoals stops the user's goal feed
func (s *Service) UnsubscribeGoals(ctx context.Context, userID string) {
	s.goals.Unsubscribe(ctx, userOwner(userID))
}

// CreateGoal sets a new active goal
func (s *Service) CreateGoal(ctx context.Context, g *types.Goal) (*types.Goal, error) {
	input := *g
	if input.Status == "" {
		input.Status = types.GoalActive
	}
	return s.goals.Create(ctx, &input)
}

// UpdateGoal applies a partial update to a goal
func (s *Service) UpdateGoal(ctx context.Context, id string, partial map[string]any) (*types.Goal, error) {
	return s.goals.Update(ctx, id, partial)
}

// RemoveGoal deletes a goal
func (s *Service) RemoveGoal(ctx context.Context, id string) (types.Origin, error) {
	return s.goals.Remove(ctx, id)
}

// CompleteGoal closes an active goal as reached
func (s *Service) CompleteGoal(ctx context.Context, id string) (*types.Goal, error) {
	return s.closeGoal(ctx, id, types.GoalCompleted)
}

// CancelGoal closes an active goal as abandoned
func (s *Service) CancelGoal(ctx context.Context, id string) (*types.Goal, error) {
	return s.closeGoal(ctx, id, types.GoalCancelled)
}

func (s *Service) closeGoal(ctx context.Context, id string, status types.GoalStatus) (*types.Goal, error) {
	if g, ok := s.goals.Cached(id); ok && g.Status != types.GoalActive {
		return nil, remote.NewError(remote.KindValidation, "update", types.ResourceGoals,
			fmt.Errorf("goal is already %s", g.Status))
	}
	return s.goals.Update(ctx, id, map[string]any{"status": status})
}

// RecordProgress sets the current value of an active goal and completes it
// once the target is reached. A goal whose value started above its target
// counts as reached at or below it, any other at or above it.
func (s *Service) RecordProgress(ctx context.Context, g *types.Goal, value float64) (*types.Goal, error) {
	if g.Status != types.GoalActive {
		return nil, remote.NewError(remote.KindValidation, "update", types.ResourceGoals,
			fmt.Errorf("goal is %s", g.Status))
	}

	partial := map[string]any{"current_value": value}
	if Reached(g, value) {
		partial["status"] = types.GoalCompleted
		s.logger.Info().Str("goal_id", g.ID).Float64("value", value).Msg("Goal reached")
	}
	return s.goals.Update(ctx, g.ID, partial)
}

// Reached reports whether value meets the goal's target
func Reached(g *types.Goal, value float64) bool {
	if g.CurrentValue > g.TargetValue {
		return value <= g.TargetValue
	}
	return value >= g.TargetValue
}

// Entries returns the user's measurements, latest date first
func (s *Service) Entries(ctx context.Context, userID string) (*resource.LoadResult[*types.ProgressEntry], error) {
	res, err := s.entries.Load(ctx, userOwner(userID))
	if err != nil {
		return nil, err
	}
	sort.SliceStable(res.Records, func(i, j int) bool {
		return res.Records[i].Date > res.Records[j].Date
	})
	return res, nil
}

// SubscribeEntries streams changes to the user's measurements
func (s *Service) SubscribeEntries(ctx context.Context, userID string, onChange func(resource.Change[*types.ProgressEntry]), onError func(error)) error {
	return s.entries.Subscribe(ctx, userOwner(userID), onChange, onError)
}

// UnsubscribeEntries stops the user's measurement feed
func (s *Service) UnsubscribeEntries(ctx context.Context, userID string) {
	s.entries.Unsubscribe(ctx, userOwner(userID))
}

// CreateEntry records a measurement
func (s *Service) CreateEntry(ctx context.Context, e *types.ProgressEntry) (*types.ProgressEntry, error) {
	return s.entries.Create(ctx, e)
}

// UpdateEntry applies a partial update to a measurement
func (s *Service) UpdateEntry(ctx context.Context, id string, partial map[string]any) (*types.ProgressEntry, error) {
	return s.entries.Update(ctx, id, partial)
}

// RemoveEntry deletes a measurement
func (s *Service) RemoveEntry(ctx context.Context, id string) (types.Origin, error) {
	return s.entries.Remove(ctx, id)
}

// EntryOn returns the user's measurement for a date, if any
func (s *Service) EntryOn(ctx context.Context, userID, date string) (*types.ProgressEntry, bool, error) {
	res, err := s.Entries(ctx, userID)
	if err != nil {
		return nil, false, err
	}
	for _, e := range res.Records {
		if e.Date == date {
			return e, true, nil
		}
	}
	return nil, false, nil
}

// Recent returns the measurements of the last days before now, oldest first
func (s *Service) Recent(ctx context.Context, userID string, days int, now time.Time) ([]*types.ProgressEntry, error) {
	res, err := s.Entries(ctx, userID)
	if err != nil {
		return nil, err
	}

	cutoff := now.AddDate(0, 0, -days).Format(DateLayout)
	var recent []*types.ProgressEntry
	for i := len(res.Records) - 1; i >= 0; i-- {
		if e := res.Records[i]; e.Date >= cutoff {
			recent = append(recent, e)
		}
	}
	return recent, nil
}

// Stats summarizes the user's measurements and goals
func (s *Service) Stats(ctx context.Context, userID string) (*Stats, error) {
	entries, err := s.Entries(ctx, userID)
	if err != nil {
		return nil, err
	}
	goals, err := s.goals.Load(ctx, userOwner(userID))
	if err != nil {
		return nil, err
	}

	stats := &Stats{
		TotalMeasurements: len(entries.Records),
		FromFallback:      entries.FromFallback || goals.FromFallback,
	}
	for _, g := range goals.Records {
		switch g.Status {
		case types.GoalActive:
			stats.ActiveGoals++
		case types.GoalCompleted:
			stats.CompletedGoals++
		}
	}

	if len(entries.Records) == 0 {
		return stats, nil
	}
	latest := entries.Records[0]
	stats.LatestWeight = ptr(latest.Weight)
	if latest.BodyFat > 0 {
		stats.LatestBodyFat = ptr(latest.BodyFat)
	}
	if len(entries.Records) > 1 {
		previous := entries.Records[1]
		stats.WeightChange = ptr(latest.Weight - previous.Weight)
		if latest.BodyFat > 0 && previous.BodyFat > 0 {
			stats.BodyFatChange = ptr(latest.BodyFat - previous.BodyFat)
		}
	}
	return stats, nil
}

func ptr(v float64) *float64 { return &v }
