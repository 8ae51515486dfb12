package workout

import (
	"context"
	"errors"
	"fmt"

	"github.com/rs/zerolog"
	"github.com/spcoaching/coachsync/pkg/log"
	"github.com/spcoaching/coachsync/pkg/metrics"
	"github.com/spcoaching/coachsync/pkg/remote"
	"github.com/spcoaching/coachsync/pkg/resource"
	"github.com/spcoaching/coachsync/pkg/types"
)

// Service syncs workouts and their exercises
type Service struct {
	workouts  *resource.Service[*types.Workout]
	exercises *resource.Service[*types.Exercise]
	logger    zerolog.Logger
}

// Stats summarizes an owner's workouts
type Stats struct {
	Total        int  `json:"total"`
	Assigned     int  `json:"assigned"`
	InProgress   int  `json:"in_progress"`
	Completed    int  `json:"completed"`
	FromFallback bool `json:"from_fallback"`
}

// NewService creates a workout service. shared carries the store, registry,
// events and clock; its Client is ignored.
func NewService(workouts, exercises remote.ResourceClient, shared resource.Config) (*Service, error) {
	wc := shared
	wc.Client = workouts
	ws, err := resource.NewService(WorkoutHooks(), wc)
	if err != nil {
		return nil, err
	}

	ec := shared
	ec.Client = exercises
	es, err := resource.NewService(ExerciseHooks(), ec)
	if err != nil {
		return nil, err
	}

	return &Service{
		workouts:  ws,
		exercises: es,
		logger:    log.WithComponent("workout"),
	}, nil
}

// Syncers returns the underlying services, parents first
func (s *Service) Syncers() []resource.Syncer {
	return []resource.Syncer{s.workouts, s.exercises}
}

// Load returns the owner's workouts. Exercise changes staged offline are
// shown in place of the embedded copies.
func (s *Service) Load(ctx context.Context, owner types.Owner) (*resource.LoadResult[*types.Workout], error) {
	res, err := s.workouts.Load(ctx, owner)
	if err != nil {
		return nil, err
	}
	for _, w := range res.Records {
		if w.Synced() {
			if err := s.exercises.Prime(w.Exercises...); err != nil {
				s.logger.Warn().Err(err).Str("workout_id", w.ID).Msg("Failed to cache exercises")
			}
		}
		s.overlayExercises(w)
	}
	return res, nil
}

func (s *Service) overlayExercises(w *types.Workout) {
	pending, err := s.exercises.PendingRecords(w.ID)
	if err != nil {
		s.logger.Warn().Err(err).Str("workout_id", w.ID).Msg("Failed to read staged exercises")
		return
	}
	for _, p := range pending {
		replaced := false
		for i, e := range w.Exercises {
			if e.ID == p.ID {
				w.Exercises[i] = p
				replaced = true
				break
			}
		}
		if !replaced {
			w.Exercises = append(w.Exercises, p)
		}
	}
}

// Get returns the last known version of a workout
func (s *Service) Get(id string) (*types.Workout, bool) {
	return s.workouts.Cached(id)
}

// Subscribe streams changes to the owner's workouts
func (s *Service) Subscribe(ctx context.Context, owner types.Owner, onChange func(resource.Change[*types.Workout]), onError func(error)) error {
	return s.workouts.Subscribe(ctx, owner, onChange, onError)
}

// Unsubscribe stops the owner's workout feed
func (s *Service) Unsubscribe(ctx context.Context, owner types.Owner) {
	s.workouts.Unsubscribe(ctx, owner)
}

// Status returns the owner's workout subscription status
func (s *Service) Status(owner types.Owner) types.SubscriptionStatus {
	return s.workouts.Status(owner)
}

// SubscribeExercises streams changes to the exercises of one workout
func (s *Service) SubscribeExercises(ctx context.Context, workoutID string, onChange func(resource.Change[*types.Exercise]), onError func(error)) error {
	return s.exercises.Subscribe(ctx, workoutOwner(workoutID), onChange, onError)
}

// UnsubscribeExercises stops the exercise feed of one workout
func (s *Service) UnsubscribeExercises(ctx context.Context, workoutID string) {
	s.exercises.Unsubscribe(ctx, workoutOwner(workoutID))
}

// Create assigns a workout and creates its exercises. Exercise failures are
// reported in the result; the workout itself stays created.
//
// A workout without exercises may be staged offline. One with exercises is
// only created once the backend can assign its id.
func (s *Service) Create(ctx context.Context, w *types.Workout) (*types.Workout, *types.CompositeResult, error) {
	input := *w
	if input.Status == "" {
		input.Status = types.WorkoutAssigned
	}
	children := input.Exercises
	input.Exercises = nil

	created, err := s.workouts.Create(ctx, &input)
	if err != nil {
		return nil, nil, err
	}

	result := &types.CompositeResult{}
	if len(children) == 0 {
		return created, result, nil
	}
	if !created.Synced() {
		if _, rmErr := s.workouts.Remove(ctx, created.ID); rmErr != nil {
			s.logger.Warn().Err(rmErr).Str("workout_id", created.ID).Msg("Failed to drop staged workout")
		}
		return nil, nil, remote.NewError(remote.KindTransient, "create", types.ResourceWorkouts,
			errors.New("a workout with exercises cannot be created offline"))
	}

	for i, e := range children {
		ex := *e
		ex.WorkoutID = created.ID
		ex.Completed = false
		got, err := s.exercises.Create(ctx, &ex)
		if err != nil {
			result.Failed = append(result.Failed, types.SubFailure{
				RecordID: fmt.Sprintf("%s/exercises/%d", created.ID, i),
				Err:      err,
			})
			continue
		}
		result.Succeeded = append(result.Succeeded, got.ID)
		created.Exercises = append(created.Exercises, got)
	}
	s.observe("create", created.ID, result)
	return created, result, nil
}

// Update applies a partial update to a workout
func (s *Service) Update(ctx context.Context, id string, partial map[string]any) (*types.Workout, error) {
	return s.workouts.Update(ctx, id, partial)
}

// Remove deletes a workout after its known exercises
func (s *Service) Remove(ctx context.Context, id string) (types.Origin, error) {
	origin := types.OriginRemote

	if w, ok := s.workouts.Cached(id); ok {
		for _, e := range w.Exercises {
			o, err := s.exercises.Remove(ctx, e.ID)
			if err != nil {
				return "", fmt.Errorf("remove exercise %s: %w", e.ID, err)
			}
			if o == types.OriginLocalPending {
				origin = o
			}
		}
	}

	o, err := s.workouts.Remove(ctx, id)
	if err != nil {
		return "", err
	}
	if o == types.OriginLocalPending {
		origin = o
	}
	return origin, nil
}

// StartWorkout moves an assigned workout to in progress
func (s *Service) StartWorkout(ctx context.Context, id string) (*types.Workout, error) {
	if w, ok := s.workouts.Cached(id); ok && w.Status != types.WorkoutAssigned {
		return nil, invalidTransition("start", w.Status, types.WorkoutInProgress)
	}
	return s.workouts.Update(ctx, id, map[string]any{"status": types.WorkoutInProgress})
}

// CompleteWorkout marks every exercise completed, then the workout. When an
// exercise update fails the workout keeps its status and the failed
// exercises are reported; completed steps are not rolled back. w is updated
// in place as steps succeed, so a retry only repeats the failed ones.
func (s *Service) CompleteWorkout(ctx context.Context, w *types.Workout) (*types.CompositeResult, error) {
	if w.Status == types.WorkoutCompleted {
		return &types.CompositeResult{}, nil
	}
	return s.transition(ctx, "complete", w, true, types.WorkoutCompleted)
}

// ResetWorkout clears every exercise flag and moves the workout back to
// assigned, with the same partial failure rules as CompleteWorkout
func (s *Service) ResetWorkout(ctx context.Context, w *types.Workout) (*types.CompositeResult, error) {
	return s.transition(ctx, "reset", w, false, types.WorkoutAssigned)
}

func (s *Service) transition(ctx context.Context, op string, w *types.Workout, completed bool, status types.WorkoutStatus) (*types.CompositeResult, error) {
	result := &types.CompositeResult{}

	for _, e := range w.Exercises {
		if e.Completed == completed {
			result.Succeeded = append(result.Succeeded, e.ID)
			continue
		}
		updated, err := s.exercises.UpdateRemote(ctx, e.ID, map[string]any{"completed": completed})
		if err != nil {
			result.Failed = append(result.Failed, types.SubFailure{RecordID: e.ID, Err: err})
			continue
		}
		e.Completed = updated.Completed
		result.Succeeded = append(result.Succeeded, e.ID)
	}

	if result.OK() {
		updated, err := s.workouts.UpdateRemote(ctx, w.ID, map[string]any{"status": status})
		if err != nil {
			result.Failed = append(result.Failed, types.SubFailure{RecordID: w.ID, Err: err})
		} else {
			w.Status = updated.Status
			w.UpdatedAt = updated.UpdatedAt
			result.Succeeded = append(result.Succeeded, w.ID)
		}
	}

	s.observe(op, w.ID, result)
	return result, result.Err()
}

func (s *Service) observe(op, workoutID string, result *types.CompositeResult) {
	if result.OK() {
		return
	}
	metrics.CompositeFailures.WithLabelValues(string(types.ResourceWorkouts), op).Inc()
	s.logger.Warn().
		Str("op", op).
		Str("workout_id", workoutID).
		Strs("failed", result.FailedIDs()).
		Int("succeeded", len(result.Succeeded)).
		Msg("Workout operation partially failed")
}

// UpdateExercise applies a partial update to one exercise
func (s *Service) UpdateExercise(ctx context.Context, id string, partial map[string]any) (*types.Exercise, error) {
	return s.exercises.Update(ctx, id, partial)
}

// ToggleExercise flips the completed flag of an exercise
func (s *Service) ToggleExercise(ctx context.Context, e *types.Exercise) (*types.Exercise, error) {
	return s.exercises.Update(ctx, e.ID, map[string]any{"completed": !e.Completed})
}

// Stats counts the owner's workouts by status
func (s *Service) Stats(ctx context.Context, owner types.Owner) (*Stats, error) {
	res, err := s.workouts.Load(ctx, owner)
	if err != nil {
		return nil, err
	}

	stats := &Stats{Total: len(res.Records), FromFallback: res.FromFallback}
	for _, w := range res.Records {
		switch w.Status {
		case types.WorkoutAssigned:
			stats.Assigned++
		case types.WorkoutInProgress:
			stats.InProgress++
		case types.WorkoutCompleted:
			stats.Completed++
		}
	}
	return stats, nil
}

// Progress returns the share of completed exercises, 0 to 100
func Progress(w *types.Workout) float64 {
	if len(w.Exercises) == 0 {
		return 0
	}
	done := 0
	for _, e := range w.Exercises {
		if e.Completed {
			done++
		}
	}
	return float64(done) * 100 / float64(len(w.Exercises))
}
