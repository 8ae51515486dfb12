package workout

import (
	"errors"
	"fmt"

	"github.com/spcoaching/coachsync/pkg/remote"
	"github.com/spcoaching/coachsync/pkg/resource"
	"github.com/spcoaching/coachsync/pkg/types"
)

// WorkoutHooks scopes workouts to their coach or client
func WorkoutHooks() resource.Hooks[*types.Workout] {
	return resource.Hooks[*types.Workout]{
		ResourceType: types.ResourceWorkouts,
		Normalize:    resource.JSONNormalizer[types.Workout](),
		Owners:       resource.OwnerFields("coach_id", "client_id"),
		Filter: resource.RoleFilter(map[types.Role]string{
			types.RoleCoach:  "coach_id",
			types.RoleClient: "client_id",
		}),
		Validate: validateWorkout,
		Embedded: []string{"exercises"},
	}
}

// ExerciseHooks scopes exercises to their workout (RoleWorkout)
func ExerciseHooks() resource.Hooks[*types.Exercise] {
	return resource.Hooks[*types.Exercise]{
		ResourceType: types.ResourceExercises,
		Normalize:    resource.JSONNormalizer[types.Exercise](),
		Owners:       resource.OwnerFields("workout_id"),
		Filter:       resource.RoleFilter(map[types.Role]string{types.RoleWorkout: "workout_id"}),
		Validate:     validateExercise,
	}
}

func validateWorkout(w *types.Workout) error {
	var errs []error
	if w.Name == "" {
		errs = append(errs, errors.New("name is required"))
	}
	if w.CoachID == "" {
		errs = append(errs, errors.New("coach_id is required"))
	}
	if w.ClientID == "" {
		errs = append(errs, errors.New("client_id is required"))
	}
	switch w.Status {
	case "", types.WorkoutAssigned, types.WorkoutInProgress, types.WorkoutCompleted:
	default:
		errs = append(errs, fmt.Errorf("unknown status %q", w.Status))
	}
	return errors.Join(errs...)
}

func validateExercise(e *types.Exercise) error {
	var errs []error
	if e.WorkoutID == "" {
		errs = append(errs, errors.New("workout_id is required"))
	}
	if e.Name == "" {
		errs = append(errs, errors.New("name is required"))
	}
	if e.Sets < 0 || e.Reps < 0 {
		errs = append(errs, errors.New("sets and reps must not be negative"))
	}
	return errors.Join(errs...)
}

// workoutOwner turns a workout id into the owner of its exercises
func workoutOwner(workoutID string) types.Owner {
	return types.Owner{ID: workoutID, Role: types.RoleWorkout}
}

func invalidTransition(op string, from, to types.WorkoutStatus) error {
	return remote.NewError(remote.KindValidation, op, types.ResourceWorkouts,
		fmt.Errorf("cannot move a workout from %s to %s", from, to))
}
